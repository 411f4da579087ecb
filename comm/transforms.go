/*
 *	Copyright 2023 Jan Pfeifer
 *
 *	Licensed under the Apache License, Version 2.0 (the "License");
 *	you may not use this file except in compliance with the License.
 *	You may obtain a copy of the License at
 *
 *	http://www.apache.org/licenses/LICENSE-2.0
 *
 *	Unless required by applicable law or agreed to in writing, software
 *	distributed under the License is distributed on an "AS IS" BASIS,
 *	WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 *	See the License for the specific language governing permissions and
 *	limitations under the License.
 */

package comm

import (
	"encoding/binary"
	"math"

	"github.com/pkg/errors"
	"github.com/x448/float16"

	"github.com/gomlx/lockstep/types/matrix"
)

// TransformSet bundles the three allreduce callbacks of one encoding. A
// set owns a grow-once scratch buffer, so it must not be shared between
// concurrent allreduces; the reduction applied by RecvApply is elementwise
// sum.
type TransformSet struct {
	Send      SendTransform
	Recv      RecvTransform
	RecvApply RecvApplyTransform

	scratch []byte
}

func (t *TransformSet) grow(n int) []byte {
	if cap(t.scratch) < n {
		t.scratch = make([]byte, n)
	}
	return t.scratch[:n]
}

// RawTransforms returns the identity encoding: payloads travel as
// little-endian float32. Useful on its own for plain sum-allreduce, and as
// the reference encoding in tests.
func RawTransforms() *TransformSet {
	t := &TransformSet{}
	t.Send = func(mat *matrix.Mat, rows, cols matrix.Range, isPartial bool) ([]byte, error) {
		view := mat.View(rows, cols)
		buf := t.grow(view.Size() * matrix.Float32Bytes)
		matrix.EncodeMat(buf, view)
		return buf, nil
	}
	t.Recv = func(data []byte, dst *matrix.Mat) (int, error) {
		want := dst.Size() * matrix.Float32Bytes
		if len(data) < want {
			return 0, errors.Errorf("raw transform: %d payload bytes for a %dx%d destination, want %d",
				len(data), dst.Height(), dst.Width(), want)
		}
		return matrix.DecodeMat(dst, data), nil
	}
	t.RecvApply = func(data []byte, dst *matrix.Mat) (int, error) {
		want := dst.Size() * matrix.Float32Bytes
		if len(data) < want {
			return 0, errors.Errorf("raw transform: %d payload bytes for a %dx%d destination, want %d",
				len(data), dst.Height(), dst.Width(), want)
		}
		n := 0
		for c := 0; c < dst.Width(); c++ {
			col := dst.Col(c)
			for i := range col {
				bits := binary.LittleEndian.Uint32(data[n:])
				col[i] += math.Float32frombits(bits)
				n += matrix.Float32Bytes
			}
		}
		return n, nil
	}
	return t
}

// Float16Transforms returns a half-precision quantizing encoding: elements
// are sent as IEEE 754 binary16 (half the payload of raw float32) and
// widened back on receipt. The reduction itself runs in float32, so only
// the wire payload loses precision.
func Float16Transforms() *TransformSet {
	const eltBytes = 2
	t := &TransformSet{}
	t.Send = func(mat *matrix.Mat, rows, cols matrix.Range, isPartial bool) ([]byte, error) {
		view := mat.View(rows, cols)
		buf := t.grow(view.Size() * eltBytes)
		n := 0
		for c := 0; c < view.Width(); c++ {
			for _, v := range view.Col(c) {
				binary.LittleEndian.PutUint16(buf[n:], float16.Fromfloat32(v).Bits())
				n += eltBytes
			}
		}
		return buf, nil
	}
	decode := func(data []byte, dst *matrix.Mat, apply bool) (int, error) {
		want := dst.Size() * eltBytes
		if len(data) < want {
			return 0, errors.Errorf("float16 transform: %d payload bytes for a %dx%d destination, want %d",
				len(data), dst.Height(), dst.Width(), want)
		}
		n := 0
		for c := 0; c < dst.Width(); c++ {
			col := dst.Col(c)
			for i := range col {
				v := float16.Frombits(binary.LittleEndian.Uint16(data[n:])).Float32()
				if apply {
					col[i] += v
				} else {
					col[i] = v
				}
				n += eltBytes
			}
		}
		return n, nil
	}
	t.Recv = func(data []byte, dst *matrix.Mat) (int, error) {
		return decode(data, dst, false)
	}
	t.RecvApply = func(data []byte, dst *matrix.Mat) (int, error) {
		return decode(data, dst, true)
	}
	return t
}
