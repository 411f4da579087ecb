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

// Package matrix provides the dense matrix types consumed by the collective
// communication and minibatch staging code: a local column-major Mat with
// cheap column-range views, and CircMat, a column-circulant distributed
// matrix whose column j lives on rank j % nprocs.
//
// Values are float32. Views borrow the parent's backing storage; they are
// valid for as long as the parent is.
package matrix

import (
	"encoding/binary"
	"math"

	"github.com/gomlx/exceptions"
)

// Mat is a column-major dense matrix of float32 values with a leading
// dimension, so column-range (and row-range) views can share storage with
// their parent.
type Mat struct {
	height, width int

	// ld is the stride between the starts of consecutive columns in data.
	// ld == height for freshly allocated matrices; views over a row range
	// carry the parent's ld.
	ld   int
	data []float32
}

// New returns a zero-initialized height x width matrix.
func New(height, width int) *Mat {
	if height < 0 || width < 0 {
		exceptions.Panicf("matrix.New(%d, %d): dimensions must be non-negative", height, width)
	}
	return &Mat{
		height: height,
		width:  width,
		ld:     height,
		data:   make([]float32, height*width),
	}
}

// NewWithData wraps the given column-major data slice, which must hold
// exactly height*width elements. The matrix borrows the slice.
func NewWithData(height, width int, data []float32) *Mat {
	if len(data) != height*width {
		exceptions.Panicf("matrix.NewWithData(%d, %d): data holds %d elements, want %d",
			height, width, len(data), height*width)
	}
	return &Mat{height: height, width: width, ld: height, data: data}
}

// Height returns the number of rows.
func (m *Mat) Height() int { return m.height }

// Width returns the number of columns.
func (m *Mat) Width() int { return m.width }

// Size returns the number of elements (Height * Width).
func (m *Mat) Size() int { return m.height * m.width }

// LeadingDim returns the column stride of the backing storage.
func (m *Mat) LeadingDim() int { return m.ld }

// Contiguous reports whether the matrix elements occupy one contiguous
// run of the backing slice.
func (m *Mat) Contiguous() bool { return m.ld == m.height || m.width <= 1 }

// Data returns the contiguous backing slice of the matrix, in column-major
// order. It panics if the matrix is a non-contiguous view; use View plus an
// explicit copy for those.
func (m *Mat) Data() []float32 {
	if !m.Contiguous() {
		exceptions.Panicf("Mat.Data() on non-contiguous %dx%d view (ld=%d)", m.height, m.width, m.ld)
	}
	return m.data[:m.height*m.width]
}

// At returns the element at row r, column c.
func (m *Mat) At(r, c int) float32 {
	m.checkIndex(r, c)
	return m.data[c*m.ld+r]
}

// Set assigns the element at row r, column c.
func (m *Mat) Set(r, c int, v float32) {
	m.checkIndex(r, c)
	m.data[c*m.ld+r] = v
}

func (m *Mat) checkIndex(r, c int) {
	if r < 0 || r >= m.height || c < 0 || c >= m.width {
		exceptions.Panicf("matrix index (%d, %d) out of range for %dx%d matrix", r, c, m.height, m.width)
	}
}

// Range is a half-open [Begin, End) index interval. The zero Range is empty.
type Range struct {
	Begin, End int
	all        bool
}

// All returns the Range covering every index of whichever axis it is
// applied to.
func All() Range { return Range{all: true} }

// IsAll reports whether the range is the All() sentinel.
func (r Range) IsAll() bool { return r.all }

// Len returns the number of indices in the range.
func (r Range) Len() int { return r.End - r.Begin }

func (r Range) resolve(extent int, axis string) Range {
	if r.all {
		return Range{Begin: 0, End: extent}
	}
	if r.Begin < 0 || r.End < r.Begin || r.End > extent {
		exceptions.Panicf("matrix range [%d, %d) out of bounds for %s extent %d", r.Begin, r.End, axis, extent)
	}
	return r
}

// View returns a matrix sharing storage with m, restricted to the given
// row and column ranges.
func (m *Mat) View(rows, cols Range) *Mat {
	rows = rows.resolve(m.height, "row")
	cols = cols.resolve(m.width, "column")
	return &Mat{
		height: rows.Len(),
		width:  cols.Len(),
		ld:     m.ld,
		data:   m.data[cols.Begin*m.ld+rows.Begin:],
	}
}

// ColRange returns the view of columns [begin, end).
func (m *Mat) ColRange(begin, end int) *Mat {
	return m.View(All(), Range{Begin: begin, End: end})
}

// Col returns column c as a borrowing slice of length Height.
func (m *Mat) Col(c int) []float32 {
	if c < 0 || c >= m.width {
		exceptions.Panicf("Mat.Col(%d) out of range for %dx%d matrix", c, m.height, m.width)
	}
	return m.data[c*m.ld : c*m.ld+m.height]
}

// Zero sets every element to zero.
func (m *Mat) Zero() {
	for c := 0; c < m.width; c++ {
		col := m.data[c*m.ld : c*m.ld+m.height]
		for i := range col {
			col[i] = 0
		}
	}
}

// CopyFrom copies src into m. The shapes must match.
func (m *Mat) CopyFrom(src *Mat) {
	if m.height != src.height || m.width != src.width {
		exceptions.Panicf("Mat.CopyFrom: shape mismatch, %dx%d vs %dx%d",
			m.height, m.width, src.height, src.width)
	}
	for c := 0; c < m.width; c++ {
		copy(m.data[c*m.ld:c*m.ld+m.height], src.data[c*src.ld:c*src.ld+m.height])
	}
}

// Equal reports whether m and other have the same shape and elements.
func (m *Mat) Equal(other *Mat) bool {
	if m.height != other.height || m.width != other.width {
		return false
	}
	for c := 0; c < m.width; c++ {
		for r := 0; r < m.height; r++ {
			if m.data[c*m.ld+r] != other.data[c*other.ld+r] {
				return false
			}
		}
	}
	return true
}

// Float32Bytes is the byte width of one element.
const Float32Bytes = 4

// EncodeFloat32 serializes src into dst as little-endian float32 and
// returns the number of bytes written. dst must hold 4*len(src) bytes.
func EncodeFloat32(dst []byte, src []float32) int {
	for i, v := range src {
		binary.LittleEndian.PutUint32(dst[i*Float32Bytes:], math.Float32bits(v))
	}
	return len(src) * Float32Bytes
}

// DecodeFloat32 deserializes little-endian float32 from src into dst and
// returns the number of bytes consumed. src must hold 4*len(dst) bytes.
func DecodeFloat32(dst []float32, src []byte) int {
	for i := range dst {
		dst[i] = math.Float32frombits(binary.LittleEndian.Uint32(src[i*Float32Bytes:]))
	}
	return len(dst) * Float32Bytes
}

// EncodeMat serializes the elements of m (column-major) into dst,
// returning the byte count. Views with a leading dimension are handled
// column by column.
func EncodeMat(dst []byte, m *Mat) int {
	n := 0
	for c := 0; c < m.width; c++ {
		n += EncodeFloat32(dst[n:], m.data[c*m.ld:c*m.ld+m.height])
	}
	return n
}

// DecodeMat deserializes column-major float32 elements from src into m,
// returning the byte count consumed.
func DecodeMat(m *Mat, src []byte) int {
	n := 0
	for c := 0; c < m.width; c++ {
		n += DecodeFloat32(m.data[c*m.ld:c*m.ld+m.height], src[n:])
	}
	return n
}
