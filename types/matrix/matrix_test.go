package matrix

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMatViews(t *testing.T) {
	m := New(3, 4)
	for c := 0; c < 4; c++ {
		for r := 0; r < 3; r++ {
			m.Set(r, c, float32(c*10+r))
		}
	}

	v := m.ColRange(1, 3)
	require.Equal(t, 3, v.Height())
	require.Equal(t, 2, v.Width())
	assert.Equal(t, float32(10), v.At(0, 0))
	assert.Equal(t, float32(22), v.At(2, 1))

	// A column-range view is contiguous and shares storage.
	require.True(t, v.Contiguous())
	v.Set(0, 0, -1)
	assert.Equal(t, float32(-1), m.At(0, 1))

	// A row-range view is strided.
	rv := m.View(Range{Begin: 1, End: 3}, All())
	require.False(t, rv.Contiguous())
	assert.Equal(t, float32(1), rv.At(0, 0))
	assert.Panics(t, func() { rv.Data() })
}

func TestMatCopyZeroEqual(t *testing.T) {
	a := NewWithData(2, 3, []float32{1, 2, 3, 4, 5, 6})
	b := New(2, 3)
	b.CopyFrom(a)
	require.True(t, a.Equal(b))

	b.Set(1, 2, 42)
	require.False(t, a.Equal(b))

	b.Zero()
	for c := 0; c < 3; c++ {
		for r := 0; r < 2; r++ {
			require.Zero(t, b.At(r, c))
		}
	}
}

func TestEncodeDecodeMat(t *testing.T) {
	m := NewWithData(2, 3, []float32{1, -2, 3.5, 4, 0, 6})
	buf := make([]byte, m.Size()*Float32Bytes)
	n := EncodeMat(buf, m)
	require.Equal(t, len(buf), n)

	out := New(2, 3)
	require.Equal(t, n, DecodeMat(out, buf))
	require.True(t, m.Equal(out))

	// Strided views round-trip column by column.
	v := m.View(Range{Begin: 0, End: 1}, All())
	vbuf := make([]byte, v.Size()*Float32Bytes)
	require.Equal(t, len(vbuf), EncodeMat(vbuf, v))
	vout := New(1, 3)
	DecodeMat(vout, vbuf)
	require.True(t, v.Equal(vout))
}

func TestCircMatDistribution(t *testing.T) {
	const nprocs = 3
	const width = 7
	// Local widths follow the circulant layout: ranks 0..2 own columns
	// {0,3,6}, {1,4}, {2,5}.
	wantLocal := []int{3, 2, 2}
	for rank := 0; rank < nprocs; rank++ {
		c := NewCirc(2, width, nprocs, rank)
		require.Equal(t, wantLocal[rank], c.LocalWidth(), "rank %d", rank)
		for j := 0; j < width; j++ {
			assert.Equal(t, j%nprocs, c.Owner(j))
		}
	}

	c := NewCirc(2, width, nprocs, 1)
	block := New(2, 3) // global columns 3, 4, 5
	for b := 0; b < 3; b++ {
		block.Set(0, b, float32(3+b))
		block.Set(1, b, float32(3+b))
	}
	c.DepositBlock(3, block)
	// Rank 1 owns column 4 of the block, stored as local column 1.
	assert.Equal(t, float32(4), c.Local().At(0, 1))
	assert.Equal(t, float32(4), c.Local().At(1, 1))
	// Local column 0 (global column 1) is untouched.
	assert.Zero(t, c.Local().At(0, 0))
}
