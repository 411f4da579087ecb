package persist

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileStoreRoundTrip(t *testing.T) {
	dir := t.TempDir()
	s := must.M1(Build().Dir(filepath.Join(dir, "ckpt")).Done())

	require.NoError(t, s.WriteUint64(Train, "reader_data_position", 17))
	v, err := s.ReadUint64(Train, "reader_data_position")
	require.NoError(t, err)
	assert.Equal(t, uint64(17), v)

	indices := []int32{5, -3, 0, 2_000_000_000}
	require.NoError(t, s.WriteInt32s(Train, "reader_data_indices", indices))
	got := make([]int32, len(indices))
	require.NoError(t, s.ReadInt32s(Train, "reader_data_indices", got))
	assert.Equal(t, indices, got)

	// Scalars are flat little-endian bytes on disk.
	raw := must.M1(os.ReadFile(filepath.Join(dir, "ckpt", "train", "reader_data_position")))
	assert.Equal(t, []byte{17, 0, 0, 0, 0, 0, 0, 0}, raw)
}

func TestFileStoreSizeMismatch(t *testing.T) {
	s := must.M1(Build().Dir(t.TempDir()).Done())
	require.NoError(t, s.WriteInt32s(Train, "k", []int32{1, 2}))
	err := s.ReadInt32s(Train, "k", make([]int32, 3))
	assert.Error(t, err)
}

func TestBuildRequiresDir(t *testing.T) {
	_, err := Build().Done()
	assert.Error(t, err)
}
