package datareader

import (
	"path/filepath"
	"testing"

	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gomlx/lockstep/comm"
	"github.com/gomlx/lockstep/persist"
	"github.com/gomlx/lockstep/transport"
	"github.com/gomlx/lockstep/types/matrix"
)

// sliceSource is a Source yielding sample index j as a column of js.
type sliceSource struct {
	n       int
	fetched []int32 // every index ever fetched, in order
}

func (s *sliceSource) NumData() int { return s.n }

func (s *sliceSource) Fetch(dst *matrix.Mat, indices []int32) (int, error) {
	for c, idx := range indices {
		col := dst.Col(c)
		for i := range col {
			col[i] = float32(idx)
		}
	}
	s.fetched = append(s.fetched, indices...)
	return len(indices), nil
}

func singleRankComm(t *testing.T) *comm.Comm {
	t.Helper()
	w := transport.NewWorld(1)
	c := must.M1(comm.New(w.Comm(0), 1))
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestEpochWithRaggedTail(t *testing.T) {
	// 23 samples in minibatches of 10, 10 and 3.
	src := &sliceSource{n: 23}
	r := New("mnist", Training, 10, src)
	r.SetNumMiniBatchesPerReader(3)
	r.SetLastMiniBatchSize(3)
	r.Setup(0, 10, 1, 0, singleRankComm(t))

	m := matrix.New(2, 10)
	total := 0
	sizes := []int{}
	for {
		sizes = append(sizes, r.BatchSize())
		n := must.M1(r.Fetch(m))
		require.Equal(t, r.BatchSize(), n)
		total += n
		if !r.Update() {
			break
		}
	}
	assert.Equal(t, []int{10, 10, 3}, sizes)
	assert.Equal(t, 23, total)
	// The epoch wrap reset the walk.
	assert.Equal(t, 0, r.MiniBatchIndex())
	assert.Equal(t, 0, r.Position())
	assert.Len(t, src.fetched, 23)
}

func TestSerialEpochVisitsEverySample(t *testing.T) {
	src := &sliceSource{n: 25}
	r := New("serial", Training, 10, src)
	r.SetSeed(3)
	r.SetupSerial()
	require.Equal(t, 3, r.NumMiniBatchesPerReader())

	m := matrix.New(1, 10)
	epochs := 0
	for epochs < 2 {
		if n := must.M1(r.Fetch(m)); n == 0 {
			t.Fatal("fetch returned no samples mid-epoch")
		}
		if !r.Update() {
			epochs++
		}
	}
	require.Len(t, src.fetched, 50)
	// Each epoch visits all 25 distinct samples.
	for _, epoch := range [][]int32{src.fetched[:25], src.fetched[25:]} {
		seen := make(map[int32]bool, 25)
		for _, idx := range epoch {
			seen[idx] = true
		}
		assert.Len(t, seen, 25)
	}
	// The wrap reshuffled: the two epochs differ in order.
	assert.NotEqual(t, src.fetched[:25], src.fetched[25:])
}

func TestFirstNSkipsShuffle(t *testing.T) {
	src := &sliceSource{n: 8}
	r := New("firstn", Training, 4, src)
	r.SetFirstN(true)
	r.SetupSerial()
	m := matrix.New(1, 4)
	for ok := true; ok; {
		must.M1(r.Fetch(m))
		ok = r.Update()
	}
	assert.Equal(t, []int32{0, 1, 2, 3, 4, 5, 6, 7}, src.fetched)
}

func TestSelectSubsetOfData(t *testing.T) {
	// 100 samples, use 50%, hold out 20% of the remaining pool.
	src := &sliceSource{n: 100}
	r := New("subset", Training, 10, src)
	require.NoError(t, r.SetUsePercent(0.5))
	require.NoError(t, r.SetValidationPercent(0.2))
	require.NoError(t, r.SelectSubsetOfData())
	assert.Equal(t, 40, r.NumShuffled())
	assert.Equal(t, 10, r.NumUnused())

	// Both vectors were re-sorted and are disjoint.
	seen := make(map[int32]bool)
	for i := 1; i < len(r.shuffled); i++ {
		assert.Less(t, r.shuffled[i-1], r.shuffled[i])
	}
	for _, idx := range r.shuffled {
		seen[idx] = true
	}
	for _, idx := range r.unused {
		assert.False(t, seen[idx], "index %d in both sets", idx)
	}

	// The hold-out becomes the active set for validation.
	r.UseUnusedIndexSet()
	assert.Equal(t, 10, r.NumShuffled())
	assert.Equal(t, 0, r.NumUnused())
}

func TestSelectSubsetErrors(t *testing.T) {
	src := &sliceSource{n: 10}
	r := New("bad", Training, 2, src)
	r.SetMaxSampleCount(11)
	assert.ErrorIs(t, r.SelectSubsetOfData(), ErrSubsetTooLarge)

	assert.ErrorIs(t, r.SetUsePercent(1.5), ErrInvalidPercent)
	assert.ErrorIs(t, r.SetValidationPercent(-0.1), ErrInvalidPercent)
}

func TestMaxSampleCount(t *testing.T) {
	src := &sliceSource{n: 10}
	r := New("capped", Training, 2, src)
	r.SetMaxSampleCount(6)
	require.NoError(t, r.SelectSubsetOfData())
	assert.Equal(t, 6, r.NumShuffled())
}

func TestMissingConfigurationAccessors(t *testing.T) {
	r := New("cfg", Training, 2, &sliceSource{n: 4})
	_, err := r.DataFilename()
	assert.ErrorIs(t, err, ErrMissingConfiguration)
	_, err = r.LabelFilename()
	assert.ErrorIs(t, err, ErrMissingConfiguration)
	_, err = r.UsePercent()
	assert.ErrorIs(t, err, ErrMissingConfiguration)

	r.SetDataFilename("train.bin")
	fn := must.M1(r.DataFilename())
	assert.Equal(t, "train.bin", fn)
}

func TestCheckpointDeterminism(t *testing.T) {
	// Two identically-seeded readers; one checkpoints after five
	// minibatches and is restored into a fresh reader. Both walks then
	// visit the same index sequence.
	dir := t.TempDir()
	store := must.M1(persist.Build().Dir(filepath.Join(dir, "ckpt")).Done())

	newReader := func(src *sliceSource) *Reader {
		r := New("det", Training, 4, src)
		r.SetSeed(1234)
		r.SetupSerial()
		return r
	}
	srcA := &sliceSource{n: 30}
	a := newReader(srcA)
	m := matrix.New(1, 4)
	for i := 0; i < 5; i++ {
		must.M1(a.Fetch(m))
		a.Update()
	}
	require.NoError(t, a.SaveToCheckpoint(store, "det"))

	srcB := &sliceSource{n: 30}
	b := newReader(srcB)
	require.NoError(t, b.LoadFromCheckpoint(store, "det"))
	require.Equal(t, a.Position(), b.Position())
	require.Equal(t, a.MiniBatchIndex(), b.MiniBatchIndex())
	require.Equal(t, a.shuffled, b.shuffled)

	for i := 0; i < 5; i++ {
		must.M1(a.Fetch(m))
		must.M1(b.Fetch(m))
		a.Update()
		b.Update()
	}
	assert.Equal(t, srcA.fetched[20:], srcB.fetched)
}

func TestCheckpointBroadcastAcrossRanks(t *testing.T) {
	// Root saves; every rank loads and ends up with identical state.
	dir := t.TempDir()
	store := must.M1(persist.Build().Dir(filepath.Join(dir, "ckpt")).Done())

	w := transport.NewWorld(2)
	positions := make([]int, 2)
	indices := make([][]int32, 2)
	err := w.Run(func(tc transport.Comm) error {
		c, err := comm.New(tc, 1)
		if err != nil {
			return err
		}
		defer func() { _ = c.Close() }()

		src := &sliceSource{n: 12}
		r := New("dist", Training, 4, src)
		r.SetNumMiniBatchesPerReader(3)
		r.Setup(0, 4, 1, 0, c)

		if c.WorldRank() == 0 {
			r.Update()
			if err := r.SaveToCheckpoint(store, "dist"); err != nil {
				return err
			}
		}
		if err := c.GlobalBarrier(); err != nil {
			return err
		}
		// Rank 1 must also write nothing.
		if err := r.SaveToCheckpoint(store, "dist"); err != nil {
			return err
		}
		if err := r.LoadFromCheckpoint(store, "dist"); err != nil {
			return err
		}
		positions[c.WorldRank()] = r.Position()
		indices[c.WorldRank()] = append([]int32(nil), r.shuffled...)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, positions[0], positions[1])
	assert.Equal(t, indices[0], indices[1])
	assert.Equal(t, 4, positions[0])
}
