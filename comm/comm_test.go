package comm

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gomlx/lockstep/transport"
	"github.com/gomlx/lockstep/types/matrix"
)

func TestTopologyCoordinates(t *testing.T) {
	// 6 ranks, 3 per model: models {0,1,2} and {3,4,5}; first three on
	// host a, rest on host b.
	w := transport.NewWorld(6, transport.WithHosts([]string{"a", "a", "a", "b", "b", "b"}))
	err := w.Run(func(tc transport.Comm) error {
		c, err := New(tc, 3)
		if err != nil {
			return err
		}
		defer func() { _ = c.Close() }()

		rank := tc.Rank()
		require.Equal(t, 2, c.NumModels())
		require.Equal(t, rank/3, c.ModelRank())
		require.Equal(t, rank%3, c.RankInModel())

		// Model communicators partition the world.
		assert.Equal(t, 3, c.ModelComm().Size())
		wantModel := []int{0, 1, 2}
		if rank >= 3 {
			wantModel = []int{3, 4, 5}
		}
		assert.Equal(t, wantModel, c.ModelComm().Group())

		// Inter-model communicators connect equal positions.
		assert.Equal(t, 2, c.IntermodelComm().Size())
		assert.Equal(t, []int{rank % 3, rank%3 + 3}, c.IntermodelComm().Group())

		// Node communicators group by host.
		assert.Equal(t, 3, c.ProcsPerNode())
		assert.Equal(t, rank%3, c.RankInNode())
		assert.Equal(t, []int{0, 1, 2}, c.ModelRanksOnNode())
		return nil
	})
	require.NoError(t, err)
}

func TestTopologyRejection(t *testing.T) {
	w := transport.NewWorld(6)
	err := w.Run(func(tc transport.Comm) error {
		_, err := New(tc, 4)
		assert.ErrorIs(t, err, ErrInvalidTopology)
		return nil
	})
	require.NoError(t, err)

	w2 := transport.NewWorld(2)
	err = w2.Run(func(tc transport.Comm) error {
		_, err := New(tc, 3)
		assert.ErrorIs(t, err, ErrInvalidTopology)
		return nil
	})
	require.NoError(t, err)
}

func TestProcsPerModelZeroMeansWholeWorld(t *testing.T) {
	w := transport.NewWorld(3)
	err := w.Run(func(tc transport.Comm) error {
		c, err := New(tc, 0)
		if err != nil {
			return err
		}
		defer func() { _ = c.Close() }()
		require.Equal(t, 1, c.NumModels())
		require.Equal(t, 3, c.ProcsPerModel())
		require.Equal(t, tc.Rank(), c.RankInModel())
		return nil
	})
	require.NoError(t, err)
}

func TestCollectiveBufferPool(t *testing.T) {
	w := transport.NewWorld(1)
	c, err := New(w.Comm(0), 1)
	require.NoError(t, err)
	defer func() { _ = c.Close() }()

	b0, err := c.CollectiveBuffer(128, 0)
	require.NoError(t, err)
	require.Len(t, b0, 128)
	b1, err := c.CollectiveBuffer(128, 1)
	require.NoError(t, err)

	// Slots are stable: the same (size, idx) yields the same buffer.
	b0again, err := c.CollectiveBuffer(128, 0)
	require.NoError(t, err)
	assert.Same(t, &b0[0], &b0again[0])
	b1again, err := c.CollectiveBuffer(128, 1)
	require.NoError(t, err)
	assert.Same(t, &b1[0], &b1again[0])

	// Buckets are independent per size.
	other, err := c.CollectiveBuffer(64, 0)
	require.NoError(t, err)
	require.Len(t, other, 64)

	// Requesting a slot beyond the next free one is out of sequence.
	_, err = c.CollectiveBuffer(128, 3)
	assert.ErrorIs(t, err, ErrInvalidBufferIndex)
	_, err = c.CollectiveBuffer(256, 1)
	assert.ErrorIs(t, err, ErrInvalidBufferIndex)
}

func TestSendRecvMatrix(t *testing.T) {
	w := transport.NewWorld(4)
	err := w.Run(func(tc transport.Comm) error {
		c, err := New(tc, 2)
		if err != nil {
			return err
		}
		defer func() { _ = c.Close() }()

		m := matrix.New(2, 2)
		if c.ModelRank() == 0 && c.RankInModel() == 0 {
			m.Set(0, 0, 3.5)
			m.Set(1, 1, -1)
			if err := c.Send(m, 1, 1); err != nil {
				return err
			}
			assert.Equal(t, uint64(16), c.BytesSent())
		}
		if c.ModelRank() == 1 && c.RankInModel() == 1 {
			if err := c.Recv(m, 0, 0); err != nil {
				return err
			}
			assert.Equal(t, float32(3.5), m.At(0, 0))
			assert.Equal(t, float32(-1), m.At(1, 1))
			assert.Equal(t, uint64(16), c.BytesReceived())
		}
		return nil
	})
	require.NoError(t, err)
}

func TestNbSendRecv(t *testing.T) {
	w := transport.NewWorld(2)
	err := w.Run(func(tc transport.Comm) error {
		c, err := New(tc, 1)
		if err != nil {
			return err
		}
		defer func() { _ = c.Close() }()

		m := matrix.New(1, 3)
		if c.ModelRank() == 0 {
			m.Set(0, 0, 7)
			req := c.NbSend(m, 1, 0)
			return req.Wait()
		}
		req := c.NbRecv(m, 0, 0)
		if err := req.Wait(); err != nil {
			return err
		}
		assert.Equal(t, float32(7), m.At(0, 0))
		return nil
	})
	require.NoError(t, err)
}

func TestIntermodelBroadcastAndSum(t *testing.T) {
	// 3 models x 1 rank.
	w := transport.NewWorld(3)
	err := w.Run(func(tc transport.Comm) error {
		c, err := New(tc, 1)
		if err != nil {
			return err
		}
		defer func() { _ = c.Close() }()

		m := matrix.New(2, 2)
		if c.ModelRank() == 1 {
			m.Set(0, 1, 5)
		}
		if err := c.IntermodelBroadcastMatrix(m, 1); err != nil {
			return err
		}
		assert.Equal(t, float32(5), m.At(0, 1))

		// Sum: every model contributes modelRank+1 in each element.
		for i := 0; i < 2; i++ {
			for j := 0; j < 2; j++ {
				m.Set(i, j, float32(c.ModelRank()+1))
			}
		}
		if err := c.IntermodelSumMatrix(m); err != nil {
			return err
		}
		for i := 0; i < 2; i++ {
			for j := 0; j < 2; j++ {
				assert.Equal(t, float32(6), m.At(i, j))
			}
		}
		return nil
	})
	require.NoError(t, err)
}

func TestBarrierCounters(t *testing.T) {
	w := transport.NewWorld(4)
	err := w.Run(func(tc transport.Comm) error {
		c, err := New(tc, 2)
		if err != nil {
			return err
		}
		defer func() { _ = c.Close() }()

		for i := 0; i < 3; i++ {
			if err := c.ModelBarrier(); err != nil {
				return err
			}
		}
		if err := c.IntermodelBarrier(); err != nil {
			return err
		}
		if err := c.GlobalBarrier(); err != nil {
			return err
		}
		assert.Equal(t, uint64(3), c.NumModelBarriers())
		assert.Equal(t, uint64(1), c.NumIntermodelBarriers())
		assert.Equal(t, uint64(1), c.NumGlobalBarriers())
		assert.NotEmpty(t, c.StatsString())
		return nil
	})
	require.NoError(t, err)
}

func TestUseAfterClosePanics(t *testing.T) {
	w := transport.NewWorld(1)
	c, err := New(w.Comm(0), 1)
	require.NoError(t, err)
	require.NoError(t, c.Close())
	assert.Panics(t, func() { c.ModelComm() })
}
