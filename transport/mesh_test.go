package transport

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSendRecvExchange(t *testing.T) {
	w := NewWorld(2)
	err := w.Run(func(c Comm) error {
		peer := 1 - c.Rank()
		send := []byte{byte(c.Rank()), 42}
		recv := make([]byte, 2)
		// Symmetric exchange: both ranks post SendRecv to each other.
		n, err := c.SendRecv(send, peer, recv, peer, 7)
		if err != nil {
			return err
		}
		assert.Equal(t, 2, n)
		assert.Equal(t, []byte{byte(peer), 42}, recv)
		return nil
	})
	require.NoError(t, err)
}

func TestTagAndSourceMatching(t *testing.T) {
	w := NewWorld(2)
	err := w.Run(func(c Comm) error {
		if c.Rank() == 0 {
			// Two messages with distinct tags; receiver asks for them in
			// the opposite order.
			if err := c.Send([]byte{1}, 1, 10); err != nil {
				return err
			}
			return c.Send([]byte{2}, 1, 20)
		}
		buf := make([]byte, 1)
		if _, err := c.Recv(buf, 0, 20); err != nil {
			return err
		}
		assert.Equal(t, byte(2), buf[0])
		if _, err := c.Recv(buf, AnySource, 10); err != nil {
			return err
		}
		assert.Equal(t, byte(1), buf[0])
		return nil
	})
	require.NoError(t, err)
}

func TestRecvTruncated(t *testing.T) {
	w := NewWorld(2)
	err := w.Run(func(c Comm) error {
		if c.Rank() == 0 {
			return c.Send(make([]byte, 8), 1, 0)
		}
		_, err := c.Recv(make([]byte, 4), 0, 0)
		assert.ErrorIs(t, err, ErrTruncated)
		return nil
	})
	require.NoError(t, err)
}

func TestBcast(t *testing.T) {
	w := NewWorld(4)
	err := w.Run(func(c Comm) error {
		buf := make([]byte, 3)
		if c.Rank() == 2 {
			copy(buf, []byte{9, 8, 7})
		}
		if err := c.Bcast(buf, 2); err != nil {
			return err
		}
		assert.Equal(t, []byte{9, 8, 7}, buf)
		return nil
	})
	require.NoError(t, err)
}

func TestAllgather(t *testing.T) {
	w := NewWorld(3)
	err := w.Run(func(c Comm) error {
		out, err := c.Allgather([]byte{byte(c.Rank()), byte(c.Rank() * 10)})
		if err != nil {
			return err
		}
		assert.Equal(t, []byte{0, 0, 1, 10, 2, 20}, out)
		return nil
	})
	require.NoError(t, err)
}

func TestSplit(t *testing.T) {
	// 6 ranks split into 2 groups of 3 by color = rank % 2, keyed so the
	// new rank order follows rank / 2.
	w := NewWorld(6)
	err := w.Run(func(c Comm) error {
		sub, err := c.Split(c.Rank()%2, c.Rank()/2)
		if err != nil {
			return err
		}
		require.Equal(t, 3, sub.Size())
		require.Equal(t, c.Rank()/2, sub.Rank())
		want := []int{c.Rank() % 2, c.Rank()%2 + 2, c.Rank()%2 + 4}
		assert.Equal(t, want, sub.Group())

		// The sub-communicator carries its own message space.
		buf := []byte{byte(c.Rank())}
		if err := sub.Bcast(buf, 0); err != nil {
			return err
		}
		assert.Equal(t, byte(c.Rank()%2), buf[0])
		return sub.Free()
	})
	require.NoError(t, err)
}

func TestBarrierAndReuse(t *testing.T) {
	w := NewWorld(5)
	err := w.Run(func(c Comm) error {
		for i := 0; i < 10; i++ {
			if err := c.Barrier(); err != nil {
				return err
			}
		}
		return nil
	})
	require.NoError(t, err)
}

func TestProcessorName(t *testing.T) {
	w := NewWorld(4, WithHosts([]string{"a", "a", "b", "b"}))
	err := w.Run(func(c Comm) error {
		name, err := c.ProcessorName()
		if err != nil {
			return err
		}
		want := "a"
		if c.Rank() >= 2 {
			want = "b"
		}
		assert.Equal(t, want, name)
		return nil
	})
	require.NoError(t, err)
}

func TestFreedCommPanics(t *testing.T) {
	w := NewWorld(1)
	c := w.Comm(0)
	require.NoError(t, c.Free())
	assert.Panics(t, func() { _ = c.Barrier() })
}
