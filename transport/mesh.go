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

package transport

import (
	"fmt"
	"sync"

	"github.com/gomlx/exceptions"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// World is an in-process mesh of ranks connected by FIFO mailboxes. Each
// rank runs on its own goroutine and talks to its peers through Comm
// handles obtained from Comm or Run.
type World struct {
	id    string
	size  int
	hosts []string

	mu        sync.Mutex
	mailboxes []*mailbox
	splits    map[string]*splitGather
	barriers  map[string]*barrierState
}

// WorldOption configures a World.
type WorldOption func(w *World)

// WithHosts assigns a host name per rank, for node-communicator discovery.
// Without it every rank reports the same synthetic host.
func WithHosts(hosts []string) WorldOption {
	return func(w *World) { w.hosts = hosts }
}

// NewWorld creates an in-process mesh with the given number of ranks.
func NewWorld(size int, opts ...WorldOption) *World {
	if size <= 0 {
		exceptions.Panicf("transport.NewWorld(%d): size must be positive", size)
	}
	w := &World{
		id:       uuid.NewString(),
		size:     size,
		splits:   make(map[string]*splitGather),
		barriers: make(map[string]*barrierState),
	}
	for _, opt := range opts {
		opt(w)
	}
	if w.hosts == nil {
		w.hosts = make([]string, size)
		for i := range w.hosts {
			w.hosts[i] = "localhost"
		}
	}
	if len(w.hosts) != size {
		exceptions.Panicf("transport.NewWorld: %d hosts for %d ranks", len(w.hosts), size)
	}
	w.mailboxes = make([]*mailbox, size)
	for i := range w.mailboxes {
		w.mailboxes[i] = newMailbox()
	}
	klog.V(1).Infof("transport: world %s created with %d ranks", w.id, size)
	return w
}

// ID returns the world's unique identifier.
func (w *World) ID() string { return w.id }

// Size returns the number of ranks.
func (w *World) Size() int { return w.size }

// Comm returns rank's handle on the world communicator.
func (w *World) Comm(rank int) Comm {
	if rank < 0 || rank >= w.size {
		exceptions.Panicf("World.Comm(%d): rank out of range for %d ranks", rank, w.size)
	}
	members := make([]int, w.size)
	for i := range members {
		members[i] = i
	}
	return &meshComm{w: w, id: "world", members: members, rank: rank}
}

// Run executes fn once per rank, each on its own goroutine with that
// rank's world communicator, and returns the first error.
func (w *World) Run(fn func(c Comm) error) error {
	errs := make([]error, w.size)
	var wg sync.WaitGroup
	for rank := 0; rank < w.size; rank++ {
		wg.Add(1)
		go func(rank int) {
			defer wg.Done()
			errs[rank] = fn(w.Comm(rank))
		}(rank)
	}
	wg.Wait()
	for rank, err := range errs {
		if err != nil {
			return errors.WithMessagef(err, "world %s rank %d", w.id, rank)
		}
	}
	return nil
}

// envelope is one in-flight message.
type envelope struct {
	commID string
	src    int // sender's rank within commID
	tag    int
	data   []byte
}

// mailbox is the per-destination-rank FIFO of envelopes with MPI-style
// (comm, tag, source) matching.
type mailbox struct {
	mu      sync.Mutex
	cond    *sync.Cond
	pending []*envelope
}

func newMailbox() *mailbox {
	mb := &mailbox{}
	mb.cond = sync.NewCond(&mb.mu)
	return mb
}

func (mb *mailbox) put(env *envelope) {
	mb.mu.Lock()
	mb.pending = append(mb.pending, env)
	mb.mu.Unlock()
	mb.cond.Broadcast()
}

// take blocks until the oldest envelope matching (commID, tag, src) is
// available and removes it. src may be AnySource.
func (mb *mailbox) take(commID string, src, tag int) *envelope {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	for {
		for i, env := range mb.pending {
			if env.commID != commID || env.tag != tag {
				continue
			}
			if src != AnySource && env.src != src {
				continue
			}
			mb.pending = append(mb.pending[:i], mb.pending[i+1:]...)
			return env
		}
		mb.cond.Wait()
	}
}

// splitGather collects (color, key) from every member of a splitting
// communicator.
type splitGather struct {
	cond    *sync.Cond
	entries map[int][2]int // comm rank -> (color, key)
	want    int
	readers int
}

// barrierState is a generation barrier for one (comm, sequence) pair.
type barrierState struct {
	cond    *sync.Cond
	arrived int
	want    int
	done    bool
}

// meshComm is one rank's handle on an in-process communicator.
type meshComm struct {
	w       *World
	id      string
	members []int // world ranks by comm rank
	rank    int

	// collSeq numbers this rank's collective calls on the communicator;
	// members stay aligned because collectives are invoked in the same
	// order everywhere.
	collSeq int
	freed   bool
}

func (c *meshComm) Rank() int { return c.rank }
func (c *meshComm) Size() int { return len(c.members) }

func (c *meshComm) Group() []int {
	c.checkLive()
	group := make([]int, len(c.members))
	copy(group, c.members)
	return group
}

func (c *meshComm) checkLive() {
	if c.freed {
		exceptions.Panicf("transport: use of freed communicator %q", c.id)
	}
}

func (c *meshComm) checkPeer(rank int, what string) error {
	if rank < 0 || rank >= len(c.members) {
		return errors.Errorf("transport: %s rank %d out of range for communicator %q of size %d",
			what, rank, c.id, len(c.members))
	}
	return nil
}

func (c *meshComm) send(data []byte, dst, tag int) error {
	if err := c.checkPeer(dst, "destination"); err != nil {
		return err
	}
	buf := make([]byte, len(data))
	copy(buf, data)
	c.w.mailboxes[c.members[dst]].put(&envelope{commID: c.id, src: c.rank, tag: tag, data: buf})
	return nil
}

func (c *meshComm) recv(buf []byte, src, tag int) (int, error) {
	if src != AnySource {
		if err := c.checkPeer(src, "source"); err != nil {
			return 0, err
		}
	}
	env := c.w.mailboxes[c.members[c.rank]].take(c.id, src, tag)
	if len(env.data) > len(buf) {
		return 0, errors.Wrapf(ErrTruncated,
			"communicator %q tag %d: message of %d bytes, buffer of %d", c.id, tag, len(env.data), len(buf))
	}
	copy(buf, env.data)
	return len(env.data), nil
}

func (c *meshComm) Send(data []byte, dst, tag int) error {
	c.checkLive()
	if tag < 0 {
		return errors.Errorf("transport: negative tag %d is reserved", tag)
	}
	return c.send(data, dst, tag)
}

func (c *meshComm) Recv(buf []byte, src, tag int) (int, error) {
	c.checkLive()
	if tag < 0 {
		return 0, errors.Errorf("transport: negative tag %d is reserved", tag)
	}
	return c.recv(buf, src, tag)
}

func (c *meshComm) SendRecv(send []byte, dst int, recv []byte, src, tag int) (int, error) {
	c.checkLive()
	if tag < 0 {
		return 0, errors.Errorf("transport: negative tag %d is reserved", tag)
	}
	// Sends are buffered, so posting the send first makes the pair atomic:
	// symmetric exchanges cannot deadlock.
	if err := c.send(send, dst, tag); err != nil {
		return 0, err
	}
	return c.recv(recv, src, tag)
}

// nextCollTag reserves the tag for the next collective call.
func (c *meshComm) nextCollTag() int {
	c.collSeq++
	return -c.collSeq
}

func (c *meshComm) Bcast(buf []byte, root int) error {
	c.checkLive()
	if err := c.checkPeer(root, "root"); err != nil {
		return err
	}
	tag := c.nextCollTag()
	if c.rank == root {
		for peer := range c.members {
			if peer == root {
				continue
			}
			if err := c.send(buf, peer, tag); err != nil {
				return err
			}
		}
		return nil
	}
	n, err := c.recv(buf, root, tag)
	if err != nil {
		return err
	}
	if n != len(buf) {
		return errors.Errorf("transport: Bcast on %q received %d bytes into a %d byte buffer, lengths must agree",
			c.id, n, len(buf))
	}
	return nil
}

func (c *meshComm) Allgather(send []byte) ([]byte, error) {
	c.checkLive()
	tag := c.nextCollTag()
	for peer := range c.members {
		if peer == c.rank {
			continue
		}
		if err := c.send(send, peer, tag); err != nil {
			return nil, err
		}
	}
	each := len(send)
	out := make([]byte, each*len(c.members))
	copy(out[c.rank*each:], send)
	for i := 1; i < len(c.members); i++ {
		// Drain peers in any completion order; placement is by source rank.
		env := c.w.mailboxes[c.members[c.rank]].take(c.id, AnySource, tag)
		if len(env.data) != each {
			return nil, errors.Errorf("transport: Allgather on %q got %d bytes from rank %d, want %d",
				c.id, len(env.data), env.src, each)
		}
		copy(out[env.src*each:], env.data)
	}
	return out, nil
}

func (c *meshComm) Barrier() error {
	c.checkLive()
	key := fmt.Sprintf("%s#%d", c.id, c.nextCollTag())
	w := c.w
	w.mu.Lock()
	st, ok := w.barriers[key]
	if !ok {
		st = &barrierState{want: len(c.members)}
		st.cond = sync.NewCond(&w.mu)
		w.barriers[key] = st
	}
	st.arrived++
	if st.arrived == st.want {
		st.done = true
		delete(w.barriers, key)
		w.mu.Unlock()
		st.cond.Broadcast()
		return nil
	}
	for !st.done {
		st.cond.Wait()
	}
	w.mu.Unlock()
	return nil
}

func (c *meshComm) Split(color, key int) (Comm, error) {
	c.checkLive()
	seq := c.nextCollTag()
	gatherKey := fmt.Sprintf("%s#split%d", c.id, seq)
	w := c.w
	w.mu.Lock()
	g, ok := w.splits[gatherKey]
	if !ok {
		g = &splitGather{entries: make(map[int][2]int), want: len(c.members)}
		g.cond = sync.NewCond(&w.mu)
		w.splits[gatherKey] = g
	}
	g.entries[c.rank] = [2]int{color, key}
	if len(g.entries) == g.want {
		g.cond.Broadcast()
	}
	for len(g.entries) < g.want {
		g.cond.Wait()
	}
	// Members of our color, ordered by (key, parent rank).
	var newRanks []int
	for r := 0; r < len(c.members); r++ {
		if g.entries[r][0] == color {
			newRanks = append(newRanks, r)
		}
	}
	for i := 1; i < len(newRanks); i++ {
		for j := i; j > 0; j-- {
			a, b := newRanks[j-1], newRanks[j]
			if g.entries[a][1] > g.entries[b][1] ||
				(g.entries[a][1] == g.entries[b][1] && a > b) {
				newRanks[j-1], newRanks[j] = newRanks[j], newRanks[j-1]
			} else {
				break
			}
		}
	}
	g.readers++
	if g.readers == g.want {
		delete(w.splits, gatherKey)
	}
	w.mu.Unlock()

	members := make([]int, len(newRanks))
	newRank := -1
	for i, r := range newRanks {
		members[i] = c.members[r]
		if r == c.rank {
			newRank = i
		}
	}
	return &meshComm{
		w:       w,
		id:      fmt.Sprintf("%s%d.c%d", c.id, -seq, color),
		members: members,
		rank:    newRank,
	}, nil
}

func (c *meshComm) ProcessorName() (string, error) {
	c.checkLive()
	return c.w.hosts[c.members[c.rank]], nil
}

func (c *meshComm) Free() error {
	c.freed = true
	return nil
}
