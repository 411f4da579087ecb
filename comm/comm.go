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

// Package comm implements the communicator for data-parallel training: it
// partitions the world of ranks into models x ranks-within-model, builds
// the model, inter-model and node sub-communicators, and provides typed
// point-to-point operations, collectives and the transform-aware allreduce
// used for gradient aggregation across model replicas.
//
// A Comm exclusively owns its sub-communicators and its collective buffer
// pool; Close releases them, and accessors panic afterwards. All methods
// must be driven from a single goroutine per rank.
package comm

import (
	"encoding/binary"
	"fmt"
	"hash/fnv"
	"sort"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"
	"golang.org/x/exp/maps"
	"k8s.io/klog/v2"

	"github.com/gomlx/lockstep/transport"
	"github.com/gomlx/lockstep/types/matrix"
)

// Error kinds. Callers match them with errors.Is through the wrap chain.
var (
	// ErrInvalidTopology indicates procs-per-model violates divisibility
	// or bounds with respect to the world size.
	ErrInvalidTopology = errors.New("invalid topology")

	// ErrInvalidBufferIndex indicates a collective buffer slot requested
	// out of sequence.
	ErrInvalidBufferIndex = errors.New("invalid collective buffer index")

	// ErrBufferOverflow indicates a send transform produced more bytes
	// than the allreduce's maximum receive count.
	ErrBufferOverflow = errors.New("transform output overflows receive buffer")

	// ErrTransport indicates the underlying transport returned
	// non-success. Once it surfaces, the collective state of the world is
	// unrecoverable.
	ErrTransport = errors.New("transport failure")
)

// transportErr wraps a substrate failure as ErrTransport.
func transportErr(err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	args = append(args, err)
	return errors.Wrapf(ErrTransport, format+": %v", args...)
}

// maxProcessorName is the fixed block size used when exchanging host
// identities, mirroring MPI_MAX_PROCESSOR_NAME.
const maxProcessorName = 256

// Message tags used by the facade.
const (
	tagMatrix = iota
	tagAllreduce
	tagBroadcast
)

// Comm is one rank's communicator. It records the rank's coordinates in
// the models x ranks-within-model topology and owns the model, inter-model
// and node sub-communicators.
type Comm struct {
	world      transport.Comm
	model      transport.Comm
	intermodel transport.Comm
	node       transport.Comm

	procsPerModel int
	numModels     int
	modelRank     int
	rankInModel   int
	procsPerNode  int
	rankInNode    int

	// modelRanksOnNode holds the rank-in-model of each node peer, indexed
	// by rank-in-node.
	modelRanksOnNode []int

	numModelBarriers      uint64
	numIntermodelBarriers uint64
	numGlobalBarriers     uint64
	bytesSent             uint64
	bytesReceived         uint64

	collectiveBufs map[int][][]byte

	closed bool
}

// New builds the communicator over the given world. procsPerModel ranks
// form each model replica; zero means the whole world is a single model.
// The construction is collective: every rank of the world must call it.
func New(world transport.Comm, procsPerModel int) (*Comm, error) {
	worldSize := world.Size()
	worldRank := world.Rank()
	if procsPerModel == 0 {
		procsPerModel = worldSize
	}
	if procsPerModel > worldSize {
		return nil, errors.Wrapf(ErrInvalidTopology,
			"not enough processes to create one model: procs_per_model=%d > world_size=%d",
			procsPerModel, worldSize)
	}
	if worldSize%procsPerModel != 0 {
		return nil, errors.Wrapf(ErrInvalidTopology,
			"procs_per_model=%d does not divide world_size=%d", procsPerModel, worldSize)
	}

	c := &Comm{
		world:          world,
		procsPerModel:  procsPerModel,
		numModels:      worldSize / procsPerModel,
		modelRank:      worldRank / procsPerModel,
		rankInModel:    worldRank % procsPerModel,
		collectiveBufs: make(map[int][][]byte),
	}

	var err error
	c.model, err = world.Split(c.modelRank, c.rankInModel)
	if err != nil {
		return nil, transportErr(err, "splitting model communicator")
	}
	c.intermodel, err = world.Split(c.rankInModel, c.modelRank)
	if err != nil {
		return nil, transportErr(err, "splitting inter-model communicator")
	}
	if err = c.setupNodeComm(); err != nil {
		return nil, err
	}
	c.procsPerNode = c.node.Size()
	c.rankInNode = c.node.Rank()

	klog.V(1).Infof("comm: rank %d/%d up as model %d rank %d (%d models, %d ranks on node)",
		worldRank, worldSize, c.modelRank, c.rankInModel, c.numModels, c.procsPerNode)
	return c, nil
}

// setupNodeComm groups ranks by host. Host names are hashed to split
// cheaply, then the literal strings are exchanged within each hash group
// to resolve collisions.
func (c *Comm) setupNodeComm() error {
	name, err := c.world.ProcessorName()
	if err != nil {
		return transportErr(err, "querying processor name")
	}
	if len(name) >= maxProcessorName {
		name = name[:maxProcessorName-1]
	}

	h := fnv.New32a()
	_, _ = h.Write([]byte(name))
	hash := int(h.Sum32() & 0x7fffffff)
	hashComm, err := c.world.Split(hash, c.world.Rank())
	if err != nil {
		return transportErr(err, "splitting by host hash")
	}
	defer func() { _ = hashComm.Free() }()

	block := make([]byte, maxProcessorName)
	copy(block, name)
	all, err := hashComm.Allgather(block)
	if err != nil {
		return transportErr(err, "exchanging host names")
	}
	nodeNum := hashComm.Rank()
	for i := 0; i < hashComm.Size(); i++ {
		other := hostString(all[i*maxProcessorName : (i+1)*maxProcessorName])
		if other == name {
			nodeNum = i
			break
		}
	}
	c.node, err = hashComm.Split(nodeNum, c.world.Rank())
	if err != nil {
		return transportErr(err, "splitting node communicator")
	}

	for _, worldRank := range c.node.Group() {
		c.modelRanksOnNode = append(c.modelRanksOnNode, worldRank%c.procsPerModel)
	}
	return nil
}

func hostString(block []byte) string {
	for i, b := range block {
		if b == 0 {
			return string(block[:i])
		}
	}
	return string(block)
}

// Close frees the sub-communicators and the collective buffer pool. The
// communicator must not be used afterwards.
func (c *Comm) Close() error {
	if c.closed {
		return nil
	}
	c.closed = true
	for _, sub := range []transport.Comm{c.model, c.intermodel, c.node} {
		if err := sub.Free(); err != nil {
			return transportErr(err, "freeing sub-communicator")
		}
	}
	c.collectiveBufs = nil
	return nil
}

func (c *Comm) checkOpen() {
	if c.closed {
		exceptions.Panicf("comm: use after Close")
	}
}

// Rank coordinate accessors.

// WorldRank returns this process' rank in the world.
func (c *Comm) WorldRank() int { c.checkOpen(); return c.world.Rank() }

// WorldSize returns the total number of ranks.
func (c *Comm) WorldSize() int { c.checkOpen(); return c.world.Size() }

// NumModels returns the number of model replicas.
func (c *Comm) NumModels() int { c.checkOpen(); return c.numModels }

// ProcsPerModel returns the number of ranks within each model.
func (c *Comm) ProcsPerModel() int { c.checkOpen(); return c.procsPerModel }

// ModelRank returns which model replica this rank computes.
func (c *Comm) ModelRank() int { c.checkOpen(); return c.modelRank }

// RankInModel returns this rank's coordinate within its model.
func (c *Comm) RankInModel() int { c.checkOpen(); return c.rankInModel }

// ProcsPerNode returns the number of ranks on this host.
func (c *Comm) ProcsPerNode() int { c.checkOpen(); return c.procsPerNode }

// RankInNode returns this rank's position among the ranks of its host.
func (c *Comm) RankInNode() int { c.checkOpen(); return c.rankInNode }

// ModelRanksOnNode returns the rank-in-model of every rank on this host.
func (c *Comm) ModelRanksOnNode() []int { c.checkOpen(); return c.modelRanksOnNode }

// ModelComm returns the model sub-communicator (peers computing the same
// replica). The communicator retains ownership.
func (c *Comm) ModelComm() transport.Comm { c.checkOpen(); return c.model }

// IntermodelComm returns the inter-model sub-communicator (peers at the
// same in-model position across replicas).
func (c *Comm) IntermodelComm() transport.Comm { c.checkOpen(); return c.intermodel }

// NodeComm returns the node sub-communicator (peers on the same host).
func (c *Comm) NodeComm() transport.Comm { c.checkOpen(); return c.node }

// worldRankOf maps (model, rankInModel) to a world rank.
func (c *Comm) worldRankOf(model, rank int) int {
	return model*c.procsPerModel + rank
}

// Barriers.

// ModelBarrier blocks until every rank of the model has entered it.
func (c *Comm) ModelBarrier() error {
	c.checkOpen()
	c.numModelBarriers++
	return transportErr(c.model.Barrier(), "model barrier")
}

// IntermodelBarrier blocks until every peer across models has entered it.
func (c *Comm) IntermodelBarrier() error {
	c.checkOpen()
	c.numIntermodelBarriers++
	return transportErr(c.intermodel.Barrier(), "inter-model barrier")
}

// GlobalBarrier blocks until every rank of the world has entered it.
func (c *Comm) GlobalBarrier() error {
	c.checkOpen()
	c.numGlobalBarriers++
	return transportErr(c.world.Barrier(), "global barrier")
}

// Point-to-point operations. Matrices travel as little-endian float32 in
// column-major order; the byte counters account the element count times
// the element size of the submitted view.

// Send delivers mat to the given (model, rank) coordinate.
func (c *Comm) Send(mat *matrix.Mat, model, rank int) error {
	c.checkOpen()
	buf := make([]byte, mat.Size()*matrix.Float32Bytes)
	matrix.EncodeMat(buf, mat)
	c.bytesSent += uint64(len(buf))
	return transportErr(c.world.Send(buf, c.worldRankOf(model, rank), tagMatrix),
		"sending %dx%d matrix to model %d rank %d", mat.Height(), mat.Width(), model, rank)
}

// Recv fills mat with a message from the given (model, rank) coordinate.
func (c *Comm) Recv(mat *matrix.Mat, model, rank int) error {
	return c.recvFrom(mat, c.worldRankOf(model, rank))
}

// RecvAny fills mat with a matrix message from any rank.
func (c *Comm) RecvAny(mat *matrix.Mat) error {
	return c.recvFrom(mat, transport.AnySource)
}

func (c *Comm) recvFrom(mat *matrix.Mat, src int) error {
	c.checkOpen()
	buf := make([]byte, mat.Size()*matrix.Float32Bytes)
	n, err := c.world.Recv(buf, src, tagMatrix)
	if err != nil {
		return transportErr(err, "receiving %dx%d matrix", mat.Height(), mat.Width())
	}
	if n != len(buf) {
		return errors.Wrapf(ErrTransport, "received %d bytes for a %dx%d matrix, want %d",
			n, mat.Height(), mat.Width(), len(buf))
	}
	matrix.DecodeMat(mat, buf)
	c.bytesReceived += uint64(n)
	return nil
}

// SendCirc delivers the local tile of a circulant-distributed matrix to
// the given (model, rank) coordinate.
func (c *Comm) SendCirc(mat *matrix.CircMat, model, rank int) error {
	return c.Send(mat.Local(), model, rank)
}

// RecvCirc fills the local tile of a circulant-distributed matrix with a
// message from the given (model, rank) coordinate.
func (c *Comm) RecvCirc(mat *matrix.CircMat, model, rank int) error {
	return c.Recv(mat.Local(), model, rank)
}

// Request is an in-flight non-blocking operation. The matrix passed to the
// originating call must not be touched until Wait returns.
type Request struct {
	done chan struct{}
	err  error
}

// Wait blocks until the operation completes and returns its error.
func (r *Request) Wait() error {
	<-r.done
	return r.err
}

func async(fn func() error) *Request {
	r := &Request{done: make(chan struct{})}
	go func() {
		r.err = fn()
		close(r.done)
	}()
	return r
}

// NbSend starts a non-blocking Send and returns its request handle.
func (c *Comm) NbSend(mat *matrix.Mat, model, rank int) *Request {
	c.checkOpen()
	return async(func() error { return c.Send(mat, model, rank) })
}

// NbRecv starts a non-blocking Recv and returns its request handle.
func (c *Comm) NbRecv(mat *matrix.Mat, model, rank int) *Request {
	c.checkOpen()
	return async(func() error { return c.Recv(mat, model, rank) })
}

// Broadcast sends root's mat to each world rank listed in dests; the
// listed ranks receive into their mat. No-op for ranks not involved.
func (c *Comm) Broadcast(mat *matrix.Mat, dests []int, root int) error {
	c.checkOpen()
	worldRank := c.world.Rank()
	if worldRank == root {
		buf := make([]byte, mat.Size()*matrix.Float32Bytes)
		matrix.EncodeMat(buf, mat)
		for _, dst := range dests {
			if dst == root {
				continue
			}
			c.bytesSent += uint64(len(buf))
			if err := c.world.Send(buf, dst, tagBroadcast); err != nil {
				return transportErr(err, "broadcasting to rank %d", dst)
			}
		}
		return nil
	}
	for _, dst := range dests {
		if dst != worldRank {
			continue
		}
		buf := make([]byte, mat.Size()*matrix.Float32Bytes)
		n, err := c.world.Recv(buf, root, tagBroadcast)
		if err != nil {
			return transportErr(err, "receiving broadcast from rank %d", root)
		}
		matrix.DecodeMat(mat, buf[:n])
		c.bytesReceived += uint64(n)
		return nil
	}
	return nil
}

// IntermodelBroadcastMatrix replicates root's mat to the same in-model
// position of every model.
func (c *Comm) IntermodelBroadcastMatrix(mat *matrix.Mat, root int) error {
	c.checkOpen()
	buf := make([]byte, mat.Size()*matrix.Float32Bytes)
	if c.intermodel.Rank() == root {
		matrix.EncodeMat(buf, mat)
		c.bytesSent += uint64(len(buf))
	}
	if err := c.intermodel.Bcast(buf, root); err != nil {
		return transportErr(err, "inter-model broadcast from model %d", root)
	}
	if c.intermodel.Rank() != root {
		matrix.DecodeMat(mat, buf)
		c.bytesReceived += uint64(len(buf))
	}
	return nil
}

// ModelBroadcastMatrix replicates root's mat (root given as rank-in-model)
// to every rank of this model.
func (c *Comm) ModelBroadcastMatrix(mat *matrix.Mat, root int) error {
	c.checkOpen()
	buf := make([]byte, mat.Size()*matrix.Float32Bytes)
	if c.model.Rank() == root {
		matrix.EncodeMat(buf, mat)
		c.bytesSent += uint64(len(buf))
	}
	if err := c.model.Bcast(buf, root); err != nil {
		return transportErr(err, "model broadcast from rank %d", root)
	}
	if c.model.Rank() != root {
		matrix.DecodeMat(mat, buf)
		c.bytesReceived += uint64(len(buf))
	}
	return nil
}

// ModelAllgatherUint64 gathers one value from every rank of the model,
// indexed by rank-in-model.
func (c *Comm) ModelAllgatherUint64(v uint64) ([]uint64, error) {
	c.checkOpen()
	var send [8]byte
	binary.LittleEndian.PutUint64(send[:], v)
	all, err := c.model.Allgather(send[:])
	if err != nil {
		return nil, transportErr(err, "model allgather")
	}
	out := make([]uint64, c.model.Size())
	for i := range out {
		out[i] = binary.LittleEndian.Uint64(all[i*8:])
	}
	return out, nil
}

// IntermodelSumMatrix elementwise-sums mat across the inter-model
// communicator; afterwards every model holds the identical reduced matrix.
// The reduction order is fixed by model rank, so results are deterministic.
func (c *Comm) IntermodelSumMatrix(mat *matrix.Mat) error {
	c.checkOpen()
	return c.sumMatrix(c.intermodel, mat)
}

// IntermodelSumCircMatrix sums the local tile of a circulant-distributed
// matrix across models. Byte accounting uses the local tile dimensions.
func (c *Comm) IntermodelSumCircMatrix(mat *matrix.CircMat) error {
	c.checkOpen()
	return c.sumMatrix(c.intermodel, mat.Local())
}

func (c *Comm) sumMatrix(comm transport.Comm, mat *matrix.Mat) error {
	size := mat.Size() * matrix.Float32Bytes
	c.bytesSent += uint64(size)
	send := make([]byte, size)
	matrix.EncodeMat(send, mat)
	all, err := comm.Allgather(send)
	if err != nil {
		return transportErr(err, "sum-allreduce of %dx%d matrix", mat.Height(), mat.Width())
	}
	mat.Zero()
	col := make([]float32, mat.Height())
	for rank := 0; rank < comm.Size(); rank++ {
		block := all[rank*size : (rank+1)*size]
		for j := 0; j < mat.Width(); j++ {
			matrix.DecodeFloat32(col, block[j*mat.Height()*matrix.Float32Bytes:])
			dst := mat.Col(j)
			for i, v := range col {
				dst[i] += v
			}
		}
	}
	c.bytesReceived += uint64(size)
	return nil
}

// World broadcast helpers used by checkpoint restore.

// WorldBroadcastUint64 replicates *v from the world root to every rank.
func (c *Comm) WorldBroadcastUint64(v *uint64, root int) error {
	c.checkOpen()
	var buf [8]byte
	if c.world.Rank() == root {
		binary.LittleEndian.PutUint64(buf[:], *v)
	}
	if err := c.world.Bcast(buf[:], root); err != nil {
		return transportErr(err, "world broadcast of uint64")
	}
	*v = binary.LittleEndian.Uint64(buf[:])
	return nil
}

// WorldBroadcastInt32s replicates vs from the world root to every rank.
// All ranks must pass slices of the same length.
func (c *Comm) WorldBroadcastInt32s(vs []int32, root int) error {
	c.checkOpen()
	buf := make([]byte, 4*len(vs))
	if c.world.Rank() == root {
		for i, v := range vs {
			binary.LittleEndian.PutUint32(buf[i*4:], uint32(v))
		}
	}
	if err := c.world.Bcast(buf, root); err != nil {
		return transportErr(err, "world broadcast of %d int32s", len(vs))
	}
	for i := range vs {
		vs[i] = int32(binary.LittleEndian.Uint32(buf[i*4:]))
	}
	return nil
}

// Telemetry. Counters only feed logging and tests, never flow control.

// BytesSent returns the bytes submitted by data-moving calls so far.
func (c *Comm) BytesSent() uint64 { return c.bytesSent }

// BytesReceived returns the bytes delivered by data-moving calls so far.
func (c *Comm) BytesReceived() uint64 { return c.bytesReceived }

// NumModelBarriers returns how many model barriers were invoked.
func (c *Comm) NumModelBarriers() uint64 { return c.numModelBarriers }

// NumIntermodelBarriers returns how many inter-model barriers were invoked.
func (c *Comm) NumIntermodelBarriers() uint64 { return c.numIntermodelBarriers }

// NumGlobalBarriers returns how many global barriers were invoked.
func (c *Comm) NumGlobalBarriers() uint64 { return c.numGlobalBarriers }

// StatsString summarizes the communicator's traffic and buffer pool.
func (c *Comm) StatsString() string {
	s := fmt.Sprintf("sent %s, received %s, barriers model=%d intermodel=%d global=%d",
		humanize.IBytes(c.bytesSent), humanize.IBytes(c.bytesReceived),
		c.numModelBarriers, c.numIntermodelBarriers, c.numGlobalBarriers)
	if len(c.collectiveBufs) > 0 {
		sizes := maps.Keys(c.collectiveBufs)
		sort.Ints(sizes)
		s += ", collective buffers:"
		for _, size := range sizes {
			s += fmt.Sprintf(" %dx%s", len(c.collectiveBufs[size]), humanize.IBytes(uint64(size)))
		}
	}
	return s
}
