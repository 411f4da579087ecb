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
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/gomlx/lockstep/transport"
	"github.com/gomlx/lockstep/types/matrix"
)

// SendTransform encodes the (rows, cols) slice of mat for the wire. The
// returned bytes remain owned by the transform and are valid until its
// next call. isPartial marks reduce-scatter chunks, letting an encoding
// distinguish them from whole-matrix payloads. Implementations must not
// allocate per call once warm.
type SendTransform func(mat *matrix.Mat, rows, cols matrix.Range, isPartial bool) ([]byte, error)

// RecvTransform decodes data into an empty destination slice and returns
// the number of bytes consumed.
type RecvTransform func(data []byte, dst *matrix.Mat) (int, error)

// RecvApplyTransform decodes data and reduces it into an existing
// destination slice, returning the number of bytes consumed.
type RecvApplyTransform func(data []byte, dst *matrix.Mat) (int, error)

// IntermodelAllreduce reduces mat across the model replicas through the
// transform callbacks: payloads are encoded before sending and decoded or
// decoded-and-reduced on receipt, so quantized and sparsified encodings
// plug in without changes to the reduction skeleton.
//
// maxRecvCount bounds the encoded size of any payload; a transform
// producing more fails with ErrBufferOverflow.
//
// Small matrices on a power-of-two number of models use recursive
// doubling; everything else uses the pairwise-exchange ring. Given
// identical inputs and an associative transform reduction, the result is
// bit-identical on every rank.
func (c *Comm) IntermodelAllreduce(mat *matrix.Mat, maxRecvCount int,
	send SendTransform, recv RecvTransform, recvApply RecvApplyTransform) error {
	c.checkOpen()
	nprocs := c.numModels
	if nprocs&(nprocs-1) != 0 {
		return c.peRingAllreduce(c.intermodel, mat, maxRecvCount, send, recv, recvApply)
	}
	// TODO: Don't hardcode the recursive-doubling size cutoff.
	if mat.Height() <= 64 && mat.Width() <= 64 {
		return c.recursiveDoublingAllreducePow2(c.intermodel, mat, maxRecvCount, send, recvApply)
	}
	return c.peRingAllreduce(c.intermodel, mat, maxRecvCount, send, recv, recvApply)
}

func (c *Comm) checkSendSize(n, maxRecvCount int) error {
	if n > maxRecvCount {
		return errors.Wrapf(ErrBufferOverflow, "transform produced %d bytes, max_recv_count=%d",
			n, maxRecvCount)
	}
	return nil
}

// recursiveDoublingAllreducePow2 reduces the whole matrix in log2(nprocs)
// pairwise exchanges: at each step a rank exchanges with the partner whose
// rank differs in one bit, and reduces the received payload in place.
// Requires a power-of-two number of ranks; with any other count it returns
// without action, the dispatcher is responsible for not getting here.
func (c *Comm) recursiveDoublingAllreducePow2(comm transport.Comm, mat *matrix.Mat,
	maxRecvCount int, send SendTransform, recvApply RecvApplyTransform) error {
	rank := comm.Rank()
	nprocs := comm.Size()
	if nprocs&(nprocs-1) != 0 {
		return nil
	}
	recvBuf, err := c.CollectiveBuffer(maxRecvCount, 0)
	if err != nil {
		return err
	}
	for mask := 1; mask < nprocs; mask <<= 1 {
		partner := rank ^ mask
		sendBuf, err := send(mat, matrix.All(), matrix.All(), false)
		if err != nil {
			return errors.WithMessage(err, "send transform")
		}
		if err := c.checkSendSize(len(sendBuf), maxRecvCount); err != nil {
			return err
		}
		c.bytesSent += uint64(len(sendBuf))
		n, err := comm.SendRecv(sendBuf, partner, recvBuf, partner, tagAllreduce)
		if err != nil {
			return transportErr(err, "recursive doubling exchange with rank %d", partner)
		}
		recvSize, err := recvApply(recvBuf[:n], mat)
		if err != nil {
			return errors.WithMessage(err, "recv-apply transform")
		}
		c.bytesReceived += uint64(recvSize)
		klog.V(2).Infof("comm: recursive doubling rank %d mask %d exchanged %d/%d bytes",
			rank, mask, len(sendBuf), recvSize)
	}
	return nil
}

// columnSlices partitions width columns over nprocs ranks, spreading the
// remainder over the lowest ranks, and returns the per-rank lengths and
// inclusive prefix-sum ends.
func columnSlices(width, nprocs int) (lengths, ends []int) {
	lengths = make([]int, nprocs)
	ends = make([]int, nprocs)
	perProc, remainder := width/nprocs, width%nprocs
	sum := 0
	for i := range lengths {
		lengths[i] = perProc
		if i < remainder {
			lengths[i]++
		}
		sum += lengths[i]
		ends[i] = sum
	}
	return
}

func sliceView(mat *matrix.Mat, lengths, ends []int, i int) *matrix.Mat {
	return mat.ColRange(ends[i]-lengths[i], ends[i])
}

// peRingAllreduce is the general-case allreduce: a pairwise-exchange
// reduce-scatter over column slices, followed by a ring allgather that
// forwards already-encoded payloads without re-encoding.
func (c *Comm) peRingAllreduce(comm transport.Comm, mat *matrix.Mat, maxRecvCount int,
	send SendTransform, recv RecvTransform, recvApply RecvApplyTransform) error {
	rank := comm.Rank()
	nprocs := comm.Size()
	lengths, ends := columnSlices(mat.Width(), nprocs)
	recvBuf, err := c.CollectiveBuffer(maxRecvCount, 0)
	if err != nil {
		return err
	}
	// Our accumulated slice in the final layout.
	accumView := sliceView(mat, lengths, ends, rank)

	// Pairwise-exchange reduce-scatter: step k sends the slice owned by
	// rank+k and receives into our own slice from rank-k. No chunk is
	// visited twice.
	for step := 1; step < nprocs; step++ {
		dst := (rank + step) % nprocs
		src := (rank - step + nprocs) % nprocs
		sendBuf, err := send(mat, matrix.All(),
			matrix.Range{Begin: ends[dst] - lengths[dst], End: ends[dst]}, true)
		if err != nil {
			return errors.WithMessage(err, "send transform")
		}
		if err := c.checkSendSize(len(sendBuf), maxRecvCount); err != nil {
			return err
		}
		c.bytesSent += uint64(len(sendBuf))
		n, err := comm.SendRecv(sendBuf, dst, recvBuf, src, tagAllreduce)
		if err != nil {
			return transportErr(err, "reduce-scatter step %d (dst %d, src %d)", step, dst, src)
		}
		recvSize, err := recvApply(recvBuf[:n], accumView)
		if err != nil {
			return errors.WithMessage(err, "recv-apply transform")
		}
		c.bytesReceived += uint64(recvSize)
	}

	// Ring allgather with fixed neighbors.
	src := (rank - 1 + nprocs) % nprocs
	dst := (rank + 1) % nprocs
	var sendSize int
	// First step forwards our locally reduced slice.
	{
		sendBuf, err := send(mat, matrix.All(),
			matrix.Range{Begin: ends[rank] - lengths[rank], End: ends[rank]}, false)
		if err != nil {
			return errors.WithMessage(err, "send transform")
		}
		if err := c.checkSendSize(len(sendBuf), maxRecvCount); err != nil {
			return err
		}
		dataSrc := (rank - 1 + nprocs) % nprocs
		c.bytesSent += uint64(len(sendBuf))
		n, err := comm.SendRecv(sendBuf, dst, recvBuf, src, tagAllreduce)
		if err != nil {
			return transportErr(err, "allgather first step")
		}
		recvSize, err := recv(recvBuf[:n], sliceView(mat, lengths, ends, dataSrc))
		if err != nil {
			return errors.WithMessage(err, "recv transform")
		}
		c.bytesReceived += uint64(recvSize)
		sendSize = recvSize
	}
	// The remaining nprocs-2 steps forward the just-received encoded
	// buffer into the alternate scratch buffer, swapping the two each
	// step to avoid copies.
	recvBuf2, err := c.CollectiveBuffer(maxRecvCount, 1)
	if err != nil {
		return err
	}
	for step := 1; step < nprocs-1; step++ {
		dataSrc := (rank - step - 1 + nprocs) % nprocs
		c.bytesSent += uint64(sendSize)
		n, err := comm.SendRecv(recvBuf[:sendSize], dst, recvBuf2, src, tagAllreduce)
		if err != nil {
			return transportErr(err, "allgather step %d", step)
		}
		recvSize, err := recv(recvBuf2[:n], sliceView(mat, lengths, ends, dataSrc))
		if err != nil {
			return errors.WithMessage(err, "recv transform")
		}
		c.bytesReceived += uint64(recvSize)
		recvBuf, recvBuf2 = recvBuf2, recvBuf
		sendSize = recvSize
	}
	return nil
}

// ringAllreduce cycles slices around the ring during the reduce-scatter
// instead of exchanging pairwise: each slice accumulates contributions as
// it passes through every rank, and after nprocs-1 steps slice k sits on
// rank (k + nprocs - 1) % nprocs. Kept as an experimental alternative to
// peRingAllreduce; the dispatcher never selects it.
func (c *Comm) ringAllreduce(comm transport.Comm, mat *matrix.Mat, maxRecvCount int,
	send SendTransform, recv RecvTransform, recvApply RecvApplyTransform) error {
	rank := comm.Rank()
	nprocs := comm.Size()
	lengths, ends := columnSlices(mat.Width(), nprocs)
	recvBuf, err := c.CollectiveBuffer(maxRecvCount, 0)
	if err != nil {
		return err
	}
	src := (rank - 1 + nprocs) % nprocs
	dst := (rank + 1) % nprocs

	for step := 0; step < nprocs-1; step++ {
		sendSlice := (rank - step + nprocs) % nprocs
		recvSlice := (rank - step - 1 + nprocs) % nprocs
		sendBuf, err := send(mat, matrix.All(),
			matrix.Range{Begin: ends[sendSlice] - lengths[sendSlice], End: ends[sendSlice]}, true)
		if err != nil {
			return errors.WithMessage(err, "send transform")
		}
		if err := c.checkSendSize(len(sendBuf), maxRecvCount); err != nil {
			return err
		}
		c.bytesSent += uint64(len(sendBuf))
		n, err := comm.SendRecv(sendBuf, dst, recvBuf, src, tagAllreduce)
		if err != nil {
			return transportErr(err, "ring reduce-scatter step %d", step)
		}
		recvSize, err := recvApply(recvBuf[:n], sliceView(mat, lengths, ends, recvSlice))
		if err != nil {
			return errors.WithMessage(err, "recv-apply transform")
		}
		c.bytesReceived += uint64(recvSize)
	}

	var sendSize int
	{
		sendSlice := (rank + 1) % nprocs
		recvSlice := rank
		sendBuf, err := send(mat, matrix.All(),
			matrix.Range{Begin: ends[sendSlice] - lengths[sendSlice], End: ends[sendSlice]}, false)
		if err != nil {
			return errors.WithMessage(err, "send transform")
		}
		if err := c.checkSendSize(len(sendBuf), maxRecvCount); err != nil {
			return err
		}
		c.bytesSent += uint64(len(sendBuf))
		n, err := comm.SendRecv(sendBuf, dst, recvBuf, src, tagAllreduce)
		if err != nil {
			return transportErr(err, "ring allgather first step")
		}
		recvSize, err := recv(recvBuf[:n], sliceView(mat, lengths, ends, recvSlice))
		if err != nil {
			return errors.WithMessage(err, "recv transform")
		}
		c.bytesReceived += uint64(recvSize)
		sendSize = recvSize
	}
	recvBuf2, err := c.CollectiveBuffer(maxRecvCount, 1)
	if err != nil {
		return err
	}
	for step := 1; step < nprocs-1; step++ {
		recvSlice := (rank - step + nprocs) % nprocs
		c.bytesSent += uint64(sendSize)
		n, err := comm.SendRecv(recvBuf[:sendSize], dst, recvBuf2, src, tagAllreduce)
		if err != nil {
			return transportErr(err, "ring allgather step %d", step)
		}
		recvSize, err := recv(recvBuf2[:n], sliceView(mat, lengths, ends, recvSlice))
		if err != nil {
			return errors.WithMessage(err, "recv transform")
		}
		c.bytesReceived += uint64(recvSize)
		recvBuf, recvBuf2 = recvBuf2, recvBuf
		sendSize = recvSize
	}
	return nil
}
