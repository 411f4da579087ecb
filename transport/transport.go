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

// Package transport defines the SPMD message-passing substrate used by the
// communicator: ranked communicators with tagged point-to-point messages,
// combined send-receive, broadcast, allgather, barrier and splitting.
//
// The package also provides World, an in-process implementation that runs
// each rank on its own goroutine. It backs all tests and single-host runs;
// multi-host substrates implement the same Comm interface.
//
// Collectives on a communicator must be invoked in the same order by every
// member; the behavior of mismatched sequences is undefined. Each rank is
// expected to drive its communicators from a single goroutine.
package transport

import "github.com/pkg/errors"

// AnySource matches a message from any rank in Recv.
const AnySource = -1

// Comm is one rank's handle on a communicator. Tags must be non-negative;
// negative tags are reserved for internal collective sequencing.
type Comm interface {
	// Rank returns this process' rank within the communicator.
	Rank() int
	// Size returns the number of ranks in the communicator.
	Size() int
	// Group returns the world ranks of the members, indexed by
	// communicator rank. It is the substrate's rank-translation primitive.
	Group() []int

	// Send delivers data to rank dst under the given tag. The data is
	// copied before Send returns; the caller may reuse the buffer.
	Send(data []byte, dst, tag int) error
	// Recv blocks until a message from src (or AnySource) with the given
	// tag arrives, copies it into buf and returns its length. A message
	// longer than buf is an error.
	Recv(buf []byte, src, tag int) (int, error)
	// SendRecv posts the send to dst and the receive from src as one
	// operation, so two ranks exchanging data cannot deadlock.
	SendRecv(send []byte, dst int, recv []byte, src, tag int) (int, error)

	// Bcast copies root's buf into every member's buf. All members must
	// pass buffers of the same length.
	Bcast(buf []byte, root int) error
	// Allgather concatenates every member's equally-sized send block,
	// ordered by rank.
	Allgather(send []byte) ([]byte, error)
	// Barrier blocks until every member has entered it.
	Barrier() error

	// Split partitions the communicator: members sharing a color form a
	// new communicator, ranked by (key, rank). Collective.
	Split(color, key int) (Comm, error)

	// ProcessorName returns the host identity of this rank.
	ProcessorName() (string, error)

	// Free releases the communicator. Using it afterwards panics.
	Free() error
}

// ErrTruncated is returned by Recv when an incoming message does not fit
// the provided buffer.
var ErrTruncated = errors.New("transport: message truncated")
