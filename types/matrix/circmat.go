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

package matrix

import "github.com/gomlx/exceptions"

// CircMat is a dense matrix with a column-circulant distribution over the
// ranks of a communicator: global column j is stored by rank j % nprocs.
// Each rank holds only its local tile, with the owned columns packed in
// increasing global order.
//
// It is used to stage an assembled minibatch: parallel readers broadcast
// their sample blocks and every rank deposits the columns it owns.
type CircMat struct {
	globalHeight, globalWidth int
	nprocs, rank              int
	local                     *Mat
}

// NewCirc creates the local tile of a globalHeight x globalWidth
// column-circulant matrix for the given rank out of nprocs.
func NewCirc(globalHeight, globalWidth, nprocs, rank int) *CircMat {
	if nprocs <= 0 || rank < 0 || rank >= nprocs {
		exceptions.Panicf("matrix.NewCirc: rank %d out of range for %d ranks", rank, nprocs)
	}
	localWidth := (globalWidth - rank + nprocs - 1) / nprocs
	return &CircMat{
		globalHeight: globalHeight,
		globalWidth:  globalWidth,
		nprocs:       nprocs,
		rank:         rank,
		local:        New(globalHeight, localWidth),
	}
}

// GlobalHeight returns the number of rows of the global matrix.
func (c *CircMat) GlobalHeight() int { return c.globalHeight }

// GlobalWidth returns the number of columns of the global matrix.
func (c *CircMat) GlobalWidth() int { return c.globalWidth }

// LocalHeight returns the number of rows stored locally.
func (c *CircMat) LocalHeight() int { return c.local.Height() }

// LocalWidth returns the number of columns stored locally.
func (c *CircMat) LocalWidth() int { return c.local.Width() }

// Local returns the local tile. Column i of the tile is global column
// rank + i*nprocs.
func (c *CircMat) Local() *Mat { return c.local }

// Owner returns the rank storing global column j.
func (c *CircMat) Owner(j int) int { return j % c.nprocs }

// LocalCol translates global column j to its local tile column. It panics
// if this rank does not own j.
func (c *CircMat) LocalCol(j int) int {
	if j < 0 || j >= c.globalWidth {
		exceptions.Panicf("CircMat.LocalCol(%d): out of range for global width %d", j, c.globalWidth)
	}
	if c.Owner(j) != c.rank {
		exceptions.Panicf("CircMat.LocalCol(%d): column owned by rank %d, not %d", j, c.Owner(j), c.rank)
	}
	return j / c.nprocs
}

// DepositBlock copies the locally-owned columns of a column block into the
// tile. The block occupies global columns [col0, col0+block.Width()) and
// must span the full global height.
func (c *CircMat) DepositBlock(col0 int, block *Mat) {
	if block.Height() != c.globalHeight {
		exceptions.Panicf("CircMat.DepositBlock: block height %d != global height %d",
			block.Height(), c.globalHeight)
	}
	if col0 < 0 || col0+block.Width() > c.globalWidth {
		exceptions.Panicf("CircMat.DepositBlock: columns [%d, %d) out of range for global width %d",
			col0, col0+block.Width(), c.globalWidth)
	}
	for b := 0; b < block.Width(); b++ {
		j := col0 + b
		if c.Owner(j) != c.rank {
			continue
		}
		dst := c.local.ColRange(c.LocalCol(j), c.LocalCol(j)+1)
		dst.CopyFrom(block.ColRange(b, b+1))
	}
}
