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

import "github.com/pkg/errors"

// CollectiveBuffer returns the scratch buffer for slot idx within the
// bucket of the given size, allocating it if idx equals the bucket's
// current length. Slots must be requested in sequence: idx beyond the next
// free slot fails with ErrInvalidBufferIndex.
//
// Buffers are stable and live until Close, so the allreduce hot loop never
// reallocates. The pairwise-exchange allgather phase uses slot 0 as the
// primary and slot 1 as the alternate forwarding buffer.
func (c *Comm) CollectiveBuffer(size, idx int) ([]byte, error) {
	c.checkOpen()
	bucket := c.collectiveBufs[size]
	switch {
	case idx < len(bucket):
		return bucket[idx], nil
	case idx == len(bucket):
		buf := make([]byte, size)
		c.collectiveBufs[size] = append(bucket, buf)
		return buf, nil
	default:
		return nil, errors.Wrapf(ErrInvalidBufferIndex,
			"slot %d requested for size %d, bucket holds %d", idx, size, len(bucket))
	}
}
