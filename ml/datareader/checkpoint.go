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

package datareader

import (
	"github.com/pkg/errors"

	"github.com/gomlx/lockstep/persist"
)

// Checkpoint field keys, appended to the reader name under the train
// bucket.
const (
	keyMiniBatchIdx = "_current_mini_batch_idx"
	keyDataSize     = "_data_size"
	keyDataPosition = "_data_position"
	keyDataIndices  = "_data_indices"
)

// SaveToCheckpoint persists the shuffling state under name. Only the
// world root writes; the other ranks return immediately.
func (r *Reader) SaveToCheckpoint(store persist.Store, name string) error {
	if r.comm != nil && r.comm.WorldRank() != 0 {
		return nil
	}
	if err := store.WriteUint64(persist.Train, name+keyMiniBatchIdx, uint64(r.currentMiniBatchIdx)); err != nil {
		return errors.WithMessagef(err, "saving reader %q", name)
	}
	if err := store.WriteUint64(persist.Train, name+keyDataSize, uint64(len(r.shuffled))); err != nil {
		return errors.WithMessagef(err, "saving reader %q", name)
	}
	if err := store.WriteUint64(persist.Train, name+keyDataPosition, uint64(r.currentPos)); err != nil {
		return errors.WithMessagef(err, "saving reader %q", name)
	}
	if err := store.WriteInt32s(persist.Train, name+keyDataIndices, r.shuffled); err != nil {
		return errors.WithMessagef(err, "saving reader %q", name)
	}
	return nil
}

// LoadFromCheckpoint restores the shuffling state saved under name. The
// world root reads the four fields and broadcasts them; the other ranks
// resize their index vector before receiving the array. Afterwards every
// rank observes identical shuffling state.
func (r *Reader) LoadFromCheckpoint(store persist.Store, name string) error {
	var idx, size, pos uint64
	isRoot := r.comm == nil || r.comm.WorldRank() == 0
	if isRoot {
		var err error
		if idx, err = store.ReadUint64(persist.Train, name+keyMiniBatchIdx); err != nil {
			return errors.WithMessagef(err, "loading reader %q", name)
		}
		if size, err = store.ReadUint64(persist.Train, name+keyDataSize); err != nil {
			return errors.WithMessagef(err, "loading reader %q", name)
		}
		if pos, err = store.ReadUint64(persist.Train, name+keyDataPosition); err != nil {
			return errors.WithMessagef(err, "loading reader %q", name)
		}
		r.shuffled = make([]int32, size)
		if err = store.ReadInt32s(persist.Train, name+keyDataIndices, r.shuffled); err != nil {
			return errors.WithMessagef(err, "loading reader %q", name)
		}
	}

	if r.comm != nil {
		if err := r.comm.WorldBroadcastUint64(&idx, 0); err != nil {
			return err
		}
		if err := r.comm.WorldBroadcastUint64(&pos, 0); err != nil {
			return err
		}
		if err := r.comm.WorldBroadcastUint64(&size, 0); err != nil {
			return err
		}
		if !isRoot {
			r.shuffled = make([]int32, size)
		}
		if err := r.comm.WorldBroadcastInt32s(r.shuffled, 0); err != nil {
			return err
		}
	}

	r.currentMiniBatchIdx = int(idx)
	r.currentPos = int(pos)
	return nil
}
