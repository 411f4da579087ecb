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

// Package datareader implements the shuffling core of the input pipeline:
// it maintains the shuffled sample-index vector, advances the reading
// position minibatch by minibatch (including the ragged last minibatch of
// an epoch), selects training/validation subsets, and checkpoints its
// state for exact resumption.
//
// Decoding raw samples is delegated to a Source, implemented by the
// format-specific readers.
package datareader

import (
	"math"
	"math/rand"
	"sort"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/gomlx/lockstep/comm"
	"github.com/gomlx/lockstep/types/matrix"
)

// Error kinds for reader configuration.
var (
	// ErrSubsetTooLarge indicates max_sample_count exceeds the dataset.
	ErrSubsetTooLarge = errors.New("subset larger than dataset")
	// ErrInvalidPercent indicates a percentage outside [0, 1].
	ErrInvalidPercent = errors.New("percent must be within [0, 1]")
	// ErrMissingConfiguration indicates an accessor was called for a
	// field that was never set.
	ErrMissingConfiguration = errors.New("configuration not set")
)

// Mode is the execution phase a reader serves.
type Mode int

const (
	Invalid Mode = iota
	Training
	Validation
	Testing
)

func (m Mode) String() string {
	switch m {
	case Training:
		return "training"
	case Validation:
		return "validation"
	case Testing:
		return "testing"
	}
	return "invalid"
}

// Source decodes raw samples. Format-specific readers (images, text, ...)
// implement it; the shuffling core stays format-agnostic.
type Source interface {
	// NumData returns the total number of samples in the dataset.
	NumData() int
	// Fetch decodes the samples at the given dataset indices into the
	// first len(indices) columns of dst, one sample per column, and
	// returns how many were fetched.
	Fetch(dst *matrix.Mat, indices []int32) (int, error)
}

// Reader walks a shuffled sample-index vector one minibatch at a time.
//
// In distributed mode (Setup with a communicator) the per-reader minibatch
// count and the alternate tail stride are preconfigured by the minibatch
// coordinator; in serial mode the reader plans to process the entire
// dataset in ceil(N / batchSize) minibatches.
type Reader struct {
	name   string
	mode   Mode
	source Source
	comm   *comm.Comm // nil in serial mode

	batchSize int
	shuffled  []int32
	unused    []int32

	baseOffset   int
	modelOffset  int
	batchStride  int
	sampleStride int

	lastMiniBatchSize   int
	lastMiniBatchStride int

	currentPos          int
	currentMiniBatchIdx int

	// numMiniBatchesPerReader is the authoritative per-epoch minibatch
	// count for this reader, in both serial and distributed mode.
	numMiniBatchesPerReader int

	firstN                  bool
	useAltLastMiniBatchSize bool

	maxSampleCount    int
	maxSampleCountSet bool
	usePercent        float64
	validationPercent float64

	fileDir       string
	dataFilename  string
	labelFilename string

	// baseSeed and shuffleRound feed the deterministic shuffle sequence:
	// the n-th shuffle of this reader draws from baseSeed + n, so replays
	// are bit-identical.
	baseSeed     int64
	shuffleRound int64
}

// New creates a reader over the given source with the sample indices
// 0..NumData-1 in order.
func New(name string, mode Mode, batchSize int, source Source) *Reader {
	r := &Reader{
		name:              name,
		mode:              mode,
		source:            source,
		batchSize:         batchSize,
		lastMiniBatchSize: batchSize,
		sampleStride:      1,
		usePercent:        -1,
		validationPercent: -1,
	}
	n := source.NumData()
	r.shuffled = make([]int32, n)
	for i := range r.shuffled {
		r.shuffled[i] = int32(i)
	}
	return r
}

// Name returns the reader's name, used to key its checkpoint fields.
func (r *Reader) Name() string { return r.name }

// Mode returns the execution phase this reader serves.
func (r *Reader) Mode() Mode { return r.mode }

// NumData returns the total number of samples in the underlying dataset.
func (r *Reader) NumData() int { return r.source.NumData() }

// NumShuffled returns the number of in-use sample indices.
func (r *Reader) NumShuffled() int { return len(r.shuffled) }

// NumUnused returns the number of held-out sample indices.
func (r *Reader) NumUnused() int { return len(r.unused) }

// Position returns the current position within the shuffled indices.
func (r *Reader) Position() int { return r.currentPos }

// MiniBatchIndex returns the index of the current minibatch in the epoch.
func (r *Reader) MiniBatchIndex() int { return r.currentMiniBatchIdx }

// Setup initializes the walk. baseOffset and modelOffset place this
// reader's first minibatch; batchStride advances it between fetches. A
// non-nil communicator selects distributed mode: the minibatch count per
// reader must have been preconfigured and the alternate tail size is
// honored. With a nil communicator the reader runs serially over the
// whole dataset.
func (r *Reader) Setup(baseOffset, batchStride, sampleStride, modelOffset int, c *comm.Comm) {
	r.comm = c
	r.baseOffset = baseOffset
	r.batchStride = batchStride
	r.sampleStride = sampleStride
	r.modelOffset = modelOffset
	if r.lastMiniBatchStride == 0 {
		r.lastMiniBatchStride = batchStride
	}
	r.currentMiniBatchIdx = 0

	if c != nil {
		r.useAltLastMiniBatchSize = true
		r.baseSeed = int64(c.ModelRank()) << 32
	} else {
		r.numMiniBatchesPerReader = (r.NumData() + r.batchSize - 1) / r.batchSize
	}
	r.currentPos = r.baseOffset + r.modelOffset
	if !r.firstN {
		r.shuffle()
	}
	klog.V(1).Infof("datareader %q (%s): setup base=%d model=%d stride=%d, %d minibatches of %d",
		r.name, r.mode, baseOffset, modelOffset, batchStride, r.numMiniBatchesPerReader, r.batchSize)
}

// SetupSerial is Setup for serial mode with default offsets.
func (r *Reader) SetupSerial() {
	r.Setup(0, r.batchSize, 1, 0, nil)
}

func (r *Reader) shuffle() {
	rng := rand.New(rand.NewSource(r.baseSeed + r.shuffleRound))
	r.shuffleRound++
	rng.Shuffle(len(r.shuffled), func(i, j int) {
		r.shuffled[i], r.shuffled[j] = r.shuffled[j], r.shuffled[i]
	})
}

// atPenultimate reports whether the minibatch about to finish is the
// second to last or the last of the epoch: the advances into and out of
// the final minibatch both use the alternate tail stride.
func (r *Reader) atPenultimate() bool {
	return r.useAltLastMiniBatchSize &&
		r.currentMiniBatchIdx+1 >= r.numMiniBatchesPerReader-1
}

// Update advances past the minibatch just consumed. It returns true while
// more minibatches remain in the epoch; at the epoch boundary it
// reshuffles (unless first-N mode is set), resets the position and the
// minibatch index, and returns false.
func (r *Reader) Update() bool {
	if r.atPenultimate() {
		r.currentPos += r.lastMiniBatchStride
	} else {
		r.currentPos += r.batchStride
	}

	if r.currentPos < len(r.shuffled) {
		r.currentMiniBatchIdx++
		return true
	}
	if !r.firstN {
		r.shuffle()
	}
	r.currentMiniBatchIdx = 0
	r.currentPos = r.baseOffset + r.modelOffset
	return false
}

// BatchSize returns the sample count of the current minibatch: the
// alternate tail size at the last minibatch of the epoch, the configured
// batch size otherwise.
func (r *Reader) BatchSize() int {
	if r.useAltLastMiniBatchSize &&
		r.currentMiniBatchIdx >= r.numMiniBatchesPerReader-1 {
		return r.lastMiniBatchSize
	}
	return r.batchSize
}

// NextPosition returns where the position will be after the next Update.
func (r *Reader) NextPosition() int {
	if r.atPenultimate() {
		return r.currentPos + r.lastMiniBatchStride
	}
	return r.currentPos + r.batchStride
}

// Fetch decodes the current minibatch into the leading columns of dst and
// returns the number of samples fetched. Fewer than BatchSize samples are
// returned when the position nears the end of the shuffled indices.
func (r *Reader) Fetch(dst *matrix.Mat) (int, error) {
	want := r.BatchSize()
	indices := make([]int32, 0, want)
	for k := 0; k < want; k++ {
		pos := r.currentPos + k*r.sampleStride
		if pos >= len(r.shuffled) {
			break
		}
		indices = append(indices, r.shuffled[pos])
	}
	if len(indices) == 0 {
		return 0, nil
	}
	n, err := r.source.Fetch(dst.ColRange(0, len(indices)), indices)
	if err != nil {
		return 0, errors.WithMessagef(err, "reader %q fetching minibatch %d", r.name, r.currentMiniBatchIdx)
	}
	return n, nil
}

// SelectSubsetOfData applies, in order: a shuffle (unless first-N), a
// truncation to the max sample count or to usePercent of the dataset, and
// the carve-off of the validation hold-out from the post-truncation pool
// into the unused set. Both vectors are re-sorted unless first-N is set.
func (r *Reader) SelectSubsetOfData() error {
	if !r.firstN {
		r.shuffle()
	}
	if !r.maxSampleCountSet && !r.HasUsePercent() && !r.HasValidationPercent() {
		return nil
	}

	if r.maxSampleCountSet {
		if r.maxSampleCount > r.NumData() {
			return errors.Wrapf(ErrSubsetTooLarge, "max_sample_count=%d > num_data=%d",
				r.maxSampleCount, r.NumData())
		}
		r.shuffled = r.shuffled[:r.maxSampleCount]
	} else if r.HasUsePercent() {
		r.shuffled = r.shuffled[:int(r.usePercent*float64(r.NumData()))]
	}

	if r.HasValidationPercent() {
		unused := int(r.validationPercent * float64(len(r.shuffled)))
		useMe := len(r.shuffled) - unused
		if unused > 0 {
			r.unused = append([]int32(nil), r.shuffled[useMe:]...)
			r.shuffled = r.shuffled[:useMe]
		}
	}

	if !r.firstN {
		sort.Slice(r.shuffled, func(i, j int) bool { return r.shuffled[i] < r.shuffled[j] })
		sort.Slice(r.unused, func(i, j int) bool { return r.unused[i] < r.unused[j] })
	}
	return nil
}

// UseUnusedIndexSet atomically swaps the in-use indices with the held-out
// set and releases the latter's capacity.
func (r *Reader) UseUnusedIndexSet() {
	r.shuffled, r.unused = r.unused, nil
}

// Clone returns a deep copy of the reader's configuration and index
// state, sharing the source.
func (r *Reader) Clone() *Reader {
	dup := *r
	dup.shuffled = append([]int32(nil), r.shuffled...)
	dup.unused = append([]int32(nil), r.unused...)
	return &dup
}

// Configuration accessors.

// SetFirstN makes the reader take samples in dataset order, skipping
// every shuffle.
func (r *Reader) SetFirstN(b bool) { r.firstN = b }

// FirstN reports whether first-N mode is set.
func (r *Reader) FirstN() bool { return r.firstN }

// SetSeed overrides the base of the deterministic shuffle sequence.
func (r *Reader) SetSeed(seed int64) { r.baseSeed = seed }

// SetNumMiniBatchesPerReader preconfigures the per-epoch minibatch count
// for distributed mode.
func (r *Reader) SetNumMiniBatchesPerReader(n int) { r.numMiniBatchesPerReader = n }

// NumMiniBatchesPerReader returns the per-epoch minibatch count.
func (r *Reader) NumMiniBatchesPerReader() int { return r.numMiniBatchesPerReader }

// SetLastMiniBatchSize preconfigures the sample count of the epoch's
// final minibatch.
func (r *Reader) SetLastMiniBatchSize(n int) { r.lastMiniBatchSize = n }

// LastMiniBatchSize returns the sample count of the epoch's final
// minibatch.
func (r *Reader) LastMiniBatchSize() int { return r.lastMiniBatchSize }

// SetLastMiniBatchStride preconfigures the position advance into and out
// of the epoch's final minibatch.
func (r *Reader) SetLastMiniBatchStride(n int) { r.lastMiniBatchStride = n }

// SetFileDir sets the directory holding the dataset files.
func (r *Reader) SetFileDir(dir string) { r.fileDir = dir }

// FileDir returns the directory holding the dataset files.
func (r *Reader) FileDir() string { return r.fileDir }

// SetDataFilename sets the data file name.
func (r *Reader) SetDataFilename(fn string) { r.dataFilename = fn }

// DataFilename returns the data file name set with SetDataFilename.
func (r *Reader) DataFilename() (string, error) {
	if r.dataFilename == "" {
		return "", errors.Wrap(ErrMissingConfiguration, "data filename was never set")
	}
	return r.dataFilename, nil
}

// SetLabelFilename sets the label file name.
func (r *Reader) SetLabelFilename(fn string) { r.labelFilename = fn }

// LabelFilename returns the label file name set with SetLabelFilename.
func (r *Reader) LabelFilename() (string, error) {
	if r.labelFilename == "" {
		return "", errors.Wrap(ErrMissingConfiguration, "label filename was never set")
	}
	return r.labelFilename, nil
}

// SetMaxSampleCount caps the number of samples used for training. The cap
// is validated against the dataset in SelectSubsetOfData.
func (r *Reader) SetMaxSampleCount(n int) {
	r.maxSampleCount = n
	r.maxSampleCountSet = true
}

// MaxSampleCount returns the configured sample cap.
func (r *Reader) MaxSampleCount() int { return r.maxSampleCount }

// HasMaxSampleCount reports whether a sample cap was configured.
func (r *Reader) HasMaxSampleCount() bool { return r.maxSampleCountSet }

// SetValidationPercent configures the share of samples held out for
// validation.
func (r *Reader) SetValidationPercent(p float64) error {
	if p < 0 || p > 1 {
		return errors.Wrapf(ErrInvalidPercent, "validation percent %v", p)
	}
	r.validationPercent = p
	return nil
}

// HasValidationPercent reports whether a validation share was configured.
func (r *Reader) HasValidationPercent() bool { return r.validationPercent != -1 }

// ValidationPercent returns the configured validation share.
func (r *Reader) ValidationPercent() float64 { return r.validationPercent }

// SetUsePercent configures the share of the dataset to use.
func (r *Reader) SetUsePercent(p float64) error {
	if p < 0 || p > 1 {
		return errors.Wrapf(ErrInvalidPercent, "use percent %v", p)
	}
	r.usePercent = p
	return nil
}

// HasUsePercent reports whether a use share was configured.
func (r *Reader) HasUsePercent() bool { return r.usePercent != -1 }

// UsePercent returns the configured use share.
func (r *Reader) UsePercent() (float64, error) {
	if !r.HasUsePercent() {
		return math.NaN(), errors.Wrap(ErrMissingConfiguration, "use percent was never set")
	}
	return r.usePercent, nil
}
