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

// Package minibatch coordinates the parallel readers of a model: a subset
// of ranks each fetch a disjoint shard of one sample batch, and the
// assembled minibatch is redistributed into a column-circulant matrix
// consumed by the first training layer.
package minibatch

import (
	"math"

	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/gomlx/lockstep/comm"
	"github.com/gomlx/lockstep/ml/datareader"
	"github.com/gomlx/lockstep/types/matrix"
)

// ErrInsufficientReaders indicates more than half of the parallel readers
// failed while fetching one minibatch; the training step cannot proceed.
var ErrInsufficientReaders = errors.New("insufficient parallel readers")

// failedFetch marks a failed reader in the per-step status exchange.
const failedFetch = math.MaxUint64

// Coordinator drives distributed minibatch I/O for one model. It holds a
// non-owning reference to the communicator and to the per-mode data
// readers.
type Coordinator struct {
	comm *comm.Comm

	// root is the reader rank currently designated as source for the
	// circulant distribution.
	root int

	numParallelReadersTraining   int
	numParallelReadersValidating int
	numParallelReadersTesting    int

	maxMiniBatchSize  int
	numSamplesInBatch int
	localDataValid    bool
	localReaderDone   bool
	numValidReaders   int
	numDataPerEpoch   int64

	// Per-step fetch outcome of every rank-in-model, refreshed by
	// FetchToLocalMatrix: sample counts, and which readers failed and
	// are excluded from the current rotation.
	stepCounts []int
	stepFailed []bool

	readers map[datareader.Mode]*datareader.Reader
	mode    datareader.Mode

	// Preprocess, when set, runs over the locally fetched samples before
	// distribution.
	Preprocess func(m *matrix.Mat, numSamples int)
}

// New creates a coordinator. numParallelReaders is the requested reader
// count per phase; it is reduced per phase to what the dataset and the
// model size can sustain.
func New(c *comm.Comm, numParallelReaders, miniBatchSize int,
	readers map[datareader.Mode]*datareader.Reader) *Coordinator {
	co := &Coordinator{
		comm:             c,
		maxMiniBatchSize: miniBatchSize,
		readers:          readers,
		mode:             datareader.Training,
	}
	for mode, reader := range readers {
		count := ComputeMaxNumParallelReaders(reader.NumData(), miniBatchSize,
			numParallelReaders, c.ProcsPerModel())
		switch mode {
		case datareader.Training:
			co.numParallelReadersTraining = count
		case datareader.Validation:
			co.numParallelReadersValidating = count
		case datareader.Testing:
			co.numParallelReadersTesting = count
		}
	}
	co.numValidReaders = co.NumParallelReaders()
	return co
}

// ComputeMaxNumParallelReaders returns how many parallel readers are
// viable: the requested count, capped by the ranks available in the model
// and by the number of minibatches the dataset can fill. Would-be readers
// beyond the cap stay inactive for the phase but remain in the model
// communicator.
func ComputeMaxNumParallelReaders(dataSetSize, miniBatchSize, requested, procsPerModel int) int {
	num := requested
	if num > procsPerModel {
		klog.Warningf("minibatch: reducing parallel readers from %d to %d ranks in the model", num, procsPerModel)
		num = procsPerModel
	}
	if needed := (dataSetSize + miniBatchSize - 1) / miniBatchSize; num > needed {
		klog.Warningf("minibatch: reducing parallel readers from %d to %d, dataset fills only %d minibatches",
			num, needed, needed)
		num = needed
	}
	return num
}

// SetMode switches the coordinator to another execution phase, resetting
// the rotation.
func (co *Coordinator) SetMode(mode datareader.Mode) {
	co.mode = mode
	co.root = 0
	co.localReaderDone = false
	co.localDataValid = false
	co.numValidReaders = co.NumParallelReaders()
}

// Mode returns the current execution phase.
func (co *Coordinator) Mode() datareader.Mode { return co.mode }

func (co *Coordinator) reader() *datareader.Reader {
	r := co.readers[co.mode]
	if r == nil {
		exceptions.Panicf("minibatch: no data reader registered for mode %s", co.mode)
	}
	return r
}

// NumParallelReaders returns the viable reader count for the current
// phase.
func (co *Coordinator) NumParallelReaders() int {
	switch co.mode {
	case datareader.Validation:
		return co.numParallelReadersValidating
	case datareader.Testing:
		return co.numParallelReadersTesting
	default:
		return co.numParallelReadersTraining
	}
}

// IsCurrentRoot reports whether this rank is the current source of the
// circulant distribution.
func (co *Coordinator) IsCurrentRoot() bool {
	return co.comm.RankInModel() == co.root
}

// NumDataPerEpoch returns how many samples this rank fetched in the
// current epoch.
func (co *Coordinator) NumDataPerEpoch() int64 { return co.numDataPerEpoch }

// NumSamplesInBatch returns the local sample count of the last fetch.
func (co *Coordinator) NumSamplesInBatch() int { return co.numSamplesInBatch }

// FetchToLocalMatrix pulls this rank's shard of the next minibatch into
// mLocal, one sample per column. Ranks beyond the viable reader count
// contribute zero samples. The fetch outcome of every rank is exchanged
// across the model so a failed reader is excluded from the step's
// rotation; if more than half the readers fail, the step fails with
// ErrInsufficientReaders.
func (co *Coordinator) FetchToLocalMatrix(mLocal *matrix.Mat) (int, error) {
	readers := co.NumParallelReaders()
	co.numSamplesInBatch = 0
	var fetchErr error
	if co.comm.RankInModel() < readers && !co.localReaderDone {
		mLocal.Zero()
		n, err := co.reader().Fetch(mLocal)
		if err != nil {
			fetchErr = err
			klog.Warningf("minibatch: reader rank %d failed to fetch: %+v", co.comm.RankInModel(), err)
		} else {
			co.numSamplesInBatch = n
			co.localDataValid = n > 0
			co.numDataPerEpoch += int64(n)
			if co.Preprocess != nil && n > 0 {
				co.Preprocess(mLocal, n)
			}
		}
	}

	status := uint64(co.numSamplesInBatch)
	if fetchErr != nil {
		status = failedFetch
	}
	all, err := co.comm.ModelAllgatherUint64(status)
	if err != nil {
		return 0, err
	}
	co.stepCounts = make([]int, readers)
	co.stepFailed = make([]bool, readers)
	failed := 0
	for rank := 0; rank < readers; rank++ {
		if all[rank] == failedFetch {
			co.stepFailed[rank] = true
			failed++
			continue
		}
		co.stepCounts[rank] = int(all[rank])
	}
	if failed > 0 {
		klog.Warningf("minibatch: %d of %d readers failed this step, excluding them from the rotation",
			failed, readers)
	}
	if failed*2 > readers {
		return 0, errors.Wrapf(ErrInsufficientReaders, "%d of %d readers failed in one minibatch",
			failed, readers)
	}
	return co.numSamplesInBatch, nil
}

// DistributeFromLocalMatrix assembles the minibatch: starting at the
// current root, each viable reader in turn broadcasts its local tile as
// the next column block of mCirc, and every rank deposits the columns it
// owns. Afterwards the minibatch sits in mCirc with column ordering
// (reader 0 samples, reader 1 samples, ...), consistent on every rank.
func (co *Coordinator) DistributeFromLocalMatrix(mLocal *matrix.Mat, mCirc *matrix.CircMat) error {
	if co.stepCounts == nil {
		exceptions.Panicf("minibatch: DistributeFromLocalMatrix before FetchToLocalMatrix")
	}
	readers := co.NumParallelReaders()
	col0 := 0
	for k := 0; k < readers; k++ {
		src := (co.root + k) % readers
		if co.stepFailed[src] {
			continue
		}
		n := co.stepCounts[src]
		if n == 0 {
			continue
		}
		block := matrix.New(mCirc.GlobalHeight(), n)
		if co.comm.RankInModel() == src {
			if !co.localDataValid {
				exceptions.Panicf("minibatch: rank %d is the distribution source but holds no valid data", src)
			}
			block.CopyFrom(mLocal.View(matrix.Range{Begin: 0, End: mCirc.GlobalHeight()},
				matrix.Range{Begin: 0, End: n}))
			co.localDataValid = false
		}
		if err := co.comm.ModelBroadcastMatrix(block, src); err != nil {
			return errors.WithMessagef(err, "distributing block of reader rank %d", src)
		}
		mCirc.DepositBlock(col0, block)
		col0 += n
	}
	// A full rotation returns the root to where it started.
	co.stepCounts = nil
	co.stepFailed = nil
	return nil
}

// IsDataSetProcessed advances the readers past the distributed minibatch
// and reports, collectively over the model, whether the epoch ended on
// every reader. At the epoch boundary the rotation state resets.
func (co *Coordinator) IsDataSetProcessed() (bool, error) {
	if co.localDataValid {
		exceptions.Panicf("minibatch: local data fetched but never distributed")
	}
	readers := co.NumParallelReaders()
	if co.comm.RankInModel() < readers && !co.localReaderDone {
		co.localReaderDone = !co.reader().Update()
	}

	done := uint64(0)
	if co.localReaderDone {
		done = 1
	}
	all, err := co.comm.ModelAllgatherUint64(done)
	if err != nil {
		return false, err
	}
	numDone := 0
	for _, v := range all {
		numDone += int(v)
	}
	if numDone >= co.numValidReaders {
		co.localReaderDone = false
		co.root = 0
		co.numValidReaders = readers
		klog.V(1).Infof("minibatch: epoch complete, %d samples fetched on rank-in-model %d",
			co.numDataPerEpoch, co.comm.RankInModel())
		co.numDataPerEpoch = 0
		return true, nil
	}
	return false, nil
}

// CalculateNumIterationsPerEpoch derives the reader's walk over the
// shuffled samples and calls its Setup. Global sample blocks of the
// minibatch size are laid out cyclically: block b belongs to model
// b % numModels, and within a model, consecutive blocks rotate over the
// parallel readers. The division leaves each model a partial minibatch of
// equal size; up to numModels-1 trailing samples that cannot split evenly
// are left to the next epoch's shuffle.
func (co *Coordinator) CalculateNumIterationsPerEpoch(reader *datareader.Reader) {
	b := co.maxMiniBatchSize
	numModels := co.comm.NumModels()
	modelRank := co.comm.ModelRank()
	rankInModel := co.comm.RankInModel()
	readers := co.NumParallelReaders()
	n := reader.NumShuffled()
	if readers == 0 {
		reader.SetNumMiniBatchesPerReader(0)
		reader.Setup(0, b, 1, 0, co.comm)
		return
	}

	minStrideAcrossModels := b * numModels
	numWholePerModel := n / minStrideAcrossModels
	numWholePerReader := numWholePerModel / readers
	readersWithExtra := numWholePerModel % readers
	perModelPartial := (n - numWholePerModel*minStrideAcrossModels) / numModels
	partialReader := numWholePerModel % readers

	baseOffset := rankInModel * numModels * b
	modelOffset := modelRank * b
	batchStride := readers * numModels * b

	numMiniBatches := numWholePerReader
	if rankInModel < readersWithExtra {
		numMiniBatches++
	}
	lastSize := b
	lastStride := batchStride
	if perModelPartial > 0 && rankInModel == partialReader {
		// This reader picks up the model's partial tail. Its stride into
		// (and out of) the tail bridges from its last whole minibatch to
		// the model's slice of the partial region.
		partialPos := numWholePerModel*minStrideAcrossModels + modelRank*perModelPartial
		prevPos := baseOffset + modelOffset + (numMiniBatches-1)*batchStride
		if numWholePerModel == 0 {
			// The epoch is a single partial minibatch; place it directly.
			modelOffset = modelRank * perModelPartial
			baseOffset = 0
		} else {
			lastStride = partialPos - prevPos
		}
		numMiniBatches++
		lastSize = perModelPartial
	}

	reader.SetNumMiniBatchesPerReader(numMiniBatches)
	reader.SetLastMiniBatchSize(lastSize)
	reader.SetLastMiniBatchStride(lastStride)
	reader.Setup(baseOffset, batchStride, 1, modelOffset, co.comm)
}
