package datasets

import (
	"fmt"

	"github.com/Noofbiz/tumorPurity/model"
	"github.com/gomlx/gomlx/pkg/core/tensors"
)

// BagBatch stores a batch of bags in flat contiguous buffers.
type BagBatch struct {
	// Indices of the bags, in batch order.
	Indices []int

	Images []float32
	Truths []float32

	BatchSize    int
	NumInstances int
	PatchSize    int
	TruthDim     int
}

// MakeBagBatch stacks bags into a BagBatch. All bags must hold numInstances
// patches of patchSize x patchSize and share the same truth dimension.
func MakeBagBatch(bags []Bag, numInstances, patchSize int) (*BagBatch, error) {
	if len(bags) == 0 {
		return nil, fmt.Errorf("empty batch")
	}
	bagLen := numInstances * model.Channels * patchSize * patchSize
	truthDim := len(bags[0].Truth)

	batch := &BagBatch{
		Indices:      make([]int, len(bags)),
		Images:       make([]float32, len(bags)*bagLen),
		Truths:       make([]float32, len(bags)*truthDim),
		BatchSize:    len(bags),
		NumInstances: numInstances,
		PatchSize:    patchSize,
		TruthDim:     truthDim,
	}
	for i, bag := range bags {
		if len(bag.Instances) != bagLen {
			return nil, fmt.Errorf("inconsistent bag size at example %d: expected %d, got %d",
				i, bagLen, len(bag.Instances))
		}
		if len(bag.Truth) != truthDim {
			return nil, fmt.Errorf("inconsistent truth dimensions at example %d: expected %d, got %d",
				i, truthDim, len(bag.Truth))
		}
		batch.Indices[i] = bag.Index
		copy(batch.Images[i*bagLen:], bag.Instances)
		copy(batch.Truths[i*truthDim:], bag.Truth)
	}
	return batch, nil
}

// Collate is the loader merge function for bags of this dataset.
func (d *PatientDataset) Collate(bags []Bag) (*BagBatch, error) {
	return MakeBagBatch(bags, d.opts.NumInstances, d.opts.PatchSize)
}

// Truth returns the truth of sample i.
func (b *BagBatch) Truth(i int) []float32 {
	return b.Truths[i*b.TruthDim : (i+1)*b.TruthDim]
}

// ToGomlxTensors converts the batch to an images tensor shaped
// [batch, instances, 3, patch, patch] and a truths tensor shaped
// [batch, truthDim].
func (b *BagBatch) ToGomlxTensors() (images *tensors.Tensor, truths *tensors.Tensor, err error) {
	if b.BatchSize == 0 {
		return nil, nil, fmt.Errorf("empty batch")
	}
	images = tensors.FromFlatDataAndDimensions(b.Images, b.BatchSize, b.NumInstances, model.Channels, b.PatchSize, b.PatchSize)
	truths = tensors.FromFlatDataAndDimensions(b.Truths, b.BatchSize, b.TruthDim)
	return images, truths, nil
}
