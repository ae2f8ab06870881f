package datasets

import (
	"testing"

	"github.com/Noofbiz/tumorPurity/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMakeBagBatch(t *testing.T) {
	const numInstances, patchSize = 2, 1
	bagLen := numInstances * model.Channels * patchSize * patchSize
	bags := make([]Bag, 3)
	for i := range bags {
		bags[i] = Bag{Index: 10 + i, Instances: make([]float32, bagLen), Truth: []float32{float32(i) / 10}}
		for k := range bags[i].Instances {
			bags[i].Instances[k] = float32(i*100 + k)
		}
	}

	batch, err := MakeBagBatch(bags, numInstances, patchSize)
	require.NoError(t, err)
	assert.Equal(t, []int{10, 11, 12}, batch.Indices)
	assert.Equal(t, 3, batch.BatchSize)
	assert.Equal(t, 1, batch.TruthDim)
	assert.Len(t, batch.Images, 3*bagLen)
	assert.Equal(t, float32(205), batch.Images[2*bagLen+5])
	assert.Equal(t, []float32{0.2}, batch.Truth(2))

	images, truths, err := batch.ToGomlxTensors()
	require.NoError(t, err)
	assert.Equal(t, []int{3, numInstances, model.Channels, patchSize, patchSize}, images.Shape().Dimensions)
	assert.Equal(t, []int{3, 1}, truths.Shape().Dimensions)
}

func TestMakeBagBatchErrors(t *testing.T) {
	_, err := MakeBagBatch(nil, 1, 1)
	assert.Error(t, err)

	_, err = MakeBagBatch([]Bag{{Instances: make([]float32, 2), Truth: []float32{0}}}, 1, 1)
	assert.Error(t, err)

	_, err = MakeBagBatch([]Bag{
		{Instances: make([]float32, 3), Truth: []float32{0}},
		{Instances: make([]float32, 3), Truth: []float32{0, 1}},
	}, 1, 1)
	assert.Error(t, err)

	_, _, err = (&BagBatch{}).ToGomlxTensors()
	assert.Error(t, err)
}
