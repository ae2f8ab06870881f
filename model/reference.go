package model

import (
	"math"

	"github.com/pkg/errors"
)

// PredictReference computes the same outputs as Predict in plain Go, one bag
// at a time. images holds batch bags laid out as in Predict. It is slow and
// meant for checking backends.
func (m *Model) PredictReference(images []float32, batch int) ([][]float32, error) {
	c := m.Config
	bagLen := c.NumInstances * Channels * c.PatchSize * c.PatchSize
	if batch <= 0 || len(images) != batch*bagLen {
		return nil, errors.Errorf("expected %d bags of %d values, got %d values", batch, bagLen, len(images))
	}
	params := m.StateDict()

	out := make([][]float32, batch)
	for b := range out {
		bag := images[b*bagLen : (b+1)*bagLen]
		features := make([][]float32, c.NumInstances)
		for i := range features {
			patchLen := bagLen / c.NumInstances
			features[i] = m.extractFeatures(params, bag[i*patchLen:(i+1)*patchLen])
		}
		x := m.distributionPool(features)
		for l, lay := range m.transformation {
			x = dense(params, lay, x)
			if l < len(m.transformation)-1 {
				activationReLU(x)
			}
		}
		out[b] = x
	}
	return out, nil
}

// extractFeatures maps one CHW patch to NumFeatures values in [0, 1]. The
// pooled grid is stored with the width cell before the height cell, as the
// graph version produces it.
func (m *Model) extractFeatures(params StateDict, patch []float32) []float32 {
	p, grid := m.Config.PatchSize, m.Config.PoolGrid
	pool := poolMatrix(p, grid)
	pooled := make([]float32, Channels*grid*grid)
	for ch := 0; ch < Channels; ch++ {
		for gw := 0; gw < grid; gw++ {
			for gh := 0; gh < grid; gh++ {
				var sum float32
				for h := 0; h < p; h++ {
					if pool[h][gh] == 0 {
						continue
					}
					for w := 0; w < p; w++ {
						sum += patch[(ch*p+h)*p+w] * pool[w][gw] * pool[h][gh]
					}
				}
				pooled[(ch*grid+gw)*grid+gh] = sum
			}
		}
	}
	x := dense(params, m.extractor[0], pooled)
	activationReLU(x)
	x = dense(params, m.extractor[1], x)
	for i := range x {
		x[i] = float32(1 / (1 + math.Exp(-float64(x[i]))))
	}
	return x
}

// distributionPool returns the flattened [NumFeatures, NumBins] histograms
// of the instance features.
func (m *Model) distributionPool(features [][]float32) []float32 {
	nf, k := m.Config.NumFeatures, len(m.bins)
	hist := make([]float32, nf*k)
	for f := 0; f < nf; f++ {
		row := hist[f*k : (f+1)*k]
		var norm float64
		for j, s := range m.bins {
			var sum float64
			for _, inst := range features {
				d := float64(s - inst[f])
				sum += m.alfa * math.Exp(m.beta*d*d)
			}
			row[j] = float32(sum)
			norm += sum
		}
		for j := range row {
			row[j] = float32(float64(row[j]) / norm)
		}
	}
	return hist
}

// dense computes W x + b with W stored as [out, in].
func dense(params StateDict, l layer, input []float32) []float32 {
	w, b := params[l.weight()].Data, params[l.bias()].Data
	out := make([]float32, l.out)
	for j := 0; j < l.out; j++ {
		sum := b[j]
		row := w[j*l.in : (j+1)*l.in]
		for i, v := range input {
			sum += row[i] * v
		}
		out[j] = sum
	}
	return out
}

// activationReLU applies ReLU in-place over the slice.
func activationReLU(x []float32) {
	for i := range x {
		if x[i] < 0 {
			x[i] = 0
		}
	}
}
