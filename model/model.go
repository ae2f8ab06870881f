// Package model implements the multiple instance learning regression network
// used to estimate tumor purity from bags of patches.
//
// The network has three stages:
//
//	feature extractor:            patch -> NumFeatures activations in [0, 1]
//	distribution pooling filter:  bag of features -> per-feature histograms
//	representation transformation: histograms -> NumClasses outputs
package model

import (
	"fmt"
	"math"
	"math/rand/v2"
	"slices"
	"sort"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
	"github.com/gomlx/gomlx/backends"
	mlx_context "github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/pkg/errors"
	"github.com/samber/lo"
)

// Channels is the number of color channels of a patch.
const Channels = 3

const (
	ExtractorScope      = "feature_extractor"
	TransformationScope = "representation_transformation"
)

// Config holds the architecture of the model. The first six fields mirror
// the inference flags; the rest have defaults filled in by NewModel.
type Config struct {
	NumClasses   int     `json:"num_classes" validate:"gt=0"`
	NumInstances int     `json:"num_instances" validate:"gt=0"`
	NumFeatures  int     `json:"num_features" validate:"gt=0"`
	NumBins      int     `json:"num_bins" validate:"gt=1"`
	Sigma        float64 `json:"sigma" validate:"gt=0"`
	PatchSize    int     `json:"patch_size" validate:"gt=0"`

	// PoolGrid is the side of the grid every patch is average pooled to
	// before the dense layers of the feature extractor (default: 8).
	PoolGrid int `json:"pool_grid" validate:"gte=0"`

	// ExtractorHidden is the width of the hidden layer of the feature
	// extractor (default: 256).
	ExtractorHidden int `json:"extractor_hidden" validate:"gte=0"`

	// HiddenSizes are the hidden layers of the representation
	// transformation (default: 384, 192).
	HiddenSizes []int `json:"hidden_sizes" validate:"dive,gt=0"`

	// Seed controls weight initialization.
	Seed int64 `json:"seed"`
}

func (c Config) withDefaults() Config {
	if c.PoolGrid == 0 {
		c.PoolGrid = min(8, c.PatchSize)
	}
	if c.ExtractorHidden == 0 {
		c.ExtractorHidden = 256
	}
	if len(c.HiddenSizes) == 0 {
		c.HiddenSizes = []int{384, 192}
	}
	return c
}

// Validate checks the architecture.
func (c Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return errors.WithStack(err)
	}
	if c.PoolGrid > c.PatchSize {
		return errors.Errorf("pool grid %d larger than patch size %d", c.PoolGrid, c.PatchSize)
	}
	return nil
}

// Param is a named parameter tensor in row-major order.
type Param struct {
	Dims []int     `json:"dims"`
	Data []float32 `json:"data"`
}

// Size returns the number of elements the dimensions describe.
func (p Param) Size() int {
	n := 1
	for _, d := range p.Dims {
		n *= d
	}
	return n
}

// StateDict maps parameter names to their values. Dense layers store their
// weight as [out, in] and their bias as [out].
type StateDict map[string]Param

// Names returns the parameter names in sorted order.
func (s StateDict) Names() []string {
	names := lo.Keys(s)
	sort.Strings(names)
	return names
}

type layer struct {
	scope   string
	in, out int
}

func (l layer) weight() string { return l.scope + ".weight" }
func (l layer) bias() string   { return l.scope + ".bias" }

// Model is the MIL regression network.
type Model struct {
	Config Config

	extractor      []layer
	transformation []layer
	bins           []float32
	alfa, beta     float64

	mu      sync.Mutex
	params  StateDict
	backend backends.Backend
	exec    *mlx_context.Exec
}

// NewModel creates a model with freshly initialized weights.
func NewModel(cfg Config) (*Model, error) {
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	m := &Model{Config: cfg}

	inputs := Channels * cfg.PoolGrid * cfg.PoolGrid
	m.extractor = []layer{
		{scope: ExtractorScope + ".fc1", in: inputs, out: cfg.ExtractorHidden},
		{scope: ExtractorScope + ".fc2", in: cfg.ExtractorHidden, out: cfg.NumFeatures},
	}
	sizes := append([]int{cfg.NumFeatures * cfg.NumBins}, cfg.HiddenSizes...)
	sizes = append(sizes, cfg.NumClasses)
	for i := 1; i < len(sizes); i++ {
		m.transformation = append(m.transformation, layer{
			scope: fmt.Sprintf("%s.fc%d", TransformationScope, i),
			in:    sizes[i-1],
			out:   sizes[i],
		})
	}

	m.bins = make([]float32, cfg.NumBins)
	for j := range m.bins {
		m.bins[j] = float32(j) / float32(cfg.NumBins-1)
	}
	m.alfa = 1 / math.Sqrt(2*math.Pi*cfg.Sigma*cfg.Sigma)
	m.beta = -1 / (2 * cfg.Sigma * cfg.Sigma)

	m.params = m.initParams()
	return m, nil
}

func (m *Model) layers() []layer {
	return append(append([]layer(nil), m.extractor...), m.transformation...)
}

// initParams draws weights with a Glorot uniform heuristic; biases are zero.
func (m *Model) initParams() StateDict {
	rng := rand.New(rand.NewPCG(uint64(m.Config.Seed), 0x9e3779b97f4a7c15))
	params := make(StateDict)
	for _, l := range m.layers() {
		limit := float32(math.Sqrt(6.0 / float64(l.in+l.out)))
		w := make([]float32, l.out*l.in)
		for i := range w {
			w[i] = (rng.Float32()*2 - 1) * limit
		}
		params[l.weight()] = Param{Dims: []int{l.out, l.in}, Data: w}
		params[l.bias()] = Param{Dims: []int{l.out}, Data: make([]float32, l.out)}
	}
	return params
}

// NumParams returns the number of scalar parameters.
func (m *Model) NumParams() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return lo.SumBy(lo.Values(m.params), func(p Param) int { return len(p.Data) })
}

// StateDict returns a copy of the parameters.
func (m *Model) StateDict() StateDict {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(StateDict, len(m.params))
	for name, p := range m.params {
		out[name] = Param{
			Dims: append([]int(nil), p.Dims...),
			Data: append([]float32(nil), p.Data...),
		}
	}
	return out
}

// LoadStateDict replaces the parameters. Missing, unexpected and misshaped
// parameters are all reported in one error and leave the model untouched.
func (m *Model) LoadStateDict(state StateDict) error {
	expected := m.paramShapes()
	var problems []string
	for _, name := range lo.Keys(expected) {
		if _, ok := state[name]; !ok {
			problems = append(problems, "missing "+name)
		}
	}
	for _, name := range state.Names() {
		dims, ok := expected[name]
		if !ok {
			problems = append(problems, "unexpected "+name)
			continue
		}
		p := state[name]
		if !slices.Equal(p.Dims, dims) {
			problems = append(problems, fmt.Sprintf("%s has shape %v, expected %v", name, p.Dims, dims))
		} else if len(p.Data) != p.Size() {
			problems = append(problems, fmt.Sprintf("%s has %d values, expected %d", name, len(p.Data), p.Size()))
		}
	}
	if len(problems) > 0 {
		sort.Strings(problems)
		return errors.Errorf("failed to load state dict: %s", strings.Join(problems, "; "))
	}

	params := make(StateDict, len(state))
	for name, p := range state {
		params[name] = Param{
			Dims: append([]int(nil), p.Dims...),
			Data: append([]float32(nil), p.Data...),
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.params = params
	m.exec = nil
	return nil
}

func (m *Model) paramShapes() map[string][]int {
	shapes := make(map[string][]int)
	for _, l := range m.layers() {
		shapes[l.weight()] = []int{l.out, l.in}
		shapes[l.bias()] = []int{l.out}
	}
	return shapes
}

// SetBackend selects the backend Predict runs on. Without it the pure Go
// backend is used.
func (m *Model) SetBackend(backend backends.Backend) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.backend = backend
	m.exec = nil
}
