package model

import (
	"strings"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/backends/simplego"
	"github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	mlx_context "github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/layers/activations"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
)

// NewBackend returns the backend for a device. "cpu" (or empty) is the pure
// Go backend; anything else defers to the backend configured through the
// GOMLX_BACKEND environment variable.
func NewBackend(device string) (backends.Backend, error) {
	switch strings.ToLower(device) {
	case "", "cpu", "go":
		backend, err := simplego.New("")
		if err != nil {
			return nil, errors.Wrap(err, "failed to create simplego backend")
		}
		return backend, nil
	default:
		backend, err := backends.New()
		if err != nil {
			return nil, errors.Wrapf(err, "failed to create backend for device %q", device)
		}
		return backend, nil
	}
}

// Predict runs the forward pass on images shaped
// [batch, NumInstances, 3, PatchSize, PatchSize] and returns the raw outputs
// as [batch][NumClasses].
func (m *Model) Predict(images *tensors.Tensor) ([][]float32, error) {
	dims := images.Shape().Dimensions
	if err := m.checkInput(dims); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.exec == nil {
		if err := m.compile(); err != nil {
			return nil, err
		}
	}
	var outputs []*tensors.Tensor
	err := exceptions.TryCatch[error](func() {
		outputs = m.exec.MustExec(images)
	})
	if err != nil {
		return nil, errors.Wrap(err, "forward pass failed")
	}
	flat, ok := outputs[0].Value().([]float32)
	if !ok {
		return nil, errors.Errorf("unexpected output type %T", outputs[0].Value())
	}
	return splitRows(flat, dims[0], m.Config.NumClasses), nil
}

func (m *Model) checkInput(dims []int) error {
	c := m.Config
	if len(dims) != 5 || dims[0] == 0 || dims[1] != c.NumInstances || dims[2] != Channels ||
		dims[3] != c.PatchSize || dims[4] != c.PatchSize {
		return errors.Errorf("images shaped %v, expected [batch %d %d %d %d]",
			dims, c.NumInstances, Channels, c.PatchSize, c.PatchSize)
	}
	return nil
}

func splitRows(flat []float32, rows, cols int) [][]float32 {
	out := make([][]float32, rows)
	for i := range out {
		out[i] = flat[i*cols : (i+1)*cols]
	}
	return out
}

// compile materializes the parameters as context variables and prepares the
// executor. The caller holds m.mu.
func (m *Model) compile() error {
	if m.backend == nil {
		backend, err := NewBackend("cpu")
		if err != nil {
			return err
		}
		m.backend = backend
	}
	return exceptions.TryCatch[error](func() {
		ctx := mlx_context.New()
		for name, p := range m.params {
			scope, leaf := splitName(name)
			t := tensors.FromFlatDataAndDimensions(append([]float32(nil), p.Data...), p.Dims...)
			ctx.In(scope).VariableWithValue(leaf, t)
		}
		// The graph looks the loaded variables up again by name.
		ctx = ctx.Reuse()
		exec, err := mlx_context.NewExec(m.backend, ctx, func(ctx *mlx_context.Context, inputs []*graph.Node) *graph.Node {
			return m.forwardGraph(ctx, inputs[0])
		})
		if err != nil {
			panic(errors.Wrap(err, "failed to compile model"))
		}
		m.exec = exec
	})
}

// splitName splits "scope.leaf" at the last dot.
func splitName(name string) (scope, leaf string) {
	i := strings.LastIndex(name, ".")
	return name[:i], name[i+1:]
}

func (m *Model) forwardGraph(ctx *mlx_context.Context, images *graph.Node) *graph.Node {
	dims := images.Shape().Dimensions
	batch, n := dims[0], dims[1]

	x := m.extractFeaturesGraph(ctx, images) // [batch*n, F]
	x = m.distributionPoolGraph(x, batch, n) // [batch, F*K]
	for i, l := range m.transformation {
		x = denseGraph(ctx, x, l)
		if i < len(m.transformation)-1 {
			x = activations.Relu(x)
		}
	}
	return graph.Reshape(x, batch*m.Config.NumClasses)
}

// extractFeaturesGraph average pools every patch to a PoolGrid x PoolGrid
// grid, one axis at a time, then applies the dense layers.
func (m *Model) extractFeaturesGraph(ctx *mlx_context.Context, images *graph.Node) *graph.Node {
	g := images.Graph()
	dims := images.Shape().Dimensions
	rows := dims[0] * dims[1] * Channels
	p, grid := m.Config.PatchSize, m.Config.PoolGrid
	pool := graph.Const(g, poolMatrix(p, grid))

	x := graph.Reshape(images, rows*p, p)
	x = graph.Dot(x, pool) // [rows*h, grid_w]
	x = graph.Reshape(x, rows, p, grid)
	x = graph.Transpose(x, 1, 2)
	x = graph.Reshape(x, rows*grid, p)
	x = graph.Dot(x, pool) // [rows*grid_w, grid_h]
	x = graph.Reshape(x, dims[0]*dims[1], Channels*grid*grid)

	x = activations.Relu(denseGraph(ctx, x, m.extractor[0]))
	return graph.Sigmoid(denseGraph(ctx, x, m.extractor[1]))
}

// distributionPoolGraph turns per-instance features into normalized
// per-feature histograms estimated with a Gaussian kernel.
func (m *Model) distributionPoolGraph(features *graph.Node, batch, n int) *graph.Node {
	g := features.Graph()
	f, k := m.Config.NumFeatures, m.Config.NumBins

	x := graph.BroadcastToDims(graph.Reshape(features, batch, n, f, 1), batch, n, f, k)
	bins := graph.BroadcastToDims(graph.Reshape(graph.Const(g, m.bins), 1, 1, 1, k), batch, n, f, k)
	kernel := graph.Mul(graph.Square(graph.Sub(bins, x)), graph.Scalar(g, dtypes.F32, m.beta))
	kernel = graph.Mul(graph.Exp(kernel), graph.Scalar(g, dtypes.F32, m.alfa))

	hist := graph.ReduceSum(kernel, 1) // [batch, f, k]
	norm := graph.ReduceSum(hist, 2)   // [batch, f]
	norm = graph.BroadcastToDims(graph.Reshape(norm, batch, f, 1), batch, f, k)
	return graph.Reshape(graph.Div(hist, norm), batch, f*k)
}

func denseGraph(ctx *mlx_context.Context, x *graph.Node, l layer) *graph.Node {
	g := x.Graph()
	scoped := ctx.In(l.scope)
	w := scoped.VariableWithShape("weight", shapes.Make(dtypes.F32, l.out, l.in)).ValueGraph(g)
	b := scoped.VariableWithShape("bias", shapes.Make(dtypes.F32, l.out)).ValueGraph(g)
	rows := x.Shape().Dimensions[0]
	y := graph.Dot(x, graph.Transpose(w, 0, 1))
	return graph.Add(y, graph.BroadcastToDims(graph.Reshape(b, 1, l.out), rows, l.out))
}

// poolMatrix returns the [size, grid] matrix averaging size positions into
// grid cells. Cell c covers [c*size/grid, (c+1)*size/grid).
func poolMatrix(size, grid int) [][]float32 {
	mat := make([][]float32, size)
	for i := range mat {
		mat[i] = make([]float32, grid)
	}
	for c := 0; c < grid; c++ {
		lo, hi := c*size/grid, (c+1)*size/grid
		for i := lo; i < hi; i++ {
			mat[i][c] = 1 / float32(hi-lo)
		}
	}
	return mat
}
