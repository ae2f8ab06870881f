package inference

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/Noofbiz/tumorPurity/config"
	"github.com/Noofbiz/tumorPurity/datasets"
	"github.com/Noofbiz/tumorPurity/model"
	"github.com/Noofbiz/tumorPurity/predictions"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	patchSize    = 4
	numInstances = 3
	numBags      = 5
)

func writePatch(t *testing.T, path string, c color.RGBA) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	img := image.NewRGBA(image.Rect(0, 0, patchSize*2, patchSize*2))
	for y := 0; y < img.Bounds().Dy(); y++ {
		for x := 0; x < img.Bounds().Dx(); x++ {
			img.SetRGBA(x, y, color.RGBA{R: c.R + uint8(x), G: c.G + uint8(y), B: c.B, A: 255})
		}
	}
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()
	require.NoError(t, png.Encode(f, img))
}

// fixture lays out two patients in fold 4 and returns the dataset options
// and the inference configuration.
func fixture(t *testing.T) (datasets.Options, *config.Config) {
	t.Helper()
	root := t.TempDir()
	cfg := config.Default()
	cfg.InitModelFile = filepath.Join(root, "model_weights__2020_12_04__15_36_52__10.pth")
	cfg.ImageDir = filepath.Join(root, "tumor")
	cfg.NormalImageDir = filepath.Join(root, "normal")
	cfg.DatasetDir = filepath.Join(root, "dataset")
	cfg.TestMetricsDir = filepath.Join(root, "test_metrics")
	cfg.PatchSize = patchSize
	cfg.NumInstances = numInstances
	cfg.NumBagsPerPatient = numBags
	cfg.NumFeatures = 4
	cfg.NumBins = 6
	cfg.BatchSize = 2
	cfg.NumWorkers = 2

	require.NoError(t, os.MkdirAll(cfg.DatasetDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(cfg.DatasetDir, "fold4.csv"),
		[]byte("patient_id,tumor_purity\nTCGA-01,0.65\nTCGA-02,0.4\n"), 0o644))
	for i := 0; i < 4; i++ {
		writePatch(t, filepath.Join(cfg.ImageDir, "TCGA-01", fmt.Sprintf("%d.png", i)), color.RGBA{R: uint8(30 * i), G: 90, B: 10})
	}
	writePatch(t, filepath.Join(cfg.ImageDir, "TCGA-02", "0.png"), color.RGBA{R: 200, G: 10, B: 60})

	folds, err := cfg.FoldList()
	require.NoError(t, err)
	opts := datasets.Options{
		ImageDir:          cfg.ImageDir,
		NormalImageDir:    cfg.NormalImageDir,
		DatasetDir:        cfg.DatasetDir,
		DatasetType:       cfg.DatasetType,
		FoldList:          folds,
		PatchSize:         cfg.PatchSize,
		NumInstances:      cfg.NumInstances,
		NumBagsPerPatient: cfg.NumBagsPerPatient,
		Seed:              cfg.Seed,
		CacheSize:         32,
	}
	return opts, cfg
}

func newModel(t *testing.T, cfg *config.Config) *model.Model {
	t.Helper()
	m, err := model.NewModel(model.Config{
		NumClasses:      cfg.NumClasses,
		NumInstances:    cfg.NumInstances,
		NumFeatures:     cfg.NumFeatures,
		NumBins:         cfg.NumBins,
		Sigma:           cfg.Sigma,
		PatchSize:       cfg.PatchSize,
		PoolGrid:        2,
		ExtractorHidden: 5,
		HiddenSizes:     []int{6, 3},
		Seed:            1,
	})
	require.NoError(t, err)
	return m
}

func run(t *testing.T, opts datasets.Options, cfg *config.Config, predictor Predictor, runnerConfig Config) (Summary, *predictions.Writer, error) {
	t.Helper()
	ds, err := datasets.NewPatientDataset(opts)
	require.NoError(t, err)
	writer := predictions.NewWriter(cfg.TestMetricsDir, cfg.InitModelFile, cfg.DatasetType, cfg.Params(), ds.NumPatients())
	runner, err := NewRunner(ds, predictor, writer, runnerConfig)
	require.NoError(t, err)
	assert.Equal(t, NotStarted, runner.State())
	summary, err := runner.Run(context.Background())
	if err == nil {
		assert.Equal(t, Done, runner.State())
	}
	return summary, writer, err
}

func TestRun(t *testing.T) {
	opts, cfg := fixture(t)
	var progress bytes.Buffer
	summary, writer, err := run(t, opts, cfg, newModel(t, cfg), Config{BatchSize: cfg.BatchSize, NumWorkers: cfg.NumWorkers, Plot: true, Progress: &progress})
	require.NoError(t, err)
	assert.Equal(t, Summary{Patients: 2, Bags: 2 * numBags}, summary)
	assert.Contains(t, progress.String(), "TCGA-01")
	// five bags in batches of two
	assert.Contains(t, progress.String(), "3/3")

	path := writer.Path("TCGA-01")
	assert.Equal(t, filepath.Join(cfg.TestMetricsDir, "2020_12_04__15_36_52__10", "test", "TCGA-01", "bag_predictions_TCGA-01.txt"), path)
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSuffix(string(data), "\n"), "\n")
	require.Len(t, lines, 3+16+numBags)
	assert.Equal(t, "# num_patients: 2", lines[17])
	assert.Equal(t, "# num_instances = 3", lines[7])
	assert.Equal(t, "# bag_id\ttruth\tpred", lines[18])
	for b, line := range lines[19:] {
		fields := strings.Split(line, "\t")
		require.Len(t, fields, 3)
		assert.Equal(t, fmt.Sprintf("TCGA-01_%d", b), fields[0])
		assert.Equal(t, "0.650", fields[1])
		dot := strings.IndexByte(fields[2], '.')
		require.Positive(t, dot)
		assert.Len(t, fields[2][dot+1:], 3)
	}
	_, err = os.Stat(predictions.PlotPath(path))
	assert.NoError(t, err)

	_, err = os.Stat(writer.Path("TCGA-02"))
	assert.NoError(t, err)
}

func TestRunReproducible(t *testing.T) {
	opts, cfg := fixture(t)
	m := newModel(t, cfg)

	_, writer, err := run(t, opts, cfg, m, Config{BatchSize: cfg.BatchSize, NumWorkers: 2})
	require.NoError(t, err)
	first, err := os.ReadFile(writer.Path("TCGA-01"))
	require.NoError(t, err)

	// a rerun with a different worker count rewrites the same bytes
	_, writer, err = run(t, opts, cfg, m, Config{BatchSize: cfg.BatchSize, NumWorkers: 0})
	require.NoError(t, err)
	second, err := os.ReadFile(writer.Path("TCGA-01"))
	require.NoError(t, err)
	assert.Equal(t, string(first), string(second))
}

type constPredictor struct {
	value float32
	extra int
	err   error
	calls int
}

func (p *constPredictor) Predict(images *tensors.Tensor) ([][]float32, error) {
	p.calls++
	if p.err != nil {
		return nil, p.err
	}
	out := make([][]float32, images.Shape().Dimensions[0]+p.extra)
	for i := range out {
		out[i] = []float32{p.value}
	}
	return out, nil
}

func TestRunBatchBoundaries(t *testing.T) {
	opts, cfg := fixture(t)
	predictor := &constPredictor{value: 0.5}
	summary, writer, err := run(t, opts, cfg, predictor, Config{BatchSize: 2, NumWorkers: 1})
	require.NoError(t, err)
	assert.Equal(t, 2*numBags, summary.Bags)
	// five bags in batches of two, for both patients
	assert.Equal(t, 6, predictor.calls)

	data, err := os.ReadFile(writer.Path("TCGA-02"))
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(string(data), "TCGA-02_3\t0.400\t0.500\nTCGA-02_4\t0.400\t0.500\n"))
}

func TestRunErrors(t *testing.T) {
	opts, cfg := fixture(t)
	_, _, err := run(t, opts, cfg, &constPredictor{err: errors.New("device lost")}, Config{BatchSize: 2})
	assert.ErrorContains(t, err, "device lost")

	_, _, err = run(t, opts, cfg, &constPredictor{extra: 1}, Config{BatchSize: 2})
	assert.ErrorContains(t, err, "predictions for")

	// a patient without patches stops the run
	require.NoError(t, os.RemoveAll(filepath.Join(opts.ImageDir, "TCGA-02")))
	summary, _, err := run(t, opts, cfg, &constPredictor{}, Config{BatchSize: 2})
	assert.Error(t, err)
	assert.Equal(t, 1, summary.Patients)
}

func TestRunCancelled(t *testing.T) {
	opts, cfg := fixture(t)
	ds, err := datasets.NewPatientDataset(opts)
	require.NoError(t, err)
	writer := predictions.NewWriter(cfg.TestMetricsDir, cfg.InitModelFile, cfg.DatasetType, cfg.Params(), ds.NumPatients())
	runner, err := NewRunner(ds, &constPredictor{}, writer, Config{BatchSize: 2})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = runner.Run(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	_, err = os.Stat(writer.Path("TCGA-01"))
	assert.True(t, os.IsNotExist(err))
}

func TestNewRunnerInvalid(t *testing.T) {
	opts, _ := fixture(t)
	ds, err := datasets.NewPatientDataset(opts)
	require.NoError(t, err)
	_, err = NewRunner(ds, nil, nil, Config{BatchSize: 1})
	assert.Error(t, err)
	_, err = NewRunner(ds, &constPredictor{}, predictions.NewWriter("", "", "", nil, 0), Config{BatchSize: 0})
	assert.Error(t, err)
}
