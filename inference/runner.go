// Package inference runs a model over every patient of a dataset and writes
// the bag predictions.
package inference

import (
	"context"
	"io"
	"time"

	"github.com/Noofbiz/tumorPurity/datasets"
	"github.com/Noofbiz/tumorPurity/loader"
	"github.com/Noofbiz/tumorPurity/log"
	"github.com/Noofbiz/tumorPurity/predictions"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/pkg/errors"
	"github.com/schollz/progressbar/v3"
	"go.uber.org/zap"
)

// Predictor runs the forward pass on a batch of bags and returns
// [batch][classes] outputs.
type Predictor interface {
	Predict(images *tensors.Tensor) ([][]float32, error)
}

// Sink receives the predictions of every patient.
type Sink interface {
	Begin(patientID string) (string, error)
	Append(patientID string, records []predictions.Record) error
}

// State is the stage of a run.
type State int

const (
	NotStarted State = iota
	PerPatient
	PerBatch
	Done
)

func (s State) String() string {
	switch s {
	case NotStarted:
		return "not started"
	case PerPatient:
		return "per patient"
	case PerBatch:
		return "per batch"
	case Done:
		return "done"
	default:
		return "unknown"
	}
}

// Config holds configuration for Runner.
type Config struct {
	BatchSize  int
	NumWorkers int

	// Plot draws a PNG of the predictions next to every patient file.
	Plot bool

	// Progress receives a progress bar per patient. Nil disables it.
	Progress io.Writer
}

// Summary counts what a run wrote.
type Summary struct {
	Patients int
	Bags     int
}

// Runner drives the per patient inference loop.
type Runner struct {
	dataset datasets.Dataset
	model   Predictor
	sink    Sink
	config  Config
	loader  *loader.DataLoader[datasets.Bag, *datasets.BagBatch]
	state   State
}

// NewRunner creates a runner.
func NewRunner(dataset datasets.Dataset, model Predictor, sink Sink, config Config) (*Runner, error) {
	if dataset == nil || model == nil || sink == nil {
		return nil, errors.New("dataset, model and sink are required")
	}
	dl, err := loader.New[datasets.Bag, *datasets.BagBatch](dataset, dataset.Collate, loader.Config{
		BatchSize:  config.BatchSize,
		NumWorkers: config.NumWorkers,
		WorkerInit: dataset.WorkerInit,
	})
	if err != nil {
		return nil, err
	}
	return &Runner{
		dataset: dataset,
		model:   model,
		sink:    sink,
		config:  config,
		loader:  dl,
		state:   NotStarted,
	}, nil
}

// State returns the current stage.
func (r *Runner) State() State {
	return r.state
}

// Run predicts every bag of every patient. It stops at the first error, or
// between batches once ctx is cancelled.
func (r *Runner) Run(ctx context.Context) (Summary, error) {
	var summary Summary
	numPatients := r.dataset.NumPatients()
	for i := 0; i < numPatients; i++ {
		if err := ctx.Err(); err != nil {
			return summary, errors.WithStack(err)
		}
		r.state = PerPatient
		patient, err := r.dataset.NextPatient()
		if err != nil {
			return summary, errors.Wrapf(err, "failed to advance to patient %d/%d", i+1, numPatients)
		}
		log.Logger().Info("patient",
			zap.Int("index", i+1),
			zap.Int("num_patients", numPatients),
			zap.String("patient_id", patient.ID),
			zap.Int("num_bags", r.dataset.Len()))

		start := time.Now()
		bags, err := r.runPatient(ctx, patient)
		if err != nil {
			return summary, errors.Wrapf(err, "patient %s", patient.ID)
		}
		summary.Patients++
		summary.Bags += bags
		log.Logger().Debug("patient finished",
			zap.String("patient_id", patient.ID),
			zap.Int("bags", bags),
			zap.Duration("elapsed", time.Since(start)))
	}
	r.state = Done
	batches, samples := r.loader.Stats()
	log.Logger().Info("Test finished",
		zap.Int("patients", summary.Patients),
		zap.Int("bags", summary.Bags),
		zap.Int64("loaded_batches", batches),
		zap.Int64("loaded_samples", samples))
	return summary, nil
}

func (r *Runner) runPatient(ctx context.Context, patient *datasets.Patient) (int, error) {
	path, err := r.sink.Begin(patient.ID)
	if err != nil {
		return 0, err
	}
	bar := r.progressBar(patient.ID)
	var plotted []predictions.Record

	bagID := 0
	for batch, err := range r.loader.Iter(ctx) {
		if err != nil {
			return bagID, err
		}
		r.state = PerBatch
		images, _, err := batch.ToGomlxTensors()
		if err != nil {
			return bagID, err
		}
		preds, err := r.model.Predict(images)
		if err != nil {
			return bagID, err
		}
		if len(preds) != batch.BatchSize {
			return bagID, errors.Errorf("model returned %d predictions for %d bags", len(preds), batch.BatchSize)
		}
		records := make([]predictions.Record, batch.BatchSize)
		for b := range records {
			records[b] = predictions.Record{
				PatientID: patient.ID,
				BagID:     bagID,
				Truth:     batch.Truth(b)[0],
				Pred:      preds[b][0],
			}
			bagID++
		}
		if err = r.sink.Append(patient.ID, records); err != nil {
			return bagID, err
		}
		if r.config.Plot {
			plotted = append(plotted, records...)
		}
		if bar != nil {
			_ = bar.Add(1)
		}
	}
	if bar != nil {
		_ = bar.Finish()
	}
	if r.config.Plot && len(plotted) > 0 {
		if err = predictions.Plot(predictions.PlotPath(path), patient.ID, plotted); err != nil {
			return bagID, err
		}
	}
	return bagID, nil
}

func (r *Runner) progressBar(patientID string) *progressbar.ProgressBar {
	if r.config.Progress == nil {
		return nil
	}
	return progressbar.NewOptions(r.loader.NumBatches(),
		progressbar.OptionSetWriter(r.config.Progress),
		progressbar.OptionSetDescription(patientID),
		progressbar.OptionShowCount())
}
