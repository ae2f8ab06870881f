// Package loader prefetches batches of a dataset with a fixed pool of
// workers while keeping the order of the dataset.
package loader

import (
	"context"
	"iter"
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/atomic"
)

// Dataset is an indexable collection of samples. Item may be called from
// several workers at once.
type Dataset[S any] interface {
	Len() int
	Item(worker, index int) (S, error)
}

// CollateFunc merges the samples of one batch.
type CollateFunc[S, B any] func(samples []S) (B, error)

// WorkerInitFunc is called by every worker once per iteration, before it
// loads its first batch.
type WorkerInitFunc func(worker int) error

// Config holds configuration for DataLoader.
type Config struct {
	// BatchSize is the number of samples per batch. The last batch may be
	// smaller.
	BatchSize int

	// NumWorkers is the number of background workers. Zero loads batches in
	// the goroutine that iterates.
	NumWorkers int

	// PrefetchFactor is the number of batches loaded ahead per worker
	// (default: 2).
	PrefetchFactor int

	WorkerInit WorkerInitFunc
}

// DataLoader yields batches of a dataset in index order.
type DataLoader[S, B any] struct {
	dataset Dataset[S]
	collate CollateFunc[S, B]
	config  Config

	batches *atomic.Int64
	samples *atomic.Int64
}

// New creates a DataLoader over dataset.
func New[S, B any](dataset Dataset[S], collate CollateFunc[S, B], config Config) (*DataLoader[S, B], error) {
	if dataset == nil {
		return nil, errors.New("dataset cannot be nil")
	}
	if collate == nil {
		return nil, errors.New("collate function cannot be nil")
	}
	if config.BatchSize <= 0 {
		return nil, errors.Errorf("batch size must be positive, got %d", config.BatchSize)
	}
	if config.NumWorkers < 0 {
		return nil, errors.Errorf("number of workers must not be negative, got %d", config.NumWorkers)
	}
	if config.PrefetchFactor <= 0 {
		config.PrefetchFactor = 2
	}
	return &DataLoader[S, B]{
		dataset: dataset,
		collate: collate,
		config:  config,
		batches: atomic.NewInt64(0),
		samples: atomic.NewInt64(0),
	}, nil
}

// NumBatches returns the number of batches the next iteration yields.
func (l *DataLoader[S, B]) NumBatches() int {
	n := l.dataset.Len()
	return (n + l.config.BatchSize - 1) / l.config.BatchSize
}

// Stats returns the number of batches and samples loaded so far.
func (l *DataLoader[S, B]) Stats() (batches, samples int64) {
	return l.batches.Load(), l.samples.Load()
}

// Iter yields the batches of the dataset in order. The dataset length is
// read once when iteration starts. Iteration stops at the first error,
// which is yielded with a zero batch; cancelling ctx stops it with the
// context error.
func (l *DataLoader[S, B]) Iter(ctx context.Context) iter.Seq2[B, error] {
	return func(yield func(B, error) bool) {
		n := l.dataset.Len()
		numBatches := (n + l.config.BatchSize - 1) / l.config.BatchSize
		if l.config.NumWorkers == 0 {
			l.iterSequential(ctx, n, numBatches, yield)
		} else {
			l.iterParallel(ctx, n, numBatches, yield)
		}
	}
}

func (l *DataLoader[S, B]) iterSequential(ctx context.Context, n, numBatches int, yield func(B, error) bool) {
	var zero B
	if err := l.initWorker(0); err != nil {
		yield(zero, err)
		return
	}
	for b := 0; b < numBatches; b++ {
		if err := ctx.Err(); err != nil {
			yield(zero, errors.WithStack(err))
			return
		}
		batch, err := l.load(0, b, n)
		if err != nil {
			yield(zero, err)
			return
		}
		if !yield(batch, nil) {
			return
		}
	}
}

type result[B any] struct {
	batch B
	err   error
}

func (l *DataLoader[S, B]) iterParallel(ctx context.Context, n, numBatches int, yield func(B, error) bool) {
	ctx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	defer func() {
		cancel()
		wg.Wait()
	}()

	// every slot receives exactly one result, so workers never block on it
	slots := make([]chan result[B], numBatches)
	for i := range slots {
		slots[i] = make(chan result[B], 1)
	}
	inflight := make(chan struct{}, l.config.NumWorkers*l.config.PrefetchFactor)
	jobs := make(chan int)

	// producer
	go func() {
		defer close(jobs)
		for b := 0; b < numBatches; b++ {
			select {
			case inflight <- struct{}{}:
			case <-ctx.Done():
				return
			}
			select {
			case jobs <- b:
			case <-ctx.Done():
				return
			}
		}
	}()

	// workers
	for w := 0; w < l.config.NumWorkers; w++ {
		worker := w
		wg.Go(func() {
			initErr := l.initWorker(worker)
			for b := range jobs {
				if initErr != nil {
					slots[b] <- result[B]{err: initErr}
					continue
				}
				batch, err := l.load(worker, b, n)
				slots[b] <- result[B]{batch: batch, err: err}
			}
		})
	}

	// consumer: deliver in index order
	var zero B
	for b := 0; b < numBatches; b++ {
		var r result[B]
		select {
		case r = <-slots[b]:
		case <-ctx.Done():
			yield(zero, errors.WithStack(ctx.Err()))
			return
		}
		<-inflight
		if r.err != nil {
			yield(zero, r.err)
			return
		}
		if !yield(r.batch, nil) {
			return
		}
	}
}

func (l *DataLoader[S, B]) initWorker(worker int) error {
	if l.config.WorkerInit == nil {
		return nil
	}
	if err := l.config.WorkerInit(worker); err != nil {
		return errors.Wrapf(err, "failed to initialize worker %d", worker)
	}
	return nil
}

// load reads and collates batch b.
func (l *DataLoader[S, B]) load(worker, b, n int) (B, error) {
	var zero B
	start := b * l.config.BatchSize
	end := min(start+l.config.BatchSize, n)
	samples := make([]S, 0, end-start)
	for i := start; i < end; i++ {
		s, err := l.dataset.Item(worker, i)
		if err != nil {
			return zero, errors.Wrapf(err, "failed to load sample %d", i)
		}
		samples = append(samples, s)
	}
	batch, err := l.collate(samples)
	if err != nil {
		return zero, errors.Wrapf(err, "failed to collate batch %d", b)
	}
	l.batches.Inc()
	l.samples.Add(int64(len(samples)))
	return batch, nil
}
