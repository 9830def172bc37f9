package pipeline

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"

	"github.com/MeKo-Tech/detpost/internal/detector"
)

// ParallelConfig holds settings for ForwardBatches.
type ParallelConfig struct {
	MaxWorkers       int              // Number of parallel workers (0 = runtime.NumCPU())
	ProgressCallback ProgressCallback // Optional progress reporting
}

type batchJob struct {
	index int
	batch detector.Batch
}

type batchResult struct {
	index  int
	result detector.Result
	err    error
}

// ForwardBatches runs Forward on independent batches with a worker pool and
// returns the results in input order. A failed batch leaves a zero Result in
// its slot; the first failure by index is returned after all batches ran.
func (p *Pipeline) ForwardBatches(ctx context.Context, mode detector.Mode, batches []detector.Batch) ([]detector.Result, error) {
	if p == nil || p.extractor == nil {
		return nil, ErrNotInitialized
	}
	if len(batches) == 0 {
		return nil, errors.New("no batches provided")
	}

	cfg := p.parallel
	if cfg.MaxWorkers <= 0 {
		cfg.MaxWorkers = runtime.NumCPU()
	}
	cfg.MaxWorkers = min(cfg.MaxWorkers, len(batches))
	progress := cfg.ProgressCallback
	if progress == nil {
		progress = NoOpProgressCallback{}
	}

	progress.OnStart(len(batches))
	defer progress.OnComplete()

	jobs := make(chan batchJob)
	results := make(chan batchResult, len(batches))

	var wg sync.WaitGroup
	for range cfg.MaxWorkers {
		wg.Add(1)
		go p.worker(ctx, mode, jobs, results, &wg)
	}

	go func() {
		defer close(jobs)
		for i, b := range batches {
			select {
			case jobs <- batchJob{index: i, batch: b}:
			case <-ctx.Done():
				return
			}
		}
	}()

	go func() {
		wg.Wait()
		close(results)
	}()

	ordered := make([]detector.Result, len(batches))
	errs := make([]error, len(batches))
	done := 0
	for r := range results {
		ordered[r.index] = r.result
		errs[r.index] = r.err
		if r.err != nil {
			progress.OnError(r.index, r.err)
		}
		done++
		progress.OnProgress(done, len(batches))
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	for i, err := range errs {
		if err != nil {
			return ordered, fmt.Errorf("batch %d: %w", i, err)
		}
	}
	return ordered, nil
}

func (p *Pipeline) worker(ctx context.Context, mode detector.Mode, jobs <-chan batchJob,
	results chan<- batchResult, wg *sync.WaitGroup,
) {
	defer wg.Done()
	for job := range jobs {
		res, err := p.Forward(ctx, mode, job.batch)
		results <- batchResult{index: job.index, result: res, err: err}
	}
}
