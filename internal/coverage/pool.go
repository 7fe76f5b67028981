package coverage

import (
	"context"
	"log/slog"
	"sync"
)

// BatchResult is the outcome for one network of a batch.
type BatchResult struct {
	Network string
	Report  Report
	Err     error
}

// batchJob is a unit of work for the pool.
type batchJob struct {
	index int
	name  string
}

// Pool solves many networks on a fixed number of goroutines.
type Pool struct {
	svc     *Service
	workers int
	logger  *slog.Logger
}

// NewPool creates a pool sized by the service's Workers setting.
func NewPool(svc *Service, logger *slog.Logger) *Pool {
	return &Pool{
		svc:     svc,
		workers: svc.Config().Workers,
		logger:  logger,
	}
}

// Workers returns the pool size.
func (p *Pool) Workers() int {
	return p.workers
}

// SolveBatch solves every named network. Results are returned in input
// order; a failed network carries its error in-line. Networks not started
// before ctx is done report ctx.Err().
func (p *Pool) SolveBatch(ctx context.Context, names []string) []BatchResult {
	out := make([]BatchResult, len(names))
	if len(names) == 0 {
		return out
	}
	for i, name := range names {
		out[i].Network = name
	}

	workers := min(p.workers, len(names))
	jobs := make(chan batchJob, workers*2)

	// Start workers. Each writes only its own job's slot.
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for job := range jobs {
				if err := ctx.Err(); err != nil {
					out[job.index].Err = err
					continue
				}
				rep, err := p.svc.SolveNetwork(ctx, job.name)
				out[job.index] = BatchResult{Network: job.name, Report: rep, Err: err}
			}
		}()
	}

	// Feed jobs. Unsent jobs keep their cancellation error.
	func() {
		defer close(jobs)
		for i, name := range names {
			select {
			case jobs <- batchJob{index: i, name: name}:
			case <-ctx.Done():
				for j := i; j < len(names); j++ {
					out[j].Err = ctx.Err()
				}
				return
			}
		}
	}()

	wg.Wait()

	var failed int
	for _, r := range out {
		if r.Err != nil {
			failed++
		}
	}
	if failed > 0 {
		p.logger.Warn("batch solve had failures", "networks", len(names), "failed", failed)
	}
	return out
}
