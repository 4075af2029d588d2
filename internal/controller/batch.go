package controller

import (
	"context"

	"golang.org/x/sync/errgroup"
)

// Job is one scenario of a batch.
type Job struct {
	Name       string
	Controller *Controller
}

type BatchResult struct {
	Name   string
	Result *Result
	Err    error
}

type BatchOptions struct {
	Workers int
	// Scope optionally derives a per-scenario context, e.g. to cancel a
	// single scenario from outside.
	Scope func(ctx context.Context, name string) (context.Context, context.CancelFunc)
}

// RunBatch runs independent scenarios concurrently, at most opts.Workers at
// a time. Each scenario owns its iteration state; a failing scenario does not
// stop the others. Results keep the order of jobs.
func RunBatch(ctx context.Context, jobs []Job, opts BatchOptions) []BatchResult {
	results := make([]BatchResult, len(jobs))

	var g errgroup.Group
	if opts.Workers > 0 {
		g.SetLimit(opts.Workers)
	}

	for i, job := range jobs {
		i, job := i, job
		g.Go(func() error {
			runCtx, cancel := ctx, context.CancelFunc(func() {})
			if opts.Scope != nil {
				runCtx, cancel = opts.Scope(ctx, job.Name)
			}
			defer cancel()

			res, err := job.Controller.Run(runCtx)
			results[i] = BatchResult{Name: job.Name, Result: res, Err: err}
			return nil
		})
	}
	_ = g.Wait()

	return results
}
