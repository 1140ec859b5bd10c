package service

import (
	"context"
	"fmt"
	"runtime"

	"golang.org/x/sync/errgroup"
)

// Job is one unit of work for the WorkerPool. Jobs sharing a Key run one after another in
// submission order; jobs with different keys run in parallel.
type Job struct {
	Key string
	Run func(ctx context.Context) error
}

// WorkerPool runs batches of jobs with bounded parallelism.
type WorkerPool struct {
	workers int
	logger  Logger
}

// NewWorkerPool creates a pool running at most workers keys at once. A non-positive
// count uses one worker per CPU.
func NewWorkerPool(workers int, logger Logger) *WorkerPool {
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	return &WorkerPool{workers: workers, logger: logger}
}

func (wp *WorkerPool) Workers() int {
	return wp.workers
}

// Execute runs jobs and returns their errors in job order. It returns once every job has
// finished or been skipped because ctx was cancelled.
func (wp *WorkerPool) Execute(ctx context.Context, jobs []Job) []error {
	errs := make([]error, len(jobs))

	// group job indexes by key, keeping first-seen key order
	var keys []string
	byKey := make(map[string][]int)
	for i, job := range jobs {
		if _, ok := byKey[job.Key]; !ok {
			keys = append(keys, job.Key)
		}
		byKey[job.Key] = append(byKey[job.Key], i)
	}

	var eg errgroup.Group
	eg.SetLimit(wp.workers)
	for _, key := range keys {
		indexes := byKey[key]
		eg.Go(func() error {
			for _, i := range indexes {
				if err := ctx.Err(); err != nil {
					errs[i] = err
					continue
				}
				errs[i] = wp.run(ctx, jobs[i])
			}
			return nil
		})
	}
	_ = eg.Wait()
	return errs
}

func (wp *WorkerPool) run(ctx context.Context, job Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			wp.logger.Errorf("Job %s panicked: %v", job.Key, r)
			err = fmt.Errorf("job %s panicked: %v", job.Key, r)
		}
	}()
	if err = job.Run(ctx); err != nil {
		wp.logger.Debugf("Job %s failed: %v", job.Key, err)
	}
	return err
}
