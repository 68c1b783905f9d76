// Package jobs runs enrichment work on one of three backends: inline
// (synchronous, for tests and CLI one-shots), goroutine (fire-and-forget
// background), or queue (bounded channel drained by a fixed worker pool).
// Background job errors are logged, never propagated to the caller.
package jobs

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"engram/internal/config"
	"engram/internal/logging"
)

// Backend names accepted by New. config.Validate has already rejected
// anything else.
const (
	BackendInline    = "inline"
	BackendGoroutine = "goroutine"
	BackendQueue     = "queue"
)

// Job is one unit of background work. The name only matters for logs.
type Job struct {
	Name string
	Run  func(ctx context.Context) error
}

// Runner dispatches jobs to the configured backend.
type Runner struct {
	backend string
	log     *zap.Logger

	queue chan queued         // queue backend only
	sem   *semaphore.Weighted // bounds EnqueueParallel fan-out

	wg        sync.WaitGroup
	closeOnce sync.Once
	closed    chan struct{}
}

type queued struct {
	ctx context.Context
	job Job
}

// New builds a runner for the configured backend. Queue workers start
// immediately and run until Close.
func New(cfg config.JobsConfig) *Runner {
	backend := cfg.Backend
	if backend == "" {
		backend = BackendGoroutine
	}
	workers := cfg.Workers
	if workers <= 0 {
		workers = 4
	}

	r := &Runner{
		backend: backend,
		log:     logging.Named(logging.ComponentJobs),
		sem:     semaphore.NewWeighted(int64(workers)),
		closed:  make(chan struct{}),
	}

	if backend == BackendQueue {
		size := cfg.QueueSize
		if size <= 0 {
			size = 256
		}
		r.queue = make(chan queued, size)
		for i := 0; i < workers; i++ {
			r.wg.Add(1)
			go r.worker()
		}
	}
	return r
}

// Backend reports which backend the runner was built with.
func (r *Runner) Backend() string { return r.backend }

// Enqueue hands a job to the backend. Inline runs it before returning;
// the other backends return immediately. The job's context is detached
// from the caller's cancellation so a finished request cannot kill
// enrichment still in flight.
func (r *Runner) Enqueue(ctx context.Context, job Job) {
	if job.Run == nil {
		return
	}
	switch r.backend {
	case BackendInline:
		r.execute(ctx, job)
	case BackendQueue:
		select {
		case r.queue <- queued{ctx: context.WithoutCancel(ctx), job: job}:
		case <-r.closed:
			r.log.Warn("job dropped, runner closed", zap.String("job", job.Name))
		}
	default: // goroutine
		select {
		case <-r.closed:
			r.log.Warn("job dropped, runner closed", zap.String("job", job.Name))
			return
		default:
		}
		bg := context.WithoutCancel(ctx)
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			r.execute(bg, job)
		}()
	}
}

// EnqueueParallel runs the jobs and blocks until all have finished. Inline
// runs them sequentially in order; the background backends fan out, bounded
// by the configured worker count. Jobs always run in the caller's goroutine
// tree (never through the queue) so a job may fan out without deadlocking
// the worker pool. Errors are logged per job, as with Enqueue.
func (r *Runner) EnqueueParallel(ctx context.Context, jobs ...Job) {
	if r.backend == BackendInline {
		for _, job := range jobs {
			if job.Run != nil {
				r.execute(ctx, job)
			}
		}
		return
	}

	var wg sync.WaitGroup
	for _, job := range jobs {
		if job.Run == nil {
			continue
		}
		if err := r.sem.Acquire(ctx, 1); err != nil {
			r.log.Warn("job skipped, context done",
				zap.String("job", job.Name), zap.Error(err))
			continue
		}
		wg.Add(1)
		go func(job Job) {
			defer wg.Done()
			defer r.sem.Release(1)
			r.execute(ctx, job)
		}(job)
	}
	wg.Wait()
}

// Close stops accepting work and waits for in-flight jobs to drain, bounded
// by ctx.
func (r *Runner) Close(ctx context.Context) error {
	r.closeOnce.Do(func() { close(r.closed) })

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Runner) worker() {
	defer r.wg.Done()
	for {
		select {
		case q := <-r.queue:
			r.execute(q.ctx, q.job)
		case <-r.closed:
			// Drain whatever was queued before close, then exit.
			for {
				select {
				case q := <-r.queue:
					r.execute(q.ctx, q.job)
				default:
					return
				}
			}
		}
	}
}

func (r *Runner) execute(ctx context.Context, job Job) {
	start := time.Now()
	if err := job.Run(ctx); err != nil {
		r.log.Error("job failed",
			zap.String("job", job.Name),
			zap.Duration("elapsed", time.Since(start)),
			zap.Error(err))
		return
	}
	r.log.Debug("job complete",
		zap.String("job", job.Name),
		zap.Duration("elapsed", time.Since(start)))
}
