package jobs

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"engram/internal/config"
)

func closeRunner(t *testing.T, r *Runner) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, r.Close(ctx))
}

func TestInlineRunsSynchronouslyInOrder(t *testing.T) {
	defer goleak.VerifyNone(t)
	r := New(config.JobsConfig{Backend: BackendInline})
	ctx := context.Background()

	var order []int
	r.Enqueue(ctx, Job{Name: "first", Run: func(context.Context) error {
		order = append(order, 1)
		return nil
	}})
	r.Enqueue(ctx, Job{Name: "failing", Run: func(context.Context) error {
		order = append(order, 2)
		return errors.New("boom")
	}})
	r.Enqueue(ctx, Job{Name: "third", Run: func(context.Context) error {
		order = append(order, 3)
		return nil
	}})

	// The failure was logged, not propagated; later jobs still ran.
	assert.Equal(t, []int{1, 2, 3}, order)
	closeRunner(t, r)
}

func TestGoroutineBackendRunsInBackground(t *testing.T) {
	defer goleak.VerifyNone(t)
	r := New(config.JobsConfig{Backend: BackendGoroutine})

	started := make(chan struct{})
	release := make(chan struct{})
	var done atomic.Bool
	r.Enqueue(context.Background(), Job{Name: "slow", Run: func(context.Context) error {
		close(started)
		<-release
		done.Store(true)
		return nil
	}})

	<-started
	assert.False(t, done.Load(), "Enqueue returned before the job finished")

	close(release)
	closeRunner(t, r)
	assert.True(t, done.Load(), "Close waited for the in-flight job")
}

func TestBackgroundJobDetachedFromCallerCancel(t *testing.T) {
	defer goleak.VerifyNone(t)
	r := New(config.JobsConfig{Backend: BackendGoroutine})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	sawErr := make(chan error, 1)
	r.Enqueue(ctx, Job{Name: "detached", Run: func(jctx context.Context) error {
		sawErr <- jctx.Err()
		return nil
	}})
	closeRunner(t, r)
	assert.NoError(t, <-sawErr, "job context ignores caller cancellation")
}

func TestQueueBackendDrainsOnClose(t *testing.T) {
	defer goleak.VerifyNone(t)
	r := New(config.JobsConfig{Backend: BackendQueue, QueueSize: 32, Workers: 2})

	var count atomic.Int64
	for i := 0; i < 20; i++ {
		r.Enqueue(context.Background(), Job{Name: "queued", Run: func(context.Context) error {
			count.Add(1)
			return nil
		}})
	}

	closeRunner(t, r)
	assert.Equal(t, int64(20), count.Load(), "every queued job ran before Close returned")
}

func TestQueueBackendKeepsWorkingAfterFailure(t *testing.T) {
	defer goleak.VerifyNone(t)
	r := New(config.JobsConfig{Backend: BackendQueue, QueueSize: 8, Workers: 1})
	ctx := context.Background()

	var succeeded atomic.Int64
	r.Enqueue(ctx, Job{Name: "bad", Run: func(context.Context) error {
		return errors.New("provider down")
	}})
	r.Enqueue(ctx, Job{Name: "good", Run: func(context.Context) error {
		succeeded.Add(1)
		return nil
	}})

	closeRunner(t, r)
	assert.Equal(t, int64(1), succeeded.Load())
}

func TestEnqueueAfterCloseIsDropped(t *testing.T) {
	defer goleak.VerifyNone(t)
	r := New(config.JobsConfig{Backend: BackendGoroutine})
	closeRunner(t, r)

	var ran atomic.Bool
	r.Enqueue(context.Background(), Job{Name: "late", Run: func(context.Context) error {
		ran.Store(true)
		return nil
	}})
	assert.False(t, ran.Load())
}

func TestEnqueueParallelRunsConcurrently(t *testing.T) {
	defer goleak.VerifyNone(t)
	r := New(config.JobsConfig{Backend: BackendGoroutine, Workers: 4})

	// Both jobs wait for the other to start: sequential execution would
	// deadlock, so completing at all proves the fan-out is concurrent.
	var rendezvous sync.WaitGroup
	rendezvous.Add(2)
	meet := func(context.Context) error {
		rendezvous.Done()
		rendezvous.Wait()
		return nil
	}

	done := make(chan struct{})
	go func() {
		r.EnqueueParallel(context.Background(),
			Job{Name: "left", Run: meet},
			Job{Name: "right", Run: meet})
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("EnqueueParallel did not run jobs concurrently")
	}
	closeRunner(t, r)
}

func TestEnqueueParallelInlineIsSequential(t *testing.T) {
	defer goleak.VerifyNone(t)
	r := New(config.JobsConfig{Backend: BackendInline})

	var order []string
	appendName := func(name string) Job {
		return Job{Name: name, Run: func(context.Context) error {
			order = append(order, name)
			return nil
		}}
	}
	r.EnqueueParallel(context.Background(),
		appendName("a"), appendName("b"), Job{Name: "nil"}, appendName("c"))

	assert.Equal(t, []string{"a", "b", "c"}, order)
	closeRunner(t, r)
}

func TestEnqueueParallelBoundedByWorkers(t *testing.T) {
	defer goleak.VerifyNone(t)
	r := New(config.JobsConfig{Backend: BackendGoroutine, Workers: 1})

	var inFlight atomic.Int64
	jobs := make([]Job, 4)
	for i := range jobs {
		jobs[i] = Job{Name: "bounded", Run: func(context.Context) error {
			if n := inFlight.Add(1); n > 1 {
				t.Errorf("observed %d concurrent jobs, worker bound is 1", n)
			}
			time.Sleep(5 * time.Millisecond)
			inFlight.Add(-1)
			return nil
		}}
	}
	r.EnqueueParallel(context.Background(), jobs...)
	closeRunner(t, r)
}

func TestBackendName(t *testing.T) {
	r := New(config.JobsConfig{})
	assert.Equal(t, BackendGoroutine, r.Backend())
	closeRunner(t, r)

	q := New(config.JobsConfig{Backend: BackendQueue, QueueSize: 1, Workers: 1})
	assert.Equal(t, BackendQueue, q.Backend())
	closeRunner(t, q)
}
