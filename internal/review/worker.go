package review

import (
	"context"
	"errors"
	"sync"
)

// ErrQueueFull is returned when the processing queue has no room
var ErrQueueFull = errors.New("processing queue is full")

// Job asks for one pipeline run of a document. Attempt is the attempt the
// run belongs to; a run whose attempt is no longer current writes nothing.
type Job struct {
	ID      string
	Attempt int
}

// Worker consumes jobs from a bounded queue with a fixed number of
// goroutines. A job that is already queued or running is not queued again.
type Worker struct {
	jobs    chan Job
	workers int
	handle  func(ctx context.Context, job Job)
	wg      sync.WaitGroup

	mu      sync.Mutex
	pending map[Job]struct{}
}

// NewWorker creates a Worker running handle on up to workers jobs at once
func NewWorker(workers, queueSize int, handle func(ctx context.Context, job Job)) *Worker {
	if workers < 1 {
		workers = 1
	}
	if queueSize < 0 {
		queueSize = 0
	}
	return &Worker{
		jobs:    make(chan Job, queueSize),
		workers: workers,
		handle:  handle,
		pending: make(map[Job]struct{}),
	}
}

// Submit queues job without blocking
func (w *Worker) Submit(job Job) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, ok := w.pending[job]; ok {
		return nil
	}
	select {
	case w.jobs <- job:
		w.pending[job] = struct{}{}
		return nil
	default:
		return ErrQueueFull
	}
}

// Enqueue queues job, waiting for room until ctx is done
func (w *Worker) Enqueue(ctx context.Context, job Job) error {
	if !w.reserve(job) {
		return nil
	}
	select {
	case w.jobs <- job:
		return nil
	case <-ctx.Done():
		w.done(job)
		return ctx.Err()
	}
}

// reserve marks job pending and reports whether it was not already
func (w *Worker) reserve(job Job) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, ok := w.pending[job]; ok {
		return false
	}
	w.pending[job] = struct{}{}
	return true
}

func (w *Worker) done(job Job) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.pending, job)
}

// Pending reports whether job is queued or running
func (w *Worker) Pending(job Job) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	_, ok := w.pending[job]
	return ok
}

// Run consumes jobs until ctx is cancelled, then waits for the jobs already
// started. Jobs still queued stay unprocessed.
func (w *Worker) Run(ctx context.Context) {
	for i := 0; i < w.workers; i++ {
		w.wg.Add(1)
		go w.consume(ctx)
	}
	<-ctx.Done()
	w.wg.Wait()
}

func (w *Worker) consume(ctx context.Context) {
	defer w.wg.Done()
	// A started job runs to completion even during shutdown
	jobCtx := context.WithoutCancel(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case job := <-w.jobs:
			w.handle(jobCtx, job)
			w.done(job)
		}
	}
}
