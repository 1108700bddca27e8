package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
)

// QueueMetrics tracks queue operational counters.
type QueueMetrics struct {
	Active    int64 `json:"active"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Panics    int64 `json:"panics"`
}

// ErrQueueShutdown is returned when work is submitted to a shut-down queue.
var ErrQueueShutdown = errors.New("task queue is shut down")

// Queue drains work through a bounded set of slots. The scheduler runs it
// with a single slot so task executions are strictly serialized; larger
// sizes are valid for callers that want a concurrent drain.
type Queue struct {
	sem    chan struct{}
	wg     sync.WaitGroup
	stats  QueueMetrics
	mu     sync.Mutex
	done   chan struct{}
	closed bool
}

// NewQueue creates a queue with the given number of worker slots.
func NewQueue(size int) *Queue {
	if size <= 0 {
		size = 1
	}
	return &Queue{
		sem:  make(chan struct{}, size),
		done: make(chan struct{}),
	}
}

// Submit enqueues work. It blocks while every slot is busy (backpressure)
// and respects context cancellation while waiting. Returns ErrQueueShutdown
// once Shutdown has begun.
func (q *Queue) Submit(ctx context.Context, fn func(ctx context.Context) error) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrQueueShutdown
	}
	q.mu.Unlock()

	select {
	case q.sem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	case <-q.done:
		return ErrQueueShutdown
	}

	// Re-check closed after acquiring the slot in case Shutdown raced.
	// wg.Add must happen under the lock so Shutdown's Wait cannot miss it.
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		<-q.sem
		return ErrQueueShutdown
	}
	q.wg.Add(1)
	atomic.AddInt64(&q.stats.Active, 1)
	q.mu.Unlock()

	go func() {
		defer func() {
			if r := recover(); r != nil {
				atomic.AddInt64(&q.stats.Panics, 1)
				atomic.AddInt64(&q.stats.Failed, 1)
			}
			atomic.AddInt64(&q.stats.Active, -1)
			<-q.sem
			q.wg.Done()
		}()

		if err := fn(ctx); err != nil {
			atomic.AddInt64(&q.stats.Failed, 1)
		} else {
			atomic.AddInt64(&q.stats.Completed, 1)
		}
	}()

	return nil
}

// Wait blocks until all submitted work completes.
func (q *Queue) Wait() {
	q.wg.Wait()
}

// Shutdown stops the queue: new submissions are rejected and active work
// is allowed to finish.
func (q *Queue) Shutdown() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	close(q.done)
	q.mu.Unlock()

	q.wg.Wait()
}

// Metrics returns a snapshot of the queue counters.
func (q *Queue) Metrics() QueueMetrics {
	return QueueMetrics{
		Active:    atomic.LoadInt64(&q.stats.Active),
		Completed: atomic.LoadInt64(&q.stats.Completed),
		Failed:    atomic.LoadInt64(&q.stats.Failed),
		Panics:    atomic.LoadInt64(&q.stats.Panics),
	}
}
