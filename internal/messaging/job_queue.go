package messaging

import (
	"context"
	"sync"

	"skinscan-backend/internal/core/types"
)

// JobQueue is a FIFO of pending prediction jobs shared between request
// handlers (producers) and the prediction worker (consumer).
type JobQueue interface {
	Enqueue(ctx context.Context, job types.Job) error

	// Dequeue blocks until a job is available or ctx is done.
	Dequeue(ctx context.Context) (types.Job, error)

	// TryDequeue returns immediately; ok is false if the queue was empty.
	TryDequeue(ctx context.Context) (job types.Job, ok bool, err error)

	Len(ctx context.Context) (int, error)
}

type MemoryJobQueue struct {
	mu    sync.Mutex
	jobs  []types.Job
	ready chan struct{}
}

var _ JobQueue = (*MemoryJobQueue)(nil)

func NewMemoryJobQueue() *MemoryJobQueue {
	return &MemoryJobQueue{ready: make(chan struct{}, 1)}
}

func (q *MemoryJobQueue) notify() {
	select {
	case q.ready <- struct{}{}:
	default:
	}
}

func (q *MemoryJobQueue) Enqueue(ctx context.Context, job types.Job) error {
	q.mu.Lock()
	q.jobs = append(q.jobs, job)
	q.mu.Unlock()

	q.notify()
	return nil
}

func (q *MemoryJobQueue) pop() (types.Job, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.jobs) == 0 {
		return types.Job{}, false
	}
	job := q.jobs[0]
	q.jobs[0] = types.Job{}
	q.jobs = q.jobs[1:]
	if len(q.jobs) > 0 {
		q.notify()
	}
	return job, true
}

func (q *MemoryJobQueue) Dequeue(ctx context.Context) (types.Job, error) {
	for {
		if job, ok := q.pop(); ok {
			return job, nil
		}
		select {
		case <-q.ready:
		case <-ctx.Done():
			return types.Job{}, ctx.Err()
		}
	}
}

func (q *MemoryJobQueue) TryDequeue(ctx context.Context) (types.Job, bool, error) {
	job, ok := q.pop()
	return job, ok, nil
}

func (q *MemoryJobQueue) Len(ctx context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.jobs), nil
}
