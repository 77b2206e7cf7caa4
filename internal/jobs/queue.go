package jobs

import (
	"context"
	"sync"
	"time"
)

// Queue hands job ids from the API to workers. Dequeue blocks up to
// timeout and returns "" when nothing arrived.
type Queue interface {
	Enqueue(ctx context.Context, jobID string) error
	Dequeue(ctx context.Context, timeout time.Duration) (string, error)
	Len(ctx context.Context) (int, error)
	Close() error
}

// MemoryQueue is a bounded in-process Queue.
type MemoryQueue struct {
	ch        chan string
	closeOnce sync.Once
	done      chan struct{}
}

func NewMemoryQueue(size int) *MemoryQueue {
	if size <= 0 {
		size = 100
	}
	return &MemoryQueue{ch: make(chan string, size), done: make(chan struct{})}
}

// Enqueue never blocks; a full queue returns ErrQueueFull.
func (q *MemoryQueue) Enqueue(_ context.Context, jobID string) error {
	select {
	case <-q.done:
		return ErrQueueClosed
	default:
	}
	select {
	case q.ch <- jobID:
		return nil
	default:
		return ErrQueueFull
	}
}

func (q *MemoryQueue) Dequeue(ctx context.Context, timeout time.Duration) (string, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case id := <-q.ch:
		return id, nil
	case <-timer.C:
		return "", nil
	case <-q.done:
		return "", ErrQueueClosed
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (q *MemoryQueue) Len(context.Context) (int, error) { return len(q.ch), nil }

func (q *MemoryQueue) Close() error {
	q.closeOnce.Do(func() { close(q.done) })
	return nil
}
