package queue

import (
	"container/heap"
	"context"
	"sync"
	"time"
)

type jobHeap []Job

func (h jobHeap) Len() int { return len(h) }
func (h jobHeap) Less(i, j int) bool {
	if h[i].NotBefore.Equal(h[j].NotBefore) {
		return h[i].ID < h[j].ID
	}
	return h[i].NotBefore.Before(h[j].NotBefore)
}
func (h jobHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *jobHeap) Push(x any)   { *h = append(*h, x.(Job)) }
func (h *jobHeap) Pop() any {
	old := *h
	n := len(old)
	j := old[n-1]
	*h = old[:n-1]
	return j
}

// MemoryQueue is an in-process delayed queue ordered by NotBefore.
type MemoryQueue struct {
	mu     sync.Mutex
	jobs   jobHeap
	wake   chan struct{}
	done   chan struct{}
	once   sync.Once
	closed bool
	now    func() time.Time
}

func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{wake: make(chan struct{}, 1), done: make(chan struct{}), now: time.Now}
}

func (q *MemoryQueue) Enqueue(_ context.Context, job Job) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrClosed
	}
	heap.Push(&q.jobs, job)
	q.mu.Unlock()
	q.signal()
	return nil
}

func (q *MemoryQueue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *MemoryQueue) Dequeue(ctx context.Context) (Job, error) {
	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return Job{}, ErrClosed
		}
		wait := time.Duration(-1)
		if len(q.jobs) > 0 {
			head := q.jobs[0]
			if d := head.NotBefore.Sub(q.now()); d > 0 {
				wait = d
			} else {
				job := heap.Pop(&q.jobs).(Job)
				more := len(q.jobs) > 0
				q.mu.Unlock()
				if more {
					// let another consumer look at the next job
					q.signal()
				}
				return job, nil
			}
		}
		q.mu.Unlock()

		var (
			t     *time.Timer
			timer <-chan time.Time
		)
		if wait >= 0 {
			t = time.NewTimer(wait)
			timer = t.C
		}
		select {
		case <-ctx.Done():
			stopTimer(t)
			return Job{}, ctx.Err()
		case <-q.done:
			stopTimer(t)
			return Job{}, ErrClosed
		case <-q.wake:
			stopTimer(t)
		case <-timer:
		}
	}
}

func (q *MemoryQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.jobs)
}

func (q *MemoryQueue) Close() error {
	q.once.Do(func() {
		q.mu.Lock()
		q.closed = true
		q.mu.Unlock()
		close(q.done)
	})
	return nil
}

func stopTimer(t *time.Timer) {
	if t != nil {
		t.Stop()
	}
}
