package worker

import "github.com/google/uuid"

// Queue is the bounded channel between the dispatcher/scheduler and the
// worker pool. It carries delivery IDs only; the store stays the source of
// truth, so a dropped or duplicated enqueue is harmless (the claim CAS
// deduplicates, the scheduler sweep recovers).
type Queue struct {
	ch chan uuid.UUID
}

// NewQueue creates a queue holding at most size pending IDs.
func NewQueue(size int) *Queue {
	if size <= 0 {
		size = 256
	}
	return &Queue{ch: make(chan uuid.UUID, size)}
}

// TryEnqueue offers a delivery ID without blocking. Returns false when the
// queue is full.
func (q *Queue) TryEnqueue(id uuid.UUID) bool {
	select {
	case q.ch <- id:
		return true
	default:
		return false
	}
}

// C exposes the receive side for workers.
func (q *Queue) C() <-chan uuid.UUID {
	return q.ch
}

// Len reports the number of queued IDs.
func (q *Queue) Len() int {
	return len(q.ch)
}
