package queue

import (
	"sync"

	"github.com/ghalamif/WaferProbe/internal/domain"
	"github.com/ghalamif/WaferProbe/internal/ports"
)

// MemQueue is a bounded in-memory queue that preserves FIFO ordering of
// finalized attempts on their way to the export sink.
type MemQueue struct {
	mu   sync.Mutex
	data []ports.QueuedAttempt
	cap  int
}

func NewMemQueue(capacity int) *MemQueue {
	if capacity <= 0 {
		capacity = 1
	}
	return &MemQueue{
		data: make([]ports.QueuedAttempt, 0, capacity),
		cap:  capacity,
	}
}

func (q *MemQueue) Enqueue(id ports.LogEntryID, a *domain.TestAttempt) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.data) >= q.cap {
		return false
	}
	q.data = append(q.data, ports.QueuedAttempt{ID: id, Attempt: a})
	return true
}

func (q *MemQueue) DequeueBatch(max int) []ports.QueuedAttempt {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.data) == 0 {
		return nil
	}
	if max <= 0 || max > len(q.data) {
		max = len(q.data)
	}
	out := make([]ports.QueuedAttempt, max)
	copy(out, q.data[:max])
	q.data = append(q.data[:0], q.data[max:]...)
	return out
}

func (q *MemQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.data)
}

var _ ports.AttemptQueue = (*MemQueue)(nil)
