package ports

import "github.com/ghalamif/WaferProbe/internal/domain"

type QueuedAttempt struct {
	ID      LogEntryID
	Attempt *domain.TestAttempt
}

// AttemptQueue buffers finalized attempts waiting for export.
type AttemptQueue interface {
	Enqueue(id LogEntryID, a *domain.TestAttempt) bool
	DequeueBatch(max int) []QueuedAttempt
	Len() int
}
