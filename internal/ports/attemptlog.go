package ports

import "github.com/ghalamif/WaferProbe/internal/domain"

type LogEntryID uint64

// AttemptLog is the durable, append-only record of every TestAttempt. Commit
// moves the export watermark only; entries are never removed.
type AttemptLog interface {
	Append(a *domain.TestAttempt) (LogEntryID, error)
	Iterate(from LogEntryID, fn func(id LogEntryID, a *domain.TestAttempt) error) error
	Commit(upto LogEntryID) error
	Stats() LogStats
	Close() error
}

type LogStats struct {
	OldestUnexported LogEntryID
	LatestAppended   LogEntryID
	SizeBytes        int64
}
