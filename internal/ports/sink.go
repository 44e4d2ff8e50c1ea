package ports

import "github.com/ghalamif/WaferProbe/internal/domain"

// Sink exports finalized attempts to a downstream store. Writes must be
// idempotent per attempt id because batches are replayed after a crash.
type Sink interface {
	WriteBatch(attempts []*domain.TestAttempt) error
	Name() string
}
