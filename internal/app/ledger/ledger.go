package ledger

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/ghalamif/WaferProbe/internal/adapters/observability"
	"github.com/ghalamif/WaferProbe/internal/domain"
	"github.com/ghalamif/WaferProbe/internal/ports"
)

var (
	ErrDuplicateAttempt = errors.New("duplicate attempt id")
	ErrNoAttempts       = errors.New("no attempts for coordinate")
	ErrUnknownRule      = errors.New("unknown aggregation rule")
)

// AppendHook observes every attempt after it is durable and indexed.
type AppendHook func(id ports.LogEntryID, a *domain.TestAttempt)

type Option func(*Ledger)

func WithAppendHook(h AppendHook) Option {
	return func(l *Ledger) { l.hook = h }
}

func WithObservability(obs ports.Observability) Option {
	return func(l *Ledger) {
		if obs != nil {
			l.obs = obs
		}
	}
}

// Ledger is the append-only record of test attempts and the verdict engine
// over it. Writers are serialized; readers never see a half-indexed attempt.
type Ledger struct {
	writeMu sync.Mutex
	mu      sync.RWMutex

	log     ports.AttemptLog
	hook    AppendHook
	obs     ports.Observability
	ids     map[string]struct{}
	byCoord map[domain.Coordinate][]domain.TestAttempt
	count   int
}

// Open replays log into memory.
func Open(log ports.AttemptLog, opts ...Option) (*Ledger, error) {
	if log == nil {
		return nil, errors.New("ledger: attempt log is required")
	}
	l := &Ledger{
		log:     log,
		obs:     observability.Nop{},
		ids:     make(map[string]struct{}),
		byCoord: make(map[domain.Coordinate][]domain.TestAttempt),
	}
	for _, opt := range opts {
		opt(l)
	}

	err := log.Iterate(0, func(id ports.LogEntryID, a *domain.TestAttempt) error {
		if _, dup := l.ids[a.ID]; dup {
			l.obs.LogError("skipping duplicate attempt in log", ErrDuplicateAttempt,
				ports.Field{Key: "entry", Value: uint64(id)}, ports.Field{Key: "attempt", Value: a.ID})
			return nil
		}
		l.indexLocked(*a)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("replay attempt log: %w", err)
	}
	l.obs.LogInfo("ledger opened", ports.Field{Key: "attempts", Value: l.count}, ports.Field{Key: "coordinates", Value: len(l.byCoord)})
	return l, nil
}

// Append records a finalized attempt. The durable write happens before the
// attempt becomes visible to readers.
func (l *Ledger) Append(a domain.TestAttempt) error {
	if a.ID == "" {
		return errors.New("ledger: attempt id is required")
	}
	l.writeMu.Lock()
	defer l.writeMu.Unlock()

	l.mu.RLock()
	_, dup := l.ids[a.ID]
	l.mu.RUnlock()
	if dup {
		return fmt.Errorf("%w: %s", ErrDuplicateAttempt, a.ID)
	}

	a = a.Clone()
	id, err := l.log.Append(&a)
	if err != nil {
		return fmt.Errorf("append attempt %s: %w", a.ID, err)
	}

	l.mu.Lock()
	l.indexLocked(a)
	l.mu.Unlock()

	l.obs.SetGauge("probe_attempt_log_size_bytes", float64(l.log.Stats().SizeBytes))
	if l.hook != nil {
		cp := a.Clone()
		l.hook(id, &cp)
	}
	return nil
}

// indexLocked inserts a after every attempt with FinishedAt <= a.FinishedAt,
// so equal timestamps keep append order.
func (l *Ledger) indexLocked(a domain.TestAttempt) {
	list := l.byCoord[a.Coordinate]
	i := sort.Search(len(list), func(i int) bool { return list[i].FinishedAt.After(a.FinishedAt) })
	list = append(list, domain.TestAttempt{})
	copy(list[i+1:], list[i:])
	list[i] = a
	l.byCoord[a.Coordinate] = list
	l.ids[a.ID] = struct{}{}
	l.count++
}

func (l *Ledger) Verdict(c domain.Coordinate, rule domain.AggregationRule) (domain.FinalVerdict, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	list := l.byCoord[c]
	if len(list) == 0 {
		return domain.FinalVerdict{}, fmt.Errorf("%w: %s", ErrNoAttempts, c)
	}
	return Aggregate(c, list, rule)
}

// Verdicts returns one verdict per tested coordinate, row-major.
func (l *Ledger) Verdicts(rule domain.AggregationRule) ([]domain.FinalVerdict, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]domain.FinalVerdict, 0, len(l.byCoord))
	for _, c := range l.coordinatesLocked() {
		v, err := Aggregate(c, l.byCoord[c], rule)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

// History returns the attempts for c, oldest first.
func (l *Ledger) History(c domain.Coordinate) []domain.TestAttempt {
	l.mu.RLock()
	defer l.mu.RUnlock()
	list := l.byCoord[c]
	out := make([]domain.TestAttempt, len(list))
	for i, a := range list {
		out[i] = a.Clone()
	}
	return out
}

func (l *Ledger) Coordinates() []domain.Coordinate {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.coordinatesLocked()
}

func (l *Ledger) HasAttempts(c domain.Coordinate) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.byCoord[c]) > 0
}

// Len is the number of recorded attempts.
func (l *Ledger) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.count
}

func (l *Ledger) Stats() ports.LogStats { return l.log.Stats() }

func (l *Ledger) Close() error { return l.log.Close() }

func (l *Ledger) coordinatesLocked() []domain.Coordinate {
	out := make([]domain.Coordinate, 0, len(l.byCoord))
	for c := range l.byCoord {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Less(out[j]) })
	return out
}
