package identity

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/ghalamif/WaferProbe/internal/domain"
	"github.com/ghalamif/WaferProbe/internal/ports"
)

var (
	ErrOutOfRange         = errors.New("coordinate out of range")
	ErrUnknownCoordinate  = errors.New("coordinate has no prior attempt")
	ErrExcludedCoordinate = errors.New("coordinate is excluded from the die map")
	ErrCursorRegression   = errors.New("cursor cannot move backwards")
	ErrInvalidSkip        = errors.New("skip count must be positive")
)

type Kind string

const (
	KindAuto   Kind = "AUTO"
	KindSkip   Kind = "SKIP"
	KindGoto   Kind = "GOTO"
	KindRetest Kind = "RETEST"
)

func ParseKind(s string) (Kind, error) {
	switch k := Kind(strings.ToUpper(strings.TrimSpace(s))); k {
	case KindAuto, KindSkip, KindGoto, KindRetest:
		return k, nil
	default:
		return "", fmt.Errorf("unknown mode %q", s)
	}
}

// Mode is an allocation intent passed to Manager.Next.
type Mode struct {
	Kind       Kind
	N          int
	Coordinate domain.Coordinate
}

func Auto() Mode                      { return Mode{Kind: KindAuto} }
func Skip(n int) Mode                 { return Mode{Kind: KindSkip, N: n} }
func Goto(c domain.Coordinate) Mode   { return Mode{Kind: KindGoto, Coordinate: c} }
func Retest(c domain.Coordinate) Mode { return Mode{Kind: KindRetest, Coordinate: c} }

// HistoryChecker answers whether a coordinate was tested before. The ledger
// implements it.
type HistoryChecker interface {
	HasAttempts(c domain.Coordinate) bool
}

type Option func(*Manager)

func WithStore(s ports.CursorStore) Option {
	return func(m *Manager) { m.store = s }
}

func WithHistory(h HistoryChecker) Option {
	return func(m *Manager) { m.history = h }
}

// WithStartSiteID sets the first SiteID handed out on a fresh cursor.
func WithStartSiteID(id domain.SiteID) Option {
	return func(m *Manager) {
		if id > 0 {
			m.start = id
		}
	}
}

// Manager turns operator intents into (SiteID, Coordinate) pairs. The cursor
// and allocations are persisted before Next returns.
type Manager struct {
	mu      sync.RWMutex
	layout  *Layout
	store   ports.CursorStore
	history HistoryChecker
	start   domain.SiteID

	cursor int
	nextID domain.SiteID
	allocs []domain.Assignment
	bySite map[domain.SiteID]domain.Coordinate
}

func NewManager(layout *Layout, opts ...Option) (*Manager, error) {
	if layout == nil {
		return nil, errors.New("identity: layout is required")
	}
	m := &Manager{
		layout: layout,
		start:  1,
		bySite: make(map[domain.SiteID]domain.Coordinate),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.nextID = m.start

	if m.store == nil {
		return m, nil
	}
	st, ok, err := m.store.Load()
	if err != nil {
		return nil, fmt.Errorf("load cursor: %w", err)
	}
	if !ok {
		return m, nil
	}
	if st.Cursor < 0 || st.Cursor > layout.Len() {
		return nil, fmt.Errorf("persisted cursor %d outside traversal of %d die", st.Cursor, layout.Len())
	}
	m.cursor = st.Cursor
	if st.NextSiteID > m.nextID {
		m.nextID = st.NextSiteID
	}
	for _, a := range st.Allocations {
		m.allocs = append(m.allocs, a)
		m.bySite[a.SiteID] = a.Coordinate
		if a.SiteID >= m.nextID {
			m.nextID = a.SiteID + 1
		}
	}
	return m, nil
}

// Next applies mode. SKIP allocates nothing and returns the zero Assignment.
func (m *Manager) Next(mode Mode) (domain.Assignment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch mode.Kind {
	case KindAuto:
		if m.cursor >= m.layout.Len() {
			return domain.Assignment{}, fmt.Errorf("%w: cursor past last die", ErrOutOfRange)
		}
		return m.allocateLocked(m.layout.order[m.cursor], m.cursor+1, false)

	case KindSkip:
		if mode.N <= 0 {
			return domain.Assignment{}, fmt.Errorf("%w: %d", ErrInvalidSkip, mode.N)
		}
		if m.cursor+mode.N > m.layout.Len() {
			return domain.Assignment{}, fmt.Errorf("%w: skip %d from position %d of %d", ErrOutOfRange, mode.N, m.cursor, m.layout.Len())
		}
		prev := m.cursor
		m.cursor += mode.N
		if err := m.persistLocked(); err != nil {
			m.cursor = prev
			return domain.Assignment{}, err
		}
		return domain.Assignment{}, nil

	case KindGoto:
		c := mode.Coordinate
		if !m.layout.Contains(c) {
			return domain.Assignment{}, fmt.Errorf("%w: %s", ErrOutOfRange, c)
		}
		pos, ok := m.layout.position(c)
		if !ok {
			return domain.Assignment{}, fmt.Errorf("%w: %s", ErrExcludedCoordinate, c)
		}
		if pos < m.cursor {
			return domain.Assignment{}, fmt.Errorf("%w: %s is behind the cursor", ErrCursorRegression, c)
		}
		return m.allocateLocked(c, pos+1, false)

	case KindRetest:
		c := mode.Coordinate
		if !m.layout.Contains(c) {
			return domain.Assignment{}, fmt.Errorf("%w: %s", ErrOutOfRange, c)
		}
		if m.history == nil || !m.history.HasAttempts(c) {
			return domain.Assignment{}, fmt.Errorf("%w: %s", ErrUnknownCoordinate, c)
		}
		return m.allocateLocked(c, m.cursor, true)

	default:
		return domain.Assignment{}, fmt.Errorf("unknown mode %q", mode.Kind)
	}
}

// Reset rewinds the cursor to the first die. Site ids keep increasing.
func (m *Manager) Reset() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	prev := m.cursor
	m.cursor = 0
	if err := m.persistLocked(); err != nil {
		m.cursor = prev
		return err
	}
	return nil
}

// Peek returns the coordinate the next AUTO would allocate.
func (m *Manager) Peek() (domain.Coordinate, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.cursor >= m.layout.Len() {
		return domain.Coordinate{}, false
	}
	return m.layout.order[m.cursor], true
}

func (m *Manager) Lookup(id domain.SiteID) (domain.Coordinate, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.bySite[id]
	return c, ok
}

func (m *Manager) Snapshot() ports.CursorState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.stateLocked()
}

func (m *Manager) Layout() *Layout { return m.layout }

func (m *Manager) allocateLocked(c domain.Coordinate, cursor int, retest bool) (domain.Assignment, error) {
	a := domain.Assignment{SiteID: m.nextID, Coordinate: c, Retest: retest}

	prevCursor, prevNext, prevLen := m.cursor, m.nextID, len(m.allocs)
	m.cursor = cursor
	m.nextID++
	m.allocs = append(m.allocs, a)
	if err := m.persistLocked(); err != nil {
		m.cursor, m.nextID, m.allocs = prevCursor, prevNext, m.allocs[:prevLen]
		return domain.Assignment{}, err
	}
	m.bySite[a.SiteID] = c
	return a, nil
}

func (m *Manager) persistLocked() error {
	if m.store == nil {
		return nil
	}
	if err := m.store.Save(m.stateLocked()); err != nil {
		return fmt.Errorf("persist cursor: %w", err)
	}
	return nil
}

func (m *Manager) stateLocked() ports.CursorState {
	return ports.CursorState{
		Cursor:      m.cursor,
		NextSiteID:  m.nextID,
		Allocations: append([]domain.Assignment(nil), m.allocs...),
	}
}
