package sqlite

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/ghalamif/WaferProbe/internal/domain"
	"github.com/ghalamif/WaferProbe/internal/ports"
)

// Store keeps the attempt log, export watermark and identity cursor in one
// SQLite database. It satisfies both ports.AttemptLog and ports.CursorStore.
type Store struct {
	db   *sql.DB
	mu   sync.Mutex
	once sync.Once
}

// Open opens the database at path and applies migrations.
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("storage path is required")
	}
	dsn := filepath.Clean(path) + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(FULL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	db.SetMaxOpenConns(1)
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if err := applyMigrations(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return &Store{db: db}, nil
}

// Close is safe to call from both the ledger and the identity manager.
func (s *Store) Close() error {
	var err error
	s.once.Do(func() { err = s.db.Close() })
	return err
}

func (s *Store) Append(a *domain.TestAttempt) (ports.LogEntryID, error) {
	if a == nil {
		return 0, errors.New("attempt log: nil attempt")
	}
	payload, err := json.Marshal(a)
	if err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	res, err := s.db.Exec(`
INSERT INTO attempts (attempt_id, site_id, die_row, die_col, outcome, finished_at, payload)
VALUES (?, ?, ?, ?, ?, ?, ?)`,
		a.ID,
		int64(a.SiteID),
		a.Coordinate.Row,
		a.Coordinate.Col,
		string(a.Outcome),
		a.FinishedAt.UTC().UnixNano(),
		string(payload),
	)
	if err != nil {
		return 0, fmt.Errorf("append attempt %s: %w", a.ID, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}
	return ports.LogEntryID(id), nil
}

func (s *Store) Iterate(from ports.LogEntryID, fn func(id ports.LogEntryID, a *domain.TestAttempt) error) error {
	type row struct {
		id      ports.LogEntryID
		payload string
	}

	s.mu.Lock()
	rows, err := s.db.Query(`SELECT entry_id, payload FROM attempts WHERE entry_id >= ? ORDER BY entry_id`, int64(from))
	if err != nil {
		s.mu.Unlock()
		return fmt.Errorf("iterate attempts: %w", err)
	}
	var batch []row
	for rows.Next() {
		var (
			r  row
			id int64
		)
		if err := rows.Scan(&id, &r.payload); err != nil {
			_ = rows.Close()
			s.mu.Unlock()
			return err
		}
		r.id = ports.LogEntryID(id)
		batch = append(batch, r)
	}
	err = rows.Err()
	_ = rows.Close()
	s.mu.Unlock()
	if err != nil {
		return err
	}

	for _, r := range batch {
		var a domain.TestAttempt
		if err := json.Unmarshal([]byte(r.payload), &a); err != nil {
			return fmt.Errorf("corrupt attempt entry %d: %w", r.id, err)
		}
		if err := fn(r.id, &a); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) Commit(upto ports.LogEntryID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(`
INSERT INTO export_watermark (id, committed) VALUES (1, ?)
ON CONFLICT (id) DO UPDATE SET committed = MAX(committed, excluded.committed)`, int64(upto))
	return err
}

func (s *Store) Stats() ports.LogStats {
	s.mu.Lock()
	defer s.mu.Unlock()

	var (
		stats     ports.LogStats
		committed int64
		latest    sql.NullInt64
		pages     int64
		pageSize  int64
	)
	_ = s.db.QueryRow(`SELECT committed FROM export_watermark WHERE id = 1`).Scan(&committed)
	_ = s.db.QueryRow(`SELECT MAX(entry_id) FROM attempts`).Scan(&latest)
	_ = s.db.QueryRow(`PRAGMA page_count`).Scan(&pages)
	_ = s.db.QueryRow(`PRAGMA page_size`).Scan(&pageSize)

	stats.OldestUnexported = ports.LogEntryID(committed + 1)
	stats.LatestAppended = ports.LogEntryID(latest.Int64)
	stats.SizeBytes = pages * pageSize
	return stats
}

func (s *Store) Load() (ports.CursorState, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var payload string
	err := s.db.QueryRow(`SELECT payload FROM cursor_state WHERE id = 1`).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return ports.CursorState{}, false, nil
	}
	if err != nil {
		return ports.CursorState{}, false, fmt.Errorf("load cursor: %w", err)
	}
	var st ports.CursorState
	if err := json.Unmarshal([]byte(payload), &st); err != nil {
		return ports.CursorState{}, false, fmt.Errorf("decode cursor: %w", err)
	}
	return st, true, nil
}

func (s *Store) Save(st ports.CursorState) error {
	payload, err := json.Marshal(st)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err = s.db.Exec(`
INSERT INTO cursor_state (id, payload, updated_at) VALUES (1, ?, ?)
ON CONFLICT (id) DO UPDATE SET payload = excluded.payload, updated_at = excluded.updated_at`,
		string(payload), time.Now().UTC().UnixMilli())
	if err != nil {
		return fmt.Errorf("save cursor: %w", err)
	}
	return nil
}

var (
	_ ports.AttemptLog  = (*Store)(nil)
	_ ports.CursorStore = (*Store)(nil)
)
