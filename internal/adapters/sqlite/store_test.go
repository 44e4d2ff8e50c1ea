package sqlite

import (
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/ghalamif/WaferProbe/internal/domain"
	"github.com/ghalamif/WaferProbe/internal/ports"
)

func openStore(t *testing.T, path string) *Store {
	t.Helper()
	store, err := Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() {
		if err := store.Close(); err != nil {
			t.Fatalf("close: %v", err)
		}
	})
	return store
}

func TestOpenRequiresPath(t *testing.T) {
	if _, err := Open(""); err == nil {
		t.Fatalf("expected error")
	}
}

func TestOpenRunsMigrations(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.db")
	openStore(t, path)

	db, err := sql.Open("sqlite", path)
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	defer db.Close()

	for _, table := range []string{"attempts", "export_watermark", "cursor_state", migrationTable} {
		var name string
		err := db.QueryRow(`SELECT name FROM sqlite_master WHERE type = 'table' AND name = ?`, table).Scan(&name)
		if err != nil {
			t.Fatalf("expected table %s: %v", table, err)
		}
	}
}

func TestAttemptLogRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.db")
	store := openStore(t, path)

	finished := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	a1 := &domain.TestAttempt{ID: "a-1", SiteID: 1, Coordinate: domain.Coordinate{Row: 1, Col: 2}, Outcome: domain.OutcomePass, FinishedAt: finished,
		Stages: []domain.StageResult{{Stage: 1, MaxINL: 0.2, Passed: true}}}
	a2 := &domain.TestAttempt{ID: "a-2", SiteID: 2, Coordinate: domain.Coordinate{Row: 1, Col: 2}, Outcome: domain.OutcomeFail, FinishedAt: finished.Add(time.Minute)}

	id1, err := store.Append(a1)
	if err != nil {
		t.Fatalf("append a1: %v", err)
	}
	id2, err := store.Append(a2)
	if err != nil || id2 <= id1 {
		t.Fatalf("append a2: %v id=%d", err, id2)
	}
	if _, err := store.Append(a1); err == nil {
		t.Fatalf("expected unique violation for duplicate attempt id")
	}

	var got []*domain.TestAttempt
	if err := store.Iterate(0, func(_ ports.LogEntryID, a *domain.TestAttempt) error {
		got = append(got, a)
		return nil
	}); err != nil {
		t.Fatalf("iterate: %v", err)
	}
	if len(got) != 2 || got[0].ID != "a-1" || len(got[0].Stages) != 1 || got[1].Outcome != domain.OutcomeFail {
		t.Fatalf("unexpected replay: %+v", got)
	}

	if err := store.Commit(id1); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if err := store.Commit(0); err != nil {
		t.Fatalf("commit regress: %v", err)
	}
	stats := store.Stats()
	if stats.OldestUnexported != id1+1 || stats.LatestAppended != id2 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
	if stats.SizeBytes <= 0 {
		t.Fatalf("expected database size, got %d", stats.SizeBytes)
	}
}

func TestCursorStoreRoundTrip(t *testing.T) {
	store := openStore(t, filepath.Join(t.TempDir(), "ledger.db"))

	if _, ok, err := store.Load(); err != nil || ok {
		t.Fatalf("expected empty cursor, ok=%v err=%v", ok, err)
	}

	want := ports.CursorState{
		Cursor:     3,
		NextSiteID: 9,
		Allocations: []domain.Assignment{
			{SiteID: 7, Coordinate: domain.Coordinate{Row: 1, Col: 1}},
			{SiteID: 8, Coordinate: domain.Coordinate{Row: 1, Col: 1}, Retest: true},
		},
	}
	if err := store.Save(want); err != nil {
		t.Fatalf("save: %v", err)
	}
	want.Cursor = 4
	if err := store.Save(want); err != nil {
		t.Fatalf("save again: %v", err)
	}

	got, ok, err := store.Load()
	if err != nil || !ok {
		t.Fatalf("load: ok=%v err=%v", ok, err)
	}
	if got.Cursor != 4 || got.NextSiteID != 9 || len(got.Allocations) != 2 || !got.Allocations[1].Retest {
		t.Fatalf("unexpected cursor: %+v", got)
	}
}
