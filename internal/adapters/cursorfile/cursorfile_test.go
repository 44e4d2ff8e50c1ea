package cursorfile

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/ghalamif/WaferProbe/internal/domain"
	"github.com/ghalamif/WaferProbe/internal/ports"
)

func TestStoreRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "cursor.json")
	s := New(path)

	if _, ok, err := s.Load(); err != nil || ok {
		t.Fatalf("expected no cursor yet, ok=%v err=%v", ok, err)
	}

	st := ports.CursorState{
		Cursor:      2,
		NextSiteID:  5,
		Allocations: []domain.Assignment{{SiteID: 4, Coordinate: domain.Coordinate{Row: 1, Col: 3}}},
	}
	if err := s.Save(st); err != nil {
		t.Fatalf("save: %v", err)
	}

	got, ok, err := New(path).Load()
	if err != nil || !ok {
		t.Fatalf("load: ok=%v err=%v", ok, err)
	}
	if got.Cursor != 2 || got.NextSiteID != 5 || got.Allocations[0].Coordinate.Col != 3 {
		t.Fatalf("unexpected state: %+v", got)
	}

	entries, _ := os.ReadDir(filepath.Dir(path))
	if len(entries) != 1 {
		t.Fatalf("expected temp files to be cleaned up, found %d entries", len(entries))
	}
}

func TestStoreRejectsCorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cursor.json")
	if err := os.WriteFile(path, []byte("{not json"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, _, err := New(path).Load(); err == nil {
		t.Fatalf("expected decode error")
	}
}
