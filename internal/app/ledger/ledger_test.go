package ledger

import (
	"errors"
	"fmt"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/ghalamif/WaferProbe/internal/domain"
	"github.com/ghalamif/WaferProbe/internal/ports"
)

type memLog struct {
	mu      sync.Mutex
	entries []domain.TestAttempt
	failErr error
}

func (m *memLog) Append(a *domain.TestAttempt) (ports.LogEntryID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failErr != nil {
		return 0, m.failErr
	}
	m.entries = append(m.entries, a.Clone())
	return ports.LogEntryID(len(m.entries)), nil
}

func (m *memLog) Iterate(from ports.LogEntryID, fn func(ports.LogEntryID, *domain.TestAttempt) error) error {
	m.mu.Lock()
	entries := append([]domain.TestAttempt(nil), m.entries...)
	m.mu.Unlock()
	for i := range entries {
		id := ports.LogEntryID(i + 1)
		if id < from {
			continue
		}
		if err := fn(id, &entries[i]); err != nil {
			return err
		}
	}
	return nil
}

func (m *memLog) Commit(ports.LogEntryID) error { return nil }
func (m *memLog) Stats() ports.LogStats         { return ports.LogStats{} }
func (m *memLog) Close() error                  { return nil }

var (
	die  = domain.Coordinate{Row: 4, Col: 7}
	base = time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)
)

func attempt(id string, outcome domain.Outcome, minute int) domain.TestAttempt {
	return domain.TestAttempt{
		ID:         id,
		Coordinate: die,
		Outcome:    outcome,
		StartedAt:  base.Add(time.Duration(minute)*time.Minute - time.Second),
		FinishedAt: base.Add(time.Duration(minute) * time.Minute),
	}
}

func openLedger(t *testing.T, opts ...Option) (*Ledger, *memLog) {
	t.Helper()
	log := &memLog{}
	l, err := Open(log, opts...)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	return l, log
}

func mustAppend(t *testing.T, l *Ledger, attempts ...domain.TestAttempt) {
	t.Helper()
	for _, a := range attempts {
		if err := l.Append(a); err != nil {
			t.Fatalf("append %s: %v", a.ID, err)
		}
	}
}

func TestVerdictRules(t *testing.T) {
	cases := []struct {
		name     string
		attempts []domain.TestAttempt
		rule     domain.AggregationRule
		want     domain.Outcome
		chosen   string
	}{
		{
			name:     "last picks latest finished",
			attempts: []domain.TestAttempt{attempt("a", domain.OutcomePass, 1), attempt("b", domain.OutcomeFail, 3), attempt("c", domain.OutcomePartial, 2)},
			rule:     domain.RuleLast,
			want:     domain.OutcomeFail,
			chosen:   "b",
		},
		{
			name:     "best ranks pass above partial",
			attempts: []domain.TestAttempt{attempt("a", domain.OutcomePartial, 1), attempt("b", domain.OutcomePass, 2), attempt("c", domain.OutcomeError, 3)},
			rule:     domain.RuleBest,
			want:     domain.OutcomePass,
			chosen:   "b",
		},
		{
			name:     "best tie goes to latest",
			attempts: []domain.TestAttempt{attempt("a", domain.OutcomeFail, 1), attempt("b", domain.OutcomeFail, 2)},
			rule:     domain.RuleBest,
			want:     domain.OutcomeFail,
			chosen:   "b",
		},
		{
			name:     "majority pass pass fail",
			attempts: []domain.TestAttempt{attempt("a", domain.OutcomePass, 1), attempt("b", domain.OutcomePass, 2), attempt("c", domain.OutcomeFail, 3)},
			rule:     domain.RuleMajority,
			want:     domain.OutcomePass,
			chosen:   "b",
		},
		{
			name:     "majority tie broken by rank",
			attempts: []domain.TestAttempt{attempt("a", domain.OutcomeFail, 1), attempt("b", domain.OutcomePartial, 2)},
			rule:     domain.RuleMajority,
			want:     domain.OutcomePartial,
			chosen:   "b",
		},
		{
			name:     "majority literal count beats rank",
			attempts: []domain.TestAttempt{attempt("a", domain.OutcomeFail, 1), attempt("b", domain.OutcomeFail, 2), attempt("c", domain.OutcomePass, 3)},
			rule:     domain.RuleMajority,
			want:     domain.OutcomeFail,
			chosen:   "b",
		},
		{
			name:     "majority ignores errors",
			attempts: []domain.TestAttempt{attempt("a", domain.OutcomeError, 1), attempt("b", domain.OutcomeError, 2), attempt("c", domain.OutcomePartial, 3)},
			rule:     domain.RuleMajority,
			want:     domain.OutcomePartial,
			chosen:   "c",
		},
		{
			name:     "majority with only errors reports latest",
			attempts: []domain.TestAttempt{attempt("a", domain.OutcomeAborted, 1), attempt("b", domain.OutcomeError, 2)},
			rule:     domain.RuleMajority,
			want:     domain.OutcomeError,
			chosen:   "b",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			l, _ := openLedger(t)
			mustAppend(t, l, tc.attempts...)

			v, err := l.Verdict(die, tc.rule)
			if err != nil {
				t.Fatalf("verdict: %v", err)
			}
			if v.Outcome != tc.want || v.ChosenAttemptID != tc.chosen {
				t.Fatalf("expected %s via %s, got %s via %s", tc.want, tc.chosen, v.Outcome, v.ChosenAttemptID)
			}
			if v.Attempts != len(tc.attempts) || v.Rule != tc.rule {
				t.Fatalf("unexpected verdict metadata: %+v", v)
			}
		})
	}
}

func TestVerdictIsIdempotent(t *testing.T) {
	l, _ := openLedger(t)
	mustAppend(t, l, attempt("a", domain.OutcomePass, 1), attempt("b", domain.OutcomeFail, 2))

	v1, err := l.Verdict(die, domain.RuleMajority)
	if err != nil {
		t.Fatalf("verdict: %v", err)
	}
	v2, _ := l.Verdict(die, domain.RuleMajority)
	if !reflect.DeepEqual(v1, v2) {
		t.Fatalf("verdict not stable: %+v vs %+v", v1, v2)
	}
	if !v1.ComputedAt.Equal(base.Add(2 * time.Minute)) {
		t.Fatalf("computed_at should be latest finished_at, got %s", v1.ComputedAt)
	}
}

func TestAppendRejectsDuplicates(t *testing.T) {
	l, log := openLedger(t)
	mustAppend(t, l, attempt("a", domain.OutcomeAborted, 1))

	if err := l.Append(attempt("a", domain.OutcomePass, 2)); !errors.Is(err, ErrDuplicateAttempt) {
		t.Fatalf("expected duplicate error, got %v", err)
	}
	if len(log.entries) != 1 {
		t.Fatalf("duplicate reached the log")
	}
}

func TestAppendFailureIsNotIndexed(t *testing.T) {
	l, log := openLedger(t)
	log.failErr = errors.New("disk full")
	if err := l.Append(attempt("a", domain.OutcomePass, 1)); err == nil {
		t.Fatalf("expected log error")
	}
	if l.HasAttempts(die) {
		t.Fatalf("attempt indexed without durable write")
	}
}

func TestHistoryOrderAndReplay(t *testing.T) {
	var hooked []string
	l, log := openLedger(t, WithAppendHook(func(_ ports.LogEntryID, a *domain.TestAttempt) {
		hooked = append(hooked, a.ID)
	}))

	tie := attempt("tie", domain.OutcomePass, 2)
	mustAppend(t, l, attempt("late", domain.OutcomeFail, 5), attempt("early", domain.OutcomePass, 1), attempt("mid", domain.OutcomeError, 2), tie)

	ids := func(list []domain.TestAttempt) []string {
		out := make([]string, len(list))
		for i, a := range list {
			out[i] = a.ID
		}
		return out
	}
	want := []string{"early", "mid", "tie", "late"}
	if got := ids(l.History(die)); !reflect.DeepEqual(got, want) {
		t.Fatalf("expected history %v, got %v", want, got)
	}
	if len(hooked) != 4 {
		t.Fatalf("expected hook per append, got %v", hooked)
	}

	reopened, err := Open(log)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if got := ids(reopened.History(die)); !reflect.DeepEqual(got, want) {
		t.Fatalf("replayed history %v, want %v", got, want)
	}
	v1, _ := l.Verdict(die, domain.RuleBest)
	v2, _ := reopened.Verdict(die, domain.RuleBest)
	if !reflect.DeepEqual(v1, v2) {
		t.Fatalf("replayed verdict differs: %+v vs %+v", v1, v2)
	}
}

func TestCoordinatesAndErrors(t *testing.T) {
	l, _ := openLedger(t)
	other := attempt("x", domain.OutcomePass, 1)
	other.Coordinate = domain.Coordinate{Row: 1, Col: 9}
	mustAppend(t, l, attempt("a", domain.OutcomePass, 1), other)

	coords := l.Coordinates()
	if len(coords) != 2 || coords[0] != other.Coordinate {
		t.Fatalf("expected row-major coordinates, got %v", coords)
	}
	if _, err := l.Verdict(domain.Coordinate{Row: 9, Col: 9}, domain.RuleLast); !errors.Is(err, ErrNoAttempts) {
		t.Fatalf("expected no attempts, got %v", err)
	}
	if _, err := l.Verdict(die, "WORST"); !errors.Is(err, ErrUnknownRule) {
		t.Fatalf("expected unknown rule, got %v", err)
	}
	all, err := l.Verdicts(domain.RuleLast)
	if err != nil || len(all) != 2 {
		t.Fatalf("verdicts: %v %v", all, err)
	}
	if l.Len() != 2 {
		t.Fatalf("expected 2 attempts, got %d", l.Len())
	}
}

func TestConcurrentReadersDuringAppend(t *testing.T) {
	l, _ := openLedger(t)
	var wg sync.WaitGroup
	stop := make(chan struct{})
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				for _, a := range l.History(die) {
					if a.ID == "" {
						t.Errorf("observed partial attempt")
						return
					}
				}
				_, _ = l.Verdict(die, domain.RuleMajority)
			}
		}()
	}
	for i := 0; i < 200; i++ {
		a := attempt(fmt.Sprintf("att-%d", i), domain.OutcomePass, i)
		mustAppend(t, l, a)
	}
	close(stop)
	wg.Wait()
	if l.Len() != 200 {
		t.Fatalf("expected 200 attempts, got %d", l.Len())
	}
}
