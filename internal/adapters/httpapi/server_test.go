package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/ghalamif/WaferProbe/internal/app/identity"
	"github.com/ghalamif/WaferProbe/internal/app/ledger"
	"github.com/ghalamif/WaferProbe/internal/app/orchestrator"
	"github.com/ghalamif/WaferProbe/internal/domain"
)

var tested = domain.Coordinate{Row: 2, Col: 3}

type stubReader struct{}

func (stubReader) Verdict(c domain.Coordinate, rule domain.AggregationRule) (domain.FinalVerdict, error) {
	if c != tested {
		return domain.FinalVerdict{}, ledger.ErrNoAttempts
	}
	return domain.FinalVerdict{Coordinate: c, Rule: rule, Outcome: domain.OutcomePartial, ChosenAttemptID: "att-1", Attempts: 1}, nil
}

func (r stubReader) Verdicts(rule domain.AggregationRule) ([]domain.FinalVerdict, error) {
	v, _ := r.Verdict(tested, rule)
	return []domain.FinalVerdict{v}, nil
}

func (stubReader) History(c domain.Coordinate) []domain.TestAttempt {
	if c != tested {
		return nil
	}
	return []domain.TestAttempt{{ID: "att-1", Coordinate: c, Outcome: domain.OutcomePartial}}
}

func (stubReader) Coordinates() []domain.Coordinate { return []domain.Coordinate{tested} }

type stubOperator struct {
	modes   []identity.Mode
	busy    bool
	aborted bool
}

func (o *stubOperator) RunNext(ctx context.Context, mode identity.Mode) (domain.TestAttempt, error) {
	o.modes = append(o.modes, mode)
	if o.busy {
		return domain.TestAttempt{}, orchestrator.ErrStationBusy
	}
	if mode.Kind == identity.KindRetest && mode.Coordinate != tested {
		return domain.TestAttempt{}, identity.ErrUnknownCoordinate
	}
	return domain.TestAttempt{ID: "att-2", Coordinate: mode.Coordinate, Outcome: domain.OutcomePass}, nil
}

func (o *stubOperator) Abort() bool {
	was := o.aborted
	o.aborted = true
	return !was
}

func (o *stubOperator) Reset() error { return nil }

func newServer(op *stubOperator) *Server {
	return New(":0", domain.RuleLast, stubReader{}, op, WithGatherer(prometheus.NewRegistry()))
}

func do(t *testing.T, s *Server, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	s.Engine().ServeHTTP(rec, req)
	return rec
}

func TestReadEndpoints(t *testing.T) {
	s := newServer(&stubOperator{})

	if rec := do(t, s, http.MethodGet, "/healthz", ""); rec.Code != http.StatusOK {
		t.Fatalf("healthz: %d", rec.Code)
	}
	if rec := do(t, s, http.MethodGet, "/metrics", ""); rec.Code != http.StatusOK {
		t.Fatalf("metrics: %d", rec.Code)
	}

	rec := do(t, s, http.MethodGet, "/api/v1/verdicts?rule=majority", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("verdicts: %d %s", rec.Code, rec.Body.String())
	}
	var body struct {
		Data []domain.FinalVerdict `json:"data"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(body.Data) != 1 || body.Data[0].Rule != domain.RuleMajority || body.Data[0].Outcome != domain.OutcomePartial {
		t.Fatalf("unexpected verdicts: %+v", body.Data)
	}

	if rec := do(t, s, http.MethodGet, "/api/v1/verdicts/2/3", ""); rec.Code != http.StatusOK {
		t.Fatalf("verdict: %d", rec.Code)
	}
	if rec := do(t, s, http.MethodGet, "/api/v1/verdicts/9/9", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for untested die, got %d", rec.Code)
	}
	if rec := do(t, s, http.MethodGet, "/api/v1/verdicts/2/3?rule=worst", ""); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown rule, got %d", rec.Code)
	}
	if rec := do(t, s, http.MethodGet, "/api/v1/verdicts/x/3", ""); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad coordinate, got %d", rec.Code)
	}
	if rec := do(t, s, http.MethodGet, "/api/v1/history/2/3", ""); rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "att-1") {
		t.Fatalf("history: %d %s", rec.Code, rec.Body.String())
	}
	if rec := do(t, s, http.MethodGet, "/api/v1/coordinates", ""); !strings.Contains(rec.Body.String(), `"count":1`) {
		t.Fatalf("coordinates: %s", rec.Body.String())
	}
}

func TestOperatorEndpoints(t *testing.T) {
	op := &stubOperator{}
	s := newServer(op)

	rec := do(t, s, http.MethodPost, "/api/v1/runs", `{"mode":"goto","row":4,"col":1}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("run: %d %s", rec.Code, rec.Body.String())
	}
	if op.modes[0].Kind != identity.KindGoto || op.modes[0].Coordinate != (domain.Coordinate{Row: 4, Col: 1}) {
		t.Fatalf("unexpected mode: %+v", op.modes[0])
	}

	if rec := do(t, s, http.MethodPost, "/api/v1/runs", `{"mode":"retest","row":8,"col":8}`); rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422 for unknown retest, got %d", rec.Code)
	}
	if rec := do(t, s, http.MethodPost, "/api/v1/runs", `{"mode":"skip"}`); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for skip via runs, got %d", rec.Code)
	}
	if rec := do(t, s, http.MethodPost, "/api/v1/skip", `{"n":2}`); rec.Code != http.StatusOK {
		t.Fatalf("skip: %d", rec.Code)
	}
	if last := op.modes[len(op.modes)-1]; last.Kind != identity.KindSkip || last.N != 2 {
		t.Fatalf("unexpected skip mode: %+v", last)
	}

	if rec := do(t, s, http.MethodPost, "/api/v1/abort", ""); rec.Code != http.StatusAccepted {
		t.Fatalf("abort: %d", rec.Code)
	}
	if rec := do(t, s, http.MethodPost, "/api/v1/abort", ""); rec.Code != http.StatusConflict {
		t.Fatalf("expected conflict when idle, got %d", rec.Code)
	}
	if rec := do(t, s, http.MethodPost, "/api/v1/reset", ""); rec.Code != http.StatusOK {
		t.Fatalf("reset: %d", rec.Code)
	}

	op.busy = true
	if rec := do(t, s, http.MethodPost, "/api/v1/runs", `{"mode":"auto"}`); rec.Code != http.StatusConflict {
		t.Fatalf("expected 409 while busy, got %d", rec.Code)
	}
}
