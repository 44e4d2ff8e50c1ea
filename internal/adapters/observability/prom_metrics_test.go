package observability

import (
	"bytes"
	"errors"
	"log/slog"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/ghalamif/WaferProbe/internal/domain"
	"github.com/ghalamif/WaferProbe/internal/ports"
)

func TestPromObsMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	var buf bytes.Buffer
	obs := NewPromObsWith(reg, slog.New(slog.NewJSONHandler(&buf, nil)))

	obs.IncCounter(MetricExported, 5)
	if got := testutil.ToFloat64(obs.counters[MetricExported]); got != 5 {
		t.Fatalf("expected exported counter 5, got %f", got)
	}

	obs.IncCounter(MetricQueueDropped, 2)
	if got := testutil.ToFloat64(obs.counters[MetricQueueDropped]); got != 2 {
		t.Fatalf("expected queue drop counter 2, got %f", got)
	}

	obs.SetGauge(MetricLogSize, 42)
	if got := testutil.ToFloat64(obs.gauges[MetricLogSize]); got != 42 {
		t.Fatalf("expected log size gauge 42, got %f", got)
	}

	obs.ObserveLatency(MetricSinkLatency, 0.5)
	hCollector := obs.histos[MetricSinkLatency].(prometheus.Collector)
	if samples := testutil.CollectAndCount(hCollector); samples != 1 {
		t.Fatalf("expected latency histogram to record 1 sample, got %d", samples)
	}

	obs.RecordOutcome(domain.OutcomePartial)
	obs.RecordOutcome(domain.OutcomePartial)
	if got := testutil.ToFloat64(obs.outcomes.WithLabelValues("PARTIAL")); got != 2 {
		t.Fatalf("expected 2 PARTIAL outcomes, got %f", got)
	}

	obs.RecordDeadLetter(1, &domain.TestAttempt{ID: "att-1"}, errors.New("sink down"))
	if got := testutil.ToFloat64(obs.counters[MetricDeadLetter]); got != 1 {
		t.Fatalf("expected dead letter counter 1, got %f", got)
	}
	if !strings.Contains(buf.String(), "att-1") {
		t.Fatalf("expected dead letter log line, got %q", buf.String())
	}

	// unknown names are ignored
	obs.IncCounter("missing", 1)
}

func TestPromObsStructuredLogging(t *testing.T) {
	var buf bytes.Buffer
	obs := NewPromObsWith(prometheus.NewRegistry(), slog.New(slog.NewJSONHandler(&buf, nil)))

	obs.LogInfo("attempt finalized", ports.Field{Key: "outcome", Value: "PASS"})
	obs.LogCritical("power-off failed", errors.New("disconnected"))

	out := buf.String()
	if !strings.Contains(out, `"outcome":"PASS"`) {
		t.Fatalf("expected outcome field in log, got %q", out)
	}
	if !strings.Contains(out, `"severity":"critical"`) || !strings.Contains(out, "disconnected") {
		t.Fatalf("expected critical error in log, got %q", out)
	}
}
