package observability

import (
	"log/slog"
	"os"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/ghalamif/WaferProbe/internal/domain"
	"github.com/ghalamif/WaferProbe/internal/ports"
)

// Metric names shared by the station, ledger and export pipeline.
const (
	MetricExported        = "probe_export_written_total"
	MetricDeadLetter      = "probe_export_dead_letter_total"
	MetricQueueDropped    = "probe_export_dropped_total"
	MetricLogSize         = "probe_attempt_log_size_bytes"
	MetricQueueLength     = "probe_export_queue_length"
	MetricSinkLatency     = "probe_export_sink_latency_seconds"
	MetricAttemptDuration = "probe_attempt_duration_seconds"
	MetricInstrumentFault = "probe_instrument_faults_total"
)

type PromObs struct {
	log      *slog.Logger
	counters map[string]prometheus.Counter
	gauges   map[string]prometheus.Gauge
	histos   map[string]prometheus.Observer
	outcomes *prometheus.CounterVec
}

// NewPromObs registers on the default registry and logs JSON to stderr.
func NewPromObs() *PromObs {
	return NewPromObsWith(prometheus.DefaultRegisterer, slog.New(slog.NewJSONHandler(os.Stderr, nil)))
}

func NewPromObsWith(reg prometheus.Registerer, logger *slog.Logger) *PromObs {
	if logger == nil {
		logger = slog.Default()
	}
	exported := prometheus.NewCounter(prometheus.CounterOpts{
		Name: MetricExported,
		Help: "Attempts successfully written to the export sink.",
	})
	dlq := prometheus.NewCounter(prometheus.CounterOpts{
		Name: MetricDeadLetter,
		Help: "Attempts the export sink rejected.",
	})
	queueDrops := prometheus.NewCounter(prometheus.CounterOpts{
		Name: MetricQueueDropped,
		Help: "Attempts not queued for export due to backpressure policies.",
	})
	faults := prometheus.NewCounter(prometheus.CounterOpts{
		Name: MetricInstrumentFault,
		Help: "Attempts that ended in ERROR because of an instrument fault.",
	})
	logGauge := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: MetricLogSize,
		Help: "Size of the durable attempt log on disk.",
	})
	queueGauge := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: MetricQueueLength,
		Help: "Attempts buffered in the export queue.",
	})
	sinkLatency := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    MetricSinkLatency,
		Help:    "Latency of one export batch write.",
		Buckets: prometheus.ExponentialBuckets(0.001, 2, 12),
	})
	attemptDuration := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    MetricAttemptDuration,
		Help:    "Wall time of one test attempt from power-on to finalization.",
		Buckets: prometheus.ExponentialBuckets(0.1, 2, 10),
	})
	outcomes := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "probe_attempts_total",
		Help: "Finalized test attempts by outcome.",
	}, []string{"outcome"})

	reg.MustRegister(exported, dlq, queueDrops, faults, logGauge, queueGauge, sinkLatency, attemptDuration, outcomes)

	return &PromObs{
		log: logger,
		counters: map[string]prometheus.Counter{
			MetricExported:        exported,
			MetricDeadLetter:      dlq,
			MetricQueueDropped:    queueDrops,
			MetricInstrumentFault: faults,
		},
		gauges: map[string]prometheus.Gauge{
			MetricLogSize:     logGauge,
			MetricQueueLength: queueGauge,
		},
		histos: map[string]prometheus.Observer{
			MetricSinkLatency:     sinkLatency,
			MetricAttemptDuration: attemptDuration,
		},
		outcomes: outcomes,
	}
}

func (p *PromObs) LogInfo(msg string, fields ...ports.Field) {
	p.log.Info(msg, attrs(fields)...)
}

func (p *PromObs) LogError(msg string, err error, fields ...ports.Field) {
	p.log.Error(msg, append(attrs(fields), "err", err)...)
}

func (p *PromObs) LogCritical(msg string, err error, fields ...ports.Field) {
	p.log.Error(msg, append(attrs(fields), "err", err, "severity", "critical")...)
}

func (p *PromObs) IncCounter(name string, v float64) {
	if c, ok := p.counters[name]; ok {
		c.Add(v)
	}
}

func (p *PromObs) ObserveLatency(name string, seconds float64) {
	if h, ok := p.histos[name]; ok {
		h.Observe(seconds)
	}
}

func (p *PromObs) SetGauge(name string, v float64) {
	if g, ok := p.gauges[name]; ok {
		g.Set(v)
	}
}

func (p *PromObs) RecordOutcome(o domain.Outcome) {
	p.outcomes.WithLabelValues(string(o)).Inc()
}

func (p *PromObs) RecordDeadLetter(id ports.LogEntryID, a *domain.TestAttempt, err error) {
	p.IncCounter(MetricDeadLetter, 1)
	fields := []any{"entry", uint64(id), "err", err}
	if a != nil {
		fields = append(fields, "attempt", a.ID, "coordinate", a.Coordinate.String())
	}
	p.log.Warn("attempt dead-lettered", fields...)
}

func attrs(fields []ports.Field) []any {
	out := make([]any, 0, len(fields)*2)
	for _, f := range fields {
		out = append(out, f.Key, f.Value)
	}
	return out
}

var _ ports.Observability = (*PromObs)(nil)
