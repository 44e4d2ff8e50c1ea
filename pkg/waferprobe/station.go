package waferprobe

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/ghalamif/WaferProbe/internal/adapters/attemptlog"
	"github.com/ghalamif/WaferProbe/internal/adapters/cursorfile"
	"github.com/ghalamif/WaferProbe/internal/adapters/httpapi"
	"github.com/ghalamif/WaferProbe/internal/adapters/mapview"
	"github.com/ghalamif/WaferProbe/internal/adapters/observability"
	"github.com/ghalamif/WaferProbe/internal/adapters/opcua"
	"github.com/ghalamif/WaferProbe/internal/adapters/queue"
	"github.com/ghalamif/WaferProbe/internal/adapters/simulator"
	"github.com/ghalamif/WaferProbe/internal/adapters/sink"
	"github.com/ghalamif/WaferProbe/internal/adapters/sqlite"
	"github.com/ghalamif/WaferProbe/internal/app/config"
	"github.com/ghalamif/WaferProbe/internal/app/identity"
	"github.com/ghalamif/WaferProbe/internal/app/ledger"
	"github.com/ghalamif/WaferProbe/internal/app/orchestrator"
	"github.com/ghalamif/WaferProbe/internal/app/pipeline"
	"github.com/ghalamif/WaferProbe/internal/domain"
	"github.com/ghalamif/WaferProbe/internal/ports"
)

var (
	// ErrStationBusy is returned when an attempt is already running.
	ErrStationBusy = orchestrator.ErrStationBusy

	ErrOutOfRange         = identity.ErrOutOfRange
	ErrUnknownCoordinate  = identity.ErrUnknownCoordinate
	ErrExcludedCoordinate = identity.ErrExcludedCoordinate
	ErrCursorRegression   = identity.ErrCursorRegression
	ErrInvalidSkip        = identity.ErrInvalidSkip
	ErrNoAttempts         = ledger.ErrNoAttempts
	ErrDuplicateAttempt   = ledger.ErrDuplicateAttempt
)

// Option customizes the dependencies used by Station.
type Option func(*overrides)

type overrides struct {
	gateway       ports.InstrumentGateway
	log           ports.AttemptLog
	cursor        ports.CursorStore
	queue         ports.AttemptQueue
	sink          ports.Sink
	observability ports.Observability
	gatherer      prometheus.Gatherer
	orchestrator  []orchestrator.Option
}

// WithGateway injects an instrument gateway instead of the configured one.
func WithGateway(gw InstrumentGateway) Option {
	return func(o *overrides) { o.gateway = gw }
}

// WithAttemptLog replaces the configured ledger backend.
func WithAttemptLog(l AttemptLog) Option {
	return func(o *overrides) { o.log = l }
}

func WithCursorStore(c CursorStore) Option {
	return func(o *overrides) { o.cursor = c }
}

// WithAttemptQueue swaps the in-memory export queue.
func WithAttemptQueue(q AttemptQueue) Option {
	return func(o *overrides) { o.queue = q }
}

// WithSink exports attempts to s. It takes precedence over export.conn_string.
func WithSink(s Sink) Option {
	return func(o *overrides) { o.sink = s }
}

func WithObservability(obs Observability) Option {
	return func(o *overrides) { o.observability = obs }
}

// WithGatherer serves /metrics from g instead of the default registry.
func WithGatherer(g prometheus.Gatherer) Option {
	return func(o *overrides) { o.gatherer = g }
}

// WithClock sets the time source used to stamp attempts.
func WithClock(now func() time.Time) Option {
	return func(o *overrides) {
		o.orchestrator = append(o.orchestrator, orchestrator.WithClock(now))
	}
}

// Station wires identity, orchestrator, ledger and export around one
// instrument gateway. A station probes one die at a time.
type Station struct {
	cfg      *Config
	obs      ports.Observability
	gw       ports.InstrumentGateway
	log      ports.AttemptLog
	cursor   ports.CursorStore
	layout   *identity.Layout
	ident    *identity.Manager
	ledger   *ledger.Ledger
	orch     *orchestrator.Orchestrator
	queue    ports.AttemptQueue
	exporter *pipeline.Exporter
	server   *httpapi.Server
	db       *sql.DB

	runMu     sync.Mutex
	closeOnce sync.Once
}

// New bootstraps the default adapters (simulator or OPC UA gateway, file or
// SQLite ledger, optional Postgres export, Prometheus observability). Options
// override any of them.
func New(cfg *Config, opts ...Option) (*Station, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}

	var ov overrides
	for _, opt := range opts {
		if opt != nil {
			opt(&ov)
		}
	}

	s := &Station{cfg: cfg, obs: ov.observability}
	if s.obs == nil {
		s.obs = observability.NewPromObs()
	}

	layout, err := identity.NewLayout(cfg.Wafer.Rows, cfg.Wafer.Cols, cfg.Wafer.LayoutGrid, cfg.Wafer.Excluded, cfg.Wafer.Traversal)
	if err != nil {
		return nil, fmt.Errorf("wafer layout: %w", err)
	}
	s.layout = layout

	if err := s.openStorage(ov); err != nil {
		return nil, err
	}

	if err := s.openExport(ov); err != nil {
		s.closeStorage()
		return nil, err
	}

	ledgerOpts := []ledger.Option{ledger.WithObservability(s.obs)}
	if s.exporter != nil {
		ledgerOpts = append(ledgerOpts, ledger.WithAppendHook(s.exporter.Enqueue))
	}
	s.ledger, err = ledger.Open(s.log, ledgerOpts...)
	if err != nil {
		s.closeStorage()
		return nil, fmt.Errorf("open ledger: %w", err)
	}

	s.ident, err = identity.NewManager(layout,
		identity.WithStore(s.cursor),
		identity.WithHistory(s.ledger),
		identity.WithStartSiteID(domain.SiteID(cfg.Wafer.StartSiteID)),
	)
	if err != nil {
		s.closeStorage()
		return nil, fmt.Errorf("site identity: %w", err)
	}

	s.gw = ov.gateway
	if s.gw == nil {
		s.gw, err = newGateway(cfg)
		if err != nil {
			s.closeStorage()
			return nil, err
		}
	}

	orchOpts := append([]orchestrator.Option{orchestrator.WithObservability(s.obs)}, ov.orchestrator...)
	s.orch, err = orchestrator.New(s.gw, config.NewThresholds(cfg), s.ledger, orchestrator.Config{
		Sequence: cfg.Power.Sequence,
		Strategy: cfg.Station.SweepStrategy,
		Points:   cfg.Station.SweepPoints,
		Timeouts: orchestrator.Timeouts{
			PowerOn:  cfg.Station.PowerOnTimeout,
			Stimulus: cfg.Station.StimulusTimeout,
			Measure:  cfg.Station.MeasureTimeout,
			PowerOff: cfg.Station.PowerOffTimeout,
		},
	}, orchOpts...)
	if err != nil {
		s.closeStorage()
		return nil, err
	}

	gatherer := ov.gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	s.server = httpapi.New(cfg.HTTP.Addr, cfg.Rule(), s, s,
		httpapi.WithGatherer(gatherer),
		httpapi.WithObservability(s.obs),
	)
	return s, nil
}

func (s *Station) openStorage(ov overrides) error {
	s.log, s.cursor = ov.log, ov.cursor
	if s.log != nil && s.cursor != nil {
		return nil
	}

	switch s.cfg.Ledger.Backend {
	case "sqlite":
		store, err := sqlite.Open(s.cfg.Ledger.SQLite)
		if err != nil {
			return fmt.Errorf("open sqlite ledger: %w", err)
		}
		if s.log == nil {
			s.log = store
		}
		if s.cursor == nil {
			s.cursor = store
		}
	default:
		if s.log == nil {
			fl, err := attemptlog.NewFileLog(s.cfg.Ledger.Dir)
			if err != nil {
				return fmt.Errorf("open attempt log: %w", err)
			}
			s.log = fl
		}
		if s.cursor == nil {
			s.cursor = cursorfile.New(filepath.Join(s.cfg.Ledger.Dir, "cursor.json"))
		}
	}
	return nil
}

func (s *Station) openExport(ov overrides) error {
	snk := ov.sink
	if snk == nil && s.cfg.Export.ConnString != "" {
		db, err := sql.Open("postgres", s.cfg.Export.ConnString)
		if err != nil {
			return fmt.Errorf("open export db: %w", err)
		}
		pg := sink.NewPostgresSink(db, s.cfg.Export.Table)
		if err := pg.EnsureSchema(); err != nil {
			_ = db.Close()
			return fmt.Errorf("create export table: %w", err)
		}
		s.db = db
		snk = pg
	}
	if snk == nil {
		return nil
	}

	s.queue = ov.queue
	if s.queue == nil {
		s.queue = queue.NewMemQueue(s.cfg.Export.Policy.MaxQueueLen)
	}
	s.exporter = pipeline.NewExporter(s.log, s.queue, snk, s.cfg.Export.Policy, s.obs)
	return nil
}

func newGateway(cfg *Config) (ports.InstrumentGateway, error) {
	switch cfg.Gateway.Kind {
	case "opcua":
		gw, err := opcua.NewGateway(cfg.OPCUA)
		if err != nil {
			return nil, fmt.Errorf("opcua gateway: %w", err)
		}
		return gw, nil
	case "simulator", "":
		return simulator.New(cfg.Simulator), nil
	default:
		return nil, fmt.Errorf("unknown gateway kind %q", cfg.Gateway.Kind)
	}
}

// Connect opens the gateway session when the gateway holds one.
func (s *Station) Connect(ctx context.Context) error {
	if c, ok := s.gw.(ports.Connector); ok {
		if err := c.Connect(ctx); err != nil {
			return fmt.Errorf("connect gateway: %w", err)
		}
		s.obs.LogInfo("gateway_connected")
	}
	return nil
}

// RunNext allocates the next site according to mode and probes it. SKIP only
// moves the cursor and returns a zero attempt.
func (s *Station) RunNext(ctx context.Context, mode Mode) (TestAttempt, error) {
	if mode.Kind == identity.KindSkip {
		_, err := s.ident.Next(mode)
		return TestAttempt{}, err
	}
	// allocation and the attempt form one step so a busy station burns no site id
	if !s.runMu.TryLock() {
		return TestAttempt{}, ErrStationBusy
	}
	defer s.runMu.Unlock()

	asg, err := s.ident.Next(mode)
	if err != nil {
		return TestAttempt{}, err
	}
	return s.orch.RunAttempt(ctx, asg)
}

// Abort cancels the attempt in flight. It reports false when the station is idle.
func (s *Station) Abort() bool { return s.orch.Abort() }

// Reset rewinds the allocation cursor to the first die.
func (s *Station) Reset() error { return s.ident.Reset() }

// Busy reports whether an attempt is running.
func (s *Station) Busy() bool { return s.orch.Busy() }

// Peek returns the die AUTO would allocate next.
func (s *Station) Peek() (Coordinate, bool) { return s.ident.Peek() }

func (s *Station) Verdict(c Coordinate, rule AggregationRule) (FinalVerdict, error) {
	return s.ledger.Verdict(c, rule)
}

func (s *Station) Verdicts(rule AggregationRule) ([]FinalVerdict, error) {
	return s.ledger.Verdicts(rule)
}

func (s *Station) History(c Coordinate) []TestAttempt { return s.ledger.History(c) }

func (s *Station) Coordinates() []Coordinate { return s.ledger.Coordinates() }

// Rule is the configured default aggregation rule.
func (s *Station) Rule() AggregationRule { return s.cfg.Rule() }

// Map renders the wafer map for rule as colored terminal text.
func (s *Station) Map(rule AggregationRule) (string, error) {
	verdicts, err := s.ledger.Verdicts(rule)
	if err != nil {
		return "", err
	}
	return mapview.Render(s.layout, verdicts, rule), nil
}

// Handler exposes the HTTP API without binding a listener.
func (s *Station) Handler() http.Handler { return s.server.Engine() }

// Drain exports every attempt not yet acknowledged by the sink. It is a no-op
// when export is disabled.
func (s *Station) Drain() error {
	if s.exporter == nil {
		return nil
	}
	return s.exporter.Drain()
}

// Run connects the gateway, starts the export loop and serves HTTP until ctx
// is cancelled, then shuts down gracefully.
func (s *Station) Run(ctx context.Context) error {
	if err := s.Connect(ctx); err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	if s.exporter != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = s.exporter.Run(runCtx)
		}()
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.recordResourceGauges(runCtx, time.Second)
	}()

	s.obs.LogInfo("station_started",
		ports.Field{Key: "addr", Value: s.cfg.HTTP.Addr},
		ports.Field{Key: "gateway", Value: s.cfg.Gateway.Kind},
		ports.Field{Key: "ledger", Value: s.cfg.Ledger.Backend})

	serveErr := s.server.Run(runCtx)
	cancel()
	wg.Wait()

	shutdownCtx, stop := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.Station.PowerOffTimeout+5*time.Second)
	defer stop()
	return errors.Join(serveErr, s.Shutdown(shutdownCtx))
}

// Shutdown aborts any attempt in flight, waits for its power-off, flushes
// pending exports and releases the gateway, ledger and database.
func (s *Station) Shutdown(ctx context.Context) error {
	var errs []error
	s.closeOnce.Do(func() {
		if s.orch.Abort() {
			s.obs.LogInfo("station_abort_on_shutdown")
		}
		s.runMu.Lock()
		defer s.runMu.Unlock()

		if err := s.Drain(); err != nil {
			s.obs.LogError("export_drain_failed", err)
		}
		if c, ok := s.gw.(ports.Connector); ok {
			if err := c.Close(ctx); err != nil {
				errs = append(errs, err)
			}
		}
		if err := s.ledger.Close(); err != nil {
			errs = append(errs, err)
		}
		if s.db != nil {
			if err := s.db.Close(); err != nil {
				errs = append(errs, err)
			}
		}
	})
	return errors.Join(errs...)
}

func (s *Station) closeStorage() {
	if s.log != nil {
		_ = s.log.Close()
	}
	if s.db != nil {
		_ = s.db.Close()
	}
}

func (s *Station) recordResourceGauges(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats := s.ledger.Stats()
			s.obs.SetGauge(observability.MetricLogSize, float64(stats.SizeBytes))
			if s.queue != nil {
				s.obs.SetGauge(observability.MetricQueueLength, float64(s.queue.Len()))
			}
		}
	}
}
