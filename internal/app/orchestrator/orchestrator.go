package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ghalamif/WaferProbe/internal/adapters/observability"
	"github.com/ghalamif/WaferProbe/internal/domain"
	"github.com/ghalamif/WaferProbe/internal/ports"
)

var (
	ErrStationBusy = errors.New("station busy: an attempt is already in flight")
	// ErrAborted is the cancellation cause set by Abort.
	ErrAborted = errors.New("operator abort")
)

// Sweep strategies.
const (
	StopOnFail = "stop_on_fail"
	Continue   = "continue"
)

// Recorder receives every finalized attempt exactly once.
type Recorder interface {
	Append(a domain.TestAttempt) error
}

type Timeouts struct {
	PowerOn  time.Duration
	Stimulus time.Duration
	Measure  time.Duration
	PowerOff time.Duration
}

type Config struct {
	Sequence ports.PowerSequence
	Timeouts Timeouts
	Strategy string
	Points   int
}

type Option func(*Orchestrator)

func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

func WithIDGenerator(gen func() string) Option {
	return func(o *Orchestrator) { o.newID = gen }
}

func WithObservability(obs ports.Observability) Option {
	return func(o *Orchestrator) {
		if obs != nil {
			o.obs = obs
		}
	}
}

// Orchestrator runs one TestAttempt at a time against the gateway. It holds
// an exclusive lease on the gateway from power-on until the attempt is
// recorded.
type Orchestrator struct {
	gw         ports.InstrumentGateway
	thresholds ports.ThresholdProvider
	recorder   Recorder
	cfg        Config
	obs        ports.Observability
	now        func() time.Time
	newID      func() string

	lease  chan struct{}
	mu     sync.Mutex
	cancel context.CancelCauseFunc
}

func New(gw ports.InstrumentGateway, thresholds ports.ThresholdProvider, recorder Recorder, cfg Config, opts ...Option) (*Orchestrator, error) {
	if gw == nil || thresholds == nil || recorder == nil {
		return nil, errors.New("orchestrator: gateway, thresholds and recorder are required")
	}
	if len(cfg.Sequence) == 0 {
		return nil, errors.New("orchestrator: power sequence is empty")
	}
	if cfg.Strategy == "" {
		cfg.Strategy = StopOnFail
	}
	if cfg.Strategy != StopOnFail && cfg.Strategy != Continue {
		return nil, fmt.Errorf("orchestrator: unknown sweep strategy %q", cfg.Strategy)
	}
	setDefault(&cfg.Timeouts.PowerOn, 10*time.Second)
	setDefault(&cfg.Timeouts.Stimulus, 5*time.Second)
	setDefault(&cfg.Timeouts.Measure, 30*time.Second)
	setDefault(&cfg.Timeouts.PowerOff, 10*time.Second)

	o := &Orchestrator{
		gw:         gw,
		thresholds: thresholds,
		recorder:   recorder,
		cfg:        cfg,
		obs:        observability.Nop{},
		now:        time.Now,
		newID:      uuid.NewString,
		lease:      make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o, nil
}

// RunAttempt executes one attempt for asg and hands it to the recorder.
// Instrument trouble is reported inside the attempt; the error is reserved
// for a busy station, unusable limits, or a failed record.
func (o *Orchestrator) RunAttempt(ctx context.Context, asg domain.Assignment) (domain.TestAttempt, error) {
	select {
	case o.lease <- struct{}{}:
	default:
		return domain.TestAttempt{}, ErrStationBusy
	}
	defer func() { <-o.lease }()

	limits, err := o.thresholds.Limits()
	if err != nil {
		return domain.TestAttempt{}, fmt.Errorf("load power limits: %w", err)
	}

	runCtx, cancel := context.WithCancelCause(ctx)
	o.mu.Lock()
	o.cancel = cancel
	o.mu.Unlock()
	defer func() {
		o.mu.Lock()
		o.cancel = nil
		o.mu.Unlock()
		cancel(nil)
	}()

	r := &run{
		o:      o,
		limits: limits,
		att: &domain.TestAttempt{
			ID:         o.newID(),
			SiteID:     asg.SiteID,
			Coordinate: asg.Coordinate,
			Retest:     asg.Retest,
			StartedAt:  o.now(),
			Stages:     []domain.StageResult{},
		},
	}
	r.enter(domain.StateInit)
	r.execute(runCtx)
	r.powerOff(ctx)
	att := r.finalize()

	if err := o.recorder.Append(att.Clone()); err != nil {
		o.obs.LogCritical("attempt not recorded", err,
			ports.Field{Key: "attempt", Value: att.ID},
			ports.Field{Key: "coordinate", Value: att.Coordinate.String()})
		return att, fmt.Errorf("record attempt %s: %w", att.ID, err)
	}
	return att, nil
}

// Abort cancels the attempt in flight. It reports false when the station is
// idle.
func (o *Orchestrator) Abort() bool {
	o.mu.Lock()
	cancel := o.cancel
	o.mu.Unlock()
	if cancel == nil {
		return false
	}
	cancel(ErrAborted)
	return true
}

// Busy reports whether an attempt holds the lease.
func (o *Orchestrator) Busy() bool {
	return len(o.lease) > 0
}

func setDefault(d *time.Duration, v time.Duration) {
	if *d <= 0 {
		*d = v
	}
}
