package waferprobe

import (
	base "github.com/ghalamif/WaferProbe/pkg/waferprobe"
)

// Re-exported errors for convenience.
var (
	ErrStationBusy        = base.ErrStationBusy
	ErrOutOfRange         = base.ErrOutOfRange
	ErrUnknownCoordinate  = base.ErrUnknownCoordinate
	ErrExcludedCoordinate = base.ErrExcludedCoordinate
	ErrCursorRegression   = base.ErrCursorRegression
	ErrInvalidSkip        = base.ErrInvalidSkip
	ErrNoAttempts         = base.ErrNoAttempts
	ErrDuplicateAttempt   = base.ErrDuplicateAttempt
)

// Type aliases so consumers can import github.com/ghalamif/WaferProbe directly.
type (
	Config            = base.Config
	Policy            = base.Policy
	OPCUAConfig       = base.OPCUAConfig
	SimulatorConfig   = base.SimulatorConfig
	StationConfig     = base.StationConfig
	PowerConfig       = base.PowerConfig
	StageConfig       = base.StageConfig
	WaferConfig       = base.WaferConfig
	LedgerConfig      = base.LedgerConfig
	ExportConfig      = base.ExportConfig
	GatewayConfig     = base.GatewayConfig
	HTTPConfig        = base.HTTPConfig
	Station           = base.Station
	Option            = base.Option
	Mode              = base.Mode
	Coordinate        = base.Coordinate
	SiteID            = base.SiteID
	Assignment        = base.Assignment
	TestAttempt       = base.TestAttempt
	StageResult       = base.StageResult
	FinalVerdict      = base.FinalVerdict
	Outcome           = base.Outcome
	AggregationRule   = base.AggregationRule
	InstrumentGateway = base.InstrumentGateway
	AttemptLog        = base.AttemptLog
	CursorStore       = base.CursorStore
	AttemptQueue      = base.AttemptQueue
	Sink              = base.Sink
	Observability     = base.Observability
	Field             = base.Field
)

// Config helpers.
func LoadConfig(path string) (*Config, error) {
	return base.LoadConfig(path)
}

// Station and options.
func New(cfg *Config, opts ...Option) (*Station, error) {
	return base.New(cfg, opts...)
}

func WithGateway(gw InstrumentGateway) Option { return base.WithGateway(gw) }
func WithAttemptLog(l AttemptLog) Option      { return base.WithAttemptLog(l) }
func WithCursorStore(c CursorStore) Option    { return base.WithCursorStore(c) }
func WithAttemptQueue(q AttemptQueue) Option  { return base.WithAttemptQueue(q) }
func WithSink(s Sink) Option                  { return base.WithSink(s) }
func WithObservability(obs Observability) Option {
	return base.WithObservability(obs)
}

// Allocation modes.
func Auto() Mode               { return base.Auto() }
func Skip(n int) Mode          { return base.Skip(n) }
func Goto(c Coordinate) Mode   { return base.Goto(c) }
func Retest(c Coordinate) Mode { return base.Retest(c) }
