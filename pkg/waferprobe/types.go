package waferprobe

import (
	"github.com/ghalamif/WaferProbe/internal/app/identity"
	"github.com/ghalamif/WaferProbe/internal/domain"
	"github.com/ghalamif/WaferProbe/internal/ports"
)

type (
	Coordinate      = domain.Coordinate
	SiteID          = domain.SiteID
	Assignment      = domain.Assignment
	TestAttempt     = domain.TestAttempt
	StageResult     = domain.StageResult
	FinalVerdict    = domain.FinalVerdict
	Outcome         = domain.Outcome
	AggregationRule = domain.AggregationRule
)

// Mode selects how the next site is allocated (AUTO, SKIP, GOTO, RETEST).
type Mode = identity.Mode

// InstrumentGateway is exclusive access to the prober's instruments.
type InstrumentGateway = ports.InstrumentGateway

// AttemptLog is the durable record behind the ledger.
type AttemptLog = ports.AttemptLog

// CursorStore persists the site allocation cursor.
type CursorStore = ports.CursorStore

// AttemptQueue buffers attempts waiting for export.
type AttemptQueue = ports.AttemptQueue

// Sink receives exported attempts. Writes must be idempotent per attempt id.
type Sink = ports.Sink

// Observability emits logs and metrics for the station.
type Observability = ports.Observability

type Field = ports.Field

var (
	Auto   = identity.Auto
	Skip   = identity.Skip
	Goto   = identity.Goto
	Retest = identity.Retest
)
