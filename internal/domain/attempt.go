package domain

import "time"

// Outcome classifies a finalized TestAttempt.
type Outcome string

const (
	OutcomePass    Outcome = "PASS"
	OutcomePartial Outcome = "PARTIAL"
	OutcomeFail    Outcome = "FAIL"
	OutcomeError   Outcome = "ERROR"
	OutcomeAborted Outcome = "ABORTED"
)

// Rank orders outcomes PASS > PARTIAL > FAIL > ERROR > ABORTED. Unknown
// outcomes rank lowest.
func (o Outcome) Rank() int {
	switch o {
	case OutcomePass:
		return 5
	case OutcomePartial:
		return 4
	case OutcomeFail:
		return 3
	case OutcomeError:
		return 2
	case OutcomeAborted:
		return 1
	default:
		return 0
	}
}

// Classified reports whether the outcome is a measurement verdict rather than
// an error or abort.
func (o Outcome) Classified() bool {
	return o == OutcomePass || o == OutcomePartial || o == OutcomeFail
}

// State is a step of the orchestrator state machine.
type State string

const (
	StateInit       State = "INIT"
	StatePowerCheck State = "POWER_CHECK"
	StateStageSweep State = "STAGE_SWEEP"
	StatePowerOff   State = "POWER_OFF"
	StateFinalized  State = "FINALIZED"
)

// PowerCheck records the post power-on current check.
type PowerCheck struct {
	CurrentMeasured float64 `json:"current_measured"`
	CurrentMin      float64 `json:"current_min"`
	CurrentMax      float64 `json:"current_max"`
	Passed          bool    `json:"passed"`
}

// StageResult is produced once per executed stage. Thresholds are stored next
// to the measurement because they may differ per stage.
type StageResult struct {
	Stage           int     `json:"stage"`
	GainDB          float64 `json:"gain_db"`
	InputAmplitude  float64 `json:"input_amplitude"`
	Points          int     `json:"points"`
	MaxINL          float64 `json:"max_inl"`
	MaxDNL          float64 `json:"max_dnl"`
	INLThreshold    float64 `json:"inl_threshold"`
	DNLThreshold    float64 `json:"dnl_threshold"`
	Gain            float64 `json:"gain"`
	Offset          float64 `json:"offset"`
	NonlinearityPct float64 `json:"nonlinearity_pct"`
	Passed          bool    `json:"passed"`
}

// TestAttempt is one complete orchestrator run for one site. It is mutated
// only while in flight and appended to the ledger exactly once.
type TestAttempt struct {
	ID         string     `json:"attempt_id"`
	SiteID     SiteID     `json:"site_id"`
	Coordinate Coordinate `json:"coordinate"`
	Retest     bool       `json:"retest,omitempty"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt time.Time  `json:"finished_at"`

	PowerCheck   PowerCheck    `json:"power_check"`
	Stages       []StageResult `json:"stages"`
	PassedStages int           `json:"passed_stages"`

	Outcome    Outcome `json:"outcome"`
	FailReason string  `json:"fail_reason,omitempty"`
	FaultCode  string  `json:"fault_code,omitempty"`
	FaultState State   `json:"fault_state,omitempty"`

	PowerOffConfirmed bool   `json:"power_off_confirmed"`
	PowerOffError     string `json:"power_off_error,omitempty"`

	Trace []State `json:"trace"`
}

// Clone returns a deep copy so callers cannot mutate ledger-owned slices.
func (a TestAttempt) Clone() TestAttempt {
	out := a
	if a.Stages != nil {
		out.Stages = append([]StageResult(nil), a.Stages...)
	}
	if a.Trace != nil {
		out.Trace = append([]State(nil), a.Trace...)
	}
	return out
}
