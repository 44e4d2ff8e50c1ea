package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/ghalamif/WaferProbe/internal/app/linearity"
	"github.com/ghalamif/WaferProbe/internal/domain"
	"github.com/ghalamif/WaferProbe/internal/ports"
)

// Fault codes recorded on ERROR and ABORTED attempts.
const (
	FaultTimeout       = "timeout"
	FaultDisconnected  = "disconnected"
	FaultMalformed     = "malformed_reading"
	FaultUnconfirmed   = "power_on_unconfirmed"
	FaultConfig        = "config"
	FaultInstrument    = "instrument"
	FaultInternal      = "internal"
	FaultOperatorAbort = "operator_abort"
	FaultCanceled      = "canceled"
)

const powerLimitExceeded = "power limit exceeded"

var (
	errUnconfirmed = errors.New("power-on not confirmed by supply")
	errConfig      = errors.New("threshold configuration")
	errPanic       = errors.New("internal panic")
)

// run is the state of one attempt in flight.
type run struct {
	o      *Orchestrator
	att    *domain.TestAttempt
	limits ports.PowerLimits
	state  domain.State

	// firstFail is the first stage that exceeded its limits, zero while none has.
	firstFail int
}

func (r *run) enter(s domain.State) {
	r.state = s
	r.att.Trace = append(r.att.Trace, s)
}

// execute drives POWER_CHECK and the stage sweep. Any fault stops it; the
// caller always powers off afterwards.
func (r *run) execute(ctx context.Context) {
	defer func() {
		if p := recover(); p != nil {
			r.fault(ctx, fmt.Errorf("%w: %v", errPanic, p))
		}
	}()

	r.enter(domain.StatePowerCheck)
	if r.interrupted(ctx) {
		return
	}
	reading, err := withTimeout(ctx, r.o.cfg.Timeouts.PowerOn, func(c context.Context) (ports.PowerReading, error) {
		return r.o.gw.PowerOn(c, r.o.cfg.Sequence)
	})
	if err != nil {
		r.fault(ctx, err)
		return
	}
	if !reading.Confirmed {
		r.fault(ctx, errUnconfirmed)
		return
	}
	if !finite(reading.Current) {
		r.fault(ctx, fmt.Errorf("%w: supply current %v", ports.ErrMalformedReading, reading.Current))
		return
	}

	pc := domain.PowerCheck{
		CurrentMeasured: reading.Current,
		CurrentMin:      r.limits.CurrentMin,
		CurrentMax:      r.limits.CurrentMax,
	}
	pc.Passed = reading.Current >= r.limits.CurrentMin && reading.Current <= r.limits.CurrentMax
	r.att.PowerCheck = pc
	if !pc.Passed {
		r.att.Outcome = domain.OutcomeFail
		r.att.FailReason = powerLimitExceeded
		return
	}

	n := r.o.thresholds.StageCount()
	for stage := 1; stage <= n; stage++ {
		r.enter(domain.StateStageSweep)
		if r.interrupted(ctx) {
			return
		}
		res, err := r.sweepStage(ctx, stage)
		if err != nil {
			r.fault(ctx, err)
			return
		}
		r.att.Stages = append(r.att.Stages, res)
		if !res.Passed && r.firstFail == 0 {
			r.firstFail = stage
			r.att.FailReason = fmt.Sprintf("stage %d linearity exceeded: max_inl %.3f (limit %.3f), max_dnl %.3f (limit %.3f)",
				stage, res.MaxINL, res.INLThreshold, res.MaxDNL, res.DNLThreshold)
			if r.o.cfg.Strategy == StopOnFail {
				break
			}
		}
	}

	r.grade(n)
}

// grade sets the outcome from the first failing stage of n.
func (r *run) grade(n int) {
	switch r.firstFail {
	case 0:
		r.att.Outcome = domain.OutcomePass
		r.att.PassedStages = n
	case 1:
		r.att.Outcome = domain.OutcomeFail
	default:
		r.att.Outcome = domain.OutcomePartial
		r.att.PassedStages = r.firstFail - 1
	}
}

func (r *run) sweepStage(ctx context.Context, stage int) (domain.StageResult, error) {
	th, err := r.o.thresholds.StageThresholds(stage)
	if err != nil {
		return domain.StageResult{}, fmt.Errorf("%w: %w", errConfig, err)
	}
	stim := linearity.Stimulus(stage, th.GainDB, th.InputAmplitude, r.o.cfg.Points)

	if _, err := withTimeout(ctx, r.o.cfg.Timeouts.Stimulus, func(c context.Context) (struct{}, error) {
		return struct{}{}, r.o.gw.ApplyStimulus(c, stim)
	}); err != nil {
		return domain.StageResult{}, err
	}
	sweep, err := withTimeout(ctx, r.o.cfg.Timeouts.Measure, r.o.gw.Measure)
	if err != nil {
		return domain.StageResult{}, err
	}
	m, err := linearity.Analyze(sweep)
	if err != nil {
		if errors.Is(err, linearity.ErrInsufficientPoints) {
			err = fmt.Errorf("%w: %w", ports.ErrMalformedReading, err)
		}
		return domain.StageResult{}, err
	}

	return domain.StageResult{
		Stage:           stage,
		GainDB:          stim.GainDB,
		InputAmplitude:  stim.InputAmplitude,
		Points:          len(sweep.Outputs),
		MaxINL:          m.MaxINL,
		MaxDNL:          m.MaxDNL,
		INLThreshold:    th.INL,
		DNLThreshold:    th.DNL,
		Gain:            m.Gain,
		Offset:          m.Offset,
		NonlinearityPct: m.NonlinearityPct,
		Passed:          m.MaxINL < th.INL && m.MaxDNL < th.DNL,
	}, nil
}

// interrupted records an abort when ctx is already done.
func (r *run) interrupted(ctx context.Context) bool {
	if ctx.Err() == nil {
		return false
	}
	r.fault(ctx, ctx.Err())
	return true
}

// fault classifies err into ERROR or ABORTED at the current state. Once a
// stage has failed its limits under the continue strategy the FAIL or PARTIAL
// verdict stands and the fault is only appended to the reason.
func (r *run) fault(ctx context.Context, err error) {
	code := classify(ctx, err)
	outcome := domain.OutcomeError
	if code == FaultOperatorAbort || code == FaultCanceled {
		outcome = domain.OutcomeAborted
		if cause := context.Cause(ctx); cause != nil {
			err = cause
		}
	}
	r.att.FaultCode = code
	r.att.FaultState = r.state
	reason := fmt.Sprintf("%s in %s: %v", code, r.state, err)
	if r.firstFail > 0 {
		r.grade(r.o.thresholds.StageCount())
		r.att.FailReason += "; then " + reason
		return
	}
	r.att.Outcome = outcome
	r.att.FailReason = reason
}

func classify(ctx context.Context, err error) string {
	if ctx.Err() != nil {
		if errors.Is(context.Cause(ctx), ErrAborted) {
			return FaultOperatorAbort
		}
		return FaultCanceled
	}
	switch {
	case errors.Is(err, errPanic):
		return FaultInternal
	case errors.Is(err, errConfig):
		return FaultConfig
	case errors.Is(err, errUnconfirmed):
		return FaultUnconfirmed
	case errors.Is(err, ports.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return FaultTimeout
	case errors.Is(err, ports.ErrDisconnected):
		return FaultDisconnected
	case errors.Is(err, ports.ErrMalformedReading):
		return FaultMalformed
	default:
		return FaultInstrument
	}
}

// powerOff runs exactly once per attempt on a context that ignores the
// caller's cancellation.
func (r *run) powerOff(parent context.Context) {
	r.enter(domain.StatePowerOff)
	ctx, cancel := context.WithTimeout(context.WithoutCancel(parent), r.o.cfg.Timeouts.PowerOff)
	defer cancel()

	err := func() (err error) {
		defer func() {
			if p := recover(); p != nil {
				err = fmt.Errorf("%w: %v", errPanic, p)
			}
		}()
		return r.o.gw.PowerOff(ctx, r.o.cfg.Sequence.Reversed())
	}()
	if err != nil {
		r.att.PowerOffConfirmed = false
		r.att.PowerOffError = err.Error()
		r.o.obs.LogCritical("power-off not confirmed", err,
			ports.Field{Key: "attempt", Value: r.att.ID},
			ports.Field{Key: "coordinate", Value: r.att.Coordinate.String()})
		return
	}
	r.att.PowerOffConfirmed = true
}

func (r *run) finalize() domain.TestAttempt {
	r.enter(domain.StateFinalized)
	if r.att.Outcome == "" {
		r.att.Outcome = domain.OutcomeError
		r.att.FaultCode = FaultInternal
		r.att.FailReason = "internal: attempt ended without classification"
	}
	if cleared := scrub(r.att); len(cleared) > 0 {
		r.o.obs.LogError("non-finite values cleared", ports.ErrMalformedReading,
			ports.Field{Key: "attempt", Value: r.att.ID},
			ports.Field{Key: "fields", Value: strings.Join(cleared, ",")})
		reason := fmt.Sprintf("%s in %s: non-finite %s", FaultMalformed, domain.StateFinalized, strings.Join(cleared, ", "))
		switch r.att.Outcome {
		case domain.OutcomeError, domain.OutcomeAborted:
			r.att.FailReason += "; " + reason
		default:
			// a verdict computed from NaN is not a verdict
			r.att.Outcome = domain.OutcomeError
			r.att.PassedStages = 0
			r.att.FaultCode = FaultMalformed
			r.att.FaultState = domain.StateFinalized
			r.att.FailReason = reason
		}
	}
	r.att.FinishedAt = r.o.now()
	if r.att.FinishedAt.Before(r.att.StartedAt) {
		r.att.FinishedAt = r.att.StartedAt
	}

	obs := r.o.obs
	obs.RecordOutcome(r.att.Outcome)
	obs.ObserveLatency("probe_attempt_duration_seconds", r.att.FinishedAt.Sub(r.att.StartedAt).Seconds())
	if r.att.Outcome == domain.OutcomeError {
		obs.IncCounter("probe_instrument_faults_total", 1)
	}
	obs.LogInfo("attempt finalized",
		ports.Field{Key: "attempt", Value: r.att.ID},
		ports.Field{Key: "site_id", Value: uint64(r.att.SiteID)},
		ports.Field{Key: "coordinate", Value: r.att.Coordinate.String()},
		ports.Field{Key: "outcome", Value: string(r.att.Outcome)},
		ports.Field{Key: "passed_stages", Value: r.att.PassedStages})
	return r.att.Clone()
}

// scrub zeroes every NaN or infinite float so the attempt always encodes as
// JSON, and returns the names of the fields it cleared.
func scrub(a *domain.TestAttempt) []string {
	var cleared []string
	fix := func(name string, v *float64) {
		if !finite(*v) {
			*v = 0
			cleared = append(cleared, name)
		}
	}
	fix("current_measured", &a.PowerCheck.CurrentMeasured)
	fix("current_min", &a.PowerCheck.CurrentMin)
	fix("current_max", &a.PowerCheck.CurrentMax)
	for i := range a.Stages {
		st := &a.Stages[i]
		p := fmt.Sprintf("stage%d.", st.Stage)
		fix(p+"gain_db", &st.GainDB)
		fix(p+"input_amplitude", &st.InputAmplitude)
		fix(p+"max_inl", &st.MaxINL)
		fix(p+"max_dnl", &st.MaxDNL)
		fix(p+"inl_threshold", &st.INLThreshold)
		fix(p+"dnl_threshold", &st.DNLThreshold)
		fix(p+"gain", &st.Gain)
		fix(p+"offset", &st.Offset)
		fix(p+"nonlinearity_pct", &st.NonlinearityPct)
	}
	return cleared
}

func finite(v float64) bool { return !math.IsNaN(v) && !math.IsInf(v, 0) }

func withTimeout[T any](ctx context.Context, d time.Duration, fn func(context.Context) (T, error)) (T, error) {
	c, cancel := context.WithTimeout(ctx, d)
	defer cancel()
	return fn(c)
}
