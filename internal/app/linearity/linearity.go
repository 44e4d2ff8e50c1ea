// Package linearity derives INL/DNL metrics from a DC transfer sweep and the
// sweep parameters used to drive each gain stage.
package linearity

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"github.com/ghalamif/WaferProbe/internal/ports"
)

const (
	// TargetOutputAmplitude is the output swing each stage is scaled to.
	TargetOutputAmplitude = 0.25
	// InputSafetyLimit clamps the stimulus amplitude in volts.
	InputSafetyLimit = 0.5
	DefaultPoints    = 101
)

var ErrInsufficientPoints = errors.New("linearity: at least two points required")

// Metrics summarises one sweep. INL and DNL are expressed in ideal LSB.
type Metrics struct {
	Gain            float64
	Offset          float64
	LSB             float64
	INL             []float64
	DNL             []float64
	MaxINL          float64
	MaxDNL          float64
	NonlinearityPct float64
}

// Analyze fits y = gain*x + offset and reports the deviation from that line.
func Analyze(sw ports.Sweep) (Metrics, error) {
	x, y := sw.Inputs, sw.Outputs
	if len(x) != len(y) {
		return Metrics{}, fmt.Errorf("%w: %d inputs vs %d outputs", ports.ErrMalformedReading, len(x), len(y))
	}
	if len(x) < 2 {
		return Metrics{}, ErrInsufficientPoints
	}
	for i := range y {
		if !finite(y[i]) || !finite(x[i]) {
			return Metrics{}, fmt.Errorf("%w: non-finite sample at %d", ports.ErrMalformedReading, i)
		}
	}

	if floats.Max(x) == floats.Min(x) {
		return Metrics{}, fmt.Errorf("%w: all %d inputs equal %g", ports.ErrMalformedReading, len(x), x[0])
	}

	offset, gain := stat.LinearRegression(x, y, nil, false)

	var stepSum float64
	for i := 1; i < len(x); i++ {
		stepSum += x[i] - x[i-1]
	}
	lsb := stepSum / float64(len(x)-1) * gain
	if !finite(gain) || !finite(offset) || !finite(lsb) {
		return Metrics{}, fmt.Errorf("%w: fit diverged (gain %g, offset %g)", ports.ErrMalformedReading, gain, offset)
	}
	// a flat output still yields metrics, so the stage fails on DNL
	if lsb == 0 {
		lsb = 1e-9
	}

	inl := make([]float64, len(y))
	dnl := make([]float64, len(y))
	var maxDev float64
	for i := range y {
		resid := y[i] - (gain*x[i] + offset)
		inl[i] = resid / lsb
		if d := math.Abs(resid); d > maxDev {
			maxDev = d
		}
		if i > 0 {
			dnl[i] = (y[i]-y[i-1])/lsb - 1
		}
	}

	var nl float64
	if fsr := floats.Max(y) - floats.Min(y); fsr > 0 {
		nl = maxDev / fsr * 100
	}

	return Metrics{
		Gain:            gain,
		Offset:          offset,
		LSB:             lsb,
		INL:             inl,
		DNL:             dnl,
		MaxINL:          maxAbs(inl),
		MaxDNL:          maxAbs(dnl),
		NonlinearityPct: nl,
	}, nil
}

// InputAmplitude returns the stimulus amplitude that drives a stage with the
// given gain to TargetOutputAmplitude, clamped to InputSafetyLimit.
func InputAmplitude(gainDB float64) float64 {
	amp := TargetOutputAmplitude / math.Pow(10, gainDB/20)
	if amp > InputSafetyLimit {
		amp = InputSafetyLimit
	}
	return amp
}

// Stimulus builds a symmetric sweep around zero. A non-positive amplitude is
// derived from the gain; points below two fall back to DefaultPoints.
func Stimulus(stage int, gainDB, amplitude float64, points int) ports.StageStimulus {
	if amplitude <= 0 {
		amplitude = InputAmplitude(gainDB)
	}
	if amplitude > InputSafetyLimit {
		amplitude = InputSafetyLimit
	}
	if points < 2 {
		points = DefaultPoints
	}
	return ports.StageStimulus{
		Stage:          stage,
		GainDB:         gainDB,
		InputAmplitude: amplitude,
		Start:          -amplitude,
		Step:           2 * amplitude / float64(points-1),
		Points:         points,
	}
}

func finite(v float64) bool { return !math.IsNaN(v) && !math.IsInf(v, 0) }

func maxAbs(v []float64) float64 {
	var m float64
	for _, x := range v {
		if a := math.Abs(x); a > m {
			m = a
		}
	}
	return m
}
