package ports

import (
	"context"
	"errors"
)

// Instrument faults. Gateways wrap transport errors with these so the
// orchestrator can classify them; a failing reading is not a fault.
var (
	ErrTimeout          = errors.New("instrument timeout")
	ErrDisconnected     = errors.New("instrument disconnected")
	ErrMalformedReading = errors.New("malformed instrument reading")
)

// PowerStep is one supply channel of the power-on sequence.
type PowerStep struct {
	Instrument string  `yaml:"instrument" json:"instrument"`
	Channel    int     `yaml:"channel" json:"channel"`
	Voltage    float64 `yaml:"voltage" json:"voltage"`
	Current    float64 `yaml:"current" json:"current"`
}

// PowerSequence is applied in order on power-on; power-off receives the
// reversed sequence.
type PowerSequence []PowerStep

// Reversed returns a copy in reverse channel order.
func (s PowerSequence) Reversed() PowerSequence {
	out := make(PowerSequence, len(s))
	for i, step := range s {
		out[len(s)-1-i] = step
	}
	return out
}

// PowerReading is the gateway's answer to PowerOn. Confirmed is false when the
// supply did not acknowledge every channel.
type PowerReading struct {
	Current   float64
	Confirmed bool
}

// StageStimulus describes the DC sweep applied for one gain stage.
type StageStimulus struct {
	Stage          int
	GainDB         float64
	InputAmplitude float64
	Start          float64
	Step           float64
	Points         int
}

// Sweep is the raw transfer curve captured after a stimulus.
type Sweep struct {
	Inputs  []float64
	Outputs []float64
}

// InstrumentGateway is exclusive hardware access to one device under test.
// Every call honours the context deadline supplied by the caller.
type InstrumentGateway interface {
	PowerOn(ctx context.Context, seq PowerSequence) (PowerReading, error)
	PowerOff(ctx context.Context, seq PowerSequence) error
	ApplyStimulus(ctx context.Context, stim StageStimulus) error
	Measure(ctx context.Context) (Sweep, error)
}

// Connector is implemented by gateways that hold a session.
type Connector interface {
	Connect(ctx context.Context) error
	Close(ctx context.Context) error
}
