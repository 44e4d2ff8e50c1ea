// Package simulator provides an in-process InstrumentGateway for bench-less
// runs. It produces a near-ideal transfer curve per stage, optionally bent by
// a configured INL bump, and can inject faults at a chosen stage.
package simulator

import (
	"context"
	"fmt"
	"math"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/ghalamif/WaferProbe/internal/ports"
)

type Config struct {
	Seed    uint64        `yaml:"seed"`
	Current float64       `yaml:"current"`
	Noise   float64       `yaml:"noise"` // gaussian sigma in LSB
	Latency time.Duration `yaml:"latency"`
	// StageINL injects a mid-scale bump of the given size (LSB) per stage.
	StageINL map[int]float64 `yaml:"stage_inl"`
	// FaultStage makes Measure fail with FaultKind at that stage.
	FaultStage int    `yaml:"fault_stage"`
	FaultKind  string `yaml:"fault_kind"` // "timeout", "disconnect", "malformed"
}

func (c *Config) ApplyDefaults() {
	if c.Seed == 0 {
		c.Seed = 1
	}
	if c.Current == 0 {
		c.Current = 0.22
	}
	if c.Noise == 0 {
		c.Noise = 0.02
	}
	if c.FaultKind == "" {
		c.FaultKind = "timeout"
	}
}

type Gateway struct {
	cfg Config

	mu       sync.Mutex
	rng      *rand.Rand
	powered  bool
	stim     ports.StageStimulus
	haveStim bool
}

func New(cfg Config) *Gateway {
	cfg.ApplyDefaults()
	return &Gateway{
		cfg: cfg,
		rng: rand.New(rand.NewPCG(cfg.Seed, cfg.Seed^0x9e3779b97f4a7c15)),
	}
}

// Powered reports whether the simulated supply is currently on.
func (g *Gateway) Powered() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.powered
}

func (g *Gateway) PowerOn(ctx context.Context, seq ports.PowerSequence) (ports.PowerReading, error) {
	if err := g.wait(ctx); err != nil {
		return ports.PowerReading{}, err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.powered = true
	return ports.PowerReading{Current: g.cfg.Current, Confirmed: len(seq) > 0}, nil
}

func (g *Gateway) PowerOff(ctx context.Context, seq ports.PowerSequence) error {
	if err := g.wait(ctx); err != nil {
		return err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.powered = false
	g.haveStim = false
	return nil
}

func (g *Gateway) ApplyStimulus(ctx context.Context, stim ports.StageStimulus) error {
	if err := g.wait(ctx); err != nil {
		return err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.powered {
		return fmt.Errorf("%w: stimulus applied to unpowered device", ports.ErrDisconnected)
	}
	g.stim = stim
	g.haveStim = true
	return nil
}

func (g *Gateway) Measure(ctx context.Context) (ports.Sweep, error) {
	if err := g.wait(ctx); err != nil {
		return ports.Sweep{}, err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.haveStim {
		return ports.Sweep{}, fmt.Errorf("%w: no stimulus applied", ports.ErrMalformedReading)
	}
	stim := g.stim
	if g.cfg.FaultStage > 0 && stim.Stage == g.cfg.FaultStage {
		switch g.cfg.FaultKind {
		case "disconnect":
			return ports.Sweep{}, fmt.Errorf("simulated: %w", ports.ErrDisconnected)
		case "malformed":
			return ports.Sweep{Inputs: []float64{0}, Outputs: nil}, nil
		default:
			return ports.Sweep{}, fmt.Errorf("simulated: %w", ports.ErrTimeout)
		}
	}

	gain := math.Pow(10, stim.GainDB/20)
	lsb := stim.Step * gain
	bump := g.cfg.StageINL[stim.Stage]
	mid := stim.Points / 2

	sw := ports.Sweep{
		Inputs:  make([]float64, stim.Points),
		Outputs: make([]float64, stim.Points),
	}
	for i := 0; i < stim.Points; i++ {
		x := stim.Start + float64(i)*stim.Step
		y := gain*x + g.rng.NormFloat64()*g.cfg.Noise*lsb
		if i == mid {
			y += bump * lsb
		}
		sw.Inputs[i] = x
		sw.Outputs[i] = y
	}
	return sw, nil
}

func (g *Gateway) wait(ctx context.Context) error {
	if g.cfg.Latency <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(g.cfg.Latency)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

var _ ports.InstrumentGateway = (*Gateway)(nil)
