package config

import (
	"fmt"

	"github.com/ghalamif/WaferProbe/internal/ports"
)

// Thresholds serves power limits and per-stage limits from a loaded Config.
type Thresholds struct {
	limits ports.PowerLimits
	stages []StageConfig
}

func NewThresholds(cfg *Config) *Thresholds {
	return &Thresholds{
		limits: ports.PowerLimits{CurrentMin: cfg.Power.CurrentMin, CurrentMax: cfg.Power.CurrentMax},
		stages: append([]StageConfig(nil), cfg.Stages...),
	}
}

func (t *Thresholds) Limits() (ports.PowerLimits, error) {
	return t.limits, nil
}

func (t *Thresholds) StageThresholds(stage int) (ports.StageThresholds, error) {
	if stage < 1 || stage > len(t.stages) {
		return ports.StageThresholds{}, fmt.Errorf("stage %d not configured (have %d)", stage, len(t.stages))
	}
	st := t.stages[stage-1]
	return ports.StageThresholds{
		INL:            st.INLThreshold,
		DNL:            st.DNLThreshold,
		InputAmplitude: st.InputAmplitude,
		GainDB:         st.GainDB,
	}, nil
}

func (t *Thresholds) StageCount() int { return len(t.stages) }

var _ ports.ThresholdProvider = (*Thresholds)(nil)
