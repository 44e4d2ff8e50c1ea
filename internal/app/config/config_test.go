package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/ghalamif/WaferProbe/internal/app/orchestrator"
)

const minimalYAML = `
power:
  current_max: 0.5
  sequence:
    - instrument: DP1
      channel: 1
      voltage: 5.0
      current: 1.0
    - instrument: DP1
      channel: 2
      voltage: 1.9
      current: 0.5
wafer:
  layout_grid:
    - [0, 1, 1, 0]
    - [1, 1, 1, 1]
    - [0, 1, 1, 0]
`

func writeConfig(t *testing.T, data string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(data), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, minimalYAML))
	if err != nil {
		t.Fatalf("load config: %v", err)
	}

	if cfg.Station.SweepStrategy != orchestrator.StopOnFail {
		t.Fatalf("expected default sweep strategy %s, got %s", orchestrator.StopOnFail, cfg.Station.SweepStrategy)
	}
	if cfg.Station.MeasureTimeout != 30*time.Second {
		t.Fatalf("expected MeasureTimeout default 30s, got %s", cfg.Station.MeasureTimeout)
	}
	if len(cfg.Stages) != 7 {
		t.Fatalf("expected seven default stages, got %d", len(cfg.Stages))
	}
	if cfg.Stages[0].GainDB != -9.6 || cfg.Stages[6].GainDB != 8 {
		t.Fatalf("unexpected default gain table: %+v", cfg.Stages)
	}
	if cfg.Wafer.Rows != 3 || cfg.Wafer.Cols != 4 {
		t.Fatalf("expected grid dimensions from layout 3x4, got %dx%d", cfg.Wafer.Rows, cfg.Wafer.Cols)
	}
	if cfg.Ledger.Dir != "./data/ledger" {
		t.Fatalf("expected default ledger dir, got %s", cfg.Ledger.Dir)
	}
	if cfg.HTTP.Addr != ":9100" {
		t.Fatalf("expected default http addr :9100, got %s", cfg.HTTP.Addr)
	}
	if cfg.Gateway.Kind != "simulator" {
		t.Fatalf("expected simulator gateway by default, got %s", cfg.Gateway.Kind)
	}
	if cfg.Export.Policy.OnQueueFull != "drop" {
		t.Fatalf("expected drop queue policy by default, got %s", cfg.Export.Policy.OnQueueFull)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("PROBE_SWEEP_STRATEGY", "continue")
	t.Setenv("PROBE_CURRENT_MAX", "0.75")
	t.Setenv("PROBE_AGGREGATION_RULE", "majority")
	t.Setenv("PROBE_HTTP_ADDR", ":8088")

	cfg, err := Load(writeConfig(t, minimalYAML))
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.Station.SweepStrategy != orchestrator.Continue {
		t.Fatalf("expected env sweep strategy, got %s", cfg.Station.SweepStrategy)
	}
	if cfg.Power.CurrentMax != 0.75 {
		t.Fatalf("expected env current max 0.75, got %f", cfg.Power.CurrentMax)
	}
	if cfg.Rule() != "MAJORITY" {
		t.Fatalf("expected MAJORITY rule, got %s", cfg.Rule())
	}
	if cfg.HTTP.Addr != ":8088" {
		t.Fatalf("expected env http addr, got %s", cfg.HTTP.Addr)
	}
}

func TestLoadRejectsInvalidConfig(t *testing.T) {
	cases := map[string]string{
		"no sequence":    "wafer:\n  rows: 2\n  cols: 2\n",
		"bad strategy":   minimalYAML + "station:\n  sweep_strategy: sometimes\n",
		"inverted limit": strings.Replace(minimalYAML, "current_max: 0.5", "current_max: 0.5\n  current_min: 0.9", 1),
		"bad rule":       minimalYAML + "ledger:\n  aggregation_rule: median\n",
		"bad policy":     minimalYAML + "export:\n  policy:\n    on_queue_full: spill\n",
		"no current max": strings.Replace(minimalYAML, "  current_max: 0.5\n", "", 1),
		"zero max":       strings.Replace(minimalYAML, "current_max: 0.5", "current_max: 0", 1),
	}
	for name, data := range cases {
		if _, err := Load(writeConfig(t, data)); err == nil {
			t.Fatalf("%s: expected validation error", name)
		}
	}
}

func TestThresholdsServeStageConfig(t *testing.T) {
	cfg, err := Load(writeConfig(t, minimalYAML))
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	th := NewThresholds(cfg)

	if th.StageCount() != 7 {
		t.Fatalf("expected 7 stages, got %d", th.StageCount())
	}
	st, err := th.StageThresholds(3)
	if err != nil {
		t.Fatalf("stage thresholds: %v", err)
	}
	if st.INL != 1.0 || st.DNL != 0.5 || st.GainDB != 0 {
		t.Fatalf("unexpected stage 3 thresholds: %+v", st)
	}
	if _, err := th.StageThresholds(8); err == nil {
		t.Fatalf("expected error for unconfigured stage")
	}
	lim, _ := th.Limits()
	if lim.CurrentMax != 0.5 || lim.CurrentMin != 0 {
		t.Fatalf("unexpected limits: %+v", lim)
	}
}
