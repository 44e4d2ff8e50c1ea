package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ghalamif/WaferProbe/internal/adapters/opcua"
	"github.com/ghalamif/WaferProbe/internal/adapters/simulator"
	"github.com/ghalamif/WaferProbe/internal/app/orchestrator"
	"github.com/ghalamif/WaferProbe/internal/domain"
	"github.com/ghalamif/WaferProbe/internal/ports"
)

type Config struct {
	Station   StationConfig    `yaml:"station"`
	Power     PowerConfig      `yaml:"power"`
	Stages    []StageConfig    `yaml:"stages"`
	Wafer     WaferConfig      `yaml:"wafer"`
	Ledger    LedgerConfig     `yaml:"ledger"`
	Export    ExportConfig     `yaml:"export"`
	Gateway   GatewayConfig    `yaml:"gateway"`
	OPCUA     opcua.Config     `yaml:"opcua"`
	Simulator simulator.Config `yaml:"simulator"`
	HTTP      HTTPConfig       `yaml:"http"`
}

type StationConfig struct {
	SweepStrategy   string        `yaml:"sweep_strategy"`
	PowerOnTimeout  time.Duration `yaml:"power_on_timeout"`
	StimulusTimeout time.Duration `yaml:"stimulus_timeout"`
	MeasureTimeout  time.Duration `yaml:"measure_timeout"`
	PowerOffTimeout time.Duration `yaml:"power_off_timeout"`
	SweepPoints     int           `yaml:"sweep_points"`
}

type PowerConfig struct {
	CurrentMin float64             `yaml:"current_min"`
	CurrentMax float64             `yaml:"current_max"`
	Sequence   ports.PowerSequence `yaml:"sequence"`
}

// StageConfig describes one gain stage. InputAmplitude is derived from GainDB
// when left at zero.
type StageConfig struct {
	Index          int     `yaml:"index"`
	GainDB         float64 `yaml:"gain_db"`
	InputAmplitude float64 `yaml:"input_amplitude"`
	INLThreshold   float64 `yaml:"inl_threshold"`
	DNLThreshold   float64 `yaml:"dnl_threshold"`
}

// WaferConfig defines the die grid. LayoutGrid rows of 0/1 mark valid die;
// without it every cell of Rows x Cols is valid.
type WaferConfig struct {
	Rows        int                 `yaml:"rows"`
	Cols        int                 `yaml:"cols"`
	LayoutGrid  [][]int             `yaml:"layout_grid"`
	Excluded    []domain.Coordinate `yaml:"excluded"`
	Traversal   string              `yaml:"traversal"`
	StartSiteID uint64              `yaml:"start_site_id"`
}

type LedgerConfig struct {
	Backend string `yaml:"backend"` // "file" or "sqlite"
	Dir     string `yaml:"dir"`
	SQLite  string `yaml:"sqlite_path"`
	Rule    string `yaml:"aggregation_rule"`
}

// ExportConfig enables shipping attempts to Postgres when ConnString is set.
type ExportConfig struct {
	ConnString string       `yaml:"conn_string"`
	Table      string       `yaml:"table"`
	Policy     ports.Policy `yaml:"policy"`
}

type GatewayConfig struct {
	Kind string `yaml:"kind"` // "opcua" or "simulator"
}

type HTTPConfig struct {
	Addr string `yaml:"addr"`
}

func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, err
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}

	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// DefaultStages is the seven-stage gain table of the linearity test.
func DefaultStages() []StageConfig {
	gains := []float64{-9.6, -3.6, 0, 2, 4, 6, 8}
	out := make([]StageConfig, len(gains))
	for i, g := range gains {
		out[i] = StageConfig{Index: i + 1, GainDB: g, INLThreshold: 1.0, DNLThreshold: 0.5}
	}
	return out
}

func (c *Config) ApplyDefaults() {
	if c.Station.SweepStrategy == "" {
		c.Station.SweepStrategy = orchestrator.StopOnFail
	}
	if c.Station.PowerOnTimeout == 0 {
		c.Station.PowerOnTimeout = 10 * time.Second
	}
	if c.Station.StimulusTimeout == 0 {
		c.Station.StimulusTimeout = 5 * time.Second
	}
	if c.Station.MeasureTimeout == 0 {
		c.Station.MeasureTimeout = 30 * time.Second
	}
	if c.Station.PowerOffTimeout == 0 {
		c.Station.PowerOffTimeout = 10 * time.Second
	}
	if c.Station.SweepPoints == 0 {
		c.Station.SweepPoints = 101
	}
	if len(c.Stages) == 0 {
		c.Stages = DefaultStages()
	}
	for i := range c.Stages {
		if c.Stages[i].Index == 0 {
			c.Stages[i].Index = i + 1
		}
	}
	if len(c.Wafer.LayoutGrid) > 0 {
		if c.Wafer.Rows == 0 {
			c.Wafer.Rows = len(c.Wafer.LayoutGrid)
		}
		if c.Wafer.Cols == 0 {
			for _, row := range c.Wafer.LayoutGrid {
				if len(row) > c.Wafer.Cols {
					c.Wafer.Cols = len(row)
				}
			}
		}
	}
	if c.Wafer.Traversal == "" {
		c.Wafer.Traversal = "row_major"
	}
	if c.Wafer.StartSiteID == 0 {
		c.Wafer.StartSiteID = 1
	}
	if c.Ledger.Backend == "" {
		c.Ledger.Backend = "file"
	}
	if c.Ledger.Dir == "" {
		c.Ledger.Dir = "./data/ledger"
	}
	if c.Ledger.SQLite == "" {
		c.Ledger.SQLite = "./data/ledger.db"
	}
	if c.Ledger.Rule == "" {
		c.Ledger.Rule = string(domain.RuleLast)
	}
	if c.Export.Table == "" {
		c.Export.Table = "probe_attempts"
	}
	if c.Export.Policy.MaxQueueLen == 0 {
		c.Export.Policy.MaxQueueLen = 10_000
	}
	if c.Export.Policy.MaxBatchSize == 0 {
		c.Export.Policy.MaxBatchSize = 100
	}
	if c.Export.Policy.IdleSleep == 0 {
		c.Export.Policy.IdleSleep = 50 * time.Millisecond
	}
	// dropped attempts are re-read from the attempt log, so drop never loses data
	if c.Export.Policy.OnQueueFull == "" {
		c.Export.Policy.OnQueueFull = "drop"
	}
	if c.Gateway.Kind == "" {
		c.Gateway.Kind = "simulator"
	}
	if c.HTTP.Addr == "" {
		c.HTTP.Addr = ":9100"
	}

	if c.Gateway.Kind == "opcua" {
		c.OPCUA.ApplyDefaults()
	}
	c.Simulator.ApplyDefaults()
}

func (c *Config) Validate() error {
	switch c.Station.SweepStrategy {
	case orchestrator.StopOnFail, orchestrator.Continue:
	default:
		return fmt.Errorf("station.sweep_strategy %q must be %s or %s", c.Station.SweepStrategy, orchestrator.StopOnFail, orchestrator.Continue)
	}
	// no default: a zero ceiling can never pass a powered die
	if !(c.Power.CurrentMax > 0) {
		return fmt.Errorf("power.current_max must be set to a positive limit, got %g", c.Power.CurrentMax)
	}
	if c.Power.CurrentMin > c.Power.CurrentMax {
		return fmt.Errorf("power.current_min %g exceeds current_max %g", c.Power.CurrentMin, c.Power.CurrentMax)
	}
	if len(c.Power.Sequence) == 0 {
		return fmt.Errorf("power.sequence must list at least one channel")
	}
	for i, st := range c.Stages {
		if st.Index != i+1 {
			return fmt.Errorf("stages[%d]: index %d out of order", i, st.Index)
		}
		if st.INLThreshold <= 0 || st.DNLThreshold <= 0 {
			return fmt.Errorf("stage %d: inl_threshold and dnl_threshold must be > 0", st.Index)
		}
	}
	if c.Wafer.Rows <= 0 || c.Wafer.Cols <= 0 {
		return fmt.Errorf("wafer.rows and wafer.cols (or wafer.layout_grid) are required")
	}
	switch c.Wafer.Traversal {
	case "row_major", "serpentine":
	default:
		return fmt.Errorf("wafer.traversal %q must be row_major or serpentine", c.Wafer.Traversal)
	}
	switch c.Ledger.Backend {
	case "file":
		if c.Ledger.Dir == "" {
			return fmt.Errorf("ledger.dir is required")
		}
	case "sqlite":
		if c.Ledger.SQLite == "" {
			return fmt.Errorf("ledger.sqlite_path is required")
		}
	default:
		return fmt.Errorf("ledger.backend %q must be file or sqlite", c.Ledger.Backend)
	}
	if _, err := domain.ParseRule(c.Ledger.Rule); err != nil {
		return fmt.Errorf("ledger.aggregation_rule: %w", err)
	}
	switch c.Gateway.Kind {
	case "simulator":
	case "opcua":
		if err := c.OPCUA.Validate(); err != nil {
			return fmt.Errorf("opcua config: %w", err)
		}
	default:
		return fmt.Errorf("gateway.kind %q must be opcua or simulator", c.Gateway.Kind)
	}
	switch c.Export.Policy.OnQueueFull {
	case "block", "drop", "reject":
	default:
		return fmt.Errorf("export.policy.on_queue_full %q must be block, drop or reject", c.Export.Policy.OnQueueFull)
	}
	if c.HTTP.Addr == "" {
		return fmt.Errorf("http.addr is required")
	}
	return nil
}

// Rule returns the configured default aggregation rule.
func (c *Config) Rule() domain.AggregationRule {
	r, err := domain.ParseRule(c.Ledger.Rule)
	if err != nil {
		return domain.RuleLast
	}
	return r
}
