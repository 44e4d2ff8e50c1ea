package waferprobe

import (
	"github.com/ghalamif/WaferProbe/internal/adapters/opcua"
	"github.com/ghalamif/WaferProbe/internal/adapters/simulator"
	"github.com/ghalamif/WaferProbe/internal/app/config"
	"github.com/ghalamif/WaferProbe/internal/ports"
)

// Config re-exports the root configuration struct so downstream projects can
// construct or modify it programmatically.
type Config = config.Config

type (
	// Policy bounds the export queue.
	Policy = ports.Policy
	// OPCUAConfig holds the instrument server endpoint and node map.
	OPCUAConfig = opcua.Config
	// SimulatorConfig tunes the in-process gateway.
	SimulatorConfig = simulator.Config
	StationConfig   = config.StationConfig
	PowerConfig     = config.PowerConfig
	StageConfig     = config.StageConfig
	WaferConfig     = config.WaferConfig
	LedgerConfig    = config.LedgerConfig
	ExportConfig    = config.ExportConfig
	GatewayConfig   = config.GatewayConfig
	HTTPConfig      = config.HTTPConfig
)

// LoadConfig reads YAML from disk, overlays PROBE_* environment variables and
// validates the result.
func LoadConfig(path string) (*Config, error) {
	return config.Load(path)
}
