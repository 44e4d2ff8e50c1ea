package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// envOverrides lists the settings an operator may override per station
// without editing the YAML file.
type envOverrides struct {
	SweepStrategy   string        `env:"PROBE_SWEEP_STRATEGY"`
	PowerOnTimeout  time.Duration `env:"PROBE_POWER_ON_TIMEOUT"`
	StimulusTimeout time.Duration `env:"PROBE_STIMULUS_TIMEOUT"`
	MeasureTimeout  time.Duration `env:"PROBE_MEASURE_TIMEOUT"`
	PowerOffTimeout time.Duration `env:"PROBE_POWER_OFF_TIMEOUT"`
	CurrentMin      float64       `env:"PROBE_CURRENT_MIN"`
	CurrentMax      float64       `env:"PROBE_CURRENT_MAX"`
	Traversal       string        `env:"PROBE_TRAVERSAL"`
	LedgerBackend   string        `env:"PROBE_LEDGER_BACKEND"`
	LedgerDir       string        `env:"PROBE_LEDGER_DIR"`
	LedgerSQLite    string        `env:"PROBE_LEDGER_SQLITE"`
	Rule            string        `env:"PROBE_AGGREGATION_RULE"`
	ExportDSN       string        `env:"PROBE_EXPORT_DSN"`
	ExportTable     string        `env:"PROBE_EXPORT_TABLE"`
	Gateway         string        `env:"PROBE_GATEWAY"`
	OPCUAEndpoint   string        `env:"PROBE_OPCUA_ENDPOINT"`
	OPCUAUsername   string        `env:"PROBE_OPCUA_USERNAME"`
	OPCUAPassword   string        `env:"PROBE_OPCUA_PASSWORD"`
	HTTPAddr        string        `env:"PROBE_HTTP_ADDR"`
}

// applyEnv overlays PROBE_* variables on values read from YAML. Unset
// variables leave the YAML value untouched.
func (c *Config) applyEnv() error {
	o := envOverrides{
		SweepStrategy:   c.Station.SweepStrategy,
		PowerOnTimeout:  c.Station.PowerOnTimeout,
		StimulusTimeout: c.Station.StimulusTimeout,
		MeasureTimeout:  c.Station.MeasureTimeout,
		PowerOffTimeout: c.Station.PowerOffTimeout,
		CurrentMin:      c.Power.CurrentMin,
		CurrentMax:      c.Power.CurrentMax,
		Traversal:       c.Wafer.Traversal,
		LedgerBackend:   c.Ledger.Backend,
		LedgerDir:       c.Ledger.Dir,
		LedgerSQLite:    c.Ledger.SQLite,
		Rule:            c.Ledger.Rule,
		ExportDSN:       c.Export.ConnString,
		ExportTable:     c.Export.Table,
		Gateway:         c.Gateway.Kind,
		OPCUAEndpoint:   c.OPCUA.Endpoint,
		OPCUAUsername:   c.OPCUA.Username,
		OPCUAPassword:   c.OPCUA.Password,
		HTTPAddr:        c.HTTP.Addr,
	}
	if err := env.Parse(&o); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}

	c.Station.SweepStrategy = o.SweepStrategy
	c.Station.PowerOnTimeout = o.PowerOnTimeout
	c.Station.StimulusTimeout = o.StimulusTimeout
	c.Station.MeasureTimeout = o.MeasureTimeout
	c.Station.PowerOffTimeout = o.PowerOffTimeout
	c.Power.CurrentMin = o.CurrentMin
	c.Power.CurrentMax = o.CurrentMax
	c.Wafer.Traversal = o.Traversal
	c.Ledger.Backend = o.LedgerBackend
	c.Ledger.Dir = o.LedgerDir
	c.Ledger.SQLite = o.LedgerSQLite
	c.Ledger.Rule = o.Rule
	c.Export.ConnString = o.ExportDSN
	c.Export.Table = o.ExportTable
	c.Gateway.Kind = o.Gateway
	c.OPCUA.Endpoint = o.OPCUAEndpoint
	c.OPCUA.Username = o.OPCUAUsername
	c.OPCUA.Password = o.OPCUAPassword
	c.HTTP.Addr = o.HTTPAddr
	return nil
}
