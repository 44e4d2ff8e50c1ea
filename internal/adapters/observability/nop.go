package observability

import (
	"github.com/ghalamif/WaferProbe/internal/domain"
	"github.com/ghalamif/WaferProbe/internal/ports"
)

// Nop discards everything. Used when no observability is configured.
type Nop struct{}

func (Nop) LogInfo(string, ...ports.Field)                                {}
func (Nop) LogError(string, error, ...ports.Field)                        {}
func (Nop) LogCritical(string, error, ...ports.Field)                     {}
func (Nop) IncCounter(string, float64)                                    {}
func (Nop) ObserveLatency(string, float64)                                {}
func (Nop) SetGauge(string, float64)                                      {}
func (Nop) RecordOutcome(domain.Outcome)                                  {}
func (Nop) RecordDeadLetter(ports.LogEntryID, *domain.TestAttempt, error) {}

var _ ports.Observability = Nop{}
