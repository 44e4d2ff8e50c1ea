package domain

import (
	"fmt"
	"strings"
	"time"
)

// AggregationRule selects how repeated attempts of one die collapse into a
// FinalVerdict.
type AggregationRule string

const (
	RuleLast     AggregationRule = "LAST"
	RuleBest     AggregationRule = "BEST"
	RuleMajority AggregationRule = "MAJORITY"
)

// ParseRule accepts rule names case-insensitively.
func ParseRule(s string) (AggregationRule, error) {
	switch AggregationRule(strings.ToUpper(strings.TrimSpace(s))) {
	case RuleLast:
		return RuleLast, nil
	case RuleBest:
		return RuleBest, nil
	case RuleMajority:
		return RuleMajority, nil
	default:
		return "", fmt.Errorf("unknown aggregation rule %q", s)
	}
}

// FinalVerdict is derived from the attempt history of a coordinate. ComputedAt
// is the latest FinishedAt of the aggregated set so recomputation over the
// same history yields an identical value.
type FinalVerdict struct {
	Coordinate      Coordinate      `json:"coordinate"`
	Rule            AggregationRule `json:"rule"`
	ChosenAttemptID string          `json:"chosen_attempt_id"`
	Outcome         Outcome         `json:"outcome"`
	Attempts        int             `json:"attempts"`
	ComputedAt      time.Time       `json:"computed_at"`
}
