package ledger

import (
	"fmt"

	"github.com/ghalamif/WaferProbe/internal/domain"
)

// Aggregate computes the verdict for attempts, which must be ordered by
// FinishedAt (oldest first) and non-empty. The result depends only on its
// inputs.
func Aggregate(c domain.Coordinate, attempts []domain.TestAttempt, rule domain.AggregationRule) (domain.FinalVerdict, error) {
	if len(attempts) == 0 {
		return domain.FinalVerdict{}, fmt.Errorf("%w: %s", ErrNoAttempts, c)
	}

	var chosen domain.TestAttempt
	switch rule {
	case domain.RuleLast:
		chosen = attempts[len(attempts)-1]
	case domain.RuleBest:
		chosen = best(attempts)
	case domain.RuleMajority:
		chosen = majority(attempts)
	default:
		return domain.FinalVerdict{}, fmt.Errorf("%w: %q", ErrUnknownRule, rule)
	}

	return domain.FinalVerdict{
		Coordinate:      c,
		Rule:            rule,
		ChosenAttemptID: chosen.ID,
		Outcome:         chosen.Outcome,
		Attempts:        len(attempts),
		ComputedAt:      attempts[len(attempts)-1].FinishedAt,
	}, nil
}

// best picks the highest-ranked outcome, latest wins ties.
func best(attempts []domain.TestAttempt) domain.TestAttempt {
	chosen := attempts[0]
	for _, a := range attempts[1:] {
		if a.Outcome.Rank() >= chosen.Outcome.Rank() {
			chosen = a
		}
	}
	return chosen
}

// majority votes among classified outcomes only. When nothing was classified
// the latest attempt is reported.
func majority(attempts []domain.TestAttempt) domain.TestAttempt {
	counts := make(map[domain.Outcome]int, 3)
	latest := make(map[domain.Outcome]domain.TestAttempt, 3)
	for _, a := range attempts {
		if !a.Outcome.Classified() {
			continue
		}
		counts[a.Outcome]++
		latest[a.Outcome] = a
	}
	if len(counts) == 0 {
		return attempts[len(attempts)-1]
	}

	var winner domain.Outcome
	for _, o := range []domain.Outcome{domain.OutcomePass, domain.OutcomePartial, domain.OutcomeFail} {
		if counts[o] > counts[winner] {
			winner = o
		}
	}
	return latest[winner]
}
