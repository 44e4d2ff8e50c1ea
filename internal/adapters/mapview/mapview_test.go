package mapview

import (
	"strings"
	"testing"

	"github.com/ghalamif/WaferProbe/internal/domain"
)

type grid struct {
	rows, cols int
	excluded   map[domain.Coordinate]bool
}

func (g grid) Rows() int                      { return g.rows }
func (g grid) Cols() int                      { return g.cols }
func (g grid) Valid(c domain.Coordinate) bool { return !g.excluded[c] }

func verdict(r, c int, o domain.Outcome) domain.FinalVerdict {
	return domain.FinalVerdict{Coordinate: domain.Coordinate{Row: r, Col: c}, Outcome: o}
}

func TestCells(t *testing.T) {
	g := grid{rows: 2, cols: 3, excluded: map[domain.Coordinate]bool{{Row: 2, Col: 3}: true}}
	verdicts := []domain.FinalVerdict{
		verdict(1, 1, domain.OutcomePass),
		verdict(1, 2, domain.OutcomePartial),
		verdict(1, 3, domain.OutcomeFail),
		verdict(2, 1, domain.OutcomeError),
	}

	cells := Cells(g, verdicts)
	got := []string{strings.Join(cells[0], ""), strings.Join(cells[1], "")}
	if got[0] != "PpF" || got[1] != "E. " {
		t.Fatalf("unexpected cells %q", got)
	}
	if Glyph(domain.OutcomeAborted) != "A" {
		t.Fatalf("aborted glyph")
	}
}

func TestSummaryAndRender(t *testing.T) {
	g := grid{rows: 2, cols: 2}
	verdicts := []domain.FinalVerdict{
		verdict(1, 1, domain.OutcomePass),
		verdict(1, 2, domain.OutcomePass),
		verdict(2, 1, domain.OutcomeFail),
	}

	sum := Summarize(g, verdicts)
	if sum.Untested != 1 || sum.Counts[domain.OutcomePass] != 2 {
		t.Fatalf("unexpected summary %+v", sum)
	}
	if y := sum.Yield(); y < 66.6 || y > 66.7 {
		t.Fatalf("expected yield 66.7%%, got %.2f", y)
	}

	out := Render(g, verdicts, domain.RuleBest)
	for _, want := range []string{"Wafer map (BEST)", "PASS 2", "FAIL 1", "untested 1", "yield 66.7%"} {
		if !strings.Contains(out, want) {
			t.Fatalf("render missing %q:\n%s", want, out)
		}
	}
}
