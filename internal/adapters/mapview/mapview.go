package mapview

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/ghalamif/WaferProbe/internal/domain"
)

// Grid is the die map being drawn.
type Grid interface {
	Rows() int
	Cols() int
	Valid(c domain.Coordinate) bool
}

const (
	glyphUntested = "."
	glyphExcluded = " "
)

var (
	outcomeGlyph = map[domain.Outcome]string{
		domain.OutcomePass:    "P",
		domain.OutcomePartial: "p",
		domain.OutcomeFail:    "F",
		domain.OutcomeError:   "E",
		domain.OutcomeAborted: "A",
	}
	outcomeStyle = map[domain.Outcome]lipgloss.Style{
		domain.OutcomePass:    lipgloss.NewStyle().Foreground(lipgloss.Color("#3FB950")).Bold(true),
		domain.OutcomePartial: lipgloss.NewStyle().Foreground(lipgloss.Color("#D29922")).Bold(true),
		domain.OutcomeFail:    lipgloss.NewStyle().Foreground(lipgloss.Color("#F85149")).Bold(true),
		domain.OutcomeError:   lipgloss.NewStyle().Foreground(lipgloss.Color("#DB61A2")),
		domain.OutcomeAborted: lipgloss.NewStyle().Foreground(lipgloss.Color("#8B949E")),
	}
	untestedStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#444444"))
	labelStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("#5B8DEF"))
	titleStyle    = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#5B8DEF"))
	boxStyle      = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("#444444")).
			Padding(0, 1)
)

// Glyph is the single-character cell for an outcome.
func Glyph(o domain.Outcome) string {
	if g, ok := outcomeGlyph[o]; ok {
		return g
	}
	return "?"
}

// Cells returns the unstyled glyph matrix, indexed [row-1][col-1].
func Cells(g Grid, verdicts []domain.FinalVerdict) [][]string {
	byCoord := make(map[domain.Coordinate]domain.Outcome, len(verdicts))
	for _, v := range verdicts {
		byCoord[v.Coordinate] = v.Outcome
	}
	out := make([][]string, g.Rows())
	for r := 1; r <= g.Rows(); r++ {
		row := make([]string, g.Cols())
		for c := 1; c <= g.Cols(); c++ {
			coord := domain.Coordinate{Row: r, Col: c}
			switch o, tested := byCoord[coord]; {
			case tested:
				row[c-1] = Glyph(o)
			case g.Valid(coord):
				row[c-1] = glyphUntested
			default:
				row[c-1] = glyphExcluded
			}
		}
		out[r-1] = row
	}
	return out
}

// Summary counts verdict outcomes and untested valid die.
type Summary struct {
	Counts   map[domain.Outcome]int
	Untested int
}

// Yield is PASS over classified die, in percent.
func (s Summary) Yield() float64 {
	classified := s.Counts[domain.OutcomePass] + s.Counts[domain.OutcomePartial] + s.Counts[domain.OutcomeFail]
	if classified == 0 {
		return 0
	}
	return float64(s.Counts[domain.OutcomePass]) / float64(classified) * 100
}

func Summarize(g Grid, verdicts []domain.FinalVerdict) Summary {
	s := Summary{Counts: make(map[domain.Outcome]int)}
	tested := make(map[domain.Coordinate]bool, len(verdicts))
	for _, v := range verdicts {
		s.Counts[v.Outcome]++
		tested[v.Coordinate] = true
	}
	for r := 1; r <= g.Rows(); r++ {
		for c := 1; c <= g.Cols(); c++ {
			coord := domain.Coordinate{Row: r, Col: c}
			if g.Valid(coord) && !tested[coord] {
				s.Untested++
			}
		}
	}
	return s
}

// Render draws the wafer map with a legend and yield line.
func Render(g Grid, verdicts []domain.FinalVerdict, rule domain.AggregationRule) string {
	cells := Cells(g, verdicts)
	byGlyph := make(map[string]lipgloss.Style, len(outcomeGlyph))
	for o, glyph := range outcomeGlyph {
		byGlyph[glyph] = outcomeStyle[o]
	}

	width := len(fmt.Sprint(g.Rows()))
	var lines []string

	var header strings.Builder
	header.WriteString(strings.Repeat(" ", width+1))
	for c := 1; c <= g.Cols(); c++ {
		header.WriteString(fmt.Sprintf("%d ", c%10))
	}
	lines = append(lines, labelStyle.Render(strings.TrimRight(header.String(), " ")))

	for r, row := range cells {
		var b strings.Builder
		b.WriteString(labelStyle.Render(fmt.Sprintf("%*d", width, r+1)))
		for _, glyph := range row {
			b.WriteString(" ")
			if st, ok := byGlyph[glyph]; ok {
				b.WriteString(st.Render(glyph))
			} else if glyph == glyphUntested {
				b.WriteString(untestedStyle.Render(glyph))
			} else {
				b.WriteString(glyph)
			}
		}
		lines = append(lines, b.String())
	}

	sum := Summarize(g, verdicts)
	var legend []string
	for _, o := range []domain.Outcome{domain.OutcomePass, domain.OutcomePartial, domain.OutcomeFail, domain.OutcomeError, domain.OutcomeAborted} {
		legend = append(legend, fmt.Sprintf("%s %s %d", outcomeStyle[o].Render(Glyph(o)), o, sum.Counts[o]))
	}
	legend = append(legend, fmt.Sprintf("%s untested %d", untestedStyle.Render(glyphUntested), sum.Untested))

	body := lipgloss.JoinVertical(lipgloss.Left,
		titleStyle.Render(fmt.Sprintf("Wafer map (%s)", rule)),
		"",
		strings.Join(lines, "\n"),
		"",
		strings.Join(legend, "  "),
		fmt.Sprintf("yield %.1f%%", sum.Yield()),
	)
	return boxStyle.Render(body)
}
