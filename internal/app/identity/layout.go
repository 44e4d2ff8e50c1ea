package identity

import (
	"fmt"

	"github.com/ghalamif/WaferProbe/internal/domain"
)

// Traversal orders.
const (
	RowMajor   = "row_major"
	Serpentine = "serpentine"
)

// Layout is the wafer die map and the order in which AUTO visits valid die.
type Layout struct {
	rows, cols int
	valid      map[domain.Coordinate]bool
	order      []domain.Coordinate
	index      map[domain.Coordinate]int
}

// NewLayout builds a layout from a rows x cols rectangle. When grid is given,
// a cell is valid only if grid[row-1][col-1] == 1. Excluded die are removed
// from the traversal but stay on the grid.
func NewLayout(rows, cols int, grid [][]int, excluded []domain.Coordinate, traversal string) (*Layout, error) {
	if rows <= 0 || cols <= 0 {
		return nil, fmt.Errorf("layout needs positive rows and cols, got %dx%d", rows, cols)
	}
	if traversal == "" {
		traversal = RowMajor
	}
	if traversal != RowMajor && traversal != Serpentine {
		return nil, fmt.Errorf("unknown traversal %q", traversal)
	}

	l := &Layout{
		rows:  rows,
		cols:  cols,
		valid: make(map[domain.Coordinate]bool, rows*cols),
		index: make(map[domain.Coordinate]int, rows*cols),
	}
	for r := 1; r <= rows; r++ {
		for c := 1; c <= cols; c++ {
			ok := true
			if len(grid) > 0 {
				ok = r <= len(grid) && c <= len(grid[r-1]) && grid[r-1][c-1] == 1
			}
			if ok {
				l.valid[domain.Coordinate{Row: r, Col: c}] = true
			}
		}
	}
	for _, ex := range excluded {
		if !l.Contains(ex) {
			return nil, fmt.Errorf("excluded die %s is off the %dx%d grid", ex, rows, cols)
		}
		delete(l.valid, ex)
	}

	for r := 1; r <= rows; r++ {
		reverse := traversal == Serpentine && r%2 == 0
		for i := 1; i <= cols; i++ {
			c := i
			if reverse {
				c = cols - i + 1
			}
			coord := domain.Coordinate{Row: r, Col: c}
			if l.valid[coord] {
				l.index[coord] = len(l.order)
				l.order = append(l.order, coord)
			}
		}
	}
	if len(l.order) == 0 {
		return nil, fmt.Errorf("layout has no valid die")
	}
	return l, nil
}

func (l *Layout) Rows() int { return l.rows }
func (l *Layout) Cols() int { return l.cols }

// Contains reports whether c lies on the grid, valid or not.
func (l *Layout) Contains(c domain.Coordinate) bool {
	return c.Row >= 1 && c.Row <= l.rows && c.Col >= 1 && c.Col <= l.cols
}

// Valid reports whether c is a probeable die.
func (l *Layout) Valid(c domain.Coordinate) bool { return l.valid[c] }

// Order returns a copy of the traversal order.
func (l *Layout) Order() []domain.Coordinate {
	return append([]domain.Coordinate(nil), l.order...)
}

func (l *Layout) Len() int { return len(l.order) }

func (l *Layout) position(c domain.Coordinate) (int, bool) {
	i, ok := l.index[c]
	return i, ok
}
