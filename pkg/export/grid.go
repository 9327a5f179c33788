package export

import "fmt"

// Grid is a week timetable laid out as periods (rows) by days (columns).
type Grid struct {
	Title    string
	Subtitle string
	Days     []string
	Rows     []GridRow
}

// GridRow is one period across the week.
type GridRow struct {
	Label string
	Time  string
	// Cells holds one entry per day; empty strings render as free periods.
	Cells []string
}

func (g Grid) validate() error {
	if len(g.Days) == 0 {
		return fmt.Errorf("grid requires at least one day column")
	}
	for i, row := range g.Rows {
		if len(row.Cells) != len(g.Days) {
			return fmt.Errorf("row %d has %d cells for %d days", i, len(row.Cells), len(g.Days))
		}
	}
	return nil
}
