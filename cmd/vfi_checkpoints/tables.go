package main

import (
	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
)

var (
	cellStyle         = lipgloss.NewStyle().Padding(0, 1)
	headerRowStyle    = lipgloss.NewStyle().Reverse(true).Padding(0, 2).Align(lipgloss.Center)
	evenRowStyle      = cellStyle
	oddRowStyle       = cellStyle.Faint(true)
	optimizerRowStyle = cellStyle.Foreground(lipgloss.Color("12"))
	borderStyle       = lipgloss.NewStyle().Foreground(lipgloss.Color("99"))
)

// markedTable is a table where some rows are highlighted.
type markedTable struct {
	Table  *lgtable.Table
	Count  int
	Marked map[int]bool
}

// Row appends a row, highlighted if marked is set.
func (t *markedTable) Row(marked bool, row ...string) {
	if marked {
		t.Marked[t.Count] = true
	}
	t.Table.Row(row...)
	t.Count++
}

func newPlainTable(withHeader bool, alignments ...lipgloss.Position) *lgtable.Table {
	return newMarkedTable(withHeader, alignments...).Table
}

// newMarkedTable creates a table with alternating row styles and per-column alignments.
func newMarkedTable(withHeader bool, alignments ...lipgloss.Position) *markedTable {
	t := &markedTable{Marked: make(map[int]bool)}
	t.Table = lgtable.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(borderStyle).
		StyleFunc(func(row, col int) (s lipgloss.Style) {
			if withHeader && row < 0 {
				s = headerRowStyle
				return
			}
			switch {
			case t.Marked[row]:
				s = optimizerRowStyle
			case row%2 == 0:
				s = evenRowStyle
			default:
				s = oddRowStyle
			}
			return s.Align(columnAlignment(alignments, col))
		})
	return t
}

// columnAlignment of col: the last alignment given repeats for the remaining columns.
func columnAlignment(alignments []lipgloss.Position, col int) lipgloss.Position {
	switch {
	case len(alignments) == 0:
		return lipgloss.Left
	case col < len(alignments):
		return alignments[col]
	}
	return alignments[len(alignments)-1]
}
