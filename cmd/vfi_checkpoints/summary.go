package main

import (
	"fmt"
	"strconv"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"

	"github.com/gomlx/sgmvfi/pkg/checkpoint"
)

// mappingStats are the totals of a mapping.
type mappingStats struct {
	NumTensors int
	Size       int
	Memory     uintptr
}

func statsOf(m checkpoint.Mapping) (s mappingStats) {
	for _, t := range m {
		s.NumTensors++
		s.Size += t.Shape().Size()
		s.Memory += t.Shape().Memory()
	}
	return
}

// globalStep returns the global step saved in the optimizer state, if any.
func globalStep(rec *checkpoint.Record) (int64, bool) {
	t, found := rec.Optimizer[context.JoinScope(context.RootScope, optimizers.GlobalStepVariableName)]
	if !found || t.Shape().Size() != 1 {
		return 0, false
	}
	return tensors.ToScalar[int64](t), true
}

// Summary prints one column per record.
func Summary(records []*checkpoint.Record, names []string) {
	fmt.Println(titleStyle.Render("Summary"))
	table := newPlainTable(false, lipgloss.Right, lipgloss.Left)
	table.Row(append([]string{"record"}, names...)...)

	addRow := func(title string, fn func(rec *checkpoint.Record) string) {
		row := make([]string, 0, len(records)+1)
		row = append(row, title)
		for _, rec := range records {
			row = append(row, fn(rec))
		}
		table.Row(row...)
	}
	addRow("epoch", func(rec *checkpoint.Record) string { return strconv.Itoa(rec.Epoch) })
	addRow("run", func(rec *checkpoint.Record) string { return rec.RunID })
	addRow("global_step", func(rec *checkpoint.Record) string {
		if step, found := globalStep(rec); found {
			return humanize.Comma(step)
		}
		return "-"
	})
	addRow("# model tensors", func(rec *checkpoint.Record) string {
		return humanize.Comma(int64(statsOf(rec.Model).NumTensors))
	})
	addRow("# parameters", func(rec *checkpoint.Record) string {
		return humanize.Comma(int64(statsOf(rec.Model).Size))
	})
	addRow("model bytes", func(rec *checkpoint.Record) string {
		return humanize.Bytes(uint64(statsOf(rec.Model).Memory))
	})
	addRow("# optimizer tensors", func(rec *checkpoint.Record) string {
		return humanize.Comma(int64(statsOf(rec.Optimizer).NumTensors))
	})
	addRow("optimizer bytes", func(rec *checkpoint.Record) string {
		return humanize.Bytes(uint64(statsOf(rec.Optimizer).Memory))
	})
	fmt.Println(table.Render())
}
