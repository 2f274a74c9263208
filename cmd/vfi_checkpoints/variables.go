package main

import (
	"flag"
	"fmt"
	"slices"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"
	"github.com/gomlx/gomlx/backends"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"

	"github.com/gomlx/sgmvfi/pkg/checkpoint"
	"github.com/gomlx/sgmvfi/pkg/network"
)

var (
	flagVars       = flag.Bool("vars", false, "Lists the tensors (under -scope) of the records.")
	flagDeleteVars = flag.String("delete_vars", "", "Comma separated scopes whose tensors are deleted from the record, "+
		"which is then re-written. Useful for instance to drop the optimizer state (\"/optimizers\") before "+
		"publishing a record.")
	flagPerturbVars = flag.Float64("perturb", 0,
		"Perturbs the float model tensors (under -scope) by <x>: it multiplies them by 1.0+(RandomUniform(-1, 1)*x), "+
			"and re-writes the record. Remember to drop the Adam moments with -delete_vars.")
)

// inScope returns whether the tensor with the qualified name key is under scope. An empty scope includes all.
func inScope(key, scope string) bool {
	if scope == "" || scope == context.RootScope {
		return true
	}
	tensorScope, _ := context.SplitScope(key)
	return network.InScope(tensorScope, scope)
}

// ListVariables lists the tensors of the record under scope, with their shape and MAV (mean absolute value),
// RMS (root-mean-square) and MaxAV (max absolute value). Optimizer state rows are highlighted.
func ListVariables(rec *checkpoint.Record, scope string) {
	title := "Tensors"
	if scope != "" {
		title = fmt.Sprintf("Tensors in scope %q", scope)
	}
	fmt.Println(titleStyle.Render(title))
	metricsFn := MustNewExec(backends.MustNew(), func(x *Node) (mav, rms, maxAV *Node) {
		x = ConvertDType(x, dtypes.Float64)
		mav = ReduceAllMean(Abs(x))
		rms = Sqrt(ReduceAllMean(Square(x)))
		maxAV = ReduceAllMax(Abs(x))
		return
	}).SetMaxCache(-1)
	defer metricsFn.Finalize()

	table := newMarkedTable(true, lipgloss.Left, lipgloss.Left, lipgloss.Left, lipgloss.Right)
	table.Table.Headers("State", "Scope", "Name", "Shape", "Size", "Bytes", "Scalar/MAV", "RMS", "MaxAV")
	for _, state := range []struct {
		name    string
		mapping checkpoint.Mapping
	}{{"model", rec.Model}, {"optimizer", rec.Optimizer}} {
		for _, key := range state.mapping.Keys() {
			if !inScope(key, scope) {
				continue
			}
			t := state.mapping[key]
			tensorScope, name := context.SplitScope(key)
			shape := t.Shape()
			var mav, rms, maxAV string
			if shape.Size() == 1 {
				mav = fmt.Sprintf("%8v", t.Value())
			} else if shape.DType.IsFloat() {
				metrics := metricsFn.MustExec(t)
				mav = fmt.Sprintf("%.3g", metrics[0].Value().(float64))
				rms = fmt.Sprintf("%.3g", metrics[1].Value().(float64))
				maxAV = fmt.Sprintf("%.3g", metrics[2].Value().(float64))
			}
			table.Row(state.name == "optimizer",
				state.name, tensorScope, name, shape.String(),
				humanize.Comma(int64(shape.Size())),
				humanize.Bytes(uint64(shape.Memory())),
				mav, rms, maxAV)
		}
	}
	fmt.Println(table.Table.Render())
	if *flagGlossary {
		fmt.Printf("  %s:\n", sectionStyle.Render("Glossary"))
		fmt.Printf("   ◦ %s: %s\n", emphasisStyle.Render("Scalar/MAV"), italicStyle.Render("If the tensor is a scalar then the value itself, else the Mean Absolute Value"))
		fmt.Printf("   ◦ %s: %s\n", emphasisStyle.Render("RMS"), italicStyle.Render("Root Mean Square"))
		fmt.Printf("   ◦ %s: %s\n", emphasisStyle.Render("MaxAV"), italicStyle.Render("Max Absolute Value"))
	}
}

// DeleteVars removes from the record in path the tensors under the given scopes, and re-writes it.
func DeleteVars(path string, scopes ...string) error {
	rec, err := checkpoint.LoadRecord(path)
	if err != nil {
		return err
	}
	scopes = slices.DeleteFunc(scopes, func(s string) bool { return s == "" })
	var numDeleted int
	for _, mapping := range []checkpoint.Mapping{rec.Model, rec.Optimizer} {
		for _, key := range mapping.Keys() {
			if slices.ContainsFunc(scopes, func(scope string) bool { return inScope(key, scope) }) {
				delete(mapping, key)
				numDeleted++
			}
		}
	}
	if numDeleted == 0 {
		return nil
	}
	if err := checkpoint.WriteRecord(path, rec); err != nil {
		return err
	}
	fmt.Printf("%d deleted tensors under scopes %v, record %q re-written.\n", numDeleted, scopes, path)
	return nil
}

// PerturbVars multiplies the float model tensors under -scope of the record in path by 1+U(-x, x), and
// re-writes it.
func PerturbVars(path string, x float64) error {
	rec, err := checkpoint.LoadRecord(path)
	if err != nil {
		return err
	}
	backend := backends.MustNew()
	ctx := context.New()
	if err := ctx.ResetRNGState(); err != nil {
		return errors.WithMessagef(err, "failed to seed the random number generator")
	}
	var numUpdates int
	for _, key := range rec.Model.Keys() {
		value := rec.Model[key]
		if !inScope(key, *flagScope) || !value.Shape().DType.IsFloat() {
			continue
		}
		rec.Model[key], err = context.ExecOnce(backend, ctx, func(ctx *context.Context, value *Node) *Node {
			// U[0, 1) mapped to [1-x, 1+x).
			factor := AddScalar(MulScalar(ctx.RandomUniform(value.Graph(), value.Shape()), 2*x), 1-x)
			return Mul(value, factor)
		}, value)
		if err != nil {
			return errors.WithMessagef(err, "failed to perturb %q", key)
		}
		numUpdates++
	}
	if err := checkpoint.WriteRecord(path, rec); err != nil {
		return err
	}
	fmt.Printf("%d model tensors perturbed, record %q re-written.\n", numUpdates, path)
	return nil
}
