// vfi_checkpoints reports on (and edits) the records saved by the interpolation model.
//
// Usage:
//
//	vfi_checkpoints [flags] [record.ckpt ...]
//
// Without arguments, it reads the current record of the model selected with -root and -model (or its best
// record with -best). With several records, the summary compares them side by side.
package main

import (
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/janpfeifer/must"
	"k8s.io/klog/v2"

	_ "github.com/gomlx/gomlx/backends/default"
	"github.com/gomlx/gomlx/pkg/support/fsutil"

	"github.com/gomlx/sgmvfi/pkg/checkpoint"
)

var (
	flagRoot  = flag.String("root", "log", "Root directory of the records.")
	flagModel = flag.String("model", "ours", "Name of the model whose record to read, if no record path is given.")
	flagBest  = flag.Bool("best", false, "Read the best record of -model, instead of the current one.")
	flagScope = flag.String("scope", "", "Only report the tensors under this scope, e.g. \"/fusion\". "+
		"Notice records written by a distributed run prefix the model tensors with \"/module\".")

	flagSummary  = flag.Bool("summary", true, "Display a summary of the records.")
	flagGlossary = flag.Bool("glossary", true, "Explain the columns of the -vars table.")
)

var (
	titleStyle    = lipgloss.NewStyle().Bold(true).Padding(1, 4, 1, 4)
	sectionStyle  = lipgloss.NewStyle().Bold(true)
	emphasisStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("99"))
	italicStyle   = lipgloss.NewStyle().Italic(true)
)

func main() {
	klog.InitFlags(nil)
	flag.Parse()

	paths := flag.Args()
	if len(paths) == 0 {
		p := checkpoint.Paths{Root: fsutil.MustReplaceTildeInDir(*flagRoot), Name: *flagModel}
		if *flagBest {
			paths = []string{p.Best()}
		} else {
			paths = []string{p.Current()}
		}
	}

	if *flagDeleteVars != "" || *flagPerturbVars > 0 {
		if len(paths) > 1 {
			klog.Fatalf("-delete_vars and -perturb modify a record: only one record can be given, got %d", len(paths))
		}
		if *flagDeleteVars != "" {
			must.M(DeleteVars(paths[0], strings.Split(*flagDeleteVars, ",")...))
		}
		if *flagPerturbVars > 0 {
			must.M(PerturbVars(paths[0], *flagPerturbVars))
		}
	}

	records := make([]*checkpoint.Record, len(paths))
	for ii, path := range paths {
		rec, err := checkpoint.LoadRecord(path)
		if err != nil {
			klog.Errorf("Failed to read record: %+v", err)
			os.Exit(1)
		}
		records[ii] = rec
	}
	names := MinimalUniquePaths(paths...)

	if *flagSummary {
		Summary(records, names)
	}
	if *flagVars {
		for ii, rec := range records {
			if len(records) > 1 {
				fmt.Println(sectionStyle.Render(names[ii]))
			}
			ListVariables(rec, *flagScope)
		}
	}
}
