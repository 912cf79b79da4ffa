// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// smoketest_checkpoints lists the variables of a model saved by the smoke tests (see nn.Save),
// e.g. the XOR checkpoints left behind by `smoketest -keep_work_dir`.
//
// Usage:
//
//	smoketest_checkpoints [-scope=/model] [-params] <checkpoint_dir>
package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"slices"
	"strings"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/checkpoints"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/gomlx/smoketest/pkg/nn"
)

var (
	flagScope  = flag.String("scope", context.RootScope+nn.ModelScope, "Only variables under this scope are listed.")
	flagParams = flag.Bool("params", false, "Also list the hyperparameters stored in the checkpoint.")
)

func main() {
	klog.InitFlags(nil)
	flag.Parse()
	args := flag.Args()
	if len(args) != 1 {
		klog.Errorf("Expected exactly one checkpoint directory. See 'smoketest_checkpoints -help'.")
		os.Exit(1)
	}
	if err := inspect(os.Stdout, args[0], *flagScope, *flagParams); err != nil {
		klog.Errorf("%+v", err)
		os.Exit(1)
	}
}

var (
	headerRowStyle = lipgloss.NewStyle().Reverse(true).Padding(0, 2, 0, 2).Align(lipgloss.Center)
	rowStyle       = lipgloss.NewStyle().PaddingLeft(1).PaddingRight(1)
	titleStyle     = lipgloss.NewStyle().Bold(true).Padding(1, 4, 1, 4)
)

func newTable(withHeader bool) *lgtable.Table {
	return lgtable.New().
		Border(lipgloss.NormalBorder()).
		StyleFunc(func(row, col int) lipgloss.Style {
			if withHeader && row == 1 {
				return headerRowStyle
			}
			if col == 0 {
				return rowStyle.Align(lipgloss.Left)
			}
			return rowStyle.Align(lipgloss.Right)
		})
}

// inspect loads the checkpoint in dir and writes the summary and variables tables to w.
func inspect(w io.Writer, dir, scope string, withParams bool) error {
	if _, err := os.Stat(dir); err != nil {
		return errors.Wrapf(err, "checkpoint %q", dir)
	}
	ctx := context.New()
	handler, err := checkpoints.Load(ctx).Dir(dir).Immediate().Done()
	if err != nil {
		return errors.WithMessagef(err, "loading checkpoint %q", dir)
	}
	if found, err := handler.HasCheckpoints(); err != nil || !found {
		return errors.Errorf("no checkpoint found in %q (err=%v)", dir, err)
	}
	scopedCtx := ctx.InAbsPath(scope)

	var rows [][]string
	var totalSize int
	var totalMemory uintptr
	for v := range scopedCtx.IterVariablesInScope() {
		shape := v.Shape()
		totalSize += shape.Size()
		totalMemory += shape.Memory()
		rows = append(rows, []string{
			v.ScopeAndName(), shape.String(),
			humanize.Comma(int64(shape.Size())),
			humanize.Bytes(uint64(shape.Memory())),
		})
	}
	slices.SortFunc(rows, func(a, b []string) int { return strings.Compare(a[0], b[0]) })

	_, _ = fmt.Fprintln(w, titleStyle.Render("Summary"))
	summary := newTable(false)
	summary.Row("checkpoint", dir)
	summary.Row("scope", scope)
	summary.Row("# variables", humanize.Comma(int64(len(rows))))
	summary.Row("# parameters", humanize.Comma(int64(totalSize)))
	summary.Row("# bytes", humanize.Bytes(uint64(totalMemory)))
	_, _ = fmt.Fprintln(w, summary.Render())

	_, _ = fmt.Fprintln(w, titleStyle.Render("Variables"))
	vars := newTable(true)
	vars.Row("Variable", "Shape", "Size", "Bytes")
	for _, row := range rows {
		vars.Row(row...)
	}
	_, _ = fmt.Fprintln(w, vars.Render())

	if withParams {
		_, _ = fmt.Fprintln(w, titleStyle.Render("Hyperparameters"))
		params := newTable(true)
		params.Row("Scope", "Name", "Type", "Value")
		ctx.EnumerateParams(func(scope, key string, value any) {
			params.Row(scope, key, fmt.Sprintf("%T", value), fmt.Sprintf("%v", value))
		})
		_, _ = fmt.Fprintln(w, params.Render())
	}
	return nil
}
