// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package harness

import (
	"fmt"
	"io"
	"slices"
	"time"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"
	"github.com/muesli/termenv"
	"golang.org/x/exp/maps"
)

// Summary counts results by status.
type Summary struct {
	Passed, Failed, Skipped int
	Total                   time.Duration
}

// Summarize the results of a run.
func Summarize(results []Result) (s Summary) {
	for _, res := range results {
		switch res.Status {
		case Passed:
			s.Passed++
		case Failed:
			s.Failed++
		case Skipped:
			s.Skipped++
		}
		s.Total += res.Duration
	}
	return
}

// ReportOptions configures Report.
type ReportOptions struct {
	// NoColor forces a plain ASCII rendering, e.g. when writing to a file.
	NoColor bool
}

// Report renders a table with one row per test, followed by a summary table.
func Report(w io.Writer, results []Result, opts ReportOptions) error {
	renderer := lipgloss.NewRenderer(w)
	if opts.NoColor {
		renderer.SetColorProfile(termenv.Ascii)
	}
	titleStyle := renderer.NewStyle().Bold(true).Padding(1, 4, 1, 4)
	statusStyles := map[Status]lipgloss.Style{
		Passed:  renderer.NewStyle().Foreground(lipgloss.Color("42")),
		Failed:  renderer.NewStyle().Foreground(lipgloss.Color("196")).Bold(true),
		Skipped: renderer.NewStyle().Foreground(lipgloss.Color("244")),
	}

	table := newPlainTable(renderer, true)
	table.Row("Test", "Status", "Time", "Metrics")
	for _, res := range results {
		table.Row(res.Name,
			statusStyles[res.Status].Render(res.Status.String()),
			formatDuration(res.Duration),
			formatMetrics(res.Metrics))
	}
	summary := Summarize(results)
	summaryTable := newPlainTable(renderer, false)
	summaryTable.Row("tests", humanize.Comma(int64(len(results))))
	summaryTable.Row("passed", humanize.Comma(int64(summary.Passed)))
	summaryTable.Row("failed", humanize.Comma(int64(summary.Failed)))
	summaryTable.Row("skipped", humanize.Comma(int64(summary.Skipped)))
	summaryTable.Row("time", formatDuration(summary.Total))

	_, err := fmt.Fprintf(w, "%s\n%s\n%s\n%s\n",
		titleStyle.Render("Results"), table.Render(),
		titleStyle.Render("Summary"), summaryTable.Render())
	return err
}

func newPlainTable(renderer *lipgloss.Renderer, withHeader bool) *lgtable.Table {
	headerRowStyle := renderer.NewStyle().Reverse(true).Padding(0, 2, 0, 2).Align(lipgloss.Center)
	oddRowStyle := renderer.NewStyle().Foreground(lipgloss.Color("#FFF")).PaddingLeft(1).PaddingRight(1)
	evenRowStyle := renderer.NewStyle().Foreground(lipgloss.Color("#999")).PaddingLeft(1).PaddingRight(1)
	return lgtable.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(renderer.NewStyle().Foreground(lipgloss.Color("99"))).
		StyleFunc(func(row, col int) (s lipgloss.Style) {
			if withHeader && row == 1 {
				return headerRowStyle
			}
			if row%2 == 0 {
				s = oddRowStyle
			} else {
				s = evenRowStyle
			}
			if col == 0 {
				s = s.Align(lipgloss.Left)
			} else {
				s = s.Align(lipgloss.Right)
			}
			return
		})
}

func formatDuration(d time.Duration) string {
	if d < time.Second {
		return fmt.Sprintf("%s ms", humanize.FtoaWithDigits(float64(d)/float64(time.Millisecond), 1))
	}
	return fmt.Sprintf("%s s", humanize.FtoaWithDigits(d.Seconds(), 2))
}

// formatMetrics shows the number of samples and the last value of each series.
func formatMetrics(metrics map[string][]Sample) string {
	if len(metrics) == 0 {
		return "-"
	}
	var out string
	names := maps.Keys(metrics)
	slices.Sort(names)
	for _, name := range names {
		series := metrics[name]
		if len(out) > 0 {
			out += ", "
		}
		out += fmt.Sprintf("%s=%s (%s steps)", name,
			humanize.FtoaWithDigits(series[len(series)-1].Value, 4),
			humanize.Comma(int64(len(series))))
	}
	return out
}
