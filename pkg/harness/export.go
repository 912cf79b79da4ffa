// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package harness

import (
	"os"
	"path/filepath"
	"slices"

	"github.com/go-gota/gota/dataframe"
	"github.com/go-gota/gota/series"
	"github.com/pkg/errors"
	"golang.org/x/exp/maps"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/plotutil"
	"gonum.org/v1/plot/vg"
)

// ResultsFrame converts the results to a dataframe with the columns
// "name", "status", "seconds" and "error".
func ResultsFrame(results []Result) dataframe.DataFrame {
	names := make([]string, len(results))
	statuses := make([]string, len(results))
	seconds := make([]float64, len(results))
	errs := make([]string, len(results))
	for ii, res := range results {
		names[ii] = res.Name
		statuses[ii] = res.Status.String()
		seconds[ii] = res.Duration.Seconds()
		if res.Err != nil {
			errs[ii] = res.Err.Error()
		}
	}
	return dataframe.New(
		series.New(names, series.String, "name"),
		series.New(statuses, series.String, "status"),
		series.New(seconds, series.Float, "seconds"),
		series.New(errs, series.String, "error"),
	)
}

// WriteCSV saves the results as a CSV file, see ResultsFrame for the columns.
func WriteCSV(filePath string, results []Result) error {
	df := ResultsFrame(results)
	if df.Err != nil {
		return errors.Wrap(df.Err, "building results dataframe")
	}
	f, err := os.Create(filePath)
	if err != nil {
		return errors.Wrapf(err, "creating %q", filePath)
	}
	if err = df.WriteCSV(f); err != nil {
		_ = f.Close()
		return errors.Wrapf(err, "writing results to %q", filePath)
	}
	return errors.Wrapf(f.Close(), "closing %q", filePath)
}

// PlotMetrics writes one PNG per test with recorded metrics, with one line per series.
// It returns the paths of the files created.
func PlotMetrics(dir string, results []Result) ([]string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrapf(err, "creating plot directory %q", dir)
	}
	var files []string
	for _, res := range results {
		if len(res.Metrics) == 0 {
			continue
		}
		p := plot.New()
		p.Title.Text = res.Name
		p.X.Label.Text = "step"
		p.Y.Label.Text = "value"
		p.Add(plotter.NewGrid())
		var lines []any
		names := maps.Keys(res.Metrics)
		slices.Sort(names)
		for _, name := range names {
			samples := res.Metrics[name]
			xys := make(plotter.XYs, len(samples))
			for ii, s := range samples {
				xys[ii].X = float64(s.Step)
				xys[ii].Y = s.Value
			}
			lines = append(lines, name, xys)
		}
		if err := plotutil.AddLines(p, lines...); err != nil {
			return files, errors.Wrapf(err, "plotting metrics of %q", res.Name)
		}
		filePath := filepath.Join(dir, unsafePathChars.ReplaceAllString(res.Name, "_")+".png")
		if err := p.Save(8*vg.Inch, 5*vg.Inch, filePath); err != nil {
			return files, errors.Wrapf(err, "saving plot to %q", filePath)
		}
		files = append(files, filePath)
	}
	return files, nil
}
