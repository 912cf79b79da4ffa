// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// smoketest runs the autograd smoke tests against a GoMLX backend.
//
// With no positional arguments it stops at the first failure, returning a non-zero exit status.
// With any positional argument (its value is ignored) it reports each failure as
// "Test failed! <message>" and goes on with the next test.
//
// Usage:
//
//	smoketest [flags] [keep-going]
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"regexp"

	"github.com/gomlx/gomlx/pkg/support/fsutil"
	"github.com/google/uuid"
	"k8s.io/klog/v2"

	"github.com/gomlx/smoketest/pkg/devices"
	"github.com/gomlx/smoketest/pkg/harness"
	"github.com/gomlx/smoketest/pkg/suites/autograd"
)

var (
	flagBackend = flag.String("backend", "", "Configuration of the CPU backend. "+
		"If empty, it is taken from the GOMLX_BACKEND environment variable, or the default backend is used.")
	flagRun  = flag.String("run", "", "Regular expression selecting the tests to run by name.")
	flagList = flag.Bool("list", false, "List the tests, in the order they run, and exit.")

	flagMNISTDir = flag.String("mnist_dir", "mnist", "Directory with the MNIST files, raw or gzipped.")
	flagDownload = flag.Bool("download", false, "Download the MNIST files to -mnist_dir if missing.")
	flagMNISTCPU = flag.Bool("mnist_cpu", false, "Run the MNIST integration test on the CPU if there is no CUDA backend.")

	flagSeed    = flag.Int64("seed", 42, "Seed for the tests' random number generators.")
	flagWorkDir = flag.String("work_dir", "", "Directory for the tests' scratch files. Defaults to the system temporary directory.")
	flagKeep    = flag.Bool("keep_work_dir", false, "Don't remove the tests' scratch files.")

	flagReport     = flag.Bool("report", false, "Print a table with the results at the end.")
	flagResultsCSV = flag.String("results_csv", "", "If set, write the results as CSV to this file.")
	flagPlotDir    = flag.String("plot_dir", "", "If set, write a plot for each recorded metric (e.g. training losses) to this directory.")
	flagFailExit   = flag.Bool("fail_exit", false, "In lenient mode, exit with status 1 if any test failed.")
)

func main() {
	klog.InitFlags(nil)
	flag.Usage = func() {
		_, _ = fmt.Fprintf(flag.CommandLine.Output(), "Usage: %s [flags] [keep-going]\n\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()

	registry := harness.NewRegistry()
	autograd.Register(registry)
	var devs *devices.Set
	newDevices := func() (*devices.Set, error) {
		var err error
		devs, err = devices.New(*flagBackend)
		return devs, err
	}
	status := run(flag.Args(), registry, newDevices, os.Stdout, os.Stderr)
	if devs != nil {
		devs.Finalize()
	}
	os.Exit(status)
}

// run executes the selected tests of registry and returns the exit status.
// Any positional argument in args selects the lenient mode. newDevices is only called if tests
// are going to run, and the caller owns the devices it returns.
func run(args []string, registry *harness.Registry, newDevices func() (*devices.Set, error),
	out, errOut io.Writer) int {
	mode := harness.Strict
	if len(args) > 0 {
		mode = harness.Lenient
	}
	runner := &harness.Runner{Mode: mode, Out: out, ErrOut: errOut}
	if *flagRun != "" {
		filter, err := regexp.Compile(*flagRun)
		if err != nil {
			_, _ = fmt.Fprintf(errOut, "invalid -run=%q: %v\n", *flagRun, err)
			return 2
		}
		runner.Filter = filter
	}
	if *flagList {
		for _, name := range runner.Selected(registry) {
			_, _ = fmt.Fprintln(out, name)
		}
		return 0
	}

	devs, err := newDevices()
	if err != nil {
		_, _ = fmt.Fprintf(errOut, "Failed to create backend: %+v\n", err)
		return 1
	}
	dataDir, err := fsutil.ReplaceTildeInDir(*flagMNISTDir)
	if err != nil {
		_, _ = fmt.Fprintf(errOut, "invalid -mnist_dir=%q: %+v\n", *flagMNISTDir, err)
		return 2
	}
	runner.Env = &harness.Env{
		Devices:     devs,
		DataDir:     dataDir,
		Download:    *flagDownload,
		CPUFallback: *flagMNISTCPU,
		Seed:        *flagSeed,
		RunID:       uuid.New(),
		WorkDir:     *flagWorkDir,
		KeepWorkDir: *flagKeep,
	}
	klog.V(1).Infof("run %s: %s mode, CPU backend %s", runner.Env.RunID, mode, devs.CPU().Name())

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()
	results, runErr := runner.Run(ctx, registry)
	if err := export(out, results); err != nil {
		klog.Errorf("Failed to export results: %+v", err)
	}
	if runErr != nil {
		_, _ = fmt.Fprintf(errOut, "%v\n", runErr)
		return 1
	}
	if *flagFailExit && harness.Summarize(results).Failed > 0 {
		return 1
	}
	return 0
}

// export writes the results as requested by the flags.
func export(out io.Writer, results []harness.Result) error {
	if *flagReport {
		if err := harness.Report(out, results, harness.ReportOptions{}); err != nil {
			return err
		}
	}
	if *flagResultsCSV != "" {
		if err := harness.WriteCSV(*flagResultsCSV, results); err != nil {
			return err
		}
		klog.Infof("Results written to %s", *flagResultsCSV)
	}
	if *flagPlotDir != "" {
		paths, err := harness.PlotMetrics(*flagPlotDir, results)
		if err != nil {
			return err
		}
		for _, p := range paths {
			klog.Infof("Plot written to %s", p)
		}
	}
	return nil
}
