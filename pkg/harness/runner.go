// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package harness

import (
	"context"
	"fmt"
	"io"
	"os"
	"regexp"
	"time"

	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Mode selects how the Runner handles failures.
type Mode int

const (
	// Strict stops at the first failed test and returns its error.
	Strict Mode = iota

	// Lenient reports each failure with "Test failed! <message>" and continues.
	Lenient
)

// String implements fmt.Stringer.
func (m Mode) String() string {
	switch m {
	case Strict:
		return "strict"
	case Lenient:
		return "lenient"
	}
	return fmt.Sprintf("Mode(%d)", int(m))
}

// Status of a finished test.
type Status int

const (
	Passed Status = iota
	Failed
	Skipped
)

// String implements fmt.Stringer.
func (s Status) String() string {
	switch s {
	case Passed:
		return "passed"
	case Failed:
		return "failed"
	case Skipped:
		return "skipped"
	}
	return fmt.Sprintf("Status(%d)", int(s))
}

// Result of one test.
type Result struct {
	Name     string
	Status   Status
	Err      error
	Duration time.Duration
	Metrics  map[string][]Sample
}

// Runner executes the tests of a Registry, one at a time.
type Runner struct {
	Env  *Env
	Mode Mode

	// Filter, if set, selects the tests to run by name.
	Filter *regexp.Regexp

	// Out receives the protocol lines ("Doing", "Test failed!", "Done!"). Defaults to os.Stdout.
	Out io.Writer

	// ErrOut receives skip reasons. Defaults to os.Stderr.
	ErrOut io.Writer
}

func (r *Runner) out() io.Writer {
	if r.Out == nil {
		return os.Stdout
	}
	return r.Out
}

func (r *Runner) errOut() io.Writer {
	if r.ErrOut == nil {
		return os.Stderr
	}
	return r.ErrOut
}

// Selected returns the names of the tests the Runner would run, in order.
func (r *Runner) Selected(registry *Registry) []string {
	names := registry.Names()
	if r.Filter == nil {
		return names
	}
	selected := names[:0]
	for _, name := range names {
		if r.Filter.MatchString(name) {
			selected = append(selected, name)
		}
	}
	return selected
}

// Run executes the selected tests in order.
//
// In Strict mode it returns the results up to and including the first failure, plus that failure
// as an error. In Lenient mode the returned error is only set if ctx is cancelled.
// "Done!" is printed once all selected tests ran.
func (r *Runner) Run(ctx context.Context, registry *Registry) ([]Result, error) {
	if r.Env == nil {
		return nil, errors.New("harness.Runner requires an Env")
	}
	w := r.out()
	names := r.Selected(registry)
	results := make([]Result, 0, len(names))
	for _, name := range names {
		if err := ctx.Err(); err != nil {
			return results, errors.Wrapf(err, "run interrupted before %q", name)
		}
		_, _ = fmt.Fprintf(w, "Doing %s\n", name)
		res := r.runOne(name, registry.Get(name))
		results = append(results, res)
		switch res.Status {
		case Skipped:
			_, _ = fmt.Fprintln(r.errOut(), res.Err.Error())
		case Failed:
			if r.Mode == Strict {
				var failure *Failure
				if !errors.As(res.Err, &failure) {
					// Unexpected errors carry the stack trace of where they were raised.
					klog.Errorf("%q raised: %+v", name, res.Err)
				}
				return results, errors.WithMessagef(res.Err, "test %q failed", name)
			}
			_, _ = fmt.Fprintf(w, "Test failed! %v\n", res.Err)
		}
		klog.V(1).Infof("%s: %s in %s", name, res.Status, res.Duration)
	}
	_, _ = fmt.Fprintln(w, "Done!")
	return results, nil
}

func (r *Runner) runOne(name string, fn Func) (res Result) {
	t := newT(name, r.Env, r.out())
	defer t.cleanup()
	res.Name = name
	start := time.Now()
	exception := exceptions.Try(func() { fn(t) })
	res.Duration = time.Since(start)
	res.Metrics = t.metrics
	switch e := exception.(type) {
	case nil:
		res.Status = Passed
	case *Skip:
		res.Status = Skipped
		res.Err = e
	case error:
		res.Status = Failed
		res.Err = e
	default:
		res.Status = Failed
		res.Err = errors.Errorf("%v", e)
	}
	return
}
