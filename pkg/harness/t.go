// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package harness

import (
	"fmt"
	"hash/fnv"
	"io"
	"math/rand"
	"os"
	"path/filepath"
	"regexp"
	"runtime"

	"github.com/gomlx/gomlx/backends"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/schollz/progressbar/v3"
	"k8s.io/klog/v2"

	"github.com/gomlx/smoketest/pkg/devices"
)

// NoCUDAMessage is the skip reason reported by T.CUDA when there is no CUDA backend.
const NoCUDAMessage = "No cuda, skipping test"

// Env holds the resources shared by all tests of a run.
type Env struct {
	// Devices provides the CPU backend and, if available, the CUDA one.
	Devices *devices.Set

	// DataDir is the base directory for datasets, e.g. MNIST files.
	DataDir string

	// Download allows tests to fetch missing datasets.
	Download bool

	// CPUFallback lets integration tests that would otherwise require CUDA run on the CPU backend.
	CPUFallback bool

	// Seed for the per-test random number generators.
	Seed int64

	// RunID identifies the run. It names the scratch directory under WorkDir.
	RunID uuid.UUID

	// WorkDir is where tests create scratch files (checkpoints). Defaults to os.TempDir().
	WorkDir string

	// KeepWorkDir disables the removal of the scratch directories after each test.
	KeepWorkDir bool
}

// Failure is the error raised by a failed expectation.
type Failure struct {
	File string
	Line int
	Code string
}

// Error implements error, formatted as "<file>:<line>: <code>".
func (f *Failure) Error() string {
	return fmt.Sprintf("%s:%d: %s", f.File, f.Line, f.Code)
}

// Skip is raised by T.Skipf to end a test early without failing it.
type Skip struct {
	Reason string
}

// Error implements error.
func (s *Skip) Error() string { return s.Reason }

// Sample is one recorded value of a metric series.
type Sample struct {
	Step  int
	Value float64
}

// T is the handle given to each test.
type T struct {
	name    string
	env     *Env
	out     io.Writer
	rng     *rand.Rand
	dirs    []string
	metrics map[string][]Sample
}

func newT(name string, env *Env, out io.Writer) *T {
	h := fnv.New64a()
	_, _ = h.Write([]byte(name))
	return &T{
		name:    name,
		env:     env,
		out:     out,
		rng:     rand.New(rand.NewSource(env.Seed ^ int64(h.Sum64()))),
		metrics: make(map[string][]Sample),
	}
}

// Name of the running test.
func (t *T) Name() string { return t.name }

// Env returns the shared run resources.
func (t *T) Env() *Env { return t.env }

// Rand returns the test's random number generator, seeded from Env.Seed and the test name.
func (t *T) Rand() *rand.Rand { return t.rng }

// Printf writes to the runner's output, like the tests' own progress messages.
func (t *T) Printf(format string, args ...any) {
	_, _ = fmt.Fprintf(t.out, format, args...)
}

// Output is the runner's output writer, for progress bars and the like.
func (t *T) Output() io.Writer { return t.out }

// Logf logs at verbosity 1, prefixed with the test name.
func (t *T) Logf(format string, args ...any) {
	klog.V(1).InfoDepth(1, fmt.Sprintf("[%s] ", t.name)+fmt.Sprintf(format, args...))
}

// Expect panics with a *Failure pointing to the caller if cond is false.
// code is the text of the checked condition, reported in the failure message.
func (t *T) Expect(cond bool, code string) {
	if cond {
		return
	}
	panic(newFailure(2, code))
}

// Expectf is like Expect, with a formatted description.
func (t *T) Expectf(cond bool, format string, args ...any) {
	if cond {
		return
	}
	panic(newFailure(2, fmt.Sprintf(format, args...)))
}

// NoError fails the test if err is not nil.
func (t *T) NoError(err error) {
	if err == nil {
		return
	}
	panic(newFailure(2, fmt.Sprintf("unexpected error: %v", err)))
}

// Skipf ends the test as skipped.
func (t *T) Skipf(format string, args ...any) {
	panic(&Skip{Reason: fmt.Sprintf(format, args...)})
}

// CPU returns the CPU backend.
func (t *T) CPU() backends.Backend {
	return t.env.Devices.CPU()
}

// CUDA returns the CUDA backend, or skips the test with NoCUDAMessage if there is none.
func (t *T) CUDA() backends.Backend {
	backend, err := t.env.Devices.CUDA()
	if err != nil {
		t.Logf("CUDA unavailable: %v", err)
		t.Skipf(NoCUDAMessage)
	}
	return backend
}

// Record appends a value to the metric series, e.g. a training loss.
func (t *T) Record(series string, step int, value float64) {
	t.metrics[series] = append(t.metrics[series], Sample{Step: step, Value: value})
}

var unsafePathChars = regexp.MustCompile(`[^A-Za-z0-9_.-]+`)

// TempDir creates a scratch directory for the test. It is removed when the test finishes,
// unless Env.KeepWorkDir is set.
func (t *T) TempDir() string {
	base := t.env.WorkDir
	if base == "" {
		base = os.TempDir()
	}
	base = filepath.Join(base, "smoketest-"+t.env.RunID.String())
	if err := os.MkdirAll(base, 0o755); err != nil {
		panic(errors.Wrapf(err, "creating work directory %q", base))
	}
	dir, err := os.MkdirTemp(base, unsafePathChars.ReplaceAllString(t.name, "_")+"-")
	if err != nil {
		panic(errors.Wrapf(err, "creating scratch directory for %q", t.name))
	}
	t.dirs = append(t.dirs, dir)
	return dir
}

// Progress creates a progress bar writing to the runner's output.
func (t *T) Progress(total int, description string) *progressbar.ProgressBar {
	return progressbar.NewOptions(total,
		progressbar.OptionSetDescription(description),
		progressbar.OptionSetWriter(t.out),
		progressbar.OptionShowCount(),
		progressbar.OptionSetTheme(progressbar.ThemeUnicode),
		progressbar.OptionOnCompletion(func() { _, _ = fmt.Fprintln(t.out) }),
	)
}

func (t *T) cleanup() {
	if t.env.KeepWorkDir {
		return
	}
	for _, dir := range t.dirs {
		if err := os.RemoveAll(dir); err != nil {
			klog.Warningf("failed to remove %q: %v", dir, err)
		}
	}
}

func newFailure(skip int, code string) *Failure {
	_, file, line, ok := runtime.Caller(skip)
	if !ok {
		file, line = "???", 0
	}
	return &Failure{File: filepath.Base(file), Line: line, Code: code}
}
