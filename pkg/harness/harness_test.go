// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package harness

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"runtime"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRunner(mode Mode) (*Runner, *bytes.Buffer, *bytes.Buffer) {
	var out, errOut bytes.Buffer
	return &Runner{
		Env:    &Env{Seed: 42, RunID: uuid.New()},
		Mode:   mode,
		Out:    &out,
		ErrOut: &errOut,
	}, &out, &errOut
}

func TestRegistryOrder(t *testing.T) {
	r := NewRegistry()
	for _, name := range []string{"autograd/~integration/mnist", "autograd/linear/basic1", "autograd/LSTM/1",
		"autograd/conv2d/even", "autograd/conv1d/even"} {
		r.Register(name, func(*T) {})
	}
	assert.Equal(t, []string{
		"autograd/LSTM/1",
		"autograd/conv1d/even",
		"autograd/conv2d/even",
		"autograd/linear/basic1",
		"autograd/~integration/mnist",
	}, r.Names())
	assert.Equal(t, 5, r.Len())

	assert.Panics(t, func() { r.Register("autograd/LSTM/1", func(*T) {}) })
	assert.Panics(t, func() { r.Register("", func(*T) {}) })
	assert.Panics(t, func() { r.Register("nil", nil) })
}

func TestExpectFailureLocation(t *testing.T) {
	tt := newT("x", &Env{}, &bytes.Buffer{})
	var line int
	exception := catch(func() {
		_, _, line, _ = runtime.Caller(0)
		tt.Expect(1+1 == 3, "1+1 == 3")
	})
	failure, ok := exception.(*Failure)
	require.True(t, ok, "expected *Failure, got %T", exception)
	assert.Equal(t, "harness_test.go", failure.File)
	assert.Equal(t, line+1, failure.Line)
	assert.Equal(t, fmt.Sprintf("harness_test.go:%d: 1+1 == 3", line+1), failure.Error())

	assert.Nil(t, catch(func() { tt.Expect(true, "true") }))
	exception = catch(func() { tt.Expectf(false, "sum=%d < %d", 140, 130) })
	require.IsType(t, &Failure{}, exception)
	assert.True(t, strings.HasSuffix(exception.(error).Error(), ": sum=140 < 130"))
}

func catch(fn func()) (exception any) {
	defer func() { exception = recover() }()
	fn()
	return
}

func registryForModes() (*Registry, *[]string) {
	var ran []string
	r := NewRegistry()
	r.Register("a/pass", func(t *T) { ran = append(ran, t.Name()) })
	r.Register("b/fail", func(t *T) {
		ran = append(ran, t.Name())
		t.Expect(false, "false")
	})
	r.Register("c/skip", func(t *T) {
		ran = append(ran, t.Name())
		t.Skipf(NoCUDAMessage)
		t.Expect(false, "never reached")
	})
	r.Register("d/panic", func(t *T) {
		ran = append(ran, t.Name())
		panic(errors.New("engine exploded"))
	})
	r.Register("e/pass", func(t *T) { ran = append(ran, t.Name()) })
	return r, &ran
}

func TestRunnerStrict(t *testing.T) {
	r, ran := registryForModes()
	runner, out, _ := newTestRunner(Strict)
	results, err := runner.Run(context.Background(), r)
	require.Error(t, err)
	assert.Contains(t, err.Error(), `test "b/fail" failed`)
	var failure *Failure
	require.True(t, errors.As(err, &failure))
	assert.Equal(t, "false", failure.Code)
	assert.Equal(t, []string{"a/pass", "b/fail"}, *ran)
	require.Len(t, results, 2)
	assert.Equal(t, Passed, results[0].Status)
	assert.Equal(t, Failed, results[1].Status)
	assert.Equal(t, "Doing a/pass\nDoing b/fail\n", out.String())
}

func TestRunnerLenient(t *testing.T) {
	r, ran := registryForModes()
	runner, out, errOut := newTestRunner(Lenient)
	results, err := runner.Run(context.Background(), r)
	require.NoError(t, err)
	assert.Equal(t, []string{"a/pass", "b/fail", "c/skip", "d/panic", "e/pass"}, *ran)

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 8)
	assert.Equal(t, "Doing a/pass", lines[0])
	assert.Equal(t, "Doing b/fail", lines[1])
	assert.Regexp(t, regexp.MustCompile(`^Test failed! harness_test\.go:\d+: false$`), lines[2])
	assert.Equal(t, "Doing c/skip", lines[3])
	assert.Equal(t, "Doing d/panic", lines[4])
	assert.Equal(t, "Test failed! engine exploded", lines[5])
	assert.Equal(t, "Doing e/pass", lines[6])
	assert.Equal(t, "Done!", lines[7])
	assert.Equal(t, NoCUDAMessage+"\n", errOut.String())

	summary := Summarize(results)
	assert.Equal(t, 2, summary.Passed)
	assert.Equal(t, 2, summary.Failed)
	assert.Equal(t, 1, summary.Skipped)
}

func TestRunnerStrictIgnoresSkips(t *testing.T) {
	r := NewRegistry()
	r.Register("a/skip", func(t *T) { t.Skipf("nothing to do") })
	r.Register("b/pass", func(t *T) {})
	runner, out, _ := newTestRunner(Strict)
	results, err := runner.Run(context.Background(), r)
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, Skipped, results[0].Status)
	assert.True(t, strings.HasSuffix(out.String(), "Done!\n"))
}

func TestRunnerFilterAndCancel(t *testing.T) {
	r, ran := registryForModes()
	runner, _, _ := newTestRunner(Lenient)
	runner.Filter = regexp.MustCompile("pass$")
	assert.Equal(t, []string{"a/pass", "e/pass"}, runner.Selected(r))
	_, err := runner.Run(context.Background(), r)
	require.NoError(t, err)
	assert.Equal(t, []string{"a/pass", "e/pass"}, *ran)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	results, err := runner.Run(ctx, r)
	require.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, results)
}

func TestTempDirAndMetrics(t *testing.T) {
	var dir string
	r := NewRegistry()
	r.Register("io/tmp", func(tt *T) {
		dir = tt.TempDir()
		tt.NoError(os.WriteFile(filepath.Join(dir, "x"), []byte("x"), 0o644))
		for step := range 3 {
			tt.Record("loss", step, 1.0/float64(step+1))
		}
	})
	runner, _, _ := newTestRunner(Lenient)
	runner.Env.WorkDir = t.TempDir()
	results, err := runner.Run(context.Background(), r)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, Passed, results[0].Status)
	assert.Len(t, results[0].Metrics["loss"], 3)
	assert.NoDirExists(t, dir)
}

func TestRandIsDeterministic(t *testing.T) {
	env := &Env{Seed: 7}
	a := newT("same", env, &bytes.Buffer{}).Rand().Int63()
	b := newT("same", env, &bytes.Buffer{}).Rand().Int63()
	c := newT("other", env, &bytes.Buffer{}).Rand().Int63()
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
}
