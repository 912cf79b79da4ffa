// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package harness runs named smoke tests against the GoMLX engine.
//
// Tests are plain closures registered under a name in a Registry. A Runner executes them
// sequentially, in lexicographic order of their names, printing "Doing <name>" before each one
// and "Done!" at the end.
//
// A test reports a failed expectation with T.Expect, which panics with a *Failure carrying
// the file and line of the call. Depending on the Mode, the Runner either stops at the first
// failure (Strict) or reports it and moves on to the next test (Lenient).
//
// Example:
//
//	r := harness.NewRegistry()
//	r.Register("linear/basic", func(t *harness.T) {
//		y := ... // Build and run a model.
//		t.Expect(y.Rank() == 2, "y.Rank() == 2")
//	})
//	runner := &harness.Runner{Env: env, Mode: harness.Lenient}
//	results, err := runner.Run(ctx, r)
package harness

import (
	"slices"
	"strings"
	"sync"

	"github.com/gomlx/exceptions"
	"golang.org/x/exp/maps"
)

// Func is a registered test. It reports failures by panicking, usually through T.Expect.
type Func func(t *T)

// Registry maps test names to their functions. It is safe for concurrent registration.
type Registry struct {
	mu    sync.Mutex
	tests map[string]Func
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{tests: make(map[string]Func)}
}

// Register a test under the given name.
// It panics if the name is empty or already registered.
func (r *Registry) Register(name string, fn Func) {
	if strings.TrimSpace(name) == "" {
		exceptions.Panicf("harness: cannot register a test with an empty name")
	}
	if fn == nil {
		exceptions.Panicf("harness: test %q registered with a nil function", name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, found := r.tests[name]; found {
		exceptions.Panicf("harness: test %q registered twice", name)
	}
	r.tests[name] = fn
}

// Get returns the test registered with name, or nil.
func (r *Registry) Get(name string) Func {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.tests[name]
}

// Len returns the number of registered tests.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.tests)
}

// Names returns the registered names sorted by byte order, the order in which they are run.
// So "a/~last" sorts after "a/z".
func (r *Registry) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := maps.Keys(r.tests)
	slices.Sort(names)
	return names
}
