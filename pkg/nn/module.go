// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package nn provides a small torch-like module surface (layers, containers, losses and a Model
// that executes them) on top of GoMLX layers.
//
// Modules only describe computation: Forward builds the graph for its input, creating (or reusing)
// its variables in the given context scope. A Model binds a Module to a context and a device and
// executes it.
//
// Example:
//
//	net := nn.NewSequential(
//		nn.Linear(10, 3).Make(),
//		nn.Linear(3, 5).Make(),
//	).WithActivation(nn.ReLU)
//	model := nn.NewModel(devs, net)
//	y, err := model.Forward(x)
package nn

import (
	"fmt"

	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
)

// Module is a building block of a model.
type Module interface {
	// Forward builds the module's computation for x. Variables are created in ctx's current scope.
	Forward(ctx *context.Context, x *Node) *Node

	// Train sets the module in training mode (the default).
	Train()

	// Eval sets the module in evaluation mode.
	Eval()

	// IsTraining reports the mode of the module.
	IsTraining() bool
}

// Container is a Module composed of other modules.
type Container interface {
	Module
	Children() []Module
}

// Activation is applied between modules of a Sequential.
type Activation func(x *Node) *Node

// mode implements the Train/Eval part of Module. The zero value is training.
type mode struct {
	eval bool
}

func (m *mode) Train()           { m.eval = false }
func (m *mode) Eval()            { m.eval = true }
func (m *mode) IsTraining() bool { return !m.eval }

// scoped runs a Module in a sub-scope of the context it is given.
type scoped struct {
	Module
	scope string
}

// Forward implements Module.
func (s *scoped) Forward(ctx *context.Context, x *Node) *Node {
	return s.Module.Forward(ctx.In(s.scope), x)
}

// Unwrap returns the module without its scope.
func (s *scoped) Unwrap() Module { return s.Module }

// Unwrap returns the module m wraps, or m itself if it isn't wrapped by a container.
func Unwrap(m Module) Module {
	if s, ok := m.(*scoped); ok {
		return s.Module
	}
	return m
}

// Sequential applies its modules one after the other. Each module gets its own sub-scope,
// named after its position: "0", "1", ...
type Sequential struct {
	mode
	modules    []Module
	activation Activation
}

var _ Container = (*Sequential)(nil)

// NewSequential creates a Sequential with the given modules.
func NewSequential(modules ...Module) *Sequential {
	s := &Sequential{}
	for _, m := range modules {
		s.Append(m)
	}
	return s
}

// Append a module to the sequence. It returns the Sequential, so calls can be chained.
func (s *Sequential) Append(m Module) *Sequential {
	if m == nil {
		exceptions.Panicf("nn.Sequential.Append: nil module")
	}
	s.modules = append(s.modules, &scoped{Module: m, scope: fmt.Sprintf("%d", len(s.modules))})
	return s
}

// WithActivation sets an activation applied after every module.
func (s *Sequential) WithActivation(fn Activation) *Sequential {
	s.activation = fn
	return s
}

// Len returns the number of modules.
func (s *Sequential) Len() int { return len(s.modules) }

// Modules returns the modules in order, already bound to their sub-scopes: calling Forward on them
// directly uses the same variables as Sequential.Forward.
func (s *Sequential) Modules() []Module { return s.modules }

// Children implements Container.
func (s *Sequential) Children() []Module { return s.modules }

// Forward implements Module.
func (s *Sequential) Forward(ctx *context.Context, x *Node) *Node {
	for _, m := range s.modules {
		x = m.Forward(ctx, x)
		if s.activation != nil {
			x = s.activation(x)
		}
	}
	return x
}

// Train implements Module, and propagates to the children.
func (s *Sequential) Train() {
	s.mode.Train()
	for _, m := range s.modules {
		m.Train()
	}
}

// Eval implements Module, and propagates to the children.
func (s *Sequential) Eval() {
	s.mode.Eval()
	for _, m := range s.modules {
		m.Eval()
	}
}

// Named holds modules by name, each in a sub-scope with its name.
//
// Its Forward applies the modules in the order they were added, but usually a model embeds a Named
// and writes its own Forward using the modules returned by Add.
type Named struct {
	mode
	names   []string
	modules map[string]Module
}

var _ Container = (*Named)(nil)

// NewNamed creates an empty Named container.
func NewNamed() *Named {
	return &Named{modules: make(map[string]Module)}
}

// Add registers m under name and returns it bound to the name's sub-scope.
// It panics if name is empty or already used.
func (n *Named) Add(m Module, name string) Module {
	if n.modules == nil {
		n.modules = make(map[string]Module)
	}
	if name == "" || m == nil {
		exceptions.Panicf("nn.Named.Add: name (%q) and module must be set", name)
	}
	if _, found := n.modules[name]; found {
		exceptions.Panicf("nn.Named.Add: module %q already registered", name)
	}
	s := &scoped{Module: m, scope: name}
	n.names = append(n.names, name)
	n.modules[name] = s
	return s
}

// Get returns the module registered under name, or nil.
func (n *Named) Get(name string) Module { return n.modules[name] }

// Names returns the names in the order they were added.
func (n *Named) Names() []string { return n.names }

// Children implements Container.
func (n *Named) Children() []Module {
	children := make([]Module, 0, len(n.names))
	for _, name := range n.names {
		children = append(children, n.modules[name])
	}
	return children
}

// Forward implements Module.
func (n *Named) Forward(ctx *context.Context, x *Node) *Node {
	for _, name := range n.names {
		x = n.modules[name].Forward(ctx, x)
	}
	return x
}

// Train implements Module, and propagates to the children.
func (n *Named) Train() {
	n.mode.Train()
	for _, m := range n.modules {
		m.Train()
	}
}

// Eval implements Module, and propagates to the children.
func (n *Named) Eval() {
	n.mode.Eval()
	for _, m := range n.modules {
		m.Eval()
	}
}
