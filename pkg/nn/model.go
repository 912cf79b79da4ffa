// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package nn

import (
	"sort"
	"strings"
	"sync"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/smoketest/pkg/devices"
	"github.com/pkg/errors"
	"github.com/x448/float16"
	"k8s.io/klog/v2"
)

// ModelScope is the scope, under the context root, holding the variables of the model's module.
const ModelScope = "model"

// GraphFn builds a computation for Model.Exec. inputs are the arguments given to the executable.
type GraphFn func(ctx *context.Context, inputs []*Node) []*Node

// LossFn computes a scalar loss from the output of a model and its labels.
type LossFn func(output *Node, labels []*Node) *Node

// Model binds a Module to a context (its variables) and to a device.
//
// Variables are created lazily by the first graph that uses them, so Parameters is empty until the
// model has been executed once.
type Model struct {
	Module Module

	ctx  *context.Context
	devs *devices.Set

	mu    sync.Mutex
	execs map[execKey]*context.Exec
}

type execKey struct {
	name     string
	device   devices.Kind
	training bool
}

// NewModel creates a Model for module, running on the CPU backend of devs.
func NewModel(devs *devices.Set, module Module) *Model {
	return &Model{
		Module: module,
		ctx:    context.New(),
		devs:   devs,
		execs:  make(map[execKey]*context.Exec),
	}
}

// WithSeed resets the random number generator of the model, used to initialize variables and by
// dropout. It returns the model, so it can be chained with NewModel.
// It panics if the random number generator state can't be set.
func (m *Model) WithSeed(seed int64) *Model {
	if err := m.ctx.SetRNGStateFromSeed(seed); err != nil {
		exceptions.Panicf("nn.Model.WithSeed(%d): %+v", seed, err)
	}
	return m
}

// Context returns the context holding the model's variables.
func (m *Model) Context() *context.Context { return m.ctx }

// ModuleContext returns the context in the scope used by the module: use it with layer methods
// that take a context, like LSTMLayer.Hiddens.
func (m *Model) ModuleContext() *context.Context {
	return m.ctx.InAbsPath(context.RootScope + ModelScope)
}

// Devices returns the device set the model was created with.
func (m *Model) Devices() *devices.Set { return m.devs }

// Device the model currently runs on.
func (m *Model) Device() devices.Kind { return devices.Of(m.ctx) }

// Backend of the device the model currently runs on.
func (m *Model) Backend() (backends.Backend, error) {
	return m.devs.Backend(m.Device())
}

// To moves the model to the given device.
func (m *Model) To(kind devices.Kind) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.devs.Move(m.ctx, kind)
}

// Train sets the module in training mode.
func (m *Model) Train() { m.Module.Train() }

// Eval sets the module in evaluation mode.
func (m *Model) Eval() { m.Module.Eval() }

// Build applies the module to x in the model scope. It is meant to be called from graph
// building functions executed with the model's context, see Model.Exec.
func (m *Model) Build(ctx *context.Context, x *Node) *Node {
	ctx.SetTraining(x.Graph(), m.Module.IsTraining())
	return m.Module.Forward(ctx.In(ModelScope), x)
}

// Exec returns the executable named name built with fn, for the current device and mode.
// Executables are cached, and each caches one graph per input shapes.
func (m *Model) Exec(name string, fn GraphFn) (*context.Exec, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := execKey{name: name, device: devices.Of(m.ctx), training: m.Module.IsTraining()}
	if e, found := m.execs[key]; found {
		return e, nil
	}
	backend, err := m.devs.Backend(key.device)
	if err != nil {
		return nil, err
	}
	e, err := context.NewExec(backend, m.ctx.Checked(false), func(ctx *context.Context, inputs []*Node) []*Node {
		return fn(ctx, inputs)
	})
	if err != nil {
		return nil, errors.WithMessagef(err, "creating executable %q", name)
	}
	klog.V(2).Infof("new executable %q on %s (training=%v)", name, key.device, key.training)
	m.execs[key] = e
	return e, nil
}

// Forward runs the module on x and returns its output.
func (m *Model) Forward(x *tensors.Tensor) (*tensors.Tensor, error) {
	e, err := m.Exec("forward", func(ctx *context.Context, inputs []*Node) []*Node {
		return []*Node{m.Build(ctx, inputs[0])}
	})
	if err != nil {
		return nil, err
	}
	output, err := e.Exec1(x)
	if err != nil {
		return nil, errors.WithMessage(err, "model forward")
	}
	return output, nil
}

// Gradients holds the results of Model.Backward.
type Gradients struct {
	Output, Loss *tensors.Tensor

	// Grads maps the variables' scope and name (e.g. "/model/0/dense/weights") to their gradients.
	Grads map[string]*tensors.Tensor
}

// Get returns the gradient of the only variable whose scoped name ends with suffix
// (e.g. "dense/weights"), or nil if there isn't exactly one.
func (g *Gradients) Get(suffix string) *tensors.Tensor {
	name := matchSuffix(g.Grads, suffix)
	if name == "" {
		return nil
	}
	return g.Grads[name]
}

// matchSuffix returns the only key ending with "/"+suffix (or equal to suffix), or "" if there
// is not exactly one.
func matchSuffix[T any](m map[string]T, suffix string) string {
	var found string
	for name := range m {
		if name == suffix || strings.HasSuffix(name, "/"+suffix) {
			if found != "" {
				return ""
			}
			found = name
		}
	}
	return found
}

// Backward runs the module on x, computes the scalar loss with lossFn and the gradient of the loss
// for every trainable variable used. Variables are not changed, see the optim package for that.
//
// Each call builds a new graph: it is meant for inspection, not for training loops.
func (m *Model) Backward(lossFn LossFn, x *tensors.Tensor, labels ...*tensors.Tensor) (*Gradients, error) {
	backend, err := m.Backend()
	if err != nil {
		return nil, err
	}
	var names []string
	fn := func(ctx *context.Context, inputs []*Node) []*Node {
		output := m.Build(ctx, inputs[0])
		loss := lossFn(output, inputs[1:])
		if !loss.Shape().IsScalar() {
			exceptions.Panicf("loss must be a scalar, got %s", loss.Shape())
		}
		g := loss.Graph()
		var params []*Node
		for v := range ctx.IterVariables() {
			if v.Trainable && v.InUseByGraph(g) {
				names = append(names, v.ScopeAndName())
				params = append(params, v.ValueGraph(g))
			}
		}
		results := []*Node{output, loss}
		if len(params) > 0 {
			results = append(results, Gradient(loss, params...)...)
		}
		return results
	}
	args := make([]any, 0, 1+len(labels))
	args = append(args, x)
	for _, label := range labels {
		args = append(args, label)
	}
	outputs, err := context.ExecOnceN(backend, m.ctx.Checked(false), fn, args...)
	if err != nil {
		return nil, errors.WithMessage(err, "model backward")
	}
	grads := &Gradients{Output: outputs[0], Loss: outputs[1], Grads: make(map[string]*tensors.Tensor, len(names))}
	for ii, name := range names {
		grads.Grads[name] = outputs[2+ii]
	}
	return grads, nil
}

// Parameters returns the trainable variables of the module, by scope and name.
func (m *Model) Parameters() map[string]*context.Variable {
	params := make(map[string]*context.Variable)
	prefix := context.RootScope + ModelScope
	for v := range m.ctx.IterVariables() {
		if v.Trainable && strings.HasPrefix(v.Scope(), prefix) {
			params[v.ScopeAndName()] = v
		}
	}
	return params
}

// ParameterNames returns the sorted names of Parameters.
func (m *Model) ParameterNames() []string {
	params := m.Parameters()
	names := make([]string, 0, len(params))
	for name := range params {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Parameter returns the only trainable variable whose scoped name ends with suffix, or nil.
func (m *Model) Parameter(suffix string) *context.Variable {
	params := m.Parameters()
	name := matchSuffix(params, suffix)
	if name == "" {
		return nil
	}
	return params[name]
}

// Finalize releases the executables and variables of the model.
func (m *Model) Finalize() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for key, e := range m.execs {
		e.Finalize()
		delete(m.execs, key)
	}
	m.ctx.Finalize()
}

// ScalarValue converts a tensor with one element of any float or integer dtype to float64.
func ScalarValue(t *tensors.Tensor) float64 {
	if t.Size() != 1 {
		exceptions.Panicf("ScalarValue: tensor %s must have exactly one element", t.Shape())
	}
	switch t.DType() {
	case dtypes.Float16:
		return float64(tensors.MustCopyFlatData[float16.Float16](t)[0].Float32())
	case dtypes.Float32:
		return float64(tensors.MustCopyFlatData[float32](t)[0])
	case dtypes.Float64:
		return tensors.MustCopyFlatData[float64](t)[0]
	case dtypes.Int32:
		return float64(tensors.MustCopyFlatData[int32](t)[0])
	case dtypes.Int64:
		return float64(tensors.MustCopyFlatData[int64](t)[0])
	}
	exceptions.Panicf("ScalarValue: unsupported dtype %s", t.DType())
	return 0
}
