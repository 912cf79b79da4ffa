// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package optim implements a stochastic gradient descent optimizer with momentum, Nesterov momentum
// and weight decay, compatible with GoMLX optimizers.Interface, and a Trainer that applies any such
// optimizer to an nn.Model.
package optim

import (
	"fmt"

	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/initializers"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/pkg/errors"
)

// SGDDefaultScope is the default scope name for the momentum buffers and the step counter.
const SGDDefaultScope = "sgd"

// SGDConfig configures the optimizer. Create it with SGD.
type SGDConfig struct {
	scopeName    string
	learningRate float64
	momentum     float64
	dampening    float64
	nesterov     bool
	weightDecay  float64
}

// SGD starts the configuration of a stochastic gradient descent optimizer with the given learning rate.
// Without further options it is plain SGD: w -= lr * grad.
//
// For each trainable variable w with gradient g, one step does:
//
//	g += weightDecay * w
//	if momentum != 0:
//	    v = momentum * v + (1 - dampening) * g    (v = g on the first step)
//	    g = nesterov ? g + momentum * v : v
//	w -= lr * g
func SGD(learningRate float64) *SGDConfig {
	return &SGDConfig{scopeName: SGDDefaultScope, learningRate: learningRate}
}

// Momentum sets the momentum factor. Default is 0.
func (c *SGDConfig) Momentum(momentum float64) *SGDConfig {
	c.momentum = momentum
	return c
}

// Dampening of the momentum. Default is 0.
func (c *SGDConfig) Dampening(dampening float64) *SGDConfig {
	c.dampening = dampening
	return c
}

// Nesterov enables Nesterov momentum.
func (c *SGDConfig) Nesterov() *SGDConfig {
	c.nesterov = true
	return c
}

// WeightDecay adds weightDecay * w to the gradients (L2 penalty). Default is 0.
func (c *SGDConfig) WeightDecay(weightDecay float64) *SGDConfig {
	c.weightDecay = weightDecay
	return c
}

// Scope sets the top-level scope where the momentum buffers and step are stored. Default is "sgd".
func (c *SGDConfig) Scope(name string) *SGDConfig {
	c.scopeName = name
	return c
}

// Done validates the configuration and returns the optimizer.
func (c *SGDConfig) Done() (optimizers.Interface, error) {
	switch {
	case c.learningRate <= 0:
		return nil, errors.Errorf("optim.SGD: learning rate must be positive, got %g", c.learningRate)
	case c.momentum < 0 || c.weightDecay < 0 || c.dampening < 0:
		return nil, errors.Errorf("optim.SGD: momentum (%g), dampening (%g) and weight decay (%g) must not be negative",
			c.momentum, c.dampening, c.weightDecay)
	case c.nesterov && (c.momentum <= 0 || c.dampening != 0):
		return nil, errors.Errorf("optim.SGD: Nesterov momentum requires a positive momentum and zero dampening, got momentum=%g, dampening=%g",
			c.momentum, c.dampening)
	case c.scopeName == "":
		return nil, errors.New("optim.SGD: empty scope name")
	}
	return &sgd{config: *c}, nil
}

type sgd struct {
	config SGDConfig
}

var _ optimizers.Interface = (*sgd)(nil)

// UpdateGraph implements optimizers.Interface.
func (o *sgd) UpdateGraph(ctx *context.Context, g *Graph, loss *Node) {
	if !loss.Shape().IsScalar() {
		exceptions.Panicf("optimizer requires a scalar loss to optimize, got loss.shape=%s instead", loss.Shape())
	}
	grads := ctx.BuildTrainableVariablesGradientsGraph(loss)
	if len(grads) == 0 {
		exceptions.Panicf("no trainable variables to optimize")
	}
	dtype := loss.DType()
	learningRate := optimizers.LearningRateVar(ctx, dtype, o.config.learningRate).ValueGraph(g)
	_ = optimizers.IncrementGlobalStepGraph(ctx, g, dtype)
	step := optimizers.IncrementGlobalStepGraph(ctx.In(o.config.scopeName), g, dtype)
	firstStep := ConvertDType(Equal(step, OnesLike(step)), dtype)

	numTrainable := len(grads)
	varIdx := 0
	for v := range ctx.IterVariables() {
		if !v.Trainable || !v.InUseByGraph(g) {
			continue
		}
		if varIdx < numTrainable {
			o.applyGraph(ctx, g, v, grads[varIdx], learningRate, firstStep)
		}
		varIdx++
	}
	if varIdx != numTrainable {
		exceptions.Panicf("Context.BuildTrainableVariablesGradientsGraph returned gradients for %d variables, but "+
			"SGD sees %d variables -- were new variables created in between?", numTrainable, varIdx)
	}
}

func (o *sgd) applyGraph(ctx *context.Context, g *Graph, v *context.Variable, grad, learningRate, firstStep *Node) {
	dtype := grad.DType()
	if learningRate.DType() != dtype {
		learningRate = ConvertDType(learningRate, dtype)
		firstStep = ConvertDType(firstStep, dtype)
	}
	optimizers.TraceNaNInGradients(ctx, v, grad)
	grad = optimizers.ClipNaNsInGradients(ctx, grad)
	value := v.ValueGraph(g)
	if o.config.weightDecay > 0 {
		grad = Add(grad, MulScalar(value, o.config.weightDecay))
	}
	if o.config.momentum != 0 {
		bufferVar := o.momentumVariable(ctx, v)
		// The buffer starts at zero, so on the first step it becomes the gradient.
		gradCoef := AddScalar(MulScalar(firstStep, o.config.dampening), 1-o.config.dampening)
		buffer := Add(MulScalar(bufferVar.ValueGraph(g), o.config.momentum), Mul(gradCoef, grad))
		bufferVar.SetValueGraph(buffer)
		if o.config.nesterov {
			grad = Add(grad, MulScalar(buffer, o.config.momentum))
		} else {
			grad = buffer
		}
	}
	delta := optimizers.ClipStepByValue(ctx, Mul(grad, learningRate))
	updated := optimizers.ClipNaNsInUpdates(ctx, value, Sub(value, delta))
	v.SetValueGraph(updated)
}

// momentumVariable returns the momentum buffer of the trainable variable, stored under
// "/<scope><variable scope>".
func (o *sgd) momentumVariable(ctx *context.Context, trainable *context.Variable) *context.Variable {
	scopePath := fmt.Sprintf("%s%s%s", context.ScopeSeparator, o.config.scopeName, trainable.Scope())
	shape := trainable.Shape().Clone()
	return ctx.Checked(false).InAbsPath(scopePath).
		WithInitializer(initializers.Zero).
		VariableWithShape(trainable.Name()+"_momentum", shape).
		SetTrainable(false)
}

// Clear implements optimizers.Interface: it deletes the momentum buffers and the step counter.
func (o *sgd) Clear(ctx *context.Context) error {
	return ctx.InAbsPath(context.ScopeSeparator + o.config.scopeName).DeleteVariablesInScope()
}

// MomentumBuffer returns the momentum buffer of the given trainable variable, or nil if it doesn't exist.
func MomentumBuffer(ctx *context.Context, scopeName string, trainable *context.Variable) *context.Variable {
	scopePath := fmt.Sprintf("%s%s%s", context.ScopeSeparator, scopeName, trainable.Scope())
	return ctx.GetVariableByScopeAndName(scopePath, trainable.Name()+"_momentum")
}
