// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package optim

import (
	"fmt"

	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/gomlx/smoketest/pkg/nn"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Trainer applies an optimizer to a model, one batch at a time.
type Trainer struct {
	model     *nn.Model
	optimizer optimizers.Interface
	lossFn    nn.LossFn
	name      string
}

// NewTrainer creates a Trainer for the model.
func NewTrainer(model *nn.Model, optimizer optimizers.Interface, lossFn nn.LossFn) *Trainer {
	tr := &Trainer{
		model:     model,
		optimizer: optimizer,
		lossFn:    lossFn,
	}
	// Graphs are cached by the model per name: each trainer gets its own.
	tr.name = fmt.Sprintf("trainer_%p", tr)
	return tr
}

// Model being trained.
func (tr *Trainer) Model() *nn.Model { return tr.model }

// Step runs forward, loss, backward and the optimizer update for one batch, and returns the loss.
// The gradients are computed from scratch on every step.
func (tr *Trainer) Step(x *tensors.Tensor, labels ...*tensors.Tensor) (float64, error) {
	e, err := tr.model.Exec(tr.name+"_step", func(ctx *context.Context, inputs []*Node) []*Node {
		loss := tr.loss(ctx, inputs)
		tr.optimizer.UpdateGraph(ctx, loss.Graph(), loss)
		return []*Node{loss}
	})
	if err != nil {
		return 0, err
	}
	return tr.run(e, x, labels)
}

// Loss evaluates the loss on a batch, without changing the model's trainable variables.
func (tr *Trainer) Loss(x *tensors.Tensor, labels ...*tensors.Tensor) (float64, error) {
	e, err := tr.model.Exec(tr.name+"_loss", func(ctx *context.Context, inputs []*Node) []*Node {
		return []*Node{tr.loss(ctx, inputs)}
	})
	if err != nil {
		return 0, err
	}
	return tr.run(e, x, labels)
}

func (tr *Trainer) loss(ctx *context.Context, inputs []*Node) *Node {
	output := tr.model.Build(ctx, inputs[0])
	return tr.lossFn(output, inputs[1:])
}

func (tr *Trainer) run(e *context.Exec, x *tensors.Tensor, labels []*tensors.Tensor) (float64, error) {
	args := make([]any, 0, 1+len(labels))
	args = append(args, x)
	for _, label := range labels {
		args = append(args, label)
	}
	outputs, err := e.Exec(args...)
	if err != nil {
		return 0, errors.WithMessage(err, "training step")
	}
	loss := nn.ScalarValue(outputs[0])
	for _, output := range outputs {
		if err := output.FinalizeAll(); err != nil {
			klog.Warningf("failed to free the outputs of %s: %+v", tr.name, err)
		}
	}
	return loss, nil
}

// Clear deletes the optimizer state (momentum buffers, step counters) from the model.
func (tr *Trainer) Clear() error {
	return tr.optimizer.Clear(tr.model.Context())
}
