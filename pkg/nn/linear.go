// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package nn

import (
	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/layers"
)

// LinearConfig configures a LinearLayer. Create it with Linear, finish it with Make.
type LinearConfig struct {
	in, out int
	noBias  bool
}

// Linear starts the configuration of a fully connected layer mapping the last axis of its input
// from in to out features.
func Linear(in, out int) *LinearConfig {
	if in <= 0 || out <= 0 {
		exceptions.Panicf("nn.Linear(%d, %d): dimensions must be positive", in, out)
	}
	return &LinearConfig{in: in, out: out}
}

// NoBias disables the bias term.
func (c *LinearConfig) NoBias() *LinearConfig {
	c.noBias = true
	return c
}

// Make returns the configured layer.
func (c *LinearConfig) Make() *LinearLayer {
	return &LinearLayer{In: c.in, Out: c.out, useBias: !c.noBias}
}

// LinearLayer is a fully connected layer: its variables "weights" ([In, Out]) and "biases"
// ([Out]) live in the "dense" sub-scope.
type LinearLayer struct {
	mode
	In, Out int
	useBias bool
}

// Forward implements Module.
func (l *LinearLayer) Forward(ctx *context.Context, x *Node) *Node {
	dims := x.Shape().Dimensions
	if len(dims) == 0 || dims[len(dims)-1] != l.In {
		exceptions.Panicf("nn.Linear(%d, %d): input shape %s must have %d features on its last axis",
			l.In, l.Out, x.Shape(), l.In)
	}
	return layers.Dense(ctx, x, l.useBias, l.Out)
}
