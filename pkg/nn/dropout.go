// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package nn

import (
	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/layers"
)

// DropoutConfig configures a DropoutLayer.
type DropoutConfig struct {
	rate     float64
	channels bool
}

// Dropout zeroes each element with probability rate while training, scaling the kept ones by
// 1/(1-rate). In evaluation mode it is the identity.
func Dropout(rate float64) *DropoutConfig {
	return newDropout(rate, false)
}

// Dropout2d zeroes whole channels (axis 1 of a channels-first input) with probability rate while
// training.
func Dropout2d(rate float64) *DropoutConfig {
	return newDropout(rate, true)
}

func newDropout(rate float64, channels bool) *DropoutConfig {
	if rate < 0 || rate >= 1 {
		exceptions.Panicf("nn.Dropout(%g): rate must be in [0, 1)", rate)
	}
	return &DropoutConfig{rate: rate, channels: channels}
}

// Make returns the configured layer.
func (c *DropoutConfig) Make() *DropoutLayer {
	return &DropoutLayer{Rate: c.rate, channels: c.channels}
}

// DropoutLayer is created by Dropout or Dropout2d. It has no variables, but it uses the
// context's random number generator state.
type DropoutLayer struct {
	mode
	Rate     float64
	channels bool
}

// Forward implements Module.
func (d *DropoutLayer) Forward(ctx *context.Context, x *Node) *Node {
	if !d.IsTraining() || d.Rate == 0 {
		return x
	}
	g := x.Graph()
	ctx = ctx.In("dropout")
	ctx.SetTraining(g, true)
	return applyDropout(ctx, x, d.Rate, d.channels)
}

// applyDropout assumes ctx is training.
func applyDropout(ctx *context.Context, x *Node, rate float64, channels bool) *Node {
	g := x.Graph()
	rateDType := dtypes.Float32
	if x.DType() == dtypes.Float64 {
		rateDType = dtypes.Float64
	}
	rateNode := Scalar(g, rateDType, rate)
	if !channels {
		return layers.DropoutNormalize(ctx, x, rateNode, true)
	}
	if x.Rank() < 2 {
		exceptions.Panicf("nn.Dropout2d: input shape %s must be [batch, channels, ...]", x.Shape())
	}
	dims := x.Shape().Dimensions
	maskDims := make([]int, len(dims))
	for axis := range maskDims {
		maskDims[axis] = 1
	}
	maskDims[0], maskDims[1] = dims[0], dims[1]
	mask := layers.DropoutNormalize(ctx, Ones(g, shapes.Make(x.DType(), maskDims...)), rateNode, true)
	return Mul(x, BroadcastToDims(mask, dims...))
}
