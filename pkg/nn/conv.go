// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package nn

import (
	"slices"

	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors/images"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/layers"
)

// ConvConfig configures a ConvLayer. Create it with Conv1d or Conv2d, finish it with Make.
type ConvConfig struct {
	in, out int
	kernel  []int
	strides []int
	padSame bool
	noBias  bool
}

// Conv2d starts the configuration of a 2D convolution over channels-first images [N, in, H, W].
// kernel is either one size used for both spatial axes, or one size per axis.
func Conv2d(in, out int, kernel ...int) *ConvConfig {
	return newConv(2, in, out, kernel)
}

// Conv1d starts the configuration of a 1D convolution over channels-first sequences [N, in, L].
func Conv1d(in, out, kernel int) *ConvConfig {
	return newConv(1, in, out, []int{kernel})
}

func newConv(spatialDims, in, out int, kernel []int) *ConvConfig {
	if in <= 0 || out <= 0 {
		exceptions.Panicf("nn.Conv%dd(%d, %d): channels must be positive", spatialDims, in, out)
	}
	kernel = expandPerAxis("kernel", spatialDims, kernel)
	return &ConvConfig{in: in, out: out, kernel: kernel, strides: slices.Repeat([]int{1}, spatialDims)}
}

// expandPerAxis accepts either one value for every spatial axis or one value per axis.
func expandPerAxis(what string, spatialDims int, values []int) []int {
	switch len(values) {
	case 1:
		return slices.Repeat(values, spatialDims)
	case spatialDims:
		return slices.Clone(values)
	}
	exceptions.Panicf("nn: %s %v must have 1 or %d values", what, values, spatialDims)
	return nil
}

// Stride sets the stride, one value for every spatial axis or one value per axis.
func (c *ConvConfig) Stride(strides ...int) *ConvConfig {
	c.strides = expandPerAxis("stride", len(c.kernel), strides)
	return c
}

// PadSame pads the input so that, with stride 1, the output has the same spatial size.
// The default is no padding.
func (c *ConvConfig) PadSame() *ConvConfig {
	c.padSame = true
	return c
}

// NoBias disables the bias term.
func (c *ConvConfig) NoBias() *ConvConfig {
	c.noBias = true
	return c
}

// Make returns the configured layer.
func (c *ConvConfig) Make() *ConvLayer {
	return &ConvLayer{
		In:      c.in,
		Out:     c.out,
		Kernel:  slices.Clone(c.kernel),
		Strides: slices.Clone(c.strides),
		padSame: c.padSame,
		useBias: !c.noBias,
	}
}

// ConvLayer is a channels-first convolution. Its variables "weights" ([Out, In, Kernel...]) and
// "biases" ([Out]) live in the "conv" sub-scope.
type ConvLayer struct {
	mode
	In, Out         int
	Kernel, Strides []int
	padSame         bool
	useBias         bool
}

// Forward implements Module.
func (l *ConvLayer) Forward(ctx *context.Context, x *Node) *Node {
	rank := len(l.Kernel) + 2
	if x.Rank() != rank || x.Shape().Dim(1) != l.In {
		exceptions.Panicf("nn.Conv%dd(%d, %d): input shape %s must be [batch, %d, spatial...] of rank %d",
			len(l.Kernel), l.In, l.Out, x.Shape(), l.In, rank)
	}
	conv := layers.Convolution(ctx, x).
		Channels(l.Out).
		KernelSizePerAxis(l.Kernel...).
		StridePerAxis(l.Strides...).
		ChannelsAxis(images.ChannelsFirst).
		UseBias(l.useBias)
	if l.padSame {
		conv.PadSame()
	} else {
		conv.NoPadding()
	}
	return conv.Done()
}
