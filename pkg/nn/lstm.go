// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package nn

import (
	"fmt"

	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/initializers"
	"github.com/gomlx/gomlx/pkg/ml/layers/lstm"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Names of the LSTM state variables.
const (
	LSTMHiddenVar = "hidden"
	LSTMCellVar   = "cell"
	LSTMBatchVar  = "batch_size"
)

// LSTMConfig configures an LSTMLayer.
type LSTMConfig struct {
	in, hidden int
	numLayers  int
	dropout    float64
}

// LSTM starts the configuration of a stateful multi-layer LSTM.
func LSTM(in, hidden int) *LSTMConfig {
	if in <= 0 || hidden <= 0 {
		exceptions.Panicf("nn.LSTM(%d, %d): dimensions must be positive", in, hidden)
	}
	return &LSTMConfig{in: in, hidden: hidden, numLayers: 1}
}

// Layers sets the number of stacked LSTM layers. Default is 1.
func (c *LSTMConfig) Layers(n int) *LSTMConfig {
	if n <= 0 {
		exceptions.Panicf("nn.LSTM.Layers(%d): must be positive", n)
	}
	c.numLayers = n
	return c
}

// Dropout sets the dropout rate applied to the output of every layer but the last, while training.
func (c *LSTMConfig) Dropout(rate float64) *LSTMConfig {
	if rate < 0 || rate >= 1 {
		exceptions.Panicf("nn.LSTM.Dropout(%g): rate must be in [0, 1)", rate)
	}
	c.dropout = rate
	return c
}

// Make returns the configured layer.
func (c *LSTMConfig) Make() *LSTMLayer {
	return &LSTMLayer{In: c.in, Hidden: c.hidden, NumLayers: c.numLayers, DropoutRate: c.dropout}
}

// LSTMLayer runs time-major sequences [seq, batch, In] and returns [seq, batch, Hidden].
//
// It is stateful: the hidden and cell states are kept in the non-trainable variables
// "hidden_<batch>" and "cell_<batch>" (shaped [NumLayers, batch, Hidden]), each forward pass
// starts from them and stores its final states back. The variable "batch_size" holds the batch
// size of the last pass: the states start at zero and are reset to zero whenever the batch size
// differs from the previous pass. Variable shapes never change, so compiled graphs stay valid.
//
// Weights of layer i are in the sub-scope "layer_<i>".
type LSTMLayer struct {
	mode
	In, Hidden, NumLayers int
	DropoutRate           float64
}

// Forward implements Module.
func (l *LSTMLayer) Forward(ctx *context.Context, x *Node) *Node {
	if x.Rank() != 3 || x.Shape().Dim(2) != l.In {
		exceptions.Panicf("nn.LSTM(%d, %d): input shape %s must be [sequence, batch, %d]",
			l.In, l.Hidden, x.Shape(), l.In)
	}
	g := x.Graph()
	batchSize := x.Shape().Dim(1)
	stateShape := shapes.Make(x.DType(), l.NumLayers, batchSize, l.Hidden)
	hiddenVar := stateVariable(ctx, stateName(LSTMHiddenVar, batchSize), stateShape)
	cellVar := stateVariable(ctx, stateName(LSTMCellVar, batchSize), stateShape)
	batchVar := batchSizeVariable(ctx)

	// The stored state is only carried over if the previous pass had the same batch size.
	batchSizeNode := Scalar(g, dtypes.Int64, batchSize)
	keep := ConvertDType(Equal(batchVar.ValueGraph(g), batchSizeNode), x.DType())
	hiddenState := Mul(hiddenVar.ValueGraph(g), keep)
	cellState := Mul(cellVar.ValueGraph(g), keep)

	// lstm.New takes batch-major input.
	x = Transpose(x, 0, 1)
	lastHidden := make([]*Node, l.NumLayers)
	lastCell := make([]*Node, l.NumLayers)
	for layer := range l.NumLayers {
		layerCtx := ctx.In(fmt.Sprintf("layer_%d", layer))
		h0 := Slice(hiddenState, AxisElem(layer))
		c0 := Slice(cellState, AxisElem(layer))
		var all *Node
		all, lastHidden[layer], lastCell[layer] = lstm.New(layerCtx, x, l.Hidden).InitialStates(h0, c0).Done()
		// all: [seq, 1, batch, hidden] -> [batch, seq, hidden].
		x = Transpose(Squeeze(all, 1), 0, 1)
		if l.DropoutRate > 0 && l.IsTraining() && layer < l.NumLayers-1 {
			dropoutCtx := layerCtx.In("dropout")
			dropoutCtx.SetTraining(g, true)
			x = applyDropout(dropoutCtx, x, l.DropoutRate, false)
		}
	}
	hiddenVar.SetValueGraph(StopGradient(Concatenate(lastHidden, 0)))
	cellVar.SetValueGraph(StopGradient(Concatenate(lastCell, 0)))
	batchVar.SetValueGraph(batchSizeNode)
	return Transpose(x, 0, 1)
}

// stateName is the name of the state variable used for the given batch size.
func stateName(name string, batchSize int) string {
	return fmt.Sprintf("%s_%d", name, batchSize)
}

// stateVariable returns the zero-initialized, non-trainable state variable with the given name.
func stateVariable(ctx *context.Context, name string, shape shapes.Shape) *context.Variable {
	if v := ctx.InspectVariableInScope(name); v != nil {
		if !v.Shape().Equal(shape) {
			exceptions.Panicf("LSTM state %q has shape %s, wanted %s", v.ScopeAndName(), v.Shape(), shape)
		}
		return v
	}
	klog.V(1).Infof("LSTM state %q created with shape %s", name, shape)
	return ctx.WithInitializer(initializers.Zero).VariableWithShape(name, shape).SetTrainable(false)
}

// batchSizeVariable holds the batch size of the last forward pass, 0 before the first one.
func batchSizeVariable(ctx *context.Context) *context.Variable {
	if v := ctx.InspectVariableInScope(LSTMBatchVar); v != nil {
		return v
	}
	return ctx.VariableWithValue(LSTMBatchVar, int64(0)).SetTrainable(false)
}

// lastBatchSize returns the batch size of the last forward pass.
func lastBatchSize(ctx *context.Context) (int, error) {
	v := ctx.InspectVariableInScope(LSTMBatchVar)
	if v == nil {
		return 0, errors.Errorf("LSTM state not found in scope %q: was the layer run?", ctx.Scope())
	}
	value, err := v.Value()
	if err != nil {
		return 0, errors.WithMessagef(err, "reading LSTM batch size %q", v.ScopeAndName())
	}
	return int(ScalarValue(value)), nil
}

// Hiddens returns the hidden and cell states of the last layer, each shaped [batch, Hidden],
// as stored after the last forward pass. ctx must be in the scope the layer was run in.
func (l *LSTMLayer) Hiddens(ctx *context.Context) (hidden, cell *tensors.Tensor, err error) {
	batchSize, err := lastBatchSize(ctx)
	if err != nil {
		return nil, nil, err
	}
	hidden, err = l.lastLayerState(ctx, stateName(LSTMHiddenVar, batchSize))
	if err != nil {
		return nil, nil, err
	}
	cell, err = l.lastLayerState(ctx, stateName(LSTMCellVar, batchSize))
	return hidden, cell, err
}

func (l *LSTMLayer) lastLayerState(ctx *context.Context, name string) (*tensors.Tensor, error) {
	v := ctx.InspectVariableInScope(name)
	if v == nil {
		return nil, errors.Errorf("LSTM state %q not found in scope %q: was the layer run?", name, ctx.Scope())
	}
	value, err := v.Value()
	if err != nil {
		return nil, errors.WithMessagef(err, "reading LSTM state %q", v.ScopeAndName())
	}
	dims := value.Shape().Dimensions
	layerShape := shapes.Make(value.DType(), dims[1], dims[2])
	layerBytes := int(layerShape.Memory())
	last := tensors.FromShape(layerShape)
	err = value.ConstBytes(func(src []byte) {
		err2 := last.MutableBytes(func(dst []byte) {
			copy(dst, src[len(src)-layerBytes:])
		})
		if err2 != nil {
			panic(err2)
		}
	})
	if err != nil {
		return nil, errors.WithMessagef(err, "copying LSTM state %q", v.ScopeAndName())
	}
	return last, nil
}

// ResetState zeroes the stored states of the last batch size. ctx must be in the scope the
// layer was run in. States of other batch sizes are discarded when they are next used.
func (l *LSTMLayer) ResetState(ctx *context.Context) error {
	batchSize, err := lastBatchSize(ctx)
	if err != nil {
		// Never run: nothing to reset.
		return nil
	}
	for _, name := range []string{LSTMHiddenVar, LSTMCellVar} {
		v := ctx.InspectVariableInScope(stateName(name, batchSize))
		if v == nil {
			continue
		}
		if err := v.SetValue(tensors.FromShape(v.Shape())); err != nil {
			return errors.WithMessagef(err, "resetting LSTM state %q", v.ScopeAndName())
		}
	}
	return nil
}
