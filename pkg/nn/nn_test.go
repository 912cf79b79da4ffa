// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package nn

import (
	"math"
	"testing"

	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/graph/graphtest"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/smoketest/pkg/devices"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/x448/float16"
)

func newTestModel(module Module) *Model {
	return NewModel(devices.NewFromBackends(graphtest.BuildTestBackend(), nil), module).WithSeed(42)
}

func ones(dims ...int) *tensors.Tensor {
	size := 1
	for _, d := range dims {
		size *= d
	}
	data := make([]float32, size)
	for ii := range data {
		data[ii] = 1
	}
	return tensors.FromFlatDataAndDimensions(data, dims...)
}

func sumLoss(output *Node, _ []*Node) *Node { return ReduceAllSum(output) }

func TestLinear(t *testing.T) {
	model := newTestModel(Linear(5, 2).Make())
	grads, err := model.Backward(sumLoss, ones(10, 5))
	require.NoError(t, err)
	require.NoError(t, grads.Output.Shape().Check(dtypes.Float32, 10, 2))
	assert.True(t, grads.Loss.Shape().IsScalar())

	weights := grads.Get("dense/weights")
	require.NotNil(t, weights)
	assert.Equal(t, 10, weights.Size())
	// d(sum(x.W+b))/dW = sum over the batch of x: all 10.
	for _, v := range tensors.MustCopyFlatData[float32](weights) {
		assert.InDelta(t, 10.0, v, 1e-5)
	}
	require.NotNil(t, model.Parameter("dense/biases"))
	assert.Equal(t, []string{"/model/dense/biases", "/model/dense/weights"}, model.ParameterNames())

	assert.Panics(t, func() {
		_ = context.MustExecOnce(graphtest.BuildTestBackend(), context.New(), func(ctx *context.Context, g *Graph) *Node {
			return Linear(5, 2).Make().Forward(ctx, Ones(g, ones(3, 4).Shape()))
		})
	})
}

func TestWithSeed(t *testing.T) {
	forward := func(seed int64) []float32 {
		model := newTestModel(Linear(3, 2).Make()).WithSeed(seed)
		defer model.Finalize()
		y, err := model.Forward(ones(1, 3))
		require.NoError(t, err)
		return tensors.MustCopyFlatData[float32](y)
	}
	assert.Equal(t, forward(7), forward(7))
	assert.NotEqual(t, forward(7), forward(8))
}

func TestLinearFloat16(t *testing.T) {
	model := newTestModel(Linear(5, 2).Make())
	data := make([]float16.Float16, 10*5)
	for ii := range data {
		data[ii] = float16.Fromfloat32(0.5)
	}
	grads, err := model.Backward(sumLoss, tensors.FromFlatDataAndDimensions(data, 10, 5))
	require.NoError(t, err)
	assert.Equal(t, dtypes.Float16, grads.Output.DType())
	assert.Equal(t, 10, grads.Get("dense/weights").Size())
	assert.False(t, math.IsNaN(ScalarValue(grads.Loss)))
}

func TestConv(t *testing.T) {
	for _, tc := range []struct {
		name      string
		conv      *ConvLayer
		input     []int
		wantRank  int
		wantNumel int
	}{
		{"conv2d-even", Conv2d(3, 2, 3).Stride(2).Make(), []int{2, 3, 5, 5}, 4, 54},
		{"conv2d-uneven", Conv2d(3, 2, 3, 2).Stride(2).Make(), []int{2, 3, 5, 4}, 4, 36},
		{"conv1d-even", Conv1d(3, 2, 3).Stride(2).Make(), []int{2, 3, 5}, 3, 18},
	} {
		t.Run(tc.name, func(t *testing.T) {
			model := newTestModel(tc.conv)
			grads, err := model.Backward(sumLoss, ones(tc.input...))
			require.NoError(t, err)
			require.Equal(t, tc.wantRank, grads.Output.Rank())
			for _, dim := range grads.Output.Shape().Dimensions {
				assert.Equal(t, 2, dim)
			}
			weights := grads.Get("conv/weights")
			require.NotNil(t, weights)
			assert.Equal(t, tc.wantNumel, weights.Size())
		})
	}
}

func TestSequentialAndNamed(t *testing.T) {
	seq := NewSequential(Linear(10, 3).Make(), Linear(3, 5).Make(), Linear(5, 100).Make()).WithActivation(ReLU)
	assert.Equal(t, 3, seq.Len())
	model := newTestModel(seq)
	y, err := model.Forward(ones(1000, 10))
	require.NoError(t, err)
	require.NoError(t, y.Shape().Check(dtypes.Float32, 1000, 100))
	minValue := math.Inf(1)
	for _, v := range tensors.MustCopyFlatData[float32](y) {
		minValue = math.Min(minValue, float64(v))
	}
	assert.Equal(t, 0.0, minValue)
	assert.NotNil(t, model.Parameter("0/dense/weights"))
	assert.NotNil(t, model.Parameter("2/dense/biases"))

	named := NewNamed()
	l1 := named.Add(Linear(10, 3).Make(), "l1")
	named.Add(Linear(3, 5).Make(), "l2")
	assert.Equal(t, []string{"l1", "l2"}, named.Names())
	assert.Same(t, l1, named.Get("l1"))
	assert.IsType(t, &LinearLayer{}, Unwrap(l1))
	assert.Panics(t, func() { named.Add(Linear(1, 1).Make(), "l1") })

	named.Eval()
	assert.False(t, named.IsTraining())
	assert.False(t, Unwrap(l1).IsTraining())
	named.Train()
	assert.True(t, Unwrap(l1).IsTraining())
}

func TestDropout(t *testing.T) {
	dropout := Dropout(0.5).Make()
	model := newTestModel(dropout)
	x := ones(100)
	y, err := model.Forward(x)
	require.NoError(t, err)
	var sum float64
	for _, v := range tensors.MustCopyFlatData[float32](y) {
		if v != 0 {
			assert.InDelta(t, 2.0, v, 1e-5)
		}
		sum += float64(v)
	}
	assert.Greater(t, sum, 50.0)
	assert.Less(t, sum, 150.0)

	model.Eval()
	y, err = model.Forward(x)
	require.NoError(t, err)
	assert.Equal(t, 100.0, ScalarValue(sumTensor(t, y)))
}

func TestDropout2d(t *testing.T) {
	model := newTestModel(Dropout2d(0.5).Make())
	y, err := model.Forward(ones(4, 8, 3, 3))
	require.NoError(t, err)
	values := tensors.MustCopyFlatData[float32](y)
	// Each channel is either all zeros or all 2s.
	for channel := 0; channel < 4*8; channel++ {
		first := values[channel*9]
		for _, v := range values[channel*9 : (channel+1)*9] {
			assert.Equal(t, first, v)
		}
	}
}

func sumTensor(t *testing.T, x *tensors.Tensor) *tensors.Tensor {
	sum, err := context.ExecOnce(graphtest.BuildTestBackend(), context.New(), func(_ *context.Context, x *Node) *Node {
		return ReduceAllSum(x)
	}, x)
	require.NoError(t, err)
	return sum
}

func TestLSTM(t *testing.T) {
	lstmLayer := LSTM(8, 4).Layers(2).Dropout(0.2).Make()
	model := newTestModel(lstmLayer)
	x := ones(5, 3, 8)
	y, err := model.Forward(x)
	require.NoError(t, err)
	require.NoError(t, y.Shape().Check(dtypes.Float32, 5, 3, 4))

	h, c, err := lstmLayer.Hiddens(model.ModuleContext())
	require.NoError(t, err)
	require.NoError(t, h.Shape().Check(dtypes.Float32, 3, 4))
	require.NoError(t, c.Shape().Check(dtypes.Float32, 3, 4))
	first := tensors.MustCopyFlatData[float32](h)

	// State is kept: the second pass starts from a different state.
	_, err = model.Forward(x)
	require.NoError(t, err)
	h, _, err = lstmLayer.Hiddens(model.ModuleContext())
	require.NoError(t, err)
	var change float64
	for ii, v := range tensors.MustCopyFlatData[float32](h) {
		change += math.Abs(float64(v - first[ii]))
	}
	assert.Greater(t, change, 1e-6)

	// State variables are not trainable.
	assert.Nil(t, model.Parameter(LSTMHiddenVar))
	assert.NotNil(t, model.Parameter("layer_1/inputsW"))

	// A new batch size resets the state.
	y, err = model.Forward(ones(5, 2, 8))
	require.NoError(t, err)
	require.NoError(t, y.Shape().Check(dtypes.Float32, 5, 2, 4))
	require.NoError(t, lstmLayer.ResetState(model.ModuleContext()))
	h, _, err = lstmLayer.Hiddens(model.ModuleContext())
	require.NoError(t, err)
	for _, v := range tensors.MustCopyFlatData[float32](h) {
		assert.Equal(t, float32(0), v)
	}

	// Going back to a batch size seen before reuses its compiled graph, with the state reset.
	y, err = model.Forward(x)
	require.NoError(t, err)
	require.NoError(t, y.Shape().Check(dtypes.Float32, 5, 3, 4))
}

func TestLSTMBatchSizeChanges(t *testing.T) {
	lstmLayer := LSTM(8, 4).Make()
	model := newTestModel(lstmLayer)
	lastHidden := func() []float32 {
		h, _, err := lstmLayer.Hiddens(model.ModuleContext())
		require.NoError(t, err)
		return tensors.MustCopyFlatData[float32](h)
	}
	for _, batchSize := range []int{3, 2, 3} {
		y, err := model.Forward(ones(5, batchSize, 8))
		require.NoError(t, err, "batch size %d", batchSize)
		require.NoError(t, y.Shape().Check(dtypes.Float32, 5, batchSize, 4))
		require.Len(t, lastHidden(), batchSize*4)
	}

	// The last pass started from a zero state, like the first pass of an identically seeded
	// model, so both end at the same state.
	freshLayer := LSTM(8, 4).Make()
	fresh := newTestModel(freshLayer)
	_, err := fresh.Forward(ones(5, 3, 8))
	require.NoError(t, err)
	want, _, err := freshLayer.Hiddens(fresh.ModuleContext())
	require.NoError(t, err)
	assert.InDeltaSlice(t, tensors.MustCopyFlatData[float32](want), lastHidden(), 1e-5)

	// While same batch sizes carry the state over.
	_, err = model.Forward(ones(5, 3, 8))
	require.NoError(t, err)
	var change float64
	for ii, v := range lastHidden() {
		change += math.Abs(float64(v - tensors.MustCopyFlatData[float32](want)[ii]))
	}
	assert.Greater(t, change, 1e-6)
}

func TestLosses(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	bce, err := context.ExecOnce(backend, context.New(), func(_ *context.Context, g *Graph) *Node {
		probs := Const(g, [][]float32{{0.5}, {0.5}})
		labels := Const(g, []float32{0, 1})
		return BinaryCrossEntropy(probs, labels)
	})
	require.NoError(t, err)
	assert.InDelta(t, math.Ln2, ScalarValue(bce), 1e-5)

	nll, err := context.ExecOnce(backend, context.New(), func(_ *context.Context, g *Graph) *Node {
		logProbs := LogSoftmax(Const(g, [][]float32{{0, 0}, {0, 0}}), -1)
		labels := Const(g, []int64{0, 1})
		return NLLLoss(logProbs, labels)
	})
	require.NoError(t, err)
	assert.InDelta(t, math.Ln2, ScalarValue(nll), 1e-5)
}

func TestSaveLoad(t *testing.T) {
	dir := t.TempDir() + "/model"
	model := newTestModel(NewSequential(Linear(2, 3).Make(), Linear(3, 1).Make()))
	require.Error(t, Save(model, dir))
	x := ones(4, 2)
	want, err := model.Forward(x)
	require.NoError(t, err)
	require.NoError(t, Save(model, dir))
	// Saving again replaces the checkpoint.
	require.NoError(t, Save(model, dir))

	model2 := newTestModel(NewSequential(Linear(2, 3).Make(), Linear(3, 1).Make())).WithSeed(7)
	require.NoError(t, Load(model2, dir))
	got, err := model2.Forward(x)
	require.NoError(t, err)
	assert.Equal(t, want.Value(), got.Value())

	require.Error(t, Load(model2, t.TempDir()+"/missing"))
}
