// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package autograd is the suite of smoke tests of the layers, gradients, optimizer and
// serialization built on GoMLX.
//
// Each test builds a small model, runs it forward (and usually backward) and checks the shapes
// and a few values of the results. They are registered under "autograd/..." names, and
// "autograd/~integration/mnist" sorts last, since it trains for a while.
package autograd

import (
	"math"

	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/x448/float16"

	"github.com/gomlx/smoketest/pkg/devices"
	"github.com/gomlx/smoketest/pkg/harness"
	"github.com/gomlx/smoketest/pkg/nn"
)

// Prefix of the names of all tests in the suite.
const Prefix = "autograd/"

// Register adds the tests of the suite to r.
func Register(r *harness.Registry) {
	tests := map[string]harness.Func{
		"conv2d/even":        testConv2dEven,
		"conv2d/uneven":      testConv2dUneven,
		"conv1d/even":        testConv1dEven,
		"linear/basic1":      testLinearBasic,
		"linear/float16":     testLinearFloat16,
		"linear/sequential":  testLinearSequential,
		"linear/simple":      testLinearSimple,
		"cuda/1":             testCUDA1,
		"cuda/2":             testCUDA2,
		"dropout/1":          testDropout,
		"LSTM/1":             testLSTM,
		"optim/sgd":          testOptimSGD,
		"optim/adam":         testOptimAdam,
		"serialization/xor":  testSerializationXOR,
		"~integration/mnist": testIntegrationMNIST,
	}
	for name, fn := range tests {
		r.Register(Prefix+name, fn)
	}
}

// newModel creates a model on the run's devices, seeded from the test's random number generator.
func newModel(t *harness.T, module nn.Module) *nn.Model {
	return nn.NewModel(t.Env().Devices, module).WithSeed(t.Rand().Int63())
}

// randn returns a float32 tensor with normally distributed values.
func randn(t *harness.T, dims ...int) *tensors.Tensor {
	data := make([]float32, numel(dims))
	for ii := range data {
		data[ii] = float32(t.Rand().NormFloat64())
	}
	return tensors.FromFlatDataAndDimensions(data, dims...)
}

func ones(dims ...int) *tensors.Tensor {
	data := make([]float32, numel(dims))
	for ii := range data {
		data[ii] = 1
	}
	return tensors.FromFlatDataAndDimensions(data, dims...)
}

func numel(dims []int) int {
	size := 1
	for _, d := range dims {
		size *= d
	}
	return size
}

func sumLoss(output *Node, _ []*Node) *Node { return ReduceAllSum(output) }

func sum(x *tensors.Tensor) float64 {
	var total float64
	for _, v := range tensors.MustCopyFlatData[float32](x) {
		total += float64(v)
	}
	return total
}

func norm(x *tensors.Tensor) float64 {
	var total float64
	for _, v := range tensors.MustCopyFlatData[float32](x) {
		total += float64(v) * float64(v)
	}
	return math.Sqrt(total)
}

// gradNumel returns the number of elements of the gradient of the variable matching suffix, or -1
// if there is no such gradient.
func gradNumel(grads *nn.Gradients, suffix string) int {
	grad := grads.Get(suffix)
	if grad == nil {
		return -1
	}
	return grad.Size()
}

func testConv2dEven(t *harness.T) {
	model := newModel(t, nn.Conv2d(3, 2, 3).Stride(2).Make())
	defer model.Finalize()
	grads, err := model.Backward(sumLoss, randn(t, 2, 3, 5, 5))
	t.NoError(err)
	y, s := grads.Output, grads.Loss
	t.Expect(y.Rank() == 4, "y.Rank() == 4")
	t.Expect(s.Rank() == 0, "s.Rank() == 0")
	for i := range 4 {
		t.Expectf(y.Shape().Dim(i) == 2, "y.Shape().Dim(%d) == 2", i)
	}
	t.Expect(gradNumel(grads, "conv/weights") == 3*2*3*3, `grads.Get("conv/weights").Size() == 3*2*3*3`)
}

func testConv2dUneven(t *harness.T) {
	model := newModel(t, nn.Conv2d(3, 2, 3, 2).Stride(2).Make())
	defer model.Finalize()
	grads, err := model.Backward(sumLoss, randn(t, 2, 3, 5, 4))
	t.NoError(err)
	y, s := grads.Output, grads.Loss
	t.Expect(y.Rank() == 4, "y.Rank() == 4")
	t.Expect(s.Rank() == 0, "s.Rank() == 0")
	for i := range 4 {
		t.Expectf(y.Shape().Dim(i) == 2, "y.Shape().Dim(%d) == 2", i)
	}
	t.Expect(gradNumel(grads, "conv/weights") == 3*2*3*2, `grads.Get("conv/weights").Size() == 3*2*3*2`)
}

func testConv1dEven(t *harness.T) {
	model := newModel(t, nn.Conv1d(3, 2, 3).Stride(2).Make())
	defer model.Finalize()
	grads, err := model.Backward(sumLoss, randn(t, 2, 3, 5))
	t.NoError(err)
	y, s := grads.Output, grads.Loss
	t.Expect(y.Rank() == 3, "y.Rank() == 3")
	t.Expect(s.Rank() == 0, "s.Rank() == 0")
	for i := range 3 {
		t.Expectf(y.Shape().Dim(i) == 2, "y.Shape().Dim(%d) == 2", i)
	}
	t.Expect(gradNumel(grads, "conv/weights") == 3*2*3, `grads.Get("conv/weights").Size() == 3*2*3`)
}

// checkLinear runs Linear(5, 2) on a [10, 5] input, on whatever device model is.
func checkLinear(t *harness.T, model *nn.Model) {
	grads, err := model.Backward(sumLoss, randn(t, 10, 5))
	t.NoError(err)
	y, s := grads.Output, grads.Loss
	t.Expect(y.Rank() == 2, "y.Rank() == 2")
	t.Expect(s.Rank() == 0, "s.Rank() == 0")
	t.Expect(y.Shape().Dim(0) == 10, "y.Shape().Dim(0) == 10")
	t.Expect(y.Shape().Dim(1) == 2, "y.Shape().Dim(1) == 2")
	t.Expect(gradNumel(grads, "dense/weights") == 2*5, `grads.Get("dense/weights").Size() == 2*5`)
}

func testLinearBasic(t *harness.T) {
	model := newModel(t, nn.Linear(5, 2).Make())
	defer model.Finalize()
	checkLinear(t, model)
}

func testLinearFloat16(t *harness.T) {
	model := newModel(t, nn.Linear(5, 2).Make())
	defer model.Finalize()
	data := make([]float16.Float16, 10*5)
	for ii := range data {
		data[ii] = float16.Fromfloat32(float32(t.Rand().NormFloat64()))
	}
	grads, err := model.Backward(sumLoss, tensors.FromFlatDataAndDimensions(data, 10, 5))
	t.NoError(err)
	t.Expect(grads.Output.DType() == dtypes.Float16, "y.DType() == dtypes.Float16")
	t.NoError(grads.Output.Shape().Check(dtypes.Float16, 10, 2))
	weights := grads.Get("dense/weights")
	t.Expect(weights != nil, `grads.Get("dense/weights") != nil`)
	t.NoError(weights.Shape().Check(dtypes.Float16, 5, 2))
}

// checkReLUOutput checks the [1000, 100] output of the 3 linear layers with ReLU.
func checkReLUOutput(t *harness.T, model *nn.Model) {
	grads, err := model.Backward(sumLoss, randn(t, 1000, 10))
	t.NoError(err)
	x := grads.Output
	t.Expect(x.Rank() == 2, "x.Rank() == 2")
	t.Expect(x.Shape().Dim(0) == 1000, "x.Shape().Dim(0) == 1000")
	t.Expect(x.Shape().Dim(1) == 100, "x.Shape().Dim(1) == 100")
	minValue := math.Inf(1)
	for _, v := range tensors.MustCopyFlatData[float32](x) {
		minValue = math.Min(minValue, float64(v))
	}
	t.Expect(minValue == 0, "min(x) == 0")
}

func testLinearSequential(t *harness.T) {
	seq := nn.NewSequential().
		Append(nn.Linear(10, 3).Make()).
		Append(nn.Linear(3, 5).Make()).
		Append(nn.Linear(5, 100).Make()).
		WithActivation(nn.ReLU)
	model := newModel(t, seq)
	defer model.Finalize()
	checkReLUOutput(t, model)
}

// simpleNet applies its named layers explicitly, each followed by a ReLU.
type simpleNet struct {
	*nn.Named
	l1, l2, l3 nn.Module
}

func newSimpleNet() *simpleNet {
	net := &simpleNet{Named: nn.NewNamed()}
	net.l1 = net.Add(nn.Linear(10, 3).Make(), "l1")
	net.l2 = net.Add(nn.Linear(3, 5).Make(), "l2")
	net.l3 = net.Add(nn.Linear(5, 100).Make(), "l3")
	return net
}

// Forward implements nn.Module.
func (n *simpleNet) Forward(ctx *context.Context, x *Node) *Node {
	x = nn.ReLU(n.l1.Forward(ctx, x))
	x = nn.ReLU(n.l2.Forward(ctx, x))
	return nn.ReLU(n.l3.Forward(ctx, x))
}

func testLinearSimple(t *harness.T) {
	model := newModel(t, newSimpleNet())
	defer model.Finalize()
	checkReLUOutput(t, model)
	t.Expect(model.Parameter("l3/dense/weights") != nil, `model.Parameter("l3/dense/weights") != nil`)
}

func testCUDA1(t *harness.T) {
	t.CUDA()
	model := newModel(t, nn.Linear(5, 2).Make())
	defer model.Finalize()
	t.NoError(model.To(devices.CUDA))
	checkLinear(t, model)
	t.Expect(model.Device() == devices.CUDA, "model.Device() == devices.CUDA")
}

func testCUDA2(t *harness.T) {
	t.CUDA()
	model := newModel(t, nn.Linear(5, 2).Make())
	defer model.Finalize()
	t.NoError(model.To(devices.CUDA))
	t.NoError(model.To(devices.CPU))
	checkLinear(t, model)
	t.Expect(model.Device() == devices.CPU, "model.Device() == devices.CPU")
}

func testDropout(t *harness.T) {
	model := newModel(t, nn.Dropout(0.5).Make())
	defer model.Finalize()
	x := ones(100)
	y, err := model.Forward(x)
	t.NoError(err)
	t.Expect(y.Rank() == 1, "y.Rank() == 1")
	t.Expect(y.Shape().Dim(0) == 100, "y.Shape().Dim(0) == 100")
	t.Expect(sum(y) < 130, "sum(y) < 130") // Probably.
	t.Expect(sum(y) > 70, "sum(y) > 70")   // Probably.

	model.Eval()
	y, err = model.Forward(x)
	t.NoError(err)
	t.Expect(sum(y) == 100, "sum(y) == 100")
}

func testLSTM(t *harness.T) {
	layer := nn.LSTM(128, 64).Layers(2).Dropout(0.2).Make()
	model := newModel(t, layer)
	defer model.Finalize()
	x := randn(t, 10, 16, 128)
	out, err := model.Forward(x)
	t.NoError(err)
	t.Expect(out.Rank() == 3, "out.Rank() == 3")
	t.Expect(out.Shape().Dim(0) == 10, "out.Shape().Dim(0) == 10")
	t.Expect(out.Shape().Dim(1) == 16, "out.Shape().Dim(1) == 16")
	t.Expect(out.Shape().Dim(2) == 64, "out.Shape().Dim(2) == 64")

	hidden, cell, err := layer.Hiddens(model.ModuleContext())
	t.NoError(err)
	for ii, state := range []*tensors.Tensor{hidden, cell} {
		t.Expectf(state.Rank() == 2, "hiddens[%d].Rank() == 2", ii)
		t.Expectf(state.Shape().Dim(0) == 16, "hiddens[%d].Shape().Dim(0) == 16", ii)
		t.Expectf(state.Shape().Dim(1) == 64, "hiddens[%d].Shape().Dim(1) == 64", ii)
		// Something is in the hiddens.
		t.Expectf(norm(state) > 0, "norm(hiddens[%d]) > 0", ii)
	}

	savedHidden := tensors.MustCopyFlatData[float32](hidden)
	_, err = model.Forward(x)
	t.NoError(err)
	hidden, _, err = layer.Hiddens(model.ModuleContext())
	t.NoError(err)
	var diff float64
	for ii, v := range tensors.MustCopyFlatData[float32](hidden) {
		diff += math.Abs(float64(v - savedHidden[ii]))
	}
	// Hiddens changed.
	t.Expect(diff > 1e-3, "sum(abs(hiddens[0] - savedHidden)) > 1e-3")
}
