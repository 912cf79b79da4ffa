// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package optim

import (
	"testing"

	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/graph/graphtest"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/gomlx/smoketest/pkg/devices"
	"github.com/gomlx/smoketest/pkg/nn"
	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestModel(module nn.Module) *nn.Model {
	return nn.NewModel(devices.NewFromBackends(graphtest.BuildTestBackend(), nil), module).WithSeed(42)
}

func sumLoss(output *Node, _ []*Node) *Node { return ReduceAllSum(output) }

// weightAfterSteps trains a single weight w with loss=w*1 (so the gradient is always 1, plus weight
// decay) and returns the initial weight and the weights after each step.
func weightAfterSteps(t *testing.T, config *SGDConfig, numSteps int) (w0 float64, ws []float64) {
	model := newTestModel(nn.Linear(1, 1).NoBias().Make())
	x := tensors.FromValue([][]float32{{1}})
	_, err := model.Forward(x)
	require.NoError(t, err)
	weights := model.Parameter("dense/weights")
	require.NotNil(t, weights)
	w0 = nn.ScalarValue(weights.MustValue())

	opt, err := config.Done()
	require.NoError(t, err)
	trainer := NewTrainer(model, opt, sumLoss)
	for range numSteps {
		_, err = trainer.Step(x)
		require.NoError(t, err)
		ws = append(ws, nn.ScalarValue(weights.MustValue()))
	}
	return
}

func TestSGDUpdateRule(t *testing.T) {
	t.Run("plain", func(t *testing.T) {
		w0, ws := weightAfterSteps(t, SGD(0.1), 2)
		assert.InDelta(t, w0-0.1, ws[0], 1e-5)
		assert.InDelta(t, w0-0.2, ws[1], 1e-5)
	})
	t.Run("nesterov", func(t *testing.T) {
		// v1=1, g1=1+0.9*1=1.9; v2=0.9+1=1.9, g2=1+0.9*1.9=2.71.
		w0, ws := weightAfterSteps(t, SGD(0.1).Momentum(0.9).Nesterov(), 2)
		assert.InDelta(t, w0-0.19, ws[0], 1e-5)
		assert.InDelta(t, w0-0.19-0.271, ws[1], 1e-5)
	})
	t.Run("dampening", func(t *testing.T) {
		// v1=g=1 (no dampening on the first step), v2=0.5*1+0.5*1=1.
		w0, ws := weightAfterSteps(t, SGD(0.1).Momentum(0.5).Dampening(0.5), 2)
		assert.InDelta(t, w0-0.1, ws[0], 1e-5)
		assert.InDelta(t, w0-0.2, ws[1], 1e-5)
	})
	t.Run("weight_decay", func(t *testing.T) {
		w0, ws := weightAfterSteps(t, SGD(0.1).WeightDecay(0.5), 1)
		assert.InDelta(t, w0-0.1*(1+0.5*w0), ws[0], 1e-5)
	})
}

func TestSGDValidation(t *testing.T) {
	_, err := SGD(0).Done()
	require.Error(t, err)
	_, err = SGD(0.1).Nesterov().Done()
	require.Error(t, err)
	_, err = SGD(0.1).Momentum(0.9).Dampening(0.1).Nesterov().Done()
	require.Error(t, err)
	_, err = SGD(0.1).Momentum(0.9).Nesterov().WeightDecay(1e-6).Done()
	require.NoError(t, err)
}

func xorBatch() (x, labels *tensors.Tensor) {
	return tensors.FromValue([][]float32{{0, 0}, {0, 1}, {1, 0}, {1, 1}}),
		tensors.FromValue([]float32{0, 1, 1, 0})
}

func xorLoss(output *Node, labels []*Node) *Node {
	return nn.BinaryCrossEntropy(output, labels[0])
}

func newXORModel() *nn.Model {
	return newTestModel(nn.NewSequential(nn.Linear(2, 8).Make(), nn.Linear(8, 1).Make()).WithActivation(Sigmoid))
}

func TestTrainXOR(t *testing.T) {
	for _, tc := range []struct {
		name string
		opt  optimizers.Interface
	}{
		{"sgd", must.M1(SGD(0.1).Momentum(0.9).Nesterov().WeightDecay(1e-6).Done())},
		{"adam", optimizers.Adam().LearningRate(0.05).Done()},
	} {
		t.Run(tc.name, func(t *testing.T) {
			model := newXORModel()
			trainer := NewTrainer(model, tc.opt, xorLoss)
			x, labels := xorBatch()
			var loss float64
			for range 3000 {
				var err error
				loss, err = trainer.Step(x, labels)
				require.NoError(t, err)
				if loss < 0.05 {
					break
				}
			}
			assert.Less(t, loss, 0.1)
			evalLoss, err := trainer.Loss(x, labels)
			require.NoError(t, err)
			assert.Less(t, evalLoss, 0.1)
		})
	}
}

func TestClear(t *testing.T) {
	model := newXORModel()
	opt := must.M1(SGD(0.1).Momentum(0.9).Done())
	trainer := NewTrainer(model, opt, xorLoss)
	x, labels := xorBatch()
	_, err := trainer.Step(x, labels)
	require.NoError(t, err)

	weights := model.Parameter("0/dense/weights")
	require.NotNil(t, weights)
	require.NotNil(t, MomentumBuffer(model.Context(), SGDDefaultScope, weights))
	require.NoError(t, trainer.Clear())
	assert.Nil(t, MomentumBuffer(model.Context(), SGDDefaultScope, weights))
	assert.Equal(t, int64(1), optimizers.GetGlobalStep(model.Context()))
}

func TestTrainersOnSameModel(t *testing.T) {
	model := newTestModel(nn.Linear(1, 1).NoBias().Make())
	x := tensors.FromValue([][]float32{{2}})
	output, err := model.Forward(x)
	require.NoError(t, err)
	w := nn.ScalarValue(output) / 2

	doubleLoss := func(output *Node, _ []*Node) *Node { return MulScalar(ReduceAllSum(output), 2) }
	opt := must.M1(SGD(0.1).Done())
	single := NewTrainer(model, opt, sumLoss)
	double := NewTrainer(model, opt, doubleLoss)

	// Each trainer evaluates its own loss function, whichever was compiled first.
	loss, err := single.Loss(x)
	require.NoError(t, err)
	assert.InDelta(t, 2*w, loss, 1e-5)
	loss, err = double.Loss(x)
	require.NoError(t, err)
	assert.InDelta(t, 4*w, loss, 1e-5)
	loss, err = single.Loss(x)
	require.NoError(t, err)
	assert.InDelta(t, 2*w, loss, 1e-5)
}
