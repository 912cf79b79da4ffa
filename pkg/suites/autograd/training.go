// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package autograd

import (
	"math/rand"
	"path/filepath"

	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"

	"github.com/gomlx/smoketest/pkg/devices"
	"github.com/gomlx/smoketest/pkg/harness"
	"github.com/gomlx/smoketest/pkg/nn"
	"github.com/gomlx/smoketest/pkg/optim"
)

const (
	// MaxXOREpochs is the number of steps within which XOR must be learned.
	MaxXOREpochs = 3000

	// LossSeries is the name of the metric series recorded by the training tests.
	LossSeries = "loss"

	xorBatchSize     = 4
	xorEvalBatchSize = 100
)

// newXORModel: 2 -> 8 -> 1, with a sigmoid after each layer.
func newXORModel(t *harness.T) *nn.Model {
	net := nn.NewSequential().
		Append(nn.Linear(2, 8).Make()).
		Append(nn.Linear(8, 1).Make()).
		WithActivation(Sigmoid)
	return newModel(t, net)
}

// xorBatch draws batchSize random pairs of bits, labeled with their exclusive or.
func xorBatch(rng *rand.Rand, batchSize int) (x, labels *tensors.Tensor) {
	inputs := make([]float32, 0, 2*batchSize)
	targets := make([]float32, 0, batchSize)
	for range batchSize {
		a, b := rng.Intn(2), rng.Intn(2)
		inputs = append(inputs, float32(a), float32(b))
		targets = append(targets, float32(a^b))
	}
	return tensors.FromFlatDataAndDimensions(inputs, batchSize, 2),
		tensors.FromFlatDataAndDimensions(targets, batchSize)
}

func xorLoss(output *Node, labels []*Node) *Node {
	return nn.BinaryCrossEntropy(output, labels[0])
}

func newXORSGD(t *harness.T) optimizers.Interface {
	opt, err := optim.SGD(1e-1).Momentum(0.9).Nesterov().WeightDecay(1e-6).Done()
	t.NoError(err)
	return opt
}

// trainXOR steps until the running loss drops below 0.1, failing if that takes MaxXOREpochs.
func trainXOR(t *harness.T, model *nn.Model, opt optimizers.Interface) {
	trainer := optim.NewTrainer(model, opt, xorLoss)
	runningLoss := 1.0
	for epoch := 0; runningLoss > 0.1; epoch++ {
		x, labels := xorBatch(t.Rand(), xorBatchSize)
		loss, err := trainer.Step(x, labels)
		t.NoError(err)
		runningLoss = runningLoss*0.99 + loss*0.01
		t.Record(LossSeries, epoch, loss)
		t.Expectf(epoch < MaxXOREpochs, "epoch < %d", MaxXOREpochs)
	}
	t.Logf("XOR learned after %d steps", optimizers.GetGlobalStep(model.Context()))
}

// xorEvalLoss computes the loss of the model on a fresh random batch.
func xorEvalLoss(t *harness.T, model *nn.Model, batchSize int) float64 {
	e, err := model.Exec("xor_loss", func(ctx *context.Context, inputs []*Node) []*Node {
		return []*Node{xorLoss(model.Build(ctx, inputs[0]), inputs[1:])}
	})
	t.NoError(err)
	x, labels := xorBatch(t.Rand(), batchSize)
	loss, err := e.Exec1(x, labels)
	t.NoError(err)
	return nn.ScalarValue(loss)
}

func testOptimSGD(t *harness.T) {
	// We better be able to learn XOR.
	model := newXORModel(t)
	defer model.Finalize()
	trainXOR(t, model, newXORSGD(t))
}

func testOptimAdam(t *harness.T) {
	model := newXORModel(t)
	defer model.Finalize()
	trainXOR(t, model, optimizers.Adam().LearningRate(0.05).Done())
}

func testSerializationXOR(t *harness.T) {
	// We better be able to save and load a XOR model!
	model := newXORModel(t)
	defer model.Finalize()
	model2 := newXORModel(t)
	defer model2.Finalize()
	model3 := newXORModel(t)
	defer model3.Finalize()

	trainXOR(t, model, newXORSGD(t))
	checkpoint := filepath.Join(t.TempDir(), "xor")
	t.NoError(nn.Save(model, checkpoint))
	t.NoError(nn.Load(model2, checkpoint))
	loss := xorEvalLoss(t, model2, xorEvalBatchSize)
	t.Expect(loss < 0.1, "loss < 0.1")

	t.CUDA()
	t.NoError(model2.To(devices.CUDA))
	t.NoError(nn.Save(model2, checkpoint))
	t.NoError(nn.Load(model3, checkpoint))
	loss = xorEvalLoss(t, model3, xorEvalBatchSize)
	t.Expect(loss < 0.1, "loss < 0.1")
}
