// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package autograd

import (
	stdcontext "context"
	"path/filepath"

	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"

	"github.com/gomlx/smoketest/pkg/devices"
	"github.com/gomlx/smoketest/pkg/harness"
	"github.com/gomlx/smoketest/pkg/mnist"
	"github.com/gomlx/smoketest/pkg/nn"
	"github.com/gomlx/smoketest/pkg/optim"
)

// Hyperparameters of the MNIST test, stored in the model's context.
const (
	ParamEpochs       = "mnist_epochs"
	ParamBatchSize    = "mnist_batch_size"
	ParamLearningRate = "mnist_learning_rate"
	ParamMomentum     = "mnist_momentum"
)

const (
	mnistEvalBatchSize = 1000
	mnistMinAccuracy   = 0.8
	mnistLogEvery      = 100
	mnistGridImages    = 64
	mnistDropoutRate   = 0.3
)

// mnistNet is a small CNN: two convolutions with max-pooling, then two linear layers.
type mnistNet struct {
	*nn.Named
	conv1, conv2, drop2d, linear1, drop, linear2 nn.Module
}

func newMNISTNet(dropoutRate float64) *mnistNet {
	net := &mnistNet{Named: nn.NewNamed()}
	net.conv1 = net.Add(nn.Conv2d(1, 10, 5).Make(), "conv1")
	net.conv2 = net.Add(nn.Conv2d(10, 20, 5).Make(), "conv2")
	net.drop2d = net.Add(nn.Dropout2d(dropoutRate).Make(), "drop2d")
	net.linear1 = net.Add(nn.Linear(320, 50).Make(), "linear1")
	net.drop = net.Add(nn.Dropout(dropoutRate).Make(), "drop")
	net.linear2 = net.Add(nn.Linear(50, 10).Make(), "linear2")
	return net
}

// Forward takes images [batch, 1, 28, 28] and returns the log-probabilities of the digits [batch, 10].
func (n *mnistNet) Forward(ctx *context.Context, x *Node) *Node {
	x = nn.ReLU(nn.MaxPool2d(n.conv1.Forward(ctx, x), 2))
	x = n.conv2.Forward(ctx, x)
	x = n.drop2d.Forward(ctx, x)
	x = nn.ReLU(nn.MaxPool2d(x, 2))

	x = nn.Flatten(x)
	x = nn.ReLU(n.linear1.Forward(ctx, x))
	x = n.drop.Forward(ctx, x)
	x = n.linear2.Forward(ctx, x)
	return LogSoftmax(x, -1)
}

func nllLoss(output *Node, labels []*Node) *Node {
	return nn.NLLLoss(output, labels[0])
}

// loadMNIST returns the train and test splits, downloading them if allowed.
func loadMNIST(t *harness.T) (train, test *mnist.Dataset) {
	dir := t.Env().DataDir
	if !mnist.Available(dir) {
		if !t.Env().Download {
			t.Skipf("MNIST files not found in %q, skipping test (use -download to fetch them)", dir)
		}
		t.NoError(mnist.Download(stdcontext.Background(), dir, mnist.DefaultURL, t.Output()))
	}
	var err error
	train, err = mnist.Load(dir, mnist.Train)
	t.NoError(err)
	test, err = mnist.Load(dir, mnist.Test)
	t.NoError(err)
	return
}

func testIntegrationMNIST(t *harness.T) {
	useCUDA := t.Env().Devices.HasCUDA()
	if !useCUDA && !t.Env().CPUFallback {
		t.CUDA()
	}
	train, test := loadMNIST(t)
	t.Printf("Training MNIST for 3 epochs, rest your eyes for a bit!\n")

	model := newModel(t, newMNISTNet(mnistDropoutRate))
	defer model.Finalize()
	ctx := model.Context()
	ctx.SetParams(map[string]any{
		ParamEpochs:       3,
		ParamBatchSize:    32,
		ParamLearningRate: 1e-2,
		ParamMomentum:     0.5,
	})
	if useCUDA {
		t.NoError(model.To(devices.CUDA))
	}
	opt, err := optim.SGD(context.GetParamOr(ctx, ParamLearningRate, 1e-2)).
		Momentum(context.GetParamOr(ctx, ParamMomentum, 0.5)).
		Done()
	t.NoError(err)
	trainer := optim.NewTrainer(model, opt, nllLoss)

	numEpochs := context.GetParamOr(ctx, ParamEpochs, 3)
	batchSize := context.GetParamOr(ctx, ParamBatchSize, 32)
	stepsPerEpoch := len(mnist.Batches(train.Len(), batchSize, nil))
	bar := t.Progress(numEpochs*stepsPerEpoch, "MNIST")
	step := 0
	for range numEpochs {
		for _, idx := range mnist.Batches(train.Len(), batchSize, t.Rand()) {
			images, labels, err := train.Gather(idx)
			t.NoError(err)
			loss, err := trainer.Step(images, labels)
			t.NoError(err)
			if step%mnistLogEvery == 0 {
				t.Record(LossSeries, step, loss)
			}
			step++
			_ = bar.Add(1)
		}
	}
	_ = bar.Finish()

	model.Eval()
	correct := countCorrect(t, model, test)
	t.Printf("Num correct: %d out of %d\n", correct, test.Len())
	t.Expectf(float64(correct) > float64(test.Len())*mnistMinAccuracy,
		"correct > %d * %g", test.Len(), mnistMinAccuracy)

	saveDigitsGrid(t, test.Images)
}

// saveDigitsGrid saves a mosaic of the first images, if the work directory is kept.
// It returns the path of the image, or "" if it wasn't saved.
func saveDigitsGrid(t *harness.T, images *tensors.Tensor) string {
	if !t.Env().KeepWorkDir {
		return ""
	}
	gridPath := filepath.Join(t.TempDir(), "test_digits.png")
	if err := mnist.SaveGrid(gridPath, images, mnistGridImages); err != nil {
		t.Logf("failed to save the digits grid: %v", err)
		return ""
	}
	t.Logf("first test digits in %s", gridPath)
	return gridPath
}

// countCorrect returns the number of examples of ds the model classifies correctly.
func countCorrect(t *harness.T, model *nn.Model, ds *mnist.Dataset) int {
	e, err := model.Exec("count_correct", func(ctx *context.Context, inputs []*Node) []*Node {
		predictions := ArgMax(model.Build(ctx, inputs[0]), -1, dtypes.Int64)
		matches := ConvertDType(Equal(predictions, inputs[1]), dtypes.Int64)
		return []*Node{ReduceAllSum(matches)}
	})
	t.NoError(err)
	var correct int
	n := ds.Len()
	for start := 0; start < n; start += mnistEvalBatchSize {
		idx := make([]int, 0, mnistEvalBatchSize)
		for ii := start; ii < min(start+mnistEvalBatchSize, n); ii++ {
			idx = append(idx, ii)
		}
		images, labels, err := ds.Gather(idx)
		t.NoError(err)
		count, err := e.Exec1(images, labels)
		t.NoError(err)
		correct += int(nn.ScalarValue(count))
	}
	return correct
}
