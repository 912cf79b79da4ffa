// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package nn

import (
	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/gomlx/pkg/core/tensors/images"
	"github.com/gomlx/gomlx/pkg/ml/train/losses"
)

// ReLU clamps x to a minimum of 0.
func ReLU(x *Node) *Node { return MaxScalar(x, 0) }

// MaxPool2d takes the maximum over non-overlapping window x window patches of a channels-first image.
func MaxPool2d(x *Node, window int) *Node {
	return MaxPool(x).ChannelsAxis(images.ChannelsFirst).Window(window).NoPadding().Done()
}

// Flatten reshapes x to [batch, -1].
func Flatten(x *Node) *Node {
	return Reshape(x, x.Shape().Dim(0), -1)
}

// probabilityEpsilon bounds the probabilities given to BinaryCrossEntropy away from 0 and 1.
func probabilityEpsilon(dtype dtypes.DType) float64 {
	if dtype == dtypes.Float16 || dtype == dtypes.BFloat16 {
		return 1e-3
	}
	return 1e-7
}

// BinaryCrossEntropy of probabilities (not logits) against labels in {0, 1}, averaged into a
// scalar. labels may have a different shape than probs as long as they have the same size.
func BinaryCrossEntropy(probs, labels *Node) *Node {
	if labels.Shape().Size() != probs.Shape().Size() {
		exceptions.Panicf("nn.BinaryCrossEntropy: probs %s and labels %s have different sizes",
			probs.Shape(), labels.Shape())
	}
	labels = ConvertDType(Reshape(labels, probs.Shape().Dimensions...), probs.DType())
	eps := probabilityEpsilon(probs.DType())
	probs = ClipScalar(probs, eps, 1-eps)
	return ReduceAllMean(losses.BinaryCrossentropy([]*Node{labels}, []*Node{probs}))
}

// NLLLoss is the mean negative log-likelihood of the labelled classes.
// logProbs is [batch, classes] and labels holds the class indices, [batch].
func NLLLoss(logProbs, labels *Node) *Node {
	if logProbs.Rank() != 2 || labels.Shape().Size() != logProbs.Shape().Dim(0) {
		exceptions.Panicf("nn.NLLLoss: logProbs %s must be [batch, classes] and labels %s [batch]",
			logProbs.Shape(), labels.Shape())
	}
	labels = Reshape(labels, logProbs.Shape().Dim(0))
	oneHot := OneHot(labels, logProbs.Shape().Dim(1), logProbs.DType())
	return Neg(ReduceAllMean(ReduceSum(Mul(logProbs, oneHot), -1)))
}
