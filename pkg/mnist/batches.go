// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package mnist

import (
	"math/rand"

	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/pkg/errors"
)

// Batches splits a random permutation of [0, n) into batches of batchSize indices.
// The last partial batch is dropped. If rng is nil, the indices are in order.
func Batches(n, batchSize int, rng *rand.Rand) [][]int {
	if batchSize <= 0 || n < batchSize {
		return nil
	}
	var indices []int
	if rng != nil {
		indices = rng.Perm(n)
	} else {
		indices = make([]int, n)
		for ii := range indices {
			indices[ii] = ii
		}
	}
	batches := make([][]int, 0, n/batchSize)
	for start := 0; start+batchSize <= n; start += batchSize {
		batches = append(batches, indices[start:start+batchSize])
	}
	return batches
}

// Gather copies the examples at the given indices into a new batch: images shaped
// [len(idx), 1, height, width] and labels shaped [len(idx)].
func (ds *Dataset) Gather(idx []int) (images, labels *tensors.Tensor, err error) {
	n := ds.Len()
	for _, i := range idx {
		if i < 0 || i >= n {
			return nil, nil, errors.Errorf("mnist: index %d out of range for a dataset of %d examples", i, n)
		}
	}
	dims := ds.Images.Shape().Dimensions
	imageSize := dims[1] * dims[2] * dims[3]
	pixels := make([]float32, 0, len(idx)*imageSize)
	err = tensors.ConstFlatData(ds.Images, func(flat []float32) {
		for _, i := range idx {
			pixels = append(pixels, flat[i*imageSize:(i+1)*imageSize]...)
		}
	})
	if err != nil {
		return nil, nil, errors.WithMessage(err, "gathering images")
	}
	var batchLabels []int64
	err = tensors.ConstFlatData(ds.Labels, func(flat []int64) {
		batchLabels = Select(flat, idx)
	})
	if err != nil {
		return nil, nil, errors.WithMessage(err, "gathering labels")
	}
	images = tensors.FromFlatDataAndDimensions(pixels, len(idx), dims[1], dims[2], dims[3])
	labels = tensors.FromFlatDataAndDimensions(batchLabels, len(idx))
	return images, labels, nil
}
