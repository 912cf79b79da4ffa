// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package devices

import (
	"sync"
	"testing"

	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"k8s.io/klog/v2"
)

var (
	testBackendOnce sync.Once
	testBackend     backends.Backend
)

func buildTestBackend() backends.Backend {
	testBackendOnce.Do(func() {
		var err error
		testBackend, err = backends.New()
		if err != nil {
			klog.Fatalf("failed to create test backend: %+v", err)
		}
	})
	return testBackend
}

func TestKind(t *testing.T) {
	assert.Equal(t, "cpu", CPU.String())
	assert.Equal(t, "cuda", CUDA.String())
	assert.Equal(t, "Kind(7)", Kind(7).String())
}

func TestNoCUDA(t *testing.T) {
	s := NewFromBackends(buildTestBackend(), nil)
	assert.False(t, s.HasCUDA())
	_, err := s.CUDA()
	require.ErrorIs(t, err, ErrNoCUDA)

	ctx := context.New()
	ctx.VariableWithValue("x", []float32{1, 2, 3})
	require.ErrorIs(t, s.Move(ctx, CUDA), ErrNoCUDA)
	assert.Equal(t, CPU, Of(ctx))
}

func TestMove(t *testing.T) {
	backend := buildTestBackend()
	// The same backend plays the role of CUDA: what matters is that values survive the round trip.
	s := NewFromBackends(backend, backend)
	require.True(t, s.HasCUDA())

	ctx := context.New()
	v := ctx.In("model").VariableWithValue("x", []float32{1, 2, 3})
	assert.Equal(t, CPU, Of(ctx))

	require.NoError(t, s.Move(ctx, CUDA))
	assert.Equal(t, CUDA, Of(ctx))
	assert.Equal(t, CUDA, Of(ctx.In("model")))
	assert.Equal(t, []float32{1, 2, 3}, v.MustValue().Value())

	require.NoError(t, s.Move(ctx, CPU))
	assert.Equal(t, CPU, Of(ctx))
	assert.Equal(t, []float32{1, 2, 3}, v.MustValue().Value())
}

func TestToDevice(t *testing.T) {
	backend := buildTestBackend()
	original := tensors.FromValue([][]float32{{1, 2}, {3, 4}})
	onDevice, err := ToDevice(original, backend)
	require.NoError(t, err)
	assert.True(t, onDevice.IsOnAnyDevice())
	assert.Equal(t, original.Value(), onDevice.Value())

	local, err := ToDevice(onDevice, nil)
	require.NoError(t, err)
	assert.Equal(t, [][]float32{{1, 2}, {3, 4}}, local.Value())
}
