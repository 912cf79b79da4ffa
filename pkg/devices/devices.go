// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package devices selects the backends models run on, and moves model variables between them.
//
// There are two kinds of device: the CPU backend (whatever backends.New returns, usually
// configured with GOMLX_BACKEND) and an XLA CUDA backend, which is probed lazily the first
// time it is requested.
package devices

import (
	"fmt"
	"sync"

	"github.com/gomlx/gomlx/backends"
	_ "github.com/gomlx/gomlx/backends/default"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Kind of device.
type Kind int

const (
	CPU Kind = iota
	CUDA
)

// String implements fmt.Stringer.
func (k Kind) String() string {
	switch k {
	case CPU:
		return "cpu"
	case CUDA:
		return "cuda"
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// CUDAConfig is the backend configuration used to create the CUDA backend.
var CUDAConfig = "xla:cuda"

// ParamDevice is the context parameter holding the device (as a string) a model runs on.
const ParamDevice = "device"

// ErrNoCUDA is returned (wrapped) by Set.CUDA when no CUDA backend can be created.
var ErrNoCUDA = errors.New("no CUDA backend available")

// Set holds the backends of a run.
type Set struct {
	cpu backends.Backend

	cudaOnce sync.Once
	cuda     backends.Backend
	cudaErr  error
}

// New creates the CPU backend with the given configuration.
// An empty configuration uses backends.New, which honours the GOMLX_BACKEND environment variable.
func New(cpuConfig string) (*Set, error) {
	var backend backends.Backend
	var err error
	if cpuConfig == "" {
		backend, err = backends.New()
	} else {
		backend, err = backends.NewWithConfig(cpuConfig)
	}
	if err != nil {
		return nil, errors.WithMessagef(err, "creating CPU backend (config %q)", cpuConfig)
	}
	klog.V(1).Infof("CPU backend: %s", backend.Description())
	return &Set{cpu: backend}, nil
}

// NewFromBackends creates a Set from existing backends. cuda may be nil.
func NewFromBackends(cpu, cuda backends.Backend) *Set {
	s := &Set{cpu: cpu}
	s.cudaOnce.Do(func() {
		s.cuda = cuda
		if cuda == nil {
			s.cudaErr = ErrNoCUDA
		}
	})
	return s
}

// CPU returns the CPU backend.
func (s *Set) CPU() backends.Backend { return s.cpu }

// CUDA returns the CUDA backend, creating it on the first call.
// If it is not available, the error wraps ErrNoCUDA.
func (s *Set) CUDA() (backends.Backend, error) {
	s.cudaOnce.Do(func() {
		backend, err := backends.NewWithConfig(CUDAConfig)
		if err != nil {
			s.cudaErr = errors.Wrapf(ErrNoCUDA, "%v", err)
			klog.V(1).Infof("CUDA probe failed: %v", err)
			return
		}
		s.cuda = backend
		klog.V(1).Infof("CUDA backend: %s", backend.Description())
	})
	return s.cuda, s.cudaErr
}

// HasCUDA reports whether a CUDA backend is available.
func (s *Set) HasCUDA() bool {
	_, err := s.CUDA()
	return err == nil
}

// Backend returns the backend for the device kind.
func (s *Set) Backend(kind Kind) (backends.Backend, error) {
	switch kind {
	case CPU:
		return s.cpu, nil
	case CUDA:
		return s.CUDA()
	}
	return nil, errors.Errorf("unknown device %s", kind)
}

// Finalize releases the backends. The Set is unusable afterwards.
func (s *Set) Finalize() {
	if s.cuda != nil && s.cuda != s.cpu {
		s.cuda.Finalize()
		s.cuda = nil
	}
	if s.cpu != nil {
		s.cpu.Finalize()
		s.cpu = nil
	}
}

// Of returns the device recorded in the context, CPU if none.
func Of(ctx *context.Context) Kind {
	name := context.GetParamOr(ctx.InAbsPath(context.RootScope), ParamDevice, CPU.String())
	if name == CUDA.String() {
		return CUDA
	}
	return CPU
}

// Move records kind as the device of the context and detaches every variable value from the
// device it currently lives on, so the next execution transfers it to the new backend.
//
// Moving to CUDA fails with ErrNoCUDA if there is no CUDA backend.
func (s *Set) Move(ctx *context.Context, kind Kind) error {
	backend, err := s.Backend(kind)
	if err != nil {
		return err
	}
	if Of(ctx) == kind {
		return nil
	}
	for v := range ctx.IterVariables() {
		value, err := v.Value()
		if err != nil || value == nil {
			// Not initialized yet: it will be created on the new device.
			klog.V(2).Infof("not moving %q: %v", v.ScopeAndName(), err)
			continue
		}
		local, err := ToDevice(value, nil)
		if err != nil {
			return errors.WithMessagef(err, "moving variable %q to %s", v.ScopeAndName(), kind)
		}
		// SetValue frees the previous value.
		if err = v.SetValue(local); err != nil {
			return errors.WithMessagef(err, "setting variable %q", v.ScopeAndName())
		}
	}
	ctx.InAbsPath(context.RootScope).SetParam(ParamDevice, kind.String())
	klog.V(1).Infof("moved %d variables to %s (%s)", ctx.NumVariables(), kind, backend.Name())
	return nil
}

// ToDevice returns a copy of t. If backend is nil, the copy is host-local, otherwise it is
// also materialized on the backend's default device.
func ToDevice(t *tensors.Tensor, backend backends.Backend) (*tensors.Tensor, error) {
	local, err := t.LocalClone()
	if err != nil {
		return nil, errors.WithMessagef(err, "copying tensor %s", t.Shape())
	}
	if backend == nil {
		return local, nil
	}
	if err = local.MaterializeOnDevice(backend, false, 0); err != nil {
		return nil, errors.WithMessagef(err, "transferring tensor %s to %s", t.Shape(), backend.Name())
	}
	return local, nil
}
