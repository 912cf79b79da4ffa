// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package nn

import (
	"os"
	"strings"

	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/checkpoints"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Save writes the module's variables of m to a checkpoint directory, replacing whatever was there.
// Variables outside the model scope (optimizer state, global step, random number generator
// state) are not saved.
//
// The model must have been executed at least once, so its variables exist.
func Save(m *Model, dir string) error {
	ctx := m.Context()
	prefix := context.RootScope + ModelScope
	var numSaved int
	var exclude []*context.Variable
	for v := range ctx.IterVariables() {
		if strings.HasPrefix(v.Scope(), prefix) {
			numSaved++
		} else {
			exclude = append(exclude, v)
		}
	}
	if numSaved == 0 {
		return errors.Errorf("saving model to %q: model has no variables, run it once before saving", dir)
	}

	// Done() would load an existing checkpoint into the model.
	if err := os.RemoveAll(dir); err != nil {
		return errors.Wrapf(err, "removing previous checkpoint in %q", dir)
	}
	handler, err := checkpoints.Build(ctx).Dir(dir).Keep(1).ExcludeVars(exclude...).Done()
	if err != nil {
		return errors.WithMessagef(err, "creating checkpoint in %q", dir)
	}
	if err = handler.Save(); err != nil {
		return errors.WithMessagef(err, "saving checkpoint in %q", dir)
	}
	klog.V(1).Infof("saved %d variables to %s", numSaved, dir)
	return nil
}

// Load reads a checkpoint written by Save into m, which must have the same architecture:
// variables are matched by scope and name. Variables that don't exist yet in m are created.
// Context parameters (like the device) are not loaded.
func Load(m *Model, dir string) error {
	if _, err := os.Stat(dir); err != nil {
		return errors.Wrapf(err, "loading model from %q", dir)
	}
	handler, err := checkpoints.Load(m.Context()).Dir(dir).Immediate().ExcludeAllParams().Done()
	if err != nil {
		return errors.WithMessagef(err, "loading model from %q", dir)
	}
	if found, err := handler.HasCheckpoints(); err != nil || !found {
		return errors.Errorf("loading model from %q: no checkpoint found (err=%v)", dir, err)
	}
	klog.V(1).Infof("loaded model from %s", handler.Dir())
	return nil
}
