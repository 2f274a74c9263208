// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package checkpoint

import (
	"os"
	"slices"
	"strings"

	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/checkpoints"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/gomlx/sgmvfi/pkg/network"
)

// FilterAndStrip keeps only the keys of raw that contain required and none of excluded, and removes
// required from the keys kept.
//
// It is used for records written by a distributed run, where required is the namespace marker the replica
// wrapper added to every key, and excluded lists non-portable cached state (attention masks, shape dependent
// buffers) that must not be transplanted across runs.
func FilterAndStrip(raw Mapping, required string, excluded []string) Mapping {
	filtered := make(Mapping)
	for key, value := range raw {
		if !strings.Contains(key, required) || containsAny(key, excluded) {
			continue
		}
		filtered[strings.ReplaceAll(key, required, "")] = value
	}
	return filtered
}

// Normalize is like FilterAndStrip, except that if no key carries the marker (the record was written by a
// non-distributed run) all keys not matching excluded are kept unchanged.
func Normalize(raw Mapping, marker string, excluded []string) Mapping {
	for key := range raw {
		if strings.Contains(key, marker) {
			return FilterAndStrip(raw, marker, excluded)
		}
	}
	filtered := make(Mapping)
	for key, value := range raw {
		if !containsAny(key, excluded) {
			filtered[key] = value
		}
	}
	return filtered
}

func containsAny(key string, substrings []string) bool {
	return slices.ContainsFunc(substrings, func(s string) bool { return s != "" && strings.Contains(key, s) })
}

// LoadResult reports how a mapping was merged into a context.
type LoadResult struct {
	// Loaded keys: the intersection between the mapping and the candidate variables.
	Loaded []string

	// Ignored keys of the mapping with no matching variable.
	Ignored []string

	// Missing candidate variables with no key in the mapping. They keep their previous values.
	Missing []string
}

// NumLoaded returns the number of variables assigned.
func (r LoadResult) NumLoaded() int { return len(r.Loaded) }

// LoadInto assigns the values of mapping to the variables of ctx with the same qualified name.
//
// If scopes are given, only variables under them are candidates, and keys outside them are ignored.
// Unmatched keys in either direction are not errors, but are reported in the result. The assignment is strict
// over the intersection: if any matching variable has a different shape (or dtype) nothing is assigned and an
// error is returned.
//
// The variables take ownership of the assigned tensors. Their trainable flag is not changed.
func LoadInto(ctx *context.Context, mapping Mapping, scopes ...string) (LoadResult, error) {
	var result LoadResult
	inScope := func(scope string) bool {
		return len(scopes) == 0 || slices.ContainsFunc(scopes, func(s string) bool { return network.InScope(scope, s) })
	}

	// Phase 1: intersection and validation.
	matched := make(map[string]*context.Variable)
	for v := range ctx.IterVariables() {
		if !inScope(v.Scope()) {
			continue
		}
		key := v.ScopeAndName()
		value, found := mapping[key]
		if !found {
			result.Missing = append(result.Missing, key)
			continue
		}
		if !v.Shape().Equal(value.Shape()) {
			return LoadResult{}, errors.Errorf("checkpoint value for %q has shape %s, but the variable has shape %s",
				key, value.Shape(), v.Shape())
		}
		matched[key] = v
	}
	for key := range mapping {
		if _, found := matched[key]; !found {
			result.Ignored = append(result.Ignored, key)
		}
	}

	// Phase 2: assignment.
	result.Loaded = make([]string, 0, len(matched))
	for key, v := range matched {
		if err := v.SetValue(mapping[key]); err != nil {
			return LoadResult{}, errors.WithMessagef(err, "failed to set value of %q", key)
		}
		result.Loaded = append(result.Loaded, key)
	}
	slices.Sort(result.Loaded)
	slices.Sort(result.Ignored)
	slices.Sort(result.Missing)
	if klog.V(1).Enabled() {
		for _, key := range result.Ignored {
			klog.Infof("checkpoint key %q ignored: no matching variable", key)
		}
		for _, key := range result.Missing {
			klog.Infof("variable %q not in checkpoint: keeping its current value", key)
		}
	}
	return result, nil
}

// LoadPartial assigns to the variables of the branch the keys of raw that are already present in the branch's
// own variable names (the keys are expected to already be in the live naming convention).
// Everything else is ignored.
func LoadPartial(ctx *context.Context, branch network.Branch, raw Mapping) (LoadResult, error) {
	result, err := LoadInto(ctx, raw, branch.Scopes()...)
	if err != nil {
		return result, errors.WithMessagef(err, "failed to load branch %q", branch.Name)
	}
	if result.NumLoaded() == 0 {
		klog.Warningf("no checkpoint key matched the variables of branch %q", branch.Name)
	}
	return result, nil
}

// LoadGoMLXDir reads the latest GoMLX checkpoint (see package checkpoints) in dir, and returns its variables
// keyed by their qualified names. Hyperparameters stored in the checkpoint are discarded.
// If the directory doesn't exist, the error wraps ErrNotFound.
func LoadGoMLXDir(dir string) (Mapping, error) {
	if _, err := os.Stat(dir); err != nil {
		if os.IsNotExist(err) {
			return nil, errors.Wrapf(ErrNotFound, "checkpoint directory %q", dir)
		}
		return nil, errors.Wrapf(err, "failed to access checkpoint directory %q", dir)
	}
	scratch := context.New()
	handler, err := checkpoints.Load(scratch).Dir(dir).Done()
	if err != nil {
		return nil, errors.WithMessagef(err, "failed to load checkpoint from %q", dir)
	}
	mapping := make(Mapping)
	for parameterName, value := range handler.LoadedVariables() {
		scope, name := context.VariableScopeAndNameFromParameterName(parameterName)
		if name == "" {
			continue
		}
		mapping[context.JoinScope(scope, name)] = value
	}
	return mapping, nil
}

// ApplyRecord restores a record into ctx: the model state is normalized (see Normalize) and merged
// with LoadInto, and the optimizer state overwrites (or creates, as non-trainable) the remaining variables.
func ApplyRecord(ctx *context.Context, rec *Record, marker string, excluded []string) (LoadResult, error) {
	result, err := LoadInto(ctx, Normalize(rec.Model, marker, excluded))
	if err != nil {
		return result, err
	}
	ctxUnchecked := ctx.Checked(false)
	for _, key := range rec.Optimizer.Keys() {
		value := rec.Optimizer[key]
		scope, name := context.SplitScope(key)
		if v := ctx.GetVariableByScopeAndName(scope, name); v != nil {
			if !v.Shape().Equal(value.Shape()) {
				return result, errors.Errorf("optimizer state %q has shape %s, but the variable has shape %s",
					key, value.Shape(), v.Shape())
			}
			if err := v.SetValue(value); err != nil {
				return result, errors.WithMessagef(err, "failed to restore optimizer state %q", key)
			}
			continue
		}
		ctxUnchecked.InAbsPath(scope).VariableWithValue(name, value).SetTrainable(false)
	}
	return result, nil
}
