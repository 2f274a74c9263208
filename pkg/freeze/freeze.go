// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package freeze marks branches of a network as non-trainable.
//
// Freezing is permanent: a Freezer only accumulates scopes, and Apply re-marks every variable under them,
// so it can be called again after any checkpoint load without un-freezing anything.
package freeze

import (
	"slices"
	"strings"

	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/sgmvfi/pkg/network"
	"k8s.io/klog/v2"
)

// Freezer holds the set of frozen scopes.
//
// It is not safe for concurrent use.
type Freezer struct {
	scopes []string
}

// New creates an empty Freezer.
func New() *Freezer {
	return &Freezer{}
}

// Freeze adds the given scopes (absolute, or relative to the root scope) to the frozen set and applies it to ctx.
// It returns the number of variables marked as non-trainable by this call.
func (f *Freezer) Freeze(ctx *context.Context, scopes ...string) int {
	for _, scope := range scopes {
		scope = normalize(scope)
		if !slices.Contains(f.scopes, scope) {
			f.scopes = append(f.scopes, scope)
		}
	}
	return f.Apply(ctx)
}

// FreezeBranch freezes all the parts of the branch.
func (f *Freezer) FreezeBranch(ctx *context.Context, branch network.Branch) int {
	count := f.Freeze(ctx, branch.Scopes()...)
	klog.Infof("froze branch %q (%s): %d variables newly frozen", branch.Name, strings.Join(branch.Parts, ", "), count)
	return count
}

// Apply marks every variable in ctx under a frozen scope as non-trainable. It is idempotent.
// It returns the number of variables that were trainable before the call.
func (f *Freezer) Apply(ctx *context.Context) int {
	var count int
	for v := range ctx.IterVariables() {
		if v.Trainable && f.IsFrozen(v.Scope()) {
			v.SetTrainable(false)
			count++
		}
	}
	return count
}

// IsFrozen returns whether a variable with the given scope is under one of the frozen scopes.
func (f *Freezer) IsFrozen(scope string) bool {
	return slices.ContainsFunc(f.scopes, func(frozen string) bool { return network.InScope(scope, frozen) })
}

// Frozen returns a copy of the frozen scopes, in the order they were added.
func (f *Freezer) Frozen() []string {
	return slices.Clone(f.scopes)
}

func normalize(scope string) string {
	scope = strings.TrimSuffix(scope, context.ScopeSeparator)
	if !strings.HasPrefix(scope, context.RootScope) {
		scope = context.RootScope + scope
	}
	return scope
}
