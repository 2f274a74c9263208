// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package checkpoint

import (
	"slices"

	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/gomlx/sgmvfi/pkg/network"
)

// Store writes the records of one training run.
//
// Only the primary process of a distributed run writes: on every other process Save and SaveBest are no-ops,
// so concurrent writers never touch the same file.
type Store struct {
	Paths   Paths
	Primary bool
	RunID   string
}

// NewStore creates a Store with a new run identifier.
func NewStore(paths Paths, primary bool) *Store {
	return &Store{Paths: paths, Primary: primary, RunID: uuid.NewString()}
}

// Save writes rec to Paths.Current.
func (s *Store) Save(rec *Record) error {
	return s.write(s.Paths.Current(), rec)
}

// SaveBest writes rec to Paths.Best.
func (s *Store) SaveBest(rec *Record) error {
	return s.write(s.Paths.Best(), rec)
}

func (s *Store) write(path string, rec *Record) error {
	if !s.Primary {
		return nil
	}
	if rec.RunID == "" {
		rec.RunID = s.RunID
	}
	if err := WriteRecord(path, rec); err != nil {
		return err
	}
	klog.Infof("saved epoch %d checkpoint to %q", rec.Epoch, path)
	return nil
}

// Snapshot copies the current state of ctx into a record.
//
// Variables under modelScopes are the model state, stored under stateKey(name) (use the identity for a
// non-distributed run). Every other variable is optimizer state.
func Snapshot(ctx *context.Context, modelScopes []string, stateKey func(string) string, epoch int) (*Record, error) {
	rec := &Record{Epoch: epoch, Model: make(Mapping), Optimizer: make(Mapping)}
	for v := range ctx.IterVariables() {
		value, err := v.Value()
		if err != nil {
			return nil, errors.WithMessagef(err, "failed to read variable %q", v.ScopeAndName())
		}
		value, err = value.LocalClone()
		if err != nil {
			return nil, errors.WithMessagef(err, "failed to copy variable %q", v.ScopeAndName())
		}
		key := v.ScopeAndName()
		if slices.ContainsFunc(modelScopes, func(s string) bool { return network.InScope(v.Scope(), s) }) {
			rec.Model[stateKey(key)] = value
		} else {
			rec.Optimizer[key] = value
		}
	}
	return rec, nil
}
