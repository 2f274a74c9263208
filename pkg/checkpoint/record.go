// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package checkpoint reads and writes the training records of the interpolation model, and merges
// pretrained parameters into a context.
//
// A record holds the epoch, the model state (qualified parameter name to tensor) and the optimizer state.
// It is stored as a gob encoded header followed by the gob encoded tensors, in the order listed in the header.
package checkpoint

import (
	"encoding/gob"
	"os"
	"path/filepath"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/support/xslices"
	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
)

// ErrNotFound is returned (wrapped) when a checkpoint file or directory doesn't exist.
var ErrNotFound = errors.New("checkpoint not found")

// FormatVersion of the record files written by this package.
const FormatVersion = 1

// Extension of record files.
const Extension = ".ckpt"

// Mapping of qualified parameter names (as in context.Variable.ScopeAndName) to their values.
type Mapping map[string]*tensors.Tensor

// Keys returns the sorted keys of the mapping.
func (m Mapping) Keys() []string {
	return xslices.SortedKeys(m)
}

// Record is one persisted snapshot of a training run.
type Record struct {
	Epoch int

	// RunID identifies the training run that wrote the record.
	RunID string

	// Model state: the network parameters.
	Model Mapping

	// Optimizer state, plus any other non-model variable (global step, learning rate, random number generator).
	Optimizer Mapping
}

type recordHeader struct {
	Version       int
	Epoch         int
	RunID         string
	ModelKeys     []string
	OptimizerKeys []string
}

// LoadRecord reads the record stored in path.
// If the file doesn't exist, the error wraps ErrNotFound.
func LoadRecord(path string) (*Record, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.Wrapf(ErrNotFound, "record %q", path)
		}
		return nil, errors.Wrapf(err, "failed to open record %q", path)
	}
	defer func() { _ = f.Close() }()

	rec := &Record{}
	err = exceptions.TryCatch[error](func() {
		dec := gob.NewDecoder(f)
		var header recordHeader
		must.M(dec.Decode(&header))
		if header.Version != FormatVersion {
			exceptions.Panicf("unsupported record format version %d (want %d)", header.Version, FormatVersion)
		}
		rec.Epoch = header.Epoch
		rec.RunID = header.RunID
		rec.Model = make(Mapping, len(header.ModelKeys))
		for _, key := range header.ModelKeys {
			rec.Model[key] = must.M1(tensors.GobDeserialize(dec))
		}
		rec.Optimizer = make(Mapping, len(header.OptimizerKeys))
		for _, key := range header.OptimizerKeys {
			rec.Optimizer[key] = must.M1(tensors.GobDeserialize(dec))
		}
	})
	if err != nil {
		return nil, errors.WithMessagef(err, "failed to read record %q", path)
	}
	return rec, nil
}

// LoadPretrained returns the model state of the record in path: the raw mapping, before any key filtering.
// If the file doesn't exist, the error wraps ErrNotFound.
func LoadPretrained(path string) (Mapping, error) {
	rec, err := LoadRecord(path)
	if err != nil {
		return nil, err
	}
	return rec.Model, nil
}

// WriteRecord writes rec to path, creating the parent directories if needed.
// The file is first written to a temporary sibling and then renamed over path.
func WriteRecord(path string, rec *Record) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o777); err != nil {
		return errors.Wrapf(err, "failed to create checkpoint directory %q", dir)
	}
	header := recordHeader{
		Version:       FormatVersion,
		Epoch:         rec.Epoch,
		RunID:         rec.RunID,
		ModelKeys:     rec.Model.Keys(),
		OptimizerKeys: rec.Optimizer.Keys(),
	}
	tmpPath := path + ".tmp"
	err := exceptions.TryCatch[error](func() {
		f := must.M1(os.Create(tmpPath))
		defer func() { _ = f.Close() }()
		enc := gob.NewEncoder(f)
		must.M(enc.Encode(header))
		for _, key := range header.ModelKeys {
			must.M(rec.Model[key].GobSerialize(enc))
		}
		for _, key := range header.OptimizerKeys {
			must.M(rec.Optimizer[key].GobSerialize(enc))
		}
		must.M(f.Close())
	})
	if err != nil {
		_ = os.Remove(tmpPath)
		return errors.WithMessagef(err, "failed to write record %q", path)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return errors.Wrapf(err, "failed to move record into %q", path)
	}
	return nil
}

// Paths derives the record file names of a model: `<Root>/<Name>/ckpt/<Name>.ckpt` and its "-best" sibling.
type Paths struct {
	Root, Name string
}

// Dir where the records of the model are stored.
func (p Paths) Dir() string {
	return filepath.Join(p.Root, p.Name, "ckpt")
}

// Current is the path of the most recent record.
func (p Paths) Current() string {
	return filepath.Join(p.Dir(), p.Name+Extension)
}

// Best is the path of the best-metric record.
func (p Paths) Best() string {
	return filepath.Join(p.Dir(), p.Name+"-best"+Extension)
}
