// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package replica optionally wraps the interpolation network for data-parallel training.
//
// Both implementations of Wrapper forward the network interface unchanged, so the training step and the
// inference augmentations don't need to know whether distribution is active:
//
//   - Local is a pass-through, used when no distributed run was requested (local rank -1).
//   - DataParallel replicates the variables on every device of a ProcessGroup (the broadcast from the primary
//     replica), splits the batch across devices and averages the gradients across replicas before every
//     optimizer update.
package replica

import (
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/pkg/errors"

	. "github.com/gomlx/gomlx/pkg/core/graph"

	"github.com/gomlx/sgmvfi/pkg/network"
)

// ErrSetup is returned (wrapped) when the distributed setup preconditions are not met, e.g. wrapping
// for a distributed run before the process group was initialized.
var ErrSetup = errors.New("distributed setup error")

// StateNamespace is the prefix DataParallel adds to the keys of the model state it saves.
const StateNamespace = "/module"

// Wrapper is the network as seen by the training step and inference.
type Wrapper interface {
	network.Interface

	// ConfigureExec prepares an executor for the replicas. It returns the executor to use.
	ConfigureExec(e *context.Exec) (*context.Exec, error)

	// SyncGradients returns the gradients averaged across replicas. It must be called (during graph building)
	// on every replica, after the backward pass and before the optimizer update.
	SyncGradients(grads []*Node) []*Node

	// SyncMean averages x across replicas.
	SyncMean(x *Node) *Node

	// ShardInputs converts the executor inputs to the per-replica arguments. Inputs marked as batched are split
	// along their first axis; the others are replicated.
	ShardInputs(inputs []*tensors.Tensor, batched []bool) ([]any, error)

	// MergeOutputs converts the per-replica results of an executor with numOutputs outputs back to numOutputs
	// tensors. Batched outputs are concatenated along their first axis; for the others, the primary replica's
	// value is used.
	MergeOutputs(results []*tensors.Tensor, batched []bool) ([]*tensors.Tensor, error)

	// IsPrimary returns whether this replica is the one that writes checkpoints.
	IsPrimary() bool

	// Rank of this replica.
	Rank() int

	// WorldSize is the number of replicas.
	WorldSize() int

	// StateKey returns the key under which the variable with the qualified name key is saved.
	StateKey(key string) string
}

// Local is the pass-through Wrapper: a single replica, no synchronization.
type Local struct {
	network.Interface
}

var _ Wrapper = Local{}

// ConfigureExec implements Wrapper.
func (Local) ConfigureExec(e *context.Exec) (*context.Exec, error) { return e, nil }

// SyncGradients implements Wrapper.
func (Local) SyncGradients(grads []*Node) []*Node { return grads }

// SyncMean implements Wrapper.
func (Local) SyncMean(x *Node) *Node { return x }

// ShardInputs implements Wrapper.
func (Local) ShardInputs(inputs []*tensors.Tensor, _ []bool) ([]any, error) {
	args := make([]any, len(inputs))
	for ii, input := range inputs {
		args[ii] = input
	}
	return args, nil
}

// MergeOutputs implements Wrapper.
func (Local) MergeOutputs(results []*tensors.Tensor, batched []bool) ([]*tensors.Tensor, error) {
	if len(results) != len(batched) {
		return nil, errors.Errorf("expected %d results, got %d", len(batched), len(results))
	}
	return results, nil
}

// IsPrimary implements Wrapper.
func (Local) IsPrimary() bool { return true }

// Rank implements Wrapper.
func (Local) Rank() int { return 0 }

// WorldSize implements Wrapper.
func (Local) WorldSize() int { return 1 }

// StateKey implements Wrapper.
func (Local) StateKey(key string) string { return key }
