// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package replica

import (
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/core/distributed"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/gomlx/sgmvfi/pkg/network"
)

// MeshAxis is the name of the device mesh axis along which replicas are laid out.
const MeshAxis = "replica"

// ProcessGroup is the set of devices taking part in a data-parallel run.
type ProcessGroup struct {
	backend backends.Backend
	mesh    *distributed.DeviceMesh
}

// InitProcessGroup creates the process group of worldSize replicas, one per device of backend.
func InitProcessGroup(backend backends.Backend, worldSize int) (*ProcessGroup, error) {
	if worldSize < 1 {
		return nil, errors.Wrapf(ErrSetup, "invalid world size %d", worldSize)
	}
	if numDevices := backend.NumDevices(); numDevices < worldSize {
		return nil, errors.Wrapf(ErrSetup, "world size %d requested, but backend %q only has %d devices",
			worldSize, backend.Name(), numDevices)
	}
	mesh, err := distributed.NewDeviceMesh([]int{worldSize}, []string{MeshAxis})
	if err != nil {
		return nil, errors.Wrapf(ErrSetup, "failed to create device mesh: %v", err)
	}
	return &ProcessGroup{backend: backend, mesh: mesh}, nil
}

// WorldSize is the number of replicas in the group.
func (pg *ProcessGroup) WorldSize() int { return pg.mesh.NumDevices() }

// Mesh of the devices in the group.
func (pg *ProcessGroup) Mesh() *distributed.DeviceMesh { return pg.mesh }

// DataParallel runs one replica of the network per device of a ProcessGroup, using the SPMD strategy.
type DataParallel struct {
	network.Interface
	group      *ProcessGroup
	rank       int
	replicated *distributed.ShardingSpec
	batchSplit *distributed.ShardingSpec
}

var _ Wrapper = (*DataParallel)(nil)

// Wrap returns the Wrapper for net.
//
// With localRank == -1 it returns Local. Otherwise group must have been initialized (InitProcessGroup) and
// localRank must be in [0, group.WorldSize()), or it fails with an error wrapping ErrSetup. The variables
// already in ctx are marked as replicated, so every replica starts from the primary's values.
func Wrap(ctx *context.Context, net network.Interface, group *ProcessGroup, localRank int) (Wrapper, error) {
	if localRank == -1 {
		klog.V(1).Infof("no distributed run requested: using the local network")
		return Local{net}, nil
	}
	if group == nil {
		return nil, errors.Wrapf(ErrSetup, "process group not initialized before wrapping local rank %d", localRank)
	}
	if localRank < 0 || localRank >= group.WorldSize() {
		return nil, errors.Wrapf(ErrSetup, "local rank %d out of range for world size %d", localRank, group.WorldSize())
	}
	batchSplit, err := distributed.BuildSpec(group.mesh).S(MeshAxis).Done()
	if err != nil {
		return nil, errors.Wrapf(ErrSetup, "failed to build the batch sharding: %v", err)
	}
	dp := &DataParallel{
		Interface:  net,
		group:      group,
		rank:       localRank,
		replicated: distributed.NewReplicatedShardingSpec(group.mesh),
		batchSplit: batchSplit,
	}
	for v := range ctx.IterVariables() {
		if err := v.SetShardingSpec(dp.replicated); err != nil {
			return nil, errors.WithMessagef(err, "failed to replicate variable %q", v.ScopeAndName())
		}
	}
	klog.Infof("data-parallel replica %d of %d", localRank, group.WorldSize())
	return dp, nil
}

// ConfigureExec implements Wrapper. Variables created later, like the optimizer state, are replicated too.
func (dp *DataParallel) ConfigureExec(e *context.Exec) (*context.Exec, error) {
	e = e.SPMD(dp.group.mesh)
	if err := e.SetDefaultShardingSpec(dp.replicated); err != nil {
		return nil, errors.WithMessagef(err, "failed to configure replicated variables")
	}
	return e, nil
}

// SyncGradients implements Wrapper.
func (dp *DataParallel) SyncGradients(grads []*Node) []*Node {
	if len(grads) == 0 {
		return grads
	}
	g := grads[0].Graph()
	summed := g.Distributed().Along(MeshAxis).AllReduce(grads, backends.ReduceOpSum)
	synced := make([]*Node, len(summed))
	for ii, grad := range summed {
		synced[ii] = MulScalar(grad, 1/float64(dp.WorldSize()))
	}
	return synced
}

// SyncMean implements Wrapper.
func (dp *DataParallel) SyncMean(x *Node) *Node {
	summed := x.Graph().Distributed().Along(MeshAxis).AllReduceOne(x, backends.ReduceOpSum)
	return MulScalar(summed, 1/float64(dp.WorldSize()))
}

// ShardInputs implements Wrapper. It returns one *distributed.Tensor per input: the SPMD executor takes
// either all its arguments distributed or none.
func (dp *DataParallel) ShardInputs(inputs []*tensors.Tensor, batched []bool) ([]any, error) {
	args := make([]any, len(inputs))
	for ii, input := range inputs {
		spec := dp.replicated
		if batched[ii] {
			if input.Shape().Rank() == 0 {
				return nil, errors.Errorf("batched input #%d is a scalar", ii)
			}
			spec = dp.batchSplit
		}
		dt, err := distributed.ShardTensor(spec, input)
		if err != nil {
			return nil, errors.WithMessagef(err, "input #%d with shape %s can't be split across %d replicas",
				ii, input.Shape(), dp.WorldSize())
		}
		args[ii] = dt
	}
	return args, nil
}

// MergeOutputs implements Wrapper. The results are ordered replica-major: all outputs of replica 0, then all
// outputs of replica 1, etc.
func (dp *DataParallel) MergeOutputs(results []*tensors.Tensor, batched []bool) ([]*tensors.Tensor, error) {
	worldSize, numOutputs := dp.WorldSize(), len(batched)
	if len(results) != worldSize*numOutputs {
		return nil, errors.Errorf("expected %d results (%d outputs x %d replicas), got %d",
			worldSize*numOutputs, numOutputs, worldSize, len(results))
	}
	merged := make([]*tensors.Tensor, numOutputs)
	for ii := range numOutputs {
		if !batched[ii] {
			merged[ii] = results[ii]
			continue
		}
		shards := make([]*tensors.Tensor, worldSize)
		for replicaIdx := range worldSize {
			shards[replicaIdx] = results[replicaIdx*numOutputs+ii]
		}
		dt, err := distributed.NewTensor(dp.batchSplit, shards)
		if err != nil {
			return nil, errors.WithMessagef(err, "failed to collect the shards of output #%d", ii)
		}
		if merged[ii], err = dt.Merge(); err != nil {
			return nil, errors.WithMessagef(err, "failed to merge output #%d", ii)
		}
	}
	return merged, nil
}

// IsPrimary implements Wrapper.
func (dp *DataParallel) IsPrimary() bool { return dp.rank == 0 }

// Rank implements Wrapper.
func (dp *DataParallel) Rank() int { return dp.rank }

// WorldSize implements Wrapper.
func (dp *DataParallel) WorldSize() int { return dp.group.WorldSize() }

// StateKey implements Wrapper.
func (dp *DataParallel) StateKey(key string) string { return StateNamespace + key }
