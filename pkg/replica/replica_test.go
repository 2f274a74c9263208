// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package replica

import (
	"testing"

	"github.com/gomlx/gomlx/pkg/core/distributed"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	_ "github.com/gomlx/gomlx/backends/default"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/graph/graphtest"

	"github.com/gomlx/sgmvfi/pkg/network"
)

func TestWrapLocal(t *testing.T) {
	ctx := context.New()
	net := network.New(network.Config{})
	w, err := Wrap(ctx, net, nil, -1)
	require.NoError(t, err)
	require.IsType(t, Local{}, w)
	assert.True(t, w.IsPrimary())
	assert.Equal(t, 0, w.Rank())
	assert.Equal(t, 1, w.WorldSize())
	assert.Equal(t, "/unet/conv/weights", w.StateKey("/unet/conv/weights"))
	assert.Equal(t, net.Branches(), w.Branches())

	backend := graphtest.BuildTestBackend()
	g := NewGraph(backend, "local")
	defer g.Finalize()
	grads := []*Node{Zeros(g, shapes.Make(dtypes.Float32, 3))}
	assert.Equal(t, grads, w.SyncGradients(grads))
	assert.Same(t, grads[0], w.SyncMean(grads[0]))

	x := tensors.FromValue([]float32{1, 2})
	args, err := w.ShardInputs([]*tensors.Tensor{x, x}, []bool{true, false})
	require.NoError(t, err)
	assert.Equal(t, []any{x, x}, args)
	outputs, err := w.MergeOutputs([]*tensors.Tensor{x}, []bool{true})
	require.NoError(t, err)
	assert.Len(t, outputs, 1)
	_, err = w.MergeOutputs([]*tensors.Tensor{x}, []bool{true, false})
	assert.Error(t, err)
}

func TestWrapSetupErrors(t *testing.T) {
	ctx := context.New()
	net := network.New(network.Config{})
	_, err := Wrap(ctx, net, nil, 0)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrSetup))

	backend := graphtest.BuildTestBackend()
	_, err = InitProcessGroup(backend, 0)
	assert.True(t, errors.Is(err, ErrSetup))
	_, err = InitProcessGroup(backend, backend.NumDevices()+1)
	assert.True(t, errors.Is(err, ErrSetup))

	group, err := InitProcessGroup(backend, 1)
	require.NoError(t, err)
	_, err = Wrap(ctx, net, group, 1)
	assert.True(t, errors.Is(err, ErrSetup))
	_, err = Wrap(ctx, net, group, -2)
	assert.True(t, errors.Is(err, ErrSetup))
}

func TestWrapDataParallel(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	ctx := context.New()
	v := ctx.In("unet").VariableWithValue("bias", []float32{1, 2})
	net := network.New(network.Config{})
	group, err := InitProcessGroup(backend, 1)
	require.NoError(t, err)
	assert.Equal(t, 1, group.WorldSize())
	assert.Equal(t, []string{MeshAxis}, group.Mesh().AxesNames())

	w, err := Wrap(ctx, net, group, 0)
	require.NoError(t, err)
	require.IsType(t, &DataParallel{}, w)
	assert.True(t, w.IsPrimary())
	assert.Equal(t, 0, w.Rank())
	assert.Equal(t, "/module/unet/bias", w.StateKey(v.ScopeAndName()))
	require.NotNil(t, v.ShardingSpec(), "variables must be replicated")
	assert.True(t, v.ShardingSpec().IsReplicated())

	x := tensors.FromValue([][]float32{{1, 2}, {3, 4}})
	lr := tensors.FromScalar(float32(0.1))
	args, err := w.ShardInputs([]*tensors.Tensor{x, lr}, []bool{true, false})
	require.NoError(t, err)
	require.Len(t, args, 2)
	batch := args[0].(*distributed.Tensor)
	assert.NoError(t, batch.Shape().CheckDims(2, 2))
	assert.False(t, batch.ShardingSpec().IsReplicated())
	require.Equal(t, 1, batch.NumShards())
	assert.Equal(t, [][]float32{{1, 2}, {3, 4}}, batch.Shards()[0].Value())
	rate := args[1].(*distributed.Tensor)
	assert.True(t, rate.ShardingSpec().IsReplicated())
	assert.Equal(t, float32(0.1), rate.Shards()[0].Value())

	_, err = w.ShardInputs([]*tensors.Tensor{lr}, []bool{true})
	assert.Error(t, err, "a scalar can't be split along the batch axis")

	merged, err := w.MergeOutputs([]*tensors.Tensor{x, lr}, []bool{true, false})
	require.NoError(t, err)
	require.Len(t, merged, 2)
	assert.Equal(t, [][]float32{{1, 2}, {3, 4}}, merged[0].Value())
	assert.Same(t, lr, merged[1])
	_, err = w.MergeOutputs([]*tensors.Tensor{x}, []bool{true, false})
	assert.Error(t, err)
}

func TestDataParallelSyncInGraph(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	ctx := context.New()
	net := network.New(network.Config{})
	group, err := InitProcessGroup(backend, 1)
	require.NoError(t, err)
	w, err := Wrap(ctx, net, group, 0)
	require.NoError(t, err)

	e, err := context.NewExec(backend, ctx, func(ctx *context.Context, x, scale *Node) []*Node {
		grads := w.SyncGradients([]*Node{x, Mul(x, scale)})
		return append(grads, w.SyncMean(ReduceAllMean(x)))
	})
	require.NoError(t, err)
	e, err = w.ConfigureExec(e)
	require.NoError(t, err)
	assert.Equal(t, distributed.SPMD, e.DistributionStrategy())

	args, err := w.ShardInputs([]*tensors.Tensor{
		tensors.FromValue([][]float32{{1, 2}, {3, 4}}),
		tensors.FromScalar(float32(2)),
	}, []bool{true, false})
	require.NoError(t, err)
	results, err := e.Exec(args...)
	require.NoError(t, err)
	outputs, err := w.MergeOutputs(results, []bool{true, true, false})
	require.NoError(t, err)
	require.Len(t, outputs, 3)

	// A single replica: the averaged gradients and mean are the local ones.
	assert.Equal(t, [][]float32{{1, 2}, {3, 4}}, outputs[0].Value())
	assert.Equal(t, [][]float32{{2, 4}, {6, 8}}, outputs[1].Value())
	assert.InDelta(t, 2.5, float64(tensors.ToScalar[float32](outputs[2])), 1e-6)

	// Empty gradients are returned as is.
	assert.Empty(t, w.SyncGradients(nil))
}
