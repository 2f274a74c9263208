// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package augment

import (
	"math"
	"testing"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	_ "github.com/gomlx/gomlx/backends/default"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/graph/graphtest"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"

	"github.com/gomlx/sgmvfi/pkg/network"
)

// framePair returns a deterministic non-symmetric frame pair with values in [0, 1].
func framePair(batch, height, width int) *tensors.Tensor {
	data := make([]float32, batch*height*width*6)
	for ii := range data {
		data[ii] = float32(0.5 + 0.5*math.Sin(float64(ii)*0.37))
	}
	return tensors.FromFlatDataAndDimensions(data, batch, height, width, 6)
}

func TestSelect(t *testing.T) {
	assert.Equal(t, Plain{}, Select(false, false))
	assert.Equal(t, FlipAveraged{}, Select(true, false))
	assert.Equal(t, FastBatchedFlip{}, Select(false, true))
	assert.Equal(t, FastBatchedFlip{}, Select(true, true), "fast must take precedence")
	assert.Equal(t, "flip-averaged", Select(true, false).String())
}

func TestFlipStrategies(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	ctx := context.New()
	net := network.New(network.Config{Channels: 4, Stages: 1})
	const batch, height, width = 2, 8, 8
	require.NoError(t, network.Materialize(backend, ctx, net, height, width))

	imgs := framePair(batch, height, width)
	outputs := context.MustExecOnceN(backend, ctx.Reuse(), func(ctx *context.Context, imgs *Node) []*Node {
		timestep := Scalar(imgs.Graph(), dtypes.Float32, 0.5)
		infer := Direct(net, timestep)
		return []*Node{
			Plain{}.Apply(ctx, imgs, infer),
			FlipAveraged{}.Apply(ctx, imgs, infer),
			FastBatchedFlip{}.Apply(ctx, imgs, infer),
		}
	}, imgs)
	require.NoError(t, outputs[0].Shape().CheckDims(batch, height, width, 3))
	require.NoError(t, outputs[1].Shape().CheckDims(batch, height, width, 3))
	require.NoError(t, outputs[2].Shape().CheckDims(1, batch, height, width, 3))

	averaged := tensors.MustCopyFlatData[float32](outputs[1])
	fast := tensors.MustCopyFlatData[float32](outputs[2])
	require.Len(t, fast, len(averaged))
	for ii := range averaged {
		require.InDelta(t, averaged[ii], fast[ii], 1e-4, "element %d", ii)
	}
}

func TestFlipAveragedEquivariant(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	// Per pixel mean of both frames commutes with flipping, so averaging is a no-op.
	infer := func(_ *context.Context, imgs *Node) *Node {
		img0, img1 := network.SplitPair(imgs)
		return DivScalar(Add(img0, img1), 2)
	}
	imgs := framePair(1, 4, 6)
	outputs := context.MustExecOnceN(backend, context.New(), func(ctx *context.Context, imgs *Node) []*Node {
		return []*Node{Plain{}.Apply(ctx, imgs, infer), FlipAveraged{}.Apply(ctx, imgs, infer)}
	}, imgs)
	plain := tensors.MustCopyFlatData[float32](outputs[0])
	averaged := tensors.MustCopyFlatData[float32](outputs[1])
	for ii := range plain {
		require.InDelta(t, plain[ii], averaged[ii], 1e-6)
	}
}

func TestResolution(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	ctx := context.New()
	net := network.New(network.Config{Channels: 4, Stages: 1})
	const height, width = 16, 16
	require.NoError(t, network.Materialize(backend, ctx, net, height, width))

	assert.Equal(t, 8, Resolution{DownScale: 0.5}.ScaledSize(16))
	assert.Equal(t, 1, Resolution{DownScale: 0.01}.ScaledSize(16))
	assert.Equal(t, 16, Resolution{DownScale: 1}.ScaledSize(16))

	imgs := framePair(1, height, width)
	outputs := context.MustExecOnceN(backend, ctx.Reuse(), func(ctx *context.Context, imgs *Node) []*Node {
		timestep := Scalar(imgs.Graph(), dtypes.Float32, 0.5)
		return []*Node{
			Direct(net, timestep)(ctx, imgs),
			Resolution{DownScale: 1}.Wrap(net, timestep)(ctx, imgs),
			Resolution{DownScale: 0.5}.Wrap(net, timestep)(ctx, imgs),
			FlipAveraged{}.Apply(ctx, imgs, Resolution{DownScale: 0.5}.Wrap(net, timestep)),
		}
	}, imgs)

	direct := tensors.MustCopyFlatData[float32](outputs[0])
	fullRes := tensors.MustCopyFlatData[float32](outputs[1])
	for ii := range direct {
		require.InDelta(t, direct[ii], fullRes[ii], 1e-5, "DownScale=1 must match the direct forward")
	}
	for _, output := range outputs[2:] {
		require.NoError(t, output.Shape().CheckDims(1, height, width, 3))
		for _, v := range tensors.MustCopyFlatData[float32](output) {
			require.True(t, v >= 0 && v <= 1, "prediction out of range: %g", v)
		}
	}
}
