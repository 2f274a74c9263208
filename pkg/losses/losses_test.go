// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package losses

import (
	"testing"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	_ "github.com/gomlx/gomlx/backends/default"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/graph/graphtest"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
)

func TestPyramidLevels(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	g := NewGraph(backend, "pyramid")
	defer g.Finalize()
	x := Zeros(g, shapes.Make(dtypes.Float32, 2, 12, 8, 3))
	levels := Pyramid(x, DefaultLapLevels)
	// 12x8 -> 6x4 -> 3x2 (odd height stops), so 2 band-pass levels plus the residual.
	require.Len(t, levels, 3)
	assert.NoError(t, levels[0].Shape().CheckDims(2, 12, 8, 3))
	assert.NoError(t, levels[1].Shape().CheckDims(2, 6, 4, 3))
	assert.NoError(t, levels[2].Shape().CheckDims(2, 3, 2, 3))

	levels = Pyramid(x, 1)
	require.Len(t, levels, 2)
}

func TestUpDownsample(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	x := tensors.FromFlatDataAndDimensions([]float32{1, 2, 3, 4}, 1, 2, 2, 1)
	up, err := ExecOnce(backend, Upsample, x)
	require.NoError(t, err)
	assert.Equal(t, []float32{
		1, 1, 2, 2,
		1, 1, 2, 2,
		3, 3, 4, 4,
		3, 3, 4, 4,
	}, tensors.MustCopyFlatData[float32](up))

	down, err := ExecOnce(backend, Downsample, up)
	require.NoError(t, err)
	assert.Equal(t, []float32{1, 2, 3, 4}, tensors.MustCopyFlatData[float32](down))
}

func TestLapLoss(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	loss := LapLoss(DefaultLapLevels)
	lossFn := func(pred, gt *Node) *Node { return loss(pred, gt) }

	pred := tensors.FromShape(shapes.Make(dtypes.Float32, 3, 8, 8, 3))
	got, err := ExecOnce(backend, lossFn, pred, pred)
	require.NoError(t, err)
	assert.NoError(t, got.Shape().CheckDims(3))
	assert.Equal(t, []float32{0, 0, 0}, tensors.MustCopyFlatData[float32](got))

	// A constant offset has no band-pass content: only the low-pass residual contributes.
	got, err = ExecOnce(backend, func(pred *Node) *Node {
		return loss(pred, AddScalar(pred, 0.25))
	}, pred)
	require.NoError(t, err)
	for _, v := range tensors.MustCopyFlatData[float32](got) {
		assert.InDelta(t, 0.25, v, 1e-6)
	}
}
