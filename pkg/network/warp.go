// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package network

import (
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gopjrt/dtypes"
)

// Warp backward-warps img `[batch, height, width, channels]` with flow `[batch, height, width, 2]`:
// output pixel (y, x) is the bilinear sample of img at (y + flow_dy, x + flow_dx).
//
// Sampling coordinates are clamped to the image borders. The result is differentiable with respect to
// both img and flow.
func Warp(img, flow *Node) *Node {
	g := img.Graph()
	dims := img.Shape().Dimensions
	batch, height, width := dims[0], dims[1], dims[2]
	dtype := img.DType()
	flow = ConvertDType(flow, dtype)

	gridShape := shapes.Make(dtype, batch, height, width)
	xs := Iota(g, gridShape, 2)
	ys := Iota(g, gridShape, 1)
	dx := Squeeze(SliceAxis(flow, -1, AxisRange(0, 1)), -1)
	dy := Squeeze(SliceAxis(flow, -1, AxisRange(1, 2)), -1)
	sx := ClipScalar(Add(xs, dx), 0, float64(width-1))
	sy := ClipScalar(Add(ys, dy), 0, float64(height-1))

	// The integer corners carry no gradient: it flows through the interpolation weights.
	x0 := StopGradient(Floor(sx))
	y0 := StopGradient(Floor(sy))
	x1 := MinScalar(AddScalar(x0, 1), float64(width-1))
	y1 := MinScalar(AddScalar(y0, 1), float64(height-1))
	wx := ExpandAxes(Sub(sx, x0), -1)
	wy := ExpandAxes(Sub(sy, y0), -1)

	batchIdx := Iota(g, shapes.Make(dtypes.Int32, batch, height, width), 0)
	sample := func(y, x *Node) *Node {
		indices := Stack([]*Node{
			batchIdx,
			ConvertDType(y, dtypes.Int32),
			ConvertDType(x, dtypes.Int32),
		}, 3)
		return Gather(img, indices)
	}
	top := Add(Mul(sample(y0, x0), OneMinus(wx)), Mul(sample(y0, x1), wx))
	bottom := Add(Mul(sample(y1, x0), OneMinus(wx)), Mul(sample(y1, x1), wx))
	return Add(Mul(top, OneMinus(wy)), Mul(bottom, wy))
}
