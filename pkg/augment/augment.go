// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package augment composes test-time augmentations around a single inference primitive.
//
// There are two orthogonal protocols:
//
//   - Flip: runs the primitive on the input and on its spatially flipped copy, and averages the predictions
//     (Plain, FlipAveraged, FastBatchedFlip).
//   - Resolution: replaces the primitive by one that estimates flow at a reduced resolution and synthesizes the
//     frame at full resolution.
//
// Any Flip can wrap any Infer, including the one built by Resolution.
package augment

import (
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"

	"github.com/gomlx/sgmvfi/pkg/network"
)

// Infer is the forward primitive: it maps the frame pair `[batch, height, width, 6]` to the predicted
// frame `[batch, height, width, 3]`.
type Infer func(ctx *context.Context, imgs *Node) *Node

// Flip is a flip test-time augmentation strategy.
type Flip interface {
	// Apply runs infer on imgs according to the strategy.
	Apply(ctx *context.Context, imgs *Node, infer Infer) *Node

	// String returns the name of the strategy.
	String() string
}

// Spatial axes of the channels-last images.
var spatialAxes = []int{1, 2}

// FlipSpatial reverses both spatial axes (height and width) of x.
func FlipSpatial(x *Node) *Node {
	return Reverse(x, spatialAxes...)
}

// Plain runs infer once.
type Plain struct{}

// Apply implements Flip.
func (Plain) Apply(ctx *context.Context, imgs *Node, infer Infer) *Node { return infer(ctx, imgs) }

func (Plain) String() string { return "plain" }

// FlipAveraged runs infer on imgs and on imgs flipped along both spatial axes, flips the second prediction
// back and returns the average of both.
type FlipAveraged struct{}

// Apply implements Flip.
func (FlipAveraged) Apply(ctx *context.Context, imgs *Node, infer Infer) *Node {
	pred := infer(ctx, imgs)
	predFlipped := FlipSpatial(infer(ctx, FlipSpatial(imgs)))
	return DivScalar(Add(pred, predFlipped), 2)
}

func (FlipAveraged) String() string { return "flip-averaged" }

// FastBatchedFlip computes the same as FlipAveraged with a single call to infer, by concatenating the
// original and flipped inputs along the batch axis.
//
// Its output has one extra leading axis of dimension 1: `[1, batch, height, width, 3]`.
type FastBatchedFlip struct{}

// Apply implements Flip.
func (FastBatchedFlip) Apply(ctx *context.Context, imgs *Node, infer Infer) *Node {
	batched := Concatenate([]*Node{imgs, FlipSpatial(imgs)}, 0)
	preds := Split(infer(ctx, batched), 0, 2)
	avg := DivScalar(Add(preds[0], FlipSpatial(preds[1])), 2)
	return InsertAxes(avg, 0)
}

func (FastBatchedFlip) String() string { return "fast-batched-flip" }

// Select returns the flip strategy for the given flags. fastTTA takes precedence over tta.
func Select(tta, fastTTA bool) Flip {
	switch {
	case fastTTA:
		return FastBatchedFlip{}
	case tta:
		return FlipAveraged{}
	default:
		return Plain{}
	}
}

// Direct is the full-resolution primitive: the prediction of net.Forward.
func Direct(net network.Interface, timestep *Node) Infer {
	return func(ctx *context.Context, imgs *Node) *Node {
		return net.Forward(ctx, imgs, timestep).Prediction
	}
}

// Resolution estimates flow and mask at a resolution scaled by DownScale, and synthesizes the frame at the
// original resolution.
type Resolution struct {
	DownScale float64
}

// Wrap returns the primitive that:
//
//  1. Resizes the frame pair by DownScale (bilinear, half-pixel centers, no corner alignment).
//  2. Runs net.CalculateFlow on the resized pair.
//  3. Resizes the flow back to the original resolution and multiplies it by 1/DownScale, since flow vectors are
//     measured in pixels of the resolution they were estimated at.
//  4. Resizes the mask back to the original resolution, values unchanged.
//  5. Runs net.CoarseWarpAndRefine on the original frame pair with the resized flow and mask.
//
// With DownScale == 1 there is no resampling.
func (r Resolution) Wrap(net network.Interface, timestep *Node) Infer {
	return func(ctx *context.Context, imgs *Node) *Node {
		dims := imgs.Shape().Dimensions
		height, width := dims[1], dims[2]
		if r.DownScale == 1 {
			flow, mask := net.CalculateFlow(ctx, imgs, timestep)
			return net.CoarseWarpAndRefine(ctx, imgs, flow, mask)
		}
		small := Resize(imgs, r.ScaledSize(height), r.ScaledSize(width))
		flow, mask := net.CalculateFlow(ctx, small, timestep)
		flow = MulScalar(Resize(flow, height, width), 1/r.DownScale)
		mask = Resize(mask, height, width)
		return net.CoarseWarpAndRefine(ctx, imgs, flow, mask)
	}
}

// ScaledSize returns the size of a dimension after scaling by DownScale (truncated, at least 1).
func (r Resolution) ScaledSize(dim int) int {
	return max(int(float64(dim)*r.DownScale), 1)
}

// Resize bilinearly interpolates the spatial axes of x `[batch, height, width, channels]` to the given size,
// with half-pixel centers and no corner alignment.
func Resize(x *Node, height, width int) *Node {
	dims := x.Shape().Dimensions
	if dims[1] == height && dims[2] == width {
		return x
	}
	return Interpolate(x, NoInterpolation, height, width, NoInterpolation).
		Bilinear().HalfPixelCenters(true).AlignCorner(false).Done()
}
