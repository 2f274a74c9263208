// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package losses implements the reconstruction losses used to train the interpolation network.
package losses

import (
	. "github.com/gomlx/gomlx/pkg/core/graph"
)

// Loss compares prediction and groundTruth images, shaped `[batch, height, width, channels]`, and returns
// the per-example loss, shaped `[batch]`. Callers reduce it with a mean.
type Loss func(prediction, groundTruth *Node) *Node

// DefaultLapLevels is the default maximum number of band-pass levels of LapLoss.
const DefaultLapLevels = 5

// LapLoss returns the Laplacian pyramid L1 loss with up to maxLevels band-pass levels plus the low-pass residual.
//
// The pyramid is built with 2x2 average pooling and nearest neighbor upsampling. It stops early once a spatial
// dimension becomes odd or smaller than 2. Since the pyramid is linear, it is computed once on the difference
// between prediction and ground truth.
func LapLoss(maxLevels int) Loss {
	return func(prediction, groundTruth *Node) *Node {
		diff := Sub(prediction, ConvertDType(groundTruth, prediction.DType()))
		var loss *Node
		for _, level := range Pyramid(diff, maxLevels) {
			levelLoss := ReduceMean(Abs(level), 1, 2, 3)
			if loss == nil {
				loss = levelLoss
			} else {
				loss = Add(loss, levelLoss)
			}
		}
		return loss
	}
}

// Pyramid returns the Laplacian pyramid of x: the band-pass levels, finest first, followed by the low-pass residual.
func Pyramid(x *Node, maxLevels int) []*Node {
	var levels []*Node
	current := x
	for range maxLevels {
		dims := current.Shape().Dimensions
		if dims[1] < 2 || dims[2] < 2 || dims[1]%2 != 0 || dims[2]%2 != 0 {
			break
		}
		down := Downsample(current)
		levels = append(levels, Sub(current, Upsample(down)))
		current = down
	}
	return append(levels, current)
}

// Downsample halves the spatial dimensions of x `[batch, height, width, channels]` with 2x2 average pooling.
// Height and width must be even.
func Downsample(x *Node) *Node {
	dims := x.Shape().Dimensions
	batch, height, width, channels := dims[0], dims[1], dims[2], dims[3]
	x = Reshape(x, batch, height/2, 2, width/2, 2, channels)
	return ReduceMean(x, 2, 4)
}

// Upsample doubles the spatial dimensions of x `[batch, height, width, channels]` repeating each pixel.
func Upsample(x *Node) *Node {
	dims := x.Shape().Dimensions
	batch, height, width, channels := dims[0], dims[1], dims[2], dims[3]
	x = Reshape(x, batch, height, 1, width, 1, channels)
	x = BroadcastToDims(x, batch, height, 2, width, 2, channels)
	return Reshape(x, batch, 2*height, 2*width, channels)
}
