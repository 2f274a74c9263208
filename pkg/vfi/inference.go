// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package vfi

import (
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/pkg/errors"

	"github.com/gomlx/sgmvfi/pkg/augment"
)

// InferenceBuilder configures and runs the interpolation of one batch of frame pairs.
// Create it with Model.Inference or Model.HRInference, and run it with Done.
type InferenceBuilder struct {
	m          *Model
	img0, img1 *tensors.Tensor
	timestep   float64
	tta, fast  bool
	downScale  float64
	highRes    bool
}

// Inference interpolates between the frames img0 and img1, both shaped `[batch, height, width, 3]`, with the
// full network at full resolution.
//
// It returns a builder: the defaults are timestep 0.5 and no test-time augmentation.
func (m *Model) Inference(img0, img1 *tensors.Tensor) *InferenceBuilder {
	return &InferenceBuilder{m: m, img0: img0, img1: img1, timestep: 0.5, downScale: 1}
}

// HRInference is like Inference, but flow and mask are estimated at a lower resolution (see
// InferenceBuilder.DownScale) and the frame is synthesized at full resolution.
func (m *Model) HRInference(img0, img1 *tensors.Tensor) *InferenceBuilder {
	b := m.Inference(img0, img1)
	b.highRes = true
	return b
}

// Timestep of the interpolated frame, in [0, 1]: 0 is img0 and 1 is img1. Default is 0.5.
func (b *InferenceBuilder) Timestep(t float64) *InferenceBuilder {
	b.timestep = t
	return b
}

// TTA enables test-time augmentation: the prediction is averaged with the one of the spatially flipped frames.
func (b *InferenceBuilder) TTA() *InferenceBuilder {
	b.tta = true
	return b
}

// FastTTA enables test-time augmentation computed in a single batched forward pass. It takes precedence over TTA.
//
// Notice the result has an extra leading axis of dimension 1: `[1, batch, height, width, 3]`.
func (b *InferenceBuilder) FastTTA() *InferenceBuilder {
	b.fast = true
	return b
}

// DownScale sets the factor in (0, 1] applied to the resolution at which flow and mask are estimated.
// Only valid for HRInference. Default is 1.
func (b *InferenceBuilder) DownScale(s float64) *InferenceBuilder {
	b.downScale = s
	return b
}

// Done runs the inference and returns the predicted frames, `[batch, height, width, 3]` (see FastTTA for the
// exception). It never changes the model variables.
func (b *InferenceBuilder) Done() (*tensors.Tensor, error) {
	if err := b.check(); err != nil {
		return nil, err
	}
	flip := augment.Select(b.tta, b.fast)
	key := execKey{kind: kindInference, flip: flip.String()}
	if b.highRes {
		key.kind = kindHRInference
		key.downScale = b.downScale
	}
	m := b.m
	highRes, downScale := b.highRes, b.downScale
	graphFn := func(ctx *context.Context, img0, img1, timestep *Node) *Node {
		ctx.SetTraining(img0.Graph(), false)
		imgs := Concatenate([]*Node{img0, img1}, -1)
		infer := augment.Direct(m.wrapper, timestep)
		if highRes {
			infer = augment.Resolution{DownScale: downScale}.Wrap(m.wrapper, timestep)
		}
		return flip.Apply(ctx, imgs, infer)
	}

	// Every replica computes the same frames: inputs are replicated and the primary's output is returned.
	outputs, err := m.run(key, graphFn, []*tensors.Tensor{b.img0, b.img1, tensors.FromScalar(float32(b.timestep))},
		[]bool{false, false, false}, []bool{false})
	if err != nil {
		return nil, errors.WithMessagef(err, "inference failed")
	}
	return outputs[0], nil
}

func (b *InferenceBuilder) check() error {
	if b.img0 == nil || b.img1 == nil {
		return errors.New("both frames must be given")
	}
	if err := b.img0.Shape().CheckDims(-1, -1, -1, 3); err != nil {
		return errors.WithMessagef(err, "img0 must be shaped [batch, height, width, 3]")
	}
	if !b.img0.Shape().Equal(b.img1.Shape()) {
		return errors.Errorf("frames must have the same shape, got %s and %s", b.img0.Shape(), b.img1.Shape())
	}
	if b.timestep < 0 || b.timestep > 1 {
		return errors.Errorf("timestep must be in [0, 1], got %g", b.timestep)
	}
	if b.downScale <= 0 || b.downScale > 1 {
		return errors.Errorf("down scale must be in (0, 1], got %g", b.downScale)
	}
	if !b.highRes && b.downScale != 1 {
		return errors.New("DownScale is only supported by HRInference")
	}
	return nil
}
