// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package network

import (
	"fmt"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/layers"
	"github.com/gomlx/gomlx/pkg/ml/layers/activations"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
)

// Scopes of the variables of the reference network.
const (
	ScopeMatching    = "matching"
	ScopeFeatureBone = "feature_bone"
	ScopeBlock       = "block"
	ScopeFusion      = "fusion"
	ScopeUNet        = "unet"
)

var (
	// MatchingBranch is the flow-estimation branch, restored from its own pretrained source.
	MatchingBranch = Branch{Name: "flow-estimation", Parts: []string{ScopeMatching}}

	// LocalBranch is the local-synthesis branch, restored from its own pretrained source.
	LocalBranch = Branch{Name: "local-synthesis", Parts: []string{ScopeFeatureBone, ScopeBlock, ScopeUNet}}

	// FusionBranch combines the local flow with the matching flow. It has no pretrained source.
	FusionBranch = Branch{Name: "fusion", Parts: []string{ScopeFusion}}
)

// Config of the reference network.
type Config struct {
	// Channels is the number of channels of the hidden convolutions.
	Channels int

	// Stages is the number of coarse refinement stages, each one producing a merged prediction.
	Stages int

	// DType of the variables and computation.
	DType dtypes.DType
}

// DefaultConfig returns the default reference network configuration.
func DefaultConfig() Config {
	return Config{Channels: 16, Stages: 2, DType: dtypes.Float32}
}

// Net is a small reference implementation of Interface: a flow-estimation branch ("matching"),
// a local-synthesis branch ("feature_bone", "block", "unet") and a fusion head combining both.
type Net struct {
	cfg Config
}

var _ Interface = (*Net)(nil)

// New creates the reference network. Variables are created lazily in the context on the first graph built.
func New(cfg Config) *Net {
	if cfg.Channels <= 0 {
		cfg.Channels = DefaultConfig().Channels
	}
	if cfg.Stages <= 0 {
		cfg.Stages = DefaultConfig().Stages
	}
	if cfg.DType == dtypes.InvalidDType {
		cfg.DType = dtypes.Float32
	}
	return &Net{cfg: cfg}
}

// Config returns the network configuration.
func (n *Net) Config() Config { return n.cfg }

// Branches implements Interface.
func (n *Net) Branches() []Branch {
	return []Branch{MatchingBranch, LocalBranch, FusionBranch}
}

// Materialize creates (if needed) and initializes all the variables of net in ctx. It builds, but doesn't
// execute, a forward graph on a zero input of the given spatial size.
//
// The context is left with all variables holding values, so later graphs should use ctx.Reuse().
func Materialize(backend backends.Backend, ctx *context.Context, net Interface, height, width int) error {
	err := exceptions.TryCatch[error](func() {
		g := NewGraph(backend, "materialize")
		defer g.Finalize()
		imgs := Zeros(g, shapes.Make(dtypes.Float32, 1, height, width, 6))
		_ = net.Forward(ctx, imgs, Scalar(g, dtypes.Float32, 0.5))
	})
	if err != nil {
		return errors.WithMessagef(err, "failed to build network variables")
	}
	return ctx.InitializeVariables(backend, nil)
}

// Forward implements Interface.
func (n *Net) Forward(ctx *context.Context, imgs, timestep *Node) Output {
	flow, mask, merged, matching := n.estimate(ctx, imgs, timestep)
	return Output{
		Flow:         flow,
		Mask:         mask,
		Merged:       merged,
		Prediction:   n.CoarseWarpAndRefine(ctx, imgs, flow, mask),
		MatchingFlow: matching,
	}
}

// CalculateFlow implements Interface.
func (n *Net) CalculateFlow(ctx *context.Context, imgs, timestep *Node) (flow, mask *Node) {
	flow, mask, _, _ = n.estimate(ctx, imgs, timestep)
	return
}

// estimate runs all branches up to the fused flow and mask.
func (n *Net) estimate(ctx *context.Context, imgs, timestep *Node) (flow, mask *Node, merged []*Node, matching *Node) {
	imgs = ConvertDType(imgs, n.cfg.DType)
	g := imgs.Graph()
	dims := imgs.Shape().Dimensions
	batch, height, width := dims[0], dims[1], dims[2]
	img0, img1 := SplitPair(imgs)
	tMap := TimestepMap(imgs, timestep)

	matching = n.matchingFlow(ctx.In(ScopeMatching), imgs)
	feat0, feat1 := n.features(ctx.In(ScopeFeatureBone), img0, img1)

	flow = Zeros(g, shapes.Make(n.cfg.DType, batch, height, width, 4))
	mask = Zeros(g, shapes.Make(n.cfg.DType, batch, height, width, 1))
	blockCtx := ctx.In(ScopeBlock)
	for stage := range n.cfg.Stages {
		warped0 := Warp(img0, SliceAxis(flow, -1, AxisRange(0, 2)))
		warped1 := Warp(img1, SliceAxis(flow, -1, AxisRange(2, 4)))
		x := Concatenate([]*Node{feat0, feat1, warped0, warped1, flow, mask, tMap}, -1)
		delta := n.head(blockCtx.In(fmt.Sprintf("stage_%d", stage)), x, 5)
		flow = Add(flow, SliceAxis(delta, -1, AxisRange(0, 4)))
		mask = Add(mask, SliceAxis(delta, -1, AxisRange(4, 5)))
		merged = append(merged, blend(img0, img1, flow, mask))
	}

	// Linear motion prior from the matching flow: F_t->0 = -t*F_0->1, F_t->1 = (1-t)*F_0->1.
	t := ConvertDType(timestep, n.cfg.DType)
	prior := Concatenate([]*Node{Neg(Mul(matching, t)), Mul(matching, OneMinus(t))}, -1)
	delta := n.head(ctx.In(ScopeFusion), Concatenate([]*Node{flow, mask, prior, tMap}, -1), 5)
	flow = Add(flow, SliceAxis(delta, -1, AxisRange(0, 4)))
	mask = Add(mask, SliceAxis(delta, -1, AxisRange(4, 5)))
	return
}

// CoarseWarpAndRefine implements Interface.
func (n *Net) CoarseWarpAndRefine(ctx *context.Context, imgs, flow, mask *Node) *Node {
	imgs = ConvertDType(imgs, n.cfg.DType)
	img0, img1 := SplitPair(imgs)
	flow = ConvertDType(flow, n.cfg.DType)
	mask = ConvertDType(mask, n.cfg.DType)
	warped0 := Warp(img0, SliceAxis(flow, -1, AxisRange(0, 2)))
	warped1 := Warp(img1, SliceAxis(flow, -1, AxisRange(2, 4)))
	blended := mix(warped0, warped1, mask)
	x := Concatenate([]*Node{imgs, warped0, warped1, blended}, -1)
	residual := MulScalar(Tanh(n.head(ctx.In(ScopeUNet), x, 3)), 0.5)
	return ClipScalar(Add(blended, residual), 0, 1)
}

func (n *Net) matchingFlow(ctx *context.Context, imgs *Node) *Node {
	return n.head(ctx, imgs, 2)
}

// features runs the shared encoder on both frames in one batch.
func (n *Net) features(ctx *context.Context, img0, img1 *Node) (feat0, feat1 *Node) {
	x := Concatenate([]*Node{img0, img1}, 0)
	x = n.convBlock(ctx, x, 2)
	parts := Split(x, 0, 2)
	return parts[0], parts[1]
}

// head is a conv block followed by a linear 3x3 convolution to outputChannels.
func (n *Net) head(ctx *context.Context, x *Node, outputChannels int) *Node {
	x = n.convBlock(ctx, x, 2)
	return layers.Convolution(ctx.In("output"), x).Filters(outputChannels).KernelSize(3).PadSame().Done()
}

func (n *Net) convBlock(ctx *context.Context, x *Node, numLayers int) *Node {
	for ii := range numLayers {
		x = layers.Convolution(ctx.In(fmt.Sprintf("layer_%d", ii)), x).
			Filters(n.cfg.Channels).KernelSize(3).PadSame().Done()
		x = activations.LeakyRelu(x)
	}
	return x
}

// blend warps both frames and mixes them with sigmoid(mask).
func blend(img0, img1, flow, mask *Node) *Node {
	warped0 := Warp(img0, SliceAxis(flow, -1, AxisRange(0, 2)))
	warped1 := Warp(img1, SliceAxis(flow, -1, AxisRange(2, 4)))
	return mix(warped0, warped1, mask)
}

func mix(warped0, warped1, mask *Node) *Node {
	weight := Sigmoid(mask)
	return Add(Mul(warped0, weight), Mul(warped1, OneMinus(weight)))
}
