// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package network defines the interface of the frame interpolation network consumed by the
// training and inference orchestration, plus a small reference implementation of it.
//
// Images are channels-last, shaped `[batch, height, width, channels]`. The network input is a frame
// pair concatenated on the channels axis (6 channels), and the timestep is a scalar in [0, 1].
package network

import (
	"slices"
	"strings"

	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
)

// Output of a full forward pass.
type Output struct {
	// Flow is shaped `[batch, height, width, 4]`: flow from time t to frame 0 (channels 0,1) and from t to
	// frame 1 (channels 2,3). Channel order of each flow is (dx, dy).
	Flow *Node

	// Mask holds the blending logits `[batch, height, width, 1]`: sigmoid(Mask) is the weight of the warped frame 0.
	Mask *Node

	// Merged holds the coarse predictions of each refinement stage, from the earliest to the latest.
	Merged []*Node

	// Prediction is the final interpolated frame, `[batch, height, width, 3]`.
	Prediction *Node

	// MatchingFlow is the auxiliary flow estimated by the flow-estimation branch, `[batch, height, width, 2]`.
	MatchingFlow *Node
}

// Interface of the interpolation network.
//
// All methods are graph building functions and panic on errors.
type Interface interface {
	// Forward runs the full network on the frame pair imgs for the scalar timestep.
	Forward(ctx *context.Context, imgs, timestep *Node) Output

	// CalculateFlow returns only the flow and mask fields for imgs, at the resolution of imgs.
	CalculateFlow(ctx *context.Context, imgs, timestep *Node) (flow, mask *Node)

	// CoarseWarpAndRefine synthesizes the frame from the (full resolution) imgs using the given flow and mask.
	CoarseWarpAndRefine(ctx *context.Context, imgs, flow, mask *Node) *Node

	// Branches lists the named sub-branches of the network, which group its variables.
	Branches() []Branch
}

// Branch is a named, structurally distinct sub-network. Its variables are the ones under any of
// its top-level scopes (Parts).
type Branch struct {
	Name  string
	Parts []string
}

// Scopes returns the absolute scopes of the branch parts, e.g. "/matching".
func (b Branch) Scopes() []string {
	scopes := make([]string, 0, len(b.Parts))
	for _, part := range b.Parts {
		scopes = append(scopes, context.RootScope+strings.TrimPrefix(part, context.RootScope))
	}
	return scopes
}

// Contains returns whether the variable with the given scope belongs to the branch.
func (b Branch) Contains(scope string) bool {
	return slices.ContainsFunc(b.Scopes(), func(s string) bool { return InScope(scope, s) })
}

// InScope returns whether scope is equal to or nested under parent.
func InScope(scope, parent string) bool {
	if scope == parent {
		return true
	}
	return strings.HasPrefix(scope, parent+context.ScopeSeparator)
}

// ModelScopes returns the absolute scopes of all branches of net: these hold the model state, as
// opposed to optimizer state.
func ModelScopes(net Interface) []string {
	var scopes []string
	for _, b := range net.Branches() {
		scopes = append(scopes, b.Scopes()...)
	}
	return scopes
}

// BranchByName returns the branch with the given name, and whether it was found.
func BranchByName(net Interface, name string) (Branch, bool) {
	for _, b := range net.Branches() {
		if b.Name == name {
			return b, true
		}
	}
	return Branch{}, false
}

// SplitPair splits the 6-channel frame pair into its two 3-channel frames.
func SplitPair(imgs *Node) (img0, img1 *Node) {
	parts := Split(imgs, -1, 2)
	return parts[0], parts[1]
}

// TimestepMap broadcasts the scalar timestep to a `[batch, height, width, 1]` map matching x.
func TimestepMap(x, timestep *Node) *Node {
	dims := x.Shape().Dimensions
	t := ConvertDType(timestep, x.DType())
	return BroadcastToDims(t, dims[0], dims[1], dims[2], 1)
}
