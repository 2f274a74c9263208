// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package vfi

import (
	"strings"

	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"

	"github.com/gomlx/sgmvfi/pkg/network"
)

// Hyperparameters read from the context by NewConfig.
const (
	// ParamModelName is the name of the run: records are saved under <checkpoint_root>/<model_name>/ckpt.
	ParamModelName = "model_name"

	// ParamCheckpointRoot is the root directory of all records.
	ParamCheckpointRoot = "checkpoint_root"

	// ParamMatchingCheckpoint is the GoMLX checkpoint directory holding the pretrained flow-estimation branch.
	ParamMatchingCheckpoint = "matching_checkpoint"

	// ParamLocalCheckpoint is the name of the record holding the pretrained local-synthesis branch.
	ParamLocalCheckpoint = "local_checkpoint"

	// ParamCheckpointMarker is the namespace marker stripped from the keys of records written by a distributed run.
	ParamCheckpointMarker = "checkpoint_marker"

	// ParamCheckpointExcluded is a comma separated list of substrings: record keys containing any of them are
	// never loaded.
	ParamCheckpointExcluded = "checkpoint_excluded"

	// ParamNetworkChannels is the number of channels of the hidden convolutions of the network.
	ParamNetworkChannels = "network_channels"

	// ParamNetworkStages is the number of coarse refinement stages of the network.
	ParamNetworkStages = "network_stages"

	// ParamIntermediateLossWeight is the weight of the loss of each intermediate merged prediction.
	ParamIntermediateLossWeight = "intermediate_loss_weight"
)

// CreateDefaultContext returns a context with the default hyperparameters.
func CreateDefaultContext() *context.Context {
	ctx := context.New()
	ctx.SetParams(map[string]any{
		ParamModelName:          "ours",
		ParamCheckpointRoot:     "log",
		ParamMatchingCheckpoint: "",
		ParamLocalCheckpoint:    "ours-local",
		ParamCheckpointMarker:   "/module",

		// Attention masks and cached spatial sizes depend on the input resolution of the run that saved them.
		ParamCheckpointExcluded: "attn_mask,HW",

		optimizers.ParamLearningRate:    2e-4,
		optimizers.ParamAdamWeightDecay: 1e-4,

		ParamNetworkChannels:        16,
		ParamNetworkStages:          2,
		ParamIntermediateLossWeight: 0.5,
	})
	return ctx
}

// Config of a Model.
type Config struct {
	ModelName          string
	CheckpointRoot     string
	MatchingCheckpoint string
	LocalCheckpoint    string
	Marker             string
	Excluded           []string

	LearningRate float64
	WeightDecay  float64

	Network network.Config

	IntermediateLossWeight float64
}

// NewConfig reads the configuration from the hyperparameters in ctx, using the defaults of CreateDefaultContext
// for the missing ones.
func NewConfig(ctx *context.Context) Config {
	cfg := Config{
		ModelName:              context.GetParamOr(ctx, ParamModelName, "ours"),
		CheckpointRoot:         context.GetParamOr(ctx, ParamCheckpointRoot, "log"),
		MatchingCheckpoint:     context.GetParamOr(ctx, ParamMatchingCheckpoint, ""),
		LocalCheckpoint:        context.GetParamOr(ctx, ParamLocalCheckpoint, "ours-local"),
		Marker:                 context.GetParamOr(ctx, ParamCheckpointMarker, "/module"),
		LearningRate:           context.GetParamOr(ctx, optimizers.ParamLearningRate, 2e-4),
		WeightDecay:            context.GetParamOr(ctx, optimizers.ParamAdamWeightDecay, 1e-4),
		IntermediateLossWeight: context.GetParamOr(ctx, ParamIntermediateLossWeight, 0.5),
		Network:                network.DefaultConfig(),
	}
	cfg.Network.Channels = context.GetParamOr(ctx, ParamNetworkChannels, cfg.Network.Channels)
	cfg.Network.Stages = context.GetParamOr(ctx, ParamNetworkStages, cfg.Network.Stages)
	for _, part := range strings.Split(context.GetParamOr(ctx, ParamCheckpointExcluded, "attn_mask,HW"), ",") {
		if part = strings.TrimSpace(part); part != "" {
			cfg.Excluded = append(cfg.Excluded, part)
		}
	}
	return cfg
}
