// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package vfi is the training and inference facade of the frame interpolation model.
//
// A Model owns the network variables (in a context.Context), the optimizer state, the frozen-branch set and the
// replica wrapper. Construction restores the two pretrained branches and freezes them, so only the fusion
// branch is trained:
//
//	ctx := vfi.CreateDefaultContext()
//	ctx.SetParam(vfi.ParamMatchingCheckpoint, "pretrained/matching")
//	model, err := vfi.New(backend, ctx, vfi.Options{LocalRank: -1})
//	...
//	pred, loss, err := model.Update(imgs, gt, lr, 0.5, true)
//	...
//	frame, err := model.Inference(img0, img1).Timestep(0.25).TTA().Done()
//
// A Model is not safe for concurrent use.
package vfi

import (
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/gomlx/gomlx/pkg/support/fsutil"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/gomlx/sgmvfi/pkg/checkpoint"
	"github.com/gomlx/sgmvfi/pkg/freeze"
	"github.com/gomlx/sgmvfi/pkg/losses"
	"github.com/gomlx/sgmvfi/pkg/network"
	"github.com/gomlx/sgmvfi/pkg/replica"
)

// materializeSize is the spatial size of the input used to create the network variables.
const materializeSize = 16

// Options of New.
type Options struct {
	// LocalRank of this process in a distributed run, or -1 for a non-distributed run.
	LocalRank int

	// Group of the distributed run. Required if LocalRank != -1.
	Group *replica.ProcessGroup

	// SkipPretrained creates a freshly initialized model, without loading (or freezing) the pretrained branches.
	SkipPretrained bool
}

// Model is the interpolation model with its optimizer and checkpointing.
type Model struct {
	backend   backends.Backend
	ctx       *context.Context
	cfg       Config
	net       *network.Net
	wrapper   replica.Wrapper
	freezer   *freeze.Freezer
	optimizer optimizers.Interface
	lrVar     *context.Variable
	lap       losses.Loss
	store     *checkpoint.Store

	training bool
	execs    map[execKey]*context.Exec
	lastAux  *StepResult
}

// New creates the model in ctx, whose hyperparameters are read with NewConfig.
//
// Unless opts.SkipPretrained is set, it loads the flow-estimation branch from the GoMLX checkpoint directory in
// the "matching_checkpoint" hyperparameter and the local-synthesis branch from the record named by
// "local_checkpoint", and freezes both. A missing pretrained source fails with an error wrapping
// checkpoint.ErrNotFound, and a source matching none of its branch variables fails as well.
func New(backend backends.Backend, ctx *context.Context, opts Options) (*Model, error) {
	cfg := NewConfig(ctx)
	var err error
	if cfg.CheckpointRoot, err = fsutil.ReplaceTildeInDir(cfg.CheckpointRoot); err != nil {
		return nil, err
	}
	if cfg.MatchingCheckpoint, err = fsutil.ReplaceTildeInDir(cfg.MatchingCheckpoint); err != nil {
		return nil, err
	}
	m := &Model{
		backend: backend,
		ctx:     ctx,
		cfg:     cfg,
		net:     network.New(cfg.Network),
		freezer: freeze.New(),
		lap:     losses.LapLoss(losses.DefaultLapLevels),
		execs:   make(map[execKey]*context.Exec),
	}
	if err := network.Materialize(backend, ctx, m.net, materializeSize, materializeSize); err != nil {
		return nil, err
	}
	if !opts.SkipPretrained {
		if err := m.loadPretrained(); err != nil {
			return nil, err
		}
	}

	m.optimizer = optimizers.Adam().LearningRate(cfg.LearningRate).WeightDecay(cfg.WeightDecay).Done()
	m.lrVar = optimizers.LearningRateVar(ctx, dtypes.Float32, cfg.LearningRate)

	m.wrapper, err = replica.Wrap(ctx, m.net, opts.Group, opts.LocalRank)
	if err != nil {
		return nil, err
	}
	m.store = checkpoint.NewStore(checkpoint.Paths{Root: cfg.CheckpointRoot, Name: cfg.ModelName}, m.wrapper.IsPrimary())
	m.Train()
	return m, nil
}

// loadPretrained restores and freezes the flow-estimation and the local-synthesis branches.
func (m *Model) loadPretrained() error {
	if m.cfg.MatchingCheckpoint == "" {
		return errors.Wrapf(checkpoint.ErrNotFound, "no checkpoint configured for branch %q (hyperparameter %q)",
			network.MatchingBranch.Name, ParamMatchingCheckpoint)
	}
	matching, err := checkpoint.LoadGoMLXDir(m.cfg.MatchingCheckpoint)
	if err != nil {
		return err
	}
	result, err := checkpoint.LoadPartial(m.ctx, network.MatchingBranch, matching)
	if err != nil {
		return err
	}
	if result.NumLoaded() == 0 {
		return errors.Errorf("checkpoint %q has no variables of branch %q", m.cfg.MatchingCheckpoint,
			network.MatchingBranch.Name)
	}
	klog.Infof("loaded %d variables of branch %q from %q", result.NumLoaded(), network.MatchingBranch.Name,
		m.cfg.MatchingCheckpoint)
	m.freezer.FreezeBranch(m.ctx, network.MatchingBranch)

	localPath := checkpoint.Paths{Root: m.cfg.CheckpointRoot, Name: m.cfg.LocalCheckpoint}.Current()
	local, err := checkpoint.LoadPretrained(localPath)
	if err != nil {
		return err
	}
	result, err = checkpoint.LoadInto(m.ctx, checkpoint.FilterAndStrip(local, m.cfg.Marker, m.cfg.Excluded),
		network.LocalBranch.Scopes()...)
	if err != nil {
		return errors.WithMessagef(err, "failed to load branch %q", network.LocalBranch.Name)
	}
	if result.NumLoaded() == 0 {
		return errors.Errorf("record %q has no variables of branch %q under the marker %q", localPath,
			network.LocalBranch.Name, m.cfg.Marker)
	}
	klog.Infof("loaded %d variables of branch %q from %q", result.NumLoaded(), network.LocalBranch.Name, localPath)
	m.freezer.FreezeBranch(m.ctx, network.LocalBranch)
	return nil
}

// Train sets the model to training mode.
//
// The mode is bookkeeping only: Update sets it from its training argument and every graph fixes its own
// training flag, so inference always runs in evaluation mode whatever the current mode.
func (m *Model) Train() { m.training = true }

// Eval sets the model to evaluation mode. See Train.
func (m *Model) Eval() { m.training = false }

// Training returns the mode set by Train, Eval or the last Update.
func (m *Model) Training() bool { return m.training }

// Device returns the backend the model runs on.
func (m *Model) Device() backends.Backend { return m.backend }

// Context holding the model and optimizer variables.
func (m *Model) Context() *context.Context { return m.ctx }

// Network returns the (possibly replicated) network.
func (m *Model) Network() replica.Wrapper { return m.wrapper }

// Config returns the configuration read at construction.
func (m *Model) Config() Config { return m.cfg }

// Frozen returns the frozen scopes.
func (m *Model) Frozen() []string { return m.freezer.Frozen() }

// Paths of the records saved by Save.
func (m *Model) Paths() checkpoint.Paths { return m.store.Paths }

// Save writes the model and optimizer state, tagged with epoch, to the current record, and if best is set
// also to the best record. It is a no-op on non-primary replicas.
func (m *Model) Save(epoch int, best bool) error {
	if !m.wrapper.IsPrimary() {
		return nil
	}
	rec, err := checkpoint.Snapshot(m.ctx, network.ModelScopes(m.net), m.wrapper.StateKey, epoch)
	if err != nil {
		return err
	}
	if err := m.store.Save(rec); err != nil {
		return err
	}
	if best {
		return m.store.SaveBest(rec)
	}
	return nil
}

// LoadModel restores the model and optimizer state from the current record of the run with the given name
// (the model name if empty), saved by Save. Frozen branches stay frozen.
func (m *Model) LoadModel(name string) error {
	if name == "" {
		name = m.cfg.ModelName
	}
	path := checkpoint.Paths{Root: m.cfg.CheckpointRoot, Name: name}.Current()
	rec, err := checkpoint.LoadRecord(path)
	if err != nil {
		return err
	}
	result, err := checkpoint.ApplyRecord(m.ctx, rec, m.cfg.Marker, m.cfg.Excluded)
	if err != nil {
		return errors.WithMessagef(err, "failed to restore %q", path)
	}
	if result.NumLoaded() == 0 {
		return errors.Errorf("record %q has no variables of the model", path)
	}
	m.freezer.Apply(m.ctx)
	klog.Infof("restored epoch %d from %q: %d model variables", rec.Epoch, path, result.NumLoaded())
	return nil
}
