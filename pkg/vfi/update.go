// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package vfi

import (
	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
)

// execKind identifies the computation of a cached executor.
type execKind int

const (
	kindTrainStep execKind = iota
	kindEvalStep
	kindInference
	kindHRInference
)

// execKey identifies a cached executor. Each executor further caches one compiled graph per input shapes.
type execKey struct {
	kind      execKind
	flip      string
	downScale float64
	training  bool
}

// gradientsUpdater is implemented by the optimizers that can apply gradients computed (and synchronized) by
// the caller.
type gradientsUpdater interface {
	UpdateGraphWithGradients(ctx *context.Context, grads []*Node, lossDType dtypes.DType)
}

// StepResult holds the auxiliary outputs of the last Update, for logging and diagnostics.
type StepResult struct {
	// Flow `[batch, height, width, 4]` and Mask `[batch, height, width, 1]` of the final prediction.
	Flow, Mask *tensors.Tensor

	// MatchingFlow `[batch, height, width, 2]` estimated by the flow-estimation branch.
	MatchingFlow *tensors.Tensor
}

// LastAux returns the auxiliary outputs of the last successful Update, or nil if there was none.
func (m *Model) LastAux() *StepResult { return m.lastAux }

// Update runs one step on the batch of frame pairs imgs `[batch, height, width, 6]` with ground truth
// gt `[batch, height, width, 3]`, for the given timestep.
//
// It first overwrites the optimizer learning rate with lr (so an external schedule can drive it) and sets the
// model mode to training. When training, it returns the prediction and the loss: the mean Laplacian loss of the
// prediction plus, for every intermediate merged prediction, its mean Laplacian loss weighted by the
// "intermediate_loss_weight" hyperparameter; and it applies one AdamW update to the trainable variables.
// Otherwise, it only runs the forward pass and returns the prediction with loss 0.
func (m *Model) Update(imgs, gt *tensors.Tensor, lr float64, timestep float64, training bool) (
	pred *tensors.Tensor, loss float64, err error) {
	if err = checkPair(imgs, "imgs"); err != nil {
		return
	}
	if err = m.lrVar.SetValue(tensors.FromScalar(float32(lr))); err != nil {
		err = errors.WithMessagef(err, "failed to set the learning rate")
		return
	}
	if training {
		m.Train()
	} else {
		m.Eval()
	}
	t := tensors.FromScalar(float32(timestep))

	var outputs []*tensors.Tensor
	if training {
		if gt == nil {
			err = errors.New("ground truth must be given for a training step")
			return
		}
		if err = gt.Shape().CheckDims(imgs.Shape().Dimensions[0], imgs.Shape().Dimensions[1],
			imgs.Shape().Dimensions[2], 3); err != nil {
			err = errors.WithMessagef(err, "ground truth must be shaped [batch, height, width, 3] like imgs")
			return
		}
		key := execKey{kind: kindTrainStep, training: true}
		outputs, err = m.run(key, m.trainStepGraph, []*tensors.Tensor{imgs, gt, t}, []bool{true, true, false},
			[]bool{true, false, true, true, true})
		if err != nil {
			return
		}
		loss = float64(tensors.ToScalar[float32](outputs[1]))
		outputs = append(outputs[:1], outputs[2:]...)
	} else {
		key := execKey{kind: kindEvalStep}
		outputs, err = m.run(key, m.evalStepGraph, []*tensors.Tensor{imgs, t}, []bool{true, false},
			[]bool{true, true, true, true})
		if err != nil {
			return
		}
	}
	pred = outputs[0]
	m.lastAux = &StepResult{Flow: outputs[1], Mask: outputs[2], MatchingFlow: outputs[3]}
	return
}

// trainStepGraph returns the prediction, total loss, flow, mask and matching flow, and updates the trainable
// variables.
func (m *Model) trainStepGraph(ctx *context.Context, imgs, gt, timestep *Node) []*Node {
	g := imgs.Graph()
	ctx.SetTraining(g, true)
	out := m.wrapper.Forward(ctx, imgs, timestep)
	gt = ConvertDType(gt, out.Prediction.DType())
	loss := ReduceAllMean(m.lap(out.Prediction, gt))
	for _, merged := range out.Merged {
		loss = Add(loss, MulScalar(ReduceAllMean(m.lap(merged, gt)), m.cfg.IntermediateLossWeight))
	}

	// Gradients are computed from scratch on every step: there is no accumulation to reset.
	grads := ctx.BuildTrainableVariablesGradientsGraph(loss)
	if len(grads) == 0 {
		exceptions.Panicf("no trainable variables: all branches of the network are frozen")
	}
	grads = m.wrapper.SyncGradients(grads)
	updater, ok := m.optimizer.(gradientsUpdater)
	if !ok {
		exceptions.Panicf("optimizer %T can't apply synchronized gradients", m.optimizer)
	}
	updater.UpdateGraphWithGradients(ctx, grads, loss.DType())
	return []*Node{out.Prediction, m.wrapper.SyncMean(loss), out.Flow, out.Mask, out.MatchingFlow}
}

// evalStepGraph returns the prediction, flow, mask and matching flow, without touching any variable.
func (m *Model) evalStepGraph(ctx *context.Context, imgs, timestep *Node) []*Node {
	g := imgs.Graph()
	ctx.SetTraining(g, false)
	out := m.wrapper.Forward(ctx, imgs, timestep)
	return []*Node{out.Prediction, out.Flow, out.Mask, out.MatchingFlow}
}

// run executes the cached executor for key, creating it with graphFn if needed.
// batchedInputs and batchedOutputs mark which inputs and outputs are split across replicas.
func (m *Model) run(key execKey, graphFn any, inputs []*tensors.Tensor, batchedInputs, batchedOutputs []bool) (
	[]*tensors.Tensor, error) {
	e, found := m.execs[key]
	if !found {
		var err error
		e, err = context.NewExecAny(m.backend, m.ctx.Reuse(), graphFn)
		if err != nil {
			return nil, errors.WithMessagef(err, "failed to create executor")
		}
		e, err = m.wrapper.ConfigureExec(e)
		if err != nil {
			return nil, err
		}
		m.execs[key] = e
	}
	args, err := m.wrapper.ShardInputs(inputs, batchedInputs)
	if err != nil {
		return nil, err
	}
	results, err := e.Exec(args...)
	if err != nil {
		return nil, err
	}
	return m.wrapper.MergeOutputs(results, batchedOutputs)
}

// checkPair validates a batch of frame pairs.
func checkPair(imgs *tensors.Tensor, name string) error {
	if imgs == nil {
		return errors.Errorf("%s must be given", name)
	}
	if err := imgs.Shape().CheckDims(-1, -1, -1, 6); err != nil {
		return errors.WithMessagef(err, "%s must be a batch of frame pairs [batch, height, width, 6]", name)
	}
	return nil
}
