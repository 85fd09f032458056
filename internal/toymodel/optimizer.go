// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package toymodel

import (
	"context"
	"encoding/json"
	"math"

	"github.com/gomlx/gridtrain/pkg/distributed/collective"
	"github.com/gomlx/gridtrain/pkg/train/step"
	"github.com/pkg/errors"
)

// Schedule provides the current learning rate and weight decay.
type Schedule interface {
	LearningRate() float64
	WeightDecay() float64
}

// DefaultGrowthInterval is the number of consecutive successful steps after which the loss scale doubles.
const DefaultGrowthInterval = 1000

// Optimizer is SGD with momentum and mixed-precision style dynamic loss scaling.
//
// Weight decay is only applied to w: b and g are treated as bias and norm parameters.
type Optimizer struct {
	model    *Model
	schedule Schedule
	momentum float64

	velocityW    []float64
	velocityB    float64
	velocityG    float64
	lossScale    float64
	dynamicScale bool

	// GrowthInterval of the loss scale.
	GrowthInterval int
	goodSteps      int
}

var _ step.Optimizer = (*Optimizer)(nil)

// NewOptimizer creates the optimizer of model. initialLossScale of 0 disables loss scaling.
// The model's gradients are scaled by the current loss scale from then on.
func NewOptimizer(model *Model, schedule Schedule, momentum, initialLossScale float64) *Optimizer {
	o := &Optimizer{
		model:          model,
		schedule:       schedule,
		momentum:       momentum,
		velocityW:      make([]float64, len(model.w)),
		lossScale:      1,
		dynamicScale:   initialLossScale > 0,
		GrowthInterval: DefaultGrowthInterval,
	}
	if o.dynamicScale {
		o.lossScale = initialLossScale
	}
	model.lossScale = o.LossScale
	return o
}

// LossScale returns the current loss scale: 1 if loss scaling is disabled.
func (o *Optimizer) LossScale() float64 { return o.lossScale }

// ZeroGrad implements step.Optimizer. Gradients live in the model buffers, so there is nothing to clear.
func (o *Optimizer) ZeroGrad() {}

// GatherParams implements step.Optimizer. Parameters are not sharded across data-parallel ranks.
func (o *Optimizer) GatherParams(context.Context) error { return nil }

// Step implements step.Optimizer.
//
// The gradients are unscaled and checked for overflows. The overflow flag is agreed over the model-parallel
// group, so every shard of a replica skips together. Data-parallel replicas hold identical gradients,
// so they agree as well.
func (o *Optimizer) Step(ctx context.Context) (success bool, gradNorm, numZeros *float64, err error) {
	m := o.model
	inv := 1 / o.lossScale
	foundInf := false
	for _, buf := range [][]float64{m.gradW, m.gradB, m.gradG} {
		for i := range buf {
			buf[i] *= inv
			if math.IsNaN(buf[i]) || math.IsInf(buf[i], 0) {
				foundInf = true
			}
		}
	}
	if group := m.topo.Groups().ModelParallel; len(group) > 1 {
		foundInf, err = collective.AgreeAny(ctx, m.comm, group, foundInf)
		if err != nil {
			return false, nil, nil, errors.WithMessage(err, "agreeing on gradient overflow")
		}
	}
	if foundInf {
		if o.dynamicScale {
			o.lossScale = max(1, o.lossScale/2)
		}
		o.goodSteps = 0
		return false, nil, nil, nil
	}

	norm, zeros, err := o.gradStats(ctx)
	if err != nil {
		return false, nil, nil, err
	}

	lr, wd := o.schedule.LearningRate(), o.schedule.WeightDecay()
	for j := range m.w {
		o.velocityW[j] = o.momentum*o.velocityW[j] + m.gradW[j] + wd*m.w[j]
		m.w[j] -= lr * o.velocityW[j]
	}
	if m.hasB {
		o.velocityB = o.momentum*o.velocityB + m.gradB[0]
		m.b -= lr * o.velocityB
	}
	if m.hasG {
		o.velocityG = o.momentum*o.velocityG + m.gradG[0]
		m.g -= lr * o.velocityG
	}

	o.goodSteps++
	if o.dynamicScale && o.GrowthInterval > 0 && o.goodSteps%o.GrowthInterval == 0 {
		o.lossScale *= 2
	}
	return true, &norm, &zeros, nil
}

// gradStats returns the L2 norm and the number of zeros of the whole model gradient.
// Replicated values (b, g) are only counted once per model replica.
func (o *Optimizer) gradStats(ctx context.Context) (norm, zeros float64, err error) {
	m := o.model
	stats := make([]float64, 2)
	count := func(v float64) {
		stats[0] += v * v
		if v == 0 {
			stats[1]++
		}
	}
	for _, v := range m.gradW {
		count(v)
	}
	if m.topo.TensorParallelRank() == 0 {
		if m.hasB && m.topo.IsFirstPipelineStage() {
			count(m.gradB[0])
		}
		if m.hasG {
			count(m.gradG[0])
		}
	}
	if group := m.topo.Groups().ModelParallel; len(group) > 1 {
		stats, err = m.comm.AllReduce(ctx, group, stats, collective.Sum)
		if err != nil {
			return 0, 0, errors.WithMessage(err, "reducing gradient statistics")
		}
	}
	return math.Sqrt(stats[0]), stats[1], nil
}

// ParamsNorm returns the L2 norm of all the parameters of a model replica.
func (o *Optimizer) ParamsNorm(ctx context.Context) (float64, error) {
	m := o.model
	sumSq := make([]float64, 1)
	for _, v := range m.w {
		sumSq[0] += v * v
	}
	if m.topo.TensorParallelRank() == 0 {
		if m.hasB && m.topo.IsFirstPipelineStage() {
			sumSq[0] += m.b * m.b
		}
		if m.hasG {
			sumSq[0] += m.g * m.g
		}
	}
	if group := m.topo.Groups().ModelParallel; len(group) > 1 {
		var err error
		if sumSq, err = m.comm.AllReduce(ctx, group, sumSq, collective.Sum); err != nil {
			return 0, errors.WithMessage(err, "reducing parameters norm")
		}
	}
	return math.Sqrt(sumSq[0]), nil
}

type optimizerState struct {
	VelocityW []float64 `json:"velocity_w"`
	VelocityB float64   `json:"velocity_b"`
	VelocityG float64   `json:"velocity_g"`
	LossScale float64   `json:"loss_scale"`
	GoodSteps int       `json:"good_steps"`
}

// State serializes the optimizer state.
func (o *Optimizer) State() ([]byte, error) {
	data, err := json.Marshal(optimizerState{
		VelocityW: o.velocityW,
		VelocityB: o.velocityB,
		VelocityG: o.velocityG,
		LossScale: o.lossScale,
		GoodSteps: o.goodSteps,
	})
	return data, errors.Wrap(err, "serializing optimizer state")
}

// LoadState restores a state returned by State.
func (o *Optimizer) LoadState(data []byte) error {
	var state optimizerState
	if err := json.Unmarshal(data, &state); err != nil {
		return errors.Wrap(err, "parsing optimizer state")
	}
	if len(state.VelocityW) != len(o.velocityW) {
		return errors.Errorf("optimizer state has %d values, expected %d", len(state.VelocityW), len(o.velocityW))
	}
	copy(o.velocityW, state.VelocityW)
	o.velocityB, o.velocityG = state.VelocityB, state.VelocityG
	if state.LossScale > 0 {
		o.lossScale = state.LossScale
	}
	o.goodSteps = state.GoodSteps
	return nil
}
