// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package step runs one optimizer step of distributed training: zero gradients, run the pipelined
// forward-backward over all micro-batches, synchronize gradients, update the parameters and,
// if the update succeeded, advance the learning rate schedule.
//
// The numeric work is done by collaborators (Model, Optimizer) behind small interfaces.
package step

import (
	"context"
	"math"
	"slices"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gridtrain/pkg/distributed/collective"
	"github.com/gomlx/gridtrain/pkg/distributed/topology"
	"github.com/gomlx/gridtrain/pkg/train/microbatches"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Batch is one micro-batch. Its contents are only known by the data source and the model.
type Batch any

// BatchSource yields micro-batches.
type BatchSource interface {
	// Next returns the next micro-batch. It returns io.EOF when a single-pass source is exhausted.
	Next(ctx context.Context) (Batch, error)
}

// Model is the compute collaborator holding this rank's shard of the model.
type Model interface {
	// ZeroGradBuffers clears the gradient accumulators.
	ZeroGradBuffers()

	// ForwardBackward runs the pipelined schedule over numMicrobatches micro-batches pulled from batches.
	// The interleaving of compute and peer-to-peer exchange between pipeline stages happens inside.
	//
	// On the last pipeline stage it returns one loss map per micro-batch, elsewhere nil.
	// With forwardOnly no gradients are computed (evaluation).
	ForwardBackward(ctx context.Context, batches BatchSource, numMicrobatches int,
		forwardOnly bool) ([]map[string]float64, error)

	// GradientBuffers returns the local gradient buffers, to be reduced in place by a GradientSync.
	GradientBuffers() []*GradientBuffer
}

// Optimizer is the collaborator owning the numeric update rule.
type Optimizer interface {
	// ZeroGrad clears the optimizer's view of the gradients (e.g.: main fp32 copies).
	ZeroGrad()

	// Step updates the parameters. It returns success=false if the update was skipped,
	// e.g.: because of a mixed-precision overflow. gradNorm and numZeros are nil if not computed.
	Step(ctx context.Context) (success bool, gradNorm, numZeros *float64, err error)

	// GatherParams distributes updated parameters, if they are sharded across data-parallel ranks.
	GatherParams(ctx context.Context) error
}

// ParamScheduler is advanced by the number of samples of each successful update.
type ParamScheduler interface {
	Step(increment int64)
}

// Result of one optimizer step.
type Result struct {
	// Losses averaged per key over the micro-batches of the step, and over the data-parallel replicas.
	// Only set on the last pipeline stage: empty elsewhere.
	Losses map[string]float64

	// Skipped is true if the optimizer didn't update the parameters.
	Skipped bool

	GradNorm, NumZeros *float64

	// Plan executed.
	Plan microbatches.Plan

	// Samples consumed by the step, across all data-parallel replicas. Consumed even if Skipped.
	Samples int64
}

// HasNonFiniteLoss returns whether any loss is NaN or infinite.
func (r Result) HasNonFiniteLoss() bool {
	for _, v := range r.Losses {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return true
		}
	}
	return false
}

// Executor runs optimizer steps for one rank.
type Executor struct {
	topo      *topology.Topology
	comm      collective.Communicator
	model     Model
	optimizer Optimizer
	sync      GradientSync
	scheduler ParamScheduler
	logger    klog.Logger
}

// NewExecutor creates an Executor. The scheduler can be nil if there is no learning rate schedule.
func NewExecutor(topo *topology.Topology, comm collective.Communicator, model Model, optimizer Optimizer,
	sync GradientSync, scheduler ParamScheduler, logger klog.Logger) *Executor {
	return &Executor{
		topo:      topo,
		comm:      comm,
		model:     model,
		optimizer: optimizer,
		sync:      sync,
		scheduler: scheduler,
		logger:    logger,
	}
}

// Run executes one optimizer step following plan, pulling micro-batches from batches.
//
// Errors from the collaborators are fatal and returned: they are never retried.
// An overflow reported by the optimizer is not an error, just a skipped update.
func (e *Executor) Run(ctx context.Context, batches BatchSource, plan microbatches.Plan) (Result, error) {
	result := Result{
		Plan:    plan,
		Samples: int64(plan.NumMicrobatches * plan.MicroBatchSize * e.topo.DataParallelSize()),
	}

	e.model.ZeroGradBuffers()
	e.optimizer.ZeroGrad()

	var perMicrobatch []map[string]float64
	err := callSafely("forward-backward", func() (err error) {
		perMicrobatch, err = e.model.ForwardBackward(ctx, batches, plan.NumMicrobatches, false)
		return
	})
	if err != nil {
		return result, err
	}

	err = callSafely("gradient reduction", func() error { return e.sync.Reduce(ctx, e.model.GradientBuffers()) })
	if err != nil {
		return result, err
	}

	var success bool
	err = callSafely("optimizer step", func() (err error) {
		success, result.GradNorm, result.NumZeros, err = e.optimizer.Step(ctx)
		return
	})
	if err != nil {
		return result, err
	}
	result.Skipped = !success
	if success {
		if err = callSafely("gather parameters", func() error { return e.optimizer.GatherParams(ctx) }); err != nil {
			return result, err
		}
		if e.scheduler != nil {
			e.scheduler.Step(result.Samples)
		}
	} else {
		e.logger.V(1).Info("optimizer skipped the update", "plan", plan.String())
	}

	result.Losses, err = e.reduceLosses(ctx, perMicrobatch)
	return result, err
}

// Forward runs forward-only passes over numMicrobatches micro-batches, for evaluation.
// It returns the per-micro-batch losses on the last pipeline stage, nil elsewhere.
func (e *Executor) Forward(ctx context.Context, batches BatchSource, numMicrobatches int) ([]map[string]float64, error) {
	var perMicrobatch []map[string]float64
	err := callSafely("forward", func() (err error) {
		perMicrobatch, err = e.model.ForwardBackward(ctx, batches, numMicrobatches, true)
		return
	})
	return perMicrobatch, err
}

// reduceLosses averages the losses over the micro-batches, and then across the data-parallel group.
// It is a no-op returning an empty map outside of the last pipeline stage.
func (e *Executor) reduceLosses(ctx context.Context, perMicrobatch []map[string]float64) (map[string]float64, error) {
	losses := make(map[string]float64)
	if !e.topo.IsLastPipelineStage() || len(perMicrobatch) == 0 {
		return losses, nil
	}
	for _, m := range perMicrobatch {
		for key, v := range m {
			losses[key] += v
		}
	}
	keys := make([]string, 0, len(losses))
	for key := range losses {
		keys = append(keys, key)
	}
	slices.Sort(keys)
	values := make([]float64, len(keys))
	for i, key := range keys {
		values[i] = losses[key] / float64(len(perMicrobatch))
	}
	if dataGroup := e.topo.Groups().Data; len(dataGroup) > 1 {
		var err error
		values, err = e.comm.AllReduce(ctx, dataGroup, values, collective.Sum)
		if err != nil {
			return nil, errors.WithMessage(err, "averaging losses across data-parallel replicas")
		}
		for i := range values {
			values[i] /= float64(len(dataGroup))
		}
	}
	for i, key := range keys {
		losses[key] = values[i]
	}
	return losses, nil
}

// callSafely calls fn, converting a panic into an error.
func callSafely(what string, fn func() error) error {
	var err error
	exception := exceptions.Try(func() { err = fn() })
	if exception != nil {
		if e, ok := exception.(error); ok {
			return errors.WithMessagef(e, "panic during %s", what)
		}
		return errors.Errorf("panic during %s: %v", what, exception)
	}
	return errors.WithMessage(err, what)
}
