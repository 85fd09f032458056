// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package train

import (
	"context"
	"fmt"
	"maps"
	"math"
	"slices"
	"strings"

	"github.com/gomlx/gridtrain/pkg/distributed/collective"
	"github.com/gomlx/gridtrain/pkg/train/step"
	"github.com/pkg/errors"
)

// MaxPerplexityExponent caps the loss used to compute the perplexity, exp(min(MaxPerplexityExponent, loss)).
const MaxPerplexityExponent = 20

// Perplexity of a loss.
func Perplexity(loss float64) float64 {
	return math.Exp(min(MaxPerplexityExponent, loss))
}

func (loop *Loop) evaluateAll(ctx context.Context, label string) error {
	previous := loop.State()
	loop.setState(StateEvaluating)
	defer loop.setState(previous)
	for _, valid := range loop.validSources {
		if _, err := loop.evaluate(ctx, valid.Name, valid.Source, label); err != nil {
			return err
		}
	}
	return nil
}

// evaluate runs eval_iters forward-only iterations over source, with the current micro-batch plan.
// It returns the losses averaged over all micro-batches and data-parallel replicas on the last pipeline
// stage, and an empty map elsewhere.
func (loop *Loop) evaluate(ctx context.Context, name string, source step.BatchSource, label string) (
	map[string]float64, error) {
	totals := make(map[string]float64)
	count := 0
	dp := loop.topo.DataParallelSize()
	for i := range loop.cfg.Train.EvalIters {
		plan := loop.batches.Plan(loop.TrainingState().ConsumedTrainSamples)
		perMicrobatch, err := loop.executor.Forward(ctx, source, plan.NumMicrobatches)
		if err != nil {
			return nil, errors.WithMessagef(err, "evaluating %s (iteration %d of %d)", name, i, loop.cfg.Train.EvalIters)
		}
		for _, losses := range perMicrobatch {
			for key, v := range losses {
				totals[key] += v
			}
		}
		count += plan.NumMicrobatches
		loop.mu.Lock()
		loop.state.ConsumedValidSamples += int64(plan.NumMicrobatches * plan.MicroBatchSize * dp)
		loop.mu.Unlock()
	}
	averages, err := loop.averageOverDataParallel(ctx, totals, count)
	if err != nil {
		return nil, errors.WithMessagef(err, "evaluating %s", name)
	}

	if loop.IsLogRank() && len(averages) > 0 {
		var sb strings.Builder
		fmt.Fprintf(&sb, " %s loss at %s |", name, label)
		for _, key := range slices.Sorted(maps.Keys(averages)) {
			ppl := Perplexity(averages[key])
			fmt.Fprintf(&sb, " %s value: %.6E | %s PPL: %.6E |", key, averages[key], key, ppl)
			loop.reportScalar(key+" "+name, averages[key])
			loop.reportScalar(key+" "+name+" ppl", ppl)
		}
		line := sb.String()
		rule := strings.Repeat("-", len(line)+1)
		loop.logger.Info(rule)
		loop.logger.Info(line)
		loop.logger.Info(rule)
	}
	return averages, nil
}

// averageOverDataParallel divides totals by count and averages them across the data-parallel group.
// Only the last pipeline stage holds losses: elsewhere it returns an empty map without communicating.
func (loop *Loop) averageOverDataParallel(ctx context.Context, totals map[string]float64, count int) (
	map[string]float64, error) {
	averages := make(map[string]float64, len(totals))
	if !loop.topo.IsLastPipelineStage() || len(totals) == 0 {
		return averages, nil
	}
	keys := slices.Sorted(maps.Keys(totals))
	values := make([]float64, len(keys))
	for i, key := range keys {
		values[i] = totals[key] / float64(max(1, count))
	}
	if group := loop.topo.Groups().Data; len(group) > 1 {
		var err error
		if values, err = loop.comm.AllReduce(ctx, group, values, collective.Sum); err != nil {
			return nil, err
		}
		for i := range values {
			values[i] /= float64(len(group))
		}
	}
	for i, key := range keys {
		averages[key] = values[i]
	}
	return averages, nil
}
