// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/gridtrain/pkg/errdefs"
	"github.com/gomlx/gridtrain/pkg/train/microbatches"
	"github.com/spf13/cobra"
)

func newPlanCmd(flags *globalFlags) *cobra.Command {
	var worldSize int
	cmd := &cobra.Command{
		Use:   "plan",
		Short: "Prints the batch size schedule of the configured run, without training",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := flags.loadConfig()
			if err != nil {
				return err
			}
			modelParallel := cfg.Parallel.TensorParallelSize * cfg.Parallel.PipelineParallelSize
			if worldSize%modelParallel != 0 {
				return errdefs.NewConfigError("world_size", "%d is not divisible by tensor*pipeline parallel size %d",
					worldSize, modelParallel)
			}
			var rampup *microbatches.Rampup
			if r := cfg.Batch.RampupBatchSize; len(r) == 3 {
				rampup = &microbatches.Rampup{StartSize: r[0], Increment: r[1], RampSamples: int64(r[2])}
			}
			scheduler, err := microbatches.New(microbatches.Config{
				GlobalBatchSize:  cfg.Batch.GlobalBatchSize,
				MicroBatchSize:   cfg.Batch.MicroBatchSize,
				DataParallelSize: worldSize / modelParallel,
				Rampup:           rampup,
			})
			if err != nil {
				return err
			}
			trainIters := int64(cfg.Train.TrainIters)
			if cfg.IsSampleBased() {
				trainIters = scheduler.TrainIters(int64(cfg.Train.TrainSamples))
			}
			fmt.Println(planTable(scheduler, trainIters))
			return nil
		},
	}
	cmd.Flags().IntVar(&worldSize, "world_size", 1, "Number of ranks of the run.")
	return cmd
}

// planSegment is a range of iterations sharing the same plan.
type planSegment struct {
	firstIteration, lastIteration int64
	firstConsumed                 int64
	plan                          microbatches.Plan
}

// planSegments groups the first trainIters steps by plan.
func planSegments(scheduler *microbatches.Scheduler, trainIters int64) []planSegment {
	var segments []planSegment
	var iteration int64
	for consumed, plan := range scheduler.Steps(0) {
		if iteration >= trainIters {
			break
		}
		iteration++
		if n := len(segments); n > 0 && segments[n-1].plan == plan {
			segments[n-1].lastIteration = iteration
		} else {
			segments = append(segments, planSegment{
				firstIteration: iteration, lastIteration: iteration, firstConsumed: consumed, plan: plan})
		}
		if !scheduler.IsRampingUp(consumed) {
			// The plan doesn't change anymore.
			segments[len(segments)-1].lastIteration = trainIters
			break
		}
	}
	return segments
}

func planTable(scheduler *microbatches.Scheduler, trainIters int64) string {
	table := newPlainTable(true)
	table.Row("Iterations", "First sample", "Global batch size", "Micro-batches", "Micro-batch size")
	for _, segment := range planSegments(scheduler, trainIters) {
		table.Row(
			fmt.Sprintf("%s - %s", humanize.Comma(segment.firstIteration), humanize.Comma(segment.lastIteration)),
			humanize.Comma(segment.firstConsumed),
			humanize.Comma(int64(segment.plan.GlobalBatchSize)),
			humanize.Comma(int64(segment.plan.NumMicrobatches)),
			humanize.Comma(int64(segment.plan.MicroBatchSize)),
		)
	}
	return table.Render()
}
