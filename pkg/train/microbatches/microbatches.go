// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package microbatches computes how many micro-batches compose each optimizer step,
// following a constant global batch size or a linear ramp-up of it.
package microbatches

import (
	"fmt"
	"iter"

	"github.com/gomlx/gridtrain/pkg/errdefs"
)

// Rampup configures a linear increase of the global batch size: it starts at StartSize and grows by
// Increment until reaching the final global batch size, over the first RampSamples consumed samples.
type Rampup struct {
	StartSize, Increment int

	// RampSamples is split in equal intervals, one per batch size level. Once RampSamples samples are
	// consumed, the final global batch size is used.
	RampSamples int64
}

// Config of a Scheduler.
type Config struct {
	GlobalBatchSize  int
	MicroBatchSize   int
	DataParallelSize int

	// Rampup is optional: nil means a constant global batch size.
	Rampup *Rampup
}

// Plan is the shape of one optimizer step.
type Plan struct {
	NumMicrobatches int
	MicroBatchSize  int
	GlobalBatchSize int
}

// String implements fmt.Stringer.
func (p Plan) String() string {
	return fmt.Sprintf("%d micro-batches of %d (global batch size %d)",
		p.NumMicrobatches, p.MicroBatchSize, p.GlobalBatchSize)
}

// Scheduler returns the Plan in effect for a given number of consumed samples.
// It is immutable, and safe for concurrent use.
type Scheduler struct {
	config Config

	// samplesPerMicrobatch across all data-parallel replicas.
	samplesPerMicrobatch int

	// numLevels is the number of batch sizes increments of the ramp-up (not counting the start size).
	numLevels int
}

// New creates a Scheduler. It returns an errdefs.ConfigError if any global batch size it may produce
// is not an exact multiple of MicroBatchSize*DataParallelSize.
func New(config Config) (*Scheduler, error) {
	if config.MicroBatchSize <= 0 {
		return nil, errdefs.NewConfigError("micro_batch_size", "must be positive, got %d", config.MicroBatchSize)
	}
	if config.DataParallelSize <= 0 {
		return nil, errdefs.NewConfigError("data_parallel_size", "must be positive, got %d",
			config.DataParallelSize)
	}
	if config.GlobalBatchSize <= 0 {
		return nil, errdefs.NewConfigError("global_batch_size", "must be positive, got %d",
			config.GlobalBatchSize)
	}
	s := &Scheduler{
		config:               config,
		samplesPerMicrobatch: config.MicroBatchSize * config.DataParallelSize,
	}
	if err := s.checkDivisible(config.GlobalBatchSize); err != nil {
		return nil, err
	}
	if r := config.Rampup; r != nil {
		if r.StartSize <= 0 || r.Increment <= 0 || r.RampSamples < 0 {
			return nil, errdefs.NewConfigError("rampup_batch_size",
				"start size (%d) and increment (%d) must be positive and ramp samples (%d) non-negative",
				r.StartSize, r.Increment, r.RampSamples)
		}
		if r.StartSize > config.GlobalBatchSize {
			return nil, errdefs.NewConfigError("rampup_batch_size",
				"start size (%d) is larger than the global batch size (%d)", r.StartSize, config.GlobalBatchSize)
		}
		diff := config.GlobalBatchSize - r.StartSize
		if diff%r.Increment != 0 {
			return nil, errdefs.NewConfigError("rampup_batch_size",
				"global batch size (%d) minus start size (%d) is not divisible by the increment (%d)",
				config.GlobalBatchSize, r.StartSize, r.Increment)
		}
		s.numLevels = diff / r.Increment
		for level := 0; level <= s.numLevels; level++ {
			if err := s.checkDivisible(r.StartSize + level*r.Increment); err != nil {
				return nil, err
			}
		}
	}
	return s, nil
}

func (s *Scheduler) checkDivisible(globalBatchSize int) error {
	if globalBatchSize%s.samplesPerMicrobatch != 0 {
		return errdefs.NewConfigError("global_batch_size",
			"global batch size (%d) is not divisible by micro batch size (%d) times data parallel size (%d)",
			globalBatchSize, s.config.MicroBatchSize, s.config.DataParallelSize)
	}
	return nil
}

// Config returns the configuration of the scheduler.
func (s *Scheduler) Config() Config { return s.config }

// IsRampingUp returns whether the batch size is still below its final value after consumed samples.
func (s *Scheduler) IsRampingUp(consumed int64) bool {
	return s.GlobalBatchSize(consumed) < s.config.GlobalBatchSize
}

// GlobalBatchSize returns the global batch size in effect after consumed samples.
//
// During the ramp-up, [0, RampSamples) is split in numLevels+1 equal intervals, and the i-th interval
// uses StartSize + i*Increment.
func (s *Scheduler) GlobalBatchSize(consumed int64) int {
	r := s.config.Rampup
	if r == nil || consumed >= r.RampSamples {
		return s.config.GlobalBatchSize
	}
	level := int(consumed * int64(s.numLevels+1) / r.RampSamples)
	level = min(level, s.numLevels)
	return r.StartSize + level*r.Increment
}

// NumMicrobatches returns the number of micro-batches per step after consumed samples.
func (s *Scheduler) NumMicrobatches(consumed int64) int {
	return s.GlobalBatchSize(consumed) / s.samplesPerMicrobatch
}

// Plan returns the plan for the step taken after consumed samples.
func (s *Scheduler) Plan(consumed int64) Plan {
	global := s.GlobalBatchSize(consumed)
	return Plan{
		NumMicrobatches: global / s.samplesPerMicrobatch,
		MicroBatchSize:  s.config.MicroBatchSize,
		GlobalBatchSize: global,
	}
}

// Advance returns the plan for the step taken after consumed samples, and the consumed samples after it.
// The live training loop and the TrainIters estimate both step with it.
func (s *Scheduler) Advance(consumed int64) (Plan, int64) {
	plan := s.Plan(consumed)
	return plan, consumed + int64(plan.GlobalBatchSize)
}

// Steps iterates over the plans of successive steps starting at consumed samples, yielding the
// samples consumed before each step. The iteration is unbounded: break out of it.
func (s *Scheduler) Steps(consumed int64) iter.Seq2[int64, Plan] {
	return func(yield func(int64, Plan) bool) {
		for {
			plan, next := s.Advance(consumed)
			if !yield(consumed, plan) {
				return
			}
			consumed = next
		}
	}
}

// TrainIters returns the number of iterations needed to consume trainSamples, simulating the
// ramp-up with the same stepping as live training. A partial last batch is dropped.
func (s *Scheduler) TrainIters(trainSamples int64) int64 {
	global := int64(s.config.GlobalBatchSize)
	if s.config.Rampup == nil {
		return trainSamples / global
	}
	var iterations, consumed int64
	for consumed <= s.config.Rampup.RampSamples {
		_, next := s.Advance(consumed)
		if next > trainSamples {
			return iterations
		}
		consumed = next
		iterations++
	}
	return iterations + (trainSamples-consumed)/global
}
