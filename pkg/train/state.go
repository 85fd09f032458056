// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package train

import (
	"fmt"

	"github.com/gomlx/gridtrain/pkg/train/termination"
)

// State of the control loop.
type State int

const (
	StateSetup State = iota
	StateTraining
	StateEvaluating
	StateCheckpointing
	StateFinalizing
	StateDone
)

// String implements fmt.Stringer.
func (s State) String() string {
	switch s {
	case StateSetup:
		return "Setup"
	case StateTraining:
		return "Training"
	case StateEvaluating:
		return "Evaluating"
	case StateCheckpointing:
		return "Checkpointing"
	case StateFinalizing:
		return "Finalizing"
	case StateDone:
		return "Done"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// TrainingState holds the run-time counters of the loop. They are identical on all ranks.
//
// ConsumedTrainSamples grows by the global batch size of every attempted iteration, including the
// iterations whose update was skipped.
type TrainingState struct {
	Iteration            int64 `json:"iteration"`
	ConsumedTrainSamples int64 `json:"consumed_train_samples"`
	ConsumedValidSamples int64 `json:"consumed_valid_samples"`
	TrainIters           int64 `json:"train_iters"`
	GlobalBatchSize      int   `json:"global_batch_size"`
}

// ExitStatus tells how Loop.Run finished.
type ExitStatus struct {
	// Iteration at which the loop stopped.
	Iteration int64

	// Reason is termination.ReasonNone if training completed train_iters iterations, otherwise
	// the trigger that made the loop save a checkpoint and exit.
	Reason termination.Reason
}

// Terminated returns whether the loop exited because of a termination trigger.
func (s ExitStatus) Terminated() bool { return s.Reason != termination.ReasonNone }

// String implements fmt.Stringer.
func (s ExitStatus) String() string {
	if s.Terminated() {
		return fmt.Sprintf("exited at iteration %d: %s", s.Iteration, s.Reason)
	}
	return fmt.Sprintf("completed %d iterations", s.Iteration)
}
