// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package train implements the distributed training control loop: each rank runs the same sequence of
// optimizer steps, evaluations and checkpoints, in lock-step with all other ranks, until the training
// budget is exhausted or a termination trigger asks for a checkpoint and exit.
//
// The loop is built with Setup, which also resumes from the latest checkpoint, and run with Loop.Run.
// Functionality (progress bars, plots, status reporting) can be attached with hooks, see Loop.OnStep.
package train

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/gomlx/gridtrain/pkg/config"
	"github.com/gomlx/gridtrain/pkg/distributed/collective"
	"github.com/gomlx/gridtrain/pkg/distributed/topology"
	"github.com/gomlx/gridtrain/pkg/train/checkpoints"
	"github.com/gomlx/gridtrain/pkg/train/metrics"
	"github.com/gomlx/gridtrain/pkg/train/microbatches"
	"github.com/gomlx/gridtrain/pkg/train/paramsched"
	"github.com/gomlx/gridtrain/pkg/train/step"
	"github.com/gomlx/gridtrain/pkg/train/termination"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Loop is the training control loop of one rank.
//
// It is driven by a single goroutine: only Status and TrainingState can be called concurrently with Run.
type Loop struct {
	cfg    config.TrainingConfig
	topo   *topology.Topology
	comm   collective.Communicator
	logger klog.Logger
	now    func() time.Time
	runID  string

	components Components
	batches    *microbatches.Scheduler
	params     *paramsched.Scheduler
	executor   *step.Executor
	aggregator *metrics.Aggregator
	sink       metrics.Sink

	storage            checkpoints.Storage
	saver, loader      *checkpoints.Handler
	lastSaved          int64
	monitor            *termination.Monitor
	terminationOptions []termination.Option
	signals            *termination.SignalWatcher
	autoResume         *termination.FileAutoResume

	trainSource              step.BatchSource
	validSources             []NamedSource
	testSource               step.BatchSource
	doTrain, doValid, doTest bool

	// StepDurations of the training iterations run by this process.
	StepDurations []time.Duration

	mu         sync.RWMutex
	stage      State
	state      TrainingState
	lastLosses map[string]float64
	skipped    int64
	nan        int64

	onStart *priorityHooks[*hookWithName[OnStartFn]]
	onStep  *priorityHooks[*hookWithName[OnStepFn]]
	onEnd   *priorityHooks[*hookWithName[OnEndFn]]
}

func newLoop(cfg config.TrainingConfig, topo *topology.Topology, comm collective.Communicator) *Loop {
	return &Loop{
		cfg:       cfg,
		topo:      topo,
		comm:      comm,
		logger:    klog.Background().WithValues("rank", topo.Rank()),
		now:       time.Now,
		lastSaved: -1,
		stage:     StateSetup,
		onStart:   newPriorityHooks[*hookWithName[OnStartFn]](),
		onStep:    newPriorityHooks[*hookWithName[OnStepFn]](),
		onEnd:     newPriorityHooks[*hookWithName[OnEndFn]](),
	}
}

// Close releases the signal handler and the autoresume watcher, if any.
func (loop *Loop) Close() {
	if loop.signals != nil {
		loop.signals.Stop()
		loop.signals = nil
	}
	if loop.autoResume != nil {
		if err := loop.autoResume.Close(); err != nil {
			loop.logger.Error(err, "closing autoresume watcher")
		}
		loop.autoResume = nil
	}
}

// Config returns the configuration of the run.
func (loop *Loop) Config() config.TrainingConfig { return loop.cfg }

// Topology of this rank.
func (loop *Loop) Topology() *topology.Topology { return loop.topo }

// Logger used by the loop.
func (loop *Loop) Logger() klog.Logger { return loop.logger }

// RunID is recorded in the checkpoints saved by this run.
func (loop *Loop) RunID() string { return loop.runID }

// IsLogRank returns whether this rank reports training progress: the last rank, which holds the
// last pipeline stage and hence the losses.
func (loop *Loop) IsLogRank() bool { return loop.topo.Rank() == loop.topo.WorldSize()-1 }

// TrainingState returns a copy of the current counters.
func (loop *Loop) TrainingState() TrainingState {
	loop.mu.RLock()
	defer loop.mu.RUnlock()
	return loop.state
}

// Status is a snapshot of the loop, safe to be taken concurrently with Run.
type Status struct {
	RunID     string `json:"run_id"`
	Rank      int    `json:"rank"`
	WorldSize int    `json:"world_size"`
	State     string `json:"state"`
	TrainingState

	// LastLosses of the last iteration, only known by the last pipeline stage.
	LastLosses map[string]float64 `json:"last_losses,omitempty"`

	SkippedIterations int64         `json:"skipped_iterations"`
	NaNIterations     int64         `json:"nan_iterations"`
	Elapsed           time.Duration `json:"elapsed_ns"`
}

// Status returns a snapshot of the loop.
func (loop *Loop) Status() Status {
	loop.mu.RLock()
	defer loop.mu.RUnlock()
	status := Status{
		RunID:             loop.runID,
		Rank:              loop.topo.Rank(),
		WorldSize:         loop.topo.WorldSize(),
		State:             loop.stage.String(),
		TrainingState:     loop.state,
		LastLosses:        maps.Clone(loop.lastLosses),
		SkippedIterations: loop.skipped,
		NaNIterations:     loop.nan,
	}
	if loop.monitor != nil {
		status.Elapsed = loop.monitor.Elapsed()
	}
	return status
}

// State of the loop.
func (loop *Loop) State() State {
	loop.mu.RLock()
	defer loop.mu.RUnlock()
	return loop.stage
}

func (loop *Loop) setState(s State) {
	loop.mu.Lock()
	loop.stage = s
	loop.mu.Unlock()
}

// MedianStepDuration returns the median duration of the training iterations. It returns 1 millisecond
// if no iteration was recorded (to avoid potential division by 0).
func (loop *Loop) MedianStepDuration() time.Duration {
	if len(loop.StepDurations) == 0 {
		return time.Millisecond
	}
	times := slices.Clone(loop.StepDurations)
	slices.Sort(times)
	return times[len(times)/2]
}

// Run trains until the iteration budget is exhausted or a termination trigger fires, then runs the
// final evaluation and checkpoint. It is a collective operation: all ranks must call it.
//
// Errors are fatal: all ranks fail on the same collective, or hang on the next one.
func (loop *Loop) Run(ctx context.Context) (status ExitStatus, err error) {
	if err = loop.marker(ctx, "before the start of training step"); err != nil {
		return
	}
	for hook := range loop.onStart.All() {
		if err = hook.fn(loop); err != nil {
			return status, errors.WithMessagef(err, "OnStart(hook %q)", hook.name)
		}
	}

	status.Iteration = loop.TrainingState().Iteration
	if loop.doTrain && status.Iteration < loop.TrainingState().TrainIters {
		loop.setState(StateTraining)
		if status, err = loop.train(ctx); err != nil {
			return
		}
	}

	loop.setState(StateFinalizing)
	if !status.Terminated() {
		if loop.doValid {
			if err = loop.evaluateAll(ctx, "the end of training for val data"); err != nil {
				return
			}
		}
		if loop.saver != nil && status.Iteration > 0 && loop.lastSaved != status.Iteration {
			if err = loop.save(ctx); err != nil {
				return
			}
		}
		if loop.doTest && loop.cfg.Train.DoTest {
			if _, err = loop.evaluate(ctx, "test", loop.testSource, "the end of training for test data"); err != nil {
				return
			}
		}
	}
	if err = loop.marker(ctx, "after training is done"); err != nil {
		return
	}
	for hook := range loop.onEnd.All() {
		if err = hook.fn(loop, status); err != nil {
			return status, errors.WithMessagef(err, "OnEnd(hook %q)", hook.name)
		}
	}
	loop.setState(StateDone)
	return status, nil
}

// train runs iterations until the budget is exhausted or a termination trigger fires.
func (loop *Loop) train(ctx context.Context) (ExitStatus, error) {
	loop.aggregator.Restart()
	trainCfg := loop.cfg.Train
	for {
		st := loop.TrainingState()
		if st.Iteration >= st.TrainIters {
			return ExitStatus{Iteration: st.Iteration}, nil
		}
		plan := loop.batches.Plan(st.ConsumedTrainSamples)
		start := loop.now()
		result, err := loop.executor.Run(ctx, loop.trainSource, plan)
		if err != nil {
			return ExitStatus{Iteration: st.Iteration}, errors.WithMessagef(err, "training iteration %d", st.Iteration+1)
		}
		loop.StepDurations = append(loop.StepDurations, loop.now().Sub(start))
		st = loop.advance(result)
		iteration := st.Iteration

		loop.aggregator.Record(result.Losses, result.Skipped, result.GradNorm, result.NumZeros)
		snapshot, err := loop.snapshot(ctx, st)
		if err != nil {
			return ExitStatus{Iteration: iteration}, err
		}
		if record, ok := loop.aggregator.FlushIfDue(snapshot); ok && loop.IsLogRank() {
			loop.logger.Info(record.String())
		}
		for hook := range loop.onStep.All() {
			if err = hook.fn(loop, result); err != nil {
				return ExitStatus{Iteration: iteration}, errors.WithMessagef(err, "OnStep(hook %q)", hook.name)
			}
		}

		if loop.doValid && trainCfg.EvalInterval > 0 && iteration%int64(trainCfg.EvalInterval) == 0 {
			if err = loop.evaluateAll(ctx, fmt.Sprintf("iteration %d", iteration)); err != nil {
				return ExitStatus{Iteration: iteration}, err
			}
			loop.aggregator.Restart()
		}
		if loop.saver != nil && trainCfg.SaveInterval > 0 && iteration%int64(trainCfg.SaveInterval) == 0 {
			if err = loop.save(ctx); err != nil {
				return ExitStatus{Iteration: iteration}, err
			}
			loop.aggregator.Restart()
		}

		decision, reason, err := loop.monitor.Poll(ctx, iteration)
		if err != nil {
			return ExitStatus{Iteration: iteration}, err
		}
		if decision == termination.CheckpointAndExit {
			if loop.saver != nil && loop.lastSaved != iteration {
				if err = loop.save(ctx); err != nil {
					return ExitStatus{Iteration: iteration}, err
				}
			}
			if reason == termination.ReasonAutoResume && loop.topo.Rank() == 0 {
				if err = loop.monitor.RequestResume(); err != nil {
					loop.logger.Error(err, "failed to request resume")
				}
			}
			return ExitStatus{Iteration: iteration, Reason: reason}, nil
		}
	}
}

// advance updates the counters after an attempted iteration. Samples are consumed even if the update was skipped.
func (loop *Loop) advance(result step.Result) TrainingState {
	loop.mu.Lock()
	defer loop.mu.Unlock()
	loop.state.Iteration++
	loop.state.ConsumedTrainSamples += result.Samples
	loop.state.GlobalBatchSize = result.Plan.GlobalBatchSize
	loop.lastLosses = result.Losses
	if result.Skipped {
		loop.skipped++
	}
	if result.HasNonFiniteLoss() {
		loop.nan++
	}
	return loop.state
}

// snapshot collects the values reported with the iteration. The norm of the parameters is only
// computed on logging iterations, by all ranks.
func (loop *Loop) snapshot(ctx context.Context, st TrainingState) (metrics.Snapshot, error) {
	snap := metrics.Snapshot{
		Iteration:       st.Iteration,
		TrainIters:      st.TrainIters,
		ConsumedSamples: st.ConsumedTrainSamples,
		GlobalBatchSize: loop.batches.GlobalBatchSize(st.ConsumedTrainSamples),
		LearningRate:    loop.params.LearningRate(),
	}
	wd := loop.params.WeightDecay()
	snap.WeightDecay = &wd
	if scaler, ok := loop.components.Optimizer.(LossScaler); ok {
		scale := scaler.LossScale()
		snap.LossScale = &scale
	}
	logInterval := int64(max(1, loop.cfg.Train.LogInterval))
	if normer, ok := loop.components.Optimizer.(ParamsNormer); ok && st.Iteration%logInterval == 0 {
		norm, err := normer.ParamsNorm(ctx)
		if err != nil {
			return snap, errors.WithMessagef(err, "computing params norm at iteration %d", st.Iteration)
		}
		snap.ParamsNorm = &norm
	}
	return snap, nil
}

// marker logs a message on rank 0 once all ranks reached it.
func (loop *Loop) marker(ctx context.Context, message string) error {
	if err := loop.comm.Barrier(ctx, loop.topo.WorldGroup()); err != nil {
		return errors.WithMessagef(err, "barrier %s", message)
	}
	if loop.topo.Rank() == 0 {
		loop.logger.Info("[" + loop.now().Format(time.DateTime) + "] " + message)
	}
	return nil
}

// Agree returns an error on all ranks if localErr is not nil on any of them. It is a collective:
// every rank must call it, with a nil error if it has nothing to report.
func (loop *Loop) Agree(ctx context.Context, what string, localErr error) error {
	failed, err := collective.AgreeAny(ctx, loop.comm, loop.topo.WorldGroup(), localErr != nil)
	if err != nil {
		return errors.WithMessagef(err, "agreeing on %s", what)
	}
	if localErr != nil {
		return errors.WithMessage(localErr, what)
	}
	if failed {
		return errors.Errorf("%s failed on another rank", what)
	}
	return nil
}

// reportScalar sends a scalar to the sink against the iteration and against the consumed samples.
func (loop *Loop) reportScalar(name string, value float64) {
	if loop.sink == nil {
		return
	}
	st := loop.TrainingState()
	if err := loop.sink.AddScalar(name, value, st.Iteration); err != nil {
		loop.logger.Error(err, "failed to report scalar", "name", name)
	}
	if err := loop.sink.AddScalar(name+" vs samples", value, st.ConsumedTrainSamples); err != nil {
		loop.logger.Error(err, "failed to report scalar", "name", name+" vs samples")
	}
}
