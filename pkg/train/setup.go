// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package train

import (
	"context"
	"time"

	"github.com/gomlx/gridtrain/pkg/config"
	"github.com/gomlx/gridtrain/pkg/distributed/collective"
	"github.com/gomlx/gridtrain/pkg/distributed/topology"
	"github.com/gomlx/gridtrain/pkg/errdefs"
	"github.com/gomlx/gridtrain/pkg/train/checkpoints"
	"github.com/gomlx/gridtrain/pkg/train/metrics"
	"github.com/gomlx/gridtrain/pkg/train/microbatches"
	"github.com/gomlx/gridtrain/pkg/train/paramsched"
	"github.com/gomlx/gridtrain/pkg/train/seed"
	"github.com/gomlx/gridtrain/pkg/train/step"
	"github.com/gomlx/gridtrain/pkg/train/termination"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Data provides the data sources of one rank.
type Data interface {
	// Train returns the training source positioned after consumedSamples, or nil if there is no training data.
	Train(consumedSamples int64) (step.BatchSource, error)

	// Valid returns the validation sources positioned after consumedSamples. Empty if there is no validation data.
	Valid(consumedSamples int64) ([]NamedSource, error)

	// Test returns the test source, or nil if there is no test data.
	Test() (step.BatchSource, error)
}

// NamedSource is a validation source. Its name is used to report its losses.
type NamedSource struct {
	Name   string
	Source step.BatchSource
}

// ModelState is implemented by models that can be checkpointed: one blob per model chunk
// (see topology.Topology.Stages).
type ModelState interface {
	StateDict() ([][]byte, error)
	LoadStateDict(blobs [][]byte) error
}

// OptimizerState is implemented by optimizers whose state is checkpointed.
type OptimizerState interface {
	State() ([]byte, error)
	LoadState(data []byte) error
}

// LossScaler is implemented by mixed-precision optimizers, to report their loss scale.
type LossScaler interface {
	LossScale() float64
}

// ParamsNormer is implemented by optimizers that can report the norm of the parameters.
// ParamsNorm is a collective operation over the model-parallel group.
type ParamsNormer interface {
	ParamsNorm(ctx context.Context) (float64, error)
}

// Environment is handed to a ComponentsFactory.
type Environment struct {
	Config   config.TrainingConfig
	Topology *topology.Topology
	Comm     collective.Communicator

	// Seeds of this rank, to initialize the model.
	Seeds seed.Seeds

	// ParamScheduler drives the learning rate and weight decay used by the optimizer.
	ParamScheduler *paramsched.Scheduler

	Logger klog.Logger
}

// Components are the collaborators of the loop, built for one rank.
type Components struct {
	Model     step.Model
	Optimizer step.Optimizer

	// Data can be nil, in which case the loop has nothing to train on.
	Data Data
}

// ComponentsFactory builds the collaborators of one rank. It is called once during Setup.
type ComponentsFactory func(ctx context.Context, env Environment) (Components, error)

// Option configures Setup.
type Option func(loop *Loop)

// WithLogger sets the logger. The default is klog.Background() with the rank as a value.
func WithLogger(logger klog.Logger) Option {
	return func(loop *Loop) { loop.logger = logger }
}

// WithSink sets where scalars are reported. Usually only set on the logging rank (the last one).
func WithSink(sink metrics.Sink) Option {
	return func(loop *Loop) { loop.sink = sink }
}

// WithStorage makes checkpoints be saved to and loaded from storage, instead of the locations
// in the checkpoint configuration.
func WithStorage(storage checkpoints.Storage) Option {
	return func(loop *Loop) { loop.storage = storage }
}

// WithRunID sets the run id recorded in the checkpoints. The default is a random UUID.
func WithRunID(runID string) Option {
	return func(loop *Loop) { loop.runID = runID }
}

// WithTerminationOptions are passed to termination.NewMonitor, after the ones derived from the configuration.
func WithTerminationOptions(options ...termination.Option) Option {
	return func(loop *Loop) { loop.terminationOptions = append(loop.terminationOptions, options...) }
}

// WithClock replaces time.Now. Used for testing.
func WithClock(now func() time.Time) Option {
	return func(loop *Loop) { loop.now = now }
}

// Setup builds the loop of one rank: scheduling, the collaborators (with factory), checkpoints,
// the termination monitor and the data sources. If a checkpoint exists, training is resumed from it.
//
// Setup is a collective operation: all ranks must call it with the same configuration.
// Call Loop.Close when done.
func Setup(ctx context.Context, cfg config.TrainingConfig, topo *topology.Topology, comm collective.Communicator,
	factory ComponentsFactory, options ...Option) (loop *Loop, err error) {
	loop = newLoop(cfg, topo, comm)
	for _, option := range options {
		option(loop)
	}
	defer func() {
		if err != nil {
			loop.Close()
			loop = nil
		}
	}()

	// The wall-clock budget includes setup.
	if err = loop.setupMonitor(ctx); err != nil {
		return
	}

	var rampup *microbatches.Rampup
	if r := cfg.Batch.RampupBatchSize; len(r) == 3 {
		rampup = &microbatches.Rampup{StartSize: r[0], Increment: r[1], RampSamples: int64(r[2])}
	}
	loop.batches, err = microbatches.New(microbatches.Config{
		GlobalBatchSize:  cfg.Batch.GlobalBatchSize,
		MicroBatchSize:   cfg.Batch.MicroBatchSize,
		DataParallelSize: topo.DataParallelSize(),
		Rampup:           rampup,
	})
	if err != nil {
		return
	}
	loop.state.TrainIters = int64(cfg.Train.TrainIters)
	if cfg.IsSampleBased() {
		loop.state.TrainIters = loop.batches.TrainIters(int64(cfg.Train.TrainSamples))
	}
	if loop.params, err = paramsched.FromConfig(cfg, loop.state.TrainIters).Logger(loop.logger).Done(); err != nil {
		return
	}

	seeds, err := seed.ForRank(cfg.Train.Seed, topo, cfg.Train.DataParallelRandomInit)
	if err != nil {
		return
	}
	loop.components, err = factory(ctx, Environment{
		Config:         cfg,
		Topology:       topo,
		Comm:           comm,
		Seeds:          seeds,
		ParamScheduler: loop.params,
		Logger:         loop.logger,
	})
	if err = loop.Agree(ctx, "building model and optimizer", err); err != nil {
		return
	}
	if seeder, ok := loop.components.Model.(seed.Seeder); ok {
		if err = seed.Apply(seeder, seeds); err != nil {
			return
		}
	}

	gradSync, err := step.NewGradientSync(cfg.Parallel.GradientSync, topo, comm, cfg.Parallel.BucketSize,
		cfg.Parallel.AccumulateAllReduceGradsInFP32)
	if err != nil {
		return
	}
	loop.executor = step.NewExecutor(topo, comm, loop.components.Model, loop.components.Optimizer, gradSync,
		loop.params, loop.logger)
	shape := metrics.ModelShape{
		SeqLength:            cfg.Model.SeqLength,
		HiddenSize:           cfg.Model.HiddenSize,
		NumLayers:            cfg.Model.NumLayers,
		VocabSize:            cfg.Model.VocabSize,
		RecomputeActivations: cfg.Model.RecomputeActivations,
	}
	loop.aggregator = metrics.NewAggregator(int64(cfg.Train.LogInterval), shape, topo.WorldSize(), loop.sink,
		loop.logger).WithClock(loop.now)

	if err = loop.setupCheckpoints(ctx); err != nil {
		return
	}
	if err = loop.marker(ctx, "after model, optimizer, and learning rate scheduler are built"); err != nil {
		return
	}
	if err = loop.resume(ctx); err != nil {
		return
	}
	loop.state.GlobalBatchSize = loop.batches.GlobalBatchSize(loop.state.ConsumedTrainSamples)
	if err = loop.setupData(ctx); err != nil {
		return
	}
	if err = loop.marker(ctx, "after dataloaders are built"); err != nil {
		return
	}
	if topo.Rank() == 0 {
		loop.logger.Info("setup done", "topology", topo.String(), "train_iters", loop.state.TrainIters,
			"iteration", loop.state.Iteration, "consumed_train_samples", loop.state.ConsumedTrainSamples,
			"do_train", loop.doTrain, "do_valid", loop.doValid, "do_test", loop.doTest)
	}
	return loop, nil
}

func (loop *Loop) setupMonitor(ctx context.Context) error {
	cfg := loop.cfg.Train
	options := []termination.Option{termination.WithLogger(loop.logger), termination.WithClock(loop.now)}
	if cfg.ExitSignalHandler {
		loop.signals = termination.WatchSignals()
		options = append(options, termination.WithSignals(loop.signals))
	}
	if cfg.Autoresume && cfg.AutoresumeFile == "" {
		return errdefs.NewConfigError("autoresume_file", "required when autoresume is enabled")
	}
	// The watcher is local to the rank: its failure is agreed after the monitor's collective setup.
	var autoResumeErr error
	if cfg.Autoresume {
		loop.autoResume, autoResumeErr = termination.NewFileAutoResume(cfg.AutoresumeFile, loop.logger)
		if autoResumeErr == nil {
			options = append(options, termination.WithAutoResume(loop.autoResume))
		}
	}
	options = append(options, loop.terminationOptions...)
	var err error
	loop.monitor, err = termination.NewMonitor(ctx, loop.comm, loop.topo.WorldGroup(), termination.Config{
		ExitDuration:       cfg.ExitDuration,
		ExitInterval:       int64(cfg.ExitInterval),
		AutoResumeInterval: int64(cfg.AutoresumeInterval),
	}, options...)
	if err != nil {
		return err
	}
	return loop.Agree(ctx, "setting up autoresume", autoResumeErr)
}

// setupCheckpoints creates the handlers used to save and to load. They share the storage when the locations match.
func (loop *Loop) setupCheckpoints(ctx context.Context) error {
	ckptCfg := loop.cfg.Checkpoint
	build := func(storage checkpoints.Storage) (*checkpoints.Handler, error) {
		binFormat := checkpoints.BinUncompressed
		if ckptCfg.Compress {
			binFormat = checkpoints.BinGZIP
		}
		return checkpoints.Build(loop.topo, loop.comm).
			Storage(storage).
			Keep(ckptCfg.Keep).
			WithCompression(binFormat).
			RunID(loop.runID).
			Logger(loop.logger).
			Done()
	}
	var err error
	if loop.storage != nil {
		if loop.saver, err = build(loop.storage); err != nil {
			return err
		}
		loop.loader = loop.saver
	} else {
		if ckptCfg.Save != "" {
			storage, err := checkpoints.NewStorage(ctx, ckptCfg, ckptCfg.Save)
			if err != nil {
				return err
			}
			if loop.saver, err = build(storage); err != nil {
				return err
			}
		}
		switch loadDir := loop.cfg.LoadDir(); {
		case loadDir == "":
		case loadDir == ckptCfg.Save:
			loop.loader = loop.saver
		default:
			storage, err := checkpoints.NewStorage(ctx, ckptCfg, loadDir)
			if err != nil {
				return err
			}
			if loop.loader, err = build(storage); err != nil {
				return err
			}
		}
	}
	if loop.saver != nil {
		if _, ok := loop.components.Model.(ModelState); !ok {
			return errdefs.NewConfigError("checkpoint.save", "model %T can't be checkpointed", loop.components.Model)
		}
		loop.runID = loop.saver.RunID()
	}
	return nil
}

// setupData builds the data sources, positioned at the consumed samples counters. Only the flags of the
// first rank of each tensor-parallel group count: they are broadcast to the rest of the group.
func (loop *Loop) setupData(ctx context.Context) error {
	data := loop.components.Data
	var err error
	if data != nil {
		err = func() (err error) {
			if loop.trainSource, err = data.Train(loop.state.ConsumedTrainSamples); err != nil {
				return errors.WithMessage(err, "building training data")
			}
			if loop.validSources, err = data.Valid(loop.state.ConsumedValidSamples); err != nil {
				return errors.WithMessage(err, "building validation data")
			}
			if loop.testSource, err = data.Test(); err != nil {
				return errors.WithMessage(err, "building test data")
			}
			return nil
		}()
	}
	if err = loop.Agree(ctx, "building data sources", err); err != nil {
		return err
	}

	flags := make([]float64, 3)
	if loop.topo.Rank() == loop.topo.TensorParallelSourceRank() {
		evalIters := loop.cfg.Train.EvalIters
		flags[0] = boolToFloat(loop.trainSource != nil && loop.state.TrainIters > 0)
		flags[1] = boolToFloat(len(loop.validSources) > 0 && evalIters > 0)
		flags[2] = boolToFloat(loop.testSource != nil && evalIters > 0)
	}
	if group := loop.topo.Groups().Tensor; len(group) > 1 {
		flags, err = loop.comm.AllReduce(ctx, group, flags, collective.Max)
		if err != nil {
			return errors.WithMessage(err, "broadcasting data flags")
		}
	}
	loop.doTrain, loop.doValid, loop.doTest = flags[0] > 0, flags[1] > 0, flags[2] > 0
	return nil
}

func boolToFloat(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
