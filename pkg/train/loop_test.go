// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package train_test

import (
	"context"
	"path/filepath"
	"slices"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/gomlx/gridtrain/internal/toymodel"
	"github.com/gomlx/gridtrain/pkg/config"
	"github.com/gomlx/gridtrain/pkg/distributed/collective"
	"github.com/gomlx/gridtrain/pkg/distributed/topology"
	"github.com/gomlx/gridtrain/pkg/errdefs"
	"github.com/gomlx/gridtrain/pkg/train"
	"github.com/gomlx/gridtrain/pkg/train/checkpoints"
	"github.com/gomlx/gridtrain/pkg/train/microbatches"
	"github.com/gomlx/gridtrain/pkg/train/paramsched"
	"github.com/gomlx/gridtrain/pkg/train/seed"
	"github.com/gomlx/gridtrain/pkg/train/step"
	"github.com/gomlx/gridtrain/pkg/train/termination"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var factoryOptions = toymodel.FactoryOptions{
	Model:        toymodel.Options{NumFeatures: 8},
	Momentum:     0.5,
	ValidSamples: 64,
	TestSamples:  32,
	DataSeed:     3,
}

// testConfig trains for 6 iterations of 8 samples, evaluating every 3 and saving every 4.
func testConfig(t *testing.T) config.TrainingConfig {
	cfg := config.Default()
	cfg.Batch.MicroBatchSize = 2
	cfg.Batch.GlobalBatchSize = 8
	cfg.Train.TrainIters = 6
	cfg.Train.EvalInterval = 3
	cfg.Train.EvalIters = 2
	cfg.Train.LogInterval = 2
	cfg.Train.SaveInterval = 4
	cfg.Optimizer.LR = 0.05
	cfg.Optimizer.LRDecayStyle = config.DecayConstant
	cfg.Optimizer.StartWeightDecay, cfg.Optimizer.EndWeightDecay = 0, 0
	cfg.Checkpoint.Save = t.TempDir()
	cfg.Model = config.ModelConfig{}
	require.NoError(t, cfg.Validate())
	return cfg
}

type point struct {
	value float64
	step  int64
}

// recordingSink keeps every reported scalar.
type recordingSink struct {
	mu      sync.Mutex
	scalars map[string][]point
}

func newRecordingSink() *recordingSink {
	return &recordingSink{scalars: make(map[string][]point)}
}

func (s *recordingSink) AddScalar(name string, value float64, step int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scalars[name] = append(s.scalars[name], point{value, step})
	return nil
}

func (s *recordingSink) steps(name string) []int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	var steps []int64
	for _, p := range s.scalars[name] {
		steps = append(steps, p.step)
	}
	return steps
}

type rankRun struct {
	loop   *train.Loop
	model  *toymodel.Model
	params *paramsched.Scheduler
	status train.ExitStatus
	err    error
}

// world describes the ranks of a test run.
type world struct {
	tensorParallel, pipelineParallel, size int

	// options for each rank, optional.
	options func(rank int) []train.Option

	// prepare is called on each rank between Setup and Run, optional.
	prepare func(loop *train.Loop, model *toymodel.Model)
}

var singleRank = world{tensorParallel: 1, pipelineParallel: 1, size: 1}

// runWorld sets up and runs the loop on every rank of w, concurrently.
func runWorld(t *testing.T, cfg config.TrainingConfig, w world) []*rankRun {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	comms := collective.NewLocalWorld(w.size)
	runs := make([]*rankRun, w.size)
	var wg sync.WaitGroup
	for rank := range w.size {
		topo, err := topology.New(topology.Config{Rank: rank, WorldSize: w.size,
			TensorParallelSize: w.tensorParallel, PipelineParallelSize: w.pipelineParallel})
		require.NoError(t, err)
		run := &rankRun{}
		runs[rank] = run
		factory := toymodel.NewFactory(factoryOptions)
		recordModel := func(ctx context.Context, env train.Environment) (train.Components, error) {
			components, err := factory(ctx, env)
			if err == nil {
				run.model = components.Model.(*toymodel.Model)
				run.params = env.ParamScheduler
			}
			return components, err
		}
		options := []train.Option{train.WithLogger(logr.Discard())}
		if w.options != nil {
			options = append(options, w.options(rank)...)
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			run.loop, run.err = train.Setup(ctx, cfg, topo, comms[rank], recordModel, options...)
			if run.err != nil {
				return
			}
			defer run.loop.Close()
			if w.prepare != nil {
				w.prepare(run.loop, run.model)
			}
			run.status, run.err = run.loop.Run(ctx)
		}()
	}
	wg.Wait()
	return runs
}

func listCheckpoints(t *testing.T, location string) []int64 {
	ctx := context.Background()
	storage, err := checkpoints.NewDirStorage(location)
	require.NoError(t, err)
	topo, err := topology.New(topology.Config{Rank: 0, WorldSize: 1, TensorParallelSize: 1, PipelineParallelSize: 1})
	require.NoError(t, err)
	handler, err := checkpoints.Build(topo, collective.NewLocalWorld(1)[0]).Storage(storage).Done()
	require.NoError(t, err)
	iterations, err := handler.ListIterations(ctx)
	require.NoError(t, err)
	return iterations
}

func TestTrainingCompletes(t *testing.T) {
	cfg := testConfig(t)
	cfg.Train.DoTest = true
	sink := newRecordingSink()
	runs := runWorld(t, cfg, world{tensorParallel: 1, pipelineParallel: 1, size: 1,
		options: func(int) []train.Option {
			return []train.Option{train.WithSink(sink), train.WithRunID("run-1")}
		}})
	run := runs[0]
	require.NoError(t, run.err)

	assert.False(t, run.status.Terminated())
	assert.Equal(t, int64(6), run.status.Iteration)
	assert.Equal(t, train.StateDone, run.loop.State())
	assert.Equal(t, "run-1", run.loop.RunID())
	st := run.loop.TrainingState()
	assert.Equal(t, int64(6), st.Iteration)
	assert.Equal(t, int64(48), st.ConsumedTrainSamples)
	assert.Equal(t, 8, st.GlobalBatchSize)
	// Validation at iterations 3 and 6 and at the end of training, plus the test pass: 2 iterations of 8 samples each.
	assert.Equal(t, int64(64), st.ConsumedValidSamples)
	assert.Len(t, run.loop.StepDurations, 6)

	// Saved at the save interval and at the end of training.
	assert.Equal(t, []int64{4, 6}, listCheckpoints(t, cfg.Checkpoint.Save))

	assert.Equal(t, []int64{1, 2, 3, 4, 5, 6}, sink.steps(toymodel.LossKey))
	assert.Equal(t, []int64{8, 16, 24, 32, 40, 48}, sink.steps(toymodel.LossKey+" vs samples"))
	assert.Equal(t, []int64{2, 4, 6}, sink.steps("params-norm"))
	assert.Equal(t, []int64{3, 6, 6}, sink.steps(toymodel.LossKey+" validation"))
	assert.Equal(t, []int64{3, 6, 6}, sink.steps(toymodel.LossKey+" validation ppl"))
	assert.Equal(t, []int64{6}, sink.steps(toymodel.LossKey+" test"))
	for _, p := range sink.scalars["learning-rate"] {
		assert.InDelta(t, 0.05, p.value, 1e-12)
	}

	status := run.loop.Status()
	assert.Equal(t, "Done", status.State)
	assert.Equal(t, int64(6), status.Iteration)
	assert.Contains(t, status.LastLosses, toymodel.LossKey)
}

func TestHooks(t *testing.T) {
	cfg := testConfig(t)
	var calls []string
	var everyTwo []int64
	var endStatus train.ExitStatus
	runs := runWorld(t, cfg, world{tensorParallel: 1, pipelineParallel: 1, size: 1,
		prepare: func(loop *train.Loop, _ *toymodel.Model) {
			loop.OnStart("second", 1, func(*train.Loop) error {
				calls = append(calls, "second")
				return nil
			})
			loop.OnStart("first", -1, func(*train.Loop) error {
				calls = append(calls, "first")
				return nil
			})
			train.EveryNSteps(loop, 2, "record", 0, func(loop *train.Loop, result step.Result) error {
				everyTwo = append(everyTwo, loop.TrainingState().Iteration)
				assert.Equal(t, 4, result.Plan.NumMicrobatches)
				return nil
			})
			loop.OnEnd("end", 0, func(loop *train.Loop, status train.ExitStatus) error {
				endStatus = status
				return nil
			})
		}})
	require.NoError(t, runs[0].err)
	assert.Equal(t, []string{"first", "second"}, calls)
	assert.Equal(t, []int64{2, 4, 6}, everyTwo)
	assert.Equal(t, int64(6), endStatus.Iteration)

	cfg = testConfig(t)
	runs = runWorld(t, cfg, world{tensorParallel: 1, pipelineParallel: 1, size: 1,
		prepare: func(loop *train.Loop, _ *toymodel.Model) {
			loop.OnStep("failing", 0, func(loop *train.Loop, _ step.Result) error {
				if loop.TrainingState().Iteration == 2 {
					return errors.New("out of budget")
				}
				return nil
			})
		}})
	require.Error(t, runs[0].err)
	assert.Contains(t, runs[0].err.Error(), "failing")
	assert.Contains(t, runs[0].err.Error(), "out of budget")
}

// fakeSignals is a termination.SignalSource that can be triggered by the test.
type fakeSignals struct {
	received atomic.Bool
}

func (s *fakeSignals) Received() bool { return s.received.Load() }

func TestSignalOnOneRankStopsAll(t *testing.T) {
	cfg := testConfig(t)
	signals := make([]*fakeSignals, 2)
	runs := runWorld(t, cfg, world{tensorParallel: 1, pipelineParallel: 1, size: 2,
		options: func(rank int) []train.Option {
			signals[rank] = &fakeSignals{}
			return []train.Option{train.WithTerminationOptions(termination.WithSignals(signals[rank]))}
		},
		prepare: func(loop *train.Loop, _ *toymodel.Model) {
			if loop.Topology().Rank() != 1 {
				return
			}
			loop.OnStep("signal", 0, func(loop *train.Loop, _ step.Result) error {
				if loop.TrainingState().Iteration == 2 {
					signals[1].received.Store(true)
				}
				return nil
			})
		}})
	for rank, run := range runs {
		require.NoError(t, run.err, "rank %d", rank)
		assert.True(t, run.status.Terminated(), "rank %d", rank)
		assert.Equal(t, termination.ReasonSignal, run.status.Reason, "rank %d", rank)
		assert.Equal(t, int64(2), run.status.Iteration, "rank %d", rank)
		// No evaluation at exit.
		assert.Equal(t, int64(0), run.loop.TrainingState().ConsumedValidSamples, "rank %d", rank)
	}
	assert.Equal(t, []int64{2}, listCheckpoints(t, cfg.Checkpoint.Save))
}

func TestResumeMatchesUninterruptedRun(t *testing.T) {
	testCases := []struct {
		name  string
		world world
		setup func(cfg *config.TrainingConfig)
	}{
		{
			name:  "pipeline and data parallel with batch size rampup",
			world: world{tensorParallel: 1, pipelineParallel: 2, size: 4},
			setup: func(cfg *config.TrainingConfig) {
				cfg.Batch.GlobalBatchSize = 16
				cfg.Batch.RampupBatchSize = []int{4, 4, 32}
			},
		},
		{
			name:  "tensor and pipeline parallel",
			world: world{tensorParallel: 2, pipelineParallel: 2, size: 4},
		},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			newConfig := func() config.TrainingConfig {
				cfg := testConfig(t)
				cfg.Train.TrainIters = 10
				cfg.Train.EvalInterval = 5
				cfg.Train.EvalIters = 1
				cfg.Train.SaveInterval = 0
				if tc.setup != nil {
					tc.setup(&cfg)
				}
				return cfg
			}
			// Dropout makes the result depend on the restored random state.
			previous := factoryOptions
			factoryOptions.Model.Dropout = 0.1
			defer func() { factoryOptions = previous }()

			uninterrupted := runWorld(t, newConfig(), tc.world)

			cfg := newConfig()
			cfg.Train.ExitInterval = 3
			first := runWorld(t, cfg, tc.world)
			for rank, run := range first {
				require.NoError(t, run.err, "rank %d", rank)
				assert.Equal(t, termination.ReasonExitInterval, run.status.Reason)
				assert.Equal(t, int64(3), run.status.Iteration)
			}
			cfg.Train.ExitInterval = 0
			resumed := runWorld(t, cfg, tc.world)
			assert.Equal(t, []int64{3, 10}, listCheckpoints(t, cfg.Checkpoint.Save))

			for rank := range tc.world.size {
				require.NoError(t, uninterrupted[rank].err, "rank %d", rank)
				require.NoError(t, resumed[rank].err, "rank %d", rank)
				assert.Equal(t, uninterrupted[rank].loop.TrainingState(), resumed[rank].loop.TrainingState(),
					"rank %d", rank)
				wantW, wantB, wantG := uninterrupted[rank].model.Parameters()
				w, b, g := resumed[rank].model.Parameters()
				assert.InDeltaSlice(t, wantW, w, 1e-12, "rank %d", rank)
				assert.InDelta(t, wantB, b, 1e-12, "rank %d", rank)
				assert.InDelta(t, wantG, g, 1e-12, "rank %d", rank)
			}
		})
	}
}

func TestFinetune(t *testing.T) {
	pretrain := testConfig(t)
	runs := runWorld(t, pretrain, singleRank)
	require.NoError(t, runs[0].err)
	pretrainedW, _, _ := runs[0].model.Parameters()

	cfg := testConfig(t)
	cfg.Train.TrainIters = 2
	cfg.Checkpoint.Load = pretrain.Checkpoint.Save
	cfg.Checkpoint.Finetune = true
	var startW []float64
	var startState train.TrainingState
	runs = runWorld(t, cfg, world{tensorParallel: 1, pipelineParallel: 1, size: 1,
		prepare: func(loop *train.Loop, model *toymodel.Model) {
			startState = loop.TrainingState()
			startW, _, _ = model.Parameters()
		},
	})
	require.NoError(t, runs[0].err)
	assert.Equal(t, pretrainedW, startW)
	assert.Equal(t, int64(0), startState.Iteration)
	assert.Equal(t, int64(0), startState.ConsumedTrainSamples)
	assert.Equal(t, int64(2), runs[0].loop.TrainingState().Iteration)
	assert.Equal(t, []int64{2}, listCheckpoints(t, cfg.Checkpoint.Save))
	assert.Equal(t, []int64{4, 6}, listCheckpoints(t, pretrain.Checkpoint.Save))
	finalW, _, _ := runs[0].model.Parameters()
	assert.NotEqual(t, pretrainedW, finalW)
}

// TestSkippedUpdatesConsumeSamples: iterations whose update overflows still consume their global batch,
// while the parameter scheduler only advances on the successful ones.
func TestSkippedUpdatesConsumeSamples(t *testing.T) {
	cfg := testConfig(t)
	cfg.Train.TrainIters = 10
	cfg.Train.EvalInterval = 0
	cfg.Train.SaveInterval = 0
	cfg.Batch.GlobalBatchSize = 16
	cfg.Batch.RampupBatchSize = []int{4, 4, 32}
	previous := factoryOptions
	factoryOptions.Model.InjectOverflowEvery = 3
	defer func() { factoryOptions = previous }()

	runs := runWorld(t, cfg, world{tensorParallel: 1, pipelineParallel: 2, size: 4})

	batches, err := microbatches.New(microbatches.Config{GlobalBatchSize: 16, MicroBatchSize: 2, DataParallelSize: 2,
		Rampup: &microbatches.Rampup{StartSize: 4, Increment: 4, RampSamples: 32}})
	require.NoError(t, err)
	var consumed, updated int64
	for iteration := int64(1); iteration <= 10; iteration++ {
		plan, next := batches.Advance(consumed)
		if iteration%3 != 0 {
			updated += int64(plan.GlobalBatchSize)
		}
		consumed = next
	}
	require.Less(t, updated, consumed)

	for rank, run := range runs {
		require.NoError(t, run.err, "rank %d", rank)
		status := run.loop.Status()
		assert.Equal(t, int64(10), status.Iteration, "rank %d", rank)
		assert.Equal(t, consumed, status.ConsumedTrainSamples, "rank %d", rank)
		assert.Equal(t, int64(3), status.SkippedIterations, "rank %d", rank)
		assert.Equal(t, int64(0), status.NaNIterations, "rank %d", rank)
		assert.Equal(t, updated, run.params.NumSteps(), "rank %d", rank)
	}
}

// TestCountersFromIteration resumes from a checkpoint without consumed samples counters.
func TestCountersFromIteration(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)
	topo, err := topology.New(topology.Config{Rank: 0, WorldSize: 1, TensorParallelSize: 1, PipelineParallelSize: 1})
	require.NoError(t, err)
	comm := collective.NewLocalWorld(1)[0]

	storage, err := checkpoints.NewDirStorage(cfg.Checkpoint.Save)
	require.NoError(t, err)
	handler, err := checkpoints.Build(topo, comm).Storage(storage).Logger(logr.Discard()).Done()
	require.NoError(t, err)
	seeds, err := seed.ForRank(1, topo, false)
	require.NoError(t, err)
	model, err := toymodel.New(topo, comm, toymodel.Options{NumFeatures: 8}, seeds)
	require.NoError(t, err)
	blobs, err := model.StateDict()
	require.NoError(t, err)
	require.NoError(t, handler.Save(ctx, checkpoints.Counters{Iteration: 4}, &checkpoints.Shard{Model: blobs}, nil))

	loop, err := train.Setup(ctx, cfg, topo, comm, toymodel.NewFactory(factoryOptions), train.WithLogger(logr.Discard()))
	require.NoError(t, err)
	st := loop.TrainingState()
	loop.Close()
	assert.Equal(t, int64(4), st.Iteration)
	assert.Equal(t, int64(4*8), st.ConsumedTrainSamples)
	// One evaluation (at iteration 3) of eval_iters=2 batches of 8.
	assert.Equal(t, int64(16), st.ConsumedValidSamples)

	// Can't be derived when training is measured in samples.
	cfg.Train.TrainIters, cfg.Train.TrainSamples = 0, 100
	_, err = train.Setup(ctx, cfg, topo, comm, toymodel.NewFactory(factoryOptions), train.WithLogger(logr.Discard()))
	require.Error(t, err)
	assert.True(t, errdefs.IsConfig(err), "got %+v", err)
}

func TestSetupErrorsAreAgreed(t *testing.T) {
	cfg := testConfig(t)
	comms := collective.NewLocalWorld(2)
	errs := make([]error, 2)
	var wg sync.WaitGroup
	for rank := range 2 {
		topo, err := topology.New(topology.Config{Rank: rank, WorldSize: 2, TensorParallelSize: 1,
			PipelineParallelSize: 1})
		require.NoError(t, err)
		factory := toymodel.NewFactory(factoryOptions)
		failOnRank1 := func(ctx context.Context, env train.Environment) (train.Components, error) {
			if env.Topology.Rank() == 1 {
				return train.Components{}, errors.New("out of memory")
			}
			return factory(ctx, env)
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			var loop *train.Loop
			loop, errs[rank] = train.Setup(context.Background(), cfg, topo, comms[rank], failOnRank1,
				train.WithLogger(logr.Discard()))
			assert.Nil(t, loop)
		}()
	}
	wg.Wait()
	require.Error(t, errs[0])
	assert.Contains(t, errs[0].Error(), "failed on another rank")
	require.Error(t, errs[1])
	assert.Contains(t, errs[1].Error(), "out of memory")
}

// TestAutoResumeSetupErrorIsAgreed: the autoresume watcher fails on one rank only.
func TestAutoResumeSetupErrorIsAgreed(t *testing.T) {
	comms := collective.NewLocalWorld(2)
	errs := make([]error, 2)
	var wg sync.WaitGroup
	for rank := range 2 {
		topo, err := topology.New(topology.Config{Rank: rank, WorldSize: 2, TensorParallelSize: 1,
			PipelineParallelSize: 1})
		require.NoError(t, err)
		cfg := testConfig(t)
		cfg.Train.Autoresume = true
		cfg.Train.AutoresumeFile = filepath.Join(t.TempDir(), "autoresume")
		if rank == 1 {
			cfg.Train.AutoresumeFile = filepath.Join(t.TempDir(), "missing", "autoresume")
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			var loop *train.Loop
			loop, errs[rank] = train.Setup(ctx, cfg, topo, comms[rank], toymodel.NewFactory(factoryOptions),
				train.WithLogger(logr.Discard()))
			assert.Nil(t, loop)
		}()
	}
	wg.Wait()
	require.Error(t, errs[0])
	assert.Contains(t, errs[0].Error(), "setting up autoresume failed on another rank")
	require.Error(t, errs[1])
	assert.Contains(t, errs[1].Error(), "watching")
	assert.NotErrorIs(t, errs[1], context.DeadlineExceeded)
}

func TestPerplexity(t *testing.T) {
	assert.InDelta(t, 1.0, train.Perplexity(0), 1e-12)
	assert.Equal(t, train.Perplexity(train.MaxPerplexityExponent), train.Perplexity(1000))
	assert.True(t, slices.IsSorted([]float64{train.Perplexity(0.5), train.Perplexity(1), train.Perplexity(2)}))
}
