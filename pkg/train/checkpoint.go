// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package train

import (
	"context"

	"github.com/gomlx/gridtrain/pkg/errdefs"
	"github.com/gomlx/gridtrain/pkg/train/checkpoints"
	"github.com/gomlx/gridtrain/pkg/train/seed"
	"github.com/pkg/errors"
)

// save writes a checkpoint of the current iteration. It is a collective operation.
func (loop *Loop) save(ctx context.Context) error {
	previous := loop.State()
	loop.setState(StateCheckpointing)
	defer loop.setState(previous)

	st := loop.TrainingState()
	shard, rngState, err := loop.collectState()
	if err = loop.Agree(ctx, "collecting checkpoint state", err); err != nil {
		return errdefs.NewCheckpointIOError("save", st.Iteration, err)
	}
	counters := checkpoints.Counters{
		Iteration:            st.Iteration,
		ConsumedTrainSamples: st.ConsumedTrainSamples,
		ConsumedValidSamples: st.ConsumedValidSamples,
	}
	if err = loop.saver.Save(ctx, counters, shard, rngState); err != nil {
		return err
	}
	loop.lastSaved = st.Iteration
	return nil
}

func (loop *Loop) collectState() (shard *checkpoints.Shard, rngState []byte, err error) {
	shard = &checkpoints.Shard{}
	if shard.Model, err = loop.components.Model.(ModelState).StateDict(); err != nil {
		return nil, nil, errors.WithMessage(err, "model state")
	}
	if opt, ok := loop.components.Optimizer.(OptimizerState); ok {
		if shard.Optimizer, err = opt.State(); err != nil {
			return nil, nil, errors.WithMessage(err, "optimizer state")
		}
	}
	if shard.Scheduler, err = loop.params.State(); err != nil {
		return nil, nil, errors.WithMessage(err, "parameter scheduler state")
	}
	if seeder, ok := loop.components.Model.(seed.Seeder); ok {
		if rngState, err = seeder.RNGState(); err != nil {
			return nil, nil, errors.WithMessage(err, "random sources state")
		}
	}
	return shard, rngState, nil
}

// resume loads the latest checkpoint, if any, and restores the counters and the state of the collaborators.
func (loop *Loop) resume(ctx context.Context) error {
	if loop.loader == nil {
		return nil
	}
	ckpt, err := loop.loader.Load(ctx)
	if err != nil {
		return err
	}
	if ckpt == nil {
		if loop.topo.Rank() == 0 {
			loop.logger.Info("could not find a checkpoint, starting from random initialization",
				"location", loop.loader.Storage())
		}
		return nil
	}
	if err = loop.restoreCounters(ckpt.Counters); err != nil {
		return err
	}
	if err = loop.Agree(ctx, "restoring checkpoint", loop.restoreState(ckpt)); err != nil {
		return errdefs.NewCheckpointIOError("load", ckpt.Iteration, err)
	}
	if loop.loader == loop.saver && !loop.cfg.Checkpoint.Finetune {
		loop.lastSaved = ckpt.Iteration
	}
	return nil
}

// restoreCounters sets the training state from the checkpoint counters. Checkpoints from older runs may lack
// the consumed samples counters: they are derived from the iteration when the batch size is constant.
func (loop *Loop) restoreCounters(counters checkpoints.Counters) error {
	cfg := loop.cfg
	if cfg.Checkpoint.Finetune {
		if loop.topo.Rank() == 0 {
			loop.logger.Info("finetuning: starting counters from zero", "checkpoint_iteration", counters.Iteration)
		}
		return nil
	}
	iteration, train, valid := counters.Iteration, counters.ConsumedTrainSamples, counters.ConsumedValidSamples
	gbs := int64(cfg.Batch.GlobalBatchSize)
	if iteration > 0 && train == 0 {
		if cfg.IsSampleBased() || len(cfg.Batch.RampupBatchSize) > 0 {
			return errdefs.NewConfigError("consumed_train_samples",
				"checkpoint of iteration %d has no consumed samples: they can only be derived for iteration-based "+
					"training with a constant batch size", iteration)
		}
		train = iteration * gbs
	}
	if iteration > 0 && valid == 0 && !cfg.IsSampleBased() && cfg.Train.EvalInterval > 0 {
		valid = (iteration / int64(cfg.Train.EvalInterval)) * int64(cfg.Train.EvalIters) * gbs
	}
	loop.mu.Lock()
	loop.state.Iteration = iteration
	loop.state.ConsumedTrainSamples = train
	loop.state.ConsumedValidSamples = valid
	loop.mu.Unlock()
	return nil
}

// restoreState loads the collaborators' state from the checkpoint.
func (loop *Loop) restoreState(ckpt *checkpoints.Checkpoint) error {
	cfg := loop.cfg.Checkpoint
	modelState, ok := loop.components.Model.(ModelState)
	if !ok {
		return errors.Errorf("model %T can't be restored from a checkpoint", loop.components.Model)
	}
	if err := modelState.LoadStateDict(ckpt.Shard.Model); err != nil {
		return errors.WithMessage(err, "model state")
	}
	if cfg.Finetune {
		return nil
	}
	if !cfg.NoLoadOptim {
		if opt, ok := loop.components.Optimizer.(OptimizerState); ok && len(ckpt.Shard.Optimizer) > 0 {
			if err := opt.LoadState(ckpt.Shard.Optimizer); err != nil {
				return errors.WithMessage(err, "optimizer state")
			}
		}
		if len(ckpt.Shard.Scheduler) > 0 {
			if err := loop.params.LoadState(ckpt.Shard.Scheduler); err != nil {
				return err
			}
		}
	}
	if !cfg.NoLoadRNG && len(ckpt.RNG) > 0 {
		if seeder, ok := loop.components.Model.(seed.Seeder); ok {
			if err := seeder.RestoreRNGState(ckpt.RNG); err != nil {
				return errors.WithMessage(err, "random sources state")
			}
		}
	}
	return nil
}
