// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package paramsched implements the learning rate and weight decay schedules of the optimizer.
//
// The schedules are measured in consumed samples (not iterations), so they stay correct while the
// global batch size ramps up. The scheduler is only stepped after successful optimizer updates.
//
// Example:
//
//	sched, err := paramsched.New(3e-4).
//		MinLR(3e-5).
//		WarmupSteps(1_000 * globalBatchSize).
//		DecaySteps(100_000 * globalBatchSize, config.DecayCosine).
//		WeightDecay(0.01, 0.1, 100_000 * globalBatchSize, config.DecayLinear).
//		Done()
package paramsched

import (
	"encoding/json"
	"fmt"
	"math"

	"github.com/gomlx/gridtrain/pkg/config"
	"github.com/gomlx/gridtrain/pkg/errdefs"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Settings of the schedules. They are saved in checkpoints alongside the step counter.
type Settings struct {
	MaxLR       float64 `json:"max_lr"`
	MinLR       float64 `json:"min_lr"`
	WarmupSteps int64   `json:"lr_warmup_steps"`
	DecaySteps  int64   `json:"lr_decay_steps"`
	DecayStyle  string  `json:"lr_decay_style"`

	StartWD     float64 `json:"start_wd"`
	EndWD       float64 `json:"end_wd"`
	WDIncrSteps int64   `json:"wd_incr_steps"`
	WDIncrStyle string  `json:"wd_incr_style"`
}

// Builder configures a Scheduler. Create it with New, and finish with Builder.Done.
type Builder struct {
	settings      Settings
	useCheckpoint bool
	logger        klog.Logger
}

// New starts the configuration of a Scheduler with the given peak learning rate.
// By default there is no warmup, the learning rate is constant, and the weight decay is 0.
func New(maxLR float64) *Builder {
	return &Builder{
		settings: Settings{
			MaxLR:       maxLR,
			DecayStyle:  config.DecayConstant,
			WDIncrStyle: config.DecayConstant,
		},
		logger: klog.Background(),
	}
}

// MinLR sets the learning rate at the end of the decay. Defaults to 0.
func (b *Builder) MinLR(minLR float64) *Builder {
	b.settings.MinLR = minLR
	return b
}

// WarmupSteps sets the number of samples during which the learning rate increases linearly from 0.
func (b *Builder) WarmupSteps(steps int64) *Builder {
	b.settings.WarmupSteps = steps
	return b
}

// DecaySteps sets the number of samples (warmup included) at the end of which the learning rate reaches MinLR,
// and the decay style: one of config.DecayConstant, config.DecayLinear, config.DecayCosine or
// config.DecayInverseSquareRoot.
func (b *Builder) DecaySteps(steps int64, style string) *Builder {
	b.settings.DecaySteps = steps
	b.settings.DecayStyle = style
	return b
}

// WeightDecay configures the weight decay to go from start to end over incrSteps samples, with the given style:
// one of config.DecayConstant (start must equal end), config.DecayLinear or config.DecayCosine.
func (b *Builder) WeightDecay(start, end float64, incrSteps int64, style string) *Builder {
	b.settings.StartWD = start
	b.settings.EndWD = end
	b.settings.WDIncrSteps = incrSteps
	b.settings.WDIncrStyle = style
	return b
}

// UseCheckpointSettings makes Scheduler.LoadState take the settings stored in the checkpoint,
// instead of keeping the configured ones.
func (b *Builder) UseCheckpointSettings(use bool) *Builder {
	b.useCheckpoint = use
	return b
}

// Logger sets the logger used to report settings overridden when loading a checkpoint.
// Defaults to klog.Background().
func (b *Builder) Logger(logger klog.Logger) *Builder {
	b.logger = logger
	return b
}

// FromConfig configures the builder from the optimizer configuration. trainIters is the total number of
// iterations (already derived from train_samples for sample-based training).
func FromConfig(cfg config.TrainingConfig, trainIters int64) *Builder {
	opt := cfg.Optimizer
	gbs := int64(cfg.Batch.GlobalBatchSize)
	var decaySteps, wdIncrSteps, warmupSteps int64
	if cfg.IsSampleBased() {
		decaySteps = int64(cfg.Train.TrainSamples)
		if opt.LRDecaySamples > 0 {
			decaySteps = int64(opt.LRDecaySamples)
		}
		wdIncrSteps = int64(cfg.Train.TrainSamples)
		warmupSteps = int64(opt.LRWarmupSamples)
	} else {
		decayIters := trainIters
		if opt.LRDecayIters > 0 {
			decayIters = int64(opt.LRDecayIters)
		}
		decaySteps = decayIters * gbs
		wdIncrSteps = trainIters * gbs
		warmupSteps = int64(opt.LRWarmupIters) * gbs
	}
	if opt.LRWarmupFraction > 0 {
		warmupSteps = int64(opt.LRWarmupFraction * float64(decaySteps))
	}
	return New(opt.LR).
		MinLR(opt.MinLR).
		WarmupSteps(warmupSteps).
		DecaySteps(decaySteps, opt.LRDecayStyle).
		WeightDecay(opt.StartWeightDecay, opt.EndWeightDecay, wdIncrSteps, opt.WeightDecayIncrStyle).
		UseCheckpointSettings(opt.UseCheckpointScheduler)
}

// Done validates the configuration and returns the Scheduler, starting at step 0.
func (b *Builder) Done() (*Scheduler, error) {
	if err := b.settings.validate(); err != nil {
		return nil, err
	}
	s := &Scheduler{settings: b.settings, useCheckpoint: b.useCheckpoint, logger: b.logger}
	s.update()
	return s, nil
}

func (s Settings) validate() error {
	if s.MaxLR < 0 || s.MinLR < 0 || s.MinLR > s.MaxLR {
		return errdefs.NewConfigError("lr", "requires 0 <= min_lr (%g) <= lr (%g)", s.MinLR, s.MaxLR)
	}
	switch s.DecayStyle {
	case config.DecayConstant, config.DecayInverseSquareRoot:
	case config.DecayLinear, config.DecayCosine:
		if s.DecaySteps <= 0 {
			return errdefs.NewConfigError("lr_decay_iters", "decay steps must be positive, got %d", s.DecaySteps)
		}
	default:
		return errdefs.NewConfigError("lr_decay_style", "unknown style %q", s.DecayStyle)
	}
	if s.WarmupSteps < 0 || (s.DecaySteps > 0 && s.WarmupSteps >= s.DecaySteps) {
		return errdefs.NewConfigError("lr_warmup_iters", "warmup steps (%d) must be in [0, decay steps (%d))",
			s.WarmupSteps, s.DecaySteps)
	}
	switch s.WDIncrStyle {
	case config.DecayConstant:
		if s.StartWD != s.EndWD {
			return errdefs.NewConfigError("weight_decay_incr_style",
				"constant weight decay requires start (%g) == end (%g)", s.StartWD, s.EndWD)
		}
	case config.DecayLinear, config.DecayCosine:
		if s.WDIncrSteps <= 0 {
			return errdefs.NewConfigError("weight_decay_incr_style", "increment steps must be positive, got %d",
				s.WDIncrSteps)
		}
	default:
		return errdefs.NewConfigError("weight_decay_incr_style", "unknown style %q", s.WDIncrStyle)
	}
	return nil
}

// Scheduler holds the current learning rate and weight decay, as a function of the consumed samples
// of successful updates.
type Scheduler struct {
	settings      Settings
	useCheckpoint bool
	logger        klog.Logger

	numSteps int64
	lr, wd   float64
}

// Step advances the scheduler by increment samples.
func (s *Scheduler) Step(increment int64) {
	s.numSteps += increment
	s.update()
}

func (s *Scheduler) update() {
	s.lr = s.settings.learningRate(s.numSteps)
	s.wd = s.settings.weightDecay(s.numSteps)
}

// NumSteps returns the number of samples the scheduler has been stepped by.
func (s *Scheduler) NumSteps() int64 { return s.numSteps }

// LearningRate in effect.
func (s *Scheduler) LearningRate() float64 { return s.lr }

// WeightDecay in effect.
func (s *Scheduler) WeightDecay() float64 { return s.wd }

// Settings returns the settings of the schedules.
func (s *Scheduler) Settings() Settings { return s.settings }

func (s Settings) learningRate(numSteps int64) float64 {
	if s.WarmupSteps > 0 && numSteps <= s.WarmupSteps {
		return s.MaxLR * float64(numSteps) / float64(s.WarmupSteps)
	}
	if s.DecayStyle == config.DecayConstant {
		return s.MaxLR
	}
	if s.DecayStyle == config.DecayInverseSquareRoot {
		warmup := math.Max(float64(s.WarmupSteps), 1)
		steps := math.Max(float64(numSteps), 1)
		return math.Max(s.MinLR, s.MaxLR*math.Sqrt(warmup)/math.Sqrt(steps))
	}
	if numSteps > s.DecaySteps {
		return s.MinLR
	}
	ratio := float64(numSteps-s.WarmupSteps) / float64(s.DecaySteps-s.WarmupSteps)
	var coeff float64
	if s.DecayStyle == config.DecayLinear {
		coeff = 1 - ratio
	} else {
		coeff = 0.5 * (math.Cos(math.Pi*ratio) + 1)
	}
	return s.MinLR + coeff*(s.MaxLR-s.MinLR)
}

func (s Settings) weightDecay(numSteps int64) float64 {
	if s.WDIncrStyle == config.DecayConstant || numSteps > s.WDIncrSteps {
		return s.EndWD
	}
	ratio := float64(numSteps) / float64(s.WDIncrSteps)
	var coeff float64
	if s.WDIncrStyle == config.DecayLinear {
		coeff = ratio
	} else {
		coeff = 0.5 * (math.Cos(math.Pi*(1-ratio)) + 1)
	}
	return s.StartWD + coeff*(s.EndWD-s.StartWD)
}

type state struct {
	Settings
	NumSteps int64 `json:"num_steps"`
}

// State serializes the scheduler, to be saved in checkpoints.
func (s *Scheduler) State() ([]byte, error) {
	return json.Marshal(state{Settings: s.settings, NumSteps: s.numSteps})
}

// LoadState restores the step counter saved by State. The settings saved are used only if
// the builder was configured with UseCheckpointSettings, otherwise differences are logged.
func (s *Scheduler) LoadState(data []byte) error {
	var st state
	if err := json.Unmarshal(data, &st); err != nil {
		return errors.Wrap(err, "parsing optimizer parameter scheduler state")
	}
	if s.useCheckpoint {
		if err := st.Settings.validate(); err != nil {
			return errors.WithMessage(err, "optimizer parameter scheduler settings from checkpoint")
		}
		s.settings = st.Settings
	} else if st.Settings != s.settings {
		s.logger.Info("optimizer parameter scheduler: overriding checkpoint settings",
			"checkpoint", fmt.Sprintf("%+v", st.Settings), "configured", fmt.Sprintf("%+v", s.settings))
	}
	s.numSteps = st.NumSteps
	s.update()
	return nil
}
