// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package config defines TrainingConfig, the immutable configuration of a training run,
// and loads it from a YAML file plus GRIDTRAIN_* environment variables.
//
// The configuration is built once at startup and handed to the components that need it.
// Run-time counters live in train.State, never here.
package config

import (
	"slices"
	"strings"
	"time"

	"github.com/gomlx/gridtrain/pkg/errdefs"
	"github.com/pkg/errors"
	"github.com/spf13/viper"
)

// EnvPrefix is the prefix of environment variables overriding configuration values,
// e.g.: GRIDTRAIN_TRAIN_SEED=7 overrides train.seed.
const EnvPrefix = "GRIDTRAIN"

// TrainingConfig is the complete configuration of a training run.
type TrainingConfig struct {
	Parallel      ParallelConfig      `mapstructure:"parallel"`
	Batch         BatchConfig         `mapstructure:"batch"`
	Train         TrainConfig         `mapstructure:"train"`
	Optimizer     OptimizerConfig     `mapstructure:"optimizer"`
	Checkpoint    CheckpointConfig    `mapstructure:"checkpoint"`
	Observability ObservabilityConfig `mapstructure:"observability"`
	Model         ModelConfig         `mapstructure:"model"`
}

// Gradient synchronization strategies.
const (
	GradientSyncReplica = "replica"
	GradientSyncLocal   = "local"
)

// ParallelConfig describes how the model is split across ranks.
type ParallelConfig struct {
	TensorParallelSize   int `mapstructure:"tensor_model_parallel_size"`
	PipelineParallelSize int `mapstructure:"pipeline_model_parallel_size"`

	// VirtualPipelineSize is the number of model chunks per pipeline rank. 0 disables it.
	VirtualPipelineSize int `mapstructure:"virtual_pipeline_model_parallel_size"`

	// PipelineSplitRank is where the decoder starts for encoder-decoder models. 0 disables it.
	PipelineSplitRank int `mapstructure:"pipeline_model_parallel_split_rank"`

	// GradientSync is either "replica" or "local".
	GradientSync string `mapstructure:"gradient_sync"`

	// BucketSize is the number of gradient values per all-reduce for the "local" strategy.
	BucketSize int `mapstructure:"bucket_size"`

	// AccumulateAllReduceGradsInFP32 only affects the "local" strategy.
	AccumulateAllReduceGradsInFP32 bool `mapstructure:"accumulate_allreduce_grads_in_fp32"`
}

// BatchConfig holds the batch sizes.
type BatchConfig struct {
	MicroBatchSize  int `mapstructure:"micro_batch_size"`
	GlobalBatchSize int `mapstructure:"global_batch_size"`

	// RampupBatchSize is either empty or [start_size, increment, ramp_samples].
	RampupBatchSize []int `mapstructure:"rampup_batch_size"`
}

// TrainConfig holds the cadences and budgets of the training loop.
type TrainConfig struct {
	// Exactly one of TrainIters or TrainSamples must be set.
	TrainIters   int `mapstructure:"train_iters"`
	TrainSamples int `mapstructure:"train_samples"`

	EvalInterval int `mapstructure:"eval_interval"`
	EvalIters    int `mapstructure:"eval_iters"`
	LogInterval  int `mapstructure:"log_interval"`
	SaveInterval int `mapstructure:"save_interval"`

	// ExitInterval exits (after a checkpoint) when the iteration is a multiple of it. 0 disables it.
	ExitInterval int `mapstructure:"exit_interval"`

	// ExitDuration is the wall-clock budget of the run. 0 disables it.
	ExitDuration time.Duration `mapstructure:"exit_duration"`

	// ExitSignalHandler makes SIGTERM/SIGINT trigger a checkpoint and exit.
	ExitSignalHandler bool `mapstructure:"exit_signal_handler"`

	Seed                   int64 `mapstructure:"seed"`
	DataParallelRandomInit bool  `mapstructure:"data_parallel_random_init"`

	// Autoresume polls an external preemption service every AutoresumeInterval iterations.
	// AutoresumeFile is the marker file the service creates to request termination.
	Autoresume         bool   `mapstructure:"adlr_autoresume"`
	AutoresumeInterval int    `mapstructure:"adlr_autoresume_interval"`
	AutoresumeFile     string `mapstructure:"autoresume_file"`

	// DoTest runs a test pass after training, if a test source is given.
	DoTest bool `mapstructure:"do_test"`
}

// Learning rate decay styles.
const (
	DecayConstant          = "constant"
	DecayLinear            = "linear"
	DecayCosine            = "cosine"
	DecayInverseSquareRoot = "inverse-square-root"
)

// OptimizerConfig holds the learning rate and weight decay schedules.
type OptimizerConfig struct {
	LR               float64 `mapstructure:"lr"`
	MinLR            float64 `mapstructure:"min_lr"`
	LRDecayStyle     string  `mapstructure:"lr_decay_style"`
	LRDecayIters     int     `mapstructure:"lr_decay_iters"`
	LRDecaySamples   int     `mapstructure:"lr_decay_samples"`
	LRWarmupFraction float64 `mapstructure:"lr_warmup_fraction"`
	LRWarmupIters    int     `mapstructure:"lr_warmup_iters"`
	LRWarmupSamples  int     `mapstructure:"lr_warmup_samples"`

	StartWeightDecay     float64 `mapstructure:"start_weight_decay"`
	EndWeightDecay       float64 `mapstructure:"end_weight_decay"`
	WeightDecayIncrStyle string  `mapstructure:"weight_decay_incr_style"`

	// UseCheckpointScheduler takes the scheduler settings from the checkpoint instead of this configuration.
	UseCheckpointScheduler bool `mapstructure:"use_checkpoint_opt_param_scheduler"`

	// InitialLossScale for mixed-precision loss scaling. 0 disables dynamic loss scaling.
	InitialLossScale float64 `mapstructure:"initial_loss_scale"`
}

// Checkpoint storage backends.
const (
	StorageDir = "dir"
	StorageS3  = "s3"
)

// CheckpointConfig holds where and how checkpoints are written and read.
type CheckpointConfig struct {
	// Save is the location where checkpoints are written. Empty disables saving.
	Save string `mapstructure:"save"`

	// Load is the location to resume from. Empty defaults to Save.
	Load string `mapstructure:"load"`

	// Keep is the number of most recent checkpoints kept. 0 keeps all.
	Keep int `mapstructure:"keep"`

	// Storage is either "dir" or "s3".
	Storage  string `mapstructure:"storage"`
	S3Bucket string `mapstructure:"s3_bucket"`
	S3Region string `mapstructure:"s3_region"`

	// Compress shard files with gzip.
	Compress bool `mapstructure:"compress"`

	NoLoadOptim bool `mapstructure:"no_load_optim"`
	NoLoadRNG   bool `mapstructure:"no_load_rng"`

	// Finetune loads only the model, and starts counters from zero.
	Finetune bool `mapstructure:"finetune"`
}

// ObservabilityConfig selects the metric sinks and the status endpoint.
type ObservabilityConfig struct {
	// PointsFile is a JSON lines file where logged scalars are appended. Empty disables it.
	PointsFile string `mapstructure:"points_file"`

	// Prometheus exports logged scalars as gauges.
	Prometheus bool `mapstructure:"prometheus"`

	// StatusAddr is the address of the HTTP status server, e.g.: ":8080". Empty disables it.
	StatusAddr string `mapstructure:"status_addr"`

	// ProgressBar shows a progress bar on the terminal of the logging rank.
	ProgressBar bool `mapstructure:"progress_bar"`
}

// ModelConfig describes the model shape. It is only used to estimate throughput.
type ModelConfig struct {
	SeqLength            int  `mapstructure:"seq_length"`
	HiddenSize           int  `mapstructure:"hidden_size"`
	NumLayers            int  `mapstructure:"num_layers"`
	VocabSize            int  `mapstructure:"vocab_size"`
	RecomputeActivations bool `mapstructure:"recompute_activations"`
}

// Default returns the configuration used for values not set in the file.
func Default() TrainingConfig {
	return TrainingConfig{
		Parallel: ParallelConfig{
			TensorParallelSize:   1,
			PipelineParallelSize: 1,
			GradientSync:         GradientSyncLocal,
			BucketSize:           1 << 20,
		},
		Batch: BatchConfig{MicroBatchSize: 1},
		Train: TrainConfig{
			EvalInterval:       1000,
			EvalIters:          100,
			LogInterval:        100,
			Seed:               1234,
			AutoresumeInterval: 1000,
		},
		Optimizer: OptimizerConfig{
			LRDecayStyle:         DecayLinear,
			WeightDecayIncrStyle: DecayConstant,
			StartWeightDecay:     0.01,
			EndWeightDecay:       0.01,
		},
		Checkpoint: CheckpointConfig{Storage: StorageDir},
		Model:      ModelConfig{SeqLength: 1024, HiddenSize: 1024, NumLayers: 24, VocabSize: 50304},
	}
}

func setDefaults(v *viper.Viper) {
	d := Default()
	v.SetDefault("parallel.tensor_model_parallel_size", d.Parallel.TensorParallelSize)
	v.SetDefault("parallel.pipeline_model_parallel_size", d.Parallel.PipelineParallelSize)
	v.SetDefault("parallel.virtual_pipeline_model_parallel_size", 0)
	v.SetDefault("parallel.pipeline_model_parallel_split_rank", 0)
	v.SetDefault("parallel.gradient_sync", d.Parallel.GradientSync)
	v.SetDefault("parallel.bucket_size", d.Parallel.BucketSize)
	v.SetDefault("parallel.accumulate_allreduce_grads_in_fp32", false)
	v.SetDefault("batch.micro_batch_size", d.Batch.MicroBatchSize)
	v.SetDefault("batch.global_batch_size", 0)
	v.SetDefault("batch.rampup_batch_size", []int{})
	v.SetDefault("train.train_iters", 0)
	v.SetDefault("train.train_samples", 0)
	v.SetDefault("train.eval_interval", d.Train.EvalInterval)
	v.SetDefault("train.eval_iters", d.Train.EvalIters)
	v.SetDefault("train.log_interval", d.Train.LogInterval)
	v.SetDefault("train.save_interval", 0)
	v.SetDefault("train.exit_interval", 0)
	v.SetDefault("train.exit_duration", time.Duration(0))
	v.SetDefault("train.exit_signal_handler", false)
	v.SetDefault("train.seed", d.Train.Seed)
	v.SetDefault("train.data_parallel_random_init", false)
	v.SetDefault("train.adlr_autoresume", false)
	v.SetDefault("train.adlr_autoresume_interval", d.Train.AutoresumeInterval)
	v.SetDefault("train.autoresume_file", "")
	v.SetDefault("train.do_test", false)
	v.SetDefault("optimizer.lr", 0.0)
	v.SetDefault("optimizer.min_lr", 0.0)
	v.SetDefault("optimizer.lr_decay_style", d.Optimizer.LRDecayStyle)
	v.SetDefault("optimizer.lr_decay_iters", 0)
	v.SetDefault("optimizer.lr_decay_samples", 0)
	v.SetDefault("optimizer.lr_warmup_fraction", 0.0)
	v.SetDefault("optimizer.lr_warmup_iters", 0)
	v.SetDefault("optimizer.lr_warmup_samples", 0)
	v.SetDefault("optimizer.start_weight_decay", d.Optimizer.StartWeightDecay)
	v.SetDefault("optimizer.end_weight_decay", d.Optimizer.EndWeightDecay)
	v.SetDefault("optimizer.weight_decay_incr_style", d.Optimizer.WeightDecayIncrStyle)
	v.SetDefault("optimizer.use_checkpoint_opt_param_scheduler", false)
	v.SetDefault("optimizer.initial_loss_scale", 0.0)
	v.SetDefault("checkpoint.save", "")
	v.SetDefault("checkpoint.load", "")
	v.SetDefault("checkpoint.keep", 0)
	v.SetDefault("checkpoint.storage", d.Checkpoint.Storage)
	v.SetDefault("checkpoint.s3_bucket", "")
	v.SetDefault("checkpoint.s3_region", "")
	v.SetDefault("checkpoint.compress", false)
	v.SetDefault("checkpoint.no_load_optim", false)
	v.SetDefault("checkpoint.no_load_rng", false)
	v.SetDefault("checkpoint.finetune", false)
	v.SetDefault("observability.points_file", "")
	v.SetDefault("observability.prometheus", false)
	v.SetDefault("observability.status_addr", "")
	v.SetDefault("observability.progress_bar", false)
	v.SetDefault("model.seq_length", d.Model.SeqLength)
	v.SetDefault("model.hidden_size", d.Model.HiddenSize)
	v.SetDefault("model.num_layers", d.Model.NumLayers)
	v.SetDefault("model.vocab_size", d.Model.VocabSize)
	v.SetDefault("model.recompute_activations", false)
}

// NewViper returns a viper instance with the defaults and environment bindings of a TrainingConfig.
// Commands can bind their flags to it before calling FromViper.
func NewViper() *viper.Viper {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Load reads the configuration from a YAML file (if path is not empty), applies environment
// overrides and validates it.
func Load(path string) (TrainingConfig, error) {
	v := NewViper()
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return TrainingConfig{}, errors.Wrapf(err, "reading configuration from %q", path)
		}
	}
	return FromViper(v)
}

// FromViper decodes and validates the configuration held by v.
func FromViper(v *viper.Viper) (TrainingConfig, error) {
	var cfg TrainingConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return TrainingConfig{}, errdefs.NewConfigError("", "decoding configuration: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		return TrainingConfig{}, err
	}
	return cfg, nil
}

// Validate checks the consistency of the configuration that doesn't depend on the world size.
// Checks involving the number of ranks are done by topology.New and microbatches.New.
func (c TrainingConfig) Validate() error {
	if (c.Train.TrainIters > 0) == (c.Train.TrainSamples > 0) {
		return errdefs.NewConfigError("train_iters",
			"exactly one of train_iters (%d) and train_samples (%d) must be set",
			c.Train.TrainIters, c.Train.TrainSamples)
	}
	if c.Batch.MicroBatchSize <= 0 {
		return errdefs.NewConfigError("micro_batch_size", "must be positive, got %d", c.Batch.MicroBatchSize)
	}
	if c.Batch.GlobalBatchSize <= 0 {
		return errdefs.NewConfigError("global_batch_size", "must be positive, got %d", c.Batch.GlobalBatchSize)
	}
	if n := len(c.Batch.RampupBatchSize); n != 0 && n != 3 {
		return errdefs.NewConfigError("rampup_batch_size",
			"expected [start_size, increment, ramp_samples], got %v", c.Batch.RampupBatchSize)
	}
	for name, value := range map[string]int{
		"eval_interval": c.Train.EvalInterval, "eval_iters": c.Train.EvalIters,
		"log_interval": c.Train.LogInterval, "save_interval": c.Train.SaveInterval,
		"exit_interval": c.Train.ExitInterval, "keep": c.Checkpoint.Keep,
		"adlr_autoresume_interval": c.Train.AutoresumeInterval,
	} {
		if value < 0 {
			return errdefs.NewConfigError(name, "must be >= 0, got %d", value)
		}
	}
	if c.Train.ExitDuration < 0 {
		return errdefs.NewConfigError("exit_duration", "must be >= 0, got %s", c.Train.ExitDuration)
	}
	if c.Train.Autoresume && c.Train.AutoresumeInterval == 0 {
		return errdefs.NewConfigError("adlr_autoresume_interval", "must be > 0 when autoresume is enabled")
	}
	if !slices.Contains([]string{GradientSyncReplica, GradientSyncLocal}, c.Parallel.GradientSync) {
		return errdefs.NewConfigError("gradient_sync", "unknown strategy %q, valid values are %q and %q",
			c.Parallel.GradientSync, GradientSyncReplica, GradientSyncLocal)
	}
	if c.Parallel.GradientSync == GradientSyncLocal && c.Parallel.BucketSize <= 0 {
		return errdefs.NewConfigError("bucket_size", "must be positive, got %d", c.Parallel.BucketSize)
	}
	if !slices.Contains([]string{DecayConstant, DecayLinear, DecayCosine, DecayInverseSquareRoot},
		c.Optimizer.LRDecayStyle) {
		return errdefs.NewConfigError("lr_decay_style", "unknown style %q", c.Optimizer.LRDecayStyle)
	}
	if !slices.Contains([]string{DecayConstant, DecayLinear, DecayCosine}, c.Optimizer.WeightDecayIncrStyle) {
		return errdefs.NewConfigError("weight_decay_incr_style", "unknown style %q",
			c.Optimizer.WeightDecayIncrStyle)
	}
	if c.Optimizer.MinLR > c.Optimizer.LR {
		return errdefs.NewConfigError("min_lr", "min_lr (%g) must be <= lr (%g)", c.Optimizer.MinLR, c.Optimizer.LR)
	}
	if c.Optimizer.LRWarmupFraction < 0 || c.Optimizer.LRWarmupFraction > 1 {
		return errdefs.NewConfigError("lr_warmup_fraction", "must be in [0, 1], got %g",
			c.Optimizer.LRWarmupFraction)
	}
	if c.Optimizer.LRWarmupFraction > 0 && (c.Optimizer.LRWarmupIters > 0 || c.Optimizer.LRWarmupSamples > 0) {
		return errdefs.NewConfigError("lr_warmup_fraction",
			"can only specify one of lr_warmup_fraction and lr_warmup_iters/lr_warmup_samples")
	}
	switch c.Checkpoint.Storage {
	case StorageDir:
	case StorageS3:
		if c.Checkpoint.S3Bucket == "" {
			return errdefs.NewConfigError("s3_bucket", "required for storage %q", StorageS3)
		}
	default:
		return errdefs.NewConfigError("storage", "unknown checkpoint storage %q", c.Checkpoint.Storage)
	}
	return nil
}

// LoadDir returns the location to resume from: Checkpoint.Load, or Checkpoint.Save if not set.
func (c TrainingConfig) LoadDir() string {
	if c.Checkpoint.Load != "" {
		return c.Checkpoint.Load
	}
	return c.Checkpoint.Save
}

// IsSampleBased returns whether the training length is given in samples rather than iterations.
func (c TrainingConfig) IsSampleBased() bool {
	return c.Train.TrainSamples > 0
}
