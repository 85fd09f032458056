// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package checkpoints implements synchronized saving and loading of distributed training checkpoints.
//
// The main object is the Handler, that should be created by calling Build, followed by the
// various options setting and finally calling Config.Done.
//
// A checkpoint is a directory (or key prefix) per iteration, holding one shard file per model-parallel
// coordinate, one RNG state file per rank and a metadata file with the training counters:
//
//	<root>/latest_checkpointed_iteration.txt
//	<root>/iter_0000100/metadata.json
//	<root>/iter_0000100/mp_rank_00_000.bin
//	<root>/iter_0000100/rng_00_000_000.json
//
// The tracker file is written last, so a partially written checkpoint is never loaded.
//
// Example:
//
//	storage, err := checkpoints.NewDirStorage(*flagCheckpoint)
//	…
//	handler, err := checkpoints.Build(topo, comm).Storage(storage).Keep(3).Done()
//	…
//	ckpt, err := handler.Load(ctx) // nil if there is no checkpoint yet.
//	…
//	err = handler.Save(ctx, counters, &checkpoints.Shard{…}, rngState)
package checkpoints

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"io/fs"
	"regexp"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/gomlx/gridtrain/pkg/distributed/collective"
	"github.com/gomlx/gridtrain/pkg/distributed/topology"
	"github.com/gomlx/gridtrain/pkg/errdefs"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

const (
	// TrackerFileName names the latest complete checkpoint iteration.
	TrackerFileName = "latest_checkpointed_iteration.txt"

	// MetadataFileName holds the Metadata of a checkpoint.
	MetadataFileName = "metadata.json"
)

var iterDirRegexp = regexp.MustCompile(`^iter_(\d{7,})/` + regexp.QuoteMeta(MetadataFileName) + `$`)

// IterationDir returns the key prefix (with no trailing slash) of the checkpoint of the given iteration.
func IterationDir(iteration int64) string {
	return fmt.Sprintf("iter_%07d", iteration)
}

// ShardKey returns the key of the shard file of a model-parallel coordinate.
func ShardKey(iteration int64, tensorRank, pipelineRank int) string {
	return fmt.Sprintf("%s/mp_rank_%02d_%03d.bin", IterationDir(iteration), tensorRank, pipelineRank)
}

// RNGKey returns the key of the RNG state of a rank, addressed by its full coordinates.
func RNGKey(iteration int64, tensorRank, pipelineRank, dataRank int) string {
	return fmt.Sprintf("%s/rng_%02d_%03d_%03d.json", IterationDir(iteration), tensorRank, pipelineRank, dataRank)
}

// Counters are the training counters needed to resume at the exact position of the sample stream.
type Counters struct {
	Iteration            int64 `json:"iteration"`
	ConsumedTrainSamples int64 `json:"consumed_train_samples"`
	ConsumedValidSamples int64 `json:"consumed_valid_samples"`
}

// Metadata of a checkpoint, written once by rank 0.
type Metadata struct {
	Counters

	RunID   string    `json:"run_id"`
	SavedAt time.Time `json:"saved_at"`

	WorldSize            int `json:"world_size"`
	TensorParallelSize   int `json:"tensor_parallel_size"`
	PipelineParallelSize int `json:"pipeline_parallel_size"`
	VirtualPipelineSize  int `json:"virtual_pipeline_size,omitempty"`

	Compression string `json:"compression"`
}

// Checkpoint loaded by a rank.
type Checkpoint struct {
	Metadata

	// Shard of the rank's model-parallel coordinate.
	Shard *Shard

	// RNG state of the rank, nil if not available.
	RNG []byte
}

// Config for the checkpoints' Handler to be created. This is created with Build() and
// configured with the various methods. Once finished, call Done() to get the Handler.
type Config struct {
	topo *topology.Topology
	comm collective.Communicator

	err error

	storage   Storage
	keep      int
	binFormat BinFormat
	runID     string
	logger    klog.Logger
	now       func() time.Time
}

// Build a configuration for building a checkpoints.Handler for the rank described by topo, using comm
// to synchronize with the other ranks. After configuring the Config object returned, call `Done`.
//
// Config.Storage or Config.Dir must be set.
func Build(topo *topology.Topology, comm collective.Communicator) *Config {
	return &Config{
		topo:      topo,
		comm:      comm,
		binFormat: BinGZIP,
		logger:    klog.Background(),
		now:       time.Now,
	}
}

func (c *Config) setError(err error) {
	if c.err == nil {
		c.err = err
	}
}

// Storage sets where checkpoints are saved and loaded from.
func (c *Config) Storage(storage Storage) *Config {
	c.storage = storage
	return c
}

// Dir sets a directory where to save / load the checkpoints. It's a shortcut to Storage(NewDirStorage(dir)).
func (c *Config) Dir(dir string) *Config {
	storage, err := NewDirStorage(dir)
	if err != nil {
		c.setError(err)
		return c
	}
	return c.Storage(storage)
}

// Keep configures the number of checkpoints to keep. If <= 0 (the default), it never erases older checkpoints.
func (c *Config) Keep(n int) *Config {
	c.keep = n
	return c
}

// WithCompression sets the shard file format. The default is BinGZIP.
func (c *Config) WithCompression(bf BinFormat) *Config {
	if bf != BinGZIP && bf != BinUncompressed {
		c.setError(errors.Wrapf(ErrUnsupportedCompression, "format %d", bf))
	}
	c.binFormat = bf
	return c
}

// RunID sets the identifier recorded in the metadata of the saved checkpoints. It must be the same
// on all ranks. The default is a random UUID per rank, and only the one of rank 0 is recorded.
func (c *Config) RunID(id string) *Config {
	c.runID = id
	return c
}

// Logger sets the logger. The default is klog.Background().
func (c *Config) Logger(logger klog.Logger) *Config {
	c.logger = logger
	return c
}

// Done creates a Handler with the current configuration. It returns an error if
// the configuration is invalid.
func (c *Config) Done() (*Handler, error) {
	if c.err != nil {
		return nil, c.err
	}
	if c.storage == nil {
		return nil, errdefs.NewConfigError("checkpoint.save", "no storage configured for checkpoints")
	}
	if c.topo == nil || c.comm == nil {
		return nil, errors.New("checkpoints.Build requires a topology and a communicator")
	}
	runID := c.runID
	if runID == "" {
		runID = uuid.NewString()
	}
	return &Handler{config: c, runID: runID}, nil
}

// Handler saves and loads checkpoints. Save and Load are collective operations: all ranks
// must call them in the same order.
type Handler struct {
	config *Config
	runID  string
}

func (h *Handler) String() string {
	return fmt.Sprintf("checkpoints.Handler(%v)", h.config.storage)
}

// RunID recorded in the checkpoints saved by this handler.
func (h *Handler) RunID() string { return h.runID }

// Storage used by the handler.
func (h *Handler) Storage() Storage { return h.config.storage }

// Save the checkpoint of iteration counters.Iteration. It must be called by all ranks.
//
// A barrier precedes the writes. Data-parallel rank 0 of each model-parallel coordinate writes the shard,
// every rank writes its RNG state and rank 0 writes the metadata. Once all ranks agree the writes
// succeeded, rank 0 writes the tracker file and prunes old checkpoints.
//
// Any failure, on any rank, is returned by all ranks as a *errdefs.CheckpointIOError.
func (h *Handler) Save(ctx context.Context, counters Counters, shard *Shard, rngState []byte) error {
	topo, comm := h.config.topo, h.config.comm
	world := topo.WorldGroup()
	iteration := counters.Iteration
	if err := comm.Barrier(ctx, world); err != nil {
		return errdefs.NewCheckpointIOError("save", iteration, errors.WithMessage(err, "barrier before save"))
	}
	start := h.config.now()

	writeErr := h.writeFiles(ctx, counters, shard, rngState)
	if writeErr != nil {
		h.config.logger.Error(writeErr, "failed writing checkpoint", "iteration", iteration)
	}
	if err := h.agreeSuccess(ctx, "save", iteration, writeErr); err != nil {
		return err
	}

	var trackerErr error
	if topo.Rank() == 0 {
		trackerErr = h.config.storage.Put(ctx, TrackerFileName, strings.NewReader(strconv.FormatInt(iteration, 10)))
		if trackerErr == nil {
			trackerErr = h.prune(ctx, iteration)
		}
	}
	if err := h.agreeSuccess(ctx, "save", iteration, trackerErr); err != nil {
		return err
	}
	if topo.Rank() == 0 {
		h.config.logger.Info("saved checkpoint", "iteration", iteration, "storage", h.config.storage,
			"elapsed", h.config.now().Sub(start))
	}
	return nil
}

func (h *Handler) writeFiles(ctx context.Context, counters Counters, shard *Shard, rngState []byte) error {
	topo, storage := h.config.topo, h.config.storage
	iteration := counters.Iteration
	tp, pp, dp := topo.TensorParallelRank(), topo.PipelineRank(), topo.DataParallelRank()
	if dp == 0 {
		var buf bytes.Buffer
		if err := encodeShard(&buf, shard, h.config.binFormat); err != nil {
			return err
		}
		if err := storage.Put(ctx, ShardKey(iteration, tp, pp), &buf); err != nil {
			return err
		}
	}
	if rngState != nil {
		rngJSON, err := json.Marshal(rngFile{Rank: topo.Rank(), State: rngState})
		if err != nil {
			return errors.Wrap(err, "encoding RNG state")
		}
		if err := storage.Put(ctx, RNGKey(iteration, tp, pp, dp), bytes.NewReader(rngJSON)); err != nil {
			return err
		}
	}
	if topo.Rank() == 0 {
		cfg := topo.Config()
		metadata := Metadata{
			Counters:             counters,
			RunID:                h.runID,
			SavedAt:              h.config.now().UTC(),
			WorldSize:            cfg.WorldSize,
			TensorParallelSize:   topo.TensorParallelSize(),
			PipelineParallelSize: topo.PipelineSize(),
			VirtualPipelineSize:  topo.VirtualPipelineSize(),
			Compression:          h.config.binFormat.String(),
		}
		metadataJSON, err := json.MarshalIndent(metadata, "", "\t")
		if err != nil {
			return errors.Wrap(err, "encoding metadata")
		}
		if err := storage.Put(ctx, IterationDir(iteration)+"/"+MetadataFileName, bytes.NewReader(metadataJSON)); err != nil {
			return err
		}
	}
	return nil
}

type rngFile struct {
	Rank  int    `json:"rank"`
	State []byte `json:"state"`
}

// agreeSuccess resolves whether every rank succeeded, acting as a barrier.
func (h *Handler) agreeSuccess(ctx context.Context, op string, iteration int64, localErr error) error {
	anyFailed, err := collective.AgreeAny(ctx, h.config.comm, h.config.topo.WorldGroup(), localErr != nil)
	switch {
	case err != nil:
		return errdefs.NewCheckpointIOError(op, iteration, errors.WithMessage(err, "agreeing on checkpoint status"))
	case localErr != nil:
		return errdefs.NewCheckpointIOError(op, iteration, localErr)
	case anyFailed:
		return errdefs.NewCheckpointIOError(op, iteration, errors.New("failed on another rank"))
	}
	return nil
}

// prune removes the oldest checkpoints beyond the configured number to keep. The latest is never removed.
func (h *Handler) prune(ctx context.Context, latest int64) error {
	if h.config.keep <= 0 {
		return nil
	}
	iterations, err := h.ListIterations(ctx)
	if err != nil {
		return err
	}
	iterations = slices.DeleteFunc(iterations, func(it int64) bool { return it == latest })
	excess := len(iterations) - (h.config.keep - 1)
	for _, it := range iterations[:max(0, excess)] {
		if err := h.config.storage.Delete(ctx, IterationDir(it)+"/"); err != nil {
			return errors.WithMessagef(err, "removing checkpoint of iteration %d", it)
		}
		h.config.logger.V(1).Info("removed old checkpoint", "iteration", it)
	}
	return nil
}

// ListIterations returns the sorted iterations of the checkpoints with metadata in storage.
// Not all of them are necessarily complete: only the tracker file is authoritative.
func (h *Handler) ListIterations(ctx context.Context) ([]int64, error) {
	keys, err := h.config.storage.List(ctx, "iter_")
	if err != nil {
		return nil, err
	}
	var iterations []int64
	for _, key := range keys {
		matches := iterDirRegexp.FindStringSubmatch(key)
		if matches == nil {
			continue
		}
		it, err := strconv.ParseInt(matches[1], 10, 64)
		if err != nil {
			continue
		}
		iterations = append(iterations, it)
	}
	slices.Sort(iterations)
	return iterations, nil
}

// LatestIteration reads the tracker file. It returns found=false if there are no complete checkpoints.
func (h *Handler) LatestIteration(ctx context.Context) (iteration int64, found bool, err error) {
	content, err := h.readAll(ctx, TrackerFileName)
	if errors.Is(err, fs.ErrNotExist) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	iteration, err = strconv.ParseInt(strings.TrimSpace(string(content)), 10, 64)
	if err != nil {
		return 0, false, errors.Wrapf(err, "invalid tracker file %q", TrackerFileName)
	}
	return iteration, true, nil
}

// LoadMetadata reads the metadata of the checkpoint of the given iteration.
func (h *Handler) LoadMetadata(ctx context.Context, iteration int64) (Metadata, error) {
	var metadata Metadata
	content, err := h.readAll(ctx, IterationDir(iteration)+"/"+MetadataFileName)
	if err != nil {
		return metadata, err
	}
	err = json.Unmarshal(content, &metadata)
	return metadata, errors.Wrapf(err, "decoding metadata of iteration %d", iteration)
}

// Load the latest complete checkpoint. It returns nil if there are none. It must be called by all ranks.
func (h *Handler) Load(ctx context.Context) (*Checkpoint, error) {
	iteration, found, err := h.LatestIteration(ctx)
	if agreeErr := h.agreeSuccess(ctx, "load", iteration, err); agreeErr != nil {
		return nil, agreeErr
	}
	if err = h.agreeLatest(ctx, iteration, found); err != nil {
		return nil, err
	}
	if !found {
		return nil, nil
	}
	return h.LoadIteration(ctx, iteration)
}

// agreeLatest fails on all ranks if they don't see the same latest checkpoint, e.g. when the
// checkpoint directories are local to each node.
func (h *Handler) agreeLatest(ctx context.Context, iteration int64, found bool) error {
	var foundFlag float64
	if found {
		foundFlag = 1
	}
	// With Max: any rank found, some rank did not find, largest and smallest iteration.
	reduced, err := h.config.comm.AllReduce(ctx, h.config.topo.WorldGroup(),
		[]float64{foundFlag, 1 - foundFlag, float64(iteration), -float64(iteration)}, collective.Max)
	if err != nil {
		return errdefs.NewCheckpointIOError("load", iteration, errors.WithMessage(err, "agreeing on latest checkpoint"))
	}
	anyFound, anyMissing := reduced[0] > 0, reduced[1] > 0
	switch {
	case anyFound && anyMissing:
		return errdefs.NewCheckpointIOError("load", iteration,
			errors.New("checkpoint found by some ranks only, are all ranks reading the same location?"))
	case anyFound && reduced[2] != -reduced[3]:
		return errdefs.NewCheckpointIOError("load", iteration,
			errors.Errorf("ranks disagree on the latest checkpoint, iterations range from %d to %d",
				int64(-reduced[3]), int64(reduced[2])))
	}
	return nil
}

// LoadIteration loads the checkpoint of the given iteration. It must be called by all ranks.
//
// The parallel layout of the checkpoint must match the current tensor and pipeline sizes, otherwise
// a *errdefs.ConfigError is returned. The data-parallel size may change: ranks whose RNG state was not
// saved get the one of data-parallel rank 0.
func (h *Handler) LoadIteration(ctx context.Context, iteration int64) (*Checkpoint, error) {
	ckpt, loadErr := h.loadLocal(ctx, iteration)
	if err := h.agreeSuccess(ctx, "load", iteration, loadErr); err != nil {
		if errdefs.IsConfig(loadErr) {
			return nil, loadErr
		}
		return nil, err
	}
	if h.config.topo.Rank() == 0 {
		h.config.logger.Info("loaded checkpoint", "iteration", iteration, "run_id", ckpt.RunID,
			"consumed_train_samples", ckpt.ConsumedTrainSamples)
	}
	return ckpt, nil
}

func (h *Handler) loadLocal(ctx context.Context, iteration int64) (*Checkpoint, error) {
	topo := h.config.topo
	metadata, err := h.LoadMetadata(ctx, iteration)
	if err != nil {
		return nil, err
	}
	if metadata.TensorParallelSize != topo.TensorParallelSize() || metadata.PipelineParallelSize != topo.PipelineSize() ||
		metadata.VirtualPipelineSize != topo.VirtualPipelineSize() {
		return nil, errdefs.NewConfigError("parallel",
			"checkpoint of iteration %d was saved with tensor=%d, pipeline=%d, virtual=%d, running with %d, %d, %d",
			iteration, metadata.TensorParallelSize, metadata.PipelineParallelSize, metadata.VirtualPipelineSize,
			topo.TensorParallelSize(), topo.PipelineSize(), topo.VirtualPipelineSize())
	}
	tp, pp, dp := topo.TensorParallelRank(), topo.PipelineRank(), topo.DataParallelRank()
	ckpt := &Checkpoint{Metadata: metadata}

	r, err := h.config.storage.Get(ctx, ShardKey(iteration, tp, pp))
	if err != nil {
		return nil, err
	}
	ckpt.Shard, err = decodeShard(r)
	_ = r.Close()
	if err != nil {
		return nil, errors.WithMessagef(err, "decoding %q", ShardKey(iteration, tp, pp))
	}

	for _, key := range []string{RNGKey(iteration, tp, pp, dp), RNGKey(iteration, tp, pp, 0)} {
		content, err := h.readAll(ctx, key)
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, err
		}
		var rng rngFile
		if err := json.Unmarshal(content, &rng); err != nil {
			return nil, errors.Wrapf(err, "decoding %q", key)
		}
		ckpt.RNG = rng.State
		break
	}
	return ckpt, nil
}

func (h *Handler) readAll(ctx context.Context, key string) ([]byte, error) {
	r, err := h.config.storage.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	defer func() { _ = r.Close() }()
	content, err := io.ReadAll(r)
	return content, errors.Wrapf(err, "reading %q", key)
}
