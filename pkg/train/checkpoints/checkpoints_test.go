// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package checkpoints

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"

	"github.com/go-logr/logr"
	"github.com/gomlx/gridtrain/pkg/distributed/collective"
	"github.com/gomlx/gridtrain/pkg/distributed/topology"
	"github.com/gomlx/gridtrain/pkg/errdefs"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// runRanks runs fn for every rank of a world of pipelineSize stages and 2 data-parallel replicas.
func runRanks(t *testing.T, pipelineSize int, fn func(topo *topology.Topology, comm collective.Communicator) error) []error {
	worldSize := 2 * pipelineSize
	comms := collective.NewLocalWorld(worldSize)
	errs := make([]error, worldSize)
	var wg sync.WaitGroup
	for rank := range worldSize {
		topo, err := topology.New(topology.Config{Rank: rank, WorldSize: worldSize, TensorParallelSize: 1,
			PipelineParallelSize: pipelineSize})
		require.NoError(t, err)
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[rank] = fn(topo, comms[rank])
		}()
	}
	wg.Wait()
	return errs
}

func shardFor(topo *topology.Topology, iteration int64) *Shard {
	return &Shard{
		Model:     [][]byte{[]byte(fmt.Sprintf("model pp=%d it=%d", topo.PipelineRank(), iteration))},
		Optimizer: []byte("adam"),
		Scheduler: []byte(`{"num_steps":10}`),
	}
}

func rngFor(topo *topology.Topology) []byte {
	return []byte(fmt.Sprintf("rng rank=%d", topo.Rank()))
}

func TestSaveAndLoad(t *testing.T) {
	ctx := context.Background()
	storage, err := NewDirStorage(t.TempDir())
	require.NoError(t, err)

	// Nothing to load yet.
	errs := runRanks(t, 2, func(topo *topology.Topology, comm collective.Communicator) error {
		h, err := Build(topo, comm).Storage(storage).RunID("run-1").Logger(logr.Discard()).Done()
		if err != nil {
			return err
		}
		ckpt, err := h.Load(ctx)
		if ckpt != nil {
			return errors.New("unexpected checkpoint")
		}
		return err
	})
	for _, err := range errs {
		require.NoError(t, err)
	}

	for _, format := range []BinFormat{BinGZIP, BinUncompressed} {
		iteration := int64(100 + int(format))
		counters := Counters{Iteration: iteration, ConsumedTrainSamples: 8 * iteration, ConsumedValidSamples: 64}
		errs = runRanks(t, 2, func(topo *topology.Topology, comm collective.Communicator) error {
			h, err := Build(topo, comm).Storage(storage).RunID("run-1").WithCompression(format).
				Logger(logr.Discard()).Done()
			if err != nil {
				return err
			}
			return h.Save(ctx, counters, shardFor(topo, iteration), rngFor(topo))
		})
		for _, err := range errs {
			require.NoError(t, err)
		}

		keys, err := storage.List(ctx, IterationDir(iteration))
		require.NoError(t, err)
		prefix := IterationDir(iteration) + "/"
		assert.Equal(t, []string{
			prefix + "metadata.json",
			prefix + "mp_rank_00_000.bin",
			prefix + "mp_rank_00_001.bin",
			prefix + "rng_00_000_000.json",
			prefix + "rng_00_000_001.json",
			prefix + "rng_00_001_000.json",
			prefix + "rng_00_001_001.json",
		}, keys)

		r, err := storage.Get(ctx, ShardKey(iteration, 0, 1))
		require.NoError(t, err)
		gotFormat, index, err := ReadShardIndex(r)
		require.NoError(t, r.Close())
		require.NoError(t, err)
		assert.Equal(t, format, gotFormat)
		require.Len(t, index, 3)
		assert.Equal(t, "model/0", index[0].Name)

		errs = runRanks(t, 2, func(topo *topology.Topology, comm collective.Communicator) error {
			h, err := Build(topo, comm).Storage(storage).Logger(logr.Discard()).Done()
			if err != nil {
				return err
			}
			ckpt, err := h.Load(ctx)
			if err != nil {
				return err
			}
			if ckpt == nil {
				return errors.New("no checkpoint loaded")
			}
			if ckpt.Counters != counters {
				return errors.Errorf("counters %+v, wanted %+v", ckpt.Counters, counters)
			}
			if ckpt.RunID != "run-1" || ckpt.Compression != format.String() {
				return errors.Errorf("unexpected metadata %+v", ckpt.Metadata)
			}
			want := shardFor(topo, iteration)
			if !bytes.Equal(ckpt.Shard.Model[0], want.Model[0]) || !bytes.Equal(ckpt.Shard.Scheduler, want.Scheduler) {
				return errors.Errorf("rank %d loaded the wrong shard", topo.Rank())
			}
			if !bytes.Equal(ckpt.RNG, rngFor(topo)) {
				return errors.Errorf("rank %d loaded RNG %q", topo.Rank(), ckpt.RNG)
			}
			return nil
		})
		for rank, err := range errs {
			require.NoError(t, err, "rank %d", rank)
		}
	}
}

func TestKeep(t *testing.T) {
	ctx := context.Background()
	storage, err := NewDirStorage(t.TempDir())
	require.NoError(t, err)
	errs := runRanks(t, 1, func(topo *topology.Topology, comm collective.Communicator) error {
		h, err := Build(topo, comm).Storage(storage).Keep(2).Logger(logr.Discard()).Done()
		if err != nil {
			return err
		}
		for _, it := range []int64{10, 20, 30} {
			if err := h.Save(ctx, Counters{Iteration: it}, shardFor(topo, it), nil); err != nil {
				return err
			}
		}
		iterations, err := h.ListIterations(ctx)
		if err != nil {
			return err
		}
		if len(iterations) != 2 || iterations[0] != 20 || iterations[1] != 30 {
			return errors.Errorf("kept iterations %v", iterations)
		}
		latest, found, err := h.LatestIteration(ctx)
		if err != nil || !found || latest != 30 {
			return errors.Errorf("latest=%d, found=%v, err=%v", latest, found, err)
		}
		// An older checkpoint can still be loaded explicitly.
		ckpt, err := h.LoadIteration(ctx, 20)
		if err != nil {
			return err
		}
		if ckpt.Iteration != 20 || ckpt.RNG != nil {
			return errors.Errorf("unexpected checkpoint %+v", ckpt.Metadata)
		}
		return nil
	})
	for _, err := range errs {
		require.NoError(t, err)
	}
}

// failingStorage fails Puts of keys containing failKey.
type failingStorage struct {
	Storage
	failKey string
}

func (s *failingStorage) Put(ctx context.Context, key string, r io.Reader) error {
	if strings.Contains(key, s.failKey) {
		return errors.Errorf("disk full writing %s", key)
	}
	return s.Storage.Put(ctx, key, r)
}

func TestSaveFailureIsAgreed(t *testing.T) {
	ctx := context.Background()
	dir, err := NewDirStorage(t.TempDir())
	require.NoError(t, err)
	storage := &failingStorage{Storage: dir, failKey: "mp_rank_00_001"}
	errs := runRanks(t, 2, func(topo *topology.Topology, comm collective.Communicator) error {
		h, err := Build(topo, comm).Storage(storage).Logger(logr.Discard()).Done()
		if err != nil {
			return err
		}
		return h.Save(ctx, Counters{Iteration: 5}, shardFor(topo, 5), nil)
	})
	for rank, err := range errs {
		require.Error(t, err, "rank %d", rank)
		assert.True(t, errdefs.IsCheckpointIO(err), "rank %d: %v", rank, err)
	}
	// Only the rank writing the failing shard (pipeline 1, data 0 is rank 2) sees the underlying cause.
	assert.Contains(t, errs[2].Error(), "disk full")
	assert.Contains(t, errs[0].Error(), "another rank")

	// The tracker was never written.
	_, err = dir.Get(ctx, TrackerFileName)
	require.Error(t, err)
}

// TestLoadNodeLocalDirectories: each rank reads its own directory, and they hold different checkpoints.
func TestLoadNodeLocalDirectories(t *testing.T) {
	ctx := context.Background()
	newStorage := func(t *testing.T, iterations ...int64) Storage {
		storage, err := NewDirStorage(t.TempDir())
		require.NoError(t, err)
		for _, iteration := range iterations {
			errs := runRanks(t, 1, func(topo *topology.Topology, comm collective.Communicator) error {
				h, err := Build(topo, comm).Storage(storage).Logger(logr.Discard()).Done()
				if err != nil {
					return err
				}
				return h.Save(ctx, Counters{Iteration: iteration}, shardFor(topo, iteration), rngFor(topo))
			})
			for _, err := range errs {
				require.NoError(t, err)
			}
		}
		return storage
	}
	for _, tc := range []struct {
		name       string
		perRank    [2][]int64
		wantErrMsg string
	}{
		{"missing on one rank", [2][]int64{{3}, nil}, "some ranks only"},
		{"different latest", [2][]int64{{3}, {3, 5}}, "iterations range from 3 to 5"},
	} {
		t.Run(tc.name, func(t *testing.T) {
			storages := []Storage{newStorage(t, tc.perRank[0]...), newStorage(t, tc.perRank[1]...)}
			errs := runRanks(t, 1, func(topo *topology.Topology, comm collective.Communicator) error {
				h, err := Build(topo, comm).Storage(storages[topo.Rank()]).Logger(logr.Discard()).Done()
				if err != nil {
					return err
				}
				ckpt, err := h.Load(ctx)
				if err == nil && ckpt != nil {
					return errors.Errorf("loaded iteration %d", ckpt.Iteration)
				}
				return err
			})
			for rank, err := range errs {
				require.Error(t, err, "rank %d", rank)
				assert.True(t, errdefs.IsCheckpointIO(err), "rank %d: %v", rank, err)
				assert.Contains(t, err.Error(), tc.wantErrMsg)
			}
		})
	}
}

func TestLoadLayoutMismatch(t *testing.T) {
	ctx := context.Background()
	storage, err := NewDirStorage(t.TempDir())
	require.NoError(t, err)
	errs := runRanks(t, 2, func(topo *topology.Topology, comm collective.Communicator) error {
		h, err := Build(topo, comm).Storage(storage).Logger(logr.Discard()).Done()
		if err != nil {
			return err
		}
		return h.Save(ctx, Counters{Iteration: 1}, shardFor(topo, 1), nil)
	})
	for _, err := range errs {
		require.NoError(t, err)
	}
	errs = runRanks(t, 1, func(topo *topology.Topology, comm collective.Communicator) error {
		h, err := Build(topo, comm).Storage(storage).Logger(logr.Discard()).Done()
		if err != nil {
			return err
		}
		_, err = h.Load(ctx)
		return err
	})
	for _, err := range errs {
		assert.True(t, errdefs.IsConfig(err), "got %v", err)
	}
}

func TestBuildErrors(t *testing.T) {
	topo, err := topology.New(topology.Config{Rank: 0, WorldSize: 1, TensorParallelSize: 1, PipelineParallelSize: 1})
	require.NoError(t, err)
	comm := collective.NewLocalWorld(1)[0]
	_, err = Build(topo, comm).Done()
	assert.True(t, errdefs.IsConfig(err))
	_, err = Build(topo, comm).Dir(t.TempDir()).WithCompression(BinFormat(7)).Done()
	assert.ErrorIs(t, err, ErrUnsupportedCompression)
	h, err := Build(topo, comm).Dir(t.TempDir()).Done()
	require.NoError(t, err)
	assert.NotEmpty(t, h.RunID())
}
