// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package topology maps a flat rank id to its coordinates in the data/tensor/pipeline parallel grid,
// and computes the communication groups each rank participates in.
//
// Everything is pure arithmetic over globally known sizes: every rank computes the same groups
// without communicating, which is what keeps collectives from deadlocking.
package topology

import (
	"fmt"
	"slices"

	"github.com/gomlx/gridtrain/pkg/errdefs"
)

// Names of the axes of the rank grid, slowest varying first.
const (
	AxisPipeline = "pipeline"
	AxisData     = "data"
	AxisTensor   = "tensor"
)

// Config holds the sizes needed to place a rank in the grid.
type Config struct {
	// Rank of this process, in [0, WorldSize).
	Rank int

	// WorldSize is the total number of ranks. It must be divisible by TensorParallelSize*PipelineParallelSize,
	// and the quotient is the data-parallel size.
	WorldSize int

	// TensorParallelSize and PipelineParallelSize, both >= 1.
	TensorParallelSize, PipelineParallelSize int

	// VirtualPipelineSize is the number of model chunks per pipeline rank (interleaved schedule).
	// 0 means no virtual pipeline.
	VirtualPipelineSize int

	// PipelineSplitRank is the pipeline rank where the decoder of an encoder-decoder model starts.
	// 0 means no split.
	PipelineSplitRank int
}

// Groups lists the ranks of each communication group a rank belongs to, each in increasing order.
type Groups struct {
	// Data-parallel group: replicas of the same model shard.
	Data []int

	// Tensor-parallel group: ranks sharing the layers of one pipeline stage.
	Tensor []int

	// Pipeline group: one rank per pipeline stage.
	Pipeline []int

	// ModelParallel group: all tensor and pipeline ranks of one model replica.
	ModelParallel []int

	// Embedding group: ranks holding a copy of the word embeddings (first and last stages, and the split
	// stage if any), whose gradients must be reduced together.
	Embedding []int

	// PositionEmbedding group: first stage and split stage if any.
	PositionEmbedding []int
}

// Topology of one rank. It is immutable after creation.
type Topology struct {
	config Config
	mesh   *Mesh

	dataSize                           int
	pipelineRank, dataRank, tensorRank int
	groups                             Groups

	// All groups of each kind, indexed the same way for pipeline, embedding and position embedding.
	allData, allTensor, allPipeline    [][]int
	allModelParallel                   [][]int
	allEmbedding, allPositionEmbedding [][]int
}

// New computes the topology of config.Rank.
//
// It returns an errdefs.ConfigError if the sizes are inconsistent.
func New(config Config) (*Topology, error) {
	if config.WorldSize <= 0 {
		return nil, errdefs.NewConfigError("world_size", "must be positive, got %d", config.WorldSize)
	}
	if config.TensorParallelSize <= 0 {
		return nil, errdefs.NewConfigError("tensor_model_parallel_size", "must be positive, got %d",
			config.TensorParallelSize)
	}
	if config.PipelineParallelSize <= 0 {
		return nil, errdefs.NewConfigError("pipeline_model_parallel_size", "must be positive, got %d",
			config.PipelineParallelSize)
	}
	modelParallelSize := config.TensorParallelSize * config.PipelineParallelSize
	if config.WorldSize%modelParallelSize != 0 {
		return nil, errdefs.NewConfigError("world_size",
			"world size (%d) is not divisible by tensor_model_parallel_size (%d) x pipeline_model_parallel_size (%d)",
			config.WorldSize, config.TensorParallelSize, config.PipelineParallelSize)
	}
	if config.Rank < 0 || config.Rank >= config.WorldSize {
		return nil, errdefs.NewConfigError("rank", "rank %d out of range for world size %d",
			config.Rank, config.WorldSize)
	}
	if config.VirtualPipelineSize < 0 || config.VirtualPipelineSize == 1 {
		return nil, errdefs.NewConfigError("virtual_pipeline_model_parallel_size",
			"must be 0 (disabled) or >= 2, got %d", config.VirtualPipelineSize)
	}
	if config.VirtualPipelineSize > 0 && config.PipelineParallelSize <= 2 {
		return nil, errdefs.NewConfigError("virtual_pipeline_model_parallel_size",
			"the interleaved schedule requires pipeline_model_parallel_size > 2, got %d",
			config.PipelineParallelSize)
	}
	if config.PipelineSplitRank < 0 || config.PipelineSplitRank >= config.PipelineParallelSize ||
		(config.PipelineSplitRank > 0 && config.PipelineParallelSize == 1) {
		return nil, errdefs.NewConfigError("pipeline_model_parallel_split_rank",
			"must be 0 (disabled) or in [1, %d), got %d", config.PipelineParallelSize, config.PipelineSplitRank)
	}

	t := &Topology{
		config:   config,
		dataSize: config.WorldSize / modelParallelSize,
	}
	var err error
	t.mesh, err = NewMesh(
		[]int{config.PipelineParallelSize, t.dataSize, config.TensorParallelSize},
		[]string{AxisPipeline, AxisData, AxisTensor})
	if err != nil {
		return nil, err
	}
	coords := t.mesh.Coordinates(config.Rank)
	t.pipelineRank, t.dataRank, t.tensorRank = coords[0], coords[1], coords[2]

	// Axes are known to exist, ComputeGroups can't fail.
	t.allData, _ = t.mesh.ComputeGroups(AxisData)
	t.allTensor, _ = t.mesh.ComputeGroups(AxisTensor)
	t.allPipeline, _ = t.mesh.ComputeGroups(AxisPipeline)
	t.allModelParallel, _ = t.mesh.ComputeGroups(AxisPipeline, AxisTensor)
	for _, ranks := range t.allPipeline {
		emb, posEmb := embeddingRanks(ranks, config.PipelineSplitRank)
		t.allEmbedding = append(t.allEmbedding, emb)
		t.allPositionEmbedding = append(t.allPositionEmbedding, posEmb)
	}

	pipelineGroupIdx := groupContaining(t.allPipeline, config.Rank)
	t.groups = Groups{
		Data:              t.allData[groupContaining(t.allData, config.Rank)],
		Tensor:            t.allTensor[groupContaining(t.allTensor, config.Rank)],
		Pipeline:          t.allPipeline[pipelineGroupIdx],
		ModelParallel:     t.allModelParallel[groupContaining(t.allModelParallel, config.Rank)],
		Embedding:         t.allEmbedding[pipelineGroupIdx],
		PositionEmbedding: t.allPositionEmbedding[pipelineGroupIdx],
	}
	return t, nil
}

// embeddingRanks returns the embedding and position-embedding groups for one pipeline group.
func embeddingRanks(pipelineRanks []int, splitRank int) (embedding, positionEmbedding []int) {
	if len(pipelineRanks) == 1 {
		return slices.Clone(pipelineRanks), slices.Clone(pipelineRanks)
	}
	first, last := pipelineRanks[0], pipelineRanks[len(pipelineRanks)-1]
	embedding = []int{first, last}
	positionEmbedding = []int{first}
	if splitRank > 0 {
		split := pipelineRanks[splitRank]
		if split != last {
			embedding = []int{first, split, last}
		}
		positionEmbedding = []int{first, split}
	}
	return
}

func groupContaining(groups [][]int, rank int) int {
	for i, g := range groups {
		if slices.Contains(g, rank) {
			return i
		}
	}
	return -1
}

// Config returns the configuration used to build the topology.
func (t *Topology) Config() Config { return t.config }

// Rank returns the global rank.
func (t *Topology) Rank() int { return t.config.Rank }

// WorldSize returns the total number of ranks.
func (t *Topology) WorldSize() int { return t.config.WorldSize }

// DataParallelRank returns the index of this rank within its data-parallel group.
func (t *Topology) DataParallelRank() int { return t.dataRank }

// DataParallelSize returns the number of model replicas.
func (t *Topology) DataParallelSize() int { return t.dataSize }

// TensorParallelRank returns the index of this rank within its tensor-parallel group.
func (t *Topology) TensorParallelRank() int { return t.tensorRank }

// TensorParallelSize returns the number of ranks sharing each layer.
func (t *Topology) TensorParallelSize() int { return t.config.TensorParallelSize }

// PipelineRank returns the pipeline stage of this rank.
func (t *Topology) PipelineRank() int { return t.pipelineRank }

// PipelineSize returns the number of pipeline stages.
func (t *Topology) PipelineSize() int { return t.config.PipelineParallelSize }

// VirtualPipelineSize returns the number of model chunks per pipeline rank, or 0 if not using a virtual pipeline.
func (t *Topology) VirtualPipelineSize() int { return t.config.VirtualPipelineSize }

// SplitRank returns the pipeline split rank, and whether one is configured.
func (t *Topology) SplitRank() (int, bool) {
	return t.config.PipelineSplitRank, t.config.PipelineSplitRank > 0
}

// Groups returns the groups this rank belongs to.
func (t *Topology) Groups() Groups { return t.groups }

// WorldGroup returns all ranks.
func (t *Topology) WorldGroup() []int {
	all := make([]int, t.config.WorldSize)
	for i := range all {
		all[i] = i
	}
	return all
}

// AllGroups returns every group of the given kind in the job, e.g.: all data-parallel groups.
// Valid kinds are "data", "tensor", "pipeline", "model", "embedding" and "position_embedding".
func (t *Topology) AllGroups(kind string) [][]int {
	var groups [][]int
	switch kind {
	case "data":
		groups = t.allData
	case "tensor":
		groups = t.allTensor
	case "pipeline":
		groups = t.allPipeline
	case "model":
		groups = t.allModelParallel
	case "embedding":
		groups = t.allEmbedding
	case "position_embedding":
		groups = t.allPositionEmbedding
	default:
		return nil
	}
	cloned := make([][]int, len(groups))
	for i, g := range groups {
		cloned[i] = slices.Clone(g)
	}
	return cloned
}

// TensorParallelSourceRank is the global rank of the first member of this rank's tensor-parallel group,
// the one used as source of broadcasts within the group.
func (t *Topology) TensorParallelSourceRank() int { return t.groups.Tensor[0] }

// IsFirstPipelineStage returns whether this rank holds the first pipeline stage, regardless of virtual stages.
func (t *Topology) IsFirstPipelineStage() bool { return t.pipelineRank == 0 }

// IsLastPipelineStage returns whether this rank holds the last pipeline stage, regardless of virtual stages.
func (t *Topology) IsLastPipelineStage() bool { return t.pipelineRank == t.config.PipelineParallelSize-1 }

// IsBeforeSplit returns whether this rank executes encoder stages: always true if there is no split.
func (t *Topology) IsBeforeSplit() bool {
	split, ok := t.SplitRank()
	return !ok || t.pipelineRank < split
}

// IsAfterSplit returns whether this rank executes decoder stages: always true if there is no split.
func (t *Topology) IsAfterSplit() bool {
	split, ok := t.SplitRank()
	return !ok || t.pipelineRank >= split
}

// InEmbeddingGroup returns whether this rank holds word embeddings, ignoring virtual stages.
// See Stage.InEmbeddingGroup for the per-chunk answer.
func (t *Topology) InEmbeddingGroup() bool { return slices.Contains(t.groups.Embedding, t.config.Rank) }

// InPositionEmbeddingGroup returns whether this rank holds position embeddings.
func (t *Topology) InPositionEmbeddingGroup() bool {
	return slices.Contains(t.groups.PositionEmbedding, t.config.Rank)
}

// String implements fmt.Stringer.
func (t *Topology) String() string {
	return fmt.Sprintf("rank %d/%d (pipeline %d/%d, data %d/%d, tensor %d/%d)",
		t.config.Rank, t.config.WorldSize,
		t.pipelineRank, t.config.PipelineParallelSize,
		t.dataRank, t.dataSize,
		t.tensorRank, t.config.TensorParallelSize)
}
