// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package topology

import (
	"slices"

	"github.com/gomlx/gridtrain/pkg/errdefs"
)

// Stage is the view of one model chunk held by a rank: with a virtual pipeline a rank holds
// VirtualPipelineSize chunks, otherwise exactly one.
//
// Model construction receives a Stage per chunk, instead of temporarily changing a "current virtual rank".
type Stage struct {
	topology *Topology

	// VirtualRank is the index of the chunk, in [0, VirtualPipelineSize). It is 0 without a virtual pipeline.
	VirtualRank int
}

// Roles tells which parts of an encoder-decoder model a stage instantiates.
type Roles struct {
	// PreProcess: the stage takes raw inputs (embeddings).
	PreProcess bool

	// PostProcess: the stage produces the outputs (loss).
	PostProcess bool

	// AddEncoder, AddDecoder: whether the stage contains encoder and/or decoder layers.
	AddEncoder, AddDecoder bool
}

// Stage returns the view for the given virtual rank.
func (t *Topology) Stage(virtualRank int) (Stage, error) {
	numChunks := max(1, t.config.VirtualPipelineSize)
	if virtualRank < 0 || virtualRank >= numChunks {
		return Stage{}, errdefs.NewConfigError("virtual_pipeline_rank", "%d out of range [0, %d)",
			virtualRank, numChunks)
	}
	return Stage{topology: t, VirtualRank: virtualRank}, nil
}

// Stages returns the views of all model chunks held by this rank, in order.
func (t *Topology) Stages() []Stage {
	numChunks := max(1, t.config.VirtualPipelineSize)
	stages := make([]Stage, numChunks)
	for i := range stages {
		stages[i] = Stage{topology: t, VirtualRank: i}
	}
	return stages
}

// Topology returns the topology of the rank holding this stage.
func (s Stage) Topology() *Topology { return s.topology }

// IsFirst returns whether the chunk is the very first of the model: first pipeline rank and first virtual chunk.
func (s Stage) IsFirst() bool {
	return s.topology.IsFirstPipelineStage() && s.VirtualRank == 0
}

// IsLast returns whether the chunk is the very last of the model: last pipeline rank and last virtual chunk.
func (s Stage) IsLast() bool {
	return s.topology.IsLastPipelineStage() && s.VirtualRank == max(1, s.topology.config.VirtualPipelineSize)-1
}

// InEmbeddingGroup returns whether this chunk holds a copy of the word embeddings.
func (s Stage) InEmbeddingGroup() bool {
	t := s.topology
	rank := t.config.Rank
	if !slices.Contains(t.groups.Embedding, rank) {
		return false
	}
	emb := t.groups.Embedding
	switch {
	case len(emb) == 1:
		return true
	case rank == emb[0]:
		return s.IsFirst()
	case rank == emb[len(emb)-1]:
		return s.IsLast()
	default:
		// Split stage.
		return true
	}
}

// Roles returns which parts of an encoder-decoder model this chunk instantiates.
//
// Without a split rank the model is treated as a single stack: pre-processing on the first chunk
// and post-processing on the last one.
func (s Stage) Roles() Roles {
	t := s.topology
	split, hasSplit := t.SplitRank()
	if !hasSplit || t.PipelineSize() == 1 {
		return Roles{PreProcess: s.IsFirst(), PostProcess: s.IsLast(), AddEncoder: true, AddDecoder: true}
	}
	rank := t.pipelineRank
	return Roles{
		PreProcess:  rank == 0 || rank == split,
		PostProcess: rank == split-1 || rank == t.PipelineSize()-1,
		AddEncoder:  t.IsBeforeSplit(),
		AddDecoder:  t.IsAfterSplit(),
	}
}
