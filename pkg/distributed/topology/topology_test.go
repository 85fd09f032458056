// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package topology

import (
	"fmt"
	"slices"
	"testing"

	"github.com/gomlx/gridtrain/pkg/errdefs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMesh(t *testing.T) {
	m, err := NewMesh([]int{2, 2}, []string{"pipeline", "tensor"})
	require.NoError(t, err)
	assert.Equal(t, 4, m.NumRanks())
	assert.Equal(t, "Mesh{pipeline: 2, tensor: 2}", m.String())

	groups, err := m.ComputeGroups("pipeline")
	require.NoError(t, err)
	assert.Equal(t, [][]int{{0, 2}, {1, 3}}, groups)

	groups, err = m.ComputeGroups("tensor")
	require.NoError(t, err)
	assert.Equal(t, [][]int{{0, 1}, {2, 3}}, groups)

	// Axes order in the call doesn't matter.
	groups, err = m.ComputeGroups("tensor", "pipeline")
	require.NoError(t, err)
	assert.Equal(t, [][]int{{0, 1, 2, 3}}, groups)

	_, err = m.ComputeGroups("data")
	require.Error(t, err)
	_, err = m.ComputeGroups("tensor", "tensor")
	require.Error(t, err)

	assert.Equal(t, []int{0, 1}, m.Coordinates(1))
	assert.Equal(t, []int{1, 0}, m.Coordinates(2))
	assert.Equal(t, []int{1, 1}, m.Coordinates(3))

	_, err = NewMesh([]int{2}, []string{"a", "b"})
	require.Error(t, err)
	_, err = NewMesh([]int{2, 0}, []string{"a", "b"})
	require.Error(t, err)
	_, err = NewMesh([]int{2, 2}, []string{"a", "a"})
	require.Error(t, err)
}

// 16 ranks, tensor 2, pipeline 4.
func TestTopologyGroups(t *testing.T) {
	topo, err := New(Config{Rank: 5, WorldSize: 16, TensorParallelSize: 2, PipelineParallelSize: 4})
	require.NoError(t, err)
	assert.Equal(t, 2, topo.DataParallelSize())
	assert.Equal(t, 1, topo.PipelineRank())
	assert.Equal(t, 0, topo.DataParallelRank())
	assert.Equal(t, 1, topo.TensorParallelRank())

	assert.Equal(t, [][]int{{0, 2}, {1, 3}, {4, 6}, {5, 7}, {8, 10}, {9, 11}, {12, 14}, {13, 15}},
		topo.AllGroups("data"))
	assert.Equal(t, [][]int{{0, 1}, {2, 3}, {4, 5}, {6, 7}, {8, 9}, {10, 11}, {12, 13}, {14, 15}},
		topo.AllGroups("tensor"))
	assert.Equal(t, [][]int{{0, 4, 8, 12}, {1, 5, 9, 13}, {2, 6, 10, 14}, {3, 7, 11, 15}},
		topo.AllGroups("pipeline"))
	assert.Equal(t, [][]int{{0, 1, 4, 5, 8, 9, 12, 13}, {2, 3, 6, 7, 10, 11, 14, 15}},
		topo.AllGroups("model"))
	assert.Equal(t, [][]int{{0, 12}, {1, 13}, {2, 14}, {3, 15}}, topo.AllGroups("embedding"))
	assert.Equal(t, [][]int{{0}, {1}, {2}, {3}}, topo.AllGroups("position_embedding"))
	assert.Nil(t, topo.AllGroups("unknown"))

	g := topo.Groups()
	assert.Equal(t, []int{5, 7}, g.Data)
	assert.Equal(t, []int{4, 5}, g.Tensor)
	assert.Equal(t, []int{1, 5, 9, 13}, g.Pipeline)
	assert.Equal(t, []int{1, 13}, g.Embedding)
	assert.Equal(t, 4, topo.TensorParallelSourceRank())
	assert.False(t, topo.InEmbeddingGroup())
	assert.False(t, topo.IsFirstPipelineStage())
	assert.False(t, topo.IsLastPipelineStage())
	assert.Equal(t, "rank 5/16 (pipeline 1/4, data 0/2, tensor 1/2)", topo.String())
}

// For every rank pair, A is in B's group iff B is in A's group, and groups are identical among members.
func TestTopologyGroupsConsistency(t *testing.T) {
	for _, sizes := range [][3]int{{1, 1, 1}, {8, 2, 2}, {12, 3, 2}, {16, 1, 4}, {24, 2, 3}, {6, 6, 1}} {
		worldSize, tp, pp := sizes[0], sizes[1], sizes[2]
		t.Run(fmt.Sprintf("world=%d,tp=%d,pp=%d", worldSize, tp, pp), func(t *testing.T) {
			topos := make([]*Topology, worldSize)
			for rank := range worldSize {
				var err error
				topos[rank], err = New(Config{
					Rank: rank, WorldSize: worldSize, TensorParallelSize: tp, PipelineParallelSize: pp})
				require.NoError(t, err)
			}
			kinds := map[string]func(Groups) []int{
				"data":          func(g Groups) []int { return g.Data },
				"tensor":        func(g Groups) []int { return g.Tensor },
				"pipeline":      func(g Groups) []int { return g.Pipeline },
				"model":         func(g Groups) []int { return g.ModelParallel },
				"embedding":     func(g Groups) []int { return g.Embedding },
				"pos_embedding": func(g Groups) []int { return g.PositionEmbedding },
			}
			for kind, get := range kinds {
				for a := range worldSize {
					groupA := get(topos[a].Groups())
					assert.True(t, slices.IsSorted(groupA), "%s group of rank %d not sorted", kind, a)
					for _, b := range groupA {
						assert.Equal(t, groupA, get(topos[b].Groups()),
							"%s group of rank %d differs from rank %d's", kind, a, b)
					}
				}
			}
			for rank, topo := range topos {
				assert.Len(t, topo.Groups().Data, worldSize/(tp*pp))
				assert.Len(t, topo.Groups().Tensor, tp)
				assert.Len(t, topo.Groups().Pipeline, pp)
				assert.Equal(t, rank, topo.Rank())
				assert.Equal(t, []int{topo.PipelineRank(), topo.DataParallelRank(), topo.TensorParallelRank()},
					topo.mesh.Coordinates(rank))
			}
		})
	}
}

func TestTopologyConfigErrors(t *testing.T) {
	for name, config := range map[string]Config{
		"not divisible":       {Rank: 0, WorldSize: 10, TensorParallelSize: 4, PipelineParallelSize: 1},
		"zero world":          {Rank: 0, WorldSize: 0, TensorParallelSize: 1, PipelineParallelSize: 1},
		"zero tensor":         {Rank: 0, WorldSize: 4, TensorParallelSize: 0, PipelineParallelSize: 1},
		"zero pipeline":       {Rank: 0, WorldSize: 4, TensorParallelSize: 1, PipelineParallelSize: 0},
		"rank out of range":   {Rank: 4, WorldSize: 4, TensorParallelSize: 1, PipelineParallelSize: 1},
		"virtual 1":           {Rank: 0, WorldSize: 4, TensorParallelSize: 1, PipelineParallelSize: 4, VirtualPipelineSize: 1},
		"virtual small pp":    {Rank: 0, WorldSize: 4, TensorParallelSize: 2, PipelineParallelSize: 2, VirtualPipelineSize: 2},
		"split out of range":  {Rank: 0, WorldSize: 4, TensorParallelSize: 1, PipelineParallelSize: 4, PipelineSplitRank: 4},
		"split with pp 1":     {Rank: 0, WorldSize: 4, TensorParallelSize: 1, PipelineParallelSize: 1, PipelineSplitRank: 1},
		"negative split rank": {Rank: 0, WorldSize: 4, TensorParallelSize: 1, PipelineParallelSize: 2, PipelineSplitRank: -1},
	} {
		t.Run(name, func(t *testing.T) {
			_, err := New(config)
			require.Error(t, err)
			assert.True(t, errdefs.IsConfig(err), "expected ConfigError, got %v", err)
		})
	}
}

func TestSplitAndEmbeddings(t *testing.T) {
	// 4 pipeline stages, decoder starts at stage 2.
	newTopo := func(rank int) *Topology {
		topo, err := New(Config{Rank: rank, WorldSize: 4, TensorParallelSize: 1, PipelineParallelSize: 4,
			PipelineSplitRank: 2})
		require.NoError(t, err)
		return topo
	}
	topo := newTopo(0)
	assert.Equal(t, []int{0, 2, 3}, topo.Groups().Embedding)
	assert.Equal(t, []int{0, 2}, topo.Groups().PositionEmbedding)

	wantBefore := []bool{true, true, false, false}
	wantRoles := []Roles{
		{PreProcess: true, PostProcess: false, AddEncoder: true, AddDecoder: false},
		{PreProcess: false, PostProcess: true, AddEncoder: true, AddDecoder: false},
		{PreProcess: true, PostProcess: false, AddEncoder: false, AddDecoder: true},
		{PreProcess: false, PostProcess: true, AddEncoder: false, AddDecoder: true},
	}
	for rank := range 4 {
		topo := newTopo(rank)
		assert.Equal(t, wantBefore[rank], topo.IsBeforeSplit(), "rank %d", rank)
		assert.Equal(t, !wantBefore[rank], topo.IsAfterSplit(), "rank %d", rank)
		assert.Equal(t, wantRoles[rank], topo.Stages()[0].Roles(), "rank %d", rank)
		assert.Equal(t, rank != 1, topo.InEmbeddingGroup(), "rank %d", rank)
		assert.Equal(t, rank == 0 || rank == 2, topo.InPositionEmbeddingGroup(), "rank %d", rank)
	}

	// Without a split every rank is both before and after it.
	topo, err := New(Config{Rank: 1, WorldSize: 2, TensorParallelSize: 1, PipelineParallelSize: 2})
	require.NoError(t, err)
	assert.True(t, topo.IsBeforeSplit())
	assert.True(t, topo.IsAfterSplit())
	_, ok := topo.SplitRank()
	assert.False(t, ok)
	assert.Equal(t, Roles{PreProcess: false, PostProcess: true, AddEncoder: true, AddDecoder: true},
		topo.Stages()[0].Roles())
}

func TestVirtualStages(t *testing.T) {
	newTopo := func(rank int) *Topology {
		topo, err := New(Config{Rank: rank, WorldSize: 4, TensorParallelSize: 1, PipelineParallelSize: 4,
			VirtualPipelineSize: 2})
		require.NoError(t, err)
		return topo
	}
	first, last := newTopo(0), newTopo(3)
	require.Len(t, first.Stages(), 2)

	assert.True(t, first.IsFirstPipelineStage())
	assert.True(t, first.Stages()[0].IsFirst())
	assert.False(t, first.Stages()[1].IsFirst())
	assert.True(t, first.Stages()[0].InEmbeddingGroup())
	assert.False(t, first.Stages()[1].InEmbeddingGroup())

	assert.True(t, last.IsLastPipelineStage())
	assert.False(t, last.Stages()[0].IsLast())
	assert.True(t, last.Stages()[1].IsLast())
	assert.False(t, last.Stages()[0].InEmbeddingGroup())
	assert.True(t, last.Stages()[1].InEmbeddingGroup())

	stage, err := last.Stage(1)
	require.NoError(t, err)
	assert.Equal(t, last, stage.Topology())
	_, err = last.Stage(2)
	assert.True(t, errdefs.IsConfig(err))

	// Middle ranks are never first or last.
	for _, stage := range newTopo(1).Stages() {
		assert.False(t, stage.IsFirst())
		assert.False(t, stage.IsLast())
		assert.False(t, stage.InEmbeddingGroup())
	}
}
