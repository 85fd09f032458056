// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package collective

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// runRanks runs fn concurrently for every communicator and returns the errors by rank.
func runRanks(comms []*Local, fn func(comm *Local) error) []error {
	errs := make([]error, len(comms))
	var wg sync.WaitGroup
	for i, comm := range comms {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[i] = fn(comm)
		}()
	}
	wg.Wait()
	return errs
}

func TestLocalAllReduce(t *testing.T) {
	const worldSize = 4
	ctx := context.Background()
	comms := NewLocalWorld(worldSize)
	world := []int{0, 1, 2, 3}
	results := make([][3][]float64, worldSize)
	errs := runRanks(comms, func(comm *Local) error {
		r := float64(comm.Rank())
		for i, op := range []ReduceOp{Sum, Max, Min} {
			got, err := comm.AllReduce(ctx, world, []float64{r, -r}, op)
			if err != nil {
				return err
			}
			results[comm.Rank()][i] = got
		}
		return nil
	})
	for rank, err := range errs {
		require.NoError(t, err, "rank %d", rank)
		assert.Equal(t, []float64{6, -6}, results[rank][0])
		assert.Equal(t, []float64{3, 0}, results[rank][1])
		assert.Equal(t, []float64{0, -3}, results[rank][2])
	}
}

func TestLocalSubgroups(t *testing.T) {
	ctx := context.Background()
	comms := NewLocalWorld(4)
	sums := make([]float64, 4)
	errs := runRanks(comms, func(comm *Local) error {
		// Two disjoint groups {0,2} and {1,3}, then a barrier on the whole world.
		group := []int{comm.Rank() % 2, comm.Rank()%2 + 2}
		v, err := ReduceScalar(ctx, comm, group, float64(comm.Rank()+1), Sum)
		if err != nil {
			return err
		}
		sums[comm.Rank()] = v
		return comm.Barrier(ctx, []int{0, 1, 2, 3})
	})
	for _, err := range errs {
		require.NoError(t, err)
	}
	assert.Equal(t, []float64{4, 6, 4, 6}, sums)
}

func TestAgree(t *testing.T) {
	ctx := context.Background()
	comms := NewLocalWorld(3)
	world := []int{0, 1, 2}
	anyResults := make([]bool, 3)
	allResults := make([]bool, 3)
	errs := runRanks(comms, func(comm *Local) error {
		var err error
		// Only rank 1 raises the flag.
		anyResults[comm.Rank()], err = AgreeAny(ctx, comm, world, comm.Rank() == 1)
		if err != nil {
			return err
		}
		allResults[comm.Rank()], err = AgreeAll(ctx, comm, world, comm.Rank() == 1)
		return err
	})
	for _, err := range errs {
		require.NoError(t, err)
	}
	assert.Equal(t, []bool{true, true, true}, anyResults)
	assert.Equal(t, []bool{false, false, false}, allResults)
}

func TestMismatchedCalls(t *testing.T) {
	ctx := context.Background()
	comms := NewLocalWorld(2)
	world := []int{0, 1}
	errs := runRanks(comms, func(comm *Local) error {
		if comm.Rank() == 0 {
			_, err := comm.AllReduce(ctx, world, []float64{1}, Sum)
			return err
		}
		_, err := comm.AllReduce(ctx, world, []float64{1, 2}, Sum)
		return err
	})
	assert.Error(t, errs[0])
	assert.Error(t, errs[1])

	// Not a member of the group.
	_, err := comms[0].AllReduce(ctx, []int{1}, []float64{1}, Sum)
	assert.ErrorContains(t, err, "not a member")
	assert.Error(t, comms[0].Barrier(ctx, []int{1, 0}))
}

func TestContextCancellation(t *testing.T) {
	comms := NewLocalWorld(2)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	// Rank 1 never shows up.
	err := comms[0].Barrier(ctx, []int{0, 1})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestGenericReduce(t *testing.T) {
	assert.Equal(t, 5, Apply(Sum, 2, 3))
	assert.Equal(t, int64(3), Apply(Max, int64(2), int64(3)))
	assert.Equal(t, float32(2), Apply(Min, float32(2), float32(3)))
	dst := []uint{1, 5}
	ReduceInto(Max, dst, []uint{3, 2})
	assert.Equal(t, []uint{3, 5}, dst)
	assert.Equal(t, "max", Max.String())
	assert.Equal(t, "0,2,5", GroupKey([]int{0, 2, 5}))
}
