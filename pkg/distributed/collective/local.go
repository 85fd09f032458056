// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package collective

import "context"

// Local is a Communicator for one rank of an in-process world, where each rank runs in its own goroutine.
type Local struct {
	rank int
	hub  *Hub
	seq  Sequencer
}

var _ Communicator = (*Local)(nil)

// NewLocalWorld returns worldSize communicators sharing one Hub. The i-th communicator has rank i.
func NewLocalWorld(worldSize int) []*Local {
	hub := NewHub(worldSize)
	comms := make([]*Local, worldSize)
	for rank := range comms {
		comms[rank] = &Local{rank: rank, hub: hub}
	}
	return comms
}

// Rank implements Communicator.
func (c *Local) Rank() int { return c.rank }

// WorldSize implements Communicator.
func (c *Local) WorldSize() int { return c.hub.WorldSize() }

// AllReduce implements Communicator.
func (c *Local) AllReduce(ctx context.Context, group []int, values []float64, op ReduceOp) ([]float64, error) {
	return c.hub.Join(ctx, Call{
		Kind: KindAllReduce, Group: group, Seq: c.seq.Next(group), Rank: c.rank, Op: op, Values: values})
}

// Barrier implements Communicator.
func (c *Local) Barrier(ctx context.Context, group []int) error {
	_, err := c.hub.Join(ctx, Call{Kind: KindBarrier, Group: group, Seq: c.seq.Next(group), Rank: c.rank})
	return err
}
