// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package collective

import (
	"context"
	"slices"
	"sync"

	"github.com/pkg/errors"
)

// CallKind distinguishes the collective operations matched by a Hub.
type CallKind int

const (
	KindAllReduce CallKind = iota
	KindBarrier
)

// Call is one rank's participation in a collective operation.
type Call struct {
	Kind  CallKind
	Group []int

	// Seq is the number of previous calls the rank issued on Group.
	Seq uint64

	Rank   int
	Op     ReduceOp
	Values []float64
}

type callKey struct {
	group string
	seq   uint64
}

type pendingCall struct {
	kind    CallKind
	op      ReduceOp
	size    int
	group   []int
	arrived map[int][]float64
	result  []float64
	err     error
	done    chan struct{}
}

// Hub matches Calls from the members of a group and completes them once everyone arrived.
//
// It is the meeting point of an in-process world (see NewLocalWorld), and the state held by the
// coordinator of a multi-process job (see package rendezvous).
type Hub struct {
	worldSize int

	mu      sync.Mutex
	pending map[callKey]*pendingCall
}

// NewHub creates a Hub for a world of the given size.
func NewHub(worldSize int) *Hub {
	return &Hub{
		worldSize: worldSize,
		pending:   make(map[callKey]*pendingCall),
	}
}

// WorldSize of the hub.
func (h *Hub) WorldSize() int { return h.worldSize }

// Join registers call and blocks until all members of call.Group joined the matching call, or ctx is done.
//
// Values are reduced in group order once the last member arrives, so results don't depend on arrival order.
// Mismatched calls (different kind, reduce op or number of values) fail for every member.
func (h *Hub) Join(ctx context.Context, call Call) ([]float64, error) {
	if err := ValidateGroup(call.Group, call.Rank, h.worldSize); err != nil {
		return nil, err
	}
	key := callKey{group: GroupKey(call.Group), seq: call.Seq}

	h.mu.Lock()
	p, found := h.pending[key]
	if !found {
		p = &pendingCall{
			kind:    call.Kind,
			op:      call.Op,
			size:    len(call.Group),
			group:   call.Group,
			arrived: make(map[int][]float64, len(call.Group)),
			done:    make(chan struct{}),
		}
		h.pending[key] = p
	} else {
		_, twice := p.arrived[call.Rank]
		switch {
		case twice:
			p.err = errors.Errorf("rank %d joined collective #%d on group [%s] twice", call.Rank, call.Seq, key.group)
		case p.kind != call.Kind:
			p.err = errors.Errorf("rank %d issued a different collective kind in call #%d on group [%s]",
				call.Rank, call.Seq, key.group)
		case call.Kind == KindAllReduce && p.op != call.Op:
			p.err = errors.Errorf("rank %d issued all-reduce %s, others issued %s, in call #%d on group [%s]",
				call.Rank, call.Op, p.op, call.Seq, key.group)
		case call.Kind == KindAllReduce && p.firstLen() != len(call.Values):
			p.err = errors.Errorf("rank %d all-reduced %d values, others %d, in call #%d on group [%s]",
				call.Rank, len(call.Values), p.firstLen(), call.Seq, key.group)
		}
	}
	p.arrived[call.Rank] = slices.Clone(call.Values)
	if len(p.arrived) == p.size {
		delete(h.pending, key)
		if p.kind == KindAllReduce && p.err == nil {
			p.reduce()
		}
		close(p.done)
	}
	h.mu.Unlock()

	select {
	case <-p.done:
	case <-ctx.Done():
		return nil, errors.Wrapf(context.Cause(ctx), "rank %d waiting on collective #%d on group [%s]",
			call.Rank, call.Seq, key.group)
	}
	if p.err != nil {
		return nil, p.err
	}
	return slices.Clone(p.result), nil
}

// firstLen returns the number of values of any member that already arrived.
func (p *pendingCall) firstLen() int {
	for _, values := range p.arrived {
		return len(values)
	}
	return 0
}

func (p *pendingCall) reduce() {
	for _, rank := range p.group {
		values := p.arrived[rank]
		if p.result == nil {
			p.result = slices.Clone(values)
			continue
		}
		ReduceInto(p.op, p.result, values)
	}
}

// Sequencer hands out per-group sequence numbers for one rank.
type Sequencer struct {
	mu   sync.Mutex
	next map[string]uint64
}

// Next returns the sequence number for the next call on group.
func (s *Sequencer) Next(group []int) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.next == nil {
		s.next = make(map[string]uint64)
	}
	key := GroupKey(group)
	seq := s.next[key]
	s.next[key] = seq + 1
	return seq
}
