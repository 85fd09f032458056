// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package step

import (
	"context"

	"github.com/gomlx/gridtrain/pkg/config"
	"github.com/gomlx/gridtrain/pkg/distributed/collective"
	"github.com/gomlx/gridtrain/pkg/distributed/topology"
	"github.com/gomlx/gridtrain/pkg/errdefs"
	"github.com/pkg/errors"
)

// GradientKind tells which groups, besides the data-parallel one, a gradient buffer is reduced over.
type GradientKind int

const (
	// GradRegular gradients are only averaged across data-parallel replicas.
	GradRegular GradientKind = iota

	// GradWordEmbedding gradients are also summed across the embedding group (first and last stages share them).
	GradWordEmbedding

	// GradPositionEmbedding gradients are also summed across the position-embedding group, when the
	// pipeline is split between encoder and decoder.
	GradPositionEmbedding

	// GradTensorReplicated gradients belong to parameters replicated across the tensor-parallel group
	// (e.g.: layer norms with sequence parallelism), and are also summed across it.
	GradTensorReplicated
)

// GradientBuffer is a flat buffer of gradients, reduced in place.
type GradientBuffer struct {
	Name   string
	Kind   GradientKind
	Values []float64
}

// GradientSync is the strategy used to synchronize gradients after the backward pass.
type GradientSync interface {
	// Name of the strategy.
	Name() string

	// Reduce the buffers in place, leaving the same values on every replica.
	Reduce(ctx context.Context, buffers []*GradientBuffer) error
}

// NewGradientSync returns the strategy with the given name: config.GradientSyncReplica or config.GradientSyncLocal.
func NewGradientSync(name string, topo *topology.Topology, comm collective.Communicator,
	bucketSize int, accumulateInFP32 bool) (GradientSync, error) {
	switch name {
	case config.GradientSyncReplica:
		return &ReplicaWrapped{topo: topo, comm: comm}, nil
	case config.GradientSyncLocal:
		if bucketSize <= 0 {
			return nil, errdefs.NewConfigError("bucket_size", "must be positive, got %d", bucketSize)
		}
		return &LocalBucketed{topo: topo, comm: comm, BucketSize: bucketSize, AccumulateInFP32: accumulateInFP32}, nil
	default:
		return nil, errdefs.NewConfigError("gradient_sync", "unknown strategy %q", name)
	}
}

// ReplicaWrapped all-reduces each gradient buffer on its own across the data-parallel group,
// the way a replica wrapper hooks the reduction of every parameter.
type ReplicaWrapped struct {
	topo *topology.Topology
	comm collective.Communicator
}

// Name implements GradientSync.
func (s *ReplicaWrapped) Name() string { return config.GradientSyncReplica }

// Reduce implements GradientSync.
func (s *ReplicaWrapped) Reduce(ctx context.Context, buffers []*GradientBuffer) error {
	dataGroup := s.topo.Groups().Data
	if len(dataGroup) > 1 {
		dp := float64(len(dataGroup))
		for _, buf := range buffers {
			if len(buf.Values) == 0 {
				continue
			}
			reduced, err := s.comm.AllReduce(ctx, dataGroup, buf.Values, collective.Sum)
			if err != nil {
				return errors.WithMessagef(err, "all-reducing gradient %q", buf.Name)
			}
			for i, v := range reduced {
				buf.Values[i] = v / dp
			}
		}
	}
	return reduceSharedGradients(ctx, s.topo, s.comm, buffers)
}

// LocalBucketed flattens all gradients into a contiguous stream, and all-reduces it in buckets of
// BucketSize values: fewer, larger collectives.
type LocalBucketed struct {
	topo *topology.Topology
	comm collective.Communicator

	BucketSize int

	// AccumulateInFP32 keeps full precision in the reduction. Otherwise, values are rounded to
	// float32 before being reduced, as with low precision gradient buffers.
	AccumulateInFP32 bool
}

// Name implements GradientSync.
func (s *LocalBucketed) Name() string { return config.GradientSyncLocal }

// Reduce implements GradientSync.
func (s *LocalBucketed) Reduce(ctx context.Context, buffers []*GradientBuffer) error {
	dataGroup := s.topo.Groups().Data
	if len(dataGroup) > 1 {
		total := 0
		for _, buf := range buffers {
			total += len(buf.Values)
		}
		flat := make([]float64, 0, total)
		for _, buf := range buffers {
			flat = append(flat, buf.Values...)
		}
		dp := float64(len(dataGroup))
		for i := range flat {
			flat[i] /= dp
			if !s.AccumulateInFP32 {
				flat[i] = float64(float32(flat[i]))
			}
		}
		for start := 0; start < len(flat); start += s.BucketSize {
			end := min(start+s.BucketSize, len(flat))
			reduced, err := s.comm.AllReduce(ctx, dataGroup, flat[start:end], collective.Sum)
			if err != nil {
				return errors.WithMessagef(err, "all-reducing gradient bucket [%d:%d]", start, end)
			}
			copy(flat[start:end], reduced)
		}
		offset := 0
		for _, buf := range buffers {
			offset += copy(buf.Values, flat[offset:offset+len(buf.Values)])
		}
	}
	return reduceSharedGradients(ctx, s.topo, s.comm, buffers)
}

// reduceSharedGradients sums the gradients of parameters shared across pipeline stages or tensor ranks.
// Kinds are processed in a fixed order, so every rank issues the collectives of each group in the same order.
func reduceSharedGradients(ctx context.Context, topo *topology.Topology, comm collective.Communicator,
	buffers []*GradientBuffer) error {
	groups := topo.Groups()
	_, hasSplit := topo.SplitRank()
	for _, kind := range []GradientKind{GradWordEmbedding, GradPositionEmbedding, GradTensorReplicated} {
		var group []int
		switch kind {
		case GradWordEmbedding:
			if topo.InEmbeddingGroup() {
				group = groups.Embedding
			}
		case GradPositionEmbedding:
			if hasSplit && topo.InPositionEmbeddingGroup() {
				group = groups.PositionEmbedding
			}
		case GradTensorReplicated:
			group = groups.Tensor
		}
		if len(group) <= 1 {
			continue
		}
		for _, buf := range buffers {
			if buf.Kind != kind || len(buf.Values) == 0 {
				continue
			}
			reduced, err := comm.AllReduce(ctx, group, buf.Values, collective.Sum)
			if err != nil {
				return errors.WithMessagef(err, "all-reducing shared gradient %q", buf.Name)
			}
			copy(buf.Values, reduced)
		}
	}
	return nil
}
