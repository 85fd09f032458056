// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package toymodel implements a small linear regression model sharded across tensor and pipeline ranks,
// with its optimizer and a synthetic dataset. It exercises every collaborator interface of the training
// loop with real collectives, and is small enough to check numerically.
//
// The prediction for a sample x is:
//
//	pred = g * (w · x) + k*b
//
// The features of w are split across the model-parallel group. b is tied across the embedding group
// (k is the number of model chunks holding it), and g is held by the last pipeline stage, replicated
// across its tensor-parallel ranks.
package toymodel

import (
	"context"
	"encoding/json"
	"math"

	"github.com/gomlx/gridtrain/pkg/distributed/collective"
	"github.com/gomlx/gridtrain/pkg/distributed/topology"
	"github.com/gomlx/gridtrain/pkg/errdefs"
	"github.com/gomlx/gridtrain/pkg/train/seed"
	"github.com/gomlx/gridtrain/pkg/train/step"
	"github.com/pkg/errors"
)

// LossKey is the key of the loss reported by the model.
const LossKey = "mse loss"

// Options of the model.
type Options struct {
	// NumFeatures of the input samples.
	NumFeatures int

	// Dropout probability applied to the input features during training. 0 disables it.
	Dropout float64

	// InjectOverflowEvery makes every n-th training forward-backward produce an infinite gradient,
	// to exercise loss scaling. 0 disables it.
	InjectOverflowEvery int
}

// Model holds the shard of one rank.
type Model struct {
	*seed.RNG

	topo    *topology.Topology
	comm    collective.Communicator
	options Options

	// Features [shardStart, shardEnd) are held by this rank.
	shardStart, shardEnd int

	// embeddingUses is the number of chunks of this rank holding b.
	embeddingUses int

	hasB, hasG bool
	w          []float64
	b, g       float64

	gradW, gradB, gradG []float64

	lossScale   func() float64
	trainPasses int
}

var (
	_ step.Model  = (*Model)(nil)
	_ seed.Seeder = (*Model)(nil)
)

// New creates the shard of the rank described by topo, initializing the weights from seeds.
func New(topo *topology.Topology, comm collective.Communicator, options Options, seeds seed.Seeds) (*Model, error) {
	mpSize := topo.TensorParallelSize() * topo.PipelineSize()
	if options.NumFeatures < mpSize {
		return nil, errdefs.NewConfigError("num_features", "%d features can't be split across %d model-parallel ranks",
			options.NumFeatures, mpSize)
	}
	if options.Dropout < 0 || options.Dropout >= 1 {
		return nil, errdefs.NewConfigError("dropout", "must be in [0, 1), got %g", options.Dropout)
	}
	m := &Model{
		RNG:       seed.NewRNG(seeds),
		topo:      topo,
		comm:      comm,
		options:   options,
		lossScale: func() float64 { return 1 },
	}
	shard := topo.PipelineRank()*topo.TensorParallelSize() + topo.TensorParallelRank()
	m.shardStart = shard * options.NumFeatures / mpSize
	m.shardEnd = (shard + 1) * options.NumFeatures / mpSize
	for _, stage := range topo.Stages() {
		if stage.InEmbeddingGroup() {
			m.embeddingUses++
		}
	}
	m.hasB = m.embeddingUses > 0
	m.hasG = topo.IsLastPipelineStage()

	m.w = make([]float64, m.shardEnd-m.shardStart)
	for j := range m.w {
		m.w[j] = 0.02 * m.TensorParallel.NormFloat64()
	}
	m.g = 1
	m.gradW = make([]float64, len(m.w))
	if m.hasB {
		m.gradB = make([]float64, 1)
	}
	if m.hasG {
		m.gradG = make([]float64, 1)
	}
	return m, nil
}

// ZeroGradBuffers implements step.Model.
func (m *Model) ZeroGradBuffers() {
	for _, buf := range [][]float64{m.gradW, m.gradB, m.gradG} {
		clear(buf)
	}
}

// GradientBuffers implements step.Model.
func (m *Model) GradientBuffers() []*step.GradientBuffer {
	buffers := []*step.GradientBuffer{{Name: "w", Kind: step.GradRegular, Values: m.gradW}}
	if m.hasB {
		buffers = append(buffers, &step.GradientBuffer{Name: "b", Kind: step.GradWordEmbedding, Values: m.gradB})
	}
	if m.hasG {
		buffers = append(buffers, &step.GradientBuffer{Name: "g", Kind: step.GradTensorReplicated, Values: m.gradG})
	}
	return buffers
}

// ForwardBackward implements step.Model.
//
// Each micro-batch costs one all-reduce over the model-parallel group, which plays the role of the
// point-to-point exchange between pipeline stages.
func (m *Model) ForwardBackward(ctx context.Context, batches step.BatchSource, numMicrobatches int,
	forwardOnly bool) ([]map[string]float64, error) {
	var losses []map[string]float64
	if !forwardOnly {
		m.trainPasses++
	}
	scale := m.lossScale()
	tpRank, tpSize := m.topo.TensorParallelRank(), m.topo.TensorParallelSize()
	for micro := range numMicrobatches {
		batch, err := batches.Next(ctx)
		if err != nil {
			return nil, errors.WithMessagef(err, "reading micro-batch %d", micro)
		}
		mb, ok := batch.(*Microbatch)
		if !ok {
			return nil, errors.Errorf("unexpected micro-batch type %T", batch)
		}
		rows := len(mb.Y)
		x := m.shardFeatures(mb, forwardOnly)

		// Partial sums: rows dot products, then b and g contributions.
		partial := make([]float64, rows+2)
		for i := range rows {
			for j, wj := range m.w {
				partial[i] += wj * x[i][j]
			}
		}
		if tpRank == 0 {
			partial[rows] = float64(m.embeddingUses) * m.b
			if m.hasG {
				partial[rows+1] = m.g
			}
		}
		full := partial
		if group := m.topo.Groups().ModelParallel; len(group) > 1 {
			full, err = m.comm.AllReduce(ctx, group, partial, collective.Sum)
			if err != nil {
				return nil, errors.WithMessagef(err, "exchanging activations of micro-batch %d", micro)
			}
		}
		bias, g := full[rows], full[rows+1]

		var loss float64
		residuals := make([]float64, rows)
		for i := range rows {
			diff := g*full[i] + bias - mb.Y[i]
			loss += diff * diff
			residuals[i] = 2 * diff / float64(rows*numMicrobatches) * scale
		}
		if m.topo.IsLastPipelineStage() {
			losses = append(losses, map[string]float64{LossKey: loss / float64(rows)})
		}
		if forwardOnly {
			continue
		}

		var sumResiduals float64
		for i, r := range residuals {
			sumResiduals += r
			for j := range m.gradW {
				m.gradW[j] += r * g * x[i][j]
			}
			if m.hasG && i%tpSize == tpRank {
				m.gradG[0] += r * full[i]
			}
		}
		if m.hasB {
			m.gradB[0] += float64(m.embeddingUses) * sumResiduals
		}
	}
	if !forwardOnly && m.options.InjectOverflowEvery > 0 && m.trainPasses%m.options.InjectOverflowEvery == 0 &&
		len(m.gradW) > 0 && m.topo.TensorParallelRank() == 0 {
		m.gradW[0] = math.Inf(1)
	}
	return losses, nil
}

// shardFeatures returns the features of the shard, with dropout applied when training.
func (m *Model) shardFeatures(mb *Microbatch, forwardOnly bool) [][]float64 {
	x := make([][]float64, len(mb.X))
	for i, row := range mb.X {
		x[i] = row[m.shardStart:m.shardEnd]
		if forwardOnly || m.options.Dropout == 0 {
			continue
		}
		dropped := make([]float64, len(x[i]))
		keep := 1 - m.options.Dropout
		for j, v := range x[i] {
			if m.TensorParallel.Float64() < keep {
				dropped[j] = v / keep
			}
		}
		x[i] = dropped
	}
	return x
}

// chunkState is the serialized parameters of one model chunk.
type chunkState struct {
	W []float64 `json:"w"`
	B *float64  `json:"b,omitempty"`
	G *float64  `json:"g,omitempty"`
}

// StateDict returns the parameters as one blob per model chunk (see topology.Topology.Stages).
// w is split evenly across the chunks. b and g are stored with the first chunk.
func (m *Model) StateDict() ([][]byte, error) {
	stages := m.topo.Stages()
	blobs := make([][]byte, len(stages))
	for i := range stages {
		start, end := i*len(m.w)/len(stages), (i+1)*len(m.w)/len(stages)
		state := chunkState{W: m.w[start:end]}
		if i == 0 {
			if m.hasB {
				state.B = &m.b
			}
			if m.hasG {
				state.G = &m.g
			}
		}
		var err error
		if blobs[i], err = json.Marshal(state); err != nil {
			return nil, errors.Wrapf(err, "serializing model chunk %d", i)
		}
	}
	return blobs, nil
}

// LoadStateDict restores the parameters saved by StateDict.
func (m *Model) LoadStateDict(blobs [][]byte) error {
	if len(blobs) != len(m.topo.Stages()) {
		return errors.Errorf("model state has %d chunks, expected %d", len(blobs), len(m.topo.Stages()))
	}
	w := make([]float64, 0, len(m.w))
	for i, blob := range blobs {
		var state chunkState
		if err := json.Unmarshal(blob, &state); err != nil {
			return errors.Wrapf(err, "parsing model chunk %d", i)
		}
		w = append(w, state.W...)
		if state.B != nil {
			m.b = *state.B
		}
		if state.G != nil {
			m.g = *state.G
		}
	}
	if len(w) != len(m.w) {
		return errors.Errorf("model state has %d features, expected %d", len(w), len(m.w))
	}
	copy(m.w, w)
	return nil
}

// Parameters returns copies of the local parameters. b and g are 0 if not held by this rank.
func (m *Model) Parameters() (w []float64, b, g float64) {
	return append([]float64(nil), m.w...), m.b, m.g
}
