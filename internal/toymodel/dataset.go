// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package toymodel

import (
	"context"
	"io"
	"math/rand/v2"

	"github.com/gomlx/gridtrain/pkg/train/step"
)

// Dataset is a synthetic linear regression problem: y = trueW·x + trueB + noise.
// Samples are a pure function of their index, so any rank can generate any sample.
type Dataset struct {
	name        string
	numFeatures int
	numSamples  int64
	seed        uint64
	trueW       []float64
	trueB       float64
	noise       float64
}

// NewDataset creates a dataset of numSamples samples. The same seed always generates the same problem.
func NewDataset(name string, numFeatures int, numSamples int64, seed int64) *Dataset {
	d := &Dataset{
		name:        name,
		numFeatures: numFeatures,
		numSamples:  numSamples,
		seed:        uint64(seed),
		trueW:       make([]float64, numFeatures),
		noise:       0.01,
	}
	rng := rand.New(rand.NewPCG(d.seed, 0))
	for j := range d.trueW {
		d.trueW[j] = rng.NormFloat64()
	}
	d.trueB = rng.NormFloat64()
	return d
}

// Name of the dataset.
func (d *Dataset) Name() string { return d.name }

// NumSamples in the dataset.
func (d *Dataset) NumSamples() int64 { return d.numSamples }

// Sample returns the features and target of sample i.
func (d *Dataset) Sample(i int64) (x []float64, y float64) {
	rng := rand.New(rand.NewPCG(d.seed, uint64(i)+1))
	x = make([]float64, d.numFeatures)
	y = d.trueB
	for j := range x {
		x[j] = rng.Float64()*2 - 1
		y += d.trueW[j] * x[j]
	}
	y += d.noise * rng.NormFloat64()
	return
}

// Microbatch is the batch type produced by Source.
type Microbatch struct {
	X [][]float64
	Y []float64
}

// Source yields the micro-batches of one data-parallel rank. Each pull consumes microBatchSize*dataParallelSize
// consecutive samples of the dataset, of which the rank takes its own slice.
type Source struct {
	dataset          *Dataset
	next             int64
	microBatchSize   int
	dataParallelRank int
	dataParallelSize int
	cyclic           bool
}

var _ step.BatchSource = (*Source)(nil)

// NewSource returns a source starting after consumedSamples. A cyclic source wraps around at the end
// of the dataset, otherwise Next returns io.EOF once the dataset is exhausted.
func (d *Dataset) NewSource(consumedSamples int64, microBatchSize, dataParallelRank, dataParallelSize int,
	cyclic bool) *Source {
	return &Source{
		dataset:          d,
		next:             consumedSamples,
		microBatchSize:   microBatchSize,
		dataParallelRank: dataParallelRank,
		dataParallelSize: dataParallelSize,
		cyclic:           cyclic,
	}
}

// Consumed returns the number of samples consumed across all data-parallel ranks.
func (s *Source) Consumed() int64 { return s.next }

// Next implements step.BatchSource.
func (s *Source) Next(ctx context.Context) (step.Batch, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	globalMicroBatch := int64(s.microBatchSize * s.dataParallelSize)
	if !s.cyclic && s.next+globalMicroBatch > s.dataset.numSamples {
		return nil, io.EOF
	}
	start := s.next + int64(s.dataParallelRank*s.microBatchSize)
	s.next += globalMicroBatch
	mb := &Microbatch{
		X: make([][]float64, s.microBatchSize),
		Y: make([]float64, s.microBatchSize),
	}
	for i := range s.microBatchSize {
		idx := start + int64(i)
		if s.dataset.numSamples > 0 {
			idx %= s.dataset.numSamples
		}
		mb.X[i], mb.Y[i] = s.dataset.Sample(idx)
	}
	return mb, nil
}
