// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package toymodel

import (
	"context"

	"github.com/gomlx/gridtrain/pkg/train"
	"github.com/gomlx/gridtrain/pkg/train/step"
)

// FactoryOptions configure NewFactory.
type FactoryOptions struct {
	Model    Options
	Momentum float64

	// Number of samples of each dataset. A zero TrainSamples makes the training data infinite (cyclic),
	// a zero ValidSamples or TestSamples omits that dataset.
	TrainSamples, ValidSamples, TestSamples int64

	// DataSeed generates the regression problem. It is shared by all datasets, so they sample the same problem.
	DataSeed int64
}

// NewFactory returns a train.ComponentsFactory building the toy model, its optimizer and its synthetic data.
func NewFactory(options FactoryOptions) train.ComponentsFactory {
	return func(_ context.Context, env train.Environment) (train.Components, error) {
		model, err := New(env.Topology, env.Comm, options.Model, env.Seeds)
		if err != nil {
			return train.Components{}, err
		}
		optimizer := NewOptimizer(model, env.ParamScheduler, options.Momentum, env.Config.Optimizer.InitialLossScale)
		data := &Data{
			microBatchSize:   env.Config.Batch.MicroBatchSize,
			dataParallelRank: env.Topology.DataParallelRank(),
			dataParallelSize: env.Topology.DataParallelSize(),
			train:            NewDataset("train", options.Model.NumFeatures, options.TrainSamples, options.DataSeed),
		}
		if options.ValidSamples > 0 {
			data.valid = NewDataset("validation", options.Model.NumFeatures, options.ValidSamples, options.DataSeed+1)
		}
		if options.TestSamples > 0 {
			data.test = NewDataset("test", options.Model.NumFeatures, options.TestSamples, options.DataSeed+2)
		}
		return train.Components{Model: model, Optimizer: optimizer, Data: data}, nil
	}
}

// Data implements train.Data over the synthetic datasets.
type Data struct {
	microBatchSize, dataParallelRank, dataParallelSize int

	train, valid, test *Dataset
}

var _ train.Data = (*Data)(nil)

// Train implements train.Data.
func (d *Data) Train(consumedSamples int64) (step.BatchSource, error) {
	return d.train.NewSource(consumedSamples, d.microBatchSize, d.dataParallelRank, d.dataParallelSize,
		d.train.NumSamples() == 0), nil
}

// Valid implements train.Data. The validation source cycles, so every evaluation finds data.
func (d *Data) Valid(consumedSamples int64) ([]train.NamedSource, error) {
	if d.valid == nil {
		return nil, nil
	}
	source := d.valid.NewSource(consumedSamples, d.microBatchSize, d.dataParallelRank, d.dataParallelSize, true)
	return []train.NamedSource{{Name: d.valid.Name(), Source: source}}, nil
}

// Test implements train.Data.
func (d *Data) Test() (step.BatchSource, error) {
	if d.test == nil {
		return nil, nil
	}
	return d.test.NewSource(0, d.microBatchSize, d.dataParallelRank, d.dataParallelSize, true), nil
}
