// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package seed derives deterministic per-rank random seeds, and defines the Seeder capability
// the compute layer exposes so its random sources can be seeded, checkpointed and restored.
package seed

import (
	"encoding/json"
	"math/rand/v2"

	"github.com/gomlx/gridtrain/pkg/distributed/topology"
	"github.com/gomlx/gridtrain/pkg/errdefs"
	"github.com/pkg/errors"
)

// TensorParallelOffset is added to the seed of the random source used inside tensor-parallel regions,
// which must differ across tensor-parallel ranks (e.g.: dropout on sharded activations).
const TensorParallelOffset = 2718

// Derive returns the seed of a rank: base + 100*pipelineRank, plus 10*dataParallelRank if
// randomizeAcrossDataParallel. Otherwise data-parallel replicas share the seed, so they initialize
// identically, as gradient averaging requires.
//
// It returns an errdefs.ConfigError if base <= 0.
func Derive(base int64, pipelineRank, dataParallelRank int, randomizeAcrossDataParallel bool) (int64, error) {
	if base <= 0 {
		return 0, errdefs.NewConfigError("seed", "seed must be positive, got %d", base)
	}
	seed := base + 100*int64(pipelineRank)
	if randomizeAcrossDataParallel {
		seed += 10 * int64(dataParallelRank)
	}
	return seed, nil
}

// Seeds of one rank.
type Seeds struct {
	// Default seeds general random sources.
	Default int64

	// TensorParallel seeds the random source used inside tensor-parallel regions.
	TensorParallel int64
}

// ForRank derives the seeds of the rank described by topo.
func ForRank(base int64, topo *topology.Topology, randomizeAcrossDataParallel bool) (Seeds, error) {
	s, err := Derive(base, topo.PipelineRank(), topo.DataParallelRank(), randomizeAcrossDataParallel)
	if err != nil {
		return Seeds{}, err
	}
	return Seeds{Default: s, TensorParallel: s + TensorParallelOffset + int64(topo.TensorParallelRank())}, nil
}

// Seeder is implemented by the compute layer: it owns the process-local random sources.
type Seeder interface {
	// SetSeeds re-seeds every random source.
	SetSeeds(seeds Seeds) error

	// RNGState serializes the state of the random sources, to be stored in checkpoints.
	RNGState() ([]byte, error)

	// RestoreRNGState restores a state returned by RNGState.
	RestoreRNGState(state []byte) error
}

// Apply seeds seeder.
func Apply(seeder Seeder, seeds Seeds) error {
	return errors.WithMessagef(seeder.SetSeeds(seeds), "seeding random sources with %+v", seeds)
}

// RNG is a Seeder with two PCG random streams: the default one and the tensor-parallel one.
// Compute collaborators can embed it.
type RNG struct {
	defaultSrc, tensorSrc *rand.PCG

	// Default and TensorParallel generators draw from the respective sources.
	Default, TensorParallel *rand.Rand
}

var _ Seeder = (*RNG)(nil)

// NewRNG returns an RNG seeded with seeds.
func NewRNG(seeds Seeds) *RNG {
	r := &RNG{defaultSrc: &rand.PCG{}, tensorSrc: &rand.PCG{}}
	r.Default = rand.New(r.defaultSrc)
	r.TensorParallel = rand.New(r.tensorSrc)
	_ = r.SetSeeds(seeds)
	return r
}

// SetSeeds implements Seeder.
func (r *RNG) SetSeeds(seeds Seeds) error {
	r.defaultSrc.Seed(uint64(seeds.Default), 0)
	r.tensorSrc.Seed(uint64(seeds.TensorParallel), 0)
	return nil
}

type rngState struct {
	Default        []byte `json:"default"`
	TensorParallel []byte `json:"tensor_parallel"`
}

// RNGState implements Seeder.
func (r *RNG) RNGState() ([]byte, error) {
	var state rngState
	var err error
	if state.Default, err = r.defaultSrc.MarshalBinary(); err != nil {
		return nil, errors.Wrap(err, "serializing default random source")
	}
	if state.TensorParallel, err = r.tensorSrc.MarshalBinary(); err != nil {
		return nil, errors.Wrap(err, "serializing tensor-parallel random source")
	}
	return json.Marshal(state)
}

// RestoreRNGState implements Seeder.
func (r *RNG) RestoreRNGState(data []byte) error {
	var state rngState
	if err := json.Unmarshal(data, &state); err != nil {
		return errors.Wrap(err, "parsing random sources state")
	}
	if err := r.defaultSrc.UnmarshalBinary(state.Default); err != nil {
		return errors.Wrap(err, "restoring default random source")
	}
	if err := r.tensorSrc.UnmarshalBinary(state.TensorParallel); err != nil {
		return errors.Wrap(err, "restoring tensor-parallel random source")
	}
	return nil
}
