// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package metrics

// ModelShape describes the transformer being trained, only used for throughput estimates.
type ModelShape struct {
	SeqLength, HiddenSize, NumLayers, VocabSize int

	// RecomputeActivations means the forward pass is run twice per step.
	RecomputeActivations bool
}

// FLOPsPerIteration estimates the floating point operations of one iteration over globalBatchSize sequences.
func (s ModelShape) FLOPsPerIteration(globalBatchSize int) float64 {
	if s.HiddenSize <= 0 || s.NumLayers <= 0 {
		return 0
	}
	checkpointFactor := 3.0
	if s.RecomputeActivations {
		checkpointFactor = 4.0
	}
	b, seq := float64(globalBatchSize), float64(s.SeqLength)
	h, l, v := float64(s.HiddenSize), float64(s.NumLayers), float64(s.VocabSize)
	return 24 * checkpointFactor * b * seq * l * h * h * (1 + seq/(6*h) + v/(16*l*h))
}

// TFLOPsPerWorker estimates the achieved tera floating point operations per second of each worker.
func (s ModelShape) TFLOPsPerWorker(globalBatchSize, worldSize int, secondsPerIteration float64) float64 {
	if secondsPerIteration <= 0 || worldSize <= 0 {
		return 0
	}
	return s.FLOPsPerIteration(globalBatchSize) / (secondsPerIteration * float64(worldSize) * 1e12)
}

// TokensPerSecondPerWorker returns the number of tokens processed per second by each worker.
func (s ModelShape) TokensPerSecondPerWorker(globalBatchSize, worldSize int, secondsPerIteration float64) float64 {
	if secondsPerIteration <= 0 || worldSize <= 0 {
		return 0
	}
	return float64(s.SeqLength*globalBatchSize) / float64(worldSize) / secondsPerIteration
}
