// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package metrics aggregates the per-step results of the training loop between logging intervals,
// and forwards the reported scalars to observability sinks.
package metrics

import (
	"fmt"
	"maps"
	"math"
	"slices"
	"strings"
	"time"

	"k8s.io/klog/v2"
)

// NonFinite returns whether v is +Inf, -Inf or NaN (the only value that fails self-equality).
func NonFinite(v float64) bool {
	return math.IsInf(v, 0) || v != v
}

// Snapshot holds the values known by the loop, not by the aggregator, at the time of a report.
type Snapshot struct {
	Iteration, TrainIters int64
	ConsumedSamples       int64
	GlobalBatchSize       int
	LearningRate          float64

	// Optional values, reported only when set.
	WeightDecay, LossScale, ParamsNorm *float64
}

// LogRecord is the summary of one logging interval.
type LogRecord struct {
	Snapshot

	// Losses averaged over the advanced iterations of the interval.
	Losses map[string]float64

	// GradNorm and NumZeros of the last iteration of the interval, if reported by the optimizer.
	GradNorm, NumZeros *float64

	Skipped, NaN int64

	// ElapsedPerIteration is the average wall time of the iterations of the interval.
	ElapsedPerIteration time.Duration

	// TokensPerSecondPerWorker and TFLOPs (per worker) are zero if the model shape is unknown.
	TokensPerSecondPerWorker, TFLOPs float64
}

// String renders the record as a pipe-separated log line.
func (r *LogRecord) String() string {
	var sb strings.Builder
	w := func(format string, args ...any) {
		sb.WriteString(fmt.Sprintf(format, args...))
		sb.WriteString(" |")
	}
	w(" iteration %8d/%8d", r.Iteration, r.TrainIters)
	w(" consumed samples: %12d", r.ConsumedSamples)
	w(" elapsed time per iteration (ms): %.1f", float64(r.ElapsedPerIteration)/float64(time.Millisecond))
	if r.TFLOPs > 0 {
		w(" TFLOPs: %.2f", r.TFLOPs)
	}
	w(" learning rate: %.3E", r.LearningRate)
	w(" global batch size: %5d", r.GlobalBatchSize)
	for _, key := range slices.Sorted(maps.Keys(r.Losses)) {
		w(" %s: %.6E", key, r.Losses[key])
	}
	if r.LossScale != nil {
		w(" loss scale: %.1f", *r.LossScale)
	}
	if r.GradNorm != nil {
		w(" grad norm: %.3f", *r.GradNorm)
	}
	if r.NumZeros != nil {
		w(" num zeros: %.1f", *r.NumZeros)
	}
	if r.ParamsNorm != nil {
		w(" params norm: %.3f", *r.ParamsNorm)
	}
	w(" number of skipped iterations: %3d", r.Skipped)
	w(" number of nan iterations: %3d", r.NaN)
	return sb.String()
}

// Aggregator accumulates step results between logging intervals.
//
// It is not safe for concurrent use: the control loop owns it.
type Aggregator struct {
	logInterval int64
	shape       ModelShape
	worldSize   int
	sink        Sink
	logger      klog.Logger
	now         func() time.Time

	totals                 map[string]float64
	advanced, skipped, nan int64
	gradNorm, numZeros     *float64
	lastLosses             map[string]float64
	lastFlush              time.Time
}

// NewAggregator creates an Aggregator that flushes every logInterval iterations.
// The sink can be nil, and shape can be zero, in which case no throughput is estimated.
func NewAggregator(logInterval int64, shape ModelShape, worldSize int, sink Sink, logger klog.Logger) *Aggregator {
	if sink == nil {
		sink = NopSink{}
	}
	a := &Aggregator{
		logInterval: max(1, logInterval),
		shape:       shape,
		worldSize:   max(1, worldSize),
		sink:        sink,
		logger:      logger,
		now:         time.Now,
	}
	a.reset()
	return a
}

// WithClock replaces the clock used to measure elapsed time. Used for testing.
func (a *Aggregator) WithClock(now func() time.Time) *Aggregator {
	a.now = now
	a.lastFlush = now()
	return a
}

// Restart the interval timer, e.g.: after an evaluation or a checkpoint, whose time shouldn't
// be accounted to training iterations.
func (a *Aggregator) Restart() {
	a.lastFlush = a.now()
}

func (a *Aggregator) reset() {
	a.totals = make(map[string]float64)
	a.advanced, a.skipped, a.nan = 0, 0, 0
	a.lastFlush = a.now()
}

// Record the results of one attempted iteration.
//
// Losses are accumulated only if the iteration was not skipped, while the counters of advanced,
// skipped and NaN iterations are updated on every call.
func (a *Aggregator) Record(losses map[string]float64, skipped bool, gradNorm, numZeros *float64) {
	gotNaN := false
	for key, v := range losses {
		if !skipped {
			a.totals[key] += v
		}
		gotNaN = gotNaN || NonFinite(v)
	}
	if skipped {
		a.skipped++
	} else {
		a.advanced++
	}
	if gotNaN {
		a.nan++
	}
	a.gradNorm, a.numZeros = gradNorm, numZeros
	a.lastLosses = losses
	if counter, ok := a.sink.(IterationCounter); ok {
		counter.CountIteration(skipped, gotNaN)
	}
}

// Counts returns the advanced, skipped and NaN iterations recorded since the last flush.
func (a *Aggregator) Counts() (advanced, skipped, nan int64) {
	return a.advanced, a.skipped, a.nan
}

// FlushIfDue reports the scalars of the last recorded iteration to the sink and, if snap.Iteration
// is at a logging interval boundary, returns the LogRecord of the interval and resets the accumulators.
func (a *Aggregator) FlushIfDue(snap Snapshot) (*LogRecord, bool) {
	a.report(snap)
	if snap.Iteration%a.logInterval != 0 {
		return nil, false
	}

	iterations := a.advanced + a.skipped
	elapsed := a.now().Sub(a.lastFlush)
	record := &LogRecord{
		Snapshot: snap,
		Losses:   make(map[string]float64, len(a.totals)),
		GradNorm: a.gradNorm,
		NumZeros: a.numZeros,
		Skipped:  a.skipped,
		NaN:      a.nan,
	}
	if iterations > 0 {
		record.ElapsedPerIteration = elapsed / time.Duration(iterations)
	}
	denominator := float64(max(1, a.advanced))
	for key, total := range a.totals {
		record.Losses[key] = total / denominator
	}
	if seconds := record.ElapsedPerIteration.Seconds(); seconds > 0 && a.shape.SeqLength > 0 {
		record.TokensPerSecondPerWorker = a.shape.TokensPerSecondPerWorker(snap.GlobalBatchSize, a.worldSize, seconds)
		record.TFLOPs = a.shape.TFLOPsPerWorker(snap.GlobalBatchSize, a.worldSize, seconds)
		a.addScalar("iteration-time", seconds, snap)
		a.addScalar("tflops", record.TFLOPs, snap)
	}
	a.reset()
	return record, true
}

// report writes the per-iteration scalars to the sink.
func (a *Aggregator) report(snap Snapshot) {
	a.addScalar("learning-rate", snap.LearningRate, snap)
	a.addScalar("batch-size", float64(snap.GlobalBatchSize), snap)
	for _, key := range slices.Sorted(maps.Keys(a.lastLosses)) {
		a.addScalar(key, a.lastLosses[key], snap)
	}
	optional := []struct {
		name  string
		value *float64
	}{
		{"weight-decay", snap.WeightDecay},
		{"loss-scale", snap.LossScale},
		{"grad-norm", a.gradNorm},
		{"num-zeros", a.numZeros},
		{"params-norm", snap.ParamsNorm},
	}
	for _, o := range optional {
		if o.value != nil {
			a.addScalar(o.name, *o.value, snap)
		}
	}
	a.addScalar("world-size", float64(a.worldSize), snap)
}

// addScalar reports the value against the iteration, and against the consumed samples.
// Failures are logged, never propagated.
func (a *Aggregator) addScalar(name string, value float64, snap Snapshot) {
	if err := a.sink.AddScalar(name, value, snap.Iteration); err != nil {
		a.logger.Error(err, "failed to report scalar", "name", name)
		return
	}
	if err := a.sink.AddScalar(name+" vs samples", value, snap.ConsumedSamples); err != nil {
		a.logger.Error(err, "failed to report scalar", "name", name+" vs samples")
	}
}
