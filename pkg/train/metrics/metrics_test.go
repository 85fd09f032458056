// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package metrics

import (
	"math"
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type scalar struct {
	name  string
	value float64
	step  int64
}

type recordingSink struct {
	scalars []scalar
	err     error
}

func (s *recordingSink) AddScalar(name string, value float64, step int64) error {
	s.scalars = append(s.scalars, scalar{name, value, step})
	return s.err
}

func (s *recordingSink) find(name string) (scalar, bool) {
	for i := len(s.scalars) - 1; i >= 0; i-- {
		if s.scalars[i].name == name {
			return s.scalars[i], true
		}
	}
	return scalar{}, false
}

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time { return c.t }

func ptr(v float64) *float64 { return &v }

func TestNonFinite(t *testing.T) {
	assert.True(t, NonFinite(math.NaN()))
	assert.True(t, NonFinite(math.Inf(1)))
	assert.True(t, NonFinite(math.Inf(-1)))
	assert.False(t, NonFinite(0))
	assert.False(t, NonFinite(-1e300))
}

func TestAggregator(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1000, 0)}
	sink := &recordingSink{}
	agg := NewAggregator(3, ModelShape{}, 4, sink, logr.Discard()).WithClock(clock.now)

	// Iteration 1: advanced.
	agg.Record(map[string]float64{"lm loss": 2}, false, ptr(1.0), nil)
	clock.t = clock.t.Add(time.Second)
	_, due := agg.FlushIfDue(Snapshot{Iteration: 1, ConsumedSamples: 8, GlobalBatchSize: 8, LearningRate: 0.1})
	assert.False(t, due)

	// Iteration 2: skipped with a NaN loss, which must not pollute the totals.
	agg.Record(map[string]float64{"lm loss": math.NaN()}, true, nil, nil)
	clock.t = clock.t.Add(time.Second)
	_, due = agg.FlushIfDue(Snapshot{Iteration: 2, ConsumedSamples: 16, GlobalBatchSize: 8, LearningRate: 0.1})
	assert.False(t, due)

	// Iteration 3: advanced.
	agg.Record(map[string]float64{"lm loss": 4}, false, ptr(2.0), ptr(5))
	clock.t = clock.t.Add(time.Second)
	advanced, skipped, nan := agg.Counts()
	assert.Equal(t, []int64{2, 1, 1}, []int64{advanced, skipped, nan})

	record, due := agg.FlushIfDue(Snapshot{Iteration: 3, TrainIters: 10, ConsumedSamples: 24, GlobalBatchSize: 8,
		LearningRate: 0.1, LossScale: ptr(1024)})
	require.True(t, due)
	assert.InDelta(t, 3.0, record.Losses["lm loss"], 1e-12)
	assert.Equal(t, int64(1), record.Skipped)
	assert.Equal(t, int64(1), record.NaN)
	assert.Equal(t, time.Second, record.ElapsedPerIteration)
	assert.Equal(t, 2.0, *record.GradNorm)
	assert.Zero(t, record.TFLOPs, "no model shape, no estimate")

	line := record.String()
	assert.Contains(t, line, "iteration        3/      10")
	assert.Contains(t, line, "lm loss: 3.000000E+00")
	assert.Contains(t, line, "loss scale: 1024.0")
	assert.Contains(t, line, "number of skipped iterations:   1")
	assert.Contains(t, line, "number of nan iterations:   1")

	// Counters were reset.
	advanced, skipped, nan = agg.Counts()
	assert.Equal(t, []int64{0, 0, 0}, []int64{advanced, skipped, nan})

	// Scalars against iterations and against samples.
	s, found := sink.find("lm loss")
	require.True(t, found)
	assert.Equal(t, scalar{"lm loss", 4, 3}, s)
	s, found = sink.find("lm loss vs samples")
	require.True(t, found)
	assert.Equal(t, int64(24), s.step)
	s, found = sink.find("loss-scale")
	require.True(t, found)
	assert.Equal(t, 1024.0, s.value)
	_, found = sink.find("params-norm")
	assert.False(t, found)
}

func TestAggregatorAllSkipped(t *testing.T) {
	agg := NewAggregator(1, ModelShape{}, 1, nil, logr.Discard())
	agg.Record(map[string]float64{"lm loss": 1}, true, nil, nil)
	record, due := agg.FlushIfDue(Snapshot{Iteration: 1})
	require.True(t, due)
	assert.Empty(t, record.Losses)
	assert.Equal(t, int64(1), record.Skipped)
}

func TestSinkErrorsAreNotFatal(t *testing.T) {
	sink := &recordingSink{err: errors.New("disk full")}
	agg := NewAggregator(1, ModelShape{}, 1, sink, logr.Discard())
	agg.Record(map[string]float64{"lm loss": 1}, false, nil, nil)
	record, due := agg.FlushIfDue(Snapshot{Iteration: 1})
	require.True(t, due)
	assert.Equal(t, 1.0, record.Losses["lm loss"])
	assert.NotEmpty(t, sink.scalars)
}

func TestThroughput(t *testing.T) {
	shape := ModelShape{SeqLength: 6, HiddenSize: 1, NumLayers: 1, VocabSize: 16}
	// 24 * 3 * 1 * 6 * 1 * 1 * (1 + 6/6 + 16/16)
	assert.InDelta(t, 1296.0, shape.FLOPsPerIteration(1), 1e-9)
	shape.RecomputeActivations = true
	assert.InDelta(t, 1728.0, shape.FLOPsPerIteration(1), 1e-9)
	assert.InDelta(t, 1728.0/(2*4*1e12), shape.TFLOPsPerWorker(1, 4, 2), 1e-20)
	assert.InDelta(t, 6.0*8/4/2, shape.TokensPerSecondPerWorker(8, 4, 2), 1e-12)
	assert.Zero(t, shape.TFLOPsPerWorker(1, 4, 0))

	clock := &fakeClock{t: time.Unix(0, 0)}
	agg := NewAggregator(1, shape, 4, nil, logr.Discard()).WithClock(clock.now)
	agg.Record(map[string]float64{"lm loss": 1}, false, nil, nil)
	clock.t = clock.t.Add(2 * time.Second)
	record, _ := agg.FlushIfDue(Snapshot{Iteration: 1, GlobalBatchSize: 8})
	assert.InDelta(t, 6.0, record.TokensPerSecondPerWorker, 1e-9)
	assert.Greater(t, record.TFLOPs, 0.0)
	assert.Contains(t, record.String(), "TFLOPs:")
}

func TestPrometheusSink(t *testing.T) {
	registry := prometheus.NewRegistry()
	prom, err := NewPrometheusSink(registry)
	require.NoError(t, err)
	_, err = NewPrometheusSink(registry)
	require.Error(t, err, "collectors can't be registered twice")

	other := &recordingSink{}
	sink := MultiSink{prom, other}
	agg := NewAggregator(1, ModelShape{}, 1, sink, logr.Discard())
	agg.Record(map[string]float64{"lm loss": 1.5}, false, nil, nil)
	agg.Record(map[string]float64{"lm loss": math.NaN()}, true, nil, nil)
	agg.FlushIfDue(Snapshot{Iteration: 7, LearningRate: 0.25})

	assert.Equal(t, 0.25, testutil.ToFloat64(prom.scalars.WithLabelValues("learning_rate")))
	assert.True(t, math.IsNaN(testutil.ToFloat64(prom.scalars.WithLabelValues("lm_loss"))))
	assert.Equal(t, 7.0, testutil.ToFloat64(prom.step))
	assert.Equal(t, 1.0, testutil.ToFloat64(prom.iterations.WithLabelValues("advanced")))
	assert.Equal(t, 1.0, testutil.ToFloat64(prom.iterations.WithLabelValues("skipped")))
	assert.Equal(t, 1.0, testutil.ToFloat64(prom.iterations.WithLabelValues("nan")))
	_, found := other.find("learning-rate vs samples")
	assert.True(t, found)
}
