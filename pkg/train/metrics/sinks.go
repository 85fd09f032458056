// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package metrics

import (
	"regexp"
	"strings"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
)

// Sink accepts reported scalars. Errors returned are logged by the caller, and never affect training.
type Sink interface {
	AddScalar(name string, value float64, step int64) error
}

// IterationCounter is optionally implemented by sinks that count iterations by outcome.
type IterationCounter interface {
	CountIteration(skipped, nan bool)
}

// NopSink discards everything.
type NopSink struct{}

// AddScalar implements Sink.
func (NopSink) AddScalar(string, float64, int64) error { return nil }

// MultiSink forwards to all its sinks. The first error is returned, after all sinks were called.
type MultiSink []Sink

// AddScalar implements Sink.
func (m MultiSink) AddScalar(name string, value float64, step int64) error {
	var firstErr error
	for _, s := range m {
		if err := s.AddScalar(name, value, step); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// CountIteration implements IterationCounter.
func (m MultiSink) CountIteration(skipped, nan bool) {
	for _, s := range m {
		if c, ok := s.(IterationCounter); ok {
			c.CountIteration(skipped, nan)
		}
	}
}

// PrometheusSink exports the latest value of each scalar as a gauge, and counts iterations.
//
// Scalars reported against consumed samples (named "... vs samples") are not exported:
// the gauges hold the same values.
type PrometheusSink struct {
	scalars    *prometheus.GaugeVec
	step       prometheus.Gauge
	iterations *prometheus.CounterVec
}

// NewPrometheusSink creates the collectors and registers them with registerer.
func NewPrometheusSink(registerer prometheus.Registerer) (*PrometheusSink, error) {
	s := &PrometheusSink{
		scalars: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "gridtrain",
			Name:      "scalar",
			Help:      "Latest value of a scalar reported by the training loop",
		}, []string{"name"}),
		step: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "gridtrain",
			Name:      "iteration",
			Help:      "Iteration of the latest reported scalar",
		}),
		iterations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gridtrain",
			Name:      "iterations_total",
			Help:      "Attempted iterations, by outcome: advanced or skipped. NaN iterations are also counted as nan",
		}, []string{"outcome"}),
	}
	for _, c := range []prometheus.Collector{s.scalars, s.step, s.iterations} {
		if err := registerer.Register(c); err != nil {
			return nil, errors.Wrap(err, "registering training metrics")
		}
	}
	return s, nil
}

var nonLabelChars = regexp.MustCompile(`[^a-zA-Z0-9_]+`)

// AddScalar implements Sink.
func (s *PrometheusSink) AddScalar(name string, value float64, step int64) error {
	if strings.HasSuffix(name, " vs samples") {
		return nil
	}
	s.scalars.WithLabelValues(nonLabelChars.ReplaceAllString(name, "_")).Set(value)
	s.step.Set(float64(step))
	return nil
}

// CountIteration implements IterationCounter.
func (s *PrometheusSink) CountIteration(skipped, nan bool) {
	if skipped {
		s.iterations.WithLabelValues("skipped").Inc()
	} else {
		s.iterations.WithLabelValues("advanced").Inc()
	}
	if nan {
		s.iterations.WithLabelValues("nan").Inc()
	}
}
