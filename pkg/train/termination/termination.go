// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package termination decides, identically on every rank, when training should save a checkpoint and exit:
// on a termination signal, when the wall-clock budget is exhausted, at an exit interval, or when an
// external autoresume service announces a preemption.
package termination

import (
	"context"
	"fmt"
	"time"

	"github.com/gomlx/gridtrain/pkg/distributed/collective"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Decision returned by Monitor.Poll.
type Decision int

const (
	Continue Decision = iota
	CheckpointAndExit
)

func (d Decision) String() string {
	if d == CheckpointAndExit {
		return "checkpoint_and_exit"
	}
	return "continue"
}

// Reason for a CheckpointAndExit decision.
type Reason int

const (
	ReasonNone Reason = iota
	ReasonAutoResume
	ReasonSignal
	ReasonDuration
	ReasonExitInterval
)

func (r Reason) String() string {
	switch r {
	case ReasonNone:
		return "none"
	case ReasonAutoResume:
		return "autoresume termination request"
	case ReasonSignal:
		return "termination signal"
	case ReasonDuration:
		return "exit duration"
	case ReasonExitInterval:
		return "exit interval"
	default:
		return fmt.Sprintf("Reason(%d)", int(r))
	}
}

// AutoResume is the client of an external service that announces imminent preemption.
type AutoResume interface {
	// TerminationRequested returns whether the job is about to be preempted.
	TerminationRequested() bool

	// RequestResume asks the service to requeue the job, after the final checkpoint was saved.
	RequestResume() error
}

// SignalSource reports whether a termination signal was received by this process.
type SignalSource interface {
	Received() bool
}

// Config of the Monitor. Zero values disable the corresponding trigger.
type Config struct {
	// ExitDuration is the wall-clock budget, measured from the earliest start time across ranks.
	ExitDuration time.Duration

	// ExitInterval exits when the iteration is a multiple of it.
	ExitInterval int64

	// AutoResumeInterval is how often, in iterations, the autoresume service is polled.
	AutoResumeInterval int64
}

// Monitor is polled once per iteration by the training loop. Poll is a collective operation over
// the group given to NewMonitor: all ranks must call it on every iteration.
type Monitor struct {
	config     Config
	comm       collective.Communicator
	group      []int
	signals    SignalSource
	autoResume AutoResume
	logger     klog.Logger
	now        func() time.Time

	startTime time.Time
}

// Option configures a Monitor.
type Option func(m *Monitor)

// WithSignals enables the termination signal trigger.
func WithSignals(signals SignalSource) Option {
	return func(m *Monitor) { m.signals = signals }
}

// WithAutoResume enables the autoresume trigger, polled every Config.AutoResumeInterval iterations.
func WithAutoResume(autoResume AutoResume) Option {
	return func(m *Monitor) { m.autoResume = autoResume }
}

// WithClock replaces time.Now. Used for testing.
func WithClock(now func() time.Time) Option {
	return func(m *Monitor) { m.now = now }
}

// WithLogger sets the logger. The default is klog.Background().
func WithLogger(logger klog.Logger) Option {
	return func(m *Monitor) { m.logger = logger }
}

// NewMonitor creates the Monitor. It is a collective operation over group (usually the whole world):
// the start time of the wall-clock budget is the earliest start time across all members.
func NewMonitor(ctx context.Context, comm collective.Communicator, group []int, config Config,
	options ...Option) (*Monitor, error) {
	m := &Monitor{
		config: config,
		comm:   comm,
		group:  group,
		logger: klog.Background(),
		now:    time.Now,
	}
	for _, option := range options {
		option(m)
	}
	localStart := m.now()
	start, err := collective.ReduceScalar(ctx, comm, group, float64(localStart.UnixMicro()), collective.Min)
	if err != nil {
		return nil, errors.WithMessage(err, "agreeing on the start time")
	}
	m.startTime = time.UnixMicro(int64(start))
	return m, nil
}

// StartTime is the earliest start time across ranks.
func (m *Monitor) StartTime() time.Time { return m.startTime }

// Elapsed wall time since StartTime.
func (m *Monitor) Elapsed() time.Duration { return m.now().Sub(m.startTime) }

// Poll checks all triggers after iteration has completed, and returns the same decision on all ranks.
//
// Triggers are checked in order: autoresume, signal, duration and exit interval. Each is resolved by
// a max-reduce of the local flag across the group, so if any rank sees it, all ranks exit on the same
// iteration. The exit interval is a pure function of the iteration, but it is still agreed upon, which
// gives a barrier before the exit.
func (m *Monitor) Poll(ctx context.Context, iteration int64) (Decision, Reason, error) {
	type trigger struct {
		reason  Reason
		enabled bool
		check   func() bool
	}
	triggers := []trigger{
		{ReasonAutoResume,
			m.autoResume != nil && m.config.AutoResumeInterval > 0 && iteration%m.config.AutoResumeInterval == 0,
			func() bool { return m.autoResume.TerminationRequested() }},
		{ReasonSignal, m.signals != nil, func() bool { return m.signals.Received() }},
		{ReasonDuration, m.config.ExitDuration > 0, func() bool { return m.Elapsed() > m.config.ExitDuration }},
		{ReasonExitInterval, m.config.ExitInterval > 0, func() bool { return iteration%m.config.ExitInterval == 0 }},
	}
	for _, t := range triggers {
		if !t.enabled {
			continue
		}
		local := t.check()
		agreed, err := collective.AgreeAny(ctx, m.comm, m.group, local)
		if err != nil {
			return Continue, ReasonNone, errors.WithMessagef(err, "agreeing on %s at iteration %d", t.reason, iteration)
		}
		if agreed {
			m.logger.Info("exiting", "reason", t.reason.String(), "iteration", iteration,
				"elapsed", m.Elapsed().Round(time.Second), "local_trigger", local)
			return CheckpointAndExit, t.reason, nil
		}
	}
	return Continue, ReasonNone, nil
}

// RequestResume forwards to the autoresume service, if one is configured.
func (m *Monitor) RequestResume() error {
	if m.autoResume == nil {
		return nil
	}
	return errors.WithMessage(m.autoResume.RequestResume(), "requesting resume")
}
