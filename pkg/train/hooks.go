// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package train

import (
	"fmt"
	"iter"
	"slices"
	"time"

	"github.com/gomlx/gridtrain/pkg/train/step"
)

// Priority for hooks, the lowest values are run first. Defaults to 0, but negative
// values are ok.
type Priority int

// OnStartFn is the type of OnStart hooks.
type OnStartFn func(loop *Loop) error

// OnStepFn is the type of OnStep hooks. It is called after each attempted iteration, once the
// counters were updated.
type OnStepFn func(loop *Loop, result step.Result) error

// OnEndFn is the type of OnEnd hooks.
type OnEndFn func(loop *Loop, status ExitStatus) error

// OnStart adds a hook with given priority and name (for error reporting) to the start of the loop,
// after setup and before the first training iteration.
func (loop *Loop) OnStart(name string, priority Priority, fn OnStartFn) {
	loop.onStart.Add(priority, &hookWithName[OnStartFn]{name: name, fn: fn})
}

// OnStep adds a hook with given priority and name (for error reporting) to each iteration of the loop.
func (loop *Loop) OnStep(name string, priority Priority, fn OnStepFn) {
	loop.onStep.Add(priority, &hookWithName[OnStepFn]{name: name, fn: fn})
}

// OnEnd adds a hook with given priority and name (for error reporting) to the end of the loop,
// after the final evaluation and checkpoint.
func (loop *Loop) OnEnd(name string, priority Priority, fn OnEndFn) {
	loop.onEnd.Add(priority, &hookWithName[OnEndFn]{name: name, fn: fn})
}

// hookWithName stores a hook name and function.
type hookWithName[F any] struct {
	name string
	fn   F
}

// priorityHooks organizes hooks for type F per priority.
type priorityHooks[H any] struct {
	hooks map[Priority][]H
}

func newPriorityHooks[H any]() *priorityHooks[H] {
	return &priorityHooks[H]{
		hooks: make(map[Priority][]H),
	}
}

// Add hook at the given priority.
func (h *priorityHooks[H]) Add(priority Priority, hook H) {
	h.hooks[priority] = append(h.hooks[priority], hook)
}

// All returns an iterator over all registered hooks in priority order.
func (h *priorityHooks[H]) All() iter.Seq[H] {
	return func(yield func(H) bool) {
		keys := make([]Priority, 0, len(h.hooks))
		for key := range h.hooks {
			keys = append(keys, key)
		}
		slices.Sort(keys)
		for _, key := range keys {
			for _, hook := range h.hooks[key] {
				if !yield(hook) {
					return
				}
			}
		}
	}
}

// EveryNSteps registers an OnStep hook on the loop that is called on iterations that are multiples of n.
//
// Notice that it does not call `fn` at the last iteration (except by coincidence).
func EveryNSteps(loop *Loop, n int64, name string, priority Priority, fn OnStepFn) {
	fullName := fmt.Sprintf("EveryNSteps(%d): %s", n, name)
	loop.OnStep(fullName, priority, func(loop *Loop, result step.Result) error {
		if n <= 0 || loop.TrainingState().Iteration%n != 0 {
			return nil
		}
		return fn(loop, result)
	})
}

type periodicCallback struct {
	last    time.Time
	period  time.Duration
	started bool
	fn      OnStepFn
}

func (p *periodicCallback) onStep(loop *Loop, result step.Result) error {
	if !p.started {
		// Start the clock.
		p.started = true
		p.last = loop.now()
		return nil
	}
	if loop.now().Sub(p.last) < p.period {
		return nil
	}
	err := p.fn(loop, result)
	p.last = loop.now()
	return err
}

// PeriodicCallback registers an OnStep hook on the loop that is called every period of time.
// The period counts after the execution of `fn`, so an expensive `fn` doesn't eat into the period.
//
// Hooks run on every rank independently: `fn` must not issue collectives, since ranks don't agree on
// wall-clock time.
func PeriodicCallback(loop *Loop, period time.Duration, name string, priority Priority, fn OnStepFn) {
	p := &periodicCallback{period: period, fn: fn}
	fullName := fmt.Sprintf("PeriodicCallback(%s): %s", period, name)
	loop.OnStep(fullName, priority, p.onStep)
}
