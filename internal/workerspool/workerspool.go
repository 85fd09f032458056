// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package workerspool runs batches of I/O tasks (checkpoint shards, object deletions) with bounded parallelism.
package workerspool

import (
	"context"
	"runtime"
	"sync"

	"github.com/pkg/errors"
)

// Pool limits the number of tasks running concurrently.
type Pool struct {
	// maxParallelism is the limit of tasks running at the same time.
	// If 0, tasks run inline. If negative, there is no limit.
	maxParallelism int
	mu             sync.Mutex
	cond           sync.Cond // Should be signaled whenever numRunning is decreased.
	numRunning     int
}

// New returns a new Pool with the default parallelism (runtime.NumCPU()).
func New() *Pool {
	return NewWithParallelism(runtime.NumCPU())
}

// NewWithParallelism returns a new Pool running at most maxParallelism tasks at a time.
// If 0, tasks run inline, and if negative, parallelism is unlimited.
func NewWithParallelism(maxParallelism int) *Pool {
	w := &Pool{maxParallelism: maxParallelism}
	w.cond = sync.Cond{L: &w.mu}
	return w
}

// IsUnlimited returns whether parallelism is unlimited (maxParallelism < 0)
func (w *Pool) IsUnlimited() bool {
	return w.maxParallelism < 0
}

// MaxParallelism returns the limit of tasks running concurrently.
func (w *Pool) MaxParallelism() int {
	return w.maxParallelism
}

// lockedIsFull returns whether all available workers are in use.
//
// It must be called with Pool.mu acquired.
func (w *Pool) lockedIsFull() bool {
	return w.numRunning >= w.maxParallelism
}

// WaitToStart waits until there is a worker available to run the task, and starts it in a goroutine.
//
// If parallelism is disabled (maxParallelism is 0), it runs the task inline and returns when it is finished.
func (w *Pool) WaitToStart(task func()) {
	if w.IsUnlimited() {
		go task()
		return
	} else if w.maxParallelism == 0 {
		task()
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	for w.lockedIsFull() {
		w.cond.Wait()
	}
	w.numRunning++
	go func() {
		defer func() {
			w.mu.Lock()
			w.numRunning--
			w.cond.Signal()
			w.mu.Unlock()
		}()
		task()
	}()
}

// Run all tasks in the pool and waits for them to finish.
//
// The context passed to the tasks is cancelled at the first failure, and tasks not yet started are
// skipped. It returns the first error, annotated with the index of the failing task.
func (w *Pool) Run(ctx context.Context, tasks ...func(ctx context.Context) error) error {
	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	var (
		wg       sync.WaitGroup
		errMu    sync.Mutex
		firstErr error
	)
	for ii, task := range tasks {
		if ctx.Err() != nil {
			break
		}
		wg.Add(1)
		w.WaitToStart(func() {
			defer wg.Done()
			if ctx.Err() != nil {
				return
			}
			if err := task(ctx); err != nil {
				errMu.Lock()
				if firstErr == nil {
					firstErr = errors.WithMessagef(err, "task #%d", ii)
					cancel(firstErr)
				}
				errMu.Unlock()
			}
		})
	}
	wg.Wait()
	if firstErr != nil {
		return firstErr
	}
	return context.Cause(ctx)
}
