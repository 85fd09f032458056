// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package workerspool

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gomlx/gridtrain/pkg/support/xsync"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPool_Saturate(t *testing.T) {
	const wantTasks = 5
	pool := NewWithParallelism(wantTasks)

	var count atomic.Int32
	doneNewTasks := xsync.NewLatch()
	doneTest := xsync.NewLatch()

	// Every task blocks until all of them are running: it only finishes if the pool runs wantTasks at once.
	go func() {
		tasks := make([]func(context.Context) error, wantTasks)
		for ii := range tasks {
			tasks[ii] = func(context.Context) error {
				if int(count.Add(1)) == wantTasks {
					doneNewTasks.Trigger()
				}
				doneNewTasks.Wait()
				return nil
			}
		}
		_ = pool.Run(context.Background(), tasks...)
		doneTest.Trigger()
	}()

	select {
	case <-doneTest.WaitChan():
		// Success
	case <-time.After(5 * time.Second):
		t.Fatal("Timeout before all tasks were executed.")
	}
	assert.Equal(t, int32(wantTasks), count.Load())
}

func TestPool_MaxParallelism(t *testing.T) {
	pool := NewWithParallelism(2)
	var running, maxRunning atomic.Int32
	tasks := make([]func(context.Context) error, 20)
	for ii := range tasks {
		tasks[ii] = func(context.Context) error {
			n := running.Add(1)
			for {
				m := maxRunning.Load()
				if n <= m || maxRunning.CompareAndSwap(m, n) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			running.Add(-1)
			return nil
		}
	}
	require.NoError(t, pool.Run(context.Background(), tasks...))
	assert.LessOrEqual(t, maxRunning.Load(), int32(2))
}

func TestPool_Inline(t *testing.T) {
	pool := NewWithParallelism(0)
	var order []int
	require.NoError(t, pool.Run(context.Background(),
		func(context.Context) error { order = append(order, 0); return nil },
		func(context.Context) error { order = append(order, 1); return nil },
	))
	assert.Equal(t, []int{0, 1}, order)
}

func TestPool_FirstError(t *testing.T) {
	pool := NewWithParallelism(0)
	var ran atomic.Int32
	err := pool.Run(context.Background(),
		func(context.Context) error { ran.Add(1); return nil },
		func(context.Context) error { ran.Add(1); return errors.New("disk full") },
		func(context.Context) error { ran.Add(1); return nil },
	)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "task #1")
	assert.Contains(t, err.Error(), "disk full")
	assert.Equal(t, int32(2), ran.Load(), "tasks after the failure are skipped")

	unlimited := NewWithParallelism(-1)
	assert.True(t, unlimited.IsUnlimited())
	require.NoError(t, unlimited.Run(context.Background(), func(context.Context) error { return nil }))
}
