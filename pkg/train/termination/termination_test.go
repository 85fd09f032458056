// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package termination

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/gomlx/gridtrain/pkg/distributed/collective"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type pollResult struct {
	decision Decision
	reason   Reason
}

// runMonitors creates one Monitor per rank and runs fn on each concurrently.
// Results are indexed by rank, then by poll.
func runMonitors(t *testing.T, worldSize int, config Config, options func(rank int) []Option,
	fn func(rank int, m *Monitor) []pollResult) [][]pollResult {
	comms := collective.NewLocalWorld(worldSize)
	world := make([]int, worldSize)
	for rank := range world {
		world[rank] = rank
	}
	results := make([][]pollResult, worldSize)
	var wg sync.WaitGroup
	for rank := range worldSize {
		wg.Add(1)
		go func() {
			defer wg.Done()
			opts := append([]Option{WithLogger(logr.Discard())}, options(rank)...)
			m, err := NewMonitor(context.Background(), comms[rank], world, config, opts...)
			if !assert.NoError(t, err) {
				return
			}
			results[rank] = fn(rank, m)
		}()
	}
	wg.Wait()
	return results
}

func pollN(t *testing.T, m *Monitor, iterations ...int64) []pollResult {
	var results []pollResult
	for _, it := range iterations {
		d, r, err := m.Poll(context.Background(), it)
		require.NoError(t, err)
		results = append(results, pollResult{d, r})
		if d == CheckpointAndExit {
			break
		}
	}
	return results
}

var cont = pollResult{Continue, ReasonNone}

func TestDurationAgreement(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	offsets := make([]time.Duration, 3)
	// Rank 2 started 5 minutes before the others.
	offsets[2] = -5 * time.Minute
	results := runMonitors(t, 3, Config{ExitDuration: 10 * time.Minute},
		func(rank int) []Option {
			return []Option{WithClock(func() time.Time { return base.Add(offsets[rank]) })}
		},
		func(rank int, m *Monitor) []pollResult {
			assert.True(t, base.Add(-5*time.Minute).Equal(m.StartTime()), "start time %s", m.StartTime())
			first := pollN(t, m, 1)
			if rank == 2 {
				// Only rank 2 sees the budget exceeded.
				offsets[rank] = 6 * time.Minute
			}
			return append(first, pollN(t, m, 2)...)
		})
	for rank := range 3 {
		assert.Equal(t, []pollResult{cont, {CheckpointAndExit, ReasonDuration}}, results[rank], "rank %d", rank)
	}
}

type fakeSignals bool

func (f fakeSignals) Received() bool { return bool(f) }

func TestSignalAgreement(t *testing.T) {
	results := runMonitors(t, 4, Config{},
		func(rank int) []Option { return []Option{WithSignals(fakeSignals(rank == 3))} },
		func(rank int, m *Monitor) []pollResult { return pollN(t, m, 1, 2) })
	for rank := range 4 {
		assert.Equal(t, []pollResult{{CheckpointAndExit, ReasonSignal}}, results[rank], "rank %d", rank)
	}
}

func TestExitInterval(t *testing.T) {
	results := runMonitors(t, 2, Config{ExitInterval: 3},
		func(int) []Option { return nil },
		func(rank int, m *Monitor) []pollResult { return pollN(t, m, 1, 2, 3, 4) })
	for rank := range 2 {
		assert.Equal(t, []pollResult{cont, cont, {CheckpointAndExit, ReasonExitInterval}}, results[rank])
	}
}

type fakeAutoResume struct {
	mu        sync.Mutex
	polled    int
	requested bool
	resumed   bool
}

func (f *fakeAutoResume) TerminationRequested() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.polled++
	return f.requested
}

func (f *fakeAutoResume) RequestResume() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resumed = true
	return nil
}

func TestAutoResume(t *testing.T) {
	autoResumes := []*fakeAutoResume{{requested: true}, {}}
	results := runMonitors(t, 2, Config{AutoResumeInterval: 2, ExitInterval: 2},
		func(rank int) []Option { return []Option{WithAutoResume(autoResumes[rank])} },
		func(rank int, m *Monitor) []pollResult {
			r := pollN(t, m, 1, 2)
			assert.NoError(t, m.RequestResume())
			return r
		})
	for rank := range 2 {
		// Autoresume takes precedence over the exit interval.
		assert.Equal(t, []pollResult{cont, {CheckpointAndExit, ReasonAutoResume}}, results[rank])
		assert.Equal(t, 1, autoResumes[rank].polled, "polled only on multiples of the interval")
		assert.True(t, autoResumes[rank].resumed)
	}
}

func TestSignalWatcher(t *testing.T) {
	w := newSignalWatcher()
	go w.loop()
	assert.False(t, w.Received())
	w.ch <- syscall.SIGTERM
	assert.Eventually(t, w.Received, 5*time.Second, time.Millisecond)
	sig, ok := w.Signal()
	assert.True(t, ok)
	assert.Equal(t, syscall.SIGTERM, sig)
	w.Stop()

	w = WatchSignals(syscall.SIGUSR2)
	assert.False(t, w.Received())
	w.Stop()
}

func TestFileAutoResume(t *testing.T) {
	dir := t.TempDir()
	marker := filepath.Join(dir, "preempt")
	a, err := NewFileAutoResume(marker, logr.Discard())
	require.NoError(t, err)
	assert.False(t, a.TerminationRequested())

	require.NoError(t, os.WriteFile(marker, []byte("now"), 0600))
	assert.Eventually(t, a.TerminationRequested, 5*time.Second, time.Millisecond)
	require.NoError(t, a.RequestResume())
	_, err = os.Stat(marker + ResumeSuffix)
	require.NoError(t, err)
	require.NoError(t, a.Close())

	_, err = NewFileAutoResume(filepath.Join(dir, "missing", "preempt"), logr.Discard())
	require.Error(t, err)
}

func TestStrings(t *testing.T) {
	assert.Equal(t, "checkpoint_and_exit", CheckpointAndExit.String())
	assert.Equal(t, "exit duration", ReasonDuration.String())
	assert.Equal(t, "Reason(42)", Reason(42).String())
}
