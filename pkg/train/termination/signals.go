// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package termination

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/gomlx/gridtrain/pkg/support/xsync"
)

// SignalWatcher records the first termination signal received by the process. The signal is
// observed cooperatively: the training loop polls it, and the process is not interrupted.
type SignalWatcher struct {
	received *xsync.LatchWithValue[os.Signal]
	ch       chan os.Signal
	stop     *xsync.Latch
}

var _ SignalSource = (*SignalWatcher)(nil)

// WatchSignals starts watching the given signals, SIGTERM and SIGINT if none are given.
// Call Stop to restore the default behavior.
func WatchSignals(signals ...os.Signal) *SignalWatcher {
	if len(signals) == 0 {
		signals = []os.Signal{syscall.SIGTERM, syscall.SIGINT}
	}
	w := newSignalWatcher()
	signal.Notify(w.ch, signals...)
	go w.loop()
	return w
}

func newSignalWatcher() *SignalWatcher {
	return &SignalWatcher{
		received: xsync.NewLatchWithValue[os.Signal](),
		ch:       make(chan os.Signal, 1),
		stop:     xsync.NewLatch(),
	}
}

func (w *SignalWatcher) loop() {
	for {
		select {
		case sig := <-w.ch:
			w.received.Trigger(sig)
		case <-w.stop.WaitChan():
			return
		}
	}
}

// Received implements SignalSource.
func (w *SignalWatcher) Received() bool {
	return w.received.Test()
}

// Signal returns the first signal received, if any.
func (w *SignalWatcher) Signal() (os.Signal, bool) {
	return w.received.Value()
}

// Stop watching signals.
func (w *SignalWatcher) Stop() {
	signal.Stop(w.ch)
	w.stop.Trigger()
}
