// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package termination

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/gomlx/gridtrain/pkg/support/fsutil"
	"github.com/gomlx/gridtrain/pkg/support/xsync"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// ResumeSuffix is appended to the marker file name to request the job to be requeued.
const ResumeSuffix = ".resume"

// FileAutoResume is an AutoResume client for services that announce preemption by creating a marker file.
// Resuming is requested by writing the marker file name plus ResumeSuffix.
type FileAutoResume struct {
	markerPath string
	watcher    *fsnotify.Watcher
	requested  *xsync.Latch
	done       *xsync.Latch
	logger     klog.Logger
}

var _ AutoResume = (*FileAutoResume)(nil)

// NewFileAutoResume watches for the creation of markerPath. Its directory must exist.
func NewFileAutoResume(markerPath string, logger klog.Logger) (*FileAutoResume, error) {
	markerPath, err := fsutil.ReplaceTildeInDir(markerPath)
	if err != nil {
		return nil, err
	}
	markerPath = filepath.Clean(markerPath)
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, errors.Wrap(err, "creating file watcher for autoresume")
	}
	if err := watcher.Add(filepath.Dir(markerPath)); err != nil {
		_ = watcher.Close()
		return nil, errors.Wrapf(err, "watching %q for autoresume", filepath.Dir(markerPath))
	}
	a := &FileAutoResume{
		markerPath: markerPath,
		watcher:    watcher,
		requested:  xsync.NewLatch(),
		done:       xsync.NewLatch(),
		logger:     logger,
	}
	go a.watch()
	return a, nil
}

func (a *FileAutoResume) watch() {
	defer a.done.Trigger()
	for {
		select {
		case event, ok := <-a.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) == a.markerPath && (event.Has(fsnotify.Create) || event.Has(fsnotify.Write)) {
				a.logger.Info("autoresume termination requested", "marker", a.markerPath)
				a.requested.Trigger()
			}
		case err, ok := <-a.watcher.Errors:
			if !ok {
				return
			}
			a.logger.Error(err, "autoresume file watcher")
		}
	}
}

// TerminationRequested implements AutoResume. The marker is also checked directly, in case it
// was created before the watcher started.
func (a *FileAutoResume) TerminationRequested() bool {
	if a.requested.Test() {
		return true
	}
	if exists, _ := fsutil.FileExists(a.markerPath); exists {
		a.requested.Trigger()
		return true
	}
	return false
}

// RequestResume implements AutoResume.
func (a *FileAutoResume) RequestResume() error {
	resumePath := a.markerPath + ResumeSuffix
	content := fmt.Sprintf("resume requested at %s\n", time.Now().UTC().Format(time.RFC3339))
	return fsutil.WriteFileAtomic(resumePath, strings.NewReader(content), 0664)
}

// Close stops watching the marker file.
func (a *FileAutoResume) Close() error {
	err := a.watcher.Close()
	a.done.Wait()
	return errors.Wrap(err, "closing autoresume file watcher")
}
