// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package plots records the scalars reported during training to a points file, and renders
// them back as tables or loss curves.
package plots

import (
	"encoding/json"
	"fmt"
	"io"
	"maps"
	"os"
	"path"
	"slices"
	"sort"
	"strings"
	"sync"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/gomlx/gridtrain/pkg/support/fsutil"
	"github.com/gomlx/gridtrain/pkg/support/sets"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// TrainingPlotFileName is the default file name within a checkpoint directory to store
// plot points collected during training.
const TrainingPlotFileName = "training_plot_points.json"

// VsSamplesSuffix is appended to the name of the metrics reported against the consumed samples,
// as opposed to the iteration.
const VsSamplesSuffix = " vs samples"

// Point represents a training plot point. It is used to save/load plots.
type Point struct {
	// MetricName of this point.
	MetricName string

	// Step is the iteration (or consumed samples, for metrics named "... vs samples") this metric was measured.
	Step float64

	// Value is the metric captured.
	Value float64
}

// LoadPointsFromCheckpoint loads all plot points saved during training in file [TrainingPlotFileName]
// in a checkpoint directory.
func LoadPointsFromCheckpoint(checkpointDir string) ([]Point, error) {
	checkpointDir, err := fsutil.ReplaceTildeInDir(checkpointDir)
	if err != nil {
		return nil, err
	}
	return LoadPoints(path.Join(checkpointDir, TrainingPlotFileName))
}

// LoadPoints parses all plot points saved in the given file.
func LoadPoints(filePath string) ([]Point, error) {
	f, err := os.Open(filePath)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read Plots file %q", filePath)
	}
	defer func() { _ = f.Close() }()

	dec := json.NewDecoder(f)
	var points []Point
	for {
		var point Point
		err := dec.Decode(&point)
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, errors.Wrapf(err, "error while decoding plots file %q", filePath)
		}
		points = append(points, point)
	}
	return points, nil
}

// PointsSink appends every reported scalar as a Point to a file, one JSON object per line.
//
// Writing happens in a separate goroutine: AddScalar only fails after the writer stopped.
type PointsSink struct {
	filePath string
	points   chan Point
	done     chan error

	mu     sync.Mutex // Protects closed and sending to points.
	closed bool

	errMu sync.Mutex
	err   error
}

// NewPointsSink creates (or appends to) the points file at filePath.
func NewPointsSink(filePath string) *PointsSink {
	s := &PointsSink{
		filePath: filePath,
		points:   make(chan Point, 100),
		done:     make(chan error, 1),
	}
	go s.writer()
	return s
}

func (s *PointsSink) writer() {
	f, err := os.OpenFile(s.filePath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0664)
	if err != nil {
		err = errors.Wrapf(err, "failed to open Plots file %q for append", s.filePath)
		klog.Errorf("Error: %v", err)
		s.setErr(err)
	}
	enc := json.NewEncoder(f)
	for point := range s.points {
		if err != nil {
			continue
		}
		if err = enc.Encode(point); err != nil {
			err = errors.Wrapf(err, "failed to encode point %v", point)
			klog.Errorf("Error: %v", err)
			s.setErr(err)
		}
	}
	if f != nil {
		if closeErr := f.Close(); err == nil {
			err = errors.Wrapf(closeErr, "closing Plots file %q", s.filePath)
		}
	}
	s.done <- err
}

func (s *PointsSink) setErr(err error) {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	s.err = err
}

func (s *PointsSink) getErr() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.err
}

// AddScalar implements metrics.Sink.
func (s *PointsSink) AddScalar(name string, value float64, step int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.Errorf("Plots file %q already closed", s.filePath)
	}
	if err := s.getErr(); err != nil {
		return err
	}
	s.points <- Point{MetricName: name, Step: float64(step), Value: value}
	return nil
}

// Close flushes the pending points, and returns the first error that happened while writing.
func (s *PointsSink) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.points)
	s.mu.Unlock()
	return <-s.done
}

// Points is a collection of Point objects organized by their Step value.
// It's a `map[float64][]Point` with several utility methods.
type Points map[float64][]Point

// NewPoints create a Points object from a collection of individual `Point`.
func NewPoints(rawPoints []Point) (points Points) {
	points = make(map[float64][]Point)
	for _, p := range rawPoints {
		points[p.Step] = append(points[p.Step], p)
	}
	return points
}

// Map executes the given function on all individual points, in `Step` order.
func (points Points) Map(fn func(p *Point)) {
	for _, step := range slices.Sorted(maps.Keys(points)) {
		stepPoints := points[step]
		for ii := range stepPoints {
			fn(&stepPoints[ii])
		}
	}
}

// Filter only keeps those points for which `fn` returns true, removing the other ones.
func (points Points) Filter(fn func(p Point) bool) {
	for step, stepPoints := range points {
		kept := slices.DeleteFunc(slices.Clone(stepPoints), func(p Point) bool { return !fn(p) })
		if len(kept) == 0 {
			delete(points, step)
		} else {
			points[step] = kept
		}
	}
}

// Series returns the points of the given metric, sorted by Step.
func (points Points) Series(metricName string) (series []Point) {
	points.Map(func(p *Point) {
		if p.MetricName == metricName {
			series = append(series, *p)
		}
	})
	return
}

// MetricsNames return the list of metrics names in the whole collection, sorted alphabetically,
// with the metrics reported against samples last.
func (points Points) MetricsNames() []string {
	metricNames := sets.Make[string]()
	points.Map(func(p *Point) {
		metricNames.Insert(p.MetricName)
	})
	names := sets.Sorted(metricNames)
	sort.SliceStable(names, func(i, j int) bool {
		return !strings.HasSuffix(names[i], VsSamplesSuffix) && strings.HasSuffix(names[j], VsSamplesSuffix)
	})
	return names
}

// TableForMetrics returns a table with the first column being the `Step` followed
// by the columns given by the `metrics` names.
// If `metrics` is empty, it will include all metrics reported against iterations.
func (points Points) TableForMetrics(metrics ...string) string {
	cellStyle := lipgloss.NewStyle().Padding(0, 1)
	headerStyle := lipgloss.NewStyle().Padding(0, 1).Bold(true).Reverse(true)
	table := lgtable.New().
		Border(lipgloss.RoundedBorder()).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == lgtable.HeaderRow {
				return headerStyle
			}
			return cellStyle
		})

	if len(metrics) == 0 {
		for _, name := range points.MetricsNames() {
			if !strings.HasSuffix(name, VsSamplesSuffix) {
				metrics = append(metrics, name)
			}
		}
	}
	table.Headers(append([]string{"Step"}, metrics...)...)

	for _, step := range slices.Sorted(maps.Keys(points)) {
		row := make([]string, 1+len(metrics))
		row[0] = fmt.Sprintf("%.0f", step)
		found := false
		for _, pt := range points[step] {
			if idx := slices.Index(metrics, pt.MetricName); idx != -1 {
				row[idx+1] = fmt.Sprintf("%g", pt.Value)
				found = true
			}
		}
		if found {
			table.Row(row...)
		}
	}
	return table.String()
}

func (points Points) String() string {
	return points.TableForMetrics()
}
