// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package plots

import (
	"github.com/pkg/errors"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/plotutil"
	"gonum.org/v1/plot/vg"
)

// RenderLossCurve saves a PNG (or any format supported by gonum/plot, per the file extension) with one
// line per given metric. Non-finite values are dropped.
func RenderLossCurve(points Points, title, filePath string, metrics ...string) error {
	if len(metrics) == 0 {
		return errors.New("RenderLossCurve: no metrics given")
	}
	p := plot.New()
	p.Title.Text = title
	p.X.Label.Text = "iteration"
	p.Y.Label.Text = "value"
	p.Legend.Top = true

	var lines []any
	for _, name := range metrics {
		series := points.Series(name)
		xys := make(plotter.XYs, 0, len(series))
		for _, pt := range series {
			if pt.Value != pt.Value || pt.Value > 1e300 || pt.Value < -1e300 {
				continue
			}
			xys = append(xys, plotter.XY{X: pt.Step, Y: pt.Value})
		}
		if len(xys) == 0 {
			return errors.Errorf("RenderLossCurve: no finite points for metric %q", name)
		}
		lines = append(lines, name, xys)
	}
	if err := plotutil.AddLines(p, lines...); err != nil {
		return errors.Wrap(err, "RenderLossCurve: adding lines")
	}
	if err := p.Save(12*vg.Inch, 6*vg.Inch, filePath); err != nil {
		return errors.Wrapf(err, "RenderLossCurve: saving to %q", filePath)
	}
	return nil
}
