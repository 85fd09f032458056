// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package commandline contains convenience UI training tools for the command line.
package commandline

import (
	"fmt"
	"maps"
	"slices"
	"time"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"
	"github.com/gomlx/gridtrain/pkg/train"
)

// Summary renders a table with the outcome of a run, to be printed after train.Loop.Run returns.
func Summary(status train.Status, exit train.ExitStatus, medianStepDuration time.Duration) string {
	table := lgtable.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color(tableBorderColor))).
		StyleFunc(func(row, col int) lipgloss.Style {
			if col == 0 {
				return rightAlignedStyle
			}
			return normalStyle
		})
	if status.RunID != "" {
		table.Row("Run", status.RunID)
	}
	table.Row("Exit", exit.String())
	table.Row("Iterations", fmt.Sprintf("%s of %s", humanize.Comma(status.Iteration), humanize.Comma(status.TrainIters)))
	table.Row("Consumed train samples", humanize.Comma(status.ConsumedTrainSamples))
	table.Row("Consumed valid samples", humanize.Comma(status.ConsumedValidSamples))
	if status.SkippedIterations > 0 || status.NaNIterations > 0 {
		table.Row("Skipped / NaN iterations",
			fmt.Sprintf("%s / %s", humanize.Comma(status.SkippedIterations), humanize.Comma(status.NaNIterations)))
	}
	table.Row("Median iteration duration", FormatDuration(medianStepDuration))
	table.Row("Elapsed", FormatDuration(status.Elapsed.Round(time.Millisecond)))
	for _, key := range slices.Sorted(maps.Keys(status.LastLosses)) {
		table.Row("Last "+key, fmt.Sprintf("%.6g", status.LastLosses[key]))
	}
	return table.String()
}
