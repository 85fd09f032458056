// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package commandline

import (
	"fmt"
	"io"
	"maps"
	"os"
	"slices"
	"sync"
	"time"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"
	"github.com/gomlx/gridtrain/pkg/train"
	"github.com/gomlx/gridtrain/pkg/train/step"
	"github.com/muesli/termenv"
	"github.com/schollz/progressbar/v3"
)

// ExtraMetricFn is any function that will give extra values to display along the progress bar.
// It is called at each time the progress bar is updated, and it should return a name and the current value when it is called.
type ExtraMetricFn func() (name, value string)

// RefreshPeriod is the time between terminal updates.
var RefreshPeriod = time.Second * 3

// progressBar holds a progressbar being displayed.
type progressBar struct {
	out              io.Writer
	numSteps         int
	lastStepReported int64
	bar              *progressbar.ProgressBar

	// lipgloss-based rich and asynchronous display for the command-line.
	termenv          *termenv.Output
	statsStyle       lipgloss.Style
	statsTable       *lgtable.Table
	isFirstOutput    bool
	numLinesPrinted  int
	updates          chan progressBarUpdate
	asyncUpdatesDone sync.WaitGroup

	extraMetricFns []ExtraMetricFn
}

// ProgressbarStyle to use. Defaults to the ASCII version.
// Consider "progressbar.ThemeUnicode" for a prettier version.
// But it requires some of the graphical symbols to be supported.
var ProgressbarStyle = progressbar.ThemeASCII

// Write implements io.Writer, and erases what is left of the previous line after each write.
// It is the writer of the enclosed progressbar.ProgressBar.
func (pBar *progressBar) Write(data []byte) (n int, err error) {
	n, err = pBar.out.Write(data)
	if err != nil {
		return n, err
	}
	// Erase to the end of the line, to remove spurious characters from previous prints.
	_, err = pBar.out.Write([]byte("\033[J"))
	return
}

func (pBar *progressBar) onStart(loop *train.Loop) error {
	st := loop.TrainingState()
	pBar.lastStepReported = st.Iteration
	pBar.numSteps = int(max(1, st.TrainIters-st.Iteration))
	pBar.bar = progressbar.NewOptions(pBar.numSteps,
		progressbar.OptionSetDescription("      [bold]"),
		progressbar.OptionUseANSICodes(true),
		progressbar.OptionEnableColorCodes(true),
		progressbar.OptionShowIts(),
		progressbar.OptionSetItsString("iterations"),
		progressbar.OptionSetTheme(ProgressbarStyle),
		progressbar.OptionSetWriter(pBar),
	)
	return nil
}

func (pBar *progressBar) onStep(loop *train.Loop, result step.Result) error {
	if pBar.bar.IsFinished() {
		return nil
	}
	st := loop.TrainingState()
	amount := st.Iteration - pBar.lastStepReported
	if amount <= 0 {
		return nil
	}

	update := progressBarUpdate{
		amount: int(amount),
		rows: [][2]string{
			{"Iteration", fmt.Sprintf("%s of %s", humanize.Comma(st.Iteration), humanize.Comma(st.TrainIters))},
			{"Consumed samples", humanize.Comma(st.ConsumedTrainSamples)},
			{"Global batch size", humanize.Comma(int64(st.GlobalBatchSize))},
			{"Median iteration duration", FormatDuration(loop.MedianStepDuration())},
		},
	}
	for _, key := range slices.Sorted(maps.Keys(result.Losses)) {
		update.rows = append(update.rows, [2]string{key, fmt.Sprintf("%.6g", result.Losses[key])})
	}
	if result.Skipped {
		update.rows = append(update.rows, [2]string{"Last update", "skipped"})
	}
	if status := loop.Status(); status.SkippedIterations > 0 || status.NaNIterations > 0 {
		update.rows = append(update.rows, [2]string{"Skipped / NaN iterations",
			fmt.Sprintf("%s / %s", humanize.Comma(status.SkippedIterations), humanize.Comma(status.NaNIterations))})
	}
	for _, extraMetric := range pBar.extraMetricFns {
		name, value := extraMetric()
		update.rows = append(update.rows, [2]string{name, value})
	}
	pBar.updates <- update
	pBar.lastStepReported = st.Iteration
	return nil
}

func (pBar *progressBar) onEnd(*train.Loop, train.ExitStatus) error {
	close(pBar.updates)
	pBar.asyncUpdatesDone.Wait()
	pBar.termenv.ShowCursor()
	_, _ = fmt.Fprintln(pBar.out)
	return nil
}

// ProgressBarName is the name of the hooks registered by AttachProgressBar.
const ProgressBarName = "gridtrain.ui.commandline.progressBar"

var (
	normalStyle       = lipgloss.NewStyle().Padding(0, 1)
	rightAlignedStyle = lipgloss.NewStyle().Align(lipgloss.Right).Padding(0, 1)
	tableBorderColor  = "#705090"
)

type progressBarUpdate struct {
	amount int
	rows   [][2]string
}

// maxUpdateFrequency is the time between updates to the commandline display of stats.
const maxUpdateFrequency = time.Millisecond * 200

// AttachProgressBar creates a commandline progress bar and attaches it to the Loop, so that when the
// Loop is run, it displays a progress bar with the progression and the losses of the last iteration.
//
// It should only be attached on the logging rank (see train.Loop.IsLogRank): the other ranks
// don't see the losses.
//
// Optionally, one can provide extraMetrics: functions that are called at every update of
// the progress bar and should return a name (title) and a value to be included in the
// updated print-out.
func AttachProgressBar(loop *train.Loop, extraMetrics ...ExtraMetricFn) {
	attachProgressBar(loop, os.Stdout, extraMetrics...)
}

func attachProgressBar(loop *train.Loop, out io.Writer, extraMetrics ...ExtraMetricFn) {
	pBar := &progressBar{
		out:            out,
		extraMetricFns: extraMetrics,
		isFirstOutput:  true,
		termenv:        termenv.NewOutput(out),
		statsStyle:     lipgloss.NewStyle().PaddingLeft(8),
		updates:        make(chan progressBarUpdate, 100), // Large buffer so things are not blocked.
	}
	pBar.statsTable = lgtable.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color(tableBorderColor))).
		StyleFunc(func(row, col int) lipgloss.Style {
			if col == 0 {
				return rightAlignedStyle
			}
			return normalStyle
		})
	pBar.asyncUpdatesDone.Add(1)
	go pBar.drawUpdates()

	loop.OnStart(ProgressBarName, 0, pBar.onStart)
	// Update at least 1000 times during the loop or at least every 3 seconds.
	every := max(1, loop.TrainingState().TrainIters/1000)
	train.EveryNSteps(loop, every, ProgressBarName, 0, pBar.onStep)
	train.PeriodicCallback(loop, RefreshPeriod, ProgressBarName, 0, pBar.onStep)
	loop.OnEnd(ProgressBarName, 0, pBar.onEnd)
}

// drawUpdates asynchronously draws updates: this is handy if the training is faster than the terminal, in particular
// if running on cloud, with a relatively slow network connection.
func (pBar *progressBar) drawUpdates() {
	defer pBar.asyncUpdatesDone.Done()
	for update := range pBar.updates {
		// Exhaust the updates in the buffer:
		amount := update.amount
	exhaust:
		for {
			select {
			case newUpdate, ok := <-pBar.updates:
				if !ok {
					break exhaust
				}
				amount += newUpdate.amount
				update = newUpdate
			default:
				break exhaust
			}
		}

		pBar.statsTable.Data(lgtable.NewStringData())
		for _, row := range update.rows {
			pBar.statsTable.Row(row[0], row[1])
		}

		// Clear the previous lines that will be overwritten.
		pBar.termenv.HideCursor()
		if !pBar.isFirstOutput {
			pBar.termenv.CursorPrevLine(pBar.numLinesPrinted)
		}
		pBar.isFirstOutput = false

		rendered := pBar.statsStyle.Render(pBar.statsTable.String())
		_, _ = fmt.Fprintln(pBar.out, rendered)
		_ = pBar.bar.Add(amount) // Prints progress bar line.
		_, _ = fmt.Fprintln(pBar.out)
		// Table lines, plus the progress bar line and the empty line.
		pBar.numLinesPrinted = lipgloss.Height(rendered) + 2
		pBar.termenv.ShowCursor()
		time.Sleep(maxUpdateFrequency)
	}
}
