// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gridtrain/pkg/config"
	"github.com/gomlx/gridtrain/pkg/distributed/collective"
	"github.com/gomlx/gridtrain/pkg/distributed/topology"
	"github.com/gomlx/gridtrain/pkg/train/checkpoints"
	"github.com/gomlx/gridtrain/ui/plots"
	"github.com/janpfeifer/must"
	"github.com/spf13/cobra"
)

var (
	headerRowStyle = lipgloss.NewStyle().Reverse(true).
			Padding(0, 2, 0, 2).Align(lipgloss.Center)

	oddRowStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#FFF")).
			PaddingLeft(1).PaddingRight(1)
	evenRowStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#999")).
			PaddingLeft(1).PaddingRight(1)

	titleStyle = lipgloss.NewStyle().Bold(true).Padding(1, 4, 1, 4)
)

func newPlainTable(withHeader bool) *lgtable.Table {
	return lgtable.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color("99"))).
		StyleFunc(func(row, col int) (s lipgloss.Style) {
			if withHeader && row == 0 {
				s = headerRowStyle
				return
			}
			switch {
			case row%2 == 0:
				s = oddRowStyle
			default:
				s = evenRowStyle
			}
			if col == 0 {
				s = s.Align(lipgloss.Right)
			} else {
				s = s.Align(lipgloss.Left)
			}
			return
		})
}

type inspectFlags struct {
	storage  config.CheckpointConfig
	shards   bool
	metrics  []string
	points   string
	plotPath string
}

func newInspectCmd() *cobra.Command {
	flags := &inspectFlags{}
	cmd := &cobra.Command{
		Use:   "inspect <checkpoint_location>",
		Short: "Reports the checkpoints of a run and the metrics it logged",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return exceptions.TryCatch[error](func() { report(cmd.Context(), args[0], flags) })
		},
	}
	f := cmd.Flags()
	f.StringVar(&flags.storage.Storage, "storage", config.StorageDir, `Checkpoint storage, "dir" or "s3".`)
	f.StringVar(&flags.storage.S3Bucket, "s3_bucket", "", "Bucket of the s3 storage.")
	f.StringVar(&flags.storage.S3Region, "s3_region", "", "Region of the s3 storage, defaults to the environment's.")
	f.BoolVar(&flags.shards, "shards", false, "List the blobs of the shards of the latest checkpoint.")
	f.StringSliceVar(&flags.metrics, "metrics", nil,
		`Metrics to tabulate from the points file, e.g.: "lm loss,learning-rate". "all" lists every metric.`)
	f.StringVar(&flags.points, "points", "",
		"Points file with the logged metrics. Defaults to "+plots.TrainingPlotFileName+" in the checkpoint directory.")
	f.StringVar(&flags.plotPath, "plot", "", "Renders the loss curves of the points file to this image (.png or .svg).")
	return cmd
}

// report panics on errors, converted back to an error by the command.
func report(ctx context.Context, location string, flags *inspectFlags) {
	storage := must.M1(checkpoints.NewStorage(ctx, flags.storage, location))
	topo := must.M1(topology.New(topology.Config{WorldSize: 1, TensorParallelSize: 1, PipelineParallelSize: 1}))
	handler := must.M1(checkpoints.Build(topo, collective.NewLocalWorld(1)[0]).Storage(storage).Done())

	iterations := must.M1(handler.ListIterations(ctx))
	fmt.Println(titleStyle.Render("Checkpoints"))
	if len(iterations) == 0 {
		fmt.Printf("No checkpoints found in %q\n", location)
	} else {
		table := newPlainTable(true)
		table.Row("Iteration", "Consumed samples", "Consumed validation samples", "Run", "Saved at",
			"Grid (tp x pp x world)", "Compression")
		for _, iteration := range iterations {
			metadata := must.M1(handler.LoadMetadata(ctx, iteration))
			table.Row(
				humanize.Comma(metadata.Iteration),
				humanize.Comma(metadata.ConsumedTrainSamples),
				humanize.Comma(metadata.ConsumedValidSamples),
				metadata.RunID,
				fmt.Sprintf("%s (%s)", metadata.SavedAt.Format("2006-01-02 15:04:05"), humanize.Time(metadata.SavedAt)),
				fmt.Sprintf("%d x %d x %d", metadata.TensorParallelSize, metadata.PipelineParallelSize,
					metadata.WorldSize),
				metadata.Compression,
			)
		}
		fmt.Println(table.Render())
	}

	if flags.shards && len(iterations) > 0 {
		reportShards(ctx, storage, must.M1(handler.LoadMetadata(ctx, slices.Max(iterations))))
	}

	if len(flags.metrics) == 0 && flags.plotPath == "" {
		return
	}
	pointsPath := flags.points
	var rawPoints []plots.Point
	if pointsPath == "" {
		rawPoints = must.M1(plots.LoadPointsFromCheckpoint(location))
	} else {
		rawPoints = must.M1(plots.LoadPoints(pointsPath))
	}
	points := plots.NewPoints(rawPoints)
	if len(flags.metrics) > 0 {
		fmt.Println(titleStyle.Render("Metrics"))
		if len(flags.metrics) == 1 && flags.metrics[0] == "all" {
			fmt.Println(points.TableForMetrics())
		} else {
			fmt.Println(points.TableForMetrics(flags.metrics...))
		}
	}
	if flags.plotPath != "" {
		var lossMetrics []string
		for _, name := range points.MetricsNames() {
			if strings.Contains(name, " loss") && !strings.HasSuffix(name, " ppl") &&
				!strings.HasSuffix(name, plots.VsSamplesSuffix) {
				lossMetrics = append(lossMetrics, name)
			}
		}
		must.M(plots.RenderLossCurve(points, "Loss", flags.plotPath, lossMetrics...))
		fmt.Printf("Loss curves of %d metrics written to %q\n", len(lossMetrics), flags.plotPath)
	}
}

func reportShards(ctx context.Context, storage checkpoints.Storage, metadata checkpoints.Metadata) {
	fmt.Println(titleStyle.Render(fmt.Sprintf("Shards of iteration %s", humanize.Comma(metadata.Iteration))))
	table := newPlainTable(true)
	table.Row("Tensor rank", "Pipeline rank", "Blob", "Size")
	for pipelineRank := range metadata.PipelineParallelSize {
		for tensorRank := range metadata.TensorParallelSize {
			key := checkpoints.ShardKey(metadata.Iteration, tensorRank, pipelineRank)
			r := must.M1(storage.Get(ctx, key))
			_, index, err := checkpoints.ReadShardIndex(r)
			_ = r.Close()
			must.M(err)
			for _, blob := range index {
				table.Row(fmt.Sprint(tensorRank), fmt.Sprint(pipelineRank), blob.Name,
					humanize.Bytes(uint64(blob.Length)))
			}
		}
	}
	fmt.Println(table.Render())
}
