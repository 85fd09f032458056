// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"net"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gomlx/gridtrain/internal/statusserver"
	"github.com/gomlx/gridtrain/internal/toymodel"
	"github.com/gomlx/gridtrain/pkg/config"
	"github.com/gomlx/gridtrain/pkg/distributed/collective"
	"github.com/gomlx/gridtrain/pkg/distributed/collective/rendezvous"
	"github.com/gomlx/gridtrain/pkg/distributed/topology"
	"github.com/gomlx/gridtrain/pkg/train"
	"github.com/gomlx/gridtrain/pkg/train/metrics"
	"github.com/gomlx/gridtrain/ui/commandline"
	"github.com/gomlx/gridtrain/ui/plots"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"google.golang.org/grpc"
	"k8s.io/klog/v2"
)

func newRunCmd(flags *globalFlags) *cobra.Command {
	var worldSize int
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Trains with all ranks running in this process",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := flags.loadConfig()
			if err != nil {
				return err
			}
			comms := collective.NewLocalWorld(worldSize)
			errs := make([]error, worldSize)
			var wg sync.WaitGroup
			for rank := range worldSize {
				wg.Add(1)
				go func() {
					defer wg.Done()
					_, errs[rank] = runRank(cmd.Context(), cfg, flags.model, rank, worldSize, comms[rank])
				}()
			}
			wg.Wait()
			for rank, err := range errs {
				if err != nil {
					return errors.WithMessagef(err, "rank %d", rank)
				}
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&worldSize, "world_size", 1, "Number of ranks, run as goroutines of this process.")
	return cmd
}

func newWorkerCmd(flags *globalFlags) *cobra.Command {
	var (
		coordinator     string
		rank, worldSize int
		connectTimeout  time.Duration
	)
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Runs one rank, exchanging collectives through a coordinator",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := flags.loadConfig()
			if err != nil {
				return err
			}
			client, err := rendezvous.Dial(cmd.Context(), coordinator, rank, worldSize,
				rendezvous.WithConnectTimeout(connectTimeout))
			if err != nil {
				return err
			}
			defer func() { _ = client.Close() }()
			_, err = runRank(cmd.Context(), cfg, flags.model, rank, worldSize, client)
			return err
		},
	}
	f := cmd.Flags()
	f.StringVar(&coordinator, "coordinator", "localhost:7070", "Address of the coordinator.")
	f.IntVar(&rank, "rank", 0, "Rank of this worker, in [0, world_size).")
	f.IntVar(&worldSize, "world_size", 1, "Total number of ranks.")
	f.DurationVar(&connectTimeout, "connect_timeout", 2*time.Minute, "For how long to wait for the coordinator.")
	return cmd
}

func newCoordinatorCmd() *cobra.Command {
	var (
		listen    string
		worldSize int
	)
	cmd := &cobra.Command{
		Use:   "coordinator",
		Short: "Serves the collectives of the workers of one run",
		RunE: func(cmd *cobra.Command, _ []string) error {
			listener, err := net.Listen("tcp", listen)
			if err != nil {
				return errors.Wrapf(err, "listening on %q", listen)
			}
			server := grpc.NewServer()
			rendezvous.NewCoordinator(worldSize).Register(server)

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			go func() {
				<-ctx.Done()
				server.GracefulStop()
			}()
			klog.Infof("coordinator for %d ranks listening on %s", worldSize, listener.Addr())
			return server.Serve(listener)
		},
	}
	cmd.Flags().StringVar(&listen, "listen", ":7070", "Address to listen on.")
	cmd.Flags().IntVar(&worldSize, "world_size", 1, "Total number of ranks.")
	return cmd
}

// runRank sets up and runs the training loop of one rank. The logging rank also gets the
// observability surfaces selected in the configuration.
func runRank(ctx context.Context, cfg config.TrainingConfig, model toymodel.FactoryOptions, rank, worldSize int,
	comm collective.Communicator) (exit train.ExitStatus, err error) {
	topo, err := topology.New(topology.Config{
		Rank:                 rank,
		WorldSize:            worldSize,
		TensorParallelSize:   cfg.Parallel.TensorParallelSize,
		PipelineParallelSize: cfg.Parallel.PipelineParallelSize,
		VirtualPipelineSize:  cfg.Parallel.VirtualPipelineSize,
		PipelineSplitRank:    cfg.Parallel.PipelineSplitRank,
	})
	if err != nil {
		return
	}
	logger := klog.Background().WithValues("rank", rank)
	isLogRank := rank == worldSize-1
	options := []train.Option{train.WithLogger(logger)}

	obs := cfg.Observability
	var (
		sinks    metrics.MultiSink
		gatherer prometheus.Gatherer
	)
	if isLogRank && obs.PointsFile != "" {
		pointsSink := plots.NewPointsSink(obs.PointsFile)
		defer func() {
			if closeErr := pointsSink.Close(); err == nil {
				err = closeErr
			}
		}()
		sinks = append(sinks, pointsSink)
	}
	var promErr error
	if isLogRank && obs.Prometheus {
		registry := prometheus.NewRegistry()
		var promSink *metrics.PrometheusSink
		promSink, promErr = metrics.NewPrometheusSink(registry)
		if promErr == nil {
			sinks = append(sinks, promSink)
			gatherer = registry
		}
	}
	if err = agreeBeforeSetup(ctx, topo, comm, "creating the prometheus sink", promErr); err != nil {
		return
	}
	if len(sinks) > 0 {
		options = append(options, train.WithSink(sinks))
	}

	loop, err := train.Setup(ctx, cfg, topo, comm, toymodel.NewFactory(model), options...)
	if err != nil {
		return
	}
	defer loop.Close()

	var serverErr error
	if isLogRank && obs.StatusAddr != "" {
		server := statusserver.New(loop, gatherer, logger)
		if _, serverErr = server.Start(obs.StatusAddr); serverErr == nil {
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_ = server.Shutdown(shutdownCtx)
			}()
		}
	}
	if err = loop.Agree(ctx, "starting the status server", serverErr); err != nil {
		return
	}
	if isLogRank && obs.ProgressBar {
		commandline.AttachProgressBar(loop)
	}

	exit, err = loop.Run(ctx)
	if err != nil {
		return
	}
	if isLogRank {
		fmt.Println(commandline.Summary(loop.Status(), exit, loop.MedianStepDuration()))
	}
	return
}

// agreeBeforeSetup fails every rank if localErr is not nil on any of them, for errors raised before
// the training loop exists.
func agreeBeforeSetup(ctx context.Context, topo *topology.Topology, comm collective.Communicator, what string,
	localErr error) error {
	failed, err := collective.AgreeAny(ctx, comm, topo.WorldGroup(), localErr != nil)
	switch {
	case err != nil:
		return errors.WithMessagef(err, "agreeing on %s", what)
	case localErr != nil:
		return errors.WithMessage(localErr, what)
	case failed:
		return errors.Errorf("%s failed on another rank", what)
	}
	return nil
}
