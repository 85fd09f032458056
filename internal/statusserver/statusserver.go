// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package statusserver serves the status of a training rank over HTTP: its counters as JSON,
// liveness and readiness probes, and the Prometheus metrics of the run.
package statusserver

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gomlx/gridtrain/pkg/train"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"k8s.io/klog/v2"
)

// StatusProvider is implemented by train.Loop.
type StatusProvider interface {
	Status() train.Status
}

// Server is the HTTP status server of one rank.
type Server struct {
	router *gin.Engine
	server *http.Server
	logger klog.Logger
}

// New creates the server. gatherer can be nil, in which case /metrics is not served.
func New(provider StatusProvider, gatherer prometheus.Gatherer, logger klog.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "healthy"})
	})
	router.GET("/readyz", func(c *gin.Context) {
		status := provider.Status()
		if status.State == train.StateSetup.String() {
			c.JSON(http.StatusServiceUnavailable, gin.H{"state": status.State})
			return
		}
		c.JSON(http.StatusOK, gin.H{"state": status.State})
	})
	router.GET("/status", func(c *gin.Context) {
		c.JSON(http.StatusOK, provider.Status())
	})
	if gatherer != nil {
		router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{
			ErrorHandling: promhttp.ContinueOnError,
		})))
	}
	return &Server{router: router, logger: logger}
}

// Handler returns the HTTP handler of the server.
func (s *Server) Handler() http.Handler { return s.router }

// Start listens on addr and serves in the background. It returns the address it is listening on,
// which differs from addr if its port is 0.
func (s *Server) Start(addr string) (string, error) {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return "", errors.Wrapf(err, "listening on %q for the status server", addr)
	}
	s.server = &http.Server{Handler: s.router, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		if err := s.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error(err, "status server stopped")
		}
	}()
	s.logger.Info("status server started", "address", listener.Addr().String())
	return listener.Addr().String(), nil
}

// Shutdown stops the server, waiting for in-flight requests until ctx is done.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return errors.Wrap(s.server.Shutdown(ctx), "shutting down status server")
}
