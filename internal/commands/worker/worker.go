// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package worker implements the long-running worker process: queue
// consumers, the outbox relay, and the metrics listener.
package worker

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/nofx/nofx/internal/commands/shared"
	"github.com/nofx/nofx/internal/log"
	"github.com/nofx/nofx/internal/relay"
	"github.com/nofx/nofx/internal/runner"
	"github.com/nofx/nofx/internal/tool"
	"github.com/nofx/nofx/internal/tracing"
)

// NewCommand creates the worker command.
func NewCommand() *cobra.Command {
	var trace bool

	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Run a worker that executes queued steps",
		Long: `Starts queue consumers for step.ready jobs, the outbox relay, and a
Prometheus metrics listener. The process drains gracefully on SIGINT
or SIGTERM: consumers stop claiming, in-flight steps finish, and the
relay flushes unsent outbox rows before exit.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWorker(cmd.Context(), trace)
		},
	}

	cmd.Flags().BoolVar(&trace, "trace", false, "Export OpenTelemetry spans to stderr")

	return cmd
}

func runWorker(parent context.Context, trace bool) error {
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rt, err := shared.OpenRuntime(ctx)
	if err != nil {
		return err
	}
	defer rt.Close()

	cfg, logger := rt.Cfg, rt.Logger

	ver, _, _ := shared.GetVersion()
	tp, err := tracing.Init(tracing.Config{
		ServiceName:    "nofx-worker",
		ServiceVersion: ver,
		Enabled:        trace,
	})
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(shutdownCtx); err != nil {
			logger.Warn("trace shutdown failed", "error", err)
		}
	}()

	registry := tool.Builtins()
	run := runner.New(rt.Store, registry, logger,
		runner.WithStepTimeout(cfg.StepTimeout),
		runner.WithTraceLog(log.NewTracer(logger, cfg.Trace.Enabled)),
	)
	defer cfg.Trace.Close()

	w := runner.NewWorker(run, rt.Queue, logger)
	if err := w.Start(cfg.WorkerConcurrency); err != nil {
		return err
	}

	rel := relay.New(rt.Store, rt.Queue, logger,
		relay.WithInterval(cfg.OutboxRelayTick),
		relay.WithBatch(cfg.OutboxRelayBatch),
	)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		rel.Run(ctx)
	}()

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	srv := &http.Server{Addr: cfg.MetricsAddr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics listener failed", "addr", cfg.MetricsAddr, "error", err)
		}
	}()

	logger.Info("worker started",
		"concurrency", cfg.WorkerConcurrency,
		"queueDriver", cfg.QueueDriver,
		"dataDriver", cfg.DataDriver,
		"metricsAddr", cfg.MetricsAddr)

	<-ctx.Done()
	logger.Info("shutting down", "grace", cfg.ShutdownGrace)

	// The relay performs its final flush when ctx is cancelled; wait
	// for it before tearing down the queue.
	wg.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("metrics listener shutdown failed", "error", err)
	}

	return nil
}
