package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/haasonsaas/ragbench/internal/harness"
	"github.com/haasonsaas/ragbench/internal/server"
	"github.com/haasonsaas/ragbench/internal/testcase"
)

// buildServeCmd creates the "serve" command.
func buildServeCmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the run API over HTTP and websockets",
		Long: `Serve the run API.

Endpoints:
  POST /api/runs         start a run and stream NDJSON progress frames
  POST /api/runs/cancel  cancel the run in progress
  GET  /api/runs/ws      start a run over a websocket
  GET  /metrics          Prometheus metrics
  GET  /healthz          health check`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, addr)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "Listen address (overrides server.host and server.port)")
	return cmd
}

func runServe(cmd *cobra.Command, addr string) error {
	cfg, logger, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if addr == "" {
		addr = cfg.Server.Addr()
	}

	ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	h, err := harness.New(ctx, cfg, version, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := h.Close(context.Background()); err != nil {
			logger.Warn("shutdown", "error", err)
		}
	}()

	runner, err := h.Runner()
	if err != nil {
		return err
	}
	srv := server.New(server.Config{
		Addr:           addr,
		AllowedOrigins: cfg.Server.AllowedOrigins,
	}, runner, testcase.NewStore(cfg.CasesFile), h.Metrics(), logger)
	return srv.ListenAndServe(ctx)
}
