package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/rendis/engageflow/pkg/mcp"
)

// shutdownGrace bounds how long in-flight jobs may run after a signal.
const shutdownGrace = 30 * time.Second

func newServeCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the engine: job workers, scheduler and (optionally) the MCP server on stdio",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, c)
		},
	}
}

func runServe(ctx context.Context, c *cli) error {
	s, err := openStore(ctx, c.cfg)
	if err != nil {
		return err
	}
	a, err := buildApp(c.cfg, s, c.logger)
	if err != nil {
		_ = s.Close()
		return err
	}

	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		if err := a.shutdown(shutdownCtx); err != nil {
			c.logger.Error("shutdown failed", slog.String("error", err.Error()))
		}
		stats := a.queue.Stats()
		c.logger.Info("engageflow stopped",
			slog.Int64("jobs_succeeded", stats.Succeeded),
			slog.Int64("jobs_failed", stats.Failed),
			slog.Int64("jobs_panicked", stats.Panicked),
			slog.Uint64("events_dropped", a.hub.Dropped()))
	}()

	if err := a.scheduler.RecoverMissed(ctx); err != nil {
		return err
	}
	if err := a.scheduler.Start(ctx); err != nil {
		return err
	}
	c.logger.Info("engageflow started",
		slog.String("version", version),
		slog.String("store", c.cfg.Store.Driver),
		slog.Int("pool_size", c.cfg.Engine.PoolSize),
		slog.Bool("mcp", c.cfg.MCP.Enabled),
		slog.Bool("ai", c.cfg.AIEnabled()))

	if !c.cfg.MCP.Enabled {
		<-ctx.Done()
		return nil
	}

	srv := mcp.NewEngageServer(mcp.EngageServerDeps{
		Events:      a.dispatcher,
		Interpreter: a.interp,
		Queue:       a.queue,
		Store:       a.store,
		Checker:     a.validator,
		Hub:         a.hub,
		Logger:      c.logger,
	})
	if err := srv.Serve(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
