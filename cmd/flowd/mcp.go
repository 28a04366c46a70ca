package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/servicehero/flowd/internal/logging"
	"github.com/servicehero/flowd/pkg/mcp"
)

// runMCP runs the engine as an MCP server, over stdio by default or over SSE
// with --sse. Stdout belongs to the stdio transport, so all logging goes to
// stderr. The scheduler still runs: scheduled triggers fire regardless of
// which surface is attached.
func runMCP(args []string) {
	useSSE := false
	for _, arg := range args {
		if arg == "--sse" {
			useSSE = true
		}
	}

	cfg := loadConfig()

	level := new(slog.LevelVar)
	level.Set(parseLogLevel(cfg.LogLevel))
	logger := slog.New(logging.NewCorrelationHandler(
		slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := buildApp(ctx, cfg, logger)
	if err != nil {
		logger.Error("startup failed", slog.String("error", err.Error()))
		os.Exit(1)
	}

	if err := a.scheduler.RecoverMissed(ctx); err != nil {
		logger.Warn("missed trigger recovery", slog.String("error", err.Error()))
	}
	if err := a.scheduler.Start(ctx); err != nil {
		logger.Error("scheduler start failed", slog.String("error", err.Error()))
		os.Exit(1)
	}

	flowServer := mcp.NewFlowServer(mcp.FlowServerDeps{
		Executor:  a.executor,
		Store:     a.store,
		Validator: a.validator,
		Hub:       a.hub,
		Logger:    logger,
	})
	if err := flowServer.StartEventBridge(ctx); err != nil {
		logger.Error("event bridge failed", slog.String("error", err.Error()))
		os.Exit(1)
	}

	var serveErr error
	if useSSE {
		logger.Info("flowd mcp server ready",
			slog.String("transport", "sse"),
			slog.String("addr", cfg.ListenAddr),
			slog.String("db", cfg.DBPath))
		serveErr = flowServer.ServeSSE(ctx, cfg.ListenAddr, cfg.BaseURL)
		if errors.Is(serveErr, http.ErrServerClosed) {
			serveErr = nil
		}
	} else {
		logger.Info("flowd mcp server ready", slog.String("db", cfg.DBPath))
		serveErr = flowServer.Serve(ctx)
	}
	stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	a.close(shutdownCtx)

	if serveErr != nil && !errors.Is(serveErr, context.Canceled) {
		logger.Error("mcp server exited", slog.String("error", serveErr.Error()))
		os.Exit(1)
	}
}
