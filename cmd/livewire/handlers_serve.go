package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/haasonsaas/livewire/internal/config"
	"github.com/haasonsaas/livewire/internal/hub"
	"github.com/haasonsaas/livewire/internal/observability"
	"github.com/haasonsaas/livewire/internal/store"
)

// =============================================================================
// Serve Command Handler
// =============================================================================

// runServe loads configuration, starts the hub and HTTP server, and shuts
// both down on SIGINT or SIGTERM.
func runServe(ctx context.Context, configPath string, debug bool) error {
	cfg, resolved, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	levelVar := new(slog.LevelVar)
	logger := setupLogger(cfg, levelVar)
	if debug {
		levelVar.Set(slog.LevelDebug)
	}

	logger.Info("starting livewire hub",
		"version", version,
		"commit", commit,
		"config", resolved,
		"addr", cfg.Server.Addr,
		"ws_path", cfg.Server.WSPath,
	)

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	tracer, shutdownTracer := observability.NewTracer(cfg.Tracing.TraceConfig(version))
	defer func() {
		flushCtx, flushCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer flushCancel()
		if err := shutdownTracer(flushCtx); err != nil {
			logger.Warn("tracer shutdown failed", "error", err)
		}
	}()

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := observability.NewMetrics(registry)

	st, err := store.Open(ctx, cfg.Database.Path, store.Options{Metrics: metrics})
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer func() {
		if err := st.Close(); err != nil {
			logger.Warn("store close failed", "error", err)
		}
	}()

	h, err := hub.New(hubConfig(cfg, st, logger, metrics, tracer, registry))
	if err != nil {
		return fmt.Errorf("failed to initialize hub: %w", err)
	}

	if resolved != "" {
		watcher := config.NewWatcher(resolved, func(next *config.Config) {
			level := observability.LogLevelFromString(next.Logging.Level)
			if debug || level == levelVar.Level() {
				return
			}
			levelVar.Set(level)
			logger.Info("log level changed", "level", level.String())
		}, logger)
		if err := watcher.Start(ctx); err != nil {
			logger.Warn("config watcher unavailable", "error", err)
		} else {
			defer watcher.Close()
		}
	}

	server := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           h.Handler(cfg.Server.WSPath),
		ReadHeaderTimeout: cfg.Server.ReadHeaderTimeout,
	}

	hubDone := make(chan error, 1)
	go func() {
		hubDone <- h.Run(ctx)
	}()
	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	logger.Info("livewire hub started", "addr", cfg.Server.Addr)

	var serveErr error
	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received, initiating graceful shutdown")
	case serveErr = <-errCh:
		logger.Error("http server failed", "error", serveErr)
		cancel()
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	// Hijacked websocket connections are not tracked by the server, so the
	// hub closes them with going-away before the listener drains.
	h.Close()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown failed: %w", err)
	}
	select {
	case <-hubDone:
	case <-shutdownCtx.Done():
		logger.Warn("hub did not stop before the shutdown timeout")
	}
	if serveErr != nil {
		return fmt.Errorf("http server: %w", serveErr)
	}
	logger.Info("livewire hub stopped")
	return nil
}

// hubConfig maps the configuration sections onto hub.Config.
func hubConfig(cfg *config.Config, st hub.Store, logger *slog.Logger, metrics *observability.Metrics, tracer *observability.Tracer, gatherer prometheus.Gatherer) hub.Config {
	return hub.Config{
		Store:             st,
		Logger:            logger,
		Metrics:           metrics,
		Tracer:            tracer,
		Gatherer:          gatherer,
		HeartbeatInterval: cfg.Presence.HeartbeatInterval,
		ResyncInterval:    cfg.Presence.ResyncInterval,
		StaleAfter:        time.Duration(cfg.Presence.MissedSyncs) * cfg.Presence.HeartbeatInterval,
		SendBuffer:        cfg.Hub.SendBuffer,
		FrameRate:         cfg.Hub.FrameRate,
		FrameBurst:        cfg.Hub.FrameBurst,
		HTTPRate:          cfg.Hub.HTTPRate,
		HTTPBurst:         cfg.Hub.HTTPBurst,
		HistoryLimit:      cfg.Hub.HistoryLimit,
		RetentionSchedule: cfg.Hub.RetentionSchedule,
		RetentionAge:      cfg.Hub.RetentionAge,
		AllowedOrigins:    cfg.Server.AllowedOrigins,
	}
}
