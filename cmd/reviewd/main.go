// Command reviewd serves the human review surface: list pending
// proposals, approve or reject advances, and answer finality reviews.
// It shares the SQLite database and Redis streams with swarmd, so the
// runtime picks decisions up without any direct coupling.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/casegraph/swarm/pkg/bus"
	"github.com/casegraph/swarm/pkg/config"
	"github.com/casegraph/swarm/pkg/httpapi"
	"github.com/casegraph/swarm/pkg/review"
	"github.com/casegraph/swarm/pkg/store"
)

func main() {
	os.Exit(run())
}

func run() int {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "reviewd:", err)
		return 1
	}
	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	db, err := store.Open(cfg.DBPath)
	if err != nil {
		logger.Error("database open failed", "path", cfg.DBPath, "error", err)
		return 1
	}
	defer db.Close()

	b, err := bus.New(ctx, bus.Config{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	}, logger)
	if err != nil {
		logger.Error("bus connect failed", "addr", cfg.RedisAddr, "error", err)
		return 1
	}
	defer b.Close()

	queue, err := review.NewQueue(ctx, db, b, logger)
	if err != nil {
		logger.Error("review queue init failed", "error", err)
		return 1
	}

	srv := httpapi.NewReviewServer(queue,
		httpapi.AuthConfig{StaticToken: cfg.APIToken, JWTSecret: cfg.JWTSecret}, logger)
	server := &http.Server{
		Addr:              cfg.ReviewAddr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("review server listening", "addr", cfg.ReviewAddr)
		if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-errCh:
		logger.Error("review server failed", "error", err)
		return 1
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("review server shutdown", "error", err)
	}
	return 0
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
