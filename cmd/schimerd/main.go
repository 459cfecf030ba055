// Command schimerd serves many agent pools over HTTP, one per stream id,
// restoring them from SQLite on start and saving them on shutdown.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/talgya/schimer/internal/api"
	"github.com/talgya/schimer/internal/config"
	"github.com/talgya/schimer/internal/engine"
	"github.com/talgya/schimer/internal/entropy"
	"github.com/talgya/schimer/internal/logging"
	"github.com/talgya/schimer/internal/persistence"
	"github.com/talgya/schimer/internal/pool"
)

func main() {
	cfg, err := config.Load(os.Getenv("SCHIMER_CONFIG"))
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(1)
	}

	logger, closeLog, err := logging.New(cfg.Logger)
	if err != nil {
		fmt.Fprintln(os.Stderr, "logger:", err)
		os.Exit(1)
	}
	defer closeLog()
	slog.SetDefault(logger)

	// ── Database ──────────────────────────────────────────────────────
	if dir := filepath.Dir(cfg.Storage.DBPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			slog.Error("failed to create data dir", "path", dir, "error", err)
			os.Exit(1)
		}
	}
	db, err := persistence.Open(cfg.Storage.DBPath)
	if err != nil {
		slog.Error("failed to open database", "error", err)
		os.Exit(1)
	}
	defer db.Close()
	slog.Info("database opened", "path", cfg.Storage.DBPath)

	// ── Registry ──────────────────────────────────────────────────────
	src, err := entropy.New(cfg.Random.Kind, cfg.Random.Seed, cfg.Random.APIKey)
	if err != nil {
		slog.Error("random source", "error", err)
		os.Exit(1)
	}
	reg := engine.NewRegistry(
		pool.Stepper{Source: src, StrictRatio: cfg.Pool.StrictRatio},
		pool.WithSeedCount(cfg.Pool.SeedCount),
		pool.WithPrevPredDiff(cfg.Pool.PrevPredDiff),
	)
	n, err := db.RestoreRegistry(reg)
	if err != nil {
		slog.Error("failed to restore pools", "error", err)
		os.Exit(1)
	}
	slog.Info("pools restored", "count", n, "random", cfg.Random.Kind)

	// ── HTTP API ──────────────────────────────────────────────────────
	if cfg.API.AdminKey == "" {
		slog.Warn("SCHIMER_ADMIN_KEY not set, pool create and delete endpoints are disabled")
	}
	apiServer := &api.Server{
		Registry:               reg,
		DB:                     db,
		Port:                   cfg.API.Port,
		AdminKey:               cfg.API.AdminKey,
		DefaultAgentCount:      cfg.Pool.AgentCount,
		DefaultExtraInputCount: cfg.Pool.ExtraInputCount,
		MaxAgentCount:          cfg.Pool.MaxAgentCount,
		SaveEvery:              cfg.API.SaveEvery,
	}
	if cfg.API.ObserveRate > 0 {
		apiServer.ObserveLimiter = api.NewRateLimiter(cfg.API.ObserveRate, cfg.API.ObserveEvery)
	}
	apiServer.Start()

	// ── Wait ──────────────────────────────────────────────────────────
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	s := <-sigCh
	slog.Info("received signal, shutting down", "signal", s)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := apiServer.Shutdown(ctx); err != nil {
		slog.Error("HTTP shutdown", "error", err)
	}

	slog.Info("final save...")
	if err := db.SaveRegistry(reg); err != nil {
		slog.Error("final save failed", "error", err)
	}
}
