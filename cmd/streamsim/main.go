// Command streamsim runs one agent pool over an observation stream, read as
// CSV from stdin or a file or generated synthetically, and checkpoints the
// pool and its predictions to SQLite.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/talgya/schimer/internal/config"
	"github.com/talgya/schimer/internal/engine"
	"github.com/talgya/schimer/internal/entropy"
	"github.com/talgya/schimer/internal/logging"
	"github.com/talgya/schimer/internal/persistence"
	"github.com/talgya/schimer/internal/pool"
	sig "github.com/talgya/schimer/internal/signal"
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

	if err := run(cfg); err != nil {
		slog.Error("streamsim failed", "error", err)
		os.Exit(1)
	}
}

func run(cfg config.Config) error {
	// ── Database ──────────────────────────────────────────────────────
	if dir := filepath.Dir(cfg.Storage.DBPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create data dir: %w", err)
		}
	}
	db, err := persistence.Open(cfg.Storage.DBPath)
	if err != nil {
		return err
	}
	defer db.Close()
	slog.Info("database opened", "path", cfg.Storage.DBPath)

	// ── Pool ──────────────────────────────────────────────────────────
	src, err := entropy.New(cfg.Random.Kind, cfg.Random.Seed, cfg.Random.APIKey)
	if err != nil {
		return err
	}
	stepper := pool.Stepper{Source: src, StrictRatio: cfg.Pool.StrictRatio}

	id := cfg.Stream.PoolID
	st, tick, err := db.LoadPool(id)
	switch {
	case errors.Is(err, persistence.ErrNotFound):
		st, err = pool.NewState(cfg.Pool.AgentCount, cfg.Pool.ExtraInputCount,
			pool.WithSeedCount(cfg.Pool.SeedCount),
			pool.WithPrevPredDiff(cfg.Pool.PrevPredDiff),
		)
		if err != nil {
			return err
		}
		slog.Info("new pool", "pool", id, "agents", st.AgentCount, "extra_inputs", st.ExtraInputCount)
	case err != nil:
		return err
	default:
		slog.Info("pool restored", "pool", id, "tick", tick, "agents", st.AgentCount)
	}
	sess := engine.NewSession(id, st, tick, stepper)

	// ── Feed ──────────────────────────────────────────────────────────
	feed, closeFeed, err := openFeed(cfg.Stream, st.ExtraInputCount)
	if err != nil {
		return err
	}
	defer closeFeed()

	// ── Engine ────────────────────────────────────────────────────────
	eng := engine.NewEngine(sess)
	eng.Interval = cfg.Stream.Interval
	eng.CheckpointEvery = cfg.Stream.CheckpointEvery

	var pending []engine.Prediction
	var absErr float64
	var prev *engine.Prediction
	eng.OnTick = func(p engine.Prediction) {
		pending = append(pending, p)
		// The prediction made at tick t targets the observation at t+1.
		if prev != nil {
			d := prev.Value - p.Observation
			if d < 0 {
				d = -d
			}
			absErr += d
		}
		prev = &p
		slog.Debug("tick", "tick", p.Tick, "observation", p.Observation, "prediction", p.Value)
	}
	checkpoint := func(t uint64) error {
		if err := db.SavePredictions(pending); err != nil {
			return fmt.Errorf("save predictions: %w", err)
		}
		pending = pending[:0]
		snap, at := sess.Snapshot()
		if err := db.SavePool(id, at, snap); err != nil {
			return err
		}
		slog.Info("checkpoint", "pool", id, "tick", humanize.Comma(int64(t)))
		return nil
	}
	eng.OnCheckpoint = checkpoint

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	start := time.Now()
	startTick := sess.Tick()
	runErr := eng.Run(ctx, feed)

	// Final save on shutdown, also after a failed step.
	if err := checkpoint(sess.Tick()); err != nil {
		slog.Error("final save failed", "error", err)
	}
	if err := db.SaveMeta("last_run", time.Now().UTC().Format(time.RFC3339)); err != nil {
		slog.Warn("save meta failed", "error", err)
	}

	ran := sess.Tick() - startTick
	summary := []any{
		"pool", id,
		"ticks", humanize.Comma(int64(ran)),
		"total_ticks", humanize.Comma(int64(sess.Tick())),
		"elapsed", time.Since(start).Round(time.Millisecond),
	}
	if ran > 1 {
		summary = append(summary, "mean_abs_error", fmt.Sprintf("%.6f", absErr/float64(ran-1)))
	}
	slog.Info("stream finished", summary...)
	return runErr
}

func openFeed(cfg config.StreamConfig, extraInputs int) (engine.Feed, func() error, error) {
	noop := func() error { return nil }
	switch cfg.Source {
	case "-", "":
		return engine.NewCSVFeed(os.Stdin), noop, nil
	case "synthetic":
		gen := sig.DefaultGenerator(cfg.SignalSeed, extraInputs)
		return &engine.SignalFeed{Gen: gen, Limit: cfg.Limit}, noop, nil
	default:
		f, err := os.Open(cfg.Source)
		if err != nil {
			return nil, nil, fmt.Errorf("open source: %w", err)
		}
		return engine.NewCSVFeed(f), f.Close, nil
	}
}
