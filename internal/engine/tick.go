// Package engine drives pool sessions over observation streams: a tick
// engine with optional pacing and periodic checkpoints, the feeds it reads
// from, and a registry of sessions keyed by stream id.
package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Engine advances one session by one tick per observation.
type Engine struct {
	Session         *Session
	Interval        time.Duration // minimum time between ticks; 0 = as fast as the feed allows
	CheckpointEvery uint64        // ticks between OnCheckpoint calls; 0 = never

	// Callbacks, populated during setup.
	OnTick       func(p Prediction)
	OnCheckpoint func(tick uint64) error

	mu     sync.Mutex
	cancel context.CancelFunc
}

// NewEngine creates an unpaced engine for sess.
func NewEngine(sess *Session) *Engine {
	return &Engine{Session: sess}
}

// Run reads the feed until it ends, ctx is cancelled or Stop is called.
// Checkpoint failures are logged and the run continues; a failed step
// aborts the run.
func (e *Engine) Run(ctx context.Context, feed Feed) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	e.mu.Lock()
	e.cancel = cancel
	e.mu.Unlock()

	var limiter *rate.Limiter
	if e.Interval > 0 {
		limiter = rate.NewLimiter(rate.Every(e.Interval), 1)
	}

	slog.Info("engine started", "pool", e.Session.ID, "tick", e.Session.Tick(), "interval", e.Interval)

	for {
		if limiter != nil {
			if err := limiter.Wait(ctx); err != nil {
				break
			}
		}

		obs, err := feed.Next(ctx)
		if errors.Is(err, io.EOF) || ctx.Err() != nil {
			break
		}
		if err != nil {
			return fmt.Errorf("read observation: %w", err)
		}

		p, err := e.Session.Observe(obs)
		if err != nil {
			return fmt.Errorf("tick %d: %w", e.Session.Tick()+1, err)
		}
		if e.OnTick != nil {
			e.OnTick(p)
		}

		if e.CheckpointEvery > 0 && p.Tick%e.CheckpointEvery == 0 && e.OnCheckpoint != nil {
			if err := e.OnCheckpoint(p.Tick); err != nil {
				slog.Error("checkpoint failed", "pool", e.Session.ID, "tick", p.Tick, "error", err)
			}
		}
	}

	slog.Info("engine stopped", "pool", e.Session.ID, "tick", e.Session.Tick())
	return nil
}

// Stop halts a running engine after the current tick.
func (e *Engine) Stop() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.cancel != nil {
		e.cancel()
	}
}
