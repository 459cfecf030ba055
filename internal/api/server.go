// Package api serves pool sessions over HTTP.
// GET endpoints are public. Creating and deleting pools requires the admin
// bearer token; observing is public but rate limited per IP.
package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/talgya/schimer/internal/engine"
	"github.com/talgya/schimer/internal/persistence"
	"github.com/talgya/schimer/internal/pool"
)

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 1000
)

// Server serves the registry over HTTP.
type Server struct {
	Registry *engine.Registry
	DB       *persistence.DB // optional; nil disables history and durable deletes
	Port     int
	AdminKey string // Bearer token for admin endpoints. Empty = admin disabled.

	// Pool size used when a create request omits it.
	DefaultAgentCount      int
	DefaultExtraInputCount int
	MaxAgentCount          int // 0 = no cap

	// SaveEvery writes a pool's state after every SaveEvery-th tick.
	// 0 leaves saving to the caller.
	SaveEvery uint64

	ObserveLimiter *RateLimiter // nil = unlimited

	started time.Time
	srv     *http.Server
	saveMu  sync.Mutex
}

// Handler builds the routing table.
func (s *Server) Handler() http.Handler {
	if s.started.IsZero() {
		s.started = time.Now()
	}

	observe := s.handleObserve
	if s.ObserveLimiter != nil {
		observe = RateLimitMiddleware(s.ObserveLimiter, observe)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/v1/status", s.handleStatus)
	mux.HandleFunc("GET /api/v1/pools", s.handlePools)
	mux.HandleFunc("GET /api/v1/pools/{id}", s.handlePool)
	mux.HandleFunc("GET /api/v1/pools/{id}/predictions", s.handlePredictions)
	mux.HandleFunc("POST /api/v1/pools/{id}/observe", observe)

	mux.HandleFunc("POST /api/v1/pools", s.adminOnly(s.handleCreate))
	mux.HandleFunc("DELETE /api/v1/pools/{id}", s.adminOnly(s.handleDelete))
	return mux
}

// Start begins serving the HTTP API in a goroutine.
func (s *Server) Start() {
	addr := fmt.Sprintf(":%d", s.Port)
	s.srv = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	slog.Info("HTTP API starting", "addr", addr, "admin_auth", s.AdminKey != "", "history", s.DB != nil)

	go func() {
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("HTTP server error", "error", err)
		}
	}()
}

// Shutdown stops accepting requests and waits for in-flight ones.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}

func (s *Server) checkBearerToken(r *http.Request) bool {
	token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	return ok && subtle.ConstantTimeCompare([]byte(token), []byte(s.AdminKey)) == 1
}

// adminOnly wraps a handler to require bearer token auth.
func (s *Server) adminOnly(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.AdminKey == "" {
			writeError(w, http.StatusForbidden, "admin endpoints disabled (no SCHIMER_ADMIN_KEY set)")
			return
		}
		if !s.checkBearerToken(r) {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next(w, r)
	}
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	var ticks uint64
	for _, sess := range s.Registry.List() {
		ticks += sess.Tick()
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"pools":          s.Registry.Len(),
		"total_ticks":    ticks,
		"total_ticks_h":  humanize.Comma(int64(ticks)),
		"started":        humanize.Time(s.started),
		"uptime_seconds": int64(time.Since(s.started).Seconds()),
		"history":        s.DB != nil,
	})
}

func (s *Server) handlePools(w http.ResponseWriter, r *http.Request) {
	sessions := s.Registry.List()
	out := make([]engine.Summary, 0, len(sessions))
	for _, sess := range sessions {
		out = append(out, sess.Summary())
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handlePool(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	st, tick := sess.Snapshot()
	writeJSON(w, http.StatusOK, map[string]any{
		"id":    sess.ID,
		"tick":  tick,
		"state": st.Record(),
	})
}

func (s *Server) handlePredictions(w http.ResponseWriter, r *http.Request) {
	if s.DB == nil {
		writeError(w, http.StatusNotFound, "prediction history disabled")
		return
	}
	limit := defaultHistoryLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(n, maxHistoryLimit)
	}

	preds, err := s.DB.RecentPredictions(r.PathValue("id"), limit)
	if err != nil {
		slog.Error("load predictions failed", "pool", r.PathValue("id"), "error", err)
		writeError(w, http.StatusInternalServerError, "load predictions failed")
		return
	}
	if preds == nil {
		preds = []engine.Prediction{}
	}
	writeJSON(w, http.StatusOK, preds)
}

type createRequest struct {
	ID              string `json:"id"`
	AgentCount      *int   `json:"agent_count"`
	ExtraInputCount *int   `json:"extra_input_count"`
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req createRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	n, m := s.DefaultAgentCount, s.DefaultExtraInputCount
	if req.AgentCount != nil {
		n = *req.AgentCount
	}
	if req.ExtraInputCount != nil {
		m = *req.ExtraInputCount
	}
	if s.MaxAgentCount > 0 && n > s.MaxAgentCount {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("agent_count %d exceeds the limit of %d", n, s.MaxAgentCount))
		return
	}

	sess, err := s.Registry.Create(req.ID, n, m)
	switch {
	case errors.Is(err, engine.ErrSessionExists):
		writeError(w, http.StatusConflict, err.Error())
		return
	case errors.Is(err, pool.ErrInvalidSize):
		writeError(w, http.StatusBadRequest, err.Error())
		return
	case err != nil:
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	if s.DB != nil {
		st, tick := sess.Snapshot()
		if err := s.DB.SavePool(sess.ID, tick, st); err != nil {
			slog.Error("save new pool failed", "pool", sess.ID, "error", err)
		}
	}
	slog.Info("pool created", "pool", sess.ID, "agents", n, "extra_inputs", m)
	writeJSON(w, http.StatusCreated, sess.Summary())
}

type observeRequest struct {
	Observation []float64 `json:"observation"`
}

func (s *Server) handleObserve(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}

	var req observeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}

	p, err := sess.Observe(req.Observation)
	switch {
	case errors.Is(err, pool.ErrEmptyObservation):
		writeError(w, http.StatusBadRequest, err.Error())
		return
	case pool.IsInvalidState(err), errors.Is(err, pool.ErrDegenerateRatio):
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	case err != nil:
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	if s.DB != nil {
		if err := s.DB.SavePredictions([]engine.Prediction{p}); err != nil {
			slog.Error("save prediction failed", "pool", p.PoolID, "tick", p.Tick, "error", err)
		}
		if s.SaveEvery > 0 && p.Tick%s.SaveEvery == 0 {
			s.savePool(sess)
		}
	}
	writeJSON(w, http.StatusOK, p)
}

// savePool writes the session's current state. Saves are serialized so a
// slower request never overwrites a later snapshot.
func (s *Server) savePool(sess *engine.Session) {
	s.saveMu.Lock()
	defer s.saveMu.Unlock()
	st, tick := sess.Snapshot()
	if err := s.DB.SavePool(sess.ID, tick, st); err != nil {
		slog.Error("save pool failed", "pool", sess.ID, "tick", tick, "error", err)
	}
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if !s.Registry.Remove(id) {
		writeError(w, http.StatusNotFound, "pool not found")
		return
	}
	if s.DB != nil {
		if err := s.DB.DeletePool(id); err != nil {
			slog.Error("delete pool failed", "pool", id, "error", err)
		}
	}
	slog.Info("pool deleted", "pool", id)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) session(w http.ResponseWriter, r *http.Request) (*engine.Session, bool) {
	sess, err := s.Registry.Get(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusNotFound, "pool not found")
		return nil, false
	}
	return sess, true
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	enc.Encode(data)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
