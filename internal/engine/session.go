package engine

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/talgya/schimer/internal/pool"
)

var (
	ErrSessionExists   = errors.New("session already exists")
	ErrSessionNotFound = errors.New("session not found")
)

// Prediction is the output of one timestep.
type Prediction struct {
	PoolID      string
	Tick        uint64
	Observation float64 // primary channel
	Value       float64
}

// MarshalJSON encodes non-finite values the way state records do.
func (p Prediction) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		PoolID      string     `json:"pool_id"`
		Tick        uint64     `json:"tick"`
		Observation pool.Float `json:"observation"`
		Value       pool.Float `json:"prediction"`
	}{p.PoolID, p.Tick, pool.Float(p.Observation), pool.Float(p.Value)})
}

// Session owns one pool state. Observe calls are serialized, so a state is
// never advanced by two callers at once.
type Session struct {
	ID string

	mu      sync.Mutex
	state   *pool.State
	stepper pool.Stepper
	tick    uint64
}

// NewSession wraps st, resuming at tick.
func NewSession(id string, st *pool.State, tick uint64, stepper pool.Stepper) *Session {
	return &Session{ID: id, state: st, stepper: stepper, tick: tick}
}

// Observe advances the pool by one timestep. On error the state and tick
// are unchanged.
func (s *Session) Observe(obs []float64) (Prediction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	x, err := s.stepper.Step(obs, s.state)
	if err != nil {
		return Prediction{}, err
	}
	s.tick++
	return Prediction{
		PoolID:      s.ID,
		Tick:        s.tick,
		Observation: obs[0],
		Value:       x,
	}, nil
}

// Snapshot returns a deep copy of the state and the tick it was taken at.
func (s *Session) Snapshot() (*pool.State, uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.Clone(), s.tick
}

// Tick returns the number of observations processed.
func (s *Session) Tick() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tick
}

// Summary describes a session without its matrices.
type Summary struct {
	ID              string     `json:"id"`
	Tick            uint64     `json:"tick"`
	AgentCount      int        `json:"agent_count"`
	ExtraInputCount int        `json:"extra_input_count"`
	Prediction      pool.Float `json:"prediction"`
}

// Summary returns the session's current summary.
func (s *Session) Summary() Summary {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Summary{
		ID:              s.ID,
		Tick:            s.tick,
		AgentCount:      s.state.AgentCount,
		ExtraInputCount: s.state.ExtraInputCount,
		Prediction:      pool.Float(s.state.Prediction()),
	}
}

// Registry holds one session per stream id.
type Registry struct {
	stepper pool.Stepper
	opts    []pool.StateOption

	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewRegistry creates a registry whose sessions step with stepper and whose
// new pools are built with opts.
func NewRegistry(stepper pool.Stepper, opts ...pool.StateOption) *Registry {
	return &Registry{
		stepper:  stepper,
		opts:     opts,
		sessions: make(map[string]*Session),
	}
}

// Create starts a fresh pool. An empty id is replaced by a random UUID.
func (r *Registry) Create(id string, n, m int) (*Session, error) {
	if id == "" {
		id = uuid.NewString()
	}
	st, err := pool.NewState(n, m, r.opts...)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[id]; ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionExists, id)
	}
	sess := NewSession(id, st, 0, r.stepper)
	r.sessions[id] = sess
	return sess, nil
}

// Put installs a restored state, replacing any session with the same id.
func (r *Registry) Put(id string, st *pool.State, tick uint64) *Session {
	sess := NewSession(id, st, tick, r.stepper)
	r.mu.Lock()
	r.sessions[id] = sess
	r.mu.Unlock()
	return sess
}

// Get looks up a session.
func (r *Registry) Get(id string) (*Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sess, ok := r.sessions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	return sess, nil
}

// List returns all sessions ordered by id.
func (r *Registry) List() []*Session {
	r.mu.RLock()
	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Remove drops a session. It reports whether one existed.
func (r *Registry) Remove(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.sessions[id]
	delete(r.sessions, id)
	return ok
}

// Len returns the number of sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}
