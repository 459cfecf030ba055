// Package pool implements the agent-pool online predictor: a pool of N
// scalar agents that keep pairwise win/loss counts, use them to pick which
// couplings interact each step, and mix agent values through a fixed
// pairwise transform. Agent 0 is the prediction.
//
// One call to Update advances one state by one timestep. A State is not safe
// for concurrent use; callers serialize updates per state.
package pool

import (
	"fmt"

	"gonum.org/v1/gonum/mat"
)

// State is the persisted agent-pool state owned by the caller between calls.
type State struct {
	AgentCount      int     // N, fixed for the lifetime of the pool
	ExtraInputCount int     // M, auxiliary channels beyond the primary observation
	PrevPredDiff    float64 // error metric from the previous call

	Wins   *mat.Dense    // W, N×N cumulative win counts
	Losses *mat.Dense    // L, N×N cumulative loss counts
	Active *mat.Dense    // P, N×N couplings exercised by the last call (0 or 1)
	Values *mat.VecDense // AV, length N; AV[0] is the prediction
}

type stateOptions struct {
	seedCount    float64
	prevPredDiff float64
	values       []float64
}

// StateOption customizes NewState.
type StateOption func(*stateOptions)

// WithSeedCount sets the initial value of every W and L entry (default 1).
// Zero seeds leave the win ratio undefined until a coupling has been scored.
func WithSeedCount(c float64) StateOption {
	return func(o *stateOptions) { o.seedCount = c }
}

// WithPrevPredDiff sets the error metric the first call compares against.
func WithPrevPredDiff(d float64) StateOption {
	return func(o *stateOptions) { o.prevPredDiff = d }
}

// WithValues sets the initial agent values. Missing trailing entries stay 0.
func WithValues(v ...float64) StateOption {
	return func(o *stateOptions) { o.values = v }
}

// NewState builds a well-formed initial state for n agents and m auxiliary
// inputs: W and L filled with the seed count, P zeroed, AV zeroed.
func NewState(n, m int, opts ...StateOption) (*State, error) {
	if n < 1 {
		return nil, fmt.Errorf("%w: agent count %d", ErrInvalidSize, n)
	}
	if m < 0 {
		return nil, fmt.Errorf("%w: extra input count %d", ErrInvalidSize, m)
	}

	o := stateOptions{seedCount: 1}
	for _, opt := range opts {
		opt(&o)
	}
	if len(o.values) > n {
		return nil, fmt.Errorf("%w: %d initial values for %d agents", ErrInvalidSize, len(o.values), n)
	}

	seed := make([]float64, n*n)
	for i := range seed {
		seed[i] = o.seedCount
	}
	values := mat.NewVecDense(n, nil)
	for i, v := range o.values {
		values.SetVec(i, v)
	}

	return &State{
		AgentCount:      n,
		ExtraInputCount: m,
		PrevPredDiff:    o.prevPredDiff,
		Wins:            mat.NewDense(n, n, seed),
		Losses:          mat.NewDense(n, n, append([]float64(nil), seed...)),
		Active:          mat.NewDense(n, n, nil),
		Values:          values,
	}, nil
}

// Validate checks that every matrix is N×N and AV has N entries.
func (s *State) Validate() error {
	n := s.AgentCount
	for _, f := range []struct {
		name string
		m    *mat.Dense
	}{
		{FieldWinMatrix, s.Wins},
		{FieldLossMatrix, s.Losses},
		{FieldActiveMatrix, s.Active},
	} {
		if f.m == nil {
			return &MissingFieldError{Field: f.name}
		}
		if r, c := f.m.Dims(); r != n || c != n {
			return &ShapeError{Field: f.name, Rows: r, Cols: c, Want: n}
		}
	}
	if s.Values == nil {
		return &MissingFieldError{Field: FieldAgentValues}
	}
	if l := s.Values.Len(); l != n {
		return &ShapeError{Field: FieldAgentValues, Rows: l, Cols: 1, Want: n}
	}
	return nil
}

// Prediction returns AV[0].
func (s *State) Prediction() float64 {
	return s.Values.AtVec(0)
}

// Clone returns a deep copy of the state.
func (s *State) Clone() *State {
	c := *s
	c.Wins = mat.DenseCopyOf(s.Wins)
	c.Losses = mat.DenseCopyOf(s.Losses)
	c.Active = mat.DenseCopyOf(s.Active)
	c.Values = mat.VecDenseCopyOf(s.Values)
	return &c
}
