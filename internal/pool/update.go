package pool

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

// Source yields uniform draws in [0, 1).
type Source interface {
	Float() float64
}

// Pair is an ordered coupling (I, J) between two agents. I may equal J.
type Pair struct {
	I, J int
}

// Stepper advances pool states using one random source.
type Stepper struct {
	Source Source

	// StrictRatio rejects a step whose win ratio would be 0/0 for some
	// coupling, instead of letting NaN silently deactivate that coupling.
	StrictRatio bool
}

// Update advances s by one timestep with the observation obs and returns
// the prediction AV[0]. The state is mutated in place.
func Update(obs []float64, s *State, src Source) (float64, error) {
	st := Stepper{Source: src}
	return st.Step(obs, s)
}

// Step runs ingest, credit assignment and sample-and-mix on s. Every error
// is returned before s is modified.
func (st *Stepper) Step(obs []float64, s *State) (float64, error) {
	if st.Source == nil {
		return 0, ErrNilSource
	}
	if len(obs) == 0 {
		return 0, ErrEmptyObservation
	}
	if err := s.Validate(); err != nil {
		return 0, err
	}
	if st.StrictRatio {
		if err := checkRatios(s); err != nil {
			return 0, err
		}
	}

	Ingest(s, obs)
	AssignCredit(s, obs[0])

	g := CouplingMatrix(s.Wins, s.Losses)
	pairs := ActiveSet(g, st.Source.Float())
	for _, p := range pairs {
		s.Active.Set(p.I, p.J, 1)
	}
	h := Mix(s.Values, pairs)
	s.Values.MulElemVec(s.Values, h)

	return s.Prediction(), nil
}

// Ingest overwrites AV[0..k) with obs[0..k), k = min(len(obs), M+1, N).
// Observation entries past the auxiliary channels are ignored.
func Ingest(s *State, obs []float64) {
	k := min(len(obs), s.ExtraInputCount+1, s.AgentCount)
	for i := 0; i < k; i++ {
		s.Values.SetVec(i, obs[i])
	}
}

// AssignCredit scores the couplings recorded in P against the change in
// prediction error: W += P when the error did not grow, L += P otherwise.
// P is then cleared and the new error replaces PrevPredDiff. It reports
// whether the step counted as a win.
//
// The error is AV[0] - y0 taken after ingestion has already written y0 into
// AV[0], so it is 0 for any finite observation.
func AssignCredit(s *State, y0 float64) bool {
	curr := s.Values.AtVec(0) - y0
	won := curr <= s.PrevPredDiff
	if won {
		s.Wins.Add(s.Wins, s.Active)
	} else {
		s.Losses.Add(s.Losses, s.Active)
	}
	s.Active.Zero()
	s.PrevPredDiff = curr
	return won
}

// CouplingMatrix returns G = W / (W + L) elementwise. Entries where both
// counts are zero come out NaN.
func CouplingMatrix(w, l mat.Matrix) *mat.Dense {
	var sum, g mat.Dense
	sum.Add(w, l)
	g.DivElem(w, &sum)
	return &g
}

// ActiveSet returns every coupling with G[i][j] < r in row-major order.
func ActiveSet(g mat.Matrix, r float64) []Pair {
	rows, cols := g.Dims()
	var pairs []Pair
	for i := 0; i < rows; i++ {
		for j := 0; j < cols; j++ {
			if g.At(i, j) < r {
				pairs = append(pairs, Pair{I: i, J: j})
			}
		}
	}
	return pairs
}

// Mix returns the multiplicative update H for the given couplings. Each pair
// transforms the current values (not the running H) and multiplies its two
// results into H[i] and H[j], so pair order does not affect H.
func Mix(values mat.Vector, pairs []Pair) *mat.VecDense {
	n := values.Len()
	h := make([]float64, n)
	for i := range h {
		h[i] = 1
	}
	for _, p := range pairs {
		x, y := Transform(values.AtVec(p.I), values.AtVec(p.J))
		h[p.I] *= x
		h[p.J] *= y
	}
	return mat.NewVecDense(n, h)
}

// Transform rotates the point (a, b) by the angle a*b.
func Transform(a, b float64) (x, y float64) {
	sin, cos := math.Sincos(a * b)
	return a*cos - b*sin, a*sin + b*cos
}

func checkRatios(s *State) error {
	n := s.AgentCount
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			// After credit assignment P lands in exactly one of W or L.
			if s.Wins.At(i, j)+s.Losses.At(i, j)+s.Active.At(i, j) == 0 {
				return fmt.Errorf("%w: (%d, %d)", ErrDegenerateRatio, i, j)
			}
		}
	}
	return nil
}
