package pool

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"

	"gonum.org/v1/gonum/mat"
)

// Field names of the keyed state record.
const (
	FieldAgentCount      = "agent_count"
	FieldExtraInputCount = "extra_input_count"
	FieldPrevPredDiff    = "prev_prediction_error"
	FieldWinMatrix       = "win_matrix"
	FieldLossMatrix      = "loss_matrix"
	FieldActiveMatrix    = "active_matrix"
	FieldAgentValues     = "agent_values"
)

// Record is the external keyed representation of a State. Absent fields
// decode to nil and are reported by Load as MissingFieldError.
type Record struct {
	AgentCount      *int      `json:"agent_count"`
	ExtraInputCount *int      `json:"extra_input_count"`
	PrevPredDiff    *Float    `json:"prev_prediction_error"`
	WinMatrix       [][]Float `json:"win_matrix"`
	LossMatrix      [][]Float `json:"loss_matrix"`
	ActiveMatrix    [][]Float `json:"active_matrix"`
	AgentValues     []Float   `json:"agent_values"`
}

// Float is a float64 whose JSON form carries non-finite values as the
// strings "+Inf", "-Inf" and "NaN".
type Float float64

func (f Float) MarshalJSON() ([]byte, error) {
	v := float64(f)
	switch {
	case math.IsNaN(v):
		return []byte(`"NaN"`), nil
	case math.IsInf(v, 1):
		return []byte(`"+Inf"`), nil
	case math.IsInf(v, -1):
		return []byte(`"-Inf"`), nil
	}
	return strconv.AppendFloat(nil, v, 'g', -1, 64), nil
}

func (f *Float) UnmarshalJSON(b []byte) error {
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		switch s {
		case "NaN":
			*f = Float(math.NaN())
		case "+Inf", "Inf":
			*f = Float(math.Inf(1))
		case "-Inf":
			*f = Float(math.Inf(-1))
		default:
			return fmt.Errorf("invalid float %q", s)
		}
		return nil
	}
	var v float64
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	*f = Float(v)
	return nil
}

// Load materializes a State from its keyed record. Every field is required;
// matrices must be N×N and the value vector N long. Nothing else is checked.
func Load(rec Record) (*State, error) {
	switch {
	case rec.AgentCount == nil:
		return nil, &MissingFieldError{Field: FieldAgentCount}
	case rec.ExtraInputCount == nil:
		return nil, &MissingFieldError{Field: FieldExtraInputCount}
	case rec.PrevPredDiff == nil:
		return nil, &MissingFieldError{Field: FieldPrevPredDiff}
	case rec.WinMatrix == nil:
		return nil, &MissingFieldError{Field: FieldWinMatrix}
	case rec.LossMatrix == nil:
		return nil, &MissingFieldError{Field: FieldLossMatrix}
	case rec.ActiveMatrix == nil:
		return nil, &MissingFieldError{Field: FieldActiveMatrix}
	case rec.AgentValues == nil:
		return nil, &MissingFieldError{Field: FieldAgentValues}
	}

	n := *rec.AgentCount
	if n < 1 {
		// gonum has no zero-sized matrices and the update reads AV[0].
		return nil, fmt.Errorf("%w: agent count %d", ErrInvalidSize, n)
	}

	w, err := loadMatrix(FieldWinMatrix, rec.WinMatrix, n)
	if err != nil {
		return nil, err
	}
	l, err := loadMatrix(FieldLossMatrix, rec.LossMatrix, n)
	if err != nil {
		return nil, err
	}
	p, err := loadMatrix(FieldActiveMatrix, rec.ActiveMatrix, n)
	if err != nil {
		return nil, err
	}
	if len(rec.AgentValues) != n {
		return nil, &ShapeError{Field: FieldAgentValues, Rows: len(rec.AgentValues), Cols: 1, Want: n}
	}
	av := mat.NewVecDense(n, nil)
	for i, v := range rec.AgentValues {
		av.SetVec(i, float64(v))
	}

	return &State{
		AgentCount:      n,
		ExtraInputCount: *rec.ExtraInputCount,
		PrevPredDiff:    float64(*rec.PrevPredDiff),
		Wins:            w,
		Losses:          l,
		Active:          p,
		Values:          av,
	}, nil
}

func loadMatrix(field string, rows [][]Float, n int) (*mat.Dense, error) {
	if len(rows) != n {
		cols := 0
		if len(rows) > 0 {
			cols = len(rows[0])
		}
		return nil, &ShapeError{Field: field, Rows: len(rows), Cols: cols, Want: n}
	}
	m := mat.NewDense(n, n, nil)
	for i, row := range rows {
		if len(row) != n {
			return nil, &ShapeError{Field: field, Rows: n, Cols: len(row), Want: n}
		}
		for j, v := range row {
			m.Set(i, j, float64(v))
		}
	}
	return m, nil
}

// Store writes the state's values back into rec, replacing every field.
func (s *State) Store(rec *Record) {
	n, m := s.AgentCount, s.ExtraInputCount
	d := Float(s.PrevPredDiff)
	rec.AgentCount = &n
	rec.ExtraInputCount = &m
	rec.PrevPredDiff = &d
	rec.WinMatrix = storeMatrix(s.Wins)
	rec.LossMatrix = storeMatrix(s.Losses)
	rec.ActiveMatrix = storeMatrix(s.Active)

	rec.AgentValues = make([]Float, s.Values.Len())
	for i := range rec.AgentValues {
		rec.AgentValues[i] = Float(s.Values.AtVec(i))
	}
}

// Record returns a fresh keyed record of the state.
func (s *State) Record() Record {
	var rec Record
	s.Store(&rec)
	return rec
}

func storeMatrix(m *mat.Dense) [][]Float {
	r, c := m.Dims()
	rows := make([][]Float, r)
	for i := range rows {
		rows[i] = make([]Float, c)
		for j := range rows[i] {
			rows[i][j] = Float(m.At(i, j))
		}
	}
	return rows
}

// Marshal encodes the state as a JSON record.
func Marshal(s *State) ([]byte, error) {
	return json.Marshal(s.Record())
}

// Unmarshal decodes a JSON record and loads it.
func Unmarshal(data []byte) (*State, error) {
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("decode state record: %w", err)
	}
	return Load(rec)
}
