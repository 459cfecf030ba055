package pool

import (
	"encoding/json"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
)

const twoAgentRecord = `{
	"agent_count": 2,
	"extra_input_count": 0,
	"prev_prediction_error": "+Inf",
	"win_matrix": [[1, 2], [3, 4]],
	"loss_matrix": [[1, 1], [1, 1]],
	"active_matrix": [[0, 1], [0, 0]],
	"agent_values": [0.5, "NaN"]
}`

func TestUnmarshalRecord(t *testing.T) {
	s, err := Unmarshal([]byte(twoAgentRecord))
	require.NoError(t, err)

	assert.Equal(t, 2, s.AgentCount)
	assert.Equal(t, 0, s.ExtraInputCount)
	assert.True(t, math.IsInf(s.PrevPredDiff, 1))
	assert.True(t, mat.Equal(s.Wins, mat.NewDense(2, 2, []float64{1, 2, 3, 4})))
	assert.Equal(t, 1.0, s.Active.At(0, 1))
	assert.Equal(t, 0.5, s.Values.AtVec(0))
	assert.True(t, math.IsNaN(s.Values.AtVec(1)))
}

func TestMarshalRoundTripNonFinite(t *testing.T) {
	s, err := NewState(2, 1, WithPrevPredDiff(math.Inf(-1)), WithValues(math.Inf(1), 2))
	require.NoError(t, err)

	data, err := Marshal(s)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"prev_prediction_error":"-Inf"`)

	got, err := Unmarshal(data)
	require.NoError(t, err)
	assert.True(t, math.IsInf(got.PrevPredDiff, -1))
	assert.True(t, math.IsInf(got.Values.AtVec(0), 1))
	assert.Equal(t, 1, got.ExtraInputCount)
}

func TestLoadMissingField(t *testing.T) {
	for _, field := range []string{
		FieldAgentCount, FieldExtraInputCount, FieldPrevPredDiff,
		FieldWinMatrix, FieldLossMatrix, FieldActiveMatrix, FieldAgentValues,
	} {
		t.Run(field, func(t *testing.T) {
			var raw map[string]any
			require.NoError(t, json.Unmarshal([]byte(twoAgentRecord), &raw))
			delete(raw, field)
			data, err := json.Marshal(raw)
			require.NoError(t, err)

			_, err = Unmarshal(data)
			var me *MissingFieldError
			require.ErrorAs(t, err, &me)
			assert.Equal(t, field, me.Field)
			assert.True(t, IsInvalidState(err))
		})
	}
}

func TestLoadShapeErrors(t *testing.T) {
	tests := []struct {
		name  string
		edit  func(r *Record)
		field string
	}{
		{"too few rows", func(r *Record) { r.WinMatrix = r.WinMatrix[:1] }, FieldWinMatrix},
		{"ragged row", func(r *Record) { r.LossMatrix[1] = r.LossMatrix[1][:1] }, FieldLossMatrix},
		{"wide active", func(r *Record) { r.ActiveMatrix[0] = append(r.ActiveMatrix[0], 0) }, FieldActiveMatrix},
		{"short values", func(r *Record) { r.AgentValues = r.AgentValues[:1] }, FieldAgentValues},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var rec Record
			require.NoError(t, json.Unmarshal([]byte(twoAgentRecord), &rec))
			tt.edit(&rec)

			_, err := Load(rec)
			var se *ShapeError
			require.ErrorAs(t, err, &se)
			assert.Equal(t, tt.field, se.Field)
			assert.Equal(t, 2, se.Want)
		})
	}
}

func TestLoadRejectsEmptyPool(t *testing.T) {
	zero := 0
	var rec Record
	require.NoError(t, json.Unmarshal([]byte(twoAgentRecord), &rec))
	rec.AgentCount = &zero

	_, err := Load(rec)
	assert.ErrorIs(t, err, ErrInvalidSize)
}

func TestStoreWritesBackIntoRecord(t *testing.T) {
	var rec Record
	require.NoError(t, json.Unmarshal([]byte(twoAgentRecord), &rec))
	rec.AgentValues[1] = 0.5
	s, err := Load(rec)
	require.NoError(t, err)

	_, err = Update([]float64{0.25}, s, fixedSource(0.9))
	require.NoError(t, err)
	s.Store(&rec)

	assert.Equal(t, Float(0), *rec.PrevPredDiff)
	// (0,1) was active on entry and the step was a win.
	assert.Equal(t, Float(3), rec.WinMatrix[0][1])
	assert.Equal(t, Float(s.Prediction()), rec.AgentValues[0])

	again, err := Load(rec)
	require.NoError(t, err)
	assert.True(t, mat.Equal(s.Wins, again.Wins))
	assert.True(t, mat.Equal(s.Active, again.Active))
}

func TestFloatRejectsUnknownString(t *testing.T) {
	var f Float
	assert.Error(t, json.Unmarshal([]byte(`"infinity"`), &f))
}
