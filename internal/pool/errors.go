package pool

import (
	"errors"
	"fmt"
)

// Sentinel errors for the update step.
var (
	ErrEmptyObservation = errors.New("observation is empty")
	ErrDegenerateRatio  = errors.New("win+loss is zero for a coupling")
	ErrInvalidSize      = errors.New("invalid pool size")
	ErrNilSource        = errors.New("nil random source")
)

// ShapeError reports a matrix or vector whose dimensions disagree with the
// pool's agent count.
type ShapeError struct {
	Field string
	Rows  int
	Cols  int // 1 for vectors
	Want  int
}

func (e *ShapeError) Error() string {
	if e.Cols == 1 && e.Field == FieldAgentValues {
		return fmt.Sprintf("%s: length %d, want %d", e.Field, e.Rows, e.Want)
	}
	return fmt.Sprintf("%s: shape %dx%d, want %dx%d", e.Field, e.Rows, e.Cols, e.Want, e.Want)
}

// MissingFieldError reports a required field absent from a state record.
type MissingFieldError struct {
	Field string
}

func (e *MissingFieldError) Error() string {
	return fmt.Sprintf("state record: missing field %q", e.Field)
}

// IsInvalidState reports whether err is a ShapeError or MissingFieldError.
func IsInvalidState(err error) bool {
	var se *ShapeError
	var me *MissingFieldError
	return errors.As(err, &se) || errors.As(err, &me)
}
