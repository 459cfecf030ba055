package engine

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/talgya/schimer/internal/signal"
)

// Feed supplies observations. Next returns io.EOF when the stream ends.
type Feed interface {
	Next(ctx context.Context) ([]float64, error)
}

// FeedFunc adapts a function to Feed.
type FeedFunc func(ctx context.Context) ([]float64, error)

func (f FeedFunc) Next(ctx context.Context) ([]float64, error) { return f(ctx) }

// CSVFeed reads one observation per line: the primary value followed by
// auxiliary values, comma separated. Lines starting with '#' are comments
// and blank or whitespace-only lines are skipped.
type CSVFeed struct {
	r    *csv.Reader
	line int
}

// NewCSVFeed reads observations from r.
func NewCSVFeed(r io.Reader) *CSVFeed {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true
	cr.Comment = '#'
	cr.ReuseRecord = true
	return &CSVFeed{r: cr}
}

func (f *CSVFeed) Next(ctx context.Context) ([]float64, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var rec []string
	for {
		var err error
		rec, err = f.r.Read()
		if err != nil {
			return nil, err
		}
		f.line++
		if !blank(rec) {
			break
		}
	}

	obs := make([]float64, 0, len(rec))
	for i, field := range rec {
		field = strings.TrimSpace(field)
		if field == "" && i == len(rec)-1 {
			break // trailing comma
		}
		v, err := strconv.ParseFloat(field, 64)
		if err != nil {
			return nil, fmt.Errorf("record %d field %d: %w", f.line, i+1, err)
		}
		obs = append(obs, v)
	}
	return obs, nil
}

func blank(rec []string) bool {
	for _, field := range rec {
		if strings.TrimSpace(field) != "" {
			return false
		}
	}
	return true
}

// SignalFeed draws observations from a synthetic generator. Limit > 0 ends
// the stream after that many observations.
type SignalFeed struct {
	Gen   *signal.Generator
	Limit int
}

func (f *SignalFeed) Next(ctx context.Context) ([]float64, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if f.Limit > 0 && f.Gen.Step() >= f.Limit {
		return nil, io.EOF
	}
	return f.Gen.Next(), nil
}
