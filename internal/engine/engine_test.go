package engine

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/talgya/schimer/internal/entropy"
	"github.com/talgya/schimer/internal/pool"
	"github.com/talgya/schimer/internal/signal"
)

func newTestSession(t *testing.T, n, m int) *Session {
	t.Helper()
	st, err := pool.NewState(n, m)
	require.NoError(t, err)
	return NewSession("s1", st, 0, pool.Stepper{Source: entropy.Seeded(1)})
}

func TestCSVFeed(t *testing.T) {
	in := "# header comment\n1.5, 2\n\n3,\n-4e-1,5,6\n"
	feed := NewCSVFeed(strings.NewReader(in))
	ctx := context.Background()

	var got [][]float64
	for {
		obs, err := feed.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		require.NoError(t, err)
		got = append(got, obs)
	}
	assert.Equal(t, [][]float64{{1.5, 2}, {3}, {-0.4, 5, 6}}, got)
}

func TestCSVFeedBadNumber(t *testing.T) {
	feed := NewCSVFeed(strings.NewReader("1,x\n"))
	_, err := feed.Next(context.Background())
	assert.ErrorContains(t, err, "record 1 field 2")
}

func TestCSVFeedSkipsWhitespaceLines(t *testing.T) {
	sess := newTestSession(t, 2, 0)
	eng := NewEngine(sess)

	var obs []float64
	eng.OnTick = func(p Prediction) { obs = append(obs, p.Observation) }

	feed := NewCSVFeed(strings.NewReader("1\n  \n2\n\t, \n3\n"))
	require.NoError(t, eng.Run(context.Background(), feed))
	assert.Equal(t, uint64(3), sess.Tick())
	assert.Equal(t, []float64{1, 2, 3}, obs)
}

func TestCSVFeedLineNumbersCountBlankLines(t *testing.T) {
	feed := NewCSVFeed(strings.NewReader("1\n   \nbad\n"))
	_, err := feed.Next(context.Background())
	require.NoError(t, err)
	_, err = feed.Next(context.Background())
	assert.ErrorContains(t, err, "record 3 field 1")
}

func TestEngineRunsFeedToEnd(t *testing.T) {
	sess := newTestSession(t, 3, 1)
	eng := NewEngine(sess)
	eng.CheckpointEvery = 4

	var ticks []uint64
	var checkpoints []uint64
	eng.OnTick = func(p Prediction) {
		ticks = append(ticks, p.Tick)
		assert.Equal(t, "s1", p.PoolID)
	}
	eng.OnCheckpoint = func(tick uint64) error {
		checkpoints = append(checkpoints, tick)
		return errors.New("disk full") // logged, run continues
	}

	feed := &SignalFeed{Gen: signal.DefaultGenerator(2, 1), Limit: 10}
	require.NoError(t, eng.Run(context.Background(), feed))

	assert.Len(t, ticks, 10)
	assert.Equal(t, uint64(10), sess.Tick())
	assert.Equal(t, []uint64{4, 8}, checkpoints)
}

func TestEngineStepErrorAborts(t *testing.T) {
	sess := newTestSession(t, 2, 0)
	eng := NewEngine(sess)

	calls := 0
	feed := FeedFunc(func(ctx context.Context) ([]float64, error) {
		calls++
		if calls == 3 {
			return []float64{}, nil
		}
		return []float64{1}, nil
	})
	err := eng.Run(context.Background(), feed)
	assert.ErrorIs(t, err, pool.ErrEmptyObservation)
	assert.Equal(t, uint64(2), sess.Tick())
}

func TestEngineStop(t *testing.T) {
	sess := newTestSession(t, 2, 0)
	eng := NewEngine(sess)
	eng.Interval = time.Millisecond

	eng.OnTick = func(p Prediction) {
		if p.Tick == 5 {
			eng.Stop()
		}
	}
	feed := FeedFunc(func(ctx context.Context) ([]float64, error) {
		return []float64{0.5}, nil
	})
	require.NoError(t, eng.Run(context.Background(), feed))
	assert.Equal(t, uint64(5), sess.Tick())
}

func TestSessionObserveSerialized(t *testing.T) {
	sess := newTestSession(t, 4, 1)

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 25; i++ {
				_, err := sess.Observe([]float64{0.1, 0.2})
				assert.NoError(t, err)
			}
		}()
	}
	wg.Wait()

	st, tick := sess.Snapshot()
	assert.Equal(t, uint64(200), tick)
	require.NoError(t, st.Validate())
}

func TestSessionObserveErrorKeepsTick(t *testing.T) {
	sess := newTestSession(t, 2, 0)
	_, err := sess.Observe(nil)
	assert.ErrorIs(t, err, pool.ErrEmptyObservation)
	assert.Equal(t, uint64(0), sess.Tick())
}

func TestRegistry(t *testing.T) {
	reg := NewRegistry(pool.Stepper{Source: entropy.Fixed(0.3)}, pool.WithSeedCount(2))

	a, err := reg.Create("b-stream", 3, 1)
	require.NoError(t, err)
	_, err = reg.Create("b-stream", 3, 1)
	assert.ErrorIs(t, err, ErrSessionExists)

	anon, err := reg.Create("", 2, 0)
	require.NoError(t, err)
	assert.Len(t, anon.ID, 36)

	_, err = reg.Create("bad", 0, 0)
	assert.ErrorIs(t, err, pool.ErrInvalidSize)

	got, err := reg.Get("b-stream")
	require.NoError(t, err)
	assert.Same(t, a, got)
	st, _ := got.Snapshot()
	assert.Equal(t, 2.0, st.Wins.At(0, 0))

	restored, err := pool.NewState(2, 0)
	require.NoError(t, err)
	reg.Put("a-stream", restored, 17)

	list := reg.List()
	require.Len(t, list, 3)
	assert.Equal(t, "a-stream", list[0].ID)
	assert.Equal(t, uint64(17), list[0].Summary().Tick)

	assert.True(t, reg.Remove("a-stream"))
	assert.False(t, reg.Remove("a-stream"))
	_, err = reg.Get("a-stream")
	assert.ErrorIs(t, err, ErrSessionNotFound)
	assert.Equal(t, 2, reg.Len())
}
