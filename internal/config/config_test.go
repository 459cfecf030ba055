package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Defaults(), cfg)
}

func TestLoadYAMLThenEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "schimer.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
pool:
  agent_count: 4
  extra_input_count: 2
  strict_ratio: true
random:
  kind: seeded
  seed: 99
stream:
  source: synthetic
  interval: 250ms
api:
  port: 9000
`), 0o600))

	t.Setenv("SCHIMER_AGENT_COUNT", "6")
	t.Setenv("SCHIMER_PREV_PRED_DIFF", "+Inf")
	t.Setenv("SCHIMER_CHECKPOINT_EVERY", "10")
	t.Setenv("SCHIMER_PORT", "not-a-number")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 6, cfg.Pool.AgentCount)
	assert.Equal(t, 2, cfg.Pool.ExtraInputCount)
	assert.True(t, cfg.Pool.StrictRatio)
	assert.Equal(t, 1.0, cfg.Pool.SeedCount)
	assert.Greater(t, cfg.Pool.PrevPredDiff, 1e308)
	assert.Equal(t, "seeded", cfg.Random.Kind)
	assert.Equal(t, uint64(99), cfg.Random.Seed)
	assert.Equal(t, "synthetic", cfg.Stream.Source)
	assert.Equal(t, 250*time.Millisecond, cfg.Stream.Interval)
	assert.Equal(t, uint64(10), cfg.Stream.CheckpointEvery)
	assert.Equal(t, 9000, cfg.API.Port)
}

func TestLoadRejectsInvalid(t *testing.T) {
	t.Setenv("SCHIMER_AGENT_COUNT", "0")
	_, err := Load("")
	assert.ErrorContains(t, err, "agent_count")
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.ErrorContains(t, err, "read config")
}

func TestLoadUnsignedEnv(t *testing.T) {
	tests := []struct {
		name       string
		seed       string
		checkpoint string
		wantSeed   uint64
		wantEvery  uint64
	}{
		{"negative ignored", "-1", "-5", 0, 1000},
		{"above MaxInt64", "18446744073709551615", "9223372036854775808", 18446744073709551615, 9223372036854775808},
		{"plain", "7", "3", 7, 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("SCHIMER_RANDOM_SEED", tt.seed)
			t.Setenv("SCHIMER_CHECKPOINT_EVERY", tt.checkpoint)
			cfg, err := Load("")
			require.NoError(t, err)
			assert.Equal(t, tt.wantSeed, cfg.Random.Seed)
			assert.Equal(t, tt.wantEvery, cfg.Stream.CheckpointEvery)
		})
	}
}

func TestLoadRejectsCapBelowDefault(t *testing.T) {
	t.Setenv("SCHIMER_MAX_AGENT_COUNT", "4")
	_, err := Load("")
	assert.ErrorContains(t, err, "max_agent_count")
}
