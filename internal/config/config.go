// Package config loads settings from an optional YAML file and then
// applies SCHIMER_* environment overrides.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration shared by both commands.
type Config struct {
	Pool    PoolConfig    `yaml:"pool"`
	Random  RandomConfig  `yaml:"random"`
	Storage StorageConfig `yaml:"storage"`
	Stream  StreamConfig  `yaml:"stream"`
	API     APIConfig     `yaml:"api"`
	Logger  LoggerConfig  `yaml:"logger"`
}

// PoolConfig sizes and seeds new pools.
type PoolConfig struct {
	AgentCount      int     `yaml:"agent_count"`
	ExtraInputCount int     `yaml:"extra_input_count"`
	SeedCount       float64 `yaml:"seed_count"`     // initial W and L entries
	PrevPredDiff    float64 `yaml:"prev_pred_diff"` // error the first step compares against
	StrictRatio     bool    `yaml:"strict_ratio"`
	MaxAgentCount   int     `yaml:"max_agent_count"` // largest pool the API will create
}

// RandomConfig selects the uniform source.
type RandomConfig struct {
	Kind   string `yaml:"kind"` // "crypto", "seeded", "randomorg"
	Seed   uint64 `yaml:"seed"`
	APIKey string `yaml:"api_key"`
}

// StorageConfig holds the SQLite location.
type StorageConfig struct {
	DBPath string `yaml:"db_path"`
}

// StreamConfig drives cmd/streamsim.
type StreamConfig struct {
	PoolID          string        `yaml:"pool_id"`
	Source          string        `yaml:"source"` // "-" for stdin CSV, "synthetic", or a file path
	Limit           int           `yaml:"limit"`  // synthetic observations; 0 = unbounded
	SignalSeed      int64         `yaml:"signal_seed"`
	Interval        time.Duration `yaml:"interval"`
	CheckpointEvery uint64        `yaml:"checkpoint_every"`
}

// APIConfig drives cmd/schimerd.
type APIConfig struct {
	Port         int           `yaml:"port"`
	AdminKey     string        `yaml:"admin_key"`
	ObserveRate  int           `yaml:"observe_rate"` // requests per window per IP
	ObserveEvery time.Duration `yaml:"observe_window"`
	SaveEvery    uint64        `yaml:"save_every"` // observations per pool between saves; 0 disables
}

// LoggerConfig holds logging settings.
type LoggerConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text, json, or empty to pick by terminal
	Output string `yaml:"output"` // stdout, stderr or a file path
}

// Defaults returns the built-in configuration.
func Defaults() Config {
	return Config{
		Pool: PoolConfig{
			AgentCount:      8,
			ExtraInputCount: 0,
			SeedCount:       1,
			MaxAgentCount:   1024,
		},
		Random:  RandomConfig{Kind: "crypto"},
		Storage: StorageConfig{DBPath: "data/schimer.db"},
		Stream: StreamConfig{
			PoolID:          "default",
			Source:          "-",
			SignalSeed:      42,
			CheckpointEvery: 1000,
		},
		API: APIConfig{
			Port:         8080,
			ObserveRate:  600,
			ObserveEvery: time.Minute,
			SaveEvery:    1,
		},
		Logger: LoggerConfig{Level: "info", Output: "stderr"},
	}
}

// Load reads path (skipped when empty) over the defaults, then applies
// environment overrides and validates the result.
func Load(path string) (Config, error) {
	cfg := Defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnv(&cfg)
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	cfg.Pool.AgentCount = envIntOrDefault("SCHIMER_AGENT_COUNT", cfg.Pool.AgentCount)
	cfg.Pool.ExtraInputCount = envIntOrDefault("SCHIMER_EXTRA_INPUT_COUNT", cfg.Pool.ExtraInputCount)
	cfg.Pool.SeedCount = envFloatOrDefault("SCHIMER_SEED_COUNT", cfg.Pool.SeedCount)
	cfg.Pool.PrevPredDiff = envFloatOrDefault("SCHIMER_PREV_PRED_DIFF", cfg.Pool.PrevPredDiff)
	cfg.Pool.StrictRatio = envBoolOrDefault("SCHIMER_STRICT_RATIO", cfg.Pool.StrictRatio)
	cfg.Pool.MaxAgentCount = envIntOrDefault("SCHIMER_MAX_AGENT_COUNT", cfg.Pool.MaxAgentCount)

	cfg.Random.Kind = envOrDefault("SCHIMER_RANDOM", cfg.Random.Kind)
	cfg.Random.Seed = envUintOrDefault("SCHIMER_RANDOM_SEED", cfg.Random.Seed)
	cfg.Random.APIKey = envOrDefault("RANDOM_ORG_API_KEY", cfg.Random.APIKey)

	cfg.Storage.DBPath = envOrDefault("SCHIMER_DB", cfg.Storage.DBPath)

	cfg.Stream.PoolID = envOrDefault("SCHIMER_POOL_ID", cfg.Stream.PoolID)
	cfg.Stream.Source = envOrDefault("SCHIMER_SOURCE", cfg.Stream.Source)
	cfg.Stream.Limit = envIntOrDefault("SCHIMER_LIMIT", cfg.Stream.Limit)
	cfg.Stream.Interval = envDurationOrDefault("SCHIMER_INTERVAL", cfg.Stream.Interval)
	cfg.Stream.CheckpointEvery = envUintOrDefault("SCHIMER_CHECKPOINT_EVERY", cfg.Stream.CheckpointEvery)

	cfg.API.Port = envIntOrDefault("SCHIMER_PORT", cfg.API.Port)
	cfg.API.AdminKey = envOrDefault("SCHIMER_ADMIN_KEY", cfg.API.AdminKey)
	cfg.API.SaveEvery = envUintOrDefault("SCHIMER_SAVE_EVERY", cfg.API.SaveEvery)

	cfg.Logger.Level = envOrDefault("SCHIMER_LOG_LEVEL", cfg.Logger.Level)
	cfg.Logger.Format = envOrDefault("SCHIMER_LOG_FORMAT", cfg.Logger.Format)
}

// Validate rejects settings no component can run with.
func (c Config) Validate() error {
	if c.Pool.AgentCount < 1 {
		return fmt.Errorf("pool.agent_count must be positive, got %d", c.Pool.AgentCount)
	}
	if c.Pool.ExtraInputCount < 0 {
		return fmt.Errorf("pool.extra_input_count must not be negative, got %d", c.Pool.ExtraInputCount)
	}
	if c.Pool.MaxAgentCount < c.Pool.AgentCount {
		return fmt.Errorf("pool.max_agent_count %d is below pool.agent_count %d", c.Pool.MaxAgentCount, c.Pool.AgentCount)
	}
	if c.Pool.SeedCount < 0 {
		return fmt.Errorf("pool.seed_count must not be negative, got %g", c.Pool.SeedCount)
	}
	if c.API.Port <= 0 || c.API.Port > 65535 {
		return fmt.Errorf("api.port out of range: %d", c.API.Port)
	}
	return nil
}

func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envIntOrDefault(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return defaultVal
}

func envUintOrDefault(key string, defaultVal uint64) uint64 {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseUint(v, 10, 64); err == nil {
			return n
		}
	}
	return defaultVal
}

func envFloatOrDefault(key string, defaultVal float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return defaultVal
}

func envBoolOrDefault(key string, defaultVal bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return defaultVal
}

func envDurationOrDefault(key string, defaultVal time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultVal
}
