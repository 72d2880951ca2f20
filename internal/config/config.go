package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Addr       string           `yaml:"addr"`
	Log        LogConfig        `yaml:"log"`
	Store      StoreConfig      `yaml:"store"`
	Redis      RedisConfig      `yaml:"redis"`
	Checkpoint CheckpointConfig `yaml:"checkpoint"`
	Sessions   SessionsConfig   `yaml:"sessions"`
	RateLimit  RateLimitConfig  `yaml:"rate_limit"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // text or json
}

type StoreConfig struct {
	Driver      string `yaml:"driver"` // sqlite or postgres
	Path        string `yaml:"path"`
	DatabaseURL string `yaml:"database_url"`
}

// RedisConfig enables the operation feed when Addr is set.
type RedisConfig struct {
	Addr          string `yaml:"addr"`
	ChannelPrefix string `yaml:"channel_prefix"`
}

type CheckpointConfig struct {
	Interval  time.Duration `yaml:"interval"`
	Threshold int           `yaml:"threshold"`
	KeepAuto  int           `yaml:"keep_auto"`
}

type SessionsConfig struct {
	// Zero disables eviction.
	IdleTTL       time.Duration `yaml:"idle_ttl"`
	EvictInterval time.Duration `yaml:"evict_interval"`
}

type RateLimitConfig struct {
	PerSecond float64       `yaml:"per_second"`
	Burst     int           `yaml:"burst"`
	IdleTTL   time.Duration `yaml:"idle_ttl"`
}

func Default() Config {
	return Config{
		Addr: ":8080",
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Store: StoreConfig{
			Driver: "sqlite",
			Path:   "./data/lattice.db",
		},
		Redis: RedisConfig{
			ChannelPrefix: "lattice:ops:",
		},
		Checkpoint: CheckpointConfig{
			Interval:  5 * time.Minute,
			Threshold: 100,
			KeepAuto:  20,
		},
		Sessions: SessionsConfig{
			IdleTTL:       time.Hour,
			EvictInterval: time.Minute,
		},
		RateLimit: RateLimitConfig{
			PerSecond: 100,
			Burst:     200,
			IdleTTL:   5 * time.Minute,
		},
	}
}

// Load reads a YAML file over the defaults. An empty path returns the
// defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return cfg, nil
}

// ApplyEnv overrides fields from the environment.
func (c *Config) ApplyEnv() {
	if port := os.Getenv("PORT"); port != "" {
		c.Addr = ":" + port
	}
	if path := os.Getenv("LATTICE_DB_PATH"); path != "" {
		c.Store.Path = path
	}
	if driver := os.Getenv("LATTICE_STORE_DRIVER"); driver != "" {
		c.Store.Driver = driver
	}
	if url := os.Getenv("DATABASE_URL"); url != "" {
		c.Store.DatabaseURL = url
	}
	if addr := os.Getenv("REDIS_ADDR"); addr != "" {
		c.Redis.Addr = addr
	}
	if level := os.Getenv("LATTICE_LOG_LEVEL"); level != "" {
		c.Log.Level = level
	}
}

func (c Config) Validate() error {
	var errs []error

	if c.Addr == "" {
		errs = append(errs, errors.New("addr is required"))
	}
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("log.level %q must be debug, info, warn or error", c.Log.Level))
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format %q must be text or json", c.Log.Format))
	}
	switch c.Store.Driver {
	case "sqlite":
		if c.Store.Path == "" {
			errs = append(errs, errors.New("store.path is required for sqlite"))
		}
	case "postgres":
		if c.Store.DatabaseURL == "" {
			errs = append(errs, errors.New("store.database_url is required for postgres"))
		}
	default:
		errs = append(errs, fmt.Errorf("store.driver %q must be sqlite or postgres", c.Store.Driver))
	}
	if c.Checkpoint.Interval <= 0 {
		errs = append(errs, errors.New("checkpoint.interval must be positive"))
	}
	if c.Checkpoint.Threshold < 1 {
		errs = append(errs, errors.New("checkpoint.threshold must be at least 1"))
	}
	if c.Checkpoint.KeepAuto < 1 {
		errs = append(errs, errors.New("checkpoint.keep_auto must be at least 1"))
	}
	if c.Sessions.IdleTTL > 0 && c.Sessions.EvictInterval <= 0 {
		errs = append(errs, errors.New("sessions.evict_interval must be positive when idle_ttl is set"))
	}
	if c.RateLimit.PerSecond <= 0 || c.RateLimit.Burst < 1 {
		errs = append(errs, errors.New("rate_limit.per_second and rate_limit.burst must be positive"))
	}

	return errors.Join(errs...)
}
