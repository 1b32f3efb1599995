package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v2"

	"github.com/vietddude/genrelay/internal/generation/job"
	"github.com/vietddude/genrelay/internal/generation/poller"
)

// Load reads configuration from a YAML file.
func Load(path string) (*AppConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML configuration and applies defaults.
func Parse(data []byte) (*AppConfig, error) {
	var cfg AppConfig
	// Expand environment variables in the YAML content
	expandedData := os.ExpandEnv(string(data))
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	applyDefaults(&cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyDefaults(cfg *AppConfig) {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.HealthPort == 0 {
		cfg.Server.HealthPort = 8081
	}
	if cfg.Server.StreamTTL == 0 {
		cfg.Server.StreamTTL = 30 * time.Minute
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}

	if cfg.Database.Driver == "" {
		cfg.Database.Driver = "pgx"
	}

	if cfg.Pool.ReusePolicy == "" {
		cfg.Pool.ReusePolicy = "reuse"
	}

	r := &cfg.Retry
	if r.MaxAttempts == 0 {
		r.MaxAttempts = 20
	}
	if r.BatchMaxAttempts == 0 {
		r.BatchMaxAttempts = job.DefaultConfig.BatchMaxAttempts
	}
	if r.Delay == 0 {
		r.Delay = 500 * time.Millisecond
	}
	if r.AuthDelay == 0 {
		r.AuthDelay = 200 * time.Millisecond
	}
	if r.LightTimeout == 0 {
		r.LightTimeout = job.DefaultConfig.LightTimeout
	}
	if r.HeavyTimeout == 0 {
		r.HeavyTimeout = job.DefaultConfig.HeavyTimeout
	}
	if r.AssetPinAttempts == 0 {
		r.AssetPinAttempts = 3
	}

	p := &cfg.Poller
	if p.Interval == 0 {
		p.Interval = poller.DefaultConfig.Interval
	}
	if p.MaxWait == 0 {
		p.MaxWait = poller.DefaultConfig.MaxWait
	}
	if p.SilentRetries == 0 {
		p.SilentRetries = poller.DefaultConfig.SilentRetries
	}
	if p.BackoffBase == 0 {
		p.BackoffBase = poller.DefaultConfig.BackoffBase
	}
	if p.BackoffMax == 0 {
		p.BackoffMax = poller.DefaultConfig.BackoffMax
	}
	if p.CallTimeout == 0 {
		p.CallTimeout = r.HeavyTimeout
	}

	if cfg.Provider.SubmitPath == "" {
		cfg.Provider.SubmitPath = "/v1/{kind}:generate"
	}
	if cfg.Provider.PreparePath == "" {
		cfg.Provider.PreparePath = "/v1/media:upload"
	}
	if cfg.Provider.PollPath == "" {
		cfg.Provider.PollPath = "/v1/{handle}"
	}
	if cfg.Provider.Speech.CacheItems == 0 {
		cfg.Provider.Speech.CacheItems = 256
	}
}

// Validate rejects settings the service cannot run with.
func (c *AppConfig) Validate() error {
	switch c.Pool.ReusePolicy {
	case "reuse", "fail_fast":
	default:
		return fmt.Errorf("pool.reuse_policy: unknown policy %q", c.Pool.ReusePolicy)
	}
	switch c.Database.Driver {
	case "pgx", "postgres", "sqlite3", "memory":
	default:
		return fmt.Errorf("database.driver: unsupported driver %q", c.Database.Driver)
	}
	if c.Database.Driver != "memory" && c.Database.URL == "" {
		return fmt.Errorf("database.url is required for driver %s", c.Database.Driver)
	}
	if c.Retry.MaxAttempts < 1 || c.Retry.BatchMaxAttempts < 1 {
		return fmt.Errorf("retry attempts must be positive")
	}
	if c.Poller.SilentRetries < 0 {
		return fmt.Errorf("poller.silent_retries must not be negative")
	}
	return nil
}
