package config

import (
	"time"

	"github.com/vietddude/genrelay/internal/generation/job"
	"github.com/vietddude/genrelay/internal/generation/poller"
	redisclient "github.com/vietddude/genrelay/internal/infra/redis"
	"github.com/vietddude/genrelay/internal/infra/storage/sqldb"
)

// AppConfig represents the top-level configuration.
type AppConfig struct {
	Server      ServerConfig       `yaml:"server"`
	Logging     LoggingConfig      `yaml:"logging"`
	Database    sqldb.Config       `yaml:"database"`
	Redis       redisclient.Config `yaml:"redis"`
	Pool        PoolConfig         `yaml:"pool"`
	Retry       RetryConfig        `yaml:"retry"`
	Poller      poller.Config      `yaml:"poller"`
	Provider    ProviderConfig     `yaml:"provider"`
	Credentials []CredentialSeed   `yaml:"credentials"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port       int           `yaml:"port"`
	HealthPort int           `yaml:"health_port"`
	StreamTTL  time.Duration `yaml:"stream_ttl"` // finished batch streams are pruned after this
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, text
}

// PoolConfig tunes credential selection.
type PoolConfig struct {
	CongestionCooldown time.Duration `yaml:"congestion_cooldown"` // 0 = no cooldown
	ReusePolicy        string        `yaml:"reuse_policy"`        // reuse, fail_fast
	DailyQuota         int           `yaml:"daily_quota"`         // 0 = unlimited
}

// RetryConfig holds orchestrator settings.
type RetryConfig struct {
	MaxAttempts      int           `yaml:"max_attempts"`
	BatchMaxAttempts int           `yaml:"batch_max_attempts"`
	Delay            time.Duration `yaml:"delay"`
	MaxDelay         time.Duration `yaml:"max_delay"` // > delay switches to exponential backoff
	AuthDelay        time.Duration `yaml:"auth_delay"`
	LightTimeout     time.Duration `yaml:"light_timeout"`
	HeavyTimeout     time.Duration `yaml:"heavy_timeout"`
	AssetPinAttempts int           `yaml:"asset_pin_attempts"`
}

// Jobs returns the job service settings.
func (r RetryConfig) Jobs() job.Config {
	return job.Config{
		LightTimeout:     r.LightTimeout,
		HeavyTimeout:     r.HeavyTimeout,
		BatchMaxAttempts: r.BatchMaxAttempts,
	}
}

// ProviderConfig holds settings for the generation backends.
type ProviderConfig struct {
	Name        string       `yaml:"name"`
	BaseURL     string       `yaml:"base_url"`
	PreparePath string       `yaml:"prepare_path"`
	SubmitPath  string       `yaml:"submit_path"`
	PollPath    string       `yaml:"poll_path"`
	AuthHeader  string       `yaml:"auth_header"`
	AuthScheme  string       `yaml:"auth_scheme"`
	Speech      SpeechConfig `yaml:"speech"`
}

// SpeechConfig configures the speech backend.
type SpeechConfig struct {
	Enabled    bool   `yaml:"enabled"`
	Region     string `yaml:"region"`
	VoiceID    string `yaml:"voice_id"`
	Engine     string `yaml:"engine"`
	CacheItems int    `yaml:"cache_items"`
}

// CredentialSeed is a credential inserted on startup when missing.
type CredentialSeed struct {
	Secret string `yaml:"secret"`
	Label  string `yaml:"label"`
}
