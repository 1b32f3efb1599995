package control

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/vietddude/genrelay/internal/core/config"
	"github.com/vietddude/genrelay/internal/core/domain"
	"github.com/vietddude/genrelay/internal/core/pool"
	"github.com/vietddude/genrelay/internal/infra/storage"
	"github.com/vietddude/genrelay/internal/infra/storage/memory"
	"github.com/vietddude/genrelay/internal/infra/storage/sqldb"
	"github.com/vietddude/genrelay/internal/infra/upstream/provider"
	"github.com/vietddude/genrelay/internal/infra/upstream/routing"
)

// openStore returns the repositories for the configured driver. db is nil in
// memory mode.
func openStore(ctx context.Context, cfg sqldb.Config) (*storage.Store, *sqldb.DB, error) {
	if cfg.Driver == "memory" {
		slog.Info("Using memory storage")
		return memory.NewMemoryStorage().Store(), nil, nil
	}

	db, err := sqldb.Open(ctx, cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to init db: %w", err)
	}
	if err := db.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, nil, err
	}
	slog.Info("Using SQL storage", "driver", cfg.Driver)
	return db.Store(), db, nil
}

// seedCredentials adds configured credentials the pool does not know yet.
func seedCredentials(ctx context.Context, p *pool.Pool, seeds []config.CredentialSeed) error {
	added := 0
	for i, seed := range seeds {
		if seed.Secret == "" {
			continue
		}
		label := seed.Label
		if label == "" {
			label = fmt.Sprintf("seed-%d", i+1)
		}
		if _, err := p.Add(ctx, seed.Secret, label); err != nil {
			if errors.Is(err, storage.ErrDuplicate) {
				continue
			}
			return fmt.Errorf("seed credential %s: %w", label, err)
		}
		added++
	}
	if added > 0 {
		slog.Info("Seeded credentials from config", "count", added)
	}
	return nil
}

// retryConfig translates the configured retry and pool settings.
func retryConfig(cfg *config.AppConfig) routing.RetryConfig {
	var backoff routing.Backoff = routing.FixedBackoff(cfg.Retry.Delay)
	if cfg.Retry.MaxDelay > cfg.Retry.Delay {
		backoff = routing.ExponentialBackoff{InitialDelay: cfg.Retry.Delay, MaxDelay: cfg.Retry.MaxDelay}
	}
	return routing.RetryConfig{
		MaxAttempts:        cfg.Retry.MaxAttempts,
		Backoff:            backoff,
		AuthDelay:          cfg.Retry.AuthDelay,
		Timeout:            cfg.Retry.LightTimeout,
		AssetPinAttempts:   cfg.Retry.AssetPinAttempts,
		CongestionCooldown: cfg.Pool.CongestionCooldown,
		ReusePolicy:        routing.ReusePolicy(cfg.Pool.ReusePolicy),
	}
}

// buildProviders maps every operation kind to its backend. The audio cache is
// nil unless speech is enabled.
func buildProviders(cfg config.ProviderConfig) (provider.Registry, *provider.HTTPProvider, *provider.AudioCache) {
	httpProvider := provider.NewHTTPProvider(provider.HTTPConfig{
		Name:        cfg.Name,
		BaseURL:     cfg.BaseURL,
		PreparePath: cfg.PreparePath,
		SubmitPath:  cfg.SubmitPath,
		PollPath:    cfg.PollPath,
		AuthHeader:  cfg.AuthHeader,
		AuthScheme:  cfg.AuthScheme,
	})
	registry := provider.Registry{
		domain.KindVideo: httpProvider,
		domain.KindImage: httpProvider,
	}

	var audio *provider.AudioCache
	if cfg.Speech.Enabled {
		audio = provider.NewAudioCache(cfg.Speech.CacheItems)
		registry[domain.KindSpeech] = provider.NewPollyProvider(provider.PollyConfig{
			Region:  cfg.Speech.Region,
			VoiceID: cfg.Speech.VoiceID,
			Engine:  cfg.Speech.Engine,
		}, audio)
	}
	return registry, httpProvider, audio
}
