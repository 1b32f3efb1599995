package control

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/vietddude/genrelay/internal/api"
	"github.com/vietddude/genrelay/internal/core/config"
	"github.com/vietddude/genrelay/internal/core/pool"
	"github.com/vietddude/genrelay/internal/core/worker"
	"github.com/vietddude/genrelay/internal/generation/batch"
	"github.com/vietddude/genrelay/internal/generation/emitter"
	"github.com/vietddude/genrelay/internal/generation/health"
	"github.com/vietddude/genrelay/internal/generation/job"
	"github.com/vietddude/genrelay/internal/generation/metrics"
	redisclient "github.com/vietddude/genrelay/internal/infra/redis"
	"github.com/vietddude/genrelay/internal/infra/storage/sqldb"
	"github.com/vietddude/genrelay/internal/infra/upstream/budget"
	"github.com/vietddude/genrelay/internal/infra/upstream/routing"
)

// App owns every long-lived component of a genrelay process.
type App struct {
	cfg *config.AppConfig

	Pool    *pool.Pool
	Jobs    *job.Service
	Batches *batch.Coordinator
	Hub     *emitter.Hub

	api          *api.Server
	healthServer *health.Server
	pruner       *worker.Pruner
	db           *sqldb.DB
	redisClient  *redisclient.Client
	log          *slog.Logger

	cancel context.CancelFunc
}

// New wires storage, the credential pool, the orchestrator and the HTTP
// surfaces from cfg.
func New(ctx context.Context, cfg *config.AppConfig) (*App, error) {
	log := slog.Default().With("component", "app")

	// 1. Storage
	store, db, err := openStore(ctx, cfg.Database)
	if err != nil {
		return nil, err
	}

	// 2. Redis (optional)
	var redisClient *redisclient.Client
	if cfg.Redis.URL != "" {
		redisClient, err = redisclient.NewClient(cfg.Redis)
		if err != nil {
			log.Warn("Failed to connect to Redis, cooldown mirror and status cache disabled", "error", err)
			redisClient = nil
		}
	}

	// 3. Credential pool
	poolOpts := []pool.Option{
		pool.WithOnChange(func(active int) { metrics.CredentialsActive.Set(float64(active)) }),
	}
	if cfg.Pool.DailyQuota > 0 {
		poolOpts = append(poolOpts, pool.WithQuota(budget.NewTracker(cfg.Pool.DailyQuota)))
	}
	if redisClient != nil {
		poolOpts = append(poolOpts, pool.WithCooldownStore(redisclient.NewCooldownStore(redisClient)))
	}
	p, err := pool.Load(ctx, store.Credentials, poolOpts...)
	if err != nil {
		closeAll(db, redisClient)
		return nil, err
	}
	if err := seedCredentials(ctx, p, cfg.Credentials); err != nil {
		closeAll(db, redisClient)
		return nil, err
	}
	if p.ActiveCount() == 0 {
		log.Warn("No active credentials; submissions fail until one is added")
	}

	// 4. Orchestration
	providers, httpProvider, audio := buildProviders(cfg.Provider)
	orch := routing.NewOrchestrator(p, retryConfig(cfg))

	var jobOpts []job.Option
	if redisClient != nil {
		jobOpts = append(jobOpts, job.WithStatusCache(redisclient.NewStatusCache(redisClient, cfg.Redis.StatusTTL)))
	}
	jobs := job.NewService(cfg.Retry.Jobs(), p, orch, providers, store, cfg.Poller, jobOpts...)

	hub := emitter.NewHub()
	batches := batch.NewCoordinator(p, jobs, store.Batches, hub)

	// 5. HTTP surfaces
	schemas, err := api.CompileSchemas()
	if err != nil {
		jobs.Close()
		closeAll(db, redisClient)
		return nil, err
	}
	apiServer := api.NewServer(ctx, api.Deps{
		Jobs:     jobs,
		Batches:  batches,
		Hub:      hub,
		Pool:     p,
		Audio:    audio,
		Monitors: httpProvider.Monitors,
		Schemas:  schemas,
	})

	deps := map[string]health.Checker{}
	if db != nil {
		deps["database"] = db
	}
	if redisClient != nil {
		deps["redis"] = redisClient
	}
	healthServer := health.NewServer(health.NewMonitor(p, deps), cfg.Server.HealthPort)

	return &App{
		cfg:          cfg,
		Pool:         p,
		Jobs:         jobs,
		Batches:      batches,
		Hub:          hub,
		api:          apiServer,
		healthServer: healthServer,
		pruner:       worker.NewPruner("batch-streams", cfg.Server.StreamTTL, hub),
		db:           db,
		redisClient:  redisClient,
		log:          log,
	}, nil
}

// Handler returns the API router.
func (a *App) Handler() http.Handler {
	return a.api.Router()
}

// Start launches the servers and background workers and returns immediately.
func (a *App) Start(ctx context.Context) error {
	ctx, a.cancel = context.WithCancel(ctx)

	go func() {
		if err := a.healthServer.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.log.Error("Health server failed", "error", err)
		}
	}()
	go func() {
		if err := a.api.Start(a.cfg.Server.Port); err != nil {
			a.log.Error("API server failed", "error", err)
		}
	}()

	if a.db != nil {
		a.db.StartMetricsCollector(ctx)
	}
	go a.pruner.Start(ctx)

	a.log.Info("genrelay started",
		"port", a.cfg.Server.Port,
		"health_port", a.cfg.Server.HealthPort,
		"credentials", a.Pool.ActiveCount(),
	)
	return nil
}

// Stop shuts the servers down, drains in-flight work, then closes storage
// connections.
func (a *App) Stop(ctx context.Context) error {
	a.log.Info("Stopping genrelay...")

	var errs []error
	if err := a.api.Stop(ctx); err != nil {
		errs = append(errs, fmt.Errorf("api server: %w", err))
	}

	// Running batches get until the deadline; pollers still in flight after
	// that are canceled.
	done := make(chan struct{})
	go func() {
		a.Batches.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		errs = append(errs, fmt.Errorf("waiting for batches: %w", ctx.Err()))
	}
	a.Jobs.Close()

	if a.cancel != nil {
		a.cancel()
	}
	_ = a.Hub.Close()

	if err := a.healthServer.Stop(ctx); err != nil {
		errs = append(errs, fmt.Errorf("health server: %w", err))
	}
	closeAll(a.db, a.redisClient)
	return errors.Join(errs...)
}

func closeAll(db *sqldb.DB, redisClient *redisclient.Client) {
	if redisClient != nil {
		if err := redisClient.Close(); err != nil {
			slog.Warn("Failed to close Redis", "error", err)
		}
	}
	if db != nil {
		if err := db.Close(); err != nil {
			slog.Warn("Failed to close database", "error", err)
		}
	}
}
