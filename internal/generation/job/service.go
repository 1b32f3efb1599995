// Package job implements synchronous submission and status queries for
// single generation jobs.
package job

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/vietddude/genrelay/internal/core/domain"
	"github.com/vietddude/genrelay/internal/core/pool"
	"github.com/vietddude/genrelay/internal/generation/poller"
	"github.com/vietddude/genrelay/internal/infra/storage"
	"github.com/vietddude/genrelay/internal/infra/upstream/provider"
	"github.com/vietddude/genrelay/internal/infra/upstream/routing"
)

var (
	// ErrInvalidSpec is returned for job specs that cannot be submitted.
	ErrInvalidSpec = errors.New("invalid job spec")

	// ErrUnknownOperation is returned when a status query names no operation.
	ErrUnknownOperation = errors.New("unknown operation")
)

// Config holds per-kind call settings.
type Config struct {
	LightTimeout     time.Duration `yaml:"light_timeout"`
	HeavyTimeout     time.Duration `yaml:"heavy_timeout"`
	BatchMaxAttempts int           `yaml:"batch_max_attempts"`
}

// DefaultConfig matches the provider's documented call budgets.
var DefaultConfig = Config{
	LightTimeout:     120 * time.Second,
	HeavyTimeout:     180 * time.Second,
	BatchMaxAttempts: 3,
}

// Pool is the part of the credential pool the service uses directly.
type Pool interface {
	AcquireNext(ctx context.Context, excluding *pool.ExclusionSet) (domain.Credential, error)
	Lookup(id string) (domain.Credential, error)
	RecordTransientError(ctx context.Context, id string)
	RetirePermanently(ctx context.Context, id string)
}

// StatusCache stores encoded status answers keyed by operation and credential.
type StatusCache interface {
	Get(ctx context.Context, handle, credentialID string) ([]byte, bool, error)
	Set(ctx context.Context, handle, credentialID string, data []byte) error
}

// Option configures a Service.
type Option func(*Service)

// WithStatusCache enables status-query caching.
func WithStatusCache(c StatusCache) Option {
	return func(s *Service) { s.cache = c }
}

// WithPollerOptions passes options to the background poller.
func WithPollerOptions(opts ...poller.Option) Option {
	return func(s *Service) { s.pollerOpts = append(s.pollerOpts, opts...) }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) { s.logger = l }
}

// Service submits jobs through the retry orchestrator and hands issued
// operations to tracked background pollers.
type Service struct {
	cfg       Config
	pool      Pool
	orch      *routing.Orchestrator
	providers provider.Registry
	store     *storage.Store
	poller    *poller.Poller
	cache     StatusCache

	pollerOpts []poller.Option
	logger     *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
}

// NewService creates a job service. Background pollers live until Close.
func NewService(
	cfg Config,
	p Pool,
	orch *routing.Orchestrator,
	providers provider.Registry,
	store *storage.Store,
	pollCfg poller.Config,
	opts ...Option,
) *Service {
	if cfg.LightTimeout <= 0 {
		cfg.LightTimeout = DefaultConfig.LightTimeout
	}
	if cfg.HeavyTimeout <= 0 {
		cfg.HeavyTimeout = DefaultConfig.HeavyTimeout
	}
	if cfg.BatchMaxAttempts <= 0 {
		cfg.BatchMaxAttempts = DefaultConfig.BatchMaxAttempts
	}

	s := &Service{
		cfg:       cfg,
		pool:      p,
		orch:      orch,
		providers: providers,
		store:     store,
		logger:    slog.Default().With("component", "jobs"),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.poller = poller.New(pollCfg, p, providers, store.Jobs, s, s.pollerOpts...)
	return s
}

// SubmitOptions place a job inside a batch.
type SubmitOptions struct {
	BatchID string
	Index   int

	// Credential is tried first; batches pass the item's pre-assignment.
	Credential string
}

// Submission is the result of Submit.
type Submission struct {
	// Job is a snapshot taken when Submit returned.
	Job *domain.GenerationJob

	task *poller.Task
}

// Pending reports whether a background poller is following the job.
func (s *Submission) Pending() bool {
	return s.task != nil
}

// Wait blocks until the job is terminal and returns its final record.
func (s *Submission) Wait(ctx context.Context) (*domain.GenerationJob, error) {
	if s.task == nil {
		return s.Job, nil
	}
	return s.task.Wait(ctx)
}

// Submit creates a job and runs it up to ISSUED (or COMPLETED for kinds the
// provider answers synchronously). Issued operations are followed by a
// tracked background poller. On failure the returned Submission still
// carries the FAILED job.
func (s *Service) Submit(ctx context.Context, spec domain.JobSpec, opts SubmitOptions) (*Submission, error) {
	if !spec.Kind.Valid() {
		return nil, fmt.Errorf("%w: unknown kind %q", ErrInvalidSpec, spec.Kind)
	}
	if spec.Prompt == "" && len(spec.Payload) == 0 {
		return nil, fmt.Errorf("%w: prompt or payload is required", ErrInvalidSpec)
	}

	now := time.Now()
	job := &domain.GenerationJob{
		ID:        uuid.NewString(),
		BatchID:   opts.BatchID,
		Index:     opts.Index,
		Kind:      spec.Kind,
		State:     domain.JobStatePending,
		Spec:      spec,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.store.Jobs.Create(ctx, job); err != nil {
		return nil, fmt.Errorf("create job: %w", err)
	}
	s.logger.Info("Job submitted", "job", job.ID, "kind", string(job.Kind), "batch", job.BatchID)

	err := s.issue(ctx, job, issueOptions{
		credential: opts.Credential,
		batch:      opts.BatchID != "",
	})
	snapshot := *job
	sub := &Submission{Job: &snapshot}
	if err != nil {
		return sub, err
	}

	if job.State == domain.JobStateIssued {
		sub.task = s.poller.Spawn(s.ctx, job)
	}
	return sub, nil
}

// Resubmit re-runs the submission of a job in SILENT_RETRY from scratch.
func (s *Service) Resubmit(ctx context.Context, job *domain.GenerationJob, exclude []string) error {
	return s.issue(ctx, job, issueOptions{
		exclude: exclude,
		batch:   job.BatchID != "",
	})
}

// Get returns the persisted job.
func (s *Service) Get(ctx context.Context, id string) (*domain.GenerationJob, error) {
	return s.store.Jobs.Get(ctx, id)
}

// Wait blocks until every background poller has finished.
func (s *Service) Wait() {
	s.poller.Wait()
}

// Close stops background pollers and waits for them.
func (s *Service) Close() {
	s.cancel()
	s.poller.Wait()
}
