// Package poller follows issued asynchronous operations to a terminal state.
//
// Every issued operation gets its own tracked task. A task polls with the
// credential that issued the operation, since operation handles are scoped
// to it like media assets. Poll replies that look retryable (asset mismatch,
// congestion, a revoked credential) trigger a silent retry: the job is
// resubmitted from scratch with every credential used so far excluded.
package poller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/vietddude/genrelay/internal/core/domain"
	"github.com/vietddude/genrelay/internal/generation/metrics"
	"github.com/vietddude/genrelay/internal/infra/storage"
	"github.com/vietddude/genrelay/internal/infra/upstream/provider"
	"github.com/vietddude/genrelay/internal/infra/upstream/routing"
)

// ErrTimedOut is recorded when an operation does not resolve within MaxWait.
var ErrTimedOut = errors.New("operation did not resolve in time")

// Config holds poller settings.
type Config struct {
	Interval      time.Duration `yaml:"interval"`
	MaxWait       time.Duration `yaml:"max_wait"`
	SilentRetries int           `yaml:"silent_retries"`
	BackoffBase   time.Duration `yaml:"backoff_base"`
	BackoffMax    time.Duration `yaml:"backoff_max"`
	CallTimeout   time.Duration `yaml:"call_timeout"`
}

// DefaultConfig polls every 15s for up to 5 minutes and resubmits at most 3
// times with 2s, 4s, 8s backoff.
var DefaultConfig = Config{
	Interval:      15 * time.Second,
	MaxWait:       5 * time.Minute,
	SilentRetries: 3,
	BackoffBase:   2 * time.Second,
	BackoffMax:    30 * time.Second,
	CallTimeout:   120 * time.Second,
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = DefaultConfig.Interval
	}
	if c.MaxWait <= 0 {
		c.MaxWait = DefaultConfig.MaxWait
	}
	if c.SilentRetries < 0 {
		c.SilentRetries = 0
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = DefaultConfig.BackoffBase
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = DefaultConfig.BackoffMax
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = DefaultConfig.CallTimeout
	}
	return c
}

// Pool is the part of the credential pool the poller needs.
type Pool interface {
	Lookup(id string) (domain.Credential, error)
	RecordTransientError(ctx context.Context, id string)
	RetirePermanently(ctx context.Context, id string)
}

// Resubmitter re-runs the submission of a job from scratch, re-uploading any
// reference asset, while avoiding the excluded credentials when possible.
// On success the job carries the new handle and credential and is ISSUED;
// on failure the job is already FAILED and persisted.
type Resubmitter interface {
	Resubmit(ctx context.Context, job *domain.GenerationJob, exclude []string) error
}

// Option configures a Poller.
type Option func(*Poller)

// WithSleep overrides how the poller waits.
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(p *Poller) { p.sleep = sleep }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(p *Poller) { p.now = now }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(p *Poller) { p.logger = l }
}

// Poller runs one tracked task per issued operation.
type Poller struct {
	cfg       Config
	pool      Pool
	providers provider.Registry
	jobs      storage.JobRepository
	resubmit  Resubmitter
	backoff   routing.Backoff

	sleep  func(ctx context.Context, d time.Duration) error
	now    func() time.Time
	logger *slog.Logger

	wg sync.WaitGroup
}

// New creates a poller.
func New(cfg Config, p Pool, providers provider.Registry, jobs storage.JobRepository, resubmit Resubmitter, opts ...Option) *Poller {
	cfg = cfg.withDefaults()
	pl := &Poller{
		cfg:       cfg,
		pool:      p,
		providers: providers,
		jobs:      jobs,
		resubmit:  resubmit,
		backoff:   routing.ExponentialBackoff{InitialDelay: cfg.BackoffBase, MaxDelay: cfg.BackoffMax},
		sleep:     sleepContext,
		now:       time.Now,
		logger:    slog.Default().With("component", "poller"),
	}
	for _, opt := range opts {
		opt(pl)
	}
	return pl
}

// Task is a handle on one background poll loop.
type Task struct {
	done chan struct{}
	job  domain.GenerationJob
}

// Done is closed when the job reaches a terminal state.
func (t *Task) Done() <-chan struct{} {
	return t.done
}

// Wait blocks until the job is terminal and returns its final record.
func (t *Task) Wait(ctx context.Context) (*domain.GenerationJob, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-t.done:
		job := t.job
		return &job, nil
	}
}

// Spawn starts following job in the background. The poller owns job from
// now on; callers must not touch it.
func (p *Poller) Spawn(ctx context.Context, job *domain.GenerationJob) *Task {
	t := &Task{done: make(chan struct{})}
	p.wg.Add(1)
	metrics.PollersActive.Inc()
	go func() {
		defer p.wg.Done()
		defer metrics.PollersActive.Dec()
		p.Run(ctx, job)
		t.job = *job
		close(t.done)
	}()
	return t
}

// Wait blocks until every spawned task has finished.
func (p *Poller) Wait() {
	p.wg.Wait()
}

// Run follows an ISSUED job until it is COMPLETED or FAILED. Cancelling ctx
// stops the loop without touching the job, which stays POLLING for a later
// status check.
func (p *Poller) Run(ctx context.Context, job *domain.GenerationJob) {
	log := p.logger.With("job", job.ID, "kind", string(job.Kind))

	gen, err := p.providers.For(job.Kind)
	if err != nil {
		p.fail(ctx, job, err)
		return
	}

	tried := []string{job.CredentialID}
	if err := p.transition(ctx, job, domain.JobStatePolling); err != nil {
		log.Error("Failed to start polling", "error", err)
		return
	}
	deadline := p.now().Add(p.cfg.MaxWait)

	for {
		if err := p.sleep(ctx, p.cfg.Interval); err != nil {
			// The operation is still running upstream; keep the record as is.
			log.Info("Polling stopped", "state", string(job.State), "operation", job.OperationHandle, "reason", err)
			return
		}
		if p.now().After(deadline) {
			p.pool.RecordTransientError(ctx, job.CredentialID)
			p.fail(ctx, job, fmt.Errorf("%w after %s (operation %s)", ErrTimedOut, p.cfg.MaxWait, job.OperationHandle))
			return
		}

		st, cls := p.pollOnce(ctx, gen, job)
		if ctx.Err() != nil {
			log.Info("Polling stopped", "state", string(job.State), "operation", job.OperationHandle, "reason", ctx.Err())
			return
		}
		log.Debug("Polled operation",
			"credential", job.CredentialID,
			"operation", job.OperationHandle,
			"outcome", cls.Outcome.String(),
		)

		switch {
		case cls.Outcome == routing.OutcomeSuccess && st.State == provider.PollPending:
			continue

		case cls.Outcome == routing.OutcomeSuccess && st.State == provider.PollSucceeded:
			job.ResultRef = st.ResultRef
			job.LastError = ""
			if err := p.transition(ctx, job, domain.JobStateCompleted); err != nil {
				log.Error("Failed to complete job", "error", err)
			}
			metrics.JobsTotal.WithLabelValues(string(job.Kind), string(domain.JobStateCompleted)).Inc()
			log.Info("Operation completed", "credential", job.CredentialID, "silent_retries", job.SilentRetries)
			return

		case cls.Outcome == routing.OutcomeTimeout || cls.Outcome == routing.OutcomeMalformed:
			// The operation may still be running; keep polling.
			p.pool.RecordTransientError(ctx, job.CredentialID)
			continue

		case cls.Outcome == routing.OutcomeTerminal:
			p.pool.RecordTransientError(ctx, job.CredentialID)
			p.fail(ctx, job, fmt.Errorf("operation failed: %s", cls))
			return
		}

		// Asset mismatch, congestion or a revoked credential: resubmit.
		if cls.Outcome == routing.OutcomeAuthFailure {
			p.pool.RetirePermanently(ctx, job.CredentialID)
		}
		if !p.silentRetry(ctx, job, cls, tried) {
			return
		}
		tried = append(tried, job.CredentialID)
		if err := p.transition(ctx, job, domain.JobStatePolling); err != nil {
			log.Error("Failed to resume polling", "error", err)
			return
		}
		deadline = p.now().Add(p.cfg.MaxWait)
	}
}

// pollOnce checks the operation once and classifies the reply. A failed
// operation is classified by the error it carries.
func (p *Poller) pollOnce(ctx context.Context, gen provider.Generator, job *domain.GenerationJob) (provider.PollStatus, routing.Classification) {
	cred, err := p.pool.Lookup(job.CredentialID)
	if err != nil {
		return provider.PollStatus{}, routing.Classification{
			Outcome: routing.OutcomeAuthFailure,
			Reason:  fmt.Sprintf("credential %s no longer usable: %v", job.CredentialID, err),
		}
	}

	callCtx, cancel := context.WithTimeout(ctx, p.cfg.CallTimeout)
	defer cancel()
	resp, err := gen.Poll(callCtx, cred, job.OperationHandle)
	cls := routing.Classify(resp, err)
	if cls.Outcome != routing.OutcomeSuccess {
		return provider.PollStatus{}, cls
	}

	st, err := provider.DecodePoll(resp.Body)
	if err != nil {
		return provider.PollStatus{}, routing.ClassifyError(err)
	}
	if st.State == provider.PollFailed {
		opErr := status.ErrorProto(st.Error)
		if opErr == nil {
			opErr = status.Error(codes.Unknown, st.Error.GetMessage())
		}
		return st, routing.ClassifyError(opErr)
	}
	return st, cls
}

// silentRetry resubmits the job. It returns false when polling should stop.
func (p *Poller) silentRetry(ctx context.Context, job *domain.GenerationJob, cls routing.Classification, tried []string) bool {
	kind := string(job.Kind)
	if job.SilentRetries >= p.cfg.SilentRetries {
		p.pool.RecordTransientError(ctx, job.CredentialID)
		metrics.SilentRetries.WithLabelValues(kind, "exhausted").Inc()
		p.fail(ctx, job, fmt.Errorf("%s; silent retries exhausted after %d resubmission(s)", cls, job.SilentRetries))
		return false
	}

	job.SilentRetries++
	job.BumpRetry(job.RetryCount + 1)
	job.LastError = cls.String()
	if err := p.transition(ctx, job, domain.JobStateSilentRetry); err != nil {
		p.logger.Error("Failed to record silent retry", "job", job.ID, "error", err)
		return false
	}
	p.logger.Info("Silent retry",
		"job", job.ID,
		"retry", job.SilentRetries,
		"credential", job.CredentialID,
		"outcome", cls.Outcome.String(),
	)

	if err := p.sleep(ctx, p.backoff.Delay(job.SilentRetries)); err != nil {
		p.logger.Info("Silent retry stopped", "job", job.ID, "state", string(job.State), "reason", err)
		return false
	}

	exclude := append([]string(nil), tried...)
	if err := p.resubmit.Resubmit(ctx, job, exclude); err != nil {
		metrics.SilentRetries.WithLabelValues(kind, "failed").Inc()
		p.logger.Warn("Silent retry failed", "job", job.ID, "error", err)
		if !job.State.Terminal() {
			p.fail(ctx, job, err)
		}
		return false
	}
	metrics.SilentRetries.WithLabelValues(kind, "resubmitted").Inc()
	return true
}

func (p *Poller) transition(ctx context.Context, job *domain.GenerationJob, to domain.JobState) error {
	if err := job.Transition(to); err != nil {
		return fmt.Errorf("%s -> %s: %w", job.State, to, err)
	}
	if err := p.jobs.Update(ctx, job); err != nil {
		p.logger.Warn("Failed to persist job", "job", job.ID, "state", string(to), "error", err)
	}
	return nil
}

func (p *Poller) fail(ctx context.Context, job *domain.GenerationJob, cause error) {
	job.LastError = cause.Error()
	if err := job.Transition(domain.JobStateFailed); err != nil {
		p.logger.Error("Failed to fail job", "job", job.ID, "state", string(job.State), "error", err)
		return
	}
	// Persist even when ctx is done so the failure survives shutdown.
	if err := p.jobs.Update(context.WithoutCancel(ctx), job); err != nil {
		p.logger.Warn("Failed to persist job", "job", job.ID, "error", err)
	}
	metrics.JobsTotal.WithLabelValues(string(job.Kind), string(domain.JobStateFailed)).Inc()
	p.logger.Warn("Job failed", "job", job.ID, "error", cause)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
