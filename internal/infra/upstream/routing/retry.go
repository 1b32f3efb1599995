package routing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/vietddude/genrelay/internal/core/domain"
	"github.com/vietddude/genrelay/internal/core/pool"
	"github.com/vietddude/genrelay/internal/infra/upstream/provider"
)

// ErrAssetReestablish is returned when a pinned media asset can no longer be
// used through its owning credential. The caller must prepare the asset
// again with a new credential before retrying.
var ErrAssetReestablish = errors.New("media asset must be re-established with a new credential")

// ReusePolicy decides what happens when every eligible credential has
// already failed within one execution.
type ReusePolicy string

const (
	// ReuseLeastRecent falls back to the least-recently-used eligible
	// credential, even though it failed before.
	ReuseLeastRecent ReusePolicy = "reuse"
	// FailFast returns pool.ErrNoCredentials instead.
	FailFast ReusePolicy = "fail_fast"
)

// Pool is the credential pool as seen by the orchestrator.
type Pool interface {
	AcquireNext(ctx context.Context, excluding *pool.ExclusionSet) (domain.Credential, error)
	Acquire(ctx context.Context, id string) (domain.Credential, error)
	AcquireForAsset(ctx context.Context, ownerID string) (domain.Credential, error)
	RecordTransientError(ctx context.Context, id string)
	RetirePermanently(ctx context.Context, id string)
	Cooldown(ctx context.Context, id string, d time.Duration)
	ActiveCount() int
}

// RetryConfig defines retry behavior.
type RetryConfig struct {
	MaxAttempts        int
	Backoff            Backoff
	AuthDelay          time.Duration
	Timeout            time.Duration
	AssetPinAttempts   int
	CongestionCooldown time.Duration
	ReusePolicy        ReusePolicy
}

// DefaultRetryConfig provides defaults for interactive submissions.
var DefaultRetryConfig = RetryConfig{
	MaxAttempts:      20,
	Backoff:          FixedBackoff(500 * time.Millisecond),
	AuthDelay:        200 * time.Millisecond,
	Timeout:          120 * time.Second,
	AssetPinAttempts: 3,
	ReusePolicy:      ReuseLeastRecent,
}

// BatchRetryConfig is used for batch-mode sub-calls.
var BatchRetryConfig = func() RetryConfig {
	cfg := DefaultRetryConfig
	cfg.MaxAttempts = 3
	return cfg
}()

// Call is one remote call made with cred. assetID is the media asset the
// call references, empty when the request has no asset dependency.
type Call func(ctx context.Context, cred domain.Credential, assetID string) (*provider.Response, error)

// PrepareCall uploads the reference asset again with cred.
type PrepareCall func(ctx context.Context, cred domain.Credential) (*provider.Response, error)

// AssetDependency ties a request to a credential-scoped media asset.
type AssetDependency struct {
	Asset *domain.MediaAsset

	// Pinned keeps every attempt on the asset owner; after AssetPinAttempts
	// failures Execute returns ErrAssetReestablish.
	Pinned bool

	// Prepare re-creates the asset with another credential when the owner
	// fails. A nil Prepare implies Pinned.
	Prepare PrepareCall

	// OnRecreate is invoked with every newly created asset.
	OnRecreate func(asset *domain.MediaAsset)
}

// Request is one logical operation.
type Request struct {
	Name              string
	Call              Call
	InitialCredential string

	// Pin keeps every attempt on the named credential. After
	// AssetPinAttempts retryable failures, or when the credential leaves
	// the pool, Execute returns ErrAssetReestablish.
	Pin string

	Asset *AssetDependency
	Exclude           []string
	OnAttempt         func(Attempt)
}

// Attempt describes one finished attempt.
type Attempt struct {
	Number         int
	CredentialID   string
	Classification Classification
	Latency        time.Duration
	Reused         bool
}

// Result is the outcome of Execute. It is returned on failure too, carrying
// the attempts made and credentials tried.
type Result struct {
	Response   *provider.Response
	Credential domain.Credential
	Asset      *domain.MediaAsset
	Attempts   int
	Tried      []string
	Reused     bool
	Last       Classification
}

// ExhaustedError is returned when every attempt failed with a retryable outcome.
type ExhaustedError struct {
	Last        Classification
	Attempts    int
	Credentials int
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("%s; tried %d distinct credential(s) (Failed after %d attempts)",
		e.Last, e.Credentials, e.Attempts)
}

// TerminalError is returned when the provider reported a failure that no
// retry can fix.
type TerminalError struct {
	Classification
	CredentialID string
	Attempts     int
	Credentials  int
}

func (e *TerminalError) Error() string {
	return fmt.Sprintf("%s; tried %d distinct credential(s)", e.Classification, e.Credentials)
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithSleep overrides how the orchestrator waits between attempts.
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(o *Orchestrator) { o.sleep = sleep }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) { o.logger = l }
}

// Orchestrator drives one logical operation through repeated attempts,
// choosing a credential per attempt.
type Orchestrator struct {
	pool   Pool
	cfg    RetryConfig
	sleep  func(ctx context.Context, d time.Duration) error
	logger *slog.Logger
}

// NewOrchestrator creates an orchestrator over p.
func NewOrchestrator(p Pool, cfg RetryConfig, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		pool:   p,
		cfg:    cfg.withDefaults(),
		sleep:  sleepContext,
		logger: slog.Default().With("component", "orchestrator"),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// With returns a copy of o using cfg.
func (o *Orchestrator) With(cfg RetryConfig) *Orchestrator {
	cp := *o
	cp.cfg = cfg.withDefaults()
	return &cp
}

// Config returns the active configuration.
func (o *Orchestrator) Config() RetryConfig {
	return o.cfg
}

func (c RetryConfig) withDefaults() RetryConfig {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = DefaultRetryConfig.MaxAttempts
	}
	if c.Backoff == nil {
		c.Backoff = DefaultRetryConfig.Backoff
	}
	if c.Timeout <= 0 {
		c.Timeout = DefaultRetryConfig.Timeout
	}
	if c.AssetPinAttempts <= 0 {
		c.AssetPinAttempts = DefaultRetryConfig.AssetPinAttempts
	}
	if c.ReusePolicy == "" {
		c.ReusePolicy = ReuseLeastRecent
	}
	return c
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

// execution is the accumulator of one Execute call.
type execution struct {
	req         Request
	excluded    *pool.ExclusionSet
	tried       *pool.ExclusionSet
	malformedBy map[string]bool
	asset       *domain.MediaAsset
	pinned      bool
	pinFailures int
	result      *Result
}

// Execute runs req until it succeeds, fails terminally or runs out of attempts.
//
// Attempts within one execution are strictly sequential. A credential that
// failed is excluded from later attempts; when every eligible credential is
// excluded the ReusePolicy decides between reuse and pool.ErrNoCredentials.
func (o *Orchestrator) Execute(ctx context.Context, req Request) (*Result, error) {
	ex := &execution{
		req:         req,
		excluded:    pool.NewExclusionSet(req.Exclude...),
		tried:       pool.NewExclusionSet(),
		malformedBy: make(map[string]bool),
		result:      &Result{},
	}
	if req.Asset != nil && req.Asset.Asset != nil {
		ex.asset = req.Asset.Asset
		ex.pinned = req.Asset.Pinned || req.Asset.Prepare == nil
	}
	res := ex.result
	log := o.logger.With("operation", req.Name)

	for attempt := 1; attempt <= o.cfg.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return res, err
		}

		cred, reused, err := o.selectCredential(ctx, ex, attempt)
		if err != nil {
			if req.Pin != "" {
				return res, fmt.Errorf("%w: pinned credential %s unavailable", ErrAssetReestablish, req.Pin)
			}
			if ex.pinned {
				return res, fmt.Errorf("%w: owner %s unavailable", ErrAssetReestablish, ex.asset.OwnerID)
			}
			return res, fmt.Errorf("%w; tried %d distinct credential(s)", err, ex.tried.Len())
		}
		ex.tried.Add(cred.ID)
		res.Attempts = attempt
		res.Credential = cred
		res.Tried = ex.tried.IDs()
		res.Reused = res.Reused || reused

		start := time.Now()
		resp, cls := o.attempt(ctx, ex, cred)
		res.Last = cls

		if req.OnAttempt != nil {
			req.OnAttempt(Attempt{
				Number:         attempt,
				CredentialID:   cred.ID,
				Classification: cls,
				Latency:        time.Since(start),
				Reused:         reused,
			})
		}
		log.Debug("Attempt finished",
			"attempt", attempt,
			"credential", cred.ID,
			"outcome", cls.Outcome.String(),
			"reused", reused,
		)

		if cls.Outcome == OutcomeSuccess {
			res.Response = resp
			res.Asset = ex.asset
			return res, nil
		}

		// A parent cancellation surfaces as a canceled call; report the cause.
		if err := ctx.Err(); err != nil {
			return res, err
		}

		delay, err := o.recover(ctx, ex, cred, cls, attempt)
		if err != nil {
			log.Warn("Operation failed", "credential", cred.ID, "outcome", cls.Outcome.String(), "error", err)
			return res, err
		}
		if attempt < o.cfg.MaxAttempts {
			if err := o.sleep(ctx, delay); err != nil {
				return res, err
			}
		}
	}

	err := &ExhaustedError{Last: res.Last, Attempts: res.Attempts, Credentials: ex.tried.Len()}
	log.Warn("Operation exhausted attempts", "attempts", res.Attempts, "credentials", ex.tried.Len(), "outcome", res.Last.Outcome.String())
	return res, err
}

// selectCredential picks the credential for one attempt.
func (o *Orchestrator) selectCredential(ctx context.Context, ex *execution, attempt int) (domain.Credential, bool, error) {
	if ex.req.Pin != "" {
		cred, err := o.pool.Acquire(ctx, ex.req.Pin)
		return cred, false, err
	}
	if ex.asset != nil && (ex.pinned || !ex.excluded.Contains(ex.asset.OwnerID)) {
		cred, err := o.pool.AcquireForAsset(ctx, ex.asset.OwnerID)
		if err == nil || ex.pinned {
			return cred, false, err
		}
		// The owner is gone; a new credential re-creates the asset.
		ex.excluded.Add(ex.asset.OwnerID)
	}

	if attempt == 1 && ex.req.InitialCredential != "" && !ex.excluded.Contains(ex.req.InitialCredential) {
		if cred, err := o.pool.Acquire(ctx, ex.req.InitialCredential); err == nil {
			return cred, false, nil
		}
	}

	cred, err := o.pool.AcquireNext(ctx, ex.excluded)
	if errors.Is(err, pool.ErrNoCredentials) && ex.excluded.Len() > 0 && o.cfg.ReusePolicy == ReuseLeastRecent {
		cred, err = o.pool.AcquireNext(ctx, nil)
		return cred, err == nil, err
	}
	return cred, false, err
}

// attempt performs the remote call, re-creating a non-pinned asset first
// when cred does not own it.
func (o *Orchestrator) attempt(ctx context.Context, ex *execution, cred domain.Credential) (*provider.Response, Classification) {
	if ex.asset != nil && !ex.pinned && !ex.asset.OwnedBy(cred.ID) {
		asset, cls := o.recreateAsset(ctx, ex, cred)
		if cls.Outcome != OutcomeSuccess {
			return nil, cls
		}
		ex.asset = asset
	}

	assetID := ""
	if ex.asset != nil {
		assetID = ex.asset.ID
	}

	callCtx, cancel := context.WithTimeout(ctx, o.cfg.Timeout)
	defer cancel()
	resp, err := ex.req.Call(callCtx, cred, assetID)
	return resp, Classify(resp, err)
}

func (o *Orchestrator) recreateAsset(ctx context.Context, ex *execution, cred domain.Credential) (*domain.MediaAsset, Classification) {
	callCtx, cancel := context.WithTimeout(ctx, o.cfg.Timeout)
	defer cancel()

	resp, err := ex.req.Asset.Prepare(callCtx, cred)
	cls := Classify(resp, err)
	if cls.Outcome != OutcomeSuccess {
		return nil, cls
	}
	id, err := provider.DecodeMediaID(resp.Body)
	if err != nil {
		return nil, ClassifyError(err)
	}

	asset := &domain.MediaAsset{ID: id, OwnerID: cred.ID, CreatedAt: time.Now()}
	if ex.asset != nil {
		asset.JobID = ex.asset.JobID
	}
	if ex.req.Asset.OnRecreate != nil {
		ex.req.Asset.OnRecreate(asset)
	}
	o.logger.Info("Media asset re-created", "operation", ex.req.Name, "asset", id, "credential", cred.ID)
	return asset, cls
}

// recover applies the pool action for a failed attempt and returns the delay
// before the next one, or the error that ends the execution.
func (o *Orchestrator) recover(ctx context.Context, ex *execution, cred domain.Credential, cls Classification, attempt int) (time.Duration, error) {
	terminal := func(c Classification) error {
		return &TerminalError{
			Classification: c,
			CredentialID:   cred.ID,
			Attempts:       attempt,
			Credentials:    ex.tried.Len(),
		}
	}
	ownerFailed := (ex.pinned && ex.asset != nil && cred.ID == ex.asset.OwnerID) || cred.ID == ex.req.Pin

	delay := o.cfg.Backoff.Delay(attempt)
	switch cls.Outcome {
	case OutcomeTerminal:
		return 0, terminal(cls)

	case OutcomeAuthFailure:
		o.pool.RetirePermanently(ctx, cred.ID)
		ex.excluded.Add(cred.ID)
		if ownerFailed {
			return 0, fmt.Errorf("%w: owner %s retired (%s)", ErrAssetReestablish, cred.ID, cls)
		}
		delay = o.cfg.AuthDelay

	case OutcomeAssetMismatch:
		ex.excluded.Add(cred.ID)

	case OutcomeCongestion, OutcomeMalformed, OutcomeTimeout:
		o.pool.RecordTransientError(ctx, cred.ID)
		ex.excluded.Add(cred.ID)
		if cls.Outcome == OutcomeCongestion && o.cfg.CongestionCooldown > 0 {
			o.pool.Cooldown(ctx, cred.ID, o.cfg.CongestionCooldown)
		}
		if cls.Outcome == OutcomeMalformed {
			ex.malformedBy[cred.ID] = true
			if active := o.pool.ActiveCount(); active > 0 && len(ex.malformedBy) >= active {
				return 0, terminal(Classification{
					Outcome: OutcomeMalformed,
					Code:    cls.Code,
					Reason:  "malformed response from every active credential",
				})
			}
		}
	}

	if ownerFailed {
		ex.pinFailures++
		if ex.pinFailures >= o.cfg.AssetPinAttempts {
			return 0, fmt.Errorf("%w: %s after %d attempts with credential %s",
				ErrAssetReestablish, cls, ex.pinFailures, cred.ID)
		}
	}
	return delay, nil
}
