package job

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/vietddude/genrelay/internal/core/domain"
	"github.com/vietddude/genrelay/internal/generation/metrics"
	"github.com/vietddude/genrelay/internal/infra/upstream/provider"
	"github.com/vietddude/genrelay/internal/infra/upstream/routing"
)

type issueOptions struct {
	credential string
	exclude    []string

	// batch uses the batch retry budget and keeps the submit on the
	// credential that prepared the asset.
	batch bool
}

// issue runs the submission pipeline: prepare the reference asset when the
// spec has one (UPLOADING), then submit through the orchestrator (ISSUED).
// Synchronous results complete the job immediately. Any failure leaves the
// job FAILED and persisted.
func (s *Service) issue(ctx context.Context, job *domain.GenerationJob, opts issueOptions) error {
	gen, err := s.providers.For(job.Kind)
	if err != nil {
		return s.failJob(ctx, job, err)
	}
	orch := s.orchestratorFor(job.Kind, opts.batch)
	exclude := append([]string(nil), opts.exclude...)

	// A batch item prepares on its assigned credential; once that gives up,
	// one re-establish cycle moves the asset and submit elsewhere.
	pin := opts.batch && opts.credential != ""
	var res *routing.Result
	for reestablished := false; ; reestablished = true {
		var asset *domain.MediaAsset
		if job.Spec.NeedsAsset() {
			asset, err = s.prepareAsset(ctx, orch, gen, job, opts.credential, pin && !reestablished, exclude)
			if errors.Is(err, routing.ErrAssetReestablish) && !reestablished {
				exclude = s.reestablish(job, opts.credential, exclude)
				continue
			}
			if err != nil {
				return s.failJob(ctx, job, err)
			}
		}

		res, err = orch.Execute(ctx, s.submitRequest(gen, job, asset, opts, exclude))
		s.countRetries(job, res)
		if errors.Is(err, routing.ErrAssetReestablish) && !reestablished {
			exclude = s.reestablish(job, asset.OwnerID, exclude)
			continue
		}
		if err != nil {
			return s.failJob(ctx, job, err)
		}
		break
	}

	submitted, err := provider.DecodeSubmit(res.Response.Body)
	if err != nil {
		return s.failJob(ctx, job, err)
	}
	job.CredentialID = res.Credential.ID
	if res.Asset != nil {
		job.AssetID = res.Asset.ID
	}
	job.OperationHandle = submitted.Handle
	job.LastError = ""
	if err := s.transition(ctx, job, domain.JobStateIssued); err != nil {
		return err
	}
	s.logger.Info("Operation issued",
		"job", job.ID,
		"credential", job.CredentialID,
		"operation", job.OperationHandle,
		"attempts", res.Attempts,
	)

	if submitted.Handle == "" {
		job.ResultRef = submitted.ResultRef
		if err := s.transition(ctx, job, domain.JobStateCompleted); err != nil {
			return err
		}
		metrics.JobsTotal.WithLabelValues(string(job.Kind), string(domain.JobStateCompleted)).Inc()
	}
	return nil
}

// reestablish records one re-establish cycle away from owner as a retry and
// returns the widened exclusion list.
func (s *Service) reestablish(job *domain.GenerationJob, owner string, exclude []string) []string {
	s.logger.Info("Re-establishing media asset", "job", job.ID, "owner", owner)
	job.BumpRetry(job.RetryCount + 1)
	return append(exclude, owner)
}

// prepareAsset uploads the reference asset and records its owner. With pin
// set every attempt stays on credential.
func (s *Service) prepareAsset(
	ctx context.Context,
	orch *routing.Orchestrator,
	gen provider.Generator,
	job *domain.GenerationJob,
	credential string,
	pin bool,
	exclude []string,
) (*domain.MediaAsset, error) {
	if err := s.transition(ctx, job, domain.JobStateUploading); err != nil {
		return nil, err
	}
	prepare := s.prepareCall(gen, job)

	req := routing.Request{
		Name:              "prepare:" + job.ID,
		Call:              func(ctx context.Context, cred domain.Credential, _ string) (*provider.Response, error) { return prepare(ctx, cred) },
		InitialCredential: credential,
		Exclude:           exclude,
		OnAttempt:         s.observe(job.Kind),
	}
	if pin {
		req.Pin = credential
	}
	res, err := orch.Execute(ctx, req)
	s.countRetries(job, res)
	if err != nil {
		return nil, fmt.Errorf("prepare asset: %w", err)
	}

	id, err := provider.DecodeMediaID(res.Response.Body)
	if err != nil {
		return nil, fmt.Errorf("prepare asset: %w", err)
	}
	asset := &domain.MediaAsset{ID: id, OwnerID: res.Credential.ID, JobID: job.ID, CreatedAt: time.Now()}
	s.saveAsset(ctx, job, asset)
	return asset, nil
}

func (s *Service) prepareCall(gen provider.Generator, job *domain.GenerationJob) routing.PrepareCall {
	in := provider.AssetInput{JobID: job.ID, Kind: job.Kind, Reference: job.Spec.Reference}
	return func(ctx context.Context, cred domain.Credential) (*provider.Response, error) {
		return gen.Prepare(ctx, cred, in)
	}
}

func (s *Service) submitRequest(
	gen provider.Generator,
	job *domain.GenerationJob,
	asset *domain.MediaAsset,
	opts issueOptions,
	exclude []string,
) routing.Request {
	in := provider.SubmitInput{
		JobID:       job.ID,
		Kind:        job.Kind,
		Prompt:      job.Spec.Prompt,
		AspectRatio: job.Spec.AspectRatio,
		Payload:     job.Spec.Payload,
	}
	req := routing.Request{
		Name: "submit:" + job.ID,
		Call: func(ctx context.Context, cred domain.Credential, assetID string) (*provider.Response, error) {
			call := in
			call.AssetID = assetID
			return gen.Submit(ctx, cred, call)
		},
		Exclude:   exclude,
		OnAttempt: s.observe(job.Kind),
	}
	if asset == nil {
		req.InitialCredential = opts.credential
		return req
	}
	req.Asset = &routing.AssetDependency{
		Asset:      asset,
		Pinned:     opts.batch,
		Prepare:    s.prepareCall(gen, job),
		OnRecreate: func(a *domain.MediaAsset) { s.saveAsset(context.Background(), job, a) },
	}
	return req
}

func (s *Service) saveAsset(ctx context.Context, job *domain.GenerationJob, asset *domain.MediaAsset) {
	asset.JobID = job.ID
	job.AssetID = asset.ID
	if err := s.store.Assets.Save(ctx, asset); err != nil {
		s.logger.Warn("Failed to persist media asset", "job", job.ID, "asset", asset.ID, "error", err)
	}
}

func (s *Service) orchestratorFor(kind domain.OperationKind, batch bool) *routing.Orchestrator {
	cfg := s.orch.Config()
	cfg.Timeout = s.cfg.LightTimeout
	if kind.Heavy() {
		cfg.Timeout = s.cfg.HeavyTimeout
	}
	if batch {
		cfg.MaxAttempts = s.cfg.BatchMaxAttempts
	}
	return s.orch.With(cfg)
}

// countRetries adds the attempts beyond the first of one execution. A
// re-establish cycle counts as one more retry on top.
func (s *Service) countRetries(job *domain.GenerationJob, res *routing.Result) {
	if res != nil && res.Attempts > 1 {
		job.BumpRetry(job.RetryCount + res.Attempts - 1)
	}
}

func (s *Service) observe(kind domain.OperationKind) func(routing.Attempt) {
	return func(a routing.Attempt) {
		metrics.AttemptsTotal.WithLabelValues(string(kind), a.Classification.Outcome.String()).Inc()
		metrics.UpstreamLatency.WithLabelValues(string(kind)).Observe(a.Latency.Seconds())
	}
}

func (s *Service) transition(ctx context.Context, job *domain.GenerationJob, to domain.JobState) error {
	if err := job.Transition(to); err != nil {
		return fmt.Errorf("job %s %s -> %s: %w", job.ID, job.State, to, err)
	}
	if err := s.store.Jobs.Update(ctx, job); err != nil {
		s.logger.Warn("Failed to persist job", "job", job.ID, "state", string(to), "error", err)
	}
	return nil
}

// failJob marks the job FAILED and returns cause.
func (s *Service) failJob(ctx context.Context, job *domain.GenerationJob, cause error) error {
	job.LastError = cause.Error()
	if err := job.Transition(domain.JobStateFailed); err != nil {
		return fmt.Errorf("%w (job %s stuck in %s)", cause, job.ID, job.State)
	}
	if err := s.store.Jobs.Update(context.WithoutCancel(ctx), job); err != nil {
		s.logger.Warn("Failed to persist job", "job", job.ID, "error", err)
	}
	metrics.JobsTotal.WithLabelValues(string(job.Kind), string(domain.JobStateFailed)).Inc()
	s.logger.Warn("Job failed", "job", job.ID, "error", cause)
	return cause
}
