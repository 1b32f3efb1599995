package job

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"google.golang.org/grpc/status"

	"github.com/vietddude/genrelay/internal/core/domain"
	"github.com/vietddude/genrelay/internal/infra/storage"
	"github.com/vietddude/genrelay/internal/infra/upstream/provider"
	"github.com/vietddude/genrelay/internal/infra/upstream/routing"
)

// StatusQuery names the operation to check. Handle wins over the job's
// recorded handle; CredentialID over the job's issuing credential. With no
// credential at all the next pool credential is used.
type StatusQuery struct {
	Handle       string
	JobID        string
	CredentialID string
}

// StatusResult is the classified status of one operation.
type StatusResult struct {
	Operation    string             `json:"operation"`
	JobID        string             `json:"job_id,omitempty"`
	JobState     domain.JobState    `json:"job_state,omitempty"`
	CredentialID string             `json:"credential_id"`
	State        provider.PollState `json:"state,omitempty"`
	ResultRef    string             `json:"result_ref,omitempty"`
	Outcome      string             `json:"outcome"`
	Reason       string             `json:"reason,omitempty"`
	Cached       bool               `json:"cached"`

	outcome routing.Outcome
}

// Status polls an operation once and classifies the reply. Classified
// failures are reported in the result, not as an error; errors are limited
// to lookup and credential acquisition.
func (s *Service) Status(ctx context.Context, q StatusQuery) (*StatusResult, error) {
	var job *domain.GenerationJob
	if q.JobID != "" {
		j, err := s.store.Jobs.Get(ctx, q.JobID)
		if err != nil {
			return nil, err
		}
		job = j
	} else if q.Handle != "" {
		j, err := s.store.Jobs.GetByHandle(ctx, q.Handle)
		if err != nil && !errors.Is(err, storage.ErrNotFound) {
			return nil, err
		}
		job = j
	}

	handle := q.Handle
	credID := q.CredentialID
	kind := domain.KindVideo
	if job != nil {
		if handle == "" {
			handle = job.OperationHandle
		}
		if credID == "" {
			credID = job.CredentialID
		}
		kind = job.Kind
	}
	if handle == "" {
		return nil, ErrUnknownOperation
	}

	if s.cache != nil && credID != "" {
		if res, ok := s.cachedStatus(ctx, handle, credID); ok {
			s.attachJob(res, job)
			return res, nil
		}
	}

	var (
		cred domain.Credential
		err  error
	)
	if credID != "" {
		cred, err = s.pool.Lookup(credID)
	} else {
		cred, err = s.pool.AcquireNext(ctx, nil)
	}
	if err != nil {
		return nil, fmt.Errorf("status %s: %w", handle, err)
	}

	gen, err := s.providers.For(kind)
	if err != nil {
		return nil, err
	}

	res := s.pollStatus(ctx, gen, cred, handle, kind)
	switch res.outcome {
	case routing.OutcomeAuthFailure:
		s.pool.RetirePermanently(ctx, cred.ID)
	case routing.OutcomeCongestion, routing.OutcomeTimeout, routing.OutcomeMalformed:
		s.pool.RecordTransientError(ctx, cred.ID)
	}

	if s.cache != nil {
		if data, err := json.Marshal(res); err == nil {
			if err := s.cache.Set(ctx, handle, cred.ID, data); err != nil {
				s.logger.Debug("Failed to cache status", "operation", handle, "error", err)
			}
		}
	}
	s.attachJob(res, job)
	return res, nil
}

func (s *Service) pollStatus(ctx context.Context, gen provider.Generator, cred domain.Credential, handle string, kind domain.OperationKind) *StatusResult {
	timeout := s.cfg.LightTimeout
	if kind.Heavy() {
		timeout = s.cfg.HeavyTimeout
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	res := &StatusResult{Operation: handle, CredentialID: cred.ID}
	resp, err := gen.Poll(callCtx, cred, handle)
	cls := routing.Classify(resp, err)
	if cls.Outcome == routing.OutcomeSuccess {
		st, err := provider.DecodePoll(resp.Body)
		switch {
		case err != nil:
			cls = routing.ClassifyError(err)
		case st.State == provider.PollFailed:
			res.State = st.State
			if opErr := status.ErrorProto(st.Error); opErr != nil {
				cls = routing.ClassifyError(opErr)
			} else {
				cls = routing.Classification{Outcome: routing.OutcomeTerminal, Reason: st.Error.GetMessage()}
			}
		default:
			res.State = st.State
			res.ResultRef = st.ResultRef
		}
	}
	res.outcome = cls.Outcome
	res.Outcome = cls.Outcome.String()
	res.Reason = cls.Reason
	return res
}

func (s *Service) cachedStatus(ctx context.Context, handle, credID string) (*StatusResult, bool) {
	data, ok, err := s.cache.Get(ctx, handle, credID)
	if err != nil {
		s.logger.Debug("Status cache lookup failed", "operation", handle, "error", err)
		return nil, false
	}
	if !ok {
		return nil, false
	}
	var res StatusResult
	if err := json.Unmarshal(data, &res); err != nil {
		return nil, false
	}
	res.Cached = true
	return &res, true
}

func (s *Service) attachJob(res *StatusResult, job *domain.GenerationJob) {
	if job == nil {
		return
	}
	res.JobID = job.ID
	res.JobState = job.State
}
