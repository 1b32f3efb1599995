package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/vietddude/genrelay/internal/core/domain"
	"github.com/vietddude/genrelay/internal/generation/job"
)

type submitResponse struct {
	JobID        string          `json:"job_id"`
	State        domain.JobState `json:"state"`
	Operation    string          `json:"operation,omitempty"`
	CredentialID string          `json:"credential_id"`
	ResultRef    string          `json:"result_ref,omitempty"`
	RetryCount   int             `json:"retry_count"`
}

func (s *Server) submitJob(c *gin.Context) {
	var spec domain.JobSpec
	if !bindValidated(c, s.schemas.Job, &spec) {
		return
	}

	sub, err := s.jobs.Submit(c.Request.Context(), spec, job.SubmitOptions{})
	if err != nil {
		var details map[string]any
		if sub != nil {
			details = map[string]any{"job_id": sub.Job.ID}
		}
		writeFailure(c, err, details)
		return
	}

	status := http.StatusAccepted
	if sub.Job.State == domain.JobStateCompleted {
		status = http.StatusOK
	}
	writeData(c, status, submitResponse{
		JobID:        sub.Job.ID,
		State:        sub.Job.State,
		Operation:    sub.Job.OperationHandle,
		CredentialID: sub.Job.CredentialID,
		ResultRef:    sub.Job.ResultRef,
		RetryCount:   sub.Job.RetryCount,
	})
}

func (s *Server) getJob(c *gin.Context) {
	j, err := s.jobs.Get(c.Request.Context(), c.Param("job_id"))
	if err != nil {
		writeFailure(c, err, nil)
		return
	}
	writeData(c, http.StatusOK, j)
}

func (s *Server) status(c *gin.Context) {
	res, err := s.jobs.Status(c.Request.Context(), job.StatusQuery{
		Handle:       c.Query("operation"),
		JobID:        c.Query("job_id"),
		CredentialID: c.Query("credential_id"),
	})
	if err != nil {
		writeFailure(c, err, nil)
		return
	}
	writeData(c, http.StatusOK, res)
}
