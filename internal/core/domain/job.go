package domain

import (
	"encoding/json"
	"errors"
	"time"
)

// OperationKind names the kind of generation a job performs.
type OperationKind string

const (
	KindVideo  OperationKind = "video"
	KindImage  OperationKind = "image"
	KindSpeech OperationKind = "speech"
)

// Async reports whether the provider completes this kind asynchronously.
func (k OperationKind) Async() bool {
	return k == KindVideo
}

// Heavy reports whether calls for this kind get the long per-call timeout.
func (k OperationKind) Heavy() bool {
	return k == KindVideo
}

// Valid reports whether k is a known kind.
func (k OperationKind) Valid() bool {
	switch k {
	case KindVideo, KindImage, KindSpeech:
		return true
	}
	return false
}

// JobSpec is what a caller submits: an opaque payload plus an optional
// reference asset that has to be prepared before generation.
type JobSpec struct {
	Kind        OperationKind   `json:"kind"`
	Prompt      string          `json:"prompt"`
	AspectRatio string          `json:"aspect_ratio,omitempty"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	Reference   json.RawMessage `json:"reference,omitempty"`
}

// NeedsAsset reports whether the spec carries a reference asset dependency.
func (s JobSpec) NeedsAsset() bool {
	return len(s.Reference) > 0 && string(s.Reference) != "null"
}

// JobState is the state of a GenerationJob.
type JobState string

const (
	JobStatePending     JobState = "PENDING"
	JobStateUploading   JobState = "UPLOADING"
	JobStateIssued      JobState = "ISSUED"
	JobStatePolling     JobState = "POLLING"
	JobStateSilentRetry JobState = "SILENT_RETRY"
	JobStateCompleted   JobState = "COMPLETED"
	JobStateFailed      JobState = "FAILED"
)

// Terminal reports whether s is absorbing.
func (s JobState) Terminal() bool {
	return s == JobStateCompleted || s == JobStateFailed
}

// ErrInvalidTransition is returned when a job state change is not allowed.
var ErrInvalidTransition = errors.New("invalid job state transition")

// ValidJobTransitions lists the allowed next states for each state.
var ValidJobTransitions = map[JobState][]JobState{
	JobStatePending:     {JobStateUploading, JobStateIssued, JobStateCompleted, JobStateFailed},
	JobStateUploading:   {JobStateIssued, JobStateFailed},
	JobStateIssued:      {JobStatePolling, JobStateCompleted, JobStateFailed},
	JobStatePolling:     {JobStateSilentRetry, JobStateCompleted, JobStateFailed},
	JobStateSilentRetry: {JobStateUploading, JobStateIssued, JobStateFailed},
}

// CanTransition checks if a job may move from one state to another.
func CanTransition(from, to JobState) bool {
	for _, target := range ValidJobTransitions[from] {
		if target == to {
			return true
		}
	}
	return false
}

// GenerationJob is one logical unit of work submitted by a user.
type GenerationJob struct {
	ID              string        `json:"id"               db:"id"`
	BatchID         string        `json:"batch_id,omitempty" db:"batch_id"`
	Index           int           `json:"index"            db:"item_index"`
	Kind            OperationKind `json:"kind"             db:"kind"`
	State           JobState      `json:"state"            db:"state"`
	OperationHandle string        `json:"operation_handle,omitempty" db:"operation_handle"`
	CredentialID    string        `json:"credential_id,omitempty"    db:"credential_id"`
	AssetID         string        `json:"asset_id,omitempty"         db:"asset_id"`
	RetryCount      int           `json:"retry_count"      db:"retry_count"`
	SilentRetries   int           `json:"silent_retries"   db:"silent_retries"`
	LastError       string        `json:"last_error,omitempty" db:"last_error"`
	ResultRef       string        `json:"result_ref,omitempty" db:"result_ref"`
	CreatedAt       time.Time     `json:"created_at"       db:"created_at"`
	UpdatedAt       time.Time     `json:"updated_at"       db:"updated_at"`
	CompletedAt     *time.Time    `json:"completed_at,omitempty" db:"completed_at"`

	Spec JobSpec `json:"-" db:"-"`
}

// Transition moves the job to a new state, refusing moves the state machine does not allow.
func (j *GenerationJob) Transition(to JobState) error {
	if j.State == to {
		return nil
	}
	if !CanTransition(j.State, to) {
		return ErrInvalidTransition
	}
	now := time.Now()
	j.State = to
	j.UpdatedAt = now
	if to.Terminal() {
		j.CompletedAt = &now
	}
	return nil
}

// BumpRetry raises the retry count to n; it never lowers it.
func (j *GenerationJob) BumpRetry(n int) {
	if n > j.RetryCount {
		j.RetryCount = n
	}
}
