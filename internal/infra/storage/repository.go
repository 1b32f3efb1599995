package storage

import (
	"context"
	"errors"
	"time"

	"github.com/vietddude/genrelay/internal/core/domain"
)

var (
	// ErrNotFound is returned when a record doesn't exist
	ErrNotFound = errors.New("record not found")

	// ErrDuplicate is returned when inserting a record whose id already exists
	ErrDuplicate = errors.New("duplicate record")
)

// CredentialRepository handles credential storage operations
type CredentialRepository interface {
	// List returns every credential in insertion order
	List(ctx context.Context) ([]*domain.Credential, error)

	// Get retrieves a credential by id
	Get(ctx context.Context, id string) (*domain.Credential, error)

	// GetByIndex retrieves the active credential at position i (mod active count)
	GetByIndex(ctx context.Context, i int) (*domain.Credential, error)

	// Create inserts a new credential
	Create(ctx context.Context, cred *domain.Credential) error

	// UpdateUsage stores the last-used timestamp and request count
	UpdateUsage(ctx context.Context, id string, usedAt time.Time, requestCount int64) error

	// UpdateErrors stores the cumulative error count
	UpdateErrors(ctx context.Context, id string, errorCount int64) error

	// SetActive updates the active flag
	SetActive(ctx context.Context, id string, active bool) error

	// SetCooldown stores the cooldown deadline, nil clears it
	SetCooldown(ctx context.Context, id string, until *time.Time) error
}

// AssetRepository handles media asset ownership records
type AssetRepository interface {
	// Save stores an asset and its owner
	Save(ctx context.Context, asset *domain.MediaAsset) error

	// Get retrieves an asset by id
	Get(ctx context.Context, id string) (*domain.MediaAsset, error)
}

// JobRepository handles generation job persistence
type JobRepository interface {
	// Create inserts a new job
	Create(ctx context.Context, job *domain.GenerationJob) error

	// Update stores state, handle, credential, retry count, error and result
	Update(ctx context.Context, job *domain.GenerationJob) error

	// Get retrieves a job by id
	Get(ctx context.Context, id string) (*domain.GenerationJob, error)

	// GetByHandle retrieves a job by its provider operation handle
	GetByHandle(ctx context.Context, handle string) (*domain.GenerationJob, error)

	// ListByBatch returns the jobs of a batch ordered by item index
	ListByBatch(ctx context.Context, batchID string) ([]*domain.GenerationJob, error)
}

// BatchRepository handles batch persistence
type BatchRepository interface {
	// Create inserts a new batch with its assignment map
	Create(ctx context.Context, batch *domain.BatchRequest) error

	// UpdateProgress stores the aggregate counters and finish time
	UpdateProgress(ctx context.Context, batch *domain.BatchRequest) error

	// Get retrieves a batch by id
	Get(ctx context.Context, id string) (*domain.BatchRequest, error)
}

// Store groups the repositories a process needs.
type Store struct {
	Credentials CredentialRepository
	Assets      AssetRepository
	Jobs        JobRepository
	Batches     BatchRepository
}
