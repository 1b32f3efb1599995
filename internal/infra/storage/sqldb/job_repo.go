package sqldb

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/vietddude/genrelay/internal/core/domain"
	"github.com/vietddude/genrelay/internal/infra/storage"
)

// -----------------------------------------------------------------------------
// Asset Repository
// -----------------------------------------------------------------------------

// AssetRepo implements storage.AssetRepository using SQL.
type AssetRepo struct {
	db *DB
}

// NewAssetRepo creates a new SQL asset repository.
func NewAssetRepo(db *DB) *AssetRepo {
	return &AssetRepo{db: db}
}

// Save stores an asset and its owner, replacing an existing record.
func (r *AssetRepo) Save(ctx context.Context, asset *domain.MediaAsset) error {
	if asset.CreatedAt.IsZero() {
		asset.CreatedAt = time.Now().UTC()
	}
	_, err := r.db.NamedExecContext(ctx, `
		INSERT INTO media_assets (id, owner_id, job_id, created_at)
		VALUES (:id, :owner_id, :job_id, :created_at)
		ON CONFLICT (id) DO UPDATE SET owner_id = excluded.owner_id, job_id = excluded.job_id`, asset)
	if err != nil {
		return fmt.Errorf("failed to save media asset: %w", err)
	}
	return nil
}

// Get retrieves an asset by id.
func (r *AssetRepo) Get(ctx context.Context, id string) (*domain.MediaAsset, error) {
	var asset domain.MediaAsset
	query := r.db.Rebind(`SELECT id, owner_id, job_id, created_at FROM media_assets WHERE id = ?`)
	err := r.db.GetContext(ctx, &asset, query, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get media asset: %w", err)
	}
	return &asset, nil
}

// -----------------------------------------------------------------------------
// Job Repository
// -----------------------------------------------------------------------------

const jobColumns = `id, batch_id, item_index, kind, state, operation_handle, credential_id, asset_id,
	retry_count, silent_retries, last_error, result_ref, spec, created_at, updated_at, completed_at`

// jobRow carries the spec as a JSON column.
type jobRow struct {
	domain.GenerationJob
	SpecJSON string `db:"spec"`
}

func toJobRow(job *domain.GenerationJob) (*jobRow, error) {
	spec, err := json.Marshal(job.Spec)
	if err != nil {
		return nil, fmt.Errorf("failed to encode job spec: %w", err)
	}
	return &jobRow{GenerationJob: *job, SpecJSON: string(spec)}, nil
}

func (row *jobRow) job() *domain.GenerationJob {
	job := row.GenerationJob
	if row.SpecJSON != "" {
		_ = json.Unmarshal([]byte(row.SpecJSON), &job.Spec)
	}
	return &job
}

// JobRepo implements storage.JobRepository using SQL.
type JobRepo struct {
	db *DB
}

// NewJobRepo creates a new SQL job repository.
func NewJobRepo(db *DB) *JobRepo {
	return &JobRepo{db: db}
}

// Create inserts a new job.
func (r *JobRepo) Create(ctx context.Context, job *domain.GenerationJob) error {
	now := time.Now().UTC()
	if job.CreatedAt.IsZero() {
		job.CreatedAt = now
	}
	if job.UpdatedAt.IsZero() {
		job.UpdatedAt = job.CreatedAt
	}
	row, err := toJobRow(job)
	if err != nil {
		return err
	}
	_, err = r.db.NamedExecContext(ctx, `
		INSERT INTO generation_jobs (`+jobColumns+`)
		VALUES (:id, :batch_id, :item_index, :kind, :state, :operation_handle, :credential_id, :asset_id,
			:retry_count, :silent_retries, :last_error, :result_ref, :spec, :created_at, :updated_at, :completed_at)`, row)
	if isUniqueViolation(err) {
		return storage.ErrDuplicate
	}
	if err != nil {
		return fmt.Errorf("failed to create job: %w", err)
	}
	return nil
}

// Update stores the mutable job fields.
func (r *JobRepo) Update(ctx context.Context, job *domain.GenerationJob) error {
	job.UpdatedAt = time.Now().UTC()
	row, err := toJobRow(job)
	if err != nil {
		return err
	}
	res, err := r.db.NamedExecContext(ctx, `
		UPDATE generation_jobs SET
			state = :state,
			operation_handle = :operation_handle,
			credential_id = :credential_id,
			asset_id = :asset_id,
			retry_count = :retry_count,
			silent_retries = :silent_retries,
			last_error = :last_error,
			result_ref = :result_ref,
			spec = :spec,
			updated_at = :updated_at,
			completed_at = :completed_at
		WHERE id = :id`, row)
	if err != nil {
		return fmt.Errorf("failed to update job: %w", err)
	}
	return requireRow(res)
}

// Get retrieves a job by id.
func (r *JobRepo) Get(ctx context.Context, id string) (*domain.GenerationJob, error) {
	return r.getBy(ctx, "id", id)
}

// GetByHandle retrieves a job by its provider operation handle.
func (r *JobRepo) GetByHandle(ctx context.Context, handle string) (*domain.GenerationJob, error) {
	if handle == "" {
		return nil, storage.ErrNotFound
	}
	return r.getBy(ctx, "operation_handle", handle)
}

func (r *JobRepo) getBy(ctx context.Context, column, value string) (*domain.GenerationJob, error) {
	var row jobRow
	query := r.db.Rebind(`SELECT ` + jobColumns + ` FROM generation_jobs WHERE ` + column + ` = ? LIMIT 1`)
	err := r.db.GetContext(ctx, &row, query, value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	return row.job(), nil
}

// ListByBatch returns the jobs of a batch ordered by item index.
func (r *JobRepo) ListByBatch(ctx context.Context, batchID string) ([]*domain.GenerationJob, error) {
	var rows []jobRow
	query := r.db.Rebind(`SELECT ` + jobColumns + ` FROM generation_jobs WHERE batch_id = ? ORDER BY item_index`)
	if err := r.db.SelectContext(ctx, &rows, query, batchID); err != nil {
		return nil, fmt.Errorf("failed to list batch jobs: %w", err)
	}
	jobs := make([]*domain.GenerationJob, 0, len(rows))
	for i := range rows {
		jobs = append(jobs, rows[i].job())
	}
	return jobs, nil
}

// -----------------------------------------------------------------------------
// Batch Repository
// -----------------------------------------------------------------------------

// batchRow carries the assignment map as a JSON column.
type batchRow struct {
	domain.BatchRequest
	AssignmentsJSON string `db:"assignments"`
}

// BatchRepo implements storage.BatchRepository using SQL.
type BatchRepo struct {
	db *DB
}

// NewBatchRepo creates a new SQL batch repository.
func NewBatchRepo(db *DB) *BatchRepo {
	return &BatchRepo{db: db}
}

// Create inserts a new batch with its assignment map.
func (r *BatchRepo) Create(ctx context.Context, batch *domain.BatchRequest) error {
	if batch.CreatedAt.IsZero() {
		batch.CreatedAt = time.Now().UTC()
	}
	assignments, err := json.Marshal(batch.Assignments)
	if err != nil {
		return fmt.Errorf("failed to encode assignments: %w", err)
	}
	row := batchRow{BatchRequest: *batch, AssignmentsJSON: string(assignments)}
	_, err = r.db.NamedExecContext(ctx, `
		INSERT INTO batches (id, total, completed, failed, assignments, aspect_ratio, created_at, finished_at)
		VALUES (:id, :total, :completed, :failed, :assignments, :aspect_ratio, :created_at, :finished_at)`, row)
	if isUniqueViolation(err) {
		return storage.ErrDuplicate
	}
	if err != nil {
		return fmt.Errorf("failed to create batch: %w", err)
	}
	return nil
}

// UpdateProgress stores the aggregate counters and finish time.
func (r *BatchRepo) UpdateProgress(ctx context.Context, batch *domain.BatchRequest) error {
	query := r.db.Rebind(`UPDATE batches SET completed = ?, failed = ?, finished_at = ? WHERE id = ?`)
	res, err := r.db.ExecContext(ctx, query, batch.Completed, batch.Failed, batch.FinishedAt, batch.ID)
	if err != nil {
		return fmt.Errorf("failed to update batch progress: %w", err)
	}
	return requireRow(res)
}

// Get retrieves a batch by id.
func (r *BatchRepo) Get(ctx context.Context, id string) (*domain.BatchRequest, error) {
	var row batchRow
	query := r.db.Rebind(`SELECT id, total, completed, failed, assignments, aspect_ratio, created_at, finished_at
		FROM batches WHERE id = ?`)
	err := r.db.GetContext(ctx, &row, query, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get batch: %w", err)
	}
	batch := row.BatchRequest
	if err := json.Unmarshal([]byte(row.AssignmentsJSON), &batch.Assignments); err != nil {
		return nil, fmt.Errorf("failed to decode assignments: %w", err)
	}
	return &batch, nil
}
