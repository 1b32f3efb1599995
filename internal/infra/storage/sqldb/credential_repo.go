package sqldb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/vietddude/genrelay/internal/core/domain"
	"github.com/vietddude/genrelay/internal/infra/storage"
)

const credentialColumns = `id, secret, label, active, last_used_at, request_count, error_count,
	cooldown_until, created_at, seq`

// CredentialRepo implements storage.CredentialRepository using SQL.
type CredentialRepo struct {
	db *DB
}

// NewCredentialRepo creates a new SQL credential repository.
func NewCredentialRepo(db *DB) *CredentialRepo {
	return &CredentialRepo{db: db}
}

// List returns every credential in insertion order.
func (r *CredentialRepo) List(ctx context.Context) ([]*domain.Credential, error) {
	var creds []*domain.Credential
	query := `SELECT ` + credentialColumns + ` FROM credentials ORDER BY seq`
	if err := r.db.SelectContext(ctx, &creds, query); err != nil {
		return nil, fmt.Errorf("failed to list credentials: %w", err)
	}
	return creds, nil
}

// Get retrieves a credential by id.
func (r *CredentialRepo) Get(ctx context.Context, id string) (*domain.Credential, error) {
	var cred domain.Credential
	query := r.db.Rebind(`SELECT ` + credentialColumns + ` FROM credentials WHERE id = ?`)
	err := r.db.GetContext(ctx, &cred, query, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get credential: %w", err)
	}
	return &cred, nil
}

// GetByIndex retrieves the active credential at position i mod the active count.
func (r *CredentialRepo) GetByIndex(ctx context.Context, i int) (*domain.Credential, error) {
	var active []*domain.Credential
	query := r.db.Rebind(`SELECT ` + credentialColumns + ` FROM credentials WHERE active = ? ORDER BY seq`)
	if err := r.db.SelectContext(ctx, &active, query, true); err != nil {
		return nil, fmt.Errorf("failed to list active credentials: %w", err)
	}
	if len(active) == 0 || i < 0 {
		return nil, storage.ErrNotFound
	}
	return active[i%len(active)], nil
}

// Create inserts a new credential, assigning the next insertion sequence
// when the credential has none.
func (r *CredentialRepo) Create(ctx context.Context, cred *domain.Credential) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if cred.Seq == 0 {
		var maxSeq int64
		if err := tx.GetContext(ctx, &maxSeq, `SELECT COALESCE(MAX(seq), 0) FROM credentials`); err != nil {
			return fmt.Errorf("failed to read credential sequence: %w", err)
		}
		cred.Seq = maxSeq + 1
	}
	if cred.CreatedAt.IsZero() {
		cred.CreatedAt = time.Now().UTC()
	}

	_, err = tx.NamedExecContext(ctx, `
		INSERT INTO credentials (`+credentialColumns+`)
		VALUES (:id, :secret, :label, :active, :last_used_at, :request_count, :error_count,
			:cooldown_until, :created_at, :seq)`, cred)
	if isUniqueViolation(err) {
		return storage.ErrDuplicate
	}
	if err != nil {
		return fmt.Errorf("failed to create credential: %w", err)
	}
	return tx.Commit()
}

// UpdateUsage stores the last-used timestamp and request count.
func (r *CredentialRepo) UpdateUsage(ctx context.Context, id string, usedAt time.Time, requestCount int64) error {
	return r.exec(ctx, "usage",
		`UPDATE credentials SET last_used_at = ?, request_count = ? WHERE id = ?`,
		usedAt.UTC(), requestCount, id)
}

// UpdateErrors stores the cumulative error count.
func (r *CredentialRepo) UpdateErrors(ctx context.Context, id string, errorCount int64) error {
	return r.exec(ctx, "errors",
		`UPDATE credentials SET error_count = ? WHERE id = ?`,
		errorCount, id)
}

// SetActive updates the active flag.
func (r *CredentialRepo) SetActive(ctx context.Context, id string, active bool) error {
	return r.exec(ctx, "active flag",
		`UPDATE credentials SET active = ? WHERE id = ?`,
		active, id)
}

// SetCooldown stores the cooldown deadline; nil clears it.
func (r *CredentialRepo) SetCooldown(ctx context.Context, id string, until *time.Time) error {
	var v any
	if until != nil {
		v = until.UTC()
	}
	return r.exec(ctx, "cooldown",
		`UPDATE credentials SET cooldown_until = ? WHERE id = ?`,
		v, id)
}

func (r *CredentialRepo) exec(ctx context.Context, what, query string, args ...any) error {
	res, err := r.db.ExecContext(ctx, r.db.Rebind(query), args...)
	if err != nil {
		return fmt.Errorf("failed to update credential %s: %w", what, err)
	}
	return requireRow(res)
}

// requireRow maps an update that touched nothing to storage.ErrNotFound.
func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return nil
	}
	if n == 0 {
		return storage.ErrNotFound
	}
	return nil
}
