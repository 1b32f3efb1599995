package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/vietddude/genrelay/internal/core/domain"
	"github.com/vietddude/genrelay/internal/infra/storage"
)

// MemoryStorage keeps every record in process memory. Records are copied on
// the way in and out so callers never share state with the store.
type MemoryStorage struct {
	credentials map[string]*domain.Credential
	assets      map[string]*domain.MediaAsset
	jobs        map[string]*domain.GenerationJob
	batches     map[string]*domain.BatchRequest
	seq         int64
	mu          sync.RWMutex
}

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		credentials: make(map[string]*domain.Credential),
		assets:      make(map[string]*domain.MediaAsset),
		jobs:        make(map[string]*domain.GenerationJob),
		batches:     make(map[string]*domain.BatchRequest),
	}
}

// Store returns all repositories backed by this storage.
func (s *MemoryStorage) Store() *storage.Store {
	return &storage.Store{
		Credentials: NewCredentialRepo(s),
		Assets:      NewAssetRepo(s),
		Jobs:        NewJobRepo(s),
		Batches:     NewBatchRepo(s),
	}
}

// -----------------------------------------------------------------------------
// Credential Repository
// -----------------------------------------------------------------------------

type CredentialRepo struct {
	store *MemoryStorage
}

func NewCredentialRepo(store *MemoryStorage) *CredentialRepo {
	return &CredentialRepo{store: store}
}

func (r *CredentialRepo) sorted() []*domain.Credential {
	out := make([]*domain.Credential, 0, len(r.store.credentials))
	for _, c := range r.store.credentials {
		cp := *c
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out
}

func (r *CredentialRepo) List(ctx context.Context) ([]*domain.Credential, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	return r.sorted(), nil
}

func (r *CredentialRepo) Get(ctx context.Context, id string) (*domain.Credential, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	c, ok := r.store.credentials[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (r *CredentialRepo) GetByIndex(ctx context.Context, i int) (*domain.Credential, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	active := make([]*domain.Credential, 0)
	for _, c := range r.sorted() {
		if c.Active {
			active = append(active, c)
		}
	}
	if len(active) == 0 || i < 0 {
		return nil, storage.ErrNotFound
	}
	return active[i%len(active)], nil
}

func (r *CredentialRepo) Create(ctx context.Context, cred *domain.Credential) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	if _, ok := r.store.credentials[cred.ID]; ok {
		return storage.ErrDuplicate
	}
	r.store.seq++
	if cred.Seq == 0 {
		cred.Seq = r.store.seq
	}
	if cred.CreatedAt.IsZero() {
		cred.CreatedAt = time.Now()
	}
	cp := *cred
	r.store.credentials[cred.ID] = &cp
	return nil
}

func (r *CredentialRepo) mutate(id string, fn func(c *domain.Credential)) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	c, ok := r.store.credentials[id]
	if !ok {
		return storage.ErrNotFound
	}
	fn(c)
	return nil
}

func (r *CredentialRepo) UpdateUsage(ctx context.Context, id string, usedAt time.Time, requestCount int64) error {
	return r.mutate(id, func(c *domain.Credential) {
		t := usedAt
		c.LastUsedAt = &t
		c.RequestCount = requestCount
	})
}

func (r *CredentialRepo) UpdateErrors(ctx context.Context, id string, errorCount int64) error {
	return r.mutate(id, func(c *domain.Credential) { c.ErrorCount = errorCount })
}

func (r *CredentialRepo) SetActive(ctx context.Context, id string, active bool) error {
	return r.mutate(id, func(c *domain.Credential) { c.Active = active })
}

func (r *CredentialRepo) SetCooldown(ctx context.Context, id string, until *time.Time) error {
	return r.mutate(id, func(c *domain.Credential) {
		if until == nil {
			c.CooldownUntil = nil
			return
		}
		t := *until
		c.CooldownUntil = &t
	})
}

// -----------------------------------------------------------------------------
// Asset Repository
// -----------------------------------------------------------------------------

type AssetRepo struct{ store *MemoryStorage }

func NewAssetRepo(s *MemoryStorage) *AssetRepo { return &AssetRepo{store: s} }

func (r *AssetRepo) Save(ctx context.Context, a *domain.MediaAsset) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	cp := *a
	r.store.assets[a.ID] = &cp
	return nil
}

func (r *AssetRepo) Get(ctx context.Context, id string) (*domain.MediaAsset, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	a, ok := r.store.assets[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	cp := *a
	return &cp, nil
}

// -----------------------------------------------------------------------------
// Job Repository
// -----------------------------------------------------------------------------

type JobRepo struct{ store *MemoryStorage }

func NewJobRepo(s *MemoryStorage) *JobRepo { return &JobRepo{store: s} }

func (r *JobRepo) Create(ctx context.Context, job *domain.GenerationJob) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	if _, ok := r.store.jobs[job.ID]; ok {
		return storage.ErrDuplicate
	}
	cp := *job
	r.store.jobs[job.ID] = &cp
	return nil
}

func (r *JobRepo) Update(ctx context.Context, job *domain.GenerationJob) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	if _, ok := r.store.jobs[job.ID]; !ok {
		return storage.ErrNotFound
	}
	cp := *job
	r.store.jobs[job.ID] = &cp
	return nil
}

func (r *JobRepo) Get(ctx context.Context, id string) (*domain.GenerationJob, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	j, ok := r.store.jobs[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	cp := *j
	return &cp, nil
}

func (r *JobRepo) GetByHandle(ctx context.Context, handle string) (*domain.GenerationJob, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	for _, j := range r.store.jobs {
		if handle != "" && j.OperationHandle == handle {
			cp := *j
			return &cp, nil
		}
	}
	return nil, storage.ErrNotFound
}

func (r *JobRepo) ListByBatch(ctx context.Context, batchID string) ([]*domain.GenerationJob, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	var out []*domain.GenerationJob
	for _, j := range r.store.jobs {
		if j.BatchID == batchID {
			cp := *j
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, k int) bool { return out[i].Index < out[k].Index })
	return out, nil
}

// -----------------------------------------------------------------------------
// Batch Repository
// -----------------------------------------------------------------------------

type BatchRepo struct{ store *MemoryStorage }

func NewBatchRepo(s *MemoryStorage) *BatchRepo { return &BatchRepo{store: s} }

func (r *BatchRepo) Create(ctx context.Context, b *domain.BatchRequest) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	if _, ok := r.store.batches[b.ID]; ok {
		return storage.ErrDuplicate
	}
	cp := *b
	cp.Assignments = append([]string(nil), b.Assignments...)
	cp.Jobs = nil
	r.store.batches[b.ID] = &cp
	return nil
}

func (r *BatchRepo) UpdateProgress(ctx context.Context, b *domain.BatchRequest) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	stored, ok := r.store.batches[b.ID]
	if !ok {
		return storage.ErrNotFound
	}
	stored.Completed = b.Completed
	stored.Failed = b.Failed
	stored.FinishedAt = b.FinishedAt
	return nil
}

func (r *BatchRepo) Get(ctx context.Context, id string) (*domain.BatchRequest, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	b, ok := r.store.batches[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	cp := *b
	cp.Assignments = append([]string(nil), b.Assignments...)
	return &cp, nil
}
