// Package pool implements the process-wide credential registry.
//
// The pool is constructed once per process (usually from the credential
// repository via Load) and is authoritative afterwards. Every acquisition
// updates usage metadata under the same lock that performed the selection,
// so a concurrent caller always observes the previous caller's pick.
// Persisted copies are written through after the in-memory update and are
// only used for restart recovery.
package pool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vietddude/genrelay/internal/core/domain"
	"github.com/vietddude/genrelay/internal/infra/storage"
)

var (
	// ErrNoCredentials is returned when no eligible credential exists.
	ErrNoCredentials = errors.New("no credentials available")

	// ErrUnknownCredential is returned for ids the pool has never seen.
	ErrUnknownCredential = errors.New("unknown credential")
)

// CooldownStore mirrors cooldown deadlines outside the process.
type CooldownStore interface {
	SetCooldown(ctx context.Context, id string, until time.Time) error
	Cooldowns(ctx context.Context) (map[string]time.Time, error)
}

// QuotaGate caps how often a credential may be handed out.
type QuotaGate interface {
	Allow(id string) bool
	Record(id string)
}

// Option configures a Pool.
type Option func(*Pool)

// WithRepository enables write-through persistence.
func WithRepository(repo storage.CredentialRepository) Option {
	return func(p *Pool) { p.repo = repo }
}

// WithCooldownStore mirrors cooldowns to an external store.
func WithCooldownStore(s CooldownStore) Option {
	return func(p *Pool) { p.cooldowns = s }
}

// WithQuota skips credentials whose quota is spent in AcquireNext.
func WithQuota(q QuotaGate) Option {
	return func(p *Pool) { p.quota = q }
}

// WithOnChange registers a callback invoked with the active count after
// any change to the set of active credentials.
func WithOnChange(fn func(active int)) Option {
	return func(p *Pool) { p.onChange = fn }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(p *Pool) { p.now = now }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(p *Pool) { p.logger = l }
}

// Pool is a concurrency-safe registry of credentials.
type Pool struct {
	mu    sync.Mutex
	addMu sync.Mutex // serializes Add across the persistence call
	creds []*domain.Credential // insertion order
	byID  map[string]*domain.Credential

	// lastStamp keeps usage timestamps strictly increasing so LRU order
	// stays exact even when the clock does not advance between calls.
	lastStamp time.Time
	nextSeq   int64

	repo      storage.CredentialRepository
	cooldowns CooldownStore
	quota     QuotaGate
	onChange  func(active int)
	now       func() time.Time
	logger    *slog.Logger
}

// New builds a pool from creds. The slice order is the insertion order
// unless the credentials carry their own Seq values.
func New(creds []*domain.Credential, opts ...Option) *Pool {
	p := &Pool{
		byID:   make(map[string]*domain.Credential, len(creds)),
		now:    time.Now,
		logger: slog.Default().With("component", "pool"),
	}
	for _, opt := range opts {
		opt(p)
	}
	for _, c := range creds {
		p.insert(c)
	}
	p.notify()
	return p
}

// Load builds a pool from the repository and restores cooldowns from the
// cooldown store when one is configured.
func Load(ctx context.Context, repo storage.CredentialRepository, opts ...Option) (*Pool, error) {
	creds, err := repo.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("list credentials: %w", err)
	}
	p := New(creds, append([]Option{WithRepository(repo)}, opts...)...)

	if p.cooldowns != nil {
		until, err := p.cooldowns.Cooldowns(ctx)
		if err != nil {
			p.logger.Warn("Failed to restore cooldowns", "error", err)
		}
		p.mu.Lock()
		for id, t := range until {
			if c, ok := p.byID[id]; ok && t.After(p.now()) {
				deadline := t
				c.CooldownUntil = &deadline
			}
		}
		p.mu.Unlock()
	}

	p.logger.Info("Credential pool loaded", "total", len(creds), "active", p.ActiveCount())
	return p, nil
}

func (p *Pool) insert(c *domain.Credential) {
	cp := *c
	if cp.Seq == 0 {
		cp.Seq = p.nextSeq + 1
	}
	if cp.Seq > p.nextSeq {
		p.nextSeq = cp.Seq
	}
	if cp.LastUsedAt != nil && cp.LastUsedAt.After(p.lastStamp) {
		p.lastStamp = *cp.LastUsedAt
	}
	p.creds = append(p.creds, &cp)
	p.byID[cp.ID] = &cp
}

// lessRecent orders credentials least-recently-used first, never-used
// credentials before used ones, ties broken by insertion order.
func lessRecent(a, b *domain.Credential) bool {
	switch {
	case a.LastUsedAt == nil && b.LastUsedAt == nil:
		return a.Seq < b.Seq
	case a.LastUsedAt == nil:
		return true
	case b.LastUsedAt == nil:
		return false
	case a.LastUsedAt.Equal(*b.LastUsedAt):
		return a.Seq < b.Seq
	default:
		return a.LastUsedAt.Before(*b.LastUsedAt)
	}
}

// stamp returns a usage timestamp strictly after every previous one.
func (p *Pool) stamp() time.Time {
	now := p.now()
	if !now.After(p.lastStamp) {
		now = p.lastStamp.Add(time.Nanosecond)
	}
	p.lastStamp = now
	return now
}

// touch records a use of c. Caller holds p.mu.
func (p *Pool) touch(c *domain.Credential) domain.Credential {
	used := p.stamp()
	c.LastUsedAt = &used
	c.RequestCount++
	if p.quota != nil {
		p.quota.Record(c.ID)
	}
	return *c
}

// AcquireNext returns the least-recently-used active credential that is not
// excluded, not cooling down and within quota, and marks it used.
func (p *Pool) AcquireNext(ctx context.Context, excluding *ExclusionSet) (domain.Credential, error) {
	p.mu.Lock()
	now := p.now()
	var best *domain.Credential
	for _, c := range p.creds {
		if !c.Eligible(now) || excluding.Contains(c.ID) {
			continue
		}
		if p.quota != nil && !p.quota.Allow(c.ID) {
			continue
		}
		if best == nil || lessRecent(c, best) {
			best = c
		}
	}
	if best == nil {
		p.mu.Unlock()
		return domain.Credential{}, ErrNoCredentials
	}
	got := p.touch(best)
	p.mu.Unlock()

	p.persistUsage(ctx, got)
	return got, nil
}

// RoundRobin returns the ids of the currently active credentials assigned to
// n items by position: item i gets active[i mod len(active)]. The mapping is
// computed once from a single snapshot.
func (p *Pool) RoundRobin(n int) ([]string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	active := p.activeLocked()
	if len(active) == 0 {
		return nil, ErrNoCredentials
	}
	out := make([]string, n)
	for i := range out {
		out[i] = active[i%len(active)].ID
	}
	return out, nil
}

// AcquireByIndex returns the active credential at position i mod the number
// of active credentials and marks it used.
func (p *Pool) AcquireByIndex(ctx context.Context, i int) (domain.Credential, error) {
	p.mu.Lock()
	active := p.activeLocked()
	if len(active) == 0 || i < 0 {
		p.mu.Unlock()
		return domain.Credential{}, ErrNoCredentials
	}
	got := p.touch(active[i%len(active)])
	p.mu.Unlock()

	p.persistUsage(ctx, got)
	return got, nil
}

// AcquireForAsset returns exactly the credential that owns an asset. It never
// substitutes another credential and ignores cooldowns, since asset-scoped
// calls cannot go anywhere else.
func (p *Pool) AcquireForAsset(ctx context.Context, ownerID string) (domain.Credential, error) {
	p.mu.Lock()
	c, ok := p.byID[ownerID]
	if !ok || !c.Active {
		p.mu.Unlock()
		return domain.Credential{}, ErrNoCredentials
	}
	got := p.touch(c)
	p.mu.Unlock()

	p.persistUsage(ctx, got)
	return got, nil
}

// Acquire returns a specific credential if it is eligible, marking it used.
func (p *Pool) Acquire(ctx context.Context, id string) (domain.Credential, error) {
	p.mu.Lock()
	c, ok := p.byID[id]
	if !ok || !c.Eligible(p.now()) {
		p.mu.Unlock()
		return domain.Credential{}, ErrNoCredentials
	}
	got := p.touch(c)
	p.mu.Unlock()

	p.persistUsage(ctx, got)
	return got, nil
}

// RecordTransientError increments the error counter without deactivating.
func (p *Pool) RecordTransientError(ctx context.Context, id string) {
	p.mu.Lock()
	c, ok := p.byID[id]
	if !ok {
		p.mu.Unlock()
		return
	}
	c.ErrorCount++
	count := c.ErrorCount
	p.mu.Unlock()

	if p.repo != nil {
		if err := p.repo.UpdateErrors(ctx, id, count); err != nil {
			p.logger.Warn("Failed to persist error count", "credential", id, "error", err)
		}
	}
}

// RetirePermanently deactivates a credential. Callers already holding it
// keep using it; no later acquisition returns it.
func (p *Pool) RetirePermanently(ctx context.Context, id string) {
	p.mu.Lock()
	c, ok := p.byID[id]
	if !ok || !c.Active {
		p.mu.Unlock()
		return
	}
	c.Active = false
	label := c.Label
	p.mu.Unlock()

	p.logger.Warn("Credential retired", "credential", id, "label", label)
	if p.repo != nil {
		if err := p.repo.SetActive(ctx, id, false); err != nil {
			p.logger.Warn("Failed to persist retirement", "credential", id, "error", err)
		}
	}
	p.notify()
}

// Cooldown keeps a credential out of AcquireNext for d.
func (p *Pool) Cooldown(ctx context.Context, id string, d time.Duration) {
	if d <= 0 {
		return
	}
	p.mu.Lock()
	c, ok := p.byID[id]
	if !ok {
		p.mu.Unlock()
		return
	}
	until := p.now().Add(d)
	c.CooldownUntil = &until
	p.mu.Unlock()

	if p.repo != nil {
		if err := p.repo.SetCooldown(ctx, id, &until); err != nil {
			p.logger.Warn("Failed to persist cooldown", "credential", id, "error", err)
		}
	}
	if p.cooldowns != nil {
		if err := p.cooldowns.SetCooldown(ctx, id, until); err != nil {
			p.logger.Warn("Failed to mirror cooldown", "credential", id, "error", err)
		}
	}
}

// Add registers a new active credential and persists it when a repository
// is configured.
func (p *Pool) Add(ctx context.Context, secret, label string) (domain.Credential, error) {
	if secret == "" {
		return domain.Credential{}, errors.New("credential secret is empty")
	}
	cred := &domain.Credential{
		ID:        uuid.NewString(),
		Secret:    secret,
		Label:     label,
		Active:    true,
		CreatedAt: p.now(),
	}

	p.addMu.Lock()
	defer p.addMu.Unlock()

	p.mu.Lock()
	for _, c := range p.creds {
		if c.Secret == secret {
			p.mu.Unlock()
			return domain.Credential{}, storage.ErrDuplicate
		}
	}
	p.nextSeq++
	cred.Seq = p.nextSeq
	p.mu.Unlock()

	if p.repo != nil {
		if err := p.repo.Create(ctx, cred); err != nil {
			return domain.Credential{}, fmt.Errorf("persist credential: %w", err)
		}
	}

	p.mu.Lock()
	p.insert(cred)
	got := *p.byID[cred.ID]
	p.mu.Unlock()

	p.logger.Info("Credential added", "credential", got.ID, "label", label)
	p.notify()
	return got, nil
}

// Lookup returns the active credential with id without recording a use.
// Status checks on an issued operation go through here so they neither
// count against quota nor disturb LRU order.
func (p *Pool) Lookup(id string) (domain.Credential, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	c, ok := p.byID[id]
	if !ok || !c.Active {
		return domain.Credential{}, ErrNoCredentials
	}
	return *c, nil
}

// Get returns a copy of the credential with id.
func (p *Pool) Get(id string) (domain.Credential, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	c, ok := p.byID[id]
	if !ok {
		return domain.Credential{}, ErrUnknownCredential
	}
	return *c, nil
}

// Snapshot returns copies of every credential in insertion order.
func (p *Pool) Snapshot() []domain.Credential {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]domain.Credential, len(p.creds))
	for i, c := range p.creds {
		out[i] = *c
	}
	return out
}

// ActiveCount returns the number of credentials not retired.
func (p *Pool) ActiveCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.activeLocked())
}

func (p *Pool) activeLocked() []*domain.Credential {
	active := make([]*domain.Credential, 0, len(p.creds))
	for _, c := range p.creds {
		if c.Active {
			active = append(active, c)
		}
	}
	return active
}

func (p *Pool) notify() {
	if p.onChange != nil {
		p.onChange(p.ActiveCount())
	}
}

func (p *Pool) persistUsage(ctx context.Context, c domain.Credential) {
	if p.repo == nil {
		return
	}
	if err := p.repo.UpdateUsage(ctx, c.ID, *c.LastUsedAt, c.RequestCount); err != nil {
		p.logger.Warn("Failed to persist credential usage", "credential", c.ID, "error", err)
	}
}
