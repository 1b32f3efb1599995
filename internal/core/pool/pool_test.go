package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/vietddude/genrelay/internal/core/domain"
	"github.com/vietddude/genrelay/internal/infra/storage"
	"github.com/vietddude/genrelay/internal/infra/storage/memory"
)

func newCreds(n int) []*domain.Credential {
	out := make([]*domain.Credential, n)
	for i := range out {
		out[i] = &domain.Credential{
			ID:     fmt.Sprintf("cred-%d", i),
			Secret: fmt.Sprintf("secret-%d", i),
			Label:  fmt.Sprintf("key %d", i),
			Active: true,
		}
	}
	return out
}

type fixedClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fixedClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fixedClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func TestAcquireNext_LRUWithInsertionTieBreak(t *testing.T) {
	clock := &fixedClock{now: time.Unix(1_700_000_000, 0)}
	p := New(newCreds(3), WithClock(clock.Now))
	ctx := context.Background()

	var got []string
	for range 6 {
		c, err := p.AcquireNext(ctx, nil)
		if err != nil {
			t.Fatalf("AcquireNext: %v", err)
		}
		got = append(got, c.ID)
	}

	want := []string{"cred-0", "cred-1", "cred-2", "cred-0", "cred-1", "cred-2"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("acquire order = %v, want %v", got, want)
		}
	}
}

func TestAcquireNext_UpdatesUsage(t *testing.T) {
	p := New(newCreds(1))
	c, err := p.AcquireNext(context.Background(), nil)
	if err != nil {
		t.Fatalf("AcquireNext: %v", err)
	}
	if c.RequestCount != 1 || c.LastUsedAt == nil {
		t.Errorf("usage not updated: count=%d lastUsed=%v", c.RequestCount, c.LastUsedAt)
	}
	stored, _ := p.Get(c.ID)
	if stored.RequestCount != 1 {
		t.Errorf("stored request count = %d, want 1", stored.RequestCount)
	}
}

func TestAcquireNext_Exclusion(t *testing.T) {
	p := New(newCreds(3))
	ctx := context.Background()

	excl := NewExclusionSet("cred-0", "cred-1")
	for range 5 {
		c, err := p.AcquireNext(ctx, excl)
		if err != nil {
			t.Fatalf("AcquireNext: %v", err)
		}
		if c.ID != "cred-2" {
			t.Fatalf("got %s, want cred-2", c.ID)
		}
	}

	excl.Add("cred-2")
	if _, err := p.AcquireNext(ctx, excl); !errors.Is(err, ErrNoCredentials) {
		t.Errorf("err = %v, want ErrNoCredentials", err)
	}
}

func TestAcquireNext_SkipsCooldown(t *testing.T) {
	clock := &fixedClock{now: time.Unix(1_700_000_000, 0)}
	p := New(newCreds(2), WithClock(clock.Now))
	ctx := context.Background()

	p.Cooldown(ctx, "cred-0", time.Minute)
	c, err := p.AcquireNext(ctx, nil)
	if err != nil || c.ID != "cred-1" {
		t.Fatalf("got %s (%v), want cred-1", c.ID, err)
	}
	p.Cooldown(ctx, "cred-1", time.Minute)
	if _, err := p.AcquireNext(ctx, nil); !errors.Is(err, ErrNoCredentials) {
		t.Errorf("err = %v, want ErrNoCredentials while cooling down", err)
	}

	clock.Advance(2 * time.Minute)
	if _, err := p.AcquireNext(ctx, nil); err != nil {
		t.Errorf("cooldown should have expired: %v", err)
	}
}

func TestInactiveNeverReturned(t *testing.T) {
	p := New(newCreds(3))
	ctx := context.Background()
	p.RetirePermanently(ctx, "cred-1")

	for i := range 9 {
		c, err := p.AcquireNext(ctx, nil)
		if err != nil {
			t.Fatalf("AcquireNext: %v", err)
		}
		if c.ID == "cred-1" {
			t.Fatal("AcquireNext returned a retired credential")
		}
		c, err = p.AcquireByIndex(ctx, i)
		if err != nil {
			t.Fatalf("AcquireByIndex: %v", err)
		}
		if c.ID == "cred-1" {
			t.Fatal("AcquireByIndex returned a retired credential")
		}
	}
	if _, err := p.AcquireForAsset(ctx, "cred-1"); !errors.Is(err, ErrNoCredentials) {
		t.Errorf("AcquireForAsset on retired owner: err = %v, want ErrNoCredentials", err)
	}
	if _, err := p.Acquire(ctx, "cred-1"); !errors.Is(err, ErrNoCredentials) {
		t.Errorf("Acquire on retired credential: err = %v, want ErrNoCredentials", err)
	}
	if n := p.ActiveCount(); n != 2 {
		t.Errorf("ActiveCount = %d, want 2", n)
	}
}

func TestRoundRobinAssignment(t *testing.T) {
	p := New(newCreds(3))
	ids, err := p.RoundRobin(10)
	if err != nil {
		t.Fatalf("RoundRobin: %v", err)
	}
	for _, i := range []int{0, 3, 6, 9} {
		if ids[i] != "cred-0" {
			t.Errorf("item %d assigned %s, want cred-0", i, ids[i])
		}
	}
	for _, i := range []int{1, 4, 7} {
		if ids[i] != "cred-1" {
			t.Errorf("item %d assigned %s, want cred-1", i, ids[i])
		}
	}

	empty := New(nil)
	if _, err := empty.RoundRobin(3); !errors.Is(err, ErrNoCredentials) {
		t.Errorf("empty pool: err = %v, want ErrNoCredentials", err)
	}
}

func TestAcquireForAsset_NeverSubstitutes(t *testing.T) {
	p := New(newCreds(3))
	ctx := context.Background()

	for range 4 {
		c, err := p.AcquireForAsset(ctx, "cred-2")
		if err != nil {
			t.Fatalf("AcquireForAsset: %v", err)
		}
		if c.ID != "cred-2" {
			t.Fatalf("got %s, want cred-2", c.ID)
		}
	}
	if _, err := p.AcquireForAsset(ctx, "missing"); !errors.Is(err, ErrNoCredentials) {
		t.Errorf("unknown owner: err = %v, want ErrNoCredentials", err)
	}
}

func TestLookup_DoesNotRecordUse(t *testing.T) {
	q := &countingQuota{limit: 100, used: map[string]int{}}
	p := New(newCreds(2), WithQuota(q))
	ctx := context.Background()

	for range 5 {
		c, err := p.Lookup("cred-0")
		if err != nil {
			t.Fatalf("Lookup: %v", err)
		}
		if c.ID != "cred-0" {
			t.Fatalf("got %s, want cred-0", c.ID)
		}
	}
	got, _ := p.Get("cred-0")
	if got.RequestCount != 0 || got.LastUsedAt != nil {
		t.Errorf("Lookup recorded a use: %+v", got)
	}
	if q.used["cred-0"] != 0 {
		t.Errorf("quota used = %d, want 0", q.used["cred-0"])
	}

	// cred-0 was never used, so it is still first in LRU order.
	c, err := p.AcquireNext(ctx, nil)
	if err != nil || c.ID != "cred-0" {
		t.Errorf("AcquireNext = %s, %v; want cred-0", c.ID, err)
	}

	p.RetirePermanently(ctx, "cred-1")
	if _, err := p.Lookup("cred-1"); !errors.Is(err, ErrNoCredentials) {
		t.Errorf("Lookup on retired credential: err = %v, want ErrNoCredentials", err)
	}
	if _, err := p.Lookup("missing"); !errors.Is(err, ErrNoCredentials) {
		t.Errorf("Lookup on unknown credential: err = %v, want ErrNoCredentials", err)
	}
}

func TestAdd_ConcurrentDuplicateSecret(t *testing.T) {
	p := New(nil, WithRepository(memory.NewCredentialRepo(memory.NewMemoryStorage())))
	ctx := context.Background()

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		added   int
		dupErrs int
	)
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := p.Add(ctx, "same-secret", "")
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				added++
			case errors.Is(err, storage.ErrDuplicate):
				dupErrs++
			default:
				t.Errorf("Add: %v", err)
			}
		}()
	}
	wg.Wait()

	if added != 1 || dupErrs != 7 {
		t.Errorf("added = %d, duplicates = %d; want 1 and 7", added, dupErrs)
	}
	if n := len(p.Snapshot()); n != 1 {
		t.Errorf("pool holds %d credentials, want 1", n)
	}
}

func TestRecordTransientError_KeepsActive(t *testing.T) {
	p := New(newCreds(1))
	ctx := context.Background()
	for range 5 {
		p.RecordTransientError(ctx, "cred-0")
	}
	c, _ := p.Get("cred-0")
	if !c.Active {
		t.Error("transient errors must not deactivate")
	}
	if c.ErrorCount != 5 {
		t.Errorf("ErrorCount = %d, want 5", c.ErrorCount)
	}
}

func TestConcurrentAcquireSpreadsLoad(t *testing.T) {
	p := New(newCreds(4))
	ctx := context.Background()

	var wg sync.WaitGroup
	for range 400 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := p.AcquireNext(ctx, nil); err != nil {
				t.Errorf("AcquireNext: %v", err)
			}
		}()
	}
	wg.Wait()

	for _, c := range p.Snapshot() {
		if c.RequestCount != 100 {
			t.Errorf("%s request count = %d, want 100", c.ID, c.RequestCount)
		}
	}
}

type countingQuota struct {
	mu    sync.Mutex
	limit int
	used  map[string]int
}

func (q *countingQuota) Allow(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.used[id] < q.limit
}

func (q *countingQuota) Record(id string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.used[id]++
}

func TestAcquireNext_RespectsQuota(t *testing.T) {
	q := &countingQuota{limit: 1, used: map[string]int{}}
	p := New(newCreds(2), WithQuota(q))
	ctx := context.Background()

	for range 2 {
		if _, err := p.AcquireNext(ctx, nil); err != nil {
			t.Fatalf("AcquireNext: %v", err)
		}
	}
	if _, err := p.AcquireNext(ctx, nil); !errors.Is(err, ErrNoCredentials) {
		t.Errorf("err = %v, want ErrNoCredentials after quota spent", err)
	}
}

func TestLoadAndWriteThrough(t *testing.T) {
	ctx := context.Background()
	repo := memory.NewCredentialRepo(memory.NewMemoryStorage())
	for _, c := range newCreds(2) {
		if err := repo.Create(ctx, c); err != nil {
			t.Fatalf("Create: %v", err)
		}
	}

	var lastActive int
	p, err := Load(ctx, repo, WithOnChange(func(n int) { lastActive = n }))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if lastActive != 2 {
		t.Errorf("onChange active = %d, want 2", lastActive)
	}

	c, err := p.AcquireNext(ctx, nil)
	if err != nil {
		t.Fatalf("AcquireNext: %v", err)
	}
	p.RecordTransientError(ctx, c.ID)
	p.RetirePermanently(ctx, c.ID)

	stored, err := repo.Get(ctx, c.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if stored.RequestCount != 1 || stored.ErrorCount != 1 || stored.Active {
		t.Errorf("stored = %+v, want count=1 errors=1 inactive", stored)
	}
	if lastActive != 1 {
		t.Errorf("onChange active = %d, want 1", lastActive)
	}

	added, err := p.Add(ctx, "new-secret", "added")
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	if _, err := repo.Get(ctx, added.ID); err != nil {
		t.Errorf("added credential not persisted: %v", err)
	}
	if _, err := p.Add(ctx, "new-secret", "dup"); err == nil {
		t.Error("expected duplicate secret to be rejected")
	}
}

type memCooldowns struct {
	until map[string]time.Time
}

func (m *memCooldowns) SetCooldown(ctx context.Context, id string, until time.Time) error {
	m.until[id] = until
	return nil
}

func (m *memCooldowns) Cooldowns(ctx context.Context) (map[string]time.Time, error) {
	return m.until, nil
}

func TestLoadRestoresCooldowns(t *testing.T) {
	ctx := context.Background()
	repo := memory.NewCredentialRepo(memory.NewMemoryStorage())
	for _, c := range newCreds(2) {
		_ = repo.Create(ctx, c)
	}
	store := &memCooldowns{until: map[string]time.Time{"cred-0": time.Now().Add(time.Hour)}}

	p, err := Load(ctx, repo, WithCooldownStore(store))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	c, err := p.AcquireNext(ctx, nil)
	if err != nil {
		t.Fatalf("AcquireNext: %v", err)
	}
	if c.ID != "cred-1" {
		t.Errorf("got %s, want cred-1 while cred-0 cools down", c.ID)
	}
}

func TestExclusionSet(t *testing.T) {
	s := NewExclusionSet()
	s.Add("a")
	s.Add("b")
	s.Add("a")
	s.Add("")
	if s.Len() != 2 {
		t.Errorf("Len = %d, want 2", s.Len())
	}
	if !s.Contains("a") || s.Contains("c") {
		t.Error("Contains mismatch")
	}
	if ids := s.IDs(); ids[0] != "a" || ids[1] != "b" {
		t.Errorf("IDs = %v, want [a b]", ids)
	}

	var nilSet *ExclusionSet
	if nilSet.Contains("a") || nilSet.Len() != 0 {
		t.Error("nil set should exclude nothing")
	}
}
