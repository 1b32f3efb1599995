package batch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/vietddude/genrelay/internal/core/domain"
	"github.com/vietddude/genrelay/internal/core/pool"
	"github.com/vietddude/genrelay/internal/generation/emitter"
	"github.com/vietddude/genrelay/internal/generation/job"
	"github.com/vietddude/genrelay/internal/generation/poller"
	"github.com/vietddude/genrelay/internal/infra/storage/memory"
	"github.com/vietddude/genrelay/internal/infra/upstream/provider"
	"github.com/vietddude/genrelay/internal/infra/upstream/routing"
)

// =============================================================================
// Mocks
// =============================================================================

// fakeSubmitter resolves items through a test function keyed by index.
type fakeSubmitter struct {
	mu    sync.Mutex
	calls []job.SubmitOptions
	fn    func(opts job.SubmitOptions) (*domain.GenerationJob, error)
}

func (s *fakeSubmitter) Submit(ctx context.Context, spec domain.JobSpec, opts job.SubmitOptions) (*job.Submission, error) {
	s.mu.Lock()
	s.calls = append(s.calls, opts)
	s.mu.Unlock()

	j, err := s.fn(opts)
	if j == nil {
		return nil, err
	}
	return &job.Submission{Job: j}, err
}

func completed(opts job.SubmitOptions) *domain.GenerationJob {
	return &domain.GenerationJob{
		ID:           fmt.Sprintf("job-%d", opts.Index),
		Index:        opts.Index,
		State:        domain.JobStateCompleted,
		CredentialID: opts.Credential,
		ResultRef:    fmt.Sprintf("gs://out/%d.png", opts.Index),
	}
}

func newPool(n int) *pool.Pool {
	creds := make([]*domain.Credential, n)
	for i := range creds {
		creds[i] = &domain.Credential{ID: fmt.Sprintf("cred-%d", i), Secret: fmt.Sprintf("secret-%d", i), Active: true}
	}
	return pool.New(creds)
}

func items(n int) []domain.JobSpec {
	out := make([]domain.JobSpec, n)
	for i := range out {
		out[i] = domain.JobSpec{Kind: domain.KindImage, Prompt: fmt.Sprintf("scene %d", i)}
	}
	return out
}

func eventsOf(hub *emitter.Hub, batchID string, typ domain.EventType) []domain.Event {
	backlog, _, cancel := hub.Subscribe(batchID, 0, 0)
	defer cancel()
	var out []domain.Event
	for _, ev := range backlog {
		if ev.Type == typ {
			out = append(out, ev)
		}
	}
	return out
}

// =============================================================================
// Tests
// =============================================================================

func TestRun_RoundRobinPreAssignment(t *testing.T) {
	sub := &fakeSubmitter{fn: func(o job.SubmitOptions) (*domain.GenerationJob, error) { return completed(o), nil }}
	hub := emitter.NewHub()
	c := NewCoordinator(newPool(3), sub, memory.NewBatchRepo(memory.NewMemoryStorage()), hub)

	b, err := c.Run(context.Background(), Request{Items: items(10), AspectRatio: "9:16"})
	if err != nil {
		t.Fatal(err)
	}

	for _, i := range []int{0, 3, 6, 9} {
		if b.Assignments[i] != "cred-0" {
			t.Errorf("item %d assigned %s, want cred-0", i, b.Assignments[i])
		}
	}
	if b.Assignments[1] != "cred-1" || b.Assignments[5] != "cred-2" {
		t.Errorf("assignments = %v", b.Assignments)
	}
	for _, call := range sub.calls {
		if call.Credential != b.Assignments[call.Index] || call.BatchID != b.ID {
			t.Errorf("item %d submitted with %+v", call.Index, call)
		}
	}
}

func TestRun_FailureIsolatedToItem(t *testing.T) {
	sub := &fakeSubmitter{fn: func(o job.SubmitOptions) (*domain.GenerationJob, error) {
		if o.Index == 2 {
			j := completed(o)
			j.State = domain.JobStateFailed
			j.ResultRef = ""
			j.LastError = "terminal_failure: prompt rejected"
			return j, errors.New("terminal_failure: prompt rejected")
		}
		return completed(o), nil
	}}
	hub := emitter.NewHub()
	repo := memory.NewBatchRepo(memory.NewMemoryStorage())
	c := NewCoordinator(newPool(2), sub, repo, hub)

	b, err := c.Run(context.Background(), Request{Items: items(5)})
	if err != nil {
		t.Fatal(err)
	}

	itemEvents := eventsOf(hub, b.ID, domain.EventTypeItem)
	if len(itemEvents) != 5 {
		t.Fatalf("item events = %d, want 5", len(itemEvents))
	}
	for _, ev := range itemEvents {
		item := ev.Data.(domain.ItemEvent)
		want := domain.ItemSucceeded
		if item.Index == 2 {
			want = domain.ItemFailed
		}
		if item.Status != want {
			t.Errorf("item %d status = %s, want %s", item.Index, item.Status, want)
		}
		if item.Index == 2 && item.Error == "" {
			t.Error("failed item should carry its error")
		}
	}

	complete := eventsOf(hub, b.ID, domain.EventTypeComplete)
	if len(complete) != 1 {
		t.Fatalf("complete events = %d, want 1", len(complete))
	}
	summary := complete[0].Data.(domain.CompleteEvent)
	if summary.Succeeded != 4 || summary.Failed != 1 || summary.Total != 5 {
		t.Errorf("summary = %+v", summary)
	}

	stored, err := repo.Get(context.Background(), b.ID)
	if err != nil {
		t.Fatal(err)
	}
	if stored.Completed != 4 || stored.Failed != 1 || stored.FinishedAt == nil {
		t.Errorf("stored batch = %+v", stored)
	}
}

func TestRun_EmitsInCompletionOrder(t *testing.T) {
	hub := emitter.NewHub()
	sub := &fakeSubmitter{fn: func(o job.SubmitOptions) (*domain.GenerationJob, error) {
		if o.Index == 0 {
			// Resolve only after item 1 has been emitted.
			deadline := time.Now().Add(5 * time.Second)
			for len(eventsOf(hub, o.BatchID, domain.EventTypeItem)) == 0 && time.Now().Before(deadline) {
				time.Sleep(time.Millisecond)
			}
		}
		return completed(o), nil
	}}
	c := NewCoordinator(newPool(2), sub, memory.NewBatchRepo(memory.NewMemoryStorage()), hub)

	b, err := c.Run(context.Background(), Request{Items: items(2)})
	if err != nil {
		t.Fatal(err)
	}

	ev := eventsOf(hub, b.ID, domain.EventTypeItem)
	if len(ev) != 2 {
		t.Fatalf("item events = %d", len(ev))
	}
	first, second := ev[0].Data.(domain.ItemEvent), ev[1].Data.(domain.ItemEvent)
	if first.Index != 1 || second.Index != 0 {
		t.Errorf("emission order = %d, %d; want completion order 1, 0", first.Index, second.Index)
	}
	if first.Progress != (domain.Progress{Completed: 1, Total: 2}) || second.Progress != (domain.Progress{Completed: 2, Total: 2}) {
		t.Errorf("progress = %+v, %+v", first.Progress, second.Progress)
	}
}

func TestRun_EventSequence(t *testing.T) {
	sub := &fakeSubmitter{fn: func(o job.SubmitOptions) (*domain.GenerationJob, error) { return completed(o), nil }}
	hub := emitter.NewHub()
	c := NewCoordinator(newPool(1), sub, memory.NewBatchRepo(memory.NewMemoryStorage()), hub)

	b, err := c.Run(context.Background(), Request{Items: items(3)})
	if err != nil {
		t.Fatal(err)
	}

	backlog, ch, _ := hub.Subscribe(b.ID, 0, 0)
	if _, open := <-ch; open {
		t.Error("finished batch should hand out a closed channel")
	}
	var types []domain.EventType
	for _, ev := range backlog {
		types = append(types, ev.Type)
	}
	want := []domain.EventType{
		domain.EventTypeStatus, domain.EventTypeStatus,
		domain.EventTypeItem, domain.EventTypeItem, domain.EventTypeItem,
		domain.EventTypeStatus, domain.EventTypeComplete,
	}
	if fmt.Sprint(types) != fmt.Sprint(want) {
		t.Errorf("events = %v, want %v", types, want)
	}
}

func TestStart_Errors(t *testing.T) {
	sub := &fakeSubmitter{fn: func(o job.SubmitOptions) (*domain.GenerationJob, error) { return completed(o), nil }}
	repo := memory.NewBatchRepo(memory.NewMemoryStorage())

	c := NewCoordinator(newPool(1), sub, repo, emitter.NewHub())
	if _, err := c.Start(context.Background(), Request{}); !errors.Is(err, ErrEmptyBatch) {
		t.Errorf("empty batch err = %v", err)
	}

	empty := pool.New(nil)
	c = NewCoordinator(empty, sub, repo, emitter.NewHub())
	if _, err := c.Start(context.Background(), Request{Items: items(2)}); !errors.Is(err, pool.ErrNoCredentials) {
		t.Errorf("empty pool err = %v, want ErrNoCredentials", err)
	}
}

func TestStart_RunsInBackground(t *testing.T) {
	sub := &fakeSubmitter{fn: func(o job.SubmitOptions) (*domain.GenerationJob, error) { return completed(o), nil }}
	hub := emitter.NewHub()
	c := NewCoordinator(newPool(2), sub, memory.NewBatchRepo(memory.NewMemoryStorage()), hub)

	b, err := c.Start(context.Background(), Request{Items: items(4)})
	if err != nil {
		t.Fatal(err)
	}
	c.Wait()
	if !hub.Finished(b.ID) {
		t.Error("batch stream should be finished after Wait")
	}
}

// imageGenerator answers every submit synchronously and records credentials.
type imageGenerator struct {
	mu      sync.Mutex
	submits map[string]string // prompt -> credential
}

func (g *imageGenerator) Name() string { return "image" }

func (g *imageGenerator) Prepare(ctx context.Context, cred domain.Credential, in provider.AssetInput) (*provider.Response, error) {
	return nil, provider.ErrUnsupported
}

func (g *imageGenerator) Submit(ctx context.Context, cred domain.Credential, in provider.SubmitInput) (*provider.Response, error) {
	g.mu.Lock()
	g.submits[in.Prompt] = cred.ID
	g.mu.Unlock()
	if in.Prompt == "scene 4" {
		return &provider.Response{StatusCode: 400, Body: []byte(`{"error":{"code":400,"message":"prompt blocked","status":"FAILED_PRECONDITION"}}`)}, nil
	}
	return &provider.Response{StatusCode: 200, Body: []byte(fmt.Sprintf(`{"result_ref":"img://%s"}`, cred.ID))}, nil
}

func (g *imageGenerator) Poll(ctx context.Context, cred domain.Credential, handle string) (*provider.Response, error) {
	return nil, provider.ErrUnsupported
}

func TestRun_WithJobService(t *testing.T) {
	p := newPool(3)
	store := memory.NewMemoryStorage().Store()
	gen := &imageGenerator{submits: map[string]string{}}
	orch := routing.NewOrchestrator(p, routing.DefaultRetryConfig,
		routing.WithSleep(func(ctx context.Context, d time.Duration) error { return nil }))
	svc := job.NewService(job.DefaultConfig, p, orch, provider.Registry{domain.KindImage: gen}, store, poller.DefaultConfig)
	defer svc.Close()

	hub := emitter.NewHub()
	c := NewCoordinator(p, svc, store.Batches, hub)
	b, err := c.Run(context.Background(), Request{Items: items(10)})
	if err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 10; i++ {
		if got := gen.submits[fmt.Sprintf("scene %d", i)]; got != fmt.Sprintf("cred-%d", i%3) {
			t.Errorf("item %d submitted with %s, want cred-%d", i, got, i%3)
		}
	}

	jobs, err := store.Jobs.ListByBatch(context.Background(), b.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(jobs) != 10 {
		t.Fatalf("jobs = %d, want 10", len(jobs))
	}
	for _, j := range jobs {
		want := domain.JobStateCompleted
		if j.Index == 4 {
			want = domain.JobStateFailed
		}
		if j.State != want {
			t.Errorf("job %d state = %s, want %s", j.Index, j.State, want)
		}
	}

	summary := eventsOf(hub, b.ID, domain.EventTypeComplete)[0].Data.(domain.CompleteEvent)
	if summary.Succeeded != 9 || summary.Failed != 1 {
		t.Errorf("summary = %+v", summary)
	}
}
