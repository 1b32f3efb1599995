package job

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/vietddude/genrelay/internal/core/domain"
	"github.com/vietddude/genrelay/internal/core/pool"
	"github.com/vietddude/genrelay/internal/generation/poller"
	"github.com/vietddude/genrelay/internal/infra/storage"
	"github.com/vietddude/genrelay/internal/infra/storage/memory"
	"github.com/vietddude/genrelay/internal/infra/upstream/provider"
	"github.com/vietddude/genrelay/internal/infra/upstream/routing"
)

// =============================================================================
// Mocks
// =============================================================================

func jsonResp(code int, body string) *provider.Response {
	return &provider.Response{StatusCode: code, Body: []byte(body), ContentType: "application/json"}
}

const (
	congestion = `{"error":{"code":429,"message":"Resource has been exhausted","status":"RESOURCE_EXHAUSTED"}}`
	unauth     = `{"error":{"code":401,"message":"Request had invalid authentication credentials","status":"UNAUTHENTICATED"}}`
	pending    = `{"done":false}`
	done       = `{"done":true,"response":{"result_ref":"gs://out/clip.mp4"}}`
	mismatch   = `{"done":true,"error":{"code":3,"message":"PUBLIC_ERROR: media_not_found"}}`
)

type call struct {
	op         string
	credential string
	arg        string
}

// fakeGenerator routes every call to a test-provided function.
type fakeGenerator struct {
	mu    sync.Mutex
	calls []call

	prepare func(cred string, n int) *provider.Response
	submit  func(cred, assetID string, n int) *provider.Response
	poll    func(cred, handle string, n int) *provider.Response
}

func (g *fakeGenerator) record(op, cred, arg string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls = append(g.calls, call{op: op, credential: cred, arg: arg})
	n := 0
	for _, c := range g.calls {
		if c.op == op {
			n++
		}
	}
	return n
}

func (g *fakeGenerator) callsOf(op string) []call {
	g.mu.Lock()
	defer g.mu.Unlock()
	var out []call
	for _, c := range g.calls {
		if c.op == op {
			out = append(out, c)
		}
	}
	return out
}

func (g *fakeGenerator) Name() string { return "fake" }

func (g *fakeGenerator) Prepare(ctx context.Context, cred domain.Credential, in provider.AssetInput) (*provider.Response, error) {
	n := g.record("prepare", cred.ID, string(in.Reference))
	if g.prepare == nil {
		return jsonResp(200, fmt.Sprintf(`{"media_id":"media-%s"}`, cred.ID)), nil
	}
	return g.prepare(cred.ID, n), nil
}

func (g *fakeGenerator) Submit(ctx context.Context, cred domain.Credential, in provider.SubmitInput) (*provider.Response, error) {
	n := g.record("submit", cred.ID, in.AssetID)
	if g.submit == nil {
		return jsonResp(200, fmt.Sprintf(`{"name":"op-%d"}`, n)), nil
	}
	return g.submit(cred.ID, in.AssetID, n), nil
}

func (g *fakeGenerator) Poll(ctx context.Context, cred domain.Credential, handle string) (*provider.Response, error) {
	n := g.record("poll", cred.ID, handle)
	if g.poll == nil {
		return jsonResp(200, done), nil
	}
	return g.poll(cred.ID, handle, n), nil
}

type memCache struct {
	mu   sync.Mutex
	data map[string][]byte
}

func (c *memCache) Get(ctx context.Context, handle, cred string) ([]byte, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	b, ok := c.data[cred+"/"+handle]
	return b, ok, nil
}

func (c *memCache) Set(ctx context.Context, handle, cred string, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data[cred+"/"+handle] = data
	return nil
}

func noSleep(ctx context.Context, d time.Duration) error { return ctx.Err() }

type fixture struct {
	pool  *pool.Pool
	gen   *fakeGenerator
	store *storage.Store
	svc   *Service
}

func newFixture(t *testing.T, creds int, gen *fakeGenerator, opts ...Option) *fixture {
	t.Helper()
	list := make([]*domain.Credential, creds)
	for i := range list {
		list[i] = &domain.Credential{ID: fmt.Sprintf("cred-%d", i), Secret: fmt.Sprintf("secret-%d", i), Active: true}
	}
	p := pool.New(list)
	store := memory.NewMemoryStorage().Store()
	orch := routing.NewOrchestrator(p, routing.DefaultRetryConfig, routing.WithSleep(noSleep))
	registry := provider.Registry{
		domain.KindVideo:  gen,
		domain.KindImage:  gen,
		domain.KindSpeech: gen,
	}

	opts = append([]Option{WithPollerOptions(poller.WithSleep(noSleep))}, opts...)
	svc := NewService(DefaultConfig, p, orch, registry, store, poller.DefaultConfig, opts...)
	t.Cleanup(svc.Close)
	return &fixture{pool: p, gen: gen, store: store, svc: svc}
}

func videoSpec() domain.JobSpec {
	return domain.JobSpec{Kind: domain.KindVideo, Prompt: "a fox in the snow", AspectRatio: "16:9"}
}

// =============================================================================
// Submit
// =============================================================================

func TestSubmit_CongestionRotatesCredentials(t *testing.T) {
	gen := &fakeGenerator{
		submit: func(cred, _ string, n int) *provider.Response {
			if n <= 2 {
				return jsonResp(429, congestion)
			}
			return jsonResp(200, `{"name":"op-1"}`)
		},
	}
	f := newFixture(t, 3, gen)

	sub, err := f.svc.Submit(context.Background(), videoSpec(), SubmitOptions{})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if sub.Job.State != domain.JobStateIssued || sub.Job.CredentialID != "cred-2" {
		t.Fatalf("job = %s on %s, want ISSUED on cred-2", sub.Job.State, sub.Job.CredentialID)
	}
	if sub.Job.RetryCount != 2 {
		t.Errorf("RetryCount = %d, want 2", sub.Job.RetryCount)
	}
	if !sub.Pending() {
		t.Fatal("issued video job should be followed by a poller")
	}

	final, err := sub.Wait(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if final.State != domain.JobStateCompleted || final.ResultRef != "gs://out/clip.mp4" {
		t.Errorf("final = %s/%q", final.State, final.ResultRef)
	}
	for _, c := range gen.callsOf("poll") {
		if c.credential != "cred-2" || c.arg != "op-1" {
			t.Errorf("poll %+v, want cred-2/op-1", c)
		}
	}
	for _, id := range []string{"cred-0", "cred-1"} {
		c, _ := f.pool.Get(id)
		if !c.Active || c.ErrorCount != 1 {
			t.Errorf("%s active=%v errors=%d, want active with 1 error", id, c.Active, c.ErrorCount)
		}
	}
}

func TestSubmit_AuthFailureRetiresCredential(t *testing.T) {
	gen := &fakeGenerator{
		submit: func(cred, _ string, n int) *provider.Response {
			if cred == "cred-0" {
				return jsonResp(401, unauth)
			}
			return jsonResp(200, `{"name":"op-7"}`)
		},
	}
	f := newFixture(t, 2, gen)

	sub, err := f.svc.Submit(context.Background(), videoSpec(), SubmitOptions{})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if sub.Job.CredentialID != "cred-1" || sub.Job.OperationHandle != "op-7" {
		t.Errorf("job = %+v", sub.Job)
	}
	if c, _ := f.pool.Get("cred-0"); c.Active {
		t.Error("cred-0 should be retired")
	}
}

func TestSubmit_SyncKindCompletesImmediately(t *testing.T) {
	gen := &fakeGenerator{
		submit: func(cred, _ string, n int) *provider.Response {
			return jsonResp(200, `{"result_ref":"audio://abc"}`)
		},
	}
	f := newFixture(t, 1, gen)

	spec := domain.JobSpec{Kind: domain.KindSpeech, Prompt: "hello"}
	sub, err := f.svc.Submit(context.Background(), spec, SubmitOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if sub.Pending() {
		t.Error("synchronous result should not spawn a poller")
	}
	if sub.Job.State != domain.JobStateCompleted || sub.Job.ResultRef != "audio://abc" {
		t.Errorf("job = %s/%q", sub.Job.State, sub.Job.ResultRef)
	}
	stored, err := f.svc.Get(context.Background(), sub.Job.ID)
	if err != nil || stored.State != domain.JobStateCompleted {
		t.Errorf("stored = %+v, %v", stored, err)
	}
}

func TestSubmit_ReferenceAssetSubmittedByOwner(t *testing.T) {
	gen := &fakeGenerator{}
	f := newFixture(t, 3, gen)

	spec := videoSpec()
	spec.Reference = json.RawMessage(`{"uri":"gs://in/frame.png"}`)
	sub, err := f.svc.Submit(context.Background(), spec, SubmitOptions{Credential: "cred-1"})
	if err != nil {
		t.Fatal(err)
	}

	submits := gen.callsOf("submit")
	if len(submits) != 1 || submits[0].credential != "cred-1" || submits[0].arg != "media-cred-1" {
		t.Fatalf("submits = %+v, want one on cred-1 with media-cred-1", submits)
	}
	asset, err := f.store.Assets.Get(context.Background(), "media-cred-1")
	if err != nil {
		t.Fatal(err)
	}
	if asset.OwnerID != "cred-1" || asset.JobID != sub.Job.ID || sub.Job.AssetID != "media-cred-1" {
		t.Errorf("asset = %+v, job asset = %s", asset, sub.Job.AssetID)
	}
}

func TestSubmit_OwnerFailureRecreatesAsset(t *testing.T) {
	gen := &fakeGenerator{
		submit: func(cred, assetID string, n int) *provider.Response {
			if cred == "cred-0" {
				return jsonResp(429, congestion)
			}
			return jsonResp(200, `{"name":"op-2"}`)
		},
	}
	f := newFixture(t, 2, gen)

	spec := videoSpec()
	spec.Reference = json.RawMessage(`{"uri":"gs://in/frame.png"}`)
	sub, err := f.svc.Submit(context.Background(), spec, SubmitOptions{})
	if err != nil {
		t.Fatal(err)
	}
	for _, c := range gen.callsOf("submit") {
		if c.arg != "media-"+c.credential {
			t.Errorf("submit with %s referenced %s", c.credential, c.arg)
		}
	}
	if sub.Job.AssetID != "media-cred-1" || sub.Job.CredentialID != "cred-1" {
		t.Errorf("job asset %s on %s, want media-cred-1 on cred-1", sub.Job.AssetID, sub.Job.CredentialID)
	}
	if _, err := f.store.Assets.Get(context.Background(), "media-cred-1"); err != nil {
		t.Errorf("re-created asset not stored: %v", err)
	}
}

func TestSubmit_BatchPinnedAssetReestablished(t *testing.T) {
	gen := &fakeGenerator{
		submit: func(cred, _ string, n int) *provider.Response {
			if cred == "cred-0" {
				return jsonResp(429, congestion)
			}
			return jsonResp(200, `{"name":"op-9"}`)
		},
	}
	f := newFixture(t, 3, gen)

	spec := videoSpec()
	spec.Reference = json.RawMessage(`{"uri":"gs://in/frame.png"}`)
	sub, err := f.svc.Submit(context.Background(), spec, SubmitOptions{BatchID: "batch-1", Credential: "cred-0"})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	submits := gen.callsOf("submit")
	if len(submits) != 4 {
		t.Fatalf("submits = %+v, want 3 pinned to cred-0 then 1 elsewhere", submits)
	}
	for _, c := range submits[:3] {
		if c.credential != "cred-0" || c.arg != "media-cred-0" {
			t.Errorf("pinned submit %+v left the owner", c)
		}
	}
	if prepares := gen.callsOf("prepare"); len(prepares) != 2 || prepares[1].credential == "cred-0" {
		t.Errorf("prepares = %+v, want a second one away from cred-0", prepares)
	}
	// Two retries inside the pinned execution plus the re-establish cycle.
	if sub.Job.RetryCount != 3 {
		t.Errorf("RetryCount = %d, want 3", sub.Job.RetryCount)
	}
}

func TestSubmit_BatchPrepareStaysOnAssignedCredential(t *testing.T) {
	gen := &fakeGenerator{
		prepare: func(cred string, n int) *provider.Response {
			if cred == "cred-0" {
				return jsonResp(429, congestion)
			}
			return jsonResp(200, fmt.Sprintf(`{"media_id":"media-%s"}`, cred))
		},
	}
	f := newFixture(t, 3, gen)

	spec := videoSpec()
	spec.Reference = json.RawMessage(`{"uri":"gs://in/frame.png"}`)
	sub, err := f.svc.Submit(context.Background(), spec, SubmitOptions{BatchID: "batch-1", Credential: "cred-0"})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	prepares := gen.callsOf("prepare")
	if len(prepares) != 4 {
		t.Fatalf("prepares = %+v, want 3 on cred-0 then 1 elsewhere", prepares)
	}
	for _, c := range prepares[:3] {
		if c.credential != "cred-0" {
			t.Errorf("pinned prepare ran on %s", c.credential)
		}
	}
	owner := prepares[3].credential
	if owner == "cred-0" {
		t.Fatal("re-established prepare stayed on cred-0")
	}
	submits := gen.callsOf("submit")
	if len(submits) != 1 || submits[0].credential != owner || submits[0].arg != "media-"+owner {
		t.Errorf("submits = %+v, want one on %s", submits, owner)
	}
	if sub.Job.CredentialID != owner || sub.Job.RetryCount != 3 {
		t.Errorf("job on %s with RetryCount %d, want %s/3", sub.Job.CredentialID, sub.Job.RetryCount, owner)
	}
}

func TestSubmit_PollingDoesNotCountAsUsage(t *testing.T) {
	gen := &fakeGenerator{
		poll: func(cred, handle string, n int) *provider.Response {
			if n <= 3 {
				return jsonResp(200, pending)
			}
			return jsonResp(200, done)
		},
	}
	f := newFixture(t, 2, gen)

	sub, err := f.svc.Submit(context.Background(), videoSpec(), SubmitOptions{})
	if err != nil {
		t.Fatal(err)
	}
	final, err := sub.Wait(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if final.State != domain.JobStateCompleted {
		t.Fatalf("state = %s (%s)", final.State, final.LastError)
	}
	if n := len(gen.callsOf("poll")); n != 4 {
		t.Errorf("polls = %d, want 4", n)
	}

	var requests int64
	for _, c := range f.pool.Snapshot() {
		requests += c.RequestCount
	}
	if requests != 1 {
		t.Errorf("total RequestCount = %d, want 1 for the single submit", requests)
	}
}

func TestSubmit_TerminalFailureMarksJobFailed(t *testing.T) {
	gen := &fakeGenerator{
		submit: func(cred, _ string, n int) *provider.Response {
			return jsonResp(400, `{"error":{"code":400,"message":"prompt violates policy","status":"FAILED_PRECONDITION"}}`)
		},
	}
	f := newFixture(t, 3, gen)

	sub, err := f.svc.Submit(context.Background(), videoSpec(), SubmitOptions{})
	var terr *routing.TerminalError
	if !errors.As(err, &terr) {
		t.Fatalf("err = %v, want TerminalError", err)
	}
	if sub == nil || sub.Job.State != domain.JobStateFailed || sub.Job.LastError == "" {
		t.Fatalf("submission = %+v", sub)
	}
	stored, _ := f.svc.Get(context.Background(), sub.Job.ID)
	if stored.State != domain.JobStateFailed {
		t.Errorf("stored state = %s", stored.State)
	}
}

func TestSubmit_InvalidSpec(t *testing.T) {
	f := newFixture(t, 1, &fakeGenerator{})

	cases := []domain.JobSpec{
		{Kind: "hologram", Prompt: "x"},
		{Kind: domain.KindImage},
	}
	for _, spec := range cases {
		if _, err := f.svc.Submit(context.Background(), spec, SubmitOptions{}); !errors.Is(err, ErrInvalidSpec) {
			t.Errorf("Submit(%+v) err = %v, want ErrInvalidSpec", spec, err)
		}
	}
}

func TestSubmit_SilentRetryResubmitsElsewhere(t *testing.T) {
	gen := &fakeGenerator{
		poll: func(cred, handle string, n int) *provider.Response {
			if handle == "op-1" {
				return jsonResp(200, mismatch)
			}
			return jsonResp(200, done)
		},
	}
	f := newFixture(t, 3, gen)

	spec := videoSpec()
	spec.Reference = json.RawMessage(`{"uri":"gs://in/frame.png"}`)
	sub, err := f.svc.Submit(context.Background(), spec, SubmitOptions{})
	if err != nil {
		t.Fatal(err)
	}
	final, err := sub.Wait(context.Background())
	if err != nil {
		t.Fatal(err)
	}

	if final.State != domain.JobStateCompleted {
		t.Fatalf("state = %s (%s)", final.State, final.LastError)
	}
	if final.SilentRetries != 1 || final.RetryCount != 1 {
		t.Errorf("silent retries = %d, retry count = %d, want 1/1", final.SilentRetries, final.RetryCount)
	}
	if final.CredentialID == "cred-0" || final.OperationHandle != "op-2" {
		t.Errorf("resubmitted on %s as %s", final.CredentialID, final.OperationHandle)
	}
	if prepares := gen.callsOf("prepare"); len(prepares) != 2 {
		t.Errorf("prepares = %d, want the asset re-uploaded on resubmit", len(prepares))
	}
}

// =============================================================================
// Status
// =============================================================================

func TestStatus_UsesIssuingCredentialAndCaches(t *testing.T) {
	gen := &fakeGenerator{
		poll: func(cred, handle string, n int) *provider.Response {
			if n == 1 {
				return jsonResp(200, pending)
			}
			return jsonResp(200, done)
		},
	}
	cache := &memCache{data: map[string][]byte{}}
	f := newFixture(t, 2, gen, WithStatusCache(cache))

	job := &domain.GenerationJob{
		ID: "job-1", Kind: domain.KindVideo, State: domain.JobStateIssued,
		CredentialID: "cred-1", OperationHandle: "op-42",
	}
	if err := f.store.Jobs.Create(context.Background(), job); err != nil {
		t.Fatal(err)
	}

	res, err := f.svc.Status(context.Background(), StatusQuery{JobID: "job-1"})
	if err != nil {
		t.Fatal(err)
	}
	if res.CredentialID != "cred-1" || res.State != provider.PollPending || res.Outcome != "success" || res.Cached {
		t.Errorf("first status = %+v", res)
	}

	again, err := f.svc.Status(context.Background(), StatusQuery{Handle: "op-42", CredentialID: "cred-1"})
	if err != nil {
		t.Fatal(err)
	}
	if !again.Cached || again.JobID != "job-1" || again.State != provider.PollPending {
		t.Errorf("second status = %+v, want cached pending for job-1", again)
	}
	if n := len(gen.callsOf("poll")); n != 1 {
		t.Errorf("polls = %d, want 1", n)
	}
	if c, _ := f.pool.Get("cred-1"); c.RequestCount != 0 || c.LastUsedAt != nil {
		t.Errorf("status check recorded usage: requests=%d last used=%v", c.RequestCount, c.LastUsedAt)
	}
}

func TestStatus_AuthFailureRetires(t *testing.T) {
	gen := &fakeGenerator{
		poll: func(cred, handle string, n int) *provider.Response { return jsonResp(401, unauth) },
	}
	f := newFixture(t, 2, gen)

	res, err := f.svc.Status(context.Background(), StatusQuery{Handle: "op-1", CredentialID: "cred-0"})
	if err != nil {
		t.Fatal(err)
	}
	if res.Outcome != "authentication_failure" {
		t.Errorf("outcome = %s", res.Outcome)
	}
	if c, _ := f.pool.Get("cred-0"); c.Active {
		t.Error("cred-0 should be retired")
	}

	if _, err := f.svc.Status(context.Background(), StatusQuery{Handle: "op-1", CredentialID: "cred-0"}); !errors.Is(err, pool.ErrNoCredentials) {
		t.Errorf("status with retired credential err = %v", err)
	}
}

func TestStatus_UnknownOperation(t *testing.T) {
	f := newFixture(t, 1, &fakeGenerator{})

	if _, err := f.svc.Status(context.Background(), StatusQuery{}); !errors.Is(err, ErrUnknownOperation) {
		t.Errorf("err = %v, want ErrUnknownOperation", err)
	}
	if _, err := f.svc.Status(context.Background(), StatusQuery{JobID: "missing"}); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestStatus_FailedOperationClassified(t *testing.T) {
	gen := &fakeGenerator{
		poll: func(cred, handle string, n int) *provider.Response { return jsonResp(200, mismatch) },
	}
	f := newFixture(t, 1, gen)

	res, err := f.svc.Status(context.Background(), StatusQuery{Handle: "op-3"})
	if err != nil {
		t.Fatal(err)
	}
	if res.State != provider.PollFailed || res.Outcome != "asset_ownership_mismatch" || !strings.Contains(res.Reason, "media") {
		t.Errorf("status = %+v", res)
	}
}
