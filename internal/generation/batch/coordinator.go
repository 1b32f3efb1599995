// Package batch runs lists of generation jobs concurrently and streams each
// item's result as it resolves.
package batch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/vietddude/genrelay/internal/core/domain"
	"github.com/vietddude/genrelay/internal/generation/emitter"
	"github.com/vietddude/genrelay/internal/generation/job"
	"github.com/vietddude/genrelay/internal/generation/metrics"
	"github.com/vietddude/genrelay/internal/infra/storage"
)

// ErrEmptyBatch is returned for batches without items.
var ErrEmptyBatch = errors.New("batch has no items")

// Phases reported in status events.
const (
	PhaseAccepted   = "accepted"
	PhaseGenerating = "generating"
	PhaseFinished   = "finished"
)

// Assigner fixes one credential per item before any work starts.
type Assigner interface {
	RoundRobin(n int) ([]string, error)
}

// Submitter runs one job to a terminal state.
type Submitter interface {
	Submit(ctx context.Context, spec domain.JobSpec, opts job.SubmitOptions) (*job.Submission, error)
}

// Request is one batch submission.
type Request struct {
	Items []domain.JobSpec

	// AspectRatio applies to items that do not set their own.
	AspectRatio string
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Coordinator) { c.logger = l }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) { c.now = now }
}

// Coordinator pre-assigns credentials, runs items concurrently and publishes
// status, item and complete events for every batch.
type Coordinator struct {
	assign  Assigner
	jobs    Submitter
	batches storage.BatchRepository
	events  emitter.Emitter

	logger *slog.Logger
	now    func() time.Time
	wg     sync.WaitGroup
}

// NewCoordinator creates a batch coordinator.
func NewCoordinator(assign Assigner, jobs Submitter, batches storage.BatchRepository, events emitter.Emitter, opts ...Option) *Coordinator {
	c := &Coordinator{
		assign:  assign,
		jobs:    jobs,
		batches: batches,
		events:  events,
		logger:  slog.Default().With("component", "batch"),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Start records the batch with its credential assignments, emits the
// accepted status event and runs the items in the background. The batch
// stream is the only way to observe results.
func (c *Coordinator) Start(ctx context.Context, req Request) (*domain.BatchRequest, error) {
	b, err := c.prepare(ctx, req)
	if err != nil {
		return nil, err
	}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.run(ctx, b, req)
	}()
	return b, nil
}

// Run is Start without the goroutine: it returns once the complete event
// has been emitted.
func (c *Coordinator) Run(ctx context.Context, req Request) (*domain.BatchRequest, error) {
	b, err := c.prepare(ctx, req)
	if err != nil {
		return nil, err
	}
	c.run(ctx, b, req)
	return b, nil
}

// Wait blocks until every batch started with Start has finished.
func (c *Coordinator) Wait() {
	c.wg.Wait()
}

func (c *Coordinator) prepare(ctx context.Context, req Request) (*domain.BatchRequest, error) {
	if len(req.Items) == 0 {
		return nil, ErrEmptyBatch
	}
	assignments, err := c.assign.RoundRobin(len(req.Items))
	if err != nil {
		return nil, fmt.Errorf("assign credentials: %w", err)
	}

	b := &domain.BatchRequest{
		ID:          uuid.NewString(),
		Total:       len(req.Items),
		AspectRatio: req.AspectRatio,
		CreatedAt:   c.now(),
		Assignments: assignments,
	}
	if err := c.batches.Create(ctx, b); err != nil {
		return nil, fmt.Errorf("create batch: %w", err)
	}
	c.logger.Info("Batch accepted", "batch", b.ID, "items", b.Total, "slots", slots(assignments))

	c.emit(ctx, b.ID, domain.EventTypeStatus, domain.StatusEvent{
		Phase:   PhaseAccepted,
		Message: fmt.Sprintf("%d item(s) across %d credential(s)", b.Total, slots(assignments)),
	})
	return b, nil
}

// run executes every item with at most one job in flight per assigned
// credential. Items emit in completion order; one item's failure never
// affects another.
func (c *Coordinator) run(ctx context.Context, b *domain.BatchRequest, req Request) {
	start := c.now()
	c.emit(ctx, b.ID, domain.EventTypeStatus, domain.StatusEvent{Phase: PhaseGenerating})

	var mu sync.Mutex
	g := new(errgroup.Group)
	g.SetLimit(slots(b.Assignments))

	for i, spec := range req.Items {
		if spec.AspectRatio == "" {
			spec.AspectRatio = req.AspectRatio
		}
		g.Go(func() error {
			ev := c.runItem(ctx, b, i, spec)

			mu.Lock()
			defer mu.Unlock()
			if ev.Status == domain.ItemSucceeded {
				b.Completed++
			} else {
				b.Failed++
			}
			ev.Progress = domain.Progress{Completed: b.Resolved(), Total: b.Total}
			metrics.BatchItemsTotal.WithLabelValues(string(ev.Status)).Inc()
			if err := c.batches.UpdateProgress(context.WithoutCancel(ctx), b); err != nil {
				c.logger.Warn("Failed to persist batch progress", "batch", b.ID, "error", err)
			}
			c.emit(ctx, b.ID, domain.EventTypeItem, ev)
			return nil
		})
	}
	_ = g.Wait()

	finished := c.now()
	b.FinishedAt = &finished
	if err := c.batches.UpdateProgress(context.WithoutCancel(ctx), b); err != nil {
		c.logger.Warn("Failed to persist batch", "batch", b.ID, "error", err)
	}
	elapsed := finished.Sub(start)
	metrics.BatchDuration.Observe(elapsed.Seconds())

	c.emit(ctx, b.ID, domain.EventTypeStatus, domain.StatusEvent{Phase: PhaseFinished})
	c.emit(ctx, b.ID, domain.EventTypeComplete, domain.CompleteEvent{
		BatchID:    b.ID,
		Total:      b.Total,
		Succeeded:  b.Completed,
		Failed:     b.Failed,
		DurationMs: elapsed.Milliseconds(),
	})
	c.logger.Info("Batch finished",
		"batch", b.ID,
		"succeeded", b.Completed,
		"failed", b.Failed,
		"duration", elapsed,
	)
}

// runItem submits one item with its pre-assigned credential and waits for
// the job to resolve.
func (c *Coordinator) runItem(ctx context.Context, b *domain.BatchRequest, i int, spec domain.JobSpec) domain.ItemEvent {
	ev := domain.ItemEvent{Index: i, CredentialID: b.Assignments[i]}

	sub, err := c.jobs.Submit(ctx, spec, job.SubmitOptions{
		BatchID:    b.ID,
		Index:      i,
		Credential: b.Assignments[i],
	})
	if sub != nil {
		ev.JobID = sub.Job.ID
		ev.CredentialID = sub.Job.CredentialID
	}
	if err != nil {
		ev.Status = domain.ItemFailed
		ev.Error = err.Error()
		c.logger.Warn("Batch item failed", "batch", b.ID, "index", i, "error", err)
		return ev
	}

	final, err := sub.Wait(ctx)
	if err != nil {
		ev.Status = domain.ItemFailed
		ev.Error = err.Error()
		return ev
	}
	ev.JobID = final.ID
	if final.CredentialID != "" {
		ev.CredentialID = final.CredentialID
	}
	if final.State != domain.JobStateCompleted {
		ev.Status = domain.ItemFailed
		ev.Error = final.LastError
		if !final.State.Terminal() {
			ev.Error = fmt.Sprintf("stopped while %s (operation %s)", final.State, final.OperationHandle)
		}
		return ev
	}
	ev.Status = domain.ItemSucceeded
	ev.ResultRef = final.ResultRef
	return ev
}

func (c *Coordinator) emit(ctx context.Context, batchID string, typ domain.EventType, data any) {
	err := c.events.Emit(ctx, &domain.Event{Type: typ, BatchID: batchID, Data: data})
	if err != nil && !errors.Is(err, emitter.ErrStreamClosed) {
		c.logger.Warn("Failed to emit batch event", "batch", batchID, "type", string(typ), "error", err)
	}
}

// slots is the number of distinct credentials in the assignment.
func slots(assignments []string) int {
	seen := make(map[string]struct{}, len(assignments))
	for _, id := range assignments {
		seen[id] = struct{}{}
	}
	return max(len(seen), 1)
}
