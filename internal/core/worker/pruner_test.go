package worker

import (
	"context"
	"testing"
	"time"

	"github.com/vietddude/genrelay/internal/core/domain"
	"github.com/vietddude/genrelay/internal/generation/emitter"
)

type recordingTarget struct {
	cutoffs []time.Time
}

func (r *recordingTarget) Prune(before time.Time) int {
	r.cutoffs = append(r.cutoffs, before)
	return 1
}

func TestPruner_UsesRetentionCutoff(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	target := &recordingTarget{}
	p := NewPruner("streams", 30*time.Minute, target)
	p.now = func() time.Time { return now }

	if n := p.Prune(); n != 1 {
		t.Fatalf("Prune = %d, want 1", n)
	}
	if want := now.Add(-30 * time.Minute); !target.cutoffs[0].Equal(want) {
		t.Errorf("cutoff = %v, want %v", target.cutoffs[0], want)
	}
}

func TestPruner_DropsFinishedStreams(t *testing.T) {
	hub := emitter.NewHub()
	ctx := context.Background()
	_ = hub.Emit(ctx, &domain.Event{Type: domain.EventTypeStatus, BatchID: "done"})
	_ = hub.Emit(ctx, &domain.Event{Type: domain.EventTypeComplete, BatchID: "done"})
	_ = hub.Emit(ctx, &domain.Event{Type: domain.EventTypeStatus, BatchID: "running"})

	p := NewPruner("streams", time.Minute, hub)
	p.now = func() time.Time { return time.Now().Add(2 * time.Minute) }

	if n := p.Prune(); n != 1 {
		t.Fatalf("Prune = %d, want 1", n)
	}
	if hub.Known("done") {
		t.Error("finished stream still retained")
	}
	if !hub.Known("running") {
		t.Error("running stream was pruned")
	}
}

func TestPruner_DisabledWithoutRetention(t *testing.T) {
	target := &recordingTarget{}
	p := NewPruner("streams", 0, target)

	done := make(chan struct{})
	go func() {
		p.Start(context.Background())
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Start did not return with retention disabled")
	}
	if len(target.cutoffs) != 0 {
		t.Errorf("pruned %d times, want 0", len(target.cutoffs))
	}
}
