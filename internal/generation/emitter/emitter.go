// Package emitter fans batch events out to stream subscribers.
package emitter

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vietddude/genrelay/internal/core/domain"
	"github.com/vietddude/genrelay/internal/generation/metrics"
)

// ErrStreamClosed is returned when emitting to a stream that already
// received its complete event.
var ErrStreamClosed = errors.New("batch stream already completed")

// Emitter defines the interface for emitting batch events
type Emitter interface {
	// Emit assigns the next sequence number and delivers the event
	Emit(ctx context.Context, event *domain.Event) error

	// Close closes every stream
	Close() error
}

// stream is the event history and live subscribers of one batch.
type stream struct {
	backlog    []domain.Event
	subs       map[string]chan domain.Event
	done       bool
	finishedAt time.Time
}

// Hub keeps a backlog per batch so late subscribers replay what they missed,
// and delivers new events to live subscribers without blocking the producer.
type Hub struct {
	mu      sync.Mutex
	streams map[string]*stream
	now     func() time.Time
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{
		streams: make(map[string]*stream),
		now:     time.Now,
	}
}

func (h *Hub) streamLocked(batchID string) *stream {
	s, ok := h.streams[batchID]
	if !ok {
		s = &stream{subs: make(map[string]chan domain.Event)}
		h.streams[batchID] = s
	}
	return s
}

// Emit appends the event to the batch backlog and delivers it to subscribers.
// A complete event closes the stream and every subscriber channel.
func (h *Hub) Emit(ctx context.Context, event *domain.Event) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	s := h.streamLocked(event.BatchID)
	if s.done {
		return ErrStreamClosed
	}
	event.Seq = len(s.backlog) + 1
	event.EmittedAt = h.now()
	s.backlog = append(s.backlog, *event)

	for id, ch := range s.subs {
		select {
		case ch <- *event:
		default:
			// Slow subscriber; it can re-attach and replay from the backlog.
			close(ch)
			delete(s.subs, id)
			metrics.StreamSubscribers.Dec()
		}
	}

	if event.Type == domain.EventTypeComplete {
		s.done = true
		s.finishedAt = event.EmittedAt
		for id, ch := range s.subs {
			close(ch)
			delete(s.subs, id)
			metrics.StreamSubscribers.Dec()
		}
	}
	return nil
}

// Subscribe returns the events after fromSeq already emitted for a batch and a
// channel of later ones. The channel is closed after the complete event, or
// immediately when the batch already completed. The returned func
// unsubscribes and is safe to call more than once.
func (h *Hub) Subscribe(batchID string, fromSeq, buf int) ([]domain.Event, <-chan domain.Event, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	s := h.streamLocked(batchID)
	var backlog []domain.Event
	if fromSeq < len(s.backlog) {
		backlog = append(backlog, s.backlog[max(fromSeq, 0):]...)
	}

	ch := make(chan domain.Event, buf)
	if s.done {
		close(ch)
		return backlog, ch, func() {}
	}

	id := uuid.NewString()
	s.subs[id] = ch
	metrics.StreamSubscribers.Inc()

	unsubscribe := func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		c, ok := s.subs[id]
		if !ok {
			return
		}
		delete(s.subs, id)
		close(c)
		metrics.StreamSubscribers.Dec()
	}
	return backlog, ch, unsubscribe
}

// Known reports whether any event was emitted for a batch.
func (h *Hub) Known(batchID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	s, ok := h.streams[batchID]
	return ok && len(s.backlog) > 0
}

// Finished reports whether a batch stream received its complete event.
func (h *Hub) Finished(batchID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	s, ok := h.streams[batchID]
	return ok && s.done
}

// Prune drops completed streams finished before the threshold and returns
// how many were dropped.
func (h *Hub) Prune(before time.Time) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for id, s := range h.streams {
		if s.done && s.finishedAt.Before(before) {
			delete(h.streams, id)
			n++
		}
	}
	return n
}

// Close closes every subscriber channel.
func (h *Hub) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, s := range h.streams {
		for id, ch := range s.subs {
			close(ch)
			delete(s.subs, id)
			metrics.StreamSubscribers.Dec()
		}
	}
	return nil
}
