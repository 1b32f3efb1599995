package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/vietddude/genrelay/internal/core/domain"
	"github.com/vietddude/genrelay/internal/generation/batch"
	"github.com/vietddude/genrelay/internal/generation/emitter"
)

type batchRequest struct {
	Items       []domain.JobSpec `json:"items"`
	AspectRatio string           `json:"aspect_ratio"`
}

// createBatch starts a batch and answers with its event stream.
func (s *Server) createBatch(c *gin.Context) {
	var req batchRequest
	if !bindValidated(c, s.schemas.Batch, &req) {
		return
	}

	b, err := s.batches.Start(s.background, batch.Request{Items: req.Items, AspectRatio: req.AspectRatio})
	if err != nil {
		writeFailure(c, err, nil)
		return
	}
	c.Writer.Header().Set("X-Batch-Id", b.ID)
	s.stream(c, b.ID, 0)
}

// streamBatchEvents re-attaches to a batch stream, replaying events after
// Last-Event-ID (or from_seq).
func (s *Server) streamBatchEvents(c *gin.Context) {
	batchID := c.Param("batch_id")
	if !s.hub.Known(batchID) {
		writeError(c, http.StatusNotFound, "BATCH_NOT_FOUND", "Batch not found", false, nil)
		return
	}

	fromSeq := emitter.ParseLastEventID(c.GetHeader("Last-Event-ID"))
	if q := c.Query("from_seq"); q != "" {
		if v, err := strconv.Atoi(q); err == nil && v > 0 {
			fromSeq = v
		}
	}
	s.stream(c, batchID, fromSeq)
}

func (s *Server) stream(c *gin.Context, batchID string, fromSeq int) {
	backlog, sub, unsubscribe := s.hub.Subscribe(batchID, fromSeq, 128)
	defer unsubscribe()

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Writer.Header().Set("X-Accel-Buffering", "no")

	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		writeError(c, http.StatusInternalServerError, "SSE_UNSUPPORTED", "Streaming unsupported", false, nil)
		return
	}
	c.Status(http.StatusOK)

	for _, evt := range backlog {
		if err := emitter.WriteEvent(c.Writer, evt); err != nil {
			return
		}
	}
	flusher.Flush()

	heartbeat := time.NewTicker(emitter.KeepAliveInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-c.Request.Context().Done():
			return
		case evt, ok := <-sub:
			if !ok {
				return
			}
			if err := emitter.WriteEvent(c.Writer, evt); err != nil {
				return
			}
			flusher.Flush()
		case <-heartbeat.C:
			if err := emitter.WriteKeepAlive(c.Writer); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}
