// Package api exposes job submission, batch streams, status queries and
// credential administration over HTTP.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/vietddude/genrelay/internal/core/pool"
	"github.com/vietddude/genrelay/internal/generation/batch"
	"github.com/vietddude/genrelay/internal/generation/emitter"
	"github.com/vietddude/genrelay/internal/generation/job"
	"github.com/vietddude/genrelay/internal/infra/upstream/provider"
)

// Deps are the services the API serves.
type Deps struct {
	Jobs     *job.Service
	Batches  *batch.Coordinator
	Hub      *emitter.Hub
	Pool     *pool.Pool
	Audio    *provider.AudioCache // nil when speech is disabled
	Monitors *provider.MonitorSet // optional per-credential upstream stats
	Schemas  *Schemas
	Logger   *slog.Logger
}

type Server struct {
	jobs     *job.Service
	batches  *batch.Coordinator
	hub      *emitter.Hub
	pool     *pool.Pool
	audio    *provider.AudioCache
	monitors *provider.MonitorSet
	schemas  *Schemas
	log      *slog.Logger

	// background outlives requests; batches keep running after the client
	// that started them disconnects.
	background context.Context

	srv *http.Server
}

func NewServer(ctx context.Context, deps Deps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default().With("component", "api")
	}
	return &Server{
		jobs:       deps.Jobs,
		batches:    deps.Batches,
		hub:        deps.Hub,
		pool:       deps.Pool,
		audio:      deps.Audio,
		monitors:   deps.Monitors,
		schemas:    deps.Schemas,
		log:        logger,
		background: context.WithoutCancel(ctx),
	}
}

func (s *Server) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(TraceMiddleware())
	r.Use(RequestLogMiddleware(s.log))

	v1 := r.Group("/api/v1")
	v1.GET("/healthz", func(c *gin.Context) {
		writeData(c, http.StatusOK, gin.H{"status": "ok", "active_credentials": s.pool.ActiveCount()})
	})

	v1.POST("/jobs", s.submitJob)
	v1.GET("/jobs/:job_id", s.getJob)
	v1.GET("/status", s.status)

	v1.POST("/batches", s.createBatch)
	v1.GET("/batches/:batch_id/events", s.streamBatchEvents)

	v1.GET("/credentials", s.listCredentials)
	v1.POST("/credentials", s.addCredential)
	v1.POST("/credentials/:credential_id/retire", s.retireCredential)

	v1.GET("/audio/:key", s.getAudio)

	return r
}

// Start serves the API on port until Stop.
func (s *Server) Start(port int) error {
	s.srv = &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.log.Info("API server listening", "port", port)
	if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop gracefully shuts the server down.
func (s *Server) Stop(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}
