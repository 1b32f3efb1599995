// Package provider implements the remote generation endpoints.
//
// This package contains:
//   - Generator interface: the three call shapes (prepare, submit, poll)
//   - HTTPProvider: JSON over HTTP with per-credential bearer secrets
//   - PollyProvider: synchronous speech synthesis through Amazon Polly
//   - Monitor: per-credential latency and throttle tracking
//   - Decode helpers for media ids, operation handles and poll status
//
// Providers never interpret failures. They return the raw Response (or a
// transport error) and leave classification to the routing package.
package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/vietddude/genrelay/internal/core/domain"
)

// ErrUnsupported is returned by call shapes a provider does not implement.
var ErrUnsupported = errors.New("operation not supported by provider")

// Response is a raw provider reply.
type Response struct {
	StatusCode  int
	Body        []byte
	ContentType string
	Latency     time.Duration
}

// AssetInput describes a reference asset to upload or prepare.
type AssetInput struct {
	JobID     string
	Kind      domain.OperationKind
	Reference json.RawMessage
}

// SubmitInput describes one generation request.
type SubmitInput struct {
	JobID       string
	Kind        domain.OperationKind
	Prompt      string
	AspectRatio string
	Payload     json.RawMessage
	AssetID     string
}

// Generator performs remote calls with a caller-selected credential.
type Generator interface {
	// Name identifies the provider in logs and metrics
	Name() string

	// Prepare uploads a reference asset; the body carries a media id scoped to cred
	Prepare(ctx context.Context, cred domain.Credential, in AssetInput) (*Response, error)

	// Submit starts a generation; the body carries an operation handle or a result
	Submit(ctx context.Context, cred domain.Credential, in SubmitInput) (*Response, error)

	// Poll checks an operation handle issued to cred
	Poll(ctx context.Context, cred domain.Credential, handle string) (*Response, error)
}

// Registry maps operation kinds to the provider that serves them.
type Registry map[domain.OperationKind]Generator

// For returns the provider for kind.
func (r Registry) For(kind domain.OperationKind) (Generator, error) {
	g, ok := r[kind]
	if !ok {
		return nil, fmt.Errorf("no provider for kind %q", kind)
	}
	return g, nil
}
