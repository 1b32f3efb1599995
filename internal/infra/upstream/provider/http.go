package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/vietddude/genrelay/internal/core/domain"
)

const maxBodyBytes = 32 << 20

// HTTPConfig configures an HTTPProvider.
type HTTPConfig struct {
	Name        string
	BaseURL     string
	PreparePath string // e.g. "/v1/media:upload"
	SubmitPath  string // e.g. "/v1/videos:generate"; "{kind}" expands to the operation kind
	PollPath    string // e.g. "/v1/{handle}"
	AuthHeader  string // default "Authorization"
	AuthScheme  string // default "Bearer"; empty sends the raw secret
}

// HTTPProvider implements Generator for JSON over HTTP. The credential secret
// is sent on every call, so one provider serves the whole pool.
type HTTPProvider struct {
	cfg        HTTPConfig
	httpClient *http.Client

	Monitors *MonitorSet
}

// NewHTTPProvider creates a new HTTP generation provider.
func NewHTTPProvider(cfg HTTPConfig) *HTTPProvider {
	if cfg.AuthHeader == "" {
		cfg.AuthHeader = "Authorization"
		if cfg.AuthScheme == "" {
			cfg.AuthScheme = "Bearer"
		}
	}
	if cfg.Name == "" {
		cfg.Name = "http"
	}
	return &HTTPProvider{
		cfg: cfg,
		httpClient: &http.Client{
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 20,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		Monitors: NewMonitorSet(),
	}
}

// Name returns the provider's name.
func (p *HTTPProvider) Name() string {
	return p.cfg.Name
}

// Prepare uploads a reference asset.
func (p *HTTPProvider) Prepare(ctx context.Context, cred domain.Credential, in AssetInput) (*Response, error) {
	body := map[string]any{
		"job_id":    in.JobID,
		"kind":      in.Kind,
		"reference": in.Reference,
	}
	return p.do(ctx, cred, http.MethodPost, p.path(p.cfg.PreparePath, in.Kind, ""), body)
}

// Submit starts a generation.
func (p *HTTPProvider) Submit(ctx context.Context, cred domain.Credential, in SubmitInput) (*Response, error) {
	body := map[string]any{
		"job_id": in.JobID,
		"kind":   in.Kind,
		"prompt": in.Prompt,
	}
	if in.AspectRatio != "" {
		body["aspect_ratio"] = in.AspectRatio
	}
	if len(in.Payload) > 0 {
		body["payload"] = in.Payload
	}
	if in.AssetID != "" {
		body["media_id"] = in.AssetID
	}
	return p.do(ctx, cred, http.MethodPost, p.path(p.cfg.SubmitPath, in.Kind, ""), body)
}

// Poll fetches an operation's status.
func (p *HTTPProvider) Poll(ctx context.Context, cred domain.Credential, handle string) (*Response, error) {
	if handle == "" {
		return nil, fmt.Errorf("poll: empty operation handle")
	}
	return p.do(ctx, cred, http.MethodGet, p.path(p.cfg.PollPath, "", handle), nil)
}

func (p *HTTPProvider) path(tmpl string, kind domain.OperationKind, handle string) string {
	r := strings.NewReplacer(
		"{kind}", string(kind),
		"{handle}", url.PathEscape(handle),
	)
	// Handles like "operations/abc" keep their slash.
	return strings.TrimRight(p.cfg.BaseURL, "/") + strings.ReplaceAll(r.Replace(tmpl), "%2F", "/")
}

func (p *HTTPProvider) do(ctx context.Context, cred domain.Credential, method, endpoint string, payload any) (*Response, error) {
	start := time.Now()

	var reader io.Reader
	if payload != nil {
		jsonData, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(jsonData)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if p.cfg.AuthScheme != "" {
		req.Header.Set(p.cfg.AuthHeader, p.cfg.AuthScheme+" "+cred.Secret)
	} else {
		req.Header.Set(p.cfg.AuthHeader, cred.Secret)
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s call: %w", p.cfg.Name, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	latency := time.Since(start)

	p.Monitors.For(cred.ID).Observe(resp.StatusCode, latency, body)

	return &Response{
		StatusCode:  resp.StatusCode,
		Body:        body,
		ContentType: resp.Header.Get("Content-Type"),
		Latency:     latency,
	}, nil
}
