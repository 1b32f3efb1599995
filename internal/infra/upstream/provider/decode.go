package provider

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	spb "google.golang.org/genproto/googleapis/rpc/status"
)

// MalformedError reports a body that is not the structured data expected.
type MalformedError struct {
	Snippet string
	Err     error
}

func (e *MalformedError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("malformed response (%v): %s", e.Err, e.Snippet)
	}
	return "malformed response: " + e.Snippet
}

func (e *MalformedError) Unwrap() error { return e.Err }

func malformed(body []byte, err error) *MalformedError {
	return &MalformedError{Snippet: Snippet(body, 120), Err: err}
}

// Snippet returns at most n bytes of body on a single line.
func Snippet(body []byte, n int) string {
	s := strings.Join(strings.Fields(string(body)), " ")
	if len(s) > n {
		return s[:n] + "..."
	}
	return s
}

// IsHTML reports whether a body is an HTML page rather than JSON.
func IsHTML(body []byte, contentType string) bool {
	if strings.HasPrefix(strings.ToLower(contentType), "text/html") {
		return true
	}
	trimmed := bytes.TrimSpace(body)
	return len(trimmed) > 0 && trimmed[0] == '<'
}

// DecodeMediaID reads the media id from a prepare response.
func DecodeMediaID(body []byte) (string, error) {
	var resp struct {
		MediaID string `json:"media_id"`
		Name    string `json:"name"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", malformed(body, err)
	}
	if resp.MediaID != "" {
		return resp.MediaID, nil
	}
	if resp.Name != "" {
		return resp.Name, nil
	}
	return "", malformed(body, errors.New("missing media id"))
}

// SubmitResult is a decoded submit response. Async kinds carry a Handle,
// sync kinds a ResultRef.
type SubmitResult struct {
	Handle    string
	ResultRef string
}

// DecodeSubmit reads an operation handle or a direct result from a submit response.
func DecodeSubmit(body []byte) (SubmitResult, error) {
	var resp struct {
		Name      string `json:"name"`
		Operation *struct {
			Name string `json:"name"`
		} `json:"operation"`
		ResultRef string `json:"result_ref"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return SubmitResult{}, malformed(body, err)
	}
	out := SubmitResult{Handle: resp.Name, ResultRef: resp.ResultRef}
	if out.Handle == "" && resp.Operation != nil {
		out.Handle = resp.Operation.Name
	}
	if out.Handle == "" && out.ResultRef == "" {
		return SubmitResult{}, malformed(body, errors.New("missing operation handle"))
	}
	return out, nil
}

// PollState is the provider-side state of an operation.
type PollState string

const (
	PollPending   PollState = "pending"
	PollSucceeded PollState = "succeeded"
	PollFailed    PollState = "failed"
)

// PollStatus is a decoded poll response.
type PollStatus struct {
	State     PollState
	ResultRef string
	Error     *spb.Status
}

// DecodePoll reads a long-running operation status.
func DecodePoll(body []byte) (PollStatus, error) {
	var resp struct {
		Done     bool       `json:"done"`
		Error    *restError `json:"error"`
		Response *struct {
			ResultRef string `json:"result_ref"`
			URI       string `json:"uri"`
		} `json:"response"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return PollStatus{}, malformed(body, err)
	}
	if resp.Error != nil {
		return PollStatus{State: PollFailed, Error: resp.Error.toStatus()}, nil
	}
	if !resp.Done {
		return PollStatus{State: PollPending}, nil
	}
	if resp.Response == nil {
		return PollStatus{}, malformed(body, errors.New("done without response"))
	}
	ref := resp.Response.ResultRef
	if ref == "" {
		ref = resp.Response.URI
	}
	if ref == "" {
		return PollStatus{}, malformed(body, errors.New("done without result reference"))
	}
	return PollStatus{State: PollSucceeded, ResultRef: ref}, nil
}
