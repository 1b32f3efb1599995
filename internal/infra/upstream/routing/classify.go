package routing

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strings"

	"github.com/aws/smithy-go"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/vietddude/genrelay/internal/infra/upstream/provider"
)

// Outcome is the recovery-relevant class of a provider reply.
type Outcome int

const (
	OutcomeSuccess Outcome = iota
	OutcomeAuthFailure
	OutcomeAssetMismatch
	OutcomeCongestion
	OutcomeMalformed
	OutcomeTimeout
	OutcomeTerminal
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomeAuthFailure:
		return "authentication_failure"
	case OutcomeAssetMismatch:
		return "asset_ownership_mismatch"
	case OutcomeCongestion:
		return "transient_congestion"
	case OutcomeMalformed:
		return "malformed_response"
	case OutcomeTimeout:
		return "timeout"
	case OutcomeTerminal:
		return "terminal_failure"
	default:
		return "unknown"
	}
}

// Retryable reports whether another attempt may succeed.
func (o Outcome) Retryable() bool {
	return o != OutcomeSuccess && o != OutcomeTerminal
}

// Classification is the classifier's verdict on one reply.
type Classification struct {
	Outcome Outcome
	Code    codes.Code
	Reason  string
}

func (c Classification) String() string {
	if c.Reason == "" {
		return c.Outcome.String()
	}
	return c.Outcome.String() + ": " + c.Reason
}

// Signal patterns, matched against lowercased messages and bodies. They are
// the last signal consulted; status codes and structured reasons win.
var (
	authPatterns = []string{
		"unauthorized",
		"unauthenticated",
		"invalid credentials",
		"invalid authentication",
		"api key not valid",
		"api_key_invalid",
		"invalid api key",
		"token has expired",
		"unrecognizedclient",
		"invalidsignature",
	}
	congestionPatterns = []string{
		"rate limit",
		"too many requests",
		"high traffic",
		"resource has been exhausted",
		"resource_exhausted",
		"quota exceeded",
		"overloaded",
		"try again later",
		"throttl",
	}
	malformedPatterns = []string{
		"lmroot",
		"<!doctype",
		"<html",
	}
	assetPatterns = []string{
		"media_not_found",
		"invalid_media",
		"media id",
		"media_id",
		"mediagenerationid",
		"not owned by",
	}
	assetReasons = map[string]bool{
		"MEDIA_NOT_FOUND":              true,
		"INVALID_MEDIA_ID":             true,
		"MEDIA_OWNERSHIP_MISMATCH":     true,
		"PUBLIC_ERROR_MEDIA_NOT_FOUND": true,
	}
)

func matchAny(s string, patterns []string) bool {
	for _, p := range patterns {
		if strings.Contains(s, p) {
			return true
		}
	}
	return false
}

// Classify maps a reply or a call error to an Outcome. It is a pure function
// of its inputs: the same reply always yields the same classification.
func Classify(resp *provider.Response, err error) Classification {
	if err != nil {
		return ClassifyError(err)
	}
	if resp == nil {
		return Classification{Outcome: OutcomeMalformed, Reason: "empty response"}
	}
	return ClassifyResponse(resp)
}

// ClassifyError classifies an error raised by a remote call.
func ClassifyError(err error) Classification {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return Classification{Outcome: OutcomeTimeout, Code: codes.DeadlineExceeded, Reason: "call timed out"}
	case errors.Is(err, context.Canceled):
		return Classification{Outcome: OutcomeTerminal, Code: codes.Canceled, Reason: "call canceled"}
	case errors.Is(err, provider.ErrUnsupported):
		return Classification{Outcome: OutcomeTerminal, Code: codes.Unimplemented, Reason: err.Error()}
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return Classification{Outcome: OutcomeTimeout, Code: codes.DeadlineExceeded, Reason: "call timed out"}
	}

	var malformed *provider.MalformedError
	if errors.As(err, &malformed) {
		return Classification{Outcome: OutcomeMalformed, Reason: malformed.Snippet}
	}

	if st, ok := status.FromError(err); ok {
		return classifyStatus(st)
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		return classifyAPIError(apiErr)
	}

	msg := strings.ToLower(err.Error())
	switch {
	case matchAny(msg, authPatterns):
		return Classification{Outcome: OutcomeAuthFailure, Code: codes.Unauthenticated, Reason: err.Error()}
	case matchAny(msg, malformedPatterns):
		return Classification{Outcome: OutcomeMalformed, Reason: err.Error()}
	}
	// Transport failures are transient on any credential.
	return Classification{Outcome: OutcomeCongestion, Code: codes.Unavailable, Reason: err.Error()}
}

// ClassifyResponse classifies an HTTP-like reply. The status code is weighed
// first, then a structured error object, then text patterns.
func ClassifyResponse(resp *provider.Response) Classification {
	body := resp.Body
	lower := strings.ToLower(string(body))
	html := provider.IsHTML(body, resp.ContentType)

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return Classification{Outcome: OutcomeAuthFailure, Code: codes.Unauthenticated, Reason: "HTTP 401"}
	case resp.StatusCode == http.StatusTooManyRequests:
		return Classification{Outcome: OutcomeCongestion, Code: codes.ResourceExhausted, Reason: "HTTP 429"}
	case resp.StatusCode == http.StatusRequestTimeout || resp.StatusCode == http.StatusGatewayTimeout:
		return Classification{Outcome: OutcomeTimeout, Code: codes.DeadlineExceeded, Reason: http.StatusText(resp.StatusCode)}
	}

	if html || (!json.Valid(body) && matchAny(lower, malformedPatterns)) {
		return Classification{Outcome: OutcomeMalformed, Reason: "HTML instead of JSON: " + provider.Snippet(body, 80)}
	}

	if st := provider.ParseStatus(body); st != nil {
		c := classifyStatus(status.FromProto(st))
		if resp.StatusCode >= 500 && c.Outcome == OutcomeTerminal {
			c.Outcome = OutcomeCongestion
		}
		return c
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		if !json.Valid(body) {
			return Classification{Outcome: OutcomeMalformed, Reason: "invalid JSON: " + provider.Snippet(body, 80)}
		}
		return Classification{Outcome: OutcomeSuccess, Code: codes.OK}
	case resp.StatusCode >= 500:
		return Classification{Outcome: OutcomeCongestion, Code: codes.Unavailable, Reason: http.StatusText(resp.StatusCode)}
	}

	reason := provider.Snippet(body, 160)
	switch {
	case resp.StatusCode == http.StatusForbidden && matchAny(lower, congestionPatterns):
		return Classification{Outcome: OutcomeCongestion, Code: codes.ResourceExhausted, Reason: reason}
	case resp.StatusCode == http.StatusForbidden || matchAny(lower, authPatterns):
		return Classification{Outcome: OutcomeAuthFailure, Code: codes.PermissionDenied, Reason: reason}
	case matchAny(lower, congestionPatterns):
		return Classification{Outcome: OutcomeCongestion, Code: codes.ResourceExhausted, Reason: reason}
	case matchAny(lower, assetPatterns):
		return Classification{Outcome: OutcomeAssetMismatch, Code: codes.InvalidArgument, Reason: reason}
	}
	return Classification{Outcome: OutcomeTerminal, Code: codes.Unknown, Reason: "HTTP " + http.StatusText(resp.StatusCode) + ": " + reason}
}

func classifyStatus(st *status.Status) Classification {
	msg := st.Message()
	lower := strings.ToLower(msg)
	c := Classification{Code: st.Code(), Reason: msg}
	if c.Reason == "" {
		c.Reason = st.Code().String()
	}

	assetSignal := matchAny(lower, assetPatterns)
	for _, reason := range provider.ErrorReasons(st) {
		if assetReasons[reason] {
			assetSignal = true
		}
	}

	switch st.Code() {
	case codes.Unauthenticated:
		c.Outcome = OutcomeAuthFailure
	case codes.PermissionDenied:
		if matchAny(lower, congestionPatterns) {
			c.Outcome = OutcomeCongestion
		} else {
			c.Outcome = OutcomeAuthFailure
		}
	case codes.ResourceExhausted, codes.Unavailable, codes.Aborted:
		c.Outcome = OutcomeCongestion
	case codes.DeadlineExceeded:
		c.Outcome = OutcomeTimeout
	case codes.InvalidArgument, codes.FailedPrecondition, codes.NotFound:
		switch {
		case assetSignal:
			c.Outcome = OutcomeAssetMismatch
		case matchAny(lower, congestionPatterns):
			c.Outcome = OutcomeCongestion
		default:
			c.Outcome = OutcomeTerminal
		}
	case codes.Internal, codes.Unknown:
		switch {
		case matchAny(lower, authPatterns):
			c.Outcome = OutcomeAuthFailure
		case matchAny(lower, malformedPatterns):
			c.Outcome = OutcomeMalformed
		case assetSignal:
			c.Outcome = OutcomeAssetMismatch
		case st.Code() == codes.Internal, matchAny(lower, congestionPatterns):
			c.Outcome = OutcomeCongestion
		default:
			// An explicit failure without a code or a retryable signature.
			c.Outcome = OutcomeTerminal
		}
	default:
		c.Outcome = OutcomeTerminal
	}
	return c
}

func classifyAPIError(apiErr smithy.APIError) Classification {
	c := Classification{Reason: apiErr.ErrorCode() + ": " + apiErr.ErrorMessage()}
	switch apiErr.ErrorCode() {
	case "UnrecognizedClientException", "InvalidSignatureException", "AccessDeniedException",
		"ExpiredTokenException", "InvalidClientTokenId":
		c.Outcome, c.Code = OutcomeAuthFailure, codes.Unauthenticated
	case "TooManyRequestsException", "ThrottlingException", "ServiceFailureException", "ServiceUnavailable":
		c.Outcome, c.Code = OutcomeCongestion, codes.Unavailable
	case "RequestTimeout", "RequestTimeoutException":
		c.Outcome, c.Code = OutcomeTimeout, codes.DeadlineExceeded
	case "InvalidSsmlException", "TextLengthExceededException", "LexiconNotFoundException",
		"MarksNotSupportedForFormatException", "InvalidSampleRateException", "EngineNotSupportedException",
		"LanguageNotSupportedException", "ValidationException":
		c.Outcome, c.Code = OutcomeTerminal, codes.InvalidArgument
	default:
		if apiErr.ErrorFault() == smithy.FaultServer {
			c.Outcome, c.Code = OutcomeCongestion, codes.Unavailable
		} else {
			c.Outcome, c.Code = OutcomeTerminal, codes.Unknown
		}
	}
	return c
}
