package provider

import (
	"encoding/json"
	"net/http"
	"strconv"

	"google.golang.org/genproto/googleapis/rpc/errdetails"
	spb "google.golang.org/genproto/googleapis/rpc/status"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/anypb"
)

var detailOptions = protojson.UnmarshalOptions{DiscardUnknown: true}

// restError is the Google REST error object. Code is the HTTP status and
// Status the canonical code name.
type restError struct {
	Code    int               `json:"code"`
	Message string            `json:"message"`
	Status  string            `json:"status"`
	Details []json.RawMessage `json:"details"`
}

// ParseStatus extracts a google.rpc.Status from a body that is either a REST
// error envelope {"error": {...}} or a long-running operation carrying an
// "error" field. It returns nil when the body carries no error object.
func ParseStatus(body []byte) *spb.Status {
	var envelope struct {
		Error *restError `json:"error"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil || envelope.Error == nil {
		return nil
	}
	return envelope.Error.toStatus()
}

func (e *restError) toStatus() *spb.Status {
	st := &spb.Status{Message: e.Message}

	switch {
	case e.Status != "":
		var c codes.Code
		if err := c.UnmarshalJSON([]byte(strconv.Quote(e.Status))); err == nil {
			st.Code = int32(c)
		} else {
			st.Code = int32(codeFromHTTP(e.Code))
		}
	case e.Code > 0 && e.Code <= int(codes.Unauthenticated):
		// Operation errors carry canonical codes directly.
		st.Code = int32(e.Code)
	default:
		st.Code = int32(codeFromHTTP(e.Code))
	}

	for _, raw := range e.Details {
		// Detail types resolve through the global registry; errdetails
		// registers ErrorInfo and friends on import.
		detail := &anypb.Any{}
		if err := detailOptions.Unmarshal(raw, detail); err != nil {
			continue
		}
		st.Details = append(st.Details, detail)
	}
	return st
}

// StatusError converts a body's error object into a gRPC status error.
func StatusError(body []byte) error {
	st := ParseStatus(body)
	if st == nil {
		return nil
	}
	return status.ErrorProto(st)
}

// ErrorReasons returns the ErrorInfo reasons attached to st.
func ErrorReasons(st *status.Status) []string {
	var reasons []string
	for _, d := range st.Details() {
		if info, ok := d.(*errdetails.ErrorInfo); ok && info.GetReason() != "" {
			reasons = append(reasons, info.GetReason())
		}
	}
	return reasons
}

func codeFromHTTP(httpStatus int) codes.Code {
	switch httpStatus {
	case http.StatusBadRequest:
		return codes.InvalidArgument
	case http.StatusUnauthorized:
		return codes.Unauthenticated
	case http.StatusForbidden:
		return codes.PermissionDenied
	case http.StatusNotFound:
		return codes.NotFound
	case http.StatusConflict:
		return codes.Aborted
	case http.StatusTooManyRequests:
		return codes.ResourceExhausted
	case 499:
		return codes.Canceled
	case http.StatusInternalServerError:
		return codes.Internal
	case http.StatusNotImplemented:
		return codes.Unimplemented
	case http.StatusServiceUnavailable:
		return codes.Unavailable
	case http.StatusGatewayTimeout:
		return codes.DeadlineExceeded
	default:
		return codes.Unknown
	}
}
