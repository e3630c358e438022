package errors

import (
	"encoding/json"
	stderrors "errors"
	"fmt"
	"net/http"
)

// GatewayError is an error that can be returned to clients.
// Status is the HTTP status; only Message and Code reach the client body.
type GatewayError struct {
	Status     int    `json:"-"`
	Message    string `json:"message"`
	Code       string `json:"code"`
	underlying error
}

// body is the client-facing envelope.
type body struct {
	Status  string `json:"status"`
	Message string `json:"message"`
	Code    string `json:"code"`
}

func (e *GatewayError) Error() string {
	if e.underlying != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.underlying)
	}
	return e.Message
}

func (e *GatewayError) Unwrap() error {
	return e.underlying
}

// Is reports whether target carries the same code, so wrapped copies
// of a sentinel still match errors.Is.
func (e *GatewayError) Is(target error) bool {
	t, ok := target.(*GatewayError)
	if !ok {
		return false
	}
	return e.Code == t.Code && e.Status == t.Status
}

// WriteJSON writes the error as JSON to the response.
// Sentinels use pre-serialized bytes.
func (e *GatewayError) WriteJSON(w http.ResponseWriter) {
	h := w.Header()
	h.Set("Content-Type", "application/json; charset=utf-8")
	h.Del("Content-Length")
	w.WriteHeader(e.Status)
	if pre, ok := preSerialized[e]; ok {
		w.Write(pre)
		return
	}
	json.NewEncoder(w).Encode(body{Status: "error", Message: e.Message, Code: e.Code})
}

// Common errors
var (
	ErrRouteNotFound = &GatewayError{
		Status:  http.StatusNotFound,
		Message: "The requested resource was not found",
		Code:    "ROUTE_NOT_FOUND",
	}

	ErrMissingCredential = &GatewayError{
		Status:  http.StatusUnauthorized,
		Message: "You are not logged in! Please log in to get access.",
		Code:    "MISSING_CREDENTIAL",
	}

	ErrInvalidCredential = &GatewayError{
		Status:  http.StatusUnauthorized,
		Message: "Authentication failed",
		Code:    "INVALID_CREDENTIAL",
	}

	ErrRateLimited = &GatewayError{
		Status:  http.StatusTooManyRequests,
		Message: "Too many requests from this IP, please try again later",
		Code:    "RATE_LIMIT_EXCEEDED",
	}

	ErrServiceUnavailable = &GatewayError{
		Status:  http.StatusServiceUnavailable,
		Message: "Service is currently unavailable, please try again later",
		Code:    "SERVICE_UNAVAILABLE",
	}

	ErrConnectionReset = &GatewayError{
		Status:  http.StatusGatewayTimeout,
		Message: "Connection was reset, please try again",
		Code:    "CONNECTION_RESET",
	}

	ErrRequestTimeout = &GatewayError{
		Status:  http.StatusGatewayTimeout,
		Message: "Request timed out, please try again",
		Code:    "REQUEST_TIMEOUT",
	}

	ErrUpstreamFailure = &GatewayError{
		Status:  http.StatusInternalServerError,
		Message: "Service temporarily unavailable",
		Code:    "UNKNOWN_ERROR",
	}

	ErrPayloadTooLarge = &GatewayError{
		Status:  http.StatusRequestEntityTooLarge,
		Message: "Request body is too large",
		Code:    "PAYLOAD_TOO_LARGE",
	}

	ErrInvalidBody = &GatewayError{
		Status:  http.StatusBadRequest,
		Message: "Request body could not be parsed",
		Code:    "INVALID_BODY",
	}

	ErrInternal = &GatewayError{
		Status:  http.StatusInternalServerError,
		Message: "Internal Server Error",
		Code:    "INTERNAL_ERROR",
	}
)

// preSerialized holds JSON-encoded bytes for the sentinels above.
var preSerialized map[*GatewayError][]byte

func init() {
	bases := []*GatewayError{
		ErrRouteNotFound, ErrMissingCredential, ErrInvalidCredential,
		ErrRateLimited, ErrServiceUnavailable, ErrConnectionReset,
		ErrRequestTimeout, ErrUpstreamFailure, ErrPayloadTooLarge,
		ErrInvalidBody, ErrInternal,
	}
	preSerialized = make(map[*GatewayError][]byte, len(bases))
	for _, e := range bases {
		b, _ := json.Marshal(body{Status: "error", Message: e.Message, Code: e.Code})
		b = append(b, '\n') // match json.Encoder behavior
		preSerialized[e] = b
	}
}

// New creates a new GatewayError.
func New(status int, code, message string) *GatewayError {
	return &GatewayError{
		Status:  status,
		Message: message,
		Code:    code,
	}
}

// Wrap attaches a cause to a copy of e. The cause is logged, never sent.
func (e *GatewayError) Wrap(err error) *GatewayError {
	return &GatewayError{
		Status:     e.Status,
		Message:    e.Message,
		Code:       e.Code,
		underlying: err,
	}
}

// WithCode returns a copy of e with a different machine-readable code.
func (e *GatewayError) WithCode(code string) *GatewayError {
	return &GatewayError{
		Status:     e.Status,
		Message:    e.Message,
		Code:       code,
		underlying: e.underlying,
	}
}

// As extracts a GatewayError from err's chain.
func As(err error) (*GatewayError, bool) {
	var ge *GatewayError
	if stderrors.As(err, &ge) {
		return ge, true
	}
	return nil, false
}
