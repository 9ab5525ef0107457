// Package api implements the HTTP surface: the response envelope, the stable
// error-code set, request middleware and route handlers.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/Guffawaffle/majel/pkg/canonicalize"
)

// Error codes are stable and machine-readable. Clients switch on Code, never
// on Message.
const (
	CodeUnauthorized     = "UNAUTHORIZED"
	CodeForbidden        = "FORBIDDEN"
	CodeEmailNotVerified = "EMAIL_NOT_VERIFIED"
	CodeAccountLocked    = "ACCOUNT_LOCKED"
	CodeInsufficientRank = "INSUFFICIENT_RANK"
	CodeRateLimited      = "RATE_LIMITED"
	CodeMissingParam     = "MISSING_PARAM"
	CodeInvalidParam     = "INVALID_PARAM"
	CodeNotFound         = "NOT_FOUND"
	CodeConflict         = "CONFLICT"
	CodePayloadTooLarge  = "PAYLOAD_TOO_LARGE"
	CodeRequestTimeout   = "REQUEST_TIMEOUT"
	CodeInternal         = "INTERNAL_ERROR"
)

// StoreUnavailable builds the per-substore 503 code, e.g.
// PROPOSAL_STORE_NOT_AVAILABLE.
func StoreUnavailable(store string) string {
	return store + "_STORE_NOT_AVAILABLE"
}

// Meta accompanies every response.
type Meta struct {
	RequestID  string `json:"requestId"`
	Timestamp  string `json:"timestamp"`
	DurationMs int64  `json:"durationMs"`
}

// ErrorBody is the failure payload of the envelope.
type ErrorBody struct {
	Code    string   `json:"code"`
	Message string   `json:"message"`
	Detail  any      `json:"detail,omitempty"`
	Hints   []string `json:"hints,omitempty"`
}

// Envelope is the uniform response shape.
type Envelope struct {
	OK    bool       `json:"ok"`
	Data  any        `json:"data,omitempty"`
	Error *ErrorBody `json:"error,omitempty"`
	Meta  Meta       `json:"meta"`
}

// Error is a transportable API error. Stores and services return it (or wrap
// a sentinel into it) and handlers pass it to Fail.
type Error struct {
	Status  int
	Code    string
	Message string
	Detail  any
	Hints   []string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// NewError builds an Error with the canonical status for the code.
func NewError(code, message string) *Error {
	return &Error{Status: statusFor(code), Code: code, Message: message}
}

// WithDetail attaches structured detail.
func (e *Error) WithDetail(detail any) *Error {
	e.Detail = detail
	return e
}

// WithHints attaches next-step hints.
func (e *Error) WithHints(hints ...string) *Error {
	e.Hints = append(e.Hints, hints...)
	return e
}

func statusFor(code string) int {
	switch code {
	case CodeUnauthorized:
		return http.StatusUnauthorized
	case CodeForbidden, CodeEmailNotVerified, CodeAccountLocked, CodeInsufficientRank:
		return http.StatusForbidden
	case CodeRateLimited:
		return http.StatusTooManyRequests
	case CodeMissingParam, CodeInvalidParam:
		return http.StatusBadRequest
	case CodeNotFound:
		return http.StatusNotFound
	case CodeConflict:
		return http.StatusConflict
	case CodePayloadTooLarge:
		return http.StatusRequestEntityTooLarge
	case CodeRequestTimeout:
		return http.StatusGatewayTimeout
	case CodeInternal:
		return http.StatusInternalServerError
	default:
		// *_STORE_NOT_AVAILABLE and anything unknown
		return http.StatusServiceUnavailable
	}
}

func buildMeta(r *http.Request) Meta {
	m := Meta{
		RequestID: GetRequestID(r.Context()),
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
	}
	if start, ok := requestStart(r.Context()); ok {
		m.DurationMs = time.Since(start).Milliseconds()
	}
	return m
}

// WriteData writes a success envelope. GET responses carry a weak ETag over
// the canonical form of data only (meta changes per request); a matching
// If-None-Match short-circuits to 304.
func WriteData(w http.ResponseWriter, r *http.Request, status int, data any) {
	if r.Method == http.MethodGet {
		if canonical, err := canonicalize.JCS(data); err == nil {
			etag := `W/"` + canonicalize.HashBytes(canonical) + `"`
			w.Header().Set("ETag", etag)
			if match := r.Header.Get("If-None-Match"); match != "" && match == etag {
				w.WriteHeader(http.StatusNotModified)
				return
			}
		}
	}

	env := Envelope{OK: true, Data: data, Meta: buildMeta(r)}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(env)
}

// WriteErr writes a failure envelope with the canonical status for code.
func WriteErr(w http.ResponseWriter, r *http.Request, apiErr *Error) {
	status := apiErr.Status
	if status == 0 {
		status = statusFor(apiErr.Code)
	}

	body := &ErrorBody{
		Code:    apiErr.Code,
		Message: apiErr.Message,
		Detail:  apiErr.Detail,
		Hints:   apiErr.Hints,
	}

	// 5xx messages are scrubbed; the real error is logged with the
	// request id so operators can correlate.
	if status >= 500 {
		slog.Error("request failed",
			"request_id", GetRequestID(r.Context()),
			"status", status,
			"code", apiErr.Code,
			"error", apiErr.Message,
		)
		body.Message = "Internal server error"
		body.Detail = nil
	}

	env := Envelope{OK: false, Error: body, Meta: buildMeta(r)}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(env)
}

// Fail maps an arbitrary error onto the envelope. *Error values pass through;
// everything else is an INTERNAL_ERROR.
func Fail(w http.ResponseWriter, r *http.Request, err error) {
	var apiErr *Error
	if errors.As(err, &apiErr) {
		WriteErr(w, r, apiErr)
		return
	}
	WriteErr(w, r, &Error{Status: http.StatusInternalServerError, Code: CodeInternal, Message: err.Error()})
}

// WriteInternal logs err and writes a scrubbed 500.
func WriteInternal(w http.ResponseWriter, r *http.Request, err error) {
	WriteErr(w, r, &Error{Status: http.StatusInternalServerError, Code: CodeInternal, Message: err.Error()})
}

// WriteUnavailable writes the 503 for an uninitialised substore.
func WriteUnavailable(w http.ResponseWriter, r *http.Request, store string) {
	WriteErr(w, r, &Error{
		Status:  http.StatusServiceUnavailable,
		Code:    StoreUnavailable(store),
		Message: fmt.Sprintf("%s store is not available", store),
	})
}
