package gateway

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/Curve-Labs/egregore-site-sub000/internal/graph"
	"github.com/Curve-Labs/egregore-site-sub000/internal/guard"
)

// Caller-visible codes raised by the pipeline itself. Policy codes come
// from guard.
const (
	CodeInvalidRequest     = "invalid_request"
	CodeRateLimited        = "rate_limited"
	CodeUpstream           = "upstream_error"
	CodeLimiterUnavailable = "rate_limiter_unavailable"
)

// Error is a pipeline rejection. It carries everything a handler needs to
// answer the caller and nothing from the statement itself.
type Error struct {
	Code   string
	Status int
	// Tokens names the offending keywords for policy rejections.
	Tokens []string
	// Index is the batch position of the offending query, or -1.
	Index int
	// Limit and Window are set for rate_limited.
	Limit      int
	Window     time.Duration
	RetryAfter time.Duration
	Err        error
}

func (e *Error) Error() string {
	msg := e.Code
	if e.Index >= 0 {
		msg = fmt.Sprintf("query %d: %s", e.Index, msg)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// AsError returns err as *Error, or nil.
func AsError(err error) *Error {
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return nil
}

func invalidRequest(msg string) *Error {
	return &Error{Code: CodeInvalidRequest, Status: http.StatusBadRequest, Index: -1, Err: errors.New(msg)}
}

func policyError(v *guard.Violation, index int) *Error {
	status := http.StatusBadRequest
	if v.Code == guard.CodeOversize {
		status = http.StatusRequestEntityTooLarge
	}
	return &Error{Code: string(v.Code), Status: status, Tokens: v.Tokens, Index: index}
}

func upstreamError(err error) *Error {
	e := &Error{Code: CodeUpstream, Status: http.StatusBadGateway, Index: -1, Err: err}
	var ue *graph.UpstreamError
	if errors.As(err, &ue) {
		e.Tokens = ue.Codes()
	}
	return e
}
