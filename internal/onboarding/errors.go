package onboarding

import "errors"

// Code identifies an onboarding failure to the caller.
type Code string

const (
	CodeInvalidRequest  Code = "invalid_request"
	CodeUnauthorized    Code = "unauthorized"
	CodeSlugTaken       Code = "slug_taken"
	CodeProvisionFailed Code = "provision_failed"
	CodeConfigFailed    Code = "config_failed"
	CodeDirectoryFailed Code = "directory_failed"
	CodeNotCollaborator Code = "not_collaborator"
	CodeNotAdmin        Code = "not_admin"
	CodeUnknownTenant   Code = "unknown_tenant"
	CodeExpiredToken    Code = "expired_token"
	CodeUnknownToken    Code = "unknown_token"
	CodeUpstream        Code = "upstream_error"
	CodeInternal        Code = "internal_error"
)

// Error is a failed onboarding step. Err holds the cause for logs and is
// not meant for callers.
type Error struct {
	Code   Code
	Fields []string
	Err    error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return string(e.Code) + ": " + e.Err.Error()
	}
	return string(e.Code)
}

func (e *Error) Unwrap() error { return e.Err }

// AsError extracts an *Error from err's chain.
func AsError(err error) (*Error, bool) {
	var oe *Error
	ok := errors.As(err, &oe)
	return oe, ok
}

// CodeOf returns the code of err, or CodeInternal for foreign errors.
func CodeOf(err error) Code {
	if oe, ok := AsError(err); ok {
		return oe.Code
	}
	return CodeInternal
}

func fail(code Code, err error) *Error {
	return &Error{Code: code, Err: err}
}
