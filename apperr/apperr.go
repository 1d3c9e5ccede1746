// Package apperr defines the error taxonomy shared by every service and its
// mapping onto HTTP statuses.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Code identifies a class of failure a caller can act on.
type Code string

const (
	CodeTierLimitExceeded       Code = "tier_limit_exceeded"
	CodeInvalidTransition       Code = "invalid_transition"
	CodeNotEligible             Code = "not_eligible"
	CodeDuplicateListing        Code = "duplicate_listing"
	CodeInvalidInput            Code = "invalid_input"
	CodeForbidden               Code = "forbidden"
	CodeNotFound                Code = "not_found"
	CodeConcurrentModification  Code = "concurrent_modification"
	CodeNoEligibleCandidates    Code = "no_eligible_candidates"
	CodeVerificationTimeout     Code = "verification_timeout"
	CodeVerificationUnavailable Code = "verification_service_unavailable"
	CodeIntegrity               Code = "integrity"
	CodeInternal                Code = "internal"
)

// Class groups codes by how callers are expected to react.
type Class string

const (
	ClassValidation Class = "validation"
	ClassContention Class = "contention"
	ClassExternal   Class = "external"
	ClassFatal      Class = "fatal"
)

type codeInfo struct {
	class     Class
	status    int
	retryable bool
}

var codes = map[Code]codeInfo{
	CodeTierLimitExceeded:       {ClassValidation, http.StatusUnprocessableEntity, false},
	CodeInvalidTransition:       {ClassValidation, http.StatusConflict, false},
	CodeNotEligible:             {ClassValidation, http.StatusForbidden, false},
	CodeDuplicateListing:        {ClassValidation, http.StatusConflict, false},
	CodeInvalidInput:            {ClassValidation, http.StatusBadRequest, false},
	CodeForbidden:               {ClassValidation, http.StatusForbidden, false},
	CodeNotFound:                {ClassValidation, http.StatusNotFound, false},
	CodeConcurrentModification:  {ClassContention, http.StatusConflict, true},
	CodeNoEligibleCandidates:    {ClassContention, http.StatusConflict, true},
	CodeVerificationTimeout:     {ClassExternal, http.StatusGatewayTimeout, true},
	CodeVerificationUnavailable: {ClassExternal, http.StatusServiceUnavailable, true},
	CodeIntegrity:               {ClassFatal, http.StatusInternalServerError, false},
	CodeInternal:                {ClassFatal, http.StatusInternalServerError, false},
}

// Class reports the group the code belongs to. Unknown codes are fatal.
func (c Code) Class() Class {
	if info, ok := codes[c]; ok {
		return info.class
	}
	return ClassFatal
}

// HTTPStatus maps the code onto a response status.
func (c Code) HTTPStatus() int {
	if info, ok := codes[c]; ok {
		return info.status
	}
	return http.StatusInternalServerError
}

// Retryable reports whether the same request may succeed when repeated.
func (c Code) Retryable() bool {
	return codes[c].retryable
}

// Error carries a Code through wrapped error chains.
type Error struct {
	Code    Code
	Message string
	Err     error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = string(e.Code)
	}
	if e.Err != nil {
		return msg + ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches another *Error with the same code. A target with a message only
// matches errors carrying that same message, so package sentinels stay distinct
// while the bare sentinels below match any error of their code.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok || t.Code != e.Code {
		return false
	}
	return t.Message == "" || t.Message == e.Message
}

// Bare sentinels, one per code, for errors.Is checks across packages.
var (
	ErrTierLimitExceeded       = &Error{Code: CodeTierLimitExceeded}
	ErrInvalidTransition       = &Error{Code: CodeInvalidTransition}
	ErrNotEligible             = &Error{Code: CodeNotEligible}
	ErrDuplicateListing        = &Error{Code: CodeDuplicateListing}
	ErrInvalidInput            = &Error{Code: CodeInvalidInput}
	ErrForbidden               = &Error{Code: CodeForbidden}
	ErrNotFound                = &Error{Code: CodeNotFound}
	ErrConcurrentModification  = &Error{Code: CodeConcurrentModification}
	ErrNoEligibleCandidates    = &Error{Code: CodeNoEligibleCandidates}
	ErrVerificationTimeout     = &Error{Code: CodeVerificationTimeout}
	ErrVerificationUnavailable = &Error{Code: CodeVerificationUnavailable}
	ErrIntegrity               = &Error{Code: CodeIntegrity}
	ErrInternal                = &Error{Code: CodeInternal}
)

// New builds a coded error with a formatted message.
func New(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a code and message to err. A nil err yields nil.
func Wrap(err error, code Code, message string) error {
	if err == nil {
		return nil
	}
	return &Error{Code: code, Message: message, Err: err}
}

// Sentinel builds a package-level sentinel. The message conventionally uses a
// "pkg: msg" prefix.
func Sentinel(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// CodeOf extracts the first code in err's chain. Errors without one are Internal.
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeInternal
}

// IsRetryable reports whether err's code marks it as retryable.
func IsRetryable(err error) bool {
	return CodeOf(err).Retryable()
}
