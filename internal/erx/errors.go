// Package erx defines the error taxonomy shared by the service core.
//
// Every failure that can cross a package boundary is an *Error carrying one
// of the codes below. The HTTP edge maps codes to status codes and FHIR
// OperationOutcome issues; inner packages only ever deal in codes.
package erx

import (
	"errors"
	"fmt"
	"net/http"
)

// Code classifies a service error.
type Code int

const (
	// CodeEnvelopeMalformed is used when the outer VAU envelope cannot be
	// parsed (bad version byte, truncated header, bad point encoding).
	CodeEnvelopeMalformed Code = iota + 1

	// CodeDecryptFailed is used when the envelope parses but AES-GCM
	// authentication fails. Indistinguishable from tampering by design of
	// the cipher, so it shares the outer 400 with CodeEnvelopeMalformed.
	CodeDecryptFailed

	// CodeTokenInvalid covers every access-token failure: malformed compact
	// serialization, unknown alg, bad signature, expired, unrecognized
	// professionOID, missing KVNR.
	CodeTokenInvalid

	// CodeAuthzDenied is used when the token is fine but the caller lacks
	// the role or capability (access code, secret) for the operation.
	CodeAuthzDenied

	// CodeNotFound is used for lookups of unknown resource ids.
	CodeNotFound

	// CodeGone maps to HTTP 410. No store operation returns it: operations
	// against cancelled tasks yield CodeConflict or CodeAuthzDenied.
	CodeGone

	// CodeConflict is used when the operation is not legal in the task's
	// current state.
	CodeConflict

	// CodeQESInvalid is used when a prescription signature is format-valid
	// but untrusted: bad chain, bad signing time, bad signature value.
	CodeQESInvalid

	// CodeThrottled is returned by the QES verifier once a caller exceeded
	// the failure budget; carries no crypto work.
	CodeThrottled

	// CodeInvalidPayload is used when a request body cannot be decoded as
	// the resource the endpoint accepts.
	CodeInvalidPayload

	// CodePayloadTooLarge is used when a decoded request body exceeds the
	// configured cap.
	CodePayloadTooLarge

	// CodeTSLExpired is used when the current trust snapshot is past its
	// validity and new requests can no longer be trusted.
	CodeTSLExpired

	// CodeInternal is reserved for unrecoverable invariant violations.
	CodeInternal
)

// Error is the typed error used across the service core.
type Error struct {
	code    Code
	message string
	wrapped error
}

func (e *Error) Error() string {
	if e.wrapped != nil {
		return fmt.Sprintf("%s: %v", e.message, e.wrapped)
	}
	return e.message
}

func (e *Error) Code() Code    { return e.code }
func (e *Error) Unwrap() error { return e.wrapped }

// HTTPStatus maps the code to the status the edge responds with.
func (e *Error) HTTPStatus() int {
	switch e.code {
	case CodeEnvelopeMalformed, CodeDecryptFailed, CodeQESInvalid, CodeInvalidPayload:
		return http.StatusBadRequest
	case CodeTokenInvalid:
		return http.StatusUnauthorized
	case CodeAuthzDenied:
		return http.StatusForbidden
	case CodeNotFound:
		return http.StatusNotFound
	case CodeGone:
		return http.StatusGone
	case CodeConflict:
		return http.StatusConflict
	case CodeThrottled:
		return http.StatusTooManyRequests
	case CodePayloadTooLarge:
		return http.StatusRequestEntityTooLarge
	case CodeTSLExpired:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// IssueCode returns the FHIR OperationOutcome issue code for the error.
func (e *Error) IssueCode() string {
	switch e.code {
	case CodeTokenInvalid:
		return "login"
	case CodeAuthzDenied:
		return "forbidden"
	case CodeNotFound, CodeGone:
		return "not-found"
	case CodeConflict:
		return "conflict"
	case CodeThrottled:
		return "throttled"
	case CodePayloadTooLarge, CodeEnvelopeMalformed, CodeDecryptFailed, CodeQESInvalid, CodeInvalidPayload:
		return "invalid"
	default:
		return "exception"
	}
}

// CodeOf extracts the Code from err, or CodeInternal if err is not an *Error.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.code
	}
	return CodeInternal
}

// AsError returns err as an *Error, wrapping unknown errors as internal.
func AsError(err error) *Error {
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return &Error{code: CodeInternal, message: "internal error", wrapped: err}
}

func NewEnvelopeMalformedError(msg string) error {
	return &Error{code: CodeEnvelopeMalformed, message: msg}
}

func WrapEnvelopeMalformedError(err error, msg string) error {
	return &Error{code: CodeEnvelopeMalformed, message: msg, wrapped: err}
}

func NewDecryptFailedError(msg string) error {
	return &Error{code: CodeDecryptFailed, message: msg}
}

func NewTokenInvalidError(msg string) error {
	return &Error{code: CodeTokenInvalid, message: msg}
}

func WrapTokenInvalidError(err error, msg string) error {
	return &Error{code: CodeTokenInvalid, message: msg, wrapped: err}
}

func NewAuthzDeniedError(msg string) error {
	return &Error{code: CodeAuthzDenied, message: msg}
}

func NewNotFoundError(msg string) error {
	return &Error{code: CodeNotFound, message: msg}
}

func NewGoneError(msg string) error {
	return &Error{code: CodeGone, message: msg}
}

func NewConflictError(msg string) error {
	return &Error{code: CodeConflict, message: msg}
}

func NewQESInvalidError(msg string) error {
	return &Error{code: CodeQESInvalid, message: msg}
}

func WrapQESInvalidError(err error, msg string) error {
	return &Error{code: CodeQESInvalid, message: msg, wrapped: err}
}

func NewInvalidPayloadError(msg string) error {
	return &Error{code: CodeInvalidPayload, message: msg}
}

func WrapInvalidPayloadError(err error, msg string) error {
	return &Error{code: CodeInvalidPayload, message: msg, wrapped: err}
}

func NewThrottledError(msg string) error {
	return &Error{code: CodeThrottled, message: msg}
}

func NewPayloadTooLargeError(msg string) error {
	return &Error{code: CodePayloadTooLarge, message: msg}
}

func NewTSLExpiredError(msg string) error {
	return &Error{code: CodeTSLExpired, message: msg}
}

func NewInternalError(msg string) error {
	return &Error{code: CodeInternal, message: msg}
}

func WrapInternalError(err error, msg string) error {
	return &Error{code: CodeInternal, message: msg, wrapped: err}
}
