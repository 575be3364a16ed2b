// Package admission defines sentinel errors and error codes.
package admission

import "errors"

// ErrInvalidInput indicates validation failures on request input.
var ErrInvalidInput = errors.New("invalid input")

// ErrStoreUnavailable indicates the shared counter store could not be reached
// or timed out. This is a dependency fault, not a decision outcome.
var ErrStoreUnavailable = errors.New("counter store unavailable")

// ErrRuleInvalid indicates a rule document failed validation at load time.
var ErrRuleInvalid = errors.New("invalid rule document")

// ErrStaleVersion indicates a reload carried a version at or below the
// currently active snapshot.
var ErrStaleVersion = errors.New("stale rule version")

// ErrNotFound indicates a missing resource.
var ErrNotFound = errors.New("not found")

// ErrUnauthorized indicates a rejected admin request.
var ErrUnauthorized = errors.New("unauthorized")

// ErrorCode identifies error classes across transports.
type ErrorCode string

const (
	CodeInvalidInput     ErrorCode = "INVALID_INPUT"
	CodeStoreUnavailable ErrorCode = "STORE_UNAVAILABLE"
	CodeRuleInvalid      ErrorCode = "RULE_INVALID"
	CodeStaleVersion     ErrorCode = "STALE_VERSION"
	CodeNotFound         ErrorCode = "NOT_FOUND"
	CodeUnauthorized     ErrorCode = "UNAUTHORIZED"
	CodeInternal         ErrorCode = "INTERNAL"
)

// CodeOf classifies an error into an ErrorCode.
func CodeOf(err error) ErrorCode {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrInvalidInput):
		return CodeInvalidInput
	case errors.Is(err, ErrStoreUnavailable):
		return CodeStoreUnavailable
	case errors.Is(err, ErrRuleInvalid):
		return CodeRuleInvalid
	case errors.Is(err, ErrStaleVersion):
		return CodeStaleVersion
	case errors.Is(err, ErrNotFound):
		return CodeNotFound
	case errors.Is(err, ErrUnauthorized):
		return CodeUnauthorized
	default:
		return CodeInternal
	}
}
