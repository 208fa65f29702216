package domain

import "errors"

// Error kinds from the error handling design. These are sentinel values,
// not a custom type hierarchy — callers wrap them with fmt.Errorf("...: %w")
// and test with errors.Is, the same idiom used throughout the executor.
var (
	ErrAuthenticationFailure = errors.New("authentication failure")
	ErrAuthorizationFailure  = errors.New("authorization failure")
	ErrUpstreamRateLimited   = errors.New("upstream rate limited")
	ErrUpstreamQuotaExhausted = errors.New("upstream quota exhausted")
	ErrUpstreamTransient     = errors.New("upstream transient error")
	ErrBreakerOpen           = errors.New("circuit breaker open")
	ErrValidationFailure     = errors.New("validation failure")
	ErrRepositoryFailure     = errors.New("repository failure")
	ErrCancellation          = errors.New("operation cancelled")
	ErrInternalFailure       = errors.New("internal failure")
)
