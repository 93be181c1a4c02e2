package ratelimit

import "errors"

var (
	// ErrConfiguration matches every *ConfigurationError.
	ErrConfiguration = errors.New("rate limit configuration error")

	// ErrStoreUnavailable matches every *StoreError.
	ErrStoreUnavailable = errors.New("bucket store unavailable")

	// ErrRateLimited is the error form of a denial.
	ErrRateLimited = errors.New("rate limited")
)

// ConfigurationError reports an invalid policy, resolver selection or
// argument list. It is fatal for the evaluation and must not be retried.
type ConfigurationError struct {
	Field  string
	Reason string
}

func (e *ConfigurationError) Error() string {
	if e.Field == "" {
		return "rate limit configuration error: " + e.Reason
	}
	return "rate limit configuration error: " + e.Field + " " + e.Reason
}

func (e *ConfigurationError) Is(target error) bool {
	return target == ErrConfiguration
}

// StoreError wraps a failure of the backing store.
type StoreError struct {
	Op  string
	Key string
	Err error
}

func (e *StoreError) Error() string {
	return "bucket store error in " + e.Op + " for " + e.Key + ": " + e.Err.Error()
}

func (e *StoreError) Unwrap() error {
	return e.Err
}

func (e *StoreError) Is(target error) bool {
	return target == ErrStoreUnavailable
}
