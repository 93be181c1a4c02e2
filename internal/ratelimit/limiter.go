package ratelimit

import (
	"context"
	"math"
	"time"
)

// maxLockoutMinutes is the largest lockout a time.Duration can hold.
const maxLockoutMinutes = math.MaxInt64 / int64(time.Minute)

// Policy is the admission rule of one dimension.
type Policy struct {
	Max            int     // bucket size; exceeded once count >= Max
	RatePerSecond  float64 // continuous leak rate
	LockoutMinutes int     // hard lockout applied on denial, 0 disables it
}

// Validate reports a *ConfigurationError for an unusable policy.
func (p Policy) Validate() error {
	if p.Max <= 0 {
		return &ConfigurationError{Field: "max", Reason: "must be positive"}
	}
	if p.RatePerSecond < 0 || math.IsNaN(p.RatePerSecond) || math.IsInf(p.RatePerSecond, 0) {
		return &ConfigurationError{Field: "rate", Reason: "must be a finite non-negative number"}
	}
	if p.LockoutMinutes < 0 {
		return &ConfigurationError{Field: "lockout", Reason: "cannot be negative"}
	}
	if int64(p.LockoutMinutes) > maxLockoutMinutes {
		return &ConfigurationError{Field: "lockout", Reason: "does not fit in a time.Duration"}
	}
	return nil
}

// Lockout returns the lockout window as a duration.
func (p Policy) Lockout() time.Duration {
	return time.Duration(p.LockoutMinutes) * time.Minute
}

// State is the persisted state of one bucket.
type State struct {
	Count       float64
	LastLeakAt  time.Time
	LockedUntil time.Time // zero when no lockout is set
}

// Locked reports whether a lockout is active at now.
func (s State) Locked(now time.Time) bool {
	return !s.LockedUntil.IsZero() && now.Before(s.LockedUntil)
}

// Mutation computes the next state of a bucket from its current one.
// exists is false when the store holds nothing for the key yet.
type Mutation func(cur State, exists bool) State

// Store is the shared keyed state behind every bucket. Implementations must
// apply Update atomically per key and expire idle keys on their own.
type Store interface {
	Get(ctx context.Context, key string) (State, bool, error)
	Update(ctx context.Context, key string, fn Mutation) (State, error)
	Close() error
}

// Acquirer is implemented by stores that can run the leak/compare/increment
// cycle natively in a single round trip.
type Acquirer interface {
	Acquire(ctx context.Context, key string, p Policy, now time.Time) (State, bool, error)
}

// Clock provides the current time. It can be mocked for testing.
type Clock interface {
	Now() time.Time
}

// SystemClock implements Clock using the system time.
type SystemClock struct{}

// Now returns the current system time.
func (SystemClock) Now() time.Time {
	return time.Now()
}
