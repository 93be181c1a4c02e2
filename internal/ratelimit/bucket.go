package ratelimit

import (
	"context"
	"time"
)

const defaultMaxBackoff = time.Hour

// Limiter runs the leaky-bucket algorithm on top of a Store.
type Limiter struct {
	store      Store
	clock      Clock
	maxBackoff time.Duration
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithClock sets the time source. Stores that persist timestamps should share it.
func WithClock(c Clock) Option {
	return func(l *Limiter) { l.clock = c }
}

// WithMaxBackoff caps the reported backoff of buckets that do not leak.
func WithMaxBackoff(d time.Duration) Option {
	return func(l *Limiter) { l.maxBackoff = d }
}

// New creates a Limiter over store.
func New(store Store, opts ...Option) *Limiter {
	l := &Limiter{
		store:      store,
		clock:      SystemClock{},
		maxBackoff: defaultMaxBackoff,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Configure binds p to key. It never touches the store, so calling it again
// with the same arguments leaves the bucket as it was.
func (l *Limiter) Configure(key string, p Policy) (*Bucket, error) {
	if key == "" {
		return nil, &ConfigurationError{Field: "key", Reason: "cannot be empty"}
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &Bucket{lim: l, key: key, policy: p}, nil
}

// Bucket is a key bound to its policy for one evaluation.
type Bucket struct {
	lim    *Limiter
	key    string
	policy Policy
}

func (b *Bucket) Key() string    { return b.key }
func (b *Bucket) Policy() Policy { return b.policy }
func (b *Bucket) Limit() int     { return b.policy.Max }

// Exceeded settles the bucket and reports whether it denies admission.
func (b *Bucket) Exceeded(ctx context.Context) (bool, error) {
	now := b.lim.clock.Now()
	s, err := b.lim.store.Update(ctx, b.key, func(cur State, _ bool) State {
		return Settle(cur, b.policy, now)
	})
	if err != nil {
		return false, err
	}
	return IsExceeded(s, b.policy, now), nil
}

// Hit leaks the bucket and records one admission.
func (b *Bucket) Hit(ctx context.Context) (State, error) {
	now := b.lim.clock.Now()
	return b.lim.store.Update(ctx, b.key, func(cur State, _ bool) State {
		s := Settle(cur, b.policy, now)
		s.Count++
		return s
	})
}

// TryAcquire leaks the bucket and records one admission only if the bucket is
// under its limit, all in one atomic step.
func (b *Bucket) TryAcquire(ctx context.Context) (State, bool, error) {
	now := b.lim.clock.Now()
	if a, ok := b.lim.store.(Acquirer); ok {
		return a.Acquire(ctx, b.key, b.policy, now)
	}

	var admitted bool
	s, err := b.lim.store.Update(ctx, b.key, func(cur State, _ bool) State {
		s := Settle(cur, b.policy, now)
		admitted = !IsExceeded(s, b.policy, now)
		if admitted {
			s.Count++
		}
		return s
	})
	if err != nil {
		return State{}, false, err
	}
	return s, admitted, nil
}

// Timeout locks the bucket for the given number of minutes. A non-positive
// duration is a no-op.
func (b *Bucket) Timeout(ctx context.Context, minutes int) error {
	if minutes <= 0 {
		return nil
	}
	now := b.lim.clock.Now()
	until := now.Add(time.Duration(minutes) * time.Minute)
	_, err := b.lim.store.Update(ctx, b.key, func(cur State, _ bool) State {
		s := Settle(cur, b.policy, now)
		if s.LockedUntil.Before(until) {
			s.LockedUntil = until
		}
		return s
	})
	return err
}

// State returns the settled state without persisting it.
func (b *Bucket) State(ctx context.Context) (State, error) {
	now := b.lim.clock.Now()
	s, ok, err := b.lim.store.Get(ctx, b.key)
	if err != nil {
		return State{}, err
	}
	if !ok {
		return State{LastLeakAt: now}, nil
	}
	return Settle(s, b.policy, now), nil
}

// Remaining returns max(0, ceil(max - count)), or 0 while locked.
func (b *Bucket) Remaining(ctx context.Context) (int, error) {
	s, err := b.State(ctx)
	if err != nil {
		return 0, err
	}
	return b.RemainingFor(s), nil
}

// Backoff returns the time until the bucket admits again.
func (b *Bucket) Backoff(ctx context.Context) (time.Duration, error) {
	s, err := b.State(ctx)
	if err != nil {
		return 0, err
	}
	return b.BackoffFor(s), nil
}

// RemainingFor computes Remaining from an already settled state.
func (b *Bucket) RemainingFor(s State) int {
	return RemainingOf(s, b.policy, b.lim.clock.Now())
}

// BackoffFor computes Backoff from an already settled state.
func (b *Bucket) BackoffFor(s State) time.Duration {
	return BackoffOf(s, b.policy, b.lim.clock.Now(), b.lim.maxBackoff)
}
