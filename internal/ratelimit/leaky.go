package ratelimit

import (
	"math"
	"time"
)

// Settle brings s up to now: an expired lockout resets the bucket, otherwise
// the elapsed time is leaked out of the count. A live lockout freezes the
// bucket as is.
func Settle(s State, p Policy, now time.Time) State {
	if !s.LockedUntil.IsZero() {
		if now.Before(s.LockedUntil) {
			return s
		}
		return State{LastLeakAt: now}
	}

	if s.LastLeakAt.IsZero() {
		s.LastLeakAt = now
		return s
	}

	elapsed := now.Sub(s.LastLeakAt)
	if elapsed <= 0 {
		return s
	}

	if p.RatePerSecond > 0 {
		s.Count = math.Max(0, s.Count-elapsed.Seconds()*p.RatePerSecond)
	}
	s.LastLeakAt = now
	return s
}

// IsExceeded reports whether a settled state denies admission.
func IsExceeded(s State, p Policy, now time.Time) bool {
	return s.Locked(now) || s.Count >= float64(p.Max)
}

// RemainingOf returns how many admissions a settled state still has.
func RemainingOf(s State, p Policy, now time.Time) int {
	if s.Locked(now) {
		return 0
	}
	left := math.Ceil(float64(p.Max) - s.Count)
	if left < 0 {
		return 0
	}
	return int(left)
}

// BackoffOf returns how long a caller has to wait before a settled state
// admits again, rounded up to whole seconds. ceiling bounds the answer when the
// bucket never leaks.
func BackoffOf(s State, p Policy, now time.Time, ceiling time.Duration) time.Duration {
	if s.Locked(now) {
		return roundUpSecond(s.LockedUntil.Sub(now))
	}
	over := s.Count - float64(p.Max)
	if over < 0 {
		return 0
	}
	if p.RatePerSecond <= 0 {
		return ceiling
	}
	// count - rate*t must drop strictly below max
	secs := math.Floor(over/p.RatePerSecond) + 1
	d := time.Duration(secs * float64(time.Second))
	if ceiling > 0 && d > ceiling {
		return ceiling
	}
	return d
}

func roundUpSecond(d time.Duration) time.Duration {
	if d <= 0 {
		return 0
	}
	return time.Duration(math.Ceil(d.Seconds())) * time.Second
}
