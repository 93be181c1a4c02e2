// Package admission walks the resolved identity keys of a request through
// their leaky buckets and decides whether the request may proceed.
//
// The walk is one linear pass in resolver order. The first dimension over its
// limit is locked out for its policy's lockout window and ends the evaluation
// with a denial; later dimensions are never touched. Admissions already
// recorded on earlier dimensions stay recorded unless the gate runs in
// ModeAllOrNothing.
package admission

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/AlexKimmel/Cascade/internal/ratelimit"
	"github.com/AlexKimmel/Cascade/internal/resolver"
)

// Mode selects how dimensions are checked and charged.
type Mode int

const (
	// ModeAcquire charges each dimension with one atomic try-acquire.
	ModeAcquire Mode = iota
	// ModeCheckThenHit checks a dimension, then charges it in a second call.
	// Concurrent requests may overshoot a limit by the number of racers.
	ModeCheckThenHit
	// ModeAllOrNothing checks every dimension first and charges them only if
	// all pass.
	ModeAllOrNothing
)

// ParseMode reads acquire, check_then_hit or all_or_nothing.
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "acquire":
		return ModeAcquire, nil
	case "check_then_hit":
		return ModeCheckThenHit, nil
	case "all_or_nothing":
		return ModeAllOrNothing, nil
	}
	return 0, &ratelimit.ConfigurationError{Field: "admission.mode", Reason: "unknown mode " + s}
}

func (m Mode) String() string {
	switch m {
	case ModeCheckThenHit:
		return "check_then_hit"
	case ModeAllOrNothing:
		return "all_or_nothing"
	default:
		return "acquire"
	}
}

// FailurePolicy decides requests while the store is unavailable.
type FailurePolicy int

const (
	FailClosed FailurePolicy = iota
	FailOpen
)

// ParseFailurePolicy reads closed or open.
func ParseFailurePolicy(s string) (FailurePolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "closed":
		return FailClosed, nil
	case "open":
		return FailOpen, nil
	}
	return 0, &ratelimit.ConfigurationError{Field: "admission.failure", Reason: "unknown failure policy " + s}
}

func (f FailurePolicy) String() string {
	if f == FailOpen {
		return "open"
	}
	return "closed"
}

// Recorder observes evaluations.
type Recorder interface {
	Admitted(resolverName string)
	Denied(resolverName, dimension string)
	StoreError(resolverName string)
	ObserveEvaluation(resolverName string, d time.Duration)
}

// Config holds the gate's dependencies.
type Config struct {
	Limiter *ratelimit.Limiter
	Mode    Mode
	Failure FailurePolicy

	// Fallback, if set, still bounds admissions per process when Failure is
	// FailOpen and the store is down.
	Fallback *rate.Limiter

	// RetryAfter is the backoff reported on fail-closed denials (defaults to 1s).
	RetryAfter time.Duration

	Logger   zerolog.Logger
	Recorder Recorder
}

// Gate is the admission evaluator. It is safe for concurrent use; all shared
// state lives in the limiter's store.
type Gate struct {
	cfg Config
}

// New validates cfg and returns a Gate.
func New(cfg Config) (*Gate, error) {
	if cfg.Limiter == nil {
		return nil, &ratelimit.ConfigurationError{Field: "admission.limiter", Reason: "is required"}
	}
	if cfg.RetryAfter <= 0 {
		cfg.RetryAfter = time.Second
	}
	return &Gate{cfg: cfg}, nil
}

// Mode returns the evaluation mode.
func (g *Gate) Mode() Mode { return g.cfg.Mode }

// Run evaluates keys under the name of the resolver that produced them.
//
// A *ratelimit.ConfigurationError is returned before any store access. A store
// failure yields the verdict of the failure policy together with the
// *ratelimit.StoreError that caused it.
func (g *Gate) Run(ctx context.Context, name string, keys []resolver.ResolvedKey) (Verdict, error) {
	start := time.Now()

	buckets, err := g.configure(keys)
	if err != nil {
		return Verdict{}, err
	}

	var v Verdict
	switch g.cfg.Mode {
	case ModeAllOrNothing:
		v, err = g.runAllOrNothing(ctx, keys, buckets)
	default:
		v, err = g.runSequential(ctx, keys, buckets)
	}

	if err != nil {
		if !errors.Is(err, ratelimit.ErrStoreUnavailable) {
			return Verdict{}, err
		}
		v = g.degrade(name, err)
	}

	if rec := g.cfg.Recorder; rec != nil {
		rec.ObserveEvaluation(name, time.Since(start))
		switch {
		case v.Degraded:
			rec.StoreError(name)
		case v.Allowed:
			rec.Admitted(name)
		default:
			rec.Denied(name, v.Dimension)
		}
	}
	return v, err
}

func (g *Gate) configure(keys []resolver.ResolvedKey) ([]*ratelimit.Bucket, error) {
	if len(keys) == 0 {
		return nil, &ratelimit.ConfigurationError{Field: "keys", Reason: "nothing to evaluate"}
	}
	buckets := make([]*ratelimit.Bucket, len(keys))
	for i, k := range keys {
		b, err := g.cfg.Limiter.Configure(k.Key, k.Policy)
		if err != nil {
			return nil, fmt.Errorf("dimension %s: %w", k.Dimension, err)
		}
		buckets[i] = b
	}
	return buckets, nil
}

func (g *Gate) runSequential(ctx context.Context, keys []resolver.ResolvedKey, buckets []*ratelimit.Bucket) (Verdict, error) {
	v := Verdict{Dimensions: make([]DimensionResult, 0, len(keys))}

	for i, b := range buckets {
		var (
			st       ratelimit.State
			admitted bool
			err      error
		)
		if g.cfg.Mode == ModeCheckThenHit {
			admitted, err = b.Exceeded(ctx)
			admitted = !admitted
			if err == nil && admitted {
				st, err = b.Hit(ctx)
			}
		} else {
			st, admitted, err = b.TryAcquire(ctx)
		}
		if err != nil {
			return Verdict{}, err
		}

		if !admitted {
			return g.deny(ctx, v, keys[i], b)
		}
		v.Dimensions = append(v.Dimensions, DimensionResult{
			Dimension: keys[i].Dimension,
			Key:       b.Key(),
			Limit:     b.Limit(),
			Remaining: b.RemainingFor(st),
		})
	}

	return g.allow(v), nil
}

func (g *Gate) runAllOrNothing(ctx context.Context, keys []resolver.ResolvedKey, buckets []*ratelimit.Bucket) (Verdict, error) {
	v := Verdict{Dimensions: make([]DimensionResult, 0, len(keys))}

	for i, b := range buckets {
		exceeded, err := b.Exceeded(ctx)
		if err != nil {
			return Verdict{}, err
		}
		if exceeded {
			return g.deny(ctx, v, keys[i], b)
		}
	}

	for i, b := range buckets {
		st, err := b.Hit(ctx)
		if err != nil {
			return Verdict{}, err
		}
		v.Dimensions = append(v.Dimensions, DimensionResult{
			Dimension: keys[i].Dimension,
			Key:       b.Key(),
			Limit:     b.Limit(),
			Remaining: b.RemainingFor(st),
		})
	}

	return g.allow(v), nil
}

func (g *Gate) allow(v Verdict) Verdict {
	last := v.Dimensions[len(v.Dimensions)-1]
	v.Allowed = true
	v.Dimension = last.Dimension
	v.Key = last.Key
	v.Limit = last.Limit
	v.Remaining = last.Remaining
	return v
}

func (g *Gate) deny(ctx context.Context, v Verdict, k resolver.ResolvedKey, b *ratelimit.Bucket) (Verdict, error) {
	if err := b.Timeout(ctx, k.Policy.LockoutMinutes); err != nil {
		return Verdict{}, err
	}
	backoff, err := b.Backoff(ctx)
	if err != nil {
		return Verdict{}, err
	}

	v.Allowed = false
	v.Dimension = k.Dimension
	v.Key = b.Key()
	v.Limit = b.Limit()
	v.Remaining = 0
	v.Backoff = backoff
	v.Dimensions = append(v.Dimensions, DimensionResult{
		Dimension: k.Dimension,
		Key:       b.Key(),
		Limit:     b.Limit(),
	})

	g.cfg.Logger.Debug().
		Str("dimension", k.Dimension).
		Str("key", b.Key()).
		Int("limit", v.Limit).
		Dur("backoff", backoff).
		Msg("admission denied")
	return v, nil
}

func (g *Gate) degrade(name string, cause error) Verdict {
	v := Verdict{Degraded: true}
	if g.cfg.Failure == FailOpen {
		v.Allowed = g.cfg.Fallback == nil || g.cfg.Fallback.Allow()
	}
	if !v.Allowed {
		v.Backoff = g.cfg.RetryAfter
	}

	g.cfg.Logger.Warn().
		Err(cause).
		Str("resolver", name).
		Str("failure_policy", g.cfg.Failure.String()).
		Bool("allowed", v.Allowed).
		Msg("bucket store unavailable")
	return v
}
