package admission

import (
	"fmt"
	"math"
	"net/http"
	"time"

	"github.com/AlexKimmel/Cascade/internal/ratelimit"
)

// DimensionResult is what one evaluated dimension reported.
type DimensionResult struct {
	Dimension string
	Key       string
	Limit     int
	Remaining int
}

// Verdict is the outcome of one evaluation.
type Verdict struct {
	Allowed bool

	// Dimension and Key name the last evaluated key: the denying one on a
	// denial, the final one on an admission.
	Dimension string
	Key       string
	Limit     int
	Remaining int
	Backoff   time.Duration

	// Degraded is set when the store could not be reached and the failure
	// policy decided instead of the buckets.
	Degraded bool

	// Dimensions lists every key that was evaluated, in order.
	Dimensions []DimensionResult
}

// StatusCode is the HTTP status a denial maps to.
func (v Verdict) StatusCode() int {
	if v.Allowed {
		return http.StatusOK
	}
	return http.StatusTooManyRequests
}

// RetryAfterSeconds is the backoff rounded up to whole seconds.
func (v Verdict) RetryAfterSeconds() int {
	if v.Backoff <= 0 {
		return 0
	}
	return int(math.Ceil(v.Backoff.Seconds()))
}

// ResetAt is the absolute time the caller may retry.
func (v Verdict) ResetAt(now time.Time) time.Time {
	return now.Add(time.Duration(v.RetryAfterSeconds()) * time.Second)
}

// Err is nil for an admission and wraps ratelimit.ErrRateLimited otherwise.
func (v Verdict) Err() error {
	if v.Allowed {
		return nil
	}
	if v.Degraded {
		return fmt.Errorf("%w: store unavailable, retry after %s", ratelimit.ErrRateLimited, v.Backoff)
	}
	return fmt.Errorf("%w: %s over limit %d, retry after %s", ratelimit.ErrRateLimited, v.Dimension, v.Limit, v.Backoff)
}
