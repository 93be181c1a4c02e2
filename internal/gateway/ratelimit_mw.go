package gateway

import (
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/hlog"
	"github.com/tomasen/realip"

	"github.com/AlexKimmel/Cascade/internal/admission"
	"github.com/AlexKimmel/Cascade/internal/identity"
	"github.com/AlexKimmel/Cascade/internal/ratelimit"
	"github.com/AlexKimmel/Cascade/internal/resolver"
	"github.com/AlexKimmel/Cascade/internal/routing"
)

// AdmissionOptions configures the admission middleware.
type AdmissionOptions struct {
	Gate *admission.Gate

	// Default is used for routes that do not override the resolver.
	Default     resolver.Resolver
	DefaultName string

	// TrustProxy reads the client address from X-Real-Ip / X-Forwarded-For.
	TrustProxy bool

	Skip map[string]struct{}
	Now  func() time.Time
}

// Admission evaluates every request through the gate and rejects denied
// ones with 429.
func Admission(opts AdmissionOptions) Middleware {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.DefaultName == "" {
		opts.DefaultName = "default"
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			// allow ops endpoints without limits
			if _, ok := opts.Skip[r.URL.Path]; ok {
				next.ServeHTTP(w, r)
				return
			}

			res, name := opts.Default, opts.DefaultName
			scope := name
			if rt, ok := routing.RouteFrom(r); ok && rt != nil {
				// buckets are per route, like the route's own limits
				scope = rt.ID
				if rt.Resolver != nil {
					res, name = rt.Resolver, rt.ResolverName
				}
			}
			if res == nil {
				next.ServeHTTP(w, r)
				return
			}

			req := RequestFrom(r, opts.TrustProxy)
			v, err := evaluate(r, opts.Gate, res, name, scope, req)
			if err != nil && !errors.Is(err, ratelimit.ErrStoreUnavailable) {
				hlog.FromRequest(r).Error().Err(err).Str("resolver", name).Msg("admission failed")
				writeJSON(w, http.StatusInternalServerError, "rate_limiter_error", "internal rate limiter error")
				return
			}

			WriteRateLimitHeaders(w.Header(), v, opts.Now())

			if !v.Allowed {
				writeJSON(w, http.StatusTooManyRequests, "rate_limited", "Too many requests")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

func evaluate(r *http.Request, g *admission.Gate, res resolver.Resolver, name, scope string, req resolver.Request) (admission.Verdict, error) {
	keys, err := res.Resolve(req)
	if err != nil {
		return admission.Verdict{}, err
	}
	return g.Run(r.Context(), name, resolver.Scope(scope, keys))
}

// RequestFrom builds the resolver view of an HTTP request.
func RequestFrom(r *http.Request, trustProxy bool) resolver.Request {
	req := resolver.Request{Addr: clientAddr(r, trustProxy)}
	if id, ok := identity.From(r.Context()); ok {
		req.Identity = id
	}
	return req
}

func clientAddr(r *http.Request, trustProxy bool) string {
	if trustProxy {
		return realip.FromRequest(r)
	}
	host, _, err := net.SplitHostPort(strings.TrimSpace(r.RemoteAddr))
	if err == nil && host != "" {
		return host
	}
	return r.RemoteAddr
}

// WriteRateLimitHeaders renders a verdict as X-RateLimit-* and Retry-After.
func WriteRateLimitHeaders(h http.Header, v admission.Verdict, now time.Time) {
	if v.Limit > 0 {
		h.Set("X-RateLimit-Limit", itoa(v.Limit))
		h.Set("X-RateLimit-Remaining", itoa(max(v.Remaining, 0)))
	}
	if v.Allowed {
		return
	}
	h.Set("Retry-After", itoa(v.RetryAfterSeconds()))
	if !v.Degraded {
		h.Set("X-RateLimit-Reset", itoa64(v.ResetAt(now).Unix()))
	}
}

func itoa(i int) string     { return fmtInt(int64(i)) }
func itoa64(i int64) string { return fmtInt(i) }

func fmtInt(i int64) string {
	var buf [32]byte
	return string(strconv.AppendInt(buf[:0], i, 10))
}

// local tiny JSON helper to avoid coupling to identity package
func writeJSON(w http.ResponseWriter, code int, errCode, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_, _ = w.Write([]byte(`{"error":{"code":"` + errCode + `","message":"` + msg + `"}}`))
}
