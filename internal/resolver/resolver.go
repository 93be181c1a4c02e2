// Package resolver turns a request into the ordered list of identity keys the
// admission gate evaluates.
//
// A resolver is a fixed list of dimensions. Each dimension extracts one
// identity value from the request (client address, account email, account id,
// username), hashes it into a bucket key and binds its policy. Dimensions that
// the request cannot provide are skipped, so an anonymous request is limited by
// address only while an authenticated one is limited by every dimension.
package resolver

import (
	"strconv"
	"strings"

	"github.com/cespare/xxhash/v2"

	"github.com/AlexKimmel/Cascade/internal/identity"
	"github.com/AlexKimmel/Cascade/internal/ratelimit"
)

// Request is what a resolver sees of an inbound request.
type Request struct {
	Addr     string             // client network address, without port
	Identity *identity.Identity // nil for anonymous requests
}

// ResolvedKey is one dimension of an evaluation.
type ResolvedKey struct {
	Dimension string
	Key       string
	Policy    ratelimit.Policy
}

// Resolver produces the keys of a request in evaluation order.
type Resolver interface {
	Resolve(req Request) ([]ResolvedKey, error)
}

// Extractor pulls one identity value out of a request.
type Extractor func(req Request) (string, bool)

var (
	Address Extractor = func(req Request) (string, bool) {
		a := strings.TrimSpace(req.Addr)
		return a, a != ""
	}
	Email Extractor = func(req Request) (string, bool) {
		if req.Identity == nil {
			return "", false
		}
		e := strings.ToLower(strings.TrimSpace(req.Identity.Email))
		return e, e != ""
	}
	AccountID Extractor = func(req Request) (string, bool) {
		if req.Identity == nil || req.Identity.AccountID == "" {
			return "", false
		}
		return req.Identity.AccountID, true
	}
	Username Extractor = func(req Request) (string, bool) {
		if req.Identity == nil {
			return "", false
		}
		u := strings.ToLower(strings.TrimSpace(req.Identity.Username))
		return u, u != ""
	}
)

// Builtin dimension names, in their default cascade order.
const (
	DimAddress  = "ip"
	DimEmail    = "email"
	DimAccount  = "account"
	DimUsername = "username"
)

// ExtractorFor returns the built-in extractor for a dimension name.
func ExtractorFor(name string) (Extractor, bool) {
	switch name {
	case DimAddress:
		return Address, true
	case DimEmail:
		return Email, true
	case DimAccount:
		return AccountID, true
	case DimUsername:
		return Username, true
	}
	return nil, false
}

// Dimension is one identity scope with its policy.
type Dimension struct {
	Name    string
	Extract Extractor
	Policy  PolicySpec
}

// Cascade resolves its dimensions in order.
type Cascade struct {
	dims []Dimension
}

// NewCascade validates dims and returns a resolver over them.
func NewCascade(dims ...Dimension) (*Cascade, error) {
	if len(dims) == 0 {
		return nil, &ratelimit.ConfigurationError{Field: "dimensions", Reason: "at least one is required"}
	}
	seen := make(map[string]struct{}, len(dims))
	for _, d := range dims {
		if d.Name == "" || d.Extract == nil {
			return nil, &ratelimit.ConfigurationError{Field: "dimensions", Reason: "need a name and an extractor"}
		}
		if _, dup := seen[d.Name]; dup {
			return nil, &ratelimit.ConfigurationError{Field: "dimensions", Reason: strconv.Quote(d.Name) + " listed twice"}
		}
		seen[d.Name] = struct{}{}
	}
	return &Cascade{dims: append([]Dimension(nil), dims...)}, nil
}

// Shared builds a cascade over the named built-in dimensions that all use spec.
func Shared(spec PolicySpec, names ...string) (*Cascade, error) {
	dims := make([]Dimension, 0, len(names))
	for _, n := range names {
		ex, ok := ExtractorFor(n)
		if !ok {
			return nil, &ratelimit.ConfigurationError{Field: "dimensions", Reason: "unknown dimension " + strconv.Quote(n)}
		}
		dims = append(dims, Dimension{Name: n, Extract: ex, Policy: spec})
	}
	return NewCascade(dims...)
}

// Dimensions returns the dimension names in order.
func (c *Cascade) Dimensions() []string {
	out := make([]string, len(c.dims))
	for i, d := range c.dims {
		out[i] = d.Name
	}
	return out
}

// Resolve returns one key per dimension the request provides. Every distinct
// policy spec is bound once against the request identity.
func (c *Cascade) Resolve(req Request) ([]ResolvedKey, error) {
	bound := make(map[PolicySpec]ratelimit.Policy, 1)
	keys := make([]ResolvedKey, 0, len(c.dims))

	for _, d := range c.dims {
		val, ok := d.Extract(req)
		if !ok {
			continue
		}
		p, ok := bound[d.Policy]
		if !ok {
			var err error
			if p, err = d.Policy.Bind(req.Identity); err != nil {
				return nil, err
			}
			bound[d.Policy] = p
		}
		keys = append(keys, ResolvedKey{
			Dimension: d.Name,
			Key:       BucketKey(d.Name, val),
			Policy:    p,
		})
	}

	if len(keys) == 0 {
		return nil, &ratelimit.ConfigurationError{Field: "resolver", Reason: "resolved no keys for the request"}
	}
	return keys, nil
}

// Scope returns a copy of keys with every bucket key prefixed by scope, so
// the same identity value under different routes or resolvers gets its own
// counter. An empty scope returns keys unchanged.
func Scope(scope string, keys []ResolvedKey) []ResolvedKey {
	if scope == "" {
		return keys
	}
	out := make([]ResolvedKey, len(keys))
	for i, k := range keys {
		k.Key = scope + ":" + k.Key
		out[i] = k
	}
	return out
}

// BucketKey hashes an identity value into the key of its dimension.
func BucketKey(dimension, value string) string {
	return dimension + ":" + strconv.FormatUint(xxhash.Sum64String(value), 16)
}
