package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/AlexKimmel/Cascade/internal/identity"
	"github.com/AlexKimmel/Cascade/internal/resolver"
	"github.com/AlexKimmel/Cascade/internal/routing"
)

// Identities maps every configured secret to its account.
func (cfg *Root) Identities() map[string]*identity.Identity {
	pairs := make(map[string]*identity.Identity, len(cfg.Auth.Keys))
	for _, k := range cfg.Auth.Keys {
		pairs[k.Secret] = &identity.Identity{
			AccountID: k.ID,
			Email:     k.Email,
			Username:  k.Username,
			Limits:    k.Limits,
		}
	}
	return pairs
}

// Registry returns the built-in resolvers plus every named resolver of the
// config. Named resolvers take no route arguments.
func (cfg *Root) Registry() (*resolver.Registry, error) {
	reg := resolver.NewRegistry()
	for _, rc := range cfg.Resolvers {
		dims := make([]resolver.Dimension, 0, len(rc.Dimensions))
		for _, d := range rc.Dimensions {
			ex, ok := resolver.ExtractorFor(d.Name)
			if !ok {
				return nil, fmt.Errorf("resolver %q: unknown dimension %q", rc.Name, d.Name)
			}
			spec, err := resolver.ParsePolicyArgs([]string{d.Max, d.Rate, d.Lockout})
			if err != nil {
				return nil, fmt.Errorf("resolver %q dimension %q: %w", rc.Name, d.Name, err)
			}
			dims = append(dims, resolver.Dimension{Name: d.Name, Extract: ex, Policy: spec})
		}
		c, err := resolver.NewCascade(dims...)
		if err != nil {
			return nil, fmt.Errorf("resolver %q: %w", rc.Name, err)
		}
		reg.RegisterResolver(rc.Name, c)
	}
	return reg, nil
}

// Router builds the routing table. Route rate limit overrides are bound here so
// a bad resolver reference fails at startup.
func (cfg *Root) Router(reg *resolver.Registry) (*routing.Router, error) {
	rr := routing.New()
	for _, rc := range cfg.Routes {
		up, err := url.Parse(rc.Upstream.URL)
		if err != nil {
			return nil, fmt.Errorf("route %q: upstream url: %w", rc.ID, err)
		}

		methods := make(map[string]struct{}, len(rc.Match.Methods))
		for _, m := range rc.Match.Methods {
			methods[strings.ToUpper(strings.TrimSpace(m))] = struct{}{}
		}

		rt := &routing.Route{
			ID:      rc.ID,
			Methods: methods,
			Prefix:  rc.Match.PathPrefix,
			UpUrl:   up,
			Timeout: time.Duration(rc.Upstream.TimeoutMS) * time.Millisecond,
		}
		if rc.RateLimit != nil {
			res, err := reg.Build(rc.RateLimit.Resolver, rc.RateLimit.Args)
			if err != nil {
				return nil, fmt.Errorf("route %q: %w", rc.ID, err)
			}
			rt.Resolver = res
			rt.ResolverName = rc.RateLimit.Resolver
		}
		rr.Add(rt)
	}
	return rr, nil
}
