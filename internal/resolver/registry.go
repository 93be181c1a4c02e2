package resolver

import (
	"sort"
	"strconv"
	"sync"

	"github.com/AlexKimmel/Cascade/internal/ratelimit"
)

// Factory builds a resolver from positional route arguments.
type Factory func(args []string) (Resolver, error)

// Registry maps resolver names to factories.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry returns a registry holding the built-in resolvers:
//
//	address  max rate lockout   client address only
//	identity max rate lockout   address, then email, account id and username
func NewRegistry() *Registry {
	r := &Registry{factories: make(map[string]Factory)}
	r.Register("address", sharedFactory(DimAddress))
	r.Register("identity", sharedFactory(DimAddress, DimEmail, DimAccount, DimUsername))
	return r
}

func sharedFactory(names ...string) Factory {
	return func(args []string) (Resolver, error) {
		spec, err := ParsePolicyArgs(args)
		if err != nil {
			return nil, err
		}
		return Shared(spec, names...)
	}
}

// Register adds or replaces a factory.
func (r *Registry) Register(name string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[name] = f
}

// RegisterResolver adds a fully configured resolver that takes no arguments.
func (r *Registry) RegisterResolver(name string, res Resolver) {
	r.Register(name, func(args []string) (Resolver, error) {
		if len(args) != 0 {
			return nil, &ratelimit.ConfigurationError{
				Field:  "args",
				Reason: "resolver " + strconv.Quote(name) + " takes no arguments, got " + strconv.Itoa(len(args)),
			}
		}
		return res, nil
	})
}

// Build returns the resolver name configured with args.
func (r *Registry) Build(name string, args []string) (Resolver, error) {
	r.mu.RLock()
	f, ok := r.factories[name]
	r.mu.RUnlock()
	if !ok {
		return nil, &ratelimit.ConfigurationError{Field: "resolver", Reason: "unknown resolver " + strconv.Quote(name)}
	}
	return f(args)
}

// Names lists the registered resolvers.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.factories))
	for n := range r.factories {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}
