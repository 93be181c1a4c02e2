package identity

import (
	"context"
	"net/http"
	"strings"
)

type ctxKey int

const keyIdentity ctxKey = 0

// Identity is the authenticated account behind a request.
type Identity struct {
	AccountID string
	Email     string
	Username  string
	// Limits holds per-account numbers that limit policies may reference by name.
	Limits map[string]float64
}

// Field returns a named per-account limit.
func (id *Identity) Field(name string) (float64, bool) {
	if id == nil || id.Limits == nil {
		return 0, false
	}
	v, ok := id.Limits[name]
	return v, ok
}

// Store is a static in-memory key store: secret -> identity
type Store struct {
	header   string
	bySecret map[string]*Identity
}

// NewStatic creates a new static key store.
// header: HTTP header to read the key from (e.g., "X-API-Key")
// pairs: map of secret -> identity
func NewStatic(header string, pairs map[string]*Identity) *Store {
	h := header
	if h == "" {
		h = "X-API-Key"
	}
	return &Store{header: h, bySecret: pairs}
}

func (s *Store) lookup(secret string) (*Identity, bool) {
	id, ok := s.bySecret[secret]
	return id, ok
}

// WithIdentity injects the identity into context.
func WithIdentity(ctx context.Context, id *Identity) context.Context {
	return context.WithValue(ctx, keyIdentity, id)
}

// From extracts the identity from context (if present).
func From(ctx context.Context) (*Identity, bool) {
	id, ok := ctx.Value(keyIdentity).(*Identity)
	return id, ok && id != nil
}

// Middleware attaches the identity of a recognized API key. Requests without a
// key stay anonymous and are limited by address only; an unknown key is
// rejected.
func (s *Store) Middleware(skipPaths map[string]struct{}) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		hname := s.header

		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if _, ok := skipPaths[r.URL.Path]; ok {
				next.ServeHTTP(w, r)
				return
			}

			secret := strings.TrimSpace(r.Header.Get(hname))
			if secret == "" {
				next.ServeHTTP(w, r)
				return
			}
			id, ok := s.lookup(secret)
			if !ok {
				writeJSON(w, http.StatusUnauthorized, "invalid_api_key", "API key not recognized")
				return
			}
			next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), id)))
		})
	}
}

func writeJSON(w http.ResponseWriter, code int, errCode, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_, _ = w.Write([]byte(`{"error":{"code":"` + errCode + `","message":"` + msg + `"}}`))
}
