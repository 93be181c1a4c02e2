package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Server struct {
	Addr           string `yaml:"addr"`
	ReadTimeoutMS  int    `yaml:"read_timeout_ms"`
	WriteTimeoutMS int    `yaml:"write_timeout_ms"`
	IdleTimeoutMS  int    `yaml:"idle_timeout_ms"`
}

type Observability struct {
	LogLevel       string `yaml:"log_level"`       // "debug","info","warn","error"
	PrometheusPath string `yaml:"prometheus_path"` // e.g. "/metrics"
}

type APIKey struct {
	ID       string             `yaml:"id"`
	Secret   string             `yaml:"secret"`
	Email    string             `yaml:"email"`
	Username string             `yaml:"username"`
	Limits   map[string]float64 `yaml:"limits"`
}

type Auth struct {
	Header string   `yaml:"header"`
	Keys   []APIKey `yaml:"keys"`
}

type Store struct {
	Driver     string        `yaml:"driver"` // "memory" or "redis"
	Addr       string        `yaml:"addr"`
	Password   string        `yaml:"password"`
	DB         int           `yaml:"db"`
	Prefix     string        `yaml:"prefix"`
	TTL        time.Duration `yaml:"ttl"`
	TimeoutMS  int           `yaml:"timeout_ms"`
	MaxRetries int           `yaml:"max_retries"`
	SweepEvery time.Duration `yaml:"sweep_every"`
}

func (s Store) Timeout() time.Duration {
	return time.Duration(s.TimeoutMS) * time.Millisecond
}

type Admission struct {
	Mode          string  `yaml:"mode"`    // "acquire", "check_then_hit", "all_or_nothing"
	Failure       string  `yaml:"failure"` // "closed" or "open"
	FallbackRPS   float64 `yaml:"fallback_rps"`
	FallbackBurst int     `yaml:"fallback_burst"`
	RetryAfterMS  int     `yaml:"retry_after_ms"`
	TrustProxy    bool    `yaml:"trust_proxy"`
}

func (a Admission) RetryAfter() time.Duration {
	return time.Duration(a.RetryAfterMS) * time.Millisecond
}

// RateLimit names a resolver and its positional arguments.
type RateLimit struct {
	Resolver string   `yaml:"resolver"`
	Args     []string `yaml:"args"`
}

type Limits struct {
	Default RateLimit `yaml:"default"`
}

// Dimension is one entry of a named resolver.
type Dimension struct {
	Name    string `yaml:"name"`
	Max     string `yaml:"max"`
	Rate    string `yaml:"rate"`
	Lockout string `yaml:"lockout"`
}

type Resolver struct {
	Name       string      `yaml:"name"`
	Dimensions []Dimension `yaml:"dimensions"`
}

type Routes struct {
	ID    string `yaml:"id"`
	Match struct {
		PathPrefix string   `yaml:"path_prefix"`
		Methods    []string `yaml:"methods"`
	} `yaml:"match"`

	Upstream struct {
		URL       string `yaml:"url"`
		TimeoutMS int    `yaml:"timeout_ms"`
	} `yaml:"upstream"`

	// RateLimit overrides limits.default for this route when set.
	RateLimit *RateLimit `yaml:"rate_limit"`
}

type Root struct {
	Server        Server        `yaml:"server"`
	Observability Observability `yaml:"observability"`
	Auth          Auth          `yaml:"auth"`
	Store         Store         `yaml:"store"`
	Admission     Admission     `yaml:"admission"`
	Limits        Limits        `yaml:"limits"`
	Resolvers     []Resolver    `yaml:"resolvers"`
	Routes        []Routes      `yaml:"routes"`
}

func (s Server) ReadTimeout() time.Duration {
	if s.ReadTimeoutMS == 0 {
		return 5 * time.Second
	}
	return time.Duration(s.ReadTimeoutMS) * time.Millisecond
}

func (s Server) WriteTimeout() time.Duration {
	if s.WriteTimeoutMS == 0 {
		return 10 * time.Second
	}
	return time.Duration(s.WriteTimeoutMS) * time.Millisecond
}

func (s Server) IdleTimeout() time.Duration {
	if s.IdleTimeoutMS == 0 {
		return 60 * time.Second
	}
	return time.Duration(s.IdleTimeoutMS) * time.Millisecond
}

// Path returns the config file location: $CASCADE_CONFIG or ./config.yaml.
func Path() string {
	if p := strings.TrimSpace(os.Getenv("CASCADE_CONFIG")); p != "" {
		return p
	}
	return "./config.yaml"
}

func Load(path string) (*Root, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(b)
}

// Parse decodes a YAML document, fills defaults and validates it.
func Parse(b []byte) (*Root, error) {
	var cfg Root
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (cfg *Root) applyDefaults() {
	for i := range cfg.Routes {
		if cfg.Routes[i].Upstream.TimeoutMS <= 0 {
			cfg.Routes[i].Upstream.TimeoutMS = 3000
		}
	}
	if cfg.Server.Addr == "" {
		cfg.Server.Addr = ":8080"
	}
	if cfg.Observability.LogLevel == "" {
		cfg.Observability.LogLevel = "info"
	}
	if cfg.Observability.PrometheusPath == "" {
		cfg.Observability.PrometheusPath = "/metrics"
	}
	if cfg.Auth.Header == "" {
		cfg.Auth.Header = "X-API-Key"
	}

	if cfg.Store.Driver == "" {
		cfg.Store.Driver = "memory"
	}
	if cfg.Store.Driver == "redis" && cfg.Store.Addr == "" {
		cfg.Store.Addr = "localhost:6379"
	}
	if cfg.Store.TimeoutMS <= 0 {
		cfg.Store.TimeoutMS = 500
	}

	if cfg.Admission.Mode == "" {
		cfg.Admission.Mode = "acquire"
	}
	if cfg.Admission.Failure == "" {
		cfg.Admission.Failure = "closed"
	}
	if cfg.Admission.RetryAfterMS <= 0 {
		cfg.Admission.RetryAfterMS = 1000
	}
	if cfg.Admission.FallbackRPS > 0 && cfg.Admission.FallbackBurst <= 0 {
		cfg.Admission.FallbackBurst = int(cfg.Admission.FallbackRPS)
		if cfg.Admission.FallbackBurst < 1 {
			cfg.Admission.FallbackBurst = 1
		}
	}

	if cfg.Limits.Default.Resolver == "" {
		cfg.Limits.Default.Resolver = "address"
		if len(cfg.Limits.Default.Args) == 0 {
			cfg.Limits.Default.Args = []string{"60", "1", "0"}
		}
	}
}

// Validate checks what can be checked without building resolvers.
func (cfg *Root) Validate() error {
	switch cfg.Store.Driver {
	case "memory", "redis":
	default:
		return fmt.Errorf("store.driver: unknown driver %q", cfg.Store.Driver)
	}
	if cfg.Store.TTL < 0 || cfg.Store.SweepEvery < 0 {
		return fmt.Errorf("store: ttl and sweep_every must not be negative")
	}
	if cfg.Admission.FallbackRPS < 0 {
		return fmt.Errorf("admission.fallback_rps must not be negative")
	}

	seen := make(map[string]struct{}, len(cfg.Auth.Keys))
	for i, k := range cfg.Auth.Keys {
		if k.ID == "" || k.Secret == "" {
			return fmt.Errorf("auth.keys[%d]: id and secret are required", i)
		}
		if _, dup := seen[k.Secret]; dup {
			return fmt.Errorf("auth.keys[%d]: duplicate secret", i)
		}
		seen[k.Secret] = struct{}{}
	}

	names := make(map[string]struct{}, len(cfg.Resolvers))
	for i, r := range cfg.Resolvers {
		if r.Name == "" {
			return fmt.Errorf("resolvers[%d]: name is required", i)
		}
		if _, dup := names[r.Name]; dup {
			return fmt.Errorf("resolvers[%d]: duplicate name %q", i, r.Name)
		}
		names[r.Name] = struct{}{}
		if len(r.Dimensions) == 0 {
			return fmt.Errorf("resolvers[%d] %q: at least one dimension is required", i, r.Name)
		}
	}

	routes := make(map[string]struct{}, len(cfg.Routes))
	for i, rt := range cfg.Routes {
		if rt.ID == "" {
			return fmt.Errorf("routes[%d]: id is required", i)
		}
		if _, dup := routes[rt.ID]; dup {
			return fmt.Errorf("routes[%d]: duplicate id %q", i, rt.ID)
		}
		routes[rt.ID] = struct{}{}
		if rt.Upstream.URL == "" {
			return fmt.Errorf("routes[%d] %q: upstream.url is required", i, rt.ID)
		}
	}
	return nil
}
