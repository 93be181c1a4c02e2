package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/AlexKimmel/Cascade/internal/admission"
	"github.com/AlexKimmel/Cascade/internal/config"
	"github.com/AlexKimmel/Cascade/internal/gateway"
	"github.com/AlexKimmel/Cascade/internal/identity"
	"github.com/AlexKimmel/Cascade/internal/obs"
	"github.com/AlexKimmel/Cascade/internal/proxy"
	"github.com/AlexKimmel/Cascade/internal/ratelimit"
	"github.com/AlexKimmel/Cascade/internal/ratelimit/memory"
	"github.com/AlexKimmel/Cascade/internal/ratelimit/redisstore"
)

const version = "v0.1.0"

func main() {
	cfg, err := config.Load(config.Path())
	if err != nil {
		bootLogger := obs.SetupLogger("info")
		bootLogger.Fatal().Err(err).Msg("load config")
	}

	logger := obs.SetupLogger(cfg.Observability.LogLevel)
	logger.Info().Str("store", cfg.Store.Driver).Msg("starting cascade")

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := obs.NewMetrics(reg)

	store, err := openStore(cfg.Store, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("open bucket store")
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Warn().Err(err).Msg("close bucket store")
		}
	}()

	gate, err := newGate(cfg.Admission, ratelimit.New(store), logger, metrics)
	if err != nil {
		logger.Fatal().Err(err).Msg("admission gate")
	}
	logger.Info().Str("mode", gate.Mode().String()).Str("failure", cfg.Admission.Failure).Msg("admission gate ready")

	resolvers, err := cfg.Registry()
	if err != nil {
		logger.Fatal().Err(err).Msg("resolvers")
	}
	defaultResolver, err := resolvers.Build(cfg.Limits.Default.Resolver, cfg.Limits.Default.Args)
	if err != nil {
		logger.Fatal().Err(err).Msg("default rate limit")
	}
	router, err := cfg.Router(resolvers)
	if err != nil {
		logger.Fatal().Err(err).Msg("routes")
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		if p, ok := store.(interface{ Ping(context.Context) error }); ok {
			if err := p.Ping(r.Context()); err != nil {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusServiceUnavailable)
				_, _ = w.Write([]byte(`{"ok":false}`))
				return
			}
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"ok":true}`))
	})
	mux.HandleFunc("/version", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(version))
	})
	mux.Handle(cfg.Observability.PrometheusPath, promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	mux.Handle("/", proxy.Handler(proxy.NewHTTPTransport()))

	skip := map[string]struct{}{
		"/health":                        {},
		"/version":                       {},
		cfg.Observability.PrometheusPath: {},
	}

	ids := identity.NewStatic(cfg.Auth.Header, cfg.Identities())

	handler := gateway.Chain(
		mux,
		obs.Logger(logger),
		ids.Middleware(skip),
		gateway.RouteMatcher(router, skip),
		metrics.Middleware(skip),
		gateway.Admission(gateway.AdmissionOptions{
			Gate:        gate,
			Default:     defaultResolver,
			DefaultName: cfg.Limits.Default.Resolver,
			TrustProxy:  cfg.Admission.TrustProxy,
			Skip:        skip,
		}),
	)

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      cfg.Server.WriteTimeout(),
		IdleTimeout:       cfg.Server.IdleTimeout(),
		ReadTimeout:       cfg.Server.ReadTimeout(),
	}

	go func() {
		logger.Info().Str("addr", srv.Addr).Int("routes", len(router.Routes())).Msg("listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Error().Err(err).Msg("graceful shutdown failed")
	}
	logger.Info().Msg("bye")
}

func openStore(sc config.Store, logger zerolog.Logger) (ratelimit.Store, error) {
	switch sc.Driver {
	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr:     sc.Addr,
			Password: sc.Password,
			DB:       sc.DB,
		})
		s, err := redisstore.New(redisstore.Config{
			Redis:      client,
			Prefix:     sc.Prefix,
			TTL:        sc.TTL,
			Timeout:    sc.Timeout(),
			MaxRetries: sc.MaxRetries,
			Logger:     logger.With().Str("component", "redisstore").Logger(),
		})
		if err != nil {
			return nil, err
		}
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := s.Ping(ctx); err != nil {
			// the failure policy covers an unreachable store; keep serving
			logger.Warn().Err(err).Str("addr", sc.Addr).Msg("redis not reachable at startup")
		}
		logger.Info().Str("instance", s.InstanceID()).Msg("redis bucket store")
		return s, nil
	default:
		opts := []memory.Option{memory.WithLogger(logger.With().Str("component", "memory").Logger())}
		if sc.TTL > 0 {
			opts = append(opts, memory.WithTTL(sc.TTL))
		}
		if sc.SweepEvery > 0 {
			opts = append(opts, memory.WithSweepEvery(sc.SweepEvery))
		}
		s := memory.New(opts...)
		if err := s.StartJanitor(); err != nil {
			return nil, err
		}
		return s, nil
	}
}

func newGate(ac config.Admission, lim *ratelimit.Limiter, logger zerolog.Logger, rec admission.Recorder) (*admission.Gate, error) {
	mode, err := admission.ParseMode(ac.Mode)
	if err != nil {
		return nil, err
	}
	failure, err := admission.ParseFailurePolicy(ac.Failure)
	if err != nil {
		return nil, err
	}

	var fallback *rate.Limiter
	if failure == admission.FailOpen && ac.FallbackRPS > 0 {
		fallback = rate.NewLimiter(rate.Limit(ac.FallbackRPS), ac.FallbackBurst)
	}

	return admission.New(admission.Config{
		Limiter:    lim,
		Mode:       mode,
		Failure:    failure,
		Fallback:   fallback,
		RetryAfter: ac.RetryAfter(),
		Logger:     logger.With().Str("component", "admission").Logger(),
		Recorder:   rec,
	})
}
