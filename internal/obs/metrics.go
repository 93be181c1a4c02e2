package obs

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/AlexKimmel/Cascade/internal/gateway"
	"github.com/AlexKimmel/Cascade/internal/routing"
)

// Metrics implements admission.Recorder on top of Prometheus.
type Metrics struct {
	RequestsTotal      *prometheus.CounterVec
	RequestDuration    *prometheus.HistogramVec
	Admissions         *prometheus.CounterVec
	RateLimited        *prometheus.CounterVec
	StoreErrors        *prometheus.CounterVec
	EvaluationDuration *prometheus.HistogramVec
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		RequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cascade_requests_total",
				Help: "Total HTTP requests processed by the gateway",
			},
			[]string{"route", "method", "code"},
		),
		RequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "cascade_request_duration_seconds",
				Help:    "Request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"route", "method"},
		),
		Admissions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cascade_admitted_total",
				Help: "Total requests admitted by the gate",
			},
			[]string{"resolver"},
		),
		RateLimited: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cascade_rate_limited_total",
				Help: "Total requests denied, by the dimension that denied them",
			},
			[]string{"resolver", "dimension"},
		),
		StoreErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cascade_store_errors_total",
				Help: "Total evaluations decided by the failure policy because the bucket store was unavailable",
			},
			[]string{"resolver"},
		),
		EvaluationDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "cascade_evaluation_duration_seconds",
				Help:    "Time spent evaluating all dimensions of a request",
				Buckets: []float64{.0005, .001, .0025, .005, .01, .025, .05, .1, .25, .5},
			},
			[]string{"resolver"},
		),
	}

	reg.MustRegister(m.RequestsTotal, m.RequestDuration, m.Admissions, m.RateLimited, m.StoreErrors, m.EvaluationDuration)
	return m
}

func (m *Metrics) Admitted(resolverName string) {
	m.Admissions.WithLabelValues(resolverName).Inc()
}

func (m *Metrics) Denied(resolverName, dimension string) {
	m.RateLimited.WithLabelValues(resolverName, dimension).Inc()
}

func (m *Metrics) StoreError(resolverName string) {
	m.StoreErrors.WithLabelValues(resolverName).Inc()
}

func (m *Metrics) ObserveEvaluation(resolverName string, d time.Duration) {
	m.EvaluationDuration.WithLabelValues(resolverName).Observe(d.Seconds())
}

type statusRecorder struct {
	http.ResponseWriter
	status int
	bytes  int
}

func (w *statusRecorder) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusRecorder) Write(b []byte) (int, error) {
	if w.status == 0 {
		w.status = http.StatusOK
	}
	n, err := w.ResponseWriter.Write(b)
	w.bytes += n
	return n, err
}

// Middleware records per-request metrics.
// It must run inside RouteMatcher to see the route.
func (m *Metrics) Middleware(skip map[string]struct{}) gateway.Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if _, ok := skip[r.URL.Path]; ok {
				next.ServeHTTP(w, r)
				return
			}

			start := time.Now()
			rec := &statusRecorder{ResponseWriter: w}

			next.ServeHTTP(rec, r)

			route := "unknown"
			if rt, ok := routing.RouteFrom(r); ok && rt != nil && rt.ID != "" {
				route = rt.ID
			}

			code := rec.status
			if code == 0 {
				code = http.StatusOK
			}

			m.RequestDuration.WithLabelValues(route, r.Method).Observe(time.Since(start).Seconds())
			m.RequestsTotal.WithLabelValues(route, r.Method, strconv.Itoa(code)).Inc()
		})
	}
}
