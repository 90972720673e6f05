package obs

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
)

// HTTPMetrics are the admin server's request collectors.
type HTTPMetrics struct {
	Requests *prometheus.CounterVec
	Duration *prometheus.HistogramVec
	InFlight prometheus.Gauge
}

// NewHTTPMetrics registers the admin request collectors with reg, reusing ones already
// registered under the same names.
func NewHTTPMetrics(namespace string, reg prometheus.Registerer) *HTTPMetrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &HTTPMetrics{
		Requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "admin",
			Name:      "http_requests_total",
			Help:      "Admin requests by method, route and status.",
		}, []string{"method", "route", "status"}),
		Duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "admin",
			Name:      "http_request_duration_ms",
			Help:      "Admin request latency in milliseconds.",
			Buckets:   []float64{1, 5, 10, 25, 50, 100, 250, 1000},
		}, []string{"method", "route"}),
		InFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "admin",
			Name:      "http_in_flight_requests",
			Help:      "Admin requests being served.",
		}),
	}
	m.Requests = register(reg, m.Requests)
	m.Duration = register(reg, m.Duration)
	m.InFlight = register(reg, m.InFlight)
	return m
}

// AdminHTTP records metrics and one log line per admin request. Health and metrics
// scrapes log at debug.
type AdminHTTP struct {
	Metrics *HTTPMetrics
	Logger  zerolog.Logger
}

// Middleware must be installed with chi's Use so the matched route is known after serving.
func (a AdminHTTP) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		if a.Metrics != nil {
			a.Metrics.InFlight.Inc()
			defer a.Metrics.InFlight.Dec()
		}
		start := time.Now()
		next.ServeHTTP(rec, r)
		elapsed := time.Since(start)

		route := routeOf(r)
		if a.Metrics != nil {
			a.Metrics.Requests.WithLabelValues(r.Method, route, strconv.Itoa(rec.status)).Inc()
			a.Metrics.Duration.WithLabelValues(r.Method, route).Observe(DurationMillis(elapsed))
		}

		logger := WithTrace(r.Context(), a.Logger)
		var evt *zerolog.Event
		switch {
		case rec.status >= http.StatusInternalServerError:
			evt = logger.Error()
		case strings.HasPrefix(route, "/health") || route == "/metrics":
			evt = logger.Debug()
		default:
			evt = logger.Info()
		}
		evt.Str("method", r.Method).
			Str("route", route).
			Int("status", rec.status).
			Int64("duration_ms", elapsed.Milliseconds()).
			Int64("bytes", rec.bytes).
			Str("request_id", middleware.GetReqID(r.Context())).
			Msg("admin_request")
	})
}

// routeOf returns the chi pattern matched for r, or "unmatched" for 404s. Raw paths are
// never used as labels.
func routeOf(r *http.Request) string {
	if rc := chi.RouteContext(r.Context()); rc != nil {
		if pattern := rc.RoutePattern(); pattern != "" {
			return pattern
		}
	}
	return "unmatched"
}

type statusRecorder struct {
	http.ResponseWriter
	status int
	bytes  int64
}

func (sr *statusRecorder) WriteHeader(code int) {
	sr.status = code
	sr.ResponseWriter.WriteHeader(code)
}

func (sr *statusRecorder) Write(p []byte) (int, error) {
	n, err := sr.ResponseWriter.Write(p)
	sr.bytes += int64(n)
	return n, err
}
