// Package admin serves the worker's operational HTTP endpoints.
package admin

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/noah-isme/toko-subscriptions/internal/health"
	"github.com/noah-isme/toko-subscriptions/internal/jobs"
	"github.com/noah-isme/toko-subscriptions/internal/obs"
	"github.com/noah-isme/toko-subscriptions/internal/ratelimit"
)

// Config collects what the admin router serves.
type Config struct {
	Health   health.Handler
	Registry *prometheus.Registry
	Metrics  *obs.HTTPMetrics
	Enqueuer jobs.Enqueuer
	Limiter  ratelimit.Limiter
	// RateLimit bounds renewal requests per client and minute. Zero disables the limit.
	RateLimit int
	Token     string
	MaxBody   int64
	Logger    zerolog.Logger
}

// NewRouter builds the admin router.
func NewRouter(cfg Config) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(obs.AdminHTTP{Metrics: cfg.Metrics, Logger: cfg.Logger}.Middleware)
	r.Use(noStore)

	r.Get("/health/live", cfg.Health.Live)
	r.Get("/health/ready", cfg.Health.Ready)
	if cfg.Registry != nil {
		r.Handle("/metrics", promhttp.HandlerFor(cfg.Registry, promhttp.HandlerOpts{Registry: cfg.Registry}))
	}

	r.Group(func(g chi.Router) {
		g.Use(requireToken(cfg.Token))
		g.Use(ratelimit.Throttle{
			Limiter: cfg.Limiter,
			Rule:    ratelimit.Rule{Key: ratelimit.ByClientIP("renewals:"), Window: time.Minute, Max: cfg.RateLimit},
			OnError: func(err error) { cfg.Logger.Warn().Err(err).Msg("rate limiter unavailable") },
		}.Middleware)
		g.Use(limitBody(cfg.MaxBody))
		g.Post("/renewals", renewals{enq: cfg.Enqueuer, logger: cfg.Logger}.enqueue)
	})
	return r
}

type renewals struct {
	enq    jobs.Enqueuer
	logger zerolog.Logger
}

func (h renewals) enqueue(w http.ResponseWriter, r *http.Request) {
	var payload jobs.RenewalPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		if isTooLarge(err) {
			writeError(w, http.StatusRequestEntityTooLarge, "PAYLOAD_TOO_LARGE", "request entity too large")
			return
		}
		writeError(w, http.StatusBadRequest, "INVALID_INPUT", "invalid payload")
		return
	}
	if payload.IP == "" {
		payload.IP = r.RemoteAddr
	}
	if payload.UserAgent == "" {
		payload.UserAgent = r.UserAgent()
	}

	info, err := h.enq.EnqueueRenewal(r.Context(), payload)
	switch {
	case errors.Is(err, jobs.ErrAlreadyQueued):
		writeError(w, http.StatusConflict, "ALREADY_QUEUED", err.Error())
	case errors.Is(err, jobs.ErrMissingOriginal):
		writeError(w, http.StatusBadRequest, "INVALID_INPUT", err.Error())
	case err != nil:
		logger := obs.WithTrace(r.Context(), h.logger)
		logger.Error().Err(err).Str("original_order_id", payload.OriginalOrderID).Msg("enqueue renewal")
		writeError(w, http.StatusInternalServerError, "INTERNAL", "enqueue failed")
	default:
		writeJSON(w, http.StatusAccepted, map[string]string{"taskId": info.ID, "queue": info.Queue})
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]any{"error": map[string]string{"code": code, "message": message}})
}
