// Package health serves the worker's liveness and readiness checks.
package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sort"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
)

var draining atomic.Bool

// SetDraining marks the worker as shutting down. Readiness then fails so orchestrators stop
// routing renewal requests while queued renewals finish.
func SetDraining(v bool) {
	draining.Store(v)
}

// Check reports whether one dependency is reachable.
type Check func(ctx context.Context) error

// Postgres checks the pool backing the order, coupon and event stores.
func Postgres(pool *pgxpool.Pool) Check {
	return func(ctx context.Context) error {
		if pool == nil {
			return errors.New("database not configured")
		}
		return pool.Ping(ctx)
	}
}

// Redis checks the client backing the coupon cache, renewal locks and the task queue.
func Redis(client *redis.Client) Check {
	return func(ctx context.Context) error {
		if client == nil {
			return errors.New("redis not configured")
		}
		return client.Ping(ctx).Err()
	}
}

// Handler serves the health endpoints. Each check runs with its own Timeout.
type Handler struct {
	Checks  map[string]Check
	Timeout time.Duration
}

// Live always answers ok while the process serves HTTP.
func (h Handler) Live(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

type readiness struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

// Ready runs every check and answers 503 when one fails, none are configured, or the
// worker is draining.
func (h Handler) Ready(w http.ResponseWriter, r *http.Request) {
	switch {
	case draining.Load():
		writeReadiness(w, http.StatusServiceUnavailable, readiness{Status: "draining"})
		return
	case len(h.Checks) == 0:
		writeReadiness(w, http.StatusServiceUnavailable, readiness{Status: "unconfigured"})
		return
	}

	names := make([]string, 0, len(h.Checks))
	for name := range h.Checks {
		names = append(names, name)
	}
	sort.Strings(names)

	out := readiness{Status: "ok", Checks: make(map[string]string, len(names))}
	for _, name := range names {
		out.Checks[name] = "ok"
		if err := h.run(r.Context(), h.Checks[name]); err != nil {
			out.Checks[name] = err.Error()
			out.Status = "unavailable"
		}
	}
	status := http.StatusOK
	if out.Status != "ok" {
		status = http.StatusServiceUnavailable
	}
	writeReadiness(w, status, out)
}

func (h Handler) run(ctx context.Context, check Check) error {
	timeout := h.Timeout
	if timeout <= 0 {
		timeout = 500 * time.Millisecond
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return check(ctx)
}

func writeReadiness(w http.ResponseWriter, status int, body readiness) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
