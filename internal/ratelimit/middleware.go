package ratelimit

import (
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"
)

// Rule is the request budget per key and window. Max <= 0 disables the rule.
type Rule struct {
	Key    func(*http.Request) string
	Window time.Duration
	Max    int
}

// ByClientIP keys requests by caller address. Ports are dropped so a client reconnecting
// from a new port shares its budget.
func ByClientIP(prefix string) func(*http.Request) string {
	return func(r *http.Request) string {
		host, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			host = r.RemoteAddr
		}
		return prefix + host
	}
}

// Throttle rejects renewal scheduling requests over budget with 429 and the admin error
// body. Limiter failures let the request through and are passed to OnError.
type Throttle struct {
	Limiter Limiter
	Rule    Rule
	OnError func(error)
}

// Middleware wraps next with the throttle.
func (t Throttle) Middleware(next http.Handler) http.Handler {
	if t.Rule.Key == nil || t.Rule.Max <= 0 {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		allowed, remaining, resetAt, err := t.Limiter.Allow(r.Context(), t.Rule.Key(r), t.Rule.Window, t.Rule.Max)
		if err != nil {
			if t.OnError != nil {
				t.OnError(err)
			}
			next.ServeHTTP(w, r)
			return
		}

		wait := int(time.Until(resetAt).Round(time.Second).Seconds())
		if wait < 0 {
			wait = 0
		}
		h := w.Header()
		h.Set("RateLimit-Limit", strconv.Itoa(t.Rule.Max))
		h.Set("RateLimit-Remaining", strconv.Itoa(remaining))
		h.Set("RateLimit-Reset", strconv.Itoa(wait))
		if allowed {
			next.ServeHTTP(w, r)
			return
		}

		h.Set("Retry-After", strconv.Itoa(wait))
		h.Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		_ = json.NewEncoder(w).Encode(map[string]any{"error": map[string]string{
			"code":    "RATE_LIMITED",
			"message": fmt.Sprintf("at most %d renewal requests per %s", t.Rule.Max, t.Rule.Window),
		}})
	})
}
