package resilience

import (
	"context"
	"errors"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/trace"
)

// ErrOpenCircuit is returned when the circuit breaker refuses a call.
var ErrOpenCircuit = errors.New("resilience: circuit breaker open")

// Dependencies guarded by a breaker. The names double as metric labels.
const (
	TargetGateways = "payment_gateways"
	TargetShipping = "shipping_rates"
	TargetWebhooks = "webhooks"
)

// State is the breaker state.
type State int

const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

func (s State) gauge() float64 {
	if s > HalfOpen || s < Closed {
		return -1
	}
	return float64(s)
}

// Settings configures a Breaker. Zero values fall back to one call, a 0.5 failure ratio
// and a thirty second cool-off.
type Settings struct {
	MinRequests  int
	FailureRatio float64
	OpenFor      time.Duration
	Target       string
}

func (s Settings) normalized() Settings {
	if s.MinRequests <= 0 {
		s.MinRequests = 1
	}
	switch {
	case s.FailureRatio <= 0:
		s.FailureRatio = 0.5
	case s.FailureRatio > 1:
		s.FailureRatio = 1
	}
	if s.OpenFor <= 0 {
		s.OpenFor = 30 * time.Second
	}
	s.Target = strings.TrimSpace(s.Target)
	if s.Target == "" {
		s.Target = "default"
	}
	return s
}

// Breaker trips on the failure ratio of calls to one billing dependency: the payment
// gateway source, the shipping rate provider or a webhook endpoint.
type Breaker struct {
	cfg    Settings
	logger zerolog.Logger
	now    func() time.Time

	mu       sync.Mutex
	state    State
	failures int
	calls    int
	openedAt time.Time
}

// New builds a closed breaker for cfg.Target.
func New(cfg Settings, logger zerolog.Logger) *Breaker {
	cfg = cfg.normalized()
	b := &Breaker{
		cfg:    cfg,
		logger: logger.With().Str("breaker", cfg.Target).Logger(),
		now:    time.Now,
	}
	b.recordState()
	return b
}

// Target returns the guarded dependency name.
func (b *Breaker) Target() string {
	return b.cfg.Target
}

// Do runs fn when the breaker allows it and reports the outcome. Errors for which permanent
// returns true are the caller's fault and do not count as failures.
func (b *Breaker) Do(ctx context.Context, fn func(context.Context) error, permanent func(error) bool) error {
	if b == nil {
		return fn(ctx)
	}
	if !b.Allow(ctx) {
		if BreakerRejected != nil {
			BreakerRejected.WithLabelValues(b.cfg.Target).Inc()
		}
		return ErrOpenCircuit
	}
	err := fn(ctx)
	b.Report(ctx, err == nil || (permanent != nil && permanent(err)))
	return err
}

// State returns the current breaker state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Allow reports whether a call may go through. Once the cool-off has passed an open
// breaker lets one call through in half-open.
func (b *Breaker) Allow(ctx context.Context) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case Open:
		if b.now().Sub(b.openedAt) < b.cfg.OpenFor {
			return false
		}
		b.moveLocked(ctx, HalfOpen)
		return true
	default:
		return true
	}
}

// Report records the outcome of an allowed call.
func (b *Breaker) Report(ctx context.Context, success bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case Open:
		return
	case HalfOpen:
		if success {
			b.moveLocked(ctx, Closed)
		} else {
			b.moveLocked(ctx, Open)
		}
		return
	}

	b.calls++
	if !success {
		b.failures++
	}
	if b.calls < b.cfg.MinRequests {
		return
	}
	if float64(b.failures)/float64(b.calls) >= b.cfg.FailureRatio {
		b.moveLocked(ctx, Open)
		return
	}
	// halve the window so old successes fade
	if b.calls > b.cfg.MinRequests*2 {
		b.calls = (b.calls + 1) / 2
		b.failures = (b.failures + 1) / 2
	}
}

func (b *Breaker) moveLocked(ctx context.Context, next State) {
	prev := b.state
	if prev == next {
		return
	}
	b.state = next
	b.calls, b.failures = 0, 0
	switch next {
	case Open:
		b.openedAt = b.now()
	case Closed:
		b.openedAt = time.Time{}
	}
	b.recordState()

	target := b.cfg.Target
	if BreakerTransitions != nil {
		BreakerTransitions.WithLabelValues(target, prev.String(), next.String()).Inc()
	}
	if next == Open && BreakerOpenedTotal != nil {
		BreakerOpenedTotal.WithLabelValues(target).Inc()
	}

	logger := b.logger
	if l := zerolog.Ctx(ctx); l != nil && l.GetLevel() != zerolog.Disabled {
		logger = l.With().Str("breaker", target).Logger()
	}
	evt := logger.Info().Str("from_state", prev.String()).Str("to_state", next.String())
	if sc := trace.SpanContextFromContext(ctx); sc.IsValid() {
		evt = evt.Str("trace_id", sc.TraceID().String())
	}
	evt.Msg("breaker_transition")
}

func (b *Breaker) recordState() {
	if BreakerState != nil {
		BreakerState.WithLabelValues(b.cfg.Target).Set(b.state.gauge())
	}
}

// Backoff returns an exponential delay for attempt with jitterPct of symmetric jitter
// (0.2 is twenty percent). The renewal worker uses it as its asynq retry delay.
func Backoff(base time.Duration, attempt int, jitterPct float64) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if base <= 0 {
		base = 100 * time.Millisecond
	}
	d := base * time.Duration(1<<uint(attempt-1))
	if jitterPct <= 0 {
		return d
	}
	delta := (rand.Float64()*2 - 1) * float64(d) * jitterPct
	return d + time.Duration(delta)
}
