// Package jobs runs renewal order builds as background tasks.
package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/noah-isme/toko-subscriptions/internal/lock"
	"github.com/noah-isme/toko-subscriptions/internal/obs"
	"github.com/noah-isme/toko-subscriptions/internal/order"
	"github.com/noah-isme/toko-subscriptions/internal/payment"
	"github.com/noah-isme/toko-subscriptions/internal/renewal"
	"github.com/noah-isme/toko-subscriptions/internal/resilience"
)

// TypeRenewalBuild is the task type that builds one renewal order.
const TypeRenewalBuild = "renewal:build"

// ErrAlreadyQueued is returned when the same renewal attempt is already waiting in the queue.
var ErrAlreadyQueued = errors.New("renewal already queued")

// ErrMissingOriginal is returned for a renewal payload without an original order id.
var ErrMissingOriginal = errors.New("original order id is required")

// RenewalPayload identifies the renewal attempt to build.
type RenewalPayload struct {
	OriginalOrderID string `json:"originalOrderId"`
	FailedOrderID   string `json:"failedOrderId,omitempty"`
	IP              string `json:"ip,omitempty"`
	UserAgent       string `json:"userAgent,omitempty"`
}

// TaskID is unique per original and failed order pair.
func (p RenewalPayload) TaskID() string {
	id := "renewal:" + p.OriginalOrderID
	if p.FailedOrderID != "" {
		id += ":retry:" + p.FailedOrderID
	}
	return id
}

// NewRenewalTask encodes p as a renewal task.
func NewRenewalTask(p RenewalPayload, opts ...asynq.Option) (*asynq.Task, error) {
	p.OriginalOrderID = strings.TrimSpace(p.OriginalOrderID)
	p.FailedOrderID = strings.TrimSpace(p.FailedOrderID)
	if p.OriginalOrderID == "" {
		return nil, fmt.Errorf("renewal task: %w", ErrMissingOriginal)
	}
	raw, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("renewal task: encode payload: %w", err)
	}
	return asynq.NewTask(TypeRenewalBuild, raw, opts...), nil
}

// RedisClientOpt derives asynq connection options from an existing go-redis client.
func RedisClientOpt(rdb *redis.Client) asynq.RedisClientOpt {
	opts := rdb.Options()
	return asynq.RedisClientOpt{
		Addr:     opts.Addr,
		Username: opts.Username,
		Password: opts.Password,
		DB:       opts.DB,
	}
}

// TaskClient is the part of *asynq.Client used by Enqueuer.
type TaskClient interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

// Enqueuer schedules renewal builds. Scheduling policy lives with the caller.
type Enqueuer struct {
	Client   TaskClient
	Queue    string
	MaxRetry int
}

// EnqueueRenewal queues p. Queuing the same original and failed order pair twice returns
// ErrAlreadyQueued.
func (e Enqueuer) EnqueueRenewal(ctx context.Context, p RenewalPayload) (*asynq.TaskInfo, error) {
	if e.Client == nil {
		return nil, errors.New("renewal enqueuer not configured")
	}
	task, err := NewRenewalTask(p)
	if err != nil {
		return nil, err
	}
	p.OriginalOrderID = strings.TrimSpace(p.OriginalOrderID)
	p.FailedOrderID = strings.TrimSpace(p.FailedOrderID)
	opts := []asynq.Option{asynq.TaskID(p.TaskID())}
	if e.Queue != "" {
		opts = append(opts, asynq.Queue(e.Queue))
	}
	if e.MaxRetry > 0 {
		opts = append(opts, asynq.MaxRetry(e.MaxRetry))
	}
	info, err := e.Client.EnqueueContext(ctx, task, opts...)
	if err != nil {
		if errors.Is(err, asynq.ErrTaskIDConflict) || errors.Is(err, asynq.ErrDuplicateTask) {
			return nil, fmt.Errorf("%s: %w", p.TaskID(), ErrAlreadyQueued)
		}
		return nil, fmt.Errorf("enqueue %s: %w", p.TaskID(), err)
	}
	return info, nil
}

// Builder builds renewal orders.
type Builder interface {
	BuildRenewal(ctx context.Context, req renewal.Request) (order.Order, error)
}

// RenewalHandler processes renewal tasks while holding a per-subscription lock.
type RenewalHandler struct {
	Builder  Builder
	Locker   lock.Locker
	Currency string
	Logger   *zerolog.Logger
}

// ProcessTask implements asynq.Handler.
func (h *RenewalHandler) ProcessTask(ctx context.Context, t *asynq.Task) error {
	result := "retry"
	defer func() {
		if obs.RenewalJobTotal != nil {
			obs.RenewalJobTotal.WithLabelValues(result).Inc()
		}
	}()

	var p RenewalPayload
	if err := json.Unmarshal(t.Payload(), &p); err != nil {
		result = "skipped"
		return fmt.Errorf("decode renewal payload: %v: %w", err, asynq.SkipRetry)
	}
	if strings.TrimSpace(p.OriginalOrderID) == "" {
		result = "skipped"
		return fmt.Errorf("renewal payload without original order: %w", asynq.SkipRetry)
	}
	if h.Builder == nil {
		return errors.New("renewal handler not configured")
	}

	logger := h.logger(ctx).With().
		Str("original_order_id", p.OriginalOrderID).
		Str("failed_order_id", p.FailedOrderID).
		Logger()

	var built order.Order
	err := h.Locker.WithLock(ctx, h.Locker.Key("renewal", p.OriginalOrderID), func(ctx context.Context) error {
		var err error
		built, err = h.Builder.BuildRenewal(ctx, renewal.Request{
			OriginalOrderID: p.OriginalOrderID,
			FailedOrderID:   p.FailedOrderID,
			Client:          renewal.Client{IP: p.IP, UserAgent: p.UserAgent},
			Currency:        h.Currency,
		})
		return err
	})
	if err != nil {
		if permanent(err) {
			result = "skipped"
			logger.Warn().Err(err).Msg("renewal dropped")
			return fmt.Errorf("build renewal: %w: %w", err, asynq.SkipRetry)
		}
		logger.Error().Err(err).Msg("renewal failed")
		return fmt.Errorf("build renewal: %w", err)
	}
	result = "created"
	logger.Info().Str("order_id", built.ID).Msg("renewal order created")
	return nil
}

func (h *RenewalHandler) logger(ctx context.Context) zerolog.Logger {
	base := zerolog.Nop()
	if h.Logger != nil {
		base = *h.Logger
	}
	return obs.WithTrace(ctx, base)
}

// permanent reports errors a retry cannot fix.
func permanent(err error) bool {
	switch {
	case errors.Is(err, payment.ErrUnavailableGateway),
		errors.Is(err, order.ErrNotFound),
		errors.Is(err, order.ErrInvalidRetryLink),
		errors.Is(err, renewal.ErrNothingToRenew),
		errors.Is(err, renewal.ErrOrphanRenewal),
		errors.Is(err, renewal.ErrFailedOrderMismatch):
		return true
	}
	return false
}

// RetryDelay spaces task retries with jittered exponential backoff.
func RetryDelay(base time.Duration, jitter float64) asynq.RetryDelayFunc {
	return func(n int, _ error, _ *asynq.Task) time.Duration {
		return resilience.Backoff(base, n, jitter)
	}
}

// NewServeMux routes renewal tasks to h.
func NewServeMux(h *RenewalHandler) *asynq.ServeMux {
	mux := asynq.NewServeMux()
	mux.Handle(TypeRenewalBuild, h)
	return mux
}
