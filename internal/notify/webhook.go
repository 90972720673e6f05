// Package notify delivers domain events to subscribed webhook endpoints.
package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/tls"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/noah-isme/toko-subscriptions/internal/events"
	"github.com/noah-isme/toko-subscriptions/internal/obs"
	"github.com/noah-isme/toko-subscriptions/internal/resilience"
)

// ErrDeliveryRejected is returned when an endpoint answers with a non-2xx status.
var ErrDeliveryRejected = errors.New("webhook delivery rejected")

// Endpoint is a webhook receiver. An empty Topics list subscribes to every topic.
type Endpoint struct {
	URL    string
	Secret string
	Topics []string
}

// Subscribed reports whether e wants events published on topic.
func (e Endpoint) Subscribed(topic string) bool {
	return len(e.Topics) == 0 || slices.Contains(e.Topics, topic)
}

// ParseEndpoint validates rawURL and builds an endpoint for the comma separated topics.
func ParseEndpoint(rawURL, secret, topicsCSV string) (Endpoint, error) {
	rawURL = strings.TrimSpace(rawURL)
	if err := validateURL(rawURL); err != nil {
		return Endpoint{}, err
	}
	if strings.TrimSpace(secret) == "" {
		return Endpoint{}, errors.New("webhook secret is required")
	}
	ep := Endpoint{URL: rawURL, Secret: secret}
	for _, topic := range strings.Split(topicsCSV, ",") {
		if topic = strings.TrimSpace(topic); topic != "" {
			ep.Topics = append(ep.Topics, topic)
		}
	}
	return ep, nil
}

// Webhook is an events.Notifier that posts signed events to its endpoints.
type Webhook struct {
	Endpoints []Endpoint
	Client    *http.Client
	Breaker   *resilience.Breaker
	Replay    ReplayProtector
	ReplayTTL time.Duration
	Logger    *zerolog.Logger
}

// Notify implements events.Notifier.
func (w *Webhook) Notify(ctx context.Context, ev events.Event) error {
	if w == nil {
		return nil
	}
	var joined error
	for _, ep := range w.Endpoints {
		if !ep.Subscribed(ev.Topic) {
			continue
		}
		result := "delivered"
		err := w.deliver(ctx, ep, ev)
		switch {
		case errors.Is(err, errReplay):
			result, err = "suppressed", nil
		case err != nil:
			result = "failed"
			joined = errors.Join(joined, err)
			if w.Logger != nil {
				logger := obs.WithTrace(ctx, *w.Logger)
				logger.Warn().Err(err).
					Str("event_id", ev.ID.String()).
					Str("topic", ev.Topic).
					Str("endpoint", ep.URL).
					Msg("webhook delivery failed")
			}
		}
		if obs.WebhookDeliveryTotal != nil {
			obs.WebhookDeliveryTotal.WithLabelValues(ev.Topic, result).Inc()
		}
	}
	return joined
}

var errReplay = errors.New("webhook already delivered")

func (w *Webhook) deliver(ctx context.Context, ep Endpoint, ev events.Event) error {
	ctx, span := otel.Tracer("notify.Webhook").Start(ctx, "Webhook.deliver")
	defer span.End()
	span.SetAttributes(
		attribute.String("webhook.topic", ev.Topic),
		attribute.String("webhook.event_id", ev.ID.String()),
	)

	delivery := Delivery{Topic: ev.Topic, Endpoint: ep.URL, EventID: ev.ID.String()}
	if w.Replay != nil && w.ReplayTTL > 0 {
		ok, err := w.Replay.Acquire(ctx, delivery, w.ReplayTTL)
		if err != nil {
			span.RecordError(err)
			return err
		}
		if !ok {
			span.AddEvent("delivery replay prevented")
			return errReplay
		}
	}

	occurred := ev.OccurredAt
	if occurred.IsZero() {
		occurred = time.Now().UTC()
	}
	body, err := json.Marshal(struct {
		EventID     string          `json:"eventId"`
		Topic       string          `json:"topic"`
		AggregateID string          `json:"aggregateId"`
		Data        json.RawMessage `json:"data"`
		OccurredAt  time.Time       `json:"occurredAt"`
	}{
		EventID:     ev.ID.String(),
		Topic:       ev.Topic,
		AggregateID: ev.AggregateID,
		Data:        ev.Payload,
		OccurredAt:  occurred,
	})
	if err != nil {
		span.RecordError(err)
		return err
	}

	err = w.Breaker.Do(ctx, func(ctx context.Context) error {
		return w.post(ctx, ep, ev.ID.String(), body)
	}, func(err error) bool {
		return errors.Is(err, ErrDeliveryRejected)
	})
	if err != nil {
		span.RecordError(err)
		if w.Replay != nil && w.ReplayTTL > 0 {
			_ = w.Replay.Release(ctx, delivery)
		}
		return fmt.Errorf("deliver %s to %s: %w", ev.Topic, ep.URL, err)
	}
	return nil
}

func (w *Webhook) post(ctx context.Context, ep Endpoint, eventID string, body []byte) error {
	client := w.Client
	if client == nil {
		client = HTTPClient(5*time.Second, false)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, ep.URL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	ts := time.Now().Unix()
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "toko-subscriptions-webhooks/1.0")
	req.Header.Set("X-Event-ID", eventID)
	req.Header.Set("X-Timestamp", strconv.FormatInt(ts, 10))
	req.Header.Set("X-Signature", ComputeSignature(ep.Secret, ts, eventID, body))

	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	switch {
	case resp.StatusCode >= 500:
		return fmt.Errorf("endpoint returned %d", resp.StatusCode)
	case resp.StatusCode >= 300:
		return fmt.Errorf("%w: endpoint returned %d", ErrDeliveryRejected, resp.StatusCode)
	}
	return nil
}

func validateURL(raw string) error {
	parsed, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid endpoint url: %w", err)
	}
	if parsed.Scheme != "https" && parsed.Scheme != "http" {
		return errors.New("webhook url must be http or https")
	}
	if parsed.Host == "" {
		return errors.New("webhook url must include host")
	}
	if parsed.Scheme == "http" {
		host := parsed.Hostname()
		if host != "localhost" && host != "127.0.0.1" {
			return errors.New("http webhook only allowed for localhost")
		}
	}
	return nil
}

// ComputeSignature calculates the webhook signature for the provided payload. The
// format is HMAC-SHA256 over "<ts>.<eventID>.<body>" using the endpoint secret.
func ComputeSignature(secret string, ts int64, eventID string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write([]byte(strconv.FormatInt(ts, 10)))
	_, _ = mac.Write([]byte("."))
	_, _ = mac.Write([]byte(eventID))
	_, _ = mac.Write([]byte("."))
	_, _ = mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// HTTPClient returns an HTTP client configured for webhook delivery.
func HTTPClient(timeout time.Duration, insecure bool) *http.Client {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	transport := &http.Transport{}
	if insecure {
		transport.TLSClientConfig = insecureTLSConfig
	}
	return &http.Client{
		Timeout:   timeout,
		Transport: otelhttp.NewTransport(transport),
	}
}

var insecureTLSConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec
