package notify

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"time"

	redis "github.com/redis/go-redis/v9"
)

const defaultReplayPrefix = "webhook:replay:"

// Delivery identifies one event sent to one endpoint.
type Delivery struct {
	Topic    string
	Endpoint string
	EventID  string
}

// Key returns prefix + topic:endpoint-hash:event-id. The same event id sent under another
// topic or to another endpoint gets its own key.
func (d Delivery) Key(prefix string) string {
	if prefix == "" {
		prefix = defaultReplayPrefix
	}
	sum := sha256.Sum256([]byte(d.Endpoint))
	return prefix + d.Topic + ":" + hex.EncodeToString(sum[:8]) + ":" + d.EventID
}

// ReplayProtector guards against sending a delivery twice within a TTL.
type ReplayProtector interface {
	Acquire(ctx context.Context, d Delivery, ttl time.Duration) (bool, error)
	Release(ctx context.Context, d Delivery) error
}

// RedisReplayProtector claims deliveries with SETNX. The stored value is the topic so a key
// scan shows what was sent.
type RedisReplayProtector struct {
	Client *redis.Client
	Prefix string
}

// Acquire claims d for ttl. It reports false when d was already claimed.
func (r RedisReplayProtector) Acquire(ctx context.Context, d Delivery, ttl time.Duration) (bool, error) {
	if r.Client == nil {
		return true, nil
	}
	return r.Client.SetNX(ctx, d.Key(r.Prefix), d.Topic, ttl).Result()
}

// Release drops the claim on d so a failed delivery can be retried.
func (r RedisReplayProtector) Release(ctx context.Context, d Delivery) error {
	if r.Client == nil {
		return nil
	}
	return r.Client.Del(ctx, d.Key(r.Prefix)).Err()
}
