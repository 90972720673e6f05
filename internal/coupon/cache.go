package coupon

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// CachedStore serves coupon definitions from Redis, falling back to Next on a miss.
type CachedStore struct {
	Next   Store
	Client *redis.Client
	TTL    time.Duration
	Prefix string
	Logger *zerolog.Logger
}

// Get implements Store.
func (c *CachedStore) Get(ctx context.Context, code string) (Coupon, error) {
	if c == nil || c.Next == nil {
		return Coupon{}, errors.New("coupon cache not configured")
	}
	key := c.key(code)
	if c.Client != nil && c.TTL > 0 {
		data, err := c.Client.Get(ctx, key).Bytes()
		switch {
		case err == nil:
			var cached Coupon
			if err := json.Unmarshal(data, &cached); err == nil {
				return cached, nil
			}
			c.log().Warn().Str("key", key).Msg("discarding undecodable cached coupon")
		case !errors.Is(err, redis.Nil):
			c.log().Warn().Err(err).Str("key", key).Msg("coupon cache read failed")
		}
	}
	coupon, err := c.Next.Get(ctx, code)
	if err != nil {
		return Coupon{}, err
	}
	if c.Client != nil && c.TTL > 0 {
		if data, err := json.Marshal(coupon); err == nil {
			if err := c.Client.Set(ctx, key, data, c.TTL).Err(); err != nil {
				c.log().Warn().Err(err).Str("key", key).Msg("coupon cache write failed")
			}
		}
	}
	return coupon, nil
}

// Invalidate drops the cached entry for code.
func (c *CachedStore) Invalidate(ctx context.Context, code string) error {
	if c == nil || c.Client == nil {
		return nil
	}
	return c.Client.Del(ctx, c.key(code)).Err()
}

func (c *CachedStore) key(code string) string {
	prefix := c.Prefix
	if prefix == "" {
		prefix = "coupon"
	}
	return prefix + ":" + normaliseCode(code)
}

func (c *CachedStore) log() *zerolog.Logger {
	if c.Logger == nil {
		nop := zerolog.Nop()
		return &nop
	}
	return c.Logger
}

// IncreaseUsage records a use on Next when it tracks usage and drops the cached entry so the
// new count is read back.
func (c *CachedStore) IncreaseUsage(ctx context.Context, code string) error {
	if c == nil || c.Next == nil {
		return errors.New("coupon cache not configured")
	}
	if rec, ok := c.Next.(UsageRecorder); ok {
		if err := rec.IncreaseUsage(ctx, code); err != nil {
			return err
		}
	}
	return c.Invalidate(ctx, code)
}
