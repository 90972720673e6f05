package coupon

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/toko-subscriptions/internal/pricing"
)

type countingStore struct {
	MapStore
	calls int
}

func (s *countingStore) Get(ctx context.Context, code string) (Coupon, error) {
	s.calls++
	return s.MapStore.Get(ctx, code)
}

func TestCachedStoreServesFromRedis(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	backing := &countingStore{MapStore: MapStore{}}
	backing.Put(Coupon{Code: "WELCOME", Type: SignUpFeePercent, Amount: pricing.MustParse("50")})
	cache := &CachedStore{Next: backing, Client: client, TTL: time.Minute}

	ctx := context.Background()
	first, err := cache.Get(ctx, "welcome")
	require.NoError(t, err)
	second, err := cache.Get(ctx, " WELCOME ")
	require.NoError(t, err)
	require.Equal(t, 1, backing.calls)
	require.Equal(t, first.Type, second.Type)
	require.True(t, second.Amount.Equal(pricing.MustParse("50")))
	require.True(t, mr.Exists("coupon:welcome"))

	require.NoError(t, cache.Invalidate(ctx, "welcome"))
	_, err = cache.Get(ctx, "welcome")
	require.NoError(t, err)
	require.Equal(t, 2, backing.calls)

	_, err = cache.Get(ctx, "missing")
	require.ErrorIs(t, err, ErrNotFound)
}
