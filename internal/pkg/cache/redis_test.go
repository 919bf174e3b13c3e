package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type payment struct {
	PaymentID string  `json:"paymentId"`
	Amount    float64 `json:"amount"`
}

func newRedis(t *testing.T) (*miniredis.Miniredis, Cache) {
	t.Helper()
	mr := miniredis.RunT(t)
	return mr, NewRedisCache(mr.Addr(), "canteen-epics")
}

func TestRedisCache_EncodesLikeMemoryCache(t *testing.T) {
	mr, c := newRedis(t)
	ctx := context.Background()
	require.NoError(t, Ping(ctx, c))

	key := c.GenerateKey("charge", "tray-1")
	require.NoError(t, c.Set(ctx, key, payment{PaymentID: "p-1", Amount: 4.5}, time.Hour))
	require.NoError(t, c.Set(ctx, "raw", []byte("beta"), 0))
	require.NoError(t, c.Set(ctx, "plain", "alpha", 0))

	v, err := c.Get(ctx, key)
	require.NoError(t, err)
	assert.JSONEq(t, `{"paymentId":"p-1","amount":4.5}`, v)

	mem := NewMemoryCache("canteen-epics", nil)
	require.NoError(t, mem.Set(ctx, key, payment{PaymentID: "p-1", Amount: 4.5}, time.Hour))
	fromMem, _ := mem.Get(ctx, key)
	assert.Equal(t, fromMem, v, "both caches store the same bytes")

	v, _ = c.Get(ctx, "raw")
	assert.Equal(t, "beta", v)
	v, _ = c.Get(ctx, "plain")
	assert.Equal(t, "alpha", v)

	assert.Equal(t, time.Hour, mr.TTL(key))
}

func TestRedisCache_MissAndExpiry(t *testing.T) {
	mr, c := newRedis(t)
	ctx := context.Background()

	v, err := c.Get(ctx, "missing")
	require.NoError(t, err)
	assert.Empty(t, v)

	require.NoError(t, c.Set(ctx, "short", map[string]int{"n": 1}, time.Minute))
	mr.FastForward(2 * time.Minute)
	v, err = c.Get(ctx, "short")
	require.NoError(t, err)
	assert.Empty(t, v)
}

func TestRedisCache_RejectsUnencodableValue(t *testing.T) {
	_, c := newRedis(t)
	err := c.Set(context.Background(), "bad", make(chan int), time.Minute)
	assert.ErrorContains(t, err, "cache: encode")
}

func TestRedisCache_PingFailsWhenDown(t *testing.T) {
	mr, c := newRedis(t)
	mr.Close()
	assert.Error(t, Ping(context.Background(), c))
}
