package redis

import (
	"context"
	"errors"
	"testing"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/nmxmxh/fundpulse/pkg/tester"
)

func TestCacheAndDeadLetter(t *testing.T) {
	c := tester.Redis(t)
	client := Wrap(goredis.NewClient(&goredis.Options{Addr: c.Addr()}), zap.NewNop())
	t.Cleanup(func() { _ = client.Close() })
	ctx := context.Background()
	require.NoError(t, client.Ping(ctx))

	cache := NewCache(client, NamespaceCache, ContextStats)
	type snapshot struct {
		TotalDonations int64   `json:"totalDonations"`
		Raised         float64 `json:"totalAmountRaised"`
	}

	var got snapshot
	found, err := cache.Get(ctx, "live_snapshot", "", &got)
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, cache.Set(ctx, "live_snapshot", "", snapshot{TotalDonations: 15, Raised: 8725.5}, time.Minute))
	found, err = cache.Get(ctx, "live_snapshot", "", &got)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, snapshot{TotalDonations: 15, Raised: 8725.5}, got)
	assert.Equal(t, "cache:stats:live_snapshot", cache.Key("live_snapshot", ""))

	require.NoError(t, EmitToDLQ(ctx, client, zap.NewNop(), "campaign:42", []byte(`{"event":"goal-reached"}`), errors.New("publish timeout")))
	entries, err := client.XRange(ctx, DeadLetterStream, "-", "+").Result()
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "campaign:42", entries[0].Values["room"])
	assert.Equal(t, "publish timeout", entries[0].Values["error"])
}
