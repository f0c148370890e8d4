package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func setupCacheTest(t *testing.T) (*Client, *miniredis.Miniredis) {
	t.Helper()

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	client, err := New(&Config{URL: "redis://" + mr.Addr()}, zap.NewNop())
	if err != nil {
		t.Fatalf("failed to create cache client: %v", err)
	}
	t.Cleanup(func() { client.Close() })

	return client, mr
}

func TestNewInvalidURL(t *testing.T) {
	_, err := New(&Config{URL: "not-a-url"}, zap.NewNop())
	assert.Error(t, err)
}

func TestNewConnectionFailure(t *testing.T) {
	_, err := New(&Config{URL: "redis://localhost:1"}, zap.NewNop())
	assert.Error(t, err)
}

func TestIncrementCounters(t *testing.T) {
	client, mr := setupCacheTest(t)
	ctx := context.Background()

	err := client.IncrementCounters(ctx, "2025-03-07-09", map[string]int64{
		"request:total": 3,
		"api_request":   3,
		"status:2xx":    2,
	})
	require.NoError(t, err)

	got, err := mr.Get("metrics:2025-03-07-09:request:total")
	require.NoError(t, err)
	assert.Equal(t, "3", got)

	ttl := mr.TTL("metrics:2025-03-07-09:request:total")
	assert.Greater(t, ttl, time.Hour, "counters must expire, but not immediately")
}

func TestIncrementCountersAccumulates(t *testing.T) {
	client, mr := setupCacheTest(t)
	ctx := context.Background()

	require.NoError(t, client.IncrementCounters(ctx, "2025-03-07-09", map[string]int64{"login": 1}))
	require.NoError(t, client.IncrementCounters(ctx, "2025-03-07-09", map[string]int64{"login": 2}))

	got, err := mr.Get("metrics:2025-03-07-09:login")
	require.NoError(t, err)
	assert.Equal(t, "3", got)
}

func TestCountersForBucket(t *testing.T) {
	client, _ := setupCacheTest(t)
	ctx := context.Background()

	require.NoError(t, client.IncrementCounters(ctx, "2025-03-07-09", map[string]int64{
		"request:total": 5,
		"status:2xx":    4,
		"status:5xx":    1,
	}))
	// A different bucket must not leak into the scan.
	require.NoError(t, client.IncrementCounters(ctx, "2025-03-07-10", map[string]int64{
		"request:total": 7,
	}))

	counters, err := client.CountersForBucket(ctx, "2025-03-07-09")
	require.NoError(t, err)

	assert.Equal(t, map[string]int64{
		"request:total": 5,
		"status:2xx":    4,
		"status:5xx":    1,
	}, counters)
}

func TestCountersForBucketEmpty(t *testing.T) {
	client, _ := setupCacheTest(t)

	counters, err := client.CountersForBucket(context.Background(), "2025-03-07-23")
	require.NoError(t, err)
	assert.Empty(t, counters)
}

func TestPing(t *testing.T) {
	client, mr := setupCacheTest(t)

	assert.NoError(t, client.Ping(context.Background()))

	mr.Close()
	assert.Error(t, client.Ping(context.Background()))
}
