package cache

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

const (
	keyPrefix  = "metrics:"
	counterTTL = 2 * time.Hour
)

// Client keeps real-time counters in Redis. It is an optional dependency:
// the durable counter table is the source of record and these keys are a
// fast, lossy view with a short expiry.
type Client struct {
	client *redis.Client
	logger *zap.Logger
}

type Config struct {
	URL string
}

func New(cfg *Config, logger *zap.Logger) (*Client, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}

	opts.DialTimeout = 5 * time.Second
	opts.ReadTimeout = 3 * time.Second
	opts.WriteTimeout = 3 * time.Second
	opts.PoolTimeout = 4 * time.Second

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &Client{client: client, logger: logger}, nil
}

// IncrementCounters applies a set of counter deltas for one hour bucket in a
// single pipeline, refreshing each key's expiry.
func (c *Client) IncrementCounters(ctx context.Context, hourBucket string, deltas map[string]int64) error {
	if len(deltas) == 0 {
		return nil
	}

	pipe := c.client.Pipeline()
	for suffix, delta := range deltas {
		key := keyPrefix + hourBucket + ":" + suffix
		pipe.IncrBy(ctx, key, delta)
		pipe.Expire(ctx, key, counterTTL)
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("counter pipeline failed: %w", err)
	}
	return nil
}

// CountersForBucket scans all counters under one hour bucket and returns
// them keyed by bare counter name.
func (c *Client) CountersForBucket(ctx context.Context, hourBucket string) (map[string]int64, error) {
	prefix := keyPrefix + hourBucket + ":"
	counters := make(map[string]int64)

	var cursor uint64
	for {
		keys, next, err := c.client.Scan(ctx, cursor, prefix+"*", 100).Result()
		if err != nil {
			return nil, fmt.Errorf("counter scan failed: %w", err)
		}

		for _, key := range keys {
			value, err := c.client.Get(ctx, key).Int64()
			if err != nil {
				if err != redis.Nil {
					c.logger.Warn("failed to read counter", zap.String("key", key), zap.Error(err))
				}
				continue
			}
			counters[strings.TrimPrefix(key, prefix)] = value
		}

		cursor = next
		if cursor == 0 {
			break
		}
	}

	return counters, nil
}

func (c *Client) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func (c *Client) Close() error {
	return c.client.Close()
}
