// Package cache is the Redis side of the pipeline: latest daily aggregate per
// symbol, plus the lock that keeps aggregation runs from overlapping.
package cache

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/chenzhangda16/tickpipe/internal/tickpipe/model"
)

type Client struct {
	rdb    redis.UniversalClient
	prefix string
	lg     *zap.Logger
}

// Connect builds the client for cfg.Mode and pings it.
func Connect(ctx context.Context, cfg Config, lg *zap.Logger) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	var rdb redis.UniversalClient
	switch cfg.Mode {
	case Standalone:
		rdb = redis.NewClient(&redis.Options{
			Addr:            cfg.Addrs[0],
			Username:        cfg.Username,
			Password:        cfg.Password,
			DB:              cfg.DB,
			MaxRetries:      cfg.MaxRetries,
			MinRetryBackoff: cfg.MinRetryBackoff,
			MaxRetryBackoff: cfg.MaxRetryBackoff,
			DialTimeout:     cfg.ConnectTimeout,
			ReadTimeout:     cfg.ConnectTimeout,
			WriteTimeout:    cfg.ConnectTimeout,
			PoolSize:        cfg.PoolSize,
			PoolTimeout:     cfg.PoolTimeout,
		})
	case Cluster:
		rdb = redis.NewClusterClient(&redis.ClusterOptions{
			Addrs:           cfg.Addrs,
			Username:        cfg.Username,
			Password:        cfg.Password,
			MaxRetries:      cfg.MaxRetries,
			MinRetryBackoff: cfg.MinRetryBackoff,
			MaxRetryBackoff: cfg.MaxRetryBackoff,
			DialTimeout:     cfg.ConnectTimeout,
			ReadTimeout:     cfg.ConnectTimeout,
			WriteTimeout:    cfg.ConnectTimeout,
			PoolSize:        cfg.PoolSize,
			PoolTimeout:     cfg.PoolTimeout,
		})
	}

	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return NewClient(rdb, cfg.KeyPrefix, lg), nil
}

func NewClient(rdb redis.UniversalClient, prefix string, lg *zap.Logger) *Client {
	return &Client{rdb: rdb, prefix: prefix, lg: lg.Named("cache")}
}

func (c *Client) Close() error {
	return c.rdb.Close()
}

func (c *Client) key(k string) string { return c.prefix + k }

// Set stores value under key with no expiry.
func (c *Client) Set(ctx context.Context, key string, value []byte) error {
	if err := c.rdb.Set(ctx, c.key(key), value, 0).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", key, err)
	}
	return nil
}

// Get returns the stored bytes; found is false when the key is absent.
func (c *Client) Get(ctx context.Context, key string) (value []byte, found bool, err error) {
	b, err := c.rdb.Get(ctx, c.key(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("redis get %s: %w", key, err)
	}
	return b, true, nil
}

// PutAggregate overwrites the cached aggregate for agg.Symbol.
func (c *Client) PutAggregate(ctx context.Context, agg model.DailyAggregate) error {
	b, err := agg.MarshalCache()
	if err != nil {
		return fmt.Errorf("encode aggregate %s: %w", agg.Symbol, err)
	}
	return c.Set(ctx, agg.Symbol, b)
}

// DeleteAggregate removes the cached aggregate for symbol. A missing key is
// not an error.
func (c *Client) DeleteAggregate(ctx context.Context, symbol string) error {
	if err := c.rdb.Del(ctx, c.key(symbol)).Err(); err != nil {
		return fmt.Errorf("redis del %s: %w", symbol, err)
	}
	return nil
}

func (c *Client) GetAggregate(ctx context.Context, symbol string) (model.DailyAggregate, bool, error) {
	b, found, err := c.Get(ctx, symbol)
	if err != nil || !found {
		return model.DailyAggregate{}, found, err
	}
	agg, err := model.UnmarshalCache(symbol, b)
	if err != nil {
		return model.DailyAggregate{}, true, err
	}
	return agg, true, nil
}

var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Lease is a held lock.
type Lease interface {
	Release(ctx context.Context) error
}

// Lock is a SET NX lease on one key.
type Lock struct {
	c     *Client
	key   string
	token string
}

// AcquireLock tries once; ok is false when someone else holds key.
func (c *Client) AcquireLock(ctx context.Context, key string, ttl time.Duration) (Lease, bool, error) {
	var buf [16]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return nil, false, err
	}
	token := hex.EncodeToString(buf[:])

	ok, err := c.rdb.SetNX(ctx, c.key(key), token, ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("redis lock %s: %w", key, err)
	}
	if !ok {
		return nil, false, nil
	}
	return &Lock{c: c, key: key, token: token}, true, nil
}

// Release deletes the lock only if it still carries our token, so an
// expired-and-retaken lock is left alone.
func (l *Lock) Release(ctx context.Context) error {
	n, err := releaseScript.Run(ctx, l.c.rdb, []string{l.c.key(l.key)}, l.token).Int64()
	if err != nil {
		return fmt.Errorf("redis unlock %s: %w", l.key, err)
	}
	if n == 0 {
		l.c.lg.Warn("lock expired before release", zap.String("key", l.key))
	}
	return nil
}
