// Package redis provides a small JSON cache plus distributed locks on top of
// a shared redis connection. Content metadata lookups cache here, and the
// scheduled sweeps take locks so only one instance runs a sweep at a time.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/bsm/redislock"
	goredis "github.com/redis/go-redis/v9"

	"github.com/coursebridge/assignments-backend/internal/platform/envutil"
	"github.com/coursebridge/assignments-backend/internal/platform/logger"
)

// ErrLockNotObtained reports that another holder already owns the lock.
var ErrLockNotObtained = errors.New("redis: lock not obtained")

type Cache interface {
	// GetJSON unmarshals the cached value into out. The bool reports whether
	// the key existed.
	GetJSON(ctx context.Context, key string, out any) (bool, error)
	SetJSON(ctx context.Context, key string, val any, ttl time.Duration) error
	Delete(ctx context.Context, keys ...string) error
	// WithLock runs fn while holding a distributed lock on key. Returns
	// ErrLockNotObtained without running fn when the lock is already held.
	WithLock(ctx context.Context, key string, ttl time.Duration, fn func(ctx context.Context) error) error
	Close() error
}

type Config struct {
	Addr     string
	Password string
	DB       int
}

func ConfigFromEnv() Config {
	return Config{
		Addr:     envutil.String("REDIS_ADDR", ""),
		Password: envutil.String("REDIS_PASSWORD", ""),
		DB:       envutil.Int("REDIS_DB", 0),
	}
}

func NewFromEnv(log *logger.Logger) (Cache, error) {
	return New(log, ConfigFromEnv())
}

func New(log *logger.Logger, cfg Config) (Cache, error) {
	if log == nil {
		return nil, fmt.Errorf("logger required")
	}
	if cfg.Addr == "" {
		return nil, fmt.Errorf("missing REDIS_ADDR")
	}

	rdb := goredis.NewClient(&goredis.Options{
		Addr:        cfg.Addr,
		Password:    cfg.Password,
		DB:          cfg.DB,
		DialTimeout: 5 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	return &cache{
		log:    log.With("client", "RedisCache"),
		rdb:    rdb,
		locker: redislock.New(rdb),
	}, nil
}

type cache struct {
	log    *logger.Logger
	rdb    *goredis.Client
	locker *redislock.Client
}

func (c *cache) GetJSON(ctx context.Context, key string, out any) (bool, error) {
	if c == nil || c.rdb == nil {
		return false, fmt.Errorf("redis cache not initialized")
	}
	raw, err := c.rdb.Get(ctx, key).Bytes()
	if errors.Is(err, goredis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := json.Unmarshal(raw, out); err != nil {
		// Treat undecodable entries as misses so a format change does not
		// wedge every reader until the TTL runs out.
		c.log.Warn("dropping undecodable cache entry", "key", key, "error", err)
		_ = c.rdb.Del(ctx, key).Err()
		return false, nil
	}
	return true, nil
}

func (c *cache) SetJSON(ctx context.Context, key string, val any, ttl time.Duration) error {
	if c == nil || c.rdb == nil {
		return fmt.Errorf("redis cache not initialized")
	}
	raw, err := json.Marshal(val)
	if err != nil {
		return err
	}
	return c.rdb.Set(ctx, key, raw, ttl).Err()
}

func (c *cache) Delete(ctx context.Context, keys ...string) error {
	if c == nil || c.rdb == nil {
		return fmt.Errorf("redis cache not initialized")
	}
	if len(keys) == 0 {
		return nil
	}
	return c.rdb.Del(ctx, keys...).Err()
}

func (c *cache) WithLock(ctx context.Context, key string, ttl time.Duration, fn func(ctx context.Context) error) error {
	if c == nil || c.locker == nil {
		return fmt.Errorf("redis cache not initialized")
	}
	if fn == nil {
		return fmt.Errorf("fn required")
	}

	lock, err := c.locker.Obtain(ctx, key, ttl, nil)
	if errors.Is(err, redislock.ErrNotObtained) {
		return ErrLockNotObtained
	}
	if err != nil {
		return fmt.Errorf("obtain lock %s: %w", key, err)
	}
	defer func() {
		if rErr := lock.Release(ctx); rErr != nil && !errors.Is(rErr, redislock.ErrLockNotHeld) {
			c.log.Warn("lock release failed", "key", key, "error", rErr)
		}
	}()

	return fn(ctx)
}

func (c *cache) Close() error {
	if c == nil || c.rdb == nil {
		return nil
	}
	return c.rdb.Close()
}
