package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/vietddude/reclaimer/internal/core/domain"
)

// Client holds the reclaim lock shared by coordinator replicas. It extends
// the in-process pending marker across processes.
type Client struct {
	rdb    *redis.Client
	prefix string
}

// Config holds Redis connection configuration.
type Config struct {
	URL       string `yaml:"url"`
	Password  string `yaml:"password"`
	KeyPrefix string `yaml:"key_prefix"`
}

// Enabled reports whether Redis is configured.
func (c Config) Enabled() bool {
	return c.URL != ""
}

// NewClient creates a new Redis client.
func NewClient(cfg Config) (*Client, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis URL: %w", err)
	}
	if cfg.Password != "" {
		opts.Password = cfg.Password
	}

	rdb := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return newClient(rdb, cfg.KeyPrefix), nil
}

func newClient(rdb *redis.Client, prefix string) *Client {
	if prefix == "" {
		prefix = "reclaimer"
	}
	return &Client{rdb: rdb, prefix: prefix}
}

// Close closes the Redis connection.
func (c *Client) Close() error {
	return c.rdb.Close()
}

// Ping checks connectivity.
func (c *Client) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

// Key helpers
func (c *Client) lockKey(key domain.RentalKey) string {
	return fmt.Sprintf("%s:reclaim:%d:%d", c.prefix, key.ChainID, key.RentalID)
}

// releaseScript deletes the lock only if it still belongs to owner.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// AcquireLock takes the reclaim lock for key on behalf of owner.
func (c *Client) AcquireLock(
	ctx context.Context,
	key domain.RentalKey,
	owner string,
	ttl time.Duration,
) (bool, error) {
	ok, err := c.rdb.SetNX(ctx, c.lockKey(key), owner, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("setnx failed: %w", err)
	}
	return ok, nil
}

// ReleaseLock releases the reclaim lock if owner still holds it.
func (c *Client) ReleaseLock(ctx context.Context, key domain.RentalKey, owner string) error {
	if err := releaseScript.Run(ctx, c.rdb, []string{c.lockKey(key)}, owner).Err(); err != nil {
		return fmt.Errorf("release lock failed: %w", err)
	}
	return nil
}

// refreshScript extends the lock only if it still belongs to owner.
var refreshScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

// RefreshLock extends the TTL of owner's lock. It returns false if the lock
// expired or belongs to someone else.
func (c *Client) RefreshLock(
	ctx context.Context,
	key domain.RentalKey,
	owner string,
	ttl time.Duration,
) (bool, error) {
	n, err := refreshScript.Run(ctx, c.rdb, []string{c.lockKey(key)}, owner, ttl.Milliseconds()).Int()
	if err != nil {
		return false, fmt.Errorf("refresh lock failed: %w", err)
	}
	return n == 1, nil
}
