// Package coord wraps the Redis coordination store shared by executor
// instances: the execution mode flag, the emergency stop latch, and the
// per-signer nonce counters.
package coord

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"
)

// Options configures the coordination client.
type Options struct {
	Addr      string
	Password  string
	DB        int
	KeyPrefix string
}

// Client provides typed access to the coordination keys.
type Client struct {
	rdb    *redis.Client
	prefix string
}

// reserveNonceScript atomically hands out the next nonce for a signer.
// KEYS[1] = nonce counter key
// Returns the reserved nonce, or -1 when the counter is not seeded yet.
var reserveNonceScript = redis.NewScript(`
local current = redis.call("GET", KEYS[1])
if not current then
    return -1
end
return redis.call("INCR", KEYS[1]) - 1
`)

// seedNonceScript initialises the counter only when absent, so concurrent
// seeders cannot rewind a counter that is already handing out nonces.
// KEYS[1] = nonce counter key
// ARGV[1] = next nonce observed on chain
// Returns the effective counter value after seeding.
var seedNonceScript = redis.NewScript(`
local current = redis.call("GET", KEYS[1])
if current then
    return tonumber(current)
end
redis.call("SET", KEYS[1], ARGV[1])
return tonumber(ARGV[1])
`)

// New dials Redis and returns a coordination client.
func New(opts Options) *Client {
	rdb := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	return NewWithClient(rdb, opts.KeyPrefix)
}

// NewWithClient wraps an existing Redis client. Used by tests.
func NewWithClient(rdb *redis.Client, prefix string) *Client {
	if prefix == "" {
		prefix = "vanta"
	}
	return &Client{rdb: rdb, prefix: prefix}
}

// Ping verifies connectivity.
func (c *Client) Ping(ctx context.Context) error {
	if err := c.rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("ping redis: %w", err)
	}
	return nil
}

// Close releases the underlying connection pool.
func (c *Client) Close() error {
	return c.rdb.Close()
}

func (c *Client) key(parts ...string) string {
	return c.prefix + ":" + strings.Join(parts, ":")
}

// ExecMode returns the raw execution mode flag. An unset flag yields an
// empty string with no error; interpretation belongs to the caller.
func (c *Client) ExecMode(ctx context.Context) (string, error) {
	val, err := c.rdb.Get(ctx, c.key("exec_mode")).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("read exec mode flag: %w", err)
	}
	return val, nil
}

// SetExecMode writes the execution mode flag.
func (c *Client) SetExecMode(ctx context.Context, mode string) error {
	if err := c.rdb.Set(ctx, c.key("exec_mode"), mode, 0).Err(); err != nil {
		return fmt.Errorf("write exec mode flag: %w", err)
	}
	return nil
}

// EmergencyStop reports whether the emergency stop latch is set.
func (c *Client) EmergencyStop(ctx context.Context) (bool, error) {
	val, err := c.rdb.Get(ctx, c.key("emergency_stop")).Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("read emergency stop latch: %w", err)
	}
	return val == "1", nil
}

// SetEmergencyStop flips the emergency stop latch.
func (c *Client) SetEmergencyStop(ctx context.Context, on bool) error {
	val := "0"
	if on {
		val = "1"
	}
	if err := c.rdb.Set(ctx, c.key("emergency_stop"), val, 0).Err(); err != nil {
		return fmt.Errorf("write emergency stop latch: %w", err)
	}
	return nil
}

// MirrorHealthStreak publishes the in-process health streak for operator
// visibility. Failures are reported but carry no control-flow weight.
func (c *Client) MirrorHealthStreak(ctx context.Context, n int) error {
	if err := c.rdb.Set(ctx, c.key("health_streak"), n, 0).Err(); err != nil {
		return fmt.Errorf("mirror health streak: %w", err)
	}
	return nil
}

// ReserveNonce atomically claims the next nonce for the signer. The second
// return is false when the counter has not been seeded from chain yet.
func (c *Client) ReserveNonce(ctx context.Context, signer string) (uint64, bool, error) {
	res, err := reserveNonceScript.Run(ctx, c.rdb, []string{c.nonceKey(signer)}).Result()
	if err != nil {
		return 0, false, fmt.Errorf("reserve nonce: %w", err)
	}
	n, ok := res.(int64)
	if !ok {
		return 0, false, fmt.Errorf("reserve nonce: unexpected script reply %T", res)
	}
	if n < 0 {
		return 0, false, nil
	}
	return uint64(n), true, nil
}

// SeedNonce initialises the counter from the chain-observed next nonce if
// it is absent, and returns the effective counter value either way.
func (c *Client) SeedNonce(ctx context.Context, signer string, next uint64) (uint64, error) {
	res, err := seedNonceScript.Run(ctx, c.rdb, []string{c.nonceKey(signer)}, next).Result()
	if err != nil {
		return 0, fmt.Errorf("seed nonce: %w", err)
	}
	n, ok := res.(int64)
	if !ok {
		return 0, fmt.Errorf("seed nonce: unexpected script reply %T", res)
	}
	return uint64(n), nil
}

// ResetNonce overwrites the counter unconditionally. Used when the chain
// disagrees with the local counter and the allocator must resynchronise.
func (c *Client) ResetNonce(ctx context.Context, signer string, next uint64) error {
	if err := c.rdb.Set(ctx, c.nonceKey(signer), next, 0).Err(); err != nil {
		return fmt.Errorf("reset nonce: %w", err)
	}
	return nil
}

func (c *Client) nonceKey(signer string) string {
	return c.key("nonce", strings.ToLower(signer))
}
