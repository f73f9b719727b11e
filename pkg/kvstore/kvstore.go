package kvstore

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/cloudburst-io/cloudburst/pkg/log"
)

const (
	// DefaultPrefix namespaces every key written by this process
	DefaultPrefix = "cloudburst"

	// connectAttempts bounds the initial connection retry loop
	connectAttempts = 5
	connectBackoff  = 1 * time.Second

	// watchAttempts bounds optimistic-transaction retries on write conflict
	watchAttempts = 16
)

// ErrTxnConflict is returned when a watched transaction kept losing the
// race against concurrent writers.
var ErrTxnConflict = fmt.Errorf("transaction retries exhausted: %w", redis.TxFailedErr)

// Config holds connection parameters for the KV store
type Config struct {
	Host     string
	Port     string
	Password string
	Prefix   string
}

// ConfigFromEnv reads connection parameters from the environment. The
// password may alternatively be supplied through a Docker secret file
// named by REDIS_PASS_FILE.
func ConfigFromEnv() Config {
	cfg := Config{
		Host:     envOr("REDIS_HOST", "localhost"),
		Port:     envOr("REDIS_PORT", "6379"),
		Password: os.Getenv("REDIS_PASS"),
		Prefix:   envOr("CLOUDBURST_KEY_PREFIX", DefaultPrefix),
	}
	if file := os.Getenv("REDIS_PASS_FILE"); file != "" {
		if data, err := os.ReadFile(file); err == nil {
			cfg.Password = strings.TrimSpace(string(data))
		} else {
			logger := log.WithComponent("kvstore")
			logger.Warn().Err(err).Str("file", file).
				Msg("Could not read password secret file")
		}
	}
	return cfg
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// Client is a namespaced gateway to the shared KV store
type Client struct {
	rdb    *redis.Client
	prefix string
}

// Connect opens a client and verifies connectivity with bounded retry
func Connect(ctx context.Context, cfg Config) (*Client, error) {
	if cfg.Prefix == "" {
		cfg.Prefix = DefaultPrefix
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Host + ":" + cfg.Port,
		Password: cfg.Password,
	})

	logger := log.WithComponent("kvstore")
	var err error
	for attempt := 1; attempt <= connectAttempts; attempt++ {
		if err = rdb.Ping(ctx).Err(); err == nil {
			return &Client{rdb: rdb, prefix: cfg.Prefix}, nil
		}
		logger.Warn().Err(err).
			Int("attempt", attempt).Msg("KV store not reachable")
		select {
		case <-time.After(connectBackoff):
		case <-ctx.Done():
			rdb.Close()
			return nil, ctx.Err()
		}
	}
	rdb.Close()
	return nil, fmt.Errorf("failed to connect to KV store at %s:%s after %d attempts: %w",
		cfg.Host, cfg.Port, connectAttempts, err)
}

// Close closes the underlying connection pool
func (c *Client) Close() error {
	return c.rdb.Close()
}

// Prefix returns the process-wide key namespace
func (c *Client) Prefix() string {
	return c.prefix
}

// Key joins parts under the process-wide prefix
func (c *Client) Key(parts ...string) string {
	return c.prefix + ":" + strings.Join(parts, ":")
}

// Watch runs fn under WATCH on the given (already prefixed) keys,
// retrying from the read when a concurrent modification aborts the
// transaction.
func (c *Client) Watch(ctx context.Context, fn func(tx *redis.Tx) error, keys ...string) error {
	for attempt := 0; attempt < watchAttempts; attempt++ {
		err := c.rdb.Watch(ctx, fn, keys...)
		if err == nil {
			return nil
		}
		if err != redis.TxFailedErr {
			return err
		}
	}
	return ErrTxnConflict
}

// Pipelined runs fn inside a single MULTI/EXEC pipeline
func (c *Client) Pipelined(ctx context.Context, fn func(pipe redis.Pipeliner) error) error {
	_, err := c.rdb.TxPipelined(ctx, fn)
	return err
}

// Hash operations. Keys are raw (callers build them with Key).

func (c *Client) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	return c.rdb.HGetAll(ctx, key).Result()
}

func (c *Client) HSet(ctx context.Context, key string, fields map[string]any) error {
	return c.rdb.HSet(ctx, key, fields).Err()
}

func (c *Client) HGet(ctx context.Context, key, field string) (string, error) {
	v, err := c.rdb.HGet(ctx, key, field).Result()
	if err == redis.Nil {
		return "", nil
	}
	return v, err
}

func (c *Client) HDel(ctx context.Context, key string, fields ...string) error {
	return c.rdb.HDel(ctx, key, fields...).Err()
}

// Set operations

func (c *Client) SAdd(ctx context.Context, key string, members ...any) error {
	return c.rdb.SAdd(ctx, key, members...).Err()
}

func (c *Client) SRem(ctx context.Context, key string, members ...any) error {
	return c.rdb.SRem(ctx, key, members...).Err()
}

func (c *Client) SMembers(ctx context.Context, key string) ([]string, error) {
	return c.rdb.SMembers(ctx, key).Result()
}

func (c *Client) SIsMember(ctx context.Context, key string, member any) (bool, error) {
	return c.rdb.SIsMember(ctx, key, member).Result()
}

// List operations

func (c *Client) LPush(ctx context.Context, key string, values ...any) error {
	return c.rdb.LPush(ctx, key, values...).Err()
}

func (c *Client) RPush(ctx context.Context, key string, values ...any) error {
	return c.rdb.RPush(ctx, key, values...).Err()
}

func (c *Client) LRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	return c.rdb.LRange(ctx, key, start, stop).Result()
}

// String and counter operations

func (c *Client) Get(ctx context.Context, key string) (string, error) {
	v, err := c.rdb.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", nil
	}
	return v, err
}

func (c *Client) Set(ctx context.Context, key string, value any) error {
	return c.rdb.Set(ctx, key, value, 0).Err()
}

func (c *Client) Del(ctx context.Context, keys ...string) error {
	return c.rdb.Del(ctx, keys...).Err()
}

func (c *Client) Incr(ctx context.Context, key string) (int64, error) {
	return c.rdb.Incr(ctx, key).Result()
}

func (c *Client) Exists(ctx context.Context, key string) (bool, error) {
	n, err := c.rdb.Exists(ctx, key).Result()
	return n > 0, err
}

// Pub/sub

func (c *Client) Publish(ctx context.Context, channel string, message any) error {
	return c.rdb.Publish(ctx, channel, message).Err()
}

func (c *Client) Subscribe(ctx context.Context, channels ...string) *redis.PubSub {
	return c.rdb.Subscribe(ctx, channels...)
}
