package sink

import (
	"context"
	"errors"
	"fmt"
	"time"

	redis "github.com/redis/go-redis/v9"
)

const (
	// QueueKey is the list shared by all nodes that receives forwarded events
	QueueKey = "node_logs_queue"

	positionKeyPrefix = "node_agent:"
	positionKeySuffix = ":position"
)

var ErrNotConnected = errors.New("sink is not connected")

// Client is the subset of the central store the agent relies on: a push-style
// queue and a string key/value store.
type Client interface {
	// Ping checks that the connection is usable
	Ping(ctx context.Context) error

	// Push appends all records to the queue in a single call
	Push(ctx context.Context, key string, records [][]byte) error

	// Get returns the value stored at key, and false if there is none
	Get(ctx context.Context, key string) (string, bool, error)

	// Set stores value at key
	Set(ctx context.Context, key, value string) error

	// Close releases the connection
	Close() error
}

// Dialer opens a Client for the given URL. It must not block on the network;
// callers verify the connection with Ping.
type Dialer func(ctx context.Context, url string) (Client, error)

// PositionKey returns the key under which a node's read offset is stored
func PositionKey(nodeID string) string {
	return positionKeyPrefix + nodeID + positionKeySuffix
}

// RedisClient implements Client on top of github.com/redis/go-redis/v9
type RedisClient struct {
	c redis.UniversalClient
}

// DialRedis creates a Redis client from a redis:// or rediss:// URL
func DialRedis(ctx context.Context, url string) (Client, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis url: %w", err)
	}

	if opt.DialTimeout == 0 {
		opt.DialTimeout = 5 * time.Second
	}
	if opt.ConnMaxIdleTime == 0 {
		opt.ConnMaxIdleTime = 30 * time.Second
	}

	return NewRedisClient(redis.NewClient(opt)), nil
}

// NewRedisClient wraps an existing go-redis client
func NewRedisClient(c redis.UniversalClient) *RedisClient {
	return &RedisClient{c: c}
}

// Ping checks that the connection is usable
func (r *RedisClient) Ping(ctx context.Context) error {
	if err := r.c.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping: %w", err)
	}
	return nil
}

// Push prepends the records to the list at key with one LPUSH
func (r *RedisClient) Push(ctx context.Context, key string, records [][]byte) error {
	if len(records) == 0 {
		return nil
	}

	values := make([]interface{}, len(records))
	for i, rec := range records {
		values[i] = string(rec)
	}

	if err := r.c.LPush(ctx, key, values...).Err(); err != nil {
		return fmt.Errorf("redis lpush key=%s count=%d: %w", key, len(records), err)
	}
	return nil
}

// Get returns the string at key
func (r *RedisClient) Get(ctx context.Context, key string) (string, bool, error) {
	val, err := r.c.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("redis get key=%s: %w", key, err)
	}
	return val, true, nil
}

// Set stores value at key without expiry
func (r *RedisClient) Set(ctx context.Context, key, value string) error {
	if err := r.c.Set(ctx, key, value, 0).Err(); err != nil {
		return fmt.Errorf("redis set key=%s: %w", key, err)
	}
	return nil
}

// Close closes the underlying client
func (r *RedisClient) Close() error {
	return r.c.Close()
}
