package snapshot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultRedisKey is the hash holding the live sensor document.
const DefaultRedisKey = "safecyl:sensor"

// RedisSource reads the live document from a Redis hash. Gateways that bridge
// the device onto Redis write one hash field per sensor value.
type RedisSource struct {
	client  *redis.Client
	key     string
	timeout time.Duration

	mu     sync.Mutex
	closed bool
}

// NewRedisSource connects to Redis and verifies the connection.
func NewRedisSource(addr, password string, db int, key string, timeout time.Duration) (*RedisSource, error) {
	if addr == "" {
		return nil, fmt.Errorf("redis address cannot be empty")
	}
	if db < 0 {
		return nil, fmt.Errorf("redis database number must be >= 0")
	}

	timeout = timeoutOrDefault(timeout)
	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		DialTimeout:  timeout,
		ReadTimeout:  timeout,
		WriteTimeout: timeout,
	})

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return NewRedisSourceFromClient(client, key, timeout), nil
}

// NewRedisSourceFromClient wraps an existing client. An empty key selects
// DefaultRedisKey.
func NewRedisSourceFromClient(client *redis.Client, key string, timeout time.Duration) *RedisSource {
	if key == "" {
		key = DefaultRedisKey
	}
	return &RedisSource{
		client:  client,
		key:     key,
		timeout: timeoutOrDefault(timeout),
	}
}

func (r *RedisSource) Name() string { return "redis" }

// Key returns the hash key being read.
func (r *RedisSource) Key() string { return r.key }

// Read implements Source. A missing hash reads as an empty object.
func (r *RedisSource) Read(ctx context.Context) (Snapshot, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	vals, err := r.client.HGetAll(ctx, r.key).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: hgetall %s: %w", ErrUnavailable, r.key, err)
	}

	raw, err := json.Marshal(vals)
	if err != nil {
		return nil, fmt.Errorf("encode snapshot: %w", err)
	}
	return Snapshot(raw), nil
}

// Update implements Updater with HSET. Non-string values are stored in their
// JSON form.
func (r *RedisSource) Update(ctx context.Context, fields map[string]any) error {
	if len(fields) == 0 {
		return nil
	}

	args := make(map[string]any, len(fields))
	for k, v := range fields {
		switch x := v.(type) {
		case string:
			args[k] = x
		default:
			b, err := json.Marshal(x)
			if err != nil {
				return fmt.Errorf("encode field %q: %w", k, err)
			}
			args[k] = string(b)
		}
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	if err := r.client.HSet(ctx, r.key, args).Err(); err != nil {
		return fmt.Errorf("%w: hset %s: %w", ErrUnavailable, r.key, err)
	}
	return nil
}

// Close closes the underlying client. It is safe to call more than once.
func (r *RedisSource) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil
	}
	r.closed = true
	if err := r.client.Close(); err != nil && !errors.Is(err, redis.ErrClosed) {
		return err
	}
	return nil
}
