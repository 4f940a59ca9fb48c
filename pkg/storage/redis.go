package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultRedisPrefix is the key prefix used when none is configured.
const DefaultRedisPrefix = "safecyl:readings"

// RedisStore implements the Store interface using Redis as a backend.
// It lets several service instances share one reading history.
//
// Layout:
//   - "{prefix}:seq" - INCR counter handing out reading identities
//   - "{prefix}"     - sorted set scored by unix milliseconds; members are
//     "{id:020d}|{json}" so readings within the same millisecond sort by id
type RedisStore struct {
	client    *redis.Client
	prefix    string
	opTimeout time.Duration
	mu        sync.RWMutex
	closed    bool
}

// NewRedisStore creates a new Redis-backed store.
//
// Parameters:
//   - addr: Redis server address (e.g., "localhost:6379")
//   - password: Redis password (empty string for no auth)
//   - db: Redis database number (typically 0)
//   - opTimeout: bound for each store operation (0 uses DefaultOpTimeout)
//
// Returns an error if the connection to Redis fails or if parameters are invalid.
func NewRedisStore(addr, password string, db int, opTimeout time.Duration) (*RedisStore, error) {
	if addr == "" {
		return nil, errors.New("redis address cannot be empty")
	}
	if db < 0 {
		return nil, errors.New("redis database number must be >= 0")
	}

	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		MaxRetries:   3,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolSize:     10,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", addr, err)
	}

	return &RedisStore{
		client:    client,
		prefix:    DefaultRedisPrefix,
		opTimeout: opTimeout,
	}, nil
}

// WithPrefix sets the key prefix. It must be called before the store is used.
func (r *RedisStore) WithPrefix(prefix string) *RedisStore {
	if prefix != "" {
		r.prefix = prefix
	}
	return r
}

func (r *RedisStore) seqKey() string { return r.prefix + ":seq" }

// errClosed reports whether Close has been called.
func (r *RedisStore) errClosed() error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return fmt.Errorf("%w: %w", ErrStorage, redis.ErrClosed)
	}
	return nil
}

// Append assigns an identity with INCR and adds the reading to the sorted set.
func (r *RedisStore) Append(ctx context.Context, rd Reading) (StoredReading, error) {
	if err := r.errClosed(); err != nil {
		return StoredReading{}, err
	}

	ctx, cancel := context.WithTimeout(ctx, opTimeout(r.opTimeout))
	defer cancel()

	id, err := r.client.Incr(ctx, r.seqKey()).Uint64()
	if err != nil {
		return StoredReading{}, fmt.Errorf("%w: failed to allocate reading id: %w", ErrStorage, err)
	}

	sr := stored(id, rd)
	member, err := encodeMember(sr)
	if err != nil {
		return StoredReading{}, fmt.Errorf("%w: %w", ErrStorage, err)
	}

	if err := r.client.ZAdd(ctx, r.prefix, redis.Z{
		Score:  float64(sr.Timestamp.UnixMilli()),
		Member: member,
	}).Err(); err != nil {
		return StoredReading{}, fmt.Errorf("%w: failed to store reading in redis: %w", ErrStorage, err)
	}

	return sr, nil
}

// Count returns the cardinality of the reading set.
func (r *RedisStore) Count(ctx context.Context) (uint64, error) {
	if err := r.errClosed(); err != nil {
		return 0, err
	}

	ctx, cancel := context.WithTimeout(ctx, opTimeout(r.opTimeout))
	defer cancel()

	n, err := r.client.ZCard(ctx, r.prefix).Uint64()
	if err != nil {
		return 0, fmt.Errorf("%w: failed to count readings: %w", ErrStorage, err)
	}
	return n, nil
}

// Recent returns up to limit readings newest first, skipping offset.
func (r *RedisStore) Recent(ctx context.Context, limit, offset int) ([]StoredReading, error) {
	if limit < 0 || offset < 0 {
		return nil, fmt.Errorf("%w: negative limit or offset", ErrStorage)
	}
	if err := r.errClosed(); err != nil {
		return nil, err
	}
	if limit == 0 {
		return []StoredReading{}, nil
	}

	ctx, cancel := context.WithTimeout(ctx, opTimeout(r.opTimeout))
	defer cancel()

	start := int64(offset)
	stop := start + int64(limit) - 1
	if stop < start {
		stop = math.MaxInt64
	}
	members, err := r.client.ZRevRange(ctx, r.prefix, start, stop).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: failed to read recent readings: %w", ErrStorage, err)
	}

	return decodeMembers(members)
}

// Since returns readings with Timestamp >= from, oldest first.
func (r *RedisStore) Since(ctx context.Context, from time.Time) ([]StoredReading, error) {
	if err := r.errClosed(); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, opTimeout(r.opTimeout))
	defer cancel()

	members, err := r.client.ZRangeByScore(ctx, r.prefix, &redis.ZRangeBy{
		Min: strconv.FormatInt(from.UnixMilli(), 10),
		Max: "+inf",
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: failed to read readings since %s: %w", ErrStorage, from.Format(time.RFC3339), err)
	}

	all, err := decodeMembers(members)
	if err != nil {
		return nil, err
	}

	// Scores are truncated to milliseconds.
	out := all[:0]
	for _, sr := range all {
		if !sr.Timestamp.Before(from) {
			out = append(out, sr)
		}
	}
	SortAscending(out)
	return out, nil
}

// Close closes the Redis client connection. Later calls on the store fail
// with ErrStorage. It is safe to call multiple times.
func (r *RedisStore) Close() error {
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

// Ping checks the Redis connection health.
func (r *RedisStore) Ping(ctx context.Context) error {
	if err := r.errClosed(); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, opTimeout(r.opTimeout))
	defer cancel()

	if err := r.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("%w: %w", ErrStorage, err)
	}
	return nil
}

func encodeMember(sr StoredReading) (string, error) {
	data, err := json.Marshal(sr)
	if err != nil {
		return "", fmt.Errorf("failed to marshal reading: %w", err)
	}
	return fmt.Sprintf("%020d|%s", sr.ID, data), nil
}

func decodeMember(member string) (StoredReading, error) {
	_, data, ok := strings.Cut(member, "|")
	if !ok {
		return StoredReading{}, fmt.Errorf("malformed reading member %q", member)
	}

	var sr StoredReading
	if err := json.Unmarshal([]byte(data), &sr); err != nil {
		return StoredReading{}, fmt.Errorf("failed to unmarshal reading: %w", err)
	}
	return sr, nil
}

func decodeMembers(members []string) ([]StoredReading, error) {
	out := make([]StoredReading, 0, len(members))
	for _, m := range members {
		sr, err := decodeMember(m)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrStorage, err)
		}
		out = append(out, sr)
	}
	return out, nil
}
