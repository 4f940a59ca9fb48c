// Package storage provides the append-only time-series store for sensor readings.
//
// A Store owns the persisted sequence of readings. Every reading receives a
// store-generated identity on Append and is never updated or deleted afterwards.
// Readings are ordered by (Timestamp, ID), so two readings stamped with the same
// instant keep their insertion order.
//
// Available backends:
//   - MemoryStore    - process-local slice, used by default and in tests
//   - RedisStore     - sorted sets in Redis, ids from INCR
//   - CassandraStore - day-partitioned table, ids from a snowflake node
package storage

import (
	"context"
	"errors"
	"sort"
	"time"
)

// DefaultOpTimeout bounds every store operation when no timeout is configured.
const DefaultOpTimeout = 3 * time.Second

// ErrStorage marks every failure surfaced by a Store backend, including
// operation timeouts. Callers use errors.Is to tell storage failures apart.
var ErrStorage = errors.New("storage failure")

// Reading is one normalized sensor sample.
type Reading struct {
	Timestamp time.Time `json:"timestamp"`
	LoadValue float64   `json:"loadValue"`
	GasValue  float64   `json:"gasValue"`
}

// StoredReading is a Reading together with its store-assigned identity.
type StoredReading struct {
	ID        uint64    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	LoadValue float64   `json:"loadValue"`
	GasValue  float64   `json:"gasValue"`
}

// Store is the append-only persistence contract for readings.
type Store interface {
	// Append persists r under a new unique identity. It never deduplicates.
	Append(ctx context.Context, r Reading) (StoredReading, error)

	// Count returns the total number of stored readings.
	Count(ctx context.Context) (uint64, error)

	// Recent returns up to limit readings, newest first, after skipping the
	// offset most recent ones. An offset past the end yields an empty slice.
	Recent(ctx context.Context, limit, offset int) ([]StoredReading, error)

	// Since returns every reading with Timestamp >= from in ascending order.
	Since(ctx context.Context, from time.Time) ([]StoredReading, error)

	// Ping reports whether the backend is reachable.
	Ping(ctx context.Context) error
}

func stored(id uint64, r Reading) StoredReading {
	return StoredReading{
		ID:        id,
		Timestamp: r.Timestamp,
		LoadValue: r.LoadValue,
		GasValue:  r.GasValue,
	}
}

// less orders readings by timestamp, then by identity.
func less(a, b StoredReading) bool {
	if !a.Timestamp.Equal(b.Timestamp) {
		return a.Timestamp.Before(b.Timestamp)
	}
	return a.ID < b.ID
}

// SortAscending sorts readings oldest first, breaking timestamp ties by ID.
func SortAscending(rs []StoredReading) {
	sort.SliceStable(rs, func(i, j int) bool { return less(rs[i], rs[j]) })
}

// SortDescending sorts readings newest first, breaking timestamp ties by ID.
func SortDescending(rs []StoredReading) {
	sort.SliceStable(rs, func(i, j int) bool { return less(rs[j], rs[i]) })
}

func opTimeout(d time.Duration) time.Duration {
	if d <= 0 {
		return DefaultOpTimeout
	}
	return d
}
