package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MemoryStore implements an in-memory reading store.
// It is safe for concurrent use by multiple goroutines.
//
// Readings are kept in a slice sorted by (Timestamp, ID). Appends are
// serialized by a write lock, so identities are assigned strictly in call
// order. Readers share a read lock and never block each other. Nothing is
// persisted across restarts; use RedisStore or CassandraStore for that.
type MemoryStore struct {
	mu       sync.RWMutex
	readings []StoredReading
	nextID   uint64
}

// NewMemoryStore creates an empty in-memory store. Identities start at 1.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{nextID: 1}
}

// Append stores r and returns it with its new identity.
//
// Returns a storage error if ctx is already done.
func (s *MemoryStore) Append(ctx context.Context, r Reading) (StoredReading, error) {
	if err := ctxErr(ctx); err != nil {
		return StoredReading{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	sr := stored(s.nextID, r)
	s.nextID++

	// Clocks may step backwards; keep the slice ordered anyway.
	i := len(s.readings)
	if i > 0 && less(sr, s.readings[i-1]) {
		i = sort.Search(len(s.readings), func(j int) bool { return less(sr, s.readings[j]) })
	}
	s.readings = append(s.readings, StoredReading{})
	copy(s.readings[i+1:], s.readings[i:])
	s.readings[i] = sr

	return sr, nil
}

// Count returns the number of stored readings.
func (s *MemoryStore) Count(ctx context.Context) (uint64, error) {
	if err := ctxErr(ctx); err != nil {
		return 0, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	return uint64(len(s.readings)), nil
}

// Recent returns up to limit readings, newest first, skipping offset.
func (s *MemoryStore) Recent(ctx context.Context, limit, offset int) ([]StoredReading, error) {
	if err := ctxErr(ctx); err != nil {
		return nil, err
	}
	if limit < 0 || offset < 0 {
		return nil, fmt.Errorf("%w: negative limit or offset", ErrStorage)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	n := len(s.readings)
	if offset >= n || limit == 0 {
		return []StoredReading{}, nil
	}

	end := n - offset
	start := end - limit
	if start < 0 {
		start = 0
	}

	out := make([]StoredReading, 0, end-start)
	for i := end - 1; i >= start; i-- {
		out = append(out, s.readings[i])
	}
	return out, nil
}

// Since returns readings with Timestamp >= from, oldest first.
func (s *MemoryStore) Since(ctx context.Context, from time.Time) ([]StoredReading, error) {
	if err := ctxErr(ctx); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	i := sort.Search(len(s.readings), func(j int) bool {
		return !s.readings[j].Timestamp.Before(from)
	})

	out := make([]StoredReading, len(s.readings)-i)
	copy(out, s.readings[i:])
	return out, nil
}

// Ping always succeeds for the in-memory store.
func (s *MemoryStore) Ping(ctx context.Context) error {
	return ctxErr(ctx)
}

// Len returns the number of stored readings.
// This method is primarily useful for testing and metrics.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.readings)
}

func ctxErr(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return fmt.Errorf("%w: %w", ErrStorage, ctx.Err())
	default:
		return nil
	}
}
