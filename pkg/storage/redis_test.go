//go:build integration

package storage

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/redis"
)

// setupRedisContainer starts a Redis container for testing
func setupRedisContainer(t *testing.T) (*redis.RedisContainer, string) {
	t.Helper()

	ctx := context.Background()

	redisContainer, err := redis.Run(ctx,
		"redis:7-alpine",
		redis.WithSnapshotting(10, 1),
		redis.WithLogLevel(redis.LogLevelVerbose),
	)
	if err != nil {
		t.Fatalf("failed to start redis container: %v", err)
	}

	endpoint, err := redisContainer.ConnectionString(ctx)
	if err != nil {
		t.Fatalf("failed to get redis endpoint: %v", err)
	}

	// Strip "redis://" prefix if present
	addr := endpoint
	if len(endpoint) > 8 && endpoint[:8] == "redis://" {
		addr = endpoint[8:]
	}

	t.Cleanup(func() {
		if err := testcontainers.TerminateContainer(redisContainer); err != nil {
			t.Logf("failed to terminate container: %v", err)
		}
	})

	return redisContainer, addr
}

func newTestRedisStore(t *testing.T) *RedisStore {
	t.Helper()
	_, addr := setupRedisContainer(t)

	store, err := NewRedisStore(addr, "", 0, 2*time.Second)
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestRedisStore_NewRedisStore_Success(t *testing.T) {
	store := newTestRedisStore(t)

	if err := store.Ping(context.Background()); err != nil {
		t.Errorf("Ping failed: %v", err)
	}
}

func TestRedisStore_NewRedisStore_InvalidAddr(t *testing.T) {
	_, err := NewRedisStore("invalid:99999", "", 0, time.Second)
	if err == nil {
		t.Fatal("expected error for invalid address, got nil")
	}
}

func TestRedisStore_NewRedisStore_EmptyAddr(t *testing.T) {
	_, err := NewRedisStore("", "", 0, time.Second)
	if err == nil {
		t.Fatal("expected error for empty address, got nil")
	}
	if err.Error() != "redis address cannot be empty" {
		t.Errorf("unexpected error message: %v", err)
	}
}

func TestRedisStore_NewRedisStore_InvalidDB(t *testing.T) {
	_, err := NewRedisStore("localhost:6379", "", -1, time.Second)
	if err == nil {
		t.Fatal("expected error for negative db number, got nil")
	}
	if err.Error() != "redis database number must be >= 0" {
		t.Errorf("unexpected error message: %v", err)
	}
}

func TestRedisStore_AppendCountRecent(t *testing.T) {
	store := newTestRedisStore(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		sr, err := store.Append(ctx, reading(time.Duration(i)*time.Minute, float64(i), float64(i*2)))
		if err != nil {
			t.Fatalf("Append failed: %v", err)
		}
		if sr.ID != uint64(i+1) {
			t.Errorf("Append id = %d, want %d", sr.ID, i+1)
		}
	}

	n, err := store.Count(ctx)
	if err != nil {
		t.Fatalf("Count failed: %v", err)
	}
	if n != 5 {
		t.Errorf("Count = %d, want 5", n)
	}

	got, err := store.Recent(ctx, 2, 1)
	if err != nil {
		t.Fatalf("Recent failed: %v", err)
	}
	if len(got) != 2 || got[0].ID != 4 || got[1].ID != 3 {
		t.Fatalf("Recent(2, 1) = %+v, want ids [4 3]", got)
	}
	if got[0].LoadValue != 3 || got[0].GasValue != 6 {
		t.Errorf("Recent()[0] values = (%v, %v), want (3, 6)", got[0].LoadValue, got[0].GasValue)
	}
	if !got[0].Timestamp.Equal(base.Add(3 * time.Minute)) {
		t.Errorf("Recent()[0] timestamp = %v, want %v", got[0].Timestamp, base.Add(3*time.Minute))
	}

	got, err = store.Recent(ctx, 2, 10)
	if err != nil {
		t.Fatalf("Recent failed: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("Recent past end returned %d readings, want 0", len(got))
	}
}

func TestRedisStore_SameMillisecondOrderedByID(t *testing.T) {
	store := newTestRedisStore(t)
	ctx := context.Background()

	for i := 0; i < 12; i++ {
		if _, err := store.Append(ctx, reading(0, float64(i), 0)); err != nil {
			t.Fatalf("Append failed: %v", err)
		}
	}

	got, err := store.Recent(ctx, 12, 0)
	if err != nil {
		t.Fatalf("Recent failed: %v", err)
	}
	for i := range got {
		if want := uint64(12 - i); got[i].ID != want {
			t.Errorf("Recent()[%d].ID = %d, want %d", i, got[i].ID, want)
		}
	}
}

func TestRedisStore_Since(t *testing.T) {
	store := newTestRedisStore(t)
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		if _, err := store.Append(ctx, reading(time.Duration(i)*time.Hour, float64(i), 0)); err != nil {
			t.Fatalf("Append failed: %v", err)
		}
	}

	got, err := store.Since(ctx, base.Add(90*time.Minute))
	if err != nil {
		t.Fatalf("Since failed: %v", err)
	}
	if len(got) != 2 || got[0].ID != 3 || got[1].ID != 4 {
		t.Fatalf("Since = %+v, want ids [3 4]", got)
	}

	// Sub-millisecond boundary
	got, err = store.Since(ctx, base.Add(2*time.Hour+500*time.Microsecond))
	if err != nil {
		t.Fatalf("Since failed: %v", err)
	}
	if len(got) != 1 || got[0].ID != 4 {
		t.Errorf("Since(sub-ms) = %+v, want id [4]", got)
	}
}

func TestRedisStore_ConcurrentAppendsUniqueIDs(t *testing.T) {
	store := newTestRedisStore(t)

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		seen = make(map[uint64]bool)
	)

	for w := range 10 {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 20; i++ {
				sr, err := store.Append(context.Background(), reading(time.Duration(i)*time.Second, float64(w), 0))
				if err != nil {
					t.Errorf("Append failed in writer %d: %v", w, err)
					return
				}
				mu.Lock()
				if seen[sr.ID] {
					t.Errorf("duplicate id %d", sr.ID)
				}
				seen[sr.ID] = true
				mu.Unlock()
			}
		}(w)
	}
	wg.Wait()

	n, err := store.Count(context.Background())
	if err != nil {
		t.Fatalf("Count failed: %v", err)
	}
	if n != 200 {
		t.Errorf("Count = %d, want 200", n)
	}
}

func TestRedisStore_WithPrefix_Isolated(t *testing.T) {
	store := newTestRedisStore(t)
	ctx := context.Background()

	if _, err := store.Append(ctx, reading(0, 1, 1)); err != nil {
		t.Fatalf("Append failed: %v", err)
	}

	other := &RedisStore{client: store.client, prefix: "other:readings", opTimeout: time.Second}
	n, err := other.Count(ctx)
	if err != nil {
		t.Fatalf("Count failed: %v", err)
	}
	if n != 0 {
		t.Errorf("Count under other prefix = %d, want 0", n)
	}

	exists, err := store.client.Exists(ctx, DefaultRedisPrefix, DefaultRedisPrefix+":seq").Result()
	if err != nil {
		t.Fatalf("failed to check key existence: %v", err)
	}
	if exists != 2 {
		t.Errorf("expected both store keys to exist, got %d", exists)
	}
}

func TestRedisStore_Close_Idempotent(t *testing.T) {
	_, addr := setupRedisContainer(t)

	store, err := NewRedisStore(addr, "", 0, time.Second)
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}

	if err := store.Close(); err != nil {
		t.Errorf("first Close failed: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Errorf("second Close failed: %v", err)
	}
}
