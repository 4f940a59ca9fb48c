package ingest

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/safecyl/safecyl/pkg/normalize"
	"github.com/safecyl/safecyl/pkg/snapshot"
	"github.com/safecyl/safecyl/pkg/storage"
)

var fixed = time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)

type fakeSource struct {
	mu      sync.Mutex
	raw     string
	err     error
	delay   time.Duration
	updates []map[string]any
}

func (f *fakeSource) Name() string { return "fake" }

func (f *fakeSource) Read(ctx context.Context) (snapshot.Snapshot, error) {
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return nil, errors.Join(snapshot.ErrUnavailable, ctx.Err())
		}
	}
	if f.err != nil {
		return nil, f.err
	}
	return snapshot.Snapshot(f.raw), nil
}

type updatableSource struct {
	fakeSource
}

func (u *updatableSource) Update(_ context.Context, fields map[string]any) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.updates = append(u.updates, fields)
	return nil
}

type recorder struct {
	mu       sync.Mutex
	outcomes []string
	reads    int
	stored   uint64
	errors   []string
}

func (r *recorder) RecordIngest(outcome string, _ float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outcomes = append(r.outcomes, outcome)
}

func (r *recorder) RecordBridgeRead(string, float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reads++
}

func (r *recorder) SetStoredReadings(n uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stored = n
}

func (r *recorder) RecordError(component, reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errors = append(r.errors, component+"/"+reason)
}

func newTestService(src snapshot.Source, store storage.Store, rec Recorder) *Service {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	n := normalize.New(normalize.WithClock(func() time.Time { return fixed }))
	return New(src, n, store, time.Second, logger, rec)
}

func TestIngest_StoresNormalizedReading(t *testing.T) {
	store := storage.NewMemoryStore()
	rec := &recorder{}
	svc := newTestService(&fakeSource{raw: `{"loadcel": "12.5", "mq-2": "7", "led": "on"}`}, store, rec)

	res, err := svc.Ingest(context.Background())
	if err != nil {
		t.Fatalf("Ingest() error = %v", err)
	}

	if res.Reading.ID != 1 || res.Reading.LoadValue != 12.5 || res.Reading.GasValue != 7 {
		t.Errorf("Reading = %+v", res.Reading)
	}
	if !res.Reading.Timestamp.Equal(fixed) {
		t.Errorf("Timestamp = %v, want %v", res.Reading.Timestamp, fixed)
	}
	if res.Total != 1 {
		t.Errorf("Total = %d, want 1", res.Total)
	}
	if res.Snapshot["led"] != "on" {
		t.Errorf("Snapshot = %v, want passthrough of raw fields", res.Snapshot)
	}

	if len(rec.outcomes) != 1 || rec.outcomes[0] != OutcomeStored {
		t.Errorf("outcomes = %v, want [%s]", rec.outcomes, OutcomeStored)
	}
	if rec.stored != 1 || rec.reads != 1 {
		t.Errorf("recorder stored=%d reads=%d, want 1 and 1", rec.stored, rec.reads)
	}
}

func TestIngest_MalformedSnapshotStoresZeros(t *testing.T) {
	store := storage.NewMemoryStore()
	svc := newTestService(&fakeSource{raw: `{"loadcel": "n/a"}`}, store, nil)

	res, err := svc.Ingest(context.Background())
	if err != nil {
		t.Fatalf("Ingest() error = %v", err)
	}
	if res.Reading.LoadValue != 0 || res.Reading.GasValue != 0 {
		t.Errorf("Reading = %+v, want zeros", res.Reading)
	}
	if n, _ := store.Count(context.Background()); n != 1 {
		t.Errorf("Count() = %d, want 1", n)
	}
}

func TestIngest_BridgeFailureStoresNothing(t *testing.T) {
	store := storage.NewMemoryStore()
	rec := &recorder{}
	svc := newTestService(&fakeSource{err: snapshot.ErrUnavailable}, store, rec)

	_, err := svc.Ingest(context.Background())
	if !errors.Is(err, snapshot.ErrUnavailable) {
		t.Fatalf("Ingest() error = %v, want ErrUnavailable", err)
	}
	if n, _ := store.Count(context.Background()); n != 0 {
		t.Errorf("Count() = %d, want 0", n)
	}
	if len(rec.outcomes) != 1 || rec.outcomes[0] != OutcomeBridgeError {
		t.Errorf("outcomes = %v, want [%s]", rec.outcomes, OutcomeBridgeError)
	}
}

func TestIngest_BridgeTimeout(t *testing.T) {
	store := storage.NewMemoryStore()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	svc := New(&fakeSource{raw: `{}`, delay: time.Second}, nil, store, 20*time.Millisecond, logger, nil)

	_, err := svc.Ingest(context.Background())
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Ingest() error = %v, want deadline exceeded", err)
	}
	if n, _ := store.Count(context.Background()); n != 0 {
		t.Errorf("Count() = %d, want 0", n)
	}
}

func TestIngest_BareBridgeErrorIsUnavailable(t *testing.T) {
	store := storage.NewMemoryStore()
	svc := newTestService(&fakeSource{err: context.DeadlineExceeded}, store, nil)

	_, err := svc.Ingest(context.Background())
	if !errors.Is(err, snapshot.ErrUnavailable) || !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Ingest() error = %v, want ErrUnavailable wrapping deadline exceeded", err)
	}
	if _, err := svc.Current(context.Background()); !errors.Is(err, snapshot.ErrUnavailable) {
		t.Errorf("Current() error = %v, want ErrUnavailable", err)
	}
}

type failingStore struct {
	storage.Store
}

func (failingStore) Append(context.Context, storage.Reading) (storage.StoredReading, error) {
	return storage.StoredReading{}, storage.ErrStorage
}

func TestIngest_StorageFailure(t *testing.T) {
	rec := &recorder{}
	svc := newTestService(&fakeSource{raw: `{}`}, failingStore{storage.NewMemoryStore()}, rec)

	_, err := svc.Ingest(context.Background())
	if !errors.Is(err, storage.ErrStorage) {
		t.Fatalf("Ingest() error = %v, want ErrStorage", err)
	}
	if len(rec.outcomes) != 1 || rec.outcomes[0] != OutcomeStoreError {
		t.Errorf("outcomes = %v, want [%s]", rec.outcomes, OutcomeStoreError)
	}
	if len(rec.errors) != 1 || rec.errors[0] != "store/append_failed" {
		t.Errorf("errors = %v", rec.errors)
	}
}

func TestIngest_RepeatedSnapshotsAreNotDeduplicated(t *testing.T) {
	store := storage.NewMemoryStore()
	svc := newTestService(&fakeSource{raw: `{"loadcel": 1, "mq-2": 1}`}, store, nil)

	for i := 0; i < 3; i++ {
		if _, err := svc.Ingest(context.Background()); err != nil {
			t.Fatalf("Ingest() error = %v", err)
		}
	}
	if n, _ := store.Count(context.Background()); n != 3 {
		t.Errorf("Count() = %d, want 3", n)
	}
}

func TestCurrent(t *testing.T) {
	store := storage.NewMemoryStore()
	svc := newTestService(&fakeSource{raw: `{"loadcel": 5}`}, store, nil)

	snap, err := svc.Current(context.Background())
	if err != nil {
		t.Fatalf("Current() error = %v", err)
	}
	if snap.Fields()["loadcel"] != float64(5) {
		t.Errorf("snapshot = %s", snap)
	}
	if n, _ := store.Count(context.Background()); n != 0 {
		t.Errorf("Current() should not store, Count() = %d", n)
	}
}

func TestApply(t *testing.T) {
	src := &updatableSource{}
	svc := newTestService(src, storage.NewMemoryStore(), nil)

	if err := svc.Apply(context.Background(), map[string]any{"led": "off"}); err != nil {
		t.Fatalf("Apply() error = %v", err)
	}
	if len(src.updates) != 1 || src.updates[0]["led"] != "off" {
		t.Errorf("updates = %v", src.updates)
	}
}

func TestApply_ReadOnlySource(t *testing.T) {
	svc := newTestService(&fakeSource{}, storage.NewMemoryStore(), nil)

	if err := svc.Apply(context.Background(), map[string]any{"led": "off"}); !errors.Is(err, snapshot.ErrReadOnly) {
		t.Errorf("Apply() error = %v, want ErrReadOnly", err)
	}
}

func TestRun_StopsOnCancel(t *testing.T) {
	store := storage.NewMemoryStore()
	svc := newTestService(&fakeSource{raw: `{}`}, store, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 120*time.Millisecond)
	defer cancel()

	err := svc.Run(ctx, 20*time.Millisecond)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Run() error = %v, want deadline exceeded", err)
	}
	if n, _ := store.Count(context.Background()); n == 0 {
		t.Error("Run() should have ingested at least one reading")
	}
}
