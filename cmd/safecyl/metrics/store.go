package metrics

import (
	"context"
	"time"

	"github.com/safecyl/safecyl/pkg/storage"
)

// InstrumentedStore times every call to the wrapped store.
type InstrumentedStore struct {
	next    storage.Store
	metrics *Metrics
}

// InstrumentStore wraps store so each operation is recorded in m.
func InstrumentStore(store storage.Store, m *Metrics) *InstrumentedStore {
	return &InstrumentedStore{next: store, metrics: m}
}

func (s *InstrumentedStore) observe(op string, start time.Time, err error) {
	s.metrics.RecordStoreOp(op, time.Since(start).Seconds(), err)
}

func (s *InstrumentedStore) Append(ctx context.Context, r storage.Reading) (storage.StoredReading, error) {
	start := time.Now()
	sr, err := s.next.Append(ctx, r)
	s.observe("append", start, err)
	return sr, err
}

func (s *InstrumentedStore) Count(ctx context.Context) (uint64, error) {
	start := time.Now()
	n, err := s.next.Count(ctx)
	s.observe("count", start, err)
	return n, err
}

func (s *InstrumentedStore) Recent(ctx context.Context, limit, offset int) ([]storage.StoredReading, error) {
	start := time.Now()
	rs, err := s.next.Recent(ctx, limit, offset)
	s.observe("recent", start, err)
	return rs, err
}

func (s *InstrumentedStore) Since(ctx context.Context, from time.Time) ([]storage.StoredReading, error) {
	start := time.Now()
	rs, err := s.next.Since(ctx, from)
	s.observe("since", start, err)
	return rs, err
}

func (s *InstrumentedStore) Ping(ctx context.Context) error {
	start := time.Now()
	err := s.next.Ping(ctx)
	s.observe("ping", start, err)
	return err
}
