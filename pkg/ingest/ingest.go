// Package ingest runs the ingestion cycle:
//
//	read live snapshot → normalize → append → count
//
// A cycle is normally triggered by an inbound request. Run optionally drives
// cycles from a ticker for deployments without an external trigger.
//
// A failed snapshot read stores nothing. A snapshot that was read but holds
// malformed or missing values is still stored, with zeros substituted by the
// normalizer.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/safecyl/safecyl/pkg/normalize"
	"github.com/safecyl/safecyl/pkg/snapshot"
	"github.com/safecyl/safecyl/pkg/storage"
)

// Ingestion outcomes reported to the Recorder.
const (
	OutcomeStored      = "stored"
	OutcomeBridgeError = "bridge_error"
	OutcomeStoreError  = "store_error"
)

// Recorder receives instrumentation from the service. A nil Recorder is
// replaced with a no-op.
type Recorder interface {
	RecordIngest(outcome string, seconds float64)
	RecordBridgeRead(source string, seconds float64)
	SetStoredReadings(n uint64)
	RecordError(component, reason string)
}

// Result is the outcome of one successful ingestion cycle.
type Result struct {
	Snapshot map[string]any        `json:"snapshot"`
	Reading  storage.StoredReading `json:"reading"`
	Total    uint64                `json:"total"`
}

// Service wires a snapshot source, a normalizer and a store.
type Service struct {
	source      snapshot.Source
	normalizer  *normalize.Normalizer
	store       storage.Store
	readTimeout time.Duration
	logger      *slog.Logger
	recorder    Recorder
}

// New creates a Service. A nil normalizer uses the default aliases and a
// non-positive readTimeout uses snapshot.DefaultTimeout.
func New(
	source snapshot.Source,
	normalizer *normalize.Normalizer,
	store storage.Store,
	readTimeout time.Duration,
	logger *slog.Logger,
	recorder Recorder,
) *Service {
	if normalizer == nil {
		normalizer = normalize.New()
	}
	if readTimeout <= 0 {
		readTimeout = snapshot.DefaultTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	if recorder == nil {
		recorder = nopRecorder{}
	}

	return &Service{
		source:      source,
		normalizer:  normalizer,
		store:       store,
		readTimeout: readTimeout,
		logger:      logger,
		recorder:    recorder,
	}
}

// Ingest performs one cycle and returns the stored reading together with the
// snapshot it came from and the new total.
func (s *Service) Ingest(ctx context.Context) (Result, error) {
	start := time.Now()

	snap, err := s.read(ctx)
	if err != nil {
		s.recorder.RecordIngest(OutcomeBridgeError, time.Since(start).Seconds())
		s.recorder.RecordError("bridge", "read_failed")
		return Result{}, fmt.Errorf("read snapshot: %w", err)
	}

	reading := s.normalizer.Normalize(snap)

	stored, err := s.store.Append(ctx, reading)
	if err != nil {
		s.recorder.RecordIngest(OutcomeStoreError, time.Since(start).Seconds())
		s.recorder.RecordError("store", "append_failed")
		return Result{}, fmt.Errorf("append reading: %w", err)
	}

	total, err := s.store.Count(ctx)
	if err != nil {
		// The reading is already persisted at this point.
		s.recorder.RecordIngest(OutcomeStoreError, time.Since(start).Seconds())
		s.recorder.RecordError("store", "count_failed")
		return Result{}, fmt.Errorf("count readings after append of %d: %w", stored.ID, err)
	}

	duration := time.Since(start)
	s.recorder.RecordIngest(OutcomeStored, duration.Seconds())
	s.recorder.SetStoredReadings(total)

	s.logger.Info("ingested reading",
		"source", s.source.Name(),
		"id", stored.ID,
		"load", stored.LoadValue,
		"gas", stored.GasValue,
		"total", total,
		"duration_ms", duration.Milliseconds(),
	)

	return Result{
		Snapshot: snap.Fields(),
		Reading:  stored,
		Total:    total,
	}, nil
}

// Current returns the live snapshot without storing anything.
func (s *Service) Current(ctx context.Context) (snapshot.Snapshot, error) {
	snap, err := s.read(ctx)
	if err != nil {
		s.recorder.RecordError("bridge", "read_failed")
		return nil, fmt.Errorf("read snapshot: %w", err)
	}
	return snap, nil
}

// Apply forwards a partial update to the live store. It returns
// snapshot.ErrReadOnly when the source cannot be written.
func (s *Service) Apply(ctx context.Context, fields map[string]any) error {
	u, ok := s.source.(snapshot.Updater)
	if !ok {
		return snapshot.ErrReadOnly
	}

	ctx, cancel := context.WithTimeout(ctx, s.readTimeout)
	defer cancel()

	if err := u.Update(ctx, fields); err != nil {
		s.recorder.RecordError("bridge", "update_failed")
		return fmt.Errorf("update snapshot: %w", unavailable(err))
	}

	s.logger.Info("applied snapshot update", "source", s.source.Name(), "fields", len(fields))
	return nil
}

// Run executes Ingest at regular intervals. Failed cycles are logged and the
// loop continues. Blocks until ctx is canceled.
func (s *Service) Run(ctx context.Context, interval time.Duration) error {
	s.logger.Info("starting ingestion loop", "interval", interval, "source", s.source.Name())

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("ingestion loop stopped")
			return ctx.Err()
		case <-ticker.C:
			if _, err := s.Ingest(ctx); err != nil {
				s.logger.Error("ingestion cycle failed", "error", err)
			}
		}
	}
}

func (s *Service) read(ctx context.Context) (snapshot.Snapshot, error) {
	ctx, cancel := context.WithTimeout(ctx, s.readTimeout)
	defer cancel()

	start := time.Now()
	snap, err := s.source.Read(ctx)
	s.recorder.RecordBridgeRead(s.source.Name(), time.Since(start).Seconds())
	if err != nil {
		return nil, unavailable(err)
	}
	return snap, nil
}

// unavailable marks every bridge failure, timeouts included, with
// snapshot.ErrUnavailable.
func unavailable(err error) error {
	if errors.Is(err, snapshot.ErrUnavailable) {
		return err
	}
	return fmt.Errorf("%w: %w", snapshot.ErrUnavailable, err)
}

type nopRecorder struct{}

func (nopRecorder) RecordIngest(string, float64)     {}
func (nopRecorder) RecordBridgeRead(string, float64) {}
func (nopRecorder) SetStoredReadings(uint64)         {}
func (nopRecorder) RecordError(string, string)       {}
