// Package history serves paginated, chronologically ordered views of the
// reading store for charting clients.
package history

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/safecyl/safecyl/pkg/storage"
)

const (
	// DefaultLimit applies when no usable limit is supplied.
	DefaultLimit = 100
	// MaxLimit caps a single page.
	MaxLimit = 5000
)

// QueryWindow selects a page: skip the Offset most recent readings, then take
// up to Limit more.
type QueryWindow struct {
	Limit  int
	Offset int
}

// Page is one history response. Readings are oldest first.
type Page struct {
	Readings []storage.StoredReading `json:"readings"`
	Total    uint64                  `json:"total"`
	Limit    int                     `json:"limit"`
	Offset   int                     `json:"offset"`
}

// ParseWindow builds a QueryWindow from raw query parameters. Empty,
// negative or non-numeric values fall back to the defaults; it never fails.
// Positive values too large for an int saturate, so a huge offset still
// selects past the end.
func ParseWindow(limit, offset string) QueryWindow {
	return QueryWindow{
		Limit:  parseNonNegative(limit, DefaultLimit),
		Offset: parseNonNegative(offset, 0),
	}.normalized()
}

func parseNonNegative(s string, def int) int {
	s = strings.TrimSpace(s)
	n, err := strconv.Atoi(s)
	if errors.Is(err, strconv.ErrRange) && !strings.HasPrefix(s, "-") {
		return math.MaxInt
	}
	if err != nil || n < 0 {
		return def
	}
	return n
}

func (w QueryWindow) normalized() QueryWindow {
	if w.Limit < 0 {
		w.Limit = DefaultLimit
	}
	if w.Limit > MaxLimit {
		w.Limit = MaxLimit
	}
	if w.Offset < 0 {
		w.Offset = 0
	}
	return w
}

// Service is a stateless query view over a Store.
type Service struct {
	store storage.Store
}

// NewService creates a history service reading from store.
func NewService(store storage.Store) *Service {
	return &Service{store: store}
}

// Query returns the requested page in ascending timestamp order together with
// the total number of stored readings. An offset past the end yields an empty
// page, not an error.
func (s *Service) Query(ctx context.Context, w QueryWindow) (Page, error) {
	w = w.normalized()

	total, err := s.store.Count(ctx)
	if err != nil {
		return Page{}, fmt.Errorf("count readings: %w", err)
	}

	if uint64(w.Offset) >= total {
		return Page{
			Readings: []storage.StoredReading{},
			Total:    total,
			Limit:    w.Limit,
			Offset:   w.Offset,
		}, nil
	}

	readings, err := s.store.Recent(ctx, w.Limit, w.Offset)
	if err != nil {
		return Page{}, fmt.Errorf("fetch recent readings: %w", err)
	}
	if readings == nil {
		readings = []storage.StoredReading{}
	}

	// Stores return newest first; charts want oldest first.
	storage.SortAscending(readings)

	return Page{
		Readings: readings,
		Total:    total,
		Limit:    w.Limit,
		Offset:   w.Offset,
	}, nil
}
