// Package rollup computes time-windowed summaries over stored readings.
//
// Rollups are computed on demand from the store and never cached. Readings are
// grouped by calendar hour or calendar day in a fixed location (UTC unless
// configured otherwise), so the result is a pure function of the stored
// readings and the instant the call is made.
package rollup

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/safecyl/safecyl/pkg/storage"
)

const (
	// DefaultHours is the hourly rollup window when none is given.
	DefaultHours = 24
	// DefaultDays is the daily rollup window when none is given.
	DefaultDays = 7
	// MaxHours caps the hourly window at 31 days.
	MaxHours = 24 * 31
	// MaxDays caps the daily window at one leap year.
	MaxDays = 366
)

// Granularity selects the bucket width.
type Granularity int

const (
	Hourly Granularity = iota
	Daily
)

func (g Granularity) String() string {
	switch g {
	case Hourly:
		return "hourly"
	case Daily:
		return "daily"
	default:
		return fmt.Sprintf("Granularity(%d)", int(g))
	}
}

// Bucket summarizes the readings sharing one window key.
// Hour is nil for daily buckets.
type Bucket struct {
	WindowStart time.Time `json:"windowStart"`
	Year        int       `json:"year"`
	DayOfYear   int       `json:"dayOfYear"`
	Hour        *int      `json:"hour,omitempty"`
	AvgLoad     float64   `json:"avgLoad"`
	AvgGas      float64   `json:"avgGas"`
	MaxGas      float64   `json:"maxGas"`
	MinLoad     float64   `json:"minLoad"`
	Count       uint64    `json:"count"`
}

type windowKey struct {
	year, yday, hour int
}

func (k windowKey) less(o windowKey) bool {
	if k.year != o.year {
		return k.year < o.year
	}
	if k.yday != o.yday {
		return k.yday < o.yday
	}
	return k.hour < o.hour
}

type accumulator struct {
	sumLoad, sumGas float64
	maxGas, minLoad float64
	count           uint64
}

func (a *accumulator) add(r storage.StoredReading) {
	if a.count == 0 {
		a.maxGas = r.GasValue
		a.minLoad = r.LoadValue
	} else {
		a.maxGas = math.Max(a.maxGas, r.GasValue)
		a.minLoad = math.Min(a.minLoad, r.LoadValue)
	}
	a.sumLoad += r.LoadValue
	a.sumGas += r.GasValue
	a.count++
}

// Aggregate groups readings by window key in loc and summarizes each group.
// The result is ordered chronologically. A nil loc means UTC.
func Aggregate(readings []storage.StoredReading, g Granularity, loc *time.Location) []Bucket {
	if loc == nil {
		loc = time.UTC
	}

	groups := make(map[windowKey]*accumulator)
	for _, r := range readings {
		t := r.Timestamp.In(loc)
		k := windowKey{year: t.Year(), yday: t.YearDay(), hour: -1}
		if g == Hourly {
			k.hour = t.Hour()
		}

		acc, ok := groups[k]
		if !ok {
			acc = &accumulator{}
			groups[k] = acc
		}
		acc.add(r)
	}

	keys := make([]windowKey, 0, len(groups))
	for k := range groups {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].less(keys[j]) })

	out := make([]Bucket, 0, len(keys))
	for _, k := range keys {
		acc := groups[k]
		b := Bucket{
			Year:      k.year,
			DayOfYear: k.yday,
			AvgLoad:   acc.sumLoad / float64(acc.count),
			AvgGas:    acc.sumGas / float64(acc.count),
			MaxGas:    acc.maxGas,
			MinLoad:   acc.minLoad,
			Count:     acc.count,
		}
		start := time.Date(k.year, time.January, 1, 0, 0, 0, 0, loc).AddDate(0, 0, k.yday-1)
		if k.hour >= 0 {
			h := k.hour
			b.Hour = &h
			start = time.Date(start.Year(), start.Month(), start.Day(), h, 0, 0, 0, loc)
		}
		b.WindowStart = start
		out = append(out, b)
	}
	return out
}

// Aggregator reads a window of readings from a store and rolls them up.
// It keeps no state between calls and is safe for concurrent use.
type Aggregator struct {
	store storage.Store
	now   func() time.Time
	loc   *time.Location
}

// Option configures an Aggregator.
type Option func(*Aggregator)

// WithClock overrides the time source used to anchor windows.
func WithClock(now func() time.Time) Option {
	return func(a *Aggregator) {
		if now != nil {
			a.now = now
		}
	}
}

// WithLocation sets the location used for bucket boundaries. Defaults to UTC.
func WithLocation(loc *time.Location) Option {
	return func(a *Aggregator) {
		if loc != nil {
			a.loc = loc
		}
	}
}

// NewAggregator creates an Aggregator over store.
func NewAggregator(store storage.Store, opts ...Option) *Aggregator {
	a := &Aggregator{
		store: store,
		now:   time.Now,
		loc:   time.UTC,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Location returns the location used for bucket boundaries.
func (a *Aggregator) Location() *time.Location {
	return a.loc
}

// Hourly rolls up readings from the last hours hours into hour buckets.
// Non-positive hours use DefaultHours; values above MaxHours are clamped.
func (a *Aggregator) Hourly(ctx context.Context, hours int) ([]Bucket, error) {
	hours = clamp(hours, DefaultHours, MaxHours)
	return a.rollup(ctx, time.Duration(hours)*time.Hour, Hourly)
}

// Daily rolls up readings from the last days days into day buckets.
// Non-positive days use DefaultDays; values above MaxDays are clamped.
func (a *Aggregator) Daily(ctx context.Context, days int) ([]Bucket, error) {
	days = clamp(days, DefaultDays, MaxDays)
	return a.rollup(ctx, time.Duration(days)*24*time.Hour, Daily)
}

func (a *Aggregator) rollup(ctx context.Context, window time.Duration, g Granularity) ([]Bucket, error) {
	from := a.now().Add(-window)

	readings, err := a.store.Since(ctx, from)
	if err != nil {
		return nil, fmt.Errorf("%s rollup: %w", g, err)
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%s rollup: %w: %w", g, storage.ErrStorage, err)
	}

	return Aggregate(readings, g, a.loc), nil
}

// ParseHours parses an hours query parameter, falling back to DefaultHours.
// Values beyond MaxHours, including ones too large for an int, clamp to it.
func ParseHours(s string) int {
	return clamp(parsePositive(s), DefaultHours, MaxHours)
}

// ParseDays parses a days query parameter, falling back to DefaultDays.
// Values beyond MaxDays, including ones too large for an int, clamp to it.
func ParseDays(s string) int {
	return clamp(parsePositive(s), DefaultDays, MaxDays)
}

func parsePositive(s string) int {
	s = strings.TrimSpace(s)
	n, err := strconv.Atoi(s)
	if errors.Is(err, strconv.ErrRange) && !strings.HasPrefix(s, "-") {
		return math.MaxInt
	}
	if err != nil {
		return 0
	}
	return n
}

func clamp(n, def, max int) int {
	if n <= 0 {
		return def
	}
	if n > max {
		return max
	}
	return n
}
