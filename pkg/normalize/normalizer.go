// Package normalize turns raw live-sensor snapshots into canonical readings.
//
// Snapshots come from an external real-time store whose schema is not under
// our control: field names vary between firmware revisions and values arrive
// as numbers or strings. The Normalizer resolves each logical quantity through
// an ordered list of aliases and coerces whatever it finds into a float64.
// Anything missing or unparseable becomes 0 so an ingestion cycle is never
// lost to a malformed payload.
package normalize

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/safecyl/safecyl/pkg/storage"
)

var (
	// DefaultLoadKeys are the snapshot fields carrying the load cell value, in priority order.
	DefaultLoadKeys = []string{"loadcel", "loadcell"}

	// DefaultGasKeys are the snapshot fields carrying the MQ-2 gas sensor value, in priority order.
	DefaultGasKeys = []string{"mq-2", "mq2"}
)

// Normalizer maps raw snapshots to readings. It holds no mutable state and
// is safe for concurrent use.
type Normalizer struct {
	loadKeys []string
	gasKeys  []string
	now      func() time.Time
}

// Option configures a Normalizer.
type Option func(*Normalizer)

// WithClock overrides the time source used to stamp readings.
func WithClock(now func() time.Time) Option {
	return func(n *Normalizer) {
		if now != nil {
			n.now = now
		}
	}
}

// WithLoadKeys overrides the load aliases. Empty lists are ignored.
func WithLoadKeys(keys ...string) Option {
	return func(n *Normalizer) {
		if len(keys) > 0 {
			n.loadKeys = keys
		}
	}
}

// WithGasKeys overrides the gas aliases. Empty lists are ignored.
func WithGasKeys(keys ...string) Option {
	return func(n *Normalizer) {
		if len(keys) > 0 {
			n.gasKeys = keys
		}
	}
}

// New creates a Normalizer with the default aliases and a UTC wall clock.
func New(opts ...Option) *Normalizer {
	n := &Normalizer{
		loadKeys: DefaultLoadKeys,
		gasKeys:  DefaultGasKeys,
		now:      func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// Normalize converts a raw JSON snapshot into a reading stamped with the
// current instant. Input that is not a JSON object yields an all-zero reading.
// Any timestamp carried by the snapshot is ignored.
func (n *Normalizer) Normalize(raw []byte) storage.Reading {
	r := storage.Reading{Timestamp: n.now()}

	if !gjson.ValidBytes(raw) {
		return r
	}
	root := gjson.ParseBytes(raw)
	if !root.IsObject() {
		return r
	}

	// Map gives exact key lookup; Get would treat '.' and '*' as path syntax.
	fields := root.Map()
	r.LoadValue = resolve(fields, n.loadKeys)
	r.GasValue = resolve(fields, n.gasKeys)
	return r
}

// NormalizeMap is Normalize for an already decoded snapshot.
func (n *Normalizer) NormalizeMap(fields map[string]any) storage.Reading {
	r := storage.Reading{Timestamp: n.now()}

	for _, k := range n.loadKeys {
		if v, ok := fields[k]; ok {
			r.LoadValue = CoerceAny(v)
			break
		}
	}
	for _, k := range n.gasKeys {
		if v, ok := fields[k]; ok {
			r.GasValue = CoerceAny(v)
			break
		}
	}
	return r
}

// resolve returns the coerced value of the first alias present in fields.
func resolve(fields map[string]gjson.Result, keys []string) float64 {
	for _, k := range keys {
		if v, ok := fields[k]; ok {
			return Coerce(v)
		}
	}
	return 0
}

// Coerce converts a JSON value to float64. Numbers pass through, strings are
// parsed, and everything else (including non-finite results) becomes 0.
func Coerce(v gjson.Result) float64 {
	switch v.Type {
	case gjson.Number:
		return finite(v.Num)
	case gjson.String:
		return parse(v.Str)
	default:
		return 0
	}
}

// CoerceAny applies the same rules as Coerce to a decoded Go value.
func CoerceAny(v any) float64 {
	switch x := v.(type) {
	case float64:
		return finite(x)
	case float32:
		return finite(float64(x))
	case int:
		return float64(x)
	case int32:
		return float64(x)
	case int64:
		return float64(x)
	case uint:
		return float64(x)
	case uint32:
		return float64(x)
	case uint64:
		return float64(x)
	case json.Number:
		return parse(x.String())
	case string:
		return parse(x)
	default:
		return 0
	}
}

func parse(s string) float64 {
	f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return 0
	}
	return finite(f)
}

func finite(f float64) float64 {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0
	}
	return f
}
