// Package snapshot reads the live sensor document maintained by the device
// side of SafeCyl.
//
// The device pushes its latest values into a real-time key/value store. The
// ingestion path only needs the current state of that document, so a Source
// is a single-shot read that returns the raw JSON object. Sources that can
// also write back (the dashboard toggles actuators through them) implement
// Updater.
package snapshot

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// DefaultTimeout bounds a single read or update of the live document.
const DefaultTimeout = 5 * time.Second

var (
	// ErrUnavailable reports that the live store could not be reached or
	// answered with an error. Nothing should be persisted when it occurs.
	ErrUnavailable = errors.New("live snapshot unavailable")

	// ErrReadOnly reports that the configured source cannot apply updates.
	ErrReadOnly = errors.New("snapshot source does not support updates")
)

// Snapshot is the raw JSON document read from the live store.
type Snapshot []byte

// Fields decodes the snapshot into a map. Anything other than a JSON object,
// including an absent document, decodes to an empty map.
func (s Snapshot) Fields() map[string]any {
	fields := map[string]any{}
	if len(s) == 0 {
		return fields
	}
	if err := json.Unmarshal(s, &fields); err != nil || fields == nil {
		return map[string]any{}
	}
	return fields
}

// JSON returns the snapshot as a json.RawMessage, substituting null for an
// empty document so it can be embedded in a response.
func (s Snapshot) JSON() json.RawMessage {
	if len(s) == 0 {
		return json.RawMessage("null")
	}
	return json.RawMessage(s)
}

// Source reads the current live snapshot.
type Source interface {
	// Read fetches the current document. Transport and upstream failures are
	// wrapped with ErrUnavailable.
	Read(ctx context.Context) (Snapshot, error)

	// Name returns a short identifier for logs and metrics.
	Name() string
}

// Updater applies a partial update: listed fields are overwritten, all
// others are left untouched.
type Updater interface {
	Update(ctx context.Context, fields map[string]any) error
}

func timeoutOrDefault(d time.Duration) time.Duration {
	if d <= 0 {
		return DefaultTimeout
	}
	return d
}
