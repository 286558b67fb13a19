// Package telemetry emits best-effort lifecycle events and counters for the
// session and retention pipelines.
package telemetry

import (
	"context"
	"time"
)

// Event is one domain lifecycle event (session created, video attached,
// session deleted, retention sweep). Best-effort; losing one is acceptable.
type Event struct {
	// EventType names the event, e.g. "session.created" or "blob.attached".
	EventType string
	SessionID string
	DeviceID  string
	BlobID    string
	// Source identifies the emitting component, e.g. "service" or "sweeper".
	Source    string
	CreatedAt time.Time
}

// EventEmitter emits lifecycle events (e.g. to OTel Logs). Best-effort; callers log and ignore errors.
type EventEmitter interface {
	Emit(ctx context.Context, event *Event) error
}
