package otel

import (
	"context"
	"testing"
	"time"

	otellog "go.opentelemetry.io/otel/log"
	"go.opentelemetry.io/otel/log/embedded"
	sdklog "go.opentelemetry.io/otel/sdk/log"

	"github.com/ntu-info/emogo-backend-bloggerwang1217/internal/telemetry"
)

func TestNewEventEmitter_NilProvider_ReturnsNoop(t *testing.T) {
	em := NewEventEmitter(nil)
	if em == nil {
		t.Fatal("NewEventEmitter(nil) returned nil")
	}
	if err := em.Emit(context.Background(), nil); err != nil {
		t.Errorf("noop Emit(ctx, nil): %v", err)
	}
	if err := em.Emit(context.Background(), &telemetry.Event{SessionID: "s1"}); err != nil {
		t.Errorf("noop Emit(ctx, event): %v", err)
	}
}

func TestEmit_NilEvent_ReturnsNil(t *testing.T) {
	provider := sdklog.NewLoggerProvider()
	defer func() { _ = provider.Shutdown(context.Background()) }()
	em := NewEventEmitter(provider)
	if err := em.Emit(context.Background(), nil); err != nil {
		t.Errorf("Emit(ctx, nil): %v", err)
	}
}

// recordCapture stores the last Record passed to Emit for assertion.
type recordCapture struct {
	embedded.Logger
	rec otellog.Record
}

func (r *recordCapture) Emit(ctx context.Context, rec otellog.Record) {
	r.rec = rec
}

func (r *recordCapture) Enabled(context.Context, otellog.EnabledParameters) bool { return true }

func TestEmit_AttributeAndBodyMapping(t *testing.T) {
	capture := &recordCapture{}
	em := NewEventEmitterWithLogger(capture)
	created := time.Date(2024, 12, 2, 12, 0, 0, 0, time.UTC)
	event := &telemetry.Event{
		EventType: "blob.attached",
		SessionID: "s1",
		DeviceID:  "d1",
		BlobID:    "b1",
		Source:    "service",
		CreatedAt: created,
	}

	if err := em.Emit(context.Background(), event); err != nil {
		t.Fatalf("Emit: %v", err)
	}

	if got := capture.rec.Timestamp(); !got.Equal(created) {
		t.Errorf("timestamp = %v, want %v", got, created)
	}
	if got := capture.rec.Body().AsString(); got != "blob.attached" {
		t.Errorf("body = %q, want %q", got, "blob.attached")
	}

	attrs := map[string]string{}
	capture.rec.WalkAttributes(func(kv otellog.KeyValue) bool {
		attrs[kv.Key] = kv.Value.AsString()
		return true
	})
	want := map[string]string{
		"event_type": "blob.attached",
		"session_id": "s1",
		"device_id":  "d1",
		"blob_id":    "b1",
		"source":     "service",
	}
	for k, v := range want {
		if attrs[k] != v {
			t.Errorf("attr %s = %q, want %q", k, attrs[k], v)
		}
	}
}

func TestEmit_ZeroTimestampDefaulted(t *testing.T) {
	capture := &recordCapture{}
	em := NewEventEmitterWithLogger(capture)

	if err := em.Emit(context.Background(), &telemetry.Event{EventType: "sweep.completed"}); err != nil {
		t.Fatalf("Emit: %v", err)
	}
	if capture.rec.Timestamp().IsZero() {
		t.Error("timestamp should be defaulted when event has none")
	}
}
