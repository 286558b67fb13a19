package telemetry

import (
	"context"
	"sync"
	"testing"
	"time"
)

// mockEventEmitter implements EventEmitter for tests.
type mockEventEmitter struct {
	mu      sync.Mutex
	events  []*Event
	emitErr error
	delay   time.Duration
}

func (m *mockEventEmitter) Emit(ctx context.Context, event *Event) error {
	if m.delay > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(m.delay):
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, event)
	return m.emitErr
}

func (m *mockEventEmitter) getEvents() []*Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.events
}

func TestEmitAsync_NilEmitter(t *testing.T) {
	// Should not panic.
	EmitAsync(nil, context.Background(), &Event{EventType: "session.created"})
}

func TestEmitAsync_NilEvent(t *testing.T) {
	emitter := &mockEventEmitter{}

	// Should not panic and not start a goroutine.
	EmitAsync(emitter, context.Background(), nil)

	time.Sleep(20 * time.Millisecond)
	if got := emitter.getEvents(); len(got) != 0 {
		t.Errorf("emitted %d events, want 0", len(got))
	}
}

func TestEmitAsync_DeliversEvent(t *testing.T) {
	emitter := &mockEventEmitter{}
	event := &Event{
		EventType: "blob.attached",
		SessionID: "s1",
		DeviceID:  "d1",
		BlobID:    "b1",
		Source:    "service",
	}

	EmitAsync(emitter, context.Background(), event)

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if len(emitter.getEvents()) == 1 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	events := emitter.getEvents()
	if len(events) != 1 {
		t.Fatalf("emitted %d events, want 1", len(events))
	}
	if events[0].SessionID != "s1" || events[0].EventType != "blob.attached" {
		t.Errorf("event = %+v", events[0])
	}
}

func TestEmitAsync_SurvivesCanceledRequestContext(t *testing.T) {
	emitter := &mockEventEmitter{delay: 10 * time.Millisecond}
	ctx, cancel := context.WithCancel(context.Background())
	cancel() // request already gone

	EmitAsync(emitter, ctx, &Event{EventType: "session.deleted"})

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if len(emitter.getEvents()) == 1 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("event was not delivered despite detached context")
}
