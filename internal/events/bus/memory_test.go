package bus

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/omscore/oms/internal/common/logger"
)

func newTestLogger(t *testing.T) *logger.Logger {
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      "debug",
		Format:     "console",
		OutputPath: "stdout",
	})
	if err != nil {
		t.Fatalf("failed to create logger: %v", err)
	}
	return log
}

func TestNewMemoryEventBus(t *testing.T) {
	log := newTestLogger(t)
	b := NewMemoryEventBus(log)

	if b == nil {
		t.Fatal("expected non-nil bus")
	}
	if !b.IsConnected() {
		t.Error("expected bus to be connected")
	}
}

func TestMemoryEventBus_PublishSubscribe(t *testing.T) {
	log := newTestLogger(t)
	b := NewMemoryEventBus(log)
	defer b.Close()

	ctx := context.Background()
	received := make(chan *Event, 1)

	sub, err := b.Subscribe("issues-changed", func(ctx context.Context, event *Event) error {
		received <- event
		return nil
	})
	if err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}
	defer func() { _ = sub.Unsubscribe() }()

	event := NewEvent("issue.created", "taskstore", map[string]interface{}{"id": "task-1"})
	if err := b.Publish(ctx, "issues-changed", event); err != nil {
		t.Fatalf("publish failed: %v", err)
	}

	select {
	case e := <-received:
		if e.ID != event.ID {
			t.Errorf("expected event id %s, got %s", event.ID, e.ID)
		}
		if e.Type != event.Type {
			t.Errorf("expected event type %s, got %s", event.Type, e.Type)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
	}
}

func TestMemoryEventBus_MultipleSubscribers(t *testing.T) {
	log := newTestLogger(t)
	b := NewMemoryEventBus(log)
	defer b.Close()

	ctx := context.Background()
	var count int32

	for i := 0; i < 3; i++ {
		sub, err := b.Subscribe("ready-changed", func(ctx context.Context, event *Event) error {
			atomic.AddInt32(&count, 1)
			return nil
		})
		if err != nil {
			t.Fatalf("subscribe %d failed: %v", i, err)
		}
		defer func() { _ = sub.Unsubscribe() }()
	}

	event := NewEvent("ready.recomputed", "scheduler", nil)
	if err := b.Publish(ctx, "ready-changed", event); err != nil {
		t.Fatalf("publish failed: %v", err)
	}

	if atomic.LoadInt32(&count) != 3 {
		t.Errorf("expected 3 handlers called, got %d", count)
	}
}

func TestMemoryEventBus_Unsubscribe(t *testing.T) {
	log := newTestLogger(t)
	b := NewMemoryEventBus(log)
	defer b.Close()

	ctx := context.Background()
	var count int32

	sub, err := b.Subscribe("activity", func(ctx context.Context, event *Event) error {
		atomic.AddInt32(&count, 1)
		return nil
	})
	if err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}

	event := NewEvent("activity.append", "taskstore", nil)
	if err := b.Publish(ctx, "activity", event); err != nil {
		t.Fatalf("publish failed: %v", err)
	}

	if err := sub.Unsubscribe(); err != nil {
		t.Fatalf("unsubscribe failed: %v", err)
	}
	if sub.IsValid() {
		t.Error("expected subscription to be invalid after unsubscribe")
	}

	if err := b.Publish(ctx, "activity", event); err != nil {
		t.Fatalf("publish failed: %v", err)
	}

	if atomic.LoadInt32(&count) != 1 {
		t.Errorf("expected 1 handler call, got %d", count)
	}
}

// TestMemoryEventBus_ExactSubjectOnly asserts the bus does not do
// NATS-style wildcard matching: a subscriber only hears the subject it
// registered for.
func TestMemoryEventBus_ExactSubjectOnly(t *testing.T) {
	log := newTestLogger(t)
	b := NewMemoryEventBus(log)
	defer b.Close()

	ctx := context.Background()
	var count int32

	sub, err := b.Subscribe("agent.state_changed", func(ctx context.Context, event *Event) error {
		atomic.AddInt32(&count, 1)
		return nil
	})
	if err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}
	defer func() { _ = sub.Unsubscribe() }()

	if err := b.Publish(ctx, "agent.state_changed", NewEvent("t", "s", nil)); err != nil {
		t.Fatalf("publish failed: %v", err)
	}
	if err := b.Publish(ctx, "agent.removed", NewEvent("t", "s", nil)); err != nil {
		t.Fatalf("publish failed: %v", err)
	}

	if atomic.LoadInt32(&count) != 1 {
		t.Errorf("expected 1 matching delivery, got %d", count)
	}
}

func TestMemoryEventBus_ConcurrentAccess(t *testing.T) {
	log := newTestLogger(t)
	b := NewMemoryEventBus(log)
	defer b.Close()

	ctx := context.Background()
	var receivedCount int32
	var publishErrorCount int32
	var wg sync.WaitGroup

	sub, err := b.Subscribe("test.concurrent", func(ctx context.Context, event *Event) error {
		atomic.AddInt32(&receivedCount, 1)
		return nil
	})
	if err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}
	defer func() { _ = sub.Unsubscribe() }()

	const numGoroutines = 10
	const eventsPerGoroutine = 100

	for i := 0; i < numGoroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < eventsPerGoroutine; j++ {
				event := NewEvent("test.type", "test-source", nil)
				if err := b.Publish(ctx, "test.concurrent", event); err != nil {
					atomic.AddInt32(&publishErrorCount, 1)
				}
			}
		}()
	}

	wg.Wait()
	if publishErrorCount > 0 {
		t.Errorf("publish errors: %d", publishErrorCount)
	}

	expected := int32(numGoroutines * eventsPerGoroutine)
	if atomic.LoadInt32(&receivedCount) != expected {
		t.Errorf("expected %d events, got %d", expected, receivedCount)
	}
}

func TestMemoryEventBus_Close(t *testing.T) {
	log := newTestLogger(t)
	b := NewMemoryEventBus(log)

	if !b.IsConnected() {
		t.Error("expected bus to be connected initially")
	}

	b.Close()

	if b.IsConnected() {
		t.Error("expected bus to be disconnected after close")
	}

	ctx := context.Background()
	event := NewEvent("test.type", "test-source", nil)
	if err := b.Publish(ctx, "test.subject", event); err == nil {
		t.Error("expected error publishing to closed bus")
	}
	if _, err := b.Subscribe("test.subject", func(ctx context.Context, event *Event) error { return nil }); err == nil {
		t.Error("expected error subscribing to closed bus")
	}
}

func TestNewEvent(t *testing.T) {
	eventType := "issue.created"
	source := "taskstore"
	data := map[string]interface{}{"id": "task-1"}

	before := time.Now().UTC()
	event := NewEvent(eventType, source, data)
	after := time.Now().UTC()

	if event.ID == "" {
		t.Error("expected event id to be set")
	}
	if event.Type != eventType {
		t.Errorf("expected type %s, got %s", eventType, event.Type)
	}
	if event.Source != source {
		t.Errorf("expected source %s, got %s", source, event.Source)
	}
	if event.Timestamp.Before(before) || event.Timestamp.After(after) {
		t.Error("expected timestamp to be set within the call window")
	}
}

// TestMemoryEventBus_MessageOrdering asserts the subscription contract's
// FIFO guarantee (SPEC_FULL.md: "for mutations enqueued from a single
// connection, FIFO order is preserved end-to-end ... request -> store ->
// persistence -> subscriber callback"): Publish must deliver to handlers
// synchronously and in call order, never via a detached goroutine that
// could reorder under scheduling.
func TestMemoryEventBus_MessageOrdering(t *testing.T) {
	log := newTestLogger(t)
	b := NewMemoryEventBus(log)
	defer b.Close()

	ctx := context.Background()
	const numEvents = 100

	var mu sync.Mutex
	receivedOrder := make([]int, 0, numEvents)

	sub, err := b.Subscribe("test.ordering", func(ctx context.Context, event *Event) error {
		seq := event.Data["seq"].(int)
		mu.Lock()
		receivedOrder = append(receivedOrder, seq)
		mu.Unlock()
		return nil
	})
	if err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}
	defer func() { _ = sub.Unsubscribe() }()

	for i := 0; i < numEvents; i++ {
		event := NewEvent("test.type", "test-source", map[string]interface{}{"seq": i})
		if err := b.Publish(ctx, "test.ordering", event); err != nil {
			t.Fatalf("publish failed at seq %d: %v", i, err)
		}
	}

	mu.Lock()
	defer mu.Unlock()

	if len(receivedOrder) != numEvents {
		t.Fatalf("expected %d events, got %d", numEvents, len(receivedOrder))
	}
	for i, seq := range receivedOrder {
		if seq != i {
			t.Errorf("message ordering violation at position %d: expected seq %d, got %d", i, i, seq)
		}
	}
}

// TestMemoryEventBus_MessageOrderingWithSlowHandler confirms ordering
// survives a handler whose duration varies with sequence number: with
// synchronous dispatch a slow early handler cannot be overtaken by a
// faster later one.
func TestMemoryEventBus_MessageOrderingWithSlowHandler(t *testing.T) {
	log := newTestLogger(t)
	b := NewMemoryEventBus(log)
	defer b.Close()

	ctx := context.Background()
	const numEvents = 50

	var mu sync.Mutex
	receivedOrder := make([]int, 0, numEvents)

	sub, err := b.Subscribe("test.ordering.slow", func(ctx context.Context, event *Event) error {
		seq := event.Data["seq"].(int)
		time.Sleep(time.Duration(numEvents-seq) * 100 * time.Microsecond)
		mu.Lock()
		receivedOrder = append(receivedOrder, seq)
		mu.Unlock()
		return nil
	})
	if err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}
	defer func() { _ = sub.Unsubscribe() }()

	for i := 0; i < numEvents; i++ {
		event := NewEvent("test.type", "test-source", map[string]interface{}{"seq": i})
		if err := b.Publish(ctx, "test.ordering.slow", event); err != nil {
			t.Fatalf("publish failed at seq %d: %v", i, err)
		}
	}

	mu.Lock()
	defer mu.Unlock()

	if len(receivedOrder) != numEvents {
		t.Fatalf("expected %d events, got %d", numEvents, len(receivedOrder))
	}
	for i, seq := range receivedOrder {
		if seq != i {
			t.Errorf("message ordering violation at position %d: expected seq %d, got %d", i, i, seq)
		}
	}
}
