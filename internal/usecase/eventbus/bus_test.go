package eventbus

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"equitylens/internal/domain"
)

func newTestBus() *Bus {
	return New(slog.Default())
}

func newEvent(t domain.EventType) domain.Event {
	return domain.Event{Type: t, Timestamp: time.Now()}
}

func TestPublishSubscribe(t *testing.T) {
	bus := newTestBus()

	var got atomic.Int32
	bus.Subscribe(domain.EventToolCallCompleted, func(_ context.Context, e domain.Event) {
		if e.Type == domain.EventToolCallCompleted {
			got.Add(1)
		}
	})

	bus.Publish(context.Background(), newEvent(domain.EventToolCallCompleted))
	bus.Close() // drain
	if got.Load() != 1 {
		t.Fatalf("expected 1, got %d", got.Load())
	}
}

func TestTypedSubscriberIgnoresOtherTypes(t *testing.T) {
	bus := newTestBus()

	var got atomic.Int32
	bus.Subscribe(domain.EventPhaseChanged, func(_ context.Context, _ domain.Event) {
		got.Add(1)
	})

	bus.Publish(context.Background(), newEvent(domain.EventLLMCallCompleted))
	bus.Close()

	if got.Load() != 0 {
		t.Fatalf("expected 0, got %d", got.Load())
	}
}

func TestSubscribeAll(t *testing.T) {
	bus := newTestBus()

	var got atomic.Int32
	bus.SubscribeAll(func(_ context.Context, _ domain.Event) {
		got.Add(1)
	})

	bus.Publish(context.Background(), newEvent(domain.EventSessionStarted))
	bus.Publish(context.Background(), newEvent(domain.EventToolCallStarted))
	bus.Close()

	if got.Load() != 2 {
		t.Fatalf("expected 2, got %d", got.Load())
	}
}

func TestUnsubscribe(t *testing.T) {
	bus := newTestBus()

	var got atomic.Int32
	unsub := bus.Subscribe(domain.EventPhaseChanged, func(_ context.Context, _ domain.Event) {
		got.Add(1)
	})

	unsub()
	bus.Publish(context.Background(), newEvent(domain.EventPhaseChanged))
	bus.Close()

	if got.Load() != 0 {
		t.Fatalf("expected 0 after unsubscribe, got %d", got.Load())
	}
}

func TestConcurrentPublish(t *testing.T) {
	bus := newTestBus()

	var got atomic.Int32
	bus.Subscribe(domain.EventLLMCallCompleted, func(_ context.Context, _ domain.Event) {
		got.Add(1)
	})

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			bus.Publish(context.Background(), newEvent(domain.EventLLMCallCompleted))
		}()
	}
	wg.Wait()
	bus.Close()

	if got.Load() != 100 {
		t.Fatalf("expected 100, got %d", got.Load())
	}
}

func TestPanicRecovery(t *testing.T) {
	bus := newTestBus()

	var got atomic.Int32
	bus.Subscribe(domain.EventSessionFailed, func(_ context.Context, _ domain.Event) {
		panic("boom")
	})
	bus.Subscribe(domain.EventSessionFailed, func(_ context.Context, _ domain.Event) {
		got.Add(1)
	})

	bus.Publish(context.Background(), newEvent(domain.EventSessionFailed))
	bus.Close()

	if got.Load() != 1 {
		t.Fatalf("expected 1 (second handler), got %d", got.Load())
	}
}

func TestCloseDrainsAndRejectsNew(t *testing.T) {
	bus := newTestBus()

	var got atomic.Int32
	bus.Subscribe(domain.EventSessionCompleted, func(_ context.Context, _ domain.Event) {
		time.Sleep(50 * time.Millisecond)
		got.Add(1)
	})

	bus.Publish(context.Background(), newEvent(domain.EventSessionCompleted))
	bus.Close() // should block until the handler finishes

	if got.Load() != 1 {
		t.Fatalf("expected handler to have run, got %d", got.Load())
	}

	bus.Publish(context.Background(), newEvent(domain.EventSessionCompleted))
	time.Sleep(20 * time.Millisecond)
	if got.Load() != 1 {
		t.Fatalf("expected no delivery after close, got %d", got.Load())
	}
}
