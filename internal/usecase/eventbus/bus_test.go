package eventbus

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"masterlinc/internal/domain"
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
	bus.Subscribe(domain.EventTaskDelegated, func(_ context.Context, e domain.Event) {
		if e.Type == domain.EventTaskDelegated {
			got.Add(1)
		}
	})

	bus.Publish(context.Background(), newEvent(domain.EventTaskDelegated))
	bus.Publish(context.Background(), newEvent(domain.EventMessageRouted))
	bus.Close() // drain
	if got.Load() != 1 {
		t.Fatalf("expected 1, got %d", got.Load())
	}
}

func TestSubscribeAll(t *testing.T) {
	bus := newTestBus()

	var got atomic.Int32
	bus.SubscribeAll(func(_ context.Context, _ domain.Event) {
		got.Add(1)
	})

	bus.Publish(context.Background(), newEvent(domain.EventAgentRegistered))
	bus.Publish(context.Background(), newEvent(domain.EventWorkflowStarted))
	bus.Close()

	if got.Load() != 2 {
		t.Fatalf("expected 2, got %d", got.Load())
	}
}

func TestSubscribePrefix(t *testing.T) {
	bus := newTestBus()

	var got atomic.Int32
	bus.SubscribePrefix("workflow.", func(_ context.Context, _ domain.Event) {
		got.Add(1)
	})

	bus.Publish(context.Background(), newEvent(domain.EventWorkflowStarted))
	bus.Publish(context.Background(), newEvent(domain.EventStepCompleted))
	bus.Publish(context.Background(), newEvent(domain.EventTaskDelegated))
	bus.Close()

	if got.Load() != 2 {
		t.Fatalf("expected 2 workflow events, got %d", got.Load())
	}
}

func TestUnsubscribe(t *testing.T) {
	bus := newTestBus()

	var typed, prefixed, all atomic.Int32
	u1 := bus.Subscribe(domain.EventTaskDelegated, func(_ context.Context, _ domain.Event) { typed.Add(1) })
	u2 := bus.SubscribePrefix("task.", func(_ context.Context, _ domain.Event) { prefixed.Add(1) })
	u3 := bus.SubscribeAll(func(_ context.Context, _ domain.Event) { all.Add(1) })
	u1()
	u2()
	u3()

	bus.Publish(context.Background(), newEvent(domain.EventTaskDelegated))
	bus.Close()

	if typed.Load()+prefixed.Load()+all.Load() != 0 {
		t.Fatalf("expected no deliveries after unsubscribe, got %d/%d/%d",
			typed.Load(), prefixed.Load(), all.Load())
	}
}

func TestHandlerContextSurvivesPublisherCancel(t *testing.T) {
	bus := newTestBus()

	var ctxErr atomic.Value
	bus.SubscribeAll(func(ctx context.Context, _ domain.Event) {
		time.Sleep(20 * time.Millisecond)
		ctxErr.Store(ctx.Err() == nil)
	})

	ctx, cancel := context.WithCancel(context.Background())
	bus.Publish(ctx, newEvent(domain.EventMessageRouted))
	cancel()
	bus.Close()

	if ok, _ := ctxErr.Load().(bool); !ok {
		t.Fatal("handler context was cancelled with the publisher")
	}
}

func TestCounts(t *testing.T) {
	bus := newTestBus()
	bus.Publish(context.Background(), newEvent(domain.EventMessageRouted))
	bus.Publish(context.Background(), newEvent(domain.EventMessageRouted))
	bus.Publish(context.Background(), newEvent(domain.EventMessageFailed))
	bus.Close()

	counts := bus.Counts()
	if counts[domain.EventMessageRouted] != 2 || counts[domain.EventMessageFailed] != 1 {
		t.Fatalf("unexpected counts: %v", counts)
	}
}

func TestConcurrentPublish(t *testing.T) {
	bus := newTestBus()

	var got atomic.Int32
	bus.Subscribe(domain.EventAgentHeartbeat, func(_ context.Context, _ domain.Event) {
		got.Add(1)
	})

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			bus.Publish(context.Background(), newEvent(domain.EventAgentHeartbeat))
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
	bus.Subscribe(domain.EventStepFailed, func(_ context.Context, _ domain.Event) {
		panic("boom")
	})
	bus.Subscribe(domain.EventStepFailed, func(_ context.Context, _ domain.Event) {
		got.Add(1)
	})

	bus.Publish(context.Background(), newEvent(domain.EventStepFailed))
	bus.Close()

	if got.Load() != 1 {
		t.Fatalf("expected 1 (second handler), got %d", got.Load())
	}
}

func TestCloseDrainsAndRejectsNew(t *testing.T) {
	bus := newTestBus()

	var got atomic.Int32
	bus.Subscribe(domain.EventWorkflowCompleted, func(_ context.Context, _ domain.Event) {
		time.Sleep(50 * time.Millisecond)
		got.Add(1)
	})

	bus.Publish(context.Background(), newEvent(domain.EventWorkflowCompleted))
	bus.Close()

	if got.Load() != 1 {
		t.Fatalf("expected handler to have run, got %d", got.Load())
	}

	bus.Publish(context.Background(), newEvent(domain.EventWorkflowCompleted))
	time.Sleep(20 * time.Millisecond)
	if got.Load() != 1 {
		t.Fatalf("expected no delivery after close, got %d", got.Load())
	}
}

func BenchmarkPublish(b *testing.B) {
	bus := New(slog.New(slog.DiscardHandler))
	ctx := context.Background()
	event := newEvent(domain.EventStepCompleted)
	bus.SubscribePrefix("workflow.", func(_ context.Context, _ domain.Event) {})
	bus.SubscribeAll(func(_ context.Context, _ domain.Event) {})

	b.ReportAllocs()
	for b.Loop() {
		bus.Publish(ctx, event)
	}
	bus.Close()
}
