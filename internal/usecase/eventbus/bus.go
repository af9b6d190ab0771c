package eventbus

import (
	"context"
	"log/slog"
	"maps"
	"strings"
	"sync"
	"sync/atomic"

	"masterlinc/internal/domain"
)

type subscription struct {
	id      uint64
	prefix  string
	handler domain.EventHandler
}

// Bus is an in-process, goroutine-safe event bus for orchestration events.
// Handlers run on their own goroutine with a context detached from the
// publisher's cancellation, so a finished HTTP request does not cut off
// the audit or relay subscribers it triggered.
type Bus struct {
	mu       sync.RWMutex
	typed    map[domain.EventType][]subscription
	prefixed []subscription
	allSubs  []subscription
	counts   map[domain.EventType]uint64
	nextID   atomic.Uint64
	logger   *slog.Logger
	wg       sync.WaitGroup
	closed   atomic.Bool
}

// New creates an event bus.
func New(logger *slog.Logger) *Bus {
	return &Bus{
		typed:  make(map[domain.EventType][]subscription),
		counts: make(map[domain.EventType]uint64),
		logger: logger,
	}
}

// Publish fans out an event to typed, prefix and all-event subscribers.
// Panicking handlers are recovered and logged.
func (b *Bus) Publish(ctx context.Context, event domain.Event) {
	if b.closed.Load() {
		return
	}

	b.mu.Lock()
	b.counts[event.Type]++
	targets := make([]subscription, 0, len(b.typed[event.Type])+len(b.allSubs))
	targets = append(targets, b.typed[event.Type]...)
	for _, sub := range b.prefixed {
		if strings.HasPrefix(string(event.Type), sub.prefix) {
			targets = append(targets, sub)
		}
	}
	targets = append(targets, b.allSubs...)
	b.mu.Unlock()

	hctx := context.WithoutCancel(ctx)
	for _, sub := range targets {
		b.dispatch(hctx, event, sub)
	}
}

func (b *Bus) dispatch(ctx context.Context, event domain.Event, sub subscription) {
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				b.logger.Error("event handler panicked",
					"event", string(event.Type),
					"entity_id", event.EntityID,
					"panic", r,
				)
			}
		}()
		sub.handler(ctx, event)
	}()
}

// Subscribe registers a handler for a specific event type.
// Returns an unsubscribe function.
func (b *Bus) Subscribe(eventType domain.EventType, handler domain.EventHandler) func() {
	id := b.nextID.Add(1)

	b.mu.Lock()
	b.typed[eventType] = append(b.typed[eventType], subscription{id: id, handler: handler})
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		b.typed[eventType] = remove(b.typed[eventType], id)
	}
}

// SubscribePrefix registers a handler for every event type starting with
// prefix, e.g. "workflow." for all workflow and step transitions.
func (b *Bus) SubscribePrefix(prefix string, handler domain.EventHandler) func() {
	id := b.nextID.Add(1)

	b.mu.Lock()
	b.prefixed = append(b.prefixed, subscription{id: id, prefix: prefix, handler: handler})
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		b.prefixed = remove(b.prefixed, id)
	}
}

// SubscribeAll registers a handler that receives every event.
// Returns an unsubscribe function.
func (b *Bus) SubscribeAll(handler domain.EventHandler) func() {
	id := b.nextID.Add(1)

	b.mu.Lock()
	b.allSubs = append(b.allSubs, subscription{id: id, handler: handler})
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		b.allSubs = remove(b.allSubs, id)
	}
}

// Counts returns how many events of each type have been published.
func (b *Bus) Counts() map[domain.EventType]uint64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return maps.Clone(b.counts)
}

// Close prevents new publishes and waits for all in-flight handlers to finish.
// Close is idempotent.
func (b *Bus) Close() {
	if b.closed.Swap(true) {
		return
	}
	b.wg.Wait()
}

func remove(subs []subscription, id uint64) []subscription {
	for i, s := range subs {
		if s.id == id {
			return append(subs[:i:i], subs[i+1:]...)
		}
	}
	return subs
}
