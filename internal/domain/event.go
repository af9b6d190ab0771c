package domain

import (
	"context"
	"encoding/json"
	"time"
)

// EventType identifies the kind of event being published.
type EventType string

const (
	// Registry events.
	EventAgentRegistered   EventType = "agent.registered"
	EventAgentDeregistered EventType = "agent.deregistered"
	EventAgentHeartbeat    EventType = "agent.heartbeat"
	EventAgentStatusChange EventType = "agent.status_changed"
	EventAgentDiscovered   EventType = "agent.discovered"

	// Delegation events.
	EventTaskDelegated  EventType = "task.delegated"
	EventTaskDispatched EventType = "task.dispatched"
	EventTaskCompleted  EventType = "task.completed"
	EventTaskFailed     EventType = "task.failed"

	// Workflow engine events.
	EventWorkflowStarted   EventType = "workflow.started"
	EventWorkflowCompleted EventType = "workflow.completed"
	EventWorkflowFailed    EventType = "workflow.failed"
	EventWorkflowCancelled EventType = "workflow.cancelled"
	EventStepStarted       EventType = "workflow.step.started"
	EventStepCompleted     EventType = "workflow.step.completed"
	EventStepFailed        EventType = "workflow.step.failed"

	// Message routing events.
	EventMessageRouted EventType = "message.routed"
	EventMessageFailed EventType = "message.failed"
)

// Event is the envelope published on the event bus.
type Event struct {
	Type      EventType       `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	EntityID  string          `json:"entity_id,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// EventHandler is a callback invoked when an event is received.
type EventHandler func(ctx context.Context, event Event)

// EventBus provides a publish/subscribe mechanism for domain events.
type EventBus interface {
	// Publish sends an event to all matching subscribers.
	Publish(ctx context.Context, event Event)
	// Subscribe registers a handler for a specific event type.
	// Returns an unsubscribe function.
	Subscribe(eventType EventType, handler EventHandler) func()
	// SubscribeAll registers a handler that receives every event.
	// Returns an unsubscribe function.
	SubscribeAll(handler EventHandler) func()
	// Close drains in-flight handlers and prevents new publishes.
	Close()
}

// NewEvent builds an event with a JSON payload. Marshal failures yield an empty payload.
func NewEvent(t EventType, entityID string, payload any) Event {
	data, _ := json.Marshal(payload)
	return Event{Type: t, Timestamp: time.Now(), EntityID: entityID, Payload: data}
}
