// Package relay mirrors orchestration events onto a shared pub/sub bus and
// turns heartbeats published there by remote agents into registry updates.
package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"

	"masterlinc/internal/domain"
)

// Default channel names.
const (
	DefaultEventChannel     = "masterlinc:events"
	DefaultHeartbeatChannel = "masterlinc:heartbeats"
)

// PubSub abstracts the broker so a real Redis client or a fake can be used.
type PubSub interface {
	Publish(ctx context.Context, channel, payload string) error
	// Subscribe returns a message stream and a func that ends the subscription.
	Subscribe(ctx context.Context, channel string) (<-chan string, func() error, error)
	Close() error
}

// HeartbeatSink receives remote heartbeats.
type HeartbeatSink interface {
	Heartbeat(ctx context.Context, id string, status domain.AgentStatus) (domain.Agent, error)
}

// Config holds relay settings.
type Config struct {
	NodeID           string
	EventChannel     string
	HeartbeatChannel string
}

// Envelope is what goes out on the event channel.
type Envelope struct {
	Origin string       `json:"origin"`
	Event  domain.Event `json:"event"`
}

// Heartbeat is what agents publish on the heartbeat channel.
type Heartbeat struct {
	AgentID string             `json:"agent_id"`
	Status  domain.AgentStatus `json:"status"`
}

// Relay forwards bus events outward and heartbeats inward.
type Relay struct {
	cfg    Config
	ps     PubSub
	bus    domain.EventBus
	sink   HeartbeatSink
	logger *slog.Logger

	mu      sync.Mutex
	unsub   func()
	stopSub func() error
	done    chan struct{}

	published  atomic.Uint64
	heartbeats atomic.Uint64
	rejected   atomic.Uint64
}

// New creates a relay. sink may be nil to disable heartbeat ingress.
func New(ps PubSub, bus domain.EventBus, sink HeartbeatSink, cfg Config, logger *slog.Logger) *Relay {
	if cfg.EventChannel == "" {
		cfg.EventChannel = DefaultEventChannel
	}
	if cfg.HeartbeatChannel == "" {
		cfg.HeartbeatChannel = DefaultHeartbeatChannel
	}
	return &Relay{cfg: cfg, ps: ps, bus: bus, sink: sink, logger: logger}
}

// Start subscribes to the bus and, when a sink is set, to the heartbeat channel.
func (r *Relay) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.unsub != nil {
		return nil
	}

	if r.sink != nil {
		msgs, stop, err := r.ps.Subscribe(ctx, r.cfg.HeartbeatChannel)
		if err != nil {
			return fmt.Errorf("relay: %w", err)
		}
		r.stopSub = stop
		r.done = make(chan struct{})
		go r.consume(ctx, msgs)
	}

	r.unsub = r.bus.SubscribeAll(r.forward)
	r.logger.Info("event relay started",
		"node_id", r.cfg.NodeID, "events", r.cfg.EventChannel, "heartbeats", r.cfg.HeartbeatChannel)
	return nil
}

// Stop unsubscribes from both sides and closes the broker connection.
func (r *Relay) Stop() error {
	r.mu.Lock()
	unsub, stop, done := r.unsub, r.stopSub, r.done
	r.unsub, r.stopSub, r.done = nil, nil, nil
	r.mu.Unlock()

	if unsub != nil {
		unsub()
	}
	if stop != nil {
		if err := stop(); err != nil {
			r.logger.Warn("relay unsubscribe failed", "error", err)
		}
	}
	if done != nil {
		<-done
	}
	return r.ps.Close()
}

// Stats reports relay counters.
func (r *Relay) Stats() map[string]uint64 {
	return map[string]uint64{
		"published":           r.published.Load(),
		"heartbeats_applied":  r.heartbeats.Load(),
		"heartbeats_rejected": r.rejected.Load(),
	}
}

func (r *Relay) forward(ctx context.Context, event domain.Event) {
	data, err := json.Marshal(Envelope{Origin: r.cfg.NodeID, Event: event})
	if err != nil {
		r.logger.Warn("relay marshal failed", "event", string(event.Type), "error", err)
		return
	}
	if err := r.ps.Publish(ctx, r.cfg.EventChannel, string(data)); err != nil {
		r.logger.Warn("relay publish failed", "event", string(event.Type), "error", err)
		return
	}
	r.published.Add(1)
}

func (r *Relay) consume(ctx context.Context, msgs <-chan string) {
	defer close(r.done)
	for msg := range msgs {
		if err := r.apply(ctx, msg); err != nil {
			r.rejected.Add(1)
			r.logger.Warn("remote heartbeat rejected", "error", err)
			continue
		}
		r.heartbeats.Add(1)
	}
}

func (r *Relay) apply(ctx context.Context, msg string) error {
	var hb Heartbeat
	if err := json.Unmarshal([]byte(msg), &hb); err != nil {
		return fmt.Errorf("decode heartbeat: %w", err)
	}
	hb.AgentID = strings.TrimSpace(hb.AgentID)
	if hb.AgentID == "" {
		return fmt.Errorf("heartbeat without agent_id")
	}
	if hb.Status == "" {
		hb.Status = domain.AgentOnline
	}
	if _, err := r.sink.Heartbeat(ctx, hb.AgentID, hb.Status); err != nil {
		return fmt.Errorf("agent %s: %w", hb.AgentID, err)
	}
	return nil
}
