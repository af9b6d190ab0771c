package registry

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"masterlinc/internal/domain"
	"masterlinc/internal/infra/tracer"
)

// Registry is the single source of truth for agent identity, capability and
// liveness. Every read and write goes through one RWMutex, so no caller ever
// observes a half-updated record.
type Registry struct {
	mu     sync.RWMutex
	agents map[string]*domain.Agent

	// persistMu orders write-through so the store converges on the latest state.
	persistMu sync.Mutex
	store     domain.AgentStore

	bus         domain.EventBus
	auditLogger domain.AuditLogger
	logger      *slog.Logger
	now         func() time.Time
}

// New creates an empty registry. store, bus and auditLogger may be nil.
func New(store domain.AgentStore, bus domain.EventBus, auditLogger domain.AuditLogger, logger *slog.Logger) *Registry {
	return &Registry{
		agents:      make(map[string]*domain.Agent),
		store:       store,
		bus:         bus,
		auditLogger: auditLogger,
		logger:      logger,
		now:         time.Now,
	}
}

// Restore loads previously persisted agents. Call before Seed.
func (r *Registry) Restore(ctx context.Context) (int, error) {
	if r.store == nil {
		return 0, nil
	}
	stored, err := r.store.ListAgents(ctx)
	if err != nil {
		return 0, domain.WrapOp("Registry.Restore", err)
	}

	r.mu.Lock()
	for _, a := range stored {
		a := a.Clone()
		r.agents[a.ID] = &a
	}
	r.mu.Unlock()

	r.logger.Info("agents restored", "count", len(stored))
	return len(stored), nil
}

// Seed registers the configured agents that are not already known.
// Persisted state wins over static configuration.
func (r *Registry) Seed(ctx context.Context, seeds []domain.Agent) error {
	now := r.now()
	for _, s := range seeds {
		r.mu.RLock()
		_, exists := r.agents[s.ID]
		r.mu.RUnlock()
		if exists {
			continue
		}
		if s.LastHeartbeat == nil {
			s.LastHeartbeat = &now
		}
		if _, err := r.Register(ctx, s); err != nil {
			return fmt.Errorf("seed agent %q: %w", s.ID, err)
		}
	}
	return nil
}

// Register inserts or replaces an agent record keyed by id.
func (r *Registry) Register(ctx context.Context, a domain.Agent) (domain.Agent, error) {
	ctx, span := tracer.StartSpan(ctx, "registry.register")
	defer span.End()
	span.SetAttributes(tracer.StringAttr("agent_id", a.ID))

	a = a.Clone()
	if err := normalize(&a); err != nil {
		tracer.RecordError(span, err)
		return domain.Agent{}, err
	}

	r.mu.Lock()
	_, replaced := r.agents[a.ID]
	stored := a.Clone()
	r.agents[a.ID] = &stored
	r.mu.Unlock()

	r.persist(ctx, a.ID)
	r.publishEvent(ctx, domain.EventAgentRegistered, a.ID, map[string]string{
		"agent_id": a.ID, "name": a.Name, "status": string(a.Status),
	})
	r.audit(ctx, domain.AuditAgentRegister, a.ID, map[string]string{
		"agent_id": a.ID, "endpoint": a.Endpoint, "replaced": fmt.Sprint(replaced),
	})
	r.logger.Info("agent registered", "agent_id", a.ID, "name", a.Name, "replaced", replaced)
	tracer.SetOK(span)
	return a, nil
}

// Deregister marks an agent offline. Records are never physically removed.
func (r *Registry) Deregister(ctx context.Context, id string) error {
	r.mu.Lock()
	a, ok := r.agents[id]
	if !ok {
		r.mu.Unlock()
		return domain.NewSubSystemError("agent", "Registry.Deregister", domain.ErrNotFound, fmt.Sprintf("Agent %s not found", id))
	}
	a.Status = domain.AgentOffline
	r.mu.Unlock()

	r.persist(ctx, id)
	r.publishEvent(ctx, domain.EventAgentDeregistered, id, map[string]string{"agent_id": id})
	r.audit(ctx, domain.AuditAgentDeregister, id, map[string]string{"agent_id": id})
	r.logger.Info("agent deregistered", "agent_id", id)
	return nil
}

// Heartbeat records a liveness signal. Only status and last_heartbeat change.
// An empty status is treated as online.
func (r *Registry) Heartbeat(ctx context.Context, id string, status domain.AgentStatus) (domain.Agent, error) {
	a, _, err := r.heartbeat(ctx, "Registry.Heartbeat", id, status, false)
	return a, err
}

// ApplyProbe records a health-probe result unless the agent is in
// maintenance at the moment it is applied. The bool reports whether the
// result was applied.
func (r *Registry) ApplyProbe(ctx context.Context, id string, status domain.AgentStatus) (domain.Agent, bool, error) {
	return r.heartbeat(ctx, "Registry.ApplyProbe", id, status, true)
}

func (r *Registry) heartbeat(ctx context.Context, op, id string, status domain.AgentStatus, keepMaintenance bool) (domain.Agent, bool, error) {
	if status == "" {
		status = domain.AgentOnline
	}
	if !status.Valid() {
		return domain.Agent{}, false, domain.NewSubSystemError("agent", op, domain.ErrInvalidInput,
			fmt.Sprintf("unknown status %q", status))
	}

	now := r.now()
	r.mu.Lock()
	a, ok := r.agents[id]
	if !ok {
		r.mu.Unlock()
		return domain.Agent{}, false, domain.NewSubSystemError("agent", op, domain.ErrNotFound, fmt.Sprintf("Agent %s not found", id))
	}
	if keepMaintenance && a.Status == domain.AgentMaintenance {
		snapshot := a.Clone()
		r.mu.Unlock()
		return snapshot, false, nil
	}
	prev := a.Status
	a.Status = status
	a.LastHeartbeat = &now
	snapshot := a.Clone()
	r.mu.Unlock()

	r.persist(ctx, id)
	r.publishEvent(ctx, domain.EventAgentHeartbeat, id, map[string]string{"agent_id": id, "status": string(status)})
	if prev != status {
		r.publishEvent(ctx, domain.EventAgentStatusChange, id, map[string]string{
			"agent_id": id, "from": string(prev), "to": string(status),
		})
		r.audit(ctx, domain.AuditAgentStatus, id, map[string]string{
			"agent_id": id, "from": string(prev), "to": string(status),
		})
		r.logger.Info("agent status changed", "agent_id", id, "from", prev, "to", status)
	}
	return snapshot, true, nil
}

// RecordFailure notes a failed dispatch against the agent. Status is left
// untouched: liveness only changes through Heartbeat.
func (r *Registry) RecordFailure(ctx context.Context, id string, cause error) {
	now := r.now()
	r.mu.Lock()
	a, ok := r.agents[id]
	if ok {
		a.FailureCount++
		a.LastFailure = domain.DetailOf(cause)
		a.LastFailureAt = &now
	}
	r.mu.Unlock()
	if !ok {
		return
	}
	r.persist(ctx, id)
	r.logger.Warn("agent dispatch failed", "agent_id", id, "error", cause)
}

// Get returns a copy of the agent record.
func (r *Registry) Get(_ context.Context, id string) (*domain.Agent, error) {
	r.mu.RLock()
	a, ok := r.agents[id]
	var out domain.Agent
	if ok {
		out = a.Clone()
	}
	r.mu.RUnlock()

	if !ok {
		return nil, domain.NewSubSystemError("agent", "Registry.Get", domain.ErrNotFound, fmt.Sprintf("Agent %s not found", id))
	}
	return &out, nil
}

// List returns a snapshot of every agent sorted by id.
func (r *Registry) List(_ context.Context) []domain.Agent {
	r.mu.RLock()
	out := make([]domain.Agent, 0, len(r.agents))
	for _, a := range r.agents {
		out = append(out, a.Clone())
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Eligible returns online agents declaring capability, ordered by priority then id.
func (r *Registry) Eligible(_ context.Context, capability domain.Capability) []domain.Agent {
	return r.filter(func(a *domain.Agent) bool {
		return a.Status == domain.AgentOnline && a.HasCapability(capability)
	})
}

// Online returns every online agent ordered by priority then id.
func (r *Registry) Online(_ context.Context) []domain.Agent {
	return r.filter(func(a *domain.Agent) bool { return a.Status == domain.AgentOnline })
}

// StatusCounts reports how many agents are in each status.
func (r *Registry) StatusCounts() map[domain.AgentStatus]int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	counts := make(map[domain.AgentStatus]int, 4)
	for _, a := range r.agents {
		counts[a.Status]++
	}
	return counts
}

func (r *Registry) filter(keep func(*domain.Agent) bool) []domain.Agent {
	r.mu.RLock()
	var out []domain.Agent
	for _, a := range r.agents {
		if keep(a) {
			out = append(out, a.Clone())
		}
	}
	r.mu.RUnlock()

	sortByPriority(out)
	return out
}

func sortByPriority(agents []domain.Agent) {
	sort.Slice(agents, func(i, j int) bool {
		if agents[i].Priority != agents[j].Priority {
			return agents[i].Priority < agents[j].Priority
		}
		return agents[i].ID < agents[j].ID
	})
}

// normalize validates a registration and fills defaults in place.
func normalize(a *domain.Agent) error {
	const op = "Registry.Register"
	a.ID = strings.TrimSpace(a.ID)
	if a.ID == "" {
		return domain.NewSubSystemError("agent", op, domain.ErrInvalidInput, "agent_id is required")
	}
	if strings.TrimSpace(a.Name) == "" {
		return domain.NewSubSystemError("agent", op, domain.ErrInvalidInput, "name is required")
	}
	if err := validateEndpoint(a.Endpoint); err != nil {
		return domain.NewSubSystemError("agent", op, domain.ErrInvalidInput, err.Error())
	}
	a.Endpoint = strings.TrimRight(a.Endpoint, "/")
	if len(a.Capabilities) == 0 {
		return domain.NewSubSystemError("agent", op, domain.ErrInvalidInput, "at least one capability is required")
	}
	for _, c := range a.Capabilities {
		if !c.Valid() {
			return domain.NewSubSystemError("agent", op, domain.ErrInvalidInput, fmt.Sprintf("unknown capability %q", c))
		}
	}
	slices.Sort(a.Capabilities)
	a.Capabilities = slices.Compact(a.Capabilities)

	if a.Status == "" {
		a.Status = domain.AgentOnline
	}
	if !a.Status.Valid() {
		return domain.NewSubSystemError("agent", op, domain.ErrInvalidInput, fmt.Sprintf("unknown status %q", a.Status))
	}
	if a.Priority < 0 {
		return domain.NewSubSystemError("agent", op, domain.ErrInvalidInput, "priority must not be negative")
	}
	if a.Version == "" {
		a.Version = domain.DefaultAgentVersion
	}
	return nil
}

func validateEndpoint(raw string) error {
	if raw == "" {
		return fmt.Errorf("endpoint is required")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid endpoint: %v", err)
	}
	switch u.Scheme {
	case "http", "https", "grpc":
	default:
		return fmt.Errorf("endpoint scheme %q not supported", u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("endpoint %q has no host", raw)
	}
	return nil
}

func (r *Registry) persist(ctx context.Context, id string) {
	if r.store == nil {
		return
	}
	r.persistMu.Lock()
	defer r.persistMu.Unlock()

	a, err := r.Get(ctx, id)
	if err != nil {
		return
	}
	if err := r.store.SaveAgent(ctx, *a); err != nil {
		r.logger.Error("persist agent failed", "agent_id", id, "error", err)
	}
}

func (r *Registry) publishEvent(ctx context.Context, eventType domain.EventType, id string, detail map[string]string) {
	if r.bus == nil {
		return
	}
	r.bus.Publish(ctx, domain.NewEvent(eventType, id, detail))
}

func (r *Registry) audit(ctx context.Context, eventType domain.AuditEventType, id string, detail map[string]string) {
	if r.auditLogger == nil {
		return
	}
	if err := r.auditLogger.Log(ctx, domain.AuditEvent{
		Timestamp: r.now(),
		Type:      eventType,
		Detail:    detail,
		Resource:  "agent/" + id,
		Actor:     domain.ActorFromContext(ctx),
		Outcome:   "success",
	}); err != nil {
		r.logger.Warn("audit write failed", "type", string(eventType), "error", err)
	}
}
