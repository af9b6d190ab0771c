package domain

import (
	"context"
	"slices"
	"time"
)

// AgentStatus is the liveness state of a registered agent.
type AgentStatus string

const (
	AgentOnline      AgentStatus = "online"
	AgentOffline     AgentStatus = "offline"
	AgentDegraded    AgentStatus = "degraded"
	AgentMaintenance AgentStatus = "maintenance"
)

// Valid reports whether s is one of the known statuses.
func (s AgentStatus) Valid() bool {
	switch s {
	case AgentOnline, AgentOffline, AgentDegraded, AgentMaintenance:
		return true
	}
	return false
}

// Capability is a declared skill tag of an agent.
type Capability string

const (
	CapOrchestration Capability = "orchestration"
	CapRouting       Capability = "routing"
	CapWorkflows     Capability = "workflows"
	CapValidation    Capability = "validation"
	CapAnalysis      Capability = "analysis"
	CapPatterns      Capability = "patterns"
	CapClinical      Capability = "clinical_support"
	CapPolicy        Capability = "policy_interpretation"
	CapCodeGen       Capability = "code_generation"
	CapAuth          Capability = "authentication"
)

var knownCapabilities = []Capability{
	CapOrchestration, CapRouting, CapWorkflows, CapValidation, CapAnalysis,
	CapPatterns, CapClinical, CapPolicy, CapCodeGen, CapAuth,
}

// Valid reports whether c is one of the known capability tags.
func (c Capability) Valid() bool {
	return slices.Contains(knownCapabilities, c)
}

// KnownCapabilities returns the capability vocabulary in declaration order.
func KnownCapabilities() []Capability {
	return slices.Clone(knownCapabilities)
}

// Agent is a remote worker service registered with the orchestrator.
type Agent struct {
	ID            string            `json:"agent_id"`
	Name          string            `json:"name"`
	NameAR        string            `json:"name_ar,omitempty"`
	Description   string            `json:"description,omitempty"`
	DescriptionAR string            `json:"description_ar,omitempty"`
	Category      string            `json:"category,omitempty"`
	Endpoint      string            `json:"endpoint"`
	Capabilities  []Capability      `json:"capabilities"`
	Status        AgentStatus       `json:"status"`
	Priority      int               `json:"priority"`
	Version       string            `json:"version"`
	LastHeartbeat *time.Time        `json:"last_heartbeat,omitempty"`
	Metadata      map[string]string `json:"metadata,omitempty"`

	// Dispatch failure bookkeeping. Never changes Status.
	FailureCount  int        `json:"failure_count,omitempty"`
	LastFailure   string     `json:"last_failure,omitempty"`
	LastFailureAt *time.Time `json:"last_failure_at,omitempty"`
}

// HasCapability reports whether the agent declares c.
func (a Agent) HasCapability(c Capability) bool {
	return slices.Contains(a.Capabilities, c)
}

// Clone returns a deep copy so callers never share slices or maps with the registry.
func (a Agent) Clone() Agent {
	out := a
	out.Capabilities = slices.Clone(a.Capabilities)
	if a.Metadata != nil {
		out.Metadata = make(map[string]string, len(a.Metadata))
		for k, v := range a.Metadata {
			out.Metadata[k] = v
		}
	}
	if a.LastHeartbeat != nil {
		t := *a.LastHeartbeat
		out.LastHeartbeat = &t
	}
	if a.LastFailureAt != nil {
		t := *a.LastFailureAt
		out.LastFailureAt = &t
	}
	return out
}

// Default values applied at registration.
const (
	DefaultAgentPriority = 10
	DefaultAgentVersion  = "1.0.0"
)

// AgentDirectory is the read side of the registry used by the other modules.
type AgentDirectory interface {
	Get(ctx context.Context, id string) (*Agent, error)
	List(ctx context.Context) []Agent
	Eligible(ctx context.Context, capability Capability) []Agent
	Online(ctx context.Context) []Agent
	RecordFailure(ctx context.Context, id string, cause error)
}

// AgentStore persists registry entries across restarts.
type AgentStore interface {
	SaveAgent(ctx context.Context, agent Agent) error
	ListAgents(ctx context.Context) ([]Agent, error)
}
