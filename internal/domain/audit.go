package domain

import (
	"context"
	"time"
)

// AuditEventType classifies audit log entries.
type AuditEventType string

const (
	AuditAgentRegister   AuditEventType = "agent_register"
	AuditAgentDeregister AuditEventType = "agent_deregister"
	AuditAgentStatus     AuditEventType = "agent_status_change"
	AuditTaskDelegate    AuditEventType = "task_delegate"
	AuditTaskDispatch    AuditEventType = "task_dispatch"
	AuditWorkflowStart   AuditEventType = "workflow_start"
	AuditWorkflowEnd     AuditEventType = "workflow_end"
	AuditWorkflowCancel  AuditEventType = "workflow_cancel"
	AuditMessageRoute    AuditEventType = "message_route"
	AuditAccessDenied    AuditEventType = "access_denied"
)

// AuditEvent represents a single auditable action.
type AuditEvent struct {
	Timestamp time.Time         `json:"timestamp"`
	Type      AuditEventType    `json:"type"`
	Detail    map[string]string `json:"detail"`

	// Compliance fields (optional, zero values omitted).
	Actor    string `json:"actor,omitempty"`
	Resource string `json:"resource,omitempty"`
	Action   string `json:"action,omitempty"`
	Outcome  string `json:"outcome,omitempty"`
}

// AuditLogger writes audit events to a persistent log.
type AuditLogger interface {
	Log(ctx context.Context, event AuditEvent) error
	Close() error
}
