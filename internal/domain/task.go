package domain

import (
	"context"
	"time"
)

// TaskStatus is the lifecycle state of a delegated task.
type TaskStatus string

const (
	TaskDelegated TaskStatus = "delegated"
	TaskRejected  TaskStatus = "rejected"
	TaskFailed    TaskStatus = "failed"
	TaskCompleted TaskStatus = "completed"
)

// Delegation defaults.
const (
	DefaultTaskPriority = 5
	DefaultTaskTimeout  = 300 * time.Second
	MinPriority         = 1
	MaxPriority         = 10
)

// DelegationTask is a single unit of work handed to exactly one agent.
type DelegationTask struct {
	Description        string         `json:"task_description"`
	DescriptionAR      string         `json:"task_description_ar,omitempty"`
	Context            map[string]any `json:"context,omitempty"`
	PreferredAgent     string         `json:"preferred_agent,omitempty"`
	RequiredCapability Capability     `json:"required_capability,omitempty"`
	Priority           int            `json:"priority,omitempty"`
	TimeoutSeconds     int            `json:"timeout,omitempty"`
}

// Timeout returns the task deadline, falling back to DefaultTaskTimeout.
func (t DelegationTask) Timeout() time.Duration {
	if t.TimeoutSeconds <= 0 {
		return DefaultTaskTimeout
	}
	return time.Duration(t.TimeoutSeconds) * time.Second
}

// DelegationResponse reports which agent a task was assigned to.
type DelegationResponse struct {
	TaskID              string     `json:"task_id"`
	AssignedAgent       string     `json:"assigned_agent"`
	Status              TaskStatus `json:"status"`
	EstimatedCompletion *time.Time `json:"estimated_completion,omitempty"`
	Message             string     `json:"message"`
	MessageAR           string     `json:"message_ar,omitempty"`
}

// TaskRecord is the persisted state of a delegated task.
type TaskRecord struct {
	ID            string         `json:"task_id"`
	Task          DelegationTask `json:"task"`
	AssignedAgent string         `json:"assigned_agent"`
	Status        TaskStatus     `json:"status"`
	Result        *ExecuteResult `json:"result,omitempty"`
	Error         string         `json:"error,omitempty"`
	ErrorCode     ErrorCode      `json:"error_code,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
	DispatchedAt  *time.Time     `json:"dispatched_at,omitempty"`
	CompletedAt   *time.Time     `json:"completed_at,omitempty"`
}

// TaskStore persists delegated task records.
type TaskStore interface {
	SaveTask(ctx context.Context, rec TaskRecord) error
	GetTask(ctx context.Context, id string) (*TaskRecord, error)
}
