package domain

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// ExecuteRequest is the wire envelope sent to an agent's execute endpoint.
type ExecuteRequest struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// ExecutionStatus is the outcome an agent reports for a task.
type ExecutionStatus string

const (
	ExecCompleted ExecutionStatus = "completed"
	ExecFailed    ExecutionStatus = "failed"
)

// ExecuteResult is the agent's reply. Result is opaque to the orchestrator.
type ExecuteResult struct {
	Status ExecutionStatus `json:"status"`
	Result json.RawMessage `json:"result,omitempty"`
}

// Succeeded reports whether the agent completed the task.
func (r ExecuteResult) Succeeded() bool { return r.Status == ExecCompleted }

// TaskKind tags the variants of TaskBody.
type TaskKind string

const (
	KindStep       TaskKind = "workflow_step"
	KindMessage    TaskKind = "message"
	KindDelegation TaskKind = "delegated_task"
	KindOpaque     TaskKind = "opaque"
)

// TaskBody is a closed set of task shapes the orchestrator knows how to
// send. OpaqueTask is the escape hatch for caller-defined payloads.
type TaskBody interface {
	Kind() TaskKind
	requestType() string
}

// StepTask runs one workflow step; the agent sees the step action as type.
type StepTask struct {
	WorkflowID string         `json:"workflow_id"`
	StepID     string         `json:"step_id"`
	Action     string         `json:"-"`
	Input      map[string]any `json:"input_data,omitempty"`
	Context    map[string]any `json:"context,omitempty"`
}

func (StepTask) Kind() TaskKind { return KindStep }
func (t StepTask) requestType() string { return t.Action }

// MessageTask delivers a routed message; the agent sees the message type as type.
type MessageTask struct {
	MessageID   string         `json:"message_id"`
	SenderID    string         `json:"sender_id"`
	MessageType string         `json:"-"`
	Priority    int            `json:"priority"`
	Content     map[string]any `json:"content,omitempty"`
}

func (MessageTask) Kind() TaskKind { return KindMessage }
func (t MessageTask) requestType() string { return t.MessageType }

// DelegatedTask dispatches a delegation to its assigned agent.
type DelegatedTask struct {
	TaskID        string         `json:"task_id"`
	Description   string         `json:"task_description"`
	DescriptionAR string         `json:"task_description_ar,omitempty"`
	Context       map[string]any `json:"context,omitempty"`
	Priority      int            `json:"priority"`
}

func (DelegatedTask) Kind() TaskKind { return KindDelegation }
func (DelegatedTask) requestType() string { return string(KindDelegation) }

// OpaqueTask forwards a caller-built payload untouched.
type OpaqueTask struct {
	Type    string
	Payload json.RawMessage
}

func (OpaqueTask) Kind() TaskKind { return KindOpaque }
func (t OpaqueTask) requestType() string { return t.Type }

// NewExecuteRequest renders a task body into the wire envelope.
func NewExecuteRequest(body TaskBody) (ExecuteRequest, error) {
	typ := body.requestType()
	if typ == "" {
		return ExecuteRequest{}, NewDomainError("NewExecuteRequest", ErrInvalidInput,
			fmt.Sprintf("%s task has no type", body.Kind()))
	}
	if o, ok := body.(OpaqueTask); ok {
		payload := o.Payload
		if len(payload) == 0 {
			payload = json.RawMessage(`{}`)
		}
		return ExecuteRequest{Type: typ, Payload: payload}, nil
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return ExecuteRequest{}, NewDomainError("NewExecuteRequest", ErrInvalidInput, err.Error())
	}
	return ExecuteRequest{Type: typ, Payload: payload}, nil
}

// RetryPolicy controls transport-level retries for a single agent call.
type RetryPolicy struct {
	MaxAttempts int           `json:"max_attempts,omitempty"`
	Backoff     time.Duration `json:"backoff,omitempty"`
}

// CallOptions are per-call knobs for AgentExecutor.Execute.
type CallOptions struct {
	Timeout time.Duration
	Retry   RetryPolicy
}

// AgentExecutor dispatches a task to an agent's execution endpoint.
// Errors wrap ErrTimeout or ErrTransportFailure. An agent-reported failure
// is returned as a result with Status "failed" and a nil error.
type AgentExecutor interface {
	Execute(ctx context.Context, agent Agent, req ExecuteRequest, opts CallOptions) (*ExecuteResult, error)
}
