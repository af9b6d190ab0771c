package domain

import (
	"context"
	"encoding/json"
	"time"
)

// ExecutionMode controls how ready steps are scheduled.
type ExecutionMode string

const (
	ModeSequential ExecutionMode = "sequential"
	ModeParallel   ExecutionMode = "parallel"
	ModeMixed      ExecutionMode = "mixed"
)

// Valid reports whether m is a known mode.
func (m ExecutionMode) Valid() bool {
	switch m {
	case ModeSequential, ModeParallel, ModeMixed:
		return true
	}
	return false
}

// WorkflowStatus is the lifecycle state of a workflow run.
type WorkflowStatus string

const (
	WorkflowPending         WorkflowStatus = "PENDING"
	WorkflowRunning         WorkflowStatus = "RUNNING"
	WorkflowCompleted       WorkflowStatus = "COMPLETED"
	WorkflowPartiallyFailed WorkflowStatus = "PARTIALLY_FAILED"
	WorkflowFailed          WorkflowStatus = "FAILED"
)

// Terminal reports whether no further transitions can happen.
func (s WorkflowStatus) Terminal() bool {
	switch s {
	case WorkflowCompleted, WorkflowPartiallyFailed, WorkflowFailed:
		return true
	}
	return false
}

// StepStatus is the lifecycle state of one step inside a run.
type StepStatus string

const (
	StepWaiting StepStatus = "WAITING"
	StepReady   StepStatus = "READY"
	StepRunning StepStatus = "RUNNING"
	StepDone    StepStatus = "DONE"
	StepFailed  StepStatus = "FAILED"
)

// DefaultStepTimeout applies when a step declares none.
const DefaultStepTimeout = 300 * time.Second

// WorkflowStep is one node of the dependency graph.
type WorkflowStep struct {
	ID             string          `json:"step_id"`
	AgentID        string          `json:"agent_id"`
	Action         string          `json:"action"`
	Input          map[string]any  `json:"input_data,omitempty"`
	InputSchema    json.RawMessage `json:"input_schema,omitempty"`
	DependsOn      []string        `json:"depends_on,omitempty"`
	TimeoutSeconds int             `json:"timeout,omitempty"`
}

// Timeout returns the step deadline, or fallback when none is declared.
func (s WorkflowStep) Timeout(fallback time.Duration) time.Duration {
	if s.TimeoutSeconds > 0 {
		return time.Duration(s.TimeoutSeconds) * time.Second
	}
	if fallback > 0 {
		return fallback
	}
	return DefaultStepTimeout
}

// Workflow is a submitted request to run a set of steps.
type Workflow struct {
	Name        string         `json:"workflow_name"`
	Description string         `json:"workflow_description,omitempty"`
	Steps       []WorkflowStep `json:"steps"`
	Mode        ExecutionMode  `json:"execution_mode,omitempty"`
	Context     map[string]any `json:"context,omitempty"`
}

// StepState is the observable state of one step.
type StepState struct {
	StepID      string          `json:"step_id"`
	AgentID     string          `json:"agent_id"`
	Status      StepStatus      `json:"status"`
	Result      json.RawMessage `json:"result,omitempty"`
	Error       string          `json:"error,omitempty"`
	ErrorCode   ErrorCode       `json:"error_code,omitempty"`
	StartedAt   *time.Time      `json:"started_at,omitempty"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
}

// WorkflowRun tracks the runtime state of a single workflow execution.
type WorkflowRun struct {
	ID             string               `json:"workflow_id"`
	Name           string               `json:"workflow_name"`
	Description    string               `json:"workflow_description,omitempty"`
	Mode           ExecutionMode        `json:"execution_mode"`
	Status         WorkflowStatus       `json:"status"`
	StepsCompleted int                  `json:"steps_completed"`
	StepsTotal     int                  `json:"steps_total"`
	Steps          map[string]StepState `json:"results"`
	Order          []string             `json:"order"`
	Cancelled      bool                 `json:"cancelled,omitempty"`
	Error          string               `json:"error,omitempty"`
	CreatedAt      time.Time            `json:"created_at"`
	StartedAt      *time.Time           `json:"started_at,omitempty"`
	CompletedAt    *time.Time           `json:"completed_at,omitempty"`
	Workflow       Workflow             `json:"workflow"`
}

// Clone returns a deep copy safe to hand outside the engine.
func (r WorkflowRun) Clone() WorkflowRun {
	out := r
	out.Steps = make(map[string]StepState, len(r.Steps))
	for k, v := range r.Steps {
		out.Steps[k] = v
	}
	out.Order = append([]string(nil), r.Order...)
	return out
}

// WorkflowStore persists workflow runs.
type WorkflowStore interface {
	SaveRun(ctx context.Context, run WorkflowRun) error
	GetRun(ctx context.Context, id string) (*WorkflowRun, error)
	ListRuns(ctx context.Context, limit int) ([]WorkflowRun, error)
}
