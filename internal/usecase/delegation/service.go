package delegation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"masterlinc/internal/domain"
	"masterlinc/internal/infra/tracer"
)

// Policy decides how the selector narrows the candidate set.
type Policy string

const (
	// PolicyUnfiltered considers every online agent. Callers that need
	// capability-aware routing pre-filter with Eligible.
	PolicyUnfiltered Policy = "unfiltered"
	// PolicyCapability restricts candidates to agents declaring the task's
	// required capability, when the task names one.
	PolicyCapability Policy = "capability"
)

// Config holds delegation settings.
type Config struct {
	Policy         Policy
	DefaultTimeout time.Duration // applied when a task names none
	Retry          domain.RetryPolicy
}

// Service selects an agent for each task and later dispatches it there.
// Selection is synchronous and in-memory; dispatch is the only blocking step.
type Service struct {
	dir         domain.AgentDirectory
	tasks       domain.TaskStore
	exec        domain.AgentExecutor
	cfg         Config
	bus         domain.EventBus
	auditLogger domain.AuditLogger
	logger      *slog.Logger
	now         func() time.Time

	mu       sync.Mutex
	inflight map[string]struct{}
}

// New creates a delegation service. bus and auditLogger may be nil.
func New(dir domain.AgentDirectory, tasks domain.TaskStore, exec domain.AgentExecutor, cfg Config,
	bus domain.EventBus, auditLogger domain.AuditLogger, logger *slog.Logger) *Service {
	if cfg.Policy == "" {
		cfg.Policy = PolicyUnfiltered
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = domain.DefaultTaskTimeout
	}
	return &Service{
		dir:         dir,
		tasks:       tasks,
		exec:        exec,
		cfg:         cfg,
		bus:         bus,
		auditLogger: auditLogger,
		logger:      logger,
		now:         time.Now,
		inflight:    make(map[string]struct{}),
	}
}

// Select picks exactly one agent for task without recording anything.
func (s *Service) Select(ctx context.Context, task domain.DelegationTask) (domain.Agent, error) {
	candidates := s.candidates(ctx, task)

	if task.PreferredAgent != "" {
		for _, a := range candidates {
			if a.ID == task.PreferredAgent {
				return a, nil
			}
		}
		s.logger.Debug("preferred agent not eligible, falling back",
			"preferred_agent", task.PreferredAgent)
	}

	// Candidates arrive sorted by priority then id.
	if len(candidates) == 0 {
		return domain.Agent{}, domain.NewSubSystemError("delegation", "Service.Select",
			domain.ErrServiceUnavailable, "No agents available")
	}
	return candidates[0], nil
}

func (s *Service) candidates(ctx context.Context, task domain.DelegationTask) []domain.Agent {
	if s.cfg.Policy == PolicyCapability && task.RequiredCapability != "" {
		return s.dir.Eligible(ctx, task.RequiredCapability)
	}
	return s.dir.Online(ctx)
}

// Delegate assigns task to one agent and records it. No record is created
// when selection fails.
func (s *Service) Delegate(ctx context.Context, task domain.DelegationTask) (*domain.DelegationResponse, error) {
	ctx, span := tracer.StartSpan(ctx, "delegation.delegate")
	defer span.End()

	if err := normalizeTask(&task, s.cfg.DefaultTimeout); err != nil {
		tracer.RecordError(span, err)
		return nil, err
	}

	agent, err := s.Select(ctx, task)
	if err != nil {
		tracer.RecordError(span, err)
		s.logger.Warn("delegation rejected", "error", err)
		return nil, err
	}

	now := s.now()
	rec := domain.TaskRecord{
		ID:            newID(now),
		Task:          task,
		AssignedAgent: agent.ID,
		Status:        domain.TaskDelegated,
		CreatedAt:     now,
	}
	if err := s.tasks.SaveTask(ctx, rec); err != nil {
		tracer.RecordError(span, err)
		return nil, domain.WrapOp("Service.Delegate", err)
	}

	eta := now.Add(task.Timeout())
	en, ar := domain.DelegatedMessage(agent)
	resp := &domain.DelegationResponse{
		TaskID:              rec.ID,
		AssignedAgent:       agent.ID,
		Status:              domain.TaskDelegated,
		EstimatedCompletion: &eta,
		Message:             en,
		MessageAR:           ar,
	}

	span.SetAttributes(tracer.StringAttr("task_id", rec.ID), tracer.StringAttr("agent_id", agent.ID))
	s.publishEvent(ctx, domain.EventTaskDelegated, rec.ID, map[string]string{
		"task_id": rec.ID, "agent_id": agent.ID,
	})
	s.audit(ctx, domain.AuditTaskDelegate, rec.ID, "success", map[string]string{
		"task_id": rec.ID, "agent_id": agent.ID, "preferred_agent": task.PreferredAgent,
	})
	s.logger.Info("task delegated", "task_id", rec.ID, "agent_id", agent.ID, "priority", task.Priority)
	tracer.SetOK(span)
	return resp, nil
}

// Dispatch executes a delegated task on its assigned agent. A task is
// dispatched at most once and never reassigned. The returned record is
// non-nil whenever the task exists, even if execution failed.
func (s *Service) Dispatch(ctx context.Context, taskID string) (*domain.TaskRecord, error) {
	ctx, span := tracer.StartSpan(ctx, "delegation.dispatch")
	defer span.End()
	span.SetAttributes(tracer.StringAttr("task_id", taskID))

	rec, err := s.claim(ctx, taskID)
	if err != nil {
		tracer.RecordError(span, err)
		return nil, err
	}
	defer s.release(taskID)

	dispatched := s.now()
	rec.DispatchedAt = &dispatched

	result, execErr := s.execute(ctx, rec)
	completed := s.now()
	rec.CompletedAt = &completed

	switch {
	case execErr != nil:
		rec.Status = domain.TaskFailed
		rec.Error = execErr.Error()
		rec.ErrorCode = domain.ErrorCodeOf(execErr)
		s.dir.RecordFailure(ctx, rec.AssignedAgent, execErr)
	case !result.Succeeded():
		rec.Status = domain.TaskRejected
		rec.Result = result
		rec.ErrorCode = domain.CodeExecutionFailed
		execErr = domain.NewDomainError("Service.Dispatch", domain.ErrExecutionFailed, rec.AssignedAgent)
	default:
		rec.Status = domain.TaskCompleted
		rec.Result = result
	}

	if err := s.tasks.SaveTask(ctx, *rec); err != nil {
		s.logger.Error("save task failed", "task_id", rec.ID, "error", err)
	}

	outcome, evt := "success", domain.EventTaskCompleted
	if execErr != nil {
		outcome, evt = "failure", domain.EventTaskFailed
		tracer.RecordError(span, execErr)
		s.logger.Warn("task dispatch failed", "task_id", rec.ID, "agent_id", rec.AssignedAgent,
			"status", rec.Status, "error", execErr)
	} else {
		tracer.SetOK(span)
		s.logger.Info("task completed", "task_id", rec.ID, "agent_id", rec.AssignedAgent)
	}
	s.publishEvent(ctx, evt, rec.ID, map[string]string{
		"task_id": rec.ID, "agent_id": rec.AssignedAgent, "status": string(rec.Status),
	})
	s.audit(ctx, domain.AuditTaskDispatch, rec.ID, outcome, map[string]string{
		"task_id": rec.ID, "agent_id": rec.AssignedAgent, "status": string(rec.Status),
	})
	return rec, execErr
}

// Get returns a task record.
func (s *Service) Get(ctx context.Context, taskID string) (*domain.TaskRecord, error) {
	rec, err := s.tasks.GetTask(ctx, taskID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil, domain.NewSubSystemError("task", "Service.Get", domain.ErrNotFound, fmt.Sprintf("Task %s not found", taskID))
		}
		return nil, domain.WrapOp("Service.Get", err)
	}
	return rec, nil
}

func (s *Service) claim(ctx context.Context, taskID string) (*domain.TaskRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, err := s.Get(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if _, busy := s.inflight[taskID]; busy {
		return nil, domain.NewSubSystemError("task", "Service.Dispatch", domain.ErrInvalidInput,
			fmt.Sprintf("task %s is already being dispatched", taskID))
	}
	if rec.Status != domain.TaskDelegated {
		return nil, domain.NewSubSystemError("task", "Service.Dispatch", domain.ErrInvalidInput,
			fmt.Sprintf("task %s is already %s", taskID, rec.Status))
	}
	s.inflight[taskID] = struct{}{}
	return rec, nil
}

func (s *Service) release(taskID string) {
	s.mu.Lock()
	delete(s.inflight, taskID)
	s.mu.Unlock()
}

func (s *Service) execute(ctx context.Context, rec *domain.TaskRecord) (*domain.ExecuteResult, error) {
	agent, err := s.dir.Get(ctx, rec.AssignedAgent)
	if err != nil {
		return nil, err
	}
	req, err := domain.NewExecuteRequest(domain.DelegatedTask{
		TaskID:        rec.ID,
		Description:   rec.Task.Description,
		DescriptionAR: rec.Task.DescriptionAR,
		Context:       rec.Task.Context,
		Priority:      rec.Task.Priority,
	})
	if err != nil {
		return nil, err
	}

	timeout := rec.Task.Timeout()
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return s.exec.Execute(cctx, *agent, req, domain.CallOptions{Timeout: timeout, Retry: s.cfg.Retry})
}

func normalizeTask(t *domain.DelegationTask, defaultTimeout time.Duration) error {
	const op = "Service.Delegate"
	if strings.TrimSpace(t.Description) == "" {
		return domain.NewSubSystemError("delegation", op, domain.ErrInvalidInput, "Invalid request: task_description is required")
	}
	if t.Priority == 0 {
		t.Priority = domain.DefaultTaskPriority
	}
	if t.Priority < domain.MinPriority || t.Priority > domain.MaxPriority {
		return domain.NewSubSystemError("delegation", op, domain.ErrInvalidInput,
			fmt.Sprintf("Invalid request: priority %d outside %d-%d", t.Priority, domain.MinPriority, domain.MaxPriority))
	}
	if t.TimeoutSeconds < 0 {
		return domain.NewSubSystemError("delegation", op, domain.ErrInvalidInput, "Invalid request: timeout must be positive")
	}
	if t.TimeoutSeconds == 0 {
		t.TimeoutSeconds = max(int(defaultTimeout/time.Second), 1)
	}
	if t.RequiredCapability != "" && !t.RequiredCapability.Valid() {
		return domain.NewSubSystemError("delegation", op, domain.ErrInvalidInput,
			fmt.Sprintf("Invalid request: unknown capability %q", t.RequiredCapability))
	}
	return nil
}

// newID mints a ULID. DefaultEntropy is monotonic and safe for concurrent use,
// so ids minted within the same millisecond still sort and never collide.
func newID(t time.Time) string {
	return ulid.MustNew(ulid.Timestamp(t), ulid.DefaultEntropy()).String()
}

func (s *Service) publishEvent(ctx context.Context, eventType domain.EventType, id string, detail map[string]string) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(ctx, domain.NewEvent(eventType, id, detail))
}

func (s *Service) audit(ctx context.Context, eventType domain.AuditEventType, id, outcome string, detail map[string]string) {
	if s.auditLogger == nil {
		return
	}
	if err := s.auditLogger.Log(ctx, domain.AuditEvent{
		Timestamp: s.now(),
		Type:      eventType,
		Detail:    detail,
		Resource:  "task/" + id,
		Actor:     domain.ActorFromContext(ctx),
		Outcome:   outcome,
	}); err != nil {
		s.logger.Warn("audit write failed", "type", string(eventType), "error", err)
	}
}
