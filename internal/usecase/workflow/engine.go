package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oklog/ulid/v2"

	"masterlinc/internal/domain"
	"masterlinc/internal/infra/tracer"
)

// Config holds configuration for the workflow engine.
type Config struct {
	Enabled            bool
	MaxRunning         int // concurrent runs; 0 = unlimited
	MaxParallelSteps   int // concurrent steps per run in parallel/mixed mode; 0 = unlimited
	DefaultStepTimeout time.Duration
	DefinitionsDir     string
}

// Engine validates workflow submissions and drives each run over its
// dependency graph. Every run is owned by a single driver goroutine; only
// the driver mutates run state.
type Engine struct {
	dir         domain.AgentDirectory
	exec        domain.AgentExecutor
	store       domain.WorkflowStore
	cfg         Config
	bus         domain.EventBus
	auditLogger domain.AuditLogger
	logger      *slog.Logger
	now         func() time.Time

	definitions atomic.Value // map[string]domain.Workflow
	running     atomic.Int32

	mu     sync.Mutex
	active map[string]*execution
	wg     sync.WaitGroup
}

// NewEngine creates a workflow engine. bus and auditLogger may be nil.
func NewEngine(
	dir domain.AgentDirectory,
	exec domain.AgentExecutor,
	store domain.WorkflowStore,
	cfg Config,
	bus domain.EventBus,
	auditLogger domain.AuditLogger,
	logger *slog.Logger,
) *Engine {
	if cfg.DefaultStepTimeout <= 0 {
		cfg.DefaultStepTimeout = domain.DefaultStepTimeout
	}
	e := &Engine{
		dir:         dir,
		exec:        exec,
		store:       store,
		cfg:         cfg,
		bus:         bus,
		auditLogger: auditLogger,
		logger:      logger,
		now:         time.Now,
		active:      make(map[string]*execution),
	}
	e.definitions.Store(make(map[string]domain.Workflow))
	return e
}

// Start validates wf and launches it in the background. The returned
// snapshot carries the new workflow id. Validation failures leave no trace.
func (e *Engine) Start(ctx context.Context, wf domain.Workflow) (*domain.WorkflowRun, error) {
	x, err := e.submit(ctx, wf)
	if err != nil {
		return nil, err
	}
	snap := x.snapshot()
	return &snap, nil
}

// Execute starts wf and waits for it to reach a terminal state. If ctx ends
// first, the run keeps going and its current snapshot is returned.
func (e *Engine) Execute(ctx context.Context, wf domain.Workflow) (*domain.WorkflowRun, error) {
	x, err := e.submit(ctx, wf)
	if err != nil {
		return nil, err
	}

	select {
	case <-x.done:
	case <-ctx.Done():
		e.logger.Warn("caller stopped waiting, workflow continues", "workflow_id", x.id)
	}
	snap := x.snapshot()
	return &snap, nil
}

// Get returns the current state of a run.
func (e *Engine) Get(ctx context.Context, id string) (*domain.WorkflowRun, error) {
	if x := e.lookup(id); x != nil {
		snap := x.snapshot()
		return &snap, nil
	}
	run, err := e.store.GetRun(ctx, id)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil, domain.NewSubSystemError("workflow", "Engine.Get", domain.ErrNotFound,
				fmt.Sprintf("Workflow %s not found", id))
		}
		return nil, domain.WrapOp("Engine.Get", err)
	}
	return run, nil
}

// List returns recent runs, newest first.
func (e *Engine) List(ctx context.Context, limit int) ([]domain.WorkflowRun, error) {
	runs, err := e.store.ListRuns(ctx, limit)
	if err != nil {
		return nil, domain.WrapOp("Engine.List", err)
	}
	for i := range runs {
		if x := e.lookup(runs[i].ID); x != nil {
			runs[i] = x.snapshot()
		}
	}
	return runs, nil
}

// Cancel stops promoting further steps of a running workflow. Steps already
// RUNNING finish and are recorded; the run then ends FAILED and cancelled.
func (e *Engine) Cancel(ctx context.Context, id string) (*domain.WorkflowRun, error) {
	const op = "Engine.Cancel"
	x := e.lookup(id)
	if x == nil {
		run, err := e.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		return nil, domain.NewSubSystemError("workflow", op, domain.ErrInvalidInput,
			fmt.Sprintf("Invalid request: workflow %s is already %s", id, run.Status))
	}

	if !x.cancel() {
		snap := x.snapshot()
		if snap.Status.Terminal() {
			return nil, domain.NewSubSystemError("workflow", op, domain.ErrInvalidInput,
				fmt.Sprintf("Invalid request: workflow %s is already %s", id, snap.Status))
		}
		return &snap, nil
	}

	e.logger.Info("workflow cancel requested", "workflow_id", id)
	e.publishEvent(ctx, domain.EventWorkflowCancelled, id, map[string]string{"workflow_id": id})
	e.audit(ctx, domain.AuditWorkflowCancel, id, "success", map[string]string{"workflow_id": id})
	snap := x.snapshot()
	return &snap, nil
}

// Enabled reports whether the engine accepts new runs.
func (e *Engine) Enabled() bool { return e.cfg.Enabled }

// Running returns the number of workflows currently executing.
func (e *Engine) Running() int { return int(e.running.Load()) }

// Shutdown waits for in-flight runs to finish or ctx to end.
func (e *Engine) Shutdown(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// --- submission ---

func (e *Engine) submit(ctx context.Context, wf domain.Workflow) (*execution, error) {
	const op = "Engine.submit"
	if !e.cfg.Enabled {
		return nil, domain.NewSubSystemError("workflow", op, domain.ErrServiceUnavailable,
			"Workflow orchestration is disabled")
	}

	g, err := e.validate(ctx, &wf)
	if err != nil {
		e.logger.Warn("workflow rejected", "workflow_name", wf.Name, "error", err)
		return nil, err
	}

	n := e.running.Add(1)
	if e.cfg.MaxRunning > 0 && int(n) > e.cfg.MaxRunning {
		e.running.Add(-1)
		return nil, domain.NewSubSystemError("workflow", op, domain.ErrLimitReached,
			fmt.Sprintf("%d/%d workflows running", n-1, e.cfg.MaxRunning))
	}

	now := e.now()
	x := newExecution(newID(now), wf, g, now)

	e.mu.Lock()
	e.active[x.id] = x
	e.mu.Unlock()

	e.persist(ctx, x)

	bg := context.WithoutCancel(ctx)
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.drive(bg, x)
	}()
	return x, nil
}

// validate rejects a workflow before any side effect: malformed graph,
// unknown agent, or step input failing its schema.
func (e *Engine) validate(ctx context.Context, wf *domain.Workflow) (*graph, error) {
	const op = "Engine.validate"
	if strings.TrimSpace(wf.Name) == "" {
		return nil, domain.NewSubSystemError("workflow", op, domain.ErrInvalidInput,
			"Invalid request: workflow_name is required")
	}
	if wf.Mode == "" {
		wf.Mode = domain.ModeSequential
	}
	if !wf.Mode.Valid() {
		return nil, domain.NewSubSystemError("workflow", op, domain.ErrInvalidWorkflow,
			fmt.Sprintf("unknown execution_mode %q", wf.Mode))
	}

	g, err := buildGraph(wf.Steps)
	if err != nil {
		return nil, err
	}

	for _, s := range wf.Steps {
		if strings.TrimSpace(s.AgentID) == "" || strings.TrimSpace(s.Action) == "" {
			return nil, domain.NewSubSystemError("workflow", op, domain.ErrInvalidWorkflow,
				fmt.Sprintf("step %q requires agent_id and action", s.ID))
		}
		if s.TimeoutSeconds < 0 {
			return nil, domain.NewSubSystemError("workflow", op, domain.ErrInvalidWorkflow,
				fmt.Sprintf("step %q has negative timeout", s.ID))
		}
	}

	for _, s := range wf.Steps {
		if _, err := e.dir.Get(ctx, s.AgentID); err != nil {
			if errors.Is(err, domain.ErrNotFound) {
				return nil, domain.NewDomainError(op, domain.ErrAgentNotFound,
					fmt.Sprintf("Agent %s not found (step %s)", s.AgentID, s.ID))
			}
			return nil, domain.WrapOp(op, err)
		}
	}

	for _, s := range wf.Steps {
		if err := validateStepInput(s); err != nil {
			return nil, err
		}
	}
	return g, nil
}

func (e *Engine) lookup(id string) *execution {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.active[id]
}

func (e *Engine) persist(ctx context.Context, x *execution) {
	if err := e.store.SaveRun(ctx, x.snapshot()); err != nil {
		e.logger.Warn("save workflow run failed", "workflow_id", x.id, "error", err)
	}
}

func newID(t time.Time) string {
	return ulid.MustNew(ulid.Timestamp(t), ulid.DefaultEntropy()).String()
}

func (e *Engine) publishEvent(ctx context.Context, eventType domain.EventType, id string, detail map[string]string) {
	if e.bus == nil {
		return
	}
	e.bus.Publish(ctx, domain.NewEvent(eventType, id, detail))
}

func (e *Engine) audit(ctx context.Context, eventType domain.AuditEventType, id, outcome string, detail map[string]string) {
	if e.auditLogger == nil {
		return
	}
	if err := e.auditLogger.Log(ctx, domain.AuditEvent{
		Timestamp: e.now(),
		Type:      eventType,
		Detail:    detail,
		Resource:  "workflow/" + id,
		Actor:     domain.ActorFromContext(ctx),
		Outcome:   outcome,
	}); err != nil {
		e.logger.Warn("audit write failed", "type", string(eventType), "error", err)
	}
}
