package workflow

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"masterlinc/internal/domain"
	"masterlinc/internal/infra/tracer"
)

// execution is the live state of one run. The driver goroutine is the only
// writer; mu guards readers taking snapshots. Step status and the completed
// counter always change together under mu.
type execution struct {
	id    string
	g     *graph
	steps map[string]domain.WorkflowStep
	done  chan struct{}

	mu        sync.Mutex
	run       domain.WorkflowRun
	cancelled bool
}

type stepOutcome struct {
	stepID string
	result *domain.ExecuteResult
	err    error
	at     time.Time
}

func newExecution(id string, wf domain.Workflow, g *graph, now time.Time) *execution {
	x := &execution{
		id:    id,
		g:     g,
		steps: make(map[string]domain.WorkflowStep, len(wf.Steps)),
		done:  make(chan struct{}),
	}
	states := make(map[string]domain.StepState, len(wf.Steps))
	for _, s := range wf.Steps {
		x.steps[s.ID] = s
		states[s.ID] = domain.StepState{StepID: s.ID, AgentID: s.AgentID, Status: domain.StepWaiting}
	}
	x.run = domain.WorkflowRun{
		ID:          id,
		Name:        wf.Name,
		Description: wf.Description,
		Mode:        wf.Mode,
		Status:      domain.WorkflowPending,
		StepsTotal:  len(wf.Steps),
		Steps:       states,
		Order:       g.order,
		CreatedAt:   now,
		Workflow:    wf,
	}
	x.promote()
	return x
}

func (x *execution) snapshot() domain.WorkflowRun {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.run.Clone()
}

// cancel flags the run. Returns false if the run already finished or was
// already cancelled.
func (x *execution) cancel() bool {
	x.mu.Lock()
	defer x.mu.Unlock()
	if x.cancelled || x.run.Status.Terminal() {
		return false
	}
	x.cancelled = true
	x.run.Cancelled = true
	return true
}

// promote moves WAITING steps whose dependencies are all DONE to READY.
// Caller holds mu (or owns x exclusively).
func (x *execution) promote() {
	for _, id := range x.g.order {
		st := x.run.Steps[id]
		if st.Status != domain.StepWaiting {
			continue
		}
		ready := true
		for _, d := range x.g.deps[id] {
			if x.run.Steps[d].Status != domain.StepDone {
				ready = false
				break
			}
		}
		if ready {
			st.Status = domain.StepReady
			x.run.Steps[id] = st
		}
	}
}

// launchable promotes what it can and marks as RUNNING the READY steps that
// fit the mode's concurrency: one at a time for sequential, up to
// maxParallel (0 = all) otherwise. Steps are taken in topological order.
func (x *execution) launchable(inflight, maxParallel int, now time.Time) []domain.WorkflowStep {
	x.mu.Lock()
	defer x.mu.Unlock()

	if x.cancelled {
		return nil
	}
	x.promote()

	limit := len(x.g.order)
	switch {
	case x.run.Mode == domain.ModeSequential:
		limit = 1
	case maxParallel > 0:
		limit = maxParallel
	}

	var out []domain.WorkflowStep
	for _, id := range x.g.order {
		if inflight+len(out) >= limit {
			break
		}
		st := x.run.Steps[id]
		if st.Status != domain.StepReady {
			continue
		}
		started := now
		st.Status = domain.StepRunning
		st.StartedAt = &started
		x.run.Steps[id] = st
		out = append(out, x.steps[id])
	}
	return out
}

func (x *execution) record(out stepOutcome) domain.StepState {
	x.mu.Lock()
	defer x.mu.Unlock()

	st := x.run.Steps[out.stepID]
	at := out.at
	st.CompletedAt = &at
	if out.result != nil {
		st.Result = out.result.Result
	}
	if out.err != nil {
		st.Status = domain.StepFailed
		st.Error = out.err.Error()
		st.ErrorCode = domain.ErrorCodeOf(out.err)
	} else {
		st.Status = domain.StepDone
		x.run.StepsCompleted++
	}
	x.run.Steps[out.stepID] = st
	return st
}

// finish resolves the terminal status once nothing is running and nothing
// more can be promoted.
func (x *execution) finish(now time.Time) domain.WorkflowRun {
	x.mu.Lock()
	defer x.mu.Unlock()

	var failed, blocked int
	for _, st := range x.run.Steps {
		switch st.Status {
		case domain.StepFailed:
			failed++
		case domain.StepWaiting, domain.StepReady:
			blocked++
		}
	}

	switch {
	case x.cancelled:
		x.run.Status = domain.WorkflowFailed
		x.run.Cancelled = true
		x.run.Error = fmt.Sprintf("workflow cancelled: %d of %d steps completed", x.run.StepsCompleted, x.run.StepsTotal)
	case x.run.StepsCompleted == x.run.StepsTotal:
		x.run.Status = domain.WorkflowCompleted
	case x.run.StepsCompleted > 0:
		x.run.Status = domain.WorkflowPartiallyFailed
		x.run.Error = fmt.Sprintf("%d step(s) failed, %d blocked", failed, blocked)
	default:
		x.run.Status = domain.WorkflowFailed
		x.run.Error = fmt.Sprintf("%d step(s) failed, %d blocked", failed, blocked)
	}
	x.run.CompletedAt = &now
	return x.run.Clone()
}

// drive runs x to a terminal state.
func (e *Engine) drive(ctx context.Context, x *execution) {
	defer close(x.done)
	// Release the slot before waking Execute callers.
	defer e.running.Add(-1)
	defer func() {
		e.mu.Lock()
		delete(e.active, x.id)
		e.mu.Unlock()
	}()

	ctx, span := tracer.StartSpan(ctx, "workflow.execute")
	defer span.End()

	x.mu.Lock()
	started := e.now()
	x.run.Status = domain.WorkflowRunning
	x.run.StartedAt = &started
	name, mode, total := x.run.Name, x.run.Mode, x.run.StepsTotal
	x.mu.Unlock()

	span.SetAttributes(
		tracer.StringAttr("workflow_id", x.id),
		tracer.StringAttr("workflow_name", name),
		tracer.StringAttr("execution_mode", string(mode)),
		tracer.IntAttr("steps_total", total),
	)
	e.persist(ctx, x)
	e.logger.Info("workflow started", "workflow_id", x.id, "workflow_name", name, "mode", mode, "steps", total)
	e.publishEvent(ctx, domain.EventWorkflowStarted, x.id, map[string]string{
		"workflow_id": x.id, "workflow_name": name, "execution_mode": string(mode),
	})
	e.audit(ctx, domain.AuditWorkflowStart, x.id, "success", map[string]string{
		"workflow_id": x.id, "workflow_name": name,
	})

	outcomes := make(chan stepOutcome, total)
	inflight := 0
	for {
		for _, step := range x.launchable(inflight, e.cfg.MaxParallelSteps, e.now()) {
			inflight++
			e.logger.Debug("step started", "workflow_id", x.id, "step_id", step.ID, "agent_id", step.AgentID)
			e.publishEvent(ctx, domain.EventStepStarted, x.id, map[string]string{
				"workflow_id": x.id, "step_id": step.ID, "agent_id": step.AgentID,
			})
			go e.runStep(ctx, x.id, step, x.run.Workflow.Context, outcomes)
		}
		if inflight == 0 {
			break
		}

		out := <-outcomes
		inflight--
		st := x.record(out)
		e.persist(ctx, x)

		if out.err != nil {
			e.logger.Warn("step failed", "workflow_id", x.id, "step_id", st.StepID, "agent_id", st.AgentID, "error", out.err)
			e.publishEvent(ctx, domain.EventStepFailed, x.id, map[string]string{
				"workflow_id": x.id, "step_id": st.StepID, "agent_id": st.AgentID,
				"error": st.Error, "error_code": string(st.ErrorCode),
			})
		} else {
			e.logger.Debug("step completed", "workflow_id", x.id, "step_id", st.StepID)
			e.publishEvent(ctx, domain.EventStepCompleted, x.id, map[string]string{
				"workflow_id": x.id, "step_id": st.StepID, "agent_id": st.AgentID,
			})
		}
	}

	final := x.finish(e.now())
	e.persist(ctx, x)

	detail := map[string]string{
		"workflow_id":     x.id,
		"workflow_name":   final.Name,
		"status":          string(final.Status),
		"steps_completed": fmt.Sprint(final.StepsCompleted),
		"steps_total":     fmt.Sprint(final.StepsTotal),
	}
	span.SetAttributes(tracer.IntAttr("steps_completed", final.StepsCompleted))
	if final.Status == domain.WorkflowCompleted {
		tracer.SetOK(span)
		e.logger.Info("workflow completed", "workflow_id", x.id, "steps", final.StepsTotal)
		e.publishEvent(ctx, domain.EventWorkflowCompleted, x.id, detail)
		e.audit(ctx, domain.AuditWorkflowEnd, x.id, "success", detail)
		return
	}
	detail["error"] = final.Error
	tracer.RecordError(span, errors.New(final.Error))
	e.logger.Warn("workflow finished with failures", "workflow_id", x.id, "status", final.Status,
		"steps_completed", final.StepsCompleted, "steps_total", final.StepsTotal, "cancelled", final.Cancelled)
	e.publishEvent(ctx, domain.EventWorkflowFailed, x.id, detail)
	e.audit(ctx, domain.AuditWorkflowEnd, x.id, "failure", detail)
}

func (e *Engine) runStep(ctx context.Context, runID string, step domain.WorkflowStep, shared map[string]any, out chan<- stepOutcome) {
	ctx, span := tracer.StartSpan(ctx, "workflow.step")
	defer span.End()
	span.SetAttributes(
		tracer.StringAttr("workflow_id", runID),
		tracer.StringAttr("step_id", step.ID),
		tracer.StringAttr("agent_id", step.AgentID),
	)

	res, err := e.callStep(ctx, runID, step, shared)
	if err != nil {
		tracer.RecordError(span, err)
	} else {
		tracer.SetOK(span)
	}
	out <- stepOutcome{stepID: step.ID, result: res, err: err, at: e.now()}
}

// callStep executes one step under its own deadline. The executor is called
// once; retries, if any, are the executor's per-call policy.
func (e *Engine) callStep(ctx context.Context, runID string, step domain.WorkflowStep, shared map[string]any) (*domain.ExecuteResult, error) {
	const op = "Engine.step"
	agent, err := e.dir.Get(ctx, step.AgentID)
	if err != nil {
		return nil, domain.WrapOp(op, err)
	}
	req, err := domain.NewExecuteRequest(domain.StepTask{
		WorkflowID: runID,
		StepID:     step.ID,
		Action:     step.Action,
		Input:      step.Input,
		Context:    shared,
	})
	if err != nil {
		return nil, domain.WrapOp(op, err)
	}

	timeout := step.Timeout(e.cfg.DefaultStepTimeout)
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	res, err := e.exec.Execute(cctx, *agent, req, domain.CallOptions{Timeout: timeout})
	switch {
	case err != nil && (errors.Is(err, domain.ErrTimeout) || errors.Is(cctx.Err(), context.DeadlineExceeded)):
		e.dir.RecordFailure(ctx, agent.ID, err)
		return nil, domain.NewSubSystemError("workflow", op, domain.ErrTimeout,
			fmt.Sprintf("step %s timed out after %s", step.ID, timeout))
	case err != nil:
		e.dir.RecordFailure(ctx, agent.ID, err)
		return nil, domain.WrapOp(op, err)
	case res == nil || !res.Succeeded():
		return res, domain.NewDomainError(op, domain.ErrExecutionFailed,
			fmt.Sprintf("agent %s reported failure for step %s", agent.ID, step.ID))
	}
	return res, nil
}
