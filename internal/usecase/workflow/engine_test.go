package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"masterlinc/internal/domain"
	"masterlinc/internal/usecase/eventbus"
	"masterlinc/internal/usecase/registry"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// stepExecutor plays every agent. Behavior is keyed by step id.
type stepExecutor struct {
	mu         sync.Mutex
	log        []string
	reqs       []domain.ExecuteRequest
	running    int
	maxRunning int

	delay map[string]time.Duration
	fail  map[string]bool
	errs  map[string]error
	gate  map[string]chan struct{}
}

func newStepExecutor() *stepExecutor {
	return &stepExecutor{
		delay: map[string]time.Duration{},
		fail:  map[string]bool{},
		errs:  map[string]error{},
		gate:  map[string]chan struct{}{},
	}
}

func (s *stepExecutor) Execute(ctx context.Context, _ domain.Agent, req domain.ExecuteRequest, _ domain.CallOptions) (*domain.ExecuteResult, error) {
	var body domain.StepTask
	if err := json.Unmarshal(req.Payload, &body); err != nil {
		return nil, err
	}
	id := body.StepID

	s.mu.Lock()
	s.log = append(s.log, "start:"+id)
	s.reqs = append(s.reqs, req)
	s.running++
	s.maxRunning = max(s.maxRunning, s.running)
	delay, gate, fail, err := s.delay[id], s.gate[id], s.fail[id], s.errs[id]
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.running--
		s.log = append(s.log, "end:"+id)
		s.mu.Unlock()
	}()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, domain.NewDomainError("stepExecutor", domain.ErrTimeout, id)
		}
	}
	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, domain.NewDomainError("stepExecutor", domain.ErrTimeout, id)
		}
	}
	if err != nil {
		return nil, err
	}
	if fail {
		return &domain.ExecuteResult{Status: domain.ExecFailed, Result: json.RawMessage(`{"reason":"rejected"}`)}, nil
	}
	return &domain.ExecuteResult{Status: domain.ExecCompleted, Result: json.RawMessage(`{"step":"` + id + `"}`)}, nil
}

func (s *stepExecutor) events() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.log)
}

func (s *stepExecutor) started(id string) bool {
	return slices.Contains(s.events(), "start:"+id)
}

// progressStore records steps_completed on every save.
type progressStore struct {
	*MemoryStore
	mu       sync.Mutex
	progress []int
}

func (p *progressStore) SaveRun(ctx context.Context, run domain.WorkflowRun) error {
	p.mu.Lock()
	p.progress = append(p.progress, run.StepsCompleted)
	p.mu.Unlock()
	return p.MemoryStore.SaveRun(ctx, run)
}

type recordingAudit struct {
	mu     sync.Mutex
	events []domain.AuditEvent
}

func (r *recordingAudit) Log(_ context.Context, e domain.AuditEvent) error {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
	return nil
}

func (r *recordingAudit) Close() error { return nil }

func (r *recordingAudit) types() []domain.AuditEventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.AuditEventType, 0, len(r.events))
	for _, e := range r.events {
		out = append(out, e.Type)
	}
	return out
}

type fixture struct {
	reg    *registry.Registry
	exec   *stepExecutor
	store  *progressStore
	bus    *eventbus.Bus
	audit  *recordingAudit
	engine *Engine
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	reg := registry.New(nil, nil, nil, testLogger())
	for _, id := range []string{"claimlinc", "doctorlinc", "policylinc"} {
		_, err := reg.Register(context.Background(), domain.Agent{
			ID:           id,
			Name:         id,
			Endpoint:     "http://" + id + ".local:8080",
			Capabilities: []domain.Capability{domain.CapValidation},
		})
		require.NoError(t, err)
	}

	f := &fixture{
		reg:   reg,
		exec:  newStepExecutor(),
		store: &progressStore{MemoryStore: NewMemoryStore(0)},
		bus:   eventbus.New(testLogger()),
		audit: &recordingAudit{},
	}
	cfg.Enabled = true
	f.engine = NewEngine(reg, f.exec, f.store, cfg, f.bus, f.audit, testLogger())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = f.engine.Shutdown(ctx)
	})
	return f
}

func step(id, agent string, deps ...string) domain.WorkflowStep {
	return domain.WorkflowStep{ID: id, AgentID: agent, Action: "validate_claim", DependsOn: deps}
}

func (f *fixture) waitTerminal(t *testing.T, id string) domain.WorkflowRun {
	t.Helper()
	var run *domain.WorkflowRun
	require.Eventually(t, func() bool {
		var err error
		run, err = f.engine.Get(context.Background(), id)
		return err == nil && run.Status.Terminal()
	}, 5*time.Second, 5*time.Millisecond)
	return *run
}

func TestExecuteRejectsCycleBeforeRunning(t *testing.T) {
	f := newFixture(t, Config{})

	_, err := f.engine.Execute(context.Background(), domain.Workflow{
		Name:  "cyclic",
		Mode:  domain.ModeMixed,
		Steps: []domain.WorkflowStep{step("a", "claimlinc", "b"), step("b", "claimlinc", "a")},
	})
	require.ErrorIs(t, err, domain.ErrInvalidWorkflow)
	assert.Contains(t, err.Error(), "a -> b -> a")
	assert.Equal(t, 400, domain.HTTPStatusOf(err))
	assert.Empty(t, f.exec.events())

	runs, err := f.engine.List(context.Background(), 0)
	require.NoError(t, err)
	assert.Empty(t, runs)
}

func TestExecuteRejectsUnknownAgentWholesale(t *testing.T) {
	f := newFixture(t, Config{})

	_, err := f.engine.Execute(context.Background(), domain.Workflow{
		Name: "claim-review",
		Steps: []domain.WorkflowStep{
			step("validate", "claimlinc"),
			step("diagnose", "ghostlinc", "validate"),
		},
	})
	require.ErrorIs(t, err, domain.ErrAgentNotFound)
	assert.Equal(t, domain.CodeAgentNotFound, domain.ErrorCodeOf(err))
	assert.Contains(t, err.Error(), "ghostlinc")
	assert.Equal(t, 404, domain.HTTPStatusOf(err))
	assert.Empty(t, f.exec.events())
	assert.Zero(t, f.bus.Counts()[domain.EventWorkflowStarted])
}

func TestExecuteRejectsMalformed(t *testing.T) {
	f := newFixture(t, Config{})

	tests := []struct {
		name string
		wf   domain.Workflow
		want error
	}{
		{"no name", domain.Workflow{Steps: []domain.WorkflowStep{step("a", "claimlinc")}}, domain.ErrInvalidInput},
		{"no steps", domain.Workflow{Name: "empty"}, domain.ErrInvalidWorkflow},
		{"bad mode", domain.Workflow{Name: "x", Mode: "batch", Steps: []domain.WorkflowStep{step("a", "claimlinc")}}, domain.ErrInvalidWorkflow},
		{"missing action", domain.Workflow{Name: "x", Steps: []domain.WorkflowStep{{ID: "a", AgentID: "claimlinc"}}}, domain.ErrInvalidWorkflow},
		{"unknown dep", domain.Workflow{Name: "x", Steps: []domain.WorkflowStep{step("a", "claimlinc", "zz")}}, domain.ErrInvalidWorkflow},
		{"negative timeout", domain.Workflow{Name: "x", Steps: []domain.WorkflowStep{{ID: "a", AgentID: "claimlinc", Action: "run", TimeoutSeconds: -1}}}, domain.ErrInvalidWorkflow},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.engine.Execute(context.Background(), tt.wf)
			require.ErrorIs(t, err, tt.want)
		})
	}
	assert.Empty(t, f.exec.events())
}

func TestExecuteValidatesStepInputSchema(t *testing.T) {
	f := newFixture(t, Config{})
	schema := json.RawMessage(`{"type":"object","required":["claim_id"],"properties":{"claim_id":{"type":"string"}}}`)

	bad := step("validate", "claimlinc")
	bad.InputSchema = schema
	bad.Input = map[string]any{"amount": 120}
	_, err := f.engine.Execute(context.Background(), domain.Workflow{Name: "schema", Steps: []domain.WorkflowStep{bad}})
	require.ErrorIs(t, err, domain.ErrInvalidWorkflow)
	assert.Contains(t, err.Error(), `step "validate"`)
	assert.Empty(t, f.exec.events())

	good := bad
	good.Input = map[string]any{"claim_id": "CLM-1"}
	run, err := f.engine.Execute(context.Background(), domain.Workflow{Name: "schema", Steps: []domain.WorkflowStep{good}})
	require.NoError(t, err)
	assert.Equal(t, domain.WorkflowCompleted, run.Status)
}

func TestSequentialRunsOneAtATimeInIDOrder(t *testing.T) {
	f := newFixture(t, Config{})
	for _, id := range []string{"a", "b", "c"} {
		f.exec.delay[id] = 5 * time.Millisecond
	}

	run, err := f.engine.Execute(context.Background(), domain.Workflow{
		Name:  "three",
		Mode:  domain.ModeSequential,
		Steps: []domain.WorkflowStep{step("c", "claimlinc"), step("a", "doctorlinc"), step("b", "policylinc")},
	})
	require.NoError(t, err)

	assert.Equal(t, domain.WorkflowCompleted, run.Status)
	assert.Equal(t, 3, run.StepsCompleted)
	assert.Equal(t, 3, run.StepsTotal)
	assert.Equal(t, []string{"a", "b", "c"}, run.Order)
	assert.Equal(t, []string{"start:a", "end:a", "start:b", "end:b", "start:c", "end:c"}, f.exec.events())
	assert.Equal(t, 1, f.exec.maxRunning)
	require.NotNil(t, run.StartedAt)
	require.NotNil(t, run.CompletedAt)
	assert.False(t, run.CompletedAt.Before(*run.StartedAt))

	f.store.mu.Lock()
	progress := slices.Clone(f.store.progress)
	f.store.mu.Unlock()
	assert.Equal(t, 0, progress[0])
	assert.Equal(t, 3, progress[len(progress)-1])
	assert.True(t, slices.IsSorted(progress), "steps_completed must never decrease: %v", progress)

	for _, id := range []string{"a", "b", "c"} {
		st := run.Steps[id]
		assert.Equal(t, domain.StepDone, st.Status)
		assert.JSONEq(t, `{"step":"`+id+`"}`, string(st.Result))
		assert.NotNil(t, st.StartedAt)
		assert.NotNil(t, st.CompletedAt)
	}
}

func TestSequentialContinuesPastFailure(t *testing.T) {
	f := newFixture(t, Config{})
	f.exec.fail["a"] = true

	run, err := f.engine.Execute(context.Background(), domain.Workflow{
		Name:  "partial",
		Steps: []domain.WorkflowStep{step("a", "claimlinc"), step("b", "claimlinc", "a"), step("c", "claimlinc")},
	})
	require.NoError(t, err)
	assert.Equal(t, domain.ModeSequential, run.Mode)
	assert.Equal(t, domain.WorkflowPartiallyFailed, run.Status)
	assert.Equal(t, domain.StepFailed, run.Steps["a"].Status)
	assert.Equal(t, domain.StepWaiting, run.Steps["b"].Status)
	assert.Equal(t, domain.StepDone, run.Steps["c"].Status)
	assert.Equal(t, []string{"start:a", "end:a", "start:c", "end:c"}, f.exec.events())
}

func TestMixedWaitsForAllDependencies(t *testing.T) {
	f := newFixture(t, Config{})
	f.exec.delay["a"] = 30 * time.Millisecond
	f.exec.delay["b"] = 10 * time.Millisecond

	run, err := f.engine.Execute(context.Background(), domain.Workflow{
		Name: "fan-in",
		Mode: domain.ModeMixed,
		Steps: []domain.WorkflowStep{
			step("c", "policylinc", "a", "b"),
			step("a", "claimlinc"),
			step("b", "doctorlinc"),
		},
	})
	require.NoError(t, err)
	assert.Equal(t, domain.WorkflowCompleted, run.Status)

	log := f.exec.events()
	startC := slices.Index(log, "start:c")
	require.GreaterOrEqual(t, startC, 0)
	assert.Greater(t, startC, slices.Index(log, "end:a"))
	assert.Greater(t, startC, slices.Index(log, "end:b"))
	assert.Equal(t, 2, f.exec.maxRunning, "a and b run concurrently")
}

func TestParallelHonorsStepCap(t *testing.T) {
	f := newFixture(t, Config{MaxParallelSteps: 2})
	for _, id := range []string{"a", "b", "c", "d"} {
		f.exec.delay[id] = 10 * time.Millisecond
	}

	run, err := f.engine.Execute(context.Background(), domain.Workflow{
		Name: "wide",
		Mode: domain.ModeParallel,
		Steps: []domain.WorkflowStep{
			step("a", "claimlinc"), step("b", "claimlinc"), step("c", "claimlinc"), step("d", "claimlinc"),
		},
	})
	require.NoError(t, err)
	assert.Equal(t, domain.WorkflowCompleted, run.Status)
	assert.Equal(t, 2, f.exec.maxRunning)
}

func TestFailedDependencyBlocksDependents(t *testing.T) {
	f := newFixture(t, Config{})
	f.exec.fail["a"] = true

	run, err := f.engine.Execute(context.Background(), domain.Workflow{
		Name: "blocked",
		Mode: domain.ModeMixed,
		Steps: []domain.WorkflowStep{
			step("a", "claimlinc"),
			step("b", "doctorlinc"),
			step("c", "policylinc", "a"),
			step("d", "policylinc", "c"),
		},
	})
	require.NoError(t, err)

	assert.Equal(t, domain.WorkflowPartiallyFailed, run.Status)
	assert.Equal(t, 1, run.StepsCompleted)
	assert.Equal(t, domain.StepFailed, run.Steps["a"].Status)
	assert.Equal(t, domain.CodeExecutionFailed, run.Steps["a"].ErrorCode)
	assert.JSONEq(t, `{"reason":"rejected"}`, string(run.Steps["a"].Result))
	assert.Equal(t, domain.StepDone, run.Steps["b"].Status)
	assert.Equal(t, domain.StepWaiting, run.Steps["c"].Status)
	assert.Equal(t, domain.StepWaiting, run.Steps["d"].Status)
	assert.False(t, f.exec.started("c"))
	assert.Contains(t, run.Error, "1 step(s) failed, 2 blocked")
	assert.Equal(t, uint64(1), f.bus.Counts()[domain.EventWorkflowFailed])
}

func TestAllStepsFailedIsFailed(t *testing.T) {
	f := newFixture(t, Config{})
	f.exec.errs["a"] = domain.NewDomainError("http", domain.ErrTransportFailure, "connection refused")

	run, err := f.engine.Execute(context.Background(), domain.Workflow{
		Name:  "down",
		Steps: []domain.WorkflowStep{step("a", "claimlinc"), step("b", "claimlinc", "a")},
	})
	require.NoError(t, err)
	assert.Equal(t, domain.WorkflowFailed, run.Status)
	assert.False(t, run.Cancelled)
	assert.Equal(t, domain.CodeTransportFailure, run.Steps["a"].ErrorCode)

	agent, err := f.reg.Get(context.Background(), "claimlinc")
	require.NoError(t, err)
	assert.Equal(t, 1, agent.FailureCount)
	assert.Equal(t, domain.AgentOnline, agent.Status, "a failed call never changes status")
}

func TestStepTimeoutFailsStep(t *testing.T) {
	f := newFixture(t, Config{DefaultStepTimeout: 30 * time.Millisecond})
	f.exec.delay["slow"] = time.Second

	run, err := f.engine.Execute(context.Background(), domain.Workflow{
		Name: "slow",
		Mode: domain.ModeMixed,
		Steps: []domain.WorkflowStep{
			step("slow", "claimlinc"),
			step("after", "claimlinc", "slow"),
			step("quick", "doctorlinc"),
		},
	})
	require.NoError(t, err)

	assert.Equal(t, domain.WorkflowPartiallyFailed, run.Status)
	assert.Equal(t, domain.StepFailed, run.Steps["slow"].Status)
	assert.Equal(t, domain.CodeWorkflowTimeout, run.Steps["slow"].ErrorCode)
	assert.Contains(t, run.Steps["slow"].Error, "timed out")
	assert.Equal(t, domain.StepWaiting, run.Steps["after"].Status)
	assert.Equal(t, domain.StepDone, run.Steps["quick"].Status)
}

func TestCancelStopsPromotion(t *testing.T) {
	f := newFixture(t, Config{})
	gate := make(chan struct{})
	f.exec.gate["a"] = gate

	started, err := f.engine.Start(context.Background(), domain.Workflow{
		Name:  "cancel-me",
		Mode:  domain.ModeMixed,
		Steps: []domain.WorkflowStep{step("a", "claimlinc"), step("b", "claimlinc", "a")},
	})
	require.NoError(t, err)
	require.NotEmpty(t, started.ID)
	require.Eventually(t, func() bool { return f.exec.started("a") }, 2*time.Second, time.Millisecond)

	snap, err := f.engine.Cancel(context.Background(), started.ID)
	require.NoError(t, err)
	assert.True(t, snap.Cancelled)
	assert.Equal(t, domain.WorkflowRunning, snap.Status)
	close(gate)

	run := f.waitTerminal(t, started.ID)
	assert.Equal(t, domain.WorkflowFailed, run.Status)
	assert.True(t, run.Cancelled)
	assert.Equal(t, domain.StepDone, run.Steps["a"].Status, "in-flight step finishes")
	assert.Equal(t, domain.StepWaiting, run.Steps["b"].Status)
	assert.Equal(t, 1, run.StepsCompleted)
	assert.False(t, f.exec.started("b"))
	assert.Contains(t, f.audit.types(), domain.AuditWorkflowCancel)

	_, err = f.engine.Cancel(context.Background(), started.ID)
	require.ErrorIs(t, err, domain.ErrInvalidInput)
}

func TestCancelUnknownWorkflow(t *testing.T) {
	f := newFixture(t, Config{})
	_, err := f.engine.Cancel(context.Background(), "nope")
	require.ErrorIs(t, err, domain.ErrNotFound)
	assert.Equal(t, domain.CodeWorkflowNotFound, domain.ErrorCodeOf(err))
}

func TestDisabledEngine(t *testing.T) {
	reg := registry.New(nil, nil, nil, testLogger())
	e := NewEngine(reg, newStepExecutor(), NewMemoryStore(0), Config{Enabled: false}, nil, nil, testLogger())

	_, err := e.Execute(context.Background(), domain.Workflow{Name: "x"})
	require.ErrorIs(t, err, domain.ErrServiceUnavailable)
	assert.Equal(t, domain.CodeWorkflowDisabled, domain.ErrorCodeOf(err))
	assert.Equal(t, "Workflow orchestration is disabled", domain.DetailOf(err))
}

func TestMaxRunningLimit(t *testing.T) {
	f := newFixture(t, Config{MaxRunning: 1})
	gate := make(chan struct{})
	f.exec.gate["a"] = gate

	firstDone := make(chan error, 1)
	go func() {
		_, err := f.engine.Execute(context.Background(), domain.Workflow{Name: "one", Steps: []domain.WorkflowStep{step("a", "claimlinc")}})
		firstDone <- err
	}()
	require.Eventually(t, func() bool { return f.engine.Running() == 1 }, 2*time.Second, time.Millisecond)

	_, err := f.engine.Start(context.Background(), domain.Workflow{Name: "two", Steps: []domain.WorkflowStep{step("z", "claimlinc")}})
	require.ErrorIs(t, err, domain.ErrLimitReached)
	assert.Equal(t, domain.CodeWorkflowMaxRunning, domain.ErrorCodeOf(err))
	assert.Equal(t, 1, f.engine.Running())

	close(gate)
	require.NoError(t, <-firstDone)

	// The slot is free as soon as Execute returns.
	assert.Equal(t, 0, f.engine.Running())
	_, err = f.engine.Execute(context.Background(), domain.Workflow{Name: "two", Steps: []domain.WorkflowStep{step("z", "claimlinc")}})
	require.NoError(t, err)
}

func TestMaxRunningBackToBack(t *testing.T) {
	f := newFixture(t, Config{MaxRunning: 1})

	for i := range 50 {
		run, err := f.engine.Execute(context.Background(), domain.Workflow{
			Name:  fmt.Sprintf("claim-%d", i),
			Steps: []domain.WorkflowStep{step("a", "claimlinc")},
		})
		require.NoError(t, err, "run %d", i)
		require.True(t, run.Status.Terminal())
	}
	assert.Equal(t, 0, f.engine.Running())
}

func TestStepRequestCarriesContext(t *testing.T) {
	f := newFixture(t, Config{})

	run, err := f.engine.Execute(context.Background(), domain.Workflow{
		Name:    "ctx",
		Context: map[string]any{"patient_id": "P-7"},
		Steps: []domain.WorkflowStep{{
			ID: "validate", AgentID: "claimlinc", Action: "validate_claim",
			Input: map[string]any{"claim_id": "CLM-1"},
		}},
	})
	require.NoError(t, err)

	require.Len(t, f.exec.reqs, 1)
	req := f.exec.reqs[0]
	assert.Equal(t, "validate_claim", req.Type)
	assert.JSONEq(t, `{
		"workflow_id": "`+run.ID+`",
		"step_id": "validate",
		"input_data": {"claim_id": "CLM-1"},
		"context": {"patient_id": "P-7"}
	}`, string(req.Payload))
}

func TestEventsAndAudit(t *testing.T) {
	f := newFixture(t, Config{})
	f.exec.fail["b"] = true

	_, err := f.engine.Execute(context.Background(), domain.Workflow{
		Name:  "observed",
		Mode:  domain.ModeParallel,
		Steps: []domain.WorkflowStep{step("a", "claimlinc"), step("b", "doctorlinc")},
	})
	require.NoError(t, err)

	counts := f.bus.Counts()
	assert.Equal(t, uint64(1), counts[domain.EventWorkflowStarted])
	assert.Equal(t, uint64(2), counts[domain.EventStepStarted])
	assert.Equal(t, uint64(1), counts[domain.EventStepCompleted])
	assert.Equal(t, uint64(1), counts[domain.EventStepFailed])
	assert.Equal(t, uint64(1), counts[domain.EventWorkflowFailed])
	assert.Equal(t, []domain.AuditEventType{domain.AuditWorkflowStart, domain.AuditWorkflowEnd}, f.audit.types())
}

func TestGetAndList(t *testing.T) {
	f := newFixture(t, Config{})

	first, err := f.engine.Execute(context.Background(), domain.Workflow{Name: "first", Steps: []domain.WorkflowStep{step("a", "claimlinc")}})
	require.NoError(t, err)
	second, err := f.engine.Execute(context.Background(), domain.Workflow{Name: "second", Steps: []domain.WorkflowStep{step("a", "claimlinc")}})
	require.NoError(t, err)
	require.NotEqual(t, first.ID, second.ID)

	got, err := f.engine.Get(context.Background(), first.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.WorkflowCompleted, got.Status)
	assert.Equal(t, "first", got.Name)

	runs, err := f.engine.List(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, runs, 2)

	_, err = f.engine.Get(context.Background(), "missing")
	require.ErrorIs(t, err, domain.ErrNotFound)
	assert.Equal(t, "Workflow missing not found", domain.DetailOf(err))
}

func TestExecuteReturnsSnapshotWhenCallerGivesUp(t *testing.T) {
	f := newFixture(t, Config{})
	gate := make(chan struct{})
	f.exec.gate["a"] = gate

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	run, err := f.engine.Execute(ctx, domain.Workflow{Name: "long", Steps: []domain.WorkflowStep{step("a", "claimlinc")}})
	require.NoError(t, err)
	assert.False(t, run.Status.Terminal())

	close(gate)
	final := f.waitTerminal(t, run.ID)
	assert.Equal(t, domain.WorkflowCompleted, final.Status, "run outlives the caller's context")
}
