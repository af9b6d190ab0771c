package delegation

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"masterlinc/internal/domain"
	"masterlinc/internal/usecase/registry"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeExecutor struct {
	mu     sync.Mutex
	calls  []string
	reqs   []domain.ExecuteRequest
	result *domain.ExecuteResult
	err    error
	delay  time.Duration
}

func (f *fakeExecutor) Execute(ctx context.Context, a domain.Agent, req domain.ExecuteRequest, _ domain.CallOptions) (*domain.ExecuteResult, error) {
	f.mu.Lock()
	f.calls = append(f.calls, a.ID)
	f.reqs = append(f.reqs, req)
	f.mu.Unlock()
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return nil, domain.NewDomainError("fake", domain.ErrTimeout, a.ID)
		}
	}
	if f.err != nil {
		return nil, f.err
	}
	if f.result != nil {
		return f.result, nil
	}
	return &domain.ExecuteResult{Status: domain.ExecCompleted, Result: json.RawMessage(`{"ok":true}`)}, nil
}

type countingStore struct {
	*MemoryStore
	saves atomic.Int32
}

func (c *countingStore) SaveTask(ctx context.Context, rec domain.TaskRecord) error {
	c.saves.Add(1)
	return c.MemoryStore.SaveTask(ctx, rec)
}

type fixture struct {
	reg   *registry.Registry
	store *countingStore
	exec  *fakeExecutor
	svc   *Service
}

func newFixture(t *testing.T, policy Policy, agents ...domain.Agent) *fixture {
	t.Helper()
	reg := registry.New(nil, nil, nil, testLogger())
	for _, a := range agents {
		_, err := reg.Register(context.Background(), a)
		require.NoError(t, err)
	}
	store := &countingStore{MemoryStore: NewMemoryStore(0)}
	exec := &fakeExecutor{}
	svc := New(reg, store, exec, Config{Policy: policy}, nil, nil, testLogger())
	return &fixture{reg: reg, store: store, exec: exec, svc: svc}
}

func agent(id string, priority int, status domain.AgentStatus, caps ...domain.Capability) domain.Agent {
	if len(caps) == 0 {
		caps = []domain.Capability{domain.CapRouting}
	}
	return domain.Agent{
		ID: id, Name: id, NameAR: id + "-ar",
		Endpoint: "http://" + id, Capabilities: caps, Status: status, Priority: priority,
	}
}

func TestDelegatePreferredOnline(t *testing.T) {
	f := newFixture(t, PolicyUnfiltered,
		agent("masterlinc", 0, domain.AgentOnline),
		agent("claimlinc", 1, domain.AgentOnline),
	)
	resp, err := f.svc.Delegate(context.Background(), domain.DelegationTask{
		Description:    "validate claim",
		PreferredAgent: "claimlinc",
	})
	require.NoError(t, err)
	assert.Equal(t, "claimlinc", resp.AssignedAgent)
	assert.Equal(t, domain.TaskDelegated, resp.Status)
	assert.Equal(t, "Task delegated to claimlinc", resp.Message)
	assert.Equal(t, "تم تفويض المهمة إلى claimlinc-ar", resp.MessageAR)
	assert.NotEmpty(t, resp.TaskID)
	require.NotNil(t, resp.EstimatedCompletion)

	rec, err := f.svc.Get(context.Background(), resp.TaskID)
	require.NoError(t, err)
	assert.Equal(t, domain.DefaultTaskPriority, rec.Task.Priority)
	assert.Equal(t, 300, rec.Task.TimeoutSeconds)
	assert.Empty(t, f.exec.calls, "delegate must not invoke the agent")
}

func TestDelegatePreferredOfflineFallsBack(t *testing.T) {
	f := newFixture(t, PolicyUnfiltered,
		agent("a", 3, domain.AgentOnline),
		agent("b", 2, domain.AgentOnline),
		agent("pref", 0, domain.AgentOffline),
	)
	resp, err := f.svc.Delegate(context.Background(), domain.DelegationTask{Description: "x", PreferredAgent: "pref"})
	require.NoError(t, err)
	assert.Equal(t, "b", resp.AssignedAgent)

	resp, err = f.svc.Delegate(context.Background(), domain.DelegationTask{Description: "x", PreferredAgent: "ghost"})
	require.NoError(t, err)
	assert.Equal(t, "b", resp.AssignedAgent)
}

func TestDelegateTieBreaksOnID(t *testing.T) {
	f := newFixture(t, PolicyUnfiltered,
		agent("zeta", 1, domain.AgentOnline),
		agent("alpha", 1, domain.AgentOnline),
	)
	resp, err := f.svc.Delegate(context.Background(), domain.DelegationTask{Description: "x"})
	require.NoError(t, err)
	assert.Equal(t, "alpha", resp.AssignedAgent)
}

func TestDelegateNoAgents(t *testing.T) {
	f := newFixture(t, PolicyUnfiltered,
		agent("a", 1, domain.AgentOffline),
		agent("b", 1, domain.AgentDegraded),
	)
	_, err := f.svc.Delegate(context.Background(), domain.DelegationTask{Description: "x", PreferredAgent: "a"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrServiceUnavailable))
	assert.Equal(t, domain.CodeNoAgentsAvailable, domain.ErrorCodeOf(err))
	assert.Contains(t, err.Error(), "No agents available")
	assert.Zero(t, f.store.saves.Load(), "no task record on failure")
}

func TestDelegateValidation(t *testing.T) {
	f := newFixture(t, PolicyUnfiltered, agent("a", 1, domain.AgentOnline))
	for _, task := range []domain.DelegationTask{
		{Description: "  "},
		{Description: "x", Priority: 11},
		{Description: "x", Priority: -1},
		{Description: "x", TimeoutSeconds: -5},
		{Description: "x", RequiredCapability: "nonsense"},
	} {
		_, err := f.svc.Delegate(context.Background(), task)
		assert.True(t, errors.Is(err, domain.ErrInvalidInput), "task %+v", task)
	}
	assert.Zero(t, f.store.saves.Load())
}

func TestCapabilityPolicy(t *testing.T) {
	agents := []domain.Agent{
		agent("router", 0, domain.AgentOnline, domain.CapRouting),
		agent("validator-b", 2, domain.AgentOnline, domain.CapValidation),
		agent("validator-a", 2, domain.AgentOnline, domain.CapValidation),
	}

	t.Run("unfiltered ignores capability", func(t *testing.T) {
		f := newFixture(t, PolicyUnfiltered, agents...)
		resp, err := f.svc.Delegate(context.Background(), domain.DelegationTask{
			Description: "x", RequiredCapability: domain.CapValidation,
		})
		require.NoError(t, err)
		assert.Equal(t, "router", resp.AssignedAgent)
	})

	t.Run("capability filters", func(t *testing.T) {
		f := newFixture(t, PolicyCapability, agents...)
		resp, err := f.svc.Delegate(context.Background(), domain.DelegationTask{
			Description: "x", RequiredCapability: domain.CapValidation, PreferredAgent: "router",
		})
		require.NoError(t, err)
		assert.Equal(t, "validator-a", resp.AssignedAgent)
	})

	t.Run("capability with no match", func(t *testing.T) {
		f := newFixture(t, PolicyCapability, agents...)
		_, err := f.svc.Delegate(context.Background(), domain.DelegationTask{
			Description: "x", RequiredCapability: domain.CapPolicy,
		})
		assert.True(t, errors.Is(err, domain.ErrServiceUnavailable))
	})
}

func TestDispatchCompleted(t *testing.T) {
	f := newFixture(t, PolicyUnfiltered, agent("a", 1, domain.AgentOnline))
	resp, err := f.svc.Delegate(context.Background(), domain.DelegationTask{
		Description: "check", Context: map[string]any{"claim": "C-9"},
	})
	require.NoError(t, err)

	rec, err := f.svc.Dispatch(context.Background(), resp.TaskID)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskCompleted, rec.Status)
	require.NotNil(t, rec.Result)
	assert.JSONEq(t, `{"ok":true}`, string(rec.Result.Result))
	assert.Equal(t, []string{"a"}, f.exec.calls)
	assert.Equal(t, string(domain.KindDelegation), f.exec.reqs[0].Type)

	var payload map[string]any
	require.NoError(t, json.Unmarshal(f.exec.reqs[0].Payload, &payload))
	assert.Equal(t, resp.TaskID, payload["task_id"])

	// A task runs once.
	_, err = f.svc.Dispatch(context.Background(), resp.TaskID)
	assert.True(t, errors.Is(err, domain.ErrInvalidInput))
	assert.Len(t, f.exec.calls, 1)
}

func TestDispatchTransportFailure(t *testing.T) {
	f := newFixture(t, PolicyUnfiltered, agent("a", 1, domain.AgentOnline))
	f.exec.err = domain.NewDomainError("client", domain.ErrTransportFailure, "connection refused")

	resp, err := f.svc.Delegate(context.Background(), domain.DelegationTask{Description: "x"})
	require.NoError(t, err)

	rec, err := f.svc.Dispatch(context.Background(), resp.TaskID)
	require.Error(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, domain.TaskFailed, rec.Status)
	assert.Equal(t, domain.CodeTransportFailure, rec.ErrorCode)

	a, _ := f.reg.Get(context.Background(), "a")
	assert.Equal(t, domain.AgentOnline, a.Status, "a failed call never changes status")
	assert.Equal(t, 1, a.FailureCount)
}

func TestDispatchAgentReportedFailure(t *testing.T) {
	f := newFixture(t, PolicyUnfiltered, agent("a", 1, domain.AgentOnline))
	f.exec.result = &domain.ExecuteResult{Status: domain.ExecFailed}

	resp, err := f.svc.Delegate(context.Background(), domain.DelegationTask{Description: "x"})
	require.NoError(t, err)

	rec, err := f.svc.Dispatch(context.Background(), resp.TaskID)
	assert.True(t, errors.Is(err, domain.ErrExecutionFailed))
	assert.Equal(t, domain.TaskRejected, rec.Status)
}

func TestDispatchTimeout(t *testing.T) {
	f := newFixture(t, PolicyUnfiltered, agent("a", 1, domain.AgentOnline))
	f.exec.delay = 5 * time.Second

	resp, err := f.svc.Delegate(context.Background(), domain.DelegationTask{Description: "x", TimeoutSeconds: 1})
	require.NoError(t, err)

	start := time.Now()
	rec, err := f.svc.Dispatch(context.Background(), resp.TaskID)
	assert.Less(t, time.Since(start), 3*time.Second)
	assert.True(t, errors.Is(err, domain.ErrTimeout))
	assert.Equal(t, domain.TaskFailed, rec.Status)
	assert.Equal(t, domain.CodeTimeout, rec.ErrorCode)
}

func TestDispatchUnknownTask(t *testing.T) {
	f := newFixture(t, PolicyUnfiltered, agent("a", 1, domain.AgentOnline))
	_, err := f.svc.Dispatch(context.Background(), "nope")
	assert.True(t, errors.Is(err, domain.ErrNotFound))
	assert.Equal(t, domain.CodeTaskNotFound, domain.ErrorCodeOf(err))
}

func TestConcurrentDelegationsGetDistinctIDs(t *testing.T) {
	f := newFixture(t, PolicyUnfiltered, agent("a", 1, domain.AgentOnline))
	fixed := time.Now()
	f.svc.now = func() time.Time { return fixed }

	var mu sync.Mutex
	ids := make(map[string]bool)
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			resp, err := f.svc.Delegate(context.Background(), domain.DelegationTask{Description: "x"})
			if !assert.NoError(t, err) {
				return
			}
			mu.Lock()
			ids[resp.TaskID] = true
			mu.Unlock()
		}()
	}
	wg.Wait()
	assert.Len(t, ids, 50)
}

func TestMemoryStoreEvictsFinishedFirst(t *testing.T) {
	s := NewMemoryStore(2)
	ctx := context.Background()
	base := time.Now()
	require.NoError(t, s.SaveTask(ctx, domain.TaskRecord{ID: "old-done", Status: domain.TaskCompleted, CreatedAt: base}))
	require.NoError(t, s.SaveTask(ctx, domain.TaskRecord{ID: "pending", Status: domain.TaskDelegated, CreatedAt: base.Add(time.Second)}))
	require.NoError(t, s.SaveTask(ctx, domain.TaskRecord{ID: "new", Status: domain.TaskDelegated, CreatedAt: base.Add(2 * time.Second)}))

	_, err := s.GetTask(ctx, "old-done")
	assert.True(t, errors.Is(err, domain.ErrNotFound))
	_, err = s.GetTask(ctx, "pending")
	assert.NoError(t, err)
}
