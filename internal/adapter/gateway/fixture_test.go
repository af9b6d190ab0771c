package gateway

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"masterlinc/internal/domain"
	"masterlinc/internal/usecase/delegation"
	"masterlinc/internal/usecase/eventbus"
	"masterlinc/internal/usecase/messaging"
	"masterlinc/internal/usecase/registry"
	"masterlinc/internal/usecase/workflow"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeExecutor completes every call unless the target agent is listed in down.
type fakeExecutor struct {
	mu    sync.Mutex
	calls []string
	down  map[string]bool
}

func (f *fakeExecutor) Execute(_ context.Context, a domain.Agent, req domain.ExecuteRequest, _ domain.CallOptions) (*domain.ExecuteResult, error) {
	f.mu.Lock()
	f.calls = append(f.calls, a.ID+":"+req.Type)
	down := f.down[a.ID]
	f.mu.Unlock()
	if down {
		return nil, domain.NewDomainError("fakeExecutor", domain.ErrTransportFailure, "connection refused")
	}
	return &domain.ExecuteResult{Status: domain.ExecCompleted, Result: json.RawMessage(`{"ok":true}`)}, nil
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

func (r *recordingAudit) ofType(t domain.AuditEventType) []domain.AuditEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.AuditEvent
	for _, e := range r.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

type fakePinger struct{ err error }

func (p fakePinger) Ping(context.Context) error { return p.err }

type fakeBreakers map[string]string

func (b fakeBreakers) BreakerStates() map[string]string { return b }

type fixture struct {
	deps  HandlerDeps
	exec  *fakeExecutor
	audit *recordingAudit
	bus   *eventbus.Bus
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger := testLogger()
	bus := eventbus.New(logger)
	t.Cleanup(bus.Close)

	audit := &recordingAudit{}
	exec := &fakeExecutor{down: map[string]bool{}}

	reg := registry.New(nil, bus, audit, logger)
	for _, a := range []domain.Agent{
		{ID: "masterlinc", Name: "MasterLinc", Endpoint: "http://localhost:8000",
			Capabilities: []domain.Capability{domain.CapOrchestration, domain.CapRouting}, Priority: 0},
		{ID: "claimlinc", Name: "ClaimLinc", NameAR: "كليم لينك", Endpoint: "http://localhost:8001",
			Capabilities: []domain.Capability{domain.CapValidation, domain.CapAnalysis}, Priority: 1},
	} {
		_, err := reg.Register(context.Background(), a)
		require.NoError(t, err)
	}

	engine := workflow.NewEngine(reg, exec, workflow.NewMemoryStore(100),
		workflow.Config{Enabled: true, MaxRunning: 10, MaxParallelSteps: 4}, bus, audit, logger)
	t.Cleanup(func() { engine.Shutdown(context.Background()) })

	return &fixture{
		deps: HandlerDeps{
			Registry:    reg,
			Delegation:  delegation.New(reg, delegation.NewMemoryStore(100), exec, delegation.Config{}, bus, audit, logger),
			Workflow:    engine,
			Messaging:   messaging.New(reg, exec, messaging.Config{MaxInFlight: 4}, bus, audit, logger),
			Bus:         bus,
			AuditLogger: audit,
			Logger:      logger,
			Version:     "test",
		},
		exec:  exec,
		audit: audit,
		bus:   bus,
	}
}

func callHandler(t *testing.T, h RPCHandler, payload string) (json.RawMessage, error) {
	t.Helper()
	return h(context.Background(), &ClientInfo{Name: "tester", Roles: []string{"admin"}}, json.RawMessage(payload))
}

const claimWorkflow = `{
	"workflow_name": "claim-check",
	"execution_mode": "sequential",
	"steps": [
		{"step_id": "validate", "agent_id": "claimlinc", "action": "validate_claim"},
		{"step_id": "analyze", "agent_id": "claimlinc", "action": "analyze_claim", "depends_on": ["validate"]}
	]
}`
