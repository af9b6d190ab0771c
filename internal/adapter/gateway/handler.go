package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"masterlinc/internal/domain"
	"masterlinc/internal/usecase/delegation"
	"masterlinc/internal/usecase/messaging"
	"masterlinc/internal/usecase/registry"
	"masterlinc/internal/usecase/workflow"
)

// BreakerReporter exposes per-agent circuit breaker states for /metrics.
type BreakerReporter interface {
	BreakerStates() map[string]string
}

// Pinger reports whether a backing store is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// HandlerDeps holds dependencies needed by RPC and REST handlers.
type HandlerDeps struct {
	Registry    *registry.Registry
	Delegation  *delegation.Service
	Workflow    *workflow.Engine
	Messaging   *messaging.Router
	Bus         domain.EventBus
	Breakers    BreakerReporter    // can be nil
	Database    Pinger             // can be nil (memory stores)
	AuditLogger domain.AuditLogger // can be nil
	Logger      *slog.Logger
	Version     string
	// Enforce turns on role checks. Off when the gateway runs without auth.
	Enforce bool
}

// requirePerm wraps an RPCHandler with RBAC enforcement.
// Tokens without roles are treated as admin for backward compatibility.
func requirePerm(deps HandlerDeps, perm domain.Permission, handler RPCHandler) RPCHandler {
	return func(ctx context.Context, client *ClientInfo, payload json.RawMessage) (json.RawMessage, error) {
		if err := authorize(ctx, deps, client, perm, "rpc_call"); err != nil {
			return nil, err
		}
		return handler(ctx, client, payload)
	}
}

func authorize(ctx context.Context, deps HandlerDeps, client *ClientInfo, perm domain.Permission, action string) error {
	if !deps.Enforce {
		return nil
	}
	roles := domain.StringsToAuthRoles(client.Roles)
	if len(roles) == 0 {
		roles = []domain.AuthRole{domain.AuthRoleAdmin}
	}
	err := domain.Authorize(roles, perm)
	if err == nil {
		return nil
	}
	if deps.AuditLogger != nil {
		_ = deps.AuditLogger.Log(ctx, domain.AuditEvent{
			Timestamp: time.Now(),
			Type:      domain.AuditAccessDenied,
			Actor:     client.Name,
			Resource:  string(perm),
			Action:    action,
			Outcome:   "denied",
			Detail: map[string]string{
				"roles":      fmt.Sprintf("%v", client.Roles),
				"permission": string(perm),
			},
		})
	}
	return domain.NewDomainError("Gateway.authorize", err, fmt.Sprintf("permission denied: %s", perm))
}

// RegisterDefaultHandlers registers all built-in RPC handlers on the server.
func RegisterDefaultHandlers(s *Server, deps HandlerDeps) {
	rpc := func(method string, perm domain.Permission, h RPCHandler) {
		s.RegisterHandler(method, requirePerm(deps, perm, h))
	}

	rpc("agent.list", domain.PermAgentRead, agentListHandler(deps))
	rpc("agent.get", domain.PermAgentRead, agentGetHandler(deps))
	rpc("agent.eligible", domain.PermAgentRead, agentEligibleHandler(deps))
	rpc("agent.register", domain.PermAgentManage, agentRegisterHandler(deps))
	rpc("agent.deregister", domain.PermAgentManage, agentDeregisterHandler(deps))
	rpc("agent.heartbeat", domain.PermAgentHeartbeat, agentHeartbeatHandler(deps))

	rpc("task.delegate", domain.PermTaskDelegate, taskDelegateHandler(deps))
	rpc("task.dispatch", domain.PermTaskDelegate, taskDispatchHandler(deps))
	rpc("task.get", domain.PermTaskRead, taskGetHandler(deps))

	rpc("workflow.execute", domain.PermWorkflowRun, workflowExecuteHandler(deps))
	rpc("workflow.start", domain.PermWorkflowRun, workflowStartHandler(deps))
	rpc("workflow.run", domain.PermWorkflowRun, workflowRunHandler(deps))
	rpc("workflow.cancel", domain.PermWorkflowRun, workflowCancelHandler(deps))
	rpc("workflow.get", domain.PermWorkflowRead, workflowGetHandler(deps))
	rpc("workflow.list", domain.PermWorkflowRead, workflowListHandler(deps))
	rpc("workflow.definitions", domain.PermWorkflowRead, workflowDefinitionsHandler(deps))

	rpc("message.route", domain.PermMessageRoute, messageRouteHandler(deps))
}

// decode unmarshals payload into v. An empty payload leaves v zero.
func decode(payload json.RawMessage, v any) error {
	if len(payload) == 0 {
		return nil
	}
	if err := json.Unmarshal(payload, v); err != nil {
		return domain.NewDomainError("Gateway.decode", domain.ErrRPCInvalidPayload, "Invalid request: "+err.Error())
	}
	return nil
}

// withPartial returns v alongside err. Failed dispatches and deliveries
// still carry a record the caller needs (task status, message id).
func withPartial[T any](v *T, err error) (json.RawMessage, error) {
	if v == nil {
		return nil, err
	}
	data, mErr := json.Marshal(v)
	if mErr != nil {
		return nil, mErr
	}
	return data, err
}

func missing(field string) error {
	return domain.NewDomainError("Gateway.decode", domain.ErrRPCInvalidPayload, "Invalid request: "+field+" is required")
}

// --- agents ---

type agentListRequest struct {
	Status     domain.AgentStatus `json:"status,omitempty"`
	Capability domain.Capability  `json:"capability,omitempty"`
}

func agentListHandler(deps HandlerDeps) RPCHandler {
	return func(ctx context.Context, _ *ClientInfo, payload json.RawMessage) (json.RawMessage, error) {
		var req agentListRequest
		if err := decode(payload, &req); err != nil {
			return nil, err
		}
		return json.Marshal(listAgents(ctx, deps, req))
	}
}

func listAgents(ctx context.Context, deps HandlerDeps, req agentListRequest) []domain.Agent {
	agents := deps.Registry.List(ctx)
	out := agents[:0]
	for _, a := range agents {
		if req.Status != "" && a.Status != req.Status {
			continue
		}
		if req.Capability != "" && !a.HasCapability(req.Capability) {
			continue
		}
		out = append(out, a)
	}
	return out
}

type agentIDRequest struct {
	AgentID string `json:"agent_id"`
}

func agentGetHandler(deps HandlerDeps) RPCHandler {
	return func(ctx context.Context, _ *ClientInfo, payload json.RawMessage) (json.RawMessage, error) {
		var req agentIDRequest
		if err := decode(payload, &req); err != nil {
			return nil, err
		}
		if req.AgentID == "" {
			return nil, missing("agent_id")
		}
		a, err := deps.Registry.Get(ctx, req.AgentID)
		if err != nil {
			return nil, err
		}
		return json.Marshal(a)
	}
}

type agentEligibleRequest struct {
	Capability domain.Capability `json:"capability"`
}

func agentEligibleHandler(deps HandlerDeps) RPCHandler {
	return func(ctx context.Context, _ *ClientInfo, payload json.RawMessage) (json.RawMessage, error) {
		var req agentEligibleRequest
		if err := decode(payload, &req); err != nil {
			return nil, err
		}
		return json.Marshal(deps.Registry.Eligible(ctx, req.Capability))
	}
}

func agentRegisterHandler(deps HandlerDeps) RPCHandler {
	return func(ctx context.Context, _ *ClientInfo, payload json.RawMessage) (json.RawMessage, error) {
		var a domain.Agent
		if err := decode(payload, &a); err != nil {
			return nil, err
		}
		registered, err := deps.Registry.Register(ctx, a)
		if err != nil {
			return nil, err
		}
		return json.Marshal(registered)
	}
}

func agentDeregisterHandler(deps HandlerDeps) RPCHandler {
	return func(ctx context.Context, _ *ClientInfo, payload json.RawMessage) (json.RawMessage, error) {
		var req agentIDRequest
		if err := decode(payload, &req); err != nil {
			return nil, err
		}
		if req.AgentID == "" {
			return nil, missing("agent_id")
		}
		if err := deps.Registry.Deregister(ctx, req.AgentID); err != nil {
			return nil, err
		}
		return json.Marshal(map[string]any{"ok": true, "agent_id": req.AgentID})
	}
}

type agentHeartbeatRequest struct {
	AgentID string             `json:"agent_id"`
	Status  domain.AgentStatus `json:"status,omitempty"`
}

func agentHeartbeatHandler(deps HandlerDeps) RPCHandler {
	return func(ctx context.Context, _ *ClientInfo, payload json.RawMessage) (json.RawMessage, error) {
		var req agentHeartbeatRequest
		if err := decode(payload, &req); err != nil {
			return nil, err
		}
		if req.AgentID == "" {
			return nil, missing("agent_id")
		}
		a, err := deps.Registry.Heartbeat(ctx, req.AgentID, req.Status)
		if err != nil {
			return nil, err
		}
		return json.Marshal(a)
	}
}

// --- tasks ---

func taskDelegateHandler(deps HandlerDeps) RPCHandler {
	return func(ctx context.Context, _ *ClientInfo, payload json.RawMessage) (json.RawMessage, error) {
		var task domain.DelegationTask
		if err := decode(payload, &task); err != nil {
			return nil, err
		}
		resp, err := deps.Delegation.Delegate(ctx, task)
		if err != nil {
			return nil, err
		}
		return json.Marshal(resp)
	}
}

type taskIDRequest struct {
	TaskID string `json:"task_id"`
}

func taskDispatchHandler(deps HandlerDeps) RPCHandler {
	return func(ctx context.Context, _ *ClientInfo, payload json.RawMessage) (json.RawMessage, error) {
		var req taskIDRequest
		if err := decode(payload, &req); err != nil {
			return nil, err
		}
		if req.TaskID == "" {
			return nil, missing("task_id")
		}
		rec, err := deps.Delegation.Dispatch(ctx, req.TaskID)
		return withPartial(rec, err)
	}
}

func taskGetHandler(deps HandlerDeps) RPCHandler {
	return func(ctx context.Context, _ *ClientInfo, payload json.RawMessage) (json.RawMessage, error) {
		var req taskIDRequest
		if err := decode(payload, &req); err != nil {
			return nil, err
		}
		if req.TaskID == "" {
			return nil, missing("task_id")
		}
		rec, err := deps.Delegation.Get(ctx, req.TaskID)
		if err != nil {
			return nil, err
		}
		return json.Marshal(rec)
	}
}

// --- workflows ---

func workflowExecuteHandler(deps HandlerDeps) RPCHandler {
	return func(ctx context.Context, _ *ClientInfo, payload json.RawMessage) (json.RawMessage, error) {
		var wf domain.Workflow
		if err := decode(payload, &wf); err != nil {
			return nil, err
		}
		run, err := deps.Workflow.Execute(ctx, wf)
		if err != nil {
			return nil, err
		}
		return json.Marshal(run)
	}
}

func workflowStartHandler(deps HandlerDeps) RPCHandler {
	return func(ctx context.Context, _ *ClientInfo, payload json.RawMessage) (json.RawMessage, error) {
		var wf domain.Workflow
		if err := decode(payload, &wf); err != nil {
			return nil, err
		}
		run, err := deps.Workflow.Start(ctx, wf)
		if err != nil {
			return nil, err
		}
		return json.Marshal(run)
	}
}

type workflowRunRequest struct {
	Name    string         `json:"name"`
	Context map[string]any `json:"context,omitempty"`
	Async   bool           `json:"async,omitempty"`
}

func workflowRunHandler(deps HandlerDeps) RPCHandler {
	return func(ctx context.Context, _ *ClientInfo, payload json.RawMessage) (json.RawMessage, error) {
		var req workflowRunRequest
		if err := decode(payload, &req); err != nil {
			return nil, err
		}
		if req.Name == "" {
			return nil, missing("name")
		}
		wf, err := deps.Workflow.FromDefinition(req.Name, req.Context)
		if err != nil {
			return nil, err
		}
		var run *domain.WorkflowRun
		if req.Async {
			run, err = deps.Workflow.Start(ctx, wf)
		} else {
			run, err = deps.Workflow.Execute(ctx, wf)
		}
		if err != nil {
			return nil, err
		}
		return json.Marshal(run)
	}
}

type workflowIDRequest struct {
	WorkflowID string `json:"workflow_id"`
}

func workflowGetHandler(deps HandlerDeps) RPCHandler {
	return func(ctx context.Context, _ *ClientInfo, payload json.RawMessage) (json.RawMessage, error) {
		var req workflowIDRequest
		if err := decode(payload, &req); err != nil {
			return nil, err
		}
		if req.WorkflowID == "" {
			return nil, missing("workflow_id")
		}
		run, err := deps.Workflow.Get(ctx, req.WorkflowID)
		if err != nil {
			return nil, err
		}
		return json.Marshal(run)
	}
}

func workflowCancelHandler(deps HandlerDeps) RPCHandler {
	return func(ctx context.Context, _ *ClientInfo, payload json.RawMessage) (json.RawMessage, error) {
		var req workflowIDRequest
		if err := decode(payload, &req); err != nil {
			return nil, err
		}
		if req.WorkflowID == "" {
			return nil, missing("workflow_id")
		}
		run, err := deps.Workflow.Cancel(ctx, req.WorkflowID)
		if err != nil {
			return nil, err
		}
		return json.Marshal(run)
	}
}

type workflowListRequest struct {
	Limit int `json:"limit,omitempty"`
}

const defaultListLimit = 50

func workflowListHandler(deps HandlerDeps) RPCHandler {
	return func(ctx context.Context, _ *ClientInfo, payload json.RawMessage) (json.RawMessage, error) {
		var req workflowListRequest
		if err := decode(payload, &req); err != nil {
			return nil, err
		}
		if req.Limit <= 0 {
			req.Limit = defaultListLimit
		}
		runs, err := deps.Workflow.List(ctx, req.Limit)
		if err != nil {
			return nil, err
		}
		return json.Marshal(runs)
	}
}

func workflowDefinitionsHandler(deps HandlerDeps) RPCHandler {
	return func(_ context.Context, _ *ClientInfo, _ json.RawMessage) (json.RawMessage, error) {
		return json.Marshal(deps.Workflow.Definitions())
	}
}

// --- messages ---

func messageRouteHandler(deps HandlerDeps) RPCHandler {
	return func(ctx context.Context, _ *ClientInfo, payload json.RawMessage) (json.RawMessage, error) {
		var msg domain.RoutedMessage
		if err := decode(payload, &msg); err != nil {
			return nil, err
		}
		resp, err := deps.Messaging.Route(ctx, msg)
		return withPartial(resp, err)
	}
}
