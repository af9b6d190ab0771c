package gateway

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"time"

	"masterlinc/internal/domain"
)

const maxBodyBytes = 1 << 20

// errorBody is the REST error envelope.
type errorBody struct {
	Error     string          `json:"error"`
	Message   string          `json:"message"`
	MessageAR string          `json:"message_ar"`
	Details   json.RawMessage `json:"details,omitempty"`
}

// errorMessage is the English text shown to API callers. Errors without a
// known code are hidden behind a generic message.
func errorMessage(err error) string {
	if domain.ErrorCodeOf(err) == domain.CodeUnknown {
		return "Internal server error"
	}
	return domain.DetailOf(err)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, err error) {
	writeErrorDetails(w, err, nil)
}

func writeErrorDetails(w http.ResponseWriter, err error, details json.RawMessage) {
	msg := errorMessage(err)
	code := domain.ErrorCodeOf(err)
	if code == domain.CodeUnknown {
		code = "INTERNAL_ERROR"
	}
	writeJSON(w, domain.HTTPStatusOf(err), errorBody{
		Error:     string(code),
		Message:   msg,
		MessageAR: domain.Translate(msg),
		Details:   details,
	})
}

// payloadFunc turns an HTTP request into the RPC payload of the matching method.
type payloadFunc func(r *http.Request) (json.RawMessage, error)

func body(r *http.Request) (json.RawMessage, error) {
	data, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes+1))
	if err != nil {
		return nil, domain.NewDomainError("Gateway.body", domain.ErrRPCInvalidPayload, "Invalid request: "+err.Error())
	}
	if len(data) > maxBodyBytes {
		return nil, domain.NewDomainError("Gateway.body", domain.ErrRPCInvalidPayload, "Invalid request: body too large")
	}
	if len(data) > 0 && !json.Valid(data) {
		return nil, domain.NewDomainError("Gateway.body", domain.ErrRPCInvalidPayload, "Invalid request: malformed JSON")
	}
	return data, nil
}

func noPayload(*http.Request) (json.RawMessage, error) { return nil, nil }

// pathParam maps the {name} path segment onto a JSON field.
func pathParam(name, field string) payloadFunc {
	return func(r *http.Request) (json.RawMessage, error) {
		return json.Marshal(map[string]string{field: r.PathValue(name)})
	}
}

// queryParams copies the named query parameters into a JSON object.
// Parameters listed in ints are sent as numbers.
func queryParams(strs []string, ints ...string) payloadFunc {
	return func(r *http.Request) (json.RawMessage, error) {
		q := r.URL.Query()
		out := make(map[string]any)
		for _, k := range strs {
			if v := q.Get(k); v != "" {
				out[k] = v
			}
		}
		for _, k := range ints {
			v := q.Get(k)
			if v == "" {
				continue
			}
			n, err := strconv.Atoi(v)
			if err != nil {
				return nil, domain.NewDomainError("Gateway.query", domain.ErrRPCInvalidPayload, "Invalid request: "+k+" must be a number")
			}
			out[k] = n
		}
		return json.Marshal(out)
	}
}

// restAPI adapts RPC handlers onto REST routes so both surfaces share one
// implementation.
type restAPI struct {
	s    *Server
	deps HandlerDeps
}

func (a restAPI) route(pattern string, perm domain.Permission, status int, payload payloadFunc, h RPCHandler) {
	a.s.RegisterHTTPRoute(pattern, a.protect(perm, func(w http.ResponseWriter, r *http.Request, client *ClientInfo) {
		data, err := payload(r)
		if err != nil {
			writeError(w, err)
			return
		}
		result, err := h(r.Context(), client, data)
		if err != nil {
			writeErrorDetails(w, err, result)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		w.Write(result)
	}))
}

// protect authenticates the caller, attaches its identity to the request
// context and enforces perm.
func (a restAPI) protect(perm domain.Permission, next func(http.ResponseWriter, *http.Request, *ClientInfo)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		client, err := a.s.auth.Authenticate(tokenFromRequest(r))
		if err != nil {
			writeError(w, err)
			return
		}
		ctx := withClient(r.Context(), client)
		if err := authorize(ctx, a.deps, client, perm, r.Method+" "+r.URL.Path); err != nil {
			writeError(w, err)
			return
		}
		next(w, r.WithContext(ctx), client)
	}
}

// RegisterRESTHandlers registers the HTTP API, /health and /metrics.
func RegisterRESTHandlers(s *Server, deps HandlerDeps) {
	api := restAPI{s: s, deps: deps}
	startTime := time.Now()

	s.RegisterHTTPRoute("GET /health", healthHandler(deps, startTime))
	metrics := metricsHandler(deps, s, startTime)
	s.RegisterHTTPRoute("GET /metrics", api.protect(domain.PermAgentRead, func(w http.ResponseWriter, r *http.Request, _ *ClientInfo) {
		metrics(w, r)
	}))

	api.route("GET /api/v1/agents", domain.PermAgentRead, http.StatusOK,
		queryParams([]string{"status", "capability"}), agentListHandler(deps))
	api.route("POST /api/v1/agents", domain.PermAgentManage, http.StatusCreated,
		body, agentRegisterHandler(deps))
	api.route("GET /api/v1/agents/eligible", domain.PermAgentRead, http.StatusOK,
		queryParams([]string{"capability"}), agentEligibleHandler(deps))
	api.route("GET /api/v1/agents/{id}", domain.PermAgentRead, http.StatusOK,
		pathParam("id", "agent_id"), agentGetHandler(deps))
	api.route("DELETE /api/v1/agents/{id}", domain.PermAgentManage, http.StatusOK,
		pathParam("id", "agent_id"), agentDeregisterHandler(deps))
	api.route("POST /api/v1/agents/{id}/heartbeat", domain.PermAgentHeartbeat, http.StatusOK,
		heartbeatPayload, agentHeartbeatHandler(deps))

	api.route("POST /api/v1/delegate", domain.PermTaskDelegate, http.StatusCreated,
		body, taskDelegateHandler(deps))
	api.route("GET /api/v1/tasks/{id}", domain.PermTaskRead, http.StatusOK,
		pathParam("id", "task_id"), taskGetHandler(deps))
	api.route("POST /api/v1/tasks/{id}/dispatch", domain.PermTaskDelegate, http.StatusOK,
		pathParam("id", "task_id"), taskDispatchHandler(deps))

	s.RegisterHTTPRoute("POST /api/v1/workflow/execute", api.protect(domain.PermWorkflowRun, workflowExecuteREST(deps)))
	api.route("GET /api/v1/workflows", domain.PermWorkflowRead, http.StatusOK,
		queryParams(nil, "limit"), workflowListHandler(deps))
	api.route("GET /api/v1/workflow/definitions", domain.PermWorkflowRead, http.StatusOK,
		noPayload, workflowDefinitionsHandler(deps))
	api.route("POST /api/v1/workflow/definitions/{name}/run", domain.PermWorkflowRun, http.StatusOK,
		definitionRunPayload, workflowRunHandler(deps))
	api.route("GET /api/v1/workflow/{id}", domain.PermWorkflowRead, http.StatusOK,
		pathParam("id", "workflow_id"), workflowGetHandler(deps))
	api.route("POST /api/v1/workflow/{id}/cancel", domain.PermWorkflowRun, http.StatusOK,
		pathParam("id", "workflow_id"), workflowCancelHandler(deps))

	api.route("POST /api/v1/message/route", domain.PermMessageRoute, http.StatusCreated,
		body, messageRouteHandler(deps))
}

func heartbeatPayload(r *http.Request) (json.RawMessage, error) {
	raw, err := body(r)
	if err != nil {
		return nil, err
	}
	var req agentHeartbeatRequest
	if err := decode(raw, &req); err != nil {
		return nil, err
	}
	req.AgentID = r.PathValue("id")
	return json.Marshal(req)
}

func definitionRunPayload(r *http.Request) (json.RawMessage, error) {
	raw, err := body(r)
	if err != nil {
		return nil, err
	}
	var req workflowRunRequest
	if err := decode(raw, &req); err != nil {
		return nil, err
	}
	req.Name = r.PathValue("name")
	if r.URL.Query().Get("async") == "true" {
		req.Async = true
	}
	return json.Marshal(req)
}

// workflowExecuteREST runs a submitted workflow and answers 201 with the
// finished run. With ?async=true it answers 202 as soon as the run is accepted.
func workflowExecuteREST(deps HandlerDeps) func(http.ResponseWriter, *http.Request, *ClientInfo) {
	execute := workflowExecuteHandler(deps)
	start := workflowStartHandler(deps)
	return func(w http.ResponseWriter, r *http.Request, client *ClientInfo) {
		data, err := body(r)
		if err != nil {
			writeError(w, err)
			return
		}
		h, status := execute, http.StatusCreated
		if r.URL.Query().Get("async") == "true" {
			h, status = start, http.StatusAccepted
		}
		result, err := h(r.Context(), client, data)
		if err != nil {
			writeError(w, err)
			return
		}
		if status == http.StatusAccepted {
			var run domain.WorkflowRun
			if json.Unmarshal(result, &run) == nil {
				w.Header().Set("Location", "/api/v1/workflow/"+run.ID)
			}
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		w.Write(result)
	}
}

