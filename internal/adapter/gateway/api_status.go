package gateway

import (
	"context"
	"net/http"
	"time"

	"masterlinc/internal/domain"
	"masterlinc/internal/usecase/messaging"
)

// HealthResponse is the JSON body returned by GET /health.
type HealthResponse struct {
	Status        string         `json:"status"`
	Version       string         `json:"version"`
	Timestamp     time.Time      `json:"timestamp"`
	UptimeSeconds int64          `json:"uptime_seconds"`
	Database      string         `json:"database"`
	Services      ServicesHealth `json:"services"`
}

// ServicesHealth summarizes the orchestrator's moving parts.
type ServicesHealth struct {
	Agents    AgentCounts                   `json:"agents"`
	Statuses  map[string]domain.AgentStatus `json:"statuses"`
	Workflows WorkflowHealth                `json:"workflows"`
	Messaging messaging.Stats               `json:"messaging"`
}

// AgentCounts holds registry totals per status.
type AgentCounts struct {
	Total       int `json:"total"`
	Online      int `json:"online"`
	Offline     int `json:"offline"`
	Degraded    int `json:"degraded"`
	Maintenance int `json:"maintenance"`
}

// WorkflowHealth reports engine state.
type WorkflowHealth struct {
	Enabled bool `json:"enabled"`
	Running int  `json:"running"`
}

// healthHandler answers GET /health without authentication. A failing
// database ping turns the response into 503 "unhealthy".
func healthHandler(deps HandlerDeps, startTime time.Time) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp := HealthResponse{
			Status:        "healthy",
			Version:       deps.Version,
			Timestamp:     time.Now().UTC(),
			UptimeSeconds: int64(time.Since(startTime).Seconds()),
			Database:      "memory",
			Services: ServicesHealth{
				Statuses: make(map[string]domain.AgentStatus),
			},
		}
		status := http.StatusOK

		if deps.Database != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			err := deps.Database.Ping(ctx)
			cancel()
			if err != nil {
				resp.Status = "unhealthy"
				resp.Database = "unavailable"
				status = http.StatusServiceUnavailable
			} else {
				resp.Database = "ok"
			}
		}

		if deps.Registry != nil {
			for _, a := range deps.Registry.List(r.Context()) {
				resp.Services.Statuses[a.ID] = a.Status
			}
			counts := deps.Registry.StatusCounts()
			resp.Services.Agents = AgentCounts{
				Total:       len(resp.Services.Statuses),
				Online:      counts[domain.AgentOnline],
				Offline:     counts[domain.AgentOffline],
				Degraded:    counts[domain.AgentDegraded],
				Maintenance: counts[domain.AgentMaintenance],
			}
		}
		if deps.Workflow != nil {
			resp.Services.Workflows = WorkflowHealth{
				Enabled: deps.Workflow.Enabled(),
				Running: deps.Workflow.Running(),
			}
		}
		if deps.Messaging != nil {
			resp.Services.Messaging = deps.Messaging.Stats()
		}

		writeJSON(w, status, resp)
	}
}
