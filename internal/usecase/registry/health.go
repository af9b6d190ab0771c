package registry

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"masterlinc/internal/domain"
)

// Prober determines the liveness of a single agent.
type Prober interface {
	Probe(ctx context.Context, agent domain.Agent) (domain.AgentStatus, bool)
}

// HTTPProber issues GET {endpoint}{path} against HTTP agents.
type HTTPProber struct {
	client *http.Client
	path   string
}

// NewHTTPProber creates a prober. An empty path defaults to /health.
func NewHTTPProber(client *http.Client, path string) *HTTPProber {
	if client == nil {
		client = http.DefaultClient
	}
	if path == "" {
		path = "/health"
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return &HTTPProber{client: client, path: path}
}

// Probe maps 2xx to online, 5xx to degraded and transport errors to offline.
// The second return is false when the agent cannot be probed over HTTP.
func (p *HTTPProber) Probe(ctx context.Context, agent domain.Agent) (domain.AgentStatus, bool) {
	if !strings.HasPrefix(agent.Endpoint, "http://") && !strings.HasPrefix(agent.Endpoint, "https://") {
		return "", false
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, agent.Endpoint+p.path, nil)
	if err != nil {
		return domain.AgentOffline, true
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return domain.AgentOffline, true
	}
	resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return domain.AgentOnline, true
	case resp.StatusCode >= 500:
		return domain.AgentDegraded, true
	default:
		// 4xx means the agent answered but has no health route; assume alive.
		return domain.AgentOnline, true
	}
}

// HealthChecker probes every agent and feeds the outcome back as heartbeats.
type HealthChecker struct {
	registry    *Registry
	prober      Prober
	timeout     time.Duration
	concurrency int
	logger      *slog.Logger
}

// NewHealthChecker creates a checker. timeout bounds each probe.
func NewHealthChecker(registry *Registry, prober Prober, timeout time.Duration, logger *slog.Logger) *HealthChecker {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &HealthChecker{
		registry:    registry,
		prober:      prober,
		timeout:     timeout,
		concurrency: 8,
		logger:      logger,
	}
}

// CheckAll probes all agents except those in maintenance, which is an
// operator-owned state. Maintenance set while a probe is in flight wins.
func (h *HealthChecker) CheckAll(ctx context.Context) error {
	agents := h.registry.List(ctx)
	sem := make(chan struct{}, h.concurrency)
	var wg sync.WaitGroup

	for _, a := range agents {
		if a.Status == domain.AgentMaintenance {
			continue
		}
		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
			wg.Wait()
			return ctx.Err()
		}
		wg.Add(1)
		go func(a domain.Agent) {
			defer wg.Done()
			defer func() { <-sem }()
			h.checkOne(ctx, a)
		}(a)
	}
	wg.Wait()
	return nil
}

func (h *HealthChecker) checkOne(ctx context.Context, a domain.Agent) {
	pctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	status, ok := h.prober.Probe(pctx, a)
	if !ok {
		return
	}
	_, applied, err := h.registry.ApplyProbe(ctx, a.ID, status)
	if err != nil {
		h.logger.Warn("health heartbeat failed", "agent_id", a.ID, "error", err)
		return
	}
	if !applied {
		h.logger.Debug("probe result dropped, agent in maintenance", "agent_id", a.ID)
		return
	}
	h.logger.Debug("agent probed", "agent_id", a.ID, "status", status)
}
