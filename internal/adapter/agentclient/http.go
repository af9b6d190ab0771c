package agentclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"masterlinc/internal/domain"
)

// maxResponseBody caps what we read from an agent reply.
const maxResponseBody = 10 * 1024 * 1024 // 10 MB

// PoolConfig configures HTTP connection pooling toward agents.
type PoolConfig struct {
	MaxIdleConns        int
	MaxIdleConnsPerHost int
	MaxConnsPerHost     int
	IdleConnTimeout     time.Duration
}

// Default pool settings: few hosts, many concurrent calls, long-lived connections.
const (
	defaultMaxIdleConns        = 20
	defaultMaxIdleConnsPerHost = 10
	defaultMaxConnsPerHost     = 20
	defaultIdleConnTimeout     = 120 * time.Second
)

// NewPooledTransport creates an http.Transport with connection pooling for
// agent calls. Response deadlines come from the per-call context.
func NewPooledTransport(connTimeout time.Duration, pool PoolConfig) *http.Transport {
	if connTimeout <= 0 {
		connTimeout = defaultConnTimeout
	}
	maxIdle := pool.MaxIdleConns
	if maxIdle <= 0 {
		maxIdle = defaultMaxIdleConns
	}
	maxIdlePerHost := pool.MaxIdleConnsPerHost
	if maxIdlePerHost <= 0 {
		maxIdlePerHost = defaultMaxIdleConnsPerHost
	}
	maxConnsPerHost := pool.MaxConnsPerHost
	if maxConnsPerHost <= 0 {
		maxConnsPerHost = defaultMaxConnsPerHost
	}
	idleTimeout := pool.IdleConnTimeout
	if idleTimeout <= 0 {
		idleTimeout = defaultIdleConnTimeout
	}

	return &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   connTimeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout: 10 * time.Second,
		MaxIdleConns:        maxIdle,
		MaxIdleConnsPerHost: maxIdlePerHost,
		MaxConnsPerHost:     maxConnsPerHost,
		IdleConnTimeout:     idleTimeout,
		ForceAttemptHTTP2:   true,
	}
}

// httpTransport speaks the REST execute contract: POST {endpoint}/execute.
type httpTransport struct {
	client *http.Client
}

func newHTTPTransport(cfg Config) *httpTransport {
	return &httpTransport{
		client: &http.Client{Transport: NewPooledTransport(cfg.ConnTimeout, cfg.Pool)},
	}
}

func (h *httpTransport) call(ctx context.Context, agent domain.Agent, req domain.ExecuteRequest) (*domain.ExecuteResult, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, domain.NewDomainError("AgentClient.http", domain.ErrInvalidInput, err.Error())
	}
	respBody, err := doJSONRequest(ctx, h.client, executeURL(agent.Endpoint), body)
	if err != nil {
		return nil, err
	}
	return decodeResult(agent.ID, respBody)
}

func executeURL(endpoint string) string {
	return strings.TrimRight(endpoint, "/") + "/execute"
}

// doJSONRequest performs a JSON POST and returns the body of a 2xx reply.
func doJSONRequest(ctx context.Context, client *http.Client, url string, body []byte) ([]byte, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")

	httpResp, err := client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(httpResp.Body, maxResponseBody))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if httpResp.StatusCode < 200 || httpResp.StatusCode > 299 {
		return nil, mapHTTPError(httpResp.StatusCode, respBody)
	}
	return respBody, nil
}

// mapHTTPError maps a non-2xx agent reply to a domain error. Every non-2xx
// is a transport failure from the orchestrator's point of view.
func mapHTTPError(statusCode int, body []byte) error {
	snippet := strings.TrimSpace(string(body))
	if len(snippet) > 512 {
		snippet = snippet[:512]
	}
	detail := fmt.Sprintf("agent returned HTTP %d: %s", statusCode, snippet)
	if statusCode == http.StatusTooManyRequests {
		return domain.NewDomainError("AgentClient.http", domain.ErrTransportFailure,
			fmt.Sprintf("%s (%s)", detail, domain.ErrRateLimit))
	}
	return domain.NewDomainError("AgentClient.http", domain.ErrTransportFailure, detail)
}

// decodeResult parses an agent reply. A reply without a known status is a
// protocol error.
func decodeResult(agentID string, body []byte) (*domain.ExecuteResult, error) {
	var res domain.ExecuteResult
	if err := json.Unmarshal(body, &res); err != nil {
		return nil, domain.NewDomainError("AgentClient.decode", domain.ErrTransportFailure,
			fmt.Sprintf("agent %q sent malformed reply: %v", agentID, err))
	}
	switch res.Status {
	case domain.ExecCompleted, domain.ExecFailed:
		return &res, nil
	default:
		return nil, domain.NewDomainError("AgentClient.decode", domain.ErrTransportFailure,
			fmt.Sprintf("agent %q sent unknown status %q", agentID, res.Status))
	}
}
