// Package agentclient implements domain.AgentExecutor over the transports an
// agent endpoint may name: http/https for the REST execute contract and grpc
// for agents built on the JSON-codec gRPC service.
package agentclient

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net/url"
	"strings"
	"time"

	"masterlinc/internal/domain"
	"masterlinc/internal/infra/tracer"
)

// Default call settings.
const (
	defaultCallTimeout = 30 * time.Second
	defaultConnTimeout = 10 * time.Second
	maxRetryDelay      = 10 * time.Second
)

// Config configures the execution client.
type Config struct {
	Timeout        time.Duration // default per-call timeout when CallOptions.Timeout is zero
	ConnTimeout    time.Duration
	Pool           PoolConfig
	CircuitBreaker BreakerConfig
	GRPC           bool
}

// transport performs a single attempt against one agent.
type transport interface {
	call(ctx context.Context, agent domain.Agent, req domain.ExecuteRequest) (*domain.ExecuteResult, error)
}

// Client dispatches execute requests to agents, choosing the transport from
// the endpoint scheme. Every attempt passes through the agent's breaker.
type Client struct {
	cfg        Config
	transports map[string]transport
	breakers   *breakers
	closers    []func() error
	logger     *slog.Logger
	sleep      func(ctx context.Context, d time.Duration) error
}

// New creates a Client. gRPC endpoints are only served when cfg.GRPC is set
// and the binary was built with the grpc_agent tag.
func New(cfg Config, logger *slog.Logger) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultCallTimeout
	}
	if cfg.ConnTimeout <= 0 {
		cfg.ConnTimeout = defaultConnTimeout
	}

	h := newHTTPTransport(cfg)
	c := &Client{
		cfg: cfg,
		transports: map[string]transport{
			"http":  h,
			"https": h,
		},
		breakers: newBreakers(cfg.CircuitBreaker, logger),
		logger:   logger,
		sleep:    sleepCtx,
	}
	if cfg.GRPC {
		g := newGRPCTransport(logger)
		c.transports["grpc"] = g
		c.closers = append(c.closers, g.Close)
	}
	return c
}

// Execute implements domain.AgentExecutor.
//
// Transport failures are retried up to opts.Retry.MaxAttempts with
// exponential backoff. Timeouts and an open breaker are returned at once.
func (c *Client) Execute(ctx context.Context, agent domain.Agent, req domain.ExecuteRequest, opts domain.CallOptions) (*domain.ExecuteResult, error) {
	ctx, span := tracer.StartSpan(ctx, "agentclient.execute")
	defer span.End()
	span.SetAttributes(
		tracer.StringAttr("agent_id", agent.ID),
		tracer.StringAttr("request_type", req.Type),
	)

	t, err := c.transportFor(agent)
	if err != nil {
		tracer.RecordError(span, err)
		return nil, err
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = c.cfg.Timeout
	}
	attempts := max(opts.Retry.MaxAttempts, 1)

	var lastErr error
	for attempt := range attempts {
		res, err := c.attempt(ctx, t, agent, req, timeout)
		if err == nil {
			span.SetAttributes(
				tracer.IntAttr("attempts", attempt+1),
				tracer.StringAttr("status", string(res.Status)),
			)
			tracer.SetOK(span)
			return res, nil
		}
		lastErr = err
		if !retryable(err) || attempt == attempts-1 {
			break
		}
		delay := retryBackoff(opts.Retry.Backoff, attempt)
		c.logger.Info("retrying agent call after error",
			"agent_id", agent.ID, "attempt", attempt+1, "delay", delay, "error", err)
		if serr := c.sleep(ctx, delay); serr != nil {
			lastErr = classify(ctx, "AgentClient.Execute", serr)
			break
		}
	}

	tracer.RecordError(span, lastErr)
	return nil, lastErr
}

// Close releases cached connections.
func (c *Client) Close() error {
	var errs []error
	for _, fn := range c.closers {
		errs = append(errs, fn())
	}
	return errors.Join(errs...)
}

// BreakerStates reports the breaker state per agent id for monitoring.
func (c *Client) BreakerStates() map[string]string {
	return c.breakers.states()
}

func (c *Client) attempt(ctx context.Context, t transport, agent domain.Agent, req domain.ExecuteRequest, timeout time.Duration) (*domain.ExecuteResult, error) {
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	res, err := c.breakers.execute(agent.ID, func() (*domain.ExecuteResult, error) {
		res, err := t.call(cctx, agent, req)
		if err != nil {
			return nil, classify(cctx, "AgentClient.Execute", err)
		}
		return res, nil
	})
	if err != nil {
		if isOpen(err) {
			return nil, domain.NewDomainError("AgentClient.Execute", domain.ErrTransportFailure,
				fmt.Sprintf("agent %q circuit open", agent.ID))
		}
		return nil, err
	}
	return res, nil
}

func (c *Client) transportFor(agent domain.Agent) (transport, error) {
	u, err := url.Parse(agent.Endpoint)
	if err != nil || u.Host == "" {
		return nil, domain.NewDomainError("AgentClient.Execute", domain.ErrTransportFailure,
			fmt.Sprintf("agent %q has invalid endpoint %q", agent.ID, agent.Endpoint))
	}
	t, ok := c.transports[strings.ToLower(u.Scheme)]
	if !ok {
		return nil, domain.NewDomainError("AgentClient.Execute", domain.ErrTransportFailure,
			fmt.Sprintf("agent %q: unsupported endpoint scheme %q", agent.ID, u.Scheme))
	}
	return t, nil
}

// classify maps a raw transport error onto the domain taxonomy. A deadline
// on ctx wins over whatever the transport reported.
func classify(ctx context.Context, op string, err error) error {
	var de *domain.DomainError
	switch {
	case errors.Is(ctx.Err(), context.DeadlineExceeded), errors.Is(err, context.DeadlineExceeded):
		return domain.NewDomainError(op, domain.ErrTimeout, err.Error())
	case errors.Is(ctx.Err(), context.Canceled):
		return domain.NewDomainError(op, domain.ErrCancelled, err.Error())
	case errors.As(err, &de):
		return err
	default:
		return domain.NewDomainError(op, domain.ErrTransportFailure, err.Error())
	}
}

func retryable(err error) bool {
	if errors.Is(err, domain.ErrCancelled) {
		return false
	}
	var de *domain.DomainError
	if errors.As(err, &de) && strings.Contains(de.Detail, "circuit open") {
		return false
	}
	return domain.IsRetryableError(err)
}

// retryBackoff doubles base per attempt with 0-25% jitter, capped at maxRetryDelay.
func retryBackoff(base time.Duration, attempt int) time.Duration {
	if base <= 0 {
		return 0
	}
	delay := base * time.Duration(1<<uint(attempt))
	if delay > maxRetryDelay || delay <= 0 {
		delay = maxRetryDelay
	}
	return delay + time.Duration(rand.Int64N(int64(delay/4)+1))
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

var _ domain.AgentExecutor = (*Client)(nil)
