package agentclient

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"masterlinc/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestClient(cfg Config) *Client {
	c := New(cfg, testLogger())
	c.sleep = func(ctx context.Context, _ time.Duration) error { return ctx.Err() }
	return c
}

func agentAt(url string) domain.Agent {
	return domain.Agent{ID: "claimlinc", Endpoint: url}
}

func mustRequest(t *testing.T) domain.ExecuteRequest {
	t.Helper()
	req, err := domain.NewExecuteRequest(domain.StepTask{
		WorkflowID: "wf-1",
		StepID:     "validate",
		Action:     "validate_claim",
		Input:      map[string]any{"claim_id": "CLM-1"},
	})
	require.NoError(t, err)
	return req
}

func TestExecuteCompleted(t *testing.T) {
	var got domain.ExecuteRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/execute", r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Write([]byte(`{"status":"completed","result":{"valid":true}}`))
	}))
	defer srv.Close()

	c := newTestClient(Config{})
	res, err := c.Execute(context.Background(), agentAt(srv.URL+"/"), mustRequest(t), domain.CallOptions{})
	require.NoError(t, err)
	assert.Equal(t, domain.ExecCompleted, res.Status)
	assert.JSONEq(t, `{"valid":true}`, string(res.Result))

	assert.Equal(t, "validate_claim", got.Type)
	assert.JSONEq(t, `{"workflow_id":"wf-1","step_id":"validate","input_data":{"claim_id":"CLM-1"}}`, string(got.Payload))
}

func TestExecuteAgentReportedFailureIsNotAnError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte(`{"status":"failed","result":{"reason":"missing member id"}}`))
	}))
	defer srv.Close()

	c := newTestClient(Config{})
	res, err := c.Execute(context.Background(), agentAt(srv.URL), mustRequest(t), domain.CallOptions{})
	require.NoError(t, err)
	assert.False(t, res.Succeeded())
}

func TestExecuteTransportFailures(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
	}{
		{"server error", http.StatusInternalServerError, "boom"},
		{"not found", http.StatusNotFound, ""},
		{"rate limited", http.StatusTooManyRequests, ""},
		{"malformed body", http.StatusOK, "not json"},
		{"unknown status", http.StatusOK, `{"status":"queued"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			c := newTestClient(Config{})
			_, err := c.Execute(context.Background(), agentAt(srv.URL), mustRequest(t), domain.CallOptions{})
			require.ErrorIs(t, err, domain.ErrTransportFailure)
			assert.Equal(t, 502, domain.HTTPStatusOf(err))
		})
	}
}

func TestExecuteConnectionRefused(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	c := newTestClient(Config{})
	_, err := c.Execute(context.Background(), agentAt(url), mustRequest(t), domain.CallOptions{})
	require.ErrorIs(t, err, domain.ErrTransportFailure)
}

func TestExecuteTimeoutIsNotRetried(t *testing.T) {
	var calls atomic.Int32
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	c := newTestClient(Config{})
	_, err := c.Execute(context.Background(), agentAt(srv.URL), mustRequest(t), domain.CallOptions{
		Timeout: 20 * time.Millisecond,
		Retry:   domain.RetryPolicy{MaxAttempts: 3},
	})
	require.ErrorIs(t, err, domain.ErrTimeout)
	assert.Equal(t, 504, domain.HTTPStatusOf(err))
	assert.Equal(t, int32(1), calls.Load())
}

func TestExecuteRetriesTransportFailure(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Write([]byte(`{"status":"completed"}`))
	}))
	defer srv.Close()

	c := newTestClient(Config{})
	res, err := c.Execute(context.Background(), agentAt(srv.URL), mustRequest(t), domain.CallOptions{
		Retry: domain.RetryPolicy{MaxAttempts: 3, Backoff: time.Millisecond},
	})
	require.NoError(t, err)
	assert.True(t, res.Succeeded())
	assert.Equal(t, int32(3), calls.Load())
}

func TestExecuteWithoutRetryPolicyCallsOnce(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := newTestClient(Config{})
	_, err := c.Execute(context.Background(), agentAt(srv.URL), mustRequest(t), domain.CallOptions{})
	require.ErrorIs(t, err, domain.ErrTransportFailure)
	assert.Equal(t, int32(1), calls.Load())
}

func TestExecuteCallerCancelled(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	c := newTestClient(Config{})
	_, err := c.Execute(ctx, agentAt(srv.URL), mustRequest(t), domain.CallOptions{Timeout: 5 * time.Second})
	require.ErrorIs(t, err, domain.ErrCancelled)
}

func TestCircuitOpensAfterConsecutiveFailures(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := newTestClient(Config{CircuitBreaker: BreakerConfig{Enabled: true, MaxFailures: 2, Timeout: time.Minute}})
	agent := agentAt(srv.URL)
	for range 2 {
		_, err := c.Execute(context.Background(), agent, mustRequest(t), domain.CallOptions{})
		require.ErrorIs(t, err, domain.ErrTransportFailure)
	}

	_, err := c.Execute(context.Background(), agent, mustRequest(t), domain.CallOptions{
		Retry: domain.RetryPolicy{MaxAttempts: 5},
	})
	require.ErrorIs(t, err, domain.ErrTransportFailure)
	assert.Contains(t, err.Error(), "circuit open")
	assert.Equal(t, int32(2), calls.Load(), "open circuit fails fast without retry")
	assert.Equal(t, map[string]string{"claimlinc": "open"}, c.BreakerStates())

	// Breakers are per agent.
	other := domain.Agent{ID: "doctorlinc", Endpoint: srv.URL}
	_, err = c.Execute(context.Background(), other, mustRequest(t), domain.CallOptions{})
	require.ErrorIs(t, err, domain.ErrTransportFailure)
	assert.Equal(t, int32(3), calls.Load())
}

func TestAgentReportedFailuresKeepCircuitClosed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte(`{"status":"failed"}`))
	}))
	defer srv.Close()

	c := newTestClient(Config{CircuitBreaker: BreakerConfig{Enabled: true, MaxFailures: 1}})
	for range 3 {
		res, err := c.Execute(context.Background(), agentAt(srv.URL), mustRequest(t), domain.CallOptions{})
		require.NoError(t, err)
		assert.Equal(t, domain.ExecFailed, res.Status)
	}
	assert.Equal(t, "closed", c.BreakerStates()["claimlinc"])
}

func TestExecuteRejectsBadEndpoints(t *testing.T) {
	c := newTestClient(Config{})
	for _, endpoint := range []string{"", "not a url", "ftp://agent:21", "grpc://agent:9000"} {
		_, err := c.Execute(context.Background(), agentAt(endpoint), mustRequest(t), domain.CallOptions{})
		require.ErrorIs(t, err, domain.ErrTransportFailure, endpoint)
	}
}

func TestRetryBackoff(t *testing.T) {
	assert.Zero(t, retryBackoff(0, 3))
	d := retryBackoff(100*time.Millisecond, 2)
	assert.GreaterOrEqual(t, d, 400*time.Millisecond)
	assert.LessOrEqual(t, d, 500*time.Millisecond)
	assert.LessOrEqual(t, retryBackoff(time.Second, 20), maxRetryDelay+maxRetryDelay/4)
}
