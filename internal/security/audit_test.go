package security

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"masterlinc/internal/domain"
)

func readEvents(t *testing.T, path string) []domain.AuditEvent {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	var out []domain.AuditEvent
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var ev domain.AuditEvent
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &ev))
		out = append(out, ev)
	}
	require.NoError(t, scanner.Err())
	return out
}

func TestAuditLoggerWriteAndRead(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "audit.jsonl")
	logger, err := NewFileAuditLogger(path, RetentionPolicy{})
	require.NoError(t, err)

	require.NoError(t, logger.Log(context.Background(), domain.AuditEvent{
		Type:    domain.AuditTaskDelegate,
		Outcome: "success",
		Detail:  map[string]string{"task_id": "t-1", "agent_id": "claimlinc"},
	}))
	require.NoError(t, logger.Close())

	events := readEvents(t, path)
	require.Len(t, events, 1)
	assert.Equal(t, domain.AuditTaskDelegate, events[0].Type)
	assert.Equal(t, "claimlinc", events[0].Detail["agent_id"])
	assert.Equal(t, "success", events[0].Outcome)
	assert.WithinDuration(t, time.Now(), events[0].Timestamp, 5*time.Second)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
}

func TestAuditLoggerConcurrentWrites(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.jsonl")
	logger, err := NewFileAuditLogger(path, RetentionPolicy{})
	require.NoError(t, err)

	const n = 50
	var wg sync.WaitGroup
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, logger.Log(context.Background(), domain.AuditEvent{
				Type:   domain.AuditMessageRoute,
				Detail: map[string]string{"message_id": fmt.Sprint(i)},
			}))
		}()
	}
	wg.Wait()
	require.NoError(t, logger.Close())

	assert.Len(t, readEvents(t, path), n)
}

func TestAuditLoggerWriteAfterClose(t *testing.T) {
	logger, err := NewFileAuditLogger(filepath.Join(t.TempDir(), "audit.jsonl"), RetentionPolicy{})
	require.NoError(t, err)
	require.NoError(t, logger.Close())

	err = logger.Log(context.Background(), domain.AuditEvent{Type: domain.AuditWorkflowStart})
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrAuditWrite)
}

func TestAuditLoggerInvalidPath(t *testing.T) {
	blocker := filepath.Join(t.TempDir(), "file")
	require.NoError(t, os.WriteFile(blocker, nil, 0o600))
	_, err := NewFileAuditLogger(filepath.Join(blocker, "audit.jsonl"), RetentionPolicy{})
	require.Error(t, err)
}

func TestAuditLoggerAddsSpanEvent(t *testing.T) {
	logger, err := NewFileAuditLogger(filepath.Join(t.TempDir(), "audit.jsonl"), RetentionPolicy{})
	require.NoError(t, err)
	defer logger.Close()

	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
	defer tp.Shutdown(context.Background())

	ctx, span := tp.Tracer("test").Start(context.Background(), "workflow.execute")
	require.NoError(t, logger.Log(ctx, domain.AuditEvent{
		Type:    domain.AuditWorkflowEnd,
		Outcome: "COMPLETED",
		Detail:  map[string]string{"workflow_id": "wf-9"},
	}))
	span.End()

	spans := rec.Ended()
	require.Len(t, spans, 1)
	events := spans[0].Events()
	require.Len(t, events, 1)
	assert.Equal(t, "audit.workflow_end", events[0].Name)
	assert.Len(t, events[0].Attributes, 2)
}

func writeRecords(t *testing.T, logger *FileAuditLogger, stamps ...time.Time) {
	t.Helper()
	for i, ts := range stamps {
		require.NoError(t, logger.Log(context.Background(), domain.AuditEvent{
			Timestamp: ts,
			Type:      domain.AuditAgentStatus,
			Detail:    map[string]string{"seq": fmt.Sprint(i)},
		}))
	}
}

func TestEnforceRetentionMaxAge(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.jsonl")
	logger, err := NewFileAuditLogger(path, RetentionPolicy{MaxAge: 24 * time.Hour})
	require.NoError(t, err)

	now := time.Now().UTC()
	writeRecords(t, logger, now.Add(-72*time.Hour), now.Add(-48*time.Hour), now.Add(-time.Hour), now)

	removed, err := logger.EnforceRetention(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, removed)

	// The logger keeps appending to the rewritten file.
	writeRecords(t, logger, now)
	require.NoError(t, logger.Close())

	events := readEvents(t, path)
	require.Len(t, events, 3)
	assert.Equal(t, "2", events[0].Detail["seq"])
}

func TestEnforceRetentionMaxSize(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.jsonl")
	logger, err := NewFileAuditLogger(path, RetentionPolicy{})
	require.NoError(t, err)

	now := time.Now().UTC()
	writeRecords(t, logger, now, now, now, now, now)
	info, err := os.Stat(path)
	require.NoError(t, err)
	lineSize := info.Size() / 5

	logger.retention = RetentionPolicy{MaxSize: 2*lineSize + 1}
	removed, err := logger.EnforceRetention(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, removed)
	require.NoError(t, logger.Close())

	events := readEvents(t, path)
	require.Len(t, events, 2)
	assert.Equal(t, "3", events[0].Detail["seq"], "oldest records go first")
}

func TestEnforceRetentionNoPolicy(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.jsonl")
	logger, err := NewFileAuditLogger(path, RetentionPolicy{})
	require.NoError(t, err)
	writeRecords(t, logger, time.Now().Add(-1000*time.Hour))

	removed, err := logger.EnforceRetention(context.Background())
	require.NoError(t, err)
	assert.Zero(t, removed)
	require.NoError(t, logger.Close())
	assert.Len(t, readEvents(t, path), 1)
}

func TestEnforceRetentionUnderLimit(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.jsonl")
	logger, err := NewFileAuditLogger(path, RetentionPolicy{MaxSize: 1 << 20})
	require.NoError(t, err)
	writeRecords(t, logger, time.Now())

	removed, err := logger.EnforceRetention(context.Background())
	require.NoError(t, err)
	assert.Zero(t, removed)
	require.NoError(t, logger.Close())
}
