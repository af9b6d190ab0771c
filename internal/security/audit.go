// Package security holds the orchestrator's audit trail.
package security

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"masterlinc/internal/domain"
	"masterlinc/internal/infra/tracer"
)

// RetentionPolicy controls how long audit records are kept.
type RetentionPolicy struct {
	MaxAge  time.Duration // 0 = no age limit
	MaxSize int64         // bytes; 0 = no size limit
}

func (p RetentionPolicy) empty() bool { return p.MaxAge <= 0 && p.MaxSize <= 0 }

// FileAuditLogger implements domain.AuditLogger by appending JSON lines to a file.
type FileAuditLogger struct {
	mu        sync.Mutex
	file      *os.File
	path      string
	retention RetentionPolicy
	now       func() time.Time
}

var _ domain.AuditLogger = (*FileAuditLogger)(nil)

// NewFileAuditLogger opens path for appending, creating it and its parent
// directory when needed. The file is created 0600.
func NewFileAuditLogger(path string, retention RetentionPolicy) (*FileAuditLogger, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create audit dir: %w", err)
	}
	f, err := openAppend(path)
	if err != nil {
		return nil, fmt.Errorf("open audit log: %w", err)
	}
	return &FileAuditLogger{file: f, path: path, retention: retention, now: time.Now}, nil
}

func openAppend(path string) (*os.File, error) {
	return os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
}

// Path returns the log file location.
func (a *FileAuditLogger) Path() string { return a.path }

// Log writes one audit record. When ctx carries a recording span the record
// is also attached to it as a span event.
func (a *FileAuditLogger) Log(ctx context.Context, event domain.AuditEvent) error {
	const op = "FileAuditLogger.Log"
	if event.Timestamp.IsZero() {
		event.Timestamp = a.now().UTC()
	}
	data, err := json.Marshal(event)
	if err != nil {
		return domain.NewDomainError(op, domain.ErrAuditWrite, err.Error())
	}

	a.mu.Lock()
	_, err = a.file.Write(append(data, '\n'))
	a.mu.Unlock()
	if err != nil {
		return domain.NewDomainError(op, domain.ErrAuditWrite, err.Error())
	}

	if span := trace.SpanFromContext(ctx); span.IsRecording() {
		attrs := make([]attribute.KeyValue, 0, len(event.Detail)+1)
		if event.Outcome != "" {
			attrs = append(attrs, tracer.StringAttr("audit.outcome", event.Outcome))
		}
		for k, v := range event.Detail {
			attrs = append(attrs, tracer.StringAttr("audit."+k, v))
		}
		span.AddEvent("audit."+string(event.Type), trace.WithAttributes(attrs...))
	}
	return nil
}

// Close closes the log file.
func (a *FileAuditLogger) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.file.Close()
}

// EnforceRetention drops records older than MaxAge, then the oldest records
// until the file fits MaxSize. Writers are blocked while the file is
// rewritten. Returns the number of records removed.
func (a *FileAuditLogger) EnforceRetention(ctx context.Context) (int, error) {
	if a.retention.empty() {
		return 0, nil
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	data, err := os.ReadFile(a.path)
	if err != nil {
		return 0, fmt.Errorf("read audit log: %w", err)
	}
	if a.retention.MaxAge <= 0 && int64(len(data)) <= a.retention.MaxSize {
		return 0, nil
	}

	var cutoff time.Time
	if a.retention.MaxAge > 0 {
		cutoff = a.now().Add(-a.retention.MaxAge)
	}

	var (
		kept    [][]byte
		size    int64
		removed int
	)
	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		if !cutoff.IsZero() {
			var rec struct {
				Timestamp time.Time `json:"timestamp"`
			}
			if json.Unmarshal(line, &rec) == nil && !rec.Timestamp.IsZero() && rec.Timestamp.Before(cutoff) {
				removed++
				continue
			}
		}
		kept = append(kept, bytes.Clone(line))
		size += int64(len(line)) + 1
	}
	if err := scanner.Err(); err != nil {
		return 0, fmt.Errorf("scan audit log: %w", err)
	}

	if a.retention.MaxSize > 0 {
		for len(kept) > 0 && size > a.retention.MaxSize {
			size -= int64(len(kept[0])) + 1
			kept = kept[1:]
			removed++
		}
	}
	if removed == 0 {
		return 0, nil
	}

	var buf bytes.Buffer
	for _, line := range kept {
		buf.Write(line)
		buf.WriteByte('\n')
	}
	tmp := a.path + ".tmp"
	if err := os.WriteFile(tmp, buf.Bytes(), 0o600); err != nil {
		return 0, fmt.Errorf("write audit log: %w", err)
	}

	// The append handle must point at the new file once it is renamed in.
	if err := a.file.Close(); err != nil {
		os.Remove(tmp)
		return 0, fmt.Errorf("close audit log: %w", err)
	}
	renameErr := os.Rename(tmp, a.path)
	if renameErr != nil {
		os.Remove(tmp)
	}
	f, err := openAppend(a.path)
	if err != nil {
		return 0, fmt.Errorf("reopen audit log: %w", err)
	}
	a.file = f
	if renameErr != nil {
		return 0, fmt.Errorf("replace audit log: %w", renameErr)
	}
	return removed, nil
}
