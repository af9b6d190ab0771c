package security

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"maps"
	"strings"
	"time"

	"masterlinc/internal/domain"
)

// DefaultRedactedKeys are audit detail keys that may carry patient
// identifiers or clinical content.
var DefaultRedactedKeys = []string{
	"patient_id", "national_id", "iqama", "member_id", "mrn",
	"diagnosis", "content", "payload",
}

// ComplianceAuditLogger fills the actor, action and outcome of every event
// and replaces patient-identifying detail values with a digest, so audit
// lines can be correlated without exposing PHI.
type ComplianceAuditLogger struct {
	inner  domain.AuditLogger
	redact map[string]bool
	now    func() time.Time
}

// ComplianceOption configures a ComplianceAuditLogger.
type ComplianceOption func(*ComplianceAuditLogger)

// WithRedactedKeys replaces DefaultRedactedKeys. Keys match case-insensitively.
func WithRedactedKeys(keys ...string) ComplianceOption {
	return func(c *ComplianceAuditLogger) {
		c.redact = keySet(keys)
	}
}

// NewComplianceAuditLogger wraps inner.
func NewComplianceAuditLogger(inner domain.AuditLogger, opts ...ComplianceOption) *ComplianceAuditLogger {
	c := &ComplianceAuditLogger{
		inner:  inner,
		redact: keySet(DefaultRedactedKeys),
		now:    func() time.Time { return time.Now().UTC() },
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

func keySet(keys []string) map[string]bool {
	m := make(map[string]bool, len(keys))
	for _, k := range keys {
		m[strings.ToLower(k)] = true
	}
	return m
}

// Log completes the event and forwards it. The caller's Detail map is not
// modified.
func (c *ComplianceAuditLogger) Log(ctx context.Context, event domain.AuditEvent) error {
	if event.Timestamp.IsZero() {
		event.Timestamp = c.now()
	}
	if event.Actor == "" {
		event.Actor = domain.ActorFromContext(ctx)
	}
	if event.Actor == "" {
		event.Actor = "system"
	}
	if event.Action == "" {
		event.Action = string(event.Type)
	}
	if event.Outcome == "" {
		event.Outcome = "success"
		if event.Detail["error"] != "" {
			event.Outcome = "failure"
		}
	}
	event.Detail = c.redactDetail(event.Detail)
	return c.inner.Log(ctx, event)
}

func (c *ComplianceAuditLogger) redactDetail(detail map[string]string) map[string]string {
	var out map[string]string
	for k, v := range detail {
		if v == "" || !c.redact[strings.ToLower(k)] {
			continue
		}
		if out == nil {
			out = maps.Clone(detail)
		}
		out[k] = Fingerprint(v)
	}
	if out == nil {
		return detail
	}
	return out
}

// Fingerprint returns a short stable digest of v for audit correlation.
func Fingerprint(v string) string {
	sum := sha256.Sum256([]byte(v))
	return "sha256:" + hex.EncodeToString(sum[:6])
}

// Close delegates to the inner logger.
func (c *ComplianceAuditLogger) Close() error {
	return c.inner.Close()
}
