package main

import (
	"fmt"
	"log/slog"
	"time"

	"masterlinc/internal/domain"
	"masterlinc/internal/infra/config"
	"masterlinc/internal/security"
)

// SecurityComponents holds the audit trail.
type SecurityComponents struct {
	AuditLogger     domain.AuditLogger         // nil when auditing is disabled
	FileAuditLogger *security.FileAuditLogger // retention target; nil when disabled
}

// Close flushes and closes the audit log.
func (s *SecurityComponents) Close() error {
	if s.AuditLogger == nil {
		return nil
	}
	return s.AuditLogger.Close()
}

// initSecurity opens the JSONL audit log behind the compliance wrapper.
func initSecurity(cfg *config.Config, log *slog.Logger) (*SecurityComponents, error) {
	comp := &SecurityComponents{}
	if !cfg.Security.Audit.Enabled {
		log.Warn("audit logging disabled")
		return comp, nil
	}

	retention, err := retentionPolicy(cfg.Security.Audit.Retention)
	if err != nil {
		return nil, err
	}
	fileLogger, err := security.NewFileAuditLogger(cfg.Security.Audit.Path, retention)
	if err != nil {
		return nil, fmt.Errorf("audit logger: %w", err)
	}
	comp.FileAuditLogger = fileLogger
	var opts []security.ComplianceOption
	if keys := cfg.Security.Audit.RedactKeys; len(keys) > 0 {
		opts = append(opts, security.WithRedactedKeys(keys...))
	}
	comp.AuditLogger = security.NewComplianceAuditLogger(fileLogger, opts...)

	log.Info("audit logging enabled", "path", fileLogger.Path(),
		"max_age", retention.MaxAge, "max_size", retention.MaxSize)
	return comp, nil
}

func retentionPolicy(rc config.RetentionConfig) (security.RetentionPolicy, error) {
	var p security.RetentionPolicy
	if rc.MaxAge != "" {
		d, err := time.ParseDuration(rc.MaxAge)
		if err != nil {
			return p, fmt.Errorf("audit retention max_age: %w", err)
		}
		p.MaxAge = d
	}
	if rc.MaxSize != "" {
		n, err := config.ParseSize(rc.MaxSize)
		if err != nil {
			return p, fmt.Errorf("audit retention max_size: %w", err)
		}
		p.MaxSize = n
	}
	return p, nil
}
