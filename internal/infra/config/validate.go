package config

import (
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"masterlinc/internal/domain"
)

// ValidationError accumulates config validation errors.
type ValidationError struct {
	Errors []string
}

func (v *ValidationError) Error() string {
	return "config validation failed:\n  - " + strings.Join(v.Errors, "\n  - ")
}

// HasErrors reports whether any validation errors have been recorded.
func (v *ValidationError) HasErrors() bool {
	return len(v.Errors) > 0
}

// Add records a formatted validation error.
func (v *ValidationError) Add(format string, args ...interface{}) {
	v.Errors = append(v.Errors, fmt.Sprintf(format, args...))
}

// Validate checks cfg for structural correctness. It returns a *ValidationError
// when one or more problems are found, allowing callers to inspect all issues.
func Validate(cfg *Config) error {
	ve := &ValidationError{}
	validateLogger(cfg, ve)
	validateGateway(cfg, ve)
	validateRegistry(cfg, ve)
	validateDelegation(cfg, ve)
	validateWorkflow(cfg, ve)
	validateStore(cfg, ve)
	validateMessaging(cfg, ve)
	validateAgentClient(cfg, ve)
	validateRelay(cfg, ve)
	validateSecurity(cfg, ve)
	validateScheduler(cfg, ve)
	if ve.HasErrors() {
		return ve
	}
	return nil
}

func validateLogger(cfg *Config, ve *ValidationError) {
	switch strings.ToLower(cfg.Logger.Format) {
	case "", "text", "json":
	default:
		ve.Add("logger.format %q is invalid (want: text, json)", cfg.Logger.Format)
	}
	switch strings.ToLower(cfg.Logger.Level) {
	case "", "debug", "info", "warn", "warning", "error":
	default:
		ve.Add("logger.level %q is invalid (want: debug, info, warn, error)", cfg.Logger.Level)
	}
}

func validateGateway(cfg *Config, ve *ValidationError) {
	if !cfg.Gateway.Enabled {
		return
	}
	if cfg.Gateway.Addr == "" {
		ve.Add("gateway.addr is required when gateway is enabled")
	} else if _, _, err := net.SplitHostPort(cfg.Gateway.Addr); err != nil {
		ve.Add("gateway.addr %q is not a valid host:port", cfg.Gateway.Addr)
	}
	rl := cfg.Gateway.RateLimit
	if rl.RequestsPerMin < 0 {
		ve.Add("gateway.rate_limit.requests_per_min must be >= 0")
	}
	if rl.RequestsPerMin > 0 && rl.Burst <= 0 {
		ve.Add("gateway.rate_limit.burst must be > 0 when rate limiting is on")
	}
	switch cfg.Gateway.Auth.Type {
	case "":
	case "static":
		if len(cfg.Gateway.Auth.Tokens) == 0 {
			ve.Add("gateway.auth.tokens must not be empty for static auth")
		}
		for i, t := range cfg.Gateway.Auth.Tokens {
			if t.Token == "" {
				ve.Add("gateway.auth.tokens[%d].token is required", i)
			}
			for _, r := range t.Roles {
				if !domain.IsValidAuthRole(r) {
					ve.Add("gateway.auth.tokens[%d].roles: unknown role %q", i, r)
				}
			}
		}
	default:
		ve.Add("gateway.auth.type %q is invalid (want: static)", cfg.Gateway.Auth.Type)
	}
}

func validateRegistry(cfg *Config, ve *ValidationError) {
	seen := make(map[string]bool)
	for i, a := range cfg.Registry.Agents {
		if strings.TrimSpace(a.ID) == "" {
			ve.Add("registry.agents[%d].id is required", i)
			continue
		}
		if seen[a.ID] {
			ve.Add("registry.agents[%d]: duplicate agent id %q", i, a.ID)
		}
		seen[a.ID] = true
		if a.Name == "" {
			ve.Add("registry.agents[%d].name is required", i)
		}
		if u, err := url.Parse(a.Endpoint); err != nil || u.Scheme == "" || u.Host == "" {
			ve.Add("registry.agents[%d].endpoint %q is not an absolute URL", i, a.Endpoint)
		}
		if a.Priority < 0 {
			ve.Add("registry.agents[%d].priority must be >= 0", i)
		}
	}

	hc := cfg.Registry.HealthCheck
	if hc.Enabled {
		if _, err := parseSchedule(hc.Schedule); err != nil {
			ve.Add("registry.health_check.schedule: %v", err)
		}
		if hc.Timeout <= 0 {
			ve.Add("registry.health_check.timeout must be > 0")
		}
	}

	d := cfg.Registry.Discovery
	if d.MDNS {
		if d.Service == "" {
			ve.Add("registry.discovery.service is required when mdns is enabled")
		}
		if d.ScanInterval <= 0 {
			ve.Add("registry.discovery.scan_interval must be > 0")
		}
	}
}

func validateDelegation(cfg *Config, ve *ValidationError) {
	switch cfg.Delegation.Policy {
	case "", "unfiltered", "capability":
	default:
		ve.Add("delegation.policy %q is invalid (want: unfiltered, capability)", cfg.Delegation.Policy)
	}
	if cfg.Delegation.DefaultTimeout < 0 {
		ve.Add("delegation.default_timeout must be >= 0")
	}
}

func validateWorkflow(cfg *Config, ve *ValidationError) {
	w := cfg.Workflow
	if w.MaxRunning < 0 {
		ve.Add("workflow.max_running must be >= 0")
	}
	if w.MaxParallelSteps < 0 {
		ve.Add("workflow.max_parallel_steps must be >= 0")
	}
	if w.DefaultStepTimeout < 0 {
		ve.Add("workflow.default_step_timeout must be >= 0")
	}
	switch w.Store.Type {
	case "", "memory":
	case "file":
		if w.Store.Path == "" {
			ve.Add("workflow.store.path is required for the file store")
		}
	case "sqlite":
		if cfg.Store.Path == "" {
			ve.Add("store.path is required when workflow.store.type is sqlite")
		}
	default:
		ve.Add("workflow.store.type %q is invalid (want: memory, file, sqlite)", w.Store.Type)
	}
}

func validateStore(cfg *Config, ve *ValidationError) {
	k := cfg.Store.EncryptionKey
	if k == "" {
		return
	}
	if cfg.Store.Path == "" {
		ve.Add("store.encryption_key requires store.path")
	}
	if strings.HasPrefix(k, "enc:") {
		ve.Add("store.encryption_key is still encrypted; set MASTERLINC_CONFIG_KEY")
	}
}

func validateMessaging(cfg *Config, ve *ValidationError) {
	m := cfg.Messaging
	if m.DefaultPriority != 0 && (m.DefaultPriority < 1 || m.DefaultPriority > 10) {
		ve.Add("messaging.default_priority must be between 1 and 10")
	}
	if m.MaxInFlight < 0 {
		ve.Add("messaging.max_in_flight must be >= 0")
	}
}

func validateAgentClient(cfg *Config, ve *ValidationError) {
	c := cfg.AgentClient
	if c.Timeout < 0 || c.ConnTimeout < 0 {
		ve.Add("agent_client timeouts must be >= 0")
	}
	if c.Retry.MaxAttempts < 0 {
		ve.Add("agent_client.retry.max_attempts must be >= 0")
	}
	if c.Retry.MaxAttempts > 10 {
		ve.Add("agent_client.retry.max_attempts must be <= 10")
	}
	if c.Retry.Backoff < 0 {
		ve.Add("agent_client.retry.backoff must be >= 0")
	}
	if c.CircuitBreaker.Enabled && c.CircuitBreaker.MaxFailures == 0 {
		ve.Add("agent_client.circuit_breaker.max_failures must be > 0")
	}
}

func validateRelay(cfg *Config, ve *ValidationError) {
	if !cfg.Relay.Enabled {
		return
	}
	if cfg.Relay.RedisURL == "" {
		ve.Add("relay.redis_url is required when relay is enabled")
		return
	}
	u, err := url.Parse(cfg.Relay.RedisURL)
	if err != nil || (u.Scheme != "redis" && u.Scheme != "rediss") {
		ve.Add("relay.redis_url must be a redis:// or rediss:// URL")
	}
}

func validateSecurity(cfg *Config, ve *ValidationError) {
	a := cfg.Security.Audit
	if a.Enabled && a.Path == "" {
		ve.Add("security.audit.path is required when audit is enabled")
	}
	if a.Retention.MaxAge != "" {
		if d, err := time.ParseDuration(a.Retention.MaxAge); err != nil || d <= 0 {
			ve.Add("security.audit.retention.max_age %q is not a positive duration", a.Retention.MaxAge)
		}
	}
	if a.Retention.MaxSize != "" {
		if _, err := ParseSize(a.Retention.MaxSize); err != nil {
			ve.Add("security.audit.retention.max_size: %v", err)
		}
	}
}

var validActions = map[string]bool{
	"agent_health_probe": true,
	"agent_discovery":    true,
	"audit_retention":    true,
}

func validateScheduler(cfg *Config, ve *ValidationError) {
	if !cfg.Scheduler.Enabled {
		return
	}
	seen := make(map[string]bool)
	for i, t := range cfg.Scheduler.Tasks {
		if t.Name == "" {
			ve.Add("scheduler.tasks[%d].name is required", i)
		} else if seen[t.Name] {
			ve.Add("scheduler.tasks[%d]: duplicate task name %q", i, t.Name)
		}
		seen[t.Name] = true
		if _, err := parseSchedule(t.Schedule); err != nil {
			ve.Add("scheduler.tasks[%d].schedule: %v", i, err)
		}
		if !validActions[t.Action] {
			ve.Add("scheduler.tasks[%d].action %q is invalid (want: agent_health_probe, agent_discovery, audit_retention)", i, t.Action)
		}
	}
}

// parseSchedule accepts a five-field cron expression, a descriptor, or a
// positive duration.
func parseSchedule(s string) (cron.Schedule, error) {
	if s == "" {
		return nil, fmt.Errorf("schedule is required")
	}
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	if sched, err := parser.Parse(s); err == nil {
		return sched, nil
	}
	if d, err := time.ParseDuration(s); err == nil && d > 0 {
		return cron.Every(d), nil
	}
	return nil, fmt.Errorf("%q is not a cron expression or positive duration", s)
}

// ParseSize parses sizes like "100MB", "512KB", "1GB" or a plain byte count.
func ParseSize(s string) (int64, error) {
	s = strings.ToUpper(strings.TrimSpace(s))
	mult := int64(1)
	for _, u := range []struct {
		suffix string
		mult   int64
	}{{"GB", 1 << 30}, {"MB", 1 << 20}, {"KB", 1 << 10}, {"B", 1}} {
		if strings.HasSuffix(s, u.suffix) {
			s = strings.TrimSpace(strings.TrimSuffix(s, u.suffix))
			mult = u.mult
			break
		}
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("invalid size %q", s)
	}
	return n * mult, nil
}
