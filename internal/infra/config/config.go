package config

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"golang.org/x/crypto/argon2"
	"gopkg.in/yaml.v3"
)

// Config is the top-level application configuration.
type Config struct {
	Logger      LoggerConfig      `yaml:"logger"`
	Tracer      TracerConfig      `yaml:"tracer"`
	Gateway     GatewayConfig     `yaml:"gateway"`
	Registry    RegistryConfig    `yaml:"registry"`
	Delegation  DelegationConfig  `yaml:"delegation"`
	Workflow    WorkflowConfig    `yaml:"workflow"`
	Messaging   MessagingConfig   `yaml:"messaging"`
	AgentClient AgentClientConfig `yaml:"agent_client"`
	Store       StoreConfig       `yaml:"store"`
	Relay       RelayConfig       `yaml:"relay"`
	Security    SecurityConfig    `yaml:"security"`
	Scheduler   SchedulerConfig   `yaml:"scheduler"`
	Includes    []string          `yaml:"includes,omitempty"`
}

// LoggerConfig holds logging settings.
type LoggerConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// TracerConfig holds tracing settings.
type TracerConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Exporter string `yaml:"exporter"`
	Endpoint string `yaml:"endpoint"`
}

// GatewayConfig holds the HTTP/WebSocket gateway settings.
type GatewayConfig struct {
	Enabled     bool            `yaml:"enabled"`
	Addr        string          `yaml:"addr"`
	CORSOrigins []string        `yaml:"cors_origins,omitempty"`
	RateLimit   RateLimitConfig `yaml:"rate_limit"`
	Auth        AuthConfig      `yaml:"auth"`
}

// RateLimitConfig bounds requests per client IP. RequestsPerMin 0 disables it.
type RateLimitConfig struct {
	RequestsPerMin int      `yaml:"requests_per_min"`
	Burst          int      `yaml:"burst"`
	TrustedProxies []string `yaml:"trusted_proxies,omitempty"`
}

// AuthConfig holds gateway authentication settings.
type AuthConfig struct {
	Type   string        `yaml:"type"` // "static" or ""
	Tokens []TokenConfig `yaml:"tokens,omitempty"`
}

// TokenConfig holds a single gateway auth token.
type TokenConfig struct {
	Token string   `yaml:"token"`
	Name  string   `yaml:"name"`
	Roles []string `yaml:"roles"`
}

// RegistryConfig holds agent registry settings.
type RegistryConfig struct {
	Agents      []AgentSeed       `yaml:"agents"`
	HealthCheck HealthCheckConfig `yaml:"health_check"`
	Discovery   DiscoveryConfig   `yaml:"discovery"`
}

// AgentSeed describes an agent registered at startup.
type AgentSeed struct {
	ID            string            `yaml:"id"`
	Name          string            `yaml:"name"`
	NameAR        string            `yaml:"name_ar,omitempty"`
	Description   string            `yaml:"description,omitempty"`
	DescriptionAR string            `yaml:"description_ar,omitempty"`
	Category      string            `yaml:"category,omitempty"`
	Endpoint      string            `yaml:"endpoint"`
	Capabilities  []string          `yaml:"capabilities"`
	Priority      int               `yaml:"priority"`
	Version       string            `yaml:"version,omitempty"`
	Metadata      map[string]string `yaml:"metadata,omitempty"`
}

// HealthCheckConfig drives the scheduled agent health probe.
type HealthCheckConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Schedule string        `yaml:"schedule"`
	Timeout  time.Duration `yaml:"timeout"`
	Path     string        `yaml:"path"`
}

// DiscoveryConfig holds mDNS agent discovery settings.
type DiscoveryConfig struct {
	MDNS         bool          `yaml:"mdns"`
	Service      string        `yaml:"service"`
	ScanInterval time.Duration `yaml:"scan_interval"`
	ScanTimeout  time.Duration `yaml:"scan_timeout"`
}

// DelegationConfig holds task delegation settings.
type DelegationConfig struct {
	Policy         string        `yaml:"policy"` // "unfiltered" or "capability"
	DefaultTimeout time.Duration `yaml:"default_timeout"`
}

// WorkflowConfig holds workflow engine settings.
type WorkflowConfig struct {
	Enabled            bool                `yaml:"enabled"`
	MaxRunning         int                 `yaml:"max_running"`
	MaxParallelSteps   int                 `yaml:"max_parallel_steps"`
	DefaultStepTimeout time.Duration       `yaml:"default_step_timeout"`
	DefinitionsDir     string              `yaml:"definitions_dir"`
	Store              WorkflowStoreConfig `yaml:"store"`
}

// WorkflowStoreConfig selects where workflow runs are kept.
type WorkflowStoreConfig struct {
	Type string `yaml:"type"` // "memory", "file" or "sqlite"
	Path string `yaml:"path"` // directory for the file store
}

// MessagingConfig holds message router settings.
type MessagingConfig struct {
	DefaultPriority int           `yaml:"default_priority"`
	MaxInFlight     int           `yaml:"max_in_flight"`
	Timeout         time.Duration `yaml:"timeout"`
}

// AgentClientConfig holds outbound agent call settings.
type AgentClientConfig struct {
	Timeout        time.Duration        `yaml:"timeout"`
	ConnTimeout    time.Duration        `yaml:"conn_timeout"`
	Pool           PoolConfig           `yaml:"pool"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
	Retry          RetryConfig          `yaml:"retry"`
	GRPC           GRPCConfig           `yaml:"grpc"`
}

// PoolConfig tunes the pooled HTTP transport.
type PoolConfig struct {
	MaxIdleConns        int           `yaml:"max_idle_conns"`
	MaxIdleConnsPerHost int           `yaml:"max_idle_conns_per_host"`
	MaxConnsPerHost     int           `yaml:"max_conns_per_host"`
	IdleConnTimeout     time.Duration `yaml:"idle_conn_timeout"`
}

// CircuitBreakerConfig tunes the per-agent circuit breaker.
type CircuitBreakerConfig struct {
	Enabled     bool          `yaml:"enabled"`
	MaxFailures uint32        `yaml:"max_failures"`
	Timeout     time.Duration `yaml:"timeout"`
	Interval    time.Duration `yaml:"interval"`
}

// RetryConfig is the retry policy used for delegated task dispatch.
type RetryConfig struct {
	MaxAttempts int           `yaml:"max_attempts"`
	Backoff     time.Duration `yaml:"backoff"`
}

// GRPCConfig enables the grpc:// agent transport.
type GRPCConfig struct {
	Enabled bool `yaml:"enabled"`
}

// StoreConfig locates the SQLite database shared by agents, tasks and runs.
// An empty path keeps everything in memory.
type StoreConfig struct {
	Path string `yaml:"path"`
	// EncryptionKey seals task and workflow run documents at rest. It may
	// be an enc: value.
	EncryptionKey string `yaml:"encryption_key,omitempty"`
}

// RelayConfig holds the Redis event relay settings.
type RelayConfig struct {
	Enabled          bool   `yaml:"enabled"`
	RedisURL         string `yaml:"redis_url"`
	NodeID           string `yaml:"node_id,omitempty"`
	Channel          string `yaml:"channel"`
	HeartbeatChannel string `yaml:"heartbeat_channel"`
}

// SecurityConfig holds security settings.
type SecurityConfig struct {
	Audit AuditConfig `yaml:"audit"`
}

// AuditConfig holds audit logging settings.
type AuditConfig struct {
	Enabled   bool            `yaml:"enabled"`
	Path      string          `yaml:"path"`
	Retention RetentionConfig `yaml:"retention"`

	// RedactKeys overrides the detail keys hashed before writing.
	RedactKeys []string `yaml:"redact_keys,omitempty"`
}

// RetentionConfig holds audit log retention policy settings.
type RetentionConfig struct {
	MaxAge  string `yaml:"max_age"`  // duration string, e.g. "2160h" (90 days)
	MaxSize string `yaml:"max_size"` // e.g. "100MB"
}

// SchedulerConfig holds background task settings.
type SchedulerConfig struct {
	Enabled bool                  `yaml:"enabled"`
	Tasks   []ScheduledTaskConfig `yaml:"tasks"`
}

// ScheduledTaskConfig is one scheduled background action.
type ScheduledTaskConfig struct {
	Name     string `yaml:"name"`
	Schedule string `yaml:"schedule"`
	Action   string `yaml:"action"`
	OneShot  bool   `yaml:"one_shot,omitempty"`
}

// defaultDataDir returns the persistent data directory under $HOME/.masterlinc/data.
// Falls back to "./data" if $HOME cannot be determined.
func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "./data"
	}
	return filepath.Join(home, ".masterlinc", "data")
}

// DefaultPath returns ~/.config/masterlinc/config.yaml.
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "config.yaml"
	}
	return filepath.Join(home, ".config", "masterlinc", "config.yaml")
}

// ResolvePath picks the config file: the flag value, then MASTERLINC_CONFIG,
// then the default location.
func ResolvePath(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	if v := os.Getenv("MASTERLINC_CONFIG"); v != "" {
		return v
	}
	return DefaultPath()
}

// DefaultAgents returns the agents every deployment starts with.
func DefaultAgents() []AgentSeed {
	return []AgentSeed{
		{
			ID:            "masterlinc",
			Name:          "MasterLinc Orchestrator",
			NameAR:        "ماسترلينك المنسق",
			Description:   "Central orchestration agent for the healthcare claims platform",
			DescriptionAR: "وكيل التنسيق المركزي لمنصة المطالبات الصحية",
			Category:      "orchestration",
			Endpoint:      "http://localhost:8000",
			Capabilities:  []string{"orchestration", "routing", "workflows"},
			Priority:      0,
		},
		{
			ID:            "claimlinc",
			Name:          "ClaimLinc",
			NameAR:        "كليم لينك",
			Description:   "Healthcare claims validation and analysis agent",
			DescriptionAR: "وكيل التحقق من المطالبات الصحية وتحليلها",
			Category:      "healthcare",
			Endpoint:      "http://localhost:8001",
			Capabilities:  []string{"validation", "analysis", "patterns"},
			Priority:      1,
		},
	}
}

// Defaults returns a Config with sensible defaults.
func Defaults() *Config {
	dataDir := defaultDataDir()
	return &Config{
		Logger: LoggerConfig{
			Level:  "info",
			Format: "text",
			Output: "stderr",
		},
		Tracer: TracerConfig{
			Enabled:  false,
			Exporter: "noop",
		},
		Gateway: GatewayConfig{
			Enabled: true,
			Addr:    ":8000",
			RateLimit: RateLimitConfig{
				RequestsPerMin: 600,
				Burst:          50,
			},
		},
		Registry: RegistryConfig{
			Agents: DefaultAgents(),
			HealthCheck: HealthCheckConfig{
				Enabled:  false,
				Schedule: "30s",
				Timeout:  5 * time.Second,
				Path:     "/health",
			},
			Discovery: DiscoveryConfig{
				MDNS:         false,
				Service:      "_masterlinc-agent._tcp",
				ScanInterval: 60 * time.Second,
				ScanTimeout:  3 * time.Second,
			},
		},
		Delegation: DelegationConfig{
			Policy:         "unfiltered",
			DefaultTimeout: 300 * time.Second,
		},
		Workflow: WorkflowConfig{
			Enabled:            true,
			MaxRunning:         20,
			MaxParallelSteps:   8,
			DefaultStepTimeout: 300 * time.Second,
			DefinitionsDir:     "./workflows",
			Store: WorkflowStoreConfig{
				Type: "memory",
				Path: filepath.Join(dataDir, "workflows"),
			},
		},
		Messaging: MessagingConfig{
			DefaultPriority: 5,
			MaxInFlight:     32,
			Timeout:         30 * time.Second,
		},
		AgentClient: AgentClientConfig{
			Timeout:     30 * time.Second,
			ConnTimeout: 10 * time.Second,
			Pool: PoolConfig{
				MaxIdleConns:        20,
				MaxIdleConnsPerHost: 10,
				MaxConnsPerHost:     20,
				IdleConnTimeout:     120 * time.Second,
			},
			CircuitBreaker: CircuitBreakerConfig{
				Enabled:     true,
				MaxFailures: 5,
				Timeout:     30 * time.Second,
				Interval:    60 * time.Second,
			},
			Retry: RetryConfig{
				MaxAttempts: 1,
				Backoff:     500 * time.Millisecond,
			},
		},
		Store: StoreConfig{
			Path: filepath.Join(dataDir, "masterlinc.db"),
		},
		Relay: RelayConfig{
			Enabled:          false,
			RedisURL:         "redis://localhost:6379/0",
			Channel:          "masterlinc:events",
			HeartbeatChannel: "masterlinc:heartbeats",
		},
		Security: SecurityConfig{
			Audit: AuditConfig{
				Enabled: true,
				Path:    filepath.Join(dataDir, "audit.jsonl"),
				Retention: RetentionConfig{
					MaxAge: "2160h",
				},
			},
		},
		Scheduler: SchedulerConfig{
			Enabled: true,
		},
	}
}

// Load reads a YAML config file, applies env var overrides, and decrypts secrets.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			ApplyEnvOverrides(cfg)
			if err := Validate(cfg); err != nil {
				return nil, err
			}
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve config path: %w", err)
	}

	if err := validatePermissions(absPath); err != nil {
		return nil, err
	}

	// A seed list in the file replaces the defaults rather than merging with
	// them; "agents: []" disables seeding.
	cfg.Registry.Agents = nil
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if len(cfg.Includes) > 0 {
		visited := map[string]bool{absPath: true}
		if err := processIncludes(cfg, filepath.Dir(absPath), visited, 0); err != nil {
			return nil, err
		}

		// Second pass: the main file takes precedence over includes.
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config (second pass): %w", err)
		}
		cfg.Includes = nil
	}
	if cfg.Registry.Agents == nil {
		cfg.Registry.Agents = DefaultAgents()
	}

	ApplyEnvOverrides(cfg)

	if passphrase := os.Getenv("MASTERLINC_CONFIG_KEY"); passphrase != "" {
		if err := decryptSecrets(cfg, passphrase); err != nil {
			return nil, fmt.Errorf("decrypt secrets: %w", err)
		}
	}

	if err := Validate(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// ApplyEnvOverrides maps MASTERLINC_* env vars to config fields.
func ApplyEnvOverrides(cfg *Config) {
	if v := os.Getenv("MASTERLINC_LOGGER_LEVEL"); v != "" {
		cfg.Logger.Level = v
	}
	if v := os.Getenv("MASTERLINC_LOGGER_FORMAT"); v != "" {
		cfg.Logger.Format = v
	}
	if v := os.Getenv("MASTERLINC_TRACER_ENABLED"); v == "true" {
		cfg.Tracer.Enabled = true
	}
	if v := os.Getenv("MASTERLINC_TRACER_EXPORTER"); v != "" {
		cfg.Tracer.Exporter = v
	}
	if v := os.Getenv("MASTERLINC_GATEWAY_ADDR"); v != "" {
		cfg.Gateway.Addr = v
	}
	if v := os.Getenv("MASTERLINC_GATEWAY_CORS_ORIGINS"); v != "" {
		cfg.Gateway.CORSOrigins = splitAndTrim(v, ",")
	}
	if v := os.Getenv("MASTERLINC_GATEWAY_TOKEN"); v != "" {
		cfg.Gateway.Auth.Type = "static"
		cfg.Gateway.Auth.Tokens = append(cfg.Gateway.Auth.Tokens, TokenConfig{
			Token: v, Name: "env", Roles: []string{"admin"},
		})
	}
	if v := os.Getenv("MASTERLINC_DELEGATION_POLICY"); v != "" {
		cfg.Delegation.Policy = v
	}
	if v := os.Getenv("MASTERLINC_WORKFLOW_ENABLED"); v != "" {
		cfg.Workflow.Enabled = v == "true"
	}
	if v := os.Getenv("MASTERLINC_WORKFLOW_MAX_RUNNING"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Workflow.MaxRunning = n
		}
	}
	if v := os.Getenv("MASTERLINC_WORKFLOW_STORE"); v != "" {
		cfg.Workflow.Store.Type = v
	}
	if v := os.Getenv("MASTERLINC_MESSAGING_MAX_IN_FLIGHT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Messaging.MaxInFlight = n
		}
	}
	if v := os.Getenv("MASTERLINC_AGENT_CLIENT_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.AgentClient.Timeout = d
		}
	}
	if v := os.Getenv("MASTERLINC_STORE_PATH"); v != "" {
		cfg.Store.Path = v
	}
	if v := os.Getenv("MASTERLINC_STORE_KEY"); v != "" {
		cfg.Store.EncryptionKey = v
	}
	if v := os.Getenv("MASTERLINC_RELAY_REDIS_URL"); v != "" {
		cfg.Relay.Enabled = true
		cfg.Relay.RedisURL = v
	}
	if v := os.Getenv("MASTERLINC_AUDIT_PATH"); v != "" {
		cfg.Security.Audit.Path = v
	}
	if v := os.Getenv("MASTERLINC_DISCOVERY_MDNS"); v == "true" {
		cfg.Registry.Discovery.MDNS = true
	}
}

// splitAndTrim splits s by sep and trims whitespace from each element.
func splitAndTrim(s, sep string) []string {
	parts := strings.Split(s, sep)
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return parts
}

// decryptSecrets finds "enc:..." values in secret-bearing fields and decrypts them.
func decryptSecrets(cfg *Config, passphrase string) error {
	for i := range cfg.Gateway.Auth.Tokens {
		tok := &cfg.Gateway.Auth.Tokens[i]
		if err := decryptField(&tok.Token, passphrase); err != nil {
			return fmt.Errorf("gateway auth token %s: %w", tok.Name, err)
		}
	}
	if err := decryptField(&cfg.Relay.RedisURL, passphrase); err != nil {
		return fmt.Errorf("relay redis_url: %w", err)
	}
	if err := decryptField(&cfg.Store.EncryptionKey, passphrase); err != nil {
		return fmt.Errorf("store encryption_key: %w", err)
	}
	for i := range cfg.Registry.Agents {
		seed := &cfg.Registry.Agents[i]
		for k, v := range seed.Metadata {
			if err := decryptField(&v, passphrase); err != nil {
				return fmt.Errorf("agent %s metadata %s: %w", seed.ID, k, err)
			}
			seed.Metadata[k] = v
		}
	}
	return nil
}

func decryptField(field *string, passphrase string) error {
	if !strings.HasPrefix(*field, "enc:") {
		return nil
	}
	decrypted, err := DecryptValue(strings.TrimPrefix(*field, "enc:"), passphrase)
	if err != nil {
		return err
	}
	*field = decrypted
	return nil
}

// EncryptValue encrypts a plaintext value with AES-256-GCM using a passphrase.
func EncryptValue(plaintext, passphrase string) (string, error) {
	salt := make([]byte, 16)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return "", fmt.Errorf("generate salt: %w", err)
	}

	key := deriveKey(passphrase, salt)
	block, err := aes.NewCipher(key)
	if err != nil {
		return "", fmt.Errorf("create cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("create gcm: %w", err)
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}

	ciphertext := gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	// Format: hex(salt) + ":" + hex(nonce+ciphertext)
	return hex.EncodeToString(salt) + ":" + hex.EncodeToString(ciphertext), nil
}

// DecryptValue decrypts an AES-256-GCM encrypted value.
func DecryptValue(encrypted, passphrase string) (string, error) {
	saltHex, dataHex, ok := strings.Cut(encrypted, ":")
	if !ok {
		return "", fmt.Errorf("invalid encrypted format")
	}

	salt, err := hex.DecodeString(saltHex)
	if err != nil {
		return "", fmt.Errorf("decode salt: %w", err)
	}

	data, err := hex.DecodeString(dataHex)
	if err != nil {
		return "", fmt.Errorf("decode ciphertext: %w", err)
	}

	key := deriveKey(passphrase, salt)
	block, err := aes.NewCipher(key)
	if err != nil {
		return "", fmt.Errorf("create cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("create gcm: %w", err)
	}

	nonceSize := gcm.NonceSize()
	if len(data) < nonceSize {
		return "", fmt.Errorf("ciphertext too short")
	}

	nonce, ciphertext := data[:nonceSize], data[nonceSize:]
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("decrypt: %w", err)
	}

	return string(plaintext), nil
}

// deriveKey uses Argon2id to derive a 32-byte key from passphrase + salt.
func deriveKey(passphrase string, salt []byte) []byte {
	return argon2.IDKey([]byte(passphrase), salt, 1, 64*1024, 4, 32)
}

// validatePermissions rejects config files writable by group or others.
func validatePermissions(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("stat config: %w", err)
	}
	mode := info.Mode().Perm()
	if mode&0o022 != 0 {
		return fmt.Errorf("config file %s has insecure permissions %o (want 0600 or 0644)", path, mode)
	}
	return nil
}
