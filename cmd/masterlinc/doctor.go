package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"masterlinc/internal/domain"
	"masterlinc/internal/infra/config"
	"masterlinc/internal/usecase/registry"
)

// CheckStatus represents the result of a health check.
type CheckStatus string

const (
	StatusPass CheckStatus = "PASS"
	StatusWarn CheckStatus = "WARN"
	StatusFail CheckStatus = "FAIL"
)

// CheckResult holds the outcome of a single health check.
type CheckResult struct {
	Name    string
	Status  CheckStatus
	Message string
	Fix     string // optional fix suggestion
}

// Check is a named health check function.
type Check struct {
	Name string
	Fn   func(cfg *config.Config) CheckResult
}

// runDoctor executes all health checks and reports results.
func runDoctor() error {
	cfgPath := configPath()

	// Some checks work without a config.
	cfg, cfgErr := config.Load(cfgPath)

	checks := []Check{
		{Name: "Config file", Fn: checkConfigFile(cfgPath, cfgErr)},
		{Name: "Gateway auth", Fn: checkGatewayAuth},
		{Name: "Store", Fn: checkStorePath},
		{Name: "Audit log", Fn: checkAuditPath},
		{Name: "Workflow definitions", Fn: checkWorkflowDefinitions},
		{Name: "Agents", Fn: checkAgentReachability},
		{Name: "Disk space", Fn: checkDiskSpace},
	}

	fmt.Println("masterlinc doctor")
	fmt.Println(strings.Repeat("=", 50))
	fmt.Println()

	var pass, warn, fail int
	for _, check := range checks {
		result := check.Fn(cfg)
		result.Name = check.Name

		fmt.Printf("  %s %s: %s\n", statusIcon(result.Status), result.Name, result.Message)
		if result.Fix != "" {
			fmt.Printf("      Fix: %s\n", result.Fix)
		}

		switch result.Status {
		case StatusPass:
			pass++
		case StatusWarn:
			warn++
		case StatusFail:
			fail++
		}
	}

	fmt.Println()
	fmt.Println(strings.Repeat("-", 50))
	fmt.Printf("Results: %d passed, %d warnings, %d failed\n", pass, warn, fail)

	if fail > 0 {
		return fmt.Errorf("%d check(s) failed", fail)
	}
	if warn == 0 {
		fmt.Println("\nAll checks passed.")
	}
	return nil
}

func statusIcon(s CheckStatus) string {
	switch s {
	case StatusPass:
		return "[PASS]"
	case StatusWarn:
		return "[WARN]"
	case StatusFail:
		return "[FAIL]"
	default:
		return "[????]"
	}
}

var configNotLoaded = CheckResult{Status: StatusFail, Message: "cannot check, config not loaded"}

// checkConfigFile returns a check that verifies the config file exists and parses correctly.
func checkConfigFile(cfgPath string, cfgErr error) func(*config.Config) CheckResult {
	return func(_ *config.Config) CheckResult {
		if _, err := os.Stat(cfgPath); os.IsNotExist(err) {
			if cfgErr == nil {
				return CheckResult{
					Status:  StatusWarn,
					Message: fmt.Sprintf("no config file at %s, using defaults", cfgPath),
					Fix:     "Create the file or pass --config",
				}
			}
			return CheckResult{
				Status:  StatusFail,
				Message: fmt.Sprintf("config file not found at %s", cfgPath),
				Fix:     "Create the file or pass --config",
			}
		}
		if cfgErr != nil {
			return CheckResult{
				Status:  StatusFail,
				Message: fmt.Sprintf("config error: %v", cfgErr),
				Fix:     "Check config.yaml syntax and MASTERLINC_* overrides",
			}
		}
		return CheckResult{
			Status:  StatusPass,
			Message: fmt.Sprintf("config loaded from %s", cfgPath),
		}
	}
}

// checkGatewayAuth warns when the API is served without tokens.
func checkGatewayAuth(cfg *config.Config) CheckResult {
	if cfg == nil {
		return configNotLoaded
	}
	if !cfg.Gateway.Enabled {
		return CheckResult{Status: StatusPass, Message: "gateway disabled"}
	}
	if cfg.Gateway.Auth.Type != "static" {
		return CheckResult{
			Status:  StatusWarn,
			Message: fmt.Sprintf("gateway on %s accepts unauthenticated callers as admin", cfg.Gateway.Addr),
			Fix:     "Set gateway.auth.type: static and configure tokens",
		}
	}
	return CheckResult{
		Status:  StatusPass,
		Message: fmt.Sprintf("%d static token(s) configured", len(cfg.Gateway.Auth.Tokens)),
	}
}

// checkStorePath verifies the database directory is writable.
func checkStorePath(cfg *config.Config) CheckResult {
	if cfg == nil {
		return configNotLoaded
	}
	if cfg.Store.Path == "" {
		return CheckResult{Status: StatusWarn, Message: "no store.path, agents and tasks are kept in memory only"}
	}
	result := checkWritableDir(filepath.Dir(cfg.Store.Path), "store")
	if result.Status == StatusPass && cfg.Store.EncryptionKey == "" {
		return CheckResult{
			Status:  StatusWarn,
			Message: result.Message + ", claim payloads stored unencrypted",
			Fix:     "Set store.encryption_key or MASTERLINC_STORE_KEY",
		}
	}
	return result
}

// checkAuditPath verifies the audit log directory is writable.
func checkAuditPath(cfg *config.Config) CheckResult {
	if cfg == nil {
		return configNotLoaded
	}
	if !cfg.Security.Audit.Enabled {
		return CheckResult{
			Status:  StatusWarn,
			Message: "audit logging disabled",
			Fix:     "Set security.audit.enabled: true",
		}
	}
	return checkWritableDir(filepath.Dir(cfg.Security.Audit.Path), "audit")
}

func checkWritableDir(dir, what string) CheckResult {
	absDir, _ := filepath.Abs(dir)

	info, err := os.Stat(absDir)
	if os.IsNotExist(err) {
		if mkErr := os.MkdirAll(absDir, 0700); mkErr != nil {
			return CheckResult{
				Status:  StatusFail,
				Message: fmt.Sprintf("%s directory %s does not exist and cannot be created: %v", what, absDir, mkErr),
				Fix:     fmt.Sprintf("Create the directory: mkdir -p %s", absDir),
			}
		}
		return CheckResult{Status: StatusPass, Message: fmt.Sprintf("%s directory created at %s", what, absDir)}
	}
	if err != nil {
		return CheckResult{Status: StatusFail, Message: fmt.Sprintf("cannot stat %s directory: %v", what, err)}
	}
	if !info.IsDir() {
		return CheckResult{Status: StatusFail, Message: fmt.Sprintf("%s exists but is not a directory", absDir)}
	}

	testFile := filepath.Join(absDir, ".doctor-check")
	if err := os.WriteFile(testFile, []byte("ok"), 0600); err != nil {
		return CheckResult{
			Status:  StatusFail,
			Message: fmt.Sprintf("%s directory %s is not writable: %v", what, absDir, err),
			Fix:     fmt.Sprintf("Fix permissions: chmod 700 %s", absDir),
		}
	}
	os.Remove(testFile)

	return CheckResult{Status: StatusPass, Message: fmt.Sprintf("%s directory %s writable", what, absDir)}
}

// checkWorkflowDefinitions reports how many definition files are present.
func checkWorkflowDefinitions(cfg *config.Config) CheckResult {
	if cfg == nil {
		return configNotLoaded
	}
	if !cfg.Workflow.Enabled {
		return CheckResult{Status: StatusPass, Message: "workflow orchestration disabled"}
	}
	dir := cfg.Workflow.DefinitionsDir
	if dir == "" {
		return CheckResult{Status: StatusPass, Message: "no definitions directory configured"}
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return CheckResult{
			Status:  StatusWarn,
			Message: fmt.Sprintf("cannot read %s: %v", dir, err),
		}
	}
	n := 0
	for _, e := range entries {
		switch strings.ToLower(filepath.Ext(e.Name())) {
		case ".yaml", ".yml", ".json":
			n++
		}
	}
	return CheckResult{Status: StatusPass, Message: fmt.Sprintf("%d definition file(s) in %s", n, dir)}
}

// checkAgentReachability probes every configured agent's health route.
func checkAgentReachability(cfg *config.Config) CheckResult {
	if cfg == nil {
		return configNotLoaded
	}
	if len(cfg.Registry.Agents) == 0 {
		return CheckResult{
			Status:  StatusWarn,
			Message: "no agents configured",
			Fix:     "Add agents under registry.agents or enable discovery",
		}
	}

	timeout := cfg.Registry.HealthCheck.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	prober := registry.NewHTTPProber(&http.Client{Timeout: timeout}, cfg.Registry.HealthCheck.Path)

	ctx, cancel := context.WithTimeout(context.Background(), timeout+time.Second)
	defer cancel()

	var (
		mu          sync.Mutex
		wg          sync.WaitGroup
		unreachable []string
	)
	for _, seed := range seedAgents(cfg.Registry.Agents) {
		wg.Add(1)
		go func(a domain.Agent) {
			defer wg.Done()
			status, ok := prober.Probe(ctx, a)
			if ok && status == domain.AgentOffline {
				mu.Lock()
				unreachable = append(unreachable, a.ID)
				mu.Unlock()
			}
		}(seed)
	}
	wg.Wait()

	if len(unreachable) > 0 {
		return CheckResult{
			Status:  StatusWarn,
			Message: fmt.Sprintf("%d/%d agent(s) unreachable: %s", len(unreachable), len(cfg.Registry.Agents), strings.Join(unreachable, ", ")),
			Fix:     "Start the agents or correct their endpoints",
		}
	}
	return CheckResult{
		Status:  StatusPass,
		Message: fmt.Sprintf("%d agent(s) reachable", len(cfg.Registry.Agents)),
	}
}

// checkDiskSpace checks available disk space where the store lives.
func checkDiskSpace(cfg *config.Config) CheckResult {
	dir := "."
	if cfg != nil && cfg.Store.Path != "" {
		dir = filepath.Dir(cfg.Store.Path)
	}
	absDir, _ := filepath.Abs(dir)

	info, err := os.Stat(absDir)
	if err != nil || !info.IsDir() {
		return CheckResult{Status: StatusPass, Message: "data directory does not exist yet, space check skipped"}
	}

	out, err := exec.Command("df", "-h", absDir).Output()
	if err != nil {
		return CheckResult{Status: StatusWarn, Message: "could not determine disk space (df command failed)"}
	}

	lines := strings.Split(strings.TrimSpace(string(out)), "\n")
	fields := strings.Fields(lines[len(lines)-1])
	if len(lines) < 2 || len(fields) < 5 {
		return CheckResult{Status: StatusWarn, Message: "unexpected df output format"}
	}

	available := fields[3]
	usePercent := fields[4]
	var pct int
	fmt.Sscanf(strings.TrimSuffix(usePercent, "%"), "%d", &pct)

	switch {
	case pct >= 95:
		return CheckResult{
			Status:  StatusFail,
			Message: fmt.Sprintf("disk almost full: %s used, %s available", usePercent, available),
			Fix:     "Free up disk space or move store.path to a different partition",
		}
	case pct >= 85:
		return CheckResult{
			Status:  StatusWarn,
			Message: fmt.Sprintf("disk usage high: %s used, %s available", usePercent, available),
		}
	}
	return CheckResult{
		Status:  StatusPass,
		Message: fmt.Sprintf("disk usage: %s used, %s available", usePercent, available),
	}
}
