package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"masterlinc/cmd/masterlinc/daemon"
	"masterlinc/internal/infra/config"
	"masterlinc/internal/infra/logger"
	"masterlinc/internal/infra/tracer"
	"masterlinc/internal/usecase/eventbus"
)

// version is set at build time via -ldflags "-X main.version=...".
var version = "dev"

func main() {
	if len(os.Args) >= 2 {
		switch os.Args[1] {
		case "--help", "-h", "help":
			showUsage()
			return
		case "--version", "version":
			fmt.Println("masterlinc", version)
			return
		}
	}

	if len(os.Args) < 2 || strings.HasPrefix(os.Args[1], "-") {
		if err := run(); err != nil {
			fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
			os.Exit(1)
		}
		return
	}

	switch os.Args[1] {
	case "daemon":
		if err := runDaemon(); err != nil {
			fmt.Fprintf(os.Stderr, "daemon: %v\n", err)
			os.Exit(1)
		}
	case "doctor":
		if err := runDoctor(); err != nil {
			fmt.Fprintf(os.Stderr, "doctor: %v\n", err)
			os.Exit(1)
		}
	case "encrypt":
		if err := runEncrypt(os.Args[2:], os.Stdout); err != nil {
			fmt.Fprintf(os.Stderr, "encrypt: %v\n", err)
			os.Exit(1)
		}
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\nRun 'masterlinc --help' for usage information.\n", os.Args[1])
		os.Exit(1)
	}
}

func showUsage() {
	fmt.Println(`masterlinc - healthcare claims agent orchestrator

USAGE:
    masterlinc [COMMAND] [FLAGS]

COMMANDS:
    doctor      Check config, storage paths and agent reachability
    encrypt     Encrypt a secret for config.yaml (needs MASTERLINC_CONFIG_KEY)
    daemon      Manage masterlinc as a system service
                Subcommands: install, uninstall, status
    version     Print the build version

    (no command) - Serve the orchestrator API

FLAGS:
    -h, --help         Show this help message
    --config PATH      Config file (default: ~/.config/masterlinc/config.yaml)

CONFIGURATION:
    Environment: MASTERLINC_* variables override the config file
    Secrets:     values prefixed "enc:" are decrypted with MASTERLINC_CONFIG_KEY

EXAMPLES:
    masterlinc                                   # Serve with the default config
    masterlinc --config /etc/masterlinc.yaml     # Serve with a custom config
    masterlinc encrypt s3cret-token              # Produce an enc: value
    masterlinc daemon install                    # Install as system service
    masterlinc doctor                            # Check the deployment`)
}

func configPath() string {
	var flag string
	for i, arg := range os.Args {
		if arg == "--config" && i+1 < len(os.Args) {
			flag = os.Args[i+1]
			break
		}
		if v, ok := strings.CutPrefix(arg, "--config="); ok {
			flag = v
			break
		}
	}
	return config.ResolvePath(flag)
}

func run() error {
	// 1. Config
	cfg, err := config.Load(configPath())
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	// 2. Logger & Tracer
	log, logCloser, err := logger.New(cfg.Logger)
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	defer logCloser()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	tracerShutdown, err := tracer.Setup(ctx, cfg.Tracer)
	if err != nil {
		return fmt.Errorf("tracer: %w", err)
	}
	defer tracerShutdown(context.Background())

	// 3. Audit trail
	sec, err := initSecurity(cfg, log)
	if err != nil {
		return fmt.Errorf("security: %w", err)
	}
	defer sec.Close()

	// 4. Event bus
	bus := eventbus.New(log)
	defer bus.Close()

	// 5. Store, registry, execution client and the orchestration services
	core, err := initCore(ctx, cfg, bus, sec, log)
	if err != nil {
		return fmt.Errorf("core: %w", err)
	}
	defer core.Close()

	// 6. Scheduler, relay, gateway
	rt, err := initRuntime(ctx, cfg, core, sec, bus, log)
	if err != nil {
		return fmt.Errorf("runtime: %w", err)
	}

	log.Info("masterlinc starting",
		"version", version,
		"agents", len(core.Registry.List(ctx)),
		"store", core.storeName(),
		"workflow_store", cfg.Workflow.Store.Type,
		"delegation_policy", cfg.Delegation.Policy,
		"audit", sec.AuditLogger != nil,
		"relay", rt.Relay != nil,
	)

	errCh := make(chan error, 1)
	if rt.Scheduler != nil {
		go rt.Scheduler.Start(ctx)
	}
	if rt.Gateway != nil {
		go func() {
			if err := rt.Gateway.Start(ctx); err != nil {
				errCh <- err
			}
		}()
	}

	select {
	case <-ctx.Done():
	case err = <-errCh:
		log.Error("gateway server error", "error", err)
	}

	shutdownCtx, stop := context.WithTimeout(context.Background(), 15*time.Second)
	defer stop()
	if cerr := rt.Shutdown(shutdownCtx); cerr != nil {
		log.Error("runtime shutdown error", "error", cerr)
	}
	if cerr := core.Workflow.Shutdown(shutdownCtx); cerr != nil && !errors.Is(cerr, context.DeadlineExceeded) {
		log.Error("workflow shutdown error", "error", cerr)
	}
	log.Info("masterlinc stopped")
	return err
}

func runDaemon() error {
	if len(os.Args) < 3 {
		return fmt.Errorf("usage: masterlinc daemon <install|uninstall|status>")
	}

	switch os.Args[2] {
	case "install":
		cfg := daemon.DefaultConfig()
		cfg.ConfigPath = configPath()
		if err := cfg.Validate(); err != nil {
			return err
		}
		return daemon.Install(cfg)
	case "uninstall":
		return daemon.Uninstall(daemon.ServiceName)
	case "status":
		status, err := daemon.Status(daemon.ServiceName)
		if err != nil {
			return err
		}
		if status.Running {
			fmt.Printf("masterlinc is running (PID %d)\n", status.PID)
		} else {
			fmt.Println("masterlinc is not running")
		}
		return nil
	default:
		return fmt.Errorf("unknown daemon command: %s (want: install, uninstall, status)", os.Args[2])
	}
}
