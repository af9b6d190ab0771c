package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"masterlinc/internal/adapter/agentclient"
	"masterlinc/internal/adapter/store"
	"masterlinc/internal/domain"
	"masterlinc/internal/infra/config"
	"masterlinc/internal/usecase/delegation"
	"masterlinc/internal/usecase/messaging"
	"masterlinc/internal/usecase/registry"
	"masterlinc/internal/usecase/workflow"
)

// In-memory retention when no database is configured.
const (
	memoryTaskLimit = 10000
	memoryRunLimit  = 1000
)

// CoreComponents holds the orchestration services and what backs them.
type CoreComponents struct {
	DB         *store.SQLite // nil when running in memory
	Client     *agentclient.Client
	Registry   *registry.Registry
	Delegation *delegation.Service
	Workflow   *workflow.Engine
	Messaging  *messaging.Router
}

// Close releases the execution client and the database.
func (c *CoreComponents) Close() error {
	var errs []error
	if c.Client != nil {
		errs = append(errs, c.Client.Close())
	}
	if c.DB != nil {
		errs = append(errs, c.DB.Close())
	}
	return errors.Join(errs...)
}

func (c *CoreComponents) storeName() string {
	if c.DB == nil {
		return "memory"
	}
	return "sqlite"
}

// initCore opens the store, restores and seeds the registry, and builds the
// delegation, workflow and messaging services over one execution client.
func initCore(ctx context.Context, cfg *config.Config, bus domain.EventBus, sec *SecurityComponents, log *slog.Logger) (*CoreComponents, error) {
	comp := &CoreComponents{}
	audit := sec.AuditLogger

	var agentStore domain.AgentStore
	var taskStore domain.TaskStore = delegation.NewMemoryStore(memoryTaskLimit)
	if cfg.Store.Path != "" {
		db, err := store.Open(cfg.Store.Path)
		if err != nil {
			return nil, err
		}
		comp.DB = db
		if key := cfg.Store.EncryptionKey; key != "" {
			if err := db.Encrypt(ctx, key); err != nil {
				comp.Close()
				return nil, err
			}
		}
		agentStore = db
		taskStore = db
		log.Info("store opened", "path", cfg.Store.Path, "encrypted", cfg.Store.EncryptionKey != "")
	}

	// Registry: persisted state first, then configured seeds.
	comp.Registry = registry.New(agentStore, bus, audit, log.With("component", "registry"))
	if _, err := comp.Registry.Restore(ctx); err != nil {
		comp.Close()
		return nil, err
	}
	if err := comp.Registry.Seed(ctx, seedAgents(cfg.Registry.Agents)); err != nil {
		comp.Close()
		return nil, err
	}

	ac := cfg.AgentClient
	comp.Client = agentclient.New(agentclient.Config{
		Timeout:     ac.Timeout,
		ConnTimeout: ac.ConnTimeout,
		Pool: agentclient.PoolConfig{
			MaxIdleConns:        ac.Pool.MaxIdleConns,
			MaxIdleConnsPerHost: ac.Pool.MaxIdleConnsPerHost,
			MaxConnsPerHost:     ac.Pool.MaxConnsPerHost,
			IdleConnTimeout:     ac.Pool.IdleConnTimeout,
		},
		CircuitBreaker: agentclient.BreakerConfig{
			Enabled:     ac.CircuitBreaker.Enabled,
			MaxFailures: ac.CircuitBreaker.MaxFailures,
			Timeout:     ac.CircuitBreaker.Timeout,
			Interval:    ac.CircuitBreaker.Interval,
		},
		GRPC: ac.GRPC.Enabled,
	}, log.With("component", "agentclient"))

	comp.Delegation = delegation.New(comp.Registry, taskStore, comp.Client, delegation.Config{
		Policy:         delegation.Policy(cfg.Delegation.Policy),
		DefaultTimeout: cfg.Delegation.DefaultTimeout,
		Retry: domain.RetryPolicy{
			MaxAttempts: ac.Retry.MaxAttempts,
			Backoff:     ac.Retry.Backoff,
		},
	}, bus, audit, log.With("component", "delegation"))

	runStore, err := workflowStore(ctx, cfg.Workflow.Store, comp.DB, log)
	if err != nil {
		comp.Close()
		return nil, err
	}
	comp.Workflow = workflow.NewEngine(comp.Registry, comp.Client, runStore, workflow.Config{
		Enabled:            cfg.Workflow.Enabled,
		MaxRunning:         cfg.Workflow.MaxRunning,
		MaxParallelSteps:   cfg.Workflow.MaxParallelSteps,
		DefaultStepTimeout: cfg.Workflow.DefaultStepTimeout,
		DefinitionsDir:     cfg.Workflow.DefinitionsDir,
	}, bus, audit, log.With("component", "workflow"))
	if err := comp.Workflow.LoadDefinitions(); err != nil {
		log.Warn("workflow definitions not loaded", "error", err)
	}

	comp.Messaging = messaging.New(comp.Registry, comp.Client, messaging.Config{
		DefaultPriority: cfg.Messaging.DefaultPriority,
		MaxInFlight:     cfg.Messaging.MaxInFlight,
		Timeout:         cfg.Messaging.Timeout,
	}, bus, audit, log.With("component", "messaging"))

	return comp, nil
}

// workflowStore picks the run store. The sqlite store needs store.path and
// fails runs a previous process left unfinished.
func workflowStore(ctx context.Context, sc config.WorkflowStoreConfig, db *store.SQLite, log *slog.Logger) (domain.WorkflowStore, error) {
	switch sc.Type {
	case "", "memory":
		return workflow.NewMemoryStore(memoryRunLimit), nil
	case "file":
		fs, err := workflow.NewFileStore(sc.Path)
		if err != nil {
			return nil, err
		}
		return fs, nil
	case "sqlite":
		if db == nil {
			return nil, fmt.Errorf("workflow store %q requires store.path", sc.Type)
		}
		n, err := db.FailInterrupted(ctx)
		if err != nil {
			return nil, err
		}
		if n > 0 {
			log.Warn("workflow runs interrupted by restart marked failed", "count", n)
		}
		return db, nil
	default:
		return nil, fmt.Errorf("unknown workflow store type %q", sc.Type)
	}
}

// seedAgents converts configured seeds to registry records.
func seedAgents(seeds []config.AgentSeed) []domain.Agent {
	out := make([]domain.Agent, 0, len(seeds))
	for _, s := range seeds {
		caps := make([]domain.Capability, len(s.Capabilities))
		for i, c := range s.Capabilities {
			caps[i] = domain.Capability(c)
		}
		out = append(out, domain.Agent{
			ID:            s.ID,
			Name:          s.Name,
			NameAR:        s.NameAR,
			Description:   s.Description,
			DescriptionAR: s.DescriptionAR,
			Category:      s.Category,
			Endpoint:      s.Endpoint,
			Capabilities:  caps,
			Priority:      s.Priority,
			Version:       s.Version,
			Metadata:      s.Metadata,
		})
	}
	return out
}
