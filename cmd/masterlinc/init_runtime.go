package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"

	"masterlinc/internal/adapter/agentclient"
	"masterlinc/internal/adapter/discovery"
	"masterlinc/internal/adapter/gateway"
	"masterlinc/internal/adapter/redisbus"
	"masterlinc/internal/domain"
	"masterlinc/internal/infra/config"
	"masterlinc/internal/infra/middleware"
	"masterlinc/internal/usecase/registry"
	"masterlinc/internal/usecase/relay"
	"masterlinc/internal/usecase/scheduling"
)

// RuntimeComponents holds the long-running parts of the process.
type RuntimeComponents struct {
	Scheduler *scheduling.Scheduler // nil when disabled
	Relay     *relay.Relay          // nil when disabled
	Gateway   *gateway.Server       // nil when disabled
}

// Shutdown stops the gateway first so no new work arrives, then the
// scheduler and the relay.
func (r *RuntimeComponents) Shutdown(ctx context.Context) error {
	var errs []error
	if r.Gateway != nil {
		errs = append(errs, r.Gateway.Stop(ctx))
	}
	if r.Scheduler != nil {
		errs = append(errs, r.Scheduler.Stop())
	}
	if r.Relay != nil {
		errs = append(errs, r.Relay.Stop())
	}
	return errors.Join(errs...)
}

func initRuntime(
	ctx context.Context,
	cfg *config.Config,
	core *CoreComponents,
	sec *SecurityComponents,
	bus domain.EventBus,
	log *slog.Logger,
) (*RuntimeComponents, error) {
	comp := &RuntimeComponents{}

	// 1. Scheduler
	if cfg.Scheduler.Enabled {
		s, err := initScheduler(cfg, core, sec, log)
		if err != nil {
			return nil, fmt.Errorf("scheduler: %w", err)
		}
		comp.Scheduler = s
	}

	// 2. Relay
	if cfg.Relay.Enabled {
		client, err := redisbus.Dial(ctx, cfg.Relay.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("relay: %w", err)
		}
		nodeID := cfg.Relay.NodeID
		if nodeID == "" {
			nodeID, _ = os.Hostname()
		}
		r := relay.New(client, bus, core.Registry, relay.Config{
			NodeID:           nodeID,
			EventChannel:     cfg.Relay.Channel,
			HeartbeatChannel: cfg.Relay.HeartbeatChannel,
		}, log.With("component", "relay"))
		if err := r.Start(ctx); err != nil {
			client.Close()
			return nil, err
		}
		comp.Relay = r
	}

	// 3. Gateway
	if cfg.Gateway.Enabled {
		comp.Gateway = initGateway(ctx, cfg, core, sec, bus, log)
	}

	return comp, nil
}

// initScheduler registers the background actions and their tasks. Health
// probing and discovery get a task from their own config sections unless
// scheduler.tasks already schedules that action.
func initScheduler(cfg *config.Config, core *CoreComponents, sec *SecurityComponents, log *slog.Logger) (*scheduling.Scheduler, error) {
	scheduler := scheduling.NewScheduler(log.With("component", "scheduler"))

	hc := cfg.Registry.HealthCheck
	prober := registry.NewHTTPProber(&http.Client{
		Transport: agentclient.NewPooledTransport(cfg.AgentClient.ConnTimeout, agentclient.PoolConfig{
			MaxIdleConns:        cfg.AgentClient.Pool.MaxIdleConns,
			MaxIdleConnsPerHost: 2,
			IdleConnTimeout:     cfg.AgentClient.Pool.IdleConnTimeout,
		}),
	}, hc.Path)
	checker := registry.NewHealthChecker(core.Registry, prober, hc.Timeout, log.With("component", "health"))
	scheduler.RegisterAction(scheduling.ActionAgentHealthProbe, checker.CheckAll)

	dc := cfg.Registry.Discovery
	syncer := discovery.NewSyncer(discovery.NewMDNS(dc.Service, dc.ScanTimeout, log), core.Registry, log.With("component", "discovery"))
	scheduler.RegisterAction(scheduling.ActionAgentDiscovery, func(ctx context.Context) error {
		n, err := syncer.Sync(ctx)
		if n > 0 {
			log.Info("discovered agents registered", "count", n)
		}
		return err
	})

	if sec.FileAuditLogger != nil {
		scheduler.RegisterAction(scheduling.ActionAuditRetention, func(ctx context.Context) error {
			removed, err := sec.FileAuditLogger.EnforceRetention(ctx)
			if err != nil {
				return err
			}
			if removed > 0 {
				log.Info("audit retention enforced", "removed", removed)
			}
			return nil
		})
	}

	scheduled := make(map[scheduling.ScheduledAction]bool)
	for _, t := range cfg.Scheduler.Tasks {
		task := scheduling.ScheduledTask{
			Name:     t.Name,
			Schedule: t.Schedule,
			Action:   scheduling.ScheduledAction(t.Action),
			OneShot:  t.OneShot,
		}
		if err := scheduler.AddTask(task); err != nil {
			return nil, err
		}
		scheduled[task.Action] = true
	}

	if hc.Enabled && !scheduled[scheduling.ActionAgentHealthProbe] {
		if err := scheduler.AddTask(scheduling.ScheduledTask{
			Name: "agent-health", Schedule: hc.Schedule, Action: scheduling.ActionAgentHealthProbe,
		}); err != nil {
			return nil, err
		}
	}
	if dc.MDNS && dc.ScanInterval > 0 && !scheduled[scheduling.ActionAgentDiscovery] {
		if err := scheduler.AddTask(scheduling.ScheduledTask{
			Name: "agent-discovery", Schedule: dc.ScanInterval.String(), Action: scheduling.ActionAgentDiscovery,
		}); err != nil {
			return nil, err
		}
	}
	return scheduler, nil
}

func initGateway(ctx context.Context, cfg *config.Config, core *CoreComponents, sec *SecurityComponents, bus domain.EventBus, log *slog.Logger) *gateway.Server {
	gc := cfg.Gateway

	var auth gateway.Authenticator = gateway.OpenAuth{}
	enforce := gc.Auth.Type == "static"
	if enforce {
		entries := make([]gateway.TokenEntry, len(gc.Auth.Tokens))
		for i, t := range gc.Auth.Tokens {
			entries[i] = gateway.TokenEntry{Token: t.Token, Name: t.Name, Roles: t.Roles}
		}
		auth = gateway.NewStaticTokenAuth(entries)
	} else {
		log.Warn("gateway authentication disabled; every caller is treated as admin")
	}

	opts := []gateway.Option{
		gateway.WithMiddleware(
			middleware.SecurityHeaders,
			middleware.CORS(gc.CORSOrigins),
			middleware.RateLimit(ctx, middleware.RateLimitConfig{
				RequestsPerMin: gc.RateLimit.RequestsPerMin,
				BurstSize:      gc.RateLimit.Burst,
				TrustedProxies: gc.RateLimit.TrustedProxies,
			}),
		),
	}
	if hosts := originHosts(gc.CORSOrigins); len(hosts) > 0 {
		opts = append(opts, gateway.WithOriginPatterns(hosts...))
	}
	srv := gateway.NewServer(bus, auth, gc.Addr, log.With("component", "gateway"), opts...)

	deps := gateway.HandlerDeps{
		Registry:    core.Registry,
		Delegation:  core.Delegation,
		Workflow:    core.Workflow,
		Messaging:   core.Messaging,
		Bus:         bus,
		Breakers:    core.Client,
		AuditLogger: sec.AuditLogger,
		Logger:      log,
		Version:     version,
		Enforce:     enforce,
	}
	if core.DB != nil {
		deps.Database = core.DB
	}
	gateway.RegisterDefaultHandlers(srv, deps)
	gateway.RegisterRESTHandlers(srv, deps)
	return srv
}

// originHosts turns CORS origins ("https://portal.example.sa") into the
// host patterns the WebSocket origin check expects.
func originHosts(origins []string) []string {
	var hosts []string
	for _, o := range origins {
		if o == "*" {
			hosts = append(hosts, "*")
			continue
		}
		u, err := url.Parse(o)
		if err != nil || u.Host == "" {
			continue
		}
		hosts = append(hosts, u.Host)
	}
	return hosts
}
