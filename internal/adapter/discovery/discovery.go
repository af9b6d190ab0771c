// Package discovery finds agents advertised on the local network and
// registers the ones the registry does not know yet.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"

	"masterlinc/internal/domain"
)

// ServiceType is the DNS-SD service agents advertise.
const ServiceType = "_masterlinc-agent._tcp"

// Scanner lists the agents currently visible on the network.
type Scanner interface {
	Scan(ctx context.Context) ([]domain.Agent, error)
}

// Registrar is the registry surface discovery writes through.
type Registrar interface {
	Get(ctx context.Context, id string) (*domain.Agent, error)
	Register(ctx context.Context, a domain.Agent) (domain.Agent, error)
}

// Syncer registers newly discovered agents. Known agents are left alone so
// discovery never overrides operator registrations or heartbeat status.
type Syncer struct {
	scanner  Scanner
	registry Registrar
	logger   *slog.Logger
}

// NewSyncer creates a Syncer.
func NewSyncer(scanner Scanner, registry Registrar, logger *slog.Logger) *Syncer {
	return &Syncer{scanner: scanner, registry: registry, logger: logger}
}

// Sync scans once and returns the number of agents registered.
func (s *Syncer) Sync(ctx context.Context) (int, error) {
	found, err := s.scanner.Scan(ctx)
	if err != nil {
		return 0, domain.WrapOp("discovery.Sync", err)
	}
	added := 0
	for _, a := range found {
		_, err := s.registry.Get(ctx, a.ID)
		if err == nil {
			continue
		}
		if !errors.Is(err, domain.ErrNotFound) {
			return added, domain.WrapOp("discovery.Sync", err)
		}
		if _, err := s.registry.Register(ctx, a); err != nil {
			s.logger.Warn("discovered agent rejected", "agent_id", a.ID, "endpoint", a.Endpoint, "error", err)
			continue
		}
		added++
	}
	if added > 0 {
		s.logger.Info("agents discovered", "added", added, "seen", len(found))
	}
	return added, nil
}

// agentFromTXT builds an agent from an advertisement. host may be an IPv6
// literal. TXT keys: id, name, name_ar, caps (comma separated), priority,
// path, scheme, version.
func agentFromTXT(instance, host string, port int, txt []string) (domain.Agent, error) {
	meta := parseTXTRecords(txt)
	id := meta["id"]
	if id == "" {
		id = instance
	}
	if id == "" {
		return domain.Agent{}, fmt.Errorf("advertisement has no id")
	}
	if host == "" {
		return domain.Agent{}, fmt.Errorf("agent %s advertised no address", id)
	}

	scheme := meta["scheme"]
	if scheme == "" {
		scheme = "http"
	}
	path := meta["path"]
	if path != "" && !strings.HasPrefix(path, "/") {
		path = "/" + path
	}

	a := domain.Agent{
		ID:       id,
		Name:     meta["name"],
		NameAR:   meta["name_ar"],
		Endpoint: scheme + "://" + net.JoinHostPort(host, strconv.Itoa(port)) + path,
		Version:  meta["version"],
		Category: meta["category"],
		Metadata: map[string]string{"discovered_via": "mdns"},
	}
	if a.Name == "" {
		a.Name = instance
	}
	for c := range strings.SplitSeq(meta["caps"], ",") {
		if c = strings.TrimSpace(c); c != "" {
			a.Capabilities = append(a.Capabilities, domain.Capability(c))
		}
	}
	if raw := meta["priority"]; raw != "" {
		p, err := strconv.Atoi(raw)
		if err != nil {
			return domain.Agent{}, fmt.Errorf("agent %s: invalid priority %q", id, raw)
		}
		a.Priority = p
	} else {
		a.Priority = domain.DefaultAgentPriority
	}
	return a, nil
}

func parseTXTRecords(txt []string) map[string]string {
	m := make(map[string]string, len(txt))
	for _, t := range txt {
		k, v, ok := strings.Cut(t, "=")
		if ok {
			m[k] = v
		}
	}
	return m
}
