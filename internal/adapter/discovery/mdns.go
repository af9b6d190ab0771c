//go:build mdns

package discovery

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/grandcat/zeroconf"

	"masterlinc/internal/domain"
)

const (
	mdnsDomain         = "local."
	defaultScanTimeout = 5 * time.Second
)

// MDNS browses the local network for advertised agents.
type MDNS struct {
	service string
	timeout time.Duration
	logger  *slog.Logger
}

// NewMDNS creates an mDNS scanner. An empty service uses ServiceType.
func NewMDNS(service string, timeout time.Duration, logger *slog.Logger) *MDNS {
	if service == "" {
		service = ServiceType
	}
	if timeout <= 0 {
		timeout = defaultScanTimeout
	}
	return &MDNS{service: service, timeout: timeout, logger: logger}
}

// Scan browses for the scan timeout and returns every well-formed advertisement.
func (d *MDNS) Scan(ctx context.Context) ([]domain.Agent, error) {
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return nil, fmt.Errorf("mdns resolver: %w", err)
	}

	entries := make(chan *zeroconf.ServiceEntry)
	var mu sync.Mutex
	var agents []domain.Agent
	var wg sync.WaitGroup

	scanCtx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	wg.Add(1)
	go func() {
		defer wg.Done()
		for entry := range entries {
			a, err := entryToAgent(entry)
			if err != nil {
				d.logger.Debug("mdns advertisement skipped", "instance", entry.Instance, "error", err)
				continue
			}
			mu.Lock()
			agents = append(agents, a)
			mu.Unlock()
			d.logger.Debug("mdns discovered agent", "agent_id", a.ID, "endpoint", a.Endpoint)
		}
	}()

	if err := resolver.Browse(scanCtx, d.service, mdnsDomain, entries); err != nil {
		cancel()
		wg.Wait()
		return nil, fmt.Errorf("mdns browse: %w", err)
	}

	<-scanCtx.Done()
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	return append([]domain.Agent(nil), agents...), nil
}

func entryToAgent(entry *zeroconf.ServiceEntry) (domain.Agent, error) {
	var host string
	switch {
	case len(entry.AddrIPv4) > 0:
		host = entry.AddrIPv4[0].String()
	case len(entry.AddrIPv6) > 0:
		host = entry.AddrIPv6[0].String()
	}
	return agentFromTXT(entry.Instance, host, entry.Port, entry.Text)
}
