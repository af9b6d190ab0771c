//go:build !mdns

package discovery

import (
	"context"
	"log/slog"
	"time"

	"masterlinc/internal/domain"
)

// MDNS finds nothing when mDNS support is not compiled in.
type MDNS struct{}

// NewMDNS returns a scanner that always reports no agents.
func NewMDNS(string, time.Duration, *slog.Logger) *MDNS { return &MDNS{} }

// Scan returns nil. Build with -tags mdns for network discovery.
func (*MDNS) Scan(context.Context) ([]domain.Agent, error) { return nil, nil }
