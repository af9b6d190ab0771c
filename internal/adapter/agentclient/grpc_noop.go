//go:build !grpc_agent

package agentclient

import (
	"context"
	"log/slog"

	"masterlinc/internal/domain"
)

// grpcTransport stands in when gRPC support is not compiled in.
type grpcTransport struct{}

func newGRPCTransport(*slog.Logger) *grpcTransport { return &grpcTransport{} }

func (grpcTransport) call(_ context.Context, agent domain.Agent, _ domain.ExecuteRequest) (*domain.ExecuteResult, error) {
	return nil, domain.NewDomainError("AgentClient.grpc", domain.ErrTransportFailure,
		"grpc endpoint "+agent.Endpoint+" unavailable: build with -tags grpc_agent")
}

func (grpcTransport) Close() error { return nil }
