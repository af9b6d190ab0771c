//go:build grpc_agent

package agentclient

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"sync"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"

	"masterlinc/internal/adapter/agentclient/agentpb"
	"masterlinc/internal/domain"
)

// grpcTransport calls AgentService/Execute. Connections are cached per
// address and dropped after a failed call so the next attempt redials.
type grpcTransport struct {
	logger *slog.Logger
	mu     sync.Mutex
	conns  map[string]*grpc.ClientConn
}

func newGRPCTransport(logger *slog.Logger) *grpcTransport {
	return &grpcTransport{
		logger: logger,
		conns:  make(map[string]*grpc.ClientConn),
	}
}

func (g *grpcTransport) conn(address string) (*grpc.ClientConn, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if conn, ok := g.conns[address]; ok {
		return conn, nil
	}
	conn, err := grpc.NewClient(address,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype("json")),
	)
	if err != nil {
		return nil, fmt.Errorf("grpc connect %s: %w", address, err)
	}
	g.conns[address] = conn
	return conn, nil
}

func (g *grpcTransport) call(ctx context.Context, agent domain.Agent, req domain.ExecuteRequest) (*domain.ExecuteResult, error) {
	u, err := url.Parse(agent.Endpoint)
	if err != nil {
		return nil, err
	}
	address := u.Host
	conn, err := g.conn(address)
	if err != nil {
		return nil, err
	}

	resp, err := agentpb.NewAgentServiceClient(conn).Execute(ctx, &agentpb.ExecuteRequest{
		Type:    req.Type,
		Payload: req.Payload,
	})
	if err != nil {
		g.mu.Lock()
		if g.conns[address] == conn {
			delete(g.conns, address)
			_ = conn.Close()
		}
		g.mu.Unlock()
		if status.Code(err) == codes.DeadlineExceeded {
			return nil, domain.NewDomainError("AgentClient.grpc", domain.ErrTimeout, err.Error())
		}
		return nil, fmt.Errorf("grpc execute on %s: %w", address, err)
	}

	g.logger.Debug("grpc agent call complete", "agent_id", agent.ID, "address", address, "type", req.Type)
	switch domain.ExecutionStatus(resp.Status) {
	case domain.ExecCompleted, domain.ExecFailed:
		return &domain.ExecuteResult{Status: domain.ExecutionStatus(resp.Status), Result: resp.Result}, nil
	default:
		return nil, domain.NewDomainError("AgentClient.decode", domain.ErrTransportFailure,
			fmt.Sprintf("agent %q sent unknown status %q", agent.ID, resp.Status))
	}
}

// Close closes all cached connections.
func (g *grpcTransport) Close() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	for addr, conn := range g.conns {
		_ = conn.Close()
		delete(g.conns, addr)
	}
	return nil
}
