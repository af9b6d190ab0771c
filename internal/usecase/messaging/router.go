package messaging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/oklog/ulid/v2"

	"masterlinc/internal/domain"
	"masterlinc/internal/infra/tracer"
)

const defaultDeliveryTimeout = 30 * time.Second

// Config holds message routing settings.
type Config struct {
	DefaultPriority int
	MaxInFlight     int // concurrent deliveries; 0 = unlimited
	Timeout         time.Duration
}

// Router delivers point-to-point messages between registered agents.
// Messages are not queued beyond the admission gate and never persisted.
type Router struct {
	dir         domain.AgentDirectory
	exec        domain.AgentExecutor
	cfg         Config
	gate        *gate
	bus         domain.EventBus
	auditLogger domain.AuditLogger
	logger      *slog.Logger
	now         func() time.Time

	delivered atomic.Uint64
	failed    atomic.Uint64
}

// Stats is a point-in-time view of router activity.
type Stats struct {
	Delivered uint64 `json:"delivered"`
	Failed    uint64 `json:"failed"`
	InFlight  int    `json:"in_flight"`
	Queued    int    `json:"queued"`
}

// New creates a message router. bus and auditLogger may be nil.
func New(dir domain.AgentDirectory, exec domain.AgentExecutor, cfg Config,
	bus domain.EventBus, auditLogger domain.AuditLogger, logger *slog.Logger) *Router {
	if cfg.DefaultPriority == 0 {
		cfg.DefaultPriority = domain.DefaultTaskPriority
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultDeliveryTimeout
	}
	return &Router{
		dir:         dir,
		exec:        exec,
		cfg:         cfg,
		gate:        newGate(cfg.MaxInFlight),
		bus:         bus,
		auditLogger: auditLogger,
		logger:      logger,
		now:         time.Now,
	}
}

// Route validates both endpoints, then delivers msg to the receiver once.
// Validation failures mint no message id. A delivery failure returns both
// the failed acknowledgement and the underlying error.
func (r *Router) Route(ctx context.Context, msg domain.RoutedMessage) (*domain.MessageRouteResponse, error) {
	ctx, span := tracer.StartSpan(ctx, "message.route")
	defer span.End()

	receiver, err := r.validate(ctx, &msg)
	if err != nil {
		tracer.RecordError(span, err)
		return nil, err
	}

	id := ulid.MustNew(ulid.Timestamp(r.now()), ulid.DefaultEntropy()).String()
	span.SetAttributes(
		tracer.StringAttr("message_id", id),
		tracer.StringAttr("sender_id", msg.SenderID),
		tracer.StringAttr("receiver_id", msg.ReceiverID),
		tracer.IntAttr("priority", msg.Priority),
	)

	result, err := r.deliver(ctx, id, *receiver, msg)
	if err != nil {
		r.failed.Add(1)
		tracer.RecordError(span, err)
		r.logger.Warn("message delivery failed", "message_id", id, "sender_id", msg.SenderID,
			"receiver_id", msg.ReceiverID, "error", err)
		if !errors.Is(err, domain.ErrCancelled) {
			r.dir.RecordFailure(ctx, receiver.ID, err)
		}
		r.record(ctx, domain.EventMessageFailed, id, msg, "failure", err)
		return &domain.MessageRouteResponse{
			MessageID: id,
			Status:    domain.MessageFailed,
			Message:   domain.MsgRouteFail,
			MessageAR: domain.MsgRouteFailAR,
		}, err
	}

	r.delivered.Add(1)
	at := r.now()
	tracer.SetOK(span)
	r.logger.Info("message delivered", "message_id", id, "sender_id", msg.SenderID,
		"receiver_id", msg.ReceiverID, "message_type", msg.MessageType)
	r.record(ctx, domain.EventMessageRouted, id, msg, "success", nil)
	return &domain.MessageRouteResponse{
		MessageID:   id,
		Status:      domain.MessageDelivered,
		DeliveredAt: &at,
		Message:     domain.MsgRouted,
		MessageAR:   domain.MsgRoutedAR,
		Result:      result,
	}, nil
}

// Stats returns delivery counters.
func (r *Router) Stats() Stats {
	active, queued := r.gate.stats()
	return Stats{
		Delivered: r.delivered.Load(),
		Failed:    r.failed.Load(),
		InFlight:  active,
		Queued:    queued,
	}
}

func (r *Router) validate(ctx context.Context, msg *domain.RoutedMessage) (*domain.Agent, error) {
	const op = "Router.Route"
	if _, err := r.lookup(ctx, "Sender", msg.SenderID); err != nil {
		return nil, err
	}
	receiver, err := r.lookup(ctx, "Receiver", msg.ReceiverID)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(msg.MessageType) == "" {
		return nil, domain.NewSubSystemError("message", op, domain.ErrInvalidInput,
			"Invalid request: message_type is required")
	}
	if msg.Priority == 0 {
		msg.Priority = r.cfg.DefaultPriority
	}
	if msg.Priority < domain.MinPriority || msg.Priority > domain.MaxPriority {
		return nil, domain.NewSubSystemError("message", op, domain.ErrInvalidInput,
			fmt.Sprintf("Invalid request: priority %d outside %d-%d", msg.Priority, domain.MinPriority, domain.MaxPriority))
	}
	return receiver, nil
}

func (r *Router) lookup(ctx context.Context, role, id string) (*domain.Agent, error) {
	a, err := r.dir.Get(ctx, id)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil, domain.NewSubSystemError("message", "Router.Route", domain.ErrNotFound,
				fmt.Sprintf("%s agent %s not found", role, id))
		}
		return nil, domain.WrapOp("Router.Route", err)
	}
	return a, nil
}

func (r *Router) deliver(ctx context.Context, id string, receiver domain.Agent, msg domain.RoutedMessage) (*domain.ExecuteResult, error) {
	if err := r.gate.acquire(ctx, msg.Priority); err != nil {
		return nil, domain.NewSubSystemError("message", "Router.deliver", domain.ErrCancelled,
			fmt.Sprintf("message %s gave up waiting for a delivery slot: %v", id, err))
	}
	defer r.gate.release()

	req, err := domain.NewExecuteRequest(domain.MessageTask{
		MessageID:   id,
		SenderID:    msg.SenderID,
		MessageType: msg.MessageType,
		Priority:    msg.Priority,
		Content:     msg.Content,
	})
	if err != nil {
		return nil, err
	}

	cctx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
	defer cancel()
	return r.exec.Execute(cctx, receiver, req, domain.CallOptions{Timeout: r.cfg.Timeout})
}

func (r *Router) record(ctx context.Context, eventType domain.EventType, id string, msg domain.RoutedMessage, outcome string, cause error) {
	detail := map[string]string{
		"message_id":   id,
		"sender_id":    msg.SenderID,
		"receiver_id":  msg.ReceiverID,
		"message_type": msg.MessageType,
		"priority":     fmt.Sprint(msg.Priority),
	}
	if cause != nil {
		detail["error"] = cause.Error()
	}
	if r.bus != nil {
		r.bus.Publish(ctx, domain.NewEvent(eventType, id, detail))
	}
	if r.auditLogger == nil {
		return
	}
	if err := r.auditLogger.Log(ctx, domain.AuditEvent{
		Timestamp: r.now(),
		Type:      domain.AuditMessageRoute,
		Actor:     msg.SenderID,
		Resource:  "agent/" + msg.ReceiverID,
		Action:    msg.MessageType,
		Outcome:   outcome,
		Detail:    detail,
	}); err != nil {
		r.logger.Warn("audit write failed", "type", string(domain.AuditMessageRoute), "error", err)
	}
}
