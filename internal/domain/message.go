package domain

import "time"

// MessageStatus is the delivery state of a routed message.
type MessageStatus string

const (
	MessageQueued    MessageStatus = "queued"
	MessageDelivered MessageStatus = "delivered"
	MessageFailed    MessageStatus = "failed"
)

// RoutedMessage is a point-to-point message between two registered agents.
type RoutedMessage struct {
	SenderID    string         `json:"sender_id"`
	ReceiverID  string         `json:"receiver_id"`
	MessageType string         `json:"message_type"`
	Content     map[string]any `json:"content"`
	Priority    int            `json:"priority,omitempty"`
}

// MessageRouteResponse acknowledges a routing attempt.
type MessageRouteResponse struct {
	MessageID   string         `json:"message_id"`
	Status      MessageStatus  `json:"status"`
	DeliveredAt *time.Time     `json:"delivered_at,omitempty"`
	Message     string         `json:"message"`
	MessageAR   string         `json:"message_ar,omitempty"`
	Result      *ExecuteResult `json:"result,omitempty"`
}
