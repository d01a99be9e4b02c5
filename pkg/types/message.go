package types

import (
	"context"
	"time"
)

// ReceivedMessage is the notification raised for each message pulled from a
// subscription. Handlers should treat it as read-only.
type ReceivedMessage struct {
	// ID is the unique identifier assigned by the broker.
	ID string
	// Payload is a copy of the raw message body.
	Payload []byte
	// Attributes holds the publisher-supplied metadata.
	Attributes map[string]string
	// PublishTime is the time the broker accepted the message.
	PublishTime time.Time
	// OrderingKey is set when the publisher used ordered delivery.
	OrderingKey string
	// DeliveryAttempt is the broker's delivery counter. Zero when the
	// subscription has no dead-letter policy.
	DeliveryAttempt int

	ack  func(ctx context.Context) error
	nack func(ctx context.Context) error
}

// NewReceivedMessage builds a message with the acknowledgement hooks a
// Poller supplies. Either hook may be nil.
func NewReceivedMessage(id string, payload []byte, attrs map[string]string, ack, nack func(ctx context.Context) error) *ReceivedMessage {
	payloadCopy := make([]byte, len(payload))
	copy(payloadCopy, payload)
	return &ReceivedMessage{
		ID:         id,
		Payload:    payloadCopy,
		Attributes: attrs,
		ack:        ack,
		nack:       nack,
	}
}

// Ack tells the broker the message was handled.
func (m *ReceivedMessage) Ack(ctx context.Context) error {
	if m.ack == nil {
		return nil
	}
	return m.ack(ctx)
}

// Nack asks the broker to redeliver the message.
func (m *ReceivedMessage) Nack(ctx context.Context) error {
	if m.nack == nil {
		return nil
	}
	return m.nack(ctx)
}

// DedupKey returns the identity used by the duplicate-detection window: the
// value of attr when the publisher set it, otherwise the broker ID.
func (m *ReceivedMessage) DedupKey(attr string) string {
	if attr != "" {
		if v, ok := m.Attributes[attr]; ok && v != "" {
			return v
		}
	}
	return m.ID
}
