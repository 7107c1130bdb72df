package messaging

import (
	"context"
)

// Delivery is a single message handed to a consumer. Deliveries counts how
// many times the broker has handed this message out, starting at 1; consumers
// use it to bound redelivery.
type Delivery struct {
	ID         string
	EventType  string
	Body       []byte
	Deliveries int64
}

// Handler processes one delivery. A nil return acknowledges the message; an
// error leaves it pending for redelivery until the broker dead-letters it.
type Handler func(ctx context.Context, d Delivery) error

// Broker defines the interface for message brokers
type Broker interface {
	// Publish appends a message to the durable queue for eventType.
	Publish(ctx context.Context, eventType string, body []byte) error
	// Consume blocks, delivering messages for the subscribed event types to
	// handler until ctx is canceled.
	Consume(ctx context.Context, handler Handler) error
	Close() error
}

// Publisher is the narrow interface the outbox relay needs.
type Publisher interface {
	Publish(ctx context.Context, eventType string, body []byte) error
}
