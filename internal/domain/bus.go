package domain

import (
	"context"
	"time"
)

// InboundEvent is the unit handed from the webhook to the worker.
type InboundEvent struct {
	ID         string         `json:"id"`
	Message    InboundMessage `json:"message"`
	ReceivedAt time.Time      `json:"receivedAt"`
}

// InboundQueue decouples webhook acknowledgement from message processing.
type InboundQueue interface {
	Publish(ctx context.Context, ev InboundEvent) error
	Consume() <-chan InboundEvent
	Close() error
}
