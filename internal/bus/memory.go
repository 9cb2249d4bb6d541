// Package bus carries inbound webhook events to the worker, either through an
// in-process channel or a RabbitMQ queue.
package bus

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"wabot/internal/domain"
)

const publishTimeout = 10 * time.Second

// ErrClosed is returned when publishing to a closed queue.
var ErrClosed = errors.New("queue closed")

// ErrFull is returned when the buffer stayed full for the whole publish timeout.
var ErrFull = errors.New("queue full")

// MemoryQueue is a Go-channel based queue for single-process deployments.
type MemoryQueue struct {
	inbound chan domain.InboundEvent
	mu      sync.RWMutex
	closed  bool
	timeout time.Duration
	logger  *slog.Logger
}

var _ domain.InboundQueue = (*MemoryQueue)(nil)

// NewMemory creates a MemoryQueue with the given buffer size.
func NewMemory(bufferSize int, logger *slog.Logger) *MemoryQueue {
	if bufferSize <= 0 {
		bufferSize = 100
	}
	return &MemoryQueue{
		inbound: make(chan domain.InboundEvent, bufferSize),
		timeout: publishTimeout,
		logger:  logger,
	}
}

// Publish blocks up to 10 seconds if the queue is full instead of dropping.
func (q *MemoryQueue) Publish(ctx context.Context, ev domain.InboundEvent) error {
	q.mu.RLock()
	defer q.mu.RUnlock()

	if q.closed {
		return ErrClosed
	}

	select {
	case q.inbound <- ev:
		return nil
	default:
	}

	q.logger.Warn("inbound queue full, waiting", "event", ev.ID, "chat", ev.Message.Chat.ID)
	timer := time.NewTimer(q.timeout)
	defer timer.Stop()
	select {
	case q.inbound <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		q.logger.Error("event dropped: queue full", "event", ev.ID, "chat", ev.Message.Chat.ID)
		return ErrFull
	}
}

func (q *MemoryQueue) Consume() <-chan domain.InboundEvent {
	return q.inbound
}

// Close stops accepting events. Buffered events stay readable until drained.
func (q *MemoryQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if !q.closed {
		q.closed = true
		close(q.inbound)
	}
	return nil
}
