package agent

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"wabot/internal/domain"
	"wabot/internal/metrics"
)

const defaultConcurrency = 10

// DeviceLoader resolves the WhatsApp device messages are answered from.
type DeviceLoader interface {
	LoadDevice(ctx context.Context, id string) (domain.Device, error)
}

// MessageProcessor is implemented by *Bot.
type MessageProcessor interface {
	ProcessMessage(ctx context.Context, msg domain.InboundMessage, device domain.Device)
}

type WorkerConfig struct {
	Queue       domain.InboundQueue
	Processor   MessageProcessor
	Devices     DeviceLoader
	DeviceID    string // empty selects the account's first device
	Concurrency int
	Logger      *slog.Logger
}

// Worker drains the inbound queue, one goroutine per message, bounded by a
// semaphore.
type Worker struct {
	queue       domain.InboundQueue
	processor   MessageProcessor
	devices     DeviceLoader
	deviceID    string
	concurrency int
	logger      *slog.Logger
	wg          sync.WaitGroup
}

func NewWorker(cfg WorkerConfig) *Worker {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = defaultConcurrency
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Worker{
		queue:       cfg.Queue,
		processor:   cfg.Processor,
		devices:     cfg.Devices,
		deviceID:    cfg.DeviceID,
		concurrency: cfg.Concurrency,
		logger:      cfg.Logger,
	}
}

// Run consumes events until ctx is done or the queue is closed, then waits
// for in-flight messages to finish.
func (w *Worker) Run(ctx context.Context) {
	w.logger.Info("worker started", "concurrency", w.concurrency)
	defer w.wg.Wait()

	sem := make(chan struct{}, w.concurrency)
	inbound := w.queue.Consume()

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("worker stopping")
			return
		case ev, ok := <-inbound:
			if !ok {
				w.logger.Info("inbound queue closed, worker stopping")
				return
			}
			select {
			case sem <- struct{}{}:
			case <-ctx.Done():
				w.logger.Warn("dropping event on shutdown", "event", ev.ID)
				return
			}
			w.wg.Add(1)
			go func(ev domain.InboundEvent) {
				defer w.wg.Done()
				defer func() { <-sem }()
				w.handle(ctx, ev)
			}(ev)
		}
	}
}

func (w *Worker) handle(ctx context.Context, ev domain.InboundEvent) {
	metrics.MessagesInFlight.Inc()
	defer metrics.MessagesInFlight.Dec()
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("panic in worker", "event", ev.ID, "panic", r)
			metrics.MessagesTotal.WithLabelValues("panic").Inc()
		}
	}()

	device, err := w.devices.LoadDevice(ctx, w.deviceID)
	if err != nil {
		w.logger.Error("failed to load device", "event", ev.ID, "error", err)
		metrics.MessagesTotal.WithLabelValues("failed").Inc()
		return
	}

	start := time.Now()
	w.processor.ProcessMessage(ctx, ev.Message, device)
	w.logger.Debug("event processed",
		"event", ev.ID,
		"chat", ev.Message.Chat.ID,
		"queued", start.Sub(ev.ReceivedAt),
		"duration", time.Since(start),
	)
}
