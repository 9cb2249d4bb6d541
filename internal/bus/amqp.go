package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rabbitmq/amqp091-go"

	"wabot/internal/domain"
)

const maxDialDelay = 60 * time.Second

type AMQPConfig struct {
	URL      string
	Queue    string
	Prefetch int
	// Buffer sizes the channel handed to the worker.
	Buffer        int
	RetryAttempts int
	RetryDelay    time.Duration
	Logger        *slog.Logger
}

// AMQPQueue publishes inbound events to a durable RabbitMQ queue and consumes
// them back for the worker. Deliveries are acked once handed to the worker.
type AMQPQueue struct {
	conn   *amqp091.Connection
	pubMu  sync.Mutex
	pubCh  *amqp091.Channel
	subCh  *amqp091.Channel
	queue  string
	out    chan domain.InboundEvent
	done   chan struct{}
	wg     sync.WaitGroup
	once   sync.Once
	logger *slog.Logger
}

var _ domain.InboundQueue = (*AMQPQueue)(nil)

// DialWithRetry connects to RabbitMQ with exponential backoff, capped at a
// minute per wait. It gives up when ctx is done.
func DialWithRetry(ctx context.Context, url string, attempts int, delay time.Duration, logger *slog.Logger) (*amqp091.Connection, error) {
	if attempts <= 0 {
		attempts = 1
	}
	var lastErr error
	for i := 1; i <= attempts; i++ {
		conn, err := amqp091.Dial(url)
		if err == nil {
			if i > 1 {
				logger.Info("rabbit connected", slog.Int("attempt", i))
			}
			return conn, nil
		}
		lastErr = err
		if i == attempts {
			break
		}

		sleep := delay * time.Duration(math.Pow(2, float64(i-1)))
		if sleep > maxDialDelay {
			sleep = maxDialDelay
		}
		logger.Warn("rabbit dial failed",
			slog.Int("attempt", i),
			slog.Duration("sleep", sleep),
			slog.Any("error", err),
		)

		timer := time.NewTimer(sleep)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, fmt.Errorf("dial cancelled: %w", ctx.Err())
		case <-timer.C:
		}
	}
	return nil, fmt.Errorf("failed to connect to RabbitMQ after %d attempts: %w", attempts, lastErr)
}

// NewAMQP dials the broker, declares the queue and starts consuming.
func NewAMQP(ctx context.Context, cfg AMQPConfig) (*AMQPQueue, error) {
	if cfg.Queue == "" {
		return nil, errors.New("amqp queue name is required")
	}
	if cfg.Prefetch <= 0 {
		cfg.Prefetch = 10
	}
	if cfg.Buffer <= 0 {
		cfg.Buffer = cfg.Prefetch
	}
	if cfg.RetryAttempts <= 0 {
		cfg.RetryAttempts = 5
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = time.Second
	}

	conn, err := DialWithRetry(ctx, cfg.URL, cfg.RetryAttempts, cfg.RetryDelay, cfg.Logger)
	if err != nil {
		return nil, err
	}

	pubCh, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open publish channel: %w", err)
	}
	if _, err := pubCh.QueueDeclare(cfg.Queue, true, false, false, false, nil); err != nil {
		conn.Close()
		return nil, fmt.Errorf("declare queue %s: %w", cfg.Queue, err)
	}

	subCh, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open consume channel: %w", err)
	}
	if err := subCh.Qos(cfg.Prefetch, 0, false); err != nil {
		conn.Close()
		return nil, fmt.Errorf("set qos: %w", err)
	}
	deliveries, err := subCh.Consume(cfg.Queue, "", false, false, false, false, nil)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("consume %s: %w", cfg.Queue, err)
	}

	q := &AMQPQueue{
		conn:   conn,
		pubCh:  pubCh,
		subCh:  subCh,
		queue:  cfg.Queue,
		out:    make(chan domain.InboundEvent, cfg.Buffer),
		done:   make(chan struct{}),
		logger: cfg.Logger,
	}
	q.wg.Add(1)
	go q.forward(deliveries)

	cfg.Logger.Info("amqp queue ready", slog.String("queue", cfg.Queue), slog.Int("prefetch", cfg.Prefetch))
	return q, nil
}

// Publish persists ev on the queue. The event ID doubles as the AMQP
// message ID.
func (q *AMQPQueue) Publish(ctx context.Context, ev domain.InboundEvent) error {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	q.pubMu.Lock()
	defer q.pubMu.Unlock()
	err = q.pubCh.PublishWithContext(ctx, "", q.queue, false, false, amqp091.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp091.Persistent,
		MessageId:    ev.ID,
		Timestamp:    time.Now(),
		Body:         body,
	})
	if err != nil {
		return fmt.Errorf("publish to %s: %w", q.queue, err)
	}
	q.logger.Debug("published", slog.String("queue", q.queue), slog.String("id", ev.ID))
	return nil
}

func (q *AMQPQueue) Consume() <-chan domain.InboundEvent {
	return q.out
}

// forward decodes deliveries and hands them to the worker. Undecodable
// messages are dropped without requeue.
func (q *AMQPQueue) forward(deliveries <-chan amqp091.Delivery) {
	defer q.wg.Done()
	defer close(q.out)
	for {
		select {
		case <-q.done:
			return
		case d, ok := <-deliveries:
			if !ok {
				q.logger.Warn("amqp delivery channel closed", slog.String("queue", q.queue))
				return
			}
			ev, err := decodeEvent(d.Body)
			if err != nil {
				q.logger.Error("discarding malformed event", slog.String("id", d.MessageId), slog.Any("err", err))
				_ = d.Nack(false, false)
				continue
			}
			select {
			case q.out <- ev:
				_ = d.Ack(false)
			case <-q.done:
				_ = d.Nack(false, true)
				return
			}
		}
	}
}

func decodeEvent(body []byte) (domain.InboundEvent, error) {
	var ev domain.InboundEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		return ev, err
	}
	if ev.Message.ID == "" && ev.Message.Chat.ID == "" {
		return ev, errors.New("event carries no message")
	}
	return ev, nil
}

func (q *AMQPQueue) Close() error {
	var err error
	q.once.Do(func() {
		close(q.done)
		q.wg.Wait()
		_ = q.subCh.Close()
		_ = q.pubCh.Close()
		err = q.conn.Close()
	})
	return err
}
