package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

const sessionEventsQueue = "session.events"

// Publisher pushes SessionEvents onto a durable RabbitMQ queue. Publish
// failures are logged and returned but never interrupt the caller's flow;
// the broker stream is an add-on, not the source of truth.
type Publisher struct {
	url    string
	logger *zap.Logger

	mu   sync.Mutex
	conn *amqp.Connection
	ch   *amqp.Channel
}

// NewPublisher dials the broker and declares the queue. A Publisher is safe
// for concurrent use; a broken connection is redialed on the next publish.
func NewPublisher(url string, logger *zap.Logger) (*Publisher, error) {
	p := &Publisher{url: url, logger: logger}
	if err := p.ensureChannel(); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *Publisher) ensureChannel() error {
	if p.conn != nil && !p.conn.IsClosed() && p.ch != nil {
		return nil
	}

	conn, err := amqp.Dial(p.url)
	if err != nil {
		return fmt.Errorf("amqp dial: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("amqp channel: %w", err)
	}

	// Idempotent; durable so messages survive broker restarts.
	if _, err := ch.QueueDeclare(sessionEventsQueue, true, false, false, false, nil); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return fmt.Errorf("amqp queue declare: %w", err)
	}

	p.conn = conn
	p.ch = ch
	return nil
}

// PublishSessionEvent sends one persistent JSON message. A nil Publisher is
// a no-op so the engine runs without a broker configured.
func (p *Publisher) PublishSessionEvent(ctx context.Context, ev SessionEvent) error {
	if p == nil {
		return nil
	}

	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal session event: %w", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.ensureChannel(); err != nil {
		p.logger.Warn("session event not published", zap.String("event", ev.EventType), zap.Error(err))
		return err
	}

	pub := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now().UTC(),
		Body:         body,
	}

	if err := p.ch.PublishWithContext(ctx, "", sessionEventsQueue, false, false, pub); err != nil {
		p.logger.Warn("session event publish failed", zap.String("event", ev.EventType), zap.Error(err))
		return err
	}

	return nil
}

// Close shuts the channel and connection down.
func (p *Publisher) Close() error {
	if p == nil {
		return nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.ch != nil {
		_ = p.ch.Close()
	}
	if p.conn != nil {
		return p.conn.Close()
	}
	return nil
}
