package bus

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/mozammilrja/stock-coordinator-go/internal/events"
)

const (
	// EventsExchange is the shared topic exchange all services publish to.
	EventsExchange = "stock.events"

	publishTimeout = 3 * time.Second
)

// Dial connects to the broker.
func Dial(url string) (*amqp.Connection, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("connect to RabbitMQ: %w", err)
	}
	return conn, nil
}

// AMQPBus implements Bus on a RabbitMQ topic exchange. Publishing uses a
// dedicated channel guarded by a mutex (amqp channels are not safe for
// concurrent use); each subscription gets its own channel, durable queue and
// consumer goroutine.
type AMQPBus struct {
	conn    *amqp.Connection
	service string
	logger  *zap.Logger

	pubMu sync.Mutex
	pubCh *amqp.Channel
}

func NewAMQPBus(conn *amqp.Connection, service string, logger *zap.Logger) (*AMQPBus, error) {
	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("open publish channel: %w", err)
	}
	if err := declareEventsExchange(ch); err != nil {
		return nil, fmt.Errorf("declare events exchange: %w", err)
	}
	return &AMQPBus{
		conn:    conn,
		service: service,
		logger:  logger,
		pubCh:   ch,
	}, nil
}

func (b *AMQPBus) Close() error {
	b.pubMu.Lock()
	defer b.pubMu.Unlock()
	return b.pubCh.Close()
}

func (b *AMQPBus) Publish(ctx context.Context, topic string, payload any, meta Meta) error {
	if err := events.ValidateTopic(topic); err != nil {
		return err
	}
	env, err := events.NewEnvelope(topic, payload)
	if err != nil {
		return err
	}
	if meta.EventID != "" {
		env.ID = meta.EventID
	}
	env.CorrelationID = meta.CorrelationID

	body, err := env.MarshalWire()
	if err != nil {
		return err
	}

	pubCtx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()

	b.pubMu.Lock()
	err = b.pubCh.PublishWithContext(
		pubCtx,
		EventsExchange,
		topic,
		false, // mandatory
		false, // immediate
		amqp.Publishing{
			ContentType:   "application/json",
			DeliveryMode:  amqp.Persistent,
			MessageId:     env.ID,
			CorrelationId: env.CorrelationID,
			Timestamp:     env.Timestamp,
			Body:          body,
		},
	)
	b.pubMu.Unlock()
	if err != nil {
		return &PublishError{Topic: topic, Err: err}
	}
	return nil
}

func (b *AMQPBus) Subscribe(ctx context.Context, pattern string, handler Handler, opts SubscribeOptions) error {
	if err := events.ValidatePattern(pattern); err != nil {
		return err
	}

	ch, err := b.conn.Channel()
	if err != nil {
		return fmt.Errorf("open channel: %w", err)
	}
	if err := declareEventsExchange(ch); err != nil {
		return fmt.Errorf("declare events exchange: %w", err)
	}
	// One unacked message at a time keeps delivery sequential per queue.
	if err := ch.Qos(1, 0, false); err != nil {
		return fmt.Errorf("set qos: %w", err)
	}

	queue := opts.Queue
	if queue == "" {
		queue = serviceQueue(b.service, pattern)
	}

	if _, err := ch.QueueDeclare(
		queue,
		opts.Durable,
		false, // autoDelete
		opts.Exclusive,
		false, // noWait
		nil,
	); err != nil {
		return fmt.Errorf("declare queue %s: %w", queue, err)
	}

	if err := ch.QueueBind(queue, bindingKey(pattern), EventsExchange, false, nil); err != nil {
		return fmt.Errorf("bind queue %s to %s: %w", queue, pattern, err)
	}

	msgs, err := ch.Consume(
		queue,
		b.service, // consumer tag
		false,     // autoAck
		opts.Exclusive,
		false,
		false,
		nil,
	)
	if err != nil {
		return fmt.Errorf("consume %s: %w", queue, err)
	}

	go b.consumeLoop(ctx, ch, queue, msgs, handler)

	return nil
}

func (b *AMQPBus) consumeLoop(ctx context.Context, ch *amqp.Channel, queue string, msgs <-chan amqp.Delivery, handler Handler) {
	defer func() { _ = ch.Close() }()

	for {
		select {
		case <-ctx.Done():
			b.logger.Info("stopping consumer", zap.String("queue", queue))
			return
		case msg, ok := <-msgs:
			if !ok {
				b.logger.Info("delivery channel closed", zap.String("queue", queue))
				return
			}

			env, err := events.ParseEnvelope(msg.Body)
			if err != nil {
				// Malformed body can never succeed; drop it.
				b.logger.Error("dropping malformed event",
					zap.String("queue", queue),
					zap.ByteString("body", msg.Body),
					zap.Error(err))
				_ = msg.Nack(false, false)
				continue
			}

			if err := handler(ctx, env); err != nil {
				// Poison-message policy: nack without requeue, so a
				// permanently failing handler cannot loop forever. The event
				// is gone after this, hence the full context in the log.
				b.logger.Error("event handler failed, dropping event",
					zap.String("queue", queue),
					zap.String("eventId", env.ID),
					zap.String("topic", env.Type),
					zap.String("correlationId", env.CorrelationID),
					zap.ByteString("data", env.Data),
					zap.Error(err))
				_ = msg.Nack(false, false)
				continue
			}
			_ = msg.Ack(false)
		}
	}
}

func declareEventsExchange(ch *amqp.Channel) error {
	return ch.ExchangeDeclare(
		EventsExchange,
		"topic",
		true,  // durable
		false, // autoDelete
		false, // internal
		false, // noWait
		nil,
	)
}

func serviceQueue(service, pattern string) string {
	return service + "." + strings.ReplaceAll(pattern, "*", "any")
}

// bindingKey translates subscription patterns to AMQP binding keys: the bare
// "*" catch-all becomes "#", single-segment wildcards map one to one.
func bindingKey(pattern string) string {
	if pattern == events.TopicAll {
		return "#"
	}
	return pattern
}
