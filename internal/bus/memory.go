package bus

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/mozammilrja/stock-coordinator-go/internal/events"
)

const memoryQueueDepth = 256

// MemoryBus implements the Bus contract in-process, for tests and local
// runs without a broker. Semantics mirror the AMQP bus: every queue gets an
// independent copy of each matching event, consumers sharing a queue name
// compete for its messages, handler failures drop the message, and a full
// queue rejects the publish the way broker backpressure would.
type MemoryBus struct {
	logger *zap.Logger

	mu     sync.Mutex
	queues map[string]*memoryQueue
	closed bool
	wg     sync.WaitGroup
}

type memoryQueue struct {
	name     string
	patterns []string
	ch       chan events.Envelope
}

func NewMemoryBus(logger *zap.Logger) *MemoryBus {
	return &MemoryBus{
		logger: logger,
		queues: make(map[string]*memoryQueue),
	}
}

func (b *MemoryBus) Publish(ctx context.Context, topic string, payload any, meta Meta) error {
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

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return &PublishError{Topic: topic, Err: fmt.Errorf("bus closed")}
	}

	for _, q := range b.queues {
		if !q.matches(topic) {
			continue
		}
		select {
		case q.ch <- env:
		default:
			return &PublishError{Topic: topic, Err: fmt.Errorf("queue %s full", q.name)}
		}
	}
	return nil
}

func (b *MemoryBus) Subscribe(ctx context.Context, pattern string, handler Handler, opts SubscribeOptions) error {
	if err := events.ValidatePattern(pattern); err != nil {
		return err
	}

	queue := opts.Queue
	if queue == "" {
		queue = serviceQueue("memory", pattern)
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return fmt.Errorf("subscribe %s: bus closed", pattern)
	}
	q, ok := b.queues[queue]
	if !ok {
		q = &memoryQueue{name: queue, ch: make(chan events.Envelope, memoryQueueDepth)}
		b.queues[queue] = q
	}
	q.bind(pattern)
	b.mu.Unlock()

	b.wg.Add(1)
	go b.consumeLoop(ctx, q, handler)
	return nil
}

func (b *MemoryBus) consumeLoop(ctx context.Context, q *memoryQueue, handler Handler) {
	defer b.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case env, ok := <-q.ch:
			if !ok {
				return
			}
			if err := handler(ctx, env); err != nil {
				b.logger.Error("event handler failed, dropping event",
					zap.String("queue", q.name),
					zap.String("eventId", env.ID),
					zap.String("topic", env.Type),
					zap.ByteString("data", env.Data),
					zap.Error(err))
			}
		}
	}
}

// Close stops delivery and waits for in-flight handlers to return.
func (b *MemoryBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	for _, q := range b.queues {
		close(q.ch)
	}
	b.mu.Unlock()

	b.wg.Wait()
	return nil
}

func (q *memoryQueue) bind(pattern string) {
	for _, p := range q.patterns {
		if p == pattern {
			return
		}
	}
	q.patterns = append(q.patterns, pattern)
}

func (q *memoryQueue) matches(topic string) bool {
	for _, p := range q.patterns {
		if events.MatchTopic(p, topic) {
			return true
		}
	}
	return false
}
