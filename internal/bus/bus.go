// Package bus is the topic-based publish/subscribe layer. Every subscription
// gets its own queue bound to a pattern, so all matching subscriptions see
// every matching event; competing-consumer semantics only apply between
// consumers sharing one named queue.
package bus

import (
	"context"
	"fmt"

	"github.com/mozammilrja/stock-coordinator-go/internal/events"
)

// Handler processes one delivered event. Returning nil acknowledges the
// message; returning an error drops it without requeue. A handler that wants
// retries must do them itself before returning.
type Handler func(ctx context.Context, ev events.Envelope) error

// Meta carries optional producer-side fields into a publish.
type Meta struct {
	// EventID overrides the generated id, for idempotent republish.
	EventID string
	// CorrelationID threads a causal chain through follow-up events.
	CorrelationID string
}

// SubscribeOptions shape the queue backing a subscription.
type SubscribeOptions struct {
	// Queue names the backing queue. Empty derives <service>.<pattern>.
	Queue string
	// Durable queues survive broker restarts. Almost always true.
	Durable bool
	// Exclusive queues are deleted when their sole consumer disconnects.
	Exclusive bool
}

type Publisher interface {
	// Publish wraps payload in an event envelope and sends it to the topic
	// exchange with the persistence flag set. The bus never buffers
	// in-process: a rejected send surfaces as *PublishError and the caller
	// decides whether to retry or fail the enclosing operation.
	Publish(ctx context.Context, topic string, payload any, meta Meta) error
}

type Subscriber interface {
	// Subscribe binds a queue to pattern and delivers matching events to
	// handler, one at a time per queue, until ctx is cancelled.
	Subscribe(ctx context.Context, pattern string, handler Handler, opts SubscribeOptions) error
}

// Bus is the full event bus contract.
type Bus interface {
	Publisher
	Subscriber
	Close() error
}

// PublishError wraps a transport-level send failure. The event and any state
// change it would have announced are not durable until publish succeeds.
type PublishError struct {
	Topic string
	Err   error
}

func (e *PublishError) Error() string {
	return fmt.Sprintf("publish %s: %v", e.Topic, e.Err)
}

func (e *PublishError) Unwrap() error { return e.Err }
