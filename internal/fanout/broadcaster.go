// Package fanout relays the event stream to live client connections over
// WebSocket sessions and SSE streams. It subscribes to the bus like any
// other consumer; delivery to clients is best-effort and a broken client
// never fails the hand-off from the bus.
package fanout

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/mozammilrja/stock-coordinator-go/internal/auth"
	"github.com/mozammilrja/stock-coordinator-go/internal/events"
)

// RoleAdmin receives the full stream regardless of topic subscriptions.
const RoleAdmin = "admin"

var ErrUnknownConn = errors.New("unknown connection")

// Conn is one live downstream connection. Send must not block: transports
// enqueue into a bounded buffer and return an error when it overflows or
// the connection is gone.
type Conn interface {
	ID() string
	Send(ev events.Envelope) error
	Close() error
}

type subscription struct {
	conn     Conn
	identity auth.Identity
	patterns map[string]struct{}
}

// Broadcaster tracks live connections and routes each event to the ones it
// concerns: topic subscribers, the user the event is about, and admins.
// A connection that cannot keep up is detached and closed without touching
// the others.
type Broadcaster struct {
	logger *zap.Logger

	mu   sync.RWMutex
	subs map[string]*subscription
}

func NewBroadcaster(logger *zap.Logger) *Broadcaster {
	return &Broadcaster{
		logger: logger,
		subs:   make(map[string]*subscription),
	}
}

// Attach registers a connection with its initial topic subscriptions.
// Attaching an existing id replaces and closes the previous connection.
func (b *Broadcaster) Attach(conn Conn, identity auth.Identity, patterns ...string) {
	sub := &subscription{
		conn:     conn,
		identity: identity,
		patterns: make(map[string]struct{}, len(patterns)),
	}
	for _, p := range patterns {
		sub.patterns[p] = struct{}{}
	}

	b.mu.Lock()
	old, replaced := b.subs[conn.ID()]
	b.subs[conn.ID()] = sub
	count := len(b.subs)
	b.mu.Unlock()

	if replaced {
		_ = old.conn.Close()
	}
	b.logger.Info("connection attached",
		zap.String("connId", conn.ID()),
		zap.String("userId", identity.UserID),
		zap.Int("connections", count))
}

// Detach removes a connection from the registry. It does not close the
// connection; transports own their own teardown.
func (b *Broadcaster) Detach(id string) {
	b.mu.Lock()
	_, ok := b.subs[id]
	delete(b.subs, id)
	count := len(b.subs)
	b.mu.Unlock()

	if ok {
		b.logger.Info("connection detached",
			zap.String("connId", id),
			zap.Int("connections", count))
	}
}

// Subscribe adds topic patterns to a connection.
func (b *Broadcaster) Subscribe(id string, patterns ...string) error {
	for _, p := range patterns {
		if err := events.ValidatePattern(p); err != nil {
			return fmt.Errorf("pattern %q: %w", p, err)
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	sub, ok := b.subs[id]
	if !ok {
		return ErrUnknownConn
	}
	for _, p := range patterns {
		sub.patterns[p] = struct{}{}
	}
	return nil
}

// Unsubscribe removes topic patterns from a connection.
func (b *Broadcaster) Unsubscribe(id string, patterns ...string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	sub, ok := b.subs[id]
	if !ok {
		return ErrUnknownConn
	}
	for _, p := range patterns {
		delete(sub.patterns, p)
	}
	return nil
}

func (b *Broadcaster) ConnCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// HandleEvent fans one event out to every matching connection. It has the
// bus handler signature and always acknowledges: client delivery problems
// are connection problems, not message problems.
func (b *Broadcaster) HandleEvent(ctx context.Context, ev events.Envelope) error {
	for _, sub := range b.targetsFor(ev) {
		if err := sub.conn.Send(ev); err != nil {
			b.logger.Warn("dropping slow or broken connection",
				zap.String("connId", sub.conn.ID()),
				zap.String("eventId", ev.ID),
				zap.String("topic", ev.Type),
				zap.Error(err))
			b.Detach(sub.conn.ID())
			_ = sub.conn.Close()
		}
	}
	return nil
}

// targetsFor snapshots the matching connections under the read lock so
// delivery happens without holding it.
func (b *Broadcaster) targetsFor(ev events.Envelope) []*subscription {
	about := payloadUserID(ev.Data)

	b.mu.RLock()
	defer b.mu.RUnlock()
	var out []*subscription
	for _, sub := range b.subs {
		if b.wants(sub, ev, about) {
			out = append(out, sub)
		}
	}
	return out
}

func (b *Broadcaster) wants(sub *subscription, ev events.Envelope, aboutUser string) bool {
	if sub.identity.HasRole(RoleAdmin) {
		return true
	}
	if aboutUser != "" && sub.identity.UserID == aboutUser {
		return true
	}
	for p := range sub.patterns {
		if events.MatchTopic(p, ev.Type) {
			return true
		}
	}
	return false
}

// CloseAll detaches and closes every connection, for shutdown.
func (b *Broadcaster) CloseAll() {
	b.mu.Lock()
	subs := b.subs
	b.subs = make(map[string]*subscription)
	b.mu.Unlock()

	for _, sub := range subs {
		_ = sub.conn.Close()
	}
}

// payloadUserID probes the payload for the userId field most contracts
// carry, to route an event to the user it concerns.
func payloadUserID(data json.RawMessage) string {
	if len(data) == 0 {
		return ""
	}
	var probe struct {
		UserID string `json:"userId"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return ""
	}
	return probe.UserID
}
