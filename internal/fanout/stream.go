package fanout

import (
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mozammilrja/stock-coordinator-go/internal/auth"
	"github.com/mozammilrja/stock-coordinator-go/internal/events"
)

// StreamConfig tunes the SSE transport.
type StreamConfig struct {
	// Heartbeat is the comment-frame interval keeping intermediaries from
	// timing the stream out.
	Heartbeat time.Duration
	// StaleAfter evicts a connection that has not flushed a frame for this
	// long; it catches clients that stall without closing.
	StaleAfter time.Duration
	SendBuffer int
	// RetryMillis, when positive, is sent as the retry hint on connect.
	RetryMillis int
}

func DefaultStreamConfig() StreamConfig {
	return StreamConfig{
		Heartbeat:  25 * time.Second,
		StaleAfter: 90 * time.Second,
		SendBuffer: 64,
	}
}

// StreamServer serves the event stream over SSE. Unlike the session
// transport a credential is optional: anonymous streams still get topic
// routing, they just never match identity or role rooms.
type StreamServer struct {
	broadcaster *Broadcaster
	verifier    auth.Verifier
	logger      *zap.Logger
	config      StreamConfig
}

func NewStreamServer(b *Broadcaster, verifier auth.Verifier, logger *zap.Logger, cfg StreamConfig) *StreamServer {
	def := DefaultStreamConfig()
	if cfg.Heartbeat <= 0 {
		cfg.Heartbeat = def.Heartbeat
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = def.StaleAfter
	}
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = def.SendBuffer
	}
	return &StreamServer{
		broadcaster: b,
		verifier:    verifier,
		logger:      logger,
		config:      cfg,
	}
}

func (s *StreamServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	identity := auth.Identity{}
	if token := auth.TokenFromRequest(r); token != "" && s.verifier != nil {
		var err error
		identity, err = s.verifier.Verify(token)
		if err != nil {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
	}

	topics, err := streamTopics(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	if s.config.RetryMillis > 0 {
		fmt.Fprintf(w, "retry: %d\n\n", s.config.RetryMillis)
	}
	flusher.Flush()

	conn := newStreamConn(s.config)
	s.broadcaster.Attach(conn, identity, topics...)
	s.logger.Info("stream opened",
		zap.String("connId", conn.id),
		zap.String("userId", identity.UserID),
		zap.Strings("topics", topics))

	defer func() {
		s.broadcaster.Detach(conn.id)
		_ = conn.Close()
		s.logger.Info("stream closed", zap.String("connId", conn.id))
	}()

	heartbeat := time.NewTicker(s.config.Heartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-conn.done:
			return
		case ev := <-conn.send:
			if err := writeFrame(w, ev); err != nil {
				return
			}
			flusher.Flush()
			conn.touch()
		case <-heartbeat.C:
			if _, err := io.WriteString(w, ": keepalive\n\n"); err != nil {
				return
			}
			flusher.Flush()
			conn.touch()
		}
	}
}

// streamTopics parses the topics query parameter. An absent parameter means
// the full stream.
func streamTopics(r *http.Request) ([]string, error) {
	raw := r.URL.Query().Get("topics")
	if raw == "" {
		return []string{events.TopicAll}, nil
	}
	var topics []string
	for _, t := range strings.Split(raw, ",") {
		t = strings.TrimSpace(t)
		if t == "" {
			continue
		}
		if err := events.ValidatePattern(t); err != nil {
			return nil, fmt.Errorf("topic %q: %w", t, err)
		}
		topics = append(topics, t)
	}
	if len(topics) == 0 {
		return []string{events.TopicAll}, nil
	}
	return topics, nil
}

// writeFrame emits one SSE block: id, event, data lines and a blank
// terminator. Payloads containing newlines are split across data lines per
// the SSE grammar.
func writeFrame(w io.Writer, ev events.Envelope) error {
	var b strings.Builder
	fmt.Fprintf(&b, "id: %s\n", ev.ID)
	fmt.Fprintf(&b, "event: %s\n", ev.Type)
	for _, line := range strings.Split(string(ev.Data), "\n") {
		fmt.Fprintf(&b, "data: %s\n", line)
	}
	b.WriteByte('\n')
	_, err := io.WriteString(w, b.String())
	return err
}

var errStreamStale = errors.New("stream stale")

// streamConn implements Conn for one SSE response. The serving goroutine
// drains send; Send only enqueues and reports staleness so the broadcaster
// can evict wedged streams at delivery time.
type streamConn struct {
	id        string
	cfg       StreamConfig
	send      chan events.Envelope
	done      chan struct{}
	closed    atomic.Bool
	lastFlush atomic.Int64
}

func newStreamConn(cfg StreamConfig) *streamConn {
	c := &streamConn{
		id:   uuid.NewString(),
		cfg:  cfg,
		send: make(chan events.Envelope, cfg.SendBuffer),
		done: make(chan struct{}),
	}
	c.lastFlush.Store(time.Now().UnixNano())
	return c
}

func (c *streamConn) ID() string { return c.id }

func (c *streamConn) Send(ev events.Envelope) error {
	select {
	case <-c.done:
		return net.ErrClosed
	default:
	}
	if time.Since(time.Unix(0, c.lastFlush.Load())) > c.cfg.StaleAfter {
		return errStreamStale
	}
	select {
	case c.send <- ev:
		return nil
	default:
		return errSendBufferFull
	}
}

func (c *streamConn) Close() error {
	if c.closed.CompareAndSwap(false, true) {
		close(c.done)
	}
	return nil
}

func (c *streamConn) touch() {
	c.lastFlush.Store(time.Now().UnixNano())
}
