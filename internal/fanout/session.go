package fanout

import (
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/mozammilrja/stock-coordinator-go/internal/auth"
	"github.com/mozammilrja/stock-coordinator-go/internal/events"
)

// SessionConfig tunes the WebSocket transport.
type SessionConfig struct {
	ReadBufferSize  int
	WriteBufferSize int
	SendBuffer      int
	WriteWait       time.Duration
	PingInterval    time.Duration
	PongWait        time.Duration
	MaxMessageSize  int64
}

func DefaultSessionConfig() SessionConfig {
	return SessionConfig{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		SendBuffer:      64,
		WriteWait:       10 * time.Second,
		PingInterval:    54 * time.Second,
		PongWait:        60 * time.Second,
		MaxMessageSize:  1024,
	}
}

// wsMessage is the frame used in both directions. Inbound frames carry a
// client command in Event; outbound ones carry the topic in Event, the
// payload in Data and the event id in ID. RequestID is echoed on replies.
type wsMessage struct {
	Event     string          `json:"event"`
	Data      json.RawMessage `json:"data,omitempty"`
	ID        string          `json:"id,omitempty"`
	RequestID string          `json:"requestId,omitempty"`
}

// SessionServer upgrades authenticated requests to WebSocket sessions and
// attaches them to the broadcaster. Clients manage topic subscriptions with
// subscribe/unsubscribe frames; identity and role routing needs no opt-in.
type SessionServer struct {
	broadcaster *Broadcaster
	verifier    auth.Verifier
	logger      *zap.Logger
	config      SessionConfig
	upgrader    websocket.Upgrader
}

func NewSessionServer(b *Broadcaster, verifier auth.Verifier, logger *zap.Logger, cfg SessionConfig) *SessionServer {
	def := DefaultSessionConfig()
	if cfg.ReadBufferSize <= 0 {
		cfg.ReadBufferSize = def.ReadBufferSize
	}
	if cfg.WriteBufferSize <= 0 {
		cfg.WriteBufferSize = def.WriteBufferSize
	}
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = def.SendBuffer
	}
	if cfg.WriteWait <= 0 {
		cfg.WriteWait = def.WriteWait
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = def.PingInterval
	}
	if cfg.PongWait <= 0 {
		cfg.PongWait = def.PongWait
	}
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = def.MaxMessageSize
	}
	return &SessionServer{
		broadcaster: b,
		verifier:    verifier,
		logger:      logger,
		config:      cfg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  cfg.ReadBufferSize,
			WriteBufferSize: cfg.WriteBufferSize,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}
}

func (s *SessionServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	identity, err := s.verifier.Verify(auth.TokenFromRequest(r))
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	conn := newSessionConn(ws, s.config)
	s.broadcaster.Attach(conn, identity, s.initialTopics(r)...)
	s.logger.Info("session opened",
		zap.String("connId", conn.id),
		zap.String("userId", identity.UserID))

	go conn.writePump()
	s.readLoop(conn)
}

// initialTopics parses the optional topics query parameter so clients can
// subscribe at connect time instead of with a first frame.
func (s *SessionServer) initialTopics(r *http.Request) []string {
	raw := r.URL.Query().Get("topics")
	if raw == "" {
		return nil
	}
	var topics []string
	for _, t := range strings.Split(raw, ",") {
		t = strings.TrimSpace(t)
		if t == "" {
			continue
		}
		if err := events.ValidatePattern(t); err != nil {
			s.logger.Warn("ignoring invalid topic pattern", zap.String("pattern", t))
			continue
		}
		topics = append(topics, t)
	}
	return topics
}

// readLoop owns the read side for the connection's lifetime and tears the
// session down when the client goes away.
func (s *SessionServer) readLoop(c *sessionConn) {
	defer func() {
		s.broadcaster.Detach(c.id)
		_ = c.Close()
		s.logger.Info("session closed", zap.String("connId", c.id))
	}()

	c.ws.SetReadLimit(s.config.MaxMessageSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(s.config.PongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(s.config.PongWait))
	})

	for {
		var msg wsMessage
		if err := c.ws.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Debug("session read failed",
					zap.String("connId", c.id),
					zap.Error(err))
			}
			return
		}
		s.handleClientFrame(c, msg)
	}
}

func (s *SessionServer) handleClientFrame(c *sessionConn, msg wsMessage) {
	switch msg.Event {
	case "subscribe", "unsubscribe":
		var body struct {
			Topics []string `json:"topics"`
		}
		if err := json.Unmarshal(msg.Data, &body); err != nil || len(body.Topics) == 0 {
			c.reply(errorFrame(msg.RequestID, "topics required"))
			return
		}
		var err error
		if msg.Event == "subscribe" {
			err = s.broadcaster.Subscribe(c.id, body.Topics...)
		} else {
			err = s.broadcaster.Unsubscribe(c.id, body.Topics...)
		}
		if err != nil {
			c.reply(errorFrame(msg.RequestID, err.Error()))
			return
		}
		c.reply(wsMessage{
			Event:     msg.Event + "d",
			Data:      mustJSON(map[string]any{"topics": body.Topics}),
			RequestID: msg.RequestID,
		})
	case "ping":
		c.reply(wsMessage{Event: "pong", RequestID: msg.RequestID})
	default:
		c.reply(errorFrame(msg.RequestID, "unknown event "+msg.Event))
	}
}

func errorFrame(requestID, message string) wsMessage {
	return wsMessage{
		Event:     "error",
		Data:      mustJSON(map[string]any{"message": message}),
		RequestID: requestID,
	}
}

func mustJSON(v any) json.RawMessage {
	b, _ := json.Marshal(v)
	return b
}

var errSendBufferFull = errors.New("send buffer full")

// sessionConn implements Conn over one WebSocket. All writes go through
// writePump; Send and reply only enqueue.
type sessionConn struct {
	id   string
	ws   *websocket.Conn
	cfg  SessionConfig
	send chan events.Envelope
	ctrl chan wsMessage
	done chan struct{}
	once sync.Once
}

func newSessionConn(ws *websocket.Conn, cfg SessionConfig) *sessionConn {
	return &sessionConn{
		id:   uuid.NewString(),
		ws:   ws,
		cfg:  cfg,
		send: make(chan events.Envelope, cfg.SendBuffer),
		ctrl: make(chan wsMessage, 8),
		done: make(chan struct{}),
	}
}

func (c *sessionConn) ID() string { return c.id }

func (c *sessionConn) Send(ev events.Envelope) error {
	select {
	case <-c.done:
		return net.ErrClosed
	default:
	}
	select {
	case c.send <- ev:
		return nil
	default:
		return errSendBufferFull
	}
}

// reply enqueues a control frame. Replies are advisory and dropped when the
// writer cannot keep up, so a wedged client cannot block the read loop.
func (c *sessionConn) reply(msg wsMessage) {
	select {
	case c.ctrl <- msg:
	case <-c.done:
	default:
	}
}

func (c *sessionConn) Close() error {
	c.once.Do(func() { close(c.done) })
	return c.ws.Close()
}

func (c *sessionConn) writePump() {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case ev := <-c.send:
			if !c.write(wsMessage{Event: ev.Type, Data: ev.Data, ID: ev.ID}) {
				return
			}
		case msg := <-c.ctrl:
			if !c.write(msg) {
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(c.cfg.WriteWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				_ = c.Close()
				return
			}
		}
	}
}

func (c *sessionConn) write(msg wsMessage) bool {
	_ = c.ws.SetWriteDeadline(time.Now().Add(c.cfg.WriteWait))
	if err := c.ws.WriteJSON(msg); err != nil {
		_ = c.Close()
		return false
	}
	return true
}
