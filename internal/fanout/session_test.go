package fanout

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/mozammilrja/stock-coordinator-go/internal/auth"
	"github.com/mozammilrja/stock-coordinator-go/internal/events"
)

func newSessionTestServer(t *testing.T) (*Broadcaster, *httptest.Server) {
	t.Helper()
	verifier := stubVerifier{tokens: map[string]auth.Identity{
		"good-token": {UserID: "user-1"},
	}}
	b := NewBroadcaster(zap.NewNop())
	srv := NewSessionServer(b, verifier, zap.NewNop(), SessionConfig{PingInterval: time.Hour})
	ts := httptest.NewServer(srv)
	t.Cleanup(ts.Close)
	return b, ts
}

func dialSession(t *testing.T, ts *httptest.Server, query string) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + query
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readSessionFrame(t *testing.T, conn *websocket.Conn) wsMessage {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg wsMessage
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("read frame: %v", err)
	}
	return msg
}

func sendSessionFrame(t *testing.T, conn *websocket.Conn, msg wsMessage) {
	t.Helper()
	_ = conn.SetWriteDeadline(time.Now().Add(2 * time.Second))
	if err := conn.WriteJSON(msg); err != nil {
		t.Fatalf("write frame: %v", err)
	}
}

func TestSessionServerRejectsBadCredential(t *testing.T) {
	_, ts := newSessionTestServer(t)

	for name, query := range map[string]string{
		"missing token": "",
		"unknown token": "/?token=bogus",
	} {
		t.Run(name, func(t *testing.T) {
			wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + query
			_, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
			if err == nil {
				t.Fatalf("expected handshake to fail")
			}
			if resp == nil || resp.StatusCode != http.StatusUnauthorized {
				t.Fatalf("expected 401, got %v", resp)
			}
		})
	}
}

func TestSessionServerDeliversEvents(t *testing.T) {
	b, ts := newSessionTestServer(t)
	conn := dialSession(t, ts, "/?token=good-token&topics=order.*")
	waitForConns(t, b, 1)

	ev := envelopeFor(t, "order.created", map[string]string{"orderId": "o-1"})
	if err := b.HandleEvent(context.Background(), ev); err != nil {
		t.Fatalf("handle: %v", err)
	}

	msg := readSessionFrame(t, conn)
	if msg.Event != "order.created" || msg.ID != ev.ID {
		t.Fatalf("unexpected frame: %+v", msg)
	}
	if string(msg.Data) != string(ev.Data) {
		t.Fatalf("payload mismatch: %s vs %s", msg.Data, ev.Data)
	}
}

func TestSessionSubscribeFlow(t *testing.T) {
	b, ts := newSessionTestServer(t)
	conn := dialSession(t, ts, "/?token=good-token")
	waitForConns(t, b, 1)

	sendSessionFrame(t, conn, wsMessage{
		Event:     "subscribe",
		Data:      json.RawMessage(`{"topics":["inventory.*"]}`),
		RequestID: "r-1",
	})
	reply := readSessionFrame(t, conn)
	if reply.Event != "subscribed" || reply.RequestID != "r-1" {
		t.Fatalf("unexpected reply: %+v", reply)
	}

	ev := envelopeFor(t, "inventory.low_stock", events.LowStock{ResourceID: "sku-1", Available: 2, Threshold: 5})
	if err := b.HandleEvent(context.Background(), ev); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if msg := readSessionFrame(t, conn); msg.ID != ev.ID {
		t.Fatalf("subscription not applied: %+v", msg)
	}

	sendSessionFrame(t, conn, wsMessage{
		Event:     "unsubscribe",
		Data:      json.RawMessage(`{"topics":["inventory.*"]}`),
		RequestID: "r-2",
	})
	if reply := readSessionFrame(t, conn); reply.Event != "unsubscribed" || reply.RequestID != "r-2" {
		t.Fatalf("unexpected reply: %+v", reply)
	}

	// After unsubscribing, an inventory event is not delivered: the next
	// frame through the writer is the pong for the ping that follows it.
	if err := b.HandleEvent(context.Background(), envelopeFor(t, "inventory.low_stock", nil)); err != nil {
		t.Fatalf("handle: %v", err)
	}
	sendSessionFrame(t, conn, wsMessage{Event: "ping", RequestID: "r-3"})
	if msg := readSessionFrame(t, conn); msg.Event != "pong" || msg.RequestID != "r-3" {
		t.Fatalf("expected pong, got %+v", msg)
	}
}

func TestSessionControlFrameErrors(t *testing.T) {
	b, ts := newSessionTestServer(t)
	conn := dialSession(t, ts, "/?token=good-token")
	waitForConns(t, b, 1)

	tests := map[string]wsMessage{
		"unknown event": {Event: "bogus", RequestID: "r-1"},
		"subscribe without topics": {
			Event:     "subscribe",
			Data:      json.RawMessage(`{}`),
			RequestID: "r-2",
		},
		"subscribe with invalid pattern": {
			Event:     "subscribe",
			Data:      json.RawMessage(`{"topics":["or*der"]}`),
			RequestID: "r-3",
		},
	}
	for name, frame := range tests {
		t.Run(name, func(t *testing.T) {
			sendSessionFrame(t, conn, frame)
			reply := readSessionFrame(t, conn)
			if reply.Event != "error" || reply.RequestID != frame.RequestID {
				t.Fatalf("expected error reply, got %+v", reply)
			}
		})
	}
}

func TestSessionInvalidInitialTopicsSkipped(t *testing.T) {
	b, ts := newSessionTestServer(t)
	conn := dialSession(t, ts, "/?token=good-token&topics=or*der,order.*")
	waitForConns(t, b, 1)

	ev := envelopeFor(t, "order.created", nil)
	if err := b.HandleEvent(context.Background(), ev); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if msg := readSessionFrame(t, conn); msg.ID != ev.ID {
		t.Fatalf("valid topic not applied: %+v", msg)
	}
}

func TestSessionClientDisconnectDetaches(t *testing.T) {
	b, ts := newSessionTestServer(t)
	conn := dialSession(t, ts, "/?token=good-token&topics=order.*")
	waitForConns(t, b, 1)

	_ = conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	conn.Close()
	waitForConns(t, b, 0)
}
