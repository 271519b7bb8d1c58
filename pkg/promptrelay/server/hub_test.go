package server

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/jholhewres/promptrelay/pkg/promptrelay/config"
	"github.com/jholhewres/promptrelay/pkg/promptrelay/protocol"
)

func newTestHub(t *testing.T) (*Hub, string) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	hub := NewHub(config.WebSocketConfig{PingInterval: 30, PongTimeout: 10}, nil)
	r := gin.New()
	r.GET("/ws", hub.HandleWS)

	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return hub, "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func sendJSON(t *testing.T, conn *websocket.Conn, msg *protocol.Message) {
	t.Helper()
	data, err := msg.Encode()
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func waitFor(t *testing.T, cond func() bool, what string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestHubAttachAndSend(t *testing.T) {
	hub, url := newTestHub(t)
	conn := dial(t, url)
	waitFor(t, hub.Connected, "client attach")

	if err := hub.Send(protocol.NewSendMessage("task-1", "hello", "")); err != nil {
		t.Fatalf("Send: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	msg, err := protocol.Parse(data)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if msg.Type != protocol.TypeSendMessage || msg.ID != "task-1" {
		t.Errorf("delivered message = %+v", msg)
	}
}

func TestHubSendWithoutClient(t *testing.T) {
	hub, _ := newTestHub(t)
	if err := hub.Send(&protocol.Message{Type: protocol.TypePing}); err != ErrNoClient {
		t.Errorf("err = %v, want ErrNoClient", err)
	}
}

func TestHubReplacesClient(t *testing.T) {
	hub, url := newTestHub(t)

	first := dial(t, url)
	waitFor(t, hub.Connected, "first client attach")

	second := dial(t, url)
	waitFor(t, func() bool {
		// The first connection is closed once the second takes over.
		first.SetReadDeadline(time.Now().Add(50 * time.Millisecond))
		_, _, err := first.ReadMessage()
		return err != nil
	}, "first client teardown")

	if !hub.Connected() {
		t.Fatal("hub lost the replacement client")
	}

	// The surviving link is the second one.
	if err := hub.Send(&protocol.Message{ID: "x", Type: protocol.TypeSendMessage}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	second.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := second.ReadMessage(); err != nil {
		t.Errorf("second client read: %v", err)
	}
}

func TestHubRoutesEventsAndConsumesPong(t *testing.T) {
	hub, url := newTestHub(t)
	conn := dial(t, url)
	waitFor(t, hub.Connected, "client attach")

	sendJSON(t, conn, protocol.NewPong())
	sendJSON(t, conn, protocol.NewReply("task-9", "hi", protocol.StatusDone, ""))

	select {
	case msg := <-hub.Incoming:
		if msg.Type != protocol.TypeReply || msg.ReplyTo != "task-9" {
			t.Errorf("forwarded message = %+v", msg)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("reply never forwarded")
	}

	select {
	case msg := <-hub.Incoming:
		t.Errorf("unexpected extra message %+v; PONG must be consumed by the hub", msg)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestHubTracksAgentBusy(t *testing.T) {
	hub, url := newTestHub(t)
	conn := dial(t, url)
	waitFor(t, hub.Connected, "client attach")

	if !hub.IsReady() {
		t.Fatal("fresh connection should be ready")
	}

	sendJSON(t, conn, protocol.NewStatus(protocol.AgentBusy))
	waitFor(t, func() bool { return !hub.IsReady() }, "busy state")

	sendJSON(t, conn, protocol.NewStatus(protocol.AgentIdle))
	waitFor(t, hub.IsReady, "idle state")
}
