package websocket

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"gatecheck/internal/hub"
	"gatecheck/pkg/types"
)

func newTestEndpoint(t *testing.T) (*hub.Hub, *httptest.Server) {
	t.Helper()
	eventHub := hub.NewHub()
	if err := eventHub.Start(context.Background()); err != nil {
		t.Fatalf("Failed to start hub: %v", err)
	}
	t.Cleanup(func() { eventHub.Stop() })

	handler := NewHandler(eventHub, Options{
		SendBuffer:   10,
		PingInterval: 30 * time.Second,
		ReadTimeout:  time.Minute,
		WriteTimeout: 10 * time.Second,
	})
	server := httptest.NewServer(http.HandlerFunc(handler.HandleConnection))
	t.Cleanup(server.Close)
	return eventHub, server
}

func dial(t *testing.T, server *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(server.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Failed to dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readEvent(t *testing.T, conn *websocket.Conn) *types.Event {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var event types.Event
	if err := conn.ReadJSON(&event); err != nil {
		t.Fatalf("Failed to read event: %v", err)
	}
	return &event
}

func TestSubscribeAndReceive(t *testing.T) {
	eventHub, server := newTestEndpoint(t)
	conn := dial(t, server)

	msg := map[string]string{"action": "subscribe", "topic": types.TopicSessions}
	if err := conn.WriteJSON(msg); err != nil {
		t.Fatalf("Failed to send subscribe: %v", err)
	}
	// Let the subscription land in the hub.
	time.Sleep(100 * time.Millisecond)

	err := eventHub.Publish(&types.Event{
		Topic:     types.TopicSessions,
		Type:      types.EventSessionUpdated,
		Payload:   map[string]interface{}{"session_id": "s1"},
		Timestamp: time.Now(),
	})
	if err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	event := readEvent(t, conn)
	if event.Type != types.EventSessionUpdated {
		t.Errorf("Expected session_updated, got %q", event.Type)
	}
	if event.Payload["session_id"] != "s1" {
		t.Errorf("Expected payload for s1, got %v", event.Payload)
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	eventHub, server := newTestEndpoint(t)
	conn := dial(t, server)

	if err := conn.WriteJSON(map[string]string{"action": "subscribe", "topic": types.TopicSessions}); err != nil {
		t.Fatalf("Failed to send subscribe: %v", err)
	}
	time.Sleep(100 * time.Millisecond)
	if err := conn.WriteJSON(map[string]string{"action": "unsubscribe", "topic": types.TopicSessions}); err != nil {
		t.Fatalf("Failed to send unsubscribe: %v", err)
	}
	time.Sleep(100 * time.Millisecond)

	_ = eventHub.Publish(&types.Event{
		Topic:     types.TopicSessions,
		Type:      types.EventSessionUpdated,
		Payload:   map[string]interface{}{},
		Timestamp: time.Now(),
	})

	_ = conn.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	var event types.Event
	if err := conn.ReadJSON(&event); err == nil {
		t.Errorf("Expected no event after unsubscribe, got %+v", event)
	}
}

func TestDisconnectCleansUpSubscriber(t *testing.T) {
	eventHub, server := newTestEndpoint(t)
	conn := dial(t, server)

	if err := conn.WriteJSON(map[string]string{"action": "subscribe", "topic": types.TopicSessions}); err != nil {
		t.Fatalf("Failed to send subscribe: %v", err)
	}
	time.Sleep(100 * time.Millisecond)

	if stats := eventHub.Stats(); stats["subscribers"] != 1 {
		t.Fatalf("Expected 1 subscriber, got %d", stats["subscribers"])
	}

	conn.Close()
	time.Sleep(200 * time.Millisecond)

	if stats := eventHub.Stats(); stats["subscribers"] != 0 {
		t.Errorf("Expected subscriber removed after disconnect, got %d", stats["subscribers"])
	}
}

func TestInvalidTopicIgnored(t *testing.T) {
	eventHub, server := newTestEndpoint(t)
	conn := dial(t, server)

	if err := conn.WriteJSON(map[string]string{"action": "subscribe", "topic": "not a topic"}); err != nil {
		t.Fatalf("Failed to send subscribe: %v", err)
	}
	time.Sleep(100 * time.Millisecond)

	if stats := eventHub.Stats(); stats["subscribers"] != 0 {
		t.Errorf("Expected invalid topic to be rejected, got %d subscribers", stats["subscribers"])
	}
}

func TestConnectionSendAfterClose(t *testing.T) {
	serverConn, clientConn := newPipeConnection(t)
	defer clientConn.Close()

	conn := NewConnection(serverConn, 2, time.Minute, time.Second)

	event := &types.Event{Topic: types.TopicSessions, Type: types.EventSnapshot,
		Payload: map[string]interface{}{}, Timestamp: time.Now()}
	if err := conn.Send(event); err != nil {
		t.Errorf("Expected send on open connection to queue, got %v", err)
	}

	conn.Close()
	if err := conn.Send(event); err != ErrConnectionClosed {
		t.Errorf("Expected ErrConnectionClosed after close, got %v", err)
	}
}

// newPipeConnection upgrades a throwaway server/client pair and returns
// the server side plus the client connection for cleanup.
func newPipeConnection(t *testing.T) (*websocket.Conn, *websocket.Conn) {
	t.Helper()
	upgrader := websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}
	serverSide := make(chan *websocket.Conn, 1)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		serverSide <- conn
	}))
	t.Cleanup(server.Close)

	url := "ws" + strings.TrimPrefix(server.URL, "http")
	client, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Failed to dial: %v", err)
	}

	select {
	case conn := <-serverSide:
		return conn, client
	case <-time.After(time.Second):
		t.Fatal("Timed out waiting for server connection")
		return nil, nil
	}
}
