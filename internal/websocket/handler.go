package websocket

import (
	"log"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"gatecheck/pkg/interfaces"
	"gatecheck/pkg/types"
)

// Options tune subscriber connections.
type Options struct {
	SendBuffer   int
	PingInterval time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// Handler upgrades HTTP requests into hub subscribers. Clients drive
// their topic set with subscribe/unsubscribe messages; everything else
// flows server to client.
type Handler struct {
	broadcaster interfaces.Broadcaster
	opts        Options
	upgrader    websocket.Upgrader
}

// clientMessage is the inbound protocol.
type clientMessage struct {
	Action string `json:"action"`
	Topic  string `json:"topic"`
}

// NewHandler creates the WebSocket endpoint handler.
func NewHandler(broadcaster interfaces.Broadcaster, opts Options) *Handler {
	return &Handler{
		broadcaster: broadcaster,
		opts:        opts,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Origin policy is enforced by the CORS layer in front.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// HandleConnection upgrades the request and runs the read loop until the
// client disconnects. Cleanup removes the subscriber from every topic.
func (h *Handler) HandleConnection(w http.ResponseWriter, r *http.Request) {
	wsConn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("WebSocket upgrade failed: %v", err)
		return
	}

	conn := NewConnection(wsConn, h.opts.SendBuffer, h.opts.PingInterval, h.opts.WriteTimeout)
	log.Printf("Subscriber connected: %s", conn.ID())

	defer func() {
		if err := h.broadcaster.RemoveSubscriber(conn.ID()); err != nil {
			log.Printf("Failed to remove subscriber %s: %v", conn.ID(), err)
		}
		conn.Close()
		log.Printf("Subscriber disconnected: %s", conn.ID())
	}()

	_ = wsConn.SetReadDeadline(time.Now().Add(h.opts.ReadTimeout))
	wsConn.SetPongHandler(func(string) error {
		return wsConn.SetReadDeadline(time.Now().Add(h.opts.ReadTimeout))
	})

	for {
		var msg clientMessage
		if err := wsConn.ReadJSON(&msg); err != nil {
			return
		}
		_ = wsConn.SetReadDeadline(time.Now().Add(h.opts.ReadTimeout))

		switch msg.Action {
		case "subscribe":
			if !types.IsValidTopic(msg.Topic) {
				log.Printf("Subscriber %s requested invalid topic %q", conn.ID(), msg.Topic)
				continue
			}
			if err := h.broadcaster.Subscribe(conn, msg.Topic); err != nil {
				log.Printf("Subscribe failed for %s on %s: %v", conn.ID(), msg.Topic, err)
			}
		case "unsubscribe":
			if err := h.broadcaster.Unsubscribe(conn.ID(), msg.Topic); err != nil {
				log.Printf("Unsubscribe failed for %s on %s: %v", conn.ID(), msg.Topic, err)
			}
		default:
			log.Printf("Subscriber %s sent unknown action %q", conn.ID(), msg.Action)
		}
	}
}
