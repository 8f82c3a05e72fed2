package audit

import (
	"log"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// streamFrame is the outgoing WebSocket message format.
type streamFrame struct {
	Type  string `json:"type"` // "entry" or "audit_write_failed"
	Entry Entry  `json:"entry"`
	Error string `json:"error,omitempty"`
}

// Hub fans recorded audit entries out to connected WebSocket subscribers.
type Hub struct {
	mu   sync.Mutex
	subs map[chan streamFrame]struct{}
}

// NewHub creates an empty Hub.
func NewHub() *Hub {
	return &Hub{subs: make(map[chan streamFrame]struct{})}
}

func (h *Hub) subscribe() chan streamFrame {
	ch := make(chan streamFrame, 64)
	h.mu.Lock()
	h.subs[ch] = struct{}{}
	h.mu.Unlock()
	return ch
}

func (h *Hub) unsubscribe(ch chan streamFrame) {
	h.mu.Lock()
	delete(h.subs, ch)
	h.mu.Unlock()
}

func (h *Hub) send(frame streamFrame) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.subs {
		select {
		case ch <- frame:
		default:
			// Slow subscriber; drop the frame rather than block Record.
		}
	}
}

// Broadcast pushes a recorded entry to all subscribers.
func (h *Hub) Broadcast(entry Entry) {
	h.send(streamFrame{Type: "entry", Entry: entry})
}

// NotifyWriteFailed alerts subscribers that an audit write was lost.
func (h *Hub) NotifyWriteFailed(entry Entry, err error) {
	h.send(streamFrame{Type: "audit_write_failed", Entry: entry, Error: err.Error()})
}

// HandleWebSocket upgrades the connection and streams audit entries to it
// until the client disconnects.
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("audit: websocket upgrade: %v", err)
		return
	}
	defer conn.Close()

	ch := h.subscribe()
	defer h.unsubscribe(ch)

	// Drain client messages so pings and close frames are processed.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case frame := <-ch:
			if err := conn.WriteJSON(frame); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					log.Printf("audit: websocket write: %v", err)
				}
				return
			}
		case <-done:
			return
		case <-r.Context().Done():
			return
		}
	}
}
