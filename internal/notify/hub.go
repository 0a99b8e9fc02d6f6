// Package notify delivers temporal-trigger notifications to connected
// clients over a WebSocket broadcast channel. Delivery is fire-and-forget:
// a slow or broken client never blocks the scanner, and there is no
// back-pressure or redelivery.
package notify

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/rs/zerolog/log"
)

// Kind identifies which trigger class produced an event.
type Kind string

const (
	KindReminderDue Kind = "reminder_due"
	KindDeadlineDue Kind = "deadline_due"
	KindEventDue    Kind = "event_due"
)

// Event is a single due-trigger notification.
type Event struct {
	Kind  Kind   `json:"kind"`
	ID    int64  `json:"id"`
	Title string `json:"title"`
	DueAt string `json:"dueAt"`
}

// Hub fans events out to all connected WebSocket clients.
type Hub struct {
	clients   map[*websocket.Conn]struct{}
	clientsMu sync.RWMutex

	events chan Event

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewHub creates a hub. Call Run to start the broadcast loop and Close to
// tear it down.
func NewHub() *Hub {
	ctx, cancel := context.WithCancel(context.Background())
	return &Hub{
		clients: make(map[*websocket.Conn]struct{}),
		events:  make(chan Event, 256),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Publish queues an event for broadcast. Never blocks: if the buffer is
// full the event is dropped and a warning logged.
func (h *Hub) Publish(ev Event) {
	select {
	case h.events <- ev:
	case <-h.ctx.Done():
	default:
		log.Warn().Str("kind", string(ev.Kind)).Int64("id", ev.ID).Msg("notification buffer full, dropping event")
	}
}

// Run drains the event channel and writes each event to every connected
// client. Blocks until ctx or the hub is cancelled.
func (h *Hub) Run(ctx context.Context) {
	h.wg.Add(1)
	defer h.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case <-h.ctx.Done():
			return
		case ev := <-h.events:
			h.broadcast(ev)
		}
	}
}

func (h *Hub) broadcast(ev Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		log.Error().Err(err).Msg("failed to marshal notification event")
		return
	}

	h.clientsMu.RLock()
	conns := make([]*websocket.Conn, 0, len(h.clients))
	for conn := range h.clients {
		conns = append(conns, conn)
	}
	h.clientsMu.RUnlock()

	// Write outside the lock so a stalled client cannot block new
	// subscribers.
	for _, conn := range conns {
		writeCtx, cancel := context.WithTimeout(h.ctx, 5*time.Second)
		err := conn.Write(writeCtx, websocket.MessageText, data)
		cancel()
		if err != nil {
			log.Debug().Err(err).Msg("dropping notification client")
			h.removeClient(conn)
		}
	}
}

// Handler upgrades the request to a WebSocket subscription. Clients only
// receive; anything they send is read and discarded to keep the connection
// alive.
func (h *Hub) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			log.Warn().Err(err).Msg("websocket upgrade failed")
			return
		}

		h.clientsMu.Lock()
		h.clients[conn] = struct{}{}
		count := len(h.clients)
		h.clientsMu.Unlock()

		log.Info().Int("clients", count).Msg("notification client connected")

		go h.readLoop(conn)
	}
}

func (h *Hub) readLoop(conn *websocket.Conn) {
	defer h.removeClient(conn)
	for {
		if _, _, err := conn.Read(h.ctx); err != nil {
			return
		}
	}
}

func (h *Hub) removeClient(conn *websocket.Conn) {
	h.clientsMu.Lock()
	_, exists := h.clients[conn]
	if exists {
		delete(h.clients, conn)
	}
	count := len(h.clients)
	h.clientsMu.Unlock()

	if exists {
		_ = conn.Close(websocket.StatusNormalClosure, "")
		log.Info().Int("clients", count).Msg("notification client disconnected")
	}
}

// ClientCount reports the number of connected subscribers.
func (h *Hub) ClientCount() int {
	h.clientsMu.RLock()
	defer h.clientsMu.RUnlock()
	return len(h.clients)
}

// Close disconnects all clients and stops the broadcast loop.
func (h *Hub) Close() {
	h.cancel()

	h.clientsMu.Lock()
	for conn := range h.clients {
		_ = conn.Close(websocket.StatusGoingAway, "server shutting down")
		delete(h.clients, conn)
	}
	h.clientsMu.Unlock()

	h.wg.Wait()
}
