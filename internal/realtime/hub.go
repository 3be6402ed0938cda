// Package realtime implements the websocket hub that pushes job lifecycle
// events, pickup locations, and chat messages to connected parties.
package realtime

import (
	"encoding/json"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/boardwalkclay1/laundry-bubbles/internal/ledger"
	"github.com/boardwalkclay1/laundry-bubbles/internal/metrics"
)

// EventType names the messages flowing through the hub. Inbound types come
// from clients; outbound types are produced by the server.
type EventType string

const (
	// Inbound.
	EventJoinUser       EventType = "join:user"
	EventJoinJob        EventType = "join:job"
	EventLocationUpdate EventType = "location:update"
	EventMessageSend    EventType = "message:send"

	// Outbound.
	EventJobCreated      EventType = "job:created"
	EventJobUpdated      EventType = "job:updated"
	EventMessageReceived EventType = "message:received"
)

// Event is the wire format for hub messages, both directions.
type Event struct {
	Type      EventType       `json:"type"`
	Room      string          `json:"room,omitempty"`
	From      string          `json:"from,omitempty"`
	Text      string          `json:"text,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// UserRoom derives the per-user room name. Email keys sanitize the
// characters that are unsafe in room paths, so ana@example.com and
// ana_example_com address the same room.
func UserRoom(email string) string {
	key := strings.NewReplacer("@", "_", ".", "_").Replace(email)
	return "user:" + key
}

// JobRoom derives the per-job room name.
func JobRoom(jobID string) string {
	return "job:" + jobID
}

// Hub maintains the set of active clients and routes events to rooms.
type Hub struct {
	clients    map[*Client]bool
	rooms      map[string]map[*Client]bool
	broadcast  chan *Event
	register   chan *Client
	unregister chan *Client
	mu         sync.RWMutex
	closed     bool
	metrics    *metrics.Metrics
	logger     *zap.Logger
}

// NewHub creates a hub. Call Run in its own goroutine before serving
// connections.
func NewHub(m *metrics.Metrics, logger *zap.Logger) *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		rooms:      make(map[string]map[*Client]bool),
		broadcast:  make(chan *Event, 256),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		metrics:    m,
		logger:     logger,
	}
}

// Close stops the Run loop. Connected clients are torn down by their own
// pumps when the server's listener closes. Publishes racing Close are
// dropped rather than sent on the closed channel.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	close(h.broadcast)
}

// Run owns the client set; it exits when Close is called.
func (h *Hub) Run() {
	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()
			h.metrics.ConnectionsActive.Inc()
			h.logger.Debug("client connected", zap.String("client_id", client.id))

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				for room, clients := range h.rooms {
					if clients[client] {
						delete(clients, client)
						if len(clients) == 0 {
							delete(h.rooms, room)
						}
					}
				}
				close(client.send)
				h.metrics.ConnectionsActive.Dec()
			}
			h.mu.Unlock()
			h.logger.Debug("client disconnected", zap.String("client_id", client.id))

		case ev, ok := <-h.broadcast:
			if !ok {
				return
			}
			h.deliver(ev)
		}
	}
}

// Publish queues an event for delivery to its room. Events for rooms with
// no members are dropped silently; the HTTP API remains the source of truth.
func (h *Hub) Publish(ev *Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}

	// The read lock pairs with Close's write lock: the channel cannot be
	// closed between the closed check and the send.
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.closed {
		return
	}

	select {
	case h.broadcast <- ev:
		h.metrics.EventsPublishedTotal.WithLabelValues(string(ev.Type)).Inc()
	default:
		h.logger.Warn("broadcast queue full, dropping event", zap.String("type", string(ev.Type)))
	}
}

func (h *Hub) deliver(ev *Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	data, err := json.Marshal(ev)
	if err != nil {
		h.logger.Error("marshal event", zap.Error(err))
		return
	}

	targets := h.rooms[ev.Room]
	if ev.Room == "" {
		targets = h.clients
	}
	for client := range targets {
		select {
		case client.send <- data:
		default:
			h.logger.Warn("client send buffer full, skipping",
				zap.String("client_id", client.id),
				zap.String("room", ev.Room),
			)
		}
	}
}

// JoinRoom subscribes a client to a room.
func (h *Hub) JoinRoom(client *Client, room string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.rooms[room] == nil {
		h.rooms[room] = make(map[*Client]bool)
	}
	h.rooms[room][client] = true
	client.rooms[room] = true
}

// LeaveRoom unsubscribes a client from a room.
func (h *Hub) LeaveRoom(client *Client, room string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if clients, ok := h.rooms[room]; ok {
		delete(clients, client)
		if len(clients) == 0 {
			delete(h.rooms, room)
		}
	}
	delete(client.rooms, room)
}

// RoomSize reports the member count of a room.
func (h *Hub) RoomSize(room string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[room])
}

// Stats summarizes hub occupancy for the health endpoint.
func (h *Hub) Stats() map[string]any {
	h.mu.RLock()
	defer h.mu.RUnlock()

	roomSizes := make(map[string]int, len(h.rooms))
	for room, clients := range h.rooms {
		roomSizes[room] = len(clients)
	}
	return map[string]any{
		"clients": len(h.clients),
		"rooms":   roomSizes,
	}
}

// JobCreated notifies the client's and the provider's user rooms about a
// new job.
func (h *Hub) JobCreated(j *ledger.Job) {
	h.publishJob(EventJobCreated, j)
}

// JobUpdated notifies the job room and both user rooms about a lifecycle or
// payment change.
func (h *Hub) JobUpdated(j *ledger.Job) {
	h.Publish(&Event{Type: EventJobUpdated, Room: JobRoom(j.ID.String()), Payload: marshalJob(j, h.logger)})
	h.publishJob(EventJobUpdated, j)
}

// Message relays a chat line to the job room.
func (h *Hub) Message(j *ledger.Job, from, text string) {
	h.Publish(&Event{
		Type: EventMessageReceived,
		Room: JobRoom(j.ID.String()),
		From: from,
		Text: text,
	})
}

func (h *Hub) publishJob(t EventType, j *ledger.Job) {
	payload := marshalJob(j, h.logger)
	h.Publish(&Event{Type: t, Room: UserRoom(j.Client.Email), Payload: payload})
	if j.Provider.OwnerID != "" {
		h.Publish(&Event{Type: t, Room: UserRoom(j.Provider.OwnerID), Payload: payload})
	}
}

func marshalJob(j *ledger.Job, logger *zap.Logger) json.RawMessage {
	data, err := json.Marshal(j)
	if err != nil {
		logger.Error("marshal job payload", zap.Error(err))
		return nil
	}
	return data
}
