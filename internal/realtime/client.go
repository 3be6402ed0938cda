package realtime

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024
)

// Client is one websocket connection registered with the hub.
type Client struct {
	id     string
	hub    *Hub
	conn   *websocket.Conn
	send   chan []byte
	rooms  map[string]bool
	logger *zap.Logger
}

// NewClient wraps an upgraded connection.
func NewClient(hub *Hub, conn *websocket.Conn, logger *zap.Logger) *Client {
	return &Client{
		id:     uuid.New().String(),
		hub:    hub,
		conn:   conn,
		send:   make(chan []byte, 256),
		rooms:  make(map[string]bool),
		logger: logger,
	}
}

// ReadPump reads inbound events until the connection drops, then
// unregisters the client.
func (c *Client) ReadPump() {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()

	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.Warn("websocket read", zap.String("client_id", c.id), zap.Error(err))
			}
			break
		}

		var ev Event
		if err := json.Unmarshal(data, &ev); err != nil {
			c.logger.Warn("unparseable event, dropping", zap.String("client_id", c.id), zap.Error(err))
			continue
		}
		ev.From = c.id
		ev.Timestamp = time.Now().UTC()
		c.handleEvent(&ev)
	}
}

// WritePump drains the send channel onto the wire and keeps the connection
// alive with pings.
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case data, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				c.logger.Warn("websocket write", zap.String("client_id", c.id), zap.Error(err))
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *Client) handleEvent(ev *Event) {
	switch ev.Type {
	case EventJoinUser:
		// Room carries the raw email; normalize it server side so clients
		// cannot join a mismatched key.
		if ev.Room != "" {
			c.hub.JoinRoom(c, UserRoom(ev.Room))
		}

	case EventJoinJob:
		if ev.Room != "" {
			c.hub.JoinRoom(c, JobRoom(ev.Room))
		}

	case EventLocationUpdate:
		// The job room shows the other party the movement; the sender's
		// user room carries their presence for anyone tracking them.
		if ev.From != "" {
			c.hub.Publish(&Event{
				Type:      EventLocationUpdate,
				Room:      UserRoom(ev.From),
				From:      ev.From,
				Payload:   ev.Payload,
				Timestamp: ev.Timestamp,
			})
		}
		if ev.Room != "" {
			ev.Room = JobRoom(ev.Room)
			c.hub.Publish(ev)
		}

	case EventMessageSend:
		if ev.Room != "" {
			c.hub.Publish(&Event{
				Type: EventMessageReceived,
				Room: JobRoom(ev.Room),
				From: ev.From,
				Text: ev.Text,
			})
		}

	default:
		c.logger.Debug("ignoring event", zap.String("type", string(ev.Type)), zap.String("client_id", c.id))
	}
}
