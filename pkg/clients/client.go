package clients

import (
	"context"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
)

// Client is one connected page.
type Client struct {
	ID  string
	URL string

	hub         *Hub
	conn        *websocket.Conn
	send        chan Message
	connectedAt time.Time
	controlled  bool
}

// enqueue queues msg without blocking. Callers hold hub.mu.
func (c *Client) enqueue(msg Message) bool {
	select {
	case c.send <- msg:
		return true
	default:
		c.hub.log.Warn().Str("client", c.ID).Str("type", msg.Type).Msg("Client queue full, dropping message")
		return false
	}
}

type inbound struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

func (c *Client) readPump() {
	defer func() {
		c.hub.unregister(c)
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		return
	}
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, b, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.log.Warn().Err(err).Str("client", c.ID).Msg("Unexpected client close")
			}
			return
		}
		var msg inbound
		if err := json.Unmarshal(b, &msg); err != nil {
			c.hub.log.Debug().Err(err).Str("client", c.ID).Msg("Ignoring malformed client message")
			continue
		}
		switch msg.Type {
		case MessageTypePing:
			c.hub.mu.RLock()
			c.enqueue(Message{Type: MessageTypePong})
			c.hub.mu.RUnlock()
		case MessageTypeNotificationClick:
			var click Click
			if err := json.Unmarshal(msg.Data, &click); err != nil {
				c.hub.log.Debug().Err(err).Str("client", c.ID).Msg("Ignoring malformed click")
				continue
			}
			if c.hub.onClick != nil {
				c.hub.onClick(context.Background(), click)
			}
		}
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return
			}
			if !ok {
				// the hub closed the channel
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			b, err := json.Marshal(msg)
			if err != nil {
				c.hub.log.Error().Err(err).Str("type", msg.Type).Msg("Could not encode client message")
				continue
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, b); err != nil {
				return
			}
		case <-ticker.C:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return
			}
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
