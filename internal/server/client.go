package server

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"fleet-tracker/internal/hub"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4096
	sendBuffer     = 64
)

// clientFrame is the client-to-server wire message.
type clientFrame struct {
	Action string `json:"action"` // subscribe | unsubscribe
	Topic  string `json:"topic"`
}

// wsClient adapts one websocket connection to hub.Conn. Sends are
// buffered; a slow consumer loses frames instead of stalling the hub.
type wsClient struct {
	id     string
	userID string
	conn   *websocket.Conn
	send   chan hub.Event
	done   chan struct{}
	once   sync.Once
}

func newWSClient(id, userID string, conn *websocket.Conn) *wsClient {
	return &wsClient{
		id:     id,
		userID: userID,
		conn:   conn,
		send:   make(chan hub.Event, sendBuffer),
		done:   make(chan struct{}),
	}
}

func (c *wsClient) ID() string     { return c.id }
func (c *wsClient) UserID() string { return c.userID }

func (c *wsClient) Send(ev hub.Event) {
	select {
	case <-c.done:
	case c.send <- ev:
	default:
		log.Debug().Str("conn", c.id).Str("event", ev.Name).Msg("send buffer full, frame dropped")
	}
}

func (c *wsClient) close() {
	c.once.Do(func() {
		close(c.done)
		c.conn.Close()
	})
}

func (c *wsClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.close()
	}()
	for {
		select {
		case <-c.done:
			return
		case ev := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteJSON(ev); err != nil {
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

// readPump consumes subscribe/unsubscribe frames until the connection
// closes, then tears the client down. Subscription failures are
// reported to this connection only; the connection stays open.
func (c *wsClient) readPump(h *hub.Hub) {
	defer func() {
		h.Unregister(c)
		c.close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		var frame clientFrame
		if err := c.conn.ReadJSON(&frame); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Debug().Err(err).Str("conn", c.id).Msg("websocket read error")
			}
			return
		}

		switch frame.Action {
		case "subscribe":
			if err := h.Subscribe(c, frame.Topic); err != nil {
				c.Send(hub.Event{Name: hub.EventSubscriptionError, Data: hub.SubscriptionError{Message: err.Error()}})
				continue
			}
			c.Send(hub.Event{Name: hub.EventSubscriptionAck, Data: hub.SubscriptionAck{Topic: frame.Topic}})
		case "unsubscribe":
			if err := h.Unsubscribe(c, frame.Topic); err != nil {
				c.Send(hub.Event{Name: hub.EventSubscriptionError, Data: hub.SubscriptionError{Message: err.Error()}})
			}
		default:
			c.Send(hub.Event{Name: hub.EventSubscriptionError, Data: hub.SubscriptionError{Message: "unknown action: " + frame.Action}})
		}
	}
}
