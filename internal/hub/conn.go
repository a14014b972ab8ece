package hub

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"

	"lexcollab/internal/channel"
	"lexcollab/internal/middleware"

	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel/attribute"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second
	sendBuffer = 256
)

// Conn is one participant's websocket connection to the hub. Reading and
// writing run in separate goroutines so a slow client never blocks the hub.
type Conn struct {
	hub *Hub
	ws  *websocket.Conn

	userID   string
	userName string
	color    string

	send chan []byte

	// Guarded by the hub mutex.
	room       *room
	recordID   string
	lastActive time.Time

	closeOnce sync.Once
	closed    chan struct{}
}

func newConn(hub *Hub, ws *websocket.Conn, userID, userName string) *Conn {
	return &Conn{
		hub:      hub,
		ws:       ws,
		userID:   userID,
		userName: userName,
		send:     make(chan []byte, sendBuffer),
		closed:   make(chan struct{}),
	}
}

// enqueue hands raw bytes to the write pump. A full buffer means the client
// is too slow to keep; the hub drops the connection.
func (c *Conn) enqueue(data []byte) bool {
	select {
	case <-c.closed:
		return false
	case c.send <- data:
		return true
	default:
		return false
	}
}

// sendEvent marshals and queues one event for this connection.
func (c *Conn) sendEvent(event string, payload any) {
	data, err := channel.EncodeEnvelope(event, payload)
	if err != nil {
		log.Printf("hub: encoding %s failed: %v", event, err)
		return
	}
	if !c.enqueue(data) {
		log.Printf("hub: send buffer full for user %s, dropping connection", c.userID)
		c.hub.drop(c)
	}
}

func (c *Conn) close() {
	c.closeOnce.Do(func() {
		close(c.closed)
		if c.ws != nil {
			c.ws.Close()
		}
	})
}

// readPump reads envelopes off the socket and dispatches them to the hub.
// It owns connection teardown: when it exits the hub forgets the conn.
func (c *Conn) readPump(ctx context.Context) {
	defer func() {
		c.hub.drop(c)
		c.close()
	}()

	c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		c.ws.SetReadDeadline(time.Now().Add(pongWait))
		c.hub.markActive(c)
		return nil
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				log.Printf("hub: read error from user %s: %v", c.userID, err)
			}
			return
		}
		c.hub.markActive(c)

		var env channel.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			log.Printf("hub: dropping malformed envelope from user %s: %v", c.userID, err)
			continue
		}

		msgCtx, span := middleware.StartSpan(ctx, "Hub.Dispatch",
			attribute.String("event", env.Event),
			attribute.String("user.id", c.userID),
			attribute.Int("payload.size", len(env.Payload)),
		)
		c.hub.dispatch(msgCtx, c, env)
		span.End()
	}
}

// writePump drains the send queue and keeps the connection alive with pings.
func (c *Conn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.close()
	}()

	for {
		select {
		case <-c.closed:
			return

		case data := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}

		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
