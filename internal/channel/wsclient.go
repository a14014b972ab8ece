package channel

import (
	"encoding/json"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second
	sendBuffer = 256
)

// ErrClosed is returned by Send after the connection has been closed.
var ErrClosed = errors.New("channel: connection closed")

// WSClient is the websocket-backed Channel. One goroutine reads envelopes
// off the socket and emits them; a second drains the send queue so a slow
// socket never blocks callers.
type WSClient struct {
	*Emitter

	conn *websocket.Conn
	send chan []byte

	closeOnce sync.Once
	done      chan struct{}
}

// Dial connects to a collaboration endpoint and starts the read/write pumps.
func Dial(url string) (*WSClient, error) {
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		return nil, err
	}
	return NewWSClient(conn), nil
}

// NewWSClient wraps an established websocket connection.
func NewWSClient(conn *websocket.Conn) *WSClient {
	c := &WSClient{
		Emitter: NewEmitter(),
		conn:    conn,
		send:    make(chan []byte, sendBuffer),
		done:    make(chan struct{}),
	}
	go c.writePump()
	go c.readPump()
	return c
}

// Send queues an envelope for transmission. It never blocks; a full queue
// means the connection is effectively dead and reports ErrClosed.
func (c *WSClient) Send(event string, payload any) error {
	data, err := EncodeEnvelope(event, payload)
	if err != nil {
		return err
	}
	select {
	case <-c.done:
		return ErrClosed
	case c.send <- data:
		return nil
	default:
		return ErrClosed
	}
}

// Close tears down the connection. Safe to call more than once.
func (c *WSClient) Close() error {
	c.closeOnce.Do(func() {
		close(c.done)
		c.conn.Close()
	})
	return nil
}

// Done is closed when the connection is gone, however it went.
func (c *WSClient) Done() <-chan struct{} {
	return c.done
}

func (c *WSClient) readPump() {
	defer c.Close()

	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Printf("channel: read error: %v", err)
			}
			return
		}

		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			log.Printf("channel: dropping malformed envelope: %v", err)
			continue
		}
		c.Emit(env.Event, env.Payload)
	}
}

func (c *WSClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.Close()
	}()

	for {
		select {
		case <-c.done:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return

		case data := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
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
