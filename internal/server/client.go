package server

import (
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/courierlabs/courier/backend/internal/presence"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 8 * 1024
	sendBufferSize = 64
)

var (
	errConnectionClosed = errors.New("server: connection closed")
	errSendBufferFull   = errors.New("server: send buffer full")
)

// wsClient adapts one websocket connection to the presence.Connection
// contract. Sends are non-blocking: a full buffer drops the envelope rather
// than stalling a pipeline on a slow consumer.
type wsClient struct {
	id   string
	conn *websocket.Conn
	send chan []byte

	closeOnce sync.Once
	done      chan struct{}
}

func newWSClient(conn *websocket.Conn) *wsClient {
	return &wsClient{
		id:   uuid.NewString(),
		conn: conn,
		send: make(chan []byte, sendBufferSize),
		done: make(chan struct{}),
	}
}

func (c *wsClient) ID() string {
	return c.id
}

func (c *wsClient) Send(envelope presence.Envelope) error {
	data, err := json.Marshal(envelope)
	if err != nil {
		return err
	}
	select {
	case <-c.done:
		return errConnectionClosed
	case c.send <- data:
		return nil
	default:
		return errSendBufferFull
	}
}

func (c *wsClient) Close() error {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.conn.Close()
	})
	return nil
}

func (c *wsClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.Close()
	}()
	for {
		select {
		case data := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		}
	}
}
