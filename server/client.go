package server

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/teranos/relay/run/stream"
)

// WebSocket timeout constants following Gorilla best practices
// See: https://github.com/gorilla/websocket/blob/master/examples/chat/client.go
const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period (must be less than pongWait)
	pingPeriod = 54 * time.Second

	// Maximum message size allowed from peer
	maxMessageSize = 4 * 1024
)

// Client is one WebSocket connection attached to an execution's log
// stream. It owns exactly one hub subscriber for its lifetime.
type Client struct {
	server      *RelayServer
	conn        *websocket.Conn
	sub         *stream.Subscriber
	id          string
	executionID string
	closeOnce   sync.Once
}

func newClient(s *RelayServer, conn *websocket.Conn, sub *stream.Subscriber, executionID string) *Client {
	return &Client{
		server:      s,
		conn:        conn,
		sub:         sub,
		id:          uuid.NewString(),
		executionID: executionID,
	}
}

// readPump drains the connection until it closes. Clients send nothing
// meaningful after the attach handshake; the pump exists to process
// pongs and detect disconnects promptly.
func (c *Client) readPump() {
	defer func() {
		c.close()
		c.server.unregisterClient(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseGoingAway,
				websocket.CloseAbnormalClosure,
				websocket.CloseNoStatusReceived,
			) {
				c.server.logger.Warnw("WebSocket read error",
					"client_id", c.id,
					"execution_id", c.executionID,
					"error", err,
				)
			}
			return
		}
	}
}

// writePump forwards stream events to the connection and keeps quiet
// connections alive with heartbeat events. Every heartbeat carries the
// current sequence number, so the client always holds a fresh
// resumption token.
func (c *Client) writePump() {
	pingTicker := time.NewTicker(pingPeriod)
	heartbeat := time.NewTicker(c.server.heartbeat)
	defer func() {
		pingTicker.Stop()
		heartbeat.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case <-c.server.ctx.Done():
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"))
			return

		case ev, ok := <-c.sub.Events():
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// Stream finished: the terminal event was already
				// delivered, close the connection cleanly
				c.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := c.conn.WriteJSON(ev); err != nil {
				c.server.logger.Debugw("Stream write error",
					"client_id", c.id,
					"execution_id", c.executionID,
					"error", err,
				)
				return
			}
			heartbeat.Reset(c.server.heartbeat)

		case <-heartbeat.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			ev := stream.Event{
				Type:      stream.EventHeartbeat,
				Seq:       c.server.hub.CurrentSeq(c.executionID),
				Timestamp: time.Now(),
			}
			if err := c.conn.WriteJSON(ev); err != nil {
				return
			}

		case <-pingTicker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// close detaches the hub subscriber exactly once
func (c *Client) close() {
	c.closeOnce.Do(func() {
		c.server.hub.Detach(c.sub)
	})
}
