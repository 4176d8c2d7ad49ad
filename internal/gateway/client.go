package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/nextlevelbuilder/webbrain/pkg/protocol"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 1 << 20
)

// Client is one connected Message API peer.
type Client struct {
	id     string
	conn   *websocket.Conn
	server *Server

	sendMu sync.Mutex
	closed bool
}

func NewClient(conn *websocket.Conn, server *Server) *Client {
	return &Client{
		id:     uuid.NewString(),
		conn:   conn,
		server: server,
	}
}

// Run reads requests until the connection drops. Each request is dispatched
// through the method router; the response carries the request's id so the
// client can correlate.
func (c *Client) Run(ctx context.Context) {
	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	pingCtx, cancelPing := context.WithCancel(ctx)
	defer cancelPing()
	go c.pingLoop(pingCtx)

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}

		var req protocol.Request
		if err := json.Unmarshal(data, &req); err != nil {
			c.send(protocol.Err("", string("E_ARGS"), "malformed request: "+err.Error()))
			continue
		}
		if req.Type == "" {
			c.send(protocol.Err(req.ID, "E_ARGS", "request missing type"))
			continue
		}

		resp := c.server.router.Dispatch(ctx, req)
		resp.ID = req.ID
		c.send(resp)
	}
}

func (c *Client) pingLoop(ctx context.Context) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.sendMu.Lock()
			if c.closed {
				c.sendMu.Unlock()
				return
			}
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			err := c.conn.WriteMessage(websocket.PingMessage, nil)
			c.sendMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

func (c *Client) send(resp protocol.Response) {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if c.closed {
		return
	}
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.conn.WriteJSON(resp); err != nil {
		slog.Debug("gateway write failed", "client", c.id, "error", err)
	}
}

// SendEvent pushes an out-of-band event frame.
func (c *Client) SendEvent(ev protocol.EventFrame) {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if c.closed {
		return
	}
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.conn.WriteJSON(ev); err != nil {
		slog.Debug("gateway event write failed", "client", c.id, "error", err)
	}
}

// Close shuts the connection down.
func (c *Client) Close() {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	c.conn.Close()
}
