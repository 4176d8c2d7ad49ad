package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/nextlevelbuilder/webbrain/internal/kernelerr"
	"github.com/nextlevelbuilder/webbrain/pkg/protocol"
)

// ConnState is the lane's connection state machine:
// disconnected → connecting → connected → closing → disconnected.
type ConnState string

const (
	StateDisconnected ConnState = "disconnected"
	StateConnecting   ConnState = "connecting"
	StateConnected    ConnState = "connected"
	StateClosing      ConnState = "closing"
)

// StatusListener observes bridge.status transitions (connected /
// disconnected) and server-pushed events.
type StatusListener func(event string, data map[string]any)

// ClientConfig tunes the lane.
type ClientConfig struct {
	URL              string
	Token            string
	ReconnectMaxSec  int
	InvokeTimeoutSec int
}

// pending is one in-flight invoke awaiting its ResultFrame. Later invokes
// with the same (id, sessionId) and equal args join as extra waiters,
// mirroring the server's dedup contract.
type pending struct {
	frame    InvokeFrame
	argsHash string
	waiters  []*waiter
}

type waiter struct {
	ch    chan ResultFrame
	errCh chan error
}

// Client is the kernel-side bridge lane. A single logical WebSocket with
// reconnect; pending invokes reject with E_BRIDGE_DISCONNECTED on a drop and
// retries run on the fresh connection.
type Client struct {
	log   *slog.Logger
	cfg   ClientConfig
	audit AuditLogger

	mu      sync.Mutex
	state   ConnState
	conn    *websocket.Conn
	pending map[string]*pending // key: sessionID\x00id
	closed  bool

	listenersMu sync.Mutex
	listeners   []StatusListener
}

func NewClient(log *slog.Logger, cfg ClientConfig, audit AuditLogger) *Client {
	if log == nil {
		log = slog.Default()
	}
	if cfg.ReconnectMaxSec <= 0 {
		cfg.ReconnectMaxSec = 60
	}
	if cfg.InvokeTimeoutSec <= 0 {
		cfg.InvokeTimeoutSec = 120
	}
	return &Client{
		log:     log,
		cfg:     cfg,
		audit:   audit,
		state:   StateDisconnected,
		pending: make(map[string]*pending),
	}
}

// OnStatus registers a listener for bridge.status and invoke.* events.
func (c *Client) OnStatus(l StatusListener) {
	c.listenersMu.Lock()
	defer c.listenersMu.Unlock()
	c.listeners = append(c.listeners, l)
}

func (c *Client) notify(event string, data map[string]any) {
	c.listenersMu.Lock()
	listeners := append([]StatusListener(nil), c.listeners...)
	c.listenersMu.Unlock()
	for _, l := range listeners {
		func() {
			defer func() {
				if r := recover(); r != nil {
					c.log.Warn("bridge status listener panicked", "recover", r)
				}
			}()
			l(event, data)
		}()
	}
}

// State reports the current connection state.
func (c *Client) State() ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Start runs the connect/reconnect loop until ctx is cancelled.
func (c *Client) Start(ctx context.Context) {
	go c.run(ctx)
}

func (c *Client) run(ctx context.Context) {
	backoff := 2 * time.Second
	maxBackoff := time.Duration(c.cfg.ReconnectMaxSec) * time.Second

	for {
		c.mu.Lock()
		closed := c.closed
		c.mu.Unlock()
		if closed || ctx.Err() != nil {
			return
		}
		c.setState(StateConnecting)

		conn, err := c.dial(ctx)
		if err != nil {
			c.setState(StateDisconnected)
			c.log.Warn("bridge connect failed", "url", c.cfg.URL, "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}

		backoff = 2 * time.Second
		c.mu.Lock()
		c.conn = conn
		c.state = StateConnected
		c.mu.Unlock()
		c.notify(protocol.BridgeEventBridgeStatus, map[string]any{"status": "connected"})
		c.log.Info("bridge connected", "url", c.cfg.URL)

		c.readLoop(ctx, conn)

		// Connection dropped: reject everything still pending, retryable.
		c.mu.Lock()
		c.state = StateClosing
		c.conn = nil
		dropped := c.pending
		c.pending = make(map[string]*pending)
		c.state = StateDisconnected
		c.mu.Unlock()
		for _, p := range dropped {
			for _, w := range p.waiters {
				w.errCh <- kernelerr.New(kernelerr.CodeBridgeDisconnected, "bridge connection lost")
			}
		}
		c.notify(protocol.BridgeEventBridgeStatus, map[string]any{"status": "disconnected"})

		if ctx.Err() != nil {
			return
		}
	}
}

func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	dctx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	opts := &websocket.DialOptions{}
	if c.cfg.Token != "" {
		opts.HTTPHeader = http.Header{"Authorization": {"Bearer " + c.cfg.Token}}
	}
	conn, _, err := websocket.Dial(dctx, c.cfg.URL, opts)
	return conn, err
}

// readLoop dispatches inbound frames until the connection drops. A result
// delivered here resolves its invoke even if the close races right behind
// it — the pending entry is removed before the close path runs.
func (c *Client) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		var raw json.RawMessage
		if err := wsjson.Read(ctx, conn, &raw); err != nil {
			return
		}
		var head inboundFrame
		if err := json.Unmarshal(raw, &head); err != nil {
			continue
		}
		if head.Type == protocol.BridgeFrameEvent {
			var ev EventFrame
			if err := json.Unmarshal(raw, &ev); err == nil {
				data, _ := ev.Data.(map[string]any)
				c.notify(ev.Event, data)
			}
			continue
		}

		var result ResultFrame
		if err := json.Unmarshal(raw, &result); err != nil {
			continue
		}
		key := result.SessionID + "\x00" + result.ID
		c.mu.Lock()
		p, ok := c.pending[key]
		if ok {
			delete(c.pending, key)
		}
		c.mu.Unlock()
		if ok {
			for _, w := range p.waiters {
				w.ch <- result
			}
		}
	}
}

func (c *Client) setState(s ConnState) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// Invoke sends one frame and waits for its result, the disconnect error, or
// ctx/timeout expiry. The returned error is nil even for ok=false results —
// the ResultFrame carries the server's error verbatim, annotated retryable
// via RetryableCode.
func (c *Client) Invoke(ctx context.Context, frame InvokeFrame) (ResultFrame, error) {
	frame = NewInvoke(frame)

	c.mu.Lock()
	if c.state != StateConnected || c.conn == nil {
		c.mu.Unlock()
		return ResultFrame{}, kernelerr.New(kernelerr.CodeBridgeDisconnected, "bridge not connected")
	}
	key := frame.SessionID + "\x00" + frame.ID
	hash := hashArgs(frame.Args)
	w := &waiter{ch: make(chan ResultFrame, 1), errCh: make(chan error, 1)}

	if existing, exists := c.pending[key]; exists {
		// Mirror of the server dedup contract: equal args join the in-flight
		// invoke; different args fail fast without touching it.
		if existing.argsHash != hash {
			c.mu.Unlock()
			return ResultFrame{}, kernelerr.New(kernelerr.CodeArgs, "duplicate invoke id")
		}
		existing.waiters = append(existing.waiters, w)
		c.mu.Unlock()
		return c.await(ctx, frame, key, w, time.Now())
	}

	p := &pending{frame: frame, argsHash: hash, waiters: []*waiter{w}}
	c.pending[key] = p
	conn := c.conn
	c.mu.Unlock()

	wctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	err := wsjson.Write(wctx, conn, frame)
	cancel()
	if err != nil {
		c.mu.Lock()
		delete(c.pending, key)
		c.mu.Unlock()
		return ResultFrame{}, kernelerr.New(kernelerr.CodeBridgeDisconnected, "bridge write failed: "+err.Error())
	}

	return c.await(ctx, frame, key, w, time.Now())
}

// await blocks one waiter until its result, an abort/disconnect error, or a
// timeout. Joined waiters receive the shared result restamped with their own
// identifiers.
func (c *Client) await(ctx context.Context, frame InvokeFrame, key string, w *waiter, started time.Time) (ResultFrame, error) {
	timeout := time.Duration(c.cfg.InvokeTimeoutSec) * time.Second
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case result := <-w.ch:
		result.SessionID = frame.SessionID
		result.AgentID = frame.AgentID
		c.writeAudit(frame, result, started)
		return result, nil
	case err := <-w.errCh:
		return ResultFrame{}, err
	case <-timer.C:
		c.mu.Lock()
		delete(c.pending, key)
		c.mu.Unlock()
		return ResultFrame{}, kernelerr.New(kernelerr.CodeTimeout, "bridge invoke timed out")
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.pending, key)
		c.mu.Unlock()
		return ResultFrame{}, kernelerr.New(kernelerr.CodeTimeout, "bridge invoke cancelled").
			WithDetails(map[string]any{"cause": ctx.Err().Error()})
	}
}

// writeAudit records the completed invoke on the lane side. Logger failures
// surface as invoke.stderr with source=audit, never as invoke failures.
func (c *Client) writeAudit(frame InvokeFrame, result ResultFrame, started time.Time) {
	if c.audit == nil {
		return
	}
	rec := AuditRecord{
		ID: frame.ID, SessionID: frame.SessionID, AgentID: frame.AgentID,
		Tool: frame.Tool, Args: frame.Args, OK: result.OK,
		StartedAt: started, Duration: time.Since(started),
	}
	if result.Error != nil {
		rec.ErrorCode = result.Error.Code
	}
	if err := c.audit.Log(rec); err != nil {
		c.log.Warn("bridge audit failed", "invoke", frame.ID, "error", err)
		c.notify(protocol.BridgeEventInvokeStderr, map[string]any{
			"source": "audit", "id": frame.ID, "error": err.Error(),
		})
	}
}

// AbortBySession rejects every pending invoke for a session with a
// cancellation error (stop semantics: aborted invokes resolve, never hang).
func (c *Client) AbortBySession(sessionID string) {
	c.mu.Lock()
	var aborted []*pending
	for key, p := range c.pending {
		if p.frame.SessionID == sessionID {
			delete(c.pending, key)
			aborted = append(aborted, p)
		}
	}
	c.mu.Unlock()
	for _, p := range aborted {
		for _, w := range p.waiters {
			w.errCh <- kernelerr.New(kernelerr.CodeTimeout, "invoke aborted: session stopped")
		}
	}
}

// Close tears the connection down for good.
func (c *Client) Close() {
	c.mu.Lock()
	c.closed = true
	conn := c.conn
	c.state = StateClosing
	c.mu.Unlock()
	if conn != nil {
		conn.Close(websocket.StatusNormalClosure, "client closing")
	}
}

// RetryableCode reports whether a bridge error code retries per the fixed
// mapping: busy, disconnects, timeouts and network errors do; argument,
// auth, and tool-validation failures do not.
func RetryableCode(code string) bool {
	switch kernelerr.Code(code) {
	case kernelerr.CodeBusy, kernelerr.CodeBridgeDisconnected, kernelerr.CodeTimeout:
		return true
	default:
		return false
	}
}

// IsDisconnect reports whether err is the lane's retryable disconnect error.
func IsDisconnect(err error) bool {
	var ce *kernelerr.CodedError
	if kernelerr.AsCoded(err, &ce) {
		return ce.Code == kernelerr.CodeBridgeDisconnected
	}
	return errors.Is(err, context.Canceled)
}
