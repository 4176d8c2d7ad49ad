package bridge

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"golang.org/x/time/rate"

	"github.com/nextlevelbuilder/webbrain/internal/kernelerr"
	"github.com/nextlevelbuilder/webbrain/pkg/protocol"
)

// ToolHandler executes one bridge tool.
type ToolHandler func(ctx context.Context, args map[string]any) (any, error)

// AuditRecord is what the lane logs per completed invoke.
type AuditRecord struct {
	ID        string         `json:"id"`
	SessionID string         `json:"sessionId"`
	AgentID   string         `json:"agentId,omitempty"`
	Tool      string         `json:"tool"`
	Args      map[string]any `json:"args"`
	OK        bool           `json:"ok"`
	ErrorCode string         `json:"errorCode,omitempty"`
	StartedAt time.Time      `json:"startedAt"`
	Duration  time.Duration  `json:"duration"`
}

// AuditLogger persists audit records. A logger error never fails the invoke
// itself; it surfaces as an invoke.stderr event with source="audit".
type AuditLogger interface {
	Log(record AuditRecord) error
}

// ServerConfig tunes the tool-execution server.
type ServerConfig struct {
	// MaxConcurrency caps in-flight executions per logical session; overflow
	// answers E_BUSY without pre-empting the holder.
	MaxConcurrency int
	// InvokesPerSecond optionally rate-limits admission per logical session
	// on top of the concurrency cap (0 = unlimited).
	InvokesPerSecond float64
	Token            string // required bearer token when non-empty
}

// inflight is one executing invoke other equal requests can join.
type inflight struct {
	argsHash string
	done     chan struct{}
	ok       bool
	data     any
	werr     *WireError
}

// Server is the local tool-execution side of the bridge lane.
type Server struct {
	log   *slog.Logger
	cfg   ServerConfig
	audit AuditLogger

	mu       sync.Mutex
	tools    map[string]ToolHandler
	inflight map[string]*inflight // key: sessionID\x00id
	cache    map[string]*inflight // completed invokes, same key
	running  map[string]int       // logical session -> in-flight count
	limiters map[string]*rate.Limiter

	connMu sync.Mutex
	conns  map[*websocket.Conn]struct{}
}

func NewServer(log *slog.Logger, cfg ServerConfig, audit AuditLogger) *Server {
	if log == nil {
		log = slog.Default()
	}
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = 4
	}
	return &Server{
		log:      log,
		cfg:      cfg,
		audit:    audit,
		tools:    make(map[string]ToolHandler),
		inflight: make(map[string]*inflight),
		cache:    make(map[string]*inflight),
		running:  make(map[string]int),
		limiters: make(map[string]*rate.Limiter),
		conns:    make(map[*websocket.Conn]struct{}),
	}
}

// RegisterTool adds (or replaces) a tool handler.
func (s *Server) RegisterTool(name string, h ToolHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tools[name] = h
}

// ServeHTTP upgrades to WebSocket and serves invoke frames until the peer
// disconnects.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Token != "" && r.Header.Get("Authorization") != "Bearer "+s.cfg.Token {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.log.Warn("bridge accept failed", "error", err)
		return
	}
	s.connMu.Lock()
	s.conns[conn] = struct{}{}
	s.connMu.Unlock()
	defer func() {
		s.connMu.Lock()
		delete(s.conns, conn)
		s.connMu.Unlock()
		conn.Close(websocket.StatusNormalClosure, "")
	}()

	ctx := r.Context()
	for {
		var raw json.RawMessage
		if err := wsjson.Read(ctx, conn, &raw); err != nil {
			return
		}
		var head inboundFrame
		if err := json.Unmarshal(raw, &head); err != nil || head.Type != protocol.BridgeFrameInvoke {
			continue
		}
		var frame InvokeFrame
		if err := json.Unmarshal(raw, &frame); err != nil {
			continue
		}
		go func() {
			result := s.Dispatch(ctx, frame)
			s.writeConn(ctx, conn, result)
		}()
	}
}

func (s *Server) writeConn(ctx context.Context, conn *websocket.Conn, v any) {
	wctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := wsjson.Write(wctx, conn, v); err != nil {
		s.log.Debug("bridge write failed", "error", err)
	}
}

// broadcastEvent pushes an event frame to every connected peer.
func (s *Server) broadcastEvent(ev EventFrame) {
	ev.Type = protocol.BridgeFrameEvent
	s.connMu.Lock()
	conns := make([]*websocket.Conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.connMu.Unlock()
	for _, c := range conns {
		s.writeConn(context.Background(), c, ev)
	}
}

// Dispatch applies the dedup and backpressure contract and executes the tool.
func (s *Server) Dispatch(ctx context.Context, frame InvokeFrame) ResultFrame {
	key := frame.SessionID + "\x00" + frame.ID
	hash := hashArgs(frame.Args)

	s.mu.Lock()

	// Completed invoke with the same key: original args replay the cached
	// response; changed args are an error, never a stale result.
	if done, ok := s.cache[key]; ok {
		s.mu.Unlock()
		if done.argsHash != hash {
			return s.failure(frame, kernelerr.New(kernelerr.CodeArgs, "duplicate invoke id"))
		}
		return s.resultFor(frame, done)
	}

	// In-flight invoke with the same key: equal args join the execution,
	// different args fail fast.
	if fl, ok := s.inflight[key]; ok {
		s.mu.Unlock()
		if fl.argsHash != hash {
			return s.failure(frame, kernelerr.New(kernelerr.CodeArgs, "duplicate invoke id"))
		}
		select {
		case <-fl.done:
			return s.resultFor(frame, fl)
		case <-ctx.Done():
			return s.failure(frame, kernelerr.New(kernelerr.CodeTimeout, "invoke cancelled while joining"))
		}
	}

	handler, ok := s.tools[frame.Tool]
	if !ok {
		s.mu.Unlock()
		return s.failure(frame, kernelerr.Newf(kernelerr.CodeArgs, "unknown tool: %s", frame.Tool))
	}

	// Backpressure: concurrency cap and optional admission rate, per
	// logical session.
	if s.running[frame.SessionID] >= s.cfg.MaxConcurrency {
		s.mu.Unlock()
		return s.failure(frame, kernelerr.New(kernelerr.CodeBusy, "session concurrency saturated").
			WithDetails(map[string]any{"logicalSessionId": frame.SessionID}))
	}
	if s.cfg.InvokesPerSecond > 0 {
		lim, ok := s.limiters[frame.SessionID]
		if !ok {
			lim = rate.NewLimiter(rate.Limit(s.cfg.InvokesPerSecond), s.cfg.MaxConcurrency)
			s.limiters[frame.SessionID] = lim
		}
		if !lim.Allow() {
			s.mu.Unlock()
			return s.failure(frame, kernelerr.New(kernelerr.CodeBusy, "session invoke rate exceeded").
				WithDetails(map[string]any{"logicalSessionId": frame.SessionID}))
		}
	}

	fl := &inflight{argsHash: hash, done: make(chan struct{})}
	s.inflight[key] = fl
	s.running[frame.SessionID]++
	s.mu.Unlock()

	s.broadcastEvent(EventFrame{Event: protocol.BridgeEventInvokeStarted, ID: frame.ID,
		Data: map[string]any{"tool": frame.Tool, "sessionId": frame.SessionID}})

	started := time.Now()
	data, err := handler(ctx, frame.Args)

	s.mu.Lock()
	fl.ok = err == nil
	fl.data = data
	if err != nil {
		fl.werr = toWireError(err)
	}
	close(fl.done)
	delete(s.inflight, key)
	s.cache[key] = fl
	s.running[frame.SessionID]--
	s.mu.Unlock()

	s.broadcastEvent(EventFrame{Event: protocol.BridgeEventInvokeFinished, ID: frame.ID,
		Data: map[string]any{"tool": frame.Tool, "ok": err == nil}})

	s.writeAudit(AuditRecord{
		ID: frame.ID, SessionID: frame.SessionID, AgentID: frame.AgentID,
		Tool: frame.Tool, Args: frame.Args, OK: err == nil,
		ErrorCode: codeOf(err), StartedAt: started, Duration: time.Since(started),
	})

	return s.resultFor(frame, fl)
}

// writeAudit logs the record; a throwing logger becomes an observable
// invoke.stderr event instead of poisoning the invoke result.
func (s *Server) writeAudit(rec AuditRecord) {
	if s.audit == nil {
		return
	}
	if err := s.audit.Log(rec); err != nil {
		s.log.Warn("audit logger failed", "invoke", rec.ID, "error", err)
		s.broadcastEvent(EventFrame{Event: protocol.BridgeEventInvokeStderr, ID: rec.ID,
			Data: map[string]any{"source": "audit", "error": err.Error()}})
	}
}

// resultFor shapes a completed execution for one requester: the sessionId
// and agentId are always the requester's own.
func (s *Server) resultFor(frame InvokeFrame, fl *inflight) ResultFrame {
	return ResultFrame{
		ID: frame.ID, OK: fl.ok, SessionID: frame.SessionID, AgentID: frame.AgentID,
		Data: fl.data, Error: fl.werr,
	}
}

func (s *Server) failure(frame InvokeFrame, err error) ResultFrame {
	return ResultFrame{
		ID: frame.ID, OK: false, SessionID: frame.SessionID, AgentID: frame.AgentID,
		Error: toWireError(err),
	}
}

func toWireError(err error) *WireError {
	var ce *kernelerr.CodedError
	if kernelerr.AsCoded(err, &ce) {
		return &WireError{Code: string(ce.Code), Message: ce.Message, Details: ce.Details}
	}
	return &WireError{Code: string(kernelerr.CodeInternal), Message: err.Error()}
}

func codeOf(err error) string {
	if err == nil {
		return ""
	}
	var ce *kernelerr.CodedError
	if kernelerr.AsCoded(err, &ce) {
		return string(ce.Code)
	}
	return string(kernelerr.CodeInternal)
}

func hashArgs(args map[string]any) string {
	b, _ := json.Marshal(args)
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}
