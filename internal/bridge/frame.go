// Package bridge implements the stateful WebSocket lane between the kernel
// and the local tool-execution server: invoke framing, request dedup by
// (id, sessionId), busy/backpressure semantics, disconnect handling, and the
// audit side channel. The transport is coder/websocket, kept deliberately
// distinct from the gateway's gorilla stack: one library per connection
// kind.
package bridge

import "github.com/nextlevelbuilder/webbrain/pkg/protocol"

// InvokeFrame is one tool invocation request. ID is client-generated and
// stable across retries within one logical invocation; {ID, SessionID} is
// the logical dedup key. Args is always an object, never an array.
type InvokeFrame struct {
	ID              string         `json:"id"`
	Type            string         `json:"type"` // always "invoke"
	Tool            string         `json:"tool"`
	Args            map[string]any `json:"args"`
	SessionID       string         `json:"sessionId"`
	ParentSessionID string         `json:"parentSessionId,omitempty"`
	AgentID         string         `json:"agentId,omitempty"`
}

// WireError is the server's error shape, surfaced verbatim to callers.
type WireError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

// ResultFrame is the server's response to one invoke. SessionID and AgentID
// are always the requester's own, even when the result was joined from
// another caller's execution or the request bounced off a busy holder.
type ResultFrame struct {
	ID        string     `json:"id"`
	OK        bool       `json:"ok"`
	SessionID string     `json:"sessionId"`
	AgentID   string     `json:"agentId,omitempty"`
	Data      any        `json:"data,omitempty"`
	Error     *WireError `json:"error,omitempty"`
}

// EventFrame is a server-pushed event (invoke.started, invoke.stderr,
// invoke.finished).
type EventFrame struct {
	Type  string `json:"type"` // always "event"
	Event string `json:"event"`
	ID    string `json:"id,omitempty"`
	Data  any    `json:"data,omitempty"`
}

// inboundFrame is the superset shape used to sniff a frame's discriminator
// before decoding it fully.
type inboundFrame struct {
	Type string `json:"type"`
}

// NewInvoke fills the type discriminator.
func NewInvoke(f InvokeFrame) InvokeFrame {
	f.Type = protocol.BridgeFrameInvoke
	return f
}
