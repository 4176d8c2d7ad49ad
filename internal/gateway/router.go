package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/nextlevelbuilder/webbrain/internal/kernelerr"
	"github.com/nextlevelbuilder/webbrain/pkg/protocol"
)

// HandlerFunc handles one Message API request. raw is the full request
// payload; the handler re-decodes it into its own concrete struct.
type HandlerFunc func(ctx context.Context, raw json.RawMessage) (any, error)

// MethodRouter maps request types to handlers.
type MethodRouter struct {
	mu       sync.RWMutex
	handlers map[string]HandlerFunc
}

func NewMethodRouter(s *Server) *MethodRouter {
	r := &MethodRouter{handlers: make(map[string]HandlerFunc)}
	registerBrainMethods(r, s)
	return r
}

// Register adds a handler for a method type.
func (r *MethodRouter) Register(method string, h HandlerFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[method] = h
}

// Dispatch routes one request and shapes its response envelope. A handler
// error carrying a CodedError surfaces its stable code; anything else is
// E_INTERNAL.
func (r *MethodRouter) Dispatch(ctx context.Context, req protocol.Request) protocol.Response {
	r.mu.RLock()
	h, ok := r.handlers[req.Type]
	r.mu.RUnlock()
	if !ok {
		return protocol.Err(req.ID, string(kernelerr.CodeArgs), "unknown method: "+req.Type)
	}

	data, err := h(ctx, req.Raw)
	if err != nil {
		var ce *kernelerr.CodedError
		if kernelerr.AsCoded(err, &ce) {
			return protocol.Err(req.ID, string(ce.Code), ce.Message)
		}
		slog.Warn("method handler failed", "method", req.Type, "error", err)
		return protocol.Err(req.ID, string(kernelerr.CodeInternal), err.Error())
	}
	return protocol.Ok(req.ID, data)
}
