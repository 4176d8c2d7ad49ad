// Package mcp connects external MCP tool servers and surfaces their tools as
// capability providers through the plugin runtime: each server registers as
// one plugin whose providers unwind LIFO when the plugin is disabled. The
// connect/health/reconnect state machine follows the same shape as the rest
// of this module's long-lived connections.
package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	mcpclient "github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/client/transport"
	mcpgo "github.com/mark3labs/mcp-go/mcp"

	"github.com/nextlevelbuilder/webbrain/internal/config"
	"github.com/nextlevelbuilder/webbrain/internal/kernelerr"
	"github.com/nextlevelbuilder/webbrain/internal/registry"
)

const (
	healthCheckInterval  = 30 * time.Second
	initialBackoff       = 2 * time.Second
	maxBackoff           = 60 * time.Second
	maxReconnectAttempts = 10
)

// ServerStatus reports one server's connection status.
type ServerStatus struct {
	Name      string `json:"name"`
	Transport string `json:"transport"`
	Connected bool   `json:"connected"`
	ToolCount int    `json:"tool_count"`
	Error     string `json:"error,omitempty"`
}

// serverState tracks a single MCP server connection.
type serverState struct {
	name       string
	transport  string
	client     *mcpclient.Client
	connected  atomic.Bool
	toolNames  []string
	timeoutSec int
	cancel     context.CancelFunc

	mu             sync.Mutex
	reconnAttempts int
	lastErr        string
}

// Manager orchestrates MCP server connections and their plugin-backed
// capability registrations.
type Manager struct {
	log     *slog.Logger
	mu      sync.RWMutex
	servers map[string]*serverState
	plugins *registry.Manager
	configs map[string]*config.MCPServerConfig
}

func NewManager(log *slog.Logger, plugins *registry.Manager, configs map[string]*config.MCPServerConfig) *Manager {
	if log == nil {
		log = slog.Default()
	}
	return &Manager{
		log:     log,
		servers: make(map[string]*serverState),
		plugins: plugins,
		configs: configs,
	}
}

// Start connects every configured server. Non-fatal: failures are logged and
// the rest continue.
func (m *Manager) Start(ctx context.Context) error {
	var errs []string
	for name, cfg := range m.configs {
		if !cfg.IsEnabled() {
			m.log.Info("mcp.server.disabled", "server", name)
			continue
		}
		if err := m.connectServer(ctx, name, cfg); err != nil {
			m.log.Warn("mcp.server.connect_failed", "server", name, "error", err)
			errs = append(errs, fmt.Sprintf("%s: %v", name, err))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("some MCP servers failed to connect: %s", strings.Join(errs, "; "))
	}
	return nil
}

// connectServer creates a client, performs the MCP handshake, discovers
// tools, and registers one plugin whose providers front those tools.
func (m *Manager) connectServer(ctx context.Context, name string, cfg *config.MCPServerConfig) error {
	client, err := createClient(cfg)
	if err != nil {
		return fmt.Errorf("create client: %w", err)
	}

	if cfg.Transport != "stdio" {
		if err := client.Start(ctx); err != nil {
			_ = client.Close()
			return fmt.Errorf("start transport: %w", err)
		}
	}

	initReq := mcpgo.InitializeRequest{}
	initReq.Params.ProtocolVersion = mcpgo.LATEST_PROTOCOL_VERSION
	initReq.Params.ClientInfo = mcpgo.Implementation{Name: "webbrain", Version: "1.0.0"}
	if _, err := client.Initialize(ctx, initReq); err != nil {
		_ = client.Close()
		return fmt.Errorf("initialize: %w", err)
	}

	toolsResult, err := client.ListTools(ctx, mcpgo.ListToolsRequest{})
	if err != nil {
		_ = client.Close()
		return fmt.Errorf("list tools: %w", err)
	}

	timeoutSec := cfg.TimeoutSec
	if timeoutSec <= 0 {
		timeoutSec = 60
	}

	ss := &serverState{name: name, transport: cfg.Transport, client: client, timeoutSec: timeoutSec}
	ss.connected.Store(true)

	// One plugin per server; every tool becomes a provider for the
	// mcp.<tool> capability on the custom lane.
	pluginID := "mcp:" + name
	capabilities := make([]string, 0, len(toolsResult.Tools))
	for _, t := range toolsResult.Tools {
		capabilities = append(capabilities, "mcp."+t.Name)
	}
	manifest := registry.Manifest{
		ID:           pluginID,
		Name:         "MCP server " + name,
		Capabilities: capabilities,
		Modes:        []string{string(registry.ModeCustom)},
	}
	if _, err := m.plugins.RegisterPlugin(manifest); err != nil {
		_ = client.Close()
		return fmt.Errorf("register plugin: %w", err)
	}
	pctx, err := m.plugins.Begin(pluginID)
	if err != nil {
		_ = client.Close()
		return fmt.Errorf("begin plugin: %w", err)
	}

	var registered []string
	for _, t := range toolsResult.Tools {
		tool := t
		provider := &registry.Provider{
			Capability: "mcp." + tool.Name,
			ID:         pluginID + "/" + tool.Name,
			Mode:       registry.ModeCustom,
			Priority:   1,
			Invoke: func(ctx context.Context, input registry.InvokeInput) (registry.InvokeResult, error) {
				return m.callTool(ctx, ss, tool.Name, input.Args)
			},
		}
		if err := pctx.AddProvider(provider); err != nil {
			m.log.Warn("mcp.tool.register_failed", "server", name, "tool", tool.Name, "error", err)
			continue
		}
		registered = append(registered, tool.Name)
	}
	ss.toolNames = registered

	hctx, hcancel := context.WithCancel(context.Background())
	ss.cancel = hcancel
	go m.healthLoop(hctx, ss)

	m.mu.Lock()
	m.servers[name] = ss
	m.mu.Unlock()

	m.log.Info("mcp.server.connected", "server", name, "transport", cfg.Transport, "tools", len(registered))
	return nil
}

func createClient(cfg *config.MCPServerConfig) (*mcpclient.Client, error) {
	switch cfg.Transport {
	case "stdio":
		return mcpclient.NewStdioMCPClient(cfg.Command, mapToEnvSlice(cfg.Env), cfg.Args...)
	case "sse":
		var opts []transport.ClientOption
		if len(cfg.Headers) > 0 {
			opts = append(opts, mcpclient.WithHeaders(cfg.Headers))
		}
		return mcpclient.NewSSEMCPClient(cfg.URL, opts...)
	case "streamable-http":
		var opts []transport.StreamableHTTPCOption
		if len(cfg.Headers) > 0 {
			opts = append(opts, transport.WithHTTPHeaders(cfg.Headers))
		}
		return mcpclient.NewStreamableHttpClient(cfg.URL, opts...)
	default:
		return nil, fmt.Errorf("unsupported transport: %q", cfg.Transport)
	}
}

// callTool executes one MCP tool and flattens its content blocks to text.
func (m *Manager) callTool(ctx context.Context, ss *serverState, tool string, args map[string]any) (registry.InvokeResult, error) {
	if !ss.connected.Load() {
		return registry.InvokeResult{}, kernelerr.Newf(kernelerr.CodeRuntimeNotReady, "mcp server %s disconnected", ss.name)
	}

	cctx, cancel := context.WithTimeout(ctx, time.Duration(ss.timeoutSec)*time.Second)
	defer cancel()

	req := mcpgo.CallToolRequest{}
	req.Params.Name = tool
	req.Params.Arguments = args
	res, err := ss.client.CallTool(cctx, req)
	if err != nil {
		return registry.InvokeResult{}, kernelerr.Newf(kernelerr.CodeInternal, "mcp call %s/%s: %v", ss.name, tool, err)
	}

	var parts []string
	for _, c := range res.Content {
		switch tc := c.(type) {
		case mcpgo.TextContent:
			parts = append(parts, tc.Text)
		case *mcpgo.TextContent:
			parts = append(parts, tc.Text)
		default:
			if b, err := json.Marshal(c); err == nil {
				parts = append(parts, string(b))
			}
		}
	}
	text := strings.Join(parts, "\n")
	if res.IsError {
		return registry.InvokeResult{}, kernelerr.New(kernelerr.CodeInternal, text)
	}
	return registry.InvokeResult{Data: text}, nil
}

// healthLoop periodically pings the server and reconnects with backoff.
func (m *Manager) healthLoop(ctx context.Context, ss *serverState) {
	ticker := time.NewTicker(healthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := ss.client.Ping(ctx); err != nil {
				// Servers without "ping" are still alive.
				if strings.Contains(strings.ToLower(err.Error()), "method not found") {
					ss.markHealthy()
					continue
				}
				ss.connected.Store(false)
				ss.mu.Lock()
				ss.lastErr = err.Error()
				ss.mu.Unlock()
				m.log.Warn("mcp.server.health_failed", "server", ss.name, "error", err)
				m.tryReconnect(ctx, ss)
			} else {
				ss.markHealthy()
			}
		}
	}
}

func (ss *serverState) markHealthy() {
	ss.connected.Store(true)
	ss.mu.Lock()
	ss.reconnAttempts = 0
	ss.lastErr = ""
	ss.mu.Unlock()
}

// tryReconnect backs off exponentially and probes the transport again.
func (m *Manager) tryReconnect(ctx context.Context, ss *serverState) {
	ss.mu.Lock()
	if ss.reconnAttempts >= maxReconnectAttempts {
		ss.lastErr = fmt.Sprintf("max reconnect attempts (%d) reached", maxReconnectAttempts)
		ss.mu.Unlock()
		m.log.Error("mcp.server.reconnect_exhausted", "server", ss.name)
		return
	}
	ss.reconnAttempts++
	attempt := ss.reconnAttempts
	ss.mu.Unlock()

	backoff := initialBackoff * time.Duration(1<<(attempt-1))
	if backoff > maxBackoff {
		backoff = maxBackoff
	}
	m.log.Info("mcp.server.reconnecting", "server", ss.name, "attempt", attempt, "backoff", backoff)

	select {
	case <-ctx.Done():
		return
	case <-time.After(backoff):
	}

	if err := ss.client.Ping(ctx); err == nil {
		ss.markHealthy()
		m.log.Info("mcp.server.reconnected", "server", ss.name)
	}
}

// Stop disables every server plugin (LIFO-unwinding its providers) and
// closes the connections.
func (m *Manager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()

	for name, ss := range m.servers {
		if ss.cancel != nil {
			ss.cancel()
		}
		if ss.client != nil {
			if err := ss.client.Close(); err != nil {
				m.log.Debug("mcp.server.close_error", "server", name, "error", err)
			}
		}
		pluginID := "mcp:" + name
		if err := m.plugins.Disable(pluginID); err == nil {
			_ = m.plugins.Unregister(pluginID)
		}
	}
	m.servers = make(map[string]*serverState)
}

// ServerStatuses reports every connected server.
func (m *Manager) ServerStatuses() []ServerStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()
	statuses := make([]ServerStatus, 0, len(m.servers))
	for _, ss := range m.servers {
		ss.mu.Lock()
		lastErr := ss.lastErr
		ss.mu.Unlock()
		statuses = append(statuses, ServerStatus{
			Name:      ss.name,
			Transport: ss.transport,
			Connected: ss.connected.Load(),
			ToolCount: len(ss.toolNames),
			Error:     lastErr,
		})
	}
	return statuses
}

func mapToEnvSlice(env map[string]string) []string {
	if len(env) == 0 {
		return nil
	}
	s := make([]string, 0, len(env))
	for k, v := range env {
		s = append(s, k+"="+v)
	}
	return s
}
