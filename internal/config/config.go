// Package config holds the kernel's root configuration: LLM profiles and
// chains, bridge transport settings, session storage, compaction tuning, and
// the gateway listener. Loaded from a JSON5 file with env-var overrides for
// secrets; guarded by a RWMutex so the gateway's config.get/config.save and
// the fsnotify hot-reload never race the run loop.
package config

import (
	"encoding/json"
	"fmt"
	"sync"
)

// FlexibleStringSlice accepts both ["str"] and [123] in JSON.
type FlexibleStringSlice []string

func (f *FlexibleStringSlice) UnmarshalJSON(data []byte) error {
	var ss []string
	if err := json.Unmarshal(data, &ss); err == nil {
		*f = ss
		return nil
	}
	var raw []interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	result := make([]string, 0, len(raw))
	for _, v := range raw {
		switch val := v.(type) {
		case string:
			result = append(result, val)
		case float64:
			result = append(result, fmt.Sprintf("%.0f", val))
		default:
			result = append(result, fmt.Sprintf("%v", val))
		}
	}
	*f = result
	return nil
}

// Config is the root configuration for the kernel.
type Config struct {
	LLM        LLMConfig        `json:"llm"`
	Bridge     BridgeConfig     `json:"bridge"`
	Browser    BrowserConfig    `json:"browser"`
	Gateway    GatewayConfig    `json:"gateway"`
	Sessions   SessionsConfig   `json:"sessions"`
	Compaction CompactionConfig `json:"compaction,omitempty"`
	Database   DatabaseConfig   `json:"database,omitempty"`
	Audit      AuditConfig      `json:"audit,omitempty"`
	Title      TitleConfig      `json:"title,omitempty"`
	Telemetry  TelemetryConfig  `json:"telemetry,omitempty"`
	Tailscale  TailscaleConfig  `json:"tailscale,omitempty"`
	MCPServers map[string]*MCPServerConfig `json:"mcpServers,omitempty"`
	mu         sync.RWMutex
}

// LLMProfileConfig is one named routing configuration (llmProfiles entry).
type LLMProfileConfig struct {
	ID               string `json:"id"`
	Provider         string `json:"provider"`
	LLMApiBase       string `json:"llmApiBase"`
	LLMApiKey        string `json:"llmApiKey"`
	LLMModel         string `json:"llmModel"`
	Role             string `json:"role,omitempty"`
	TimeoutMs        int    `json:"timeoutMs,omitempty"`
	RetryMaxAttempts int    `json:"retryMaxAttempts,omitempty"`
	RetryCapDelayMs  int    `json:"retryCapDelayMs,omitempty"`
}

// LLMConfig groups profile routing. Profiles is decoded as an array; an
// object-shaped value fails the JSON decode of the whole config (Load
// returns a parse error) and is not reported as profile_not_found.
type LLMConfig struct {
	Profiles         []LLMProfileConfig  `json:"llmProfiles"`
	DefaultProfile   string              `json:"llmDefaultProfile,omitempty"`
	ProfileChains    map[string][]string `json:"llmProfileChains,omitempty"`
	EscalationPolicy string              `json:"llmEscalationPolicy,omitempty"` // "", "upgrade_only", "disabled"

	MaxIterations int     `json:"maxIterations,omitempty"`
	ContextWindow int     `json:"contextWindow,omitempty"`
	MaxTokens     int     `json:"maxTokens,omitempty"`
	Temperature   float64 `json:"temperature,omitempty"`
}

// BridgeConfig configures the bridge lane's connection to the local
// tool-execution server.
type BridgeConfig struct {
	URL              string `json:"url,omitempty"` // ws://127.0.0.1:<port>/bridge
	Token            string `json:"-"`             // env only, never persisted
	MaxConcurrency   int    `json:"maxConcurrency,omitempty"`
	ReconnectMaxSec  int    `json:"reconnectMaxSec,omitempty"`
	InvokeTimeoutSec int    `json:"invokeTimeoutSec,omitempty"`

	// Listen enables the in-process tool-execution server (same binary,
	// separate logical endpoint) when no external bridge is configured.
	Listen     bool   `json:"listen,omitempty"`
	ListenAddr string `json:"listenAddr,omitempty"`
}

// BrowserConfig configures the CDP facade.
type BrowserConfig struct {
	Enabled     bool   `json:"enabled"`
	ControlURL  string `json:"controlUrl,omitempty"` // existing Chrome debug endpoint; empty = launch
	Headless    bool   `json:"headless,omitempty"`
	LeaseTTLSec int    `json:"leaseTtlSec,omitempty"`
}

// GatewayConfig configures the Message API listener.
type GatewayConfig struct {
	Host           string              `json:"host"`
	Port           int                 `json:"port"`
	Token          string              `json:"-"` // env only
	AllowedOrigins FlexibleStringSlice `json:"allowedOrigins,omitempty"`
}

// SessionsConfig configures the session store.
type SessionsConfig struct {
	Storage  string `json:"storage"`
	PageSize int    `json:"pageSize,omitempty"`
}

// CompactionConfig tunes the compaction engine and the idle sweep.
type CompactionConfig struct {
	ThresholdTokens int    `json:"thresholdTokens,omitempty"`
	KeepTail        int    `json:"keepTail,omitempty"`
	SplitTurn       *bool  `json:"splitTurn,omitempty"` // nil = true
	IdleSweepCron   string `json:"idleSweepCron,omitempty"`
	IdleWindowMin   int    `json:"idleWindowMin,omitempty"`
}

// SplitTurnEnabled resolves the SplitTurn pointer (default true).
func (c CompactionConfig) SplitTurnEnabled() bool {
	return c.SplitTurn == nil || *c.SplitTurn
}

// DatabaseConfig selects the session-store backend.
type DatabaseConfig struct {
	Mode        string `json:"mode,omitempty"` // "" (file) or "managed" (postgres)
	PostgresDSN string `json:"-"`              // env only
}

// AuditConfig configures the bridge invoke audit log.
type AuditConfig struct {
	Path string `json:"path,omitempty"` // sqlite file; empty = <data dir>/audit.db
}

// TitleConfig configures automatic session titling.
type TitleConfig struct {
	Auto     bool   `json:"auto"`
	MaxChars int    `json:"maxChars,omitempty"`
	Profile  string `json:"profile,omitempty"` // profile used for the title call; empty = default
}

// TelemetryConfig configures the OTLP trace exporter.
type TelemetryConfig struct {
	Enabled     bool   `json:"enabled"`
	Endpoint    string `json:"endpoint,omitempty"`
	Protocol    string `json:"protocol,omitempty"` // "grpc" or "http"
	ServiceName string `json:"serviceName,omitempty"`
	Insecure    bool   `json:"insecure,omitempty"`
}

// MCPServerConfig declares one external MCP tool server whose tools are
// surfaced as plugin-backed capability providers.
type MCPServerConfig struct {
	Enabled    *bool             `json:"enabled,omitempty"` // nil = enabled
	Transport  string            `json:"transport"`         // stdio | sse | streamable-http
	Command    string            `json:"command,omitempty"`
	Args       []string          `json:"args,omitempty"`
	Env        map[string]string `json:"env,omitempty"`
	URL        string            `json:"url,omitempty"`
	Headers    map[string]string `json:"headers,omitempty"`
	TimeoutSec int               `json:"timeoutSec,omitempty"`
}

func (c *MCPServerConfig) IsEnabled() bool { return c.Enabled == nil || *c.Enabled }

// TailscaleConfig configures the optional tsnet listener.
// Requires building with -tags tsnet. Auth key from env only (never persisted).
type TailscaleConfig struct {
	Hostname string `json:"hostname,omitempty"`
	AuthKey  string `json:"-"`
	StateDir string `json:"stateDir,omitempty"`
}

// Snapshot returns a deep-enough copy of the config for read-side use
// without holding the lock across a whole loop iteration.
func (c *Config) Snapshot() *Config {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := &Config{
		LLM:        c.LLM,
		Bridge:     c.Bridge,
		Browser:    c.Browser,
		Gateway:    c.Gateway,
		Sessions:   c.Sessions,
		Compaction: c.Compaction,
		Database:   c.Database,
		Audit:      c.Audit,
		Title:      c.Title,
		Telemetry:  c.Telemetry,
		Tailscale:  c.Tailscale,
	}
	out.MCPServers = c.MCPServers
	out.LLM.Profiles = append([]LLMProfileConfig(nil), c.LLM.Profiles...)
	if c.LLM.ProfileChains != nil {
		chains := make(map[string][]string, len(c.LLM.ProfileChains))
		for k, v := range c.LLM.ProfileChains {
			chains[k] = append([]string(nil), v...)
		}
		out.LLM.ProfileChains = chains
	}
	return out
}

// Replace swaps the whole config under the write lock (config.save, hot reload).
func (c *Config) Replace(next *Config) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.LLM = next.LLM
	c.Bridge = next.Bridge
	c.Browser = next.Browser
	c.Gateway = next.Gateway
	c.Sessions = next.Sessions
	c.Compaction = next.Compaction
	c.Database = next.Database
	c.Audit = next.Audit
	c.Title = next.Title
	c.Telemetry = next.Telemetry
	c.Tailscale = next.Tailscale
	c.MCPServers = next.MCPServers
}
