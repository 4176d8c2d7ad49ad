package registry

import (
	"fmt"
	"sync"
)

// Manifest declares every hook, capability, mode, and LLM provider a plugin
// touches. Any registration outside the declared set is rejected when the
// plugin makes it through its PluginCtx.
type Manifest struct {
	ID               string
	Name             string
	Version          string
	Hooks            []string
	Capabilities     []string
	Modes            []string
	LLMProviders     []string
	ReplaceProviders bool
}

// Plugin is the runtime record for one registered plugin.
type Plugin struct {
	Manifest  Manifest
	Enabled   bool
	LastError error

	journal []inverse
}

// inverse is one reversible side effect recorded during plugin registration.
// Applying fn undoes exactly that one effect; the journal unwinds in reverse
// (LIFO) order on disable.
type inverse struct {
	kind string
	fn   func()
}

// Manager owns the capability registry, mode registry, hook chain, policy
// registry, and LLM provider registry, and enforces the reversible plugin
// lifecycle over the four kinds of journaled registration (hooks, capability
// providers, policies, LLM providers).
type Manager struct {
	mu sync.Mutex

	Capabilities *CapabilityRegistry
	Modes        *ModeRegistry
	Hooks        *HookChain
	Policies     *PolicyRegistry
	Routes       *RouteTable

	plugins map[string]*Plugin
}

func NewManager(caps *CapabilityRegistry, modes *ModeRegistry, hooks *HookChain, policies *PolicyRegistry, routes *RouteTable) *Manager {
	return &Manager{
		Capabilities: caps,
		Modes:        modes,
		Hooks:        hooks,
		Policies:     policies,
		Routes:       routes,
		plugins:      make(map[string]*Plugin),
	}
}

// RegisterPlugin records manifest and marks the plugin enabled with an empty
// journal. Actual registrations (hooks/providers/policies/llm providers) are
// made through the PluginCtx returned by Begin, each call validated against
// the manifest and appended to the journal.
func (m *Manager) RegisterPlugin(manifest Manifest) (*Plugin, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.plugins[manifest.ID]; exists {
		return nil, fmt.Errorf("registry: plugin %q already registered", manifest.ID)
	}
	p := &Plugin{Manifest: manifest, Enabled: true}
	m.plugins[manifest.ID] = p
	return p, nil
}

// PluginCtx is the handle a plugin uses to make permission-checked,
// journaled registrations against the shared registries.
type PluginCtx struct {
	m      *Manager
	plugin *Plugin
}

// Begin returns a PluginCtx for making registrations on behalf of pluginID.
func (m *Manager) Begin(pluginID string) (*PluginCtx, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.plugins[pluginID]
	if !ok {
		return nil, fmt.Errorf("registry: plugin %q not registered", pluginID)
	}
	return &PluginCtx{m: m, plugin: p}, nil
}

func contains(list []string, v string) bool {
	for _, x := range list {
		if x == v {
			return true
		}
	}
	return false
}

// AddHook registers handler for hookName, permission-checked against the
// plugin's manifest, and journals its removal.
func (c *PluginCtx) AddHook(hookName HookName, id string, handler Handler, opts HookOptions) error {
	if !contains(c.plugin.Manifest.Hooks, string(hookName)) && !matchesLoopWildcard(c.plugin.Manifest.Hooks, hookName) {
		return fmt.Errorf("registry: plugin %q did not declare hook %q", c.plugin.Manifest.ID, hookName)
	}
	c.m.Hooks.Register(hookName, c.plugin.Manifest.ID, id, handler, opts)
	pid := c.plugin.Manifest.ID
	c.plugin.journal = append(c.plugin.journal, inverse{
		kind: "hook",
		fn:   func() { c.m.Hooks.Unregister(hookName, pid, id) },
	})
	return nil
}

func matchesLoopWildcard(declared []string, hookName HookName) bool {
	if len(hookName) < 5 || hookName[:5] != "loop." {
		return false
	}
	return contains(declared, "loop.*")
}

// AddProvider registers p for its capability, permission-checked against the
// plugin's declared capabilities and modes. If p.PluginID's manifest set
// ReplaceProviders, the capability's current provider list is snapshotted
// first so disabling restores it verbatim (LIFO chain unwind).
func (c *PluginCtx) AddProvider(p *Provider) error {
	if !contains(c.plugin.Manifest.Capabilities, p.Capability) {
		return fmt.Errorf("registry: plugin %q did not declare capability %q", c.plugin.Manifest.ID, p.Capability)
	}
	if p.Mode != "" && !contains(c.plugin.Manifest.Modes, string(p.Mode)) {
		return fmt.Errorf("registry: plugin %q did not declare mode %q", c.plugin.Manifest.ID, p.Mode)
	}
	p.PluginID = c.plugin.Manifest.ID

	if c.plugin.Manifest.ReplaceProviders {
		snapshot := c.m.Capabilities.Snapshot(p.Capability)
		c.m.Capabilities.ReplaceAll(p.Capability, []*Provider{p})
		c.plugin.journal = append(c.plugin.journal, inverse{
			kind: "provider-replace",
			fn:   func() { c.m.Capabilities.ReplaceAll(p.Capability, snapshot) },
		})
		return nil
	}

	c.m.Capabilities.Register(p)
	cap, id := p.Capability, p.ID
	c.plugin.journal = append(c.plugin.journal, inverse{
		kind: "provider",
		fn:   func() { c.m.Capabilities.Unregister(cap, id) },
	})
	return nil
}

// OverridePolicy pushes policy for capability and journals its pop.
func (c *PluginCtx) OverridePolicy(capability string, policy CapabilityPolicy) {
	c.m.Policies.Override(capability, policy)
	cap := capability
	c.plugin.journal = append(c.plugin.journal, inverse{
		kind: "policy",
		fn:   func() { c.m.Policies.Restore(cap) },
	})
}

// ReplaceLLMProvider swaps the implementation backing an llm provider name,
// permission-checked against the plugin's declared llmProviders, journaling
// the restore of the displaced implementation.
func (c *PluginCtx) ReplaceLLMProvider(name string, next ProviderFactory) error {
	if !contains(c.plugin.Manifest.LLMProviders, name) {
		return fmt.Errorf("registry: plugin %q did not declare llmProvider %q", c.plugin.Manifest.ID, name)
	}
	prev, _ := c.m.Routes.providers[name]
	c.m.Routes.RegisterProvider(name, next)
	c.plugin.journal = append(c.plugin.journal, inverse{
		kind: "llm-provider",
		fn: func() {
			if prev != nil {
				c.m.Routes.RegisterProvider(name, prev)
			} else {
				delete(c.m.Routes.providers, name)
			}
		},
	})
	return nil
}

// Disable unwinds pluginID's journal in reverse (LIFO) order, restoring
// every displaced provider/policy/hook/llm-provider to its pre-registration
// state, then marks the plugin disabled.
func (m *Manager) Disable(pluginID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.plugins[pluginID]
	if !ok {
		return fmt.Errorf("registry: plugin %q not registered", pluginID)
	}
	for i := len(p.journal) - 1; i >= 0; i-- {
		p.journal[i].fn()
	}
	p.journal = nil
	p.Enabled = false
	return nil
}

// Enable re-enables a disabled plugin record. The plugin host must re-make
// its registrations through a fresh PluginCtx — disable unwound them and the
// journal does not replay forward.
func (m *Manager) Enable(pluginID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.plugins[pluginID]
	if !ok {
		return fmt.Errorf("registry: plugin %q not registered", pluginID)
	}
	p.Enabled = true
	p.LastError = nil
	return nil
}

// Unregister fully removes a disabled plugin's record.
func (m *Manager) Unregister(pluginID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.plugins[pluginID]
	if !ok {
		return fmt.Errorf("registry: plugin %q not registered", pluginID)
	}
	if p.Enabled {
		return fmt.Errorf("registry: plugin %q must be disabled before unregister", pluginID)
	}
	delete(m.plugins, pluginID)
	return nil
}

// Get returns the plugin record for pluginID, if any.
func (m *Manager) Get(pluginID string) (*Plugin, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.plugins[pluginID]
	return p, ok
}

// List returns every registered plugin (brain.debug.plugins backing data).
func (m *Manager) List() []*Plugin {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Plugin, 0, len(m.plugins))
	for _, p := range m.plugins {
		out = append(out, p)
	}
	return out
}
