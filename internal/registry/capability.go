package registry

import (
	"context"
	"sort"
	"sync"

	"github.com/nextlevelbuilder/webbrain/internal/kernelerr"
)

// Mode is a concrete execution lane.
type Mode string

const (
	ModeScript Mode = "script"
	ModeCDP    Mode = "cdp"
	ModeBridge Mode = "bridge"
	ModeCustom Mode = "custom"
)

// InvokeInput is the argument bag passed to a capability provider's invoke.
type InvokeInput struct {
	SessionID string
	Action    string
	Args      map[string]any
}

// InvokeResult is what a provider's invoke returns on success; errors are
// returned as *kernelerr.CodedError instead of folded into this struct.
type InvokeResult struct {
	Data         any
	Verified     bool
	VerifyReason string
}

// Provider implements one capability registration. CanHandle is optional; a nil CanHandle always matches.
type Provider struct {
	Capability string
	ID         string
	Mode       Mode
	Priority   int
	PluginID   string
	CanHandle  func(input InvokeInput) bool
	Invoke     func(ctx context.Context, input InvokeInput) (InvokeResult, error)
}

// CapabilityRegistry holds, per capability, the registered providers.
type CapabilityRegistry struct {
	mu        sync.RWMutex
	providers map[string][]*Provider // keyed by capability
}

func NewCapabilityRegistry() *CapabilityRegistry {
	return &CapabilityRegistry{providers: make(map[string][]*Provider)}
}

// Register adds p to its capability's provider list.
func (r *CapabilityRegistry) Register(p *Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[p.Capability] = append(r.providers[p.Capability], p)
}

// Unregister removes the provider with the given id from capability's list.
func (r *CapabilityRegistry) Unregister(capability, id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	list := r.providers[capability]
	for i, p := range list {
		if p.ID == id {
			r.providers[capability] = append(list[:i:i], list[i+1:]...)
			return
		}
	}
}

// Snapshot returns a copy of capability's current provider list, used by the
// plugin journal to save state before a replaceProviders registration.
func (r *CapabilityRegistry) Snapshot(capability string) []*Provider {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]*Provider(nil), r.providers[capability]...)
}

// ReplaceAll overwrites capability's entire provider list, used to restore a
// snapshot taken before a displacing registration.
func (r *CapabilityRegistry) ReplaceAll(capability string, providers []*Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[capability] = providers
}

// Resolve implements capability resolution order: filter by an
// explicit mode if given, pick the highest-priority CanHandle match; if the
// mode filter yields nothing, retry against the unfiltered default set;
// otherwise fail with E_RUNTIME_NOT_READY.
func (r *CapabilityRegistry) Resolve(capability string, mode Mode, input InvokeInput) (*Provider, error) {
	r.mu.RLock()
	all := append([]*Provider(nil), r.providers[capability]...)
	r.mu.RUnlock()

	if mode != "" {
		if p := resolveAmong(filterByMode(all, mode), input); p != nil {
			return p, nil
		}
		// Fall back to the capability's unfiltered default set (step 3).
		if p := resolveAmong(all, input); p != nil {
			return p, nil
		}
	} else if p := resolveAmong(all, input); p != nil {
		return p, nil
	}

	return nil, kernelerr.New(kernelerr.CodeRuntimeNotReady, "未找到 capability provider").
		WithMode(string(mode), capability)
}

func filterByMode(providers []*Provider, mode Mode) []*Provider {
	out := make([]*Provider, 0, len(providers))
	for _, p := range providers {
		if p.Mode == mode {
			out = append(out, p)
		}
	}
	return out
}

// resolveAmong sorts candidates by descending priority and returns the first
// whose CanHandle (if present) accepts input.
func resolveAmong(providers []*Provider, input InvokeInput) *Provider {
	sorted := append([]*Provider(nil), providers...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Priority > sorted[j].Priority })
	for _, p := range sorted {
		if p.CanHandle == nil || p.CanHandle(input) {
			return p
		}
	}
	return nil
}

// Invoke resolves a provider for capability (optionally mode-filtered) and
// calls it, attaching modeUsed/capabilityUsed to any returned error so
// callers can attribute the failure.
func (r *CapabilityRegistry) Invoke(ctx context.Context, capability string, mode Mode, input InvokeInput) (InvokeResult, *Provider, error) {
	p, err := r.Resolve(capability, mode, input)
	if err != nil {
		return InvokeResult{}, nil, err
	}
	res, err := p.Invoke(ctx, input)
	if err != nil {
		var ce *kernelerr.CodedError
		if kernelerr.AsCoded(err, &ce) {
			ce.WithMode(string(p.Mode), capability)
			return InvokeResult{}, p, ce
		}
		return InvokeResult{}, p, kernelerr.New(kernelerr.CodeInternal, err.Error()).WithMode(string(p.Mode), capability)
	}
	return res, p, nil
}
