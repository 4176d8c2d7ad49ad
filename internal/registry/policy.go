package registry

import "sync"

// VerifyPolicy governs when a step's result requires verification.
type VerifyPolicy string

const (
	VerifyOff        VerifyPolicy = "off"
	VerifyOnCritical VerifyPolicy = "on_critical"
	VerifyAlways     VerifyPolicy = "always"
)

// LeasePolicy governs whether a capability requires a per-tab lease.
type LeasePolicy string

const (
	LeaseNone     LeasePolicy = "none"
	LeaseAuto     LeasePolicy = "auto"
	LeaseRequired LeasePolicy = "required"
)

// CapabilityPolicy is the resolved policy for one capability.
type CapabilityPolicy struct {
	DefaultVerifyPolicy VerifyPolicy
	LeasePolicy         LeasePolicy
	AllowScriptFallback bool
}

// defaultPolicies seeds the builtin defaults:
// browser.action -> {on_critical, auto, allowScriptFallback:true}.
func defaultPolicies() map[string]CapabilityPolicy {
	return map[string]CapabilityPolicy{
		"browser.action": {
			DefaultVerifyPolicy: VerifyOnCritical,
			LeasePolicy:         LeaseAuto,
			AllowScriptFallback: true,
		},
	}
}

// PolicyRegistry resolves capability policies through the same stackable
// builtin->override mechanism the plugin journal uses for providers: each
// override push records the displaced policy so disabling the plugin that
// pushed it restores the prior value.
type PolicyRegistry struct {
	mu       sync.RWMutex
	builtin  map[string]CapabilityPolicy
	current  map[string]CapabilityPolicy
	displaced map[string][]CapabilityPolicy // per-capability override stack
}

func NewPolicyRegistry() *PolicyRegistry {
	builtin := defaultPolicies()
	current := make(map[string]CapabilityPolicy, len(builtin))
	for k, v := range builtin {
		current[k] = v
	}
	return &PolicyRegistry{
		builtin:   builtin,
		current:   current,
		displaced: make(map[string][]CapabilityPolicy),
	}
}

// Get returns the currently resolved policy for capability, or the zero
// value (VerifyOff/LeaseNone/no fallback) if nothing was ever registered.
func (r *PolicyRegistry) Get(capability string) CapabilityPolicy {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.current[capability]
}

// Override pushes a new policy for capability, saving the previously
// current value on the displaced stack so it can be restored later.
func (r *PolicyRegistry) Override(capability string, policy CapabilityPolicy) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.displaced[capability] = append(r.displaced[capability], r.current[capability])
	r.current[capability] = policy
}

// Restore pops the most recent override for capability, restoring the
// value beneath it on the stack (LIFO unwind).
func (r *PolicyRegistry) Restore(capability string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	stack := r.displaced[capability]
	if len(stack) == 0 {
		return
	}
	prev := stack[len(stack)-1]
	r.displaced[capability] = stack[:len(stack)-1]
	r.current[capability] = prev
}
