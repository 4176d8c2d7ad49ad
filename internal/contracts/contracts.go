// Package contracts is the tool contract registry: canonical tool names,
// JSON-schema parameter contracts, and the opt-in alias policy. Builtins are
// seeded at startup; register/unregister layer overrides on top, restoring
// the builtin definition byte-identical on unregister.
package contracts

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/nextlevelbuilder/webbrain/internal/providers"
)

// Source records where a contract came from.
type Source string

const (
	SourceBuiltin  Source = "builtin"
	SourceOverride Source = "override"
	SourcePlugin   Source = "plugin"
)

// Runtime hints where a filesystem/process tool executes.
type Runtime string

const (
	RuntimeBrowser Runtime = "browser"
	RuntimeLocal   Runtime = "local"
)

// Contract is one canonical tool definition. Parameters is always a
// JSON-schema object; Required fields are enforced per tool at dispatch
// time. Capability names the runtime verb this tool resolves to.
type Contract struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
	Capability  string         `json:"capability,omitempty"`
	Runtime     Runtime        `json:"runtime,omitempty"`
	Aliases     []string       `json:"aliases,omitempty"`
	Source      Source         `json:"source"`
}

// Validate enforces the registry invariants: non-empty description, a
// JSON-schema-object parameter block, unique canonical name (checked by the
// registry itself).
func (c Contract) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("contracts: contract without a name")
	}
	if c.Description == "" {
		return fmt.Errorf("contracts: %q: empty description", c.Name)
	}
	if c.Parameters == nil || c.Parameters["type"] != "object" {
		return fmt.Errorf("contracts: %q: parameters must be a JSON-schema object", c.Name)
	}
	return nil
}

// clone deep-copies a contract so override layering can never alias a
// builtin's parameter map.
func (c Contract) clone() Contract {
	out := c
	out.Parameters = cloneMap(c.Parameters)
	out.Aliases = append([]string(nil), c.Aliases...)
	return out
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	b, _ := json.Marshal(m)
	var out map[string]any
	_ = json.Unmarshal(b, &out)
	return out
}

// Registry holds the canonical contracts plus at most one override per name.
type Registry struct {
	mu        sync.RWMutex
	builtins  map[string]Contract
	overrides map[string]Contract
	aliases   map[string]string // alias -> canonical, rebuilt on every mutation
}

func NewRegistry() *Registry {
	r := &Registry{
		builtins:  make(map[string]Contract),
		overrides: make(map[string]Contract),
		aliases:   make(map[string]string),
	}
	for _, c := range builtinContracts() {
		c.Source = SourceBuiltin
		r.builtins[c.Name] = c
	}
	r.rebuildAliasesLocked()
	return r
}

// Register adds an override for c.Name. Without replace, registering over an
// existing contract (builtin or override) fails; with replace, the override
// is tagged source=override and shadows the builtin until unregistered.
func (r *Registry) Register(c Contract, replace bool) error {
	if err := c.Validate(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	_, isBuiltin := r.builtins[c.Name]
	_, isOverridden := r.overrides[c.Name]
	if (isBuiltin || isOverridden) && !replace {
		return fmt.Errorf("contracts: %q already registered (pass replace to override)", c.Name)
	}
	if c.Source == "" || c.Source == SourceBuiltin {
		c.Source = SourceOverride
	}
	r.overrides[c.Name] = c.clone()
	r.rebuildAliasesLocked()
	return nil
}

// Unregister removes the override for name, restoring the builtin definition
// byte-identical (builtins are never mutated, only shadowed). Unregistering
// a name with no override is an error; unregistering a plugin-added contract
// with no builtin beneath it removes it entirely.
func (r *Registry) Unregister(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.overrides[name]; !ok {
		return fmt.Errorf("contracts: %q has no override to unregister", name)
	}
	delete(r.overrides, name)
	r.rebuildAliasesLocked()
	return nil
}

// Get resolves name to its effective contract. Legacy aliases resolve only
// when an override contract opted in by listing them; a bare builtin never
// answers to an alias.
func (r *Registry) Get(name string) (Contract, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if canonical, ok := r.aliases[name]; ok {
		name = canonical
	}
	if c, ok := r.overrides[name]; ok {
		return c.clone(), true
	}
	if c, ok := r.builtins[name]; ok {
		return c.clone(), true
	}
	return Contract{}, false
}

// List returns every effective contract, overrides shadowing builtins.
func (r *Registry) List() []Contract {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Contract, 0, len(r.builtins)+len(r.overrides))
	for name, c := range r.builtins {
		if _, shadowed := r.overrides[name]; !shadowed {
			out = append(out, c.clone())
		}
	}
	for _, c := range r.overrides {
		out = append(out, c.clone())
	}
	return out
}

// ProviderDefs renders the effective contracts as LLM tool definitions.
func (r *Registry) ProviderDefs() []providers.ToolDefinition {
	contracts := r.List()
	defs := make([]providers.ToolDefinition, 0, len(contracts))
	for _, c := range contracts {
		defs = append(defs, providers.ToolDefinition{
			Type: "function",
			Function: providers.ToolFunctionSchema{
				Name:        c.Name,
				Description: c.Description,
				Parameters:  c.Parameters,
			},
		})
	}
	return defs
}

// CheckRequired enforces a contract's required parameter fields against a
// concrete args object.
func (r *Registry) CheckRequired(name string, args map[string]any) error {
	c, ok := r.Get(name)
	if !ok {
		return fmt.Errorf("contracts: unknown tool %q", name)
	}
	required, _ := c.Parameters["required"].([]any)
	for _, f := range required {
		field, _ := f.(string)
		if field == "" {
			continue
		}
		if _, present := args[field]; !present {
			return fmt.Errorf("contracts: %q: missing required parameter %q", name, field)
		}
	}
	return nil
}

// rebuildAliasesLocked recomputes the alias table. Only override contracts
// contribute aliases (the opt-in policy); when two overrides list the same
// alias, which one wins is not defined (map iteration order).
func (r *Registry) rebuildAliasesLocked() {
	r.aliases = make(map[string]string)
	for name, c := range r.overrides {
		for _, a := range c.Aliases {
			r.aliases[a] = name
		}
	}
}
