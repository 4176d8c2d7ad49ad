// Package registry implements the Provider/Hook Runtime: capability
// and mode provider registration/resolution, the hook chain, the reversible
// plugin lifecycle, capability policies, and LLM route resolution.
//
// Grounded on internal/tools/policy.go's allow/deny evaluation pipeline
// (generalized here from tool names to capabilities) and internal/mcp's
// connection-state-machine idiom for plugin-backed external providers.
package registry

import (
	"context"
	"log/slog"
	"time"
)

// HookName is one of the closed set of hook points.
type HookName string

const (
	HookToolBeforeCall       HookName = "tool.before_call"
	HookToolAfterResult      HookName = "tool.after_result"
	HookLLMBeforeRequest     HookName = "llm.before_request"
	HookLLMAfterResponse     HookName = "llm.after_response"
	HookCompactionCheckBefore HookName = "compaction.check.before"
	HookCompactionSummary    HookName = "compaction.summary"
	HookAgentEndAfter        HookName = "agent_end.after"
)

// closedHookNames is the validated set a plugin manifest may reference.
// loop.* is a wildcard family rather than a single literal name, so it is
// checked separately (IsKnownHookName below, and AddHook's wildcard match in
// plugin.go).
var closedHookNames = map[HookName]bool{
	HookToolBeforeCall:        true,
	HookToolAfterResult:       true,
	HookLLMBeforeRequest:      true,
	HookLLMAfterResponse:      true,
	HookCompactionCheckBefore: true,
	HookCompactionSummary:     true,
	HookAgentEndAfter:         true,
}

// VerdictAction is a hook handler's verdict.
type VerdictAction string

const (
	ActionContinue VerdictAction = "continue"
	ActionPatch    VerdictAction = "patch"
	ActionBlock    VerdictAction = "block"
)

// Verdict is what a hook handler returns for one invocation.
type Verdict struct {
	Action VerdictAction
	Patch  map[string]any // only meaningful when Action == ActionPatch
	Reason string         // only meaningful when Action == ActionBlock
}

// Continue is the zero-effort verdict.
func Continue() Verdict { return Verdict{Action: ActionContinue} }

// Patch returns a patch verdict carrying the given shallow-merge fields.
func Patch(fields map[string]any) Verdict { return Verdict{Action: ActionPatch, Patch: fields} }

// Block returns a chain-aborting verdict.
func Block(reason string) Verdict { return Verdict{Action: ActionBlock, Reason: reason} }

// Handler is a single hook callback. Envelope is the event payload (already
// patched by any earlier handler in the chain); ctx carries the per-handler
// timeout configured at registration.
type Handler func(ctx context.Context, envelope map[string]any) Verdict

// HookOptions configures one registered handler.
type HookOptions struct {
	TimeoutMs int  // 0 means DefaultHookTimeoutMs
	FailOpen  bool // default true; a handler may not opt out of fail-open on panic
}

const DefaultHookTimeoutMs = 5000

type hookRegistration struct {
	id       string
	pluginID string
	handler  Handler
	opts     HookOptions
}

// HookChain holds, per hook name, an insertion-ordered list of handlers.
type HookChain struct {
	log      *slog.Logger
	handlers map[HookName][]hookRegistration
}

func NewHookChain(log *slog.Logger) *HookChain {
	if log == nil {
		log = slog.Default()
	}
	return &HookChain{log: log, handlers: make(map[HookName][]hookRegistration)}
}

// IsKnownHookName reports whether name is in the closed hook-name set or
// matches the loop.* wildcard family.
func IsKnownHookName(name string) bool {
	if closedHookNames[HookName(name)] {
		return true
	}
	return len(name) > 5 && name[:5] == "loop."
}

// Register adds handler to hookName's chain, in insertion order, scoped to
// pluginID so that two plugins may reuse the same user-facing id without
// colliding.
func (c *HookChain) Register(hookName HookName, pluginID, id string, handler Handler, opts HookOptions) {
	if opts.TimeoutMs <= 0 {
		opts.TimeoutMs = DefaultHookTimeoutMs
	}
	opts.FailOpen = true // fail-open is not configurable away
	c.handlers[hookName] = append(c.handlers[hookName], hookRegistration{
		id: id, pluginID: pluginID, handler: handler, opts: opts,
	})
}

// Unregister removes the handler registered under (pluginID, id) for hookName.
func (c *HookChain) Unregister(hookName HookName, pluginID, id string) {
	list := c.handlers[hookName]
	for i, reg := range list {
		if reg.pluginID == pluginID && reg.id == id {
			c.handlers[hookName] = append(list[:i], list[i+1:]...)
			return
		}
	}
}

// Run invokes every handler registered for hookName in order, shallow-merging
// each patch into envelope before passing it to the next handler. A block
// verdict short-circuits immediately. Handler panics and per-handler timeout
// expiry are fail-open: logged and treated as continue.
func (c *HookChain) Run(ctx context.Context, hookName HookName, envelope map[string]any) Verdict {
	merged := make(map[string]any, len(envelope))
	for k, v := range envelope {
		merged[k] = v
	}

	for _, reg := range c.handlers[hookName] {
		verdict := c.invokeOne(ctx, reg, merged)
		switch verdict.Action {
		case ActionBlock:
			return verdict
		case ActionPatch:
			for k, v := range verdict.Patch {
				merged[k] = v
			}
		}
	}
	return Patch(merged)
}

func (c *HookChain) invokeOne(ctx context.Context, reg hookRegistration, envelope map[string]any) (verdict Verdict) {
	defer func() {
		if r := recover(); r != nil {
			c.log.Warn("hook handler panicked, failing open",
				"plugin", reg.pluginID, "hook_id", reg.id, "recover", r)
			verdict = Continue()
		}
	}()

	hctx, cancel := context.WithTimeout(ctx, time.Duration(reg.opts.TimeoutMs)*time.Millisecond)
	defer cancel()

	done := make(chan Verdict, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- Continue()
			}
		}()
		done <- reg.handler(hctx, envelope)
	}()

	select {
	case v := <-done:
		return v
	case <-hctx.Done():
		c.log.Warn("hook handler timed out, failing open", "plugin", reg.pluginID, "hook_id", reg.id)
		return Continue()
	}
}
