package cdp

import (
	"context"

	"github.com/nextlevelbuilder/webbrain/internal/registry"
)

// RegisterProviders wires the facade into the capability and mode
// registries: browser.action, browser.observe, and browser.verify on the
// cdp lane, plus the legacy mode-level cdp provider the script lane falls
// back to.
func (m *Manager) RegisterProviders(caps *registry.CapabilityRegistry, modes *registry.ModeRegistry) {
	caps.Register(&registry.Provider{
		Capability: "browser.action",
		ID:         "cdp-action",
		Mode:       registry.ModeCDP,
		Priority:   10,
		Invoke:     m.invokeAction,
	})
	caps.Register(&registry.Provider{
		Capability: "browser.observe",
		ID:         "cdp-observe",
		Mode:       registry.ModeCDP,
		Priority:   10,
		Invoke:     m.invokeObserve,
	})
	caps.Register(&registry.Provider{
		Capability: "browser.verify",
		ID:         "cdp-verify",
		Mode:       registry.ModeCDP,
		Priority:   10,
		Invoke:     m.invokeVerify,
	})
	modes.Register(&registry.ModeProvider{
		Mode:   registry.ModeCDP,
		Invoke: m.invokeAction,
	})
}

// invokeAction translates a step's action/args into the facade's verbs. The
// canonical browser_* contract names map onto navigate/click/fill/scroll.
func (m *Manager) invokeAction(_ context.Context, input registry.InvokeInput) (registry.InvokeResult, error) {
	req := ActionRequest{
		SessionID: input.SessionID,
		TabID:     strArg(input.Args, "tabId"),
		URL:       strArg(input.Args, "url"),
		UID:       strArg(input.Args, "uid"),
		Text:      strArg(input.Args, "text"),
		Ref:       intArg(input.Args, "ref"),
		DY:        intArg(input.Args, "dy"),
		Submit:    boolArg(input.Args, "submit"),
		Double:    boolArg(input.Args, "double"),
	}
	switch input.Action {
	case "browser_navigate", "navigate":
		req.Verb = "navigate"
	case "browser_click", "click":
		req.Verb = "click"
	case "browser_fill", "fill":
		req.Verb = "fill"
	case "browser_scroll", "scroll":
		req.Verb = "scroll"
	default:
		req.Verb = input.Action
	}
	data, err := m.Act(req)
	if err != nil {
		return registry.InvokeResult{}, err
	}
	return registry.InvokeResult{Data: data}, nil
}

func (m *Manager) invokeObserve(_ context.Context, input registry.InvokeInput) (registry.InvokeResult, error) {
	if input.Action == "browser_snapshot" || input.Action == "snapshot" {
		snap, err := m.TakeSnapshot(input.SessionID, strArg(input.Args, "tabId"), strArg(input.Args, "source"))
		if err != nil {
			return registry.InvokeResult{}, err
		}
		return registry.InvokeResult{Data: snap}, nil
	}
	tabs, err := m.Observe()
	if err != nil {
		return registry.InvokeResult{}, err
	}
	return registry.InvokeResult{Data: map[string]any{"tabs": tabs}}, nil
}

func (m *Manager) invokeVerify(_ context.Context, input registry.InvokeInput) (registry.InvokeResult, error) {
	verified, reason, err := m.Verify(VerifyRequest{
		SessionID:  input.SessionID,
		TabID:      strArg(input.Args, "tabId"),
		ExpectText: strArg(input.Args, "expect_text"),
		ExpectURL:  strArg(input.Args, "expect_url"),
	})
	if err != nil {
		return registry.InvokeResult{}, err
	}
	return registry.InvokeResult{
		Data:         map[string]any{"verified": verified},
		Verified:     verified,
		VerifyReason: reason,
	}, nil
}

func strArg(args map[string]any, key string) string {
	s, _ := args[key].(string)
	return s
}

func intArg(args map[string]any, key string) int {
	switch v := args[key].(type) {
	case int:
		return v
	case float64:
		return int(v)
	}
	return 0
}

func boolArg(args map[string]any, key string) bool {
	b, _ := args[key].(bool)
	return b
}
