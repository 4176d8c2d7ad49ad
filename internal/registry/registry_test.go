package registry

import (
	"context"
	"testing"

	"github.com/nextlevelbuilder/webbrain/internal/kernelerr"
)

func TestHookChainPatchesChainAndBlockShortCircuits(t *testing.T) {
	chain := NewHookChain(nil)
	chain.Register(HookLLMBeforeRequest, "p1", "h1", func(_ context.Context, env map[string]any) Verdict {
		return Patch(map[string]any{"model": "a"})
	}, HookOptions{})
	chain.Register(HookLLMBeforeRequest, "p1", "h2", func(_ context.Context, env map[string]any) Verdict {
		if env["model"] != "a" {
			t.Errorf("expected chained patch to be visible, got %v", env["model"])
		}
		return Patch(map[string]any{"temperature": 0.1})
	}, HookOptions{})

	result := chain.Run(context.Background(), HookLLMBeforeRequest, map[string]any{})
	if result.Patch["model"] != "a" || result.Patch["temperature"] != 0.1 {
		t.Fatalf("expected merged patch, got %#v", result.Patch)
	}

	chain.Register(HookLLMBeforeRequest, "p2", "h3", func(_ context.Context, env map[string]any) Verdict {
		return Block("nope")
	}, HookOptions{})
	chain.Register(HookLLMBeforeRequest, "p2", "h4", func(_ context.Context, env map[string]any) Verdict {
		t.Fatal("handler after block must not run")
		return Continue()
	}, HookOptions{})

	result = chain.Run(context.Background(), HookLLMBeforeRequest, map[string]any{})
	if result.Action != ActionBlock || result.Reason != "nope" {
		t.Fatalf("expected block verdict, got %#v", result)
	}
}

func TestHookChainFailsOpenOnPanic(t *testing.T) {
	chain := NewHookChain(nil)
	chain.Register(HookToolBeforeCall, "p1", "h1", func(_ context.Context, env map[string]any) Verdict {
		panic("boom")
	}, HookOptions{})
	chain.Register(HookToolBeforeCall, "p1", "h2", func(_ context.Context, env map[string]any) Verdict {
		return Patch(map[string]any{"reached": true})
	}, HookOptions{})

	result := chain.Run(context.Background(), HookToolBeforeCall, map[string]any{})
	if result.Patch["reached"] != true {
		t.Fatalf("expected chain to continue past a panicking handler, got %#v", result)
	}
}

func TestCapabilityResolveFallsBackToUnfilteredSet(t *testing.T) {
	reg := NewCapabilityRegistry()
	reg.Register(&Provider{
		Capability: "browser.action", ID: "p-cdp", Mode: ModeCDP, Priority: 1,
		Invoke: func(_ context.Context, _ InvokeInput) (InvokeResult, error) { return InvokeResult{Data: "cdp"}, nil },
	})

	p, err := reg.Resolve("browser.action", ModeScript, InvokeInput{})
	if err != nil {
		t.Fatalf("expected fallback to unfiltered set to succeed, got %v", err)
	}
	if p.ID != "p-cdp" {
		t.Fatalf("expected p-cdp, got %s", p.ID)
	}
}

func TestCapabilityResolveRuntimeNotReady(t *testing.T) {
	reg := NewCapabilityRegistry()
	_, err := reg.Resolve("fs.read", "", InvokeInput{})
	var ce *kernelerr.CodedError
	if !kernelerr.AsCoded(err, &ce) || ce.Code != kernelerr.CodeRuntimeNotReady {
		t.Fatalf("expected E_RUNTIME_NOT_READY, got %v", err)
	}
}

func TestModeRegistryScriptFallsBackToCDP(t *testing.T) {
	modes := NewModeRegistry()
	modes.Register(&ModeProvider{Mode: ModeScript, Invoke: func(_ context.Context, _ InvokeInput) (InvokeResult, error) {
		return InvokeResult{}, kernelerr.New(kernelerr.CodeInternal, "script failed")
	}})
	modes.Register(&ModeProvider{Mode: ModeCDP, Invoke: func(_ context.Context, _ InvokeInput) (InvokeResult, error) {
		return InvokeResult{Data: map[string]any{"source": "cdp"}}, nil
	}})

	res, err := modes.Invoke(context.Background(), ModeScript, InvokeInput{}, true)
	if err != nil {
		t.Fatalf("expected fallback success, got %v", err)
	}
	if res.ModeUsed != ModeCDP || res.FallbackFrom != ModeScript {
		t.Fatalf("expected cdp fallback attribution, got %#v", res)
	}

	// Policy is authoritative: allowFallback=false refuses the fallback step
	// and surfaces the script failure itself.
	_, err = modes.Invoke(context.Background(), ModeScript, InvokeInput{}, false)
	var ce *kernelerr.CodedError
	if !kernelerr.AsCoded(err, &ce) || ce.Message != "script failed" {
		t.Fatalf("expected original script failure when fallback disallowed, got %v", err)
	}
}

func TestModeRegistryMissingCDPFallbackSurfacesOwnError(t *testing.T) {
	modes := NewModeRegistry()
	modes.Register(&ModeProvider{Mode: ModeScript, Invoke: func(_ context.Context, _ InvokeInput) (InvokeResult, error) {
		return InvokeResult{}, kernelerr.New(kernelerr.CodeInternal, "script failed")
	}})

	_, err := modes.Invoke(context.Background(), ModeScript, InvokeInput{}, true)
	var ce *kernelerr.CodedError
	if !kernelerr.AsCoded(err, &ce) || ce.Message != "cdp adapter 未配置" {
		t.Fatalf("expected explicit cdp-not-configured error, got %v", err)
	}
}

func TestPluginLifecycleLIFOUnwind(t *testing.T) {
	caps := NewCapabilityRegistry()
	modes := NewModeRegistry()
	hooks := NewHookChain(nil)
	policies := NewPolicyRegistry()
	routes := NewRouteTable()
	mgr := NewManager(caps, modes, hooks, policies, routes)

	base := &Provider{Capability: "fs.read", ID: "base", Mode: ModeBridge, Priority: 1,
		Invoke: func(_ context.Context, _ InvokeInput) (InvokeResult, error) { return InvokeResult{Data: "base"}, nil }}
	caps.Register(base)

	mustRegister := func(id string, manifest Manifest) *PluginCtx {
		if _, err := mgr.RegisterPlugin(manifest); err != nil {
			t.Fatalf("RegisterPlugin(%s): %v", id, err)
		}
		ctx, err := mgr.Begin(id)
		if err != nil {
			t.Fatalf("Begin(%s): %v", id, err)
		}
		return ctx
	}

	aCtx := mustRegister("plugin-a", Manifest{ID: "plugin-a", Capabilities: []string{"fs.read"}, Modes: []string{"bridge"}, ReplaceProviders: true})
	if err := aCtx.AddProvider(&Provider{Capability: "fs.read", ID: "a", Mode: ModeBridge,
		Invoke: func(_ context.Context, _ InvokeInput) (InvokeResult, error) { return InvokeResult{Data: "a"}, nil }}); err != nil {
		t.Fatal(err)
	}

	bCtx := mustRegister("plugin-b", Manifest{ID: "plugin-b", Capabilities: []string{"fs.read"}, Modes: []string{"bridge"}, ReplaceProviders: true})
	if err := bCtx.AddProvider(&Provider{Capability: "fs.read", ID: "b", Mode: ModeBridge,
		Invoke: func(_ context.Context, _ InvokeInput) (InvokeResult, error) { return InvokeResult{Data: "b"}, nil }}); err != nil {
		t.Fatal(err)
	}

	snapshotIDs := func() []string {
		var ids []string
		for _, p := range caps.Snapshot("fs.read") {
			ids = append(ids, p.ID)
		}
		return ids
	}
	if ids := snapshotIDs(); len(ids) != 1 || ids[0] != "b" {
		t.Fatalf("expected only b active, got %v", ids)
	}

	if err := mgr.Disable("plugin-b"); err != nil {
		t.Fatal(err)
	}
	if ids := snapshotIDs(); len(ids) != 1 || ids[0] != "a" {
		t.Fatalf("expected a restored after disabling b, got %v", ids)
	}

	if err := mgr.Disable("plugin-a"); err != nil {
		t.Fatal(err)
	}
	if ids := snapshotIDs(); len(ids) != 1 || ids[0] != "base" {
		t.Fatalf("expected base restored after disabling a, got %v", ids)
	}
}

func TestPluginPermissionCheckRejectsUndeclaredCapability(t *testing.T) {
	mgr := NewManager(NewCapabilityRegistry(), NewModeRegistry(), NewHookChain(nil), NewPolicyRegistry(), NewRouteTable())
	if _, err := mgr.RegisterPlugin(Manifest{ID: "p1"}); err != nil {
		t.Fatal(err)
	}
	ctx, err := mgr.Begin("p1")
	if err != nil {
		t.Fatal(err)
	}
	err = ctx.AddProvider(&Provider{Capability: "fs.read", ID: "x",
		Invoke: func(_ context.Context, _ InvokeInput) (InvokeResult, error) { return InvokeResult{}, nil }})
	if err == nil {
		t.Fatal("expected permission error for undeclared capability")
	}
}

func TestRouteResolveExplicitProfileAndMissingConfig(t *testing.T) {
	routes := NewRouteTable()
	routes.RegisterProvider("anthropic", func() any { return nil })

	cfg := RouteConfig{Profiles: []LLMProfile{
		{ID: "worker.basic", Provider: "anthropic", LLMApiBase: "https://x", LLMApiKey: "k", LLMModel: "haiku"},
		{ID: "no-config", Provider: "anthropic"},
	}}

	res, err := routes.Resolve(cfg, RouteRequest{Profile: "worker.basic"}, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Source != SourceExplicit || res.Model != "haiku" {
		t.Fatalf("unexpected result: %#v", res)
	}

	_, err = routes.Resolve(cfg, RouteRequest{Profile: "no-config"}, nil)
	var re *RouteError
	if err == nil {
		t.Fatal("expected missing_llm_config error")
	}
	if ok := asRouteError(err, &re); !ok || re.Reason != ReasonMissingLLMConfig {
		t.Fatalf("expected missing_llm_config, got %v", err)
	}

	_, err = routes.Resolve(cfg, RouteRequest{Profile: "does-not-exist"}, nil)
	if ok := asRouteError(err, &re); !ok || re.Reason != ReasonProfileNotFound {
		t.Fatalf("expected profile_not_found, got %v", err)
	}
}

func TestRouteResolveEmptyProfileListIsProfileNotFound(t *testing.T) {
	routes := NewRouteTable()
	_, err := routes.Resolve(RouteConfig{}, RouteRequest{}, nil)
	var re *RouteError
	if ok := asRouteError(err, &re); !ok || re.Reason != ReasonProfileNotFound {
		t.Fatalf("expected profile_not_found for empty profile list, got %v", err)
	}
}

func TestDecideProfileEscalationBlockedAtTop(t *testing.T) {
	decision := DecideProfileEscalation(DecideProfileEscalationInput{
		OrderedProfiles: []string{"basic", "pro"},
		CurrentProfile:  "pro",
		RepeatedFailure: true,
	})
	if decision.Verdict != EscalationBlocked || decision.Reason != string(ReasonNoHigherProfile) {
		t.Fatalf("expected blocked:no_higher_profile, got %#v", decision)
	}
}

func TestDecideProfileEscalationAdvancesChain(t *testing.T) {
	decision := DecideProfileEscalation(DecideProfileEscalationInput{
		OrderedProfiles: []string{"basic", "pro"},
		CurrentProfile:  "basic",
		RepeatedFailure: true,
		Policy:          "upgrade_only",
	})
	if decision.Verdict != EscalationEscalate || decision.NextProfile != "pro" {
		t.Fatalf("expected escalate to pro, got %#v", decision)
	}
}

func TestDecideProfileEscalationDisabledSuppresses(t *testing.T) {
	decision := DecideProfileEscalation(DecideProfileEscalationInput{
		OrderedProfiles: []string{"basic", "pro"},
		CurrentProfile:  "basic",
		RepeatedFailure: true,
		Policy:          "disabled",
	})
	if decision.Verdict != EscalationNoChange {
		t.Fatalf("expected no_change under disabled policy, got %#v", decision)
	}
}

func asRouteError(err error, target **RouteError) bool {
	if re, ok := err.(*RouteError); ok {
		*target = re
		return true
	}
	return false
}
