package kernel

import (
	"context"

	"github.com/nextlevelbuilder/webbrain/internal/kernelerr"
	"github.com/nextlevelbuilder/webbrain/internal/registry"
)

// StepRequest is the input to ExecuteStep (brain.step.execute). Either a
// capability, a mode, or both may be given; action and args flow to the
// resolved provider untouched.
type StepRequest struct {
	SessionID    string
	Mode         string
	Capability   string
	Action       string
	Args         map[string]any
	VerifyPolicy string // "", "off", "on_critical", "always" — overrides the capability policy
}

// StepResult is ExecuteStep's uniform outcome shape.
type StepResult struct {
	OK             bool   `json:"ok"`
	Data           any    `json:"data,omitempty"`
	ModeUsed       string `json:"modeUsed,omitempty"`
	CapabilityUsed string `json:"capabilityUsed,omitempty"`
	FallbackFrom   string `json:"fallbackFrom,omitempty"`
	Verified       bool   `json:"verified"`
	VerifyReason   string `json:"verifyReason,omitempty"`
	Error          string `json:"error,omitempty"`
	ErrorCode      string `json:"errorCode,omitempty"`
}

// Verify reasons.
const (
	VerifyReasonVerified       = "verified"
	VerifyReasonFailed         = "verify_failed"
	VerifyReasonPolicyOff      = "verify_policy_off"
	VerifyReasonAdapterMissing = "verify_adapter_missing"
)

// ExecuteStep resolves a provider for the request and invokes it, emitting
// the strict step_execute / step_execute_result event pair. With a
// capability, resolution goes through the capability registry (mode as a
// filter); with only a mode, the legacy mode lane runs, including the
// script→cdp fallback gated by the capability policy's allowScriptFallback.
func (k *Kernel) ExecuteStep(ctx context.Context, req StepRequest) StepResult {
	k.bus.Emit(req.SessionID, "step_execute", map[string]any{
		"mode": req.Mode, "capability": req.Capability, "action": req.Action,
	})
	res := k.executeStep(ctx, req)
	k.bus.Emit(req.SessionID, "step_execute_result", map[string]any{
		"ok": res.OK, "modeUsed": res.ModeUsed, "capabilityUsed": res.CapabilityUsed,
		"fallbackFrom": res.FallbackFrom, "verified": res.Verified,
		"verifyReason": res.VerifyReason, "errorCode": res.ErrorCode,
	})
	return res
}

func (k *Kernel) executeStep(ctx context.Context, req StepRequest) StepResult {
	input := registry.InvokeInput{SessionID: req.SessionID, Action: req.Action, Args: req.Args}

	var (
		data         any
		modeUsed     string
		fallbackFrom string
		capUsed      string
	)

	if req.Capability != "" {
		result, provider, err := k.reg.Capabilities.Invoke(ctx, req.Capability, registry.Mode(req.Mode), input)
		if err != nil {
			return stepFailure(err, req)
		}
		data = result.Data
		modeUsed = string(provider.Mode)
		capUsed = req.Capability
		if result.VerifyReason != "" {
			// The provider verified inline (cdp verify path).
			return StepResult{OK: true, Data: data, ModeUsed: modeUsed, CapabilityUsed: capUsed,
				Verified: result.Verified, VerifyReason: result.VerifyReason}
		}
	} else if req.Mode != "" {
		policy := k.reg.Policies.Get("browser.action")
		result, err := k.reg.Modes.Invoke(ctx, registry.Mode(req.Mode), input, policy.AllowScriptFallback)
		if err != nil {
			return stepFailure(err, req)
		}
		data = result.Data
		modeUsed = string(result.ModeUsed)
		fallbackFrom = string(result.FallbackFrom)
	} else {
		return stepFailure(kernelerr.New(kernelerr.CodeArgs, "step requires a mode or a capability"), req)
	}

	verified, verifyReason := k.verifyStep(ctx, req, data)

	return StepResult{
		OK:             true,
		Data:           data,
		ModeUsed:       modeUsed,
		CapabilityUsed: capUsed,
		FallbackFrom:   fallbackFrom,
		Verified:       verified,
		VerifyReason:   verifyReason,
	}
}

// verifyStep applies the resolved verify policy after a successful step.
// on_critical verifies only actions flagged critical in their args (the
// conservative reading: an explicit "critical": true), always verifies every
// action through a browser.verify provider.
func (k *Kernel) verifyStep(ctx context.Context, req StepRequest, data any) (bool, string) {
	policy := req.VerifyPolicy
	if policy == "" && req.Capability != "" {
		policy = string(k.reg.Policies.Get(req.Capability).DefaultVerifyPolicy)
	}
	switch policy {
	case "", string(registry.VerifyOff):
		return false, VerifyReasonPolicyOff
	case string(registry.VerifyOnCritical):
		if critical, _ := req.Args["critical"].(bool); !critical {
			return false, VerifyReasonPolicyOff
		}
	case string(registry.VerifyAlways):
	default:
		return false, VerifyReasonPolicyOff
	}

	input := registry.InvokeInput{SessionID: req.SessionID, Action: req.Action, Args: req.Args}
	result, _, err := k.reg.Capabilities.Invoke(ctx, "browser.verify", "", input)
	if err != nil {
		var ce *kernelerr.CodedError
		if kernelerr.AsCoded(err, &ce) && ce.Code == kernelerr.CodeRuntimeNotReady {
			return false, VerifyReasonAdapterMissing
		}
		return false, VerifyReasonFailed
	}
	if result.VerifyReason != "" {
		return result.Verified, result.VerifyReason
	}
	return true, VerifyReasonVerified
}

func stepFailure(err error, req StepRequest) StepResult {
	var ce *kernelerr.CodedError
	if kernelerr.AsCoded(err, &ce) {
		modeUsed := ce.ModeUsed
		if modeUsed == "" {
			modeUsed = req.Mode
		}
		capUsed := ce.CapabilityUsed
		if capUsed == "" {
			capUsed = req.Capability
		}
		return StepResult{
			OK: false, Error: ce.Message, ErrorCode: string(ce.Code),
			ModeUsed: modeUsed, CapabilityUsed: capUsed,
		}
	}
	return StepResult{
		OK: false, Error: err.Error(), ErrorCode: string(kernelerr.CodeInternal),
		ModeUsed: req.Mode, CapabilityUsed: req.Capability,
	}
}
