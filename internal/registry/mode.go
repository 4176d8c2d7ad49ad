package registry

import (
	"context"

	"github.com/nextlevelbuilder/webbrain/internal/kernelerr"
)

// ModeProvider is a legacy-lane provider invoked when the caller specifies a
// mode but no capability.
type ModeProvider struct {
	Mode   Mode
	Invoke func(ctx context.Context, input InvokeInput) (InvokeResult, error)
}

// ModeRegistry holds the legacy mode-provider lane, distinct from the
// capability registry: one provider per mode, no priority/canHandle.
type ModeRegistry struct {
	providers map[Mode]*ModeProvider
}

func NewModeRegistry() *ModeRegistry {
	return &ModeRegistry{providers: make(map[Mode]*ModeProvider)}
}

func (r *ModeRegistry) Register(p *ModeProvider) { r.providers[p.Mode] = p }
func (r *ModeRegistry) Unregister(mode Mode)      { delete(r.providers, mode) }

// ModeInvokeResult extends InvokeResult with the fallback attribution
// surfaced when a script provider fails over to cdp.
type ModeInvokeResult struct {
	InvokeResult
	ModeUsed     Mode
	FallbackFrom Mode
}

// Invoke runs the provider registered for mode. When mode is script, it
// fails, and allowFallback is set, cdp is attempted exactly once as a
// fallback, with the result surfaced as fallbackFrom="script". The policy is
// authoritative: allowFallback=false refuses the fallback step outright and
// surfaces the original script failure. A missing cdp fallback provider
// surfaces its own explicit error rather than the original script failure.
func (r *ModeRegistry) Invoke(ctx context.Context, mode Mode, input InvokeInput, allowFallback bool) (ModeInvokeResult, error) {
	p, ok := r.providers[mode]
	if !ok {
		return ModeInvokeResult{}, kernelerr.Newf(kernelerr.CodeRuntimeNotReady, "mode provider not registered: %s", mode).
			WithMode(string(mode), "")
	}

	res, err := p.Invoke(ctx, input)
	if err == nil {
		return ModeInvokeResult{InvokeResult: res, ModeUsed: mode}, nil
	}
	if mode != ModeScript || !allowFallback {
		return ModeInvokeResult{}, err
	}

	cdp, ok := r.providers[ModeCDP]
	if !ok {
		return ModeInvokeResult{}, kernelerr.New(kernelerr.CodeRuntimeNotReady, "cdp adapter 未配置").
			WithMode(string(ModeCDP), "")
	}

	cdpRes, cdpErr := cdp.Invoke(ctx, input)
	if cdpErr != nil {
		return ModeInvokeResult{}, cdpErr
	}
	return ModeInvokeResult{InvokeResult: cdpRes, ModeUsed: ModeCDP, FallbackFrom: ModeScript}, nil
}
