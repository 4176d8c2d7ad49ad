package bridge

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/webbrain/internal/kernelerr"
	"github.com/nextlevelbuilder/webbrain/internal/registry"
)

// RegisterProviders wires the lane into the capability registry as the
// executor for local filesystem and process capabilities. The providers
// decline args that explicitly target the browser runtime so a virtual-fs
// provider can claim those.
func (c *Client) RegisterProviders(caps *registry.CapabilityRegistry) {
	localOnly := func(input registry.InvokeInput) bool {
		runtime, _ := input.Args["runtime"].(string)
		return runtime != "browser"
	}
	for _, capability := range []string{"fs.read", "fs.write", "process.exec"} {
		caps.Register(&registry.Provider{
			Capability: capability,
			ID:         "bridge-" + capability,
			Mode:       registry.ModeBridge,
			Priority:   5,
			CanHandle:  localOnly,
			Invoke:     c.invokeCapability,
		})
	}
}

// invokeCapability runs one step through the bridge, retrying once across a
// reconnect when the lane drops mid-invoke. The invoke id is stable across
// the retry, so the server-side dedup guarantees at most one execution.
func (c *Client) invokeCapability(ctx context.Context, input registry.InvokeInput) (registry.InvokeResult, error) {
	frame := InvokeFrame{
		ID:        uuid.NewString(),
		Tool:      input.Action,
		Args:      input.Args,
		SessionID: input.SessionID,
	}

	result, err := c.Invoke(ctx, frame)
	if err != nil && IsDisconnect(err) {
		// One reconnect-and-retry: wait briefly for the lane to come back.
		deadline := time.Now().Add(10 * time.Second)
		for time.Now().Before(deadline) && c.State() != StateConnected {
			select {
			case <-ctx.Done():
				return registry.InvokeResult{}, kernelerr.New(kernelerr.CodeTimeout, "invoke cancelled during reconnect")
			case <-time.After(200 * time.Millisecond):
			}
		}
		result, err = c.Invoke(ctx, frame)
	}
	if err != nil {
		return registry.InvokeResult{}, err
	}
	if !result.OK {
		werr := result.Error
		if werr == nil {
			return registry.InvokeResult{}, kernelerr.New(kernelerr.CodeInternal, "bridge invoke failed")
		}
		ce := kernelerr.New(kernelerr.Code(werr.Code), werr.Message).WithDetails(werr.Details)
		ce.Retryable = RetryableCode(werr.Code)
		return registry.InvokeResult{}, ce
	}
	return registry.InvokeResult{Data: result.Data}, nil
}
