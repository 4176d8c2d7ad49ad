package gateway

import (
	"context"
	"encoding/json"

	"github.com/nextlevelbuilder/webbrain/internal/cdp"
	"github.com/nextlevelbuilder/webbrain/internal/config"
	"github.com/nextlevelbuilder/webbrain/internal/kernel"
	"github.com/nextlevelbuilder/webbrain/internal/kernelerr"
	"github.com/nextlevelbuilder/webbrain/internal/registry"
	"github.com/nextlevelbuilder/webbrain/pkg/protocol"
)

// SetCDP wires the browser facade so the lease.* and cdp.* methods resolve.
func (s *Server) SetCDP(m *cdp.Manager) { s.cdpMgr = m }

// SetConfigPath tells config.save where to persist.
func (s *Server) SetConfigPath(path string) { s.cfgPath = path }

func decode[T any](raw json.RawMessage) (T, error) {
	var v T
	if len(raw) == 0 {
		return v, nil
	}
	if err := json.Unmarshal(raw, &v); err != nil {
		return v, kernelerr.New(kernelerr.CodeArgs, "malformed payload: "+err.Error())
	}
	return v, nil
}

func registerBrainMethods(r *MethodRouter, s *Server) {
	k := s.kernel

	// --- config ---

	r.Register(protocol.MethodConfigGetBrain, func(_ context.Context, _ json.RawMessage) (any, error) {
		snap := s.cfg.Snapshot()
		return map[string]any{"config": snap, "hash": s.cfg.Hash()}, nil
	})

	r.Register(protocol.MethodConfigSaveBrain, func(_ context.Context, raw json.RawMessage) (any, error) {
		req, err := decode[struct {
			Config *config.Config `json:"config"`
		}](raw)
		if err != nil {
			return nil, err
		}
		if req.Config == nil {
			return nil, kernelerr.New(kernelerr.CodeArgs, "config.save requires a config object")
		}
		s.cfg.Replace(req.Config)
		s.cfg.ApplyEnvOverrides()
		if s.cfgPath != "" {
			if err := config.Save(s.cfgPath, s.cfg); err != nil {
				return nil, err
			}
		}
		return map[string]any{"hash": s.cfg.Hash()}, nil
	})

	// --- run loop ---

	type runStartReq struct {
		SessionID         string `json:"sessionId"`
		Prompt            string `json:"prompt"`
		AutoRun           bool   `json:"autoRun"`
		StreamingBehavior string `json:"streamingBehavior"`
		SessionOptions    struct {
			Role    string `json:"role"`
			Profile string `json:"profile"`
		} `json:"sessionOptions"`
	}

	r.Register(protocol.MethodBrainRunStart, func(ctx context.Context, raw json.RawMessage) (any, error) {
		req, err := decode[runStartReq](raw)
		if err != nil {
			return nil, err
		}
		return k.Start(ctx, kernel.StartRequest{
			SessionID:         req.SessionID,
			Prompt:            req.Prompt,
			AutoRun:           req.AutoRun,
			StreamingBehavior: kernel.QueueBehavior(req.StreamingBehavior),
			Role:              req.SessionOptions.Role,
			Profile:           req.SessionOptions.Profile,
		})
	})

	r.Register(protocol.MethodBrainRunStop, func(_ context.Context, raw json.RawMessage) (any, error) {
		req, err := decode[struct {
			SessionID string `json:"sessionId"`
		}](raw)
		if err != nil {
			return nil, err
		}
		return k.Stop(req.SessionID), nil
	})

	steerLike := func(behavior kernel.QueueBehavior) HandlerFunc {
		return func(ctx context.Context, raw json.RawMessage) (any, error) {
			req, err := decode[struct {
				SessionID string `json:"sessionId"`
				Prompt    string `json:"prompt"`
			}](raw)
			if err != nil {
				return nil, err
			}
			return k.Start(ctx, kernel.StartRequest{
				SessionID:         req.SessionID,
				Prompt:            req.Prompt,
				AutoRun:           true,
				StreamingBehavior: behavior,
			})
		}
	}
	r.Register(protocol.MethodBrainRunSteer, steerLike(kernel.BehaviorSteer))
	r.Register(protocol.MethodBrainRunFollowUp, steerLike(kernel.BehaviorFollowUp))

	r.Register(protocol.MethodBrainRunQueuePromote, func(_ context.Context, raw json.RawMessage) (any, error) {
		req, err := decode[struct {
			SessionID      string `json:"sessionId"`
			QueuedPromptID string `json:"queuedPromptId"`
		}](raw)
		if err != nil {
			return nil, err
		}
		return k.Promote(req.SessionID, req.QueuedPromptID), nil
	})

	r.Register(protocol.MethodBrainRunRegenerate, func(ctx context.Context, raw json.RawMessage) (any, error) {
		req, err := decode[struct {
			SessionID                string `json:"sessionId"`
			SourceEntryID            string `json:"sourceEntryId"`
			RequireSourceIsLeaf      bool   `json:"requireSourceIsLeaf"`
			RebaseLeafToPreviousUser bool   `json:"rebaseLeafToPreviousUser"`
			AutoRun                  bool   `json:"autoRun"`
		}](raw)
		if err != nil {
			return nil, err
		}
		return k.Regenerate(ctx, kernel.RegenerateRequest{
			SessionID:            req.SessionID,
			SourceEntryID:        req.SourceEntryID,
			RequireSourceIsLeaf:  req.RequireSourceIsLeaf,
			RebaseLeafToPrevUser: req.RebaseLeafToPreviousUser,
			AutoRun:              req.AutoRun,
		})
	})

	r.Register(protocol.MethodBrainRunEditRerun, func(ctx context.Context, raw json.RawMessage) (any, error) {
		req, err := decode[struct {
			SessionID     string `json:"sessionId"`
			SourceEntryID string `json:"sourceEntryId"`
			Prompt        string `json:"prompt"`
		}](raw)
		if err != nil {
			return nil, err
		}
		return k.EditRerun(ctx, req.SessionID, req.SourceEntryID, req.Prompt)
	})

	// --- agents ---

	r.Register(protocol.MethodBrainAgentRun, func(ctx context.Context, raw json.RawMessage) (any, error) {
		req, err := decode[struct {
			Mode  string   `json:"mode"`
			Agent string   `json:"agent"`
			Task  string   `json:"task"`
			Tasks []string `json:"tasks"`
		}](raw)
		if err != nil {
			return nil, err
		}
		results, err := k.AgentRun(ctx, kernel.AgentRunRequest{
			Mode: req.Mode, Agent: req.Agent, Task: req.Task, Tasks: req.Tasks,
		})
		if err != nil {
			return nil, err
		}
		return map[string]any{"results": results}, nil
	})

	// --- sessions ---

	r.Register(protocol.MethodBrainSessionList, func(_ context.Context, _ json.RawMessage) (any, error) {
		sessions, err := k.Store().ListSessions()
		if err != nil {
			return nil, err
		}
		return map[string]any{"sessions": sessions}, nil
	})

	r.Register(protocol.MethodBrainSessionView, func(_ context.Context, raw json.RawMessage) (any, error) {
		req, err := decode[struct {
			SessionID string `json:"sessionId"`
		}](raw)
		if err != nil {
			return nil, err
		}
		header, err := k.Store().GetHeader(req.SessionID)
		if err != nil {
			return nil, err
		}
		entries, err := k.Store().GetEntries(req.SessionID)
		if err != nil {
			return nil, err
		}
		return map[string]any{"header": header, "entries": entries, "runState": k.Status(req.SessionID)}, nil
	})

	r.Register(protocol.MethodBrainSessionFork, func(_ context.Context, raw json.RawMessage) (any, error) {
		req, err := decode[struct {
			SessionID     string `json:"sessionId"`
			SourceEntryID string `json:"sourceEntryId"`
			LeafID        string `json:"leafId"`
			Reason        string `json:"reason"`
		}](raw)
		if err != nil {
			return nil, err
		}
		header, err := k.Fork(kernel.ForkRequest{
			SessionID:     req.SessionID,
			SourceEntryID: req.SourceEntryID,
			LeafID:        req.LeafID,
			Reason:        req.Reason,
		})
		if err != nil {
			return nil, err
		}
		return map[string]any{"header": header}, nil
	})

	r.Register(protocol.MethodBrainSessionDelete, func(_ context.Context, raw json.RawMessage) (any, error) {
		req, err := decode[struct {
			SessionID string `json:"sessionId"`
		}](raw)
		if err != nil {
			return nil, err
		}
		if err := k.DeleteSession(req.SessionID); err != nil {
			return nil, err
		}
		return map[string]any{"deleted": req.SessionID}, nil
	})

	r.Register(protocol.MethodBrainSessionTitleRefresh, func(ctx context.Context, raw json.RawMessage) (any, error) {
		req, err := decode[struct {
			SessionID string `json:"sessionId"`
			Title     string `json:"title"`
		}](raw)
		if err != nil {
			return nil, err
		}
		title, err := k.RefreshTitle(ctx, req.SessionID, req.Title)
		if err != nil {
			return nil, err
		}
		return map[string]any{"title": title}, nil
	})

	// --- steps ---

	r.Register(protocol.MethodBrainStepExecute, func(ctx context.Context, raw json.RawMessage) (any, error) {
		req, err := decode[struct {
			SessionID    string         `json:"sessionId"`
			Mode         string         `json:"mode"`
			Capability   string         `json:"capability"`
			Action       string         `json:"action"`
			Args         map[string]any `json:"args"`
			VerifyPolicy string         `json:"verifyPolicy"`
		}](raw)
		if err != nil {
			return nil, err
		}
		return k.ExecuteStep(ctx, kernel.StepRequest{
			SessionID:    req.SessionID,
			Mode:         req.Mode,
			Capability:   req.Capability,
			Action:       req.Action,
			Args:         req.Args,
			VerifyPolicy: req.VerifyPolicy,
		}), nil
	})

	r.Register(protocol.MethodBrainStepStream, func(_ context.Context, raw json.RawMessage) (any, error) {
		req, err := decode[struct {
			SessionID string `json:"sessionId"`
			MaxEvents int    `json:"maxEvents"`
			MaxBytes  int    `json:"maxBytes"`
		}](raw)
		if err != nil {
			return nil, err
		}
		events, meta := k.StreamEvents(req.SessionID, req.MaxEvents, req.MaxBytes)
		return map[string]any{"stream": events, "streamMeta": meta}, nil
	})

	// --- debug ---

	r.Register(protocol.MethodBrainDebugConfig, func(_ context.Context, _ json.RawMessage) (any, error) {
		snap := s.cfg.Snapshot()
		return map[string]any{"config": snap, "hash": s.cfg.Hash()}, nil
	})

	r.Register(protocol.MethodBrainDebugDump, func(_ context.Context, raw json.RawMessage) (any, error) {
		req, err := decode[struct {
			SessionID string `json:"sessionId"`
		}](raw)
		if err != nil {
			return nil, err
		}
		return k.DebugDump(req.SessionID), nil
	})

	r.Register(protocol.MethodBrainDebugPlugins, func(_ context.Context, _ json.RawMessage) (any, error) {
		plugins := k.Registry().List()
		out := make([]map[string]any, 0, len(plugins))
		for _, p := range plugins {
			rec := map[string]any{
				"manifest": p.Manifest,
				"enabled":  p.Enabled,
			}
			if p.LastError != nil {
				rec["lastError"] = p.LastError.Error()
			}
			out = append(out, rec)
		}
		return map[string]any{"plugins": out}, nil
	})

	// --- plugins ---

	r.Register(protocol.MethodBrainPluginRegister, func(_ context.Context, raw json.RawMessage) (any, error) {
		req, err := decode[struct {
			Manifest registry.Manifest `json:"manifest"`
		}](raw)
		if err != nil {
			return nil, err
		}
		if req.Manifest.ID == "" {
			return nil, kernelerr.New(kernelerr.CodeArgs, "plugin manifest requires an id")
		}
		for _, h := range req.Manifest.Hooks {
			if h != "loop.*" && !registry.IsKnownHookName(h) {
				return nil, kernelerr.Newf(kernelerr.CodeArgs, "unknown hook in manifest: %s", h)
			}
		}
		p, err := k.Registry().RegisterPlugin(req.Manifest)
		if err != nil {
			return nil, err
		}
		return map[string]any{"id": p.Manifest.ID, "enabled": p.Enabled}, nil
	})

	pluginOp := func(op func(string) error) HandlerFunc {
		return func(_ context.Context, raw json.RawMessage) (any, error) {
			req, err := decode[struct {
				ID string `json:"id"`
			}](raw)
			if err != nil {
				return nil, err
			}
			if err := op(req.ID); err != nil {
				return nil, err
			}
			return map[string]any{"id": req.ID}, nil
		}
	}
	r.Register(protocol.MethodBrainPluginEnable, pluginOp(k.Registry().Enable))
	r.Register(protocol.MethodBrainPluginDisable, pluginOp(k.Registry().Disable))
	r.Register(protocol.MethodBrainPluginUnregister, pluginOp(k.Registry().Unregister))

	// --- CDP facade ---

	registerCDPMethods(r, s)
}

func registerCDPMethods(r *MethodRouter, s *Server) {
	needCDP := func() (*cdp.Manager, error) {
		if s.cdpMgr == nil {
			return nil, kernelerr.New(kernelerr.CodeRuntimeNotReady, "browser facade not configured")
		}
		return s.cdpMgr, nil
	}

	type leaseReq struct {
		TabID string `json:"tabId"`
		Owner string `json:"owner"`
	}

	r.Register(protocol.MethodLeaseAcquire, func(_ context.Context, raw json.RawMessage) (any, error) {
		m, err := needCDP()
		if err != nil {
			return nil, err
		}
		req, err := decode[leaseReq](raw)
		if err != nil {
			return nil, err
		}
		return m.Leases.Acquire(req.TabID, req.Owner)
	})

	r.Register(protocol.MethodLeaseHeartbeat, func(_ context.Context, raw json.RawMessage) (any, error) {
		m, err := needCDP()
		if err != nil {
			return nil, err
		}
		req, err := decode[leaseReq](raw)
		if err != nil {
			return nil, err
		}
		return m.Leases.Heartbeat(req.TabID, req.Owner)
	})

	r.Register(protocol.MethodLeaseRelease, func(_ context.Context, raw json.RawMessage) (any, error) {
		m, err := needCDP()
		if err != nil {
			return nil, err
		}
		req, err := decode[leaseReq](raw)
		if err != nil {
			return nil, err
		}
		m.Leases.Release(req.TabID, req.Owner)
		return map[string]any{"released": true}, nil
	})

	r.Register(protocol.MethodCdpObserve, func(_ context.Context, raw json.RawMessage) (any, error) {
		m, err := needCDP()
		if err != nil {
			return nil, err
		}
		req, err := decode[struct {
			SessionID string `json:"sessionId"`
			TabID     string `json:"tabId"`
		}](raw)
		if err != nil {
			return nil, err
		}
		if req.TabID != "" {
			m.SwitchTarget(req.SessionID, req.TabID)
		}
		tabs, err := m.Observe()
		if err != nil {
			return nil, err
		}
		return map[string]any{"tabs": tabs}, nil
	})

	r.Register(protocol.MethodCdpSnapshot, func(_ context.Context, raw json.RawMessage) (any, error) {
		m, err := needCDP()
		if err != nil {
			return nil, err
		}
		req, err := decode[struct {
			SessionID string `json:"sessionId"`
			TabID     string `json:"tabId"`
			Source    string `json:"source"`
		}](raw)
		if err != nil {
			return nil, err
		}
		return m.TakeSnapshot(req.SessionID, req.TabID, req.Source)
	})

	r.Register(protocol.MethodCdpAction, func(_ context.Context, raw json.RawMessage) (any, error) {
		m, err := needCDP()
		if err != nil {
			return nil, err
		}
		req, err := decode[struct {
			SessionID string `json:"sessionId"`
			TabID     string `json:"tabId"`
			Verb      string `json:"verb"`
			URL       string `json:"url"`
			Ref       int    `json:"ref"`
			UID       string `json:"uid"`
			Text      string `json:"text"`
			Submit    bool   `json:"submit"`
			Double    bool   `json:"double"`
			DY        int    `json:"dy"`
		}](raw)
		if err != nil {
			return nil, err
		}
		return m.Act(cdp.ActionRequest{
			SessionID: req.SessionID, TabID: req.TabID, Verb: req.Verb,
			URL: req.URL, Ref: req.Ref, UID: req.UID, Text: req.Text,
			Submit: req.Submit, Double: req.Double, DY: req.DY,
		})
	})

	r.Register(protocol.MethodCdpVerify, func(_ context.Context, raw json.RawMessage) (any, error) {
		m, err := needCDP()
		if err != nil {
			return nil, err
		}
		req, err := decode[struct {
			SessionID  string `json:"sessionId"`
			TabID      string `json:"tabId"`
			ExpectText string `json:"expectText"`
			ExpectURL  string `json:"expectUrl"`
		}](raw)
		if err != nil {
			return nil, err
		}
		verified, reason, err := m.Verify(cdp.VerifyRequest{
			SessionID: req.SessionID, TabID: req.TabID,
			ExpectText: req.ExpectText, ExpectURL: req.ExpectURL,
		})
		if err != nil {
			return nil, err
		}
		return map[string]any{"verified": verified, "verifyReason": reason}, nil
	})
}
