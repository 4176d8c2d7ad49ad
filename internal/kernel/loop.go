package kernel

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	oteltrace "go.opentelemetry.io/otel/trace"

	"github.com/nextlevelbuilder/webbrain/internal/compaction"
	"github.com/nextlevelbuilder/webbrain/internal/config"
	"github.com/nextlevelbuilder/webbrain/internal/kernelerr"
	"github.com/nextlevelbuilder/webbrain/internal/providers"
	"github.com/nextlevelbuilder/webbrain/internal/registry"
	"github.com/nextlevelbuilder/webbrain/internal/sessionstore"
	"github.com/nextlevelbuilder/webbrain/pkg/protocol"
)

// StartRequest is brain.run.start's payload.
type StartRequest struct {
	SessionID         string
	Prompt            string
	AutoRun           bool
	StreamingBehavior QueueBehavior // required when the session is already running
	Role              string
	Profile           string
}

// StartResult is brain.run.start's response data.
type StartResult struct {
	SessionID      string `json:"sessionId"`
	Running        bool   `json:"running"`
	Stopped        bool   `json:"stopped"`
	QueuedPromptID string `json:"queuedPromptId,omitempty"`
}

type loopOptions struct {
	role    string
	profile string
}

// Start begins (or enqueues into) a session run. If the session has no id, a
// fresh session is created. The caller receives acknowledgement before the
// loop's first compaction check completes — the loop runs in its own
// goroutine.
func (k *Kernel) Start(ctx context.Context, req StartRequest) (StartResult, error) {
	sessionID := req.SessionID
	if sessionID == "" {
		header, err := k.store.CreateSession(sessionstore.Header{})
		if err != nil {
			return StartResult{}, err
		}
		sessionID = header.ID
	} else if _, err := k.store.GetHeader(sessionID); err != nil {
		return StartResult{}, err
	}

	st := k.states.get(sessionID)
	st.mu.Lock()
	running, stopped := st.running, st.stopped
	st.mu.Unlock()

	if running {
		if stopped {
			// The loop is winding down after a stop; never re-enter or spawn
			// a second loop in this window.
			return StartResult{SessionID: sessionID, Running: true, Stopped: true}, nil
		}
		if req.StreamingBehavior == "" {
			return StartResult{}, kernelerr.New(kernelerr.CodeArgs,
				"session is running; start requires streamingBehavior (steer or followUp)")
		}
		id := st.enqueue(req.StreamingBehavior, req.Prompt)
		return StartResult{SessionID: sessionID, Running: true, QueuedPromptID: id}, nil
	}

	if stopped && !req.AutoRun {
		// A stopped session stays stopped unless the caller opts back in.
		if req.Prompt != "" {
			if _, err := k.store.AppendMessage(sessionID, sessionstore.MessageAppend{Role: sessionstore.RoleUser, Text: req.Prompt}); err != nil {
				return StartResult{}, err
			}
		}
		return StartResult{SessionID: sessionID, Running: false, Stopped: true}, nil
	}

	if req.Prompt != "" {
		if _, err := k.store.AppendMessage(sessionID, sessionstore.MessageAppend{Role: sessionstore.RoleUser, Text: req.Prompt}); err != nil {
			return StartResult{}, err
		}
	}

	st.mu.Lock()
	st.running = true
	st.stopped = false
	st.failStreak = 0
	st.mu.Unlock()

	k.wg.Add(1)
	go func() {
		defer k.wg.Done()
		k.runLoop(sessionID, loopOptions{role: req.Role, profile: req.Profile})
	}()

	return StartResult{SessionID: sessionID, Running: true}, nil
}

// runLoop drives one session until its queue is empty or it is stopped. The
// running flag stays true for the whole lifetime of this goroutine; only the
// clean exit below flips it back.
func (k *Kernel) runLoop(sessionID string, opts loopOptions) {
	st := k.states.get(sessionID)
	defer func() {
		st.mu.Lock()
		st.running = false
		st.mu.Unlock()
	}()

	for {
		k.runOnce(sessionID, st, opts)

		st.mu.Lock()
		stopped := st.stopped
		st.mu.Unlock()
		if stopped {
			st.drainQueue()
			return
		}

		qp, ok := st.dequeue()
		if !ok {
			return
		}
		if _, err := k.store.AppendMessage(sessionID, sessionstore.MessageAppend{Role: sessionstore.RoleUser, Text: qp.Text}); err != nil {
			k.log.Warn("queued prompt append failed", "session", sessionID, "error", err)
			return
		}
	}
}

// runOnce executes the iteration loop for the session's current prompt.
func (k *Kernel) runOnce(sessionID string, st *runState, opts loopOptions) {
	ctx, span := k.tracer.Start(context.Background(), "brain.run",
		oteltrace.WithAttributes(attribute.String("session.id", sessionID)))
	defer span.End()

	snap := k.cfg.Snapshot()
	maxIter := snap.LLM.MaxIterations
	if maxIter <= 0 {
		maxIter = 20
	}

	var detector toolLoopState
	escalatedProfile := ""
	attempt := 0

	for iter := 0; iter < maxIter; iter++ {
		if st.isStopped() {
			k.emitLoopDone(sessionID, "stopped", "")
			return
		}

		// 1. Pre-send compaction check (hook-vetoable).
		k.preSendCompactionCheck(ctx, sessionID)

		// 2. Resolve the LLM route.
		route, ordered, ok := k.resolveRoute(sessionID, opts, escalatedProfile)
		if !ok {
			k.emitLoopDone(sessionID, "failed_execute", "route")
			span.SetStatus(codes.Error, "route resolution failed")
			return
		}

		// 3-5. One LLM call with hooks around it.
		resp, err := k.callLLM(ctx, sessionID, route, snap)
		if err != nil {
			overflow := isOverflowError(err)
			st.mu.Lock()
			st.failStreak++
			streak := st.failStreak
			st.lastError = err.Error()
			stopped := st.stopped
			st.mu.Unlock()

			profile := route.Profile
			maxAttempts := profile.RetryMaxAttempts
			if maxAttempts <= 0 {
				maxAttempts = 3
			}
			decision := HandleAgentEnd(AgentEndInput{
				Err: err, Overflow: overflow, Attempt: attempt, MaxAttempts: maxAttempts,
				FailStreak: streak, CurrentProfile: profile.ID,
				OrderedProfiles: ordered, Policy: snap.LLM.EscalationPolicy,
				Stopped: stopped,
			})
			decision = k.patchAgentEnd(ctx, decision, err)

			switch decision.Action {
			case ActionRetry:
				attempt++
				k.bus.Emit(sessionID, protocol.EventAutoRetryStart, map[string]any{
					"attempt": attempt, "maxAttempts": maxAttempts, "error": err.Error(),
				})
				time.Sleep(retryDelay(attempt, profile.RetryCapDelayMs))
				iter--
				continue
			case ActionContinue:
				k.compactSession(ctx, sessionID, compaction.ReasonOverflow)
				attempt = 0
				continue
			case ActionEscalate:
				next := decision.Reason
				k.bus.Emit(sessionID, protocol.EventLLMRouteEscalated, map[string]any{
					"from": profile.ID, "to": next,
				})
				escalatedProfile = next
				attempt = 0
				st.mu.Lock()
				st.failStreak = 0
				st.mu.Unlock()
				continue
			case ActionDone:
				k.emitLoopDone(sessionID, "done", decision.Reason)
				return
			default:
				k.emitLoopDone(sessionID, "failed_execute", decision.Reason)
				span.SetStatus(codes.Error, err.Error())
				return
			}
		}

		attempt = 0
		st.mu.Lock()
		st.failStreak = 0
		st.lastError = ""
		st.mu.Unlock()

		// 6. Parse content and tool calls.
		if len(resp.ToolCalls) == 0 {
			if _, err := k.store.AppendMessage(sessionID, sessionstore.MessageAppend{
				Role: sessionstore.RoleAssistant, Text: resp.Content,
			}); err != nil {
				k.log.Warn("assistant append failed", "session", sessionID, "error", err)
			}
			k.emitLoopDone(sessionID, "done", "")
			return
		}

		stuck := k.executeToolCalls(ctx, sessionID, resp, &detector)
		if stuck {
			k.emitLoopDone(sessionID, "failed_execute", "tool_loop")
			return
		}
	}

	k.emitLoopDone(sessionID, "done", "max_iterations")
}

func (st *runState) isStopped() bool {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.stopped
}

// resolveRoute resolves the current route, honoring an escalated profile
// override, and emits llm.route.selected / llm.route.blocked.
func (k *Kernel) resolveRoute(sessionID string, opts loopOptions, escalated string) (registry.RouteResult, []string, bool) {
	cfg := k.routeConfig()

	rreq := registry.RouteRequest{Profile: opts.profile, Role: opts.role}
	if escalated != "" {
		rreq = registry.RouteRequest{Profile: escalated}
	}

	route, err := k.reg.Routes.Resolve(cfg, rreq, nil)
	if err != nil {
		if re, ok := err.(*registry.RouteError); ok && re.Reason == registry.ReasonProviderNotFound {
			k.bus.Emit(sessionID, protocol.EventLLMRouteBlocked, map[string]any{"reason": string(re.Reason)})
		}
		k.log.Warn("route resolution failed", "session", sessionID, "error", err)
		return registry.RouteResult{}, nil, false
	}

	// Escalated routes keep the role's chain for further escalation and are
	// attributed to the escalation source, not the explicit-profile one.
	ordered := route.OrderedProfiles
	if opts.role != "" {
		ordered = cfg.ProfileChains[opts.role]
	}
	if escalated != "" {
		route.Source = registry.SourceEscalation
		route.Role = opts.role
		route.OrderedProfiles = ordered
	}

	k.bus.Emit(sessionID, protocol.EventLLMRouteSelected, map[string]any{
		"profile": route.Profile.ID, "provider": route.Provider, "model": route.Model,
		"source": string(route.Source), "role": route.Role, "orderedProfiles": ordered,
	})
	return route, ordered, true
}

// callLLM builds the conversation view, runs the llm.before_request /
// fetch / llm.after_response triple, and returns the (possibly patched)
// response.
func (k *Kernel) callLLM(ctx context.Context, sessionID string, route registry.RouteResult, snap *config.Config) (*providers.ChatResponse, error) {
	entries, err := k.store.GetEntries(sessionID)
	if err != nil {
		return nil, err
	}
	view := sessionstore.BuildConversationView(entries)
	messages := sessionstore.StitchForSend(view)

	envelope := map[string]any{
		"model":       route.Model,
		"temperature": snap.LLM.Temperature,
		"maxTokens":   snap.LLM.MaxTokens,
	}
	verdict := k.reg.Hooks.Run(ctx, registry.HookLLMBeforeRequest, envelope)
	if verdict.Action == registry.ActionBlock {
		return nil, kernelerr.New(kernelerr.CodeInternal, "llm.before_request blocked: "+verdict.Reason)
	}
	patched := verdict.Patch
	model := stringOr(patched["model"], route.Model)
	temperature := floatOr(patched["temperature"], snap.LLM.Temperature)
	maxTokens := intOr(patched["maxTokens"], snap.LLM.MaxTokens)

	provider, ok := k.provider(route.Provider)
	if !ok {
		return nil, kernelerr.Newf(kernelerr.CodeRuntimeNotReady, "llm provider not registered: %s", route.Provider)
	}

	// Trace event carries counts and a trimmed snippet, never the payload.
	chars := 0
	lastUser := ""
	for _, m := range messages {
		chars += len(m.Content)
		if m.Role == sessionstore.RoleUser {
			lastUser = m.Content
		}
	}
	k.bus.Emit(sessionID, protocol.EventLLMRequest, map[string]any{
		"profile": route.Profile.ID, "model": model,
		"messages": len(messages), "chars": chars,
		"lastUser": snippet(lastUser, 120),
	})

	callCtx := ctx
	if route.Profile.TimeoutMs > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, time.Duration(route.Profile.TimeoutMs)*time.Millisecond)
		defer cancel()
	}

	llmCtx, llmSpan := k.tracer.Start(callCtx, "llm.call")
	llmSpan.SetAttributes(attribute.String("llm.model", model), attribute.Int("llm.messages", len(messages)))
	resp, err := provider.Chat(llmCtx, providers.ChatRequest{
		Messages: messages,
		Tools:    k.contracts.ProviderDefs(),
		Model:    model,
		Options: map[string]interface{}{
			"max_tokens":  maxTokens,
			"temperature": temperature,
		},
	})
	if err != nil {
		llmSpan.SetStatus(codes.Error, err.Error())
		llmSpan.End()
		return nil, err
	}
	llmSpan.End()

	k.recordCalibration(sessionID, resp.Usage, len(entries))

	afterEnv := map[string]any{
		"content":   resp.Content,
		"toolCalls": resp.ToolCalls,
	}
	afterVerdict := k.reg.Hooks.Run(ctx, registry.HookLLMAfterResponse, afterEnv)
	if afterVerdict.Action == registry.ActionBlock {
		return nil, kernelerr.New(kernelerr.CodeInternal, "llm.after_response blocked: "+afterVerdict.Reason)
	}
	if patched := afterVerdict.Patch; patched != nil {
		if c, ok := patched["content"].(string); ok {
			resp.Content = c
		}
		if tc, ok := patched["toolCalls"].([]providers.ToolCall); ok {
			resp.ToolCalls = tc
		}
	}
	return resp, nil
}

// executeToolCalls appends the assistant turn with its tool_call entries,
// runs every call (parallel when multiple, with a final index sort so
// result ordering is deterministic), and appends the tool results. Returns
// true when the loop detector flags a critical repeat.
func (k *Kernel) executeToolCalls(ctx context.Context, sessionID string, resp *providers.ChatResponse, detector *toolLoopState) bool {
	assistantEntry, err := k.store.AppendMessage(sessionID, sessionstore.MessageAppend{
		Role: sessionstore.RoleAssistant, Text: resp.Content,
	})
	if err != nil {
		k.log.Warn("assistant append failed", "session", sessionID, "error", err)
		return true
	}
	for _, tc := range resp.ToolCalls {
		args, _ := json.Marshal(tc.Arguments)
		if _, err := k.store.AppendToolCall(sessionID, assistantEntry.ID, sessionstore.ToolCallSpec{
			ID: tc.ID, Name: tc.Name, Arguments: string(args),
		}); err != nil {
			k.log.Warn("tool_call append failed", "session", sessionID, "tool", tc.Name, "error", err)
		}
	}

	type indexedResult struct {
		idx     int
		call    providers.ToolCall
		content string
		isError bool
	}

	runOne := func(tc providers.ToolCall) (string, bool) {
		k.bus.Emit(sessionID, protocol.EventToolBeforeCall, map[string]any{"tool": tc.Name, "id": tc.ID})

		env := map[string]any{"tool": tc.Name, "args": tc.Arguments, "sessionId": sessionID}
		verdict := k.reg.Hooks.Run(ctx, registry.HookToolBeforeCall, env)
		if verdict.Action == registry.ActionBlock {
			return "tool call blocked: " + verdict.Reason, true
		}
		args := tc.Arguments
		if patched, ok := verdict.Patch["args"].(map[string]any); ok {
			args = patched
		}

		content, isErr := k.dispatchTool(ctx, sessionID, tc.Name, args)

		afterEnv := map[string]any{"tool": tc.Name, "content": content, "isError": isErr}
		afterVerdict := k.reg.Hooks.Run(ctx, registry.HookToolAfterResult, afterEnv)
		if c, ok := afterVerdict.Patch["content"].(string); ok {
			content = c
		}
		k.bus.Emit(sessionID, protocol.EventToolAfterResult, map[string]any{
			"tool": tc.Name, "id": tc.ID, "isError": isErr,
		})
		return content, isErr
	}

	var collected []indexedResult
	if len(resp.ToolCalls) == 1 {
		tc := resp.ToolCalls[0]
		content, isErr := runOne(tc)
		collected = append(collected, indexedResult{idx: 0, call: tc, content: content, isError: isErr})
	} else {
		resultCh := make(chan indexedResult, len(resp.ToolCalls))
		var wg sync.WaitGroup
		for i, tc := range resp.ToolCalls {
			wg.Add(1)
			go func(idx int, tc providers.ToolCall) {
				defer wg.Done()
				content, isErr := runOne(tc)
				resultCh <- indexedResult{idx: idx, call: tc, content: content, isError: isErr}
			}(i, tc)
		}
		go func() { wg.Wait(); close(resultCh) }()
		for r := range resultCh {
			collected = append(collected, r)
		}
		sort.Slice(collected, func(i, j int) bool { return collected[i].idx < collected[j].idx })
	}

	stuck := false
	for _, r := range collected {
		hash := detector.record(r.call.Name, r.call.Arguments)
		detector.recordResult(hash, r.content)

		if _, err := k.store.AppendMessage(sessionID, sessionstore.MessageAppend{
			Role: sessionstore.RoleTool, Text: r.content,
			ToolCallID: r.call.ID, ToolName: r.call.Name,
		}); err != nil {
			k.log.Warn("tool result append failed", "session", sessionID, "tool", r.call.Name, "error", err)
		}

		if level, msg := detector.detect(r.call.Name, hash); level != "" {
			if level == "critical" {
				k.log.Warn("tool loop critical", "session", sessionID, "tool", r.call.Name)
				stuck = true
				break
			}
			k.log.Warn("tool loop warning", "session", sessionID, "tool", r.call.Name)
			if _, err := k.store.AppendMessage(sessionID, sessionstore.MessageAppend{
				Role: sessionstore.RoleUser, Text: msg,
			}); err != nil {
				k.log.Warn("loop warning append failed", "session", sessionID, "error", err)
			}
		}
	}
	return stuck
}

// dispatchTool maps a contract name to its capability and executes the step.
func (k *Kernel) dispatchTool(ctx context.Context, sessionID, name string, args map[string]any) (content string, isError bool) {
	contract, ok := k.contracts.Get(name)
	if !ok {
		return fmt.Sprintf("unknown tool: %s", name), true
	}
	if err := k.contracts.CheckRequired(contract.Name, args); err != nil {
		return err.Error(), true
	}

	stepCtx, stepSpan := k.tracer.Start(ctx, "step.execute")
	stepSpan.SetAttributes(attribute.String("tool", contract.Name))
	res := k.ExecuteStep(stepCtx, StepRequest{
		SessionID:  sessionID,
		Capability: contract.Capability,
		Action:     contract.Name,
		Args:       args,
	})
	stepSpan.End()

	if !res.OK {
		return fmt.Sprintf("%s (%s)", res.Error, res.ErrorCode), true
	}
	switch data := res.Data.(type) {
	case string:
		return data, false
	case nil:
		return "ok", false
	default:
		b, err := json.Marshal(data)
		if err != nil {
			return fmt.Sprintf("%v", data), false
		}
		return string(b), false
	}
}

// patchAgentEnd runs the agent_end.after hook over a decision.
func (k *Kernel) patchAgentEnd(ctx context.Context, decision AgentEndDecision, cause error) AgentEndDecision {
	env := map[string]any{
		"action": string(decision.Action),
		"reason": decision.Reason,
		"error":  cause.Error(),
	}
	verdict := k.reg.Hooks.Run(ctx, registry.HookAgentEndAfter, env)
	if verdict.Action == registry.ActionBlock {
		return AgentEndDecision{Action: ActionFailedExecute, Reason: verdict.Reason}
	}
	if a, ok := verdict.Patch["action"].(string); ok {
		decision.Action = EndAction(a)
	}
	if r, ok := verdict.Patch["reason"].(string); ok {
		decision.Reason = r
	}
	return decision
}

func stringOr(v any, def string) string {
	if s, ok := v.(string); ok && s != "" {
		return s
	}
	return def
}

func floatOr(v any, def float64) float64 {
	if f, ok := v.(float64); ok {
		return f
	}
	return def
}

func intOr(v any, def int) int {
	switch n := v.(type) {
	case int:
		return n
	case float64:
		return int(n)
	}
	return def
}

func snippet(s string, max int) string {
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max]) + "…"
}
