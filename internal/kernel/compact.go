package kernel

import (
	"context"
	"fmt"
	"strings"

	"github.com/nextlevelbuilder/webbrain/internal/compaction"
	"github.com/nextlevelbuilder/webbrain/internal/providers"
	"github.com/nextlevelbuilder/webbrain/internal/registry"
	"github.com/nextlevelbuilder/webbrain/internal/sessionstore"
	"github.com/nextlevelbuilder/webbrain/pkg/protocol"
)

// preSendCompactionCheck measures the session and compacts if the threshold
// is crossed. The compaction.check.before hook may veto with a block
// verdict. The start caller has already been acknowledged by the time this
// runs — the check is part of the loop goroutine, not the request path.
func (k *Kernel) preSendCompactionCheck(ctx context.Context, sessionID string) {
	snap := k.cfg.Snapshot()
	entries, err := k.store.GetEntries(sessionID)
	if err != nil {
		return
	}

	live := entriesSinceLastCompaction(entries)
	measured := k.estimatorFor(sessionID).Estimate(live)
	verdict := compaction.ShouldCompact(compaction.ShouldCompactInput{
		MeasuredTokens:  measured,
		ThresholdTokens: snap.Compaction.ThresholdTokens,
	})
	if !verdict.ShouldCompact {
		return
	}

	hookVerdict := k.reg.Hooks.Run(ctx, registry.HookCompactionCheckBefore, map[string]any{
		"sessionId": sessionID, "reason": string(verdict.Reason), "measuredTokens": measured,
	})
	if hookVerdict.Action == registry.ActionBlock {
		k.log.Debug("compaction vetoed by hook", "session", sessionID, "reason", hookVerdict.Reason)
		return
	}

	k.compactSession(ctx, sessionID, verdict.Reason)
}

// compactSession runs the full prepare→summarize→append pipeline and emits
// the auto_compaction_start / session_compact / auto_compaction_end triple.
func (k *Kernel) compactSession(ctx context.Context, sessionID string, reason compaction.Reason) {
	k.bus.Emit(sessionID, protocol.EventAutoCompactionStart, map[string]any{"reason": string(reason)})
	defer k.bus.Emit(sessionID, protocol.EventAutoCompactionEnd, map[string]any{"reason": string(reason)})

	snap := k.cfg.Snapshot()
	entries, err := k.store.GetEntries(sessionID)
	if err != nil {
		k.log.Warn("compaction read failed", "session", sessionID, "error", err)
		return
	}

	keepTail := snap.Compaction.KeepTail
	if keepTail <= 0 {
		keepTail = 8
	}
	prep := compaction.PrepareCompaction(entries, previousSummary(entries), keepTail,
		snap.Compaction.SplitTurnEnabled(), k.estimatorFor(sessionID))
	if len(prep.DroppedEntries) == 0 && len(prep.SplitTurnPrefix) == 0 {
		if reason != compaction.ReasonOverflow {
			return
		}
		// Overflow is authoritative: when even the kept tail no longer fits,
		// fold the whole log into the summary rather than skipping.
		prep = compaction.PrepareCompaction(entries, previousSummary(entries), 0, false,
			k.estimatorFor(sessionID))
		if len(prep.DroppedEntries) == 0 {
			return
		}
	}

	result, err := compaction.Compact(ctx, prep, k.summarizeFunc(sessionID))
	if err != nil {
		k.log.Warn("compaction summarize failed, using digest", "session", sessionID, "error", err)
		result = compaction.Result{
			Summary:         digestEntries(append(prep.DroppedEntries, prep.SplitTurnPrefix...), prep.PreviousSummary),
			CutPointEntryID: prep.FirstKeptEntryID,
			TokensBefore:    prep.TokensBefore,
			TokensAfter:     prep.TokensAfter,
		}
	}

	// The compaction.summary hook may rewrite the summary text.
	hookVerdict := k.reg.Hooks.Run(ctx, registry.HookCompactionSummary, map[string]any{
		"sessionId": sessionID, "summary": result.Summary,
	})
	if s, ok := hookVerdict.Patch["summary"].(string); ok && s != "" {
		result.Summary = s
	}

	if _, err := k.store.AppendCompaction(sessionID, sessionstore.CompactionAppend{
		Summary:         result.Summary,
		CutPointEntryID: result.CutPointEntryID,
		TokensBefore:    result.TokensBefore,
		TokensAfter:     result.TokensAfter,
		Reason:          string(reason),
	}); err != nil {
		k.log.Warn("compaction append failed", "session", sessionID, "error", err)
		return
	}

	k.bus.Emit(sessionID, protocol.EventSessionCompact, map[string]any{
		"reason": string(reason), "tokensBefore": result.TokensBefore, "tokensAfter": result.TokensAfter,
	})
}

// summarizeFunc builds the async summarize callback compaction.Compact
// expects, routed through the default LLM profile.
func (k *Kernel) summarizeFunc(sessionID string) compaction.SummarizeFunc {
	return func(ctx context.Context, req compaction.SummarizeRequest) (string, error) {
		route, err := k.reg.Routes.Resolve(k.routeConfig(), registry.RouteRequest{}, busEmitter{bus: k.bus, session: sessionID})
		if err != nil {
			return "", fmt.Errorf("kernel: summarize route: %w", err)
		}
		p, ok := k.provider(route.Provider)
		if !ok {
			return "", fmt.Errorf("kernel: summarize provider %q not registered", route.Provider)
		}

		prompt := compaction.DefaultSummaryPrompt
		if req.Mode == compaction.SummarizeModeTurnPrefix {
			prompt = compaction.TurnPrefixSummaryPrompt
		}

		var b strings.Builder
		if req.PreviousSummary != "" {
			b.WriteString("Earlier summary:\n")
			b.WriteString(req.PreviousSummary)
			b.WriteString("\n\n")
		}
		b.WriteString("Messages to summarize:\n")
		b.WriteString(renderEntries(req.Entries))

		resp, err := p.Chat(ctx, providers.ChatRequest{
			Model: route.Model,
			Messages: []providers.Message{
				{Role: "system", Content: prompt},
				{Role: "user", Content: b.String()},
			},
		})
		if err != nil {
			return "", err
		}
		return stripSummaryTags(resp.Content), nil
	}
}

// previousSummary returns the latest compaction's summary, carried through
// to the next compaction so nothing summarized earlier is lost.
func previousSummary(entries []sessionstore.Entry) string {
	for i := len(entries) - 1; i >= 0; i-- {
		if entries[i].Type == sessionstore.EntryTypeCompaction {
			return entries[i].Summary
		}
	}
	return ""
}

// entriesSinceLastCompaction returns the live window used for token
// measurement: everything after the latest cut point.
func entriesSinceLastCompaction(entries []sessionstore.Entry) []sessionstore.Entry {
	for i := len(entries) - 1; i >= 0; i-- {
		if entries[i].Type == sessionstore.EntryTypeCompaction {
			cut := entries[i].CutPointEntryID
			for j, e := range entries {
				if e.ID == cut {
					return entries[j:]
				}
			}
			return entries[i+1:]
		}
	}
	return entries
}

// renderEntries flattens entries into a plain transcript for the summarizer.
func renderEntries(entries []sessionstore.Entry) string {
	var b strings.Builder
	for _, e := range entries {
		switch e.Type {
		case sessionstore.EntryTypeMessage:
			fmt.Fprintf(&b, "[%s] %s\n", e.Role, snippet(e.Text, 2000))
		case sessionstore.EntryTypeToolCall:
			if e.ToolCall != nil {
				fmt.Fprintf(&b, "[tool_call] %s %s\n", e.ToolCall.Name, snippet(e.ToolCall.Arguments, 400))
			}
		}
	}
	return b.String()
}

// digestEntries is the mechanical fallback summary when the LLM summarize
// call fails: compaction must never wedge the loop.
func digestEntries(entries []sessionstore.Entry, prev string) string {
	var b strings.Builder
	if prev != "" {
		b.WriteString(prev)
		b.WriteString("\n\n")
	}
	b.WriteString("Earlier in this session:\n")
	for _, e := range entries {
		if e.Type == sessionstore.EntryTypeMessage && e.Text != "" {
			fmt.Fprintf(&b, "- %s: %s\n", e.Role, snippet(e.Text, 160))
		}
	}
	return strings.TrimSpace(b.String())
}

// stripSummaryTags unwraps a <summary>...</summary> response; the store's
// view builder re-adds the enclosing marker exactly once per send.
func stripSummaryTags(s string) string {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "<summary>")
	s = strings.TrimSuffix(s, "</summary>")
	return strings.TrimSpace(s)
}
