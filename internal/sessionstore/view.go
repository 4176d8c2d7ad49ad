package sessionstore

import (
	"fmt"

	"github.com/nextlevelbuilder/webbrain/internal/providers"
)

// BuildConversationView derives a send-ready message sequence from the entry
// log. It is a pure projection — never materialized to disk —
// and calling it twice over the same entries yields an equal result.
//
// It scans entries from the latest compaction's cut point forward (if any); the latest
// compaction's summary is surfaced as a synthetic preamble message carrying
// an enclosing <summary> marker. The preamble uses role=user rather than
// assistant (to avoid being mistaken for model output) or system (to remain
// compatible with providers that constrain system-message placement).
func BuildConversationView(entries []Entry) []providers.Message {
	startIdx, preamble := latestCompactionPreamble(entries)

	var out []providers.Message
	if preamble != "" {
		out = append(out, providers.Message{
			Role:    RoleUser,
			Content: fmt.Sprintf("<summary>\n%s\n</summary>", preamble),
		})
	}

	pendingCalls := map[string][]ToolCallSpec{} // assistant entry id -> calls
	order := []string{}                          // preserves first-seen order of assistant ids with pending calls
	var assistantByID = map[string]*providers.Message{}

	flushAssistant := func(id string) {
		if msg, ok := assistantByID[id]; ok {
			for _, c := range pendingCalls[id] {
				msg.ToolCalls = append(msg.ToolCalls, c.ToWireToolCall())
			}
			out = append(out, *msg)
			delete(assistantByID, id)
			delete(pendingCalls, id)
		}
	}

	for i := startIdx; i < len(entries); i++ {
		e := entries[i]
		switch e.Type {
		case EntryTypeCompaction:
			// Only the latest compaction (handled above) matters for the view.
			continue
		case EntryTypeMessage:
			if e.Role == RoleAssistant {
				// Flush any previously pending assistant (shouldn't normally
				// happen — a new assistant message implies the prior one's
				// tool_calls were already resolved — but guards against
				// malformed logs).
				for _, pendingID := range order {
					flushAssistant(pendingID)
				}
				order = order[:0]

				msg := providers.Message{Role: e.Role, Content: e.Text}
				assistantByID[e.ID] = &msg
				order = append(order, e.ID)
			} else {
				// Any held-back assistant turn precedes its results: flush it
				// (with the tool_call entries collected so far) before this
				// message is emitted.
				for _, pendingID := range order {
					flushAssistant(pendingID)
				}
				order = order[:0]

				out = append(out, providers.Message{
					Role:       e.Role,
					Content:    e.Text,
					ToolCallID: e.ToolCallID,
				})
			}
		case EntryTypeToolCall:
			if e.ToolCall != nil {
				pendingCalls[e.ParentID] = append(pendingCalls[e.ParentID], *e.ToolCall)
			}
		}
	}
	for _, pendingID := range order {
		flushAssistant(pendingID)
	}

	return out
}

// latestCompactionPreamble finds the latest compaction entry (if any) and
// returns the index in entries to resume scanning from (the cut point, kept
// inclusive) plus the compaction's summary text. An empty or unknown cut
// point means everything before the compaction record was dropped, so the
// scan resumes just after it.
func latestCompactionPreamble(entries []Entry) (int, string) {
	for i := len(entries) - 1; i >= 0; i-- {
		if entries[i].Type == EntryTypeCompaction {
			c := entries[i]
			cutIdx := i + 1
			for j, e := range entries[:i] {
				if c.CutPointEntryID != "" && e.ID == c.CutPointEntryID {
					cutIdx = j
					break
				}
			}
			return cutIdx, c.Summary
		}
	}
	return 0, ""
}
