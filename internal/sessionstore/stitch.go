package sessionstore

import (
	"crypto/sha1"
	"encoding/hex"
	"regexp"

	"github.com/nextlevelbuilder/webbrain/internal/providers"
)

var validCallID = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)
var invalidCallIDChar = regexp.MustCompile(`[^A-Za-z0-9_-]`)

// NormalizeCallID rewrites a tool-call id so it matches ^[A-Za-z0-9_-]{1,64}$.
// The same input always produces the same output, so a synthesized
// assistant tool_call and the original tool message that references it stay
// paired.
func NormalizeCallID(id string) string {
	if id == "" {
		id = "call"
	}
	if validCallID.MatchString(id) {
		return id
	}
	cleaned := invalidCallIDChar.ReplaceAllString(id, "_")
	if cleaned == "" || len(cleaned) > 64 || !validCallID.MatchString(cleaned) {
		sum := sha1.Sum([]byte(id))
		cleaned = "call_" + hex.EncodeToString(sum[:])[:16]
	}
	return cleaned
}

// StitchForSend transforms a conversation view into a sequence that
// satisfies the tool-calling wire contract before handing it to a
// provider. It:
//
//   - normalizes every tool_call id deterministically;
//   - synthesizes a minimal preceding assistant message for any `tool`
//     message that lacks one;
//   - synthesizes a "No result provided" tool message for any assistant
//     tool_call with no following result.
//
// The pass is pure: it normalizes a derived view at send time and never
// rewrites the underlying log.
func StitchForSend(view []providers.Message) []providers.Message {
	// Pass 1: normalize every call id in place (on a copy).
	msgs := make([]providers.Message, len(view))
	copy(msgs, view)
	for i := range msgs {
		if len(msgs[i].ToolCalls) > 0 {
			calls := make([]providers.ToolCall, len(msgs[i].ToolCalls))
			copy(calls, msgs[i].ToolCalls)
			for j := range calls {
				calls[j].ID = NormalizeCallID(calls[j].ID)
			}
			msgs[i].ToolCalls = calls
		}
		if msgs[i].Role == RoleTool {
			msgs[i].ToolCallID = NormalizeCallID(msgs[i].ToolCallID)
		}
	}

	// Pass 2: walk forward, tracking which tool_call ids are still
	// unresolved, inserting synthesized messages as needed.
	var out []providers.Message
	pending := map[string]bool{}
	pendingOrder := []string{}

	flushMissingResults := func() {
		for _, id := range pendingOrder {
			if pending[id] {
				out = append(out, providers.Message{
					Role:       RoleTool,
					Content:    "No result provided",
					ToolCallID: id,
				})
			}
		}
		pending = map[string]bool{}
		pendingOrder = nil
	}

	for _, m := range msgs {
		switch {
		case m.Role == RoleAssistant && len(m.ToolCalls) > 0:
			// A new assistant tool-call turn starts: any tool_calls still
			// pending from an earlier turn get synthesized results first,
			// since they can never be satisfied once the turn moves on.
			flushMissingResults()
			out = append(out, m)
			for _, c := range m.ToolCalls {
				pending[c.ID] = true
				pendingOrder = append(pendingOrder, c.ID)
			}
		case m.Role == RoleTool:
			if !pending[m.ToolCallID] {
				// No preceding assistant tool_calls entry references this
				// id — synthesize a minimal one just before the tool message.
				out = append(out, providers.Message{
					Role:    RoleAssistant,
					Content: "",
					ToolCalls: []providers.ToolCall{{
						ID:        m.ToolCallID,
						Name:      placeholderToolName(),
						Arguments: map[string]interface{}{},
					}},
				})
			}
			delete(pending, m.ToolCallID)
			out = append(out, m)
		default:
			flushMissingResults()
			out = append(out, m)
		}
	}
	flushMissingResults()

	return out
}

// placeholderToolName exists only to satisfy StitchForSend's synthesized-assistant
// fallback when providers.Message doesn't carry a tool name of its own; the
// session-store Entry that produced a tool message does carry ToolName, but
// by the time it reaches the wire view that information has been dropped in
// favor of the provider wire shape. Synthesized assistant calls use a
// placeholder name since the original is unrecoverable from a bare tool
// message.
func placeholderToolName() string { return "unknown_tool" }
