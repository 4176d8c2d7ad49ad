package sessionstore

import (
	"reflect"
	"regexp"
	"testing"

	"github.com/nextlevelbuilder/webbrain/internal/providers"
)

var wireCallID = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

// checkPairing asserts the invariant: every tool message has a
// preceding assistant tool_call with the same id, and every assistant
// tool_call has a following tool result.
func checkPairing(t *testing.T, msgs []providers.Message) {
	t.Helper()
	open := map[string]bool{}
	for i, m := range msgs {
		switch {
		case m.Role == RoleAssistant && len(m.ToolCalls) > 0:
			for _, c := range m.ToolCalls {
				if !wireCallID.MatchString(c.ID) {
					t.Fatalf("msg %d: call id %q not normalized", i, c.ID)
				}
				open[c.ID] = true
			}
		case m.Role == RoleTool:
			if !open[m.ToolCallID] {
				t.Fatalf("msg %d: tool result %q has no preceding assistant tool_call", i, m.ToolCallID)
			}
			delete(open, m.ToolCallID)
		default:
			if len(open) > 0 {
				t.Fatalf("msg %d: turn moved on with unresolved tool_calls %v", i, open)
			}
		}
	}
	if len(open) > 0 {
		t.Fatalf("unresolved tool_calls at end: %v", open)
	}
}

func TestStitchSynthesizesMissingAssistant(t *testing.T) {
	view := []providers.Message{
		{Role: RoleUser, Content: "q"},
		{Role: RoleTool, Content: "orphan result", ToolCallID: "c9"},
		{Role: RoleAssistant, Content: "answer"},
	}
	out := StitchForSend(view)
	checkPairing(t, out)

	if out[1].Role != RoleAssistant || len(out[1].ToolCalls) != 1 || out[1].ToolCalls[0].ID != "c9" {
		t.Fatalf("expected synthesized assistant before the orphan tool message, got %+v", out[1])
	}
	if out[1].Content != "" {
		t.Fatalf("synthesized assistant must carry empty content, got %q", out[1].Content)
	}
}

func TestStitchSynthesizesMissingResult(t *testing.T) {
	view := []providers.Message{
		{Role: RoleUser, Content: "q"},
		{Role: RoleAssistant, ToolCalls: []providers.ToolCall{{ID: "c1", Name: "exec"}}},
		{Role: RoleAssistant, Content: "moved on"},
	}
	out := StitchForSend(view)
	checkPairing(t, out)

	if out[2].Role != RoleTool || out[2].ToolCallID != "c1" || out[2].Content != "No result provided" {
		t.Fatalf("expected synthesized 'No result provided' result, got %+v", out[2])
	}
}

func TestStitchNormalizesIDsDeterministically(t *testing.T) {
	weird := "call id with spaces/and:junk!"
	view := []providers.Message{
		{Role: RoleAssistant, ToolCalls: []providers.ToolCall{{ID: weird, Name: "exec"}}},
		{Role: RoleTool, Content: "done", ToolCallID: weird},
	}
	out1 := StitchForSend(view)
	out2 := StitchForSend(view)
	checkPairing(t, out1)

	if !reflect.DeepEqual(out1, out2) {
		t.Fatal("expected deterministic normalization (same input, same output)")
	}
	if out1[0].ToolCalls[0].ID != out1[1].ToolCallID {
		t.Fatal("normalized assistant call id and tool reference diverged")
	}

	// Normalization is stable for already-valid ids.
	if NormalizeCallID("ok_id-123") != "ok_id-123" {
		t.Fatal("valid ids must pass through untouched")
	}
	// Over-long ids collapse to a stable hash form.
	long := make([]byte, 100)
	for i := range long {
		long[i] = 'a'
	}
	n1, n2 := NormalizeCallID(string(long)), NormalizeCallID(string(long))
	if n1 != n2 || !wireCallID.MatchString(n1) {
		t.Fatalf("expected stable normalized form, got %q / %q", n1, n2)
	}
}

func TestStitchedViewFromLogSatisfiesInvariant(t *testing.T) {
	fs := newStore(t, t.TempDir())
	header, _ := fs.CreateSession(Header{})
	fs.AppendMessage(header.ID, MessageAppend{Role: RoleUser, Text: "q"})
	asst, _ := fs.AppendMessage(header.ID, MessageAppend{Role: RoleAssistant, Text: ""})
	fs.AppendToolCall(header.ID, asst.ID, ToolCallSpec{ID: "c1", Name: "read_file", Arguments: `{}`})
	// No tool result recorded: the run died mid-turn.
	fs.AppendMessage(header.ID, MessageAppend{Role: RoleUser, Text: "retry please"})

	entries, _ := fs.GetEntries(header.ID)
	out := StitchForSend(BuildConversationView(entries))
	checkPairing(t, out)
}

func TestStitchEmitsSummaryPreambleOnce(t *testing.T) {
	fs := newStore(t, t.TempDir())
	header, _ := fs.CreateSession(Header{})
	fs.AppendMessage(header.ID, MessageAppend{Role: RoleUser, Text: "one"})
	kept, _ := fs.AppendMessage(header.ID, MessageAppend{Role: RoleUser, Text: "two"})
	fs.AppendCompaction(header.ID, CompactionAppend{Summary: "s1", CutPointEntryID: kept.ID, Reason: "threshold"})
	fs.AppendCompaction(header.ID, CompactionAppend{Summary: "s2", CutPointEntryID: kept.ID, Reason: "manual"})

	entries, _ := fs.GetEntries(header.ID)
	out := StitchForSend(BuildConversationView(entries))

	preambles := 0
	for _, m := range out {
		if len(m.Content) > 9 && m.Content[:9] == "<summary>" {
			preambles++
		}
	}
	if preambles != 1 {
		t.Fatalf("expected exactly one summary preamble per send, got %d", preambles)
	}
}
