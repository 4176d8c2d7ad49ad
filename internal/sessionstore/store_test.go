package sessionstore

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"github.com/nextlevelbuilder/webbrain/internal/kernelerr"
)

func newStore(t *testing.T, dir string) *FileStore {
	t.Helper()
	fs, err := NewFileStore(dir, 3) // tiny pages so sharding is exercised
	if err != nil {
		t.Fatal(err)
	}
	return fs
}

func TestAppendAndReloadAcrossPages(t *testing.T) {
	dir := t.TempDir()
	fs := newStore(t, dir)

	header, err := fs.CreateSession(Header{})
	if err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 10; i++ {
		if _, err := fs.AppendMessage(header.ID, MessageAppend{Role: RoleUser, Text: "msg"}); err != nil {
			t.Fatal(err)
		}
	}

	// Reopen from disk: every entry recovers in order across page files.
	fs2 := newStore(t, dir)
	entries, err := fs2.GetEntries(header.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 10 {
		t.Fatalf("expected 10 entries after reload, got %d", len(entries))
	}
	for i := 1; i < len(entries); i++ {
		if entries[i].Timestamp.Before(entries[i-1].Timestamp) {
			t.Fatal("entries out of timestamp order after reload")
		}
	}
}

func TestDeleteSessionTombstoneRecovery(t *testing.T) {
	dir := t.TempDir()
	fs := newStore(t, dir)

	header, _ := fs.CreateSession(Header{})
	fs.AppendMessage(header.ID, MessageAppend{Role: RoleUser, Text: "x"})

	other, _ := fs.CreateSession(Header{})

	if err := fs.DeleteSession(header.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := fs.GetEntries(header.ID); err == nil {
		t.Fatal("expected deleted session to be gone")
	}

	// Simulate a crash mid-delete: tombstone present, meta still on disk.
	header3, _ := fs.CreateSession(Header{})
	tomb := filepath.Join(dir, header3.ID+".tombstone")
	if err := os.WriteFile(tomb, []byte(time.Now().Format(time.RFC3339)), 0o644); err != nil {
		t.Fatal(err)
	}

	fs2 := newStore(t, dir)
	if _, err := fs2.GetHeader(header3.ID); err == nil {
		t.Fatal("expected tombstoned session to be dropped on startup")
	}
	if _, err := fs2.GetHeader(other.ID); err != nil {
		t.Fatalf("expected untouched session to survive, got %v", err)
	}

	// The surviving index only references sessions with logs.
	list, _ := fs2.ListSessions()
	for _, ie := range list {
		if _, err := fs2.GetEntries(ie.ID); err != nil {
			t.Fatalf("index references session %s with no log: %v", ie.ID, err)
		}
	}
}

func TestSessionNotFoundCode(t *testing.T) {
	fs := newStore(t, t.TempDir())
	_, err := fs.GetEntries("nope")
	var ce *kernelerr.CodedError
	if !kernelerr.AsCoded(err, &ce) || ce.Code != kernelerr.CodeSessionNotFound {
		t.Fatalf("expected E_SESSION_NOT_FOUND, got %v", err)
	}
}

func TestBuildConversationViewIsPure(t *testing.T) {
	fs := newStore(t, t.TempDir())
	header, _ := fs.CreateSession(Header{})
	fs.AppendMessage(header.ID, MessageAppend{Role: RoleUser, Text: "q"})
	asst, _ := fs.AppendMessage(header.ID, MessageAppend{Role: RoleAssistant, Text: ""})
	fs.AppendToolCall(header.ID, asst.ID, ToolCallSpec{ID: "c1", Name: "read_file", Arguments: `{"path":"a"}`})
	fs.AppendMessage(header.ID, MessageAppend{Role: RoleTool, Text: "data", ToolCallID: "c1", ToolName: "read_file"})

	entries, _ := fs.GetEntries(header.ID)
	v1 := BuildConversationView(entries)
	v2 := BuildConversationView(entries)
	if !reflect.DeepEqual(v1, v2) {
		t.Fatal("expected BuildConversationView to be a pure function of the log")
	}
}

func TestViewSurfacesLatestCompactionAsUserPreamble(t *testing.T) {
	fs := newStore(t, t.TempDir())
	header, _ := fs.CreateSession(Header{})
	fs.AppendMessage(header.ID, MessageAppend{Role: RoleUser, Text: "old question"})
	fs.AppendMessage(header.ID, MessageAppend{Role: RoleAssistant, Text: "old answer"})
	kept, _ := fs.AppendMessage(header.ID, MessageAppend{Role: RoleUser, Text: "new question"})
	fs.AppendCompaction(header.ID, CompactionAppend{
		Summary: "they discussed the old thing", CutPointEntryID: kept.ID,
		TokensBefore: 100, TokensAfter: 10, Reason: "threshold",
	})

	entries, _ := fs.GetEntries(header.ID)
	view := BuildConversationView(entries)

	if len(view) != 2 {
		t.Fatalf("expected preamble + kept message, got %d messages: %+v", len(view), view)
	}
	if view[0].Role != RoleUser {
		t.Fatalf("expected user-role preamble, got %s", view[0].Role)
	}
	if view[0].Content != "<summary>\nthey discussed the old thing\n</summary>" {
		t.Fatalf("expected <summary>-wrapped preamble, got %q", view[0].Content)
	}
	if view[1].Content != "new question" {
		t.Fatalf("expected kept tail, got %q", view[1].Content)
	}
}

func TestViewGroupsToolCallsOntoAssistant(t *testing.T) {
	fs := newStore(t, t.TempDir())
	header, _ := fs.CreateSession(Header{})
	fs.AppendMessage(header.ID, MessageAppend{Role: RoleUser, Text: "do two things"})
	asst, _ := fs.AppendMessage(header.ID, MessageAppend{Role: RoleAssistant, Text: "on it"})
	fs.AppendToolCall(header.ID, asst.ID, ToolCallSpec{ID: "c1", Name: "read_file", Arguments: `{"path":"a"}`})
	fs.AppendToolCall(header.ID, asst.ID, ToolCallSpec{ID: "c2", Name: "read_file", Arguments: `{"path":"b"}`})
	fs.AppendMessage(header.ID, MessageAppend{Role: RoleTool, Text: "A", ToolCallID: "c1"})
	fs.AppendMessage(header.ID, MessageAppend{Role: RoleTool, Text: "B", ToolCallID: "c2"})

	entries, _ := fs.GetEntries(header.ID)
	view := BuildConversationView(entries)

	var assistant *int
	for i := range view {
		if view[i].Role == RoleAssistant {
			assistant = &i
			break
		}
	}
	if assistant == nil {
		t.Fatal("no assistant message in view")
	}
	if len(view[*assistant].ToolCalls) != 2 {
		t.Fatalf("expected both tool calls on the assistant message, got %+v", view[*assistant].ToolCalls)
	}
}
