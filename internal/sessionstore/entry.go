// Package sessionstore implements the append-only session event log,
// its derived conversation-view projection, and the send-time message
// stitching pass. Persistence follows the atomic temp-file-then-rename
// pattern, with the log append-only so that compaction cut points and
// derived conversation views stay expressible.
package sessionstore

import (
	"time"

	"github.com/nextlevelbuilder/webbrain/internal/providers"
)

// EntryType discriminates the three entry variants from the data model.
type EntryType string

const (
	EntryTypeMessage    EntryType = "message"
	EntryTypeToolCall   EntryType = "tool_call"
	EntryTypeCompaction EntryType = "compaction"
)

// Role mirrors providers.Message's role values.
type Role = string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
	RoleSystem    Role = "system"
)

// ToolCallSpec is one pending-or-resolved tool invocation attached to an
// assistant turn, matching the wire shape of providers.ToolCall.
type ToolCallSpec struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"` // JSON-encoded arguments object
}

// ForkInfo records where a forked session branched from.
type ForkInfo struct {
	SessionID     string `json:"sessionId"`
	LeafID        string `json:"leafId"`
	SourceEntryID string `json:"sourceEntryId"`
	Reason        string `json:"reason"`
}

// Entry is one append-only log record. Only the fields relevant to its Type
// are populated; the rest are zero. Every entry carries a monotonically
// increasing Timestamp.
type Entry struct {
	ID        string    `json:"id"`
	Type      EntryType `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	ParentID  string    `json:"parentId,omitempty"`

	// message fields
	Role       Role   `json:"role,omitempty"`
	Text       string `json:"text,omitempty"`
	ToolCallID string `json:"toolCallId,omitempty"`
	ToolName   string `json:"toolName,omitempty"`

	// tool_call fields — an assistant-initiated pending call. ParentID is the
	// id of the assistant `message` entry this call belongs to; consecutive
	// tool_call entries sharing a ParentID are grouped into that assistant
	// message's tool_calls array at view-build time.
	ToolCall *ToolCallSpec `json:"toolCall,omitempty"`

	// compaction fields
	Summary         string `json:"summary,omitempty"`
	CutPointEntryID string `json:"cutPointEntryId,omitempty"`
	TokensBefore    int    `json:"tokensBefore,omitempty"`
	TokensAfter     int    `json:"tokensAfter,omitempty"`
	Reason          string `json:"reason,omitempty"` // overflow | threshold | manual
}

// Header is the Session Header from the data model: id, title with
// source tag, timestamps, and fork lineage.
type Header struct {
	ID            string    `json:"id"`
	Title         string    `json:"title,omitempty"`
	TitleSource   string    `json:"titleSource,omitempty"` // auto | manual
	CreatedAt     time.Time `json:"createdAt"`
	UpdatedAt     time.Time `json:"updatedAt"`
	ParentSessionID string  `json:"parentSessionId,omitempty"`
	ForkedFrom    *ForkInfo `json:"forkedFrom,omitempty"`
}

// IndexEntry is one row of the Session Index — a lightweight header summary
// kept separate from the log for cheap enumeration.
type IndexEntry struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Index is the persisted session:index document.
type Index struct {
	Version   int          `json:"version"`
	Sessions  []IndexEntry `json:"sessions"`
	UpdatedAt time.Time    `json:"updatedAt"`
}

// ToWireToolCall converts a ToolCallSpec to the provider wire shape.
func (t ToolCallSpec) ToWireToolCall() providers.ToolCall {
	return providers.ToolCall{ID: t.ID, Name: t.Name, Arguments: argsToMap(t.Arguments)}
}
