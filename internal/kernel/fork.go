package kernel

import (
	"context"

	"github.com/nextlevelbuilder/webbrain/internal/kernelerr"
	"github.com/nextlevelbuilder/webbrain/internal/sessionstore"
)

// ForkRequest is brain.session.fork's payload. LeafID names the last source
// entry carried into the fork; SourceEntryID records what motivated the
// fork (the regenerated assistant message, the edited user message).
type ForkRequest struct {
	SessionID     string
	SourceEntryID string
	LeafID        string
	Reason        string
}

// Fork creates a new session whose log is the source's prefix up to and
// including LeafID. The source session is never touched.
func (k *Kernel) Fork(req ForkRequest) (sessionstore.Header, error) {
	entries, err := k.store.GetEntries(req.SessionID)
	if err != nil {
		return sessionstore.Header{}, err
	}

	cut := -1
	for i, e := range entries {
		if e.ID == req.LeafID {
			cut = i
			break
		}
	}
	if cut == -1 {
		return sessionstore.Header{}, kernelerr.Newf(kernelerr.CodeEntryNotFound, "leaf entry not found: %s", req.LeafID)
	}

	header, err := k.store.CreateSession(sessionstore.Header{
		ParentSessionID: req.SessionID,
		ForkedFrom: &sessionstore.ForkInfo{
			SessionID:     req.SessionID,
			LeafID:        req.LeafID,
			SourceEntryID: req.SourceEntryID,
			Reason:        req.Reason,
		},
	})
	if err != nil {
		return sessionstore.Header{}, err
	}

	for _, e := range entries[:cut+1] {
		switch e.Type {
		case sessionstore.EntryTypeMessage:
			_, err = k.store.AppendMessage(header.ID, sessionstore.MessageAppend{
				Role: e.Role, Text: e.Text, ToolCallID: e.ToolCallID, ToolName: e.ToolName,
			})
		case sessionstore.EntryTypeToolCall:
			if e.ToolCall != nil {
				_, err = k.store.AppendToolCall(header.ID, e.ParentID, *e.ToolCall)
			}
		case sessionstore.EntryTypeCompaction:
			_, err = k.store.AppendCompaction(header.ID, sessionstore.CompactionAppend{
				Summary: e.Summary, CutPointEntryID: e.CutPointEntryID,
				TokensBefore: e.TokensBefore, TokensAfter: e.TokensAfter, Reason: e.Reason,
			})
		}
		if err != nil {
			return sessionstore.Header{}, err
		}
	}
	return header, nil
}

// RegenerateRequest is brain.run.regenerate's payload.
type RegenerateRequest struct {
	SessionID             string
	SourceEntryID         string
	RequireSourceIsLeaf   bool
	RebaseLeafToPrevUser  bool
	AutoRun               bool
}

// Regenerate re-runs generation from an assistant entry. Because the log is
// append-only, regeneration forks the session at the entry preceding the
// source (or the previous user message when rebasing) and optionally starts
// a run on the fork.
func (k *Kernel) Regenerate(ctx context.Context, req RegenerateRequest) (StartResult, error) {
	entries, err := k.store.GetEntries(req.SessionID)
	if err != nil {
		return StartResult{}, err
	}

	srcIdx := -1
	for i, e := range entries {
		if e.ID == req.SourceEntryID {
			srcIdx = i
			break
		}
	}
	if srcIdx == -1 {
		return StartResult{}, kernelerr.Newf(kernelerr.CodeEntryNotFound, "source entry not found: %s", req.SourceEntryID)
	}
	src := entries[srcIdx]
	if src.Type != sessionstore.EntryTypeMessage || src.Role != sessionstore.RoleAssistant {
		return StartResult{}, kernelerr.New(kernelerr.CodeArgs, "regenerate source must be an assistant message")
	}
	if req.RequireSourceIsLeaf && srcIdx != lastMessageIndex(entries) {
		return StartResult{}, kernelerr.New(kernelerr.CodeArgs, "regenerate source is not the leaf")
	}

	leafIdx := srcIdx - 1
	if req.RebaseLeafToPrevUser {
		for leafIdx >= 0 {
			e := entries[leafIdx]
			if e.Type == sessionstore.EntryTypeMessage && e.Role == sessionstore.RoleUser {
				break
			}
			leafIdx--
		}
	}
	if leafIdx < 0 {
		return StartResult{}, kernelerr.New(kernelerr.CodeArgs, "nothing precedes the regenerate source")
	}

	header, err := k.Fork(ForkRequest{
		SessionID:     req.SessionID,
		SourceEntryID: req.SourceEntryID,
		LeafID:        entries[leafIdx].ID,
		Reason:        "regenerate",
	})
	if err != nil {
		return StartResult{}, err
	}

	if !req.AutoRun {
		return StartResult{SessionID: header.ID}, nil
	}
	return k.Start(ctx, StartRequest{SessionID: header.ID, AutoRun: true})
}

// EditRerun re-runs from an edited user message: editing the latest user
// message retries in place (the new prompt is appended to the same
// session); editing a historical user message forks first.
func (k *Kernel) EditRerun(ctx context.Context, sessionID, sourceEntryID, prompt string) (StartResult, error) {
	entries, err := k.store.GetEntries(sessionID)
	if err != nil {
		return StartResult{}, err
	}

	srcIdx := -1
	for i, e := range entries {
		if e.ID == sourceEntryID {
			srcIdx = i
			break
		}
	}
	if srcIdx == -1 {
		return StartResult{}, kernelerr.Newf(kernelerr.CodeEntryNotFound, "source entry not found: %s", sourceEntryID)
	}
	src := entries[srcIdx]
	if src.Type != sessionstore.EntryTypeMessage || src.Role != sessionstore.RoleUser {
		return StartResult{}, kernelerr.New(kernelerr.CodeArgs, "edit_rerun source must be a user message")
	}

	if srcIdx == lastUserIndex(entries) {
		// Latest user message ⇒ retry on the same session.
		return k.Start(ctx, StartRequest{SessionID: sessionID, Prompt: prompt, AutoRun: true})
	}

	// Historical user message ⇒ fork just before it, then run the edit.
	if srcIdx == 0 {
		header, err := k.store.CreateSession(sessionstore.Header{
			ParentSessionID: sessionID,
			ForkedFrom: &sessionstore.ForkInfo{
				SessionID: sessionID, SourceEntryID: sourceEntryID, Reason: "edit_rerun",
			},
		})
		if err != nil {
			return StartResult{}, err
		}
		return k.Start(ctx, StartRequest{SessionID: header.ID, Prompt: prompt, AutoRun: true})
	}

	header, err := k.Fork(ForkRequest{
		SessionID:     sessionID,
		SourceEntryID: sourceEntryID,
		LeafID:        entries[srcIdx-1].ID,
		Reason:        "edit_rerun",
	})
	if err != nil {
		return StartResult{}, err
	}
	return k.Start(ctx, StartRequest{SessionID: header.ID, Prompt: prompt, AutoRun: true})
}

func lastMessageIndex(entries []sessionstore.Entry) int {
	for i := len(entries) - 1; i >= 0; i-- {
		if entries[i].Type == sessionstore.EntryTypeMessage {
			return i
		}
	}
	return -1
}

func lastUserIndex(entries []sessionstore.Entry) int {
	for i := len(entries) - 1; i >= 0; i-- {
		e := entries[i]
		if e.Type == sessionstore.EntryTypeMessage && e.Role == sessionstore.RoleUser {
			return i
		}
	}
	return -1
}
