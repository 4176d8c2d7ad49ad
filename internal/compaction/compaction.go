// Package compaction implements the pure compaction decision/cut-point/
// summarize pipeline: shouldCompact, findCutPoint, prepareCompaction,
// compact. Every function here is a pure function over an entry sequence —
// no I/O, no session-store dependency — so the whole pipeline is testable
// without a kernel or a provider in the loop.
package compaction

import (
	"context"
	"fmt"
	"strings"

	"github.com/nextlevelbuilder/webbrain/internal/sessionstore"
)

// Reason is why a compaction was triggered.
type Reason string

const (
	ReasonOverflow  Reason = "overflow"
	ReasonThreshold Reason = "threshold"
	ReasonManual    Reason = "manual"
)

// ShouldCompactInput is the input to ShouldCompact.
type ShouldCompactInput struct {
	MeasuredTokens  int
	ThresholdTokens int
	Overflow        bool // model reported a context-length error
	Manual          bool // caller is forcing a compaction regardless of the threshold
}

// ShouldCompactResult is ShouldCompact's verdict.
type ShouldCompactResult struct {
	ShouldCompact bool
	Reason        Reason
}

// ShouldCompact decides whether to compact. Overflow is authoritative: it compacts even if below the soft threshold, regardless of
// ThresholdTokens. A manual request compacts only if there's something to
// compact is left to the caller (prepareCompaction is the one that can
// legitimately say "nothing to cut").
func ShouldCompact(in ShouldCompactInput) ShouldCompactResult {
	if in.Overflow {
		return ShouldCompactResult{ShouldCompact: true, Reason: ReasonOverflow}
	}
	if in.ThresholdTokens > 0 && in.MeasuredTokens >= in.ThresholdTokens {
		return ShouldCompactResult{ShouldCompact: true, Reason: ReasonThreshold}
	}
	if in.Manual {
		return ShouldCompactResult{ShouldCompact: true, Reason: ReasonManual}
	}
	return ShouldCompactResult{ShouldCompact: false}
}

// FindCutPoint walks from the end of entries, keeping at least keepTail
// non-compaction entries. If splitTurn is set, the cut slides forward until
// the first kept entry is a user message, so an assistant+tool turn is
// never split from the user message that started it.
// Returns the index into entries of the first kept entry, or len(entries)
// if there is nothing worth keeping (keepTail <= 0 and no user boundary
// found forces the whole tail to be dropped).
func FindCutPoint(entries []sessionstore.Entry, keepTail int, splitTurn bool) int {
	nonCompaction := 0
	idx := len(entries)
	for idx > 0 {
		e := entries[idx-1]
		if e.Type == sessionstore.EntryTypeCompaction {
			idx--
			continue
		}
		if nonCompaction >= keepTail {
			break
		}
		nonCompaction++
		idx--
	}

	if !splitTurn {
		return idx
	}

	// Slide forward until the first kept non-compaction entry is a user
	// message, so the turn it opened stays whole.
	for idx < len(entries) {
		e := entries[idx]
		if e.Type == sessionstore.EntryTypeCompaction {
			idx++
			continue
		}
		if e.Type == sessionstore.EntryTypeMessage && e.Role == sessionstore.RoleUser {
			return idx
		}
		idx++
	}
	return len(entries)
}

// Preparation is the result of PrepareCompaction: everything compact()
// needs to produce a final summary, without having called an LLM yet.
type Preparation struct {
	DroppedEntries    []sessionstore.Entry
	KeptEntries       []sessionstore.Entry
	FirstKeptEntryID  string
	PreviousSummary   string
	TokensBefore      int
	TokensAfter       int
	SplitTurnPrefix   []sessionstore.Entry // dropped entries belonging to the kept turn's earlier messages
}

// PrepareCompaction is idempotent over (entries, previousSummary, keepTail,
// splitTurn): calling it twice with the same
// inputs yields an equal Preparation.
func PrepareCompaction(entries []sessionstore.Entry, previousSummary string, keepTail int, splitTurn bool, estimator TokenEstimator) Preparation {
	naiveCut := FindCutPoint(entries, keepTail, false)
	actualCut := naiveCut
	if splitTurn {
		actualCut = FindCutPoint(entries, keepTail, true)
	}
	if actualCut < naiveCut {
		actualCut = naiveCut
	}

	dropped := append([]sessionstore.Entry(nil), entries[:naiveCut]...)
	var turnPrefix []sessionstore.Entry
	if actualCut > naiveCut {
		turnPrefix = append([]sessionstore.Entry(nil), entries[naiveCut:actualCut]...)
	}
	kept := append([]sessionstore.Entry(nil), entries[actualCut:]...)

	var firstKeptID string
	if len(kept) > 0 {
		firstKeptID = kept[0].ID
	}

	if estimator == nil {
		estimator = HeuristicEstimator{}
	}

	return Preparation{
		DroppedEntries:   dropped,
		SplitTurnPrefix:  turnPrefix,
		KeptEntries:      kept,
		FirstKeptEntryID: firstKeptID,
		PreviousSummary:  previousSummary,
		TokensBefore:     estimator.Estimate(entries),
		TokensAfter:      estimator.Estimate(kept),
	}
}

// SummarizeMode distinguishes the two kinds of summarize calls compact()
// may issue: a full-history summary of the dropped prefix, and — when
// the cut falls inside a turn boundary — a short turn_prefix sub-summary of
// the portion of the kept turn that still needs to be folded in.
type SummarizeMode string

const (
	SummarizeModeHistory    SummarizeMode = "history"
	SummarizeModeTurnPrefix SummarizeMode = "turn_prefix"
)

// SummarizeRequest is passed to the caller-supplied summarize function.
type SummarizeRequest struct {
	Mode            SummarizeMode
	Entries         []sessionstore.Entry
	PreviousSummary string
}

// SummarizeFunc generates a natural-language summary for a SummarizeRequest,
// typically by calling an LLM provider with DefaultSummaryPrompt.
type SummarizeFunc func(ctx context.Context, req SummarizeRequest) (string, error)

// Result is the final output of compact(), ready for AppendCompaction.
type Result struct {
	Summary         string
	CutPointEntryID string
	TokensBefore    int
	TokensAfter     int
}

// Compact takes a Preparation and an async summarize callback and produces
// the final combined summary. When splitTurn left dropped entries that
// belong to the kept turn (i.e. the turn_prefix is non-empty), a
// turn_prefix sub-summary is generated first and concatenated with the
// history summary so the kept turn's earlier messages are not silently
// lost.
func Compact(ctx context.Context, prep Preparation, summarize SummarizeFunc) (Result, error) {
	var turnSummary string
	if len(prep.SplitTurnPrefix) > 0 {
		s, err := summarize(ctx, SummarizeRequest{
			Mode:    SummarizeModeTurnPrefix,
			Entries: prep.SplitTurnPrefix,
		})
		if err != nil {
			return Result{}, fmt.Errorf("compaction: turn_prefix summarize: %w", err)
		}
		turnSummary = strings.TrimSpace(s)
	}

	historySummary, err := summarize(ctx, SummarizeRequest{
		Mode:            SummarizeModeHistory,
		Entries:         prep.DroppedEntries,
		PreviousSummary: prep.PreviousSummary,
	})
	if err != nil {
		return Result{}, fmt.Errorf("compaction: history summarize: %w", err)
	}

	combined := strings.TrimSpace(historySummary)
	if len(prep.SplitTurnPrefix) > 0 {
		combined = strings.TrimSpace(combined + "\n\n" + turnSummary)
	}

	return Result{
		Summary:         combined,
		CutPointEntryID: prep.FirstKeptEntryID,
		TokensBefore:    prep.TokensBefore,
		TokensAfter:     prep.TokensAfter,
	}, nil
}

// DefaultSummaryPrompt is the five-section structured summarization prompt
// (Task Overview / Current State / Important Discoveries / Next Steps /
// Context to Preserve), wrapped in <summary> tags so the compaction
// preamble carries an enclosing marker.
const DefaultSummaryPrompt = `You have been operating on a browser session and/or local filesystem but have not finished the requested work. Write a continuation summary so a future context window can resume without the history you are about to lose. Wrap the whole thing in <summary></summary> tags and cover:

1. Task Overview — the user's request and what "done" looks like.
2. Current State — pages visited, elements interacted with, files created or edited (with paths/URLs), and any in-progress navigation.
3. Important Discoveries — site quirks, selectors that worked or failed, permission/auth constraints, errors and how they were handled.
4. Next Steps — the specific actions still needed, in priority order.
5. Context to Preserve — user preferences, promises made, anything not obvious from re-reading the page.

Be concise but complete.`

// TurnPrefixSummaryPrompt is the shorter variant used when the cut falls
// mid-turn: it summarizes only "the messages before the kept turn" rather
// than the whole dropped history.
const TurnPrefixSummaryPrompt = `Summarize, in a few sentences wrapped in <summary></summary> tags, only the messages below — they are the earlier part of a turn whose later messages are being kept verbatim, so do not repeat what a full history summary would already say.`
