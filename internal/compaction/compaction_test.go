package compaction

import (
	"context"
	"reflect"
	"testing"

	"github.com/nextlevelbuilder/webbrain/internal/sessionstore"
)

func msg(id, role, text string) sessionstore.Entry {
	return sessionstore.Entry{ID: id, Type: sessionstore.EntryTypeMessage, Role: role, Text: text}
}

func TestShouldCompactOverflowIsAuthoritative(t *testing.T) {
	cases := []ShouldCompactInput{
		{Overflow: true},
		{Overflow: true, ThresholdTokens: 1 << 30},
		{Overflow: true, MeasuredTokens: 0, ThresholdTokens: 999999},
	}
	for _, in := range cases {
		res := ShouldCompact(in)
		if !res.ShouldCompact || res.Reason != ReasonOverflow {
			t.Fatalf("overflow must compact regardless of threshold, got %+v for %+v", res, in)
		}
	}
}

func TestShouldCompactThresholdAndManual(t *testing.T) {
	if res := ShouldCompact(ShouldCompactInput{MeasuredTokens: 50, ThresholdTokens: 100}); res.ShouldCompact {
		t.Fatalf("below threshold must not compact, got %+v", res)
	}
	if res := ShouldCompact(ShouldCompactInput{MeasuredTokens: 150, ThresholdTokens: 100}); !res.ShouldCompact || res.Reason != ReasonThreshold {
		t.Fatalf("expected threshold reason, got %+v", res)
	}
	if res := ShouldCompact(ShouldCompactInput{Manual: true}); !res.ShouldCompact || res.Reason != ReasonManual {
		t.Fatalf("expected manual reason, got %+v", res)
	}
}

func TestFindCutPointSplitTurnLandsOnUser(t *testing.T) {
	entries := []sessionstore.Entry{
		msg("1", sessionstore.RoleUser, "q1"),
		msg("2", sessionstore.RoleAssistant, "a1"),
		msg("3", sessionstore.RoleUser, "q2"),
		msg("4", sessionstore.RoleAssistant, ""),
		msg("5", sessionstore.RoleTool, "result"),
		msg("6", sessionstore.RoleAssistant, "a2"),
	}

	// keepTail=2 would naively cut at index 4 (mid-turn); splitTurn slides
	// forward until the first kept entry is the user that opened the turn...
	// there is none after index 4, so the whole tail is dropped.
	idx := FindCutPoint(entries, 2, true)
	if idx != len(entries) {
		t.Fatalf("expected cut to slide past the turn fragments, got %d", idx)
	}

	// keepTail=4 naively keeps from index 2, which IS a user entry.
	idx = FindCutPoint(entries, 4, true)
	if idx != 2 || entries[idx].Role != sessionstore.RoleUser {
		t.Fatalf("expected cut on a user entry, got idx=%d role=%s", idx, entries[idx].Role)
	}

	// Invariant 3: whenever at least one user entry exists in the kept tail,
	// the first kept entry is a user message.
	for keep := 1; keep <= len(entries); keep++ {
		idx := FindCutPoint(entries, keep, true)
		if idx >= len(entries) {
			continue
		}
		if entries[idx].Type == sessionstore.EntryTypeMessage && entries[idx].Role != sessionstore.RoleUser {
			t.Fatalf("keepTail=%d: first kept entry is %s, not user", keep, entries[idx].Role)
		}
	}
}

func TestPrepareCompactionIsIdempotent(t *testing.T) {
	entries := []sessionstore.Entry{
		msg("1", sessionstore.RoleUser, "q1"),
		msg("2", sessionstore.RoleAssistant, "a1"),
		msg("3", sessionstore.RoleUser, "q2"),
		msg("4", sessionstore.RoleAssistant, "a2"),
	}
	p1 := PrepareCompaction(entries, "prev", 2, true, nil)
	p2 := PrepareCompaction(entries, "prev", 2, true, nil)
	if !reflect.DeepEqual(p1, p2) {
		t.Fatal("expected PrepareCompaction to be idempotent over its inputs")
	}
	if p1.PreviousSummary != "prev" {
		t.Fatalf("previousSummary must carry through, got %q", p1.PreviousSummary)
	}
	if p1.FirstKeptEntryID != "3" {
		t.Fatalf("expected first kept entry 3, got %q", p1.FirstKeptEntryID)
	}
	if p1.TokensBefore < p1.TokensAfter {
		t.Fatalf("tokensBefore (%d) should not be below tokensAfter (%d)", p1.TokensBefore, p1.TokensAfter)
	}
}

func TestCompactConcatenatesTurnPrefixSummary(t *testing.T) {
	entries := []sessionstore.Entry{
		msg("1", sessionstore.RoleUser, "q1"),
		msg("2", sessionstore.RoleAssistant, "a1"),
		msg("3", sessionstore.RoleUser, "q2"),
		msg("4", sessionstore.RoleAssistant, ""),
		msg("5", sessionstore.RoleTool, "result"),
		msg("6", sessionstore.RoleAssistant, "a2"),
	}
	// keepTail=2 naively keeps [5,6]; splitTurn slides to end, so entries
	// 5..6 become the turn_prefix... actually with no user after 4 the cut
	// lands at len(entries): everything naive-kept becomes prefix.
	prep := PrepareCompaction(entries, "", 2, true, nil)
	if len(prep.SplitTurnPrefix) == 0 {
		t.Fatalf("expected a non-empty turn prefix, got %+v", prep)
	}

	var modes []SummarizeMode
	result, err := Compact(context.Background(), prep, func(_ context.Context, req SummarizeRequest) (string, error) {
		modes = append(modes, req.Mode)
		if req.Mode == SummarizeModeHistory {
			return "HISTORY", nil
		}
		return "PREFIX", nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(modes) != 2 || modes[0] != SummarizeModeTurnPrefix || modes[1] != SummarizeModeHistory {
		t.Fatalf("expected turn_prefix then history summarize calls, got %v", modes)
	}
	if result.Summary != "HISTORY\n\nPREFIX" {
		t.Fatalf("expected concatenated summary, got %q", result.Summary)
	}
}

func TestCalibratedEstimatorPrefersObservedTokens(t *testing.T) {
	entries := []sessionstore.Entry{
		msg("1", sessionstore.RoleUser, "short"),
		msg("2", sessionstore.RoleAssistant, "short"),
	}
	heuristic := HeuristicEstimator{}.Estimate(entries)

	calibrated := NewCalibratedEstimator(10000, 2).Estimate(entries)
	if calibrated <= heuristic {
		t.Fatalf("expected calibration to dominate the chars/4 guess, got %d vs %d", calibrated, heuristic)
	}

	// Without calibration data it falls back to the heuristic.
	if got := NewCalibratedEstimator(0, 0).Estimate(entries); got != heuristic {
		t.Fatalf("expected heuristic fallback, got %d vs %d", got, heuristic)
	}
}
