package compaction

import "github.com/nextlevelbuilder/webbrain/internal/sessionstore"

// TokenEstimator estimates the token cost of an entry sequence. Prefer the
// last observed prompt-token count from a provider's Usage when available,
// falling back to a ~4-chars-per-token heuristic with a floor — never a
// naive len/4 with no floor, which undercounts short tool-heavy turns.
type TokenEstimator interface {
	Estimate(entries []sessionstore.Entry) int
}

// HeuristicEstimator is the fallback estimator used when no calibration
// data (a recent provider Usage reading) is available.
type HeuristicEstimator struct{}

const (
	charsPerToken  = 4
	minTokenFloor  = 16 // a single short entry is never "0 tokens"
)

func (HeuristicEstimator) Estimate(entries []sessionstore.Entry) int {
	chars := 0
	for _, e := range entries {
		chars += len(e.Text) + len(e.Summary)
		if e.ToolCall != nil {
			chars += len(e.ToolCall.Name) + len(e.ToolCall.Arguments)
		}
	}
	tokens := chars / charsPerToken
	if tokens < minTokenFloor && chars > 0 {
		tokens = minTokenFloor
	}
	return tokens
}

// CalibratedEstimator estimates from a provider's last reported
// PromptTokens: the observed tokens per entry (LastPromptTokens /
// LastEntryCount) times the number of entries measured, with the same
// floor as the heuristic. Without calibration data it returns the chars/4
// heuristic estimate.
type CalibratedEstimator struct {
	LastPromptTokens int
	LastEntryCount   int
	fallback         HeuristicEstimator
}

func NewCalibratedEstimator(lastPromptTokens, lastEntryCount int) *CalibratedEstimator {
	return &CalibratedEstimator{LastPromptTokens: lastPromptTokens, LastEntryCount: lastEntryCount}
}

func (c *CalibratedEstimator) Estimate(entries []sessionstore.Entry) int {
	heuristic := c.fallback.Estimate(entries)
	if c.LastPromptTokens <= 0 || c.LastEntryCount <= 0 {
		return heuristic
	}
	// Average tokens-per-entry observed from the last real API response,
	// scaled to this entry count — closer to ground truth than chars/4 for
	// conversations dominated by tool-call/result entries, which tokenize
	// very differently from prose.
	perEntry := float64(c.LastPromptTokens) / float64(c.LastEntryCount)
	scaled := int(perEntry * float64(len(entries)))
	if scaled < minTokenFloor && len(entries) > 0 {
		scaled = minTokenFloor
	}
	return scaled
}
