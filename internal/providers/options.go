package providers

// Option keys understood by ChatRequest.Options. Providers pick out the keys
// they support and ignore the rest; DashScope-specific passthrough keys ride
// the same map.
const (
	OptMaxTokens       = "max_tokens"
	OptTemperature     = "temperature"
	OptThinkingLevel   = "thinking_level"
	OptReasoningEffort = "reasoning_effort"
	OptEnableThinking  = "enable_thinking"
	OptThinkingBudget  = "thinking_budget"
)

// ThinkingCapable is implemented by providers that support extended
// thinking; callers feature-detect before setting OptThinkingLevel.
type ThinkingCapable interface {
	SupportsThinking() bool
}
