package kernel

import (
	"math/rand"
	"strings"
	"time"

	"github.com/nextlevelbuilder/webbrain/internal/kernelerr"
	"github.com/nextlevelbuilder/webbrain/internal/registry"
)

// EndAction is handleAgentEnd's verdict on how the loop proceeds after a
// failed LLM call.
type EndAction string

const (
	ActionRetry         EndAction = "retry"
	ActionContinue      EndAction = "continue" // compact, then resume
	ActionEscalate      EndAction = "escalate"
	ActionDone          EndAction = "done"
	ActionFailedExecute EndAction = "failed_execute"
)

// AgentEndInput carries everything the decision needs.
type AgentEndInput struct {
	Err             error
	Overflow        bool
	Attempt         int // retries already burned on this call
	MaxAttempts     int
	FailStreak      int // consecutive failed calls on the current profile
	CurrentProfile  string
	OrderedProfiles []string
	Policy          string // escalation policy
	Stopped         bool
}

// AgentEndDecision is the loop's next move.
type AgentEndDecision struct {
	Action EndAction `json:"action"`
	Reason string    `json:"reason,omitempty"`
}

// HandleAgentEnd classifies a failed iteration. Overflow never retries — it
// always compacts and continues. Retryable transport errors back off up to
// MaxAttempts; persistent failure consults the profile chain. A user stop is
// never reinterpreted as something to recover from.
func HandleAgentEnd(in AgentEndInput) AgentEndDecision {
	if in.Stopped {
		return AgentEndDecision{Action: ActionDone, Reason: "stopped"}
	}
	if in.Overflow {
		return AgentEndDecision{Action: ActionContinue, Reason: "overflow"}
	}
	if in.Err == nil {
		return AgentEndDecision{Action: ActionDone}
	}

	if isRetryableTransport(in.Err) && in.Attempt < in.MaxAttempts {
		return AgentEndDecision{Action: ActionRetry, Reason: "transport"}
	}

	// Retries exhausted (or non-retryable failure repeated): try the chain.
	decision := registry.DecideProfileEscalation(registry.DecideProfileEscalationInput{
		OrderedProfiles: in.OrderedProfiles,
		CurrentProfile:  in.CurrentProfile,
		RepeatedFailure: in.FailStreak > 0,
		Policy:          in.Policy,
	})
	switch decision.Verdict {
	case registry.EscalationEscalate:
		return AgentEndDecision{Action: ActionEscalate, Reason: decision.NextProfile}
	default:
		return AgentEndDecision{Action: ActionFailedExecute, Reason: decision.Reason}
	}
}

// isRetryableTransport reports whether err is a transport-kind failure
// (network timeout, 5xx, disconnect) per the fixed mapping in the error
// taxonomy.
func isRetryableTransport(err error) bool {
	if kernelerr.IsRetryable(err) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range []string{
		"status 500", "status 502", "status 503", "status 504",
		"timeout", "timed out", "connection refused", "connection reset",
		"eof", "temporar", "deadline exceeded",
	} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

// isOverflowError reports whether err is the model telling us the context
// is too long — authoritative for compaction regardless of threshold.
func isOverflowError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range []string{
		"overflow", "context length", "context_length_exceeded",
		"maximum context", "prompt is too long", "too many tokens",
	} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

// retryDelay computes exponential backoff with jitter for the given attempt,
// capped at capMs.
func retryDelay(attempt, capMs int) time.Duration {
	if capMs <= 0 {
		capMs = 30_000
	}
	base := 500 * (1 << uint(attempt))
	if base > capMs {
		base = capMs
	}
	jitter := rand.Intn(base/2 + 1)
	return time.Duration(base/2+jitter) * time.Millisecond
}
