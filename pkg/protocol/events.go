package protocol

// Transport-level event names pushed from server to client over the
// Message API's WebSocket, distinct from the kernel-internal trace events
// in brain.go's EventXxx constants (those ride the per-session ring buffer
// and brain.step.stream; these are broadcast connection/session events).
const (
	EventConnectChallenge = "connect.challenge"
	EventHealth           = "health"
	EventShutdown         = "shutdown"

	// EventSession carries kernel trace events (see brain.go) fanned out to
	// any client subscribed to a session's live stream.
	EventSession = "session"
)
