package protocol

// Generic transport-level method names, independent of the brain's own
// request vocabulary (see brain.go).
const (
	MethodConnect = "connect"
	MethodHealth  = "health"
	MethodStatus  = "status"
)

// ProtocolVersion is bumped whenever the wire shape of a request/response
// envelope changes in a way clients must be aware of.
const ProtocolVersion = 1
