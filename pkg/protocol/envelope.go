package protocol

import "encoding/json"

// Request is the envelope for every client→kernel message on the Message
// API: "every request is {type, ...}". Payload fields beyond Type are
// method-specific and decoded from Raw by the handler registered for Type.
type Request struct {
	Type string          `json:"type"`
	ID   string          `json:"id,omitempty"`
	Raw  json.RawMessage `json:"-"`
}

// UnmarshalJSON captures the full payload in Raw while still exposing Type
// and ID, so handlers can re-decode Raw into their own concrete request
// struct without the caller needing a type switch over every method.
func (r *Request) UnmarshalJSON(data []byte) error {
	var head struct {
		Type string `json:"type"`
		ID   string `json:"id,omitempty"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return err
	}
	r.Type = head.Type
	r.ID = head.ID
	r.Raw = append(json.RawMessage(nil), data...)
	return nil
}

// Response is the envelope for every kernel→client message:
// "every response is {ok, data?, error?}".
type Response struct {
	ID        string          `json:"id,omitempty"`
	OK        bool            `json:"ok"`
	Data      any             `json:"data,omitempty"`
	Error     string          `json:"error,omitempty"`
	ErrorCode string          `json:"errorCode,omitempty"`
	Details   json.RawMessage `json:"details,omitempty"`
}

// Ok builds a successful Response carrying data.
func Ok(id string, data any) Response {
	return Response{ID: id, OK: true, Data: data}
}

// Err builds a failed Response carrying a stable error code and message,
// per : "every failure carries a stable errorCode and a human message."
func Err(id, code, message string) Response {
	return Response{ID: id, OK: false, Error: message, ErrorCode: code}
}

// EventFrame is a server-pushed, out-of-band message not tied to a specific
// request id — connection lifecycle and session trace fan-out.
type EventFrame struct {
	Type    string `json:"type"`
	Event   string `json:"event"`
	Session string `json:"session,omitempty"`
	Data    any    `json:"data,omitempty"`
}
