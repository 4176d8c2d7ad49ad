package sessionstore

import "encoding/json"

// argsToMap decodes a tool call's JSON-encoded arguments string into the
// map shape providers.ToolCall expects. An empty or malformed string decodes
// to an empty map rather than failing the whole conversation view.
func argsToMap(args string) map[string]interface{} {
	if args == "" {
		return map[string]interface{}{}
	}
	var m map[string]interface{}
	if err := json.Unmarshal([]byte(args), &m); err != nil {
		return map[string]interface{}{}
	}
	return m
}

// argsToString encodes a tool call's arguments map back to its JSON string
// form for storage in an Entry.
func argsToString(args map[string]interface{}) string {
	if len(args) == 0 {
		return "{}"
	}
	b, err := json.Marshal(args)
	if err != nil {
		return "{}"
	}
	return string(b)
}
