package providers

// CleanSchemaForProvider strips JSON-schema keywords a given provider's
// validator rejects. Anthropic's tool schema validator is strict about
// top-level keys; Gemini-flavored OpenAI endpoints choke on $schema and
// additionalProperties. The input map is never mutated.
func CleanSchemaForProvider(provider string, params map[string]interface{}) map[string]interface{} {
	if params == nil {
		return map[string]interface{}{"type": "object"}
	}

	drop := map[string]bool{"$schema": true}
	switch {
	case provider == "anthropic":
		drop["additionalProperties"] = false
	default:
		drop["additionalProperties"] = true
	}

	out := make(map[string]interface{}, len(params))
	for k, v := range params {
		if drop[k] {
			continue
		}
		if sub, ok := v.(map[string]interface{}); ok {
			out[k] = CleanSchemaForProvider(provider, sub)
			continue
		}
		if list, ok := v.([]interface{}); ok {
			cleaned := make([]interface{}, len(list))
			for i, item := range list {
				if subm, ok := item.(map[string]interface{}); ok {
					cleaned[i] = CleanSchemaForProvider(provider, subm)
				} else {
					cleaned[i] = item
				}
			}
			out[k] = cleaned
			continue
		}
		out[k] = v
	}
	if _, ok := out["type"]; !ok {
		out["type"] = "object"
	}
	return out
}

// CleanToolSchemas renders tool definitions to the OpenAI wire shape with
// provider-appropriate schema cleaning applied.
func CleanToolSchemas(provider string, tools []ToolDefinition) []map[string]interface{} {
	out := make([]map[string]interface{}, 0, len(tools))
	for _, t := range tools {
		out = append(out, map[string]interface{}{
			"type": "function",
			"function": map[string]interface{}{
				"name":        t.Function.Name,
				"description": t.Function.Description,
				"parameters":  CleanSchemaForProvider(provider, t.Function.Parameters),
			},
		})
	}
	return out
}
