package contracts

// schema builds a JSON-schema object literal.
func schema(properties map[string]any, required ...string) map[string]any {
	s := map[string]any{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		req := make([]any, len(required))
		for i, r := range required {
			req[i] = r
		}
		s["required"] = req
	}
	return s
}

func str(desc string) map[string]any {
	return map[string]any{"type": "string", "description": desc}
}

func integer(desc string) map[string]any {
	return map[string]any{"type": "integer", "description": desc}
}

func boolean(desc string) map[string]any {
	return map[string]any{"type": "boolean", "description": desc}
}

// runtimeHint is the shared runtime selector on filesystem/process tools:
// browser targets the virtual in-page filesystem, local the bridge.
func runtimeHint() map[string]any {
	return map[string]any{
		"type":        "string",
		"enum":        []any{"browser", "local"},
		"description": "Where to execute: the in-browser virtual filesystem or the local bridge",
	}
}

// elementTarget is the anyOf selector shared by element-targeting browser
// tools: a snapshot uid, a snapshot ref, or a raw CDP backendNodeId.
func elementTarget(extra map[string]any, required ...string) map[string]any {
	props := map[string]any{
		"uid":           str("Element uid from the latest snapshot"),
		"ref":           str("Element ref number from the latest snapshot"),
		"backendNodeId": integer("Raw CDP backendNodeId"),
	}
	for k, v := range extra {
		props[k] = v
	}
	s := schema(props, required...)
	s["anyOf"] = []any{
		map[string]any{"required": []any{"uid"}},
		map[string]any{"required": []any{"ref"}},
		map[string]any{"required": []any{"backendNodeId"}},
	}
	return s
}

// builtinContracts ships the canonical filesystem, shell, and browser
// automation verbs.
func builtinContracts() []Contract {
	return []Contract{
		{
			Name:        "read_file",
			Description: "Read a file's contents from the local filesystem or the virtual in-browser filesystem.",
			Capability:  "fs.read",
			Runtime:     RuntimeLocal,
			Parameters: schema(map[string]any{
				"path":    str("File path (mem:// and vfs:// select the virtual namespace)"),
				"offset":  integer("Line offset to start from"),
				"limit":   integer("Maximum lines to return"),
				"runtime": runtimeHint(),
			}, "path"),
		},
		{
			Name:        "write_file",
			Description: "Write content to a file, creating it if needed.",
			Capability:  "fs.write",
			Runtime:     RuntimeLocal,
			Parameters: schema(map[string]any{
				"path":    str("File path (mem:// and vfs:// select the virtual namespace)"),
				"content": str("Full file content"),
				"runtime": runtimeHint(),
			}, "path", "content"),
		},
		{
			Name:        "edit_file",
			Description: "Replace an exact string in a file with another.",
			Capability:  "fs.write",
			Runtime:     RuntimeLocal,
			Parameters: schema(map[string]any{
				"path":       str("File path"),
				"old_string": str("Exact text to replace"),
				"new_string": str("Replacement text"),
				"runtime":    runtimeHint(),
			}, "path", "old_string", "new_string"),
		},
		{
			Name:        "list_files",
			Description: "List directory entries.",
			Capability:  "fs.read",
			Runtime:     RuntimeLocal,
			Parameters: schema(map[string]any{
				"path":    str("Directory path"),
				"runtime": runtimeHint(),
			}, "path"),
		},
		{
			Name:        "exec",
			Description: "Run a shell command on the local bridge and return its output.",
			Capability:  "process.exec",
			Runtime:     RuntimeLocal,
			Parameters: schema(map[string]any{
				"command":     str("Command line to run"),
				"cwd":         str("Working directory"),
				"timeout_sec": integer("Kill the command after this many seconds"),
				"runtime":     runtimeHint(),
			}, "command"),
		},
		{
			Name:        "browser_navigate",
			Description: "Navigate the leased tab to a URL.",
			Capability:  "browser.action",
			Parameters: schema(map[string]any{
				"url": str("Absolute URL to open"),
			}, "url"),
		},
		{
			Name:        "browser_snapshot",
			Description: "Take a ref-numbered accessibility/DOM snapshot of the leased tab.",
			Capability:  "browser.observe",
			Parameters: schema(map[string]any{
				"source":   map[string]any{"type": "string", "enum": []any{"ax", "dom"}, "description": "Snapshot source"},
				"max_refs": integer("Cap the number of returned nodes"),
			}),
		},
		{
			Name:        "browser_click",
			Description: "Click an element identified by a snapshot reference.",
			Capability:  "browser.action",
			Parameters: elementTarget(map[string]any{
				"double": boolean("Double-click instead of single"),
			}),
		},
		{
			Name:        "browser_fill",
			Description: "Fill a form element identified by a snapshot reference with text.",
			Capability:  "browser.action",
			Parameters: elementTarget(map[string]any{
				"text":   str("Text to type"),
				"submit": boolean("Press Enter after filling"),
			}, "text"),
		},
		{
			Name:        "browser_scroll",
			Description: "Scroll the page or an element into view.",
			Capability:  "browser.action",
			Parameters: elementTarget(map[string]any{
				"dy": integer("Vertical scroll delta in pixels when no element target is given"),
			}),
		},
		{
			Name:        "browser_verify",
			Description: "Verify the visible page state matches an expectation (text present, url matches).",
			Capability:  "browser.verify",
			Parameters: schema(map[string]any{
				"expect_text": str("Text that must appear on the page"),
				"expect_url":  str("Substring the current URL must contain"),
			}),
		},
	}
}
