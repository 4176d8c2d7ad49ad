package contracts

import (
	"encoding/json"
	"reflect"
	"testing"
)

func TestBuiltinsValidateAndCoverRequiredSurface(t *testing.T) {
	r := NewRegistry()
	list := r.List()
	if len(list) == 0 {
		t.Fatal("expected seeded builtins")
	}

	names := map[string]bool{}
	for _, c := range list {
		if err := c.Validate(); err != nil {
			t.Fatalf("builtin %q invalid: %v", c.Name, err)
		}
		if names[c.Name] {
			t.Fatalf("duplicate canonical name %q", c.Name)
		}
		names[c.Name] = true
		if c.Source != SourceBuiltin {
			t.Fatalf("builtin %q tagged %q", c.Name, c.Source)
		}
	}

	for _, required := range []string{"read_file", "write_file", "exec", "browser_navigate", "browser_click", "browser_fill", "browser_verify"} {
		if !names[required] {
			t.Fatalf("missing canonical contract %q", required)
		}
	}
}

func TestElementTargetingToolsExposeAnyOf(t *testing.T) {
	r := NewRegistry()
	for _, name := range []string{"browser_click", "browser_fill", "browser_scroll"} {
		c, ok := r.Get(name)
		if !ok {
			t.Fatalf("missing %q", name)
		}
		anyOf, ok := c.Parameters["anyOf"].([]any)
		if !ok || len(anyOf) < 3 {
			t.Fatalf("%q must expose >=3 anyOf target variants, got %v", name, c.Parameters["anyOf"])
		}
		props := c.Parameters["properties"].(map[string]any)
		for _, field := range []string{"uid", "ref", "backendNodeId"} {
			if _, ok := props[field]; !ok {
				t.Fatalf("%q missing target field %q", name, field)
			}
		}
	}
}

func TestFilesystemToolsCarryRuntimeHint(t *testing.T) {
	r := NewRegistry()
	for _, name := range []string{"read_file", "write_file", "edit_file", "list_files", "exec"} {
		c, _ := r.Get(name)
		props := c.Parameters["properties"].(map[string]any)
		runtime, ok := props["runtime"].(map[string]any)
		if !ok {
			t.Fatalf("%q missing runtime hint", name)
		}
		enum, _ := runtime["enum"].([]any)
		if len(enum) != 2 || enum[0] != "browser" || enum[1] != "local" {
			t.Fatalf("%q runtime enum must be [browser, local], got %v", name, enum)
		}
	}
}

func TestRegisterUnregisterRestoresBuiltinByteIdentical(t *testing.T) {
	r := NewRegistry()
	before, _ := r.Get("read_file")
	beforeJSON, _ := json.Marshal(before)

	override := Contract{
		Name:        "read_file",
		Description: "patched reader",
		Parameters:  map[string]any{"type": "object", "properties": map[string]any{}},
	}
	if err := r.Register(override, true); err != nil {
		t.Fatal(err)
	}
	patched, _ := r.Get("read_file")
	if patched.Description != "patched reader" || patched.Source != SourceOverride {
		t.Fatalf("override not applied: %+v", patched)
	}

	if err := r.Unregister("read_file"); err != nil {
		t.Fatal(err)
	}
	after, _ := r.Get("read_file")
	afterJSON, _ := json.Marshal(after)
	if string(beforeJSON) != string(afterJSON) {
		t.Fatalf("builtin not restored byte-identical:\n%s\n%s", beforeJSON, afterJSON)
	}
}

func TestRegisterWithoutReplaceRejected(t *testing.T) {
	r := NewRegistry()
	err := r.Register(Contract{
		Name: "read_file", Description: "x",
		Parameters: map[string]any{"type": "object"},
	}, false)
	if err == nil {
		t.Fatal("expected replace to be required for an existing name")
	}
}

func TestAliasesAreOptInViaOverride(t *testing.T) {
	r := NewRegistry()

	// Legacy aliases are rejected by default.
	if _, ok := r.Get("bash"); ok {
		t.Fatal("expected no alias resolution without an opt-in override")
	}

	if err := r.Register(Contract{
		Name:        "exec",
		Description: "run a command",
		Parameters:  map[string]any{"type": "object", "properties": map[string]any{}, "required": []any{"command"}},
		Aliases:     []string{"bash"},
	}, true); err != nil {
		t.Fatal(err)
	}

	c, ok := r.Get("bash")
	if !ok || c.Name != "exec" {
		t.Fatalf("expected alias bash -> exec after opt-in, got %+v ok=%v", c, ok)
	}

	if err := r.Unregister("exec"); err != nil {
		t.Fatal(err)
	}
	if _, ok := r.Get("bash"); ok {
		t.Fatal("expected alias to die with its override")
	}
}

func TestCheckRequired(t *testing.T) {
	r := NewRegistry()
	if err := r.CheckRequired("write_file", map[string]any{"path": "a"}); err == nil {
		t.Fatal("expected missing content to be rejected")
	}
	if err := r.CheckRequired("write_file", map[string]any{"path": "a", "content": "b"}); err != nil {
		t.Fatalf("expected valid args to pass, got %v", err)
	}
}

func TestGetReturnsIsolatedCopies(t *testing.T) {
	r := NewRegistry()
	c1, _ := r.Get("read_file")
	c1.Parameters["type"] = "mutated"
	c2, _ := r.Get("read_file")
	if reflect.DeepEqual(c1.Parameters["type"], c2.Parameters["type"]) {
		t.Fatal("expected Get to return isolated parameter maps")
	}
}
