package mcp

import (
	"encoding/json"
	"testing"

	"github.com/tidwall/gjson"
)

func TestCatalogNames(t *testing.T) {
	want := []string{
		ToolHover,
		ToolDefinition,
		ToolReferences,
		ToolCompletion,
		ToolDocumentSymbols,
		ToolFormatting,
		ToolDiagnostics,
		ToolWorkspaceDiagnostics,
		ToolCodeActions,
		ToolSetWorkspace,
	}

	catalog := Catalog()
	if len(catalog) != len(want) {
		t.Fatalf("catalog has %d tools, want %d", len(catalog), len(want))
	}
	for i, name := range want {
		if catalog[i].Name != name {
			t.Errorf("catalog[%d] = %q, want %q", i, catalog[i].Name, name)
		}
		if catalog[i].Description == "" {
			t.Errorf("tool %s has no description", name)
		}
	}
}

func TestCatalogSchemas(t *testing.T) {
	required := map[string][]string{
		ToolHover:                {"file_path", "line", "character"},
		ToolDefinition:           {"file_path", "line", "character"},
		ToolReferences:           {"file_path", "line", "character"},
		ToolCompletion:           {"file_path", "line", "character"},
		ToolDocumentSymbols:      {"file_path"},
		ToolFormatting:           {"file_path"},
		ToolDiagnostics:          {"file_path"},
		ToolWorkspaceDiagnostics: nil,
		ToolCodeActions:          {"file_path", "start_line", "start_character", "end_line", "end_character"},
		ToolSetWorkspace:         {"workspace_path"},
	}

	for _, tool := range Catalog() {
		data, err := json.Marshal(tool.InputSchema)
		if err != nil {
			t.Fatalf("marshaling %s schema: %v", tool.Name, err)
		}
		schema := gjson.ParseBytes(data)

		if got := schema.Get("type").String(); got != "object" {
			t.Errorf("%s schema type = %q, want object", tool.Name, got)
		}

		want, ok := required[tool.Name]
		if !ok {
			t.Errorf("unexpected tool %s", tool.Name)
			continue
		}
		got := schema.Get("required").Array()
		if len(got) != len(want) {
			t.Errorf("%s required = %v, want %v", tool.Name, got, want)
			continue
		}
		for i, field := range want {
			if got[i].String() != field {
				t.Errorf("%s required[%d] = %q, want %q", tool.Name, i, got[i].String(), field)
			}
			if !schema.Get("properties." + field).Exists() {
				t.Errorf("%s schema missing property %s", tool.Name, field)
			}
		}
	}
}

func TestTextResult(t *testing.T) {
	result, err := textResult(map[string]any{"uri": "file:///a.rs"})
	if err != nil {
		t.Fatalf("textResult() error: %v", err)
	}
	if len(result.Content) != 1 || result.Content[0].Type != "text" {
		t.Fatalf("result = %+v, want one text item", result)
	}
	if got := gjson.Get(result.Content[0].Text, "uri").String(); got != "file:///a.rs" {
		t.Errorf("payload uri = %q", got)
	}
	if result.IsError {
		t.Error("IsError set on success")
	}
}

func TestNotificationDetection(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want bool
	}{
		{"no id", `{"jsonrpc":"2.0","method":"x"}`, true},
		{"null id", `{"jsonrpc":"2.0","id":null,"method":"x"}`, true},
		{"numeric id", `{"jsonrpc":"2.0","id":0,"method":"x"}`, false},
		{"string id", `{"jsonrpc":"2.0","id":"abc","method":"x"}`, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var req Request
			if err := json.Unmarshal([]byte(tt.raw), &req); err != nil {
				t.Fatal(err)
			}
			if got := req.IsNotification(); got != tt.want {
				t.Errorf("IsNotification() = %v, want %v", got, tt.want)
			}
		})
	}
}
