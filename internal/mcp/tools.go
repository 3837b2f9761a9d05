package mcp

// Tool names exposed in the catalog.
const (
	ToolHover                = "rust_analyzer_hover"
	ToolDefinition           = "rust_analyzer_definition"
	ToolReferences           = "rust_analyzer_references"
	ToolCompletion           = "rust_analyzer_completion"
	ToolDocumentSymbols      = "rust_analyzer_document_symbols"
	ToolFormatting           = "rust_analyzer_formatting"
	ToolDiagnostics          = "rust_analyzer_diagnostics"
	ToolWorkspaceDiagnostics = "rust_analyzer_workspace_diagnostics"
	ToolCodeActions          = "rust_analyzer_code_actions"
	ToolSetWorkspace         = "rust_analyzer_set_workspace"
)

// Tool describes one invocable operation.
type Tool struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	InputSchema any    `json:"inputSchema"`
}

// Catalog returns the tool list advertised via tools/list.
func Catalog() []Tool {
	return []Tool{
		{
			Name:        ToolHover,
			Description: "Get hover information (type, documentation) for a symbol",
			InputSchema: positionSchema(),
		},
		{
			Name:        ToolDefinition,
			Description: "Go to the definition of the symbol at a position",
			InputSchema: positionSchema(),
		},
		{
			Name:        ToolReferences,
			Description: "Find all references to the symbol at a position",
			InputSchema: positionSchema(),
		},
		{
			Name:        ToolCompletion,
			Description: "Get code completion suggestions at a position",
			InputSchema: positionSchema(),
		},
		{
			Name:        ToolDocumentSymbols,
			Description: "List the symbols declared in a file",
			InputSchema: fileSchema(),
		},
		{
			Name:        ToolFormatting,
			Description: "Get the text edits that format a file",
			InputSchema: fileSchema(),
		},
		{
			Name:        ToolDiagnostics,
			Description: "Get compiler diagnostics (errors, warnings) for a file",
			InputSchema: fileSchema(),
		},
		{
			Name:        ToolWorkspaceDiagnostics,
			Description: "Get diagnostics for every file in the workspace",
			InputSchema: objectSchema(map[string]any{}, nil),
		},
		{
			Name:        ToolCodeActions,
			Description: "Get available code actions (quick fixes, refactorings) for a range",
			InputSchema: objectSchema(map[string]any{
				"file_path":       stringProp("Path to the file, absolute or workspace-relative"),
				"start_line":      numberProp("Start line of the range (zero-based)"),
				"start_character": numberProp("Start character of the range (zero-based)"),
				"end_line":        numberProp("End line of the range (zero-based)"),
				"end_character":   numberProp("End character of the range (zero-based)"),
			}, []string{"file_path", "start_line", "start_character", "end_line", "end_character"}),
		},
		{
			Name:        ToolSetWorkspace,
			Description: "Re-root the bridge at a different workspace directory",
			InputSchema: objectSchema(map[string]any{
				"workspace_path": stringProp("Path to the new workspace root"),
			}, []string{"workspace_path"}),
		},
	}
}

func positionSchema() map[string]any {
	return objectSchema(map[string]any{
		"file_path": stringProp("Path to the file, absolute or workspace-relative"),
		"line":      numberProp("Line number (zero-based)"),
		"character": numberProp("Character offset within the line (zero-based)"),
	}, []string{"file_path", "line", "character"})
}

func fileSchema() map[string]any {
	return objectSchema(map[string]any{
		"file_path": stringProp("Path to the file, absolute or workspace-relative"),
	}, []string{"file_path"})
}

func objectSchema(properties map[string]any, required []string) map[string]any {
	schema := map[string]any{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}

func stringProp(description string) map[string]any {
	return map[string]any{"type": "string", "description": description}
}

func numberProp(description string) map[string]any {
	return map[string]any{"type": "number", "description": description}
}
