package lsp

import (
	"context"
	"encoding/json"
)

// codeActionKinds are the kinds requested for code-action lookups.
var codeActionKinds = []string{
	"quickfix",
	"refactor",
	"refactor.extract",
	"refactor.inline",
	"refactor.rewrite",
	"source",
}

// Hover returns hover information at a position.
func (c *Client) Hover(ctx context.Context, uri string, line, character int) (json.RawMessage, error) {
	return c.SendRequest(ctx, "textDocument/hover", positionParams{
		TextDocument: textDocumentID{URI: uri},
		Position:     position{Line: line, Character: character},
	})
}

// Definition returns the definition location(s) for the symbol at a
// position.
func (c *Client) Definition(ctx context.Context, uri string, line, character int) (json.RawMessage, error) {
	return c.SendRequest(ctx, "textDocument/definition", positionParams{
		TextDocument: textDocumentID{URI: uri},
		Position:     position{Line: line, Character: character},
	})
}

// References finds all references to the symbol at a position, including
// its declaration.
func (c *Client) References(ctx context.Context, uri string, line, character int) (json.RawMessage, error) {
	return c.SendRequest(ctx, "textDocument/references", referenceParams{
		TextDocument: textDocumentID{URI: uri},
		Position:     position{Line: line, Character: character},
		Context:      referenceContext{IncludeDeclaration: true},
	})
}

// Completion requests completion items at a position.
func (c *Client) Completion(ctx context.Context, uri string, line, character int) (json.RawMessage, error) {
	return c.SendRequest(ctx, "textDocument/completion", positionParams{
		TextDocument: textDocumentID{URI: uri},
		Position:     position{Line: line, Character: character},
	})
}

// DocumentSymbols returns the symbols declared in a document.
func (c *Client) DocumentSymbols(ctx context.Context, uri string) (json.RawMessage, error) {
	return c.SendRequest(ctx, "textDocument/documentSymbol", textDocumentParams{
		TextDocument: textDocumentID{URI: uri},
	})
}

// Formatting returns the text edits that format a document.
func (c *Client) Formatting(ctx context.Context, uri string) (json.RawMessage, error) {
	return c.SendRequest(ctx, "textDocument/formatting", formattingParams{
		TextDocument: textDocumentID{URI: uri},
		Options:      formattingOptions{TabSize: 4, InsertSpaces: true},
	})
}

// CodeActions returns the actions available for a range. Diagnostics for
// the document are looked up first and filtered to the requested lines so
// the server sees only relevant context.
func (c *Client) CodeActions(ctx context.Context, uri string, startLine, startChar, endLine, endChar int) (json.RawMessage, error) {
	diags := c.DocumentDiagnostics(ctx, uri)
	diags = FilterDiagnosticsInRange(diags, startLine, endLine)

	return c.SendRequest(ctx, "textDocument/codeAction", codeActionParams{
		TextDocument: textDocumentID{URI: uri},
		Range: lineRange{
			Start: position{Line: startLine, Character: startChar},
			End:   position{Line: endLine, Character: endChar},
		},
		Context: codeActionContext{
			Diagnostics: diags,
			Only:        codeActionKinds,
		},
	})
}
