package lsp

import (
	"encoding/json"
	"net/url"
	"path/filepath"
	"runtime"
)

// request is an outgoing JSON-RPC message. A nil ID marks a notification;
// the field is omitted entirely so servers never mistake it for a request.
type request struct {
	JSONRPC string `json:"jsonrpc"`
	ID      *int64 `json:"id,omitempty"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

// response carries the result or error half of a completed request.
type response struct {
	Result json.RawMessage
	Error  *RPCError
}

// Notification methods the reader cares about.
const (
	methodPublishDiagnostics = "textDocument/publishDiagnostics"
	methodLogMessage         = "window/logMessage"
)

// --- Request parameter shapes ---

type position struct {
	Line      int `json:"line"`
	Character int `json:"character"`
}

type lineRange struct {
	Start position `json:"start"`
	End   position `json:"end"`
}

type textDocumentID struct {
	URI string `json:"uri"`
}

type textDocumentParams struct {
	TextDocument textDocumentID `json:"textDocument"`
}

type positionParams struct {
	TextDocument textDocumentID `json:"textDocument"`
	Position     position       `json:"position"`
}

type referenceParams struct {
	TextDocument textDocumentID   `json:"textDocument"`
	Position     position         `json:"position"`
	Context      referenceContext `json:"context"`
}

type referenceContext struct {
	IncludeDeclaration bool `json:"includeDeclaration"`
}

type formattingParams struct {
	TextDocument textDocumentID    `json:"textDocument"`
	Options      formattingOptions `json:"options"`
}

type formattingOptions struct {
	TabSize      int  `json:"tabSize"`
	InsertSpaces bool `json:"insertSpaces"`
}

type codeActionParams struct {
	TextDocument textDocumentID    `json:"textDocument"`
	Range        lineRange         `json:"range"`
	Context      codeActionContext `json:"context"`
}

type codeActionContext struct {
	Diagnostics []json.RawMessage `json:"diagnostics"`
	Only        []string          `json:"only"`
}

type didOpenParams struct {
	TextDocument textDocumentItem `json:"textDocument"`
}

type textDocumentItem struct {
	URI        string `json:"uri"`
	LanguageID string `json:"languageId"`
	Version    int    `json:"version"`
	Text       string `json:"text"`
}

type didChangeParams struct {
	TextDocument   versionedTextDocumentID `json:"textDocument"`
	ContentChanges []contentChange         `json:"contentChanges"`
}

type versionedTextDocumentID struct {
	URI     string `json:"uri"`
	Version int    `json:"version"`
}

// contentChange carries a full-document replacement. The bridge never
// sends incremental range edits.
type contentChange struct {
	Text string `json:"text"`
}

type didSaveParams struct {
	TextDocument textDocumentID `json:"textDocument"`
}

// --- URI utilities ---

// FilePathToURI converts a file path to a file-scheme URI. Relative paths
// are made absolute first so the URI is stable across calls.
func FilePathToURI(path string) string {
	if path == "" {
		return ""
	}

	if !filepath.IsAbs(path) {
		if abs, err := filepath.Abs(path); err == nil {
			path = abs
		}
	}

	path = filepath.ToSlash(path)

	// On Windows, add extra slash for drive letter
	if runtime.GOOS == "windows" && len(path) >= 2 && path[1] == ':' {
		path = "/" + path
	}

	u := &url.URL{
		Scheme: "file",
		Path:   path,
	}
	return u.String()
}

// URIToFilePath converts a file-scheme URI back to a file path. Non-file
// URIs are returned unchanged.
func URIToFilePath(uri string) string {
	if uri == "" {
		return ""
	}

	u, err := url.Parse(uri)
	if err != nil {
		return uri
	}
	if u.Scheme != "file" {
		return uri
	}

	path := u.Path

	// On Windows, remove leading slash before drive letter
	if runtime.GOOS == "windows" && len(path) >= 3 && path[0] == '/' && path[2] == ':' {
		path = path[1:]
	}

	return filepath.FromSlash(path)
}
