package lsp

import (
	"context"
	"encoding/json"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/tidwall/gjson"
)

// DocumentDiagnostics returns the diagnostics for uri. Stored push
// results win; otherwise a pull request is issued. Retrieval never fails
// outward: absence of data and backend errors both yield an empty list.
func (c *Client) DocumentDiagnostics(ctx context.Context, uri string) []json.RawMessage {
	c.diagMu.Lock()
	stored, ok := c.diagnostics[uri]
	if ok {
		stored = append([]json.RawMessage(nil), stored...)
	}
	c.diagMu.Unlock()

	if ok {
		c.log.Debug("returning stored diagnostics", "uri", uri, "count", len(stored))
		return stored
	}

	c.log.Debug("no stored diagnostics, trying pull model", "uri", uri)
	result, err := c.SendRequest(ctx, "textDocument/diagnostic", textDocumentParams{
		TextDocument: textDocumentID{URI: uri},
	})
	if err != nil {
		c.log.Debug("diagnostic pull failed", "uri", uri, "error", err)
		return []json.RawMessage{}
	}

	var report struct {
		Items []json.RawMessage `json:"items"`
	}
	if err := json.Unmarshal(result, &report); err != nil || report.Items == nil {
		return []json.RawMessage{}
	}
	return report.Items
}

// WorkspaceDiagnostics returns a uri to diagnostics mapping for the whole
// workspace. When the server advertises workspace pull support the pull
// result is normalized and returned; on any failure, or without the
// capability, the push cache serves as fallback, preceded by one bounded
// discovery sweep when the cache is empty.
func (c *Client) WorkspaceDiagnostics(ctx context.Context) map[string][]json.RawMessage {
	c.mu.Lock()
	supported := c.wsDiags
	c.mu.Unlock()

	if supported {
		params := map[string]any{
			"identifier":       "rust-analyzer",
			"previousResultId": nil,
		}
		result, err := c.SendRequest(ctx, "workspace/diagnostic", params)
		if err != nil {
			c.log.Debug("workspace diagnostic pull failed, falling back", "error", err)
		} else if normalized, ok := normalizeWorkspaceReport(result); ok {
			return normalized
		} else {
			c.log.Debug("unrecognized workspace diagnostic report shape, falling back")
		}
	} else {
		c.log.Debug("workspace diagnostics not supported by server, using fallback")
	}

	return c.workspaceDiagnosticsFallback(ctx)
}

// workspaceDiagnosticsFallback serves the push cache. When nothing is
// cached yet it opens workspace source files once to provoke
// publishDiagnostics, then reads the cache one more time. The sweep never
// recurses or retries.
func (c *Client) workspaceDiagnosticsFallback(ctx context.Context) map[string][]json.RawMessage {
	stored := c.snapshotDiagnostics()
	if len(stored) > 0 {
		return stored
	}

	for _, path := range c.discoverWorkspaceFiles() {
		content, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		if err := c.SyncDocument(ctx, FilePathToURI(path), string(content)); err != nil {
			c.log.Debug("discovery sync failed", "path", path, "error", err)
		}
	}

	return c.snapshotDiagnostics()
}

// snapshotDiagnostics copies the push cache.
func (c *Client) snapshotDiagnostics() map[string][]json.RawMessage {
	c.diagMu.Lock()
	defer c.diagMu.Unlock()

	out := make(map[string][]json.RawMessage, len(c.diagnostics))
	for uri, items := range c.diagnostics {
		out[uri] = append([]json.RawMessage(nil), items...)
	}
	return out
}

// discoverWorkspaceFiles walks the workspace depth-first in lexical
// order, skipping the configured directory names, and returns up to
// MaxFiles paths matching the source globs.
func (c *Client) discoverWorkspaceFiles() []string {
	skip := make(map[string]bool, len(c.opts.Discovery.SkipDirs))
	for _, name := range c.opts.Discovery.SkipDirs {
		skip[name] = true
	}

	var files []string
	_ = filepath.WalkDir(c.workspaceRoot, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			// Unreadable entries are skipped, not fatal.
			return nil
		}
		if len(files) >= c.opts.Discovery.MaxFiles {
			return fs.SkipAll
		}
		if d.IsDir() {
			if path != c.workspaceRoot && skip[d.Name()] {
				return fs.SkipDir
			}
			return nil
		}

		rel, relErr := filepath.Rel(c.workspaceRoot, path)
		if relErr != nil {
			return nil
		}
		rel = filepath.ToSlash(rel)
		for _, pattern := range c.opts.Discovery.Globs {
			if ok, _ := doublestar.Match(pattern, rel); ok {
				files = append(files, path)
				break
			}
		}
		return nil
	})

	c.log.Debug("workspace discovery sweep", "files", len(files), "cap", c.opts.Discovery.MaxFiles)
	return files
}

// normalizeWorkspaceReport converts a workspace/diagnostic result into a
// canonical uri to diagnostics mapping. Two shapes are accepted: the LSP
// report ({"items": [{"uri": ..., "items"|"diagnostics": [...]}, ...]})
// and an already-normalized mapping whose values are all lists. ok is
// false for anything else.
func normalizeWorkspaceReport(report json.RawMessage) (map[string][]json.RawMessage, bool) {
	root := gjson.ParseBytes(report)
	if !root.IsObject() {
		return nil, false
	}

	if items := root.Get("items"); items.IsArray() {
		normalized := make(map[string][]json.RawMessage)
		for _, item := range items.Array() {
			uri := item.Get("uri").String()
			if uri == "" {
				continue
			}

			list := item.Get("items")
			if !list.Exists() {
				list = item.Get("diagnostics")
			}
			switch {
			case list.IsArray():
				normalized[uri] = rawArray(list)
			case !list.Exists():
				normalized[uri] = []json.RawMessage{}
			}
		}
		return normalized, true
	}

	normalized := make(map[string][]json.RawMessage)
	allLists := true
	root.ForEach(func(key, value gjson.Result) bool {
		if !value.IsArray() {
			allLists = false
			return false
		}
		normalized[key.String()] = rawArray(value)
		return true
	})
	if !allLists {
		return nil, false
	}
	return normalized, true
}

func rawArray(list gjson.Result) []json.RawMessage {
	arr := list.Array()
	out := make([]json.RawMessage, 0, len(arr))
	for _, item := range arr {
		out = append(out, json.RawMessage(item.Raw))
	}
	return out
}

// FilterDiagnosticsInRange keeps diagnostics whose line interval overlaps
// [startLine, endLine], inclusive at both ends. Diagnostics without a
// well-formed range are dropped.
func FilterDiagnosticsInRange(diags []json.RawMessage, startLine, endLine int) []json.RawMessage {
	filtered := make([]json.RawMessage, 0, len(diags))
	for _, d := range diags {
		start := gjson.GetBytes(d, "range.start.line")
		end := gjson.GetBytes(d, "range.end.line")
		if !start.Exists() || !end.Exists() {
			continue
		}
		if int(start.Int()) <= endLine && int(end.Int()) >= startLine {
			filtered = append(filtered, d)
		}
	}
	return filtered
}
