package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/dshills/rabridge/internal/lsp"
	"github.com/dshills/rabridge/internal/watcher"
)

// unknownToolError marks a tools/call naming a tool outside the catalog;
// the boundary maps it to the invalid-params code.
type unknownToolError struct {
	name string
}

func (e *unknownToolError) Error() string {
	return "Unknown tool: " + e.name
}

type positionArgs struct {
	FilePath  string `json:"file_path"`
	Line      int    `json:"line"`
	Character int    `json:"character"`
}

type fileArgs struct {
	FilePath string `json:"file_path"`
}

type rangeArgs struct {
	FilePath       string `json:"file_path"`
	StartLine      int    `json:"start_line"`
	StartCharacter int    `json:"start_character"`
	EndLine        int    `json:"end_line"`
	EndCharacter   int    `json:"end_character"`
}

type workspaceArgs struct {
	WorkspacePath string `json:"workspace_path"`
}

// callTool runs one catalog tool. Every tool except set_workspace starts
// the rust-analyzer client on first use and synchronizes the target file
// before asking the server about it.
func (s *Server) callTool(ctx context.Context, name string, args json.RawMessage) (*ToolResult, error) {
	switch name {
	case ToolHover:
		return s.positionTool(ctx, args, (*lsp.Client).Hover)

	case ToolDefinition:
		return s.positionTool(ctx, args, (*lsp.Client).Definition)

	case ToolReferences:
		return s.positionTool(ctx, args, (*lsp.Client).References)

	case ToolCompletion:
		return s.positionTool(ctx, args, (*lsp.Client).Completion)

	case ToolDocumentSymbols:
		return s.fileTool(ctx, args, (*lsp.Client).DocumentSymbols)

	case ToolFormatting:
		return s.fileTool(ctx, args, (*lsp.Client).Formatting)

	case ToolDiagnostics:
		return s.diagnosticsTool(ctx, args)

	case ToolWorkspaceDiagnostics:
		return s.workspaceDiagnosticsTool(ctx)

	case ToolCodeActions:
		return s.codeActionsTool(ctx, args)

	case ToolSetWorkspace:
		return s.setWorkspaceTool(ctx, args)

	default:
		return nil, &unknownToolError{name: name}
	}
}

func (s *Server) positionTool(ctx context.Context, args json.RawMessage, call func(*lsp.Client, context.Context, string, int, int) (json.RawMessage, error)) (*ToolResult, error) {
	var p positionArgs
	if err := json.Unmarshal(args, &p); err != nil {
		return nil, fmt.Errorf("invalid arguments: %w", err)
	}

	client, err := s.ensureClient(ctx)
	if err != nil {
		return nil, err
	}
	uri, err := s.syncFile(ctx, client, p.FilePath)
	if err != nil {
		return nil, err
	}

	result, err := call(client, ctx, uri, p.Line, p.Character)
	if err != nil {
		return nil, err
	}
	return textResult(result)
}

func (s *Server) fileTool(ctx context.Context, args json.RawMessage, call func(*lsp.Client, context.Context, string) (json.RawMessage, error)) (*ToolResult, error) {
	var f fileArgs
	if err := json.Unmarshal(args, &f); err != nil {
		return nil, fmt.Errorf("invalid arguments: %w", err)
	}

	client, err := s.ensureClient(ctx)
	if err != nil {
		return nil, err
	}
	uri, err := s.syncFile(ctx, client, f.FilePath)
	if err != nil {
		return nil, err
	}

	result, err := call(client, ctx, uri)
	if err != nil {
		return nil, err
	}
	return textResult(result)
}

func (s *Server) diagnosticsTool(ctx context.Context, args json.RawMessage) (*ToolResult, error) {
	var f fileArgs
	if err := json.Unmarshal(args, &f); err != nil {
		return nil, fmt.Errorf("invalid arguments: %w", err)
	}

	client, err := s.ensureClient(ctx)
	if err != nil {
		return nil, err
	}
	uri, err := s.syncFile(ctx, client, f.FilePath)
	if err != nil {
		return nil, err
	}

	items := client.DocumentDiagnostics(ctx, uri)
	return textResult(map[string]any{
		"uri":         uri,
		"diagnostics": items,
	})
}

func (s *Server) workspaceDiagnosticsTool(ctx context.Context) (*ToolResult, error) {
	client, err := s.ensureClient(ctx)
	if err != nil {
		return nil, err
	}
	return textResult(client.WorkspaceDiagnostics(ctx))
}

func (s *Server) codeActionsTool(ctx context.Context, args json.RawMessage) (*ToolResult, error) {
	var r rangeArgs
	if err := json.Unmarshal(args, &r); err != nil {
		return nil, fmt.Errorf("invalid arguments: %w", err)
	}

	client, err := s.ensureClient(ctx)
	if err != nil {
		return nil, err
	}
	uri, err := s.syncFile(ctx, client, r.FilePath)
	if err != nil {
		return nil, err
	}

	result, err := client.CodeActions(ctx, uri, r.StartLine, r.StartCharacter, r.EndLine, r.EndCharacter)
	if err != nil {
		return nil, err
	}
	return textResult(result)
}

// setWorkspaceTool re-roots the bridge. A running client is shut down;
// the next tool call starts a fresh one in the new workspace.
func (s *Server) setWorkspaceTool(ctx context.Context, args json.RawMessage) (*ToolResult, error) {
	var w workspaceArgs
	if err := json.Unmarshal(args, &w); err != nil {
		return nil, fmt.Errorf("invalid arguments: %w", err)
	}
	if w.WorkspacePath == "" {
		return nil, errors.New("workspace_path is required")
	}

	root := lsp.CanonicalPath(w.WorkspacePath)
	info, err := os.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("workspace path %s: %w", w.WorkspacePath, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("workspace path %s is not a directory", w.WorkspacePath)
	}

	s.shutdownClient()

	s.mu.Lock()
	s.workspaceRoot = root
	s.mu.Unlock()

	s.log.Info("workspace changed", "workspace", root)
	return plainTextResult("Workspace set to " + root), nil
}

// ensureClient starts the rust-analyzer client on first use, along with
// the file watcher when enabled.
func (s *Server) ensureClient(ctx context.Context) (*lsp.Client, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.client != nil {
		return s.client, nil
	}

	client := lsp.New(s.workspaceRoot, lsp.Options{
		Command:        s.cfg.Server.Command,
		Args:           s.cfg.Server.Args,
		RequestTimeout: s.cfg.RequestTimeout(),
		SyncDelay:      s.cfg.SyncDelay(),
		Discovery: lsp.DiscoveryOptions{
			MaxFiles: s.cfg.Discovery.MaxFiles,
			SkipDirs: s.cfg.Discovery.SkipDirs,
			Globs:    s.cfg.Discovery.Globs,
		},
		Logger: s.log,
	})
	if err := client.Start(ctx); err != nil {
		return nil, err
	}
	s.client = client

	if s.cfg.Watcher.Enabled {
		w, err := watcher.New(s.cfg.WatchDebounce(), s.resyncFromDisk, s.log)
		if err != nil {
			s.log.Warn("file watcher unavailable", "error", err)
		} else {
			s.watch = w
		}
	}

	return client, nil
}

// syncFile resolves filePath against the workspace, reads it, and
// synchronizes it with the server. The canonical file URI is returned.
func (s *Server) syncFile(ctx context.Context, client *lsp.Client, filePath string) (string, error) {
	if filePath == "" {
		return "", errors.New("file_path is required")
	}

	abs := filePath
	if !filepath.IsAbs(abs) {
		abs = filepath.Join(client.WorkspaceRoot(), abs)
	}
	abs = lsp.CanonicalPath(abs)

	content, err := os.ReadFile(abs)
	if err != nil {
		return "", fmt.Errorf("read file %s: %w", filePath, err)
	}

	uri := lsp.FilePathToURI(abs)
	if err := client.SyncDocument(ctx, uri, string(content)); err != nil {
		return "", err
	}

	s.mu.Lock()
	watch := s.watch
	s.mu.Unlock()
	if watch != nil {
		if err := watch.Track(abs); err != nil {
			s.log.Debug("watch registration failed", "path", abs, "error", err)
		}
	}

	return uri, nil
}

// resyncFromDisk is the watcher callback: it re-reads a changed file and
// synchronizes it so fresh diagnostics arrive without a tool call.
func (s *Server) resyncFromDisk(path string) {
	s.mu.Lock()
	client := s.client
	s.mu.Unlock()
	if client == nil {
		return
	}

	content, err := os.ReadFile(path)
	if err != nil {
		s.log.Debug("re-sync read failed", "path", path, "error", err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	uri := lsp.FilePathToURI(path)
	if err := client.SyncDocument(ctx, uri, string(content)); err != nil {
		s.log.Debug("re-sync failed", "uri", uri, "error", err)
	}
}
