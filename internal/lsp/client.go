package lsp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	"github.com/tidwall/gjson"
	"golang.org/x/sync/errgroup"

	"github.com/dshills/rabridge/internal/transport"
)

// defaultCommand is the executable started when Options.Command is empty.
const defaultCommand = "rust-analyzer"

// isolationEnv lists environment variables re-asserted on the child when
// present in the bridge's own environment. Isolated and test runs use
// these to redirect caches, build output, and temp files.
var isolationEnv = []string{"XDG_CACHE_HOME", "CARGO_TARGET_DIR", "TMPDIR"}

// DiscoveryOptions bound the workspace file sweep used as the last-resort
// diagnostics fallback.
type DiscoveryOptions struct {
	// MaxFiles caps how many files one sweep may open.
	MaxFiles int

	// SkipDirs are directory names never descended into.
	SkipDirs []string

	// Globs select source files, matched against workspace-relative
	// slash-separated paths (doublestar syntax).
	Globs []string
}

// Options configure the rust-analyzer client.
type Options struct {
	// Command overrides the rust-analyzer executable.
	Command string

	// Args are extra command-line arguments.
	Args []string

	// RequestTimeout bounds how long a caller waits for a response.
	RequestTimeout time.Duration

	// SyncDelay is how long SyncDocument pauses after notifying the
	// server, giving analysis a head start. It is a tuning knob, not a
	// completion guarantee.
	SyncDelay time.Duration

	Discovery DiscoveryOptions

	Logger *slog.Logger
}

// DefaultOptions returns the options used when a field is left zero.
func DefaultOptions() Options {
	return Options{
		Command:        defaultCommand,
		RequestTimeout: 30 * time.Second,
		SyncDelay:      300 * time.Millisecond,
		Discovery: DiscoveryOptions{
			MaxFiles: 128,
			SkipDirs: []string{".git", "target", "node_modules", ".idea", ".vscode"},
			Globs:    []string{"**/*.rs"},
		},
	}
}

// Client is a connection to one rust-analyzer process. It owns the
// subprocess handle and its streams; other components get narrow access
// through Client methods, never the handle itself.
type Client struct {
	opts          Options
	workspaceRoot string
	log           *slog.Logger

	// mu guards lifecycle state: cmd, group, and the session flags.
	mu          sync.Mutex
	cmd         *exec.Cmd
	group       *errgroup.Group
	initialized bool
	wsDiags     bool

	// writeMu serializes every write to the server's stdin so frames
	// never interleave and retain caller order.
	writeMu sync.Mutex
	stdin   io.WriteCloser

	idMu   sync.Mutex
	nextID int64

	pendingMu sync.Mutex
	pending   map[int64]chan response

	docsMu sync.Mutex
	docs   map[string]*openDocument

	diagMu      sync.Mutex
	diagnostics map[string][]json.RawMessage
}

// New creates a client rooted at workspaceRoot. The root is canonicalized
// so file URIs are stable even through symlinks. The client is not started.
func New(workspaceRoot string, opts Options) *Client {
	defaults := DefaultOptions()
	if opts.Command == "" {
		opts.Command = defaults.Command
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = defaults.RequestTimeout
	}
	if opts.SyncDelay < 0 {
		opts.SyncDelay = defaults.SyncDelay
	}
	if opts.Discovery.MaxFiles <= 0 {
		opts.Discovery.MaxFiles = defaults.Discovery.MaxFiles
	}
	if opts.Discovery.SkipDirs == nil {
		opts.Discovery.SkipDirs = defaults.Discovery.SkipDirs
	}
	if opts.Discovery.Globs == nil {
		opts.Discovery.Globs = defaults.Discovery.Globs
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	return &Client{
		opts:          opts,
		workspaceRoot: CanonicalPath(workspaceRoot),
		log:           opts.Logger,
		nextID:        1,
		pending:       make(map[int64]chan response),
		docs:          make(map[string]*openDocument),
		diagnostics:   make(map[string][]json.RawMessage),
	}
}

// WorkspaceRoot returns the canonicalized workspace directory.
func (c *Client) WorkspaceRoot() string {
	return c.workspaceRoot
}

// Initialized reports whether the handshake has completed.
func (c *Client) Initialized() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.initialized
}

// Start spawns rust-analyzer and performs the initialize handshake.
// Spawn failures and a failed handshake are fatal and returned to the
// caller; the best-effort configuration push and workspace reload are not.
func (c *Client) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.cmd != nil {
		return ErrAlreadyStarted
	}

	c.log.Info("starting rust-analyzer", "workspace", c.workspaceRoot)

	// Drop anything left over from a previous session.
	c.diagMu.Lock()
	c.diagnostics = make(map[string][]json.RawMessage)
	c.diagMu.Unlock()

	path, err := findExecutable(c.opts.Command)
	if err != nil {
		return err
	}
	c.log.Debug("using rust-analyzer executable", "path", path)

	cmd := exec.Command(path, c.opts.Args...)
	cmd.Dir = c.workspaceRoot
	cmd.Env = os.Environ()
	for _, key := range isolationEnv {
		if value, ok := os.LookupEnv(key); ok {
			cmd.Env = append(cmd.Env, key+"="+value)
		}
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		stdin.Close()
		return fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		stdin.Close()
		stdout.Close()
		return fmt.Errorf("stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		stdin.Close()
		stdout.Close()
		stderr.Close()
		return fmt.Errorf("start rust-analyzer: %w", err)
	}

	c.cmd = cmd
	c.writeMu.Lock()
	c.stdin = stdin
	c.writeMu.Unlock()

	g := &errgroup.Group{}
	g.Go(func() error { return c.readLoop(stdout) })
	g.Go(func() error { return c.drainStderr(stderr) })
	c.group = g

	if err := c.initialize(ctx); err != nil {
		c.terminateLocked()
		return fmt.Errorf("initialize: %w", err)
	}
	c.initialized = true

	// Best effort: re-assert checkOnSave so diagnostics refresh on save
	// even if the server ignores the same block in initializationOptions.
	if err := c.SendNotification("workspace/didChangeConfiguration", map[string]any{"settings": analyzerSettings()}); err != nil {
		c.log.Debug("configuration push failed", "error", err)
	}

	c.log.Info("rust-analyzer ready", "workspaceDiagnostics", c.wsDiags)
	return nil
}

// initialize performs the capability handshake and records whether the
// server supports workspace-wide pull diagnostics.
func (c *Client) initialize(ctx context.Context) error {
	result, err := c.SendRequest(ctx, "initialize", initializeParams(c.workspaceRoot))
	if err != nil {
		return err
	}

	c.wsDiags = gjson.GetBytes(result, "capabilities.diagnosticProvider.workspaceDiagnostics").Bool()

	if err := c.SendNotification("initialized", map[string]any{}); err != nil {
		return fmt.Errorf("initialized notification: %w", err)
	}

	// Best effort: trigger an immediate cargo check.
	if _, err := c.SendRequest(ctx, "rust-analyzer/reloadWorkspace", nil); err != nil {
		c.log.Debug("workspace reload failed", "error", err)
	}

	return nil
}

// Shutdown stops the server. The graceful shutdown request and exit
// notification are best-effort and only sent after a completed handshake;
// the process is always terminated and waited for, and all per-session
// state is cleared.
func (c *Client) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.initialized {
		gctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		if _, err := c.SendRequest(gctx, "shutdown", nil); err != nil {
			c.log.Debug("graceful shutdown request failed", "error", err)
		}
		if err := c.SendNotification("exit", nil); err != nil {
			c.log.Debug("exit notification failed", "error", err)
		}
		cancel()
	}

	c.terminateLocked()

	c.docsMu.Lock()
	c.docs = make(map[string]*openDocument)
	c.docsMu.Unlock()

	c.diagMu.Lock()
	c.diagnostics = make(map[string][]json.RawMessage)
	c.diagMu.Unlock()

	c.initialized = false
	c.wsDiags = false
	return nil
}

// terminateLocked kills the process and waits for it plus both stream
// loops. Callers must hold c.mu.
func (c *Client) terminateLocked() {
	c.writeMu.Lock()
	if c.stdin != nil {
		_ = c.stdin.Close()
		c.stdin = nil
	}
	c.writeMu.Unlock()

	if c.cmd != nil {
		if c.cmd.Process != nil {
			_ = c.cmd.Process.Kill()
		}
		_ = c.cmd.Wait()
		c.cmd = nil
	}

	if c.group != nil {
		_ = c.group.Wait()
		c.group = nil
	}

	// Waiters still parked on pending slots observe their own timeouts;
	// clearing the table just prevents new resolutions.
	c.pendingMu.Lock()
	c.pending = make(map[int64]chan response)
	c.pendingMu.Unlock()
}

// SendRequest writes a request frame and waits for the matching response,
// bounded by the configured timeout. On timeout the waiter removes its own
// slot, so a late response is dropped silently by the reader.
func (c *Client) SendRequest(ctx context.Context, method string, params any) (json.RawMessage, error) {
	c.idMu.Lock()
	id := c.nextID
	c.nextID++
	c.idMu.Unlock()

	data, err := json.Marshal(request{JSONRPC: "2.0", ID: &id, Method: method, Params: params})
	if err != nil {
		return nil, fmt.Errorf("marshal %s request: %w", method, err)
	}

	c.log.Debug("sending request", "method", method, "id", id)
	if err := c.writeFrame(data); err != nil {
		return nil, fmt.Errorf("send %s: %w", method, err)
	}

	ch := make(chan response, 1)
	c.pendingMu.Lock()
	c.pending[id] = ch
	c.pendingMu.Unlock()

	timer := time.NewTimer(c.opts.RequestTimeout)
	defer timer.Stop()

	select {
	case resp := <-ch:
		if resp.Error != nil {
			return nil, resp.Error
		}
		return resp.Result, nil
	case <-timer.C:
		c.removePending(id)
		return nil, fmt.Errorf("%s: %w", method, ErrTimeout)
	case <-ctx.Done():
		c.removePending(id)
		return nil, ctx.Err()
	}
}

// SendNotification writes a notification frame. No id is assigned and no
// response is expected.
func (c *Client) SendNotification(method string, params any) error {
	data, err := json.Marshal(request{JSONRPC: "2.0", Method: method, Params: params})
	if err != nil {
		return fmt.Errorf("marshal %s notification: %w", method, err)
	}

	c.log.Debug("sending notification", "method", method)
	return c.writeFrame(data)
}

// writeFrame writes one length-prefixed frame through the single shared
// writer.
func (c *Client) writeFrame(payload []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.stdin == nil {
		return ErrNotStarted
	}
	return transport.WriteFrame(c.stdin, string(payload), transport.FramingContentLength)
}

func (c *Client) removePending(id int64) {
	c.pendingMu.Lock()
	delete(c.pending, id)
	c.pendingMu.Unlock()
}

// readLoop drains the server's stdout for the life of the process,
// resolving pending requests and storing pushed diagnostics. It ends when
// the stream closes.
func (c *Client) readLoop(stdout io.Reader) error {
	var dec transport.Decoder
	chunk := make([]byte, 32*1024)

	for {
		for {
			msg, ok, err := dec.Next()
			if err != nil {
				return fmt.Errorf("decode server output: %w", err)
			}
			if !ok {
				break
			}
			c.dispatch([]byte(msg.Text))
		}

		n, err := stdout.Read(chunk)
		if n > 0 {
			dec.Feed(chunk[:n])
		}
		if err != nil {
			if isStreamEnd(err) {
				msg, ok, cerr := dec.Close()
				if cerr != nil {
					return fmt.Errorf("decode server output: %w", cerr)
				}
				if ok {
					c.dispatch([]byte(msg.Text))
				}
				return nil
			}
			return fmt.Errorf("read server output: %w", err)
		}
	}
}

// drainStderr forwards the server's stderr to the log. Its content is
// never parsed for protocol meaning.
func (c *Client) drainStderr(stderr io.Reader) error {
	chunk := make([]byte, 8*1024)
	for {
		n, err := stderr.Read(chunk)
		if n > 0 {
			c.log.Debug("rust-analyzer stderr", "output", string(chunk[:n]))
		}
		if err != nil {
			if isStreamEnd(err) {
				return nil
			}
			return err
		}
	}
}

// dispatch routes one complete server message: responses resolve their
// pending slot, publishDiagnostics replaces the stored entry for its URI,
// everything else is dropped.
func (c *Client) dispatch(data []byte) {
	var probe struct {
		ID     *int64          `json:"id"`
		Method string          `json:"method"`
		Result json.RawMessage `json:"result"`
		Error  *RPCError       `json:"error"`
		Params json.RawMessage `json:"params"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		c.log.Debug("dropping undecodable server message", "error", err)
		return
	}

	if probe.ID != nil && probe.Method == "" {
		c.resolve(*probe.ID, response{Result: probe.Result, Error: probe.Error})
		return
	}

	switch probe.Method {
	case methodPublishDiagnostics:
		c.storePublishedDiagnostics(probe.Params)
	case methodLogMessage:
		c.log.Debug("rust-analyzer log", "message", gjson.GetBytes(probe.Params, "message").String())
	}
}

// resolve hands a response to its waiter. Responses for unknown ids
// (timed out or never ours) are dropped.
func (c *Client) resolve(id int64, resp response) {
	c.pendingMu.Lock()
	ch, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
	}
	c.pendingMu.Unlock()

	if ok {
		ch <- resp
	}
}

func (c *Client) storePublishedDiagnostics(params json.RawMessage) {
	var p struct {
		URI         string            `json:"uri"`
		Diagnostics []json.RawMessage `json:"diagnostics"`
	}
	if err := json.Unmarshal(params, &p); err != nil || p.URI == "" {
		return
	}

	// Always a full replacement, never a merge.
	c.diagMu.Lock()
	c.diagnostics[p.URI] = p.Diagnostics
	c.diagMu.Unlock()

	c.log.Debug("stored pushed diagnostics", "uri", p.URI, "count", len(p.Diagnostics))
}

// initializeParams builds the handshake payload: process identity, the
// file-scheme root, rust-analyzer initialization options, and the
// capability advertisement.
func initializeParams(workspaceRoot string) map[string]any {
	return map[string]any{
		"processId": os.Getpid(),
		"rootUri":   FilePathToURI(workspaceRoot),
		"initializationOptions": map[string]any{
			"cargo": map[string]any{
				"buildScripts": map[string]any{"enable": true},
			},
			"checkOnSave": map[string]any{
				"enable":     true,
				"command":    "check",
				"allTargets": true,
			},
			"diagnostics": map[string]any{
				"enable":       true,
				"experimental": map[string]any{"enable": true},
			},
			"procMacro": map[string]any{"enable": true},
		},
		"capabilities": map[string]any{
			"textDocument": map[string]any{
				"hover": map[string]any{
					"contentFormat": []string{"markdown", "plaintext"},
				},
				"completion": map[string]any{
					"completionItem": map[string]any{"snippetSupport": true},
				},
				"definition":     map[string]any{"linkSupport": true},
				"references":     map[string]any{},
				"documentSymbol": map[string]any{},
				"codeAction": map[string]any{
					"codeActionLiteralSupport": map[string]any{
						"codeActionKind": map[string]any{
							"valueSet": []string{
								"quickfix",
								"refactor",
								"refactor.extract",
								"refactor.inline",
								"refactor.rewrite",
								"source",
								"source.organizeImports",
							},
						},
					},
					"resolveSupport": map[string]any{
						"properties": []string{"edit"},
					},
				},
				"publishDiagnostics": map[string]any{
					"relatedInformation": true,
					"tagSupport":         map[string]any{"valueSet": []int{1, 2}},
				},
				"formatting": map[string]any{},
			},
			"workspace": map[string]any{
				"didChangeConfiguration": map[string]any{"dynamicRegistration": false},
			},
		},
	}
}

// analyzerSettings is the settings block pushed via didChangeConfiguration.
func analyzerSettings() map[string]any {
	return map[string]any{
		"rust-analyzer": map[string]any{
			"checkOnSave": map[string]any{
				"enable":     true,
				"command":    "check",
				"allTargets": true,
			},
		},
	}
}

// findExecutable locates the rust-analyzer binary: explicit paths are
// used as-is, otherwise PATH and then ~/.cargo/bin are searched.
func findExecutable(command string) (string, error) {
	if command == "" {
		command = defaultCommand
	}

	if filepath.Base(command) != command {
		if _, err := os.Stat(command); err != nil {
			return "", fmt.Errorf("%w: %s", ErrExecutableNotFound, command)
		}
		return command, nil
	}

	if path, err := exec.LookPath(command); err == nil {
		return path, nil
	}

	if home, err := os.UserHomeDir(); err == nil {
		candidate := filepath.Join(home, ".cargo", "bin", command)
		if _, err := os.Stat(candidate); err == nil {
			return candidate, nil
		}
	}

	return "", ErrExecutableNotFound
}

// CanonicalPath resolves path to an absolute, symlink-free form. When
// resolution fails the best available absolute form is returned.
func CanonicalPath(path string) string {
	abs, err := filepath.Abs(path)
	if err != nil {
		return path
	}
	if resolved, err := filepath.EvalSymlinks(abs); err == nil {
		return resolved
	}
	return abs
}

// isStreamEnd reports whether a read error means the stream is closed
// rather than broken.
func isStreamEnd(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, io.ErrClosedPipe) || errors.Is(err, os.ErrClosed)
}
