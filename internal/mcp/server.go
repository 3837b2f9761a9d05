// Package mcp implements the caller-facing side of the bridge: a serving
// loop that reads tool-invocation requests from a byte stream under
// either supported framing, routes them onto the rust-analyzer client,
// and writes replies back under the framing each request arrived with.
package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/tidwall/gjson"

	"github.com/dshills/rabridge/internal/config"
	"github.com/dshills/rabridge/internal/lsp"
	"github.com/dshills/rabridge/internal/transport"
	"github.com/dshills/rabridge/internal/watcher"
)

// Version is stamped by the build; it is reported in initialize replies.
var Version = "dev"

const serverName = "rust-analyzer-mcp"

// Server serves the MCP protocol over a stream pair and owns the bridge's
// session state: the lazily started rust-analyzer client, the workspace
// root, and the optional file watcher.
type Server struct {
	cfg config.Config
	log *slog.Logger

	// mu guards the client, watcher, and workspace root across the
	// serving loop and watcher callbacks.
	mu            sync.Mutex
	workspaceRoot string
	client        *lsp.Client
	watch         *watcher.Watcher
}

// NewServer creates a server rooted at workspaceRoot. The rust-analyzer
// client is not started until a tool call needs it.
func NewServer(workspaceRoot string, cfg config.Config, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{
		cfg:           cfg,
		log:           log,
		workspaceRoot: lsp.CanonicalPath(workspaceRoot),
	}
}

// WorkspaceRoot returns the current canonicalized workspace root.
func (s *Server) WorkspaceRoot() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.workspaceRoot
}

// Run processes caller messages one at a time until the stream ends, a
// transport error occurs, or ctx is cancelled. Cancellation is polled
// once per iteration: the message in flight is always finished first.
// On exit the rust-analyzer client is shut down.
func (s *Server) Run(ctx context.Context, r io.Reader, w io.Writer) error {
	s.log.Info("serving", "workspace", s.WorkspaceRoot())
	conn := transport.NewConn(r, w)

	var runErr error
loop:
	for {
		select {
		case <-ctx.Done():
			s.log.Info("shutdown signal received")
			break loop
		default:
		}

		msg, err := conn.ReadMessage()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				s.log.Error("reading request", "error", err)
				runErr = err
			}
			break
		}

		var req Request
		if err := json.Unmarshal([]byte(msg.Text), &req); err != nil {
			s.log.Debug("skipping unparseable request", "error", err)
			continue
		}

		// Messages without an id are notifications and must never
		// receive a reply.
		if req.IsNotification() {
			s.log.Debug("notification received", "method", req.Method)
			continue
		}

		s.log.Debug("request received", "method", req.Method, "framing", msg.Framing.String())

		resp := s.handle(ctx, &req)
		payload, err := json.Marshal(resp)
		if err != nil {
			s.log.Error("marshaling response", "error", err)
			continue
		}
		if err := conn.WriteMessage(string(payload), msg.Framing); err != nil {
			s.log.Error("writing response", "error", err)
			runErr = err
			break
		}
	}

	s.log.Info("shutting down")
	s.shutdownClient()
	return runErr
}

// handle dispatches one request to a method handler.
func (s *Server) handle(ctx context.Context, req *Request) *Response {
	switch req.Method {
	case "initialize":
		version := gjson.GetBytes(req.Params, "protocolVersion").String()
		if version == "" {
			version = defaultProtocolVersion
		}
		return successResponse(req.ID, map[string]any{
			"protocolVersion": version,
			"serverInfo": map[string]any{
				"name":    serverName,
				"version": Version,
			},
			"capabilities": map[string]any{
				"tools": map[string]any{},
			},
		})

	case "ping":
		return successResponse(req.ID, map[string]any{})

	case "tools/list":
		return successResponse(req.ID, map[string]any{"tools": Catalog()})

	case "tools/call":
		return s.handleToolCall(ctx, req)

	default:
		return errorResponse(req.ID, CodeMethodNotFound, "Method not found: "+req.Method)
	}
}

func (s *Server) handleToolCall(ctx context.Context, req *Request) *Response {
	if len(req.Params) == 0 {
		return errorResponse(req.ID, CodeInvalidParams, "Invalid params")
	}

	name := gjson.GetBytes(req.Params, "name").String()
	if name == "" {
		return errorResponse(req.ID, CodeInvalidParams, "Missing tool name")
	}

	args := json.RawMessage(gjson.GetBytes(req.Params, "arguments").Raw)
	if len(args) == 0 {
		args = json.RawMessage("{}")
	}

	result, err := s.callTool(ctx, name, args)
	if err != nil {
		var unknown *unknownToolError
		if errors.As(err, &unknown) {
			return errorResponse(req.ID, CodeInvalidParams, err.Error())
		}
		s.log.Error("tool call failed", "tool", name, "error", err)
		return errorResponse(req.ID, CodeToolError, err.Error())
	}
	return successResponse(req.ID, result)
}

// shutdownClient stops the client and watcher, if running.
func (s *Server) shutdownClient() {
	s.mu.Lock()
	client := s.client
	watch := s.watch
	s.client = nil
	s.watch = nil
	s.mu.Unlock()

	if watch != nil {
		_ = watch.Close()
	}
	if client != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := client.Shutdown(ctx); err != nil {
			s.log.Debug("client shutdown failed", "error", err)
		}
	}
}
