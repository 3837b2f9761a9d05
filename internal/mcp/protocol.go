package mcp

import (
	"bytes"
	"encoding/json"
)

// Reserved JSON-RPC error codes used at the protocol boundary, plus the
// generic tool-failure code.
const (
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeToolError      = -1
)

// defaultProtocolVersion is echoed when the caller does not name one.
const defaultProtocolVersion = "2024-11-05"

// Request is an incoming caller message. The id is kept raw so it
// round-trips verbatim into the response whatever its JSON type.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// IsNotification reports whether the message carries no identifier and
// must therefore never receive a reply.
func (r *Request) IsNotification() bool {
	id := bytes.TrimSpace(r.ID)
	return len(id) == 0 || bytes.Equal(id, []byte("null"))
}

// Response is an outgoing reply. Exactly one of Result and Error is set.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  any             `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

// Error is a structured JSON-RPC error payload.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

func successResponse(id json.RawMessage, result any) *Response {
	return &Response{JSONRPC: "2.0", ID: id, Result: result}
}

func errorResponse(id json.RawMessage, code int, message string) *Response {
	return &Response{JSONRPC: "2.0", ID: id, Error: &Error{Code: code, Message: message}}
}

// ToolResult is the payload of a successful tools/call.
type ToolResult struct {
	Content []Content `json:"content"`
	IsError bool      `json:"isError,omitempty"`
}

// Content is one item of tool output.
type Content struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// textResult wraps v, pretty-printed as JSON, in a single text content
// item.
func textResult(v any) (*ToolResult, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, err
	}
	return &ToolResult{Content: []Content{{Type: "text", Text: string(data)}}}, nil
}

// plainTextResult wraps a literal string in a single text content item.
func plainTextResult(text string) *ToolResult {
	return &ToolResult{Content: []Content{{Type: "text", Text: text}}}
}
