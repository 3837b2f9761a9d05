package lsp

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/dshills/rabridge/internal/transport"
)

// fakeServer is the far end of a client wired to pipes instead of a
// spawned process. It reads the client's frames and can push frames back
// into the client's read loop.
type fakeServer struct {
	t   *testing.T
	in  *io.PipeReader
	out *io.PipeWriter
	dec transport.Decoder
}

// newTestClient builds a client whose streams are in-memory pipes. The
// read loop runs until the server side is closed.
func newTestClient(t *testing.T, opts Options) (*Client, *fakeServer) {
	t.Helper()

	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	c := New(t.TempDir(), opts)

	inR, inW := io.Pipe()
	outR, outW := io.Pipe()

	c.writeMu.Lock()
	c.stdin = inW
	c.writeMu.Unlock()

	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = c.readLoop(outR)
	}()

	t.Cleanup(func() {
		inW.Close()
		outW.Close()
		<-done
	})

	return c, &fakeServer{t: t, in: inR, out: outW}
}

// next returns the next complete message the client wrote.
func (s *fakeServer) next() string {
	s.t.Helper()

	chunk := make([]byte, 4096)
	for {
		if msg, ok, err := s.dec.Next(); err != nil {
			s.t.Fatalf("decoding client frame: %v", err)
		} else if ok {
			return msg.Text
		}

		n, err := s.in.Read(chunk)
		if n > 0 {
			s.dec.Feed(chunk[:n])
		}
		if err != nil {
			s.t.Fatalf("reading client frame: %v", err)
		}
	}
}

// send pushes one frame into the client's read loop.
func (s *fakeServer) send(payload string) {
	s.t.Helper()
	if err := transport.WriteFrame(s.out, payload, transport.FramingContentLength); err != nil {
		s.t.Fatalf("writing server frame: %v", err)
	}
}

// requestID extracts the id of a request the client wrote.
func requestID(t *testing.T, msg string) int64 {
	t.Helper()
	var req struct {
		ID *int64 `json:"id"`
	}
	if err := json.Unmarshal([]byte(msg), &req); err != nil {
		t.Fatalf("parsing request: %v", err)
	}
	if req.ID == nil {
		t.Fatalf("request has no id: %s", msg)
	}
	return *req.ID
}

func requestMethod(t *testing.T, msg string) string {
	t.Helper()
	var req struct {
		Method string `json:"method"`
	}
	if err := json.Unmarshal([]byte(msg), &req); err != nil {
		t.Fatalf("parsing request: %v", err)
	}
	return req.Method
}

func TestSendRequestRoutesResponse(t *testing.T) {
	c, srv := newTestClient(t, Options{})

	type outcome struct {
		result json.RawMessage
		err    error
	}
	got := make(chan outcome, 1)
	go func() {
		result, err := c.SendRequest(context.Background(), "textDocument/hover", nil)
		got <- outcome{result, err}
	}()

	msg := srv.next()
	if method := requestMethod(t, msg); method != "textDocument/hover" {
		t.Errorf("method = %q, want textDocument/hover", method)
	}
	id := requestID(t, msg)
	srv.send(`{"jsonrpc":"2.0","id":` + jsonInt(id) + `,"result":{"contents":"doc"}}`)

	out := <-got
	if out.err != nil {
		t.Fatalf("SendRequest() error: %v", out.err)
	}
	if string(out.result) != `{"contents":"doc"}` {
		t.Errorf("result = %s, want hover payload", out.result)
	}
}

func TestSendRequestIDsIncrease(t *testing.T) {
	c, srv := newTestClient(t, Options{})

	var prev int64
	for i := 0; i < 3; i++ {
		go func() {
			_, _ = c.SendRequest(context.Background(), "ping", nil)
		}()
		id := requestID(t, srv.next())
		if id <= prev {
			t.Fatalf("id %d not greater than previous %d", id, prev)
		}
		prev = id
		srv.send(`{"jsonrpc":"2.0","id":` + jsonInt(id) + `,"result":null}`)
	}
}

func TestSendRequestServerError(t *testing.T) {
	c, srv := newTestClient(t, Options{})

	got := make(chan error, 1)
	go func() {
		_, err := c.SendRequest(context.Background(), "textDocument/definition", nil)
		got <- err
	}()

	id := requestID(t, srv.next())
	srv.send(`{"jsonrpc":"2.0","id":` + jsonInt(id) + `,"error":{"code":-32601,"message":"unsupported"}}`)

	err := <-got
	var rpcErr *RPCError
	if !errors.As(err, &rpcErr) {
		t.Fatalf("error = %v, want *RPCError", err)
	}
	if rpcErr.Code != -32601 || rpcErr.Message != "unsupported" {
		t.Errorf("rpc error = %+v, want code -32601 message unsupported", rpcErr)
	}
}

func TestSendRequestTimeout(t *testing.T) {
	c, srv := newTestClient(t, Options{RequestTimeout: 20 * time.Millisecond})

	got := make(chan error, 1)
	go func() {
		_, err := c.SendRequest(context.Background(), "textDocument/hover", nil)
		got <- err
	}()

	id := requestID(t, srv.next())

	if err := <-got; !errors.Is(err, ErrTimeout) {
		t.Fatalf("error = %v, want ErrTimeout", err)
	}

	// A late response for the abandoned id must be dropped, not delivered
	// to the next request.
	srv.send(`{"jsonrpc":"2.0","id":` + jsonInt(id) + `,"result":{"stale":true}}`)

	go func() {
		result, err := c.SendRequest(context.Background(), "ping", nil)
		if err != nil {
			got <- err
			return
		}
		if string(result) != `{"fresh":true}` {
			got <- errors.New("received stale result: " + string(result))
			return
		}
		got <- nil
	}()

	nextID := requestID(t, srv.next())
	srv.send(`{"jsonrpc":"2.0","id":` + jsonInt(nextID) + `,"result":{"fresh":true}}`)

	if err := <-got; err != nil {
		t.Fatalf("follow-up request: %v", err)
	}
}

func TestSendRequestContextCancel(t *testing.T) {
	c, srv := newTestClient(t, Options{})

	ctx, cancel := context.WithCancel(context.Background())
	got := make(chan error, 1)
	go func() {
		_, err := c.SendRequest(ctx, "textDocument/hover", nil)
		got <- err
	}()

	srv.next()
	cancel()

	if err := <-got; !errors.Is(err, context.Canceled) {
		t.Fatalf("error = %v, want context.Canceled", err)
	}
}

func TestSendNotificationHasNoID(t *testing.T) {
	c, srv := newTestClient(t, Options{})

	go func() {
		_ = c.SendNotification("initialized", map[string]any{})
	}()

	msg := srv.next()
	var probe map[string]json.RawMessage
	if err := json.Unmarshal([]byte(msg), &probe); err != nil {
		t.Fatalf("parsing notification: %v", err)
	}
	if _, ok := probe["id"]; ok {
		t.Errorf("notification carries an id: %s", msg)
	}
	if requestMethod(t, msg) != "initialized" {
		t.Errorf("method = %q, want initialized", requestMethod(t, msg))
	}
}

func TestDispatchDropsUnknownID(t *testing.T) {
	c, _ := newTestClient(t, Options{})

	// Must not panic or register anything.
	c.dispatch([]byte(`{"jsonrpc":"2.0","id":999,"result":{}}`))

	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	if len(c.pending) != 0 {
		t.Errorf("pending table has %d entries, want 0", len(c.pending))
	}
}

func TestDispatchIgnoresServerRequest(t *testing.T) {
	c, _ := newTestClient(t, Options{})

	// A message with both id and method is a server-initiated request; it
	// must not be mistaken for a response.
	ch := make(chan response, 1)
	c.pendingMu.Lock()
	c.pending[5] = ch
	c.pendingMu.Unlock()

	c.dispatch([]byte(`{"jsonrpc":"2.0","id":5,"method":"workspace/configuration","params":{}}`))

	select {
	case <-ch:
		t.Fatal("server request resolved a pending slot")
	default:
	}
}

func TestDispatchStoresPublishedDiagnostics(t *testing.T) {
	c, _ := newTestClient(t, Options{})

	uri := "file:///tmp/main.rs"
	c.dispatch([]byte(`{"jsonrpc":"2.0","method":"textDocument/publishDiagnostics","params":{"uri":"` + uri + `","diagnostics":[{"message":"unused"}]}}`))

	got := c.DocumentDiagnostics(context.Background(), uri)
	if len(got) != 1 || string(got[0]) != `{"message":"unused"}` {
		t.Fatalf("stored diagnostics = %v, want one entry", got)
	}

	// An empty publish replaces the entry rather than deleting it, so the
	// store remembers the file is now clean.
	c.dispatch([]byte(`{"jsonrpc":"2.0","method":"textDocument/publishDiagnostics","params":{"uri":"` + uri + `","diagnostics":[]}}`))

	got = c.DocumentDiagnostics(context.Background(), uri)
	if len(got) != 0 {
		t.Fatalf("diagnostics after empty publish = %v, want empty", got)
	}
	c.diagMu.Lock()
	_, ok := c.diagnostics[uri]
	c.diagMu.Unlock()
	if !ok {
		t.Error("empty publish removed the entry instead of replacing it")
	}
}

func TestDispatchIgnoresMissingURI(t *testing.T) {
	c, _ := newTestClient(t, Options{})

	c.dispatch([]byte(`{"jsonrpc":"2.0","method":"textDocument/publishDiagnostics","params":{"diagnostics":[{"message":"x"}]}}`))

	c.diagMu.Lock()
	defer c.diagMu.Unlock()
	if len(c.diagnostics) != 0 {
		t.Errorf("diagnostics store has %d entries, want 0", len(c.diagnostics))
	}
}

func TestFindExecutableExplicitPath(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "rust-analyzer")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"), 0o755); err != nil {
		t.Fatal(err)
	}

	got, err := findExecutable(path)
	if err != nil {
		t.Fatalf("findExecutable() error: %v", err)
	}
	if got != path {
		t.Errorf("findExecutable() = %q, want %q", got, path)
	}

	if _, err := findExecutable(filepath.Join(dir, "missing")); !errors.Is(err, ErrExecutableNotFound) {
		t.Errorf("missing explicit path error = %v, want ErrExecutableNotFound", err)
	}
}

func TestCanonicalPathResolvesSymlinks(t *testing.T) {
	dir := t.TempDir()
	real := filepath.Join(dir, "real")
	if err := os.Mkdir(real, 0o755); err != nil {
		t.Fatal(err)
	}
	link := filepath.Join(dir, "link")
	if err := os.Symlink(real, link); err != nil {
		t.Skipf("symlinks unavailable: %v", err)
	}

	if got, want := CanonicalPath(link), CanonicalPath(real); got != want {
		t.Errorf("CanonicalPath(link) = %q, want %q", got, want)
	}
}

func TestFileURIRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "src", "main.rs")
	uri := FilePathToURI(path)
	if uri == "" || uri[:7] != "file://" {
		t.Fatalf("FilePathToURI(%q) = %q, want file scheme", path, uri)
	}
	if got := URIToFilePath(uri); got != path {
		t.Errorf("URIToFilePath(%q) = %q, want %q", uri, got, path)
	}
}

func TestURIToFilePathNonFileScheme(t *testing.T) {
	if got := URIToFilePath("https://example.com/x"); got != "https://example.com/x" {
		t.Errorf("non-file URI = %q, want unchanged", got)
	}
}

func jsonInt(n int64) string {
	data, _ := json.Marshal(n)
	return string(data)
}
