package lsp

import (
	"context"
	"encoding/json"
	"testing"
)

func TestDecideSync(t *testing.T) {
	tests := []struct {
		name        string
		doc         *openDocument
		content     string
		wantAction  syncAction
		wantVersion int
	}{
		{
			name:        "unknown document opens at version 1",
			doc:         nil,
			content:     "fn main() {}",
			wantAction:  syncOpen,
			wantVersion: 1,
		},
		{
			name:        "identical content is a no-op",
			doc:         &openDocument{version: 3, content: "fn main() {}"},
			content:     "fn main() {}",
			wantAction:  syncNone,
			wantVersion: 3,
		},
		{
			name:        "changed content bumps the version by one",
			doc:         &openDocument{version: 3, content: "fn main() {}"},
			content:     "fn main() { panic!() }",
			wantAction:  syncChange,
			wantVersion: 4,
		},
		{
			name:        "empty content still opens",
			doc:         nil,
			content:     "",
			wantAction:  syncOpen,
			wantVersion: 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			action, version := decideSync(tt.doc, tt.content)
			if action != tt.wantAction {
				t.Errorf("action = %v, want %v", action, tt.wantAction)
			}
			if version != tt.wantVersion {
				t.Errorf("version = %d, want %d", version, tt.wantVersion)
			}
		})
	}
}

func TestSyncDocumentNotificationSequence(t *testing.T) {
	c, srv := newTestClient(t, Options{})
	uri := "file:///tmp/lib.rs"

	done := make(chan error, 1)
	go func() {
		done <- c.SyncDocument(context.Background(), uri, "fn a() {}")
	}()

	open := srv.next()
	if method := requestMethod(t, open); method != "textDocument/didOpen" {
		t.Fatalf("first notification = %q, want textDocument/didOpen", method)
	}
	var openParams struct {
		Params didOpenParams `json:"params"`
	}
	if err := json.Unmarshal([]byte(open), &openParams); err != nil {
		t.Fatal(err)
	}
	doc := openParams.Params.TextDocument
	if doc.URI != uri || doc.Version != 1 || doc.LanguageID != "rust" || doc.Text != "fn a() {}" {
		t.Errorf("didOpen document = %+v, want version 1 rust document", doc)
	}

	if method := requestMethod(t, srv.next()); method != "textDocument/didSave" {
		t.Fatalf("second notification = %q, want textDocument/didSave", method)
	}
	if err := <-done; err != nil {
		t.Fatalf("SyncDocument() error: %v", err)
	}

	// Changed content: didChange with the full new text, then didSave.
	go func() {
		done <- c.SyncDocument(context.Background(), uri, "fn a() { b() }")
	}()

	change := srv.next()
	if method := requestMethod(t, change); method != "textDocument/didChange" {
		t.Fatalf("notification = %q, want textDocument/didChange", method)
	}
	var changeParams struct {
		Params didChangeParams `json:"params"`
	}
	if err := json.Unmarshal([]byte(change), &changeParams); err != nil {
		t.Fatal(err)
	}
	if v := changeParams.Params.TextDocument.Version; v != 2 {
		t.Errorf("didChange version = %d, want 2", v)
	}
	if changes := changeParams.Params.ContentChanges; len(changes) != 1 || changes[0].Text != "fn a() { b() }" {
		t.Errorf("content changes = %+v, want one full-text replacement", changes)
	}

	if method := requestMethod(t, srv.next()); method != "textDocument/didSave" {
		t.Fatalf("notification = %q, want textDocument/didSave", method)
	}
	if err := <-done; err != nil {
		t.Fatalf("SyncDocument() error: %v", err)
	}
}

func TestSyncDocumentIdenticalContentIsSilent(t *testing.T) {
	c, srv := newTestClient(t, Options{})
	uri := "file:///tmp/lib.rs"

	done := make(chan error, 1)
	go func() {
		done <- c.SyncDocument(context.Background(), uri, "fn a() {}")
	}()
	srv.next()
	srv.next()
	if err := <-done; err != nil {
		t.Fatal(err)
	}

	// Writes block on the pipe until read, so a clean return here proves
	// nothing was sent.
	if err := c.SyncDocument(context.Background(), uri, "fn a() {}"); err != nil {
		t.Fatalf("no-op sync error: %v", err)
	}

	if v, ok := c.DocumentVersion(uri); !ok || v != 1 {
		t.Errorf("version after no-op = (%d, %v), want (1, true)", v, ok)
	}
}

func TestSyncDocumentClearsStaleDiagnostics(t *testing.T) {
	c, srv := newTestClient(t, Options{})
	uri := "file:///tmp/lib.rs"

	done := make(chan error, 1)
	go func() {
		done <- c.SyncDocument(context.Background(), uri, "fn a() {}")
	}()
	srv.next()
	srv.next()
	if err := <-done; err != nil {
		t.Fatal(err)
	}

	c.diagMu.Lock()
	c.diagnostics[uri] = []json.RawMessage{json.RawMessage(`{"message":"stale"}`)}
	c.diagMu.Unlock()

	go func() {
		done <- c.SyncDocument(context.Background(), uri, "fn a() { changed() }")
	}()
	srv.next()
	srv.next()
	if err := <-done; err != nil {
		t.Fatal(err)
	}

	c.diagMu.Lock()
	_, ok := c.diagnostics[uri]
	c.diagMu.Unlock()
	if ok {
		t.Error("stale diagnostics survived a content change")
	}
}

func TestDocumentAccessors(t *testing.T) {
	c, srv := newTestClient(t, Options{})
	uri := "file:///tmp/main.rs"

	if c.IsDocumentOpen(uri) {
		t.Error("IsDocumentOpen() = true before sync")
	}
	if _, ok := c.DocumentVersion(uri); ok {
		t.Error("DocumentVersion() found an unsynced document")
	}

	done := make(chan error, 1)
	go func() {
		done <- c.SyncDocument(context.Background(), uri, "fn main() {}")
	}()
	srv.next()
	srv.next()
	if err := <-done; err != nil {
		t.Fatal(err)
	}

	if !c.IsDocumentOpen(uri) {
		t.Error("IsDocumentOpen() = false after sync")
	}
	if uris := c.OpenDocumentURIs(); len(uris) != 1 || uris[0] != uri {
		t.Errorf("OpenDocumentURIs() = %v, want [%s]", uris, uri)
	}
}
