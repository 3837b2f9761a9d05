package lsp

import (
	"context"
	"fmt"
	"time"
)

// syncAction is the outcome of comparing incoming content against the
// tracked state for a document.
type syncAction int

const (
	syncNone syncAction = iota
	syncOpen
	syncChange
)

func (a syncAction) String() string {
	switch a {
	case syncNone:
		return "no-op"
	case syncOpen:
		return "open"
	case syncChange:
		return "change"
	default:
		return "unknown"
	}
}

// openDocument tracks one synchronized document. Version starts at 1 and
// increments by exactly one per content change, never on identical
// content.
type openDocument struct {
	version int
	content string
}

// decideSync computes the action and resulting version for new content
// given the tracked state (nil when the document is unknown). It performs
// no I/O; the caller applies the result under the documents lock.
func decideSync(doc *openDocument, content string) (syncAction, int) {
	switch {
	case doc == nil:
		return syncOpen, 1
	case doc.content == content:
		return syncNone, doc.version
	default:
		return syncChange, doc.version + 1
	}
}

// SyncDocument reconciles the tracked state for uri with content and
// notifies the server when the document is new or changed. Identical
// content produces no traffic at all. The full text is always sent; the
// bridge never computes incremental edits. A save notification follows
// every open or change so checkOnSave analysis runs, and the call then
// pauses for the configured delay before returning. Callers must not
// assume analysis is complete when SyncDocument returns.
func (c *Client) SyncDocument(ctx context.Context, uri, content string) error {
	c.docsMu.Lock()
	action, version := decideSync(c.docs[uri], content)
	switch action {
	case syncNone:
		c.docsMu.Unlock()
		c.log.Debug("document already up to date", "uri", uri)
		return nil
	case syncOpen:
		c.docs[uri] = &openDocument{version: version, content: content}
	case syncChange:
		doc := c.docs[uri]
		doc.version = version
		doc.content = content
	}
	c.docsMu.Unlock()

	// Drop stale diagnostics before notifying, so callers never observe
	// results computed against the old content.
	c.diagMu.Lock()
	delete(c.diagnostics, uri)
	c.diagMu.Unlock()

	c.log.Debug("synchronizing document", "uri", uri, "action", action, "version", version)

	switch action {
	case syncOpen:
		params := didOpenParams{
			TextDocument: textDocumentItem{
				URI:        uri,
				LanguageID: "rust",
				Version:    version,
				Text:       content,
			},
		}
		if err := c.SendNotification("textDocument/didOpen", params); err != nil {
			return fmt.Errorf("didOpen: %w", err)
		}
	case syncChange:
		params := didChangeParams{
			TextDocument:   versionedTextDocumentID{URI: uri, Version: version},
			ContentChanges: []contentChange{{Text: content}},
		}
		if err := c.SendNotification("textDocument/didChange", params); err != nil {
			return fmt.Errorf("didChange: %w", err)
		}
	}

	save := didSaveParams{TextDocument: textDocumentID{URI: uri}}
	if err := c.SendNotification("textDocument/didSave", save); err != nil {
		return fmt.Errorf("didSave: %w", err)
	}

	// Head start for analysis; suspends only this caller.
	if c.opts.SyncDelay > 0 {
		select {
		case <-time.After(c.opts.SyncDelay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	return nil
}

// DocumentVersion returns the tracked version for uri.
func (c *Client) DocumentVersion(uri string) (int, bool) {
	c.docsMu.Lock()
	defer c.docsMu.Unlock()

	doc, ok := c.docs[uri]
	if !ok {
		return 0, false
	}
	return doc.version, true
}

// IsDocumentOpen reports whether uri has been synchronized this session.
func (c *Client) IsDocumentOpen(uri string) bool {
	c.docsMu.Lock()
	defer c.docsMu.Unlock()
	_, ok := c.docs[uri]
	return ok
}

// OpenDocumentURIs returns the URIs of all synchronized documents.
func (c *Client) OpenDocumentURIs() []string {
	c.docsMu.Lock()
	defer c.docsMu.Unlock()

	uris := make([]string, 0, len(c.docs))
	for uri := range c.docs {
		uris = append(uris, uri)
	}
	return uris
}
