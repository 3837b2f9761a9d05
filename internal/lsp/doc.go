// Package lsp provides the rust-analyzer client side of the bridge.
//
// The package is organized around one Client that owns the rust-analyzer
// subprocess and every piece of per-session state:
//
//   - Process lifecycle: spawn rooted at the canonicalized workspace,
//     initialize handshake, graceful then forceful shutdown.
//   - Request correlation: monotonically increasing integer ids matched
//     to waiting callers by a single reader goroutine, with per-request
//     timeouts.
//   - Document synchronization: a version/content state machine that
//     decides between open, full-text change, and no-op, and always
//     follows up with a save notification to provoke on-save checks.
//   - Diagnostics: push results cached per URI, pull requests as
//     fallback, workspace-wide reports normalized from either wire
//     shape, and a bounded file-discovery sweep as the last resort.
//
// All exported methods are safe for concurrent use. Each concern guards
// its own state (pending table, document table, diagnostics table, id
// counter) so unrelated operations never serialize through one lock; the
// server's stdin is the one shared write path and is serialized.
package lsp
