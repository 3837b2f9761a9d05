// Package transport implements the dual-framing message layer shared by
// the MCP serving loop and the rust-analyzer client.
//
// Two framings coexist on the caller-facing connection and are detected
// per message: the LSP base protocol (a Content-Length header block
// followed by exactly that many payload bytes) and newline-delimited JSON.
// A reply is always written with the framing of the request that
// triggered it, so clients speaking either dialect see consistent
// responses.
//
// Decoder is the incremental extractor: feed it raw bytes in whatever
// chunks the stream delivers and pull complete messages off it. Conn
// combines a Decoder with an io.Reader/io.Writer pair and serializes the
// write path so concurrent writers never interleave frames.
package transport
