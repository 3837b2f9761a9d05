package transport

import (
	"bytes"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Framing identifies how a message was delimited on the wire.
type Framing int

const (
	// FramingContentLength is the LSP base protocol: a header block
	// containing a Content-Length field, a blank line, then exactly that
	// many payload bytes.
	FramingContentLength Framing = iota

	// FramingNewline is one message per line, terminated by '\n'.
	FramingNewline
)

// String returns a human-readable framing name.
func (f Framing) String() string {
	switch f {
	case FramingContentLength:
		return "content-length"
	case FramingNewline:
		return "newline"
	default:
		return "unknown"
	}
}

// Message is one complete protocol message extracted from a byte stream,
// tagged with the framing it arrived under.
type Message struct {
	Text    string
	Framing Framing
}

var contentLengthToken = []byte("content-length:")

// Decoder incrementally extracts framed messages from a byte stream.
// Feed appends raw bytes; Next returns complete messages until only a
// partial frame remains. The zero value is ready to use.
type Decoder struct {
	buf []byte
}

// Feed appends raw bytes read from the stream.
func (d *Decoder) Feed(p []byte) {
	d.buf = append(d.buf, p...)
}

// Buffered reports how many undecoded bytes remain.
func (d *Decoder) Buffered() int {
	return len(d.buf)
}

// Next extracts the next complete message from the buffer. ok is false
// when no complete frame is available yet and the caller must feed more
// bytes; this is not an error.
func (d *Decoder) Next() (msg Message, ok bool, err error) {
	d.trimLeadingWhitespace()
	if len(d.buf) == 0 {
		return Message{}, false, nil
	}

	if d.startsWithContentLength() {
		text, ok, err := d.nextContentLength()
		if err != nil || !ok {
			return Message{}, false, err
		}
		return Message{Text: text, Framing: FramingContentLength}, true, nil
	}

	text, ok := d.nextLine()
	if !ok {
		return Message{}, false, nil
	}
	return Message{Text: text, Framing: FramingNewline}, true, nil
}

// Close applies end-of-stream semantics to whatever remains buffered: a
// Content-Length header with an incomplete body is a truncation error,
// trailing plain text becomes one final newline-delimited message, and an
// empty buffer is a clean end.
func (d *Decoder) Close() (Message, bool, error) {
	if msg, ok, err := d.Next(); err != nil || ok {
		return msg, ok, err
	}

	d.trimLeadingWhitespace()
	if len(d.buf) == 0 {
		return Message{}, false, nil
	}

	if d.startsWithContentLength() {
		return Message{}, false, errors.New("unexpected EOF inside content-length framed message")
	}

	text := strings.TrimSpace(string(d.buf))
	d.buf = nil
	if text == "" {
		return Message{}, false, nil
	}
	return Message{Text: text, Framing: FramingNewline}, true, nil
}

func (d *Decoder) trimLeadingWhitespace() {
	n := 0
	for n < len(d.buf) && isASCIISpace(d.buf[n]) {
		n++
	}
	if n > 0 {
		d.buf = d.buf[n:]
	}
}

func (d *Decoder) startsWithContentLength() bool {
	if len(d.buf) < len(contentLengthToken) {
		return false
	}
	return bytes.EqualFold(d.buf[:len(contentLengthToken)], contentLengthToken)
}

// nextContentLength extracts one Content-Length framed message, or reports
// ok=false when the header terminator or the full body has not arrived.
func (d *Decoder) nextContentLength() (string, bool, error) {
	headerEnd, delimLen := findHeaderEnd(d.buf)
	if headerEnd < 0 {
		return "", false, nil
	}

	length, found, err := parseContentLength(d.buf[:headerEnd])
	if err != nil {
		return "", false, err
	}
	if !found {
		return "", false, errors.New("missing Content-Length header")
	}

	bodyStart := headerEnd + delimLen
	bodyEnd := bodyStart + length
	if len(d.buf) < bodyEnd {
		return "", false, nil
	}

	text := string(d.buf[bodyStart:bodyEnd])
	d.buf = d.buf[bodyEnd:]
	return text, true, nil
}

// nextLine extracts one newline-delimited message, skipping blank lines.
func (d *Decoder) nextLine() (string, bool) {
	for {
		i := bytes.IndexByte(d.buf, '\n')
		if i < 0 {
			return "", false
		}

		line := d.buf[:i]
		d.buf = d.buf[i+1:]

		if len(line) > 0 && line[len(line)-1] == '\r' {
			line = line[:len(line)-1]
		}
		text := strings.TrimSpace(string(line))
		if text == "" {
			continue
		}
		return text, true
	}
}

func findHeaderEnd(buf []byte) (index, delimLen int) {
	if i := bytes.Index(buf, []byte("\r\n\r\n")); i >= 0 {
		return i, 4
	}
	if i := bytes.Index(buf, []byte("\n\n")); i >= 0 {
		return i, 2
	}
	return -1, 0
}

func parseContentLength(headers []byte) (int, bool, error) {
	for _, raw := range bytes.Split(headers, []byte("\n")) {
		line := bytes.TrimSuffix(raw, []byte("\r"))
		if len(line) == 0 {
			continue
		}

		colon := bytes.IndexByte(line, ':')
		if colon < 0 {
			continue
		}

		name := string(line[:colon])
		if !strings.EqualFold(name, "Content-Length") {
			continue
		}

		value := strings.TrimSpace(string(line[colon+1:]))
		n, err := strconv.Atoi(value)
		if err != nil {
			return 0, false, fmt.Errorf("invalid Content-Length value %q: %w", value, err)
		}
		return n, true, nil
	}
	return 0, false, nil
}

func isASCIISpace(b byte) bool {
	switch b {
	case ' ', '\t', '\r', '\n', '\v', '\f':
		return true
	}
	return false
}
