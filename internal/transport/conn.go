package transport

import (
	"errors"
	"fmt"
	"io"
	"sync"
)

const readChunkSize = 8 * 1024

// Conn frames messages over a byte-stream pair. Reads auto-detect the
// framing per message; writes echo an explicit framing. Reads and writes
// are independent: the write path is mutex-guarded so concurrent writers
// never interleave frames, while reads are expected from a single loop.
type Conn struct {
	r   io.Reader
	dec Decoder

	wmu sync.Mutex
	w   io.Writer
}

// NewConn creates a connection over the given reader and writer,
// typically process standard streams or pipes.
func NewConn(r io.Reader, w io.Writer) *Conn {
	return &Conn{r: r, w: w}
}

// ReadMessage returns the next complete message from the stream. A single
// read may deliver several frames; they are returned one per call. After
// the final message has been consumed and the stream is closed it returns
// io.EOF. A Content-Length frame truncated by end of stream is an error.
func (c *Conn) ReadMessage() (Message, error) {
	for {
		msg, ok, err := c.dec.Next()
		if err != nil {
			return Message{}, err
		}
		if ok {
			return msg, nil
		}

		chunk := make([]byte, readChunkSize)
		n, err := c.r.Read(chunk)
		if n > 0 {
			c.dec.Feed(chunk[:n])
		}
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrClosedPipe) {
				msg, ok, cerr := c.dec.Close()
				if cerr != nil {
					return Message{}, cerr
				}
				if ok {
					return msg, nil
				}
				return Message{}, io.EOF
			}
			return Message{}, err
		}
	}
}

// WriteMessage writes msg using the given framing.
func (c *Conn) WriteMessage(msg string, f Framing) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	return WriteFrame(c.w, msg, f)
}

// WriteFrame writes one framed message to w. Content-Length frames carry
// the exact payload bytes after the header block; newline frames append a
// single '\n' terminator. Callers sharing w must serialize access.
func WriteFrame(w io.Writer, msg string, f Framing) error {
	switch f {
	case FramingContentLength:
		header := fmt.Sprintf("Content-Length: %d\r\n\r\n", len(msg))
		if _, err := io.WriteString(w, header); err != nil {
			return fmt.Errorf("write header: %w", err)
		}
		if _, err := io.WriteString(w, msg); err != nil {
			return fmt.Errorf("write body: %w", err)
		}
	case FramingNewline:
		if _, err := io.WriteString(w, msg); err != nil {
			return fmt.Errorf("write body: %w", err)
		}
		if _, err := io.WriteString(w, "\n"); err != nil {
			return fmt.Errorf("write terminator: %w", err)
		}
	default:
		return fmt.Errorf("unknown framing %d", int(f))
	}
	return nil
}
