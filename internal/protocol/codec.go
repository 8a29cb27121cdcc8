// ABOUTME: Streaming JSON codec for a single agent control connection.
// ABOUTME: Writes one document per request and reassembles replies across reads.

package protocol

import (
	"encoding/json"
	"errors"
	"io"
)

// DefaultMaxMessageSize caps a single reply when no limit is configured.
const DefaultMaxMessageSize = 1 << 20

// Codec encodes requests and decodes replies on one connection. It is not
// safe for concurrent use; callers serialize exchanges.
type Codec struct {
	w      io.Writer
	budget *budgetReader
	dec    *json.Decoder
}

// NewCodec wraps rw. maxMessageSize bounds the bytes consumed per reply;
// values <= 0 select DefaultMaxMessageSize.
func NewCodec(rw io.ReadWriter, maxMessageSize int) *Codec {
	if maxMessageSize <= 0 {
		maxMessageSize = DefaultMaxMessageSize
	}
	b := &budgetReader{r: rw, limit: int64(maxMessageSize)}
	return &Codec{
		w:      rw,
		budget: b,
		dec:    json.NewDecoder(b),
	}
}

// Encode writes req as a single JSON document in one write.
func (c *Codec) Encode(req Request) error {
	data, err := json.Marshal(req)
	if err != nil {
		return &ProtocolError{Reason: "encoding request", Err: err}
	}
	n, err := c.w.Write(data)
	if err != nil {
		return &TransportError{Op: "write", Err: err}
	}
	if n != len(data) {
		return &TransportError{Op: "write", Err: io.ErrShortWrite}
	}
	return nil
}

// Decode reads the next reply document and validates its envelope.
func (c *Codec) Decode() (*Response, error) {
	c.budget.reset()

	var raw json.RawMessage
	if err := c.dec.Decode(&raw); err != nil {
		var syntaxErr *json.SyntaxError
		if errors.As(err, &syntaxErr) {
			// The decoder stays failed after a syntax error; start over
			// with whatever the peer sends next.
			c.dec = json.NewDecoder(c.budget)
			return nil, &ProtocolError{Reason: "malformed JSON", Err: err}
		}
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return nil, &TransportError{Op: "read", Err: err}
	}
	return DecodeResponse(raw)
}

// budgetReader fails reads once limit bytes were consumed since the last
// reset. The decoder reads ahead, so the bound is per reply, not exact.
type budgetReader struct {
	r     io.Reader
	limit int64
	used  int64
}

func (b *budgetReader) reset() { b.used = 0 }

func (b *budgetReader) Read(p []byte) (int, error) {
	remaining := b.limit - b.used
	if remaining <= 0 {
		return 0, ErrMessageTooLarge
	}
	if int64(len(p)) > remaining {
		p = p[:remaining]
	}
	n, err := b.r.Read(p)
	b.used += int64(n)
	return n, err
}
