// Package ndjson decodes newline-delimited JSON from an arbitrarily chunked
// byte stream. Each complete line is an independent JSON value; malformed
// lines are logged and dropped without disturbing the lines around them.
package ndjson

import (
	"bytes"
	"encoding/json"
	"log/slog"
)

// Parser buffers partial lines across Feed calls. A value split at any byte
// boundary between two Feeds decodes exactly once when its newline arrives.
//
// Parser is not safe for concurrent use; a stream is consumed by one reader.
type Parser struct {
	buf    []byte
	logger *slog.Logger
}

// New creates a Parser. A nil logger falls back to slog.Default.
func New(logger *slog.Logger) *Parser {
	if logger == nil {
		logger = slog.Default()
	}
	return &Parser{logger: logger}
}

// Feed appends chunk to the internal buffer and returns every complete line
// that decodes as JSON, in stream order. The trailing fragment after the
// last newline stays buffered for the next Feed or Flush.
//
// Lines that are empty after trimming are skipped silently. Lines that fail
// to decode are logged at warn level and skipped; they never suppress the
// lines that follow them.
func (p *Parser) Feed(chunk []byte) []json.RawMessage {
	p.buf = append(p.buf, chunk...)

	var out []json.RawMessage
	for {
		i := bytes.IndexByte(p.buf, '\n')
		if i < 0 {
			break
		}
		line := p.buf[:i]
		// Re-slice rather than alias: decoded lines must survive buffer reuse.
		p.buf = append([]byte(nil), p.buf[i+1:]...)

		if raw, ok := p.decodeLine(line); ok {
			out = append(out, raw)
		}
	}
	return out
}

// Flush decodes any remaining buffered content that never received its
// newline. Returns false if the buffer is empty or undecodable. The buffer
// is cleared either way.
func (p *Parser) Flush() (json.RawMessage, bool) {
	line := p.buf
	p.buf = nil
	return p.decodeLine(line)
}

// Buffered returns the number of bytes waiting for a newline.
func (p *Parser) Buffered() int {
	return len(p.buf)
}

func (p *Parser) decodeLine(line []byte) (json.RawMessage, bool) {
	line = bytes.TrimSpace(line)
	if len(line) == 0 {
		return nil, false
	}
	if !json.Valid(line) {
		p.logger.Warn("dropping malformed ndjson line", "len", len(line), "prefix", linePrefix(line))
		return nil, false
	}
	raw := make(json.RawMessage, len(line))
	copy(raw, line)
	return raw, true
}

// linePrefix truncates a line for log output.
func linePrefix(line []byte) string {
	const max = 64
	if len(line) > max {
		return string(line[:max]) + "..."
	}
	return string(line)
}
