// Package transcript records turn traffic as compressed JSONL so a session
// can be replayed after the fact. One record per line, zstd-framed.
package transcript

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"
)

// Kind discriminates transcript records.
type Kind string

const (
	// KindInput is the TurnInput sent to the backend.
	KindInput Kind = "input"

	// KindEvent is one decoded stream event, in delivery order.
	KindEvent Kind = "event"

	// KindOutput is the TurnOutput that was merged into state, after
	// validation or fallback.
	KindOutput Kind = "output"
)

// Record is one transcript line.
type Record struct {
	Time time.Time       `json:"time"`
	Turn int             `json:"turn"`
	Kind Kind            `json:"kind"`
	Data json.RawMessage `json:"data"`
}

// Writer appends records to a zstd-compressed JSONL file. Safe for
// concurrent use.
type Writer struct {
	mu  sync.Mutex
	f   *os.File
	enc *zstd.Encoder
	w   *bufio.Writer
	now func() time.Time
}

// WriterOption configures a Writer.
type WriterOption func(*Writer)

// WithNow overrides the timestamp source.
func WithNow(now func() time.Time) WriterOption {
	return func(w *Writer) { w.now = now }
}

// NewWriter opens a transcript file for appending, creating parent
// directories as needed.
func NewWriter(path string, opts ...WriterOption) (*Writer, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create transcript dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open transcript: %w", err)
	}
	enc, err := zstd.NewWriter(f, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("create zstd writer: %w", err)
	}
	w := &Writer{
		f:   f,
		enc: enc,
		w:   bufio.NewWriterSize(enc, 128*1024),
		now: time.Now,
	}
	for _, o := range opts {
		o(w)
	}
	return w, nil
}

// Append writes one record. A zero Time is stamped with the current time.
func (w *Writer) Append(rec Record) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.w == nil {
		return fmt.Errorf("transcript writer is closed")
	}

	if rec.Time.IsZero() {
		rec.Time = w.now().UTC()
	}
	b, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode transcript record: %w", err)
	}
	if _, err := w.w.Write(b); err != nil {
		return err
	}
	if err := w.w.WriteByte('\n'); err != nil {
		return err
	}
	return w.w.Flush()
}

// Close flushes and closes the transcript.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	var err error
	if w.w != nil {
		_ = w.w.Flush()
	}
	if w.enc != nil {
		err = w.enc.Close()
		w.enc = nil
	}
	if w.f != nil {
		_ = w.f.Close()
		w.f = nil
	}
	w.w = nil
	return err
}

// ReadAll decodes every record in a transcript file, in write order.
func ReadAll(path string) ([]Record, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open transcript: %w", err)
	}
	defer f.Close()

	dec, err := zstd.NewReader(f)
	if err != nil {
		return nil, fmt.Errorf("create zstd reader: %w", err)
	}
	defer dec.Close()

	var records []Record
	scanner := bufio.NewScanner(dec)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		raw := scanner.Bytes()
		if len(raw) == 0 {
			continue
		}
		var rec Record
		if err := json.Unmarshal(raw, &rec); err != nil {
			return nil, fmt.Errorf("transcript line %d: %w", line, err)
		}
		records = append(records, rec)
	}
	if err := scanner.Err(); err != nil && err != io.EOF {
		return nil, fmt.Errorf("read transcript: %w", err)
	}
	return records, nil
}
