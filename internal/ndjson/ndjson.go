// Package ndjson reads and writes newline-delimited JSON record files,
// optionally wrapped in snappy stream framing.
package ndjson

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/golang/snappy"

	"github.com/jobmatch/eventgen/pkg/types"
)

// Compression selects the byte framing of a record file.
type Compression string

const (
	CompressionNone   Compression = "none"
	CompressionSnappy Compression = "snappy"
)

const (
	// Extension is the file extension of uncompressed record files.
	Extension = ".ndjson"

	// SnappyExtension is the file extension of snappy-framed record files.
	SnappyExtension = ".ndjson.sz"

	// MaxLineSize bounds a single encoded record.
	MaxLineSize = 1 << 20
)

// ParseCompression parses a compression name. The empty string means none.
func ParseCompression(s string) (Compression, error) {
	switch Compression(strings.ToLower(s)) {
	case "", CompressionNone:
		return CompressionNone, nil
	case CompressionSnappy:
		return CompressionSnappy, nil
	default:
		return "", fmt.Errorf("ndjson: unknown compression %q (must be none or snappy)", s)
	}
}

// ExtensionFor returns the file extension used for c.
func ExtensionFor(c Compression) string {
	if c == CompressionSnappy {
		return SnappyExtension
	}
	return Extension
}

// DetectCompression infers the compression of a file from its name.
func DetectCompression(path string) Compression {
	if strings.HasSuffix(path, SnappyExtension) || filepath.Ext(path) == ".sz" {
		return CompressionSnappy
	}
	return CompressionNone
}

// Writer encodes records one per line.
type Writer struct {
	out   io.Writer
	sz    *snappy.Writer
	buf   *bufio.Writer
	enc   *json.Encoder
	lines int
}

// NewWriter returns a writer that frames its output according to c.
// Close must be called to flush buffered data.
func NewWriter(w io.Writer, c Compression) *Writer {
	out := &Writer{out: w}
	target := w
	if c == CompressionSnappy {
		out.sz = snappy.NewBufferedWriter(w)
		target = out.sz
	}
	out.buf = bufio.NewWriter(target)
	out.enc = json.NewEncoder(out.buf)
	out.enc.SetEscapeHTML(false)
	return out
}

// Write encodes one record followed by a newline.
func (w *Writer) Write(rec *types.EventRecord) error {
	if err := w.enc.Encode(rec); err != nil {
		return fmt.Errorf("ndjson: encode line %d: %w", w.lines+1, err)
	}
	w.lines++
	return nil
}

// WriteLine writes one pre-encoded JSON object. It must not contain a newline.
func (w *Writer) WriteLine(line []byte) error {
	if bytes.IndexByte(line, '\n') >= 0 {
		return fmt.Errorf("ndjson: line %d contains a newline", w.lines+1)
	}
	if _, err := w.buf.Write(line); err != nil {
		return err
	}
	if err := w.buf.WriteByte('\n'); err != nil {
		return err
	}
	w.lines++
	return nil
}

// WriteBatch encodes every record of b in order.
func (w *Writer) WriteBatch(b types.Batch) error {
	for i := range b {
		if err := w.Write(&b[i]); err != nil {
			return err
		}
	}
	return nil
}

// Lines returns the number of lines written so far.
func (w *Writer) Lines() int { return w.lines }

// Close flushes buffered output. It does not close the underlying writer.
func (w *Writer) Close() error {
	if err := w.buf.Flush(); err != nil {
		return err
	}
	if w.sz != nil {
		return w.sz.Close()
	}
	return nil
}

// Reader yields the raw JSON object of each non-blank line.
type Reader struct {
	scanner *bufio.Scanner
	line    int
}

// NewReader returns a reader over r decoded according to c.
func NewReader(r io.Reader, c Compression) *Reader {
	if c == CompressionSnappy {
		r = snappy.NewReader(r)
	}
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), MaxLineSize)
	return &Reader{scanner: sc}
}

// Next returns the next line and its 1-based line number.
// It returns io.EOF after the last line.
func (r *Reader) Next() (json.RawMessage, int, error) {
	for r.scanner.Scan() {
		r.line++
		line := bytes.TrimSpace(r.scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		return append(json.RawMessage(nil), line...), r.line, nil
	}
	if err := r.scanner.Err(); err != nil {
		return nil, r.line, fmt.Errorf("ndjson: read line %d: %w", r.line+1, err)
	}
	return nil, r.line, io.EOF
}

// ReadBatch decodes every line of r into a record, preserving order.
func ReadBatch(r io.Reader, c Compression) (types.Batch, error) {
	reader := NewReader(r, c)
	var batch types.Batch
	for {
		raw, n, err := reader.Next()
		if err == io.EOF {
			return batch, nil
		}
		if err != nil {
			return nil, err
		}
		var rec types.EventRecord
		if err := json.Unmarshal(raw, &rec); err != nil {
			return nil, fmt.Errorf("ndjson: decode line %d: %w", n, err)
		}
		batch = append(batch, rec)
	}
}

// WriteFile writes b to path and returns the number of bytes on disk.
func WriteFile(path string, b types.Batch, c Compression) (int64, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return 0, fmt.Errorf("ndjson: create directory: %w", err)
	}
	f, err := os.Create(path)
	if err != nil {
		return 0, fmt.Errorf("ndjson: create file: %w", err)
	}
	defer f.Close()

	w := NewWriter(f, c)
	if err := w.WriteBatch(b); err != nil {
		return 0, err
	}
	if err := w.Close(); err != nil {
		return 0, fmt.Errorf("ndjson: flush: %w", err)
	}
	if err := f.Sync(); err != nil {
		return 0, fmt.Errorf("ndjson: sync: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}

// ReadFile reads a record file, inferring compression from its name.
func ReadFile(path string) (types.Batch, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("ndjson: open file: %w", err)
	}
	defer f.Close()
	return ReadBatch(f, DetectCompression(path))
}
