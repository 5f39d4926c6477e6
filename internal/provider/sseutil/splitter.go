// Package sseutil implements the SSE splitter: a pass-through transform
// over a byte stream of server-sent events that extracts the first seen
// {model, usage} pair without buffering the stream.
package sseutil

import (
	"bytes"
	"io"

	"github.com/tidwall/gjson"

	gateway "github.com/aipipe/aipipe/internal"
)

// maxLineSize caps the partial-line buffer. Frames longer than this are
// skipped from the metering scan; the bytes are still forwarded.
const maxLineSize = 256 * 1024

// ParseFunc canonicalises one parsed data frame into {model, usage}.
// Adapters supply their Parse method.
type ParseFunc func(event []byte) (model string, usage *gateway.Usage)

// EndFunc receives the latched pair exactly once at stream end. Either
// slot may be zero/nil when the stream never carried it.
type EndFunc func(model string, usage *gateway.Usage)

// Splitter forwards every written chunk to dst unmodified while scanning
// completed "data:" lines for the first non-empty model and first non-nil
// usage. Close fires the end callback exactly once.
type Splitter struct {
	dst    io.Writer
	parse  ParseFunc
	onEnd  EndFunc
	buf    []byte
	model  string
	usage  *gateway.Usage
	closed bool
}

// NewSplitter creates a Splitter writing through to dst.
func NewSplitter(dst io.Writer, parse ParseFunc, onEnd EndFunc) *Splitter {
	return &Splitter{dst: dst, parse: parse, onEnd: onEnd}
}

// Write forwards p downstream and scans it for completed lines. The
// forward happens first so a scan problem can never delay client bytes.
func (s *Splitter) Write(p []byte) (int, error) {
	n, err := s.dst.Write(p)
	if err != nil {
		return n, err
	}

	s.buf = append(s.buf, p...)
	for {
		nl := bytes.IndexByte(s.buf, '\n')
		if nl < 0 {
			break
		}
		s.scanLine(s.buf[:nl])
		s.buf = s.buf[nl+1:]
	}
	// A pathological frame without newlines must not grow the buffer
	// unboundedly; give up on scanning it.
	if len(s.buf) > maxLineSize {
		s.buf = s.buf[:0]
	}
	return n, nil
}

// scanLine latches model/usage from one completed "data:" line.
// Malformed JSON is silently skipped; later frames never overwrite a
// latched value (first wins).
func (s *Splitter) scanLine(line []byte) {
	if s.model != "" && s.usage != nil {
		return
	}
	line = bytes.TrimSuffix(line, []byte("\r"))
	rest, ok := bytes.CutPrefix(line, []byte("data:"))
	if !ok {
		return
	}
	rest = bytes.TrimPrefix(rest, []byte(" "))
	if len(rest) == 0 || rest[0] != '{' || !gjson.ValidBytes(rest) {
		return
	}
	model, usage := s.parse(rest)
	if s.model == "" {
		s.model = model
	}
	if s.usage == nil {
		s.usage = usage
	}
}

// Close scans any buffered partial line, then fires the metering callback
// once with the latched pair. A final frame without a trailing newline
// still counts.
func (s *Splitter) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	if len(s.buf) > 0 {
		s.scanLine(s.buf)
		s.buf = nil
	}
	if s.onEnd != nil {
		s.onEnd(s.model, s.usage)
	}
	return nil
}
