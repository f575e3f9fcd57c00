package worker

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/unicode"
)

// DefaultMaxLineBytes bounds the partial-line accumulator of a Reassembler
const DefaultMaxLineBytes = 1 << 20

// TruncatedMarker is appended to lines cut at the accumulator bound
const TruncatedMarker = " [truncated]"

// Reassembler turns arbitrarily chunked bytes from one stream into complete,
// trimmed, non-empty lines. Lines are split on the raw newline byte before
// they are decoded, so a multi-byte character split across chunks decodes
// intact. A Reassembler belongs to exactly one stream and is not safe for
// concurrent use.
type Reassembler struct {
	decoder  *encoding.Decoder
	maxLine  int
	buf      []byte
	dropping bool // discarding the tail of an over-long line

	// OnWarning receives non-fatal decode problems (wrapping ErrStreamDecode)
	OnWarning func(error)
}

// NewReassembler creates a Reassembler decoding with enc (UTF-8 when nil).
// maxLine <= 0 selects DefaultMaxLineBytes.
func NewReassembler(enc encoding.Encoding, maxLine int) *Reassembler {
	if enc == nil {
		enc = unicode.UTF8
	}
	if maxLine <= 0 {
		maxLine = DefaultMaxLineBytes
	}
	return &Reassembler{
		decoder: enc.NewDecoder(),
		maxLine: maxLine,
	}
}

// Feed appends a chunk and returns every line it completed, in order.
func (r *Reassembler) Feed(chunk []byte) []string {
	var lines []string
	for len(chunk) > 0 {
		i := bytes.IndexByte(chunk, '\n')
		if i < 0 {
			r.accumulate(chunk)
			break
		}
		r.accumulate(chunk[:i])
		chunk = chunk[i+1:]
		if line, ok := r.take(); ok {
			lines = append(lines, line)
		}
	}
	return lines
}

// Flush returns the pending partial line, if any, as a complete line.
func (r *Reassembler) Flush() []string {
	if len(r.buf) == 0 && !r.dropping {
		return nil
	}
	if line, ok := r.take(); ok {
		return []string{line}
	}
	return nil
}

// pending returns the number of buffered bytes not yet emitted
func (r *Reassembler) pending() int {
	return len(r.buf)
}

func (r *Reassembler) accumulate(p []byte) {
	if r.dropping {
		return
	}
	room := r.maxLine - len(r.buf)
	if len(p) > room {
		r.buf = append(r.buf, p[:room]...)
		r.dropping = true
		return
	}
	r.buf = append(r.buf, p...)
}

func (r *Reassembler) take() (string, bool) {
	truncated := r.dropping
	line := strings.TrimSpace(r.decode(r.buf))
	r.buf = r.buf[:0]
	r.dropping = false

	if truncated {
		r.warn(fmt.Errorf("%w: line exceeded %d bytes and was truncated", ErrStreamDecode, r.maxLine))
	}
	if line == "" {
		return "", false
	}
	if truncated {
		line += TruncatedMarker
	}
	return line, true
}

// decode never fails: undecodable input becomes U+FFFD
func (r *Reassembler) decode(raw []byte) string {
	out, err := r.decoder.Bytes(raw)
	if err != nil {
		r.warn(fmt.Errorf("%w: %v", ErrStreamDecode, err))
		out = raw
	}

	if !utf8.Valid(out) {
		out = bytes.ToValidUTF8(out, []byte(string(utf8.RuneError)))
	}
	if bytes.ContainsRune(out, utf8.RuneError) && !bytes.ContainsRune(raw, utf8.RuneError) {
		r.warn(fmt.Errorf("%w: invalid byte sequence replaced", ErrStreamDecode))
	}
	return string(out)
}

func (r *Reassembler) warn(err error) {
	if r.OnWarning != nil {
		r.OnWarning(err)
	}
}

// ReadLines pumps src through re, calling emit for every complete line, and
// flushes the trailing partial line once src is exhausted. io.EOF is not
// reported; any other read error is returned after the flush.
func ReadLines(src io.Reader, re *Reassembler, emit func(string)) error {
	buf := make([]byte, 32*1024)
	for {
		n, err := src.Read(buf)
		if n > 0 {
			for _, line := range re.Feed(buf[:n]) {
				emit(line)
			}
		}
		if err != nil {
			for _, line := range re.Flush() {
				emit(line)
			}
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
	}
}
