// Package framer reconstructs newline-delimited lines from arbitrarily
// chunked reads of a child's output stream.
package framer

import (
	"bytes"
	"strings"
)

// Kind classifies a completed line.
type Kind int

const (
	// KindCandidate is a line that looks like a JSON object and should be
	// handed to the codec.
	KindCandidate Kind = iota
	// KindNoise is any other non-empty line, typically free-form logging.
	KindNoise
)

func (k Kind) String() string {
	switch k {
	case KindCandidate:
		return "candidate"
	case KindNoise:
		return "noise"
	default:
		return "unknown"
	}
}

// Line is one newline-terminated segment with surrounding whitespace
// (including a trailing \r) removed.
type Line struct {
	Text string
	Kind Kind
}

// Framer accumulates bytes until a newline arrives. The zero value is ready
// to use. A Framer is not safe for concurrent use.
type Framer struct {
	buf []byte
}

// Feed appends chunk and returns every line it completed, in order. The
// unterminated remainder stays buffered for the next call.
func (f *Framer) Feed(chunk []byte) []Line {
	f.buf = append(f.buf, chunk...)

	var lines []Line
	for {
		i := bytes.IndexByte(f.buf, '\n')
		if i < 0 {
			break
		}
		segment := string(f.buf[:i])
		f.buf = f.buf[i+1:]
		if line, ok := Classify(segment); ok {
			lines = append(lines, line)
		}
	}

	// Drop the consumed prefix so the backing array does not grow without
	// bound on long-lived streams.
	if len(f.buf) == 0 {
		f.buf = nil
	} else if cap(f.buf) > 4*len(f.buf) && cap(f.buf) > 64*1024 {
		f.buf = append([]byte(nil), f.buf...)
	}
	return lines
}

// Buffered reports how many bytes are waiting for a terminator.
func (f *Framer) Buffered() int { return len(f.buf) }

// Flush returns the unterminated tail and clears it. It is meant for end of
// stream; the tail is never a complete message.
func (f *Framer) Flush() (string, bool) {
	if len(f.buf) == 0 {
		return "", false
	}
	tail := string(f.buf)
	f.buf = nil
	return tail, true
}

// Classify trims a raw segment and decides whether it is a JSON candidate.
// Blank segments report false.
func Classify(segment string) (Line, bool) {
	text := strings.TrimSpace(segment)
	if text == "" {
		return Line{}, false
	}
	if strings.HasPrefix(text, "{") && strings.HasSuffix(text, "}") {
		return Line{Text: text, Kind: KindCandidate}, true
	}
	return Line{Text: text, Kind: KindNoise}, true
}
