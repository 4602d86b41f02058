// Package sse assembles complete server-sent-event data lines from an
// arbitrarily chunked byte stream. Upstream responses may split a JSON
// payload across reads; feeding the raw chunks through a LineBuffer yields
// the same line sequence regardless of where the splits fall.
package sse

import (
	"bytes"
	"strings"
)

// LineBuffer accumulates bytes until a newline completes a line. A positive
// Max caps the pending buffer: a line that outgrows it is discarded through
// its terminating newline, the way bufio.Scanner drops an over-long token,
// so one corrupt line cannot grow the buffer without bound.
type LineBuffer struct {
	Max int

	pending  bytes.Buffer
	dropping bool
}

// Feed appends chunk and returns every line completed by it, with line
// terminators stripped. Incomplete trailing data stays buffered.
func (b *LineBuffer) Feed(chunk []byte) []string {
	b.pending.Write(chunk)

	var lines []string
	for {
		data := b.pending.Bytes()
		idx := bytes.IndexByte(data, '\n')
		if idx < 0 {
			if b.Max > 0 && b.pending.Len() > b.Max {
				b.pending.Reset()
				b.dropping = true
			}
			break
		}
		line := strings.TrimRight(string(data[:idx]), "\r")
		b.pending.Next(idx + 1)
		if b.dropping {
			// Tail of a discarded oversized line.
			b.dropping = false
			continue
		}
		lines = append(lines, line)
	}
	return lines
}

// Flush returns any buffered partial line and resets the buffer. Called when
// the stream ends without a trailing newline.
func (b *LineBuffer) Flush() string {
	if b.dropping {
		b.dropping = false
		b.pending.Reset()
		return ""
	}
	line := strings.TrimRight(b.pending.String(), "\r")
	b.pending.Reset()
	return line
}

// DataPayload strips the "data:" prefix from an SSE line. The second return
// reports whether the line carried a data field at all.
func DataPayload(line string) (string, bool) {
	if !strings.HasPrefix(line, "data:") {
		return "", false
	}
	return strings.TrimSpace(line[len("data:"):]), true
}
