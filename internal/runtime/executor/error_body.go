package executor

import (
	"bytes"
	"io"
	"strings"
	"unicode/utf8"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/gzip"
)

const maxErrorBodyLog = 2048

// summarizeErrorBody renders an upstream error body for debug logs. Bodies
// occasionally arrive still compressed when an intermediary strips the
// Content-Encoding header, so gzip and brotli payloads are inflated first.
func summarizeErrorBody(contentType string, body []byte) string {
	if len(body) == 0 {
		return "<empty>"
	}

	decoded := body
	if len(body) > 2 && body[0] == 0x1f && body[1] == 0x8b {
		if r, err := gzip.NewReader(bytes.NewReader(body)); err == nil {
			if inflated, errRead := io.ReadAll(io.LimitReader(r, maxErrorBodyLog*4)); errRead == nil && len(inflated) > 0 {
				decoded = inflated
			}
			_ = r.Close()
		}
	} else if !utf8.Valid(body) {
		if inflated, err := io.ReadAll(io.LimitReader(brotli.NewReader(bytes.NewReader(body)), maxErrorBodyLog*4)); err == nil && utf8.Valid(inflated) && len(inflated) > 0 {
			decoded = inflated
		}
	}

	text := strings.TrimSpace(string(decoded))
	if strings.Contains(contentType, "text/html") {
		text = strings.Join(strings.Fields(text), " ")
	}
	if len(text) > maxErrorBodyLog {
		text = text[:maxErrorBodyLog] + "...(truncated)"
	}
	if text == "" {
		return "<binary>"
	}
	return text
}
