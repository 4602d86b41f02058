package registry

import (
	"regexp"
	"strings"
	"sync"
)

// The backend only accepts function names made of word characters, dots and
// dashes, starting with a letter or underscore, at most 63 bytes.
var invalidToolNameChars = regexp.MustCompile(`[^a-zA-Z0-9_.\-]`)

const maxToolNameLength = 63

// ToolNameRegistry keeps the bidirectional mapping between client-supplied
// tool names and backend-safe identifiers, keyed per model. Entries are
// created lazily whenever sanitization changes a name and consulted when a
// backend functionCall is translated back to the client protocol.
type ToolNameRegistry struct {
	mu       sync.Mutex
	original map[string]string // (model, sanitized) -> original
}

// NewToolNameRegistry creates an empty registry.
func NewToolNameRegistry() *ToolNameRegistry {
	return &ToolNameRegistry{original: make(map[string]string)}
}

func toolKey(model, sanitized string) string {
	return model + "|" + sanitized
}

// Sanitize rewrites name into a backend-safe identifier and records the
// reverse mapping when the name changed. Names that are already safe pass
// through untouched and record nothing.
func (r *ToolNameRegistry) Sanitize(model, name string) string {
	sanitized := SanitizeToolName(name)
	if sanitized == name {
		return name
	}
	if r != nil {
		r.mu.Lock()
		r.original[toolKey(model, sanitized)] = name
		r.mu.Unlock()
	}
	return sanitized
}

// Lookup returns the original client-supplied name for a sanitized identifier.
// Unknown identifiers are returned unchanged so unsanitized names round-trip.
func (r *ToolNameRegistry) Lookup(model, sanitized string) string {
	if r == nil {
		return sanitized
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if original, ok := r.original[toolKey(model, sanitized)]; ok {
		return original
	}
	return sanitized
}

// SanitizeToolName rewrites a tool name into the backend's identifier grammar.
func SanitizeToolName(name string) string {
	name = strings.TrimSpace(name)
	if name == "" {
		return "tool"
	}
	sanitized := invalidToolNameChars.ReplaceAllString(name, "_")
	if c := sanitized[0]; !(c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')) {
		sanitized = "_" + sanitized
	}
	if len(sanitized) > maxToolNameLength {
		sanitized = sanitized[:maxToolNameLength]
	}
	return sanitized
}
