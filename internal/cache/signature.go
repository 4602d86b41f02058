// Package cache provides the process-wide stores the translators share:
// reasoning continuation signatures keyed by session and model, and resolved
// redirect URLs for grounding results. Both stores are injected into their
// consumers so tests can run against isolated instances.
package cache

import (
	"strings"
	"sync"
)

// SignatureScope distinguishes the context a signature was captured in.
// The backend hands out one signature per thinking block and expects it
// echoed back both on the thought part and on follow-on function calls, so
// reasoning and tool lookups intentionally share one slot per (session, model).
type SignatureScope string

const (
	ScopeReasoning SignatureScope = "reasoning"
	ScopeTool      SignatureScope = "tool"
)

// SignatureEntry holds an opaque continuation signature and the thinking text
// it was derived from. The signature is a capability token: stored, compared
// and forwarded, never inspected.
type SignatureEntry struct {
	Signature string
	Content   string
	Scope     SignatureScope
}

// defaultSignatureCapacity bounds the store. Entries are cheap to regenerate,
// so overflow clears the whole map instead of tracking recency.
const defaultSignatureCapacity = 1000

// SignatureCache maps (sessionID, model) to the latest continuation signature.
type SignatureCache struct {
	mu       sync.Mutex
	entries  map[string]SignatureEntry
	capacity int
}

// NewSignatureCache creates an empty cache with the default capacity.
func NewSignatureCache() *SignatureCache {
	return &SignatureCache{
		entries:  make(map[string]SignatureEntry),
		capacity: defaultSignatureCapacity,
	}
}

func signatureKey(sessionID, model string) string {
	return sessionID + "|" + model
}

// Put records the signature for a session+model slot, overwriting any
// previous entry regardless of scope.
func (c *SignatureCache) Put(sessionID, model string, entry SignatureEntry) {
	if c == nil || strings.TrimSpace(sessionID) == "" || strings.TrimSpace(entry.Signature) == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.entries) >= c.capacity {
		c.entries = make(map[string]SignatureEntry)
	}
	c.entries[signatureKey(sessionID, model)] = entry
}

// Get returns the cached entry for a session+model slot. Scope is not part of
// the key: a signature captured while streaming thinking deltas also answers
// tool-context lookups for the same slot.
func (c *SignatureCache) Get(sessionID, model string) (SignatureEntry, bool) {
	if c == nil || strings.TrimSpace(sessionID) == "" {
		return SignatureEntry{}, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries[signatureKey(sessionID, model)]
	return entry, ok
}

// Len reports the current number of cached entries.
func (c *SignatureCache) Len() int {
	if c == nil {
		return 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// ValidSignature reports whether sig looks like a usable continuation token.
func ValidSignature(sig string) bool {
	return strings.TrimSpace(sig) != ""
}
