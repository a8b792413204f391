// Matcher: the memoized policy predicate the gateway consults for every
// envelope. Matching itself is pure; the matcher only adds a bounded
// (pattern, envelope) result cache so repeated checks against the same
// policy rule stay near O(1) per envelope.

package capability

import (
	lru "github.com/hashicorp/golang-lru/v2"
)

// DefaultCacheSize bounds the memoization cache. Each entry is a single
// boolean keyed by (pattern fingerprint, envelope id).
const DefaultCacheSize = 4096

// Source identifies where a matched capability came from.
type Source string

const (
	SourceConfigured Source = "configured" // space configuration, immutable for the session
	SourceGranted    Source = "granted"    // dynamic grant from a peer
)

// Decision is the outcome of evaluating a message against a
// participant's effective capability set. It carries everything the
// audit trail records about a policy check.
type Decision struct {
	Allowed bool
	Matched *Pattern // nil when denied
	Source  Source   // meaningful only when Allowed
}

// Matcher evaluates compiled patterns with bounded memoization.
//
// Thread Safety: safe for concurrent use; the LRU cache is internally
// synchronized and patterns are immutable.
type Matcher struct {
	cache *lru.Cache[string, bool]
}

// NewMatcher creates a matcher with the given cache size; size <= 0
// selects DefaultCacheSize.
func NewMatcher(size int) *Matcher {
	if size <= 0 {
		size = DefaultCacheSize
	}
	// lru.New only fails on non-positive sizes, which is excluded above.
	cache, _ := lru.New[string, bool](size)
	return &Matcher{cache: cache}
}

// Matches reports whether the message satisfies the pattern, memoizing
// per (pattern, envelope id). Messages without an id bypass the cache.
func (m *Matcher) Matches(p *Pattern, msg MessageView) bool {
	if msg.ID == "" {
		return p.Matches(msg)
	}
	key := p.id + "\x00" + msg.ID
	if cached, ok := m.cache.Get(key); ok {
		return cached
	}
	result := p.Matches(msg)
	m.cache.Add(key, result)
	return result
}

// Evaluate checks the message against a participant's effective
// capability set: configured capabilities first, then grants. The first
// match wins; configured capabilities take precedence only in the sense
// that they are consulted first, the result is the same either way.
func (m *Matcher) Evaluate(msg MessageView, configured, granted []*Pattern) Decision {
	for _, p := range configured {
		if m.Matches(p, msg) {
			return Decision{Allowed: true, Matched: p, Source: SourceConfigured}
		}
	}
	for _, p := range granted {
		if m.Matches(p, msg) {
			return Decision{Allowed: true, Matched: p, Source: SourceGranted}
		}
	}
	return Decision{}
}
