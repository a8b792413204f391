// Package capability implements the pattern language that decides whether
// a given message is permitted for a given participant.
//
// A capability is a partial template over a message: a kind pattern,
// an optional recipient constraint, and an optional structural payload
// pattern. A participant may send a message iff it matches at least one
// capability in the union of its configured and granted sets.
//
// The matcher is a pure predicate over (pattern, message) with a bounded
// memoization cache; malformed patterns are rejected at compile time so
// enforcement never has to handle pattern errors.
//
// Pattern language:
//   - kind: literal tag, slash-separated glob (`*` one segment, `**` zero
//     or more segments), or a list meaning alternation
//   - to: literal participant id, glob, or list; broadcast messages
//     satisfy a `to` constraint only when the constraint is a wildcard
//   - payload: recursive partial template (see payload.go)
//
// Called by: gateway core (policy enforcement), config loading
// Calls: doublestar (segment globs), gobwas/glob (string globs),
// gjson (path expressions), regexp, golang-lru (memoization)
package capability

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/bmatcuk/doublestar/v4"
)

// Capability is the configuration-level description of a family of
// permitted messages. Kind and To accept either a string or a list of
// strings (alternation); Payload is a partial structural template.
//
// The zero value matches nothing; compile a capability into a Pattern
// before use.
type Capability struct {
	Kind    interface{}            `json:"kind" yaml:"kind"`
	To      interface{}            `json:"to,omitempty" yaml:"to,omitempty"`
	Payload map[string]interface{} `json:"payload,omitempty" yaml:"payload,omitempty"`
}

// MessageView is the slice of a message the matcher is allowed to see:
// the kind tag, the recipient list, and the raw payload bytes. The
// matcher never inspects anything else.
type MessageView struct {
	ID      string   // envelope id, used only as a cache key component
	Kind    string   // slash-namespaced kind tag
	To      []string // recipient ids; empty means broadcast
	Payload []byte   // raw JSON payload, may be nil
}

// Pattern is a compiled capability ready for enforcement.
//
// Thread Safety: immutable after Compile; safe for concurrent use.
type Pattern struct {
	source  Capability
	id      string // content hash, stable across processes
	kinds   []string
	to      []string
	payload *payloadPattern
}

// Compile validates a capability and prepares it for matching. All
// pattern syntax errors surface here: a capability that compiles is
// assumed well-formed for the rest of its life.
//
// Returns:
//   - *Pattern: compiled pattern
//   - error: kind missing, bad glob, bad regex, or bad path expression
//
// Called by: config load, grant handling
func Compile(cap Capability) (*Pattern, error) {
	kinds, err := stringAlternation(cap.Kind)
	if err != nil {
		return nil, fmt.Errorf("capability kind: %w", err)
	}
	if len(kinds) == 0 {
		return nil, fmt.Errorf("capability kind is required")
	}
	for _, k := range kinds {
		if !doublestar.ValidatePattern(k) {
			return nil, fmt.Errorf("capability kind %q: invalid glob", k)
		}
	}

	var to []string
	if cap.To != nil {
		to, err = stringAlternation(cap.To)
		if err != nil {
			return nil, fmt.Errorf("capability to: %w", err)
		}
		for _, t := range to {
			if !doublestar.ValidatePattern(t) {
				return nil, fmt.Errorf("capability to %q: invalid glob", t)
			}
		}
	}

	var pp *payloadPattern
	if cap.Payload != nil {
		pp, err = compilePayload(cap.Payload)
		if err != nil {
			return nil, fmt.Errorf("capability payload: %w", err)
		}
	}

	return &Pattern{
		source:  cap,
		id:      fingerprint(cap),
		kinds:   kinds,
		to:      to,
		payload: pp,
	}, nil
}

// MustCompile is Compile for statically known-good patterns (tests,
// built-in gateway policy). Panics on error.
func MustCompile(cap Capability) *Pattern {
	p, err := Compile(cap)
	if err != nil {
		panic(err)
	}
	return p
}

// Source returns the capability this pattern was compiled from, for
// audit records and welcome payloads.
func (p *Pattern) Source() Capability { return p.source }

// ID returns the pattern's stable content fingerprint.
func (p *Pattern) ID() string { return p.id }

// Matches reports whether the message satisfies this pattern. A failure
// to match is a policy decision, never an error.
func (p *Pattern) Matches(msg MessageView) bool {
	if !p.matchKind(msg.Kind) {
		return false
	}
	if !p.matchTo(msg.To) {
		return false
	}
	if p.payload != nil {
		return p.payload.matches(msg.Payload)
	}
	return true
}

// matchKind applies the kind alternation: exact equality or a
// slash-separated glob where `*` spans one segment and `**` spans zero
// or more.
func (p *Pattern) matchKind(kind string) bool {
	for _, k := range p.kinds {
		if k == kind {
			return true
		}
		if ok, err := doublestar.Match(k, kind); err == nil && ok {
			return true
		}
	}
	return false
}

// matchTo applies the recipient constraint. No constraint always
// passes. A constrained pattern requires at least one listed recipient
// to satisfy it; broadcast (empty To) passes only wildcard constraints.
func (p *Pattern) matchTo(to []string) bool {
	if len(p.to) == 0 {
		return true
	}
	if len(to) == 0 {
		for _, t := range p.to {
			if t == "*" || t == "**" {
				return true
			}
		}
		return false
	}
	for _, recipient := range to {
		for _, t := range p.to {
			if t == recipient {
				return true
			}
			if ok, err := doublestar.Match(t, recipient); err == nil && ok {
				return true
			}
		}
	}
	return false
}

// stringAlternation normalizes a string-or-list pattern field into a
// slice. JSON decoding yields []interface{}, YAML yields the same, so
// both wire grants and config capabilities land here.
func stringAlternation(v interface{}) ([]string, error) {
	switch val := v.(type) {
	case nil:
		return nil, nil
	case string:
		return []string{val}, nil
	case []string:
		return val, nil
	case []interface{}:
		out := make([]string, 0, len(val))
		for _, item := range val {
			s, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("list element %v is not a string", item)
			}
			out = append(out, s)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("expected string or list of strings, got %T", v)
	}
}

// fingerprint produces a stable content hash for cache keys and audit
// records. Marshaling a Capability is deterministic enough here: map
// ordering inside payload templates is normalized by Go's JSON encoder
// (keys are sorted).
func fingerprint(cap Capability) string {
	data, err := json.Marshal(cap)
	if err != nil {
		// Capabilities come from YAML or JSON, so they are always
		// marshalable; keep a defined fallback regardless.
		data = []byte(fmt.Sprintf("%v", cap))
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:8])
}
