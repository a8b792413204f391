// Payload patterns: the structural template half of the capability
// language. A payload pattern is a partial JSON template matched
// recursively against the message payload; extra payload keys are always
// ignored, so a pattern constrains only what it names.

package capability

import (
	"encoding/json"
	"fmt"
	"reflect"
	"regexp"
	"strings"

	"github.com/gobwas/glob"
	"github.com/tidwall/gjson"
)

// payloadPattern is a compiled structural template over a JSON object.
type payloadPattern struct {
	entries []payloadEntry
}

// payloadEntry is one clause of a payload pattern. Three key forms exist:
//   - plain keys constrain the corresponding payload key
//   - the key `**` searches the whole payload subtree depth-first
//   - keys beginning with `$` are path expressions; the clause holds if
//     any resolved value matches
type payloadEntry struct {
	key     string
	deep    bool   // key was "**"
	path    string // gjson path for "$"-prefixed keys, "" otherwise
	matcher *valueMatcher
}

// valueMatcher matches a single decoded JSON value.
type valueMatcher struct {
	literal     interface{}     // literal deep-equality (normalized)
	isLiteral   bool            // distinguishes literal nil from unset
	re          *regexp.Regexp  // `/…/` string patterns
	glob        glob.Glob       // `*`/`?` string globs
	negGlob     glob.Glob       // `!`-prefixed negated globs
	alternation []*valueMatcher // list patterns
	object      *payloadPattern // nested object templates
}

// compilePayload compiles a template map. All syntax errors (bad regex,
// bad glob, bad path) surface here.
func compilePayload(template map[string]interface{}) (*payloadPattern, error) {
	pp := &payloadPattern{}
	for key, raw := range template {
		matcher, err := compileValue(raw)
		if err != nil {
			return nil, fmt.Errorf("key %q: %w", key, err)
		}
		entry := payloadEntry{key: key, matcher: matcher}
		switch {
		case key == "**":
			entry.deep = true
		case strings.HasPrefix(key, "$"):
			path := strings.TrimPrefix(key, "$")
			path = strings.TrimPrefix(path, ".")
			if path == "" {
				return nil, fmt.Errorf("key %q: empty path expression", key)
			}
			entry.path = path
		}
		pp.entries = append(pp.entries, entry)
	}
	return pp, nil
}

// compileValue compiles one template value into a matcher.
func compileValue(raw interface{}) (*valueMatcher, error) {
	switch v := raw.(type) {
	case string:
		if len(v) >= 2 && strings.HasPrefix(v, "/") && strings.HasSuffix(v, "/") {
			re, err := regexp.Compile(v[1 : len(v)-1])
			if err != nil {
				return nil, fmt.Errorf("regex %q: %w", v, err)
			}
			return &valueMatcher{re: re}, nil
		}
		if strings.HasPrefix(v, "!") {
			g, err := glob.Compile(v[1:])
			if err != nil {
				return nil, fmt.Errorf("negated glob %q: %w", v, err)
			}
			return &valueMatcher{negGlob: g}, nil
		}
		if strings.ContainsAny(v, "*?") {
			g, err := glob.Compile(v)
			if err != nil {
				return nil, fmt.Errorf("glob %q: %w", v, err)
			}
			return &valueMatcher{glob: g}, nil
		}
		return &valueMatcher{literal: v, isLiteral: true}, nil
	case []interface{}:
		alts := make([]*valueMatcher, 0, len(v))
		for _, item := range v {
			m, err := compileValue(item)
			if err != nil {
				return nil, err
			}
			alts = append(alts, m)
		}
		return &valueMatcher{alternation: alts}, nil
	case map[string]interface{}:
		obj, err := compilePayload(v)
		if err != nil {
			return nil, err
		}
		return &valueMatcher{object: obj}, nil
	default:
		return &valueMatcher{literal: normalize(raw), isLiteral: true}, nil
	}
}

// matches evaluates the pattern against raw payload bytes. An empty
// template matches anything, including a missing payload.
func (pp *payloadPattern) matches(raw []byte) bool {
	if len(pp.entries) == 0 {
		return true
	}
	if len(raw) == 0 {
		return false
	}
	var value interface{}
	if err := json.Unmarshal(raw, &value); err != nil {
		return false
	}
	return pp.matchDecoded(value, raw)
}

// matchDecoded checks every clause against the decoded payload. All
// clauses must hold.
func (pp *payloadPattern) matchDecoded(value interface{}, raw []byte) bool {
	obj, isObject := value.(map[string]interface{})
	for _, entry := range pp.entries {
		switch {
		case entry.deep:
			if !searchSubtree(value, entry.matcher) {
				return false
			}
		case entry.path != "":
			if raw == nil {
				// Nested object clauses have no raw bytes; re-encode the
				// subtree so path expressions stay usable at any depth.
				encoded, err := json.Marshal(value)
				if err != nil {
					return false
				}
				raw = encoded
			}
			if !matchPath(raw, entry.path, entry.matcher) {
				return false
			}
		default:
			if !isObject {
				return false
			}
			fieldValue, ok := obj[entry.key]
			if !ok {
				return false
			}
			if !entry.matcher.match(fieldValue) {
				return false
			}
		}
	}
	return true
}

// matchPath evaluates a gjson path expression; the clause is satisfied
// if any resolved value matches.
func matchPath(raw []byte, path string, m *valueMatcher) bool {
	result := gjson.GetBytes(raw, path)
	if !result.Exists() {
		return false
	}
	if result.IsArray() {
		matched := false
		result.ForEach(func(_, item gjson.Result) bool {
			if m.match(item.Value()) {
				matched = true
				return false
			}
			return true
		})
		if matched {
			return true
		}
	}
	return m.match(result.Value())
}

// searchSubtree walks the payload depth-first looking for any value the
// matcher accepts.
func searchSubtree(value interface{}, m *valueMatcher) bool {
	if m.match(value) {
		return true
	}
	switch v := value.(type) {
	case map[string]interface{}:
		for _, child := range v {
			if searchSubtree(child, m) {
				return true
			}
		}
	case []interface{}:
		for _, child := range v {
			if searchSubtree(child, m) {
				return true
			}
		}
	}
	return false
}

// match applies a single matcher to a decoded JSON value.
func (m *valueMatcher) match(value interface{}) bool {
	switch {
	case m.re != nil:
		s, ok := value.(string)
		return ok && m.re.MatchString(s)
	case m.glob != nil:
		s, ok := value.(string)
		return ok && m.glob.Match(s)
	case m.negGlob != nil:
		s, ok := value.(string)
		return ok && !m.negGlob.Match(s)
	case m.alternation != nil:
		for _, alt := range m.alternation {
			if alt.match(value) {
				return true
			}
		}
		return false
	case m.object != nil:
		return m.object.matchDecoded(value, nil)
	case m.isLiteral:
		return reflect.DeepEqual(normalize(value), m.literal)
	default:
		return false
	}
}

// normalize maps every numeric representation to float64 so values from
// YAML config (int) and JSON wire data (float64) compare equal. Applied
// recursively to containers.
func normalize(value interface{}) interface{} {
	switch v := value.(type) {
	case int:
		return float64(v)
	case int32:
		return float64(v)
	case int64:
		return float64(v)
	case uint64:
		return float64(v)
	case float32:
		return float64(v)
	case []interface{}:
		out := make([]interface{}, len(v))
		for i, item := range v {
			out[i] = normalize(item)
		}
		return out
	case map[string]interface{}:
		out := make(map[string]interface{}, len(v))
		for k, item := range v {
			out[k] = normalize(item)
		}
		return out
	default:
		return value
	}
}
