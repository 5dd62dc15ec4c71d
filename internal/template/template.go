// Package template implements the "{{ path }}" interpolator: a single
// linear scanner substituting dotted-path lookups against a
// session's context, with whitespace tolerance and empty-string fallback on
// any missing value.
package template

import (
	"fmt"
	"strings"

	"flowcast/internal/jsonpath"
)

// Render replaces every "{{ path }}" occurrence in s with the stringified
// value of that path inside context. Undefined paths render as "".
func Render(s string, context map[string]any) string {
	if !strings.Contains(s, "{{") {
		return s
	}

	var b strings.Builder
	rest := s
	for {
		start := strings.Index(rest, "{{")
		if start < 0 {
			b.WriteString(rest)
			break
		}
		b.WriteString(rest[:start])

		end := strings.Index(rest[start:], "}}")
		if end < 0 {
			// Unterminated "{{" — emit the remainder verbatim.
			b.WriteString(rest[start:])
			break
		}
		end += start

		path := strings.TrimSpace(rest[start+2 : end])
		b.WriteString(stringify(lookup(path, context)))

		rest = rest[end+2:]
	}
	return b.String()
}

func lookup(path string, context map[string]any) any {
	v, ok := jsonpath.Get(map[string]any{"context": context}, prefixed(path))
	if !ok {
		return nil
	}
	return v
}

// prefixed normalizes a template path to always be resolved under the
// top-level "context" key, so both "context.foo" and bare "foo" paths used
// by callers resolve consistently against the session context.
func prefixed(path string) string {
	if path == "context" || strings.HasPrefix(path, "context.") {
		return path
	}
	return "context." + path
}

func stringify(v any) string {
	if v == nil {
		return ""
	}
	switch t := v.(type) {
	case string:
		return t
	case fmt.Stringer:
		return t.String()
	default:
		return fmt.Sprintf("%v", t)
	}
}
