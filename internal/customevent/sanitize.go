package customevent

import (
	"encoding/json"
	"regexp"
	"sort"
	"strings"
	"unicode"
)

// MaxDepth is the deepest level of nesting kept by Sanitize. Anything
// deeper collapses to an empty container or an empty string.
const MaxDepth = 10

var (
	tagPattern        = regexp.MustCompile(`<[^>]*>`)
	percentOctet      = regexp.MustCompile(`%[a-fA-F0-9]{2}`)
	invalidKeyPattern = regexp.MustCompile(`[^a-z0-9_\-]`)
)

// Sanitize cleans decoded JSON for use as event parameters. depth is the
// level of value, starting at 0 for the root.
func Sanitize(value any, depth int) any {
	if depth > MaxDepth {
		switch value.(type) {
		case map[string]any:
			return map[string]any{}
		case []any:
			return []any{}
		default:
			return ""
		}
	}

	switch v := value.(type) {
	case map[string]any:
		keys := make([]string, 0, len(v))
		for k := range v {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		out := make(map[string]any, len(v))
		for _, k := range keys {
			out[SanitizeKey(k)] = Sanitize(v[k], depth+1)
		}
		return out
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			out[i] = Sanitize(item, depth+1)
		}
		return out
	case float64, int, int64, json.Number, bool:
		return v
	case string:
		return SanitizeText(v)
	case nil:
		return ""
	default:
		return ""
	}
}

// SanitizeKey lowercases k and drops everything but a-z, 0-9, '_' and '-'.
func SanitizeKey(k string) string {
	return invalidKeyPattern.ReplaceAllString(strings.ToLower(k), "")
}

// SanitizeText strips tags and control characters and collapses
// whitespace.
func SanitizeText(s string) string {
	s = tagPattern.ReplaceAllString(s, "")
	s = percentOctet.ReplaceAllString(s, "")
	s = strings.Map(func(r rune) rune {
		if unicode.IsControl(r) {
			return ' '
		}
		return r
	}, s)
	return strings.Join(strings.Fields(s), " ")
}
