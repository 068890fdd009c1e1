package token

import (
	"strings"
	"time"
)

// Claims is the decoded payload of a verified token. Values keep the
// shapes produced by encoding/json: strings, float64 numbers, bools,
// []any slices and map[string]any objects.
type Claims map[string]any

// String returns the named claim as a string, or "" when the claim is
// absent or not a string.
func (c Claims) String(key string) string {
	if v, ok := c[key].(string); ok {
		return v
	}
	return ""
}

// StringSlice returns the named claim as a slice of strings. JSON
// arrays contribute their string elements, a bare string becomes a
// single-element slice, anything else yields nil.
func (c Claims) StringSlice(key string) []string {
	switch v := c[key].(type) {
	case []string:
		out := make([]string, len(v))
		copy(out, v)
		return out
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	case string:
		return []string{v}
	default:
		return nil
	}
}

// Bool returns the named claim as a bool. Providers encode boolean
// claims both as JSON booleans and as the strings "true"/"false".
func (c Claims) Bool(key string) bool {
	switch v := c[key].(type) {
	case bool:
		return v
	case string:
		return strings.EqualFold(v, "true")
	default:
		return false
	}
}

// Time returns the named claim interpreted as Unix seconds. The second
// return value is false when the claim is absent or not numeric.
func (c Claims) Time(key string) (time.Time, bool) {
	switch v := c[key].(type) {
	case float64:
		return time.Unix(int64(v), 0), true
	case int64:
		return time.Unix(v, 0), true
	case int:
		return time.Unix(int64(v), 0), true
	default:
		return time.Time{}, false
	}
}

// Has reports whether the named claim is present.
func (c Claims) Has(key string) bool {
	_, ok := c[key]
	return ok
}

// Copy returns a deep copy of the claims. Nested objects and arrays
// are copied so mutations of the result never reach the original.
func (c Claims) Copy() Claims {
	if c == nil {
		return nil
	}
	out := make(Claims, len(c))
	for k, v := range c {
		out[k] = copyValue(v)
	}
	return out
}

func copyValue(v any) any {
	switch tv := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(tv))
		for k, item := range tv {
			out[k] = copyValue(item)
		}
		return out
	case []any:
		out := make([]any, len(tv))
		for i, item := range tv {
			out[i] = copyValue(item)
		}
		return out
	case []string:
		out := make([]string, len(tv))
		copy(out, tv)
		return out
	default:
		return v
	}
}
