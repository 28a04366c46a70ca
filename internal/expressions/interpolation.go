package expressions

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/servicehero/flowd/pkg/schema"
)

// Resolve interpolates every {{placeholder}} token in a step config against
// the merged context and returns a new config; the input is never mutated.
// Resolution is strict and atomic: any unresolved placeholder aborts with an
// interpolation error and nothing is substituted, so a half-filled message
// can never reach an integration.
func Resolve(config map[string]any, mc *MergedContext) (map[string]any, error) {
	if config == nil {
		return nil, nil
	}
	out := make(map[string]any, len(config))
	for k, v := range config {
		rv, err := resolveValue(v, mc)
		if err != nil {
			return nil, err
		}
		out[k] = rv
	}
	return out, nil
}

// resolveValue interpolates one config value, recursing into maps and slices.
func resolveValue(v any, mc *MergedContext) (any, error) {
	switch val := v.(type) {
	case string:
		return ResolveString(val, mc)
	case map[string]any:
		return Resolve(val, mc)
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			rv, err := resolveValue(item, mc)
			if err != nil {
				return nil, err
			}
			out[i] = rv
		}
		return out, nil
	default:
		return v, nil
	}
}

// ResolveString interpolates {{placeholder}} tokens in a single string.
// A string that is exactly one token resolves to the referenced value with
// its type preserved (so {"count": "{{total}}"} can stay numeric); tokens
// embedded in larger strings are stringified in place.
func ResolveString(s string, mc *MergedContext) (any, error) {
	if !strings.Contains(s, "{{") {
		return s, nil
	}

	var b strings.Builder
	b.Grow(len(s))

	i := 0
	for i < len(s) {
		idx := strings.Index(s[i:], "{{")
		if idx == -1 {
			b.WriteString(s[i:])
			break
		}
		b.WriteString(s[i : i+idx])

		start := i + idx + 2
		end := strings.Index(s[start:], "}}")
		if end == -1 {
			return nil, schema.NewErrorf(schema.ErrCodeInterpolation,
				"unclosed placeholder in %q", s)
		}
		end += start

		key := strings.TrimSpace(s[start:end])
		if key == "" {
			return nil, schema.NewError(schema.ErrCodeInterpolation,
				"empty placeholder: {{ }}")
		}
		if strings.Contains(key, "{{") {
			return nil, schema.NewErrorf(schema.ErrCodeInterpolation,
				"nested placeholder in %q", s)
		}

		val, err := lookupStrict(key, mc)
		if err != nil {
			return nil, err
		}

		// The whole string is a single token: keep the value's type.
		if i+idx == 0 && end+2 == len(s) {
			return val, nil
		}

		b.WriteString(stringify(val))
		i = end + 2
	}

	return b.String(), nil
}

// HasPlaceholders reports whether a string contains any {{...}} token.
func HasPlaceholders(s string) bool {
	return strings.Contains(s, "{{")
}

// lookupStrict resolves a placeholder key or fails with the available keys
// listed, so template authors can see what the context actually held.
func lookupStrict(key string, mc *MergedContext) (any, error) {
	val, ok := mc.Lookup(key)
	if !ok {
		available := mc.Keys()
		return nil, schema.NewErrorf(schema.ErrCodeInterpolation,
			"unresolved placeholder {{%s}}; available: [%s]", key, strings.Join(available, ", ")).
			WithDetails(map[string]any{"placeholder": key, "available_keys": available})
	}
	return val, nil
}

// stringify renders a resolved value for embedding inside a larger string.
// Strings embed verbatim; complex values embed as compact JSON.
func stringify(val any) string {
	switch v := val.(type) {
	case string:
		return v
	case nil:
		return "null"
	case bool:
		if v {
			return "true"
		}
		return "false"
	case float64:
		return fmt.Sprintf("%v", v)
	case int:
		return fmt.Sprintf("%d", v)
	case int64:
		return fmt.Sprintf("%d", v)
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(b)
	}
}
