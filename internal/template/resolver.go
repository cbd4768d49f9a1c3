// Package template resolves {{ path.to.value }} references in step
// parameters and conditions. Resolution is a restricted dot-path lookup
// against the run scope; there is deliberately no expression language.
package template

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

const (
	openMarker  = "{{"
	closeMarker = "}}"
)

// Scope holds the data available for reference resolution:
// "trigger" maps to the normalized trigger payload, every other key is
// a completed step's output keyed by step ID.
type Scope map[string]any

// Unresolved is the distinguished marker a reference resolves to when
// its path is missing or points at a step that has not executed yet.
// It is a value, not an error: the calling step decides whether the
// parameter was required.
type Unresolved struct {
	Expr string `json:"unresolved"`
}

// IsUnresolved reports whether v is an Unresolved marker.
func IsUnresolved(v any) bool {
	_, ok := v.(Unresolved)
	return ok
}

// Resolve walks value recursively, resolving every template string it
// contains. Maps and slices are rebuilt; non-string leaves are copied
// verbatim. Reference failures never abort resolution; they surface
// as Unresolved markers in the result.
func Resolve(value any, scope Scope) any {
	switch v := value.(type) {
	case string:
		return ResolveString(v, scope)
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, elem := range v {
			out[k] = Resolve(elem, scope)
		}
		return out
	case []any:
		out := make([]any, len(v))
		for i, elem := range v {
			out[i] = Resolve(elem, scope)
		}
		return out
	default:
		return v
	}
}

// ResolveRaw unmarshals raw JSON params, resolves them, and returns the
// resolved structure. Empty input yields an empty map.
func ResolveRaw(raw json.RawMessage, scope Scope) (map[string]any, error) {
	if len(raw) == 0 {
		return map[string]any{}, nil
	}
	var params map[string]any
	if err := json.Unmarshal(raw, &params); err != nil {
		return nil, fmt.Errorf("decode params: %w", err)
	}
	resolved, _ := Resolve(params, scope).(map[string]any)
	return resolved, nil
}

// ResolveString resolves a single template string.
//
// When the entire string is exactly one placeholder, the referenced
// value is returned with its native type preserved (a payment amount
// stays numeric). Otherwise placeholders are stringified and spliced
// between the verbatim fragments. If any placeholder fails to resolve,
// the whole value collapses to an Unresolved marker naming the first
// failing expression.
func ResolveString(s string, scope Scope) any {
	if expr, ok := wholePlaceholder(s); ok {
		val, found := lookup(expr, scope)
		if !found {
			return Unresolved{Expr: expr}
		}
		return val
	}

	var result strings.Builder
	result.Grow(len(s))

	i := 0
	for i < len(s) {
		idx := strings.Index(s[i:], openMarker)
		if idx == -1 {
			result.WriteString(s[i:])
			break
		}

		result.WriteString(s[i : i+idx])
		start := i + idx + len(openMarker)

		end := strings.Index(s[start:], closeMarker)
		if end == -1 {
			// Unterminated marker: copy the rest verbatim.
			result.WriteString(s[i+idx:])
			break
		}
		end += start

		expr := strings.TrimSpace(s[start:end])
		val, found := lookup(expr, scope)
		if !found {
			return Unresolved{Expr: expr}
		}
		result.WriteString(stringify(val))

		i = end + len(closeMarker)
	}

	return result.String()
}

// wholePlaceholder reports whether s is exactly one {{ expr }} with no
// surrounding text, returning the trimmed expression.
func wholePlaceholder(s string) (string, bool) {
	trimmed := strings.TrimSpace(s)
	if !strings.HasPrefix(trimmed, openMarker) || !strings.HasSuffix(trimmed, closeMarker) {
		return "", false
	}
	inner := trimmed[len(openMarker) : len(trimmed)-len(closeMarker)]
	// A second marker means concatenation, not a single placeholder.
	if strings.Contains(inner, openMarker) || strings.Contains(inner, closeMarker) {
		return "", false
	}
	expr := strings.TrimSpace(inner)
	if expr == "" {
		return "", false
	}
	return expr, true
}

// lookup traverses a dot-delimited path against the scope.
func lookup(expr string, scope Scope) (any, bool) {
	if expr == "" || scope == nil {
		return nil, false
	}

	segments := strings.Split(expr, ".")
	root, ok := scope[segments[0]]
	if !ok {
		return nil, false
	}

	current := root
	for _, seg := range segments[1:] {
		if seg == "" {
			return nil, false
		}
		m, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}
		current, ok = m[seg]
		if !ok {
			return nil, false
		}
	}
	return current, true
}

// stringify renders a resolved value for splicing into a larger string.
func stringify(val any) string {
	switch v := val.(type) {
	case string:
		return v
	case nil:
		return ""
	case bool:
		if v {
			return "true"
		}
		return "false"
	case float64:
		// Avoid "1.5e+06" style output for payload amounts.
		if v == float64(int64(v)) {
			return fmt.Sprintf("%d", int64(v))
		}
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

// UnresolvedParams returns the names of top-level parameters whose
// resolved value is (or contains) an Unresolved marker.
func UnresolvedParams(params map[string]any) []string {
	var missing []string
	for name, val := range params {
		if containsUnresolved(val) {
			missing = append(missing, name)
		}
	}
	// Deterministic output for error messages.
	sort.Strings(missing)
	return missing
}

func containsUnresolved(v any) bool {
	switch val := v.(type) {
	case Unresolved:
		return true
	case map[string]any:
		for _, elem := range val {
			if containsUnresolved(elem) {
				return true
			}
		}
	case []any:
		for _, elem := range val {
			if containsUnresolved(elem) {
				return true
			}
		}
	}
	return false
}

// ExtractRefs finds the root references ("trigger" or a step ID) used
// by every placeholder inside value. The validator uses this to check
// that steps only reference the trigger or strictly-preceding steps.
func ExtractRefs(value any) []string {
	seen := make(map[string]bool)
	collectRefs(value, seen)

	refs := make([]string, 0, len(seen))
	for r := range seen {
		refs = append(refs, r)
	}
	sort.Strings(refs)
	return refs
}

// ExtractRefsRaw is ExtractRefs over raw JSON plus an optional
// condition template.
func ExtractRefsRaw(raw json.RawMessage, condition string) []string {
	seen := make(map[string]bool)
	if len(raw) > 0 {
		collectRefsString(string(raw), seen)
	}
	if condition != "" {
		collectRefsString(condition, seen)
	}

	refs := make([]string, 0, len(seen))
	for r := range seen {
		refs = append(refs, r)
	}
	sort.Strings(refs)
	return refs
}

func collectRefs(value any, seen map[string]bool) {
	switch v := value.(type) {
	case string:
		collectRefsString(v, seen)
	case map[string]any:
		for _, elem := range v {
			collectRefs(elem, seen)
		}
	case []any:
		for _, elem := range v {
			collectRefs(elem, seen)
		}
	}
}

func collectRefsString(s string, seen map[string]bool) {
	for {
		idx := strings.Index(s, openMarker)
		if idx == -1 {
			return
		}
		rest := s[idx+len(openMarker):]
		closeIdx := strings.Index(rest, closeMarker)
		if closeIdx == -1 {
			return
		}
		expr := strings.TrimSpace(rest[:closeIdx])
		if expr != "" {
			root := expr
			if dot := strings.IndexByte(expr, '.'); dot != -1 {
				root = expr[:dot]
			}
			if root != "" {
				seen[root] = true
			}
		}
		s = rest[closeIdx+len(closeMarker):]
	}
}

// Truthy evaluates a resolved condition value. Absent conditions are
// handled by the caller; an Unresolved marker is falsy so a condition
// referencing a skipped step's output skips the dependent step instead
// of failing the run.
func Truthy(v any) bool {
	switch val := v.(type) {
	case nil:
		return false
	case Unresolved:
		return false
	case bool:
		return val
	case string:
		lower := strings.ToLower(strings.TrimSpace(val))
		return lower != "" && lower != "false" && lower != "0" && lower != "null" && lower != "no"
	case float64:
		return val != 0
	case int:
		return val != 0
	case map[string]any:
		return len(val) > 0
	case []any:
		return len(val) > 0
	default:
		return true
	}
}
