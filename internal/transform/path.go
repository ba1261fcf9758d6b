package transform

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrEmptyPath is returned when a path expression has no segments.
var ErrEmptyPath = errors.New("empty path expression")

// stepKind identifies how a path step is applied to the current value.
type stepKind int

const (
	// stepField accesses a named property on an object. Applied to an
	// array, it broadcasts the access over every element.
	stepField stepKind = iota
	// stepIndex indexes into an array. Applied to a non-array, it falls
	// back to property access using the numeric segment as a field name.
	stepIndex
)

// step is one compiled segment of a path expression.
type step struct {
	kind  stepKind
	field string
	index int
}

// Path is a compiled dot-notation path expression.
//
// Segments are separated by dots. A numeric segment indexes into arrays
// ("items.0.id"); a named segment applied to an array maps the property
// access over every element, yielding an array of the extracted values
// ("lineItems.title" against an array of line items).
type Path struct {
	raw   string
	steps []step
}

// ParsePath compiles a dot-notation path expression.
//
// An empty expression or an expression containing an empty segment
// ("a..b") is statically malformed and returns an error.
func ParsePath(expr string) (Path, error) {
	if expr == "" {
		return Path{}, ErrEmptyPath
	}

	segments := strings.Split(expr, ".")
	steps := make([]step, 0, len(segments))
	for i, seg := range segments {
		if seg == "" {
			return Path{}, fmt.Errorf("path %q: empty segment at position %d", expr, i)
		}
		if idx, err := strconv.Atoi(seg); err == nil {
			steps = append(steps, step{kind: stepIndex, field: seg, index: idx})
			continue
		}
		steps = append(steps, step{kind: stepField, field: seg})
	}

	return Path{raw: expr, steps: steps}, nil
}

// String returns the original path expression.
func (p Path) String() string { return p.raw }

// Resolve evaluates the path against a decoded JSON value.
//
// A step that cannot be applied (missing key, index out of range, scalar
// where an object was expected) yields nil, never an error: absence is a
// normal outcome when upstream payloads omit fields.
func (p Path) Resolve(v any) any {
	current := v
	for _, st := range p.steps {
		if current == nil {
			return nil
		}

		arr, isArray := current.([]any)
		switch {
		case st.kind == stepIndex && isArray:
			if st.index < 0 || st.index >= len(arr) {
				return nil
			}
			current = arr[st.index]
		case st.kind == stepField && isArray:
			// Broadcast the property access over every element.
			mapped := make([]any, len(arr))
			for i, item := range arr {
				obj, ok := item.(map[string]any)
				if !ok {
					mapped[i] = nil
					continue
				}
				mapped[i] = obj[st.field]
			}
			current = mapped
		default:
			current = access(current, st.field)
		}
	}
	return current
}

// access reads a single property and opportunistically decodes values
// that lexically look like JSON. Upstream scrapers frequently return
// JSON-encoded strings inside JSON payloads; decode failures keep the
// raw string.
func access(v any, field string) any {
	obj, ok := v.(map[string]any)
	if !ok {
		return nil
	}

	value := obj[field]
	if s, ok := value.(string); ok && looksLikeJSON(s) {
		var parsed any
		if err := json.Unmarshal([]byte(s), &parsed); err == nil {
			return parsed
		}
	}
	return value
}

func looksLikeJSON(s string) bool {
	return strings.HasPrefix(s, "{") || strings.HasPrefix(s, "[")
}
