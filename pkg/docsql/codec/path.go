package codec

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrPathConflict reports a write through a path whose intermediate value is
// not a container (for example setting "a.b" when "a" is a string).
var ErrPathConflict = errors.New("path conflict")

// SplitPath splits a dotted property path into its segments.
func SplitPath(path string) []string {
	return strings.Split(path, ".")
}

// IsNested reports whether path addresses a property below the top level.
func IsNested(path string) bool {
	return strings.Contains(path, ".")
}

// Get returns the value at a dotted path. Numeric segments index into arrays.
func Get(doc Document, path string) (any, bool) {
	var cur any = doc

	for _, seg := range SplitPath(path) {
		switch node := cur.(type) {
		case map[string]any:
			v, ok := node[seg]
			if !ok {
				return nil, false
			}

			cur = v
		case []any:
			idx, err := strconv.Atoi(seg)
			if err != nil || idx < 0 || idx >= len(node) {
				return nil, false
			}

			cur = node[idx]
		default:
			return nil, false
		}
	}

	return cur, true
}

// TraversesArray reports whether any value along path, the final one
// included, is an array. Such paths cannot be represented by a single scalar
// column.
func TraversesArray(doc Document, path string) bool {
	var cur any = doc

	for _, seg := range SplitPath(path) {
		node, ok := cur.(map[string]any)
		if !ok {
			_, isArr := cur.([]any)

			return isArr
		}

		v, ok := node[seg]
		if !ok {
			return false
		}

		cur = v
	}

	_, isArr := cur.([]any)

	return isArr
}

// Set writes value at a dotted path, creating intermediate objects as needed.
func Set(doc Document, path string, value any) error {
	segs := SplitPath(path)

	var cur any = doc

	for i, seg := range segs {
		last := i == len(segs)-1

		switch node := cur.(type) {
		case map[string]any:
			if last {
				node[seg] = value

				return nil
			}

			next, ok := node[seg]
			if !ok || next == nil {
				next = map[string]any{}
				node[seg] = next
			}

			cur = next
		case []any:
			idx, err := strconv.Atoi(seg)
			if err != nil || idx < 0 || idx >= len(node) {
				return fmt.Errorf("%w: cannot set %q inside array at %q", ErrPathConflict, seg, strings.Join(segs[:i], "."))
			}

			if last {
				node[idx] = value

				return nil
			}

			if node[idx] == nil {
				node[idx] = map[string]any{}
			}

			cur = node[idx]
		default:
			return fmt.Errorf("%w: %q is %T", ErrPathConflict, strings.Join(segs[:i], "."), node)
		}
	}

	return nil
}

// Unset removes the property at a dotted path. It reports whether anything
// was removed. Array elements are set to nil rather than removed, matching
// MongoDB.
func Unset(doc Document, path string) bool {
	segs := SplitPath(path)
	parentPath := strings.Join(segs[:len(segs)-1], ".")
	leaf := segs[len(segs)-1]

	var parent any = doc

	if parentPath != "" {
		p, ok := Get(doc, parentPath)
		if !ok {
			return false
		}

		parent = p
	}

	switch node := parent.(type) {
	case map[string]any:
		if _, ok := node[leaf]; !ok {
			return false
		}

		delete(node, leaf)

		return true
	case []any:
		idx, err := strconv.Atoi(leaf)
		if err != nil || idx < 0 || idx >= len(node) {
			return false
		}

		node[idx] = nil

		return true
	default:
		return false
	}
}

// PredicateValue finds the value a predicate places on path, looking at
// top-level keys and one level into each "$and" branch.
func PredicateValue(predicate map[string]any, path string) (any, bool) {
	if v, ok := predicate[path]; ok {
		return v, true
	}

	branches, ok := predicate["$and"].([]any)
	if !ok {
		return nil, false
	}

	for _, b := range branches {
		branch, ok := b.(map[string]any)
		if !ok {
			continue
		}

		if v, ok := branch[path]; ok {
			return v, true
		}
	}

	return nil, false
}

// IsOperatorObject reports whether v is a map whose keys all start with "$",
// such as {"$gt": 3}.
func IsOperatorObject(v any) bool {
	m, ok := v.(map[string]any)
	if !ok || len(m) == 0 {
		return false
	}

	for k := range m {
		if !strings.HasPrefix(k, "$") {
			return false
		}
	}

	return true
}
