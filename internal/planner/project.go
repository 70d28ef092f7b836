package planner

import (
	"errors"
	"fmt"

	"github.com/apostrophecms/sql/pkg/docsql/codec"
)

// ErrInvalidProjection reports a projection mixing inclusion and exclusion.
var ErrInvalidProjection = errors.New("invalid projection")

// ValidateProjection checks that proj is either all inclusions or all
// exclusions. _id may be excluded from an inclusion projection.
func ValidateProjection(proj map[string]any) error {
	var include, exclude bool

	for path, v := range proj {
		if path == "" {
			return fmt.Errorf("%w: empty path", ErrInvalidProjection)
		}

		if path == codec.IDField {
			continue
		}

		if truthy(v) {
			include = true
		} else {
			exclude = true
		}
	}

	if include && exclude {
		return fmt.Errorf("%w: cannot mix inclusion and exclusion", ErrInvalidProjection)
	}

	return nil
}

// Project returns the projection of doc. proj must have passed
// [ValidateProjection].
func Project(doc codec.Document, proj map[string]any) codec.Document {
	if len(proj) == 0 {
		return doc
	}

	keepID := true
	if v, ok := proj[codec.IDField]; ok {
		keepID = truthy(v)
	}

	inclusion := false
	others := false

	for path, v := range proj {
		if path == codec.IDField {
			continue
		}

		others = true

		if truthy(v) {
			inclusion = true
		}
	}

	if !others {
		// Only _id was named.
		inclusion = keepID
	}

	if !inclusion {
		out := codec.CloneDocument(doc)

		for path := range proj {
			if path != codec.IDField {
				codec.Unset(out, path)
			}
		}

		if !keepID {
			delete(out, codec.IDField)
		}

		return out
	}

	out := codec.Document{}

	if keepID {
		if id, ok := doc[codec.IDField]; ok {
			out[codec.IDField] = id
		}
	}

	for _, path := range codec.SortedKeys(proj) {
		if path == codec.IDField {
			continue
		}

		v, ok := codec.Get(doc, path)
		if !ok {
			continue
		}

		_ = codec.Set(out, path, codec.Clone(v))
	}

	return out
}

func truthy(v any) bool {
	switch x := v.(type) {
	case bool:
		return x
	case nil:
		return false
	default:
		if f, ok := codec.AsFloat(v); ok {
			return f != 0
		}

		return true
	}
}
