package codec

import (
	"fmt"
	"math"
	"regexp"
	"strings"
	"time"
)

// BlobColumn holds the encoded document on every row.
const BlobColumn = "_doc"

var identifierPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// IsIdentifier reports whether s is safe to use unquoted as a SQL identifier.
func IsIdentifier(s string) bool {
	return identifierPattern.MatchString(s)
}

// IsReservedColumn reports whether name is one of the fixed row columns.
func IsReservedColumn(name string) bool {
	return strings.EqualFold(name, IDField) || strings.EqualFold(name, BlobColumn)
}

// MangleColumn turns a property path into its preferred column name by
// replacing "." with "__". The result may still need an alias if it is not a
// valid identifier or exceeds the backend's length limit.
func MangleColumn(path string) string {
	return strings.ReplaceAll(path, ".", "__")
}

// ColumnValue encodes the value found at a promoted path for storage in its
// column. Strings and numbers are stored natively so the engine can compare
// them; absent values and nil become NULL; everything else is stored as its
// encoded bytes.
func ColumnValue(v any, present bool) (any, error) {
	if !present || v == nil {
		return nil, nil
	}

	switch x := v.(type) {
	case string, int64, float64:
		return x, nil
	default:
		return EncodeValue(v)
	}
}

// FromColumn reverses [ColumnValue]. It reports false for NULL.
func FromColumn(raw any) (any, bool, error) {
	switch x := raw.(type) {
	case nil:
		return nil, false, nil
	case string, int64, float64:
		return x, true, nil
	case []byte:
		v, err := DecodeValue(x)
		if err != nil {
			return nil, false, fmt.Errorf("column value: %w", err)
		}

		return v, true, nil
	case int:
		return int64(x), true, nil
	case time.Time:
		return x.UTC(), true, nil
	default:
		return nil, false, fmt.Errorf("column value: %w: %T", ErrUnsupportedValue, raw)
	}
}

// IsPushdownScalar reports whether an equality against v may be evaluated by
// the engine. nil is excluded because a null predicate also matches missing
// properties, and NaN because the engine stores it as NULL. Arrays, objects
// and operator objects need document semantics.
func IsPushdownScalar(v any) bool {
	switch x := v.(type) {
	case float64:
		return !math.IsNaN(x)
	case string, int64, bool, time.Time, []byte:
		return true
	default:
		return false
	}
}

// Reconstruct deep-sets promoted column values into a decoded blob. Columns
// are applied in ascending path order so a parent path is written before its
// children.
func Reconstruct(doc Document, columns map[string]any) error {
	for _, path := range SortedKeys(columns) {
		if path == IDField {
			continue
		}

		v, ok, err := FromColumn(columns[path])
		if err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}

		if !ok {
			continue
		}

		if err := Set(doc, path, v); err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}
	}

	return nil
}
