package codec

import (
	"bytes"
	"errors"
	"fmt"
	"math"
	"reflect"
	"regexp"
	"sort"
	"strings"
	"time"
)

// Document is a nested mapping from string keys to values. Every stored
// document has exactly one string "_id" field.
type Document = map[string]any

// IDField is the identity property of every document.
const IDField = "_id"

// ErrUnsupportedValue reports a Go value that has no document representation.
var ErrUnsupportedValue = errors.New("unsupported value")

var (
	timeType  = reflect.TypeOf(time.Time{})
	bytesType = reflect.TypeOf([]byte(nil))
)

// Normalize converts v into the canonical document value set.
//
// Integer kinds become int64 (uint64 values above MaxInt64 are rejected),
// float32 becomes float64, times become UTC, typed slices become []any and
// string-keyed maps become map[string]any. The input is never modified;
// containers are always copied.
func Normalize(v any) (any, error) {
	switch x := v.(type) {
	case nil:
		return nil, nil
	case bool, int64, float64, string:
		return x, nil
	case int:
		return int64(x), nil
	case int32:
		return int64(x), nil
	case float32:
		return float64(x), nil
	case time.Time:
		return x.UTC(), nil
	case []byte:
		return bytes.Clone(x), nil
	case map[string]any:
		out := make(map[string]any, len(x))

		for k, item := range x {
			n, err := Normalize(item)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", k, err)
			}

			out[k] = n
		}

		return out, nil
	case []any:
		out := make([]any, len(x))

		for i, item := range x {
			n, err := Normalize(item)
			if err != nil {
				return nil, fmt.Errorf("[%d]: %w", i, err)
			}

			out[i] = n
		}

		return out, nil
	}

	return normalizeReflect(reflect.ValueOf(v))
}

func normalizeReflect(rv reflect.Value) (any, error) {
	switch rv.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return rv.Int(), nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		u := rv.Uint()
		if u > math.MaxInt64 {
			return nil, fmt.Errorf("%w: integer %d overflows int64", ErrUnsupportedValue, u)
		}

		return int64(u), nil
	case reflect.Float32, reflect.Float64:
		return rv.Float(), nil
	case reflect.Bool:
		return rv.Bool(), nil
	case reflect.String:
		return rv.String(), nil
	case reflect.Pointer, reflect.Interface:
		if rv.IsNil() {
			return nil, nil
		}

		return Normalize(rv.Elem().Interface())
	case reflect.Struct:
		if rv.Type().ConvertibleTo(timeType) {
			t, _ := rv.Convert(timeType).Interface().(time.Time)

			return t.UTC(), nil
		}
	case reflect.Slice, reflect.Array:
		if rv.Kind() == reflect.Slice && rv.IsNil() {
			return nil, nil
		}

		if rv.Type().ConvertibleTo(bytesType) && rv.Kind() == reflect.Slice {
			raw, _ := rv.Convert(bytesType).Interface().([]byte)

			return bytes.Clone(raw), nil
		}

		out := make([]any, rv.Len())

		for i := range rv.Len() {
			n, err := Normalize(rv.Index(i).Interface())
			if err != nil {
				return nil, fmt.Errorf("[%d]: %w", i, err)
			}

			out[i] = n
		}

		return out, nil
	case reflect.Map:
		if rv.Type().Key().Kind() != reflect.String {
			break
		}

		if rv.IsNil() {
			return nil, nil
		}

		out := make(map[string]any, rv.Len())
		iter := rv.MapRange()

		for iter.Next() {
			key := iter.Key().String()

			n, err := Normalize(iter.Value().Interface())
			if err != nil {
				return nil, fmt.Errorf("%s: %w", key, err)
			}

			out[key] = n
		}

		return out, nil
	default:
	}

	return nil, fmt.Errorf("%w: %s", ErrUnsupportedValue, rv.Type())
}

// NormalizePredicate normalizes a query predicate. It differs from
// [Normalize] only in letting *regexp.Regexp values through, since predicates
// may carry regular expressions that documents cannot.
func NormalizePredicate(predicate map[string]any) (map[string]any, error) {
	if predicate == nil {
		return map[string]any{}, nil
	}

	out, err := normalizePredicateValue(predicate)
	if err != nil {
		return nil, err
	}

	m, _ := out.(map[string]any)

	return m, nil
}

func normalizePredicateValue(v any) (any, error) {
	switch x := v.(type) {
	case *regexp.Regexp:
		return x, nil
	case map[string]any:
		out := make(map[string]any, len(x))

		for k, item := range x {
			n, err := normalizePredicateValue(item)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", k, err)
			}

			out[k] = n
		}

		return out, nil
	case []any:
		out := make([]any, len(x))

		for i, item := range x {
			n, err := normalizePredicateValue(item)
			if err != nil {
				return nil, fmt.Errorf("[%d]: %w", i, err)
			}

			out[i] = n
		}

		return out, nil
	case []map[string]any:
		out := make([]any, len(x))

		for i, item := range x {
			n, err := normalizePredicateValue(item)
			if err != nil {
				return nil, fmt.Errorf("[%d]: %w", i, err)
			}

			out[i] = n
		}

		return out, nil
	default:
		return Normalize(v)
	}
}

// NormalizeDocument is [Normalize] for a whole document.
func NormalizeDocument(doc Document) (Document, error) {
	if doc == nil {
		return Document{}, nil
	}

	n, err := Normalize(doc)
	if err != nil {
		return nil, err
	}

	out, _ := n.(map[string]any)

	return out, nil
}

// Clone returns a deep copy of a normalized value.
func Clone(v any) any {
	switch x := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, item := range x {
			out[k] = Clone(item)
		}

		return out
	case []any:
		out := make([]any, len(x))
		for i, item := range x {
			out[i] = Clone(item)
		}

		return out
	case []byte:
		return bytes.Clone(x)
	default:
		return x
	}
}

// CloneDocument returns a deep copy of doc.
func CloneDocument(doc Document) Document {
	out, _ := Clone(doc).(map[string]any)
	if out == nil {
		return Document{}
	}

	return out
}

// IsNumber reports whether v is a normalized number.
func IsNumber(v any) bool {
	switch v.(type) {
	case int64, float64:
		return true
	default:
		return false
	}
}

// AsFloat converts a normalized number to float64.
func AsFloat(v any) (float64, bool) {
	switch x := v.(type) {
	case int64:
		return float64(x), true
	case float64:
		return x, true
	default:
		return 0, false
	}
}

// Equal reports deep equality of two normalized values. Numbers compare by
// value across int64 and float64, times by instant.
func Equal(a, b any) bool {
	return Compare(a, b) == 0 && typeRank(a) == typeRank(b)
}

// typeRank follows the MongoDB cross-type sort order.
func typeRank(v any) int {
	switch v.(type) {
	case nil:
		return 1
	case int64, float64:
		return 2
	case string:
		return 3
	case map[string]any:
		return 4
	case []any:
		return 5
	case []byte:
		return 6
	case bool:
		return 7
	case time.Time:
		return 8
	default:
		return 9
	}
}

// Compare orders two normalized values. Values of different types order by
// type (null < numbers < strings < objects < arrays < binary < booleans <
// dates); values of the same type order naturally. Mixed int64 and float64
// compare exactly, the way the engine compares INTEGER against REAL, and NaN
// sorts below every other number.
func Compare(a, b any) int {
	ra, rb := typeRank(a), typeRank(b)
	if ra != rb {
		return cmpInt(ra, rb)
	}

	switch x := a.(type) {
	case nil:
		return 0
	case int64:
		if y, ok := b.(int64); ok {
			return cmpInt64(x, y)
		}

		return compareIntFloat(x, b.(float64))
	case float64:
		if y, ok := b.(int64); ok {
			return -compareIntFloat(y, x)
		}

		return cmpFloat(x, b.(float64))
	case string:
		return strings.Compare(x, b.(string))
	case map[string]any:
		return compareMaps(x, b.(map[string]any))
	case []any:
		y := b.([]any)

		for i := 0; i < len(x) && i < len(y); i++ {
			if c := Compare(x[i], y[i]); c != 0 {
				return c
			}
		}

		return cmpInt(len(x), len(y))
	case []byte:
		y := b.([]byte)
		if len(x) != len(y) {
			return cmpInt(len(x), len(y))
		}

		return bytes.Compare(x, y)
	case bool:
		return cmpBool(x, b.(bool))
	case time.Time:
		return x.Compare(b.(time.Time))
	default:
		return strings.Compare(fmt.Sprint(a), fmt.Sprint(b))
	}
}

func compareMaps(x, y map[string]any) int {
	xk := SortedKeys(x)
	yk := SortedKeys(y)

	for i := 0; i < len(xk) && i < len(yk); i++ {
		if c := strings.Compare(xk[i], yk[i]); c != 0 {
			return c
		}

		if c := Compare(x[xk[i]], y[yk[i]]); c != 0 {
			return c
		}
	}

	return cmpInt(len(xk), len(yk))
}

// SortedKeys returns the keys of m in ascending order.
func SortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}

	sort.Strings(keys)

	return keys
}

func cmpInt(a, b int) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

func cmpInt64(a, b int64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

// compareIntFloat compares i with f without rounding i through float64.
func compareIntFloat(i int64, f float64) int {
	switch {
	case math.IsNaN(f):
		return 1
	case f >= 1<<63:
		return -1
	case f < -(1 << 63):
		return 1
	}

	t := math.Trunc(f)
	if c := cmpInt64(i, int64(t)); c != 0 {
		return c
	}

	return cmpFloat(t, f)
}

func cmpFloat(a, b float64) int {
	an, bn := math.IsNaN(a), math.IsNaN(b)

	switch {
	case an || bn:
		return cmpBool(bn, an)
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

// cmpBool orders false before true.
func cmpBool(a, b bool) int {
	switch {
	case a == b:
		return 0
	case !a:
		return -1
	default:
		return 1
	}
}
