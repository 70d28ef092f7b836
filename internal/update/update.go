// Package update applies MongoDB-style update operators to a document in
// memory.
//
// Operators run in a fixed order: $currentDate (rewritten into $set), then
// $set, $unset, $inc, $pull and $addToSet. Every operator key and operand is
// validated before the first mutation, so a rejected update leaves nothing
// half applied. Dotted paths address nested properties.
package update

import (
	"errors"
	"fmt"
	"regexp"
	"slices"
	"strings"
	"time"

	"github.com/apostrophecms/sql/pkg/docsql/codec"
)

var (
	// ErrUnsupportedOperator reports an update key that is not a known
	// operator.
	ErrUnsupportedOperator = errors.New("unsupported update operator")

	// ErrInvalidUpdate reports an operand the operator cannot apply, such as
	// $inc on a string or $addToSet on a non-array.
	ErrInvalidUpdate = errors.New("invalid update")
)

// Operator names.
const (
	CurrentDate = "$currentDate"
	Set         = "$set"
	Unset       = "$unset"
	Inc         = "$inc"
	Pull        = "$pull"
	AddToSet    = "$addToSet"
)

var order = []string{Set, Unset, Inc, Pull, AddToSet}

// Result is the outcome of [Apply].
type Result struct {
	Doc codec.Document

	// Touched lists, sorted, the paths written by $set, $unset and $inc.
	// These are the paths that need an operator column.
	Touched []string

	// Increments maps each $inc path to its delta.
	Increments map[string]any
}

// IsOperatorDocument reports whether every key of u is an operator. An empty
// document is not.
func IsOperatorDocument(u map[string]any) bool {
	if len(u) == 0 {
		return false
	}

	for k := range u {
		if !strings.HasPrefix(k, "$") {
			return false
		}
	}

	return true
}

// Validate checks operator names and operand shapes without applying them.
func Validate(ops map[string]any) error {
	if len(ops) == 0 {
		return fmt.Errorf("%w: empty update", ErrInvalidUpdate)
	}

	for _, op := range codec.SortedKeys(ops) {
		if op != CurrentDate && !slices.Contains(order, op) {
			return fmt.Errorf("%w: %s", ErrUnsupportedOperator, op)
		}

		fields, ok := ops[op].(map[string]any)
		if !ok {
			return fmt.Errorf("%w: %s needs an object, got %T", ErrInvalidUpdate, op, ops[op])
		}

		for _, path := range codec.SortedKeys(fields) {
			if err := validateField(op, path, fields[path]); err != nil {
				return err
			}
		}
	}

	return nil
}

func validateField(op, path string, arg any) error {
	if path == "" || strings.HasPrefix(path, ".") || strings.HasSuffix(path, ".") || strings.Contains(path, "..") {
		return fmt.Errorf("%w: %s: bad path %q", ErrInvalidUpdate, op, path)
	}

	if path == codec.IDField && op != Set {
		return fmt.Errorf("%w: %s cannot modify _id", ErrInvalidUpdate, op)
	}

	switch op {
	case Inc:
		if !codec.IsNumber(arg) {
			return fmt.Errorf("%w: %s.%s: delta must be a number, got %T", ErrInvalidUpdate, op, path, arg)
		}
	case CurrentDate:
		if _, err := currentDateType(arg); err != nil {
			return fmt.Errorf("%w: %s.%s: %w", ErrInvalidUpdate, op, path, err)
		}
	case AddToSet:
		if m, ok := arg.(map[string]any); ok && codec.IsOperatorObject(m) {
			if len(m) != 1 {
				return fmt.Errorf("%w: %s.%s: only $each is supported", ErrInvalidUpdate, op, path)
			}

			if _, ok := m["$each"].([]any); !ok {
				return fmt.Errorf("%w: %s.%s: $each needs an array", ErrInvalidUpdate, op, path)
			}
		}
	}

	return nil
}

func currentDateType(arg any) (string, error) {
	switch x := arg.(type) {
	case bool:
		if x {
			return "date", nil
		}
	case map[string]any:
		t, _ := x["$type"].(string)
		if len(x) == 1 && (t == "date" || t == "timestamp") {
			return t, nil
		}
	}

	return "", errors.New(`want true or {"$type": "date"}`)
}

// Touched returns, sorted, the paths ops writes through $set, $currentDate,
// $unset and $inc. It does not validate ops.
func Touched(ops map[string]any) []string {
	seen := map[string]struct{}{}

	for _, op := range []string{CurrentDate, Set, Unset, Inc} {
		fields, _ := ops[op].(map[string]any)
		for path := range fields {
			seen[path] = struct{}{}
		}
	}

	return codec.SortedKeys(seen)
}

// Apply validates ops and applies them to a copy of doc. now is the value
// written by $currentDate.
func Apply(doc codec.Document, ops map[string]any, now time.Time) (*Result, error) {
	if err := Validate(ops); err != nil {
		return nil, err
	}

	sets := map[string]any{}

	if fields, ok := ops[Set].(map[string]any); ok {
		for k, v := range fields {
			sets[k] = v
		}
	}

	if fields, ok := ops[CurrentDate].(map[string]any); ok {
		for k := range fields {
			sets[k] = now.UTC()
		}
	}

	res := &Result{Doc: codec.CloneDocument(doc), Increments: map[string]any{}}
	touched := map[string]struct{}{}

	for _, op := range order {
		fields, ok := ops[op].(map[string]any)
		if op == Set {
			fields, ok = sets, len(sets) > 0
		}

		if !ok {
			continue
		}

		for _, path := range codec.SortedKeys(fields) {
			if err := apply(res, op, path, fields[path]); err != nil {
				return nil, err
			}

			if op == Set || op == Unset || op == Inc {
				touched[path] = struct{}{}
			}
		}
	}

	if !codec.Equal(res.Doc[codec.IDField], doc[codec.IDField]) {
		return nil, fmt.Errorf("%w: _id is immutable", ErrInvalidUpdate)
	}

	res.Touched = codec.SortedKeys(touched)

	return res, nil
}

func apply(res *Result, op, path string, arg any) error {
	doc := res.Doc

	switch op {
	case Set:
		if err := codec.Set(doc, path, codec.Clone(arg)); err != nil {
			return fmt.Errorf("%w: %s.%s: %w", ErrInvalidUpdate, op, path, err)
		}
	case Unset:
		codec.Unset(doc, path)
	case Inc:
		cur, _ := codec.Get(doc, path)

		sum, err := add(cur, arg)
		if err != nil {
			return fmt.Errorf("%w: %s.%s: %w", ErrInvalidUpdate, op, path, err)
		}

		if err := codec.Set(doc, path, sum); err != nil {
			return fmt.Errorf("%w: %s.%s: %w", ErrInvalidUpdate, op, path, err)
		}

		res.Increments[path] = arg
	case Pull:
		cur, ok := codec.Get(doc, path)
		if !ok || cur == nil {
			return nil
		}

		items, isArr := cur.([]any)
		if !isArr {
			return fmt.Errorf("%w: %s.%s: not an array (%T)", ErrInvalidUpdate, op, path, cur)
		}

		kept := slices.DeleteFunc(slices.Clone(items), func(item any) bool { return codec.Equal(item, arg) })

		if err := codec.Set(doc, path, kept); err != nil {
			return fmt.Errorf("%w: %s.%s: %w", ErrInvalidUpdate, op, path, err)
		}
	case AddToSet:
		cur, ok := codec.Get(doc, path)

		var items []any

		if ok && cur != nil {
			arr, isArr := cur.([]any)
			if !isArr {
				return fmt.Errorf("%w: %s.%s: not an array (%T)", ErrInvalidUpdate, op, path, cur)
			}

			items = slices.Clone(arr)
		} else {
			items = []any{}
		}

		values := []any{arg}
		if m, ok := arg.(map[string]any); ok && codec.IsOperatorObject(m) {
			values, _ = m["$each"].([]any)
		}

		for _, v := range values {
			if !slices.ContainsFunc(items, func(item any) bool { return codec.Equal(item, v) }) {
				items = append(items, codec.Clone(v))
			}
		}

		if err := codec.Set(doc, path, items); err != nil {
			return fmt.Errorf("%w: %s.%s: %w", ErrInvalidUpdate, op, path, err)
		}
	}

	return nil
}

// add returns cur + delta. A missing or null cur counts as zero. Two integers
// stay an integer.
func add(cur, delta any) (any, error) {
	if cur == nil {
		return delta, nil
	}

	if a, ok := cur.(int64); ok {
		if b, ok := delta.(int64); ok {
			return a + b, nil
		}
	}

	a, ok := codec.AsFloat(cur)
	if !ok {
		return nil, fmt.Errorf("cannot increment %T", cur)
	}

	b, _ := codec.AsFloat(delta)

	return a + b, nil
}

// Seed builds the starting document of an upsert from the predicate's
// top-level equality fields.
func Seed(predicate map[string]any) codec.Document {
	doc := codec.Document{}

	for _, path := range codec.SortedKeys(predicate) {
		if strings.HasPrefix(path, "$") {
			continue
		}

		v := predicate[path]
		if _, isRegexp := v.(*regexp.Regexp); isRegexp || codec.IsOperatorObject(v) {
			continue
		}

		_ = codec.Set(doc, path, codec.Clone(v))
	}

	return doc
}
