// Package matcher evaluates MongoDB-style predicates against in-memory
// documents.
//
// The collection layer only depends on the narrow [Compiler] interface, so
// any implementation can be swapped in. The default implementation covers
// implicit conjunction, $and/$or/$nor, equality (including array membership),
// $eq, $ne, $gt, $gte, $lt, $lte, $in, $nin, $exists, $not, $regex, $size,
// $all and $elemMatch.
package matcher

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/apostrophecms/sql/pkg/docsql/codec"
)

// ErrUnknownOperator reports a query operator the matcher does not support.
var ErrUnknownOperator = errors.New("unknown query operator")

// ErrInvalidOperand reports an operator applied to an operand of the wrong shape.
var ErrInvalidOperand = errors.New("invalid operand")

// Matcher reports whether a document satisfies a compiled predicate.
type Matcher interface {
	Match(doc codec.Document) bool
}

// Compiler turns a predicate tree into a [Matcher].
type Compiler interface {
	Compile(predicate map[string]any) (Matcher, error)
}

// Func adapts a plain function to [Matcher].
type Func func(doc codec.Document) bool

// Match calls f.
func (f Func) Match(doc codec.Document) bool { return f(doc) }

// Default is the built-in [Compiler].
var Default Compiler = compiler{}

// Compile compiles predicate with [Default].
func Compile(predicate map[string]any) (Matcher, error) {
	return Default.Compile(predicate)
}

type compiler struct{}

func (compiler) Compile(predicate map[string]any) (Matcher, error) {
	fn, err := compileDoc(predicate)
	if err != nil {
		return nil, err
	}

	return Func(fn), nil
}

type docFn func(doc codec.Document) bool

// valueFn tests the candidate values found at a path. found is false when
// the path is missing entirely.
type valueFn func(values []any, found bool) bool

func compileDoc(predicate map[string]any) (docFn, error) {
	fns := make([]docFn, 0, len(predicate))

	for _, key := range codec.SortedKeys(predicate) {
		cond := predicate[key]

		var (
			fn  docFn
			err error
		)

		switch key {
		case "$and", "$or", "$nor":
			fn, err = compileLogical(key, cond)
		default:
			if strings.HasPrefix(key, "$") {
				return nil, fmt.Errorf("%w: %s", ErrUnknownOperator, key)
			}

			fn, err = compileField(key, cond)
		}

		if err != nil {
			return nil, err
		}

		fns = append(fns, fn)
	}

	return func(doc codec.Document) bool {
		for _, fn := range fns {
			if !fn(doc) {
				return false
			}
		}

		return true
	}, nil
}

func compileLogical(op string, cond any) (docFn, error) {
	branches, ok := cond.([]any)
	if !ok || len(branches) == 0 {
		return nil, fmt.Errorf("%w: %s needs a non-empty array", ErrInvalidOperand, op)
	}

	fns := make([]docFn, 0, len(branches))

	for _, b := range branches {
		sub, ok := b.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("%w: %s entries must be objects", ErrInvalidOperand, op)
		}

		fn, err := compileDoc(sub)
		if err != nil {
			return nil, err
		}

		fns = append(fns, fn)
	}

	switch op {
	case "$and":
		return func(doc codec.Document) bool {
			for _, fn := range fns {
				if !fn(doc) {
					return false
				}
			}

			return true
		}, nil
	case "$or":
		return func(doc codec.Document) bool {
			for _, fn := range fns {
				if fn(doc) {
					return true
				}
			}

			return false
		}, nil
	default:
		return func(doc codec.Document) bool {
			for _, fn := range fns {
				if fn(doc) {
					return false
				}
			}

			return true
		}, nil
	}
}

func compileField(path string, cond any) (docFn, error) {
	test, err := compileCondition(cond)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	return func(doc codec.Document) bool {
		values, found := resolve(doc, codec.SplitPath(path))

		return test(values, found)
	}, nil
}

// compileCondition compiles the right-hand side of a field condition.
func compileCondition(cond any) (valueFn, error) {
	if re, ok := cond.(*regexp.Regexp); ok {
		return regexTest(re), nil
	}

	if !codec.IsOperatorObject(cond) {
		return eqTest(cond), nil
	}

	ops := cond.(map[string]any)

	if _, ok := ops["$options"]; ok {
		if _, hasRegex := ops["$regex"]; !hasRegex {
			return nil, fmt.Errorf("%w: $options without $regex", ErrInvalidOperand)
		}
	}

	tests := make([]valueFn, 0, len(ops))

	for _, op := range codec.SortedKeys(ops) {
		if op == "$options" {
			continue
		}

		test, err := compileOperator(op, ops[op], ops)
		if err != nil {
			return nil, err
		}

		tests = append(tests, test)
	}

	return func(values []any, found bool) bool {
		for _, test := range tests {
			if !test(values, found) {
				return false
			}
		}

		return true
	}, nil
}

func compileOperator(op string, arg any, siblings map[string]any) (valueFn, error) {
	switch op {
	case "$eq":
		return eqTest(arg), nil
	case "$ne":
		eq := eqTest(arg)

		return func(values []any, found bool) bool { return !eq(values, found) }, nil
	case "$gt", "$gte", "$lt", "$lte":
		return rangeTest(op, arg), nil
	case "$in", "$nin":
		list, ok := arg.([]any)
		if !ok {
			return nil, fmt.Errorf("%w: %s needs an array", ErrInvalidOperand, op)
		}

		tests := make([]valueFn, len(list))

		for i, item := range list {
			if re, ok := item.(*regexp.Regexp); ok {
				tests[i] = regexTest(re)
			} else {
				tests[i] = eqTest(item)
			}
		}

		in := func(values []any, found bool) bool {
			for _, test := range tests {
				if test(values, found) {
					return true
				}
			}

			return false
		}

		if op == "$nin" {
			return func(values []any, found bool) bool { return !in(values, found) }, nil
		}

		return in, nil
	case "$exists":
		want, ok := arg.(bool)
		if !ok {
			want = arg != nil
		}

		return func(_ []any, found bool) bool { return found == want }, nil
	case "$not":
		inner, err := compileCondition(arg)
		if err != nil {
			return nil, err
		}

		return func(values []any, found bool) bool { return !inner(values, found) }, nil
	case "$regex":
		re, err := compileRegex(arg, siblings["$options"])
		if err != nil {
			return nil, err
		}

		return regexTest(re), nil
	case "$size":
		n, ok := arg.(int64)
		if !ok {
			return nil, fmt.Errorf("%w: $size needs an integer", ErrInvalidOperand)
		}

		return func(values []any, _ bool) bool {
			for _, v := range values {
				if arr, ok := v.([]any); ok && int64(len(arr)) == n {
					return true
				}
			}

			return false
		}, nil
	case "$all":
		list, ok := arg.([]any)
		if !ok {
			return nil, fmt.Errorf("%w: $all needs an array", ErrInvalidOperand)
		}

		tests := make([]valueFn, len(list))
		for i, item := range list {
			tests[i] = eqTest(item)
		}

		return func(values []any, found bool) bool {
			if len(tests) == 0 {
				return false
			}

			for _, test := range tests {
				if !test(values, found) {
					return false
				}
			}

			return true
		}, nil
	case "$elemMatch":
		return compileElemMatch(arg)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownOperator, op)
	}
}

func compileElemMatch(arg any) (valueFn, error) {
	sub, ok := arg.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%w: $elemMatch needs an object", ErrInvalidOperand)
	}

	// {$elemMatch: {$gt: 1}} tests elements directly; otherwise elements are
	// documents tested against a nested predicate.
	if codec.IsOperatorObject(sub) {
		test, err := compileCondition(sub)
		if err != nil {
			return nil, err
		}

		return func(values []any, _ bool) bool {
			for _, v := range values {
				arr, ok := v.([]any)
				if !ok {
					continue
				}

				for _, elem := range arr {
					if test([]any{elem}, true) {
						return true
					}
				}
			}

			return false
		}, nil
	}

	match, err := compileDoc(sub)
	if err != nil {
		return nil, err
	}

	return func(values []any, _ bool) bool {
		for _, v := range values {
			arr, ok := v.([]any)
			if !ok {
				continue
			}

			for _, elem := range arr {
				if m, ok := elem.(map[string]any); ok && match(m) {
					return true
				}
			}
		}

		return false
	}, nil
}

// eqTest matches when any candidate equals want, or is an array holding it.
// A nil want also matches a missing path.
func eqTest(want any) valueFn {
	return func(values []any, found bool) bool {
		if want == nil && !found {
			return true
		}

		for _, v := range values {
			if codec.Equal(v, want) {
				return true
			}

			if arr, ok := v.([]any); ok {
				for _, elem := range arr {
					if codec.Equal(elem, want) {
						return true
					}
				}
			}
		}

		return false
	}
}

// rangeTest only compares values of the same type bracket, like MongoDB.
func rangeTest(op string, bound any) valueFn {
	ok := func(c int) bool {
		switch op {
		case "$gt":
			return c > 0
		case "$gte":
			return c >= 0
		case "$lt":
			return c < 0
		default:
			return c <= 0
		}
	}

	cmpOne := func(v any) bool {
		if !sameBracket(v, bound) {
			return false
		}

		return ok(codec.Compare(v, bound))
	}

	return func(values []any, _ bool) bool {
		for _, v := range values {
			if cmpOne(v) {
				return true
			}

			if arr, isArr := v.([]any); isArr {
				for _, elem := range arr {
					if cmpOne(elem) {
						return true
					}
				}
			}
		}

		return false
	}
}

func sameBracket(a, b any) bool {
	if codec.IsNumber(a) && codec.IsNumber(b) {
		return true
	}

	return fmt.Sprintf("%T", a) == fmt.Sprintf("%T", b)
}

func regexTest(re *regexp.Regexp) valueFn {
	return func(values []any, _ bool) bool {
		for _, v := range values {
			if s, ok := v.(string); ok && re.MatchString(s) {
				return true
			}

			if arr, ok := v.([]any); ok {
				for _, elem := range arr {
					if s, ok := elem.(string); ok && re.MatchString(s) {
						return true
					}
				}
			}
		}

		return false
	}
}

func compileRegex(pattern any, options any) (*regexp.Regexp, error) {
	if re, ok := pattern.(*regexp.Regexp); ok {
		return re, nil
	}

	src, ok := pattern.(string)
	if !ok {
		return nil, fmt.Errorf("%w: $regex needs a string", ErrInvalidOperand)
	}

	if opts, ok := options.(string); ok && opts != "" {
		var flags strings.Builder

		for _, r := range opts {
			switch r {
			case 'i', 'm', 's':
				flags.WriteRune(r)
			default:
				return nil, fmt.Errorf("%w: $options %q", ErrInvalidOperand, opts)
			}
		}

		src = "(?" + flags.String() + ")" + src
	}

	re, err := regexp.Compile(src)
	if err != nil {
		return nil, fmt.Errorf("%w: $regex: %w", ErrInvalidOperand, err)
	}

	return re, nil
}

// resolve collects the candidate values at a path. Arrays met before the
// last segment fan out to their elements, so "pets.name" reaches the name of
// every element of "pets".
func resolve(v any, segs []string) ([]any, bool) {
	if len(segs) == 0 {
		return []any{v}, true
	}

	switch node := v.(type) {
	case map[string]any:
		next, ok := node[segs[0]]
		if !ok {
			return nil, false
		}

		return resolve(next, segs[1:])
	case []any:
		var (
			out   []any
			found bool
		)

		if idx, ok := arrayIndex(segs[0], len(node)); ok {
			vals, f := resolve(node[idx], segs[1:])
			out = append(out, vals...)
			found = found || f
		}

		for _, elem := range node {
			if _, isDoc := elem.(map[string]any); !isDoc {
				continue
			}

			vals, f := resolve(elem, segs)
			out = append(out, vals...)
			found = found || f
		}

		return out, found
	default:
		return nil, false
	}
}

func arrayIndex(seg string, n int) (int, bool) {
	idx := 0

	for _, r := range seg {
		if r < '0' || r > '9' {
			return 0, false
		}

		idx = idx*10 + int(r-'0')
		if idx >= n {
			return 0, false
		}
	}

	return idx, seg != ""
}
