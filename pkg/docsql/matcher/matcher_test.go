package matcher_test

import (
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/apostrophecms/sql/pkg/docsql/codec"
	"github.com/apostrophecms/sql/pkg/docsql/matcher"
)

func pet() codec.Document {
	return codec.Document{
		"_id":  "p1",
		"name": "pypy",
		"type": "cat",
		"age":  int64(4),
		"tags": []any{"black", "small"},
		"born": time.Date(2020, 5, 1, 0, 0, 0, 0, time.UTC),
		"owner": map[string]any{
			"name": "ann",
			"pets": []any{
				map[string]any{"name": "spike", "age": int64(2)},
				map[string]any{"name": "rex", "age": int64(9)},
			},
		},
		"nothing": nil,
	}
}

func Test_Compile_Matches_Document_When_Predicate_Varies(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		pred map[string]any
		want bool
	}{
		{name: "empty", pred: map[string]any{}, want: true},
		{name: "implicit eq", pred: map[string]any{"name": "pypy", "type": "cat"}, want: true},
		{name: "implicit eq miss", pred: map[string]any{"name": "spike"}, want: false},
		{name: "int matches float", pred: map[string]any{"age": 4.0}, want: true},
		{name: "array contains", pred: map[string]any{"tags": "black"}, want: true},
		{name: "array whole", pred: map[string]any{"tags": []any{"black", "small"}}, want: true},
		{name: "nested path", pred: map[string]any{"owner.name": "ann"}, want: true},
		{name: "array of docs", pred: map[string]any{"owner.pets.name": "rex"}, want: true},
		{name: "array index", pred: map[string]any{"owner.pets.0.name": "spike"}, want: true},
		{name: "null matches missing", pred: map[string]any{"missing": nil}, want: true},
		{name: "null matches null", pred: map[string]any{"nothing": nil}, want: true},
		{name: "gt", pred: map[string]any{"age": map[string]any{"$gt": int64(3)}}, want: true},
		{name: "gte lte", pred: map[string]any{"age": map[string]any{"$gte": int64(4), "$lte": int64(4)}}, want: true},
		{name: "lt type bracket", pred: map[string]any{"name": map[string]any{"$lt": int64(100)}}, want: false},
		{name: "date range", pred: map[string]any{"born": map[string]any{"$lt": time.Date(2021, 1, 1, 0, 0, 0, 0, time.UTC)}}, want: true},
		{name: "nested gt through array", pred: map[string]any{"owner.pets.age": map[string]any{"$gt": int64(8)}}, want: true},
		{name: "ne", pred: map[string]any{"type": map[string]any{"$ne": "dog"}}, want: true},
		{name: "ne array member", pred: map[string]any{"tags": map[string]any{"$ne": "small"}}, want: false},
		{name: "in", pred: map[string]any{"type": map[string]any{"$in": []any{"dog", "cat"}}}, want: true},
		{name: "nin", pred: map[string]any{"type": map[string]any{"$nin": []any{"dog", "cat"}}}, want: false},
		{name: "in regex", pred: map[string]any{"name": map[string]any{"$in": []any{regexp.MustCompile("^py")}}}, want: true},
		{name: "exists", pred: map[string]any{"owner.name": map[string]any{"$exists": true}}, want: true},
		{name: "not exists", pred: map[string]any{"missing": map[string]any{"$exists": false}}, want: true},
		{name: "exists null value", pred: map[string]any{"nothing": map[string]any{"$exists": true}}, want: true},
		{name: "regex value", pred: map[string]any{"name": regexp.MustCompile("y+p")}, want: true},
		{name: "regex op", pred: map[string]any{"name": map[string]any{"$regex": "^PY", "$options": "i"}}, want: true},
		{name: "regex array", pred: map[string]any{"tags": map[string]any{"$regex": "^sm"}}, want: true},
		{name: "not", pred: map[string]any{"age": map[string]any{"$not": map[string]any{"$gt": int64(10)}}}, want: true},
		{name: "size", pred: map[string]any{"tags": map[string]any{"$size": int64(2)}}, want: true},
		{name: "size miss", pred: map[string]any{"tags": map[string]any{"$size": int64(3)}}, want: false},
		{name: "all", pred: map[string]any{"tags": map[string]any{"$all": []any{"small", "black"}}}, want: true},
		{name: "all miss", pred: map[string]any{"tags": map[string]any{"$all": []any{"small", "white"}}}, want: false},
		{name: "elemMatch doc", pred: map[string]any{"owner.pets": map[string]any{"$elemMatch": map[string]any{
			"name": "spike", "age": map[string]any{"$lt": int64(3)},
		}}}, want: true},
		{name: "elemMatch doc split", pred: map[string]any{"owner.pets": map[string]any{"$elemMatch": map[string]any{
			"name": "spike", "age": int64(9),
		}}}, want: false},
		{name: "and", pred: map[string]any{"$and": []any{
			map[string]any{"type": "cat"},
			map[string]any{"age": map[string]any{"$gt": int64(1)}},
		}}, want: true},
		{name: "or", pred: map[string]any{"$or": []any{
			map[string]any{"type": "dog"},
			map[string]any{"name": "pypy"},
		}}, want: true},
		{name: "nor", pred: map[string]any{"$nor": []any{
			map[string]any{"type": "dog"},
			map[string]any{"name": "pypy"},
		}}, want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			m, err := matcher.Compile(tt.pred)
			require.NoError(t, err)
			require.Equal(t, tt.want, m.Match(pet()))
		})
	}
}

func Test_Compile_Returns_Error_When_Operator_Unknown(t *testing.T) {
	t.Parallel()

	_, err := matcher.Compile(map[string]any{"age": map[string]any{"$near": int64(1)}})
	require.True(t, errors.Is(err, matcher.ErrUnknownOperator), "err = %v", err)

	_, err = matcher.Compile(map[string]any{"$where": "1"})
	require.True(t, errors.Is(err, matcher.ErrUnknownOperator), "err = %v", err)
}

func Test_Compile_Returns_Error_When_Operand_Invalid(t *testing.T) {
	t.Parallel()

	bad := []map[string]any{
		{"tags": map[string]any{"$in": "black"}},
		{"$or": "x"},
		{"$and": []any{}},
		{"name": map[string]any{"$regex": "("}},
		{"name": map[string]any{"$options": "i"}},
		{"tags": map[string]any{"$size": "2"}},
	}

	for _, pred := range bad {
		_, err := matcher.Compile(pred)
		require.True(t, errors.Is(err, matcher.ErrInvalidOperand), "pred %v: err = %v", pred, err)
	}
}

func Test_Func_Adapts_Function_When_Used_As_Matcher(t *testing.T) {
	t.Parallel()

	var m matcher.Matcher = matcher.Func(func(doc codec.Document) bool { return doc["ok"] == true })

	require.True(t, m.Match(codec.Document{"ok": true}))
	require.False(t, m.Match(codec.Document{}))
}
