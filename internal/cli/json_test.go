package cli

import (
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func Test_ParseObject_Converts_Extended_Forms_When_Present(t *testing.T) {
	t.Parallel()

	got, err := parseObject(`{
		// JSONC
		"n": 3,
		"f": 2.5,
		"big": 1e300,
		"at": {"$date": "2026-01-02T04:04:05+01:00"},
		"raw": {"$binary": "AQID"},
		"nested": [{"$date": "2026-01-02T03:04:05Z"}, null, true],
		"notDate": {"$date": "x", "other": 1},
	}`)
	if err != nil {
		t.Fatalf("parseObject: %v", err)
	}

	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	want := map[string]any{
		"n":       int64(3),
		"f":       2.5,
		"big":     1e300,
		"at":      at,
		"raw":     []byte{1, 2, 3},
		"nested":  []any{at, nil, true},
		"notDate": map[string]any{"$date": "x", "other": int64(1)},
	}

	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("parseObject mismatch (-want +got):\n%s", diff)
	}
}

func Test_ParseObject_Returns_Error_When_Input_Is_Invalid(t *testing.T) {
	t.Parallel()

	for _, in := range []string{
		`{"a": `,
		`[1]`,
		`"text"`,
		`{"at": {"$date": "yesterday"}}`,
		`{"raw": {"$binary": "!!"}}`,
	} {
		if _, err := parseObject(in); !errors.Is(err, errInvalidJSON) {
			t.Errorf("parseObject(%s) err = %v, want errInvalidJSON", in, err)
		}
	}
}

func Test_FormatValue_Uses_Extended_Forms_When_Formatting(t *testing.T) {
	t.Parallel()

	got, err := formatValue(map[string]any{
		"b":  []byte("hi"),
		"t":  time.Date(2026, 1, 2, 3, 4, 5, 6000, time.UTC),
		"xs": []any{int64(1), 1.5, "s"},
		"a":  map[string]any{"z": nil, "y": false},
	})
	if err != nil {
		t.Fatalf("formatValue: %v", err)
	}

	want := `{"a":{"y":false,"z":null},"b":{"$binary":"aGk="},"t":{"$date":"2026-01-02T03:04:05.000006Z"},"xs":[1,1.5,"s"]}`
	if got != want {
		t.Fatalf("formatValue = %s, want %s", got, want)
	}
}

func Test_SplitArgs_Keeps_JSON_Together_When_It_Contains_Spaces(t *testing.T) {
	t.Parallel()

	tests := []struct {
		line string
		want []string
	}{
		{`count pets`, []string{"count", "pets"}},
		{`find  pets   {"a": "b c", "d": [1, 2]}`, []string{"find", "pets", `{"a": "b c", "d": [1, 2]}`}},
		{`find pets '{"a": 1}' --limit 2`, []string{"find", "pets", `{"a": 1}`, "--limit", "2"}},
		{`insert pets {"q": "say \"hi\" }"}`, []string{"insert", "pets", `{"q": "say \"hi\" }"}`}},
		{`distinct pets "owner name"`, []string{"distinct", "pets", "owner name"}},
		{`x ""`, []string{"x", ""}},
	}

	for _, tt := range tests {
		got, err := splitArgs(tt.line)
		if err != nil {
			t.Errorf("splitArgs(%s): %v", tt.line, err)

			continue
		}

		if diff := cmp.Diff(tt.want, got); diff != "" {
			t.Errorf("splitArgs(%s) mismatch (-want +got):\n%s", tt.line, diff)
		}
	}
}

func Test_SplitArgs_Returns_Error_When_Unterminated(t *testing.T) {
	t.Parallel()

	for _, line := range []string{`find pets {"a": 1`, `find 'pets`, `find pets {"a": "b}`} {
		if _, err := splitArgs(line); !errors.Is(err, errUnterminated) {
			t.Errorf("splitArgs(%s) err = %v, want errUnterminated", line, err)
		}
	}
}

func Test_ParseSort_And_IndexKeys_Parse_Directions(t *testing.T) {
	t.Parallel()

	sort := parseSort("name, -age,+fur,")
	if len(sort) != 3 || sort[0].Path != "name" || sort[0].Desc || sort[1].Path != "age" || !sort[1].Desc || sort[2].Path != "fur" {
		t.Fatalf("parseSort = %+v", sort)
	}

	keys, err := parseIndexKeys([]string{"a", "b:1", "c:-1"})
	if err != nil {
		t.Fatalf("parseIndexKeys: %v", err)
	}

	if keys[0].Descending || keys[1].Descending || !keys[2].Descending || keys[2].Field != "c" {
		t.Fatalf("parseIndexKeys = %+v", keys)
	}
}
