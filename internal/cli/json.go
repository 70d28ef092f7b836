package cli

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/tailscale/hujson"
)

var errInvalidJSON = errors.New("invalid JSON argument")

// parseObject parses a JSONC object argument. Integers become int64, other
// numbers float64. {"$date": "<RFC 3339>"} becomes a time.Time and
// {"$binary": "<base64>"} a []byte.
func parseObject(arg string) (map[string]any, error) {
	v, err := parseValue(arg)
	if err != nil {
		return nil, err
	}

	m, ok := v.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%w: want an object, got %s", errInvalidJSON, strings.TrimSpace(arg))
	}

	return m, nil
}

func parseValue(arg string) (any, error) {
	standardized, err := hujson.Standardize([]byte(arg))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", errInvalidJSON, err)
	}

	dec := json.NewDecoder(bytes.NewReader(standardized))
	dec.UseNumber()

	var raw any

	if err := dec.Decode(&raw); err != nil {
		return nil, fmt.Errorf("%w: %w", errInvalidJSON, err)
	}

	return fromJSON(raw)
}

func fromJSON(v any) (any, error) {
	switch x := v.(type) {
	case json.Number:
		if n, err := x.Int64(); err == nil {
			return n, nil
		}

		f, err := x.Float64()
		if err != nil {
			return nil, fmt.Errorf("%w: number %s: %w", errInvalidJSON, x, err)
		}

		return f, nil
	case []any:
		out := make([]any, len(x))

		for i, e := range x {
			c, err := fromJSON(e)
			if err != nil {
				return nil, err
			}

			out[i] = c
		}

		return out, nil
	case map[string]any:
		if len(x) == 1 {
			if s, ok := x["$date"].(string); ok {
				t, err := time.Parse(time.RFC3339Nano, s)
				if err != nil {
					return nil, fmt.Errorf("%w: $date: %w", errInvalidJSON, err)
				}

				return t.UTC(), nil
			}

			if s, ok := x["$binary"].(string); ok {
				b, err := base64.StdEncoding.DecodeString(s)
				if err != nil {
					return nil, fmt.Errorf("%w: $binary: %w", errInvalidJSON, err)
				}

				return b, nil
			}
		}

		out := make(map[string]any, len(x))

		for k, e := range x {
			c, err := fromJSON(e)
			if err != nil {
				return nil, err
			}

			out[k] = c
		}

		return out, nil
	default:
		return v, nil
	}
}

// formatValue renders a document value as compact JSON with sorted keys,
// using the same $date and $binary forms parseValue accepts.
func formatValue(v any) (string, error) {
	data, err := json.Marshal(toJSON(v))
	if err != nil {
		return "", fmt.Errorf("format: %w", err)
	}

	return string(data), nil
}

func toJSON(v any) any {
	switch x := v.(type) {
	case time.Time:
		return map[string]any{"$date": x.UTC().Format(time.RFC3339Nano)}
	case []byte:
		return map[string]any{"$binary": base64.StdEncoding.EncodeToString(x)}
	case []any:
		out := make([]any, len(x))
		for i, e := range x {
			out[i] = toJSON(e)
		}

		return out
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, e := range x {
			out[k] = toJSON(e)
		}

		return out
	default:
		return v
	}
}
