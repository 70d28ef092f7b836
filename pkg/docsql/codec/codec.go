package codec

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

// ErrCorruptBlob reports a stored blob that does not decode to a document.
var ErrCorruptBlob = errors.New("corrupt blob")

// Encode serializes a normalized document into its blob form.
func Encode(doc Document) ([]byte, error) {
	if doc == nil {
		doc = Document{}
	}

	return EncodeValue(doc)
}

// Decode parses a blob produced by [Encode].
func Decode(data []byte) (Document, error) {
	v, err := DecodeValue(data)
	if err != nil {
		return nil, err
	}

	doc, ok := v.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%w: top-level value is %T", ErrCorruptBlob, v)
	}

	return doc, nil
}

// EncodeValue serializes any normalized value. Map keys are sorted, so equal
// values produce identical bytes; callers rely on that for equality pushdown
// and de-duplication.
func EncodeValue(v any) ([]byte, error) {
	var buf bytes.Buffer

	enc := msgpack.GetEncoder()
	enc.Reset(&buf)
	enc.SetSortMapKeys(true)

	err := enc.Encode(v)

	msgpack.PutEncoder(enc)

	if err != nil {
		return nil, fmt.Errorf("msgpack: encode %T: %w", v, err)
	}

	return buf.Bytes(), nil
}

// DecodeValue parses bytes produced by [EncodeValue] and normalizes the result.
func DecodeValue(data []byte) (any, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty", ErrCorruptBlob)
	}

	dec := msgpack.GetDecoder()
	dec.Reset(bytes.NewReader(data))
	dec.UseLooseInterfaceDecoding(true)

	v, err := dec.DecodeInterfaceLoose()

	msgpack.PutDecoder(dec)

	if err != nil {
		return nil, fmt.Errorf("%w: msgpack: %w", ErrCorruptBlob, err)
	}

	// Loose decoding yields uint64 for unsigned wire types and local-zone
	// times; normalizing brings both back to the canonical set.
	n, err := Normalize(v)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCorruptBlob, err)
	}

	return n, nil
}

// Key returns a canonical string for a value, usable as a map key for
// de-duplication. Values that are [Equal] across int64/float64 do not share a
// key; callers needing numeric equivalence compare with [Equal].
func Key(v any) (string, error) {
	raw, err := EncodeValue(v)
	if err != nil {
		return "", err
	}

	return string(raw), nil
}
