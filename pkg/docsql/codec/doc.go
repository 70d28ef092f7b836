// Package codec converts documents between their in-memory form and the
// representations stored by the relational engine.
//
// A document is stored twice: once as an opaque, type-preserving blob (the
// authoritative copy) and once per promoted column as the value found at a
// single property path. This package owns both encodings, the dotted-path
// helpers used to read and write nested properties, and the column-name
// mangling rules shared by the metadata store.
//
// Supported value types after [Normalize]:
//
//	nil, bool, int64, float64, string, time.Time (UTC), []byte,
//	[]any, map[string]any
//
// Blobs are MessagePack with sorted map keys, so two equal documents always
// encode to identical bytes. Integers and floats keep their distinct types,
// dates keep nanosecond precision and binary stays binary.
package codec
