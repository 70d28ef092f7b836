package docsql

import (
	"github.com/apostrophecms/sql/internal/planner"
	"github.com/apostrophecms/sql/internal/table"
	"github.com/apostrophecms/sql/pkg/docsql/codec"
)

// Document is a decoded document. See [codec] for the value types it holds
// after normalization.
type Document = codec.Document

// SortField orders a [Cursor] by one path. The path needs an index.
type SortField = planner.SortField

// IndexKey is one field of an index, in order.
type IndexKey = table.Key

// Index describes a registered index. The implicit unique _id index is
// always listed first.
type Index = table.Index

// IndexOptions configures [Collection.CreateIndex].
type IndexOptions struct {
	Unique bool
}

// UpdateOptions configures updates and replacements.
type UpdateOptions struct {
	// Upsert inserts a document when nothing matches.
	Upsert bool
}

func mergeUpdateOptions(opts []UpdateOptions) UpdateOptions {
	var out UpdateOptions

	for _, o := range opts {
		out.Upsert = out.Upsert || o.Upsert
	}

	return out
}

// InsertOneResult reports an insert.
type InsertOneResult struct {
	InsertedID string
}

// InsertManyResult reports the ids inserted before any failure, in order.
type InsertManyResult struct {
	InsertedIDs []string
}

// UpdateResult reports an update or replacement.
type UpdateResult struct {
	MatchedCount  int64
	ModifiedCount int64

	// UpsertedID is set when an upsert inserted a document.
	UpsertedID string
}

// DeleteResult reports a delete.
type DeleteResult struct {
	DeletedCount int64
}
