// Package docsql stores MongoDB-style documents in a relational database.
//
// Each collection is one table with an _id primary key and a _doc column
// holding the full document as a type-preserving blob. Properties that are
// indexed, or changed by update operators, also get a "promoted" column of
// their own. Promoted columns let the database filter by equality, enforce
// unique indexes and apply $inc atomically; the blob stays the authoritative
// copy of everything else.
//
// # Schema evolution
//
// Promoted columns are recorded per collection in a metadata directory
// ([Config.MetadataDir]), one JSON descriptor per collection mapping property
// paths to column names:
//
//	{
//	  "collection": "pets",
//	  "version": 2,
//	  "next_alias": 0,
//	  "columns": {
//	    "fur":        {"column": "fur", "purposes": ["index"]},
//	    "owner.name": {"column": "owner__name", "purposes": ["operator"]}
//	  }
//	}
//
// In [Development] mode new columns are minted on demand and the descriptors
// are rewritten. In [Locked] mode the descriptors are read-only: an operation
// needing an unknown column fails with [ErrSchemaViolation] before writing
// anything. Commit the metadata directory with the application.
//
// # Queries
//
// A find pushes equality conditions that match the leading keys of an index
// down to the database, then applies the whole predicate to every decoded
// document. Pushdown only narrows the scan; results are the same with or
// without indexes. Sorting requires an index on each sort path.
//
// # Usage
//
//	db, err := docsql.Open(ctx, docsql.Config{
//	    Path:        "app.db",
//	    MetadataDir: "schema",
//	    Mode:        docsql.Development,
//	})
//	if err != nil { ... }
//	defer db.Close()
//
//	pets, _ := db.Collection("pets")
//	_, _ = pets.CreateIndex(ctx, []docsql.IndexKey{{Field: "fur"}})
//	_, _ = pets.InsertOne(ctx, docsql.Document{"name": "pypy", "fur": "black"})
//	doc, err := pets.FindOne(ctx, map[string]any{"fur": "black"})
package docsql
