package docsql

import (
	"errors"
	"strings"

	"github.com/apostrophecms/sql/internal/backend"
	"github.com/apostrophecms/sql/internal/metadata"
	"github.com/apostrophecms/sql/internal/planner"
	"github.com/apostrophecms/sql/internal/table"
	"github.com/apostrophecms/sql/internal/update"
)

// Sentinel errors. Every error returned by a [Collection] wraps one of these
// or a backend error; branch on them with [errors.Is].
var (
	// ErrSchemaViolation: in locked mode, the operation needs a column the
	// metadata does not record. Nothing was written.
	ErrSchemaViolation = metadata.ErrSchemaViolation

	// ErrUnsupportedOperator: an update used an operator other than $set,
	// $unset, $inc, $pull, $addToSet or $currentDate.
	ErrUnsupportedOperator = update.ErrUnsupportedOperator

	// ErrDuplicateKey: a unique index or the _id primary key rejected a write.
	ErrDuplicateKey = backend.ErrDuplicateKey

	// ErrTableCreation: the collection's table could not be created. Every
	// later call on the collection fails with it until the process restarts.
	ErrTableCreation = table.ErrTableCreation

	// ErrUnsupportedIndex: an index key, or a write to an indexed path, holds
	// an array.
	ErrUnsupportedIndex = table.ErrUnsupportedIndex

	// ErrUnsupportedSort: a sort path has no index.
	ErrUnsupportedSort = planner.ErrUnsupportedSort

	// ErrInvalidUpdate: an update operand has the wrong type, or a
	// replacement contains operators.
	ErrInvalidUpdate = update.ErrInvalidUpdate

	// ErrInvalidProjection: a projection mixes inclusion and exclusion.
	ErrInvalidProjection = planner.ErrInvalidProjection

	// ErrIndexNotFound: DropIndex named an unknown index.
	ErrIndexNotFound = table.ErrIndexNotFound

	ErrInvalidName     = errors.New("invalid collection name")
	ErrInvalidDocument = errors.New("invalid document")
	ErrClosed          = errors.New("docsql closed")
	ErrNotFound        = errors.New("not found")
)

// Error is returned by every [Collection] method. It appends the collection
// and, when known, the document id to the cause:
//
//	duplicate key: insert into pets (collection=pets doc_id=0190c3d2)
//
// Use [errors.As] to read the fields and [errors.Is] for the sentinel.
type Error struct {
	Collection string
	ID         string
	Err        error
}

// Error formats as "<cause> (collection=X doc_id=Y)".
func (e *Error) Error() string {
	if e == nil {
		return ""
	}

	var parts []string

	if e.Collection != "" {
		parts = append(parts, "collection="+e.Collection)
	}

	if e.ID != "" {
		parts = append(parts, "doc_id="+e.ID)
	}

	cause := ""
	if e.Err != nil {
		cause = e.Err.Error()
	}

	if len(parts) == 0 {
		return cause
	}

	suffix := "(" + strings.Join(parts, " ") + ")"
	if cause == "" {
		return suffix
	}

	return cause + " " + suffix
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}

	return e.Err
}

// withContext attaches collection and document context at the API boundary.
// An existing *Error is copied with its empty fields filled and the original
// left untouched.
func withContext(err error, collection, id string) error {
	if err == nil {
		return nil
	}

	var existing *Error
	if errors.As(err, &existing) {
		cp := *existing

		if cp.Collection == "" {
			cp.Collection = collection
		}

		if cp.ID == "" {
			cp.ID = id
		}

		return &cp
	}

	return &Error{Collection: collection, ID: id, Err: err}
}
