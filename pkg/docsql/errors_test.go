package docsql

import (
	"errors"
	"testing"
)

func Test_WithContext_Copies_Error_When_Already_Contextual(t *testing.T) {
	t.Parallel()

	shared := &Error{Err: ErrNotFound}

	first := withContext(shared, "pets", "a")
	second := withContext(shared, "owners", "")

	if shared.Collection != "" || shared.ID != "" || shared.Err != ErrNotFound {
		t.Fatalf("shared error modified: %+v", *shared)
	}

	if got := first.Error(); got != "not found (collection=pets doc_id=a)" {
		t.Fatalf("first = %q", got)
	}

	if got := second.Error(); got != "not found (collection=owners)" {
		t.Fatalf("second = %q", got)
	}

	kept := withContext(&Error{Collection: "pets", ID: "a", Err: ErrClosed}, "owners", "b")
	if got := kept.Error(); got != "docsql closed (collection=pets doc_id=a)" {
		t.Fatalf("kept = %q", got)
	}

	if !errors.Is(first, ErrNotFound) || withContext(nil, "pets", "") != nil {
		t.Fatal("withContext lost the cause")
	}
}
