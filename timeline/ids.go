package timeline

import (
	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

// NewItemId returns a lexicographically sortable id for locally created items.
// ulid keeps optimistic items ordered by creation time when ids are compared.
func NewItemId() string {
	return ulid.Make().String()
}

// NewOperationId returns an id for operations that arrive without one.
func NewOperationId() string {
	return uuid.NewString()
}
