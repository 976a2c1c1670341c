package auditlog

import "context"

// Appender is the only write access to the ledger. There is no update or
// delete.
type Appender interface {
	Append(ctx context.Context, e *Entry) error
}

type Reader interface {
	// List returns entries newest first.
	List(ctx context.Context, limit, offset int) ([]*Entry, error)
}

type Repository interface {
	Appender
	Reader
}
