package mailbox

import (
	"context"
	"errors"

	"github.com/google/uuid"
)

var (
	ErrNotFound = errors.New("mailbox entry not found")
	// ErrDuplicate is returned by Insert when the destination already holds an
	// entry with the same source record and signature.
	ErrDuplicate = errors.New("mailbox entry already delivered")
)

// Repository is partitioned by destination hospital. Every call names the
// partition it operates on.
type Repository interface {
	// ListInbox returns a page of the partition, newest first.
	ListInbox(ctx context.Context, hospitalID uuid.UUID, limit, offset int) ([]*Entry, error)
	GetByID(ctx context.Context, hospitalID, entryID uuid.UUID) (*Entry, error)
	// FindBySignature returns nil, nil when no entry matches.
	FindBySignature(ctx context.Context, hospitalID, sourceRecordID uuid.UUID, signature string) (*Entry, error)
	Insert(ctx context.Context, e *Entry) error
	MarkUnlocked(ctx context.Context, hospitalID, entryID uuid.UUID) error
	Remove(ctx context.Context, hospitalID, entryID uuid.UUID) error
	// ClaimForAcceptance reads the entry and locks it until the surrounding
	// transaction ends, so concurrent acceptances of one entry serialize.
	ClaimForAcceptance(ctx context.Context, hospitalID, entryID uuid.UUID) (*Entry, error)
}
