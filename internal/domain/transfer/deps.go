package transfer

import (
	"context"

	"github.com/google/uuid"

	"github.com/medxfer/medxfer/internal/domain/hospital"
	"github.com/medxfer/medxfer/internal/domain/record"
	"github.com/medxfer/medxfer/internal/platform/auth"
	"github.com/medxfer/medxfer/internal/platform/qkd"
)

type RecordStore interface {
	// Get returns the record with its clinical fields sealed under its
	// storage key.
	Get(ctx context.Context, id uuid.UUID) (*record.Record, error)
	Create(ctx context.Context, owner auth.Principal, d record.Draft) (*record.Record, error)
}

type KeyExchange interface {
	NegotiateKey(ctx context.Context) ([]byte, qkd.Stats, error)
}

type Cipher interface {
	Seal(plaintext string, key []byte) (string, error)
	Open(ciphertext string, key []byte) (string, error)
}

// KeyCustody holds transmission keys apart from mailbox entries.
type KeyCustody interface {
	Deposit(ctx context.Context, entryID uuid.UUID, key []byte) error
	Release(ctx context.Context, entryID uuid.UUID) ([]byte, error)
	Destroy(ctx context.Context, entryID uuid.UUID) error
}

type HospitalDirectory interface {
	Resolve(ctx context.Context, ref string) (*hospital.Hospital, error)
}

type Transactor interface {
	WithinTx(ctx context.Context, fn func(ctx context.Context) error) error
}
