// Package custody holds transmission keys apart from the ciphertext they
// protect. Keys are stored wrapped by a KMS and addressed by mailbox entry id.
package custody

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/syndtr/goleveldb/leveldb"

	"github.com/medxfer/medxfer/internal/platform/kms"
)

var ErrKeyNotFound = errors.New("custody: no key held for entry")

const keyPrefix = "custody:"

type Store struct {
	db      *leveldb.DB
	wrapper kms.KeyWrapper
}

// Open opens (or creates) the LevelDB database at path.
func Open(path string, wrapper kms.KeyWrapper) (*Store, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, fmt.Errorf("open custody store %s: %w", path, err)
	}
	return &Store{db: db, wrapper: wrapper}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func storageKey(entryID uuid.UUID) []byte {
	return []byte(keyPrefix + entryID.String())
}

// Deposit wraps key and stores it under entryID, replacing any earlier key.
func (s *Store) Deposit(ctx context.Context, entryID uuid.UUID, key []byte) error {
	wrapped, err := s.wrapper.Wrap(ctx, key)
	if err != nil {
		return fmt.Errorf("wrap key for entry %s: %w", entryID, err)
	}
	if err := s.db.Put(storageKey(entryID), wrapped, nil); err != nil {
		return fmt.Errorf("store key for entry %s: %w", entryID, err)
	}
	return nil
}

// Release returns the unwrapped key for entryID. The key stays in custody
// until Destroy is called.
func (s *Store) Release(ctx context.Context, entryID uuid.UUID) ([]byte, error) {
	wrapped, err := s.db.Get(storageKey(entryID), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return nil, ErrKeyNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read key for entry %s: %w", entryID, err)
	}
	key, err := s.wrapper.Unwrap(ctx, wrapped)
	if err != nil {
		return nil, fmt.Errorf("unwrap key for entry %s: %w", entryID, err)
	}
	return key, nil
}

// Destroy removes the key for entryID. Destroying an absent key is not an
// error.
func (s *Store) Destroy(_ context.Context, entryID uuid.UUID) error {
	if err := s.db.Delete(storageKey(entryID), nil); err != nil {
		return fmt.Errorf("destroy key for entry %s: %w", entryID, err)
	}
	return nil
}
