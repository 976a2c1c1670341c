package custody

import (
	"bytes"
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/google/uuid"

	"github.com/medxfer/medxfer/internal/platform/kms"
)

func newTestStore(t *testing.T) (*Store, string) {
	t.Helper()
	wrapper, err := kms.NewLocal(bytes.Repeat([]byte{0x42}, 32))
	if err != nil {
		t.Fatalf("NewLocal: %v", err)
	}
	path := filepath.Join(t.TempDir(), "custody")
	s, err := Open(path, wrapper)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s, path
}

func TestDepositRelease(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	id := uuid.New()
	key := bytes.Repeat([]byte{9}, 32)

	if err := s.Deposit(ctx, id, key); err != nil {
		t.Fatalf("Deposit: %v", err)
	}
	got, err := s.Release(ctx, id)
	if err != nil {
		t.Fatalf("Release: %v", err)
	}
	if !bytes.Equal(got, key) {
		t.Error("released key differs from deposited key")
	}

	// Release does not consume the key.
	if _, err := s.Release(ctx, id); err != nil {
		t.Errorf("second Release: %v", err)
	}
}

func TestKeysAreStoredWrapped(t *testing.T) {
	s, _ := newTestStore(t)
	id := uuid.New()
	key := []byte("plain-transmission-key-material!!")

	if err := s.Deposit(context.Background(), id, key); err != nil {
		t.Fatalf("Deposit: %v", err)
	}
	raw, err := s.db.Get(storageKey(id), nil)
	if err != nil {
		t.Fatalf("raw get: %v", err)
	}
	if bytes.Contains(raw, key) {
		t.Error("custody must not persist the raw key")
	}
}

func TestReleaseUnknown(t *testing.T) {
	s, _ := newTestStore(t)
	if _, err := s.Release(context.Background(), uuid.New()); !errors.Is(err, ErrKeyNotFound) {
		t.Errorf("expected ErrKeyNotFound, got %v", err)
	}
}

func TestDestroy(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	id := uuid.New()

	if err := s.Deposit(ctx, id, []byte("k")); err != nil {
		t.Fatalf("Deposit: %v", err)
	}
	if err := s.Destroy(ctx, id); err != nil {
		t.Fatalf("Destroy: %v", err)
	}
	if _, err := s.Release(ctx, id); !errors.Is(err, ErrKeyNotFound) {
		t.Errorf("expected ErrKeyNotFound after destroy, got %v", err)
	}
	if err := s.Destroy(ctx, id); err != nil {
		t.Errorf("destroying an absent key should succeed, got %v", err)
	}
}

func TestPersistsAcrossReopen(t *testing.T) {
	wrapper, _ := kms.NewLocal(bytes.Repeat([]byte{0x42}, 32))
	path := filepath.Join(t.TempDir(), "custody")
	id := uuid.New()

	s, err := Open(path, wrapper)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := s.Deposit(context.Background(), id, []byte("durable")); err != nil {
		t.Fatalf("Deposit: %v", err)
	}
	s.Close()

	s, err = Open(path, wrapper)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s.Close()
	got, err := s.Release(context.Background(), id)
	if err != nil || string(got) != "durable" {
		t.Errorf("expected durable key after reopen, got %q, %v", got, err)
	}
}
