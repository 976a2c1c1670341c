package kms

import (
	"context"
	"fmt"

	"github.com/medxfer/medxfer/internal/platform/hipaa"
)

// Local wraps keys with an in-process AES-256-GCM key-encryption key.
type Local struct {
	enc *hipaa.PHIEncryptor
}

func NewLocal(kek []byte) (*Local, error) {
	enc, err := hipaa.NewPHIEncryptor(kek)
	if err != nil {
		return nil, fmt.Errorf("kms local: %w", err)
	}
	return &Local{enc: enc}, nil
}

func (l *Local) Wrap(_ context.Context, plaintext []byte) ([]byte, error) {
	return l.enc.EncryptBytes(plaintext)
}

func (l *Local) Unwrap(_ context.Context, wrapped []byte) ([]byte, error) {
	key, err := l.enc.DecryptBytes(wrapped)
	if err != nil {
		return nil, fmt.Errorf("%v: %w", err, ErrUnwrap)
	}
	return key, nil
}
