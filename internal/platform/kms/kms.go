// Package kms wraps and unwraps data keys under a key-encryption key that the
// service never persists next to the wrapped material.
package kms

import (
	"context"
	"errors"
)

var ErrUnwrap = errors.New("kms: unable to unwrap key")

// KeyWrapper encrypts short secrets such as transmission keys.
type KeyWrapper interface {
	Wrap(ctx context.Context, plaintext []byte) ([]byte, error)
	Unwrap(ctx context.Context, wrapped []byte) ([]byte, error)
}
