package transfer

import "errors"

var (
	ErrInvalidInput = errors.New("invalid input")
	ErrNotFound     = errors.New("not found")
	ErrDecryption   = errors.New("decryption error")
	ErrForbidden    = errors.New("access denied")
)

// reason is the per-item failure text reported in a batch result.
func reason(err error) string {
	switch {
	case errors.Is(err, ErrInvalidInput):
		return "invalid id"
	case errors.Is(err, ErrNotFound):
		return "not found"
	case errors.Is(err, ErrDecryption):
		return "decryption error"
	default:
		return err.Error()
	}
}
