package hospital

import (
	"context"
	"errors"

	"github.com/google/uuid"
)

var (
	ErrNotFound  = errors.New("hospital not found")
	ErrDuplicate = errors.New("hospital already registered")
)

type Repository interface {
	Create(ctx context.Context, h *Hospital) error
	GetByID(ctx context.Context, id uuid.UUID) (*Hospital, error)
	GetBySlug(ctx context.Context, slug string) (*Hospital, error)
	List(ctx context.Context) ([]*Hospital, error)
}
