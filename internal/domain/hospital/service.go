package hospital

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

type Service struct {
	repo Repository
}

func NewService(repo Repository) *Service {
	return &Service{repo: repo}
}

// Register adds a hospital under its display name. Names that normalize to
// the same slug collide and the second registration fails with ErrDuplicate.
func (s *Service) Register(ctx context.Context, name string) (*Hospital, error) {
	name = strings.Join(strings.Fields(name), " ")
	if name == "" {
		return nil, fmt.Errorf("name is required")
	}
	h := &Hospital{Name: name, Slug: Normalize(name)}
	if err := s.repo.Create(ctx, h); err != nil {
		return nil, err
	}
	return h, nil
}

// Resolve looks a hospital up by id, by display name or by slug.
func (s *Service) Resolve(ctx context.Context, ref string) (*Hospital, error) {
	if id, err := uuid.Parse(ref); err == nil {
		return s.repo.GetByID(ctx, id)
	}
	slug := Normalize(ref)
	if slug == "" {
		return nil, ErrNotFound
	}
	return s.repo.GetBySlug(ctx, slug)
}

func (s *Service) List(ctx context.Context) ([]*Hospital, error) {
	return s.repo.List(ctx)
}

// ListTargets returns every registered hospital except the one named by
// exclude.
func (s *Service) ListTargets(ctx context.Context, exclude string) ([]*Hospital, error) {
	all, err := s.repo.List(ctx)
	if err != nil {
		return nil, err
	}
	skip := Normalize(exclude)
	out := make([]*Hospital, 0, len(all))
	for _, h := range all {
		if h.Slug != skip {
			out = append(out, h)
		}
	}
	return out, nil
}
