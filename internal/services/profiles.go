package services

import (
	"context"
	"strings"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/tbourn/persona-chat-backend/internal/domain"
	"github.com/tbourn/persona-chat-backend/internal/repo"
)

// ProfileService serves the persona directory through the cache and keeps
// the cache consistent with admin writes.
type ProfileService struct {
	DB    *gorm.DB
	Cache *ProfileCache
}

// NewProfileService builds a directory service over db with its own cache.
func NewProfileService(db *gorm.DB) *ProfileService {
	return &ProfileService{DB: db, Cache: NewProfileCache(StorePersonaSource(db))}
}

// List returns the gender partition narrowed by f.
func (s *ProfileService) List(ctx context.Context, gender domain.Gender, f ProfileFilter) ([]domain.Persona, error) {
	if f.MinAge > 0 && f.MaxAge > 0 && f.MinAge > f.MaxAge {
		return nil, ErrInvalidAgeFilter
	}
	list, err := s.Cache.Get(ctx, gender)
	if err != nil {
		return nil, err
	}
	return FilterProfiles(list, f), nil
}

// Invalidate clears the cache on behalf of an admin.
func (s *ProfileService) Invalidate(id domain.Identity) error {
	if err := Authorize(id, CapManageProfiles, Resource{}); err != nil {
		return err
	}
	s.Cache.Invalidate()
	return nil
}

// Save creates or replaces a persona and invalidates the cache so the next
// directory read sees the write. An empty p.ID gets a fresh one.
func (s *ProfileService) Save(ctx context.Context, id domain.Identity, p *domain.Persona) (*domain.Persona, error) {
	if err := Authorize(id, CapManageProfiles, Resource{}); err != nil {
		return nil, err
	}
	p.DisplayName = strings.TrimSpace(p.DisplayName)
	if p.DisplayName == "" || p.Age <= 0 || p.MessageCost < 0 {
		return nil, ErrInvalidPersona
	}
	if !p.Gender.Valid() {
		return nil, ErrInvalidGender
	}
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	if err := repo.SavePersona(ctx, s.DB, p); err != nil {
		return nil, storeErr("save persona", err)
	}
	s.Cache.Invalidate()

	saved, err := repo.GetPersona(ctx, s.DB, p.ID)
	if err != nil {
		return nil, storeErr("load persona", err)
	}
	return saved, nil
}
