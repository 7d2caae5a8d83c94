// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides repository functions for personas.
package repo

import (
	"context"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/tbourn/persona-chat-backend/internal/domain"
)

// ListPersonasByGender returns one directory partition ordered by name.
func ListPersonasByGender(ctx context.Context, db *gorm.DB, gender domain.Gender) ([]domain.Persona, error) {
	var out []domain.Persona
	err := db.WithContext(ctx).
		Where("gender = ?", gender).
		Order("display_name ASC, id ASC").
		Find(&out).Error
	return out, err
}

// GetPersona fetches a persona by ID or returns ErrNotFound.
func GetPersona(ctx context.Context, db *gorm.DB, id string) (*domain.Persona, error) {
	var p domain.Persona
	if err := db.WithContext(ctx).Where("id = ?", id).First(&p).Error; err != nil {
		return nil, err
	}
	return &p, nil
}

// SavePersona inserts or replaces a persona by ID.
func SavePersona(ctx context.Context, db *gorm.DB, p *domain.Persona) error {
	return db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"display_name", "gender", "age", "location", "gallery", "message_cost", "updated_at"}),
	}).Create(p).Error
}
