// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file stores operator heartbeats.
package repo

import (
	"context"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/tbourn/persona-chat-backend/internal/domain"
)

// UpsertActivity records ts as the latest activity of operatorID on chatID.
// Last write wins; the pairing never gets a second row.
func UpsertActivity(ctx context.Context, db *gorm.DB, chatID, operatorID string, ts time.Time) error {
	ts = ts.UTC()
	a := &domain.OperatorActivity{
		ChatID:       chatID,
		OperatorID:   operatorID,
		LastActivity: ts,
		CreatedAt:    ts,
		UpdatedAt:    ts,
	}
	return db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "chat_id"}, {Name: "operator_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"last_activity", "updated_at"}),
	}).Create(a).Error
}

// GetActivity returns the activity row of a pairing or ErrNotFound.
func GetActivity(ctx context.Context, db *gorm.DB, chatID, operatorID string) (*domain.OperatorActivity, error) {
	var a domain.OperatorActivity
	err := db.WithContext(ctx).
		Where("chat_id = ? AND operator_id = ?", chatID, operatorID).
		First(&a).Error
	if err != nil {
		return nil, err
	}
	return &a, nil
}
