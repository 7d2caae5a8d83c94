// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides small aggregate queries used for
// conditional responses (ETag generation) and operator statistics.
package repo

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/tbourn/persona-chat-backend/internal/domain"
)

// MessagesStats returns aggregate metadata for messages within a given chat:
// the total number of rows and the maximum UpdatedAt timestamp among those rows.
// Edits bump UpdatedAt, so the pair changes whenever the listing would.
//
// When the chat has no messages, the returned count is 0 and maxUpdatedAt is nil.
func MessagesStats(ctx context.Context, db *gorm.DB, chatID string) (count int64, maxUpdatedAt *time.Time, err error) {
	q := db.WithContext(ctx).Model(&domain.Message{}).Where("chat_id = ?", chatID)

	if err = q.Count(&count).Error; err != nil {
		return 0, nil, err
	}
	if count == 0 {
		return 0, nil, nil
	}

	// Get latest updated_at (avoid MAX() -> TEXT in SQLite)
	var row struct {
		UpdatedAt time.Time
	}
	if err = q.Select("updated_at").Order("updated_at DESC").Limit(1).Scan(&row).Error; err != nil {
		return 0, nil, err
	}
	return count, &row.UpdatedAt, nil
}

// OperatorCounters holds the raw inputs of the reassignment-frequency
// statistic.
type OperatorCounters struct {
	IdleIncidents int64
	Assignments   int64
}

// OperatorStats reads an operator's counters or returns ErrNotFound.
func OperatorStats(ctx context.Context, db *gorm.DB, operatorID string) (OperatorCounters, error) {
	var out OperatorCounters
	res := db.WithContext(ctx).
		Model(&domain.Operator{}).
		Select("idle_incidents, assignments").
		Where("id = ?", operatorID).
		Limit(1).
		Scan(&out)
	if res.Error != nil {
		return OperatorCounters{}, res.Error
	}
	if res.RowsAffected == 0 {
		return OperatorCounters{}, gorm.ErrRecordNotFound
	}
	return out, nil
}
