// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file covers real users (credit balances) and
// operators (incident counters).
package repo

import (
	"context"
	"errors"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/tbourn/persona-chat-backend/internal/domain"
)

// GetRealUser fetches a real user by ID or returns ErrNotFound.
func GetRealUser(ctx context.Context, db *gorm.DB, id string) (*domain.RealUser, error) {
	var u domain.RealUser
	if err := db.WithContext(ctx).Where("id = ?", id).First(&u).Error; err != nil {
		return nil, err
	}
	return &u, nil
}

// GetCredits returns the current balance of a real user.
func GetCredits(ctx context.Context, db *gorm.DB, id string) (int64, error) {
	var row struct{ Credits int64 }
	res := db.WithContext(ctx).Model(&domain.RealUser{}).Select("credits").Where("id = ?", id).Limit(1).Scan(&row)
	if res.Error != nil {
		return 0, res.Error
	}
	if res.RowsAffected == 0 {
		return 0, gorm.ErrRecordNotFound
	}
	return row.Credits, nil
}

// DebitCredits subtracts amount when the balance covers it. The floor check
// and the write are one statement; false means the user is missing or the
// balance is too low.
func DebitCredits(ctx context.Context, db *gorm.DB, id string, amount int64) (bool, error) {
	res := db.WithContext(ctx).
		Model(&domain.RealUser{}).
		Where("id = ? AND credits >= ?", id, amount).
		Update("credits", gorm.Expr("credits - ?", amount))
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

// AddCredits increases a balance. Returns ErrNotFound for unknown users.
func AddCredits(ctx context.Context, db *gorm.DB, id string, amount int64) error {
	res := db.WithContext(ctx).
		Model(&domain.RealUser{}).
		Where("id = ?", id).
		Update("credits", gorm.Expr("credits + ?", amount))
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

// UpsertRealUser inserts or replaces a real user by ID.
func UpsertRealUser(ctx context.Context, db *gorm.DB, u *domain.RealUser) error {
	return db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"display_name", "credits", "updated_at"}),
	}).Create(u).Error
}

// GetOperator fetches an operator by ID or returns ErrNotFound.
func GetOperator(ctx context.Context, db *gorm.DB, id string) (*domain.Operator, error) {
	var o domain.Operator
	if err := db.WithContext(ctx).Where("id = ?", id).First(&o).Error; err != nil {
		return nil, err
	}
	return &o, nil
}

// UpsertOperator inserts or updates an operator's profile fields. Counters
// are left untouched on conflict.
func UpsertOperator(ctx context.Context, db *gorm.DB, o *domain.Operator) error {
	if o.Status == "" {
		o.Status = domain.OperatorActive
	}
	return db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"display_name", "status", "updated_at"}),
	}).Create(o).Error
}

// incrementOperator bumps one counter column, creating the operator row on
// first use.
func incrementOperator(ctx context.Context, db *gorm.DB, id, column string) error {
	if column != "idle_incidents" && column != "assignments" {
		return errors.New("repo: unknown operator counter")
	}
	o := &domain.Operator{ID: id, Status: domain.OperatorActive}
	if column == "idle_incidents" {
		o.IdleIncidents = 1
	} else {
		o.Assignments = 1
	}
	return db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.Assignments(map[string]any{column: gorm.Expr(column + " + 1")}),
	}).Create(o).Error
}

// RecordIdleIncident increments an operator's idle_incidents counter.
func RecordIdleIncident(ctx context.Context, db *gorm.DB, operatorID string) error {
	return incrementOperator(ctx, db, operatorID, "idle_incidents")
}

// RecordAssignment increments an operator's assignments counter.
func RecordAssignment(ctx context.Context, db *gorm.DB, operatorID string) error {
	return incrementOperator(ctx, db, operatorID, "assignments")
}
