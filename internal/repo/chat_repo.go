// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides repository functions for the Chat model.
//
// All functions are context-aware and accept a *gorm.DB handle, making them
// safe for use within transactions or connection-scoped operations.
//
// State transitions are compare-and-swap updates: the WHERE clause carries the
// expected source state (and operator), and the boolean result reports whether
// the row matched. A false result means the chat is missing or was changed by
// a concurrent caller; the service layer re-reads the row to tell which.
//
// Error semantics:
//   - When a chat is not found, lookups return gorm.ErrRecordNotFound
//     (also exported here as ErrNotFound for convenience).
//   - On DB errors the raw gorm error is propagated.
package repo

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/tbourn/persona-chat-backend/internal/domain"
)

// ErrNotFound is returned when a requested record does not exist.
// It aliases gorm.ErrRecordNotFound for convenience and consistency
// across the service layer and handlers.
var ErrNotFound = gorm.ErrRecordNotFound

// Notes columns accepted by UpdateChatNotes.
const (
	NotesReal      = "real_profile_notes"
	NotesFictional = "fictional_profile_notes"
)

// StaleAssignment is a snapshot row produced by ListStaleAssignments.
type StaleAssignment struct {
	ChatID     string
	OperatorID string
}

// CreateChat inserts a new unassigned, active chat between a real user and a
// persona.
func CreateChat(ctx context.Context, db *gorm.DB, userID, personaID string) (*domain.Chat, error) {
	c := &domain.Chat{
		ID:         uuid.NewString(),
		RealUserID: userID,
		PersonaID:  personaID,
		State:      domain.ChatUnassigned,
		IsActive:   true,
		CreatedAt:  time.Now().UTC(),
	}
	if err := db.WithContext(ctx).Create(c).Error; err != nil {
		return nil, err
	}
	return c, nil
}

// GetChat fetches a chat by ID or returns ErrNotFound.
func GetChat(ctx context.Context, db *gorm.DB, id string) (*domain.Chat, error) {
	var c domain.Chat
	if err := db.WithContext(ctx).Where("id = ?", id).First(&c).Error; err != nil {
		return nil, err
	}
	return &c, nil
}

// FindActiveChat returns the active chat between userID and personaID, or
// ErrNotFound.
func FindActiveChat(ctx context.Context, db *gorm.DB, userID, personaID string) (*domain.Chat, error) {
	var c domain.Chat
	err := db.WithContext(ctx).
		Where("real_user_id = ? AND persona_id = ? AND is_active = ?", userID, personaID, true).
		Order("created_at DESC").
		First(&c).Error
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func casUpdate(ctx context.Context, db *gorm.DB, where func(*gorm.DB) *gorm.DB, values map[string]any) (bool, error) {
	res := where(db.WithContext(ctx).Model(&domain.Chat{})).Updates(values)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

// AssignChat binds operatorID to a chat that is unassigned or idle-flagged.
func AssignChat(ctx context.Context, db *gorm.DB, id, operatorID string, now time.Time) (bool, error) {
	return casUpdate(ctx, db, func(q *gorm.DB) *gorm.DB {
		return q.Where("id = ? AND state IN ?", id, []domain.ChatState{domain.ChatUnassigned, domain.ChatIdleFlagged})
	}, map[string]any{
		"assigned_operator_id": operatorID,
		"state":                domain.ChatAssigned,
		"assigned_at":          now.UTC(),
		"idle_flagged_at":      nil,
		"updated_at":           now.UTC(),
	})
}

// ReassignChat swaps the operator of an idle-flagged chat and returns it to
// assigned.
func ReassignChat(ctx context.Context, db *gorm.DB, id, operatorID string, now time.Time) (bool, error) {
	return casUpdate(ctx, db, func(q *gorm.DB) *gorm.DB {
		return q.Where("id = ? AND state = ?", id, domain.ChatIdleFlagged)
	}, map[string]any{
		"assigned_operator_id": operatorID,
		"state":                domain.ChatAssigned,
		"assigned_at":          now.UTC(),
		"idle_flagged_at":      nil,
		"updated_at":           now.UTC(),
	})
}

// FlagChatIdle moves an assigned chat to idle_flagged when operatorID still
// holds it and has no activity at or after cutoff. Staleness is re-evaluated
// in the same statement, so a heartbeat racing the sweep wins.
func FlagChatIdle(ctx context.Context, db *gorm.DB, id, operatorID string, cutoff, now time.Time) (bool, error) {
	cutoff = cutoff.UTC()
	return casUpdate(ctx, db, func(q *gorm.DB) *gorm.DB {
		return q.Where("id = ? AND state = ? AND assigned_operator_id = ? AND assigned_at < ?",
			id, domain.ChatAssigned, operatorID, cutoff).
			Where("NOT EXISTS (SELECT 1 FROM operator_activities a WHERE a.chat_id = chats.id AND a.operator_id = ? AND a.last_activity >= ?)",
				operatorID, cutoff)
	}, map[string]any{
		"state":           domain.ChatIdleFlagged,
		"idle_flagged_at": now.UTC(),
		"updated_at":      now.UTC(),
	})
}

// RestoreAssigned returns an idle-flagged chat to assigned for its current
// operator.
func RestoreAssigned(ctx context.Context, db *gorm.DB, id, operatorID string, now time.Time) (bool, error) {
	return casUpdate(ctx, db, func(q *gorm.DB) *gorm.DB {
		return q.Where("id = ? AND state = ? AND assigned_operator_id = ?", id, domain.ChatIdleFlagged, operatorID)
	}, map[string]any{
		"state":           domain.ChatAssigned,
		"idle_flagged_at": nil,
		"updated_at":      now.UTC(),
	})
}

// CloseChat marks a non-closed chat inactive.
func CloseChat(ctx context.Context, db *gorm.DB, id string, now time.Time) (bool, error) {
	return casUpdate(ctx, db, func(q *gorm.DB) *gorm.DB {
		return q.Where("id = ? AND state <> ?", id, domain.ChatClosed)
	}, map[string]any{
		"state":      domain.ChatClosed,
		"is_active":  false,
		"closed_at":  now.UTC(),
		"updated_at": now.UTC(),
	})
}

// UpdateChatNotes overwrites one notes column. It ignores state so closed
// chats stay annotatable. Returns ErrNotFound when no row matched.
func UpdateChatNotes(ctx context.Context, db *gorm.DB, id, column, content string) error {
	res := db.WithContext(ctx).
		Model(&domain.Chat{}).
		Where("id = ?", id).
		Updates(map[string]any{column: content, "updated_at": time.Now().UTC()})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

// NextMessageSeq increments message_count on an active chat and returns the
// new value, which is the Seq of the message being inserted. Must run inside
// the transaction that inserts the message.
func NextMessageSeq(ctx context.Context, tx *gorm.DB, id string, now time.Time) (int64, error) {
	res := tx.WithContext(ctx).
		Model(&domain.Chat{}).
		Where("id = ? AND is_active = ?", id, true).
		Updates(map[string]any{
			"message_count":   gorm.Expr("message_count + 1"),
			"last_message_at": now.UTC(),
			"updated_at":      now.UTC(),
		})
	if res.Error != nil {
		return 0, res.Error
	}
	if res.RowsAffected == 0 {
		return 0, gorm.ErrRecordNotFound
	}
	var seq int64
	if err := tx.WithContext(ctx).Model(&domain.Chat{}).Where("id = ?", id).Select("message_count").Scan(&seq).Error; err != nil {
		return 0, err
	}
	return seq, nil
}

// ListStaleAssignments snapshots assigned chats whose operator has been
// silent since before cutoff, oldest assignment first. An assignment made
// after cutoff is never stale, whatever its activity history.
func ListStaleAssignments(ctx context.Context, db *gorm.DB, cutoff time.Time, limit int) ([]StaleAssignment, error) {
	cutoff = cutoff.UTC()
	var out []StaleAssignment
	q := db.WithContext(ctx).
		Model(&domain.Chat{}).
		Select("chats.id AS chat_id, chats.assigned_operator_id AS operator_id").
		Where("chats.state = ? AND chats.assigned_operator_id IS NOT NULL AND chats.assigned_at < ?", domain.ChatAssigned, cutoff).
		Where("NOT EXISTS (SELECT 1 FROM operator_activities a WHERE a.chat_id = chats.id AND a.operator_id = chats.assigned_operator_id AND a.last_activity >= ?)", cutoff).
		Order("chats.assigned_at ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	err := q.Scan(&out).Error
	return out, err
}
