// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides repository functions for the Message
// and MessageEdit models.
package repo

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/tbourn/persona-chat-backend/internal/domain"
)

// messageOrder is the total order of a chat: creation time, then insertion
// sequence.
const messageOrder = "created_at ASC, seq ASC"

// CreateMessage inserts a new message row with the given sequence number.
func CreateMessage(ctx context.Context, db *gorm.DB, chatID string, seq int64, authorID string, role domain.AuthorRole, content string, now time.Time) (*domain.Message, error) {
	m := &domain.Message{
		ID:         uuid.NewString(),
		ChatID:     chatID,
		Seq:        seq,
		AuthorID:   authorID,
		AuthorRole: role,
		Content:    content,
		CreatedAt:  now.UTC(),
		UpdatedAt:  now.UTC(),
	}
	return m, db.WithContext(ctx).Create(m).Error
}

// GetMessage fetches a message by ID.
func GetMessage(ctx context.Context, db *gorm.DB, id string) (*domain.Message, error) {
	var m domain.Message
	if err := db.WithContext(ctx).Where("id = ?", id).First(&m).Error; err != nil {
		return nil, err
	}
	return &m, nil
}

// LockMessage reads a message inside tx with a row lock. SQLite ignores the
// locking clause; there the immediate transaction already holds the writer.
func LockMessage(ctx context.Context, tx *gorm.DB, id string) (*domain.Message, error) {
	var m domain.Message
	err := tx.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("id = ?", id).
		First(&m).Error
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// ListMessages returns messages in chat order.
func ListMessages(ctx context.Context, db *gorm.DB, chatID string, limit int) ([]domain.Message, error) {
	var out []domain.Message
	q := db.WithContext(ctx).Where("chat_id = ?", chatID).Order(messageOrder)
	if limit > 0 {
		q = q.Limit(limit)
	}
	err := q.Find(&out).Error
	return out, err
}

// CountMessages uses a raw COUNT so a missing table surfaces as an error.
func CountMessages(ctx context.Context, db *gorm.DB, chatID string) (int64, error) {
	var total int64
	err := db.WithContext(ctx).Raw("SELECT COUNT(*) FROM messages WHERE chat_id = ?", chatID).Scan(&total).Error
	return total, err
}

// ListMessagesPage returns a paginated slice in chat order.
func ListMessagesPage(ctx context.Context, db *gorm.DB, chatID string, offset, limit int) ([]domain.Message, error) {
	var out []domain.Message
	err := db.WithContext(ctx).
		Where("chat_id = ?", chatID).
		Order(messageOrder).
		Offset(offset).
		Limit(limit).
		Find(&out).Error
	return out, err
}

// UpdateMessageContent rewrites content and the edit markers. Position
// (created_at, seq) is never touched.
func UpdateMessageContent(ctx context.Context, db *gorm.DB, id, content, editorID string, now time.Time) error {
	res := db.WithContext(ctx).
		Model(&domain.Message{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"content":    content,
			"edited_at":  now.UTC(),
			"edited_by":  editorID,
			"updated_at": now.UTC(),
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

// CreateMessageEdit appends an audit row. Rows are never updated or deleted.
func CreateMessageEdit(ctx context.Context, db *gorm.DB, messageID, adminID, original, updated string, now time.Time) (*domain.MessageEdit, error) {
	e := &domain.MessageEdit{
		ID:              uuid.NewString(),
		MessageID:       messageID,
		AdminID:         adminID,
		OriginalContent: original,
		NewContent:      updated,
		CreatedAt:       now.UTC(),
	}
	return e, db.WithContext(ctx).Create(e).Error
}

// ListMessageEdits returns the audit trail of a message, oldest first.
func ListMessageEdits(ctx context.Context, db *gorm.DB, messageID string) ([]domain.MessageEdit, error) {
	var out []domain.MessageEdit
	err := db.WithContext(ctx).
		Where("message_id = ?", messageID).
		Order("created_at ASC, id ASC").
		Find(&out).Error
	return out, err
}
