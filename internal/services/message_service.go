// Package services – MessagePipeline
//
// MessagePipeline owns the lifecycle of chat messages. A send validates the
// content, checks the caller against the chat, and then, in one database
// transaction, debits the real user's credits, takes the next per-chat
// sequence number and inserts the message. Either all three commit or none
// does, so a rejected debit never leaves a message behind and a failed
// insert never costs credits.
//
// Admin edits rewrite content only. The original author, timestamp and
// sequence stay as they were, and an append-only MessageEdit row records
// the before and after text.
//
// Observability: all public methods are OpenTelemetry-instrumented; spans
// include chat, message and caller identifiers.
package services

import (
	"context"
	"errors"
	"strings"
	"time"
	"unicode/utf8"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"

	"github.com/tbourn/persona-chat-backend/internal/domain"
	"github.com/tbourn/persona-chat-backend/internal/repo"
)

// AuditMode selects how an edit treats a failure to write its audit row.
type AuditMode string

const (
	// AuditBestEffort logs and counts the failure and applies the edit.
	AuditBestEffort AuditMode = "best_effort"
	// AuditStrict writes the audit row and the edit in one transaction.
	AuditStrict AuditMode = "strict"
)

// ParseAuditMode maps a config value to an AuditMode, defaulting to best effort.
func ParseAuditMode(s string) AuditMode {
	if AuditMode(strings.ToLower(strings.TrimSpace(s))) == AuditStrict {
		return AuditStrict
	}
	return AuditBestEffort
}

const (
	DefaultMaxMessageRunes = 5000
	defaultIdempotencyTTL  = 24 * time.Hour
	defaultPageSize        = 20
	maxPageSize            = 100
)

// errReplay aborts a send transaction whose idempotency key was recorded by
// a concurrent request.
var errReplay = errors.New("idempotent replay")

// MessagePipeline coordinates message persistence with billing and
// operator activity.
type MessagePipeline struct {
	DB       *gorm.DB
	Ledger   *CreditLedger
	Registry *ChatRegistry

	// DefaultCost is charged when the persona has no price of its own.
	DefaultCost int64
	MaxRunes    int
	AuditMode   AuditMode

	IdempotencyTTL time.Duration
	Now            func() time.Time
}

// NewMessagePipeline wires a pipeline with default limits.
func NewMessagePipeline(db *gorm.DB, ledger *CreditLedger, reg *ChatRegistry, defaultCost int64) *MessagePipeline {
	return &MessagePipeline{
		DB:             db,
		Ledger:         ledger,
		Registry:       reg,
		DefaultCost:    defaultCost,
		MaxRunes:       DefaultMaxMessageRunes,
		AuditMode:      AuditBestEffort,
		IdempotencyTTL: defaultIdempotencyTTL,
		Now:            func() time.Time { return time.Now().UTC() },
	}
}

// SendInput is a send request.
type SendInput struct {
	ChatID  string
	Content string
	// IdempotencyKey, when set, makes retries of the same send return the
	// first result without a second debit.
	IdempotencyKey string
}

// SendResult is the outcome of a send. Balance is set only for real-user
// sends.
type SendResult struct {
	Message  *domain.Message
	Balance  *int64
	Replayed bool
}

func (s *MessagePipeline) now() time.Time {
	if s.Now == nil {
		return time.Now().UTC()
	}
	return s.Now().UTC()
}

func (s *MessagePipeline) validate(content string) (string, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return "", ErrEmptyContent
	}
	limit := s.MaxRunes
	if limit <= 0 {
		limit = DefaultMaxMessageRunes
	}
	if utf8.RuneCountInString(content) > limit {
		return "", ErrContentTooLong
	}
	return content, nil
}

// Send stores a message from the caller into a chat. A real user must own
// the chat and pays the persona's price; an operator must hold the chat and
// sends as the persona for free.
func (s *MessagePipeline) Send(ctx context.Context, id domain.Identity, in SendInput) (*SendResult, error) {
	ctx, span := otel.Tracer("services/MessagePipeline").Start(ctx, "Send",
		trace.WithAttributes(
			attribute.String("chat.id", in.ChatID),
			attribute.String("caller.id", id.ID),
			attribute.String("caller.role", string(id.Role)),
		),
	)
	defer span.End()

	content, err := s.validate(in.Content)
	if err != nil {
		return nil, err
	}
	chat, err := loadChat(ctx, s.DB, in.ChatID)
	if err != nil {
		return nil, err
	}
	if err := Authorize(id, CapSendMessage, Resource{Chat: chat}); err != nil {
		return nil, err
	}

	// A retry replays even after the chat closed.
	key := strings.TrimSpace(in.IdempotencyKey)
	if key != "" {
		if res, err := s.replay(ctx, id.ID, chat.ID, key); res != nil || err != nil {
			return res, err
		}
	}
	if !chat.IsActive {
		return nil, ErrChatClosed
	}

	role := domain.AuthorPersona
	var cost int64
	if id.Role == domain.RoleRealUser {
		role = domain.AuthorRealUser
		if cost, err = s.price(ctx, chat.PersonaID); err != nil {
			return nil, err
		}
	}

	now := s.now()
	res := &SendResult{}
	err = s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if role == domain.AuthorRealUser {
			bal, err := s.Ledger.Debit(ctx, tx, id.ID, cost)
			if err != nil {
				return err
			}
			res.Balance = &bal
		}
		seq, err := repo.NextMessageSeq(ctx, tx, chat.ID, now)
		if errors.Is(err, repo.ErrNotFound) {
			return ErrChatClosed
		}
		if err != nil {
			return err
		}
		m, err := repo.CreateMessage(ctx, tx, chat.ID, seq, id.ID, role, content, now)
		if err != nil {
			return err
		}
		res.Message = m
		if key != "" {
			_, err := repo.CreateIdempotency(ctx, tx, id.ID, key, chat.ID, m.ID, res.Balance, s.ttl())
			if errors.Is(err, repo.ErrDuplicate) {
				return errReplay
			}
			return err
		}
		return nil
	})
	if errors.Is(err, errReplay) {
		return s.replay(ctx, id.ID, chat.ID, key)
	}
	if err != nil {
		return nil, storeErr("send message", err)
	}

	if role == domain.AuthorPersona && s.Registry != nil {
		if err := s.Registry.RecordActivity(ctx, chat.ID, id.ID, now); err != nil {
			logFrom(ctx).Warn().Err(err).
				Str("chat_id", chat.ID).
				Str("operator_id", id.ID).
				Msg("activity after send not recorded")
		}
	}
	span.SetAttributes(attribute.Int64("message.seq", res.Message.Seq))
	return res, nil
}

func (s *MessagePipeline) ttl() time.Duration {
	if s.IdempotencyTTL <= 0 {
		return defaultIdempotencyTTL
	}
	return s.IdempotencyTTL
}

// replay returns the stored result for (userID, key), or nil when none is
// recorded. A key first used on another chat is rejected.
func (s *MessagePipeline) replay(ctx context.Context, userID, chatID, key string) (*SendResult, error) {
	rec, err := repo.GetIdempotency(ctx, s.DB, userID, key, s.now())
	if errors.Is(err, repo.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, storeErr("read idempotency", err)
	}
	if rec.ChatID != chatID {
		return nil, ErrIdempotencyKeyReused
	}
	m, err := repo.GetMessage(ctx, s.DB, rec.MessageID)
	if errors.Is(err, repo.ErrNotFound) {
		return nil, ErrMessageNotFound
	}
	if err != nil {
		return nil, storeErr("load message", err)
	}
	return &SendResult{Message: m, Balance: rec.Balance, Replayed: true}, nil
}

func (s *MessagePipeline) price(ctx context.Context, personaID string) (int64, error) {
	p, err := repo.GetPersona(ctx, s.DB, personaID)
	if errors.Is(err, repo.ErrNotFound) {
		return 0, ErrPersonaNotFound
	}
	if err != nil {
		return 0, storeErr("load persona", err)
	}
	if p.MessageCost > 0 {
		return p.MessageCost, nil
	}
	return s.DefaultCost, nil
}

// Edit replaces the content of a message on behalf of an admin and returns
// the updated message.
func (s *MessagePipeline) Edit(ctx context.Context, id domain.Identity, messageID, content string) (*domain.Message, error) {
	ctx, span := otel.Tracer("services/MessagePipeline").Start(ctx, "Edit",
		trace.WithAttributes(
			attribute.String("message.id", messageID),
			attribute.String("admin.id", id.ID),
			attribute.String("audit.mode", string(s.AuditMode)),
		),
	)
	defer span.End()

	if err := Authorize(id, CapEditMessage, Resource{}); err != nil {
		return nil, err
	}
	content, err := s.validate(content)
	if err != nil {
		return nil, err
	}
	// The original content is read under the same lock as the update, so
	// concurrent edits each audit the content they replaced.
	now := s.now()
	strict := s.AuditMode == AuditStrict
	var orig string
	err = s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		cur, err := repo.LockMessage(ctx, tx, messageID)
		if err != nil {
			return err
		}
		orig = cur.Content
		if err := repo.UpdateMessageContent(ctx, tx, messageID, content, id.ID, now); err != nil {
			return err
		}
		if strict {
			_, err = repo.CreateMessageEdit(ctx, tx, messageID, id.ID, orig, content, now)
		}
		return err
	})
	if errors.Is(err, repo.ErrNotFound) {
		return nil, ErrMessageNotFound
	}
	if err != nil {
		return nil, storeErr("edit message", err)
	}

	// Best effort: the audit row follows a committed edit and never blocks it.
	if !strict {
		if _, aerr := repo.CreateMessageEdit(ctx, s.DB, messageID, id.ID, orig, content, now); aerr != nil {
			auditFailures.Inc()
			logFrom(ctx).Error().Err(aerr).
				Str("message_id", messageID).
				Str("admin_id", id.ID).
				Msg("message edit audit not written")
		}
	}

	m, err := repo.GetMessage(ctx, s.DB, messageID)
	if err != nil {
		return nil, storeErr("load message", err)
	}
	return m, nil
}

// ListPage returns one page of a chat's messages in chat order, with the
// total count. page is 1-based; out-of-range values fall back to defaults.
func (s *MessagePipeline) ListPage(ctx context.Context, id domain.Identity, chatID string, page, pageSize int) ([]domain.Message, int64, error) {
	ctx, span := otel.Tracer("services/MessagePipeline").Start(ctx, "ListPage",
		trace.WithAttributes(
			attribute.String("chat.id", chatID),
			attribute.Int("page", page),
			attribute.Int("page_size", pageSize),
		),
	)
	defer span.End()

	chat, err := loadChat(ctx, s.DB, chatID)
	if err != nil {
		return nil, 0, err
	}
	if err := Authorize(id, CapReadChat, Resource{Chat: chat}); err != nil {
		return nil, 0, err
	}

	if page < 1 {
		page = 1
	}
	if pageSize <= 0 {
		pageSize = defaultPageSize
	}
	if pageSize > maxPageSize {
		pageSize = maxPageSize
	}

	total, err := repo.CountMessages(ctx, s.DB, chatID)
	if err != nil {
		return nil, 0, storeErr("count messages", err)
	}
	if total == 0 {
		return []domain.Message{}, 0, nil
	}
	items, err := repo.ListMessagesPage(ctx, s.DB, chatID, (page-1)*pageSize, pageSize)
	if err != nil {
		return nil, 0, storeErr("list messages", err)
	}
	return items, total, nil
}

// ListEdits returns the audit trail of a message, oldest first.
func (s *MessagePipeline) ListEdits(ctx context.Context, id domain.Identity, messageID string) ([]domain.MessageEdit, error) {
	if err := Authorize(id, CapEditMessage, Resource{}); err != nil {
		return nil, err
	}
	if _, err := repo.GetMessage(ctx, s.DB, messageID); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return nil, ErrMessageNotFound
		}
		return nil, storeErr("load message", err)
	}
	out, err := repo.ListMessageEdits(ctx, s.DB, messageID)
	if err != nil {
		return nil, storeErr("list edits", err)
	}
	return out, nil
}
