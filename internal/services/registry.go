// Package services – ChatRegistry
//
// ChatRegistry owns the per-chat state machine:
//
//	unassigned -> assigned -> idle_flagged -> assigned (reassign or recovered heartbeat)
//	any non-closed state -> closed
//
// Each transition is a compare-and-swap on the chat row, so two callers
// racing on the same chat cannot both succeed and no transition ever leaves
// two operators bound to a chat. Operations on different chats touch
// different rows and do not serialize against each other.
package services

import (
	"context"
	"errors"
	"time"
	"unicode/utf8"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"

	"github.com/tbourn/persona-chat-backend/internal/domain"
	"github.com/tbourn/persona-chat-backend/internal/events"
	"github.com/tbourn/persona-chat-backend/internal/repo"
)

const defaultMaxNotesRunes = 10000

// ChatRegistry coordinates chat assignment, activity and closing.
type ChatRegistry struct {
	DB     *gorm.DB
	Events events.Publisher
	Now    func() time.Time

	// MaxNotesRunes caps each notes field.
	MaxNotesRunes int
}

// NewChatRegistry builds a registry. A nil publisher discards events.
func NewChatRegistry(db *gorm.DB, pub events.Publisher) *ChatRegistry {
	if pub == nil {
		pub = events.Nop{}
	}
	return &ChatRegistry{
		DB:            db,
		Events:        pub,
		Now:           func() time.Time { return time.Now().UTC() },
		MaxNotesRunes: defaultMaxNotesRunes,
	}
}

func (r *ChatRegistry) now() time.Time {
	if r.Now == nil {
		return time.Now().UTC()
	}
	return r.Now().UTC()
}

func (r *ChatRegistry) span(ctx context.Context, name, chatID string) (context.Context, trace.Span) {
	return otel.Tracer("services/ChatRegistry").Start(ctx, name,
		trace.WithAttributes(attribute.String("chat.id", chatID)),
	)
}

func loadChat(ctx context.Context, db *gorm.DB, chatID string) (*domain.Chat, error) {
	c, err := repo.GetChat(ctx, db, chatID)
	if errors.Is(err, repo.ErrNotFound) {
		return nil, ErrChatNotFound
	}
	if err != nil {
		return nil, storeErr("load chat", err)
	}
	return c, nil
}

func (r *ChatRegistry) publish(ctx context.Context, e events.Event) {
	if e.At.IsZero() {
		e.At = r.now()
	}
	if err := r.Events.Publish(ctx, e); err != nil {
		logFrom(ctx).Warn().Err(err).
			Str("event", string(e.Type)).
			Str("chat_id", e.ChatID).
			Msg("chat event publish failed")
	}
}

// Open returns the active chat between the caller and personaID, creating
// an unassigned one on first contact. created reports which happened.
func (r *ChatRegistry) Open(ctx context.Context, id domain.Identity, personaID string) (chat *domain.Chat, created bool, err error) {
	ctx, span := r.span(ctx, "Open", "")
	defer span.End()

	if err := Authorize(id, CapOpenChat, Resource{}); err != nil {
		return nil, false, err
	}
	if _, err := repo.GetPersona(ctx, r.DB, personaID); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return nil, false, ErrPersonaNotFound
		}
		return nil, false, storeErr("load persona", err)
	}

	err = r.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		existing, err := repo.FindActiveChat(ctx, tx, id.ID, personaID)
		if err == nil {
			chat = existing
			return nil
		}
		if !errors.Is(err, repo.ErrNotFound) {
			return err
		}
		chat, err = repo.CreateChat(ctx, tx, id.ID, personaID)
		created = err == nil
		return err
	})
	if err != nil {
		return nil, false, storeErr("open chat", err)
	}
	return chat, created, nil
}

// Get returns a chat the caller may read.
func (r *ChatRegistry) Get(ctx context.Context, id domain.Identity, chatID string) (*domain.Chat, error) {
	c, err := loadChat(ctx, r.DB, chatID)
	if err != nil {
		return nil, err
	}
	if err := Authorize(id, CapReadChat, Resource{Chat: c}); err != nil {
		return nil, err
	}
	return c, nil
}

// Assign binds operatorID to an unassigned or idle-flagged chat. Exactly one
// of several racing callers wins; the others get ErrAlreadyAssigned.
// Assigning a chat to the operator already holding it is a no-op.
func (r *ChatRegistry) Assign(ctx context.Context, id domain.Identity, chatID, operatorID string) (*domain.Chat, error) {
	ctx, span := r.span(ctx, "Assign", chatID)
	defer span.End()
	span.SetAttributes(attribute.String("operator.id", operatorID))

	if operatorID == "" {
		return nil, ErrInvalidOperator
	}
	c, err := loadChat(ctx, r.DB, chatID)
	if err != nil {
		return nil, err
	}
	if err := Authorize(id, CapAssign, Resource{Chat: c, OperatorID: operatorID}); err != nil {
		return nil, err
	}

	now := r.now()
	applied := false
	err = r.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		ok, err := repo.AssignChat(ctx, tx, chatID, operatorID, now)
		if err != nil {
			return err
		}
		if !ok {
			cur, err := loadChat(ctx, tx, chatID)
			if err != nil {
				return err
			}
			switch {
			case cur.State == domain.ChatClosed:
				return ErrChatClosed
			case cur.State == domain.ChatAssigned && cur.HeldBy(operatorID):
				c = cur
				return nil
			default:
				return ErrAlreadyAssigned
			}
		}
		applied = true
		return repo.RecordAssignment(ctx, tx, operatorID)
	})
	if err != nil {
		return nil, storeErr("assign chat", err)
	}
	if !applied {
		return c, nil
	}

	chatTransitions.WithLabelValues("assign").Inc()
	prev := ""
	if c.AssignedOperatorID != nil {
		prev = *c.AssignedOperatorID
	}
	r.publish(ctx, events.Event{Type: events.ChatAssigned, ChatID: chatID, OperatorID: operatorID, PreviousOperatorID: prev, At: now})
	return loadChat(ctx, r.DB, chatID)
}

// Reassign swaps the operator of an idle-flagged chat. The previous
// operator's activity row is kept.
func (r *ChatRegistry) Reassign(ctx context.Context, id domain.Identity, chatID, newOperatorID string) (*domain.Chat, error) {
	ctx, span := r.span(ctx, "Reassign", chatID)
	defer span.End()
	span.SetAttributes(attribute.String("operator.id", newOperatorID))

	if newOperatorID == "" {
		return nil, ErrInvalidOperator
	}
	c, err := loadChat(ctx, r.DB, chatID)
	if err != nil {
		return nil, err
	}
	if err := Authorize(id, CapReassign, Resource{Chat: c, OperatorID: newOperatorID}); err != nil {
		return nil, err
	}

	now := r.now()
	err = r.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		ok, err := repo.ReassignChat(ctx, tx, chatID, newOperatorID, now)
		if err != nil {
			return err
		}
		if !ok {
			cur, err := loadChat(ctx, tx, chatID)
			if err != nil {
				return err
			}
			if cur.State == domain.ChatClosed {
				return ErrChatClosed
			}
			return ErrInvalidTransition
		}
		return repo.RecordAssignment(ctx, tx, newOperatorID)
	})
	if err != nil {
		return nil, storeErr("reassign chat", err)
	}

	chatTransitions.WithLabelValues("reassign").Inc()
	prev := ""
	if c.AssignedOperatorID != nil {
		prev = *c.AssignedOperatorID
	}
	r.publish(ctx, events.Event{Type: events.ChatReassigned, ChatID: chatID, OperatorID: newOperatorID, PreviousOperatorID: prev, At: now})
	return loadChat(ctx, r.DB, chatID)
}

// RecordActivity stores a heartbeat of operatorID on chatID. Only the
// currently assigned operator is accepted, checked against the chat row on
// every call. A heartbeat on an idle-flagged chat returns it to assigned.
func (r *ChatRegistry) RecordActivity(ctx context.Context, chatID, operatorID string, ts time.Time) error {
	ctx, span := r.span(ctx, "RecordActivity", chatID)
	defer span.End()

	err := r.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		c, err := loadChat(ctx, tx, chatID)
		if err != nil {
			return err
		}
		if !c.HeldBy(operatorID) {
			return ErrNotAssignedOp
		}
		if c.State == domain.ChatClosed {
			return ErrChatClosed
		}
		if err := repo.UpsertActivity(ctx, tx, chatID, operatorID, ts); err != nil {
			return err
		}
		if c.State == domain.ChatIdleFlagged {
			ok, err := repo.RestoreAssigned(ctx, tx, chatID, operatorID, ts)
			if err != nil {
				return err
			}
			if ok {
				chatTransitions.WithLabelValues("recover").Inc()
			}
		}
		return nil
	})
	return storeErr("record activity", err)
}

// FlagIdle moves an assigned chat to idle_flagged when operatorID still
// holds it and has been silent since cutoff, and charges the operator one
// idle incident. It returns false when the chat changed since the caller
// looked (already flagged, reassigned, closed, or fresh activity).
func (r *ChatRegistry) FlagIdle(ctx context.Context, chatID, operatorID string, cutoff time.Time) (bool, error) {
	ctx, span := r.span(ctx, "FlagIdle", chatID)
	defer span.End()

	now := r.now()
	flagged := false
	err := r.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		ok, err := repo.FlagChatIdle(ctx, tx, chatID, operatorID, cutoff, now)
		if err != nil || !ok {
			return err
		}
		flagged = true
		return repo.RecordIdleIncident(ctx, tx, operatorID)
	})
	if err != nil {
		return false, storeErr("flag idle", err)
	}
	if flagged {
		chatTransitions.WithLabelValues("flag_idle").Inc()
		r.publish(ctx, events.Event{Type: events.ChatIdleFlagged, ChatID: chatID, OperatorID: operatorID, At: now})
	}
	return flagged, nil
}

// Close ends a chat. Notes stay editable afterwards.
func (r *ChatRegistry) Close(ctx context.Context, id domain.Identity, chatID string) (*domain.Chat, error) {
	ctx, span := r.span(ctx, "Close", chatID)
	defer span.End()

	c, err := loadChat(ctx, r.DB, chatID)
	if err != nil {
		return nil, err
	}
	if err := Authorize(id, CapCloseChat, Resource{Chat: c}); err != nil {
		return nil, err
	}

	now := r.now()
	ok, err := repo.CloseChat(ctx, r.DB, chatID, now)
	if err != nil {
		return nil, storeErr("close chat", err)
	}
	if !ok {
		if _, err := loadChat(ctx, r.DB, chatID); err != nil {
			return nil, err
		}
		return nil, ErrChatClosed
	}

	chatTransitions.WithLabelValues("close").Inc()
	op := ""
	if c.AssignedOperatorID != nil {
		op = *c.AssignedOperatorID
	}
	r.publish(ctx, events.Event{Type: events.ChatClosed, ChatID: chatID, OperatorID: op, At: now})
	return loadChat(ctx, r.DB, chatID)
}

// UpdateNotes overwrites one notes field. The assigned operator and admins
// may annotate in any state, closed included.
func (r *ChatRegistry) UpdateNotes(ctx context.Context, id domain.Identity, chatID, field, content string) (*domain.Chat, error) {
	if field != repo.NotesReal && field != repo.NotesFictional {
		return nil, ErrInvalidNotes
	}
	limit := r.MaxNotesRunes
	if limit <= 0 {
		limit = defaultMaxNotesRunes
	}
	if utf8.RuneCountInString(content) > limit {
		return nil, ErrNotesTooLong
	}

	c, err := loadChat(ctx, r.DB, chatID)
	if err != nil {
		return nil, err
	}
	if err := Authorize(id, CapEditNotes, Resource{Chat: c}); err != nil {
		return nil, err
	}
	if err := repo.UpdateChatNotes(ctx, r.DB, chatID, field, content); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return nil, ErrChatNotFound
		}
		return nil, storeErr("update notes", err)
	}
	return loadChat(ctx, r.DB, chatID)
}

// OperatorStats is the reassignment-frequency statistic of an operator.
type OperatorStats struct {
	OperatorID       string  `json:"operator_id"`
	IdleIncidents    int64   `json:"idle_incidents"`
	Assignments      int64   `json:"assignments"`
	ReassignmentRate float64 `json:"reassignment_rate"`
}

// Stats reports how often operatorID loses chats to idleness.
func (r *ChatRegistry) Stats(ctx context.Context, id domain.Identity, operatorID string) (*OperatorStats, error) {
	if err := Authorize(id, CapViewOperatorStats, Resource{OperatorID: operatorID}); err != nil {
		return nil, err
	}
	st, err := repo.OperatorStats(ctx, r.DB, operatorID)
	if errors.Is(err, repo.ErrNotFound) {
		return nil, ErrOperatorNotFound
	}
	if err != nil {
		return nil, storeErr("operator stats", err)
	}
	out := &OperatorStats{OperatorID: operatorID, IdleIncidents: st.IdleIncidents, Assignments: st.Assignments}
	if st.Assignments > 0 {
		out.ReassignmentRate = float64(st.IdleIncidents) / float64(st.Assignments)
	}
	return out, nil
}
