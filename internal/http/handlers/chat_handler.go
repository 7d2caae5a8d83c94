// Chat HTTP handlers.
//
// This file exposes REST endpoints for chat sessions:
//   - POST /chats                 (open or resume)
//   - GET  /chats/{id}            (read)
//   - POST /chats/{id}/assign     (bind an operator)
//   - POST /chats/{id}/reassign   (admin swap of an idle-flagged chat)
//   - POST /chats/{id}/close      (end the session)
//   - POST /heartbeat             (operator activity)
//   - POST /notes                 (operator/admin annotations)
//
// Handlers are transport-thin: they validate input, call application services
// with the authenticated identity, and translate results into HTTP responses.
// Every authorization decision is made by the services.
package handlers

import (
	"context"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/tbourn/persona-chat-backend/internal/domain"
	"github.com/tbourn/persona-chat-backend/internal/http/middleware"
	"github.com/tbourn/persona-chat-backend/internal/services"
)

//
// Service contracts (context-aware)
//

// ChatRegistry defines the chat session operations consumed by HTTP handlers.
//
// Implementations must be safe for concurrent use and honor the provided
// context for cancellation and timeouts.
type ChatRegistry interface {
	// Open returns the active chat between the caller and personaID,
	// creating it when none exists.
	Open(ctx context.Context, id domain.Identity, personaID string) (*domain.Chat, bool, error)
	Get(ctx context.Context, id domain.Identity, chatID string) (*domain.Chat, error)
	Assign(ctx context.Context, id domain.Identity, chatID, operatorID string) (*domain.Chat, error)
	Reassign(ctx context.Context, id domain.Identity, chatID, newOperatorID string) (*domain.Chat, error)
	Close(ctx context.Context, id domain.Identity, chatID string) (*domain.Chat, error)
	UpdateNotes(ctx context.Context, id domain.Identity, chatID, field, content string) (*domain.Chat, error)
	Stats(ctx context.Context, id domain.Identity, operatorID string) (*services.OperatorStats, error)
}

// MessagePipeline defines message operations consumed by HTTP handlers.
type MessagePipeline interface {
	// Send appends a message, debiting real-user senders atomically.
	Send(ctx context.Context, id domain.Identity, in services.SendInput) (*services.SendResult, error)
	Edit(ctx context.Context, id domain.Identity, messageID, content string) (*domain.Message, error)
	ListPage(ctx context.Context, id domain.Identity, chatID string, page, pageSize int) ([]domain.Message, int64, error)
	ListEdits(ctx context.Context, id domain.Identity, messageID string) ([]domain.MessageEdit, error)
}

// ProfileDirectory serves and maintains the persona directory.
type ProfileDirectory interface {
	List(ctx context.Context, gender domain.Gender, f services.ProfileFilter) ([]domain.Persona, error)
	Invalidate(id domain.Identity) error
	Save(ctx context.Context, id domain.Identity, p *domain.Persona) (*domain.Persona, error)
}

// ActivityRecorder accepts operator heartbeats.
type ActivityRecorder interface {
	Heartbeat(ctx context.Context, id domain.Identity, chatID string) error
}

// CreditGranter adds credits on behalf of an admin.
type CreditGranter interface {
	Grant(ctx context.Context, id domain.Identity, userID string, amount int64) (int64, error)
}

//
// Handler wiring
//

// Services bundles the collaborators of Handlers. DB is optional; when set it
// backs the weak ETag on message listings.
type Services struct {
	Chats    ChatRegistry
	Messages MessagePipeline
	Profiles ProfileDirectory
	Activity ActivityRecorder
	Credits  CreditGranter
	DB       *gorm.DB
}

// Handlers groups the HTTP endpoints of the chat core. It depends on abstract
// service interfaces to keep transport concerns separate from business logic.
type Handlers struct {
	chats    ChatRegistry
	msgs     MessagePipeline
	profiles ProfileDirectory
	activity ActivityRecorder
	credits  CreditGranter
	db       *gorm.DB
}

// New constructs a Handlers instance bound to the given services.
func New(s Services) *Handlers {
	return &Handlers{
		chats:    s.Chats,
		msgs:     s.Messages,
		profiles: s.Profiles,
		activity: s.Activity,
		credits:  s.Credits,
		db:       s.DB,
	}
}

// identity returns the caller resolved by the authentication middleware.
func identity(c *gin.Context) domain.Identity { return middleware.IdentityFrom(c) }

// uuidParam reads a path parameter that must be a UUID, failing the request
// otherwise.
func uuidParam(c *gin.Context, name, what string) (string, bool) {
	v := c.Param(name)
	if _, err := uuid.Parse(v); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, what+" id must be a UUID")
		return "", false
	}
	return v, true
}

//
// DTOs
//

// OpenChatRequest is the JSON payload for opening a chat.
type OpenChatRequest struct {
	PersonaID string `json:"persona_id" binding:"required" example:"141add05-4415-4938-b5a1-17e0d3171aff"`
}

// OperatorRequest names the operator for assign and reassign.
type OperatorRequest struct {
	OperatorID string `json:"operator_id" binding:"required" example:"op-17"`
}

// HeartbeatRequest is the JSON payload of an operator heartbeat.
type HeartbeatRequest struct {
	ChatID string `json:"chat_id" binding:"required" example:"141add05-4415-4938-b5a1-17e0d3171aff"`
}

// NotesRequest overwrites one notes field of a chat.
type NotesRequest struct {
	ChatID string `json:"chat_id" binding:"required" example:"141add05-4415-4938-b5a1-17e0d3171aff"`
	// Field is real_profile_notes or fictional_profile_notes.
	Field   string `json:"field" binding:"required" example:"real_profile_notes"`
	Content string `json:"content" example:"Likes hiking, works night shifts."`
}

// ChatResponse wraps a chat resource.
type ChatResponse struct {
	Chat *domain.Chat `json:"chat"`
}

// OpenChatResponse reports whether the chat was created by this call.
type OpenChatResponse struct {
	Chat    *domain.Chat `json:"chat"`
	Created bool         `json:"created"`
}

//
// Handlers
//

// OpenChat godoc
// @ID          openChat
// @Summary     Open or resume a chat
// @Description Returns the caller's active chat with the persona, creating it when none exists.
// @Tags        Chats
// @Accept      json
// @Produce     json
// @Security    BearerAuth
//
// @Param       body  body  handlers.OpenChatRequest  true  "Persona to chat with"
//
// @Success     201  {object}  handlers.OpenChatResponse  "Created"
// @Success     200  {object}  handlers.OpenChatResponse  "Existing active chat"
// @Failure     400  {object}  handlers.ErrorResponse  "Bad request"
// @Failure     401  {object}  handlers.ErrorResponse  "Unauthenticated"
// @Failure     403  {object}  handlers.ErrorResponse  "Forbidden"
// @Failure     404  {object}  handlers.ErrorResponse  "Persona not found"
// @Failure     500  {object}  handlers.ErrorResponse  "Internal error"
// @Router      /chats [post]
func (h *Handlers) OpenChat(c *gin.Context) {
	var req OpenChatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "persona_id required")
		return
	}
	chat, created, err := h.chats.Open(c.Request.Context(), identity(c), strings.TrimSpace(req.PersonaID))
	if err != nil {
		failErr(c, err)
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	ok(c, status, OpenChatResponse{Chat: chat, Created: created})
}

// GetChat godoc
// @ID          getChat
// @Summary     Read a chat
// @Description Returns a chat visible to the caller: its owner, its assigned operator, or an admin.
// @Tags        Chats
// @Produce     json
// @Security    BearerAuth
//
// @Param       id  path  string  true  "Chat ID (UUID)"  format(uuid)
//
// @Success     200  {object}  handlers.ChatResponse
// @Failure     400  {object}  handlers.ErrorResponse  "Bad request"
// @Failure     403  {object}  handlers.ErrorResponse  "Forbidden"
// @Failure     404  {object}  handlers.ErrorResponse  "Chat not found"
// @Router      /chats/{id} [get]
func (h *Handlers) GetChat(c *gin.Context) {
	chatID, valid := uuidParam(c, "id", "chat")
	if !valid {
		return
	}
	chat, err := h.chats.Get(c.Request.Context(), identity(c), chatID)
	if err != nil {
		failErr(c, err)
		return
	}
	ok(c, http.StatusOK, ChatResponse{Chat: chat})
}

// AssignChat godoc
// @ID          assignChat
// @Summary     Assign an operator
// @Description Binds an operator to an unassigned or idle-flagged chat. Operators may only assign themselves.
// @Tags        Chats
// @Accept      json
// @Produce     json
// @Security    BearerAuth
//
// @Param       id    path  string                    true  "Chat ID (UUID)"  format(uuid)
// @Param       body  body  handlers.OperatorRequest  true  "Operator to assign"
//
// @Success     200  {object}  handlers.ChatResponse
// @Failure     400  {object}  handlers.ErrorResponse  "Bad request"
// @Failure     403  {object}  handlers.ErrorResponse  "Forbidden"
// @Failure     404  {object}  handlers.ErrorResponse  "Chat or operator not found"
// @Failure     409  {object}  handlers.ErrorResponse  "Already assigned or closed"
// @Router      /chats/{id}/assign [post]
func (h *Handlers) AssignChat(c *gin.Context) {
	chatID, valid := uuidParam(c, "id", "chat")
	if !valid {
		return
	}
	var req OperatorRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "operator_id required")
		return
	}
	chat, err := h.chats.Assign(c.Request.Context(), identity(c), chatID, strings.TrimSpace(req.OperatorID))
	if err != nil {
		failErr(c, err)
		return
	}
	ok(c, http.StatusOK, ChatResponse{Chat: chat})
}

// ReassignChat godoc
// @ID          reassignChat
// @Summary     Reassign an idle-flagged chat
// @Description Admin-only. Atomically swaps the operator of an idle-flagged chat and returns it to assigned.
// @Tags        Chats
// @Accept      json
// @Produce     json
// @Security    BearerAuth
//
// @Param       id    path  string                    true  "Chat ID (UUID)"  format(uuid)
// @Param       body  body  handlers.OperatorRequest  true  "New operator"
//
// @Success     200  {object}  handlers.ChatResponse
// @Failure     400  {object}  handlers.ErrorResponse  "Bad request"
// @Failure     403  {object}  handlers.ErrorResponse  "Forbidden"
// @Failure     404  {object}  handlers.ErrorResponse  "Chat or operator not found"
// @Failure     409  {object}  handlers.ErrorResponse  "Chat is not idle-flagged"
// @Router      /chats/{id}/reassign [post]
func (h *Handlers) ReassignChat(c *gin.Context) {
	chatID, valid := uuidParam(c, "id", "chat")
	if !valid {
		return
	}
	var req OperatorRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "operator_id required")
		return
	}
	chat, err := h.chats.Reassign(c.Request.Context(), identity(c), chatID, strings.TrimSpace(req.OperatorID))
	if err != nil {
		failErr(c, err)
		return
	}
	ok(c, http.StatusOK, ChatResponse{Chat: chat})
}

// CloseChat godoc
// @ID          closeChat
// @Summary     Close a chat
// @Description Ends the session. Allowed for the owning real user and admins.
// @Tags        Chats
// @Produce     json
// @Security    BearerAuth
//
// @Param       id  path  string  true  "Chat ID (UUID)"  format(uuid)
//
// @Success     200  {object}  handlers.ChatResponse
// @Failure     403  {object}  handlers.ErrorResponse  "Forbidden"
// @Failure     404  {object}  handlers.ErrorResponse  "Chat not found"
// @Failure     409  {object}  handlers.ErrorResponse  "Already closed"
// @Router      /chats/{id}/close [post]
func (h *Handlers) CloseChat(c *gin.Context) {
	chatID, valid := uuidParam(c, "id", "chat")
	if !valid {
		return
	}
	chat, err := h.chats.Close(c.Request.Context(), identity(c), chatID)
	if err != nil {
		failErr(c, err)
		return
	}
	ok(c, http.StatusOK, ChatResponse{Chat: chat})
}

// Heartbeat godoc
// @ID          heartbeat
// @Summary     Record operator activity
// @Description Marks the assigned operator as active on the chat. A heartbeat on an idle-flagged chat restores it.
// @Tags        Operators
// @Accept      json
// @Produce     json
// @Security    BearerAuth
//
// @Param       body  body  handlers.HeartbeatRequest  true  "Chat being worked on"
//
// @Success     200  {object}  handlers.OKResponse
// @Failure     400  {object}  handlers.ErrorResponse  "Bad request"
// @Failure     403  {object}  handlers.ErrorResponse  "Not the assigned operator"
// @Failure     404  {object}  handlers.ErrorResponse  "Chat not found"
// @Router      /heartbeat [post]
func (h *Handlers) Heartbeat(c *gin.Context) {
	var req HeartbeatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "chat_id required")
		return
	}
	if err := h.activity.Heartbeat(c.Request.Context(), identity(c), strings.TrimSpace(req.ChatID)); err != nil {
		failErr(c, err)
		return
	}
	acknowledged(c)
}

// UpdateNotes godoc
// @ID          updateNotes
// @Summary     Update chat notes
// @Description Overwrites real_profile_notes or fictional_profile_notes. Closed chats remain editable.
// @Tags        Operators
// @Accept      json
// @Produce     json
// @Security    BearerAuth
//
// @Param       body  body  handlers.NotesRequest  true  "Notes payload"
//
// @Success     200  {object}  handlers.ChatResponse
// @Failure     400  {object}  handlers.ErrorResponse  "Bad request"
// @Failure     403  {object}  handlers.ErrorResponse  "Forbidden"
// @Failure     404  {object}  handlers.ErrorResponse  "Chat not found"
// @Router      /notes [post]
func (h *Handlers) UpdateNotes(c *gin.Context) {
	var req NotesRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "chat_id and field required")
		return
	}
	chat, err := h.chats.UpdateNotes(c.Request.Context(), identity(c),
		strings.TrimSpace(req.ChatID), strings.TrimSpace(req.Field), sanitizeContent(req.Content))
	if err != nil {
		failErr(c, err)
		return
	}
	ok(c, http.StatusOK, ChatResponse{Chat: chat})
}
