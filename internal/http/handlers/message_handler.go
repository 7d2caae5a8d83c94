// Message HTTP handlers.
//
// This file exposes REST endpoints for chat messages:
//   - POST  /messages              (send, debiting real-user senders)
//   - PATCH /messages/{id}         (admin edit with audit trail)
//   - GET   /messages/{id}/edits   (audit trail)
//   - GET   /chats/{id}/messages   (paginated history, ETag support)
//
// Idempotency:
// If the client supplies an Idempotency-Key header, retries of the same send
// return the first result without a second debit, and the response carries
// `Idempotency-Replayed: true`.
package handlers

import (
	"fmt"
	"net/http"
	"regexp"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/persona-chat-backend/internal/domain"
	"github.com/tbourn/persona-chat-backend/internal/http/middleware"
	"github.com/tbourn/persona-chat-backend/internal/repo"
	"github.com/tbourn/persona-chat-backend/internal/services"
	"github.com/tbourn/persona-chat-backend/internal/utils"
)

const (
	defaultPageSize = 20
	maxPageSize     = 100
)

//
// DTOs
//

// SendMessageRequest is the JSON payload for sending a message.
//
// Content is normalized by the handler (line endings and excessive blank
// lines); the pipeline enforces emptiness and the rune limit.
type SendMessageRequest struct {
	ChatID  string `json:"chat_id" binding:"required" example:"141add05-4415-4938-b5a1-17e0d3171aff"`
	Content string `json:"content" example:"Hi! How was your day?"`
}

// SendMessageResponse carries the stored message and, for real-user senders,
// the balance after the debit.
type SendMessageResponse struct {
	Balance *int64          `json:"balance"`
	Message *domain.Message `json:"message"`
}

// EditMessageRequest replaces the content of a message.
type EditMessageRequest struct {
	Content string `json:"content" example:"[removed by moderator]"`
}

// MessageResponse wraps a single message.
type MessageResponse struct {
	Message *domain.Message `json:"message"`
}

// EditsResponse lists the audit trail of a message, oldest first.
type EditsResponse struct {
	Edits []domain.MessageEdit `json:"edits"`
}

// Pagination carries pagination metadata for list responses.
type Pagination struct {
	Page       int   `json:"page"`
	PageSize   int   `json:"page_size"`
	Total      int64 `json:"total"`
	TotalPages int   `json:"total_pages"`
	HasNext    bool  `json:"has_next"`
}

// ListMessagesResponse contains a page of chat messages and pagination metadata.
type ListMessagesResponse struct {
	Messages   []domain.Message `json:"messages"`
	Pagination Pagination       `json:"pagination"`
}

//
// Helpers
//

// nlCollapseRE collapses runs of 3+ newlines to two, preserving paragraphs.
var nlCollapseRE = regexp.MustCompile(`\n{3,}`)

// sanitizeContent normalizes user text for consistent downstream behavior:
// CRLF and CR become LF, runs of 3+ LFs collapse to two, and surrounding
// whitespace is trimmed.
func sanitizeContent(raw string) string {
	s := strings.ReplaceAll(raw, "\r\n", "\n")
	s = strings.ReplaceAll(s, "\r", "\n")
	s = nlCollapseRE.ReplaceAllString(s, "\n\n")
	return strings.TrimSpace(s)
}

func newPagination(page, pageSize int, total int64) Pagination {
	totalPages := int((total + int64(pageSize) - 1) / int64(pageSize))
	return Pagination{
		Page:       page,
		PageSize:   pageSize,
		Total:      total,
		TotalPages: totalPages,
		HasNext:    page < totalPages,
	}
}

//
// Handlers
//

// SendMessage godoc
// @ID          sendMessage
// @Summary     Send a message
// @Description Appends a message to the chat. Real-user sends are debited atomically with the insert;
// @Description a 402 means nothing was stored. Operators write as the persona and are not charged.
// @Description Supports idempotency via the Idempotency-Key header (same key, same result, one debit).
// @Tags        Messages
// @Accept      json
// @Produce     json
// @Security    BearerAuth
//
// @Param       Idempotency-Key  header  string  false "Idempotency key for safe retries (UUID recommended)"  example(7a8d9f4c-1b2a-4c3d-8e9f-0123456789ab)
// @Param       body             body    handlers.SendMessageRequest  true  "Message payload"
//
// @Success     200  {object}  handlers.SendMessageResponse
// @Header      200  {string}  Idempotency-Replayed  "true when the response is a replay"
// @Failure     400  {object}  handlers.ErrorResponse  "Bad request"
// @Failure     402  {object}  handlers.ErrorResponse  "Insufficient credits"
// @Failure     403  {object}  handlers.ErrorResponse  "Forbidden"
// @Failure     404  {object}  handlers.ErrorResponse  "Chat not found"
// @Failure     409  {object}  handlers.ErrorResponse  "Chat closed"
// @Failure     500  {object}  handlers.ErrorResponse  "Internal error"
// @Router      /messages [post]
func (h *Handlers) SendMessage(c *gin.Context) {
	var req SendMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "chat_id required")
		return
	}

	key, _ := middleware.GetIdempotencyKey(c)
	res, err := h.msgs.Send(c.Request.Context(), identity(c), services.SendInput{
		ChatID:         strings.TrimSpace(req.ChatID),
		Content:        sanitizeContent(req.Content),
		IdempotencyKey: key,
	})
	if err != nil {
		failErr(c, err)
		return
	}
	if res.Replayed {
		c.Header(middleware.HeaderIdempotencyReplayed, "true")
	}
	ok(c, http.StatusOK, SendMessageResponse{Balance: res.Balance, Message: res.Message})
}

// EditMessage godoc
// @ID          editMessage
// @Summary     Edit a message (admin)
// @Description Replaces message content in place and appends an audit record. Position in the chat is unchanged.
// @Tags        Messages
// @Accept      json
// @Produce     json
// @Security    BearerAuth
//
// @Param       id    path  string                       true  "Message ID (UUID)"  format(uuid)
// @Param       body  body  handlers.EditMessageRequest  true  "New content"
//
// @Success     200  {object}  handlers.MessageResponse
// @Failure     400  {object}  handlers.ErrorResponse  "Bad request"
// @Failure     403  {object}  handlers.ErrorResponse  "Forbidden"
// @Failure     404  {object}  handlers.ErrorResponse  "Message not found"
// @Failure     500  {object}  handlers.ErrorResponse  "Internal error"
// @Router      /messages/{id} [patch]
func (h *Handlers) EditMessage(c *gin.Context) {
	messageID, valid := uuidParam(c, "id", "message")
	if !valid {
		return
	}
	var req EditMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "invalid JSON body")
		return
	}
	m, err := h.msgs.Edit(c.Request.Context(), identity(c), messageID, sanitizeContent(req.Content))
	if err != nil {
		failErr(c, err)
		return
	}
	ok(c, http.StatusOK, MessageResponse{Message: m})
}

// ListEdits godoc
// @ID          listMessageEdits
// @Summary     Message audit trail (admin)
// @Tags        Messages
// @Produce     json
// @Security    BearerAuth
//
// @Param       id  path  string  true  "Message ID (UUID)"  format(uuid)
//
// @Success     200  {object}  handlers.EditsResponse
// @Failure     403  {object}  handlers.ErrorResponse  "Forbidden"
// @Failure     404  {object}  handlers.ErrorResponse  "Message not found"
// @Router      /messages/{id}/edits [get]
func (h *Handlers) ListEdits(c *gin.Context) {
	messageID, valid := uuidParam(c, "id", "message")
	if !valid {
		return
	}
	edits, err := h.msgs.ListEdits(c.Request.Context(), identity(c), messageID)
	if err != nil {
		failErr(c, err)
		return
	}
	ok(c, http.StatusOK, EditsResponse{Edits: edits})
}

// ListMessages godoc
// @ID          listMessages
// @Summary     List messages in a chat
// @Description Returns a page of the chat history in creation order. Supports weak ETag via If-None-Match and may return 304.
// @Tags        Messages
// @Produce     json
// @Security    BearerAuth
//
// @Param       id             path    string  true  "Chat ID (UUID)"  format(uuid)
// @Param       If-None-Match  header  string  false "Return 304 if ETag matches"  example(W/\"abc123\")
// @Param       page           query   int     false "Page number"     minimum(1) default(1)
// @Param       page_size      query   int     false "Items per page"  minimum(1) maximum(100) default(20)
//
// @Success     200  {object} handlers.ListMessagesResponse
// @Header      200  {string} ETag  "Weak ETag for current result"
// @Success     304  {string} string "Not Modified"
// @Failure     400  {object} handlers.ErrorResponse "Bad request"
// @Failure     403  {object} handlers.ErrorResponse "Forbidden"
// @Failure     404  {object} handlers.ErrorResponse "Chat not found"
// @Failure     500  {object} handlers.ErrorResponse "Internal error"
// @Router      /chats/{id}/messages [get]
func (h *Handlers) ListMessages(c *gin.Context) {
	ctx := c.Request.Context()
	chatID, valid := uuidParam(c, "id", "chat")
	if !valid {
		return
	}
	id := identity(c)

	// Authorize before revealing anything about the chat, including its ETag.
	if _, err := h.chats.Get(ctx, id, chatID); err != nil {
		failErr(c, err)
		return
	}

	page, pageSize := utils.Page(c.Query("page"), c.Query("page_size"), defaultPageSize, maxPageSize)

	// ETag pre-check (best effort). The tag names the page it describes.
	if h.db != nil {
		count, maxTS, err := repo.MessagesStats(ctx, h.db, chatID)
		if err == nil {
			var ts int64
			if maxTS != nil {
				ts = maxTS.UnixNano()
			}
			etag := fmt.Sprintf(`W/"messages:%s:%d:%d:%d:%d"`, chatID, count, ts, page, pageSize)
			c.Header("ETag", etag)
			if inm := c.GetHeader("If-None-Match"); inm != "" && inm == etag {
				c.Status(http.StatusNotModified)
				return
			}
		}
	}

	items, total, err := h.msgs.ListPage(ctx, id, chatID, page, pageSize)
	if err != nil {
		failErr(c, err)
		return
	}
	ok(c, http.StatusOK, ListMessagesResponse{
		Messages:   items,
		Pagination: newPagination(page, pageSize, total),
	})
}
