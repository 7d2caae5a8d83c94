package handlers

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// GrantRequest adds credits to a real user.
type GrantRequest struct {
	Amount int64 `json:"amount" binding:"required" example:"50"`
}

// BalanceResponse reports a real user's balance.
type BalanceResponse struct {
	UserID  string `json:"user_id" example:"u-42"`
	Balance int64  `json:"balance" example:"55"`
}

// OperatorStats godoc
// @ID          operatorStats
// @Summary     Operator reassignment statistics
// @Description Idle incidents over assignments. Visible to the operator themself and to admins.
// @Tags        Operators
// @Produce     json
// @Security    BearerAuth
//
// @Param       id  path  string  true  "Operator ID"
//
// @Success     200  {object}  services.OperatorStats
// @Failure     403  {object}  handlers.ErrorResponse  "Forbidden"
// @Failure     404  {object}  handlers.ErrorResponse  "Operator not found"
// @Router      /operators/{id}/stats [get]
func (h *Handlers) OperatorStats(c *gin.Context) {
	st, err := h.chats.Stats(c.Request.Context(), identity(c), strings.TrimSpace(c.Param("id")))
	if err != nil {
		failErr(c, err)
		return
	}
	ok(c, http.StatusOK, st)
}

// GrantCredits godoc
// @ID          grantCredits
// @Summary     Grant credits (admin)
// @Tags        Users
// @Accept      json
// @Produce     json
// @Security    BearerAuth
//
// @Param       id    path  string                 true  "Real user ID"
// @Param       body  body  handlers.GrantRequest  true  "Amount to add"
//
// @Success     200  {object}  handlers.BalanceResponse
// @Failure     400  {object}  handlers.ErrorResponse  "Bad request"
// @Failure     403  {object}  handlers.ErrorResponse  "Forbidden"
// @Failure     404  {object}  handlers.ErrorResponse  "User not found"
// @Router      /users/{id}/credits [post]
func (h *Handlers) GrantCredits(c *gin.Context) {
	var req GrantRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "amount required")
		return
	}
	userID := strings.TrimSpace(c.Param("id"))
	bal, err := h.credits.Grant(c.Request.Context(), identity(c), userID, req.Amount)
	if err != nil {
		failErr(c, err)
		return
	}
	ok(c, http.StatusOK, BalanceResponse{UserID: userID, Balance: bal})
}
