package handlers

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/persona-chat-backend/internal/domain"
	"github.com/tbourn/persona-chat-backend/internal/services"
	"github.com/tbourn/persona-chat-backend/internal/utils"
)

// ProfilesResponse wraps a directory listing.
type ProfilesResponse struct {
	Profiles []domain.Persona `json:"profiles"`
}

// PersonaRequest is the admin write payload for a persona.
type PersonaRequest struct {
	DisplayName string   `json:"display_name" binding:"required" example:"Mia"`
	Gender      string   `json:"gender" binding:"required" example:"female"`
	Age         int      `json:"age" binding:"required" example:"29"`
	Location    string   `json:"location" example:"Zürich"`
	Gallery     []string `json:"gallery"`
	// MessageCost overrides the default per-message price when > 0.
	MessageCost int64 `json:"message_cost" example:"2"`
}

// ProfileResponse wraps a single persona.
type ProfileResponse struct {
	Profile *domain.Persona `json:"profile"`
}

// ListProfiles godoc
// @ID          listProfiles
// @Summary     Browse the persona directory
// @Description Returns the gender partition from the directory cache, narrowed by inclusive age bounds and a case-insensitive location match.
// @Tags        Profiles
// @Produce     json
// @Security    BearerAuth
//
// @Param       gender    query  string  true   "Directory partition"  Enums(male, female)
// @Param       minAge    query  int     false  "Minimum age (inclusive)"
// @Param       maxAge    query  int     false  "Maximum age (inclusive)"
// @Param       location  query  string  false  "Location substring"
//
// @Success     200  {object}  handlers.ProfilesResponse
// @Failure     400  {object}  handlers.ErrorResponse  "Bad request"
// @Failure     500  {object}  handlers.ErrorResponse  "Internal error"
// @Router      /profiles [get]
func (h *Handlers) ListProfiles(c *gin.Context) {
	minAge, okMin := utils.AtoiOptional(c.Query("minAge"))
	maxAge, okMax := utils.AtoiOptional(c.Query("maxAge"))
	if !okMin || !okMax {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "minAge and maxAge must be integers")
		return
	}
	f := services.ProfileFilter{Location: c.Query("location")}
	if minAge != nil {
		f.MinAge = *minAge
	}
	if maxAge != nil {
		f.MaxAge = *maxAge
	}

	gender := domain.Gender(strings.ToLower(strings.TrimSpace(c.Query("gender"))))
	list, err := h.profiles.List(c.Request.Context(), gender, f)
	if err != nil {
		failErr(c, err)
		return
	}
	ok(c, http.StatusOK, ProfilesResponse{Profiles: list})
}

// InvalidateProfiles godoc
// @ID          invalidateProfiles
// @Summary     Drop the directory cache (admin)
// @Tags        Profiles
// @Produce     json
// @Security    BearerAuth
//
// @Success     200  {object}  handlers.OKResponse
// @Failure     403  {object}  handlers.ErrorResponse  "Forbidden"
// @Router      /profiles/invalidate [post]
func (h *Handlers) InvalidateProfiles(c *gin.Context) {
	if err := h.profiles.Invalidate(identity(c)); err != nil {
		failErr(c, err)
		return
	}
	acknowledged(c)
}

// PutProfile godoc
// @ID          putProfile
// @Summary     Create or replace a persona (admin)
// @Description Writes the persona and invalidates the directory cache so the next read sees it.
// @Tags        Profiles
// @Accept      json
// @Produce     json
// @Security    BearerAuth
//
// @Param       id    path  string                   true  "Persona ID (UUID)"  format(uuid)
// @Param       body  body  handlers.PersonaRequest  true  "Persona"
//
// @Success     200  {object}  handlers.ProfileResponse
// @Failure     400  {object}  handlers.ErrorResponse  "Bad request"
// @Failure     403  {object}  handlers.ErrorResponse  "Forbidden"
// @Failure     500  {object}  handlers.ErrorResponse  "Internal error"
// @Router      /profiles/{id} [put]
func (h *Handlers) PutProfile(c *gin.Context) {
	personaID, valid := uuidParam(c, "id", "persona")
	if !valid {
		return
	}
	var req PersonaRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "display_name, gender and age required")
		return
	}
	p, err := h.profiles.Save(c.Request.Context(), identity(c), &domain.Persona{
		ID:          personaID,
		DisplayName: req.DisplayName,
		Gender:      domain.Gender(strings.ToLower(strings.TrimSpace(req.Gender))),
		Age:         req.Age,
		Location:    strings.TrimSpace(req.Location),
		Gallery:     domain.StringList(req.Gallery),
		MessageCost: req.MessageCost,
	})
	if err != nil {
		failErr(c, err)
		return
	}
	ok(c, http.StatusOK, ProfileResponse{Profile: p})
}
