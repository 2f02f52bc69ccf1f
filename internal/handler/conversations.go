// Package handler provides HTTP handlers for the API.
package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/capitalize-ai/chat-core/internal/middleware"
	"github.com/capitalize-ai/chat-core/internal/model"
	"github.com/capitalize-ai/chat-core/internal/service"
	"github.com/capitalize-ai/chat-core/pkg/logger"
)

// ConversationHandler handles conversation endpoints.
type ConversationHandler struct {
	service *service.ConversationService
	logger  *logger.Logger
}

// NewConversationHandler creates a new conversation handler.
func NewConversationHandler(svc *service.ConversationService, log *logger.Logger) *ConversationHandler {
	return &ConversationHandler{
		service: svc,
		logger:  log,
	}
}

// CreatePrivate handles POST /api/v1/conversations/private
func (h *ConversationHandler) CreatePrivate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := middleware.GetUserID(ctx)

	var req model.CreatePrivateRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, h.logger, err)
		return
	}

	conv, created, err := h.service.CreatePrivate(ctx, userID, req.OtherUserID)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}

	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	writeJSON(w, status, conv)
}

// CreateGroup handles POST /api/v1/conversations/group
func (h *ConversationHandler) CreateGroup(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := middleware.GetUserID(ctx)

	var req model.CreateGroupRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, h.logger, err)
		return
	}

	conv, err := h.service.CreateGroup(ctx, userID, req.Name, req.MemberIDs)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}

	writeJSON(w, http.StatusCreated, conv)
}

// List handles GET /api/v1/conversations
func (h *ConversationHandler) List(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := middleware.GetUserID(ctx)

	page, err := h.service.List(ctx, userID, r.URL.Query().Get("cursor"), queryInt(r, "limit"))
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}

	writeJSON(w, http.StatusOK, page)
}

// Get handles GET /api/v1/conversations/:id
func (h *ConversationHandler) Get(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	detail, err := h.service.Get(ctx, middleware.GetUserID(ctx), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}

	writeJSON(w, http.StatusOK, detail)
}

// Rename handles PATCH /api/v1/conversations/:id/name
func (h *ConversationHandler) Rename(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req model.RenameRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, h.logger, err)
		return
	}

	conv, err := h.service.Rename(ctx, middleware.GetUserID(ctx), chi.URLParam(r, "id"), req.Name)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}

	writeJSON(w, http.StatusOK, conv)
}

// AddMembers handles POST /api/v1/conversations/:id/members
func (h *ConversationHandler) AddMembers(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req model.AddMembersRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, h.logger, err)
		return
	}

	conv, err := h.service.AddMembers(ctx, middleware.GetUserID(ctx), chi.URLParam(r, "id"), req.UserIDs)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}

	writeJSON(w, http.StatusOK, conv)
}

// RemoveMember handles DELETE /api/v1/conversations/:id/members/:userId
func (h *ConversationHandler) RemoveMember(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	conv, err := h.service.RemoveMember(ctx, middleware.GetUserID(ctx), chi.URLParam(r, "id"), chi.URLParam(r, "userId"))
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}

	writeJSON(w, http.StatusOK, conv)
}

// Leave handles POST /api/v1/conversations/:id/leave
func (h *ConversationHandler) Leave(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if err := h.service.Leave(ctx, middleware.GetUserID(ctx), chi.URLParam(r, "id")); err != nil {
		writeError(w, r, h.logger, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// Delete handles DELETE /api/v1/conversations/:id
func (h *ConversationHandler) Delete(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if err := h.service.Delete(ctx, middleware.GetUserID(ctx), chi.URLParam(r, "id")); err != nil {
		writeError(w, r, h.logger, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}
