package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/capitalize-ai/chat-core/internal/middleware"
	"github.com/capitalize-ai/chat-core/internal/model"
	"github.com/capitalize-ai/chat-core/internal/service"
	"github.com/capitalize-ai/chat-core/pkg/logger"
)

// MessageHandler handles message endpoints.
type MessageHandler struct {
	messageService *service.MessageService
	logger         *logger.Logger
}

// NewMessageHandler creates a new message handler.
func NewMessageHandler(msgSvc *service.MessageService, log *logger.Logger) *MessageHandler {
	return &MessageHandler{
		messageService: msgSvc,
		logger:         log,
	}
}

// List handles GET /api/v1/messages?conversationId&limit&before
func (h *MessageHandler) List(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	q := r.URL.Query()

	page, err := h.messageService.History(ctx, middleware.GetUserID(ctx), q.Get("conversationId"), q.Get("before"), queryInt(r, "limit"))
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}

	writeJSON(w, http.StatusOK, page)
}

// Send handles POST /api/v1/messages
//
// A REST send has no originating socket, so every session of the sender
// receives the broadcast too.
func (h *MessageHandler) Send(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req model.SendMessageRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, h.logger, err)
		return
	}

	msg, err := h.messageService.Send(ctx, middleware.GetUserID(ctx), "", &req)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}

	writeJSON(w, http.StatusCreated, msg)
}

// Recall handles POST /api/v1/messages/:id/recall
func (h *MessageHandler) Recall(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	ev, err := h.messageService.Recall(ctx, middleware.GetUserID(ctx), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}

	writeJSON(w, http.StatusOK, ev)
}

// DeleteForMe handles POST /api/v1/messages/:id/deleteForMe
func (h *MessageHandler) DeleteForMe(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if err := h.messageService.DeleteForMe(ctx, middleware.GetUserID(ctx), chi.URLParam(r, "id")); err != nil {
		writeError(w, r, h.logger, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}
