package handler

import (
	"net/http"

	"github.com/capitalize-ai/chat-core/internal/middleware"
	"github.com/capitalize-ai/chat-core/internal/model"
	"github.com/capitalize-ai/chat-core/internal/service"
	"github.com/capitalize-ai/chat-core/pkg/logger"
)

// FriendshipHandler receives accepted friend requests over REST. The
// caller is the user who accepted.
type FriendshipHandler struct {
	service *service.FriendshipService
	logger  *logger.Logger
}

// NewFriendshipHandler creates a new friendship handler.
func NewFriendshipHandler(svc *service.FriendshipService, log *logger.Logger) *FriendshipHandler {
	return &FriendshipHandler{service: svc, logger: log}
}

type acceptedRequest struct {
	RequesterID string `json:"requesterId"`
}

// Accepted handles POST /api/v1/friendships/accepted
func (h *FriendshipHandler) Accepted(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req acceptedRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, h.logger, err)
		return
	}

	conv, err := h.service.Accepted(ctx, model.FriendshipAccepted{
		RequesterID: req.RequesterID,
		AccepterID:  middleware.GetUserID(ctx),
	})
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}

	writeJSON(w, http.StatusOK, conv)
}
