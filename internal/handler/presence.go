package handler

import "net/http"

// PresenceHandler exposes the online set.
type PresenceHandler struct {
	presence Presence
}

// NewPresenceHandler creates a new presence handler.
func NewPresenceHandler(presence Presence) *PresenceHandler {
	return &PresenceHandler{presence: presence}
}

// Online handles GET /api/v1/presence/online
func (h *PresenceHandler) Online(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string][]string{
		"users": h.presence.OnlineUsers(),
	})
}
