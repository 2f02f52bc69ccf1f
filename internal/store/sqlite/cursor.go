package sqlite

import (
	"encoding/base64"
	"encoding/json"
	"strings"

	"github.com/capitalize-ai/chat-core/internal/store"
)

// listCursor is the position after the last conversation of a page.
type listCursor struct {
	UpdatedAt int64  `json:"u"`
	ID        string `json:"id"`
}

func encodeCursor(c listCursor) string {
	data, _ := json.Marshal(c)
	return base64.RawURLEncoding.EncodeToString(data)
}

func decodeCursor(raw string) (*listCursor, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	data, err := base64.RawURLEncoding.DecodeString(raw)
	if err != nil {
		return nil, store.ErrInvalidCursor
	}
	var c listCursor
	if err := json.Unmarshal(data, &c); err != nil || c.ID == "" {
		return nil, store.ErrInvalidCursor
	}
	return &c, nil
}
