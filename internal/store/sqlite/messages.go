package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/capitalize-ai/chat-core/internal/model"
	"github.com/capitalize-ai/chat-core/internal/store"
)

const messageColumns = `msg.id, msg.conversation_id, msg.sender_id, msg.type, msg.body, msg.meta, msg.created_at, msg.recalled_at`

func scanMessage(row rowScanner) (*model.Message, error) {
	var (
		m          model.Message
		typ, body  string
		meta       sql.NullString
		createdAt  int64
		recalledAt sql.NullInt64
	)
	if err := row.Scan(&m.ID, &m.ConversationID, &m.SenderID, &typ, &body, &meta, &createdAt, &recalledAt); err != nil {
		return nil, err
	}
	content, err := model.ContentFromStored(model.MessageType(typ), body)
	if err != nil {
		return nil, err
	}
	m.Content = content
	if meta.Valid && meta.String != "" {
		m.Meta = json.RawMessage(meta.String)
	}
	m.CreatedAt = fromMillis(createdAt)
	m.RecalledAt = nullMillis(recalledAt)
	return &m, nil
}

func getMessage(ctx context.Context, q queryer, id string) (*model.Message, error) {
	row := q.QueryRowContext(ctx, `SELECT `+messageColumns+` FROM messages msg WHERE msg.id = ?`, id)
	m, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get message: %w", err)
	}
	return m, nil
}

// AppendMessage stores msg and makes it the conversation's last message.
func (s *Store) AppendMessage(ctx context.Context, msg *model.Message) (time.Time, error) {
	if msg == nil || msg.Content == nil {
		return time.Time{}, fmt.Errorf("message content is required")
	}

	s.appendMu.Lock()
	defer s.appendMu.Unlock()

	id := uuid.Must(uuid.NewV7()).String()
	createdAt := toMillis(s.now())
	var meta sql.NullString
	if len(msg.Meta) > 0 {
		meta = sql.NullString{String: string(msg.Meta), Valid: true}
	}

	var updatedAt int64
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := getConversation(ctx, tx, msg.ConversationID); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO messages (id, conversation_id, sender_id, type, body, meta, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			id, msg.ConversationID, msg.SenderID, string(msg.Content.Type()), msg.Content.Body(), meta, createdAt,
		); err != nil {
			return fmt.Errorf("insert message: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE conversations SET last_message_id = ?, `+bumpUpdatedAt+` WHERE id = ?`,
			id, createdAt, msg.ConversationID,
		); err != nil {
			return fmt.Errorf("bump conversation: %w", err)
		}
		return tx.QueryRowContext(ctx,
			`SELECT updated_at FROM conversations WHERE id = ?`, msg.ConversationID,
		).Scan(&updatedAt)
	})
	if err != nil {
		return time.Time{}, err
	}

	msg.ID = id
	msg.CreatedAt = fromMillis(createdAt)
	msg.RecalledAt = nil
	return fromMillis(updatedAt), nil
}

// GetMessage returns one message by id.
func (s *Store) GetMessage(ctx context.Context, id string) (*model.Message, error) {
	return getMessage(ctx, s.db, id)
}

// History returns up to limit messages with id < beforeID, newest first.
func (s *Store) History(ctx context.Context, conversationID, viewerID, beforeID string, limit int) (*model.MessagePage, error) {
	limit = store.ClampLimit(limit, store.DefaultHistoryLimit)

	query := `SELECT ` + messageColumns + ` FROM messages msg
		WHERE msg.conversation_id = ?
		AND NOT EXISTS (
			SELECT 1 FROM message_deletions d WHERE d.message_id = msg.id AND d.viewer_id = ?
		)`
	args := []any{conversationID, viewerID}
	if beforeID != "" {
		query += ` AND msg.id < ?`
		args = append(args, beforeID)
	}
	query += ` ORDER BY msg.id DESC LIMIT ?`
	args = append(args, limit+1)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	page := &model.MessagePage{Items: []model.Message{}}
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		page.Items = append(page.Items, *m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate history: %w", err)
	}

	if len(page.Items) > limit {
		page.Items = page.Items[:limit]
		page.HasMore = true
		page.NextBefore = page.Items[limit-1].ID
	}
	return page, nil
}

// RecallMessage sets recalled_at once, only for the original sender.
func (s *Store) RecallMessage(ctx context.Context, messageID, senderID string, at time.Time) (*model.Message, bool, error) {
	var changed bool
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		m, err := getMessage(ctx, tx, messageID)
		if err != nil {
			return err
		}
		if m.SenderID != senderID {
			return store.ErrNotSender
		}
		res, err := tx.ExecContext(ctx,
			`UPDATE messages SET recalled_at = ? WHERE id = ? AND recalled_at IS NULL`,
			toMillis(at), messageID,
		)
		if err != nil {
			return fmt.Errorf("recall message: %w", err)
		}
		n, _ := res.RowsAffected()
		changed = n == 1
		return nil
	})
	if err != nil {
		return nil, false, err
	}

	m, err := s.GetMessage(ctx, messageID)
	if err != nil {
		return nil, false, err
	}
	return m, changed, nil
}

// DeleteForViewer hides the message from viewerID only. Repeats are no-ops.
func (s *Store) DeleteForViewer(ctx context.Context, messageID, viewerID string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := getMessage(ctx, tx, messageID); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO message_deletions (message_id, viewer_id, deleted_at) VALUES (?, ?, ?)`,
			messageID, viewerID, toMillis(s.now()),
		); err != nil {
			return fmt.Errorf("delete for viewer: %w", err)
		}
		return nil
	})
}
