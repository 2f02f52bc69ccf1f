package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/capitalize-ai/chat-core/internal/model"
	"github.com/capitalize-ai/chat-core/internal/store"
)

const conversationColumns = `c.id, c.kind, c.name, c.owner_id, c.last_message_id, c.created_at, c.updated_at`

// bumpUpdatedAt keeps updated_at strictly increasing per conversation.
const bumpUpdatedAt = `updated_at = MAX(updated_at + 1, ?)`

type rowScanner interface {
	Scan(dest ...any) error
}

type conversationRow struct {
	conv          model.Conversation
	lastMessageID sql.NullString
}

func scanConversation(row rowScanner) (*conversationRow, error) {
	var (
		r                    conversationRow
		kind                 string
		createdAt, updatedAt int64
	)
	if err := row.Scan(&r.conv.ID, &kind, &r.conv.Name, &r.conv.OwnerID, &r.lastMessageID, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	r.conv.Kind = model.ConversationKind(kind)
	r.conv.CreatedAt = fromMillis(createdAt)
	r.conv.UpdatedAt = fromMillis(updatedAt)
	return &r, nil
}

// hydrate loads members and the last message. Callers must have closed any
// open rows first since the pool holds a single connection.
func (s *Store) hydrate(ctx context.Context, q queryer, r *conversationRow) (*model.Conversation, error) {
	members, err := loadMembers(ctx, q, r.conv.ID)
	if err != nil {
		return nil, err
	}
	conv := r.conv
	conv.Members = members
	if r.lastMessageID.Valid {
		msg, err := getMessage(ctx, q, r.lastMessageID.String)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return nil, err
		}
		conv.LastMessage = msg
	}
	return &conv, nil
}

func loadMembers(ctx context.Context, q queryer, conversationID string) ([]string, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT user_id FROM conversation_members WHERE conversation_id = ? ORDER BY user_id`,
		conversationID,
	)
	if err != nil {
		return nil, fmt.Errorf("query members: %w", err)
	}
	defer rows.Close()

	members := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan member: %w", err)
		}
		members = append(members, id)
	}
	return members, rows.Err()
}

func getConversation(ctx context.Context, q queryer, id string) (*conversationRow, error) {
	row := q.QueryRowContext(ctx,
		`SELECT `+conversationColumns+` FROM conversations c WHERE c.id = ? AND c.deleted_at IS NULL`,
		id,
	)
	r, err := scanConversation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get conversation: %w", err)
	}
	return r, nil
}

func insertMembers(ctx context.Context, q queryer, conversationID string, userIDs []string, joinedAt int64) ([]string, error) {
	var added []string
	for _, userID := range userIDs {
		res, err := q.ExecContext(ctx,
			`INSERT OR IGNORE INTO conversation_members (conversation_id, user_id, joined_at) VALUES (?, ?, ?)`,
			conversationID, userID, joinedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("insert member: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 1 {
			added = append(added, userID)
		}
	}
	return added, nil
}

// CreateOrGetPrivate returns the private conversation for the pair. The
// unique pair_key makes concurrent callers converge on one row.
func (s *Store) CreateOrGetPrivate(ctx context.Context, a, b string) (*model.Conversation, bool, error) {
	if a == "" || b == "" || a == b {
		return nil, false, fmt.Errorf("private conversation needs two distinct users")
	}

	var (
		id      string
		created bool
	)
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		now := toMillis(s.now())
		res, err := tx.ExecContext(ctx,
			`INSERT INTO conversations (id, kind, pair_key, created_at, updated_at)
			 VALUES (?, 'private', ?, ?, ?)
			 ON CONFLICT (pair_key) DO NOTHING`,
			uuid.Must(uuid.NewV7()).String(), model.PairKey(a, b), now, now,
		)
		if err != nil {
			return fmt.Errorf("insert private conversation: %w", err)
		}
		n, _ := res.RowsAffected()
		created = n == 1

		if err := tx.QueryRowContext(ctx,
			`SELECT id FROM conversations WHERE pair_key = ?`, model.PairKey(a, b),
		).Scan(&id); err != nil {
			return fmt.Errorf("select private conversation: %w", err)
		}
		if created {
			if _, err := insertMembers(ctx, tx, id, model.NormalizeMembers(a, b), now); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, false, err
	}

	conv, err := s.GetConversation(ctx, id)
	if err != nil {
		return nil, false, err
	}
	return conv, created, nil
}

// CreateGroup creates a group owned by ownerID. The owner is always a member.
func (s *Store) CreateGroup(ctx context.Context, ownerID, name string, memberIDs []string) (*model.Conversation, error) {
	if ownerID == "" {
		return nil, fmt.Errorf("group owner is required")
	}
	id := uuid.Must(uuid.NewV7()).String()
	members := model.NormalizeMembers(append([]string{ownerID}, memberIDs...)...)

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		now := toMillis(s.now())
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO conversations (id, kind, name, owner_id, created_at, updated_at)
			 VALUES (?, 'group', ?, ?, ?, ?)`,
			id, name, ownerID, now, now,
		); err != nil {
			return fmt.Errorf("insert group: %w", err)
		}
		_, err := insertMembers(ctx, tx, id, members, now)
		return err
	})
	if err != nil {
		return nil, err
	}
	return s.GetConversation(ctx, id)
}

// GetConversation returns a conversation with members and last message.
func (s *Store) GetConversation(ctx context.Context, id string) (*model.Conversation, error) {
	r, err := getConversation(ctx, s.db, id)
	if err != nil {
		return nil, err
	}
	return s.hydrate(ctx, s.db, r)
}

// IsMember reports whether userID belongs to a live conversation.
func (s *Store) IsMember(ctx context.Context, conversationID, userID string) (bool, error) {
	var found int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM conversation_members m
		 JOIN conversations c ON c.id = m.conversation_id
		 WHERE m.conversation_id = ? AND m.user_id = ? AND c.deleted_at IS NULL`,
		conversationID, userID,
	).Scan(&found)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("check membership: %w", err)
	}
	return true, nil
}

// ListConversations pages through a user's conversations, newest activity first.
func (s *Store) ListConversations(ctx context.Context, userID, cursor string, limit int) (*model.ConversationPage, error) {
	limit = store.ClampLimit(limit, store.DefaultConversationLimit)
	after, err := decodeCursor(cursor)
	if err != nil {
		return nil, err
	}

	query := `SELECT ` + conversationColumns + ` FROM conversations c
		JOIN conversation_members m ON m.conversation_id = c.id
		WHERE m.user_id = ? AND c.deleted_at IS NULL`
	args := []any{userID}
	if after != nil {
		query += ` AND (c.updated_at < ? OR (c.updated_at = ? AND c.id < ?))`
		args = append(args, after.UpdatedAt, after.UpdatedAt, after.ID)
	}
	query += ` ORDER BY c.updated_at DESC, c.id DESC LIMIT ?`
	args = append(args, limit+1)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	var found []*conversationRow
	for rows.Next() {
		r, err := scanConversation(rows)
		if err != nil {
			_ = rows.Close()
			return nil, fmt.Errorf("scan conversation: %w", err)
		}
		found = append(found, r)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, fmt.Errorf("iterate conversations: %w", err)
	}
	_ = rows.Close()

	page := &model.ConversationPage{Items: []model.Conversation{}}
	if len(found) > limit {
		found = found[:limit]
		last := found[len(found)-1]
		page.NextCursor = encodeCursor(listCursor{UpdatedAt: toMillis(last.conv.UpdatedAt), ID: last.conv.ID})
	}
	for _, r := range found {
		conv, err := s.hydrate(ctx, s.db, r)
		if err != nil {
			return nil, err
		}
		page.Items = append(page.Items, *conv)
	}
	return page, nil
}

// requireGroup loads the conversation inside tx and rejects private ones.
func requireGroup(ctx context.Context, tx *sql.Tx, id string) (*conversationRow, error) {
	r, err := getConversation(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	if r.conv.Kind != model.KindGroup {
		return nil, store.ErrNotGroup
	}
	return r, nil
}

// RenameGroup sets a new group name.
func (s *Store) RenameGroup(ctx context.Context, conversationID, name string) (*model.Conversation, error) {
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := requireGroup(ctx, tx, conversationID); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx,
			`UPDATE conversations SET name = ?, `+bumpUpdatedAt+` WHERE id = ?`,
			name, toMillis(s.now()), conversationID,
		)
		if err != nil {
			return fmt.Errorf("rename group: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return s.GetConversation(ctx, conversationID)
}

// AddMembers adds users to a group and returns those newly added.
func (s *Store) AddMembers(ctx context.Context, conversationID string, userIDs []string) ([]string, *model.Conversation, error) {
	var added []string
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := requireGroup(ctx, tx, conversationID); err != nil {
			return err
		}
		now := toMillis(s.now())
		var err error
		added, err = insertMembers(ctx, tx, conversationID, model.NormalizeMembers(userIDs...), now)
		if err != nil {
			return err
		}
		if len(added) == 0 {
			return nil
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE conversations SET `+bumpUpdatedAt+` WHERE id = ?`, now, conversationID,
		); err != nil {
			return fmt.Errorf("bump conversation: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	conv, err := s.GetConversation(ctx, conversationID)
	if err != nil {
		return nil, nil, err
	}
	return added, conv, nil
}

// RemoveMember removes a non-owner member from a group.
func (s *Store) RemoveMember(ctx context.Context, conversationID, userID string) (*model.Conversation, error) {
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		r, err := requireGroup(ctx, tx, conversationID)
		if err != nil {
			return err
		}
		if r.conv.OwnerID == userID {
			return store.ErrOwnerImmutable
		}
		res, err := tx.ExecContext(ctx,
			`DELETE FROM conversation_members WHERE conversation_id = ? AND user_id = ?`,
			conversationID, userID,
		)
		if err != nil {
			return fmt.Errorf("remove member: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return store.ErrNotMember
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE conversations SET `+bumpUpdatedAt+` WHERE id = ?`, toMillis(s.now()), conversationID,
		); err != nil {
			return fmt.Errorf("bump conversation: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return s.GetConversation(ctx, conversationID)
}

// DeleteGroup marks a group deleted and returns who was in it.
func (s *Store) DeleteGroup(ctx context.Context, conversationID string) ([]string, error) {
	var members []string
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := requireGroup(ctx, tx, conversationID); err != nil {
			return err
		}
		var err error
		if members, err = loadMembers(ctx, tx, conversationID); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE conversations SET deleted_at = ? WHERE id = ?`, toMillis(s.now()), conversationID,
		); err != nil {
			return fmt.Errorf("delete group: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return members, nil
}

// TouchConversation bumps updatedAt without other changes.
func (s *Store) TouchConversation(ctx context.Context, conversationID string) (time.Time, error) {
	var updatedAt int64
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE conversations SET `+bumpUpdatedAt+` WHERE id = ? AND deleted_at IS NULL`,
			toMillis(s.now()), conversationID,
		)
		if err != nil {
			return fmt.Errorf("touch conversation: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return store.ErrNotFound
		}
		return tx.QueryRowContext(ctx,
			`SELECT updated_at FROM conversations WHERE id = ?`, conversationID,
		).Scan(&updatedAt)
	})
	if err != nil {
		return time.Time{}, err
	}
	return fromMillis(updatedAt), nil
}
