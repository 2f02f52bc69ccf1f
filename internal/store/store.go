// Package store defines the durable conversation and message contract.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/capitalize-ai/chat-core/internal/model"
)

var (
	// ErrNotFound is returned when a conversation or message does not exist.
	ErrNotFound = errors.New("not found")
	// ErrNotMember is returned when a user is not in the conversation.
	ErrNotMember = errors.New("not a member")
	// ErrNotSender is returned when a caller other than the sender recalls a message.
	ErrNotSender = errors.New("not the sender")
	// ErrNotGroup is returned by group-only operations on private conversations.
	ErrNotGroup = errors.New("not a group conversation")
	// ErrOwnerImmutable is returned when the owner would stop being a member.
	ErrOwnerImmutable = errors.New("owner must remain a member")
	// ErrInvalidCursor is returned for malformed page cursors.
	ErrInvalidCursor = errors.New("invalid cursor")
)

// Page size bounds.
const (
	DefaultConversationLimit = 20
	DefaultHistoryLimit      = 30
	MaxPageLimit             = 100
)

// ClampLimit applies the default and the cap to a requested page size.
func ClampLimit(limit, def int) int {
	if limit <= 0 {
		return def
	}
	if limit > MaxPageLimit {
		return MaxPageLimit
	}
	return limit
}

// Store persists conversations and messages. Every method is individually
// atomic.
type Store interface {
	// CreateOrGetPrivate returns the private conversation for the unordered
	// pair, creating it when absent. created reports which happened.
	CreateOrGetPrivate(ctx context.Context, a, b string) (conv *model.Conversation, created bool, err error)
	CreateGroup(ctx context.Context, ownerID, name string, memberIDs []string) (*model.Conversation, error)
	GetConversation(ctx context.Context, id string) (*model.Conversation, error)
	IsMember(ctx context.Context, conversationID, userID string) (bool, error)
	// ListConversations returns the user's conversations ordered by
	// updatedAt then id, both descending.
	ListConversations(ctx context.Context, userID, cursor string, limit int) (*model.ConversationPage, error)

	RenameGroup(ctx context.Context, conversationID, name string) (*model.Conversation, error)
	// AddMembers returns the user ids that were not members before.
	AddMembers(ctx context.Context, conversationID string, userIDs []string) (added []string, conv *model.Conversation, err error)
	RemoveMember(ctx context.Context, conversationID, userID string) (*model.Conversation, error)
	// DeleteGroup removes the group and returns its final member list.
	// Messages are retained.
	DeleteGroup(ctx context.Context, conversationID string) ([]string, error)
	TouchConversation(ctx context.Context, conversationID string) (time.Time, error)

	// AppendMessage assigns the message id and createdAt, stores the message
	// and bumps the conversation in one transaction.
	AppendMessage(ctx context.Context, msg *model.Message) (updatedAt time.Time, err error)
	GetMessage(ctx context.Context, id string) (*model.Message, error)
	// History returns messages older than beforeID, newest first, excluding
	// those the viewer deleted for themselves.
	History(ctx context.Context, conversationID, viewerID, beforeID string, limit int) (*model.MessagePage, error)
	// RecallMessage tombstones the message once. changed is false when it was
	// already recalled.
	RecallMessage(ctx context.Context, messageID, senderID string, at time.Time) (msg *model.Message, changed bool, err error)
	DeleteForViewer(ctx context.Context, messageID, viewerID string) error

	Ping(ctx context.Context) error
	Close() error
}
