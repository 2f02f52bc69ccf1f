// Package model defines data structures for the chat core.
package model

import (
	"slices"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/capitalize-ai/chat-core/pkg/apperr"
)

// ConversationKind distinguishes one-to-one from group conversations.
type ConversationKind string

const (
	KindPrivate ConversationKind = "private"
	KindGroup   ConversationKind = "group"
)

// MaxGroupNameRunes bounds group conversation names.
const MaxGroupNameRunes = 256

// Conversation represents a private or group conversation.
type Conversation struct {
	ID          string           `json:"id"`
	Kind        ConversationKind `json:"kind"`
	Name        string           `json:"name,omitempty"`
	OwnerID     string           `json:"ownerId,omitempty"`
	Members     []string         `json:"members"`
	LastMessage *Message         `json:"lastMessage,omitempty"`
	CreatedAt   time.Time        `json:"createdAt"`
	UpdatedAt   time.Time        `json:"updatedAt"`
}

// HasMember reports whether userID belongs to the conversation.
func (c *Conversation) HasMember(userID string) bool {
	return slices.Contains(c.Members, userID)
}

// IsGroup reports whether the conversation is a group.
func (c *Conversation) IsGroup() bool {
	return c.Kind == KindGroup
}

// MemberPresence is a member id with its derived online flag.
type MemberPresence struct {
	UserID string `json:"userId"`
	Online bool   `json:"online"`
}

// ConversationDetail is a conversation plus live presence of its members.
type ConversationDetail struct {
	Conversation
	Presence []MemberPresence `json:"presence"`
}

// ConversationPage is one page of a user's conversation list.
type ConversationPage struct {
	Items      []Conversation `json:"items"`
	NextCursor string         `json:"nextCursor,omitempty"`
}

// CreatePrivateRequest is the request to open a private conversation.
type CreatePrivateRequest struct {
	OtherUserID string `json:"otherUserId"`
}

// CreateGroupRequest is the request to create a group conversation.
type CreateGroupRequest struct {
	Name      string   `json:"name"`
	MemberIDs []string `json:"memberIds"`
}

// RenameRequest is the request to rename a group conversation.
type RenameRequest struct {
	Name string `json:"name"`
}

// AddMembersRequest is the request to add members to a group.
type AddMembersRequest struct {
	UserIDs []string `json:"userIds"`
}

// FriendshipAccepted is the hand-off from the friend-request flow.
type FriendshipAccepted struct {
	RequesterID string `json:"requesterId"`
	AccepterID  string `json:"accepterId"`
}

// NormalizeGroupName trims and validates a group name.
func NormalizeGroupName(name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", apperr.Invalid(apperr.CodeInvalidName, "name is required")
	}
	if !utf8.ValidString(name) || utf8.RuneCountInString(name) > MaxGroupNameRunes {
		return "", apperr.Invalid(apperr.CodeInvalidName, "name must be valid UTF-8 and at most 256 characters")
	}
	return name, nil
}

// NormalizeMembers trims, drops empties and de-duplicates user ids, keeping
// the result sorted.
func NormalizeMembers(ids ...string) []string {
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id = strings.TrimSpace(id); id != "" {
			out = append(out, id)
		}
	}
	slices.Sort(out)
	return slices.Compact(out)
}

// PairKey is the order-independent key of a private conversation.
func PairKey(a, b string) string {
	if b < a {
		a, b = b, a
	}
	return a + "\x00" + b
}
