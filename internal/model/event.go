package model

import (
	"time"
)

// Event names pushed to clients.
const (
	EventUserStatus          = "user:status"
	EventMessageNew          = "message:new"
	EventMessageRecalled     = "message:recalled"
	EventTyping              = "typing"
	EventConversationNew     = "conversation:new"
	EventConversationRenamed = "conversation:renamed"
	EventMembersUpdated      = "conversation:membersUpdated"
	EventAddedToGroup        = "conversation:addedToGroup"
	EventRemovedFromGroup    = "conversation:removedFromGroup"
	EventConversationUpdate  = "conversation:update"
	EventConversationDeleted = "conversation:deleted"
	EventHeartbeat           = "heartbeat"
)

// UserStatusEvent is a presence transition.
type UserStatusEvent struct {
	UserID string `json:"userId"`
	Online bool   `json:"online"`
}

// MessageNewEvent carries a freshly appended message.
type MessageNewEvent struct {
	Message Message `json:"message"`
}

// MessageRecalledEvent announces a tombstone.
type MessageRecalledEvent struct {
	MessageID      string    `json:"messageId"`
	ConversationID string    `json:"conversationId"`
	RecalledAt     time.Time `json:"recalledAt"`
}

// TypingEvent is the ephemeral typing indicator.
type TypingEvent struct {
	ConversationID string `json:"conversationId"`
	UserID         string `json:"userId"`
	IsTyping       bool   `json:"isTyping"`
}

// ConversationEvent carries a full conversation to a user.
type ConversationEvent struct {
	ConversationID string        `json:"conversationId"`
	Conversation   *Conversation `json:"conversation"`
}

// ConversationRenamedEvent announces a new group name.
type ConversationRenamedEvent struct {
	ConversationID string `json:"conversationId"`
	Name           string `json:"name"`
}

// MembersUpdatedEvent carries the current member list.
type MembersUpdatedEvent struct {
	ConversationID string   `json:"conversationId"`
	Members        []string `json:"members"`
}

// ConversationRefEvent names a conversation only.
type ConversationRefEvent struct {
	ConversationID string `json:"conversationId"`
}

// ConversationUpdateEvent lets sidebars reorder after a new message.
type ConversationUpdateEvent struct {
	ConversationID string    `json:"conversationId"`
	LastMessage    *Message  `json:"lastMessage"`
	UpdatedAt      time.Time `json:"updatedAt"`
}

// HeartbeatEvent represents a heartbeat event.
type HeartbeatEvent struct {
	Timestamp time.Time `json:"timestamp"`
}
