// Package pubsub is the publish/subscribe primitive under channel and
// directed delivery.
package pubsub

import (
	"context"
	"errors"
)

// Topic names.
const (
	// PresenceTopic carries user online/offline transitions.
	PresenceTopic = "presence"
)

// ConversationTopic is the channel topic for one conversation.
func ConversationTopic(conversationID string) string {
	return "conv." + conversationID
}

// UserTopic is the directed topic for every session of one user.
func UserTopic(userID string) string {
	return "user." + userID
}

// ErrClosed is returned after the bus has been closed.
var ErrClosed = errors.New("pubsub: bus closed")

// Handler receives a published payload. Handlers must not block.
type Handler func(topic string, payload []byte)

// Subscription is a handle returned by Subscribe.
type Subscription interface {
	Unsubscribe() error
}

// Bus delivers payloads published on a topic to every handler subscribed to
// it. Publishing to a topic with no subscribers is a silent no-op.
type Bus interface {
	Subscribe(topic string, handler Handler) (Subscription, error)
	Publish(ctx context.Context, topic string, payload []byte) error
	Close() error
}
