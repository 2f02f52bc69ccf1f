package nats

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/capitalize-ai/chat-core/internal/model"
	"github.com/capitalize-ai/chat-core/pkg/apperr"
	"github.com/capitalize-ai/chat-core/pkg/logger"
)

// DefaultFriendshipSubject is where the friend-request flow announces
// accepted requests.
const DefaultFriendshipSubject = "chat.friendships.accepted"

// FriendshipQueue is the queue group shared by every chat node so each
// announcement is handled once.
const FriendshipQueue = "chat-core"

// FriendshipHandler handles one accepted friend request.
type FriendshipHandler interface {
	Accepted(ctx context.Context, ev model.FriendshipAccepted) (*model.Conversation, error)
}

// FriendshipReply is sent back when the announcement carries a reply subject.
type FriendshipReply struct {
	OK             bool        `json:"ok"`
	ConversationID string      `json:"conversationId,omitempty"`
	Error          apperr.Code `json:"error,omitempty"`
	Message        string      `json:"message,omitempty"`
}

// FriendshipConsumer feeds accepted friend requests into a handler.
type FriendshipConsumer struct {
	client  *Client
	subject string
	handler FriendshipHandler
	logger  *logger.Logger
	timeout time.Duration

	sub *nats.Subscription
}

// NewFriendshipConsumer creates a consumer. An empty subject selects
// DefaultFriendshipSubject.
func NewFriendshipConsumer(client *Client, subject string, handler FriendshipHandler, log *logger.Logger) *FriendshipConsumer {
	if subject == "" {
		subject = DefaultFriendshipSubject
	}
	return &FriendshipConsumer{
		client:  client,
		subject: subject,
		handler: handler,
		logger:  log.Named("friendships"),
		timeout: 10 * time.Second,
	}
}

// Start subscribes to the friendship subject.
func (c *FriendshipConsumer) Start() error {
	sub, err := c.client.Conn().QueueSubscribe(c.subject, FriendshipQueue, c.handle)
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", c.subject, err)
	}
	c.sub = sub
	c.logger.Info("listening for accepted friendships", zap.String("subject", c.subject))
	return nil
}

// Stop drains the subscription.
func (c *FriendshipConsumer) Stop() error {
	if c.sub == nil {
		return nil
	}
	return c.sub.Drain()
}

func (c *FriendshipConsumer) handle(msg *nats.Msg) {
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()

	reply := c.process(ctx, msg.Data)
	if msg.Reply == "" {
		return
	}
	data, _ := json.Marshal(reply)
	if err := msg.Respond(data); err != nil {
		c.logger.Warn("failed to reply to friendship announcement", zap.Error(err))
	}
}

func (c *FriendshipConsumer) process(ctx context.Context, data []byte) FriendshipReply {
	ev, err := decodeFriendship(data)
	if err == nil {
		var conv *model.Conversation
		if conv, err = c.handler.Accepted(ctx, ev); err == nil {
			return FriendshipReply{OK: true, ConversationID: conv.ID}
		}
	}
	appErr := apperr.From(err)
	c.logger.Warn("friendship announcement rejected",
		zap.String("code", string(appErr.Code)),
		zap.Error(err),
	)
	return FriendshipReply{Error: appErr.Code, Message: appErr.Message}
}

func decodeFriendship(data []byte) (model.FriendshipAccepted, error) {
	var ev model.FriendshipAccepted
	if err := json.Unmarshal(data, &ev); err != nil {
		return ev, apperr.Invalid(apperr.CodeInvalidArgument, "malformed friendship announcement")
	}
	return ev, nil
}
