package service

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"github.com/capitalize-ai/chat-core/internal/model"
	"github.com/capitalize-ai/chat-core/internal/store"
	"github.com/capitalize-ai/chat-core/pkg/apperr"
	"github.com/capitalize-ai/chat-core/pkg/logger"
	"github.com/capitalize-ai/chat-core/pkg/metrics"
)

// FriendsGreeting is the system text placed in a conversation opened by an
// accepted friend request.
const FriendsGreeting = "You are now friends 🎉"

// FriendshipService receives accepted friend requests from the external
// friend-request flow.
type FriendshipService struct {
	store    store.Store
	notifier Notifier
	logger   *logger.Logger
}

// NewFriendshipService creates a new friendship hand-off service.
func NewFriendshipService(st store.Store, notifier Notifier, log *logger.Logger) *FriendshipService {
	return &FriendshipService{store: st, notifier: notifier, logger: log.Named("friendships")}
}

// Accepted opens (or reuses) the pair's private conversation and tells both
// users about it through directed delivery only, since neither has joined
// the conversation's channel yet.
func (s *FriendshipService) Accepted(ctx context.Context, ev model.FriendshipAccepted) (conv *model.Conversation, err error) {
	ctx, span := startSpan(ctx, "FriendshipService.Accepted")
	defer func() { endSpan(span, err) }()

	requester, accepter := strings.TrimSpace(ev.RequesterID), strings.TrimSpace(ev.AccepterID)
	if requester == "" || accepter == "" {
		return nil, apperr.Invalid(apperr.CodeMissingFields, "requesterId and accepterId are required")
	}
	if requester == accepter {
		return nil, apperr.Invalid(apperr.CodeInvalidArgument, "cannot befriend yourself")
	}

	conv, created, err := s.store.CreateOrGetPrivate(ctx, requester, accepter)
	if err != nil {
		return nil, translate(err, "conversation not found")
	}

	if created {
		metrics.ConversationsTotal.WithLabelValues(string(model.KindPrivate)).Inc()
		greeting := &model.Message{
			ConversationID: conv.ID,
			SenderID:       accepter,
			Content:        model.TextContent{Text: FriendsGreeting},
		}
		if _, err := s.store.AppendMessage(ctx, greeting); err != nil {
			return nil, translate(err, "conversation not found")
		}
		metrics.MessagesTotal.WithLabelValues(string(model.TypeText)).Inc()
	} else if _, err := s.store.TouchConversation(ctx, conv.ID); err != nil {
		return nil, translate(err, "conversation not found")
	}

	if conv, err = s.store.GetConversation(ctx, conv.ID); err != nil {
		return nil, translate(err, "conversation not found")
	}

	notifyAll(ctx, s.notifier, s.logger, []string{requester, accepter}, model.EventConversationNew,
		model.ConversationEvent{ConversationID: conv.ID, Conversation: conv})

	s.logger.Info("friendship conversation ready",
		zap.String("conversation_id", conv.ID),
		zap.Bool("created", created),
	)
	return conv, nil
}
