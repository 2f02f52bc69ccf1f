package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/capitalize-ai/chat-core/internal/model"
	"github.com/capitalize-ai/chat-core/internal/store"
	"github.com/capitalize-ai/chat-core/pkg/apperr"
	"github.com/capitalize-ai/chat-core/pkg/logger"
	"github.com/capitalize-ai/chat-core/pkg/metrics"
)

// MessageService handles message operations.
type MessageService struct {
	store    store.Store
	router   Broadcaster
	notifier Notifier
	journal  Journal
	logger   *logger.Logger
	now      func() time.Time
}

// NewMessageService creates a new message service. journal may be nil.
func NewMessageService(st store.Store, router Broadcaster, notifier Notifier, journal Journal, log *logger.Logger) *MessageService {
	if journal == nil {
		journal = nopJournal{}
	}
	return &MessageService{
		store:    st,
		router:   router,
		notifier: notifier,
		journal:  journal,
		logger:   log.Named("messages"),
		now:      time.Now,
	}
}

// Send validates and stores a message, then broadcasts message:new to the
// channel (skipping originSessionID) and conversation:update to every member.
// Nothing is broadcast unless the append succeeded.
func (s *MessageService) Send(ctx context.Context, callerID, originSessionID string, req *model.SendMessageRequest) (msg *model.Message, err error) {
	ctx, span := startSpan(ctx, "MessageService.Send")
	defer func() { endSpan(span, err) }()

	if req == nil || strings.TrimSpace(req.ConversationID) == "" || req.Type == "" {
		return nil, apperr.Invalid(apperr.CodeMissingFields, "conversationId and type are required")
	}
	span.SetAttributes(attribute.String("conversation.id", req.ConversationID), attribute.String("message.type", string(req.Type)))

	conv, err := s.store.GetConversation(ctx, req.ConversationID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, apperr.Internal(err)
	}
	if conv == nil || !conv.HasMember(callerID) {
		return nil, apperr.Forbidden(apperr.CodeNotMember, "not a member of this conversation")
	}

	content, err := model.NewContent(req.Type, req.Text, req.Image, req.Emoji)
	if err != nil {
		return nil, err
	}

	msg = &model.Message{
		ConversationID: conv.ID,
		SenderID:       callerID,
		Content:        content,
		Meta:           req.Meta,
	}
	updatedAt, err := s.store.AppendMessage(ctx, msg)
	if err != nil {
		s.logger.Error("failed to append message",
			zap.String("conversation_id", conv.ID),
			zap.String("user_id", callerID),
			zap.Error(err),
		)
		return nil, translate(err, "conversation not found")
	}
	metrics.MessagesTotal.WithLabelValues(string(content.Type())).Inc()

	if err := s.router.Broadcast(ctx, conv.ID, model.EventMessageNew, model.MessageNewEvent{Message: *msg}, originSessionID); err != nil {
		s.logger.Warn("failed to broadcast message", zap.String("conversation_id", conv.ID), zap.Error(err))
	}
	notifyAll(ctx, s.notifier, s.logger, conv.Members, model.EventConversationUpdate, model.ConversationUpdateEvent{
		ConversationID: conv.ID,
		LastMessage:    msg,
		UpdatedAt:      updatedAt,
	})
	s.record(ctx, conv.ID, JournalMessageCreated, msg)
	return msg, nil
}

// Recall tombstones a message. Only its sender may recall it; repeating a
// recall returns the original tombstone without broadcasting again.
func (s *MessageService) Recall(ctx context.Context, callerID, messageID string) (ev *model.MessageRecalledEvent, err error) {
	ctx, span := startSpan(ctx, "MessageService.Recall")
	defer func() { endSpan(span, err) }()

	if strings.TrimSpace(messageID) == "" {
		return nil, apperr.Invalid(apperr.CodeMissingFields, "messageId is required")
	}

	msg, changed, err := s.store.RecallMessage(ctx, messageID, callerID, s.now())
	if err != nil {
		return nil, translate(err, "message not found")
	}
	ev = &model.MessageRecalledEvent{
		MessageID:      msg.ID,
		ConversationID: msg.ConversationID,
		RecalledAt:     *msg.RecalledAt,
	}
	if !changed {
		return ev, nil
	}

	if err := s.router.Broadcast(ctx, msg.ConversationID, model.EventMessageRecalled, ev, ""); err != nil {
		s.logger.Warn("failed to broadcast recall", zap.String("conversation_id", msg.ConversationID), zap.Error(err))
	}
	s.record(ctx, msg.ConversationID, JournalMessageRecalled, ev)
	return ev, nil
}

// History returns a newest-first page of messages visible to the caller.
func (s *MessageService) History(ctx context.Context, callerID, conversationID, before string, limit int) (*model.MessagePage, error) {
	if strings.TrimSpace(conversationID) == "" {
		return nil, apperr.Invalid(apperr.CodeMissingFields, "conversationId is required")
	}
	if err := s.requireMember(ctx, callerID, conversationID); err != nil {
		return nil, err
	}
	page, err := s.store.History(ctx, conversationID, callerID, strings.TrimSpace(before), limit)
	if err != nil {
		return nil, translate(err, "conversation not found")
	}
	return page, nil
}

// DeleteForMe hides a message from the caller's own history.
func (s *MessageService) DeleteForMe(ctx context.Context, callerID, messageID string) error {
	if strings.TrimSpace(messageID) == "" {
		return apperr.Invalid(apperr.CodeMissingFields, "messageId is required")
	}
	msg, err := s.store.GetMessage(ctx, messageID)
	if err != nil {
		return translate(err, "message not found")
	}
	if err := s.requireMember(ctx, callerID, msg.ConversationID); err != nil {
		return err
	}
	if err := s.store.DeleteForViewer(ctx, messageID, callerID); err != nil {
		return translate(err, "message not found")
	}
	return nil
}

// RequireMember is the membership check used before joining a channel.
func (s *MessageService) RequireMember(ctx context.Context, callerID, conversationID string) error {
	if strings.TrimSpace(conversationID) == "" {
		return apperr.Invalid(apperr.CodeMissingFields, "conversationId is required")
	}
	return s.requireMember(ctx, callerID, conversationID)
}

func (s *MessageService) requireMember(ctx context.Context, callerID, conversationID string) error {
	ok, err := s.store.IsMember(ctx, conversationID, callerID)
	if err != nil {
		return apperr.Internal(err)
	}
	if !ok {
		return apperr.Forbidden(apperr.CodeNotMember, "not a member of this conversation")
	}
	return nil
}

func (s *MessageService) record(ctx context.Context, conversationID, event string, payload any) {
	if err := s.journal.Record(ctx, conversationID, event, payload); err != nil {
		metrics.JournalPublishErrors.Inc()
		s.logger.Warn("failed to record journal event",
			zap.String("conversation_id", conversationID),
			zap.String("event", event),
			zap.Error(err),
		)
	}
}
