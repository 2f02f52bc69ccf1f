package service

import (
	"context"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/capitalize-ai/chat-core/internal/model"
	"github.com/capitalize-ai/chat-core/internal/store"
	"github.com/capitalize-ai/chat-core/pkg/apperr"
	"github.com/capitalize-ai/chat-core/pkg/logger"
	"github.com/capitalize-ai/chat-core/pkg/metrics"
)

// ConversationOptions tunes conversation policy.
type ConversationOptions struct {
	// AllowMemberRename lets any group member rename the group. By default
	// only the owner may.
	AllowMemberRename bool
}

// ConversationService handles conversation operations.
type ConversationService struct {
	store    store.Store
	router   Broadcaster
	notifier Notifier
	presence PresenceReader
	journal  Journal
	logger   *logger.Logger
	opts     ConversationOptions
}

// NewConversationService creates a new conversation service. journal may be nil.
func NewConversationService(
	st store.Store,
	router Broadcaster,
	notifier Notifier,
	presence PresenceReader,
	journal Journal,
	log *logger.Logger,
	opts ConversationOptions,
) *ConversationService {
	if journal == nil {
		journal = nopJournal{}
	}
	return &ConversationService{
		store:    st,
		router:   router,
		notifier: notifier,
		presence: presence,
		journal:  journal,
		logger:   log.Named("conversations"),
		opts:     opts,
	}
}

// CreatePrivate returns the private conversation between caller and other,
// creating it and notifying both users when it did not exist.
func (s *ConversationService) CreatePrivate(ctx context.Context, callerID, otherUserID string) (conv *model.Conversation, created bool, err error) {
	ctx, span := startSpan(ctx, "ConversationService.CreatePrivate")
	defer func() { endSpan(span, err) }()

	otherUserID = strings.TrimSpace(otherUserID)
	if otherUserID == "" {
		return nil, false, apperr.Invalid(apperr.CodeMissingFields, "otherUserId is required")
	}
	if otherUserID == callerID {
		return nil, false, apperr.Invalid(apperr.CodeInvalidArgument, "cannot open a private conversation with yourself")
	}

	conv, created, err = s.store.CreateOrGetPrivate(ctx, callerID, otherUserID)
	if err != nil {
		return nil, false, translate(err, "conversation not found")
	}
	span.SetAttributes(attribute.String("conversation.id", conv.ID), attribute.Bool("conversation.created", created))

	if created {
		metrics.ConversationsTotal.WithLabelValues(string(model.KindPrivate)).Inc()
		s.record(ctx, conv.ID, JournalConversationCreated, conv)
		notifyAll(ctx, s.notifier, s.logger, conv.Members, model.EventConversationNew,
			model.ConversationEvent{ConversationID: conv.ID, Conversation: conv})
	}
	return conv, created, nil
}

// CreateGroup creates a group owned by the caller and notifies its members.
func (s *ConversationService) CreateGroup(ctx context.Context, callerID, name string, memberIDs []string) (conv *model.Conversation, err error) {
	ctx, span := startSpan(ctx, "ConversationService.CreateGroup")
	defer func() { endSpan(span, err) }()

	name, err = model.NormalizeGroupName(name)
	if err != nil {
		return nil, err
	}

	conv, err = s.store.CreateGroup(ctx, callerID, name, memberIDs)
	if err != nil {
		return nil, translate(err, "conversation not found")
	}
	span.SetAttributes(attribute.String("conversation.id", conv.ID), attribute.Int("conversation.members", len(conv.Members)))

	metrics.ConversationsTotal.WithLabelValues(string(model.KindGroup)).Inc()
	s.record(ctx, conv.ID, JournalConversationCreated, conv)
	notifyAll(ctx, s.notifier, s.logger, conv.Members, model.EventConversationNew,
		model.ConversationEvent{ConversationID: conv.ID, Conversation: conv})

	s.logger.Info("group created",
		zap.String("conversation_id", conv.ID),
		zap.String("user_id", callerID),
		zap.Int("members", len(conv.Members)),
	)
	return conv, nil
}

// List returns one page of the caller's conversations.
func (s *ConversationService) List(ctx context.Context, callerID, cursor string, limit int) (*model.ConversationPage, error) {
	page, err := s.store.ListConversations(ctx, callerID, cursor, limit)
	if err != nil {
		return nil, translate(err, "conversation not found")
	}
	return page, nil
}

// Get returns a conversation the caller belongs to with member presence.
func (s *ConversationService) Get(ctx context.Context, callerID, conversationID string) (*model.ConversationDetail, error) {
	conv, err := s.loadForMember(ctx, callerID, conversationID)
	if err != nil {
		return nil, err
	}
	detail := &model.ConversationDetail{Conversation: *conv, Presence: make([]model.MemberPresence, 0, len(conv.Members))}
	for _, id := range conv.Members {
		detail.Presence = append(detail.Presence, model.MemberPresence{UserID: id, Online: s.presence.IsOnline(id)})
	}
	return detail, nil
}

// Rename sets a new group name and notifies every member.
func (s *ConversationService) Rename(ctx context.Context, callerID, conversationID, name string) (conv *model.Conversation, err error) {
	ctx, span := startSpan(ctx, "ConversationService.Rename")
	defer func() { endSpan(span, err) }()

	conv, err = s.loadForMember(ctx, callerID, conversationID)
	if err != nil {
		return nil, err
	}
	if !conv.IsGroup() {
		return nil, apperr.Invalid(apperr.CodeNotGroup, "only group conversations can be renamed")
	}
	if !s.opts.AllowMemberRename && conv.OwnerID != callerID {
		return nil, apperr.Forbidden(apperr.CodeNotOwner, "only the owner can rename the group")
	}
	name, err = model.NormalizeGroupName(name)
	if err != nil {
		return nil, err
	}

	conv, err = s.store.RenameGroup(ctx, conversationID, name)
	if err != nil {
		return nil, translate(err, "conversation not found")
	}
	notifyAll(ctx, s.notifier, s.logger, conv.Members, model.EventConversationRenamed,
		model.ConversationRenamedEvent{ConversationID: conv.ID, Name: conv.Name})
	return conv, nil
}

// AddMembers adds users to a group. New members get the conversation;
// existing members get the updated member list.
func (s *ConversationService) AddMembers(ctx context.Context, callerID, conversationID string, userIDs []string) (conv *model.Conversation, err error) {
	ctx, span := startSpan(ctx, "ConversationService.AddMembers")
	defer func() { endSpan(span, err) }()

	userIDs = model.NormalizeMembers(userIDs...)
	if len(userIDs) == 0 {
		return nil, apperr.Invalid(apperr.CodeMissingFields, "userIds is required")
	}
	if _, err = s.loadForOwner(ctx, callerID, conversationID); err != nil {
		return nil, err
	}

	added, conv, err := s.store.AddMembers(ctx, conversationID, userIDs)
	if err != nil {
		return nil, translate(err, "conversation not found")
	}
	if len(added) == 0 {
		return conv, nil
	}

	s.record(ctx, conv.ID, JournalMembersChanged, model.MembersUpdatedEvent{ConversationID: conv.ID, Members: conv.Members})
	notifyAll(ctx, s.notifier, s.logger, added, model.EventAddedToGroup,
		model.ConversationEvent{ConversationID: conv.ID, Conversation: conv})
	notifyAll(ctx, s.notifier, s.logger, without(conv.Members, added...), model.EventMembersUpdated,
		model.MembersUpdatedEvent{ConversationID: conv.ID, Members: conv.Members})
	return conv, nil
}

// RemoveMember removes a member from a group. Only the owner may do so and
// the owner cannot be removed.
func (s *ConversationService) RemoveMember(ctx context.Context, callerID, conversationID, userID string) (conv *model.Conversation, err error) {
	ctx, span := startSpan(ctx, "ConversationService.RemoveMember")
	defer func() { endSpan(span, err) }()

	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, apperr.Invalid(apperr.CodeMissingFields, "userId is required")
	}
	current, err := s.loadForOwner(ctx, callerID, conversationID)
	if err != nil {
		return nil, err
	}
	if userID == current.OwnerID {
		return nil, apperr.Invalid(apperr.CodeCannotRemoveOwner, "the owner cannot be removed")
	}

	conv, err = s.store.RemoveMember(ctx, conversationID, userID)
	if err != nil {
		return nil, translate(err, "conversation not found")
	}
	s.afterDeparture(ctx, conv, userID)
	return conv, nil
}

// Leave removes the caller from a group. The owner must delete the group
// instead.
func (s *ConversationService) Leave(ctx context.Context, callerID, conversationID string) (err error) {
	ctx, span := startSpan(ctx, "ConversationService.Leave")
	defer func() { endSpan(span, err) }()

	current, err := s.loadForMember(ctx, callerID, conversationID)
	if err != nil {
		return err
	}
	if !current.IsGroup() {
		return apperr.Invalid(apperr.CodeNotGroup, "only group conversations can be left")
	}
	if current.OwnerID == callerID {
		return apperr.Invalid(apperr.CodeOwnerCannotLeave, "the owner cannot leave; delete the group instead")
	}

	conv, err := s.store.RemoveMember(ctx, conversationID, callerID)
	if err != nil {
		return translate(err, "conversation not found")
	}
	s.afterDeparture(ctx, conv, callerID)
	return nil
}

// Delete removes a group. Private conversations cannot be deleted.
func (s *ConversationService) Delete(ctx context.Context, callerID, conversationID string) (err error) {
	ctx, span := startSpan(ctx, "ConversationService.Delete")
	defer func() { endSpan(span, err) }()

	conv, err := s.loadForMember(ctx, callerID, conversationID)
	if err != nil {
		return err
	}
	if !conv.IsGroup() {
		return apperr.Invalid(apperr.CodePrivateNotDeletable, "private conversations cannot be deleted")
	}
	if conv.OwnerID != callerID {
		return apperr.Forbidden(apperr.CodeNotOwner, "only the owner can delete the group")
	}

	members, err := s.store.DeleteGroup(ctx, conversationID)
	if err != nil {
		return translate(err, "conversation not found")
	}
	s.record(ctx, conversationID, JournalConversationDeleted, model.ConversationRefEvent{ConversationID: conversationID})
	notifyAll(ctx, s.notifier, s.logger, members, model.EventConversationDeleted,
		model.ConversationRefEvent{ConversationID: conversationID})
	if err := s.router.CloseChannel(ctx, conversationID); err != nil {
		s.logger.Warn("failed to close channel", zap.String("conversation_id", conversationID), zap.Error(err))
	}
	return nil
}

// afterDeparture tells the departed user and the remaining members, then
// drops the departed user's sessions from the channel.
func (s *ConversationService) afterDeparture(ctx context.Context, conv *model.Conversation, departed string) {
	s.record(ctx, conv.ID, JournalMembersChanged, model.MembersUpdatedEvent{ConversationID: conv.ID, Members: conv.Members})
	notifyAll(ctx, s.notifier, s.logger, []string{departed}, model.EventRemovedFromGroup,
		model.ConversationRefEvent{ConversationID: conv.ID})
	notifyAll(ctx, s.notifier, s.logger, conv.Members, model.EventMembersUpdated,
		model.MembersUpdatedEvent{ConversationID: conv.ID, Members: conv.Members})
	if err := s.router.Evict(ctx, conv.ID, departed); err != nil {
		s.logger.Warn("failed to evict departed member",
			zap.String("conversation_id", conv.ID),
			zap.String("user_id", departed),
			zap.Error(err),
		)
	}
}

func (s *ConversationService) loadForMember(ctx context.Context, callerID, conversationID string) (*model.Conversation, error) {
	if strings.TrimSpace(conversationID) == "" {
		return nil, apperr.Invalid(apperr.CodeMissingFields, "conversationId is required")
	}
	conv, err := s.store.GetConversation(ctx, conversationID)
	if err != nil {
		return nil, translate(err, "conversation not found")
	}
	if !conv.HasMember(callerID) {
		return nil, apperr.Forbidden(apperr.CodeNotMember, "not a member of this conversation")
	}
	return conv, nil
}

func (s *ConversationService) loadForOwner(ctx context.Context, callerID, conversationID string) (*model.Conversation, error) {
	conv, err := s.loadForMember(ctx, callerID, conversationID)
	if err != nil {
		return nil, err
	}
	if !conv.IsGroup() {
		return nil, apperr.Invalid(apperr.CodeNotGroup, "only group conversations have members to manage")
	}
	if conv.OwnerID != callerID {
		return nil, apperr.Forbidden(apperr.CodeNotOwner, "only the owner can manage members")
	}
	return conv, nil
}

func (s *ConversationService) record(ctx context.Context, conversationID, event string, payload any) {
	if err := s.journal.Record(ctx, conversationID, event, payload); err != nil {
		metrics.JournalPublishErrors.Inc()
		s.logger.Warn("failed to record journal event",
			zap.String("conversation_id", conversationID),
			zap.String("event", event),
			zap.Error(err),
		)
	}
}
