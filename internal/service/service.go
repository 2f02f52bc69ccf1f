// Package service provides business logic for the chat core.
package service

import (
	"context"
	"errors"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/capitalize-ai/chat-core/internal/store"
	"github.com/capitalize-ai/chat-core/pkg/apperr"
	"github.com/capitalize-ai/chat-core/pkg/logger"
	"github.com/capitalize-ai/chat-core/pkg/tracing"
)

// Broadcaster fans events out on conversation channels.
type Broadcaster interface {
	Broadcast(ctx context.Context, conversationID, event string, payload any, excludeSessionID string) error
	Evict(ctx context.Context, conversationID, userID string) error
	CloseChannel(ctx context.Context, conversationID string) error
}

// Notifier delivers events to every session of a user.
type Notifier interface {
	SendToUser(ctx context.Context, userID, event string, payload any) error
}

// PresenceReader answers whether a user is online.
type PresenceReader interface {
	IsOnline(userID string) bool
}

// Journal records domain events for downstream consumers.
type Journal interface {
	Record(ctx context.Context, conversationID, event string, payload any) error
}

// Journal event names.
const (
	JournalConversationCreated = "conversation.created"
	JournalConversationDeleted = "conversation.deleted"
	JournalMembersChanged      = "conversation.members"
	JournalMessageCreated      = "message.created"
	JournalMessageRecalled     = "message.recalled"
)

type nopJournal struct{}

func (nopJournal) Record(context.Context, string, string, any) error { return nil }

var tracer = tracing.Tracer("github.com/capitalize-ai/chat-core/internal/service")

func startSpan(ctx context.Context, name string) (context.Context, trace.Span) {
	return tracer.Start(ctx, name)
}

// endSpan records err on span and ends it.
func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// translate maps store sentinels onto the error taxonomy.
func translate(err error, notFound string) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, store.ErrNotFound):
		return apperr.NotFound(notFound)
	case errors.Is(err, store.ErrNotMember):
		return apperr.NotFound("member not found")
	case errors.Is(err, store.ErrNotSender):
		return apperr.Forbidden(apperr.CodeNotSender, "only the sender can recall a message")
	case errors.Is(err, store.ErrNotGroup):
		return apperr.Invalid(apperr.CodeNotGroup, "only group conversations support this operation")
	case errors.Is(err, store.ErrOwnerImmutable):
		return apperr.Invalid(apperr.CodeCannotRemoveOwner, "the owner cannot be removed")
	case errors.Is(err, store.ErrInvalidCursor):
		return apperr.Invalid(apperr.CodeInvalidArgument, "invalid cursor")
	}
	var appErr *apperr.Error
	if errors.As(err, &appErr) {
		return appErr
	}
	return apperr.Internal(err)
}

// notifyAll sends one directed event to each user. Failures are logged; the
// mutation that triggered them has already committed.
func notifyAll(ctx context.Context, n Notifier, log *logger.Logger, userIDs []string, event string, payload any) {
	for _, userID := range userIDs {
		if err := n.SendToUser(ctx, userID, event, payload); err != nil {
			log.Warn("failed to notify user",
				zap.String("user_id", userID),
				zap.String("event", event),
				zap.Error(err),
			)
		}
	}
}

func without(ids []string, drop ...string) []string {
	out := make([]string, 0, len(ids))
outer:
	for _, id := range ids {
		for _, d := range drop {
			if id == d {
				continue outer
			}
		}
		out = append(out, id)
	}
	return out
}
