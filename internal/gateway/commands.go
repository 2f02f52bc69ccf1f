package gateway

import (
	"context"
	"encoding/json"
	"strings"

	"go.uber.org/zap"

	"github.com/capitalize-ai/chat-core/internal/model"
	"github.com/capitalize-ai/chat-core/internal/realtime"
	"github.com/capitalize-ai/chat-core/pkg/apperr"
)

// Client commands.
const (
	CmdJoin      = "conversation:join"
	CmdJoinMany  = "conversations:join"
	CmdLeave     = "conversation:leave"
	CmdSend      = "message:send"
	CmdRecall    = "message:recall"
	CmdHistory   = "message:history"
	CmdTypingOn  = "typing:start"
	CmdTypingOff = "typing:stop"
	CmdWhoOnline = "user:whoOnline"
)

type conversationRef struct {
	ConversationID string `json:"conversationId"`
}

type joinManyRequest struct {
	ConversationIDs []string `json:"conversationIds"`
}

type joinManyResult struct {
	Joined   []string `json:"joined"`
	Rejected []string `json:"rejected"`
}

type messageRef struct {
	MessageID string `json:"messageId"`
}

type historyRequest struct {
	ConversationID string `json:"conversationId"`
	Before         string `json:"before"`
	Limit          int    `json:"limit"`
}

type sendResult struct {
	Message *model.Message `json:"message"`
}

type onlineResult struct {
	Users []string `json:"users"`
}

// dispatch runs one command and returns its ack result.
func (c *client) dispatch(ctx context.Context, frame realtime.Frame) (any, error) {
	switch frame.Type {
	case CmdJoin:
		var req conversationRef
		if err := decodePayload(frame.Payload, &req); err != nil {
			return nil, err
		}
		if err := c.join(ctx, req.ConversationID); err != nil {
			return nil, err
		}
		return req, nil

	case CmdJoinMany:
		var req joinManyRequest
		if err := decodePayload(frame.Payload, &req); err != nil {
			return nil, err
		}
		if len(req.ConversationIDs) == 0 {
			return nil, apperr.Invalid(apperr.CodeMissingFields, "conversationIds is required")
		}
		res := joinManyResult{Joined: []string{}, Rejected: []string{}}
		for _, id := range model.NormalizeMembers(req.ConversationIDs...) {
			if err := c.join(ctx, id); err != nil {
				res.Rejected = append(res.Rejected, id)
				continue
			}
			res.Joined = append(res.Joined, id)
		}
		return res, nil

	case CmdLeave:
		var req conversationRef
		if err := decodePayload(frame.Payload, &req); err != nil {
			return nil, err
		}
		if strings.TrimSpace(req.ConversationID) == "" {
			return nil, apperr.Invalid(apperr.CodeMissingFields, "conversationId is required")
		}
		c.gw.channels.Leave(c, req.ConversationID)
		c.forget(req.ConversationID)
		return req, nil

	case CmdSend:
		var req model.SendMessageRequest
		if err := decodePayload(frame.Payload, &req); err != nil {
			return nil, err
		}
		msg, err := c.gw.messages.Send(ctx, c.userID, c.id, &req)
		if err != nil {
			return nil, err
		}
		return sendResult{Message: msg}, nil

	case CmdRecall:
		var req messageRef
		if err := decodePayload(frame.Payload, &req); err != nil {
			return nil, err
		}
		return c.gw.messages.Recall(ctx, c.userID, req.MessageID)

	case CmdHistory:
		var req historyRequest
		if err := decodePayload(frame.Payload, &req); err != nil {
			return nil, err
		}
		return c.gw.messages.History(ctx, c.userID, req.ConversationID, req.Before, req.Limit)

	case CmdTypingOn, CmdTypingOff:
		var req conversationRef
		if err := decodePayload(frame.Payload, &req); err != nil {
			return nil, err
		}
		c.typing(ctx, req.ConversationID, frame.Type == CmdTypingOn)
		return nil, nil

	case CmdWhoOnline:
		return onlineResult{Users: c.gw.presence.OnlineUsers()}, nil

	default:
		return nil, apperr.Invalid(apperr.CodeUnknownCommand, "unknown command "+frame.Type)
	}
}

// join subscribes this connection to a conversation it belongs to.
func (c *client) join(ctx context.Context, conversationID string) error {
	conversationID = strings.TrimSpace(conversationID)
	if err := c.gw.messages.RequireMember(ctx, c.userID, conversationID); err != nil {
		return err
	}
	// Recorded first so an eviction racing the join is not lost.
	c.remember(conversationID)
	if err := c.gw.channels.Join(c, conversationID); err != nil {
		c.forget(conversationID)
		return apperr.Internal(err)
	}
	return nil
}

// typing relays the indicator to the rest of the channel. It is dropped
// unless this connection has joined the conversation.
func (c *client) typing(ctx context.Context, conversationID string, on bool) {
	if conversationID == "" || !c.gw.channels.Joined(c, conversationID) {
		return
	}
	ev := model.TypingEvent{ConversationID: conversationID, UserID: c.userID, IsTyping: on}
	if err := c.gw.channels.Broadcast(ctx, conversationID, model.EventTyping, ev, c.id); err != nil {
		c.logger.Debug("failed to relay typing", zap.String("conversation_id", conversationID), zap.Error(err))
	}
}

func decodePayload(raw json.RawMessage, v any) error {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return apperr.Invalid(apperr.CodeInvalidArgument, "malformed payload")
	}
	return nil
}
