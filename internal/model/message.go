package model

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/capitalize-ai/chat-core/pkg/apperr"
)

// MessageType is the discriminator of message content.
type MessageType string

const (
	TypeText  MessageType = "text"
	TypeImage MessageType = "image"
	TypeEmoji MessageType = "emoji"
)

// MaxTextBytes bounds the size of a text message.
const MaxTextBytes = 100000

// Content is the payload of a message. Exactly one of TextContent,
// ImageContent or EmojiContent.
type Content interface {
	Type() MessageType
	// Body is the single payload field for the content's type.
	Body() string
	sealed()
}

// TextContent is a plain text message.
type TextContent struct{ Text string }

// ImageContent references an uploaded image by path or URL.
type ImageContent struct{ Image string }

// EmojiContent carries a single emoji code.
type EmojiContent struct{ Emoji string }

func (TextContent) Type() MessageType  { return TypeText }
func (ImageContent) Type() MessageType { return TypeImage }
func (EmojiContent) Type() MessageType { return TypeEmoji }

func (c TextContent) Body() string  { return c.Text }
func (c ImageContent) Body() string { return c.Image }
func (c EmojiContent) Body() string { return c.Emoji }

func (TextContent) sealed()  {}
func (ImageContent) sealed() {}
func (EmojiContent) sealed() {}

// NewContent builds validated content from a request. Only the field
// matching typ is read.
func NewContent(typ MessageType, text, image, emoji string) (Content, error) {
	switch typ {
	case TypeText:
		text = strings.TrimSpace(text)
		if text == "" {
			return nil, apperr.Invalid(apperr.CodeEmptyText, "text is required")
		}
		if len(text) > MaxTextBytes || !utf8.ValidString(text) {
			return nil, apperr.Invalid(apperr.CodeInvalidArgument, "text must be valid UTF-8 and at most 100000 bytes")
		}
		return TextContent{Text: text}, nil
	case TypeImage:
		image = strings.TrimSpace(image)
		if image == "" {
			return nil, apperr.Invalid(apperr.CodeNoImage, "image is required")
		}
		return ImageContent{Image: image}, nil
	case TypeEmoji:
		emoji = strings.TrimSpace(emoji)
		if emoji == "" {
			return nil, apperr.Invalid(apperr.CodeNoEmoji, "emoji is required")
		}
		return EmojiContent{Emoji: emoji}, nil
	case "":
		return nil, apperr.Invalid(apperr.CodeMissingFields, "type is required")
	default:
		return nil, apperr.Invalid(apperr.CodeInvalidType, fmt.Sprintf("unsupported message type %q", typ))
	}
}

// ContentFromStored rebuilds content from its persisted type and body.
func ContentFromStored(typ MessageType, body string) (Content, error) {
	switch typ {
	case TypeText:
		return TextContent{Text: body}, nil
	case TypeImage:
		return ImageContent{Image: body}, nil
	case TypeEmoji:
		return EmojiContent{Emoji: body}, nil
	default:
		return nil, fmt.Errorf("unknown stored message type %q", typ)
	}
}

// Message is one chat message. Messages are never physically removed:
// recall sets RecalledAt once and per-viewer deletes are kept by the store.
type Message struct {
	ID             string
	ConversationID string
	SenderID       string
	Content        Content
	Meta           json.RawMessage
	CreatedAt      time.Time
	RecalledAt     *time.Time
}

// Recalled reports whether the message has been tombstoned.
func (m *Message) Recalled() bool {
	return m.RecalledAt != nil
}

type messageJSON struct {
	ID             string          `json:"id"`
	ConversationID string          `json:"conversationId"`
	SenderID       string          `json:"senderId"`
	Type           MessageType     `json:"type"`
	Text           string          `json:"text,omitempty"`
	Image          string          `json:"image,omitempty"`
	Emoji          string          `json:"emoji,omitempty"`
	Meta           json.RawMessage `json:"meta,omitempty"`
	CreatedAt      time.Time       `json:"createdAt"`
	RecalledAt     *time.Time      `json:"recalledAt,omitempty"`
}

// MarshalJSON renders the content variant as its single payload field.
// Recalled messages render without payload or meta.
func (m Message) MarshalJSON() ([]byte, error) {
	out := messageJSON{
		ID:             m.ID,
		ConversationID: m.ConversationID,
		SenderID:       m.SenderID,
		CreatedAt:      m.CreatedAt,
		RecalledAt:     m.RecalledAt,
	}
	if m.Content != nil {
		out.Type = m.Content.Type()
	}
	if m.RecalledAt == nil {
		out.Meta = m.Meta
		switch c := m.Content.(type) {
		case TextContent:
			out.Text = c.Text
		case ImageContent:
			out.Image = c.Image
		case EmojiContent:
			out.Emoji = c.Emoji
		case nil:
		default:
			return nil, fmt.Errorf("unknown content %T", c)
		}
	}
	return json.Marshal(out)
}

// UnmarshalJSON is the inverse of MarshalJSON.
func (m *Message) UnmarshalJSON(data []byte) error {
	var in messageJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	*m = Message{
		ID:             in.ID,
		ConversationID: in.ConversationID,
		SenderID:       in.SenderID,
		Meta:           in.Meta,
		CreatedAt:      in.CreatedAt,
		RecalledAt:     in.RecalledAt,
	}
	switch in.Type {
	case TypeText:
		m.Content = TextContent{Text: in.Text}
	case TypeImage:
		m.Content = ImageContent{Image: in.Image}
	case TypeEmoji:
		m.Content = EmojiContent{Emoji: in.Emoji}
	case "":
	default:
		return fmt.Errorf("unknown message type %q", in.Type)
	}
	return nil
}

// SendMessageRequest is the request to send a new message.
type SendMessageRequest struct {
	ConversationID string          `json:"conversationId"`
	Type           MessageType     `json:"type"`
	Text           string          `json:"text,omitempty"`
	Image          string          `json:"image,omitempty"`
	Emoji          string          `json:"emoji,omitempty"`
	Meta           json.RawMessage `json:"meta,omitempty"`
}

// MessagePage is one newest-first page of history.
type MessagePage struct {
	Items      []Message `json:"items"`
	NextBefore string    `json:"nextBefore,omitempty"`
	HasMore    bool      `json:"hasMore"`
}
