package nats

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

const (
	// StreamName is the name of the chat journal stream.
	StreamName = "CHAT"

	// JournalSubjectPrefix is the prefix for all journal subjects.
	JournalSubjectPrefix = "chat.journal"

	// ConversationHeader carries the conversation id on journal entries.
	ConversationHeader = "Chat-Conversation-Id"
)

// JournalEntry is the body of one journal message.
type JournalEntry struct {
	ConversationID string          `json:"conversationId"`
	Event          string          `json:"event"`
	Payload        json.RawMessage `json:"payload"`
	RecordedAt     time.Time       `json:"recordedAt"`
}

// Journal appends domain events to a JetStream stream for downstream
// consumers such as search indexing and analytics.
type Journal struct {
	client *Client
	now    func() time.Time
}

// NewJournal creates a new journal.
func NewJournal(client *Client) *Journal {
	return &Journal{client: client, now: time.Now}
}

// EnsureStream ensures the journal stream exists with proper configuration.
func (j *Journal) EnsureStream(ctx context.Context) error {
	js := j.client.JetStream()

	// Check if stream exists
	_, err := js.Stream(ctx, StreamName)
	if err == nil {
		return nil
	}

	_, err = js.CreateStream(ctx, jetstream.StreamConfig{
		Name:        StreamName,
		Subjects:    []string{JournalSubjectPrefix + ".>"},
		Retention:   jetstream.LimitsPolicy,
		MaxAge:      30 * 24 * time.Hour,
		MaxBytes:    10 * 1024 * 1024 * 1024,
		Storage:     jetstream.FileStorage,
		Replicas:    1,
		Compression: jetstream.S2Compression,
		Duplicates:  2 * time.Minute,
		Description: "Chat conversation and message events",
	})
	if err != nil {
		return fmt.Errorf("failed to create stream: %w", err)
	}

	return nil
}

// JournalSubject returns the subject for a journal event.
func JournalSubject(event string) string {
	return fmt.Sprintf("%s.%s", JournalSubjectPrefix, event)
}

// Record publishes one event and waits for the stream to acknowledge it.
func (j *Journal) Record(ctx context.Context, conversationID, event string, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal %s payload: %w", event, err)
	}
	data, err := json.Marshal(JournalEntry{
		ConversationID: conversationID,
		Event:          event,
		Payload:        raw,
		RecordedAt:     j.now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("failed to marshal journal entry: %w", err)
	}

	msg := nats.NewMsg(JournalSubject(event))
	msg.Data = data
	msg.Header.Set(ConversationHeader, conversationID)

	if _, err := j.client.JetStream().PublishMsg(ctx, msg); err != nil {
		return fmt.Errorf("failed to publish %s: %w", event, err)
	}
	return nil
}
