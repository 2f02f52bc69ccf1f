package nats

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"
	"sync"

	"github.com/nats-io/nats.go"

	"github.com/capitalize-ai/chat-core/internal/pubsub"
)

// BusSubjectPrefix namespaces realtime traffic between nodes.
const BusSubjectPrefix = "chat.rt"

// Bus is a pubsub.Bus over core NATS. Every node subscribes to the topics
// its local sessions need and publishes through the server, so a publish
// reaches local and remote subscribers by the same path.
type Bus struct {
	conn *nats.Conn

	mu     sync.Mutex
	subs   map[*nats.Subscription]struct{}
	closed bool
}

// NewBus creates a bus on an established client connection.
func NewBus(client *Client) *Bus {
	return &Bus{conn: client.Conn(), subs: make(map[*nats.Subscription]struct{})}
}

// BusSubject maps a topic onto a NATS subject. Topics carry user and
// conversation ids that may contain subject separators, so the topic is
// encoded into a single token.
func BusSubject(topic string) string {
	return BusSubjectPrefix + "." + base64.RawURLEncoding.EncodeToString([]byte(topic))
}

// TopicFromSubject reverses BusSubject.
func TopicFromSubject(subject string) (string, error) {
	token, ok := strings.CutPrefix(subject, BusSubjectPrefix+".")
	if !ok {
		return "", fmt.Errorf("subject %q is outside %s", subject, BusSubjectPrefix)
	}
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return "", fmt.Errorf("decode subject %q: %w", subject, err)
	}
	return string(raw), nil
}

// Subscribe registers handler for topic.
func (b *Bus) Subscribe(topic string, handler pubsub.Handler) (pubsub.Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, pubsub.ErrClosed
	}
	sub, err := b.conn.Subscribe(BusSubject(topic), func(msg *nats.Msg) {
		handler(topic, msg.Data)
	})
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", topic, err)
	}
	b.subs[sub] = struct{}{}
	return &busSubscription{bus: b, sub: sub}, nil
}

// Publish sends payload to every subscriber of topic across the cluster.
func (b *Bus) Publish(ctx context.Context, topic string, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return pubsub.ErrClosed
	}
	if err := b.conn.Publish(BusSubject(topic), payload); err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	return nil
}

// Close unsubscribes everything. The connection itself belongs to Client.
func (b *Bus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	for sub := range b.subs {
		_ = sub.Unsubscribe()
	}
	b.subs = nil
	return nil
}

type busSubscription struct {
	bus  *Bus
	sub  *nats.Subscription
	once sync.Once
}

func (s *busSubscription) Unsubscribe() error {
	var err error
	s.once.Do(func() {
		s.bus.mu.Lock()
		if s.bus.subs != nil {
			delete(s.bus.subs, s.sub)
		}
		s.bus.mu.Unlock()
		err = s.sub.Unsubscribe()
		if err == nats.ErrConnectionClosed || err == nats.ErrBadSubscription {
			err = nil
		}
	})
	return err
}
