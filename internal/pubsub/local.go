package pubsub

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/capitalize-ai/chat-core/internal/shard"
)

// Local is an in-process Bus. Handlers run synchronously on the publishing
// goroutine, after the topic lock is released, so two publishes from one
// goroutine are observed in order.
type Local struct {
	shards [shard.Count]localShard
	nextID atomic.Uint64
	closed atomic.Bool
}

type localShard struct {
	mu     sync.RWMutex
	topics map[string]map[uint64]Handler
}

// NewLocal creates an in-process bus.
func NewLocal() *Local {
	l := &Local{}
	for i := range l.shards {
		l.shards[i].topics = make(map[string]map[uint64]Handler)
	}
	return l
}

var _ Bus = (*Local)(nil)

func (l *Local) shardFor(topic string) *localShard {
	return &l.shards[shard.Index(topic, shard.Count)]
}

// Subscribe registers handler on topic.
func (l *Local) Subscribe(topic string, handler Handler) (Subscription, error) {
	if l.closed.Load() {
		return nil, ErrClosed
	}
	id := l.nextID.Add(1)
	sh := l.shardFor(topic)

	sh.mu.Lock()
	handlers, ok := sh.topics[topic]
	if !ok {
		handlers = make(map[uint64]Handler)
		sh.topics[topic] = handlers
	}
	handlers[id] = handler
	sh.mu.Unlock()

	return &localSubscription{bus: l, topic: topic, id: id}, nil
}

// Publish invokes every handler of topic with payload.
func (l *Local) Publish(ctx context.Context, topic string, payload []byte) error {
	if l.closed.Load() {
		return ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	sh := l.shardFor(topic)

	sh.mu.RLock()
	handlers := make([]Handler, 0, len(sh.topics[topic]))
	for _, h := range sh.topics[topic] {
		handlers = append(handlers, h)
	}
	sh.mu.RUnlock()

	for _, h := range handlers {
		h(topic, payload)
	}
	return nil
}

// Subscribers returns the handler count for topic.
func (l *Local) Subscribers(topic string) int {
	sh := l.shardFor(topic)
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	return len(sh.topics[topic])
}

// Close drops all subscriptions.
func (l *Local) Close() error {
	if !l.closed.CompareAndSwap(false, true) {
		return nil
	}
	for i := range l.shards {
		sh := &l.shards[i]
		sh.mu.Lock()
		sh.topics = make(map[string]map[uint64]Handler)
		sh.mu.Unlock()
	}
	return nil
}

type localSubscription struct {
	bus   *Local
	topic string
	id    uint64
	once  sync.Once
}

func (s *localSubscription) Unsubscribe() error {
	s.once.Do(func() {
		sh := s.bus.shardFor(s.topic)
		sh.mu.Lock()
		defer sh.mu.Unlock()
		handlers := sh.topics[s.topic]
		delete(handlers, s.id)
		if len(handlers) == 0 {
			delete(sh.topics, s.topic)
		}
	})
	return nil
}
