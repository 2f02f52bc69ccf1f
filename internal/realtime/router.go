package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/capitalize-ai/chat-core/internal/pubsub"
	"github.com/capitalize-ai/chat-core/internal/shard"
	"github.com/capitalize-ai/chat-core/pkg/logger"
	"github.com/capitalize-ai/chat-core/pkg/metrics"
)

// Router maps conversation channels to joined sessions. It does not check
// membership; callers must do that before Join.
type Router struct {
	bus    pubsub.Bus
	logger *logger.Logger
	shards [shard.Count]routerShard
}

type routerShard struct {
	mu       sync.Mutex
	channels map[string]*channel
}

type channel struct {
	sessions map[string]Session
	sub      pubsub.Subscription
}

// NewRouter creates an empty router.
func NewRouter(bus pubsub.Bus, log *logger.Logger) *Router {
	r := &Router{bus: bus, logger: log.Named("router")}
	for i := range r.shards {
		r.shards[i].channels = make(map[string]*channel)
	}
	return r
}

func (r *Router) shardFor(conversationID string) *routerShard {
	return &r.shards[shard.Index(conversationID, shard.Count)]
}

// Join subscribes s to the conversation channel.
func (r *Router) Join(s Session, conversationID string) error {
	sh := r.shardFor(conversationID)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	ch, ok := sh.channels[conversationID]
	if !ok {
		sub, err := r.bus.Subscribe(pubsub.ConversationTopic(conversationID), r.channelHandler(conversationID))
		if err != nil {
			return fmt.Errorf("subscribe channel: %w", err)
		}
		ch = &channel{sessions: make(map[string]Session), sub: sub}
		sh.channels[conversationID] = ch
	}
	ch.sessions[s.ID()] = s
	return nil
}

// Leave removes s from the channel. Unknown sessions are ignored.
func (r *Router) Leave(s Session, conversationID string) {
	sh := r.shardFor(conversationID)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	ch, ok := sh.channels[conversationID]
	if !ok {
		return
	}
	delete(ch.sessions, s.ID())
	r.dropIfEmptyLocked(sh, conversationID, ch)
}

// Joined reports whether s is in the channel.
func (r *Router) Joined(s Session, conversationID string) bool {
	sh := r.shardFor(conversationID)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	ch, ok := sh.channels[conversationID]
	if !ok {
		return false
	}
	_, ok = ch.sessions[s.ID()]
	return ok
}

// Members returns the number of local sessions joined to the channel.
func (r *Router) Members(conversationID string) int {
	sh := r.shardFor(conversationID)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	if ch, ok := sh.channels[conversationID]; ok {
		return len(ch.sessions)
	}
	return 0
}

// Broadcast delivers event to every session in the channel except the one
// whose id equals excludeSessionID.
func (r *Router) Broadcast(ctx context.Context, conversationID, event string, payload any, excludeSessionID string) error {
	data, err := newEventEnvelope(event, payload, excludeSessionID)
	if err != nil {
		return err
	}
	return r.publish(ctx, conversationID, data)
}

// Evict removes every session of userID from the channel on all nodes.
func (r *Router) Evict(ctx context.Context, conversationID, userID string) error {
	data, err := encodeEnvelope(envelope{Control: controlEvict, UserID: userID})
	if err != nil {
		return err
	}
	return r.publish(ctx, conversationID, data)
}

// CloseChannel removes every session from the channel on all nodes.
func (r *Router) CloseChannel(ctx context.Context, conversationID string) error {
	data, err := encodeEnvelope(envelope{Control: controlClose})
	if err != nil {
		return err
	}
	return r.publish(ctx, conversationID, data)
}

func (r *Router) publish(ctx context.Context, conversationID string, data []byte) error {
	if err := r.bus.Publish(ctx, pubsub.ConversationTopic(conversationID), data); err != nil {
		metrics.BusPublishErrors.WithLabelValues("channel").Inc()
		return fmt.Errorf("publish to channel %s: %w", conversationID, err)
	}
	return nil
}

func (r *Router) channelHandler(conversationID string) pubsub.Handler {
	return func(_ string, data []byte) {
		var env envelope
		if err := json.Unmarshal(data, &env); err != nil {
			r.logger.Warn("dropping malformed channel event", zap.String("conversation_id", conversationID), zap.Error(err))
			return
		}

		switch env.Control {
		case controlEvict:
			r.evictLocal(conversationID, env.UserID)
			return
		case controlClose:
			r.closeLocal(conversationID)
			return
		}

		targets := r.snapshot(conversationID, env.Exclude)
		frame := env.frame()
		delivered := 0
		for _, s := range targets {
			if s.Send(frame) {
				delivered++
			}
		}
		metrics.DeliveriesTotal.WithLabelValues(env.Event).Add(float64(delivered))
	}
}

func (r *Router) snapshot(conversationID, exclude string) []Session {
	sh := r.shardFor(conversationID)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	ch, ok := sh.channels[conversationID]
	if !ok {
		return nil
	}
	out := make([]Session, 0, len(ch.sessions))
	for id, s := range ch.sessions {
		if id != exclude {
			out = append(out, s)
		}
	}
	return out
}

func (r *Router) evictLocal(conversationID, userID string) {
	notifyEvicted(conversationID, r.removeLocal(conversationID, func(s Session) bool {
		return s.UserID() == userID
	}))
}

func (r *Router) closeLocal(conversationID string) {
	notifyEvicted(conversationID, r.removeLocal(conversationID, func(Session) bool { return true }))
}

// removeLocal drops the sessions of a channel that match and returns them.
func (r *Router) removeLocal(conversationID string, match func(Session) bool) []Session {
	sh := r.shardFor(conversationID)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	ch, ok := sh.channels[conversationID]
	if !ok {
		return nil
	}
	var removed []Session
	for id, s := range ch.sessions {
		if match(s) {
			removed = append(removed, s)
			delete(ch.sessions, id)
		}
	}
	r.dropIfEmptyLocked(sh, conversationID, ch)
	return removed
}

func (r *Router) dropIfEmptyLocked(sh *routerShard, conversationID string, ch *channel) {
	if len(ch.sessions) > 0 {
		return
	}
	delete(sh.channels, conversationID)
	if err := ch.sub.Unsubscribe(); err != nil {
		r.logger.Warn("failed to unsubscribe channel", zap.String("conversation_id", conversationID), zap.Error(err))
	}
}
