package realtime

import (
	"context"
	"encoding/json"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/capitalize-ai/chat-core/internal/model"
	"github.com/capitalize-ai/chat-core/internal/pubsub"
	"github.com/capitalize-ai/chat-core/internal/shard"
	"github.com/capitalize-ai/chat-core/pkg/logger"
	"github.com/capitalize-ai/chat-core/pkg/metrics"
)

// Presence tracks which users hold at least one open session. It emits one
// user:status event per 0<->1 transition and owns each online user's
// directed topic subscription.
type Presence struct {
	bus    pubsub.Bus
	logger *logger.Logger

	shards [shard.Count]presenceShard

	// all indexes every attached session for the presence broadcast.
	all sync.Map // session id -> Session

	statusSub pubsub.Subscription
}

type presenceShard struct {
	mu    sync.Mutex
	users map[string]*userEntry
}

type userEntry struct {
	sessions map[string]Session
	sub      pubsub.Subscription
}

// NewPresence creates a tracker and subscribes it to presence transitions.
func NewPresence(bus pubsub.Bus, log *logger.Logger) (*Presence, error) {
	p := &Presence{bus: bus, logger: log.Named("presence")}
	for i := range p.shards {
		p.shards[i].users = make(map[string]*userEntry)
	}
	sub, err := bus.Subscribe(pubsub.PresenceTopic, p.onStatus)
	if err != nil {
		return nil, err
	}
	p.statusSub = sub
	return p, nil
}

func (p *Presence) shardFor(userID string) *presenceShard {
	return &p.shards[shard.Index(userID, shard.Count)]
}

// Attach registers s for userID. It reports whether the user came online.
func (p *Presence) Attach(ctx context.Context, userID string, s Session) (bool, error) {
	sh := p.shardFor(userID)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	entry, ok := sh.users[userID]
	if ok {
		entry.sessions[s.ID()] = s
		p.all.Store(s.ID(), s)
		return false, nil
	}

	entry = &userEntry{sessions: map[string]Session{s.ID(): s}}
	sub, err := p.bus.Subscribe(pubsub.UserTopic(userID), p.directedHandler(userID))
	if err != nil {
		return false, err
	}
	entry.sub = sub
	sh.users[userID] = entry
	p.all.Store(s.ID(), s)
	metrics.OnlineUsers.Inc()

	p.publishStatus(ctx, userID, true)
	return true, nil
}

// Detach removes s. Detaching an unknown session is a no-op. It reports
// whether the user went offline.
func (p *Presence) Detach(ctx context.Context, userID string, s Session) bool {
	sh := p.shardFor(userID)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	entry, ok := sh.users[userID]
	if !ok {
		return false
	}
	if _, ok := entry.sessions[s.ID()]; !ok {
		return false
	}
	delete(entry.sessions, s.ID())
	p.all.Delete(s.ID())
	if len(entry.sessions) > 0 {
		return false
	}

	delete(sh.users, userID)
	if err := entry.sub.Unsubscribe(); err != nil {
		p.logger.Warn("failed to unsubscribe user topic", zap.String("user_id", userID), zap.Error(err))
	}
	metrics.OnlineUsers.Dec()

	p.publishStatus(ctx, userID, false)
	return true
}

// IsOnline reports whether userID has at least one session.
func (p *Presence) IsOnline(userID string) bool {
	sh := p.shardFor(userID)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	_, ok := sh.users[userID]
	return ok
}

// OnlineUsers returns the sorted ids of online users.
func (p *Presence) OnlineUsers() []string {
	users := []string{}
	for i := range p.shards {
		sh := &p.shards[i]
		sh.mu.Lock()
		for id := range sh.users {
			users = append(users, id)
		}
		sh.mu.Unlock()
	}
	sort.Strings(users)
	return users
}

// Sessions returns the open sessions of userID.
func (p *Presence) Sessions(userID string) []Session {
	sh := p.shardFor(userID)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	entry, ok := sh.users[userID]
	if !ok {
		return nil
	}
	out := make([]Session, 0, len(entry.sessions))
	for _, s := range entry.sessions {
		out = append(out, s)
	}
	return out
}

// Close drops the presence subscription.
func (p *Presence) Close() error {
	if p.statusSub == nil {
		return nil
	}
	return p.statusSub.Unsubscribe()
}

// publishStatus runs under the user's shard lock so transitions for one user
// are published in order.
func (p *Presence) publishStatus(ctx context.Context, userID string, online bool) {
	data, err := newEventEnvelope(model.EventUserStatus, model.UserStatusEvent{UserID: userID, Online: online}, "")
	if err != nil {
		p.logger.Error("failed to encode presence event", zap.Error(err))
		return
	}
	if err := p.bus.Publish(context.WithoutCancel(ctx), pubsub.PresenceTopic, data); err != nil {
		metrics.BusPublishErrors.WithLabelValues("presence").Inc()
		p.logger.Warn("failed to publish presence event", zap.String("user_id", userID), zap.Error(err))
	}
}

// onStatus fans a presence transition out to every local session.
func (p *Presence) onStatus(_ string, data []byte) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		p.logger.Warn("dropping malformed presence event", zap.Error(err))
		return
	}
	frame := env.frame()
	delivered := 0
	p.all.Range(func(_, v any) bool {
		if v.(Session).Send(frame) {
			delivered++
		}
		return true
	})
	metrics.DeliveriesTotal.WithLabelValues(env.Event).Add(float64(delivered))
}

// directedHandler delivers a user topic event to that user's local sessions.
func (p *Presence) directedHandler(userID string) pubsub.Handler {
	return func(_ string, data []byte) {
		var env envelope
		if err := json.Unmarshal(data, &env); err != nil {
			p.logger.Warn("dropping malformed directed event", zap.String("user_id", userID), zap.Error(err))
			return
		}
		frame := env.frame()
		delivered := 0
		for _, s := range p.Sessions(userID) {
			if s.Send(frame) {
				delivered++
			}
		}
		metrics.DeliveriesTotal.WithLabelValues(env.Event).Add(float64(delivered))
	}
}
