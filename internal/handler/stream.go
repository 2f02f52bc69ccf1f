package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/capitalize-ai/chat-core/internal/middleware"
	"github.com/capitalize-ai/chat-core/internal/model"
	"github.com/capitalize-ai/chat-core/internal/realtime"
	"github.com/capitalize-ai/chat-core/pkg/apperr"
	"github.com/capitalize-ai/chat-core/pkg/logger"
	"github.com/capitalize-ai/chat-core/pkg/metrics"
)

// Presence is the presence tracker as seen by the REST boundary.
type Presence interface {
	Attach(ctx context.Context, userID string, s realtime.Session) (bool, error)
	Detach(ctx context.Context, userID string, s realtime.Session) bool
	OnlineUsers() []string
}

// Channels is the channel router as seen by the event stream.
type Channels interface {
	Join(s realtime.Session, conversationID string) error
	Leave(s realtime.Session, conversationID string)
}

// MembershipChecker verifies conversation membership.
type MembershipChecker interface {
	RequireMember(ctx context.Context, userID, conversationID string) error
}

// StreamHandler serves a receive-only server-sent event stream for
// clients that cannot open a websocket. The stream behaves like a socket
// session: it counts toward presence, receives directed events and
// receives channel events for the conversations named in the query.
type StreamHandler struct {
	presence  Presence
	channels  Channels
	members   MembershipChecker
	logger    *logger.Logger
	buffer    int
	heartbeat time.Duration
}

// NewStreamHandler creates a new stream handler.
func NewStreamHandler(presence Presence, channels Channels, members MembershipChecker, log *logger.Logger, buffer int, heartbeat time.Duration) *StreamHandler {
	if buffer <= 0 {
		buffer = 256
	}
	if heartbeat <= 0 {
		heartbeat = 30 * time.Second
	}
	return &StreamHandler{
		presence:  presence,
		channels:  channels,
		members:   members,
		logger:    log,
		buffer:    buffer,
		heartbeat: heartbeat,
	}
}

// ConnectedEvent is the first event on a stream.
type ConnectedEvent struct {
	SessionID string   `json:"sessionId"`
	Joined    []string `json:"joined"`
	Rejected  []string `json:"rejected"`
}

// Stream handles GET /api/v1/events?conversationId=...
func (h *StreamHandler) Stream(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := middleware.GetUserID(ctx)

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, r, h.logger, apperr.Internal(fmt.Errorf("streaming not supported")))
		return
	}

	// Streams outlive the server write timeout.
	_ = http.NewResponseController(w).SetWriteDeadline(time.Time{})

	// Set SSE headers
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // Disable nginx buffering
	w.WriteHeader(http.StatusOK)

	metrics.IncrementSSEConnections()
	defer metrics.DecrementSSEConnections()

	s := newStreamSession(uuid.NewString(), userID, h.buffer)
	log := h.logger.WithSession(s.id, userID)

	if _, err := h.presence.Attach(ctx, userID, s); err != nil {
		log.Error("failed to attach event stream", zap.Error(err))
		return
	}
	defer h.presence.Detach(context.WithoutCancel(ctx), userID, s)

	connected := ConnectedEvent{SessionID: s.id, Joined: []string{}, Rejected: []string{}}
	for _, id := range model.NormalizeMembers(r.URL.Query()["conversationId"]...) {
		if err := h.members.RequireMember(ctx, userID, id); err != nil {
			connected.Rejected = append(connected.Rejected, id)
			continue
		}
		if err := h.channels.Join(s, id); err != nil {
			connected.Rejected = append(connected.Rejected, id)
			continue
		}
		defer h.channels.Leave(s, id)
		connected.Joined = append(connected.Joined, id)
	}

	if err := sendSSEEvent(w, flusher, "connected", connected); err != nil {
		return
	}

	heartbeat := time.NewTicker(h.heartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Debug("event stream client disconnected")
			return

		case data := <-s.frames:
			var frame realtime.Frame
			if err := json.Unmarshal(data, &frame); err != nil {
				continue
			}
			if err := sendSSEEvent(w, flusher, frame.Type, frame.Payload); err != nil {
				return
			}

		case <-s.overflow:
			log.Warn("closing slow event stream: send queue full")
			return

		case now := <-heartbeat.C:
			if err := sendSSEEvent(w, flusher, model.EventHeartbeat, &model.HeartbeatEvent{
				Timestamp: now.UTC(),
			}); err != nil {
				return
			}
		}
	}
}

// streamSession adapts an event stream to realtime.Session.
type streamSession struct {
	id       string
	userID   string
	frames   chan []byte
	overflow chan struct{}
	once     sync.Once
}

func newStreamSession(id, userID string, buffer int) *streamSession {
	return &streamSession{
		id:       id,
		userID:   userID,
		frames:   make(chan []byte, buffer),
		overflow: make(chan struct{}),
	}
}

func (s *streamSession) ID() string     { return s.id }
func (s *streamSession) UserID() string { return s.userID }

func (s *streamSession) Send(frame []byte) bool {
	select {
	case s.frames <- frame:
		return true
	default:
		metrics.WSFramesDropped.Inc()
		s.once.Do(func() { close(s.overflow) })
		return false
	}
}

func sendSSEEvent(w http.ResponseWriter, flusher http.Flusher, event string, data interface{}) error {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return err
	}

	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, jsonData); err != nil {
		return err
	}
	flusher.Flush()

	return nil
}
