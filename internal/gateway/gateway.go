// Package gateway serves the realtime websocket protocol.
package gateway

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/net/websocket"

	"github.com/capitalize-ai/chat-core/internal/auth"
	"github.com/capitalize-ai/chat-core/internal/model"
	"github.com/capitalize-ai/chat-core/internal/realtime"
	"github.com/capitalize-ai/chat-core/pkg/apperr"
	"github.com/capitalize-ai/chat-core/pkg/logger"
	"github.com/capitalize-ai/chat-core/pkg/metrics"
)

// Presence tracks which sessions each user has open.
type Presence interface {
	Attach(ctx context.Context, userID string, s realtime.Session) (bool, error)
	Detach(ctx context.Context, userID string, s realtime.Session) bool
	OnlineUsers() []string
}

// Channels routes conversation events to joined sessions.
type Channels interface {
	Join(s realtime.Session, conversationID string) error
	Leave(s realtime.Session, conversationID string)
	Joined(s realtime.Session, conversationID string) bool
	Broadcast(ctx context.Context, conversationID, event string, payload any, excludeSessionID string) error
}

// Messages is the message service as seen by the gateway.
type Messages interface {
	RequireMember(ctx context.Context, userID, conversationID string) error
	Send(ctx context.Context, userID, sessionID string, req *model.SendMessageRequest) (*model.Message, error)
	Recall(ctx context.Context, userID, messageID string) (*model.MessageRecalledEvent, error)
	History(ctx context.Context, userID, conversationID, before string, limit int) (*model.MessagePage, error)
}

// Options bounds per-connection resources.
type Options struct {
	// SendBuffer is the number of outbound frames queued per connection.
	// A connection whose queue overflows is closed.
	SendBuffer int
	// MaxFrameBytes caps one inbound frame.
	MaxFrameBytes int
	// FramesPerSecond is the sustained inbound command rate.
	FramesPerSecond float64
	// WriteTimeout bounds one outbound frame write.
	WriteTimeout time.Duration
	// HeartbeatInterval is how often heartbeat frames are pushed. Zero
	// disables heartbeats.
	HeartbeatInterval time.Duration
	// AllowedOrigins lists the browser origins that may open a socket, as
	// exact origins or patterns with one "*". Empty means same host only.
	AllowedOrigins []string
}

// DefaultOptions returns the production defaults.
func DefaultOptions() Options {
	return Options{
		SendBuffer:        256,
		MaxFrameBytes:     256 * 1024,
		FramesPerSecond:   20,
		WriteTimeout:      10 * time.Second,
		HeartbeatInterval: 30 * time.Second,
	}
}

// maxDecodeErrors is how many consecutive undecodable frames a connection
// may send before it is closed.
const maxDecodeErrors = 3

// Gateway authenticates websocket connections and runs one client per
// connection.
type Gateway struct {
	verifier auth.Verifier
	presence Presence
	channels Channels
	messages Messages
	logger   *logger.Logger
	opts     Options

	mu      sync.Mutex
	clients map[*client]struct{}
	closed  bool
	wg      sync.WaitGroup
}

// New creates a gateway.
func New(verifier auth.Verifier, presence Presence, channels Channels, messages Messages, log *logger.Logger, opts Options) *Gateway {
	def := DefaultOptions()
	if opts.SendBuffer <= 0 {
		opts.SendBuffer = def.SendBuffer
	}
	if opts.MaxFrameBytes <= 0 {
		opts.MaxFrameBytes = def.MaxFrameBytes
	}
	if opts.FramesPerSecond <= 0 {
		opts.FramesPerSecond = def.FramesPerSecond
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = def.WriteTimeout
	}
	return &Gateway{
		verifier: verifier,
		presence: presence,
		channels: channels,
		messages: messages,
		logger:   log.Named("gateway"),
		opts:     opts,
		clients:  make(map[*client]struct{}),
	}
}

// ServeHTTP authenticates the upgrade request and hands the connection to
// a client. Unauthenticated requests are rejected before the upgrade.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	token := auth.TokenFromRequest(r, auth.FromHeader, auth.FromQuery, auth.FromCookie)
	if token == "" {
		apperr.WriteHTTP(w, apperr.Unauthenticated("missing token"))
		return
	}
	userID, err := g.verifier.Verify(token)
	if err != nil {
		g.logger.Debug("websocket unauthorized", zap.String("remote_addr", r.RemoteAddr), zap.Error(err))
		apperr.WriteHTTP(w, apperr.Unauthenticated("invalid token"))
		return
	}

	srv := websocket.Server{
		Handshake: g.checkOrigin,
		Handler: func(conn *websocket.Conn) {
			g.serveConn(conn, userID)
		},
	}
	srv.ServeHTTP(w, r)
}

// checkOrigin rejects browser upgrades from origins that are not allowed.
// The handshake accepts the token cookie, which browsers attach to
// cross-site requests too. Clients that send no Origin are not browsers.
func (g *Gateway) checkOrigin(config *websocket.Config, r *http.Request) error {
	origin, err := websocket.Origin(config, r)
	if err != nil {
		return err
	}
	if origin == nil {
		return nil
	}
	if !originAllowed(origin, r.Host, g.opts.AllowedOrigins) {
		g.logger.Warn("websocket origin rejected", zap.String("origin", origin.String()))
		return errOriginNotAllowed
	}
	config.Origin = origin
	return nil
}

var errOriginNotAllowed = errors.New("origin not allowed")

func originAllowed(origin *url.URL, host string, allowed []string) bool {
	if len(allowed) == 0 {
		return strings.EqualFold(origin.Host, host)
	}
	o := strings.ToLower(origin.Scheme + "://" + origin.Host)
	for _, pattern := range allowed {
		pattern = strings.ToLower(strings.TrimSpace(pattern))
		if pattern == "*" || pattern == o {
			return true
		}
		prefix, suffix, ok := strings.Cut(pattern, "*")
		if ok && len(o) >= len(prefix)+len(suffix) && strings.HasPrefix(o, prefix) && strings.HasSuffix(o, suffix) {
			return true
		}
	}
	return false
}

func (g *Gateway) serveConn(conn *websocket.Conn, userID string) {
	conn.MaxPayloadBytes = g.opts.MaxFrameBytes
	// The hijacked conn keeps the http.Server deadlines.
	_ = conn.SetDeadline(time.Time{})

	c := newClient(uuid.NewString(), userID, conn, g)

	if !g.register(c) {
		_ = conn.Close()
		return
	}
	defer g.unregister(c)

	metrics.IncrementWSConnections()
	defer metrics.DecrementWSConnections()

	ctx, cancel := context.WithCancel(conn.Request().Context())
	defer cancel()

	c.run(ctx)
}

func (g *Gateway) register(c *client) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return false
	}
	g.clients[c] = struct{}{}
	g.wg.Add(1)
	return true
}

func (g *Gateway) unregister(c *client) {
	g.mu.Lock()
	delete(g.clients, c)
	g.mu.Unlock()
	g.wg.Done()
}

// Connections returns the number of open connections.
func (g *Gateway) Connections() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.clients)
}

// Close disconnects every client and waits for their teardown, or for ctx.
func (g *Gateway) Close(ctx context.Context) error {
	g.mu.Lock()
	g.closed = true
	for c := range g.clients {
		c.abort()
	}
	g.mu.Unlock()

	done := make(chan struct{})
	go func() {
		g.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
