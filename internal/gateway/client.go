package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/net/websocket"
	"golang.org/x/time/rate"

	"github.com/capitalize-ai/chat-core/internal/model"
	"github.com/capitalize-ai/chat-core/internal/realtime"
	"github.com/capitalize-ai/chat-core/pkg/apperr"
	"github.com/capitalize-ai/chat-core/pkg/logger"
	"github.com/capitalize-ai/chat-core/pkg/metrics"
)

// client is one authenticated connection. It implements realtime.Session.
//
// Only the reader goroutine runs commands; only the writer goroutine
// writes to conn. The router may drop entries from joined via Evicted. Send may be called from any goroutine,
// including while presence or router locks are held, so it never blocks
// and never tears the connection down itself.
type client struct {
	id     string
	userID string
	conn   *websocket.Conn
	gw     *Gateway
	logger *logger.Logger

	send     chan []byte
	overflow chan struct{}
	done     chan struct{}
	stop     chan struct{}
	doneOnce sync.Once
	stopOnce sync.Once

	joinedMu sync.Mutex
	joined   map[string]struct{}
}

var (
	_ realtime.Session   = (*client)(nil)
	_ realtime.Evictable = (*client)(nil)
)

func newClient(id, userID string, conn *websocket.Conn, gw *Gateway) *client {
	return &client{
		id:       id,
		userID:   userID,
		conn:     conn,
		gw:       gw,
		logger:   gw.logger.WithSession(id, userID),
		send:     make(chan []byte, gw.opts.SendBuffer),
		overflow: make(chan struct{}, 1),
		done:     make(chan struct{}),
		stop:     make(chan struct{}),
		joined:   make(map[string]struct{}),
	}
}

func (c *client) ID() string     { return c.id }
func (c *client) UserID() string { return c.userID }

// Evicted forgets a conversation the router removed this client from.
func (c *client) Evicted(conversationID string) {
	c.forget(conversationID)
}

func (c *client) remember(conversationID string) {
	c.joinedMu.Lock()
	c.joined[conversationID] = struct{}{}
	c.joinedMu.Unlock()
}

func (c *client) forget(conversationID string) {
	c.joinedMu.Lock()
	delete(c.joined, conversationID)
	c.joinedMu.Unlock()
}

// joinedIDs returns the conversations this client is subscribed to.
func (c *client) joinedIDs() []string {
	c.joinedMu.Lock()
	defer c.joinedMu.Unlock()
	ids := make([]string, 0, len(c.joined))
	for id := range c.joined {
		ids = append(ids, id)
	}
	return ids
}

// Send queues frame for the writer. A full queue drops the frame and marks
// the client for disconnection.
func (c *client) Send(frame []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- frame:
		return true
	default:
		metrics.WSFramesDropped.Inc()
		select {
		case c.overflow <- struct{}{}:
		default:
		}
		return false
	}
}

// abort closes the socket, which ends the read loop and runs teardown.
func (c *client) abort() {
	_ = c.conn.Close()
}

func (c *client) run(ctx context.Context) {
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		c.writeLoop()
	}()

	cameOnline, err := c.gw.presence.Attach(ctx, c.userID, c)
	if err != nil {
		c.logger.Error("failed to attach session", zap.Error(err))
		c.closeQueue()
		<-writerDone
		return
	}
	c.logger.Info("websocket connected", zap.Bool("came_online", cameOnline))

	c.readLoop(ctx)

	// Teardown: nothing may keep a handle to this client once we return.
	for _, conversationID := range c.joinedIDs() {
		c.gw.channels.Leave(c, conversationID)
	}
	wentOffline := c.gw.presence.Detach(context.WithoutCancel(ctx), c.userID, c)
	c.closeQueue()
	<-writerDone
	c.logger.Info("websocket disconnected", zap.Bool("went_offline", wentOffline))
}

// closeQueue rejects further sends and lets the writer flush what is
// queued before closing the socket.
func (c *client) closeQueue() {
	c.doneOnce.Do(func() { close(c.done) })
	c.stopOnce.Do(func() { close(c.stop) })
}

func (c *client) readLoop(ctx context.Context) {
	limiter := rate.NewLimiter(rate.Limit(c.gw.opts.FramesPerSecond), burstFor(c.gw.opts.FramesPerSecond))
	decodeErrors := 0

	for {
		var frame realtime.Frame
		err := websocket.JSON.Receive(c.conn, &frame)
		switch {
		case err == nil:
			decodeErrors = 0
		case errors.Is(err, websocket.ErrFrameTooLarge), isDecodeError(err):
			decodeErrors++
			c.reply("", apperr.Invalid(apperr.CodeInvalidFrame, "invalid frame"), nil)
			if decodeErrors >= maxDecodeErrors {
				c.logger.Warn("closing connection after repeated invalid frames")
				return
			}
			continue
		default:
			if !errors.Is(err, io.EOF) {
				c.logger.Debug("websocket read ended", zap.Error(err))
			}
			return
		}

		if !limiter.Allow() {
			metrics.RecordCommand(frame.Type, string(apperr.CodeRateLimited))
			c.reply(frame.RequestID, apperr.RateLimited("too many frames"), nil)
			c.logger.Warn("closing rate limited connection")
			return
		}

		result, err := c.dispatch(ctx, frame)
		status := "ok"
		if err != nil {
			status = string(apperr.From(err).Code)
			if status == string(apperr.CodeServerError) {
				c.logger.Error("command failed", zap.String("command", frame.Type), zap.Error(err))
			}
		}
		metrics.RecordCommand(frame.Type, status)
		c.reply(frame.RequestID, err, result)
	}
}

func (c *client) writeLoop() {
	defer c.abort()

	var heartbeat <-chan time.Time
	if c.gw.opts.HeartbeatInterval > 0 {
		ticker := time.NewTicker(c.gw.opts.HeartbeatInterval)
		defer ticker.Stop()
		heartbeat = ticker.C
	}

	for {
		select {
		case frame := <-c.send:
			if err := c.write(frame); err != nil {
				c.logger.Debug("websocket write failed", zap.Error(err))
				return
			}
		case now := <-heartbeat:
			frame, err := realtime.EncodeEvent(model.EventHeartbeat, model.HeartbeatEvent{Timestamp: now.UTC()})
			if err != nil {
				continue
			}
			if err := c.write(frame); err != nil {
				return
			}
		case <-c.overflow:
			c.logger.Warn("closing slow connection: send queue full")
			return
		case <-c.stop:
			for {
				select {
				case frame := <-c.send:
					if err := c.write(frame); err != nil {
						return
					}
				default:
					return
				}
			}
		}
	}
}

func (c *client) write(frame []byte) error {
	if err := c.conn.SetWriteDeadline(time.Now().Add(c.gw.opts.WriteTimeout)); err != nil {
		return err
	}
	return websocket.Message.Send(c.conn, string(frame))
}

// ack is the per-command acknowledgment payload.
type ack struct {
	OK      bool        `json:"ok"`
	Error   apperr.Code `json:"error,omitempty"`
	Message string      `json:"message,omitempty"`
}

// reply queues the acknowledgment for one command. Successful results are
// merged into the payload next to "ok".
func (c *client) reply(requestID string, err error, result any) {
	payload, encErr := encodeAck(err, result)
	if encErr != nil {
		c.logger.Error("failed to encode ack", zap.Error(encErr))
		payload, _ = encodeAck(apperr.Internal(encErr), nil)
	}
	data, _ := json.Marshal(realtime.Frame{Type: "ack", RequestID: requestID, Payload: payload})
	c.Send(data)
}

func encodeAck(err error, result any) (json.RawMessage, error) {
	if err != nil {
		appErr := apperr.From(err)
		return json.Marshal(ack{Error: appErr.Code, Message: appErr.Message})
	}
	fields := map[string]json.RawMessage{}
	if result != nil {
		raw, err := json.Marshal(result)
		if err != nil {
			return nil, err
		}
		if err := json.Unmarshal(raw, &fields); err != nil {
			return nil, err
		}
	}
	fields["ok"] = json.RawMessage("true")
	return json.Marshal(fields)
}

func isDecodeError(err error) bool {
	var syntaxErr *json.SyntaxError
	var typeErr *json.UnmarshalTypeError
	return errors.As(err, &syntaxErr) || errors.As(err, &typeErr)
}

func burstFor(perSecond float64) int {
	if b := int(perSecond * 2); b > 1 {
		return b
	}
	return 1
}
