package handler

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/capitalize-ai/chat-core/internal/auth"
	"github.com/capitalize-ai/chat-core/internal/model"
	"github.com/capitalize-ai/chat-core/internal/pubsub"
	"github.com/capitalize-ai/chat-core/internal/realtime"
	"github.com/capitalize-ai/chat-core/internal/service"
	"github.com/capitalize-ai/chat-core/internal/store/sqlite"
	"github.com/capitalize-ai/chat-core/pkg/logger"
)

const testSecret = "test-secret"

type pingFunc func(ctx context.Context) error

func (f pingFunc) Ping(ctx context.Context) error { return f(ctx) }

type apiEnv struct {
	t        *testing.T
	srv      *httptest.Server
	presence *realtime.Presence
}

func newAPIEnv(t *testing.T, checks map[string]Pinger) *apiEnv {
	t.Helper()
	ctx := context.Background()

	st, err := sqlite.Open(ctx, filepath.Join(t.TempDir(), "chat.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	bus := pubsub.NewLocal()
	log := logger.NewNop()
	presence, err := realtime.NewPresence(bus, log)
	require.NoError(t, err)
	router := realtime.NewRouter(bus, log)
	notifier := realtime.NewNotifier(bus)

	if checks == nil {
		checks = map[string]Pinger{"store": st}
	}

	h := NewRouter(Deps{
		Conversations:     service.NewConversationService(st, router, notifier, presence, nil, log, service.ConversationOptions{}),
		Messages:          service.NewMessageService(st, router, notifier, nil, log),
		Friendships:       service.NewFriendshipService(st, notifier, log),
		Presence:          presence,
		Channels:          router,
		Verifier:          auth.NewJWTVerifier(testSecret, "", 0),
		Checks:            checks,
		Logger:            log,
		RateLimitRequests: 1000,
		RateLimitWindow:   time.Minute,
		StreamHeartbeat:   time.Hour,
	})

	srv := httptest.NewServer(h)
	t.Cleanup(func() {
		srv.Close()
		_ = presence.Close()
		_ = bus.Close()
	})
	return &apiEnv{t: t, srv: srv, presence: presence}
}

// do sends an authenticated request as userID and decodes a JSON reply into out.
func (e *apiEnv) do(userID, method, path string, body any, out any) int {
	e.t.Helper()
	var rdr io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(e.t, err)
		rdr = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, e.srv.URL+path, rdr)
	require.NoError(e.t, err)
	if userID != "" {
		token, err := auth.Sign(testSecret, "", userID, time.Minute)
		require.NoError(e.t, err)
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := http.DefaultClient.Do(req)
	require.NoError(e.t, err)
	defer resp.Body.Close()
	if out != nil && resp.StatusCode != http.StatusNoContent {
		require.NoError(e.t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func TestHealthAndReady(t *testing.T) {
	env := newAPIEnv(t, nil)

	var body map[string]string
	assert.Equal(t, http.StatusOK, env.do("", http.MethodGet, "/health", nil, &body))
	assert.Equal(t, "healthy", body["status"])

	assert.Equal(t, http.StatusOK, env.do("", http.MethodGet, "/ready", nil, &body))
	assert.Equal(t, "ready", body["status"])
}

func TestReadyReportsFailingDependency(t *testing.T) {
	env := newAPIEnv(t, map[string]Pinger{
		"nats": pingFunc(func(context.Context) error { return errors.New("no servers available") }),
	})

	var body map[string]string
	assert.Equal(t, http.StatusServiceUnavailable, env.do("", http.MethodGet, "/ready", nil, &body))
	assert.Equal(t, "nats unavailable", body["reason"])
}

func TestAPIRequiresToken(t *testing.T) {
	env := newAPIEnv(t, nil)

	var body errorBody
	assert.Equal(t, http.StatusUnauthorized, env.do("", http.MethodGet, "/api/v1/conversations", nil, &body))
	assert.Equal(t, "UNAUTHENTICATED", body.Error)
}

func TestConversationLifecycle(t *testing.T) {
	env := newAPIEnv(t, nil)

	var conv model.Conversation
	assert.Equal(t, http.StatusCreated,
		env.do("alice", http.MethodPost, "/api/v1/conversations/private", model.CreatePrivateRequest{OtherUserID: "bob"}, &conv))
	privateID := conv.ID

	assert.Equal(t, http.StatusOK,
		env.do("bob", http.MethodPost, "/api/v1/conversations/private", model.CreatePrivateRequest{OtherUserID: "alice"}, &conv))
	assert.Equal(t, privateID, conv.ID)

	var errBody errorBody
	assert.Equal(t, http.StatusBadRequest,
		env.do("alice", http.MethodPost, "/api/v1/conversations/private", model.CreatePrivateRequest{OtherUserID: "alice"}, &errBody))
	assert.Equal(t, "INVALID_ARGUMENT", errBody.Error)

	var group model.Conversation
	assert.Equal(t, http.StatusCreated, env.do("alice", http.MethodPost, "/api/v1/conversations/group",
		model.CreateGroupRequest{Name: "Team", MemberIDs: []string{"bob", "carol"}}, &group))
	assert.Equal(t, "alice", group.OwnerID)
	assert.ElementsMatch(t, []string{"alice", "bob", "carol"}, group.Members)

	var page model.ConversationPage
	assert.Equal(t, http.StatusOK, env.do("alice", http.MethodGet, "/api/v1/conversations?limit=10", nil, &page))
	assert.Len(t, page.Items, 2)

	var detail model.ConversationDetail
	assert.Equal(t, http.StatusOK, env.do("bob", http.MethodGet, "/api/v1/conversations/"+group.ID, nil, &detail))
	assert.Len(t, detail.Presence, 3)

	assert.Equal(t, http.StatusForbidden, env.do("dave", http.MethodGet, "/api/v1/conversations/"+group.ID, nil, &errBody))
	assert.Equal(t, "NOT_MEMBER", errBody.Error)

	assert.Equal(t, http.StatusForbidden, env.do("bob", http.MethodPatch, "/api/v1/conversations/"+group.ID+"/name",
		model.RenameRequest{Name: "Mine"}, &errBody))
	assert.Equal(t, "NOT_OWNER", errBody.Error)

	assert.Equal(t, http.StatusOK, env.do("alice", http.MethodPatch, "/api/v1/conversations/"+group.ID+"/name",
		model.RenameRequest{Name: "Renamed"}, &group))
	assert.Equal(t, "Renamed", group.Name)

	assert.Equal(t, http.StatusOK, env.do("alice", http.MethodPost, "/api/v1/conversations/"+group.ID+"/members",
		model.AddMembersRequest{UserIDs: []string{"dave"}}, &group))
	assert.Contains(t, group.Members, "dave")

	assert.Equal(t, http.StatusOK, env.do("alice", http.MethodDelete, "/api/v1/conversations/"+group.ID+"/members/dave", nil, &group))
	assert.NotContains(t, group.Members, "dave")

	assert.Equal(t, http.StatusBadRequest, env.do("alice", http.MethodPost, "/api/v1/conversations/"+group.ID+"/leave", nil, &errBody))
	assert.Equal(t, "OWNER_CANNOT_LEAVE", errBody.Error)

	assert.Equal(t, http.StatusNoContent, env.do("carol", http.MethodPost, "/api/v1/conversations/"+group.ID+"/leave", nil, nil))

	assert.Equal(t, http.StatusBadRequest, env.do("alice", http.MethodDelete, "/api/v1/conversations/"+privateID, nil, &errBody))
	assert.Equal(t, "PRIVATE_NOT_DELETABLE", errBody.Error)

	assert.Equal(t, http.StatusNoContent, env.do("alice", http.MethodDelete, "/api/v1/conversations/"+group.ID, nil, nil))
}

func TestMessageEndpoints(t *testing.T) {
	env := newAPIEnv(t, nil)

	var conv model.Conversation
	require.Equal(t, http.StatusCreated,
		env.do("alice", http.MethodPost, "/api/v1/conversations/private", model.CreatePrivateRequest{OtherUserID: "bob"}, &conv))

	var msg model.Message
	assert.Equal(t, http.StatusCreated, env.do("alice", http.MethodPost, "/api/v1/messages",
		model.SendMessageRequest{ConversationID: conv.ID, Type: model.TypeText, Text: "hello"}, &msg))
	assert.Equal(t, "alice", msg.SenderID)

	var errBody errorBody
	assert.Equal(t, http.StatusBadRequest, env.do("alice", http.MethodPost, "/api/v1/messages",
		model.SendMessageRequest{ConversationID: conv.ID, Type: model.TypeText, Text: "   "}, &errBody))
	assert.Equal(t, "EMPTY_TEXT", errBody.Error)

	assert.Equal(t, http.StatusForbidden, env.do("mallory", http.MethodPost, "/api/v1/messages",
		model.SendMessageRequest{ConversationID: conv.ID, Type: model.TypeText, Text: "hi"}, &errBody))
	assert.Equal(t, "NOT_MEMBER", errBody.Error)

	assert.Equal(t, http.StatusForbidden, env.do("bob", http.MethodPost, "/api/v1/messages/"+msg.ID+"/recall", nil, &errBody))
	assert.Equal(t, "NOT_SENDER", errBody.Error)

	var recalled model.MessageRecalledEvent
	assert.Equal(t, http.StatusOK, env.do("alice", http.MethodPost, "/api/v1/messages/"+msg.ID+"/recall", nil, &recalled))
	assert.Equal(t, msg.ID, recalled.MessageID)

	var page model.MessagePage
	assert.Equal(t, http.StatusOK, env.do("bob", http.MethodGet, "/api/v1/messages?conversationId="+conv.ID, nil, &page))
	require.Len(t, page.Items, 1)
	assert.NotNil(t, page.Items[0].RecalledAt)

	assert.Equal(t, http.StatusNoContent, env.do("bob", http.MethodPost, "/api/v1/messages/"+msg.ID+"/deleteForMe", nil, nil))
	assert.Equal(t, http.StatusOK, env.do("bob", http.MethodGet, "/api/v1/messages?conversationId="+conv.ID, nil, &page))
	assert.Empty(t, page.Items)

	assert.Equal(t, http.StatusOK, env.do("alice", http.MethodGet, "/api/v1/messages?conversationId="+conv.ID, nil, &page))
	assert.Len(t, page.Items, 1)
}

func TestMalformedBodyAndParams(t *testing.T) {
	env := newAPIEnv(t, nil)

	token, err := auth.Sign(testSecret, "", "alice", time.Minute)
	require.NoError(t, err)
	req, err := http.NewRequest(http.MethodPost, env.srv.URL+"/api/v1/messages", strings.NewReader("{not json"))
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var errBody errorBody
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&errBody))
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "INVALID_ARGUMENT", errBody.Error)

	long := strings.Repeat("x", 200)
	assert.Equal(t, http.StatusBadRequest, env.do("alice", http.MethodGet, "/api/v1/conversations/"+long, nil, &errBody))
}

func TestCrossSiteFormPostIsRejected(t *testing.T) {
	env := newAPIEnv(t, nil)

	token, err := auth.Sign(testSecret, "", "alice", time.Minute)
	require.NoError(t, err)
	post := func(setup func(r *http.Request)) (int, errorBody) {
		req, err := http.NewRequest(http.MethodPost, env.srv.URL+"/api/v1/conversations/group",
			strings.NewReader(`{"name":"pwned","memberIds":["mallory"]}`))
		require.NoError(t, err)
		req.Header.Set("Content-Type", "text/plain")
		req.Header.Set("Origin", "https://evil.example")
		setup(req)
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		defer resp.Body.Close()
		var body errorBody
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
		return resp.StatusCode, body
	}

	status, body := post(func(r *http.Request) { r.AddCookie(&http.Cookie{Name: auth.TokenCookie, Value: token}) })
	assert.Equal(t, http.StatusUnauthorized, status)
	assert.Equal(t, "UNAUTHENTICATED", body.Error)

	status, _ = post(func(r *http.Request) { r.URL.RawQuery = "token=" + token })
	assert.Equal(t, http.StatusUnauthorized, status)

	status, body = post(func(r *http.Request) { r.Header.Set("Authorization", "Bearer "+token) })
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "INVALID_ARGUMENT", body.Error)

	var page model.ConversationPage
	require.Equal(t, http.StatusOK, env.do("alice", http.MethodGet, "/api/v1/conversations", nil, &page))
	assert.Empty(t, page.Items)
}

func TestFriendshipAccepted(t *testing.T) {
	env := newAPIEnv(t, nil)

	var conv model.Conversation
	assert.Equal(t, http.StatusOK, env.do("bob", http.MethodPost, "/api/v1/friendships/accepted",
		map[string]string{"requesterId": "alice"}, &conv))
	assert.ElementsMatch(t, []string{"alice", "bob"}, conv.Members)
	require.NotNil(t, conv.LastMessage)
	assert.Equal(t, service.FriendsGreeting, conv.LastMessage.Content.Body())

	var errBody errorBody
	assert.Equal(t, http.StatusBadRequest, env.do("bob", http.MethodPost, "/api/v1/friendships/accepted",
		map[string]string{}, &errBody))
	assert.Equal(t, "MISSING_FIELDS", errBody.Error)
}

type sseEvent struct {
	name string
	data string
}

func readSSE(t *testing.T, r *bufio.Reader) sseEvent {
	t.Helper()
	var ev sseEvent
	for {
		line, err := r.ReadString('\n')
		require.NoError(t, err)
		line = strings.TrimRight(line, "\n")
		switch {
		case strings.HasPrefix(line, "event: "):
			ev.name = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			ev.data = strings.TrimPrefix(line, "data: ")
		case line == "" && ev.name != "":
			return ev
		}
	}
}

func TestEventStreamDeliversConversationEvents(t *testing.T) {
	env := newAPIEnv(t, nil)

	var conv model.Conversation
	require.Equal(t, http.StatusCreated,
		env.do("alice", http.MethodPost, "/api/v1/conversations/private", model.CreatePrivateRequest{OtherUserID: "bob"}, &conv))

	token, err := auth.Sign(testSecret, "", "alice", time.Minute)
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		env.srv.URL+"/api/v1/events?conversationId="+conv.ID+"&conversationId=elsewhere&token="+token, nil)
	require.NoError(t, err)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	defer cancel()
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	body := bufio.NewReader(resp.Body)
	first := readSSE(t, body)
	require.Equal(t, "connected", first.name)
	var connected ConnectedEvent
	require.NoError(t, json.Unmarshal([]byte(first.data), &connected))
	assert.Equal(t, []string{conv.ID}, connected.Joined)
	assert.Equal(t, []string{"elsewhere"}, connected.Rejected)

	var online map[string][]string
	assert.Equal(t, http.StatusOK, env.do("bob", http.MethodGet, "/api/v1/presence/online", nil, &online))
	assert.Contains(t, online["users"], "alice")

	var msg model.Message
	require.Equal(t, http.StatusCreated, env.do("bob", http.MethodPost, "/api/v1/messages",
		model.SendMessageRequest{ConversationID: conv.ID, Type: model.TypeText, Text: "over sse"}, &msg))

	for {
		ev := readSSE(t, body)
		if ev.name != model.EventMessageNew {
			continue
		}
		var got model.MessageNewEvent
		require.NoError(t, json.Unmarshal([]byte(ev.data), &got))
		assert.Equal(t, msg.ID, got.Message.ID)
		break
	}
}
