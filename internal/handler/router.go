package handler

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/capitalize-ai/chat-core/internal/auth"
	"github.com/capitalize-ai/chat-core/internal/middleware"
	"github.com/capitalize-ai/chat-core/internal/service"
	"github.com/capitalize-ai/chat-core/pkg/logger"
)

// maxBodyBytes caps REST request bodies. Message text is limited to
// model.MaxTextBytes, so this leaves room for the envelope and meta.
const maxBodyBytes = 1 << 20

// Deps is everything the HTTP surface needs.
type Deps struct {
	Conversations *service.ConversationService
	Messages      *service.MessageService
	Friendships   *service.FriendshipService
	Presence      Presence
	Channels      Channels
	Verifier      auth.Verifier
	Gateway       http.Handler
	Checks        map[string]Pinger
	Logger        *logger.Logger

	RateLimitRequests int
	RateLimitWindow   time.Duration
	AllowedOrigins    []string
	StreamBuffer      int
	StreamHeartbeat   time.Duration
}

// NewRouter builds the chi router for the REST boundary, the websocket
// gateway and the operational endpoints.
func NewRouter(d Deps) http.Handler {
	healthHandler := NewHealthHandler(d.Checks)
	conversationHandler := NewConversationHandler(d.Conversations, d.Logger)
	messageHandler := NewMessageHandler(d.Messages, d.Logger)
	friendshipHandler := NewFriendshipHandler(d.Friendships, d.Logger)
	presenceHandler := NewPresenceHandler(d.Presence)
	streamHandler := NewStreamHandler(d.Presence, d.Channels, d.Messages, d.Logger, d.StreamBuffer, d.StreamHeartbeat)

	r := chi.NewRouter()

	// Global middleware
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.Logging(d.Logger))
	r.Use(middleware.SecurityHeaders)
	r.Use(chimiddleware.Recoverer)
	r.Use(middleware.CORS(d.AllowedOrigins))

	// Health endpoints (no auth required)
	r.Get("/health", healthHandler.Health)
	r.Get("/ready", healthHandler.Ready)

	// Metrics endpoint
	r.Handle("/metrics", promhttp.Handler())

	// The gateway authenticates the upgrade itself.
	if d.Gateway != nil {
		r.Handle("/ws", d.Gateway)
	}

	// API routes with authentication
	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.MaxBodyBytes(maxBodyBytes))

		// EventSource cannot set headers, so the stream also accepts the
		// token query parameter. Neither source is sent cross-site.
		r.Group(func(r chi.Router) {
			r.Use(middleware.Auth(d.Verifier, auth.FromHeader, auth.FromQuery))
			useRateLimit(r, d)
			r.Get("/events", streamHandler.Stream)
		})

		r.Group(func(r chi.Router) {
			r.Use(middleware.Auth(d.Verifier))
			useRateLimit(r, d)
			r.Use(middleware.RequireJSON)

			r.Get("/presence/online", presenceHandler.Online)
			r.Post("/friendships/accepted", friendshipHandler.Accepted)

			// Conversations
			r.Route("/conversations", func(r chi.Router) {
				r.Get("/", conversationHandler.List)
				r.Post("/private", conversationHandler.CreatePrivate)
				r.Post("/group", conversationHandler.CreateGroup)

				r.Route("/{id}", func(r chi.Router) {
					r.Use(middleware.ValidateURLParams("id"))
					r.Get("/", conversationHandler.Get)
					r.Delete("/", conversationHandler.Delete)
					r.Patch("/name", conversationHandler.Rename)
					r.Post("/leave", conversationHandler.Leave)
					r.Post("/members", conversationHandler.AddMembers)
					r.With(middleware.ValidateURLParams("userId")).Delete("/members/{userId}", conversationHandler.RemoveMember)
				})
			})

			// Messages
			r.Route("/messages", func(r chi.Router) {
				r.Get("/", messageHandler.List)
				r.Post("/", messageHandler.Send)

				r.Route("/{id}", func(r chi.Router) {
					r.Use(middleware.ValidateURLParams("id"))
					r.Post("/recall", messageHandler.Recall)
					r.Post("/deleteForMe", messageHandler.DeleteForMe)
				})
			})
		})
	})

	return r
}

func useRateLimit(r chi.Router, d Deps) {
	if d.RateLimitRequests > 0 {
		r.Use(middleware.UserRateLimit(d.RateLimitRequests, d.RateLimitWindow))
	}
}
