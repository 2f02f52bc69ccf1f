// Package main is the entry point for the chat server.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/capitalize-ai/chat-core/internal/auth"
	"github.com/capitalize-ai/chat-core/internal/config"
	"github.com/capitalize-ai/chat-core/internal/gateway"
	"github.com/capitalize-ai/chat-core/internal/handler"
	natsclient "github.com/capitalize-ai/chat-core/internal/nats"
	"github.com/capitalize-ai/chat-core/internal/pubsub"
	"github.com/capitalize-ai/chat-core/internal/realtime"
	"github.com/capitalize-ai/chat-core/internal/service"
	"github.com/capitalize-ai/chat-core/internal/store/sqlite"
	"github.com/capitalize-ai/chat-core/pkg/logger"
	"github.com/capitalize-ai/chat-core/pkg/tracing"
)

func main() {
	// Load configuration
	cfg := config.Load()

	// Initialize logger
	log, err := logger.New(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	if err := cfg.Validate(); err != nil {
		log.Fatal("invalid configuration", zap.Error(err))
	}

	log.Info("starting chat server", zap.String("bus", cfg.BusDriver))

	// Initialize tracing if enabled
	ctx := context.Background()
	if cfg.TracingEnabled {
		tp, err := tracing.InitTracer(ctx, "chat-core", cfg.TracingEndpoint)
		if err != nil {
			log.Warn("failed to initialize tracing", zap.Error(err))
		} else {
			defer tracing.Shutdown(ctx, tp)
		}
	}

	// Open the store
	st, err := sqlite.Open(ctx, cfg.DatabasePath)
	if err != nil {
		log.Fatal("failed to open store", zap.String("path", cfg.DatabasePath), zap.Error(err))
	}
	defer st.Close()

	checks := map[string]handler.Pinger{"store": st}

	// Connect to NATS when configured
	var natsClient *natsclient.Client
	if cfg.NATSURL != "" {
		natsClient, err = natsclient.Connect(ctx, natsclient.Config{
			URL:      cfg.NATSURL,
			Name:     "chat-core",
			CAFile:   cfg.NATSCAFile,
			CertFile: cfg.NATSCertFile,
			KeyFile:  cfg.NATSKeyFile,
			Token:    cfg.NATSToken,
		}, log)
		if err != nil {
			log.Fatal("failed to connect to NATS", zap.Error(err))
		}
		defer natsClient.Close()
		checks["nats"] = natsClient
	}

	// Realtime bus
	var bus pubsub.Bus
	if cfg.BusDriver == config.BusNATS {
		bus = natsclient.NewBus(natsClient)
	} else {
		bus = pubsub.NewLocal()
	}

	// Ensure the JetStream journal exists
	var journal service.Journal
	if cfg.JournalEnabled {
		j := natsclient.NewJournal(natsClient)
		if err := j.EnsureStream(ctx); err != nil {
			log.Fatal("failed to ensure journal stream", zap.Error(err))
		}
		journal = j
	}

	// Realtime components
	presence, err := realtime.NewPresence(bus, log)
	if err != nil {
		log.Fatal("failed to start presence tracker", zap.Error(err))
	}
	router := realtime.NewRouter(bus, log)
	notifier := realtime.NewNotifier(bus)

	// Initialize services
	conversationSvc := service.NewConversationService(st, router, notifier, presence, journal, log,
		service.ConversationOptions{AllowMemberRename: cfg.AllowMemberRename})
	messageSvc := service.NewMessageService(st, router, notifier, journal, log)
	friendshipSvc := service.NewFriendshipService(st, notifier, log)

	// Friendship announcements from the social service
	var friendships *natsclient.FriendshipConsumer
	if natsClient != nil {
		friendships = natsclient.NewFriendshipConsumer(natsClient, cfg.FriendshipSubject, friendshipSvc, log)
		if err := friendships.Start(); err != nil {
			log.Fatal("failed to start friendship consumer", zap.Error(err))
		}
	}

	// Websocket gateway
	verifier := auth.NewJWTVerifier(cfg.JWTSecret, cfg.JWTIssuer, cfg.JWTClockSkew)
	gw := gateway.New(verifier, presence, router, messageSvc, log, gateway.Options{
		SendBuffer:        cfg.WSSendBuffer,
		MaxFrameBytes:     cfg.WSMaxFrameBytes,
		FramesPerSecond:   cfg.WSFramesPerSecond,
		WriteTimeout:      cfg.WSWriteTimeout,
		HeartbeatInterval: cfg.WSHeartbeatInterval,
		AllowedOrigins:    cfg.AllowedOrigins,
	})

	r := handler.NewRouter(handler.Deps{
		Conversations:     conversationSvc,
		Messages:          messageSvc,
		Friendships:       friendshipSvc,
		Presence:          presence,
		Channels:          router,
		Verifier:          verifier,
		Gateway:           gw,
		Checks:            checks,
		Logger:            log,
		RateLimitRequests: cfg.RateLimitRequests,
		RateLimitWindow:   cfg.RateLimitWindow,
		AllowedOrigins:    cfg.AllowedOrigins,
		StreamBuffer:      cfg.WSSendBuffer,
		StreamHeartbeat:   cfg.WSHeartbeatInterval,
	})

	// Create HTTP server
	server := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      r,
		ReadTimeout:  cfg.ServerReadTimeout,
		WriteTimeout: cfg.ServerWriteTimeout,
		IdleTimeout:  120 * time.Second,
	}

	// Start server in goroutine
	go func() {
		log.Info("server listening", zap.String("port", cfg.ServerPort))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("server error", zap.Error(err))
		}
	}()

	// Wait for shutdown signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down server")

	// Graceful shutdown with timeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("server forced to shutdown", zap.Error(err))
	}
	// Hijacked websocket connections are not tracked by the server.
	if err := gw.Close(shutdownCtx); err != nil {
		log.Error("gateway forced to shutdown", zap.Error(err))
	}
	if friendships != nil {
		if err := friendships.Stop(); err != nil {
			log.Warn("failed to drain friendship consumer", zap.Error(err))
		}
	}
	if err := presence.Close(); err != nil {
		log.Warn("failed to close presence tracker", zap.Error(err))
	}
	if err := bus.Close(); err != nil {
		log.Warn("failed to close bus", zap.Error(err))
	}
	if natsClient != nil {
		if err := natsClient.Drain(); err != nil {
			log.Warn("failed to drain NATS connection", zap.Error(err))
		}
	}

	log.Info("server stopped")
}
