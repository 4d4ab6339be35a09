package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/orgchat/relay/internal/api"
	"github.com/orgchat/relay/internal/auth"
	"github.com/orgchat/relay/internal/cache"
	"github.com/orgchat/relay/internal/config"
	"github.com/orgchat/relay/internal/db"
	"github.com/orgchat/relay/internal/observability"
	"github.com/orgchat/relay/internal/push"
	"github.com/orgchat/relay/internal/relay"
	"github.com/orgchat/relay/internal/utils"
)

func main() {
	// Load configuration
	cfg := config.Load()

	// Initialize OpenTelemetry
	otelCleanup, err := observability.InitOpenTelemetry("orgchat-relay", "1.0.0")
	if err != nil {
		log.Fatalf("Failed to initialize OpenTelemetry: %v", err)
	}

	// Initialize structured logger
	logger := utils.NewLogger(cfg.LogLevel)

	if cfg.DatabaseURL == "" {
		logger.Fatal(context.Background(), "DATABASE_URL is required")
	}

	// Initialize database and bring the schema up to date
	database, err := db.New(cfg.DatabaseURL, logger)
	if err != nil {
		logger.Fatal(context.Background(), "Failed to initialize database: %v", err)
	}
	if err := database.Migrate(context.Background()); err != nil {
		logger.Fatal(context.Background(), "Failed to migrate schema: %v", err)
	}

	// Initialize the optional Redis cooldown cache
	redisCache, err := cache.New(cfg.RedisURL)
	if err != nil {
		logger.Fatal(context.Background(), "Failed to initialize cache: %v", err)
	}
	if redisCache == nil {
		logger.Info(context.Background(), "No REDIS_URL configured, push cooldown uses the audit table only")
	}

	// Initialize the push pipeline: FCM gateway behind an async dispatcher
	var sender push.Sender
	gateway, err := push.NewFCMGateway(context.Background(), cfg.FCMCredentialsFile, logger)
	if err != nil {
		logger.Fatal(context.Background(), "Failed to initialize push gateway: %v", err)
	}
	if gateway != nil {
		sender = gateway
	} else {
		logger.Info(context.Background(), "No FCM_CREDENTIALS_FILE configured, push delivery disabled")
	}
	dispatcher := push.NewDispatcher(sender, cfg.PushQueueSize, cfg.PushWorkers, logger)
	dispatcher.Start(context.Background())

	// Initialize the relay engine over the presence registry
	registry := relay.NewRegistry()
	engine := relay.NewEngine(database, registry, dispatcher, redisCache, logger)

	// Admin endpoint auth; without a public key /sendmessage stays locked
	var jwtMgr *auth.JWTManager
	if cfg.JWTPublicKey != "" {
		jwtMgr, err = auth.NewJWTManagerFromFiles(cfg.JWTPrivateKey, cfg.JWTPublicKey)
		if err != nil {
			logger.Fatal(context.Background(), "Failed to load JWT keys: %v", err)
		}
	} else {
		logger.Info(context.Background(), "No JWT_PUBLIC_KEY configured, /sendmessage is disabled")
	}

	// Setup HTTP router
	router := api.NewRouter(database, redisCache, engine, jwtMgr, logger)

	// Create HTTP server
	server := &http.Server{
		Addr:        ":" + cfg.Port,
		Handler:     router,
		ReadTimeout: 15 * time.Second,
		// No WriteTimeout: it would sever long-lived WebSocket sessions.
		IdleTimeout: 60 * time.Second,
	}

	// Start server in goroutine
	go func() {
		logger.Info(context.Background(), "Starting relay on %s", server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal(context.Background(), "Server error: %v", err)
		}
	}()

	// Graceful shutdown setup
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	// Block until a signal is received
	<-sigChan

	gracefulShutdown(context.Background(), cfg.ShutdownTimeout, logger, server, dispatcher, database, redisCache, otelCleanup)

	logger.Info(context.Background(), "Application stopped.")
}

// gracefulShutdown stops the components in dependency order: stop accepting
// traffic, drain queued pushes, then release storage and telemetry.
func gracefulShutdown(ctx context.Context, timeout time.Duration, logger *utils.Logger, server *http.Server, dispatcher *push.Dispatcher, database *db.Database, redisCache *cache.Cache, otelCleanup func(context.Context) error) {
	logger.Info(ctx, "Shutting down relay...")

	shutdownCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	// 1. Shut down HTTP server (closes the listener; live sockets die with it)
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error(ctx, "HTTP server shutdown error: %v", err)
	} else {
		logger.Info(ctx, "HTTP server stopped.")
	}

	// 2. Stop the push dispatcher (drains queued notifications)
	dispatcher.Stop()
	logger.Info(ctx, "Push dispatcher stopped.")

	// 3. Close Database connection
	if err := database.Close(); err != nil {
		logger.Error(ctx, "Database close error: %v", err)
	} else {
		logger.Info(ctx, "Database connection closed.")
	}

	// 4. Close Redis cache connection
	if err := redisCache.Close(); err != nil {
		logger.Error(ctx, "Redis cache close error: %v", err)
	} else {
		logger.Info(ctx, "Redis cache connection closed.")
	}

	// 5. Shutdown OpenTelemetry
	if otelCleanup != nil {
		if err := otelCleanup(shutdownCtx); err != nil {
			logger.Error(ctx, "OpenTelemetry shutdown error: %v", err)
		} else {
			logger.Info(ctx, "OpenTelemetry shut down.")
		}
	}

	logger.Info(ctx, "Graceful shutdown complete.")
}
