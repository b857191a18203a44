package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/studyrooms/backend/internal/api"
	"github.com/studyrooms/backend/internal/applog"
	"github.com/studyrooms/backend/internal/bus"
	"github.com/studyrooms/backend/internal/config"
	"github.com/studyrooms/backend/internal/connguard"
	"github.com/studyrooms/backend/internal/gateway"
	"github.com/studyrooms/backend/internal/identity"
	"github.com/studyrooms/backend/internal/identitystore"
	"github.com/studyrooms/backend/internal/journal"
	"github.com/studyrooms/backend/internal/observability"
	"github.com/studyrooms/backend/internal/ratelimit"
	"github.com/studyrooms/backend/internal/rooms"
	"github.com/studyrooms/backend/internal/store"
)

func main() {
	cfg := config.Load()
	ctx := context.Background()

	otelShutdown, err := observability.Init(ctx, observability.Config{
		ServiceName:    "studyrooms-backend",
		ServiceVersion: "1.0.0",
		Environment:    cfg.Environment,
	})
	if err != nil {
		log.Fatalf("failed to initialize observability: %v", err)
	}
	defer func() {
		if err := otelShutdown(context.Background()); err != nil {
			log.Printf("observability shutdown error: %v", err)
		}
	}()

	logger := applog.New(cfg.LogLevel)

	db, err := store.New(cfg.DatabaseURL)
	if err != nil {
		logger.Fatal(ctx, "failed to connect to database: %v", err)
	}

	redisOpts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		logger.Fatal(ctx, "invalid redis URL: %v", err)
	}
	redisClient := redis.NewClient(redisOpts)

	hasher, err := identity.NewHasher([]byte(cfg.HashKey))
	if err != nil {
		logger.Fatal(ctx, "failed to initialize address hasher: %v", err)
	}

	roomRegistry := rooms.New(db)
	identities := identitystore.New(db)
	chatJournal := journal.New(db)
	eventBus := bus.New(256)

	rlStore := ratelimit.NewRedisStore(redisClient)
	rlEngine := ratelimit.NewEngine(rlStore, cfg.RateLimits)

	governor := connguard.NewGovernor(cfg.MaxConnectionsPerPrincipal, cfg.ReconnectWindow, cfg.ReconnectThreshold)
	admission := connguard.NewAdmissionQueue(redisClient, cfg.SystemCapacity)

	if err := roomRegistry.Bootstrap(ctx, cfg.RoomSeed); err != nil {
		logger.Fatal(ctx, "failed to seed rooms: %v", err)
	}

	if period := cfg.IdleTimeout / 6; period > 0 {
		go func() {
			ticker := time.NewTicker(period)
			defer ticker.Stop()
			for range ticker.C {
				if _, err := identities.EvictIdle(ctx); err != nil {
					logger.Error(ctx, "idle eviction failed: %v", err)
				}
			}
		}()
	}

	gatewayDeps := gateway.Deps{
		Rooms:      roomRegistry,
		Identities: identities,
		Journal:    chatJournal,
		Bus:        eventBus,
		RateLimit:  rlEngine,
		Governor:   governor,
		Admission:  admission,
		Logger:     logger,

		PingInterval:  cfg.PingInterval,
		PingMaxMissed: cfg.PingMaxMissed,
		HistoryLimit:  cfg.ChatHistoryLimit,
	}

	edgeLimiter, err := api.NewEdgeLimiter(redisClient, cfg.EdgeRateLimitMax, cfg.EdgeRateLimitWindow, cfg.TrustForwardedFor)
	if err != nil {
		logger.Fatal(ctx, "failed to initialize edge rate limiter: %v", err)
	}

	router := api.NewRouter(api.Deps{
		Rooms:             roomRegistry,
		Identities:        identities,
		Hasher:            hasher,
		RateLimit:         rlEngine,
		Admission:         admission,
		Gateway:           gatewayDeps,
		Logger:            logger,
		TrustForwardedFor: cfg.TrustForwardedFor,
	}, edgeLimiter)

	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info(ctx, "starting server on %s", server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal(ctx, "server error: %v", err)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	gracefulShutdown(context.Background(), logger, server, db, redisClient, eventBus)
	logger.Info(context.Background(), "application stopped")
}

// gracefulShutdown implements the spec's shutdown sequence (stop accepting,
// broadcast error{SERVER_SHUTDOWN}, drain topics, force-remove remaining
// memberships). server.Shutdown itself stops accepting new connections
// immediately (new HTTP requests and new /room/{id} upgrades alike) but,
// since a websocket upgrade hijacks the underlying connection, it does not
// track or wait on already-upgraded gateway connections; the SERVER_SHUTDOWN
// broadcast is what actually drives those to close, each one queuing its
// close-after-write frame and then running its own force-remove teardown
// independently of this function.
func gracefulShutdown(ctx context.Context, logger *applog.Logger, server *http.Server, db *store.Store, redisClient *redis.Client, eventBus *bus.Bus) {
	logger.Info(ctx, "shutting down server")

	eventBus.Publish(bus.Event{
		Topic: bus.SystemTopic,
		Type:  bus.EventShutdown,
	})

	shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error(ctx, "http server shutdown error: %v", err)
	} else {
		logger.Info(ctx, "http server stopped")
	}

	if err := redisClient.Close(); err != nil {
		logger.Error(ctx, "redis close error: %v", err)
	} else {
		logger.Info(ctx, "redis connection closed")
	}

	db.Close()
	logger.Info(ctx, "database connection closed")

	logger.Info(ctx, "graceful shutdown complete")
}
