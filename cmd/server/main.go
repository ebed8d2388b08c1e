package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/Garl-Protocol/garl/internal/api"
	"github.com/Garl-Protocol/garl/internal/config"
	"github.com/Garl-Protocol/garl/internal/events"
	"github.com/Garl-Protocol/garl/internal/feed"
	"github.com/Garl-Protocol/garl/internal/handlers"
	"github.com/Garl-Protocol/garl/internal/middleware"
	"github.com/Garl-Protocol/garl/internal/monitoring"
	"github.com/Garl-Protocol/garl/internal/pipeline"
	"github.com/Garl-Protocol/garl/internal/reputation"
	"github.com/Garl-Protocol/garl/internal/signing"
	"github.com/Garl-Protocol/garl/internal/storage"
	"github.com/Garl-Protocol/garl/internal/trust"
	"github.com/Garl-Protocol/garl/internal/webhooks"
)

func main() {
	log.Println("🔥 Starting GARL reputation ledger...")

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("❌ Config load failed: %v", err)
	}

	// Storage: Postgres when configured, in-memory for local development.
	var store storage.Store
	if cfg.DatabaseURL != "" {
		pg, err := storage.NewPostgresStore(cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("❌ Postgres init failed: %v", err)
		}
		store = pg
		log.Println("✅ Postgres store ready (migrations applied)")
	} else {
		store = storage.NewMemoryStore()
		log.Println("⚠️ DATABASE_URL not set, using in-memory store")
	}
	defer store.Close()

	// Redis backs the rate limiter when available. Without it the limiter
	// falls back to per-process sliding windows.
	var rdb *redis.Client
	if cfg.RedisAddr != "" {
		rdb = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		if err := rdb.Ping(ctx).Err(); err != nil {
			log.Printf("⚠️ Redis unreachable (%v), rate limiting is per-process", err)
			rdb = nil
		} else {
			log.Println("✅ Redis connected")
		}
		cancel()
	}

	// A configured hex key wins; otherwise the key file is loaded, or
	// generated and persisted on first start.
	var signer *signing.Signer
	if cfg.SigningPrivateKeyHex != "" {
		signer, err = signing.NewSigner(cfg.SigningPrivateKeyHex)
	} else {
		signer, err = signing.NewSignerFromFile(cfg.SigningKeyPath)
	}
	if err != nil {
		log.Fatalf("❌ Signer init failed: %v", err)
	}
	log.Printf("✅ Signing key ready (pub %s...)", signer.PublicKeyHex()[:16])

	engine := reputation.NewEngine(reputation.DefaultConfig())
	metrics := monitoring.New()

	// Event fan-out: in-process bus feeds the websocket hub, the dispatcher
	// delivers signed webhooks.
	bus := events.NewBus()
	dispatcher := webhooks.NewDispatcher(store, cfg.WebhookWorkers, cfg.WebhookQueueSize)
	dispatcher.Deliveries = metrics.WebhookDeliveries
	hub := feed.NewHub(bus, cfg.AllowedOrigins)

	pl := pipeline.New(store, engine, signer, bus, dispatcher, metrics)
	ts := trust.NewService(store, engine, pl.Locks(), bus, dispatcher)

	h := handlers.New(store, pl, ts, engine, signer, metrics, cfg.BaseURL, cfg.ReadAuthEnabled)
	rl := middleware.NewRateLimiter(rdb, cfg.RateLimitPerMinute)
	rl.Limited = metrics.RateLimited

	router := api.NewRouter(h, rl, hub, cfg.AllowedOrigins)
	server := api.NewServer(cfg.Port, router)

	// Graceful shutdown on SIGINT/SIGTERM.
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigChan
		log.Println("Received shutdown signal, draining...")

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := server.Shutdown(ctx); err != nil {
			log.Printf("⚠️ Server shutdown error: %v", err)
		}
		hub.Shutdown()
		dispatcher.Shutdown()
	}()

	if err := server.Start(); err != nil {
		log.Fatalf("❌ Server failed: %v", err)
	}
	log.Println("Server stopped")
}
