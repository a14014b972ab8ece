package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"lexcollab/internal/api"
	"lexcollab/internal/config"
	"lexcollab/internal/db"
	"lexcollab/internal/hub"
	"lexcollab/internal/repository"
	"lexcollab/internal/telemetry"

	"github.com/segmentio/ksuid"
)

func main() {
	log.Println("🚀 Starting LexCollab collaboration server...")

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("❌ Failed to load config: %v", err)
	}

	jaegerShutdown, err := telemetry.InitJaeger("lexcollab", cfg.JaegerEndpoint)
	if err != nil {
		log.Printf("⚠️  Failed to initialize Jaeger: %v (continuing without tracing)", err)
		jaegerShutdown = func(ctx context.Context) error { return nil }
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := jaegerShutdown(ctx); err != nil {
			log.Printf("⚠️  Failed to shutdown Jaeger: %v", err)
		}
	}()

	// Persistence is optional: the collaboration path works without it,
	// only session history and the lock audit trail go missing.
	var sessionRepo *repository.SessionRepo
	var lockRepo *repository.LockAuditRepo
	if cfg.DBDisabled {
		log.Println("⚠️  Database disabled, session history and lock audit will not be recorded")
	} else {
		database, err := db.NewGorm(cfg)
		if err != nil {
			log.Fatalf("❌ Failed to connect to database: %v", err)
		}
		defer database.Close()
		sessionRepo = repository.NewSessionRepo(database.DB)
		lockRepo = repository.NewLockAuditRepo(database.DB)
	}

	var relay *hub.Relay
	if cfg.RedisAddr != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		relay, err = hub.NewRelay(ctx, cfg.RedisAddr, ksuid.New().String())
		cancel()
		if err != nil {
			log.Fatalf("❌ Failed to connect to redis: %v", err)
		}
		log.Printf("✓ Presence relay connected: %s", cfg.RedisAddr)
	}

	opts := hub.Options{
		SweepInterval: cfg.SweepInterval,
		SessionTTL:    cfg.SessionTTL,
		CursorTTL:     cfg.CursorTTL,
	}
	collabHub := hub.New(opts, sessionRepo, lockRepo, relay)
	collabHub.Start()

	wsHandler := hub.NewWebSocketHandler(collabHub)
	handler := api.NewHandler(collabHub, wsHandler, sessionRepo, lockRepo)
	router := api.SetupRoutes(handler)

	addr := fmt.Sprintf("%s:%s", cfg.ServerHost, cfg.ServerPort)
	server := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Printf("🌐 Server listening on http://%s", addr)
		log.Printf("   GET  /api/health                   - Health check")
		log.Printf("   GET  /api/sessions                 - Active collaboration sessions")
		log.Printf("   GET  /api/documents/:id/sessions   - Session history")
		log.Printf("   GET  /api/documents/:id/locks      - Lock audit trail")
		log.Printf("   WS   /ws/collab                    - Collaboration endpoint")

		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("❌ Server error: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("\n🛑 Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		log.Printf("⚠️  Server forced to shutdown: %v", err)
	}

	collabHub.Shutdown()

	log.Println("✓ Server shutdown complete")
}
