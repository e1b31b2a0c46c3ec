package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/redis/go-redis/v9"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/endpoints"

	"github.com/relayhub/unibox/internal/api"
	"github.com/relayhub/unibox/internal/config"
	"github.com/relayhub/unibox/internal/counter"
	"github.com/relayhub/unibox/internal/provider"
	"github.com/relayhub/unibox/internal/queue"
	"github.com/relayhub/unibox/internal/repository/postgres"
	"github.com/relayhub/unibox/internal/safety"
	"github.com/relayhub/unibox/internal/storage"
	"github.com/relayhub/unibox/internal/usage"
)

func openDB(cfg config.DatabaseConfig) (*sql.DB, error) {
	db, err := sql.Open("postgres", cfg.URL)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(time.Duration(cfg.ConnMaxLifetime) * time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("database ping: %w", err)
	}
	return db, nil
}

func buildRegistry(cfg *config.Config, accounts provider.AccountStore, store storage.AttachmentStore) *provider.Registry {
	gmailTokens := provider.NewOAuthTokens(&oauth2.Config{
		ClientID:     cfg.Providers.Gmail.ClientID,
		ClientSecret: cfg.Providers.Gmail.ClientSecret,
		Endpoint:     endpoints.Google,
		Scopes:       []string{"https://www.googleapis.com/auth/gmail.send"},
	}, accounts)

	outlookTokens := provider.NewOAuthTokens(&oauth2.Config{
		ClientID:     cfg.Providers.Outlook.ClientID,
		ClientSecret: cfg.Providers.Outlook.ClientSecret,
		Endpoint:     endpoints.Microsoft,
		Scopes:       []string{"https://graph.microsoft.com/Mail.Send", "offline_access"},
	}, accounts)

	reg := provider.NewRegistry()
	reg.Register("gmail", provider.NewGmailSender(cfg.Providers.Gmail, gmailTokens, store))
	reg.Register("outlook", provider.NewOutlookSender(cfg.Providers.Outlook, outlookTokens, store))

	aggregator := provider.NewAggregatorSender(cfg.Providers.Aggregator)
	reg.Register("whatsapp", aggregator)
	reg.Register("instagram", aggregator)
	return reg
}

func main() {
	cfg, err := config.LoadFromEnv("config/config.yaml")
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if os.Getenv("DATABASE_URL") != "" {
		log.Println("[config] DATABASE_URL env override active")
	}

	db, err := openDB(cfg.Database)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()

	redisOpts, err := redis.ParseURL(cfg.Redis.URL)
	if err != nil {
		log.Fatalf("Invalid Redis URL: %v", err)
	}
	redisClient := redis.NewClient(redisOpts)
	defer redisClient.Close()
	counters := counter.New(redisClient)

	ctx := context.Background()
	attachments, err := storage.New(ctx, cfg.Storage)
	if err != nil {
		log.Fatalf("Failed to initialize attachment storage: %v", err)
	}

	entitlements := postgres.NewEntitlementRepo(db)
	ledger := postgres.NewUsageRepo(db)
	accounts := postgres.NewAccountRepo(db)
	queueRepo := postgres.NewQueueRepo(db)

	safetySvc := safety.NewService(entitlements, counters,
		safety.NewAttachmentPolicy(cfg.Safety), cfg.Safety.StoreTimeout())
	recorder := usage.NewRecorder(counters, ledger,
		cfg.Safety.CooldownPerRecipient(), cfg.Safety.CooldownPerDomain())
	queueSvc := queue.NewService(queueRepo)
	registry := buildRegistry(cfg, accounts, attachments)

	handlers := api.NewHandlers(safetySvc, queueSvc, registry, recorder,
		recorder, entitlements, attachments)
	router := api.SetupRoutes(handlers, cfg.Server.AllowedOrigins)

	// The server drains the queue too; extra worker replicas run cmd/worker.
	// SKIP LOCKED claiming keeps them from stepping on each other.
	pool := queue.NewPool(queueRepo, registry, recorder,
		cfg.Queue.Concurrency, cfg.Queue.MaxAttempts, cfg.Queue.BackoffBase())
	pool.Start()

	addr := fmt.Sprintf("%s:%d", cfg.Server.GetHost(), cfg.Server.Port)
	server := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		log.Printf("API server listening on %s", addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	log.Println("Shutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("Shutdown error: %v", err)
	}
	pool.Stop()
	log.Println("Server stopped")
}
