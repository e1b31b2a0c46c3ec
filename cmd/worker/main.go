package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/redis/go-redis/v9"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/endpoints"

	"github.com/relayhub/unibox/internal/config"
	"github.com/relayhub/unibox/internal/counter"
	"github.com/relayhub/unibox/internal/pkg/distlock"
	"github.com/relayhub/unibox/internal/provider"
	"github.com/relayhub/unibox/internal/queue"
	"github.com/relayhub/unibox/internal/repository/postgres"
	"github.com/relayhub/unibox/internal/storage"
	"github.com/relayhub/unibox/internal/usage"
)

// recoveryLockKey guards the stale-job sweep so only one worker replica
// runs it at a time.
const recoveryLockKey = "unibox:queue:recovery"

func main() {
	cfg, err := config.LoadFromEnv("config/config.yaml")
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	db, err := sql.Open("postgres", cfg.Database.URL)
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}
	defer db.Close()
	db.SetMaxOpenConns(cfg.Database.MaxOpenConns)
	db.SetMaxIdleConns(cfg.Database.MaxIdleConns)
	db.SetConnMaxLifetime(time.Duration(cfg.Database.ConnMaxLifetime) * time.Second)

	pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	if err := db.PingContext(pingCtx); err != nil {
		cancel()
		log.Fatalf("Database ping failed: %v", err)
	}
	cancel()

	redisOpts, err := redis.ParseURL(cfg.Redis.URL)
	if err != nil {
		log.Fatalf("Invalid Redis URL: %v", err)
	}
	redisClient := redis.NewClient(redisOpts)
	defer redisClient.Close()
	counters := counter.New(redisClient)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	attachments, err := storage.New(ctx, cfg.Storage)
	if err != nil {
		log.Fatalf("Failed to initialize attachment storage: %v", err)
	}

	ledger := postgres.NewUsageRepo(db)
	accounts := postgres.NewAccountRepo(db)
	queueRepo := postgres.NewQueueRepo(db)

	recorder := usage.NewRecorder(counters, ledger,
		cfg.Safety.CooldownPerRecipient(), cfg.Safety.CooldownPerDomain())

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

	registry := provider.NewRegistry()
	registry.Register("gmail", provider.NewGmailSender(cfg.Providers.Gmail, gmailTokens, attachments))
	registry.Register("outlook", provider.NewOutlookSender(cfg.Providers.Outlook, outlookTokens, attachments))
	aggregator := provider.NewAggregatorSender(cfg.Providers.Aggregator)
	registry.Register("whatsapp", aggregator)
	registry.Register("instagram", aggregator)

	pool := queue.NewPool(queueRepo, registry, recorder,
		cfg.Queue.Concurrency, cfg.Queue.MaxAttempts, cfg.Queue.BackoffBase())
	pool.Start()

	lock := distlock.NewRedisLock(redisClient, recoveryLockKey, cfg.Queue.RecoveryInterval())
	recovery := queue.NewRecovery(queueRepo, lock,
		cfg.Queue.RecoveryInterval(), cfg.Queue.StaleLock(),
		cfg.Queue.MaxAttempts, cfg.Queue.KeepCompleted, cfg.Queue.KeepDead)
	go recovery.Run(ctx)

	fmt.Printf("Delivery worker running (concurrency=%d)\n", cfg.Queue.Concurrency)
	<-ctx.Done()

	log.Println("Stopping worker pool...")
	pool.Stop()
	log.Println("Worker stopped")
}
