// The worker binary runs the scheduled-send dispatcher on its own,
// for deployments that scale dispatch separately from the API (run the
// server with scheduler.enabled=false and any number of workers; the
// sweep lock keeps them from double-claiming).
package main

import (
	"context"
	"database/sql"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"

	"github.com/inboundemail/inbound-sub004/internal/config"
	"github.com/inboundemail/inbound-sub004/internal/entitlement"
	"github.com/inboundemail/inbound-sub004/internal/outbound"
	"github.com/inboundemail/inbound-sub004/internal/pkg/distlock"
	"github.com/inboundemail/inbound-sub004/internal/pkg/logger"
	"github.com/inboundemail/inbound-sub004/internal/repository/postgres"
	"github.com/inboundemail/inbound-sub004/internal/sesmail"
	"github.com/inboundemail/inbound-sub004/internal/worker"
)

func main() {
	cfg, err := config.LoadFromEnv("config/config.yaml")
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	logger.SetLevel(logger.ParseLevel(cfg.Logging.Level))
	logger.SetRedactPII(cfg.Logging.RedactPII)

	dbURL := cfg.Database.URL
	sep := "?"
	if strings.Contains(dbURL, "?") {
		sep = "&"
	}
	if !strings.Contains(dbURL, "connect_timeout") {
		dbURL += sep + "connect_timeout=5"
	}
	db, err := sql.Open("postgres", dbURL)
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}
	db.SetMaxOpenConns(cfg.Database.MaxOpenConns)
	db.SetMaxIdleConns(cfg.Database.MaxIdleConns)
	db.SetConnMaxLifetime(time.Duration(cfg.Database.ConnMaxLifetime) * time.Minute)

	pingCtx, pingCancel := context.WithTimeout(context.Background(), 10*time.Second)
	if err := db.PingContext(pingCtx); err != nil {
		pingCancel()
		log.Fatalf("Database ping failed: %v", err)
	}
	pingCancel()
	defer db.Close()

	var redisClient *redis.Client
	if cfg.Redis.Enabled {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		rCtx, rCancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := redisClient.Ping(rCtx).Err(); err != nil {
			log.Printf("Warning: Redis unreachable (%v), falling back to advisory locks", err)
			redisClient = nil
		}
		rCancel()
	}

	mailer, err := sesmail.NewClient(context.Background(), cfg.SES)
	if err != nil {
		log.Fatalf("Failed to initialize mailer client: %v", err)
	}

	store := postgres.NewStore(db)
	store.Scheduled.SetMaxAttempts(cfg.Scheduler.MaxAttempts)

	var quota outbound.QuotaChecker
	if cfg.Entitlement.Enabled && cfg.Entitlement.APIKey != "" {
		quota = entitlement.NewQuotaGate(entitlement.NewClient(cfg.Entitlement))
	} else {
		quota = entitlement.NewNoopGate()
	}

	sender := outbound.NewSender(store.Sent, store.Scheduled, store.Domains, store.Emails,
		store.Structured, mailer, quota, cfg.Inbound)

	// The scheduler.enabled flag governs only the in-server sweep;
	// running this binary is the explicit request to dispatch.
	sweepLock := distlock.NewLock(redisClient, db, "scheduler:sweep", cfg.Scheduler.Interval())
	scheduler := worker.NewScheduler(cfg.Scheduler, store.Scheduled, sender, sweepLock)
	if err := scheduler.Start(); err != nil {
		log.Fatalf("Failed to start send scheduler: %v", err)
	}

	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	<-done

	log.Println("Shutting down...")
	scheduler.Stop()
	log.Println("Worker stopped")
}
