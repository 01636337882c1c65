package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"

	"github.com/inboundemail/inbound-sub004/internal/api"
	"github.com/inboundemail/inbound-sub004/internal/config"
	"github.com/inboundemail/inbound-sub004/internal/dnscheck"
	"github.com/inboundemail/inbound-sub004/internal/entitlement"
	"github.com/inboundemail/inbound-sub004/internal/ingest"
	"github.com/inboundemail/inbound-sub004/internal/outbound"
	"github.com/inboundemail/inbound-sub004/internal/pkg/distlock"
	"github.com/inboundemail/inbound-sub004/internal/pkg/logger"
	"github.com/inboundemail/inbound-sub004/internal/receipt"
	"github.com/inboundemail/inbound-sub004/internal/repository/postgres"
	"github.com/inboundemail/inbound-sub004/internal/route"
	"github.com/inboundemail/inbound-sub004/internal/sesmail"
	"github.com/inboundemail/inbound-sub004/internal/worker"
)

// ruleLockTTL bounds how long a receipt-rule convergence may hold its
// per-domain lock before a crashed holder stops blocking others.
const ruleLockTTL = 30 * time.Second

// checkPortAvailable verifies that the target port is not already in use.
// This prevents confusion from stale/stub processes occupying the port.
func checkPortAvailable(host string, port int) error {
	addr := fmt.Sprintf("%s:%d", host, port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("port %d is already in use (addr %s): %v\n"+
			"  Hint: Run 'lsof -i :%d' to find the blocking process", port, addr, err, port)
	}
	ln.Close()
	return nil
}

func extractHost(dsn string) string {
	at := strings.Index(dsn, "@")
	if at < 0 {
		return "(unknown)"
	}
	rest := dsn[at+1:]
	if slash := strings.Index(rest, "/"); slash >= 0 {
		rest = rest[:slash]
	}
	return rest
}

func main() {
	cfg, err := config.LoadFromEnv("config/config.yaml")
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if os.Getenv("DATABASE_URL") != "" {
		log.Println("[config] DATABASE_URL env override active")
	}
	logger.SetLevel(logger.ParseLevel(cfg.Logging.Level))
	logger.SetRedactPII(cfg.Logging.RedactPII)

	// Pre-flight check: verify the target port is available.
	host := cfg.Server.GetHost()
	port := cfg.Server.Port
	if err := checkPortAvailable(host, port); err != nil {
		log.Fatalf("Pre-flight check FAILED: %v", err)
	}

	// PostgreSQL. Statement timeouts keep a wedged query from holding a
	// pool slot forever.
	dbURL := cfg.Database.URL
	sep := "?"
	if strings.Contains(dbURL, "?") {
		sep = "&"
	}
	if !strings.Contains(dbURL, "connect_timeout") {
		dbURL += sep + "connect_timeout=5"
	}
	log.Printf("Connecting to database at %s", extractHost(dbURL))
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

	// Redis is optional; without it, distributed locks fall back to
	// Postgres advisory locks.
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

	var gate entitlement.Gate
	var quota outbound.QuotaChecker
	if cfg.Entitlement.Enabled && cfg.Entitlement.APIKey != "" {
		qg := entitlement.NewQuotaGate(entitlement.NewClient(cfg.Entitlement))
		gate, quota = qg, qg
		log.Println("Entitlement gate enabled")
	} else {
		ng := entitlement.NewNoopGate()
		gate, quota = ng, ng
	}

	// Routing executors shared by the ingest pipeline and the API's test
	// deliveries.
	webhookExec := route.NewWebhookExecutor(store.Deliveries, store.Endpoints, store.Webhooks, cfg.Webhook)
	forwardExec := route.NewForwardExecutor(store.Deliveries, store.Endpoints, store.Endpoints, mailer, cfg.Inbound)
	router := route.NewRouter(store.Addresses, store.Endpoints, store.Webhooks, store.Domains, webhookExec, forwardExec)

	ingestor := ingest.NewIngestor(
		store.Events,
		store.Emails,
		store.Structured,
		ingest.NewOwnerResolver(store.Domains),
		ingest.NewBlocklistChecker(store.Blocked),
		gate,
		mailer,
		router,
	)

	sender := outbound.NewSender(store.Sent, store.Scheduled, store.Domains, store.Emails,
		store.Structured, mailer, quota, cfg.Inbound)
	threads := outbound.NewThreadService(store.Emails, store.Structured, store.Sent)

	locker := func(key string) distlock.DistLock {
		return distlock.NewLock(redisClient, db, key, ruleLockTTL)
	}
	receipts := receipt.NewManager(mailer, store.Addresses, store.Domains, locker, cfg.SES.RulePrefix)

	server := api.New(cfg, api.Deps{
		APIKeys:    store.APIKeys,
		Ingestor:   ingestor,
		Sender:     sender,
		Threads:    threads,
		Receipts:   receipts,
		DNS:        dnscheck.NewChecker("", cfg.SES.Region),
		Identities: mailer,
		Tester:     webhookExec,
		Domains:    store.Domains,
		Addresses:  store.Addresses,
		Endpoints:  store.Endpoints,
		Mail:       store.Emails,
		Parsed:     store.Structured,
		Deliveries: store.Deliveries,
		Sent:       store.Sent,
		Scheduled:  store.Scheduled,
		Webhooks:   store.Webhooks,
	})

	var scheduler *worker.Scheduler
	if cfg.Scheduler.Enabled {
		sweepLock := distlock.NewLock(redisClient, db, "scheduler:sweep", cfg.Scheduler.Interval())
		scheduler = worker.NewScheduler(cfg.Scheduler, store.Scheduled, sender, sweepLock)
		if err := scheduler.Start(); err != nil {
			log.Fatalf("Failed to start send scheduler: %v", err)
		}
	} else {
		log.Println("Send scheduler disabled; scheduled emails will not dispatch")
	}

	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		addr := fmt.Sprintf("%s:%d", host, port)
		log.Printf("Starting server on %s", addr)
		if err := server.ListenAndServe(addr); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	<-done
	log.Println("Shutting down...")

	if scheduler != nil {
		scheduler.Stop()
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server shutdown error: %v", err)
	}
	log.Println("Server stopped")
}
