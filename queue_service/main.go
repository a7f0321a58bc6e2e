package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/taskforge/taskforge/queue_service/advisory"
	"github.com/taskforge/taskforge/queue_service/claim"
	"github.com/taskforge/taskforge/queue_service/deps"
	"github.com/taskforge/taskforge/queue_service/events"
	"github.com/taskforge/taskforge/queue_service/lifecycle"
	"github.com/taskforge/taskforge/queue_service/middleware"
	"github.com/taskforge/taskforge/queue_service/registry"
	"github.com/taskforge/taskforge/queue_service/resolver"
	"github.com/taskforge/taskforge/queue_service/store"
)

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			return d
		}
		log.Printf("[CONFIG] Ignoring invalid %s=%q, using %s", key, v, fallback)
	}
	return fallback
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Row store: Postgres in production, memory for single-node dev.
	var s store.Store
	if dsn := os.Getenv("POSTGRES_DSN"); dsn != "" {
		pg, err := store.NewPostgresStore(ctx, dsn)
		if err != nil {
			log.Fatalf("Failed to connect to Postgres: %v", err)
		}
		if err := pg.EnsureSchema(ctx); err != nil {
			log.Fatalf("Failed to ensure schema: %v", err)
		}
		defer pg.Close()
		s = pg
		log.Printf("[CONFIG] Store: postgres")
	} else {
		s = store.NewMemoryStore()
		log.Printf("[CONFIG] Store: memory (single-node dev mode)")
	}

	// Advisory queues: Redis by default, SQS when configured, memory as
	// the dev fallback.
	var queue advisory.Queue
	redisAddr := os.Getenv("REDIS_ADDR")
	queuePrefix := envOr("QUEUE_PREFIX", "taskforge")
	switch backend := envOr("QUEUE_BACKEND", "redis"); backend {
	case "sqs":
		q, err := advisory.NewSQSQueue(ctx, envOr("SQS_QUEUE_PREFIX", queuePrefix))
		if err != nil {
			log.Fatalf("Failed to initialize SQS queues: %v", err)
		}
		queue = q
		log.Printf("[CONFIG] Queue backend: sqs")
	case "redis":
		if redisAddr == "" {
			queue = advisory.NewMemoryQueue()
			log.Printf("[CONFIG] Queue backend: memory (REDIS_ADDR not set)")
			break
		}
		q, err := advisory.NewRedisQueue(redisAddr, os.Getenv("REDIS_PASSWORD"), 0, queuePrefix)
		if err != nil {
			log.Fatalf("Failed to connect to Redis: %v", err)
		}
		queue = q
		log.Printf("[CONFIG] Queue backend: redis at %s", redisAddr)
	case "memory":
		queue = advisory.NewMemoryQueue()
		log.Printf("[CONFIG] Queue backend: memory")
	default:
		log.Fatalf("Unknown QUEUE_BACKEND %q", backend)
	}

	// Event bus: always log, plus Redis pub/sub when available, plus the
	// WebSocket hub for direct subscribers.
	hub := NewEventHub()
	publishers := events.Fanout{events.NewLogPublisher(), hub}
	if redisAddr != "" {
		rp, err := events.NewRedisPublisher(redisAddr, os.Getenv("REDIS_PASSWORD"), 0, queuePrefix)
		if err != nil {
			log.Fatalf("Failed to connect event publisher to Redis: %v", err)
		}
		publishers = append(publishers, rp)
	}
	var bus events.Publisher = publishers
	defer bus.Close()

	claimTimeout := envDuration("CLAIM_TIMEOUT", 20*time.Minute)
	log.Printf("[CONFIG] Claim timeout: %s", claimTimeout)

	tracker := deps.NewTracker(s, queue, bus)
	lc := lifecycle.NewService(s, queue, bus, tracker)
	reg := registry.NewRegistry(s)
	minter := claim.NewMinter(envOr("CLAIM_SECRET", "dev-only-secret"))
	claimer := claim.NewClaimer(s, queue, bus, reg, minter, claimTimeout)

	// Background resolvers. The resolved queue is drained aggressively:
	// dependency fan-out latency is user-visible.
	go resolver.NewLoop(queue, resolver.NewClaimExpirationHandler(s, queue, bus), envDuration("CLAIM_RESOLVER_INTERVAL", 10*time.Second)).Run(ctx)
	go resolver.NewLoop(queue, resolver.NewDeadlineHandler(s, queue, bus), envDuration("DEADLINE_RESOLVER_INTERVAL", 10*time.Second)).Run(ctx)
	go resolver.NewLoop(queue, resolver.NewResolvedHandler(tracker), envDuration("RESOLVED_RESOLVER_INTERVAL", time.Second)).Run(ctx)

	// Expiry janitor: tasks, artifacts and registry rows past expires.
	go func() {
		ticker := time.NewTicker(envDuration("EXPIRE_SWEEP_INTERVAL", time.Hour))
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
			n, err := s.ExpireRows(ctx, time.Now())
			if err != nil {
				log.Printf("[JANITOR] Expire sweep failed: %v", err)
				continue
			}
			if n > 0 {
				log.Printf("[JANITOR] Expired %d rows", n)
			}
		}
	}()

	go hub.Run(ctx)

	api := NewAPI(lc, claimer, reg, hub)
	mux := http.NewServeMux()
	api.Routes(mux)
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	mux.Handle("/metrics", promhttp.Handler())

	handler := middleware.CORSMiddleware(middleware.ScopesMiddleware(mux))
	addr := envOr("LISTEN_ADDR", ":8080")
	server := &http.Server{Addr: addr, Handler: handler}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 25*time.Second)
		defer cancel()
		server.Shutdown(shutdownCtx)
	}()

	log.Printf("Queue service listening on %s", addr)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatal(err)
	}
}
