package main

import (
	"context"
	"log"
	"os"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/yourorg/checkout-payments/internal/api"
	"github.com/yourorg/checkout-payments/internal/circuitbreaker"
	"github.com/yourorg/checkout-payments/internal/config"
	"github.com/yourorg/checkout-payments/internal/credentials"
	"github.com/yourorg/checkout-payments/internal/gateway/factory"
	"github.com/yourorg/checkout-payments/internal/monitor"
	"github.com/yourorg/checkout-payments/internal/orchestrator"
	"github.com/yourorg/checkout-payments/internal/policy"
	"github.com/yourorg/checkout-payments/internal/reporting"
	"github.com/yourorg/checkout-payments/internal/session"
	"github.com/yourorg/checkout-payments/internal/webhook"
)

func main() {
	// Local development convenience; absent .env is fine.
	_ = godotenv.Load()

	logger := log.New(os.Stdout, "checkout: ", log.LstdFlags|log.Lmsgprefix)

	cfg, err := config.Load()
	if err != nil {
		logger.Fatalf("configuration: %v", err)
	}

	if cfg.EnableTracing {
		shutdown, err := setupTracing()
		if err != nil {
			logger.Fatalf("tracing: %v", err)
		}
		defer shutdown()
	}

	ctx := context.Background()

	var sessions session.Store = session.NewMemoryStore()
	if cfg.DatabaseURL != "" {
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			logger.Fatalf("postgres: %v", err)
		}
		defer pool.Close()
		sessions = session.NewPostgresStore(pool)
		logger.Printf("sessions: postgres store")
	} else {
		logger.Printf("sessions: in-memory store")
	}

	var dedup webhook.DedupStore = webhook.NewMemoryDedup()
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			logger.Fatalf("redis: %v", err)
		}
		client := redis.NewClient(opts)
		defer client.Close()
		dedup = webhook.NewRedisDedup(client, 0)
		logger.Printf("webhook dedup: redis")
	}

	enforcer, err := policy.NewEnforcer(cfg.PolicyRules)
	if err != nil {
		logger.Fatalf("policy: %v", err)
	}

	contractMonitor, err := monitor.NewContractMonitor()
	if err != nil {
		logger.Fatalf("contract monitor: %v", err)
	}

	resolver := credentials.New(nil, nil, cfg.Gateways, cfg.EncryptionKey, logger)
	recorder := reporting.NewRecorder(0)

	orch, err := orchestrator.New(orchestrator.Deps{
		Adapters:        factory.New(),
		Credentials:     resolver,
		Sessions:        sessions,
		Breaker:         circuitbreaker.New(),
		Enforcer:        enforcer,
		Dedup:           dedup,
		Recorder:        recorder,
		FallbackEnabled: cfg.EnableFallback,
		Logger:          logger,
	})
	if err != nil {
		logger.Fatalf("orchestrator: %v", err)
	}

	router := api.NewServer(orch, contractMonitor, recorder).Router()
	logger.Printf("listening on %s", cfg.ListenAddr)
	if err := router.Run(cfg.ListenAddr); err != nil {
		logger.Fatalf("server: %v", err)
	}
}

func setupTracing() (func(), error) {
	exporter, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
	if err != nil {
		return nil, err
	}
	provider := sdktrace.NewTracerProvider(sdktrace.WithBatcher(exporter))
	otel.SetTracerProvider(provider)
	return func() {
		_ = provider.Shutdown(context.Background())
	}, nil
}
