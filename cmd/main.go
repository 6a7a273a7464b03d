/**
 * @description
 * This is the main entry point for the checkout-service. It loads configuration,
 * opens the session store, connects to the ledger, Redis and RabbitMQ, wires the
 * reconciliation engine (live listener, backfill and expiry jobs, webhook dispatcher)
 * and serves the HTTP API until it receives SIGINT or SIGTERM.
 *
 * @dependencies
 * - github.com/joho/godotenv: For loading .env files during local development.
 * - github.com/jackc/pgx/v5: PostgreSQL driver.
 * - github.com/redis/go-redis/v9: Verification rate limiting.
 * - internal/api, internal/app, internal/config, internal/store: Internal packages for the service.
 * - pkg/ledgerclient: JSON-RPC client for the token contract.
 * - pkg/rabbitmq: Client for RabbitMQ.
 */

package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/transfa/checkout-service/internal/api"
	"github.com/transfa/checkout-service/internal/app"
	"github.com/transfa/checkout-service/internal/config"
	"github.com/transfa/checkout-service/internal/store"
	"github.com/transfa/checkout-service/pkg/ledgerclient"
	rmrabbit "github.com/transfa/checkout-service/pkg/rabbitmq"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("level=info component=bootstrap msg=\"no .env file found; using environment variables\"")
	}

	cfg, err := config.LoadConfig(".")
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"config load failed\" err=%v", err)
	}
	if strings.TrimSpace(cfg.InternalAPIKey) == "" {
		log.Println("level=warn component=bootstrap msg=\"internal api key not configured; admin routes will reject every request\" env=INTERNAL_API_KEY")
	}
	if strings.TrimSpace(cfg.JWTSigningSecret) == "" {
		log.Println("level=warn component=bootstrap msg=\"jwt signing secret not configured; merchant routes will reject every request\" env=JWT_SIGNING_SECRET")
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil)).With("service", "checkout-service")
	slog.SetDefault(logger)

	log.Printf("level=info component=bootstrap msg=\"starting checkout-service\" port=%s store=%s", cfg.ServerPort, cfg.StoreDriver)

	rootCtx, cancelRoot := context.WithCancel(context.Background())
	defer cancelRoot()

	repository, closeStore := openStore(rootCtx, cfg)
	defer closeStore()

	ledger, err := ledgerclient.Dial(rootCtx, cfg.LedgerRPCURL, cfg.TokenContractAddress, cfg.LedgerCallTimeout())
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"ledger connection failed\" err=%v", err)
	}
	defer ledger.Close()
	log.Println("level=info component=bootstrap msg=\"ledger connected\"")

	var publisher rmrabbit.Publisher = &rmrabbit.EventProducerFallback{}
	rabbitProducer, err := rmrabbit.NewEventProducer(cfg.RabbitMQURL, cfg.EventsExchange)
	if err != nil {
		log.Printf("level=warn component=bootstrap msg=\"rabbitmq producer unavailable; using fallback\" err=%v", err)
	} else {
		defer rabbitProducer.Close()
		publisher = rabbitProducer
		log.Println("level=info component=bootstrap msg=\"rabbitmq producer connected\"")
	}

	var limiter app.RateLimiter
	if strings.TrimSpace(cfg.RedisURL) == "" {
		log.Println("level=warn component=bootstrap msg=\"redis url missing; verification rate limiting disabled\" env=REDIS_URL")
	} else {
		redisOptions, parseErr := redis.ParseURL(cfg.RedisURL)
		if parseErr != nil {
			log.Printf("level=warn component=bootstrap msg=\"redis url parse failed; verification rate limiting disabled\" err=%v", parseErr)
		} else {
			redisClient := redis.NewClient(redisOptions)
			pingCtx, cancelPing := context.WithTimeout(rootCtx, 5*time.Second)
			pingErr := redisClient.Ping(pingCtx).Err()
			cancelPing()
			if pingErr != nil {
				log.Printf("level=warn component=bootstrap msg=\"redis ping failed; verification rate limiting disabled\" err=%v", pingErr)
				redisClient.Close()
			} else {
				defer redisClient.Close()
				limiter = app.NewRedisRateLimiter(redisClient, cfg.RedisRateLimitPrefix)
				log.Println("level=info component=bootstrap msg=\"redis connected\"")
			}
		}
	}

	dispatcher := app.NewDispatcher(repository, logger, app.DispatcherConfig{
		Timeout:        cfg.WebhookTimeout(),
		RetrySchedule:  cfg.WebhookRetrySchedule,
		MaxConcurrency: cfg.WebhookMaxConcurrency,
	})

	reconciler := app.NewReconciler(repository, ledger, dispatcher, publisher, logger, app.ReconcilerConfig{
		AssetSymbol:           cfg.AssetSymbol,
		TokenDecimals:         int32(cfg.TokenDecimals),
		LiveConfirmationDepth: uint64(cfg.LiveConfirmationDepth),
		BackfillConfirmations: uint64(cfg.BackfillConfirmationDepth),
	})

	watch := app.NewWatchSet()
	listener := app.NewListener(ledger, reconciler, watch, logger)
	jobs := app.NewJobs(repository, ledger, reconciler, dispatcher, publisher, watch, listener, logger, app.JobsConfig{
		BackfillWindowBlocks:      uint64(cfg.BackfillWindowBlocks),
		BackfillConfirmationDepth: uint64(cfg.BackfillConfirmationDepth),
	})

	if err := jobs.RefreshWatchSet(rootCtx); err != nil {
		log.Printf("level=warn component=bootstrap msg=\"initial watch set load failed\" err=%v", err)
	}
	if _, err := listener.Start(rootCtx); err != nil {
		log.Printf("level=warn component=bootstrap msg=\"live listener unavailable; relying on backfill\" err=%v", err)
	}
	go jobs.RunBackfill()

	scheduler := app.NewScheduler(jobs, logger, app.ScheduleConfig{
		BackfillSchedule:    cfg.BackfillSchedule,
		ExpirySweepSchedule: cfg.ExpirySweepSchedule,
	})
	if err := scheduler.Start(); err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"scheduler start failed\" err=%v", err)
	}

	checkoutService := app.NewService(repository, ledger, reconciler, watch, limiter, dispatcher, publisher, logger, app.ServiceConfig{
		AssetSymbol:              cfg.AssetSymbol,
		TokenDecimals:            int32(cfg.TokenDecimals),
		DefaultTTL:               time.Duration(cfg.SessionDefaultTTLMinutes) * time.Minute,
		MaxTTL:                   time.Duration(cfg.SessionMaxTTLMinutes) * time.Minute,
		VerifyScanWindowBlocks:   uint64(cfg.BackfillWindowBlocks),
		VerifyRateLimitPerMinute: cfg.VerifyRateLimitPerMinute,
	})

	var rabbitConsumer *rmrabbit.Consumer
	if consumer, consumerErr := rmrabbit.NewConsumer(cfg.RabbitMQURL); consumerErr != nil {
		log.Printf("level=warn component=bootstrap msg=\"rabbitmq consumer unavailable; redelivery commands disabled\" err=%v", consumerErr)
	} else {
		redelivery := app.NewRedeliveryConsumer(dispatcher)
		bindings := map[string]func([]byte) bool{
			rmrabbit.RoutingKeyWebhookRedeliver: redelivery.HandleMessage,
		}
		if err := consumer.ConsumeWithBindings(cfg.EventsExchange, cfg.RedeliveryQueue, bindings); err != nil {
			log.Printf("level=warn component=bootstrap msg=\"redelivery consumer start failed\" err=%v", err)
			consumer.Close()
		} else {
			rabbitConsumer = consumer
		}
	}

	handlers := api.NewCheckoutHandlers(checkoutService)
	router := api.CheckoutRoutes(handlers, api.RouterConfig{
		JWTSigningSecret: cfg.JWTSigningSecret,
		InternalAPIKey:   cfg.InternalAPIKey,
		AllowedOrigins:   cfg.AllowedOrigins(),
	})

	serverAddr := fmt.Sprintf(":%s", cfg.ServerPort)
	server := &http.Server{
		Addr:              serverAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Printf("level=info component=http msg=\"server listening\" addr=%s", serverAddr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("level=fatal component=http msg=\"server stopped unexpectedly\" err=%v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	log.Println("level=info component=http msg=\"shutdown started\"")

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Printf("level=error component=http msg=\"shutdown failed\" err=%v", err)
	}
	if rabbitConsumer != nil {
		rabbitConsumer.Close()
	}
	listener.Stop()
	<-scheduler.Stop().Done()
	dispatcher.Stop(ctx)
	cancelRoot()

	log.Println("level=info component=http msg=\"shutdown complete\"")
}

// openStore opens the configured session store and applies its schema.
func openStore(ctx context.Context, cfg config.Config) (store.Repository, func()) {
	if cfg.StoreDriver == config.StoreDriverSQLite {
		repository, err := store.OpenSQLite(cfg.SQLitePath)
		if err != nil {
			log.Fatalf("level=fatal component=bootstrap msg=\"sqlite open failed\" path=%s err=%v", cfg.SQLitePath, err)
		}
		if err := repository.EnsureSchema(ctx); err != nil {
			log.Fatalf("level=fatal component=bootstrap msg=\"schema setup failed\" err=%v", err)
		}
		log.Printf("level=info component=bootstrap msg=\"sqlite store ready\" path=%s", cfg.SQLitePath)
		return repository, func() { repository.Close() }
	}

	poolConfig, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"database url parse failed\" err=%v", err)
	}
	poolConfig.MaxConns = 50
	poolConfig.MinConns = 5
	poolConfig.MaxConnLifetime = 30 * time.Minute
	poolConfig.MaxConnIdleTime = 5 * time.Minute

	dbpool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"database connection failed\" err=%v", err)
	}
	repository := store.NewPostgresRepository(dbpool)
	if err := repository.EnsureSchema(ctx); err != nil {
		dbpool.Close()
		log.Fatalf("level=fatal component=bootstrap msg=\"schema setup failed\" err=%v", err)
	}
	log.Println("level=info component=bootstrap msg=\"database connected\"")
	return repository, dbpool.Close
}
