/**
 * @description
 * This is the main entry point for the escrow-service. It is responsible for
 * initializing all components of the service, including configuration, database connection,
 * external API clients, message brokers, repositories, the core application service,
 * and the HTTP server. It wires everything together and starts the service.
 *
 * @dependencies
 * - log, net/http: Standard Go libraries for logging and HTTP server functionality.
 * - github.com/go-chi/chi/v5: For HTTP routing.
 * - github.com/jackc/pgx/v5: PostgreSQL driver.
 * - internal/api, internal/app, internal/config, internal/store: Internal packages for the service.
 * - pkg/circleclient, pkg/openaiclient, pkg/storageclient: Collaborator clients.
 * - pkg/rabbitmq: Client for RabbitMQ.
 */

package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/trustlock/escrow-service/internal/api"
	"github.com/trustlock/escrow-service/internal/app"
	"github.com/trustlock/escrow-service/internal/config"
	"github.com/trustlock/escrow-service/internal/store"
	"github.com/trustlock/escrow-service/pkg/circleclient"
	"github.com/trustlock/escrow-service/pkg/openaiclient"
	escrowrabbit "github.com/trustlock/escrow-service/pkg/rabbitmq"
	"github.com/trustlock/escrow-service/pkg/storageclient"
)

func main() {
	// Load application configuration from environment variables.
	cfg, err := config.LoadConfig(".")
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"config load failed\" err=%v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"invalid configuration\" err=%v", err)
	}

	log.Printf("level=info component=bootstrap msg=\"starting escrow-service\" port=%s", cfg.ServerPort)

	// Establish a connection pool to the PostgreSQL database.
	poolConfig, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"database url parse failed\" err=%v", err)
	}

	poolConfig.MaxConns = 50
	poolConfig.MinConns = 5
	poolConfig.MaxConnLifetime = 30 * time.Minute
	poolConfig.MaxConnIdleTime = 5 * time.Minute

	// Disable prepared statement caching to prevent conflicts
	poolConfig.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol

	dbpool, err := pgxpool.NewWithConfig(context.Background(), poolConfig)
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"database connection failed\" err=%v", err)
	}
	defer dbpool.Close()
	log.Println("level=info component=bootstrap msg=\"database connected\"")

	// Initialize the RabbitMQ producer to publish events.
	var producer escrowrabbit.Publisher
	eventProducer, err := escrowrabbit.NewEventProducer(cfg.RabbitMQURL)
	if err != nil {
		log.Printf("level=warn component=bootstrap msg=\"rabbitmq producer unavailable; using fallback\" err=%v", err)
		producer = &escrowrabbit.EventProducerFallback{}
	} else {
		defer eventProducer.Close()
		producer = eventProducer
		log.Println("level=info component=bootstrap msg=\"rabbitmq producer connected\"")
	}

	// Initialize the collaborator clients.
	circleClient := circleclient.NewClient(cfg.CircleAPIBaseURL, cfg.CircleAPIKey, cfg.CircleEntitySecretCiphertext)
	openaiClient := openaiclient.NewClient(cfg.OpenAIAPIBaseURL, cfg.OpenAIAPIKey, cfg.OpenAIModel)
	storageClient := storageclient.NewClient(cfg.StorageAPIBaseURL, cfg.StorageAPIKey, cfg.StorageBucket)

	// Redis backs the per-profile submission rate limiter; its absence
	// degrades throttling, not the product path.
	var redisClient *redis.Client
	if strings.TrimSpace(cfg.RedisURL) == "" {
		log.Println("level=warn component=bootstrap msg=\"redis url missing; submission rate limiting disabled\" env=REDIS_URL")
	} else {
		redisOptions, parseErr := redis.ParseURL(cfg.RedisURL)
		if parseErr != nil {
			log.Printf("level=warn component=bootstrap msg=\"redis url parse failed; submission rate limiting disabled\" err=%v", parseErr)
		} else {
			redisClient = redis.NewClient(redisOptions)
			pingCtx, cancelPing := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancelPing()
			if pingErr := redisClient.Ping(pingCtx).Err(); pingErr != nil {
				log.Printf("level=warn component=bootstrap msg=\"redis ping failed; submission rate limiting disabled\" err=%v", pingErr)
				redisClient.Close()
				redisClient = nil
			} else {
				defer redisClient.Close()
				log.Println("level=info component=bootstrap msg=\"redis connected\"")
			}
		}
	}

	// Initialize the data access layer (repository).
	repository := store.NewPostgresRepository(dbpool)

	// Initialize the core application service with its dependencies.
	escrowService := app.NewService(
		repository,
		circleClient,
		openaiClient,
		storageClient,
		producer,
		app.Config{
			ContractTemplateID: cfg.CircleContractTemplateID,
			Blockchain:         cfg.CircleBlockchain,
			USDCTokenAddress:   cfg.USDCTokenAddress,
		},
	)

	var rateLimiter *app.RedisSubmissionRateLimiter
	if redisClient != nil {
		rateLimiter = app.NewRedisSubmissionRateLimiter(redisClient, cfg.RedisRateLimitPrefix)
	}

	// Initialize the API handlers.
	escrowHandlers := api.NewEscrowHandlers(escrowService, rateLimiter)
	webhookHandlers := api.NewWebhookHandlers(repository, producer, circleClient)

	// Set up the HTTP router and define the API routes.
	router := chi.NewRouter()
	router.Mount("/escrow", api.EscrowRoutes(escrowHandlers, webhookHandlers, cfg.AuthJWKSURL))

	serverAddr := fmt.Sprintf(":%s", cfg.ServerPort)
	log.Printf("level=info component=http msg=\"server listening\" addr=%s", serverAddr)

	// Wire up the event listener: create a RabbitMQ consumer, bind to
	// transaction status events, and ensure graceful shutdown.
	eventConsumer := app.NewEventConsumer(repository, circleClient)

	rabbitConsumer, err := escrowrabbit.NewConsumer(cfg.RabbitMQURL)
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"rabbitmq consumer init failed\" err=%v", err)
	}
	defer rabbitConsumer.Close()

	if err := rabbitConsumer.ConsumeWithBindings(escrowrabbit.EscrowEventsExchange, cfg.EscrowEventQueue, eventConsumer.Bindings()); err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"event listener start failed\" err=%v", err)
	}

	server := &http.Server{
		Addr:    serverAddr,
		Handler: router,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("level=fatal component=http msg=\"server stopped unexpectedly\" err=%v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	log.Println("level=info component=http msg=\"shutdown started\"")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Printf("level=error component=http msg=\"shutdown failed\" err=%v", err)
	}

	log.Println("level=info component=http msg=\"shutdown complete\"")
}
