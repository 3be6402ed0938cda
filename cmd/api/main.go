// Command api starts the laundry coordination HTTP and websocket server.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"

	"github.com/boardwalkclay1/laundry-bubbles/internal/api"
	"github.com/boardwalkclay1/laundry-bubbles/internal/ledger"
	"github.com/boardwalkclay1/laundry-bubbles/internal/metrics"
	"github.com/boardwalkclay1/laundry-bubbles/internal/payments"
	"github.com/boardwalkclay1/laundry-bubbles/internal/queue"
	"github.com/boardwalkclay1/laundry-bubbles/internal/realtime"
	"github.com/boardwalkclay1/laundry-bubbles/internal/storage"
	"github.com/boardwalkclay1/laundry-bubbles/internal/tracing"
)

func main() {
	logger, _ := zap.NewProduction()
	defer logger.Sync()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Initialize tracing.
	otlpEndpoint := getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317")
	shutdownTracer, err := tracing.Init(ctx, "laundry-api", otlpEndpoint)
	if err != nil {
		logger.Warn("tracing init failed, continuing without tracing", zap.Error(err))
	} else {
		defer shutdownTracer(ctx)
	}

	// Job store: MongoDB in deployment, in-memory for local development.
	var repo ledger.Repository
	switch getEnv("STORE", "mongo") {
	case "memory":
		repo = storage.NewMemoryRepository()
		logger.Info("using in-memory job store")
	default:
		mongoURI := getEnv("MONGO_URI", "mongodb://localhost:27017")
		client, err := mongo.Connect(ctx, options.Client().
			ApplyURI(mongoURI).
			SetRegistry(storage.Registry()),
		)
		if err != nil {
			logger.Fatal("connect to mongo", zap.Error(err))
		}
		defer client.Disconnect(context.Background())
		if err := client.Ping(ctx, nil); err != nil {
			logger.Fatal("ping mongo", zap.Error(err))
		}

		mongoRepo := storage.NewMongoRepository(client.Database(getEnv("MONGO_DB", "laundry")), logger)
		if err := mongoRepo.EnsureIndexes(ctx); err != nil {
			logger.Fatal("ensure indexes", zap.Error(err))
		}
		repo = mongoRepo
	}

	// Redis backs the settlement queue.
	redisAddr := getEnv("REDIS_URL", "localhost:6379")
	rdb := redis.NewClient(&redis.Options{
		Addr:         redisAddr,
		PoolSize:     50,
		MinIdleConns: 10,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		logger.Fatal("connect to redis", zap.Error(err))
	}
	defer rdb.Close()

	m := metrics.New()

	hub := realtime.NewHub(m, logger)
	go hub.Run()
	defer hub.Close()

	jobs := ledger.NewService(repo, hub, logger)
	processor := payments.NewNMIProcessor(
		getEnv("NMI_ENDPOINT", "https://secure.nmi.com/api/transact.php"),
		mustGetEnv("NMI_SECURITY_KEY", logger),
		logger,
	)
	adapter := payments.NewAdapter(repo, processor, hub, m, logger)
	settlements := queue.NewRedisQueue(rdb, logger)

	handler := api.New(
		jobs,
		adapter,
		settlements,
		realtime.NewHandler(hub, logger),
		[]byte(mustGetEnv("NMI_WEBHOOK_SECRET", logger)),
		m,
		logger,
	)

	addr := getEnv("API_ADDR", ":8080")
	srv := &http.Server{
		Addr:         addr,
		Handler:      handler.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("api server starting", zap.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server failed", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down api server")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Fatal("server shutdown failed", zap.Error(err))
	}
}

func getEnv(key, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return fallback
}

func mustGetEnv(key string, logger *zap.Logger) string {
	val := os.Getenv(key)
	if val == "" {
		logger.Fatal("required environment variable missing", zap.String("key", key))
	}
	return val
}
