// Command settler starts the background worker that captures charges for
// completed jobs.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"

	"github.com/boardwalkclay1/laundry-bubbles/internal/metrics"
	"github.com/boardwalkclay1/laundry-bubbles/internal/payments"
	"github.com/boardwalkclay1/laundry-bubbles/internal/queue"
	"github.com/boardwalkclay1/laundry-bubbles/internal/retry"
	"github.com/boardwalkclay1/laundry-bubbles/internal/settler"
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
	shutdownTracer, err := tracing.Init(ctx, "laundry-settler", otlpEndpoint)
	if err != nil {
		logger.Warn("tracing init failed, continuing without tracing", zap.Error(err))
	} else {
		defer shutdownTracer(ctx)
	}

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
	repo := storage.NewMongoRepository(client.Database(getEnv("MONGO_DB", "laundry")), logger)
	if err := repo.EnsureIndexes(ctx); err != nil {
		logger.Fatal("ensure indexes", zap.Error(err))
	}

	redisAddr := getEnv("REDIS_URL", "localhost:6379")
	rdb := redis.NewClient(&redis.Options{
		Addr:         redisAddr,
		PoolSize:     20,
		MinIdleConns: 5,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		logger.Fatal("connect to redis", zap.Error(err))
	}
	defer rdb.Close()

	m := metrics.New()
	processor := payments.NewNMIProcessor(
		getEnv("NMI_ENDPOINT", "https://secure.nmi.com/api/transact.php"),
		mustGetEnv("NMI_SECURITY_KEY", logger),
		logger,
	)
	adapter := payments.NewAdapter(repo, processor, nil, m, logger)
	settlements := queue.NewRedisQueue(rdb, logger)

	// Expose metrics endpoint for Prometheus scraping.
	metricsAddr := getEnv("METRICS_ADDR", ":9091")
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		logger.Info("metrics server starting", zap.String("addr", metricsAddr))
		if err := http.ListenAndServe(metricsAddr, mux); err != nil {
			logger.Error("metrics server failed", zap.Error(err))
		}
	}()

	w := settler.New(settlements, adapter, retry.SettlementPolicy(), m, logger)
	if err := w.Run(ctx); err != nil {
		logger.Fatal("settler error", zap.Error(err))
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
