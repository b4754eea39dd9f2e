package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/go-redis/redis/v8"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/remiges-tech/logharbour/logharbour"

	"github.com/remiges-tech/tenderflow/config"
	"github.com/remiges-tech/tenderflow/extract"
	"github.com/remiges-tech/tenderflow/jobs"
	"github.com/remiges-tech/tenderflow/jobs/objstore"
	"github.com/remiges-tech/tenderflow/jobs/queue"
	"github.com/remiges-tech/tenderflow/jobs/store"
	"github.com/remiges-tech/tenderflow/metrics"
)

func main() {
	configPath := flag.String("config", "config.json", "path to the JSON config file")
	flag.Parse()

	var cfg config.AppConfig
	if err := config.LoadConfigFromFile(*configPath, &cfg); err != nil {
		log.Fatalf("Error loading config: %v", err)
	}
	cfg.ApplyDefaults()

	lctx := logharbour.NewLoggerContext(logharbour.DefaultPriority)
	logger := logharbour.NewLogger(lctx, "tenderflow-worker", os.Stdout)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := pgxpool.New(ctx, cfg.PgConn)
	if err != nil {
		log.Fatalf("Error creating Postgres pool: %v", err)
	}
	defer pool.Close()

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	defer rdb.Close()

	minioClient, err := minio.New(cfg.MinioEndpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.MinioAccessKey, cfg.MinioSecretKey, ""),
		Secure: cfg.MinioUseSSL,
	})
	if err != nil {
		log.Fatalf("Error creating Minio client: %v", err)
	}

	st := store.NewPgStore(pool)
	blobs := objstore.NewMinioObjStore(minioClient, cfg.MinioBucket)
	q := queue.NewQueue(rdb, cfg.QueueName, cfg.DeadLetterMax)

	// The SDK reads ANTHROPIC_API_KEY from the environment.
	claude := extract.NewClaudeExtractor(anthropic.NewClient(), cfg.AnthropicModel, cfg.LLMMaxTokens)

	exp := jobs.NewExpander(st, blobs, q, logger, cfg.MaxDepth, cfg.SupportedPatterns)
	fin := jobs.NewFinalizer(st, q, rdb, logger, cfg.BatchStatusCacheSec, cfg.HighErrorRatioPct)
	agg := jobs.NewAggregator(st, logger)

	pm := metrics.NewPrometheusMetrics()
	metrics.RegisterPipelineMetrics(pm)
	go func() {
		if err := pm.StartMetricsServer(cfg.MetricsAddr); err != nil {
			logger.Error(err).LogActivity("Metrics server stopped", map[string]any{"addr": cfg.MetricsAddr})
		}
	}()

	worker := jobs.NewWorker(jobs.WorkerConfig{
		Concurrency:    cfg.Concurrency,
		MaxRetries:     cfg.MaxRetries,
		RetryBaseDelay: time.Duration(cfg.RetryBaseDelayMs) * time.Millisecond,
		RetryMaxDelay:  time.Duration(cfg.RetryMaxDelayMs) * time.Millisecond,
		ReapInterval:   time.Duration(cfg.ReapIntervalSec) * time.Second,
		IdleWindow:     time.Duration(cfg.IdleWindowSec) * time.Second,
		JobTimeout:     time.Duration(cfg.JobTimeoutSec) * time.Second,
		ChunkSize:      cfg.ChunkSizeChars,
		ChunkOverlap:   cfg.ChunkOverlapChars,
	}, st, q, blobs, extract.PlainTextExtractor{}, claude, exp, fin, agg, logger, pm)

	logger.Info().LogActivity("Worker starting", map[string]any{
		"queue":       cfg.QueueName,
		"concurrency": cfg.Concurrency,
	})
	if err := worker.Run(ctx); err != nil && err != context.Canceled {
		log.Fatalf("Worker error: %v", err)
	}
	logger.Info().LogActivity("Worker stopped", nil)
}
