package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/remiges-tech/logharbour/logharbour"

	"github.com/remiges-tech/tenderflow/api"
	"github.com/remiges-tech/tenderflow/config"
	"github.com/remiges-tech/tenderflow/jobs"
	"github.com/remiges-tech/tenderflow/jobs/objstore"
	"github.com/remiges-tech/tenderflow/jobs/queue"
	"github.com/remiges-tech/tenderflow/jobs/store"
	"github.com/remiges-tech/tenderflow/router"
	"github.com/remiges-tech/tenderflow/service"
)

func main() {
	configPath := flag.String("config", "config.json", "path to the JSON config file")
	migrate := flag.Bool("migrate", false, "run database migrations and exit")
	flag.Parse()

	var cfg config.AppConfig
	if err := config.LoadConfigFromFile(*configPath, &cfg); err != nil {
		log.Fatalf("Error loading config: %v", err)
	}
	cfg.ApplyDefaults()

	lctx := logharbour.NewLoggerContext(logharbour.DefaultPriority)
	logger := logharbour.NewLogger(lctx, "tenderflow-server", os.Stdout)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if *migrate {
		conn, err := pgx.Connect(ctx, cfg.PgConn)
		if err != nil {
			log.Fatalf("Error connecting to Postgres: %v", err)
		}
		if err := store.MigrateDatabase(ctx, conn); err != nil {
			log.Fatalf("Error running migrations: %v", err)
		}
		conn.Close(ctx)
		logger.Info().LogActivity("Migrations applied", nil)
		return
	}

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
	if err := ensureBucket(ctx, minioClient, cfg.MinioBucket); err != nil {
		log.Fatalf("Error ensuring bucket %s: %v", cfg.MinioBucket, err)
	}

	st := store.NewPgStore(pool)
	blobs := objstore.NewMinioObjStore(minioClient, cfg.MinioBucket)
	q := queue.NewQueue(rdb, cfg.QueueName, cfg.DeadLetterMax)
	fin := jobs.NewFinalizer(st, q, rdb, logger, cfg.BatchStatusCacheSec, cfg.HighErrorRatioPct)

	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(router.LogRequest(router.NewLogHarbourAdapter(logger)))
	r.Use(gin.Recovery())
	r.Use(router.TimeoutMiddleware(60 * time.Second))

	s := service.NewService(r).
		WithLogger(logger).
		WithDatabase(st).
		WithDependency(api.DepQueue, q).
		WithDependency(api.DepBlobs, objstore.ObjectStore(blobs)).
		WithDependency(api.DepRedis, rdb).
		WithDependency(api.DepFinalizer, fin).
		WithDependency(api.DepConfig, &cfg)
	api.RegisterBatchServiceRoutes(s)

	srv := &http.Server{Addr: cfg.HTTPAddr, Handler: r}
	go func() {
		<-ctx.Done()
		logger.Info().LogActivity("Shutting down HTTP server", nil)
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error(err).LogActivity("HTTP server shutdown failed", nil)
		}
	}()

	logger.Info().LogActivity("HTTP server listening", map[string]any{"addr": cfg.HTTPAddr})
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatalf("Server error: %v", err)
	}
}

func ensureBucket(ctx context.Context, client *minio.Client, bucket string) error {
	err := client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{})
	if err != nil {
		exists, existsErr := client.BucketExists(ctx, bucket)
		if existsErr != nil {
			return existsErr
		}
		if !exists {
			return err
		}
	}
	return nil
}
