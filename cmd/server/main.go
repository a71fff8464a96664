package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/maneesh/hookdrive/internal/config"
	"github.com/maneesh/hookdrive/internal/downloader"
	"github.com/maneesh/hookdrive/internal/handlers"
	"github.com/maneesh/hookdrive/internal/storage"
	"github.com/maneesh/hookdrive/internal/tracing"
	"github.com/maneesh/hookdrive/internal/transfer"
	"github.com/maneesh/hookdrive/internal/uploader"
)

var version = "dev"

func main() {
	log.SetFormatter(&log.JSONFormatter{})

	cfg, err := config.LoadConfig()
	if err != nil {
		log.WithError(err).Fatal("failed to load config")
	}

	level, err := log.ParseLevel(cfg.LogLevel)
	if err != nil {
		log.WithError(err).Warn("invalid LOG_LEVEL, using info")
		level = log.InfoLevel
	}
	log.SetLevel(level)

	l := log.WithFields(log.Fields{"service": cfg.ServiceName, "version": version})
	l.WithField("port", cfg.ServicePort).Info("starting")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracer, err := tracing.Init(ctx, tracing.Config{
		Enabled:     cfg.TracingEnabled,
		ServiceName: cfg.ServiceName,
		Version:     version,
		Endpoint:    cfg.JaegerEndpoint,
		SampleRatio: cfg.TracingSampleRatio,
	})
	if err != nil {
		l.WithError(err).Fatal("failed to initialize tracer")
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracer(ctx); err != nil {
			l.WithError(err).Warn("failed to flush traces")
		}
	}()

	l.Info("connecting to TiDB")
	repo, err := storage.NewMySQL(cfg.GetDSN())
	if err != nil {
		l.WithError(err).Fatal("failed to initialize TiDB repository")
	}
	defer repo.Close()

	opts := transfer.Options{
		Repo:              repo,
		WebhookURLs:       cfg.GetWebhookURLs(),
		ChunkSize:         cfg.GetChunkSizeBytes(),
		CompletionTimeout: cfg.CompletionTimeout,
		Logger:            l,
	}

	// Redis and MinIO are optional: without them reads skip the cache and
	// exports are refused.
	connectCtx, cancelConnect := context.WithTimeout(ctx, 5*time.Second)
	defer cancelConnect()
	if cache, err := storage.NewRedisCache(connectCtx, cfg.GetRedisAddr(), cfg.RedisPassword, cfg.RedisDB); err != nil {
		l.WithError(err).Warn("redis unavailable, metadata cache disabled")
	} else {
		defer cache.Close()
		opts.Cache = cache
	}

	if sink, err := storage.NewMinioSink(connectCtx, cfg.MinIOEndpoint, cfg.MinIOAccessKey, cfg.MinIOSecretKey, cfg.MinIOBucketName, cfg.MinIOUseSSL); err != nil {
		l.WithError(err).Warn("minio unavailable, export disabled")
	} else {
		opts.Sink = sink
	}

	maxRetries := cfg.UploadMaxRetries
	if maxRetries == 0 {
		maxRetries = -1
	}
	opts.Uploader = uploader.New(uploader.Options{MaxRetries: maxRetries, Logger: l})
	opts.Downloader = downloader.New(downloader.Options{
		ProxyURL:    cfg.DownloadProxyURL,
		Concurrency: cfg.DownloadConcurrency,
		MaxRetries:  maxRetries,
		Logger:      l,
	})

	svc := transfer.New(opts)
	if len(cfg.GetWebhookURLs()) == 0 {
		l.Warn("WEBHOOK_URLS is empty, uploads need registered webhooks")
	}

	srv := &http.Server{
		Addr: ":" + cfg.ServicePort,
		Handler: handlers.NewRouter(handlers.RouterConfig{
			Service:        svc,
			Webhooks:       repo,
			DB:             repo,
			SpoolDir:       cfg.SpoolDir,
			AllowedOrigins: cfg.GetCORSOrigins(),
		}),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		l.Info("server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			l.WithError(err).Error("server failed")
			stop()
		}
	}()

	<-ctx.Done()
	l.Info("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		l.WithError(err).Warn("server forced to shutdown")
	}

	// running uploads are aborted; their files stay UPLOADING
	svc.Close()
	l.Info("server exited")
}
