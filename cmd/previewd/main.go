// Package main runs the preview orchestrator service.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"cloud.google.com/go/storage"
	"go.uber.org/zap"

	"github.com/kyler505/previewd/internal/api"
	"github.com/kyler505/previewd/internal/blob"
	"github.com/kyler505/previewd/internal/config"
	"github.com/kyler505/previewd/internal/events"
	"github.com/kyler505/previewd/internal/logging"
	"github.com/kyler505/previewd/internal/meta"
	"github.com/kyler505/previewd/internal/preview"
	"github.com/kyler505/previewd/internal/safeurl"
	"github.com/kyler505/previewd/internal/shotcache"
	"github.com/kyler505/previewd/internal/telemetry"
)

func main() {
	cfgPath := flag.String("config", "", "Path to config file")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config failed: %v\n", err)
		os.Exit(1)
	}
	logger, err := logging.New(cfg.Logging.Development, cfg.Logging.Level)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger init failed: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync() //nolint:errcheck
	zap.ReplaceGlobals(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	telemetry.Init()

	validator := safeurl.New(safeurl.WithDNSTimeout(cfg.Fetch.DNSTimeout()))
	fetcher := meta.New(validator, meta.Config{
		UserAgent:      cfg.Fetch.UserAgent,
		RequestTimeout: cfg.Fetch.RequestTimeout(),
		ConnectTimeout: cfg.Fetch.ConnectTimeout(),
		MaxRedirects:   cfg.Fetch.MaxRedirects,
		MaxBodyBytes:   int64(cfg.Fetch.MaxBodyBytes),
	})

	cache, err := shotcache.Open(cfg.Screenshot.IndexPath, cfg.Screenshot.TTL(), cfg.Screenshot.Grace())
	if err != nil {
		logger.Fatal("open screenshot cache", zap.Error(err))
	}
	defer cache.Close() //nolint:errcheck

	blobs, err := newBlobStore(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("init blob store", zap.Error(err))
	}

	publisher := newPublisher(ctx, cfg, logger)
	defer publisher.Close() //nolint:errcheck

	worker := preview.NewWorkerClient(cfg.Screenshot.WorkerURL, cfg.Auth.CaptureToken, cfg.Screenshot.WorkerTimeout())
	orch := preview.NewOrchestrator(
		validator, fetcher, cache, blobs, worker, publisher,
		cfg.Screenshot.WorkerTimeout()+2*time.Second,
		logger.Named("preview"),
	)

	apiServer := api.NewServer(api.Config{
		RefreshToken:       cfg.Auth.RefreshToken,
		URLListPath:        cfg.Screenshot.URLListPath,
		RefreshConcurrency: cfg.Screenshot.RefreshConcurrency,
	}, orch, logger.Named("api"))

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("http server started", zap.Int("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", zap.Error(err))
	}
	logger.Info("shutdown complete")
}

func newBlobStore(ctx context.Context, cfg config.Config, logger *zap.Logger) (blob.Store, error) {
	switch cfg.Storage.Provider {
	case "gcs":
		client, err := storage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("create storage client: %w", err)
		}
		logger.Info("using gcs blob store", zap.String("bucket", cfg.Storage.GCSBucket))
		return blob.NewGCSStore(client, cfg.Storage.GCSBucket, cfg.Storage.Prefix)
	default:
		logger.Info("using local blob store", zap.String("base_dir", cfg.Storage.BaseDir))
		return blob.NewLocalStore(cfg.Storage.BaseDir)
	}
}

func newPublisher(ctx context.Context, cfg config.Config, logger *zap.Logger) events.Publisher {
	if !cfg.PubSub.Enabled {
		return events.NoopPublisher{}
	}
	publisher, err := events.NewPubSubPublisher(ctx, cfg.PubSub.ProjectID, cfg.PubSub.TopicName)
	if err != nil {
		logger.Warn("pubsub publisher unavailable, events disabled", zap.Error(err))
		return events.NoopPublisher{}
	}
	logger.Info("publishing capture events",
		zap.String("project", cfg.PubSub.ProjectID),
		zap.String("topic", cfg.PubSub.TopicName))
	return publisher
}
