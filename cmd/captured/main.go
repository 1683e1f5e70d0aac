// Package main runs the isolated screenshot capture service.
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

	"go.uber.org/zap"

	"github.com/kyler505/previewd/internal/capture"
	"github.com/kyler505/previewd/internal/config"
	"github.com/kyler505/previewd/internal/logging"
	"github.com/kyler505/previewd/internal/safeurl"
	"github.com/kyler505/previewd/internal/telemetry"
)

func main() {
	cfgPath := flag.String("config", "", "Path to config file")
	port := flag.Int("port", 8081, "Listen port")
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
	browser := capture.NewBrowser(capture.BrowserConfig{UserAgent: cfg.Capture.UserAgent}, logger.Named("browser"))
	defer browser.Close()

	svc := capture.NewService(capture.Config{
		TotalTimeout:      cfg.Capture.TotalTimeout(),
		NavigateTimeout:   cfg.Capture.NavigateTimeout(),
		Settle:            cfg.Capture.Settle(),
		ScreenshotTimeout: cfg.Capture.ScreenshotTimeout(),
		ViewportWidth:     int64(cfg.Capture.ViewportWidth),
		ViewportHeight:    int64(cfg.Capture.ViewportHeight),
		UserAgent:         cfg.Capture.UserAgent,
		Locale:            cfg.Capture.Locale,
	}, browser, validator, logger.Named("capture"))

	server := capture.NewServer(capture.ServerConfig{
		Token:          cfg.Auth.CaptureToken,
		RequestTimeout: cfg.Capture.TotalTimeout() + 5*time.Second,
	}, svc, validator, logger.Named("server"))

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", *port),
		Handler:           server.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("capture server started", zap.Int("port", *port))
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
