package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	require.Equal(t, 8080, cfg.Server.Port)
	require.Equal(t, "previewd-bot/1.0", cfg.Fetch.UserAgent)
	require.Equal(t, 6*time.Second, cfg.Fetch.RequestTimeout())
	require.Equal(t, 3*time.Second, cfg.Fetch.ConnectTimeout())
	require.Equal(t, 2*time.Second, cfg.Fetch.DNSTimeout())
	require.Equal(t, 4, cfg.Fetch.MaxRedirects)
	require.Equal(t, 512*1024, cfg.Fetch.MaxBodyBytes)

	require.Equal(t, 7*24*time.Hour, cfg.Screenshot.TTL())
	require.Equal(t, 14*24*time.Hour, cfg.Screenshot.Grace())
	require.Equal(t, 8*time.Second, cfg.Screenshot.WorkerTimeout())
	require.Equal(t, 3, cfg.Screenshot.RefreshConcurrency)

	require.Equal(t, 8*time.Second, cfg.Capture.TotalTimeout())
	require.Equal(t, 6*time.Second, cfg.Capture.NavigateTimeout())
	require.Equal(t, 700*time.Millisecond, cfg.Capture.Settle())
	require.Equal(t, 2*time.Second, cfg.Capture.ScreenshotTimeout())
	require.Equal(t, 1280, cfg.Capture.ViewportWidth)
	require.Equal(t, 800, cfg.Capture.ViewportHeight)

	require.Equal(t, "local", cfg.Storage.Provider)
	require.False(t, cfg.PubSub.Enabled)
}

func TestRefreshConcurrencyClamped(t *testing.T) {
	t.Setenv("PREVIEWD_SCREENSHOT_REFRESH_CONCURRENCY", "50")
	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, maxRefreshConcurrency, cfg.Screenshot.RefreshConcurrency)

	t.Setenv("PREVIEWD_SCREENSHOT_REFRESH_CONCURRENCY", "1")
	cfg, err = Load("")
	require.NoError(t, err)
	require.Equal(t, minRefreshConcurrency, cfg.Screenshot.RefreshConcurrency)
}

func TestValidateRejectsUnknownProvider(t *testing.T) {
	t.Setenv("PREVIEWD_STORAGE_PROVIDER", "s3")
	_, err := Load("")
	require.Error(t, err)
}

func TestValidateGCSRequiresBucket(t *testing.T) {
	t.Setenv("PREVIEWD_STORAGE_PROVIDER", "gcs")
	_, err := Load("")
	require.Error(t, err)

	t.Setenv("PREVIEWD_STORAGE_GCS_BUCKET", "preview-shots")
	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, "gcs", cfg.Storage.Provider)
}

func TestValidatePubSubRequiresProjectAndTopic(t *testing.T) {
	t.Setenv("PREVIEWD_PUBSUB_ENABLED", "true")
	_, err := Load("")
	require.Error(t, err)

	t.Setenv("PREVIEWD_PUBSUB_PROJECT_ID", "my-project")
	t.Setenv("PREVIEWD_PUBSUB_TOPIC_NAME", "capture-events")
	cfg, err := Load("")
	require.NoError(t, err)
	require.True(t, cfg.PubSub.Enabled)
}
