package api

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/kyler505/previewd/internal/blob"
	"github.com/kyler505/previewd/internal/events"
	"github.com/kyler505/previewd/internal/meta"
	"github.com/kyler505/previewd/internal/preview"
	"github.com/kyler505/previewd/internal/safeurl"
	"github.com/kyler505/previewd/internal/shotcache"
	"github.com/kyler505/previewd/internal/telemetry"
)

type stubFetcher struct {
	md meta.Metadata
}

func (f *stubFetcher) Fetch(context.Context, *safeurl.Target) (meta.Metadata, error) {
	return f.md, nil
}

type stubWorker struct{}

func (stubWorker) Capture(context.Context, string, string) (string, error) {
	return "data:image/png;base64," + base64.StdEncoding.EncodeToString([]byte("shot")), nil
}

func newTestServer(t *testing.T, refreshToken string) *Server {
	t.Helper()
	telemetry.Init()

	cache, err := shotcache.Open(filepath.Join(t.TempDir(), "index.db"), 5*time.Minute, 10*time.Minute)
	require.NoError(t, err)
	t.Cleanup(func() { _ = cache.Close() })

	blobs, err := blob.NewLocalStore(t.TempDir())
	require.NoError(t, err)

	addr := netip.MustParseAddr("93.184.215.14")
	validator := safeurl.New(safeurl.WithLookup(func(ctx context.Context, host string) ([]netip.Addr, error) {
		return []netip.Addr{addr}, nil
	}))

	orch := preview.NewOrchestrator(
		validator,
		&stubFetcher{md: meta.Metadata{Title: "Example", ImageURL: "https://cdn.example.com/x.png"}},
		cache, blobs, stubWorker{}, events.NoopPublisher{}, time.Second, zap.NewNop(),
	)

	return NewServer(Config{
		RefreshToken:       refreshToken,
		URLListPath:        filepath.Join(t.TempDir(), "missing.json"),
		RefreshConcurrency: 2,
	}, orch, zap.NewNop())
}

func TestPreviewEndpoint(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t, "")
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/preview?url=https%3A%2F%2Fexample.com%2F", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	require.NotEmpty(t, rec.Header().Get("X-Request-ID"))
	require.Contains(t, rec.Header().Get("Cache-Control"), "max-age=")

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, true, body["ok"])
	require.Equal(t, "Example", body["title"])
	require.Equal(t, "https://cdn.example.com/x.png", body["image"])
}

func TestPreviewEndpointRejectsBlockedTarget(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t, "")
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/preview?url=http%3A%2F%2F169.254.169.254%2F", nil))

	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Equal(t, "no-store", rec.Header().Get("Cache-Control"))

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, false, body["ok"])
	require.Equal(t, "blocked_ip", body["error"])
}

func TestPreviewEndpointMissingURL(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t, "")
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/preview", nil))
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHealthz(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t, "")
	for _, method := range []string{http.MethodGet, http.MethodHead} {
		rec := httptest.NewRecorder()
		srv.Handler().ServeHTTP(rec, httptest.NewRequest(method, "/healthz", nil))
		require.Equal(t, http.StatusOK, rec.Code, method)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t, "")
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestRefreshEndpointAuth(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t, "s3cret")

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/internal/refresh", nil))
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	req := httptest.NewRequest(http.MethodPost, "/internal/refresh", nil)
	req.Header.Set("Authorization", "Bearer wrong")
	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestRefreshEndpointUnconfiguredTokenIsUnavailable(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t, "")
	req := httptest.NewRequest(http.MethodPost, "/internal/refresh", nil)
	req.Header.Set("Authorization", "Bearer anything")
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestRefreshEndpointRunsBatchFromBody(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t, "s3cret")
	payload := strings.NewReader(`{"urls": ["https://example.com/a", "ftp://bad"]}`)
	req := httptest.NewRequest(http.MethodPost, "/internal/refresh", payload)
	req.Header.Set("Authorization", "Bearer s3cret")
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)

	var summary preview.Summary
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &summary))
	require.Equal(t, 2, summary.Attempted)
	require.Equal(t, 1, summary.Succeeded)
	require.Equal(t, 1, summary.SkippedInvalid)
}

func TestRefreshEndpointMissingListFile(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t, "s3cret")
	req := httptest.NewRequest(http.MethodPost, "/internal/refresh", nil)
	req.Header.Set("Authorization", "Bearer s3cret")
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}
