package capture

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/kyler505/previewd/internal/safeurl"
	"github.com/kyler505/previewd/internal/telemetry"
)

func newTestCaptureServer(t *testing.T, token string) *Server {
	t.Helper()
	telemetry.Init()
	// No Service is wired: these tests exercise only the paths that reject
	// before a capture would start.
	return NewServer(ServerConfig{Token: token}, nil, safeurl.New(), zap.NewNop())
}

func TestCaptureEndpointMissingURL(t *testing.T) {
	t.Parallel()

	srv := newTestCaptureServer(t, "")
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/capture", nil))
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCaptureEndpointRejectsBlockedTarget(t *testing.T) {
	t.Parallel()

	srv := newTestCaptureServer(t, "")
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/capture?url=http%3A%2F%2F127.0.0.1%2F", nil))

	require.Equal(t, http.StatusBadRequest, rec.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, false, body["ok"])
	require.Equal(t, "blocked_ip", body["error"])
}

func TestCaptureEndpointRequiresToken(t *testing.T) {
	t.Parallel()

	srv := newTestCaptureServer(t, "s3cret")
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/capture?url=https%3A%2F%2Fexample.com%2F", nil))
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestCaptureHealthz(t *testing.T) {
	t.Parallel()

	srv := newTestCaptureServer(t, "")
	for _, method := range []string{http.MethodGet, http.MethodHead} {
		rec := httptest.NewRecorder()
		srv.Handler().ServeHTTP(rec, httptest.NewRequest(method, "/healthz", nil))
		require.Equal(t, http.StatusOK, rec.Code, method)
	}
}
