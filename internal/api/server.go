// Package api exposes the HTTP interface of the preview orchestrator.
package api

import (
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/kyler505/previewd/internal/httpx"
	"github.com/kyler505/previewd/internal/preview"
	"github.com/kyler505/previewd/internal/safeurl"
	"github.com/kyler505/previewd/internal/telemetry"
)

// Config controls the API surface.
type Config struct {
	// RefreshToken guards POST /internal/refresh. Empty means the endpoint
	// answers 503.
	RefreshToken string
	// URLListPath is the refresh URL list, re-read per batch.
	URLListPath string
	// RefreshConcurrency is the batch capture window, already clamped.
	RefreshConcurrency int
	// PreviewMaxAge is the Cache-Control lifetime of preview responses.
	PreviewMaxAge  time.Duration
	RequestTimeout time.Duration
}

// Server wires HTTP handlers to the orchestrator.
type Server struct {
	router chi.Router
	orch   *preview.Orchestrator
	cfg    Config
	logger *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(cfg Config, orch *preview.Orchestrator, logger *zap.Logger) *Server {
	if cfg.RequestTimeout == 0 {
		cfg.RequestTimeout = 60 * time.Second
	}
	if cfg.PreviewMaxAge == 0 {
		cfg.PreviewMaxAge = 5 * time.Minute
	}
	s := &Server{orch: orch, cfg: cfg, logger: logger}

	r := chi.NewRouter()
	r.Use(httpx.RequestIDMiddleware)
	r.Use(httpx.LoggingMiddleware(logger))
	r.Use(httpx.RecoverMiddleware(logger))
	r.Use(telemetry.Middleware)

	r.Get("/healthz", s.healthz)
	r.Head("/healthz", s.healthz)
	r.Method(http.MethodGet, "/metrics", telemetry.Handler())

	r.Group(func(r chi.Router) {
		r.Use(httpx.TimeoutMiddleware(cfg.RequestTimeout))
		r.Get("/api/preview", s.handlePreview)

		r.Group(func(r chi.Router) {
			r.Use(httpx.BearerAuth(cfg.RefreshToken))
			r.Post("/internal/refresh", s.handleRefresh)
		})
	})

	s.router = r
	return s
}

// Handler returns the router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"ok": true, "status": "up"})
}

func (s *Server) handlePreview(w http.ResponseWriter, r *http.Request) {
	rawURL := r.URL.Query().Get("url")
	if rawURL == "" {
		w.Header().Set("Cache-Control", "no-store")
		httpx.WriteError(w, http.StatusBadRequest, "missing url parameter")
		return
	}

	res, err := s.orch.GetPreview(r.Context(), rawURL, httpx.RequestIDFrom(r.Context()))
	if err != nil {
		// Validation rejection is the only branch that fails the request.
		reason := "invalid_url"
		if rej, ok := safeurl.AsRejection(err); ok {
			reason = string(rej.Reason)
		}
		w.Header().Set("Cache-Control", "no-store")
		httpx.WriteError(w, http.StatusBadRequest, reason)
		return
	}

	w.Header().Set("Cache-Control", fmt.Sprintf("public, max-age=%d", int(s.cfg.PreviewMaxAge.Seconds())))
	httpx.WriteJSON(w, http.StatusOK, res)
}

// handleRefresh runs one batch refresh. The URL list comes from the request
// body when one is supplied, otherwise from the configured list file.
func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	urls, err := s.refreshURLs(r)
	if err != nil {
		s.logger.Warn("refresh url list unavailable", zap.Error(err))
		httpx.WriteError(w, http.StatusBadRequest, "unreadable url list")
		return
	}

	summary := s.orch.RefreshAll(r.Context(), urls, s.cfg.RefreshConcurrency)
	httpx.WriteJSON(w, http.StatusOK, summary)
}

func (s *Server) refreshURLs(r *http.Request) ([]string, error) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read refresh body: %w", err)
	}
	if len(body) > 0 {
		return preview.ParseURLList(body)
	}
	return preview.LoadURLList(s.cfg.URLListPath)
}
