package capture

import (
	"encoding/base64"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/kyler505/previewd/internal/httpx"
	"github.com/kyler505/previewd/internal/safeurl"
	"github.com/kyler505/previewd/internal/telemetry"
)

// ServerConfig controls the capture HTTP surface.
type ServerConfig struct {
	// Token, when set, requires bearer authentication on /capture.
	Token          string
	RequestTimeout time.Duration
}

// Server exposes the capture service over HTTP. It is reachable only by the
// preview orchestrator.
type Server struct {
	router    chi.Router
	svc       *Service
	validator *safeurl.Validator
	logger    *zap.Logger
}

// NewServer wires routes and middleware.
func NewServer(cfg ServerConfig, svc *Service, validator *safeurl.Validator, logger *zap.Logger) *Server {
	s := &Server{svc: svc, validator: validator, logger: logger}

	timeout := cfg.RequestTimeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}

	r := chi.NewRouter()
	r.Use(httpx.RequestIDMiddleware)
	r.Use(httpx.LoggingMiddleware(logger))
	r.Use(httpx.RecoverMiddleware(logger))
	r.Use(telemetry.Middleware)

	r.Get("/healthz", s.healthz)
	r.Head("/healthz", s.healthz)
	r.Method(http.MethodGet, "/metrics", telemetry.Handler())

	r.Group(func(r chi.Router) {
		r.Use(httpx.TimeoutMiddleware(timeout))
		if cfg.Token != "" {
			r.Use(httpx.BearerAuth(cfg.Token))
		}
		r.Get("/capture", s.handleCapture)
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

func (s *Server) handleCapture(w http.ResponseWriter, r *http.Request) {
	rawURL := r.URL.Query().Get("url")
	if rawURL == "" {
		httpx.WriteError(w, http.StatusBadRequest, "missing url parameter")
		return
	}

	target, err := s.validator.Validate(r.Context(), rawURL, "")
	if err != nil {
		reason := "invalid_url"
		if rej, ok := safeurl.AsRejection(err); ok {
			reason = string(rej.Reason)
		}
		httpx.WriteError(w, http.StatusBadRequest, reason)
		return
	}

	start := time.Now()
	site := telemetry.SanitizeSite(rawURL)
	img, fail := s.svc.Capture(r.Context(), target, httpx.RequestIDFrom(r.Context()))
	if fail != nil {
		telemetry.ObserveCapture(string(fail.Kind), site, time.Since(start))
		httpx.WriteError(w, http.StatusBadGateway, fail.Tag())
		return
	}
	telemetry.ObserveCapture("success", site, time.Since(start))

	httpx.WriteJSON(w, http.StatusOK, map[string]any{
		"ok":    true,
		"image": "data:image/png;base64," + base64.StdEncoding.EncodeToString(img),
	})
}
