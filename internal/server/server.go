// Package server implements the partstash HTTP server: streaming upload and
// download routes on chi, the JSON API with OpenAPI docs on huma, and the
// Prometheus endpoint.
package server

import (
	"context"
	"net/http"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/partstash/partstash/internal/config"
	"github.com/partstash/partstash/internal/handlers"
	"github.com/partstash/partstash/internal/stash"
)

// Server is the partstash HTTP server.
type Server struct {
	cfg        *config.Config
	router     chi.Router
	api        huma.API
	stash      *stash.Stash
	files      *handlers.FileHandler
	httpServer *http.Server
}

// CheckResult is the outcome of one dependency check.
type CheckResult struct {
	Status string `json:"status" example:"ok" doc:"ok or error"`
	Error  string `json:"error,omitempty" doc:"Failure detail"`
}

// HealthBody is the JSON body returned by the health check endpoint.
type HealthBody struct {
	Status string                 `json:"status" example:"ok" doc:"Health status"`
	Checks map[string]CheckResult `json:"checks,omitempty" doc:"Per-dependency results"`
}

// HealthOutput is the Huma output struct for the health check endpoint.
type HealthOutput struct {
	Status int
	Body   HealthBody
}

// New creates a Server over s and wires up all routes.
func New(cfg *config.Config, s *stash.Stash) (*Server, error) {
	router := chi.NewMux()

	humaConfig := huma.DefaultConfig("partstash API", "1.0.0")
	humaConfig.DocsPath = "/docs"
	humaConfig.OpenAPIPath = "/openapi"
	api := humachi.New(router, humaConfig)

	srv := &Server{
		cfg:    cfg,
		router: router,
		api:    api,
		stash:  s,
		files:  handlers.NewFileHandler(s, int64(cfg.Server.MaxUploadSize)),
	}
	srv.registerRoutes()
	return srv, nil
}

// Handler returns the router wrapped in the middleware chain:
// metricsMiddleware -> commonHeaders -> accessLog -> router.
func (s *Server) Handler() http.Handler {
	var handler http.Handler = s.router
	handler = accessLog(handler)
	handler = commonHeaders(handler)
	if s.cfg.Observability.Metrics {
		handler = metricsMiddleware(handler)
	}
	return handler
}

// ListenAndServe starts the HTTP server on the given address.
// The returned http.Server is stored so it can be shut down gracefully.
// No write timeout is set, since downloads may stream for hours.
func (s *Server) ListenAndServe(addr string) error {
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 30 * time.Second,
		IdleTimeout:       2 * time.Minute,
	}
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the HTTP server, waiting for in-flight
// requests to complete within the given context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

// registerRoutes configures all routes on the Chi router.
func (s *Server) registerRoutes() {
	huma.Register(s.api, huma.Operation{
		OperationID: "get-health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
		Description: "Reports the health of the manifest engine and the part store.",
		Tags:        []string{"System"},
	}, func(ctx context.Context, input *struct{}) (*HealthOutput, error) {
		return s.health(ctx), nil
	})

	// Huma only does one method per registration.
	s.router.Head("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(s.health(r.Context()).Status)
	})

	// Liveness never touches dependencies.
	s.router.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	s.router.Get("/readyz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(s.health(r.Context()).Status)
	})

	if s.cfg.Observability.Metrics {
		s.router.Handle("/metrics", promhttp.Handler())
	}

	s.router.Post("/upload", s.files.Upload)
	s.router.Get("/download/{id}", s.files.Download)
	s.router.Head("/download/{id}", s.files.Download)
	s.files.RegisterAPI(s.api)
}

// health runs the dependency checks with a short deadline.
func (s *Server) health(ctx context.Context) *HealthOutput {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	out := &HealthOutput{
		Status: http.StatusOK,
		Body:   HealthBody{Status: "ok", Checks: make(map[string]CheckResult)},
	}
	for _, c := range s.stash.Checks(ctx) {
		if c.Err != nil {
			out.Status = http.StatusServiceUnavailable
			out.Body.Status = "error"
			out.Body.Checks[c.Name] = CheckResult{Status: "error", Error: c.Err.Error()}
			continue
		}
		out.Body.Checks[c.Name] = CheckResult{Status: "ok"}
	}
	return out
}
