// Package api provides the HTTP REST API for the NeonDeck dashboard.
// It serves the service inventory, categories, scan run control and
// live run events.
package api

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	apihandlers "github.com/anstrom/neondeck/internal/api/handlers"
	"github.com/anstrom/neondeck/internal/api/middleware"
	"github.com/anstrom/neondeck/internal/config"
	"github.com/anstrom/neondeck/internal/logging"
	"github.com/anstrom/neondeck/internal/metrics"
)

// Server timeout constants.
const (
	serverShutdownTimeout = 30 * time.Second
	readHeaderTimeout     = 10 * time.Second
	idleTimeout           = 60 * time.Second
)

// Dependencies are the components the API exposes.
type Dependencies struct {
	// Database backs /health; may be nil.
	Database   apihandlers.DatabasePinger
	Services   apihandlers.ServiceManager
	Categories apihandlers.CategoryStore
	Runs       apihandlers.RunController
	// Schedule may be nil when the daily scan is not configured.
	Schedule apihandlers.ScheduleReporter
	// Events is created by New when nil.
	Events  *apihandlers.RunEventHub
	Metrics *metrics.PrometheusMetrics
	Logger  *logging.Logger
	Version string
}

// Server represents the API server.
type Server struct {
	httpServer *http.Server
	router     *mux.Router
	config     *config.Config
	logger     *logging.Logger
	metrics    *metrics.PrometheusMetrics
	events     *apihandlers.RunEventHub
	ownsEvents bool

	mu       sync.Mutex
	listener net.Listener
}

// New creates a new API server instance.
func New(cfg *config.Config, deps Dependencies) (*Server, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	if deps.Services == nil || deps.Categories == nil || deps.Runs == nil {
		return nil, fmt.Errorf("services, categories and runs are required")
	}

	logger := deps.Logger
	if logger == nil {
		logger = logging.Default()
	}
	logger = logger.WithComponent("api")

	pm := deps.Metrics
	if pm == nil {
		pm = metrics.GetGlobalMetrics()
	}

	s := &Server{
		router:  mux.NewRouter(),
		config:  cfg,
		logger:  logger,
		metrics: pm,
		events:  deps.Events,
	}
	if s.events == nil {
		s.events = apihandlers.NewRunEventHub(logger, cfg.API.CORS.AllowedOrigins)
		s.ownsEvents = true
	}

	s.setupMiddleware()
	s.setupRoutes(deps)

	s.httpServer = &http.Server{
		Addr:              cfg.GetAPIAddress(),
		Handler:           s.corsHandler(s.router),
		ReadHeaderTimeout: readHeaderTimeout,
		ReadTimeout:       cfg.API.RequestTimeout,
		WriteTimeout:      cfg.API.RequestTimeout,
		IdleTimeout:       idleTimeout,
	}
	if cfg.API.TLS.Enabled {
		s.httpServer.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	return s, nil
}

// setupRoutes configures all API routes.
func (s *Server) setupRoutes(deps Dependencies) {
	health := apihandlers.NewHealthHandler(deps.Database, deps.Version, s.logger)
	services := apihandlers.NewServiceHandler(deps.Services, s.logger)
	categories := apihandlers.NewCategoryHandler(deps.Categories, s.logger)
	scans := apihandlers.NewScanHandler(deps.Runs, deps.Schedule, s.logger)

	s.router.HandleFunc("/", health.Index).Methods(http.MethodGet)
	s.router.HandleFunc("/health", health.Health).Methods(http.MethodGet)
	s.router.Handle("/metrics", promhttp.HandlerFor(s.metrics.GetRegistry(), promhttp.HandlerOpts{})).
		Methods(http.MethodGet)

	api := s.router.PathPrefix("/api").Subrouter()

	api.HandleFunc("/services", services.ListServices).Methods(http.MethodGet)
	api.HandleFunc("/services", services.CreateService).Methods(http.MethodPost)
	api.HandleFunc("/services/{id}", services.GetService).Methods(http.MethodGet)
	api.HandleFunc("/services/{id}", services.UpdateService).Methods(http.MethodPatch)
	api.HandleFunc("/services/{id}", services.DeleteService).Methods(http.MethodDelete)

	api.HandleFunc("/categories", categories.ListCategories).Methods(http.MethodGet)
	api.HandleFunc("/categories", categories.CreateCategory).Methods(http.MethodPost)
	api.HandleFunc("/categories/{id}", categories.UpdateCategory).Methods(http.MethodPatch)
	api.HandleFunc("/categories/{id}", categories.DeleteCategory).Methods(http.MethodDelete)

	api.HandleFunc("/scan/trigger", scans.TriggerScan).Methods(http.MethodPost)
	api.HandleFunc("/scan/status", scans.ScanStatus).Methods(http.MethodGet)
	api.HandleFunc("/scan/history", scans.ScanHistory).Methods(http.MethodGet)
	api.HandleFunc("/scheduler/status", scans.SchedulerStatus).Methods(http.MethodGet)

	api.HandleFunc("/ws/scans", s.events.ServeWS).Methods(http.MethodGet)

	// The subrouter claims every /api path and needs its own fallbacks.
	api.NotFoundHandler = http.HandlerFunc(apihandlers.NotFound)
	api.MethodNotAllowedHandler = http.HandlerFunc(apihandlers.MethodNotAllowed)
	s.router.NotFoundHandler = http.HandlerFunc(apihandlers.NotFound)
	s.router.MethodNotAllowedHandler = http.HandlerFunc(apihandlers.MethodNotAllowed)
}

// setupMiddleware configures middleware for matched routes.
func (s *Server) setupMiddleware() {
	s.router.Use(middleware.Recovery(s.logger))
	s.router.Use(middleware.Logging(s.logger))
	s.router.Use(middleware.Metrics(s.metrics))
	s.router.Use(middleware.SecurityHeaders())
	s.router.Use(middleware.ContentType())
	s.router.Use(s.limitBody)
}

// limitBody caps request bodies at the configured size.
func (s *Server) limitBody(next http.Handler) http.Handler {
	limit := s.config.API.MaxRequestSize
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if limit > 0 && r.Body != nil {
			r.Body = http.MaxBytesReader(w, r.Body, limit)
		}
		next.ServeHTTP(w, r)
	})
}

// corsHandler wraps the whole router so preflight requests are answered
// before route method matching.
func (s *Server) corsHandler(h http.Handler) http.Handler {
	cors := s.config.API.CORS
	if !cors.Enabled {
		return h
	}
	return handlers.CORS(
		handlers.AllowedOrigins(cors.AllowedOrigins),
		handlers.AllowedMethods(cors.AllowedMethods),
		handlers.AllowedHeaders(cors.AllowedHeaders),
		handlers.AllowCredentials(),
	)(h)
}

// Start listens on the configured address and serves until ctx is done.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.httpServer.Addr, err)
	}
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	s.logger.Info("Starting API server",
		"address", ln.Addr().String(),
		"tls", s.config.API.TLS.Enabled,
		"cors", s.config.API.CORS.Enabled)

	errChan := make(chan error, 1)
	go func() {
		var serveErr error
		if s.config.API.TLS.Enabled {
			serveErr = s.httpServer.ServeTLS(ln, s.config.API.TLS.CertFile, s.config.API.TLS.KeyFile)
		} else {
			serveErr = s.httpServer.Serve(ln)
		}
		if serveErr != nil && serveErr != http.ErrServerClosed {
			errChan <- fmt.Errorf("API server failed: %w", serveErr)
		}
		close(errChan)
	}()

	select {
	case <-ctx.Done():
		return s.Stop()
	case err, ok := <-errChan:
		if !ok {
			return nil
		}
		return err
	}
}

// Stop gracefully stops the API server and disconnects event subscribers.
func (s *Server) Stop() error {
	s.logger.Info("Stopping API server")

	if s.ownsEvents {
		s.events.Close()
	}

	ctx, cancel := context.WithTimeout(context.Background(), serverShutdownTimeout)
	defer cancel()

	if err := s.httpServer.Shutdown(ctx); err != nil {
		s.logger.Error("API server shutdown error", "error", err)
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	s.logger.Info("API server stopped successfully")
	return nil
}

// Router returns the configured router.
func (s *Server) Router() *mux.Router {
	return s.router
}

// Handler returns the full handler chain, CORS included.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Events returns the run event hub.
func (s *Server) Events() *apihandlers.RunEventHub {
	return s.events
}

// Address returns the bound address once started, otherwise the
// configured one.
func (s *Server) Address() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.httpServer.Addr
}
