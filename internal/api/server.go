package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/mattjoyce/mqtt-launcher/internal/dispatch"
	"github.com/mattjoyce/mqtt-launcher/internal/events"
	"github.com/mattjoyce/mqtt-launcher/internal/history"
	"github.com/mattjoyce/mqtt-launcher/internal/registry"
)

// Dispatcher feeds the serial dispatch loop.
type Dispatcher interface {
	SubmitWait(ctx context.Context, topic string, payload *string) (*dispatch.Report, error)
	Pending() int
}

// RunStore reads run history.
type RunStore interface {
	Get(ctx context.Context, id string) (*history.Run, error)
	Recent(ctx context.Context, limit int, topic string) ([]history.Run, error)
}

// TopicRegistry exposes the configured topics.
type TopicRegistry interface {
	Topics() []string
	Lookup(topic string) (*registry.Entry, bool)
}

// BusStatus reports the broker connection state.
type BusStatus interface {
	IsConnected() bool
}

// Config holds API server configuration
type Config struct {
	Listen string
	APIKey string
	// MaxBodyBytes caps POST /dispatch bodies.
	MaxBodyBytes int64
}

// Server represents the HTTP API server
type Server struct {
	config     Config
	dispatcher Dispatcher
	runs       RunStore
	registry   TopicRegistry
	bus        BusStatus
	events     *events.Hub
	logger     *slog.Logger
	server     *http.Server
	startedAt  time.Time
}

// New creates a new API server instance. runs and bus may be nil.
func New(config Config, disp Dispatcher, runs RunStore, reg TopicRegistry, bus BusStatus, hub *events.Hub, logger *slog.Logger) *Server {
	if config.MaxBodyBytes <= 0 {
		config.MaxBodyBytes = 64 * 1024
	}
	if hub == nil {
		hub = events.NewHub(256)
	}
	return &Server{
		config:     config,
		dispatcher: disp,
		runs:       runs,
		registry:   reg,
		bus:        bus,
		events:     hub,
		logger:     logger,
		startedAt:  time.Now(),
	}
}

// Start starts the HTTP server (blocking)
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:         s.config.Listen,
		Handler:      s.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 0, // SSE streams and synchronous dispatches outlive any fixed deadline
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info("API server starting", "listen", s.config.Listen)

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("API server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown failed: %w", err)
		}
		return ctx.Err()
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	}
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler {
	return s.setupRoutes()
}

// setupRoutes configures the HTTP router
func (s *Server) setupRoutes() *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.loggingMiddleware)
	r.Use(middleware.Recoverer)

	// Unauthenticated ops endpoint.
	r.Get("/healthz", s.handleHealthz)

	r.Group(func(r chi.Router) {
		r.Use(s.authMiddleware)
		r.Get("/topics", s.handleListTopics)
		r.Get("/runs", s.handleListRuns)
		r.Get("/runs/{runID}", s.handleGetRun)
		r.Get("/events", s.handleEvents)
		r.Get("/openapi.json", s.handleOpenAPI)
		r.Post("/dispatch/*", s.handleDispatch)
	})

	return r
}

// loggingMiddleware logs HTTP requests
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}
