// Package reportsrv serves the read-only reporting surface over HTTP:
// budget summaries, provider health, rolling call stats, Prometheus
// metrics, and a live alert feed. It exposes the same reporter the
// programmatic API uses and never mutates gateway state.
package reportsrv

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/jordanhubbard/llmgate/internal/events"
	"github.com/jordanhubbard/llmgate/internal/health"
	"github.com/jordanhubbard/llmgate/internal/ledger"
	"github.com/jordanhubbard/llmgate/internal/logging"
	"github.com/jordanhubbard/llmgate/internal/metrics"
	"github.com/jordanhubbard/llmgate/internal/stats"
	"github.com/jordanhubbard/llmgate/internal/tracing"
)

// Dependencies holds the read-only views the server exposes. Each field
// is nil-safe: handlers answer with an empty or unavailable response
// when the corresponding subsystem is not wired.
type Dependencies struct {
	Ledger  *ledger.Ledger
	Health  *health.Tracker
	Stats   *stats.Collector
	Metrics *metrics.Registry
	Alerts  *events.Bus
}

// Server is the embedded report server. It is opt-in: the gateway runs
// fine without it, and closing the gateway shuts it down.
type Server struct {
	deps    Dependencies
	logger  *slog.Logger
	handler *chi.Mux

	ln  net.Listener
	srv *http.Server
}

// New builds the server and its routes. Pass nil for logger to use the
// process default.
func New(deps Dependencies, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(logging.RequestLogger(logger))
	r.Use(middleware.Recoverer)
	r.Use(tracing.Middleware())
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-ID"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	s := &Server{deps: deps, logger: logger, handler: r}
	mountRoutes(r, deps)
	return s
}

// Handler returns the route tree for mounting or testing.
func (s *Server) Handler() http.Handler { return s.handler }

// Start binds addr and serves in the background. Use ":0" to pick a
// free port and read it back with Addr.
func (s *Server) Start(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	s.ln = ln
	s.srv = &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("report server stopped", slog.String("error", err.Error()))
		}
	}()
	s.logger.Info("report server listening", slog.String("addr", ln.Addr().String()))
	return nil
}

// Addr returns the bound address, or "" before Start.
func (s *Server) Addr() string {
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

// Shutdown gracefully stops the server. Safe to call before Start.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}

func mountRoutes(r chi.Router, d Dependencies) {
	r.Get("/healthz", HealthzHandler(d))

	if d.Metrics != nil {
		r.Handle("/metrics", d.Metrics.Handler())
	}

	r.Route("/v1", func(r chi.Router) {
		r.Get("/budget/today", BudgetTodayHandler(d))
		r.Get("/budget/report", BudgetReportHandler(d))
		r.Get("/budget/top", BudgetTopHandler(d))
		r.Get("/providers/health", ProvidersHealthHandler(d))
		r.Get("/stats", StatsHandler(d))
		if d.Alerts != nil {
			r.Get("/events", SSEHandler(d.Alerts))
		}
	})
}
