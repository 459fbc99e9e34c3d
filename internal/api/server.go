// Package api exposes the SleepPath screen orchestration over HTTP.
//
// Every route under /users/{userID} resolves (or lazily starts) that user's
// orchestrator session and returns the resulting snapshot in the standard
// {status, message, result} envelope.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/BTreeMap/SleepPath/internal/consultant"
	"github.com/BTreeMap/SleepPath/internal/flow"
)

// Default configuration constants
const (
	DefaultAddr            = ":8080"
	DefaultRequestTimeout  = 30 * time.Second
	DefaultShutdownTimeout = 10 * time.Second
)

// Opts holds configuration options for the API server.
type Opts struct {
	Addr            string
	RequestTimeout  time.Duration
	ShutdownTimeout time.Duration
	Responder       consultant.Responder
	Gatherer        prometheus.Gatherer
}

// Option defines a configuration option for the API server.
type Option func(*Opts)

// WithAddr sets the listen address.
func WithAddr(addr string) Option {
	return func(o *Opts) { o.Addr = addr }
}

// WithRequestTimeout bounds each request.
func WithRequestTimeout(d time.Duration) Option {
	return func(o *Opts) { o.RequestTimeout = d }
}

// WithShutdownTimeout bounds graceful shutdown.
func WithShutdownTimeout(d time.Duration) Option {
	return func(o *Opts) { o.ShutdownTimeout = d }
}

// WithResponder sets the AskConsultant reply generator.
func WithResponder(r consultant.Responder) Option {
	return func(o *Opts) { o.Responder = r }
}

// WithGatherer sets the registry served on /metrics.
func WithGatherer(g prometheus.Gatherer) Option {
	return func(o *Opts) { o.Gatherer = g }
}

// Server holds the HTTP routes and their collaborators.
type Server struct {
	sessions  *flow.Manager
	responder consultant.Responder
	opts      Opts
	router    chi.Router
}

// NewServer creates a server over sessions.
func NewServer(sessions *flow.Manager, opts ...Option) *Server {
	cfg := Opts{
		Addr:            DefaultAddr,
		RequestTimeout:  DefaultRequestTimeout,
		ShutdownTimeout: DefaultShutdownTimeout,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Responder == nil {
		cfg.Responder = consultant.NewStaticResponder()
	}
	if cfg.Gatherer == nil {
		cfg.Gatherer = prometheus.DefaultGatherer
	}

	s := &Server{sessions: sessions, responder: cfg.Responder, opts: cfg}
	s.router = s.routes()
	return s
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger)
	r.Use(middleware.Timeout(s.opts.RequestTimeout))

	r.Get("/healthz", s.healthHandler)
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(s.opts.Gatherer, promhttp.HandlerOpts{}))

	r.Post("/users", s.createUserHandler)
	r.Route("/users/{userID}", func(r chi.Router) {
		r.Get("/state", s.stateHandler)
		r.Post("/view", s.setViewHandler)
		r.Post("/welcome/continue", s.continueHandler)
		r.Post("/onboarding/advance", s.advanceHandler)
		r.Post("/onboarding/retreat", s.retreatHandler)
		r.Post("/onboarding/restart", s.restartHandler)
		r.Post("/onboarding/complete", s.completeHandler)
		r.Post("/plan", s.planHandler)
		r.Post("/profile/name", s.userNameHandler)
		r.Post("/profile/baby", s.babyProfileHandler)
		r.Post("/consultant/messages", s.consultantHandler)
	})
	return r
}

// Handler returns the routed HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.opts.Addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("Server.Run: listening", "addr", s.opts.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.opts.ShutdownTimeout)
		defer cancel()
		slog.Info("Server.Run: shutting down")
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		slog.Debug("Server: request served",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", time.Since(start),
			"requestID", middleware.GetReqID(r.Context()))
	})
}
