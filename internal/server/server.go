package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"runtime"
	"strconv"
	"time"

	gferrors "github.com/fulmenhq/gofulmen/errors"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	apperrors "github.com/3leaps/cycjobs/internal/errors"
	"github.com/3leaps/cycjobs/internal/observability"
	"github.com/3leaps/cycjobs/internal/server/handlers"
	"github.com/3leaps/cycjobs/internal/server/middleware"
	"github.com/3leaps/cycjobs/pkg/toolapi"
)

// VersionInfo is served by /version.
type VersionInfo struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildDate string `json:"build_date"`
	GoVersion string `json:"go_version"`
}

// Server is the HTTP front end of the job manager.
type Server struct {
	host string
	port int

	version      VersionInfo
	service      *toolapi.Service
	limiter      *middleware.RateLimiter
	httpObserver middleware.HTTPObserver
	timeouts     Timeouts

	router     chi.Router
	httpServer *http.Server
}

// Timeouts bound the underlying http.Server.
type Timeouts struct {
	Read  time.Duration
	Write time.Duration
	Idle  time.Duration
}

// Option customizes a Server.
type Option func(*Server)

// WithToolService mounts the /v1 tool and job API.
func WithToolService(svc *toolapi.Service) Option {
	return func(s *Server) { s.service = svc }
}

// WithRateLimit throttles submit endpoints per client.
func WithRateLimit(rps float64, burst int) Option {
	return func(s *Server) { s.limiter = middleware.NewRateLimiter(rps, burst) }
}

// WithHTTPObserver reports every request, typically to Prometheus.
func WithHTTPObserver(obs middleware.HTTPObserver) Option {
	return func(s *Server) { s.httpObserver = obs }
}

func WithVersion(v VersionInfo) Option {
	return func(s *Server) { s.version = v }
}

func WithTimeouts(t Timeouts) Option {
	return func(s *Server) { s.timeouts = t }
}

func New(host string, port int, opts ...Option) *Server {
	s := &Server{
		host:     host,
		port:     port,
		version:  VersionInfo{Version: "dev"},
		timeouts: Timeouts{Read: 30 * time.Second, Write: 30 * time.Second, Idle: 120 * time.Second},
	}
	for _, opt := range opts {
		opt(s)
	}
	s.version.GoVersion = runtime.Version()
	s.router = s.routes()
	s.httpServer = &http.Server{
		Addr:              s.Addr(),
		Handler:           s.router,
		ReadTimeout:       s.timeouts.Read,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      s.timeouts.Write,
		IdleTimeout:       s.timeouts.Idle,
	}
	return s
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.Logging(s.httpObserver))
	r.Use(middleware.Recovery)

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		apperrors.RespondWithError(w, r, gferrors.NewErrorEnvelope(apperrors.CodeNotFound, fmt.Sprintf("route not found: %s %s", r.Method, r.URL.Path)))
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		apperrors.RespondWithError(w, r, gferrors.NewErrorEnvelope(apperrors.CodeMethodNotAllowed, fmt.Sprintf("method %s not allowed on %s", r.Method, r.URL.Path)))
	})

	r.Get("/health", handlers.HealthHandler)
	r.Get("/health/live", handlers.LivenessHandler)
	r.Get("/health/ready", handlers.ReadinessHandler)
	r.Get("/health/startup", handlers.StartupHandler)
	r.Get("/version", s.handleVersion)

	if s.service != nil {
		var submitMW func(http.Handler) http.Handler
		if s.limiter != nil {
			submitMW = s.limiter.Middleware
		}
		r.Route("/v1", func(r chi.Router) {
			handlers.NewJobsAPI(s.service).Routes(r, submitMW)
		})
	}
	return r
}

func (s *Server) handleVersion(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(s.version)
}

func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) Port() int {
	return s.port
}

// Addr is the configured listen address.
func (s *Server) Addr() string {
	return net.JoinHostPort(s.host, strconv.Itoa(s.port))
}

// Start serves until Shutdown is called. It returns nil after a graceful
// shutdown.
func (s *Server) Start() error {
	observability.CLILogger.Info("HTTP server listening", zap.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
