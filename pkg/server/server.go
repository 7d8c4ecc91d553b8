// Package server exposes capture jobs over HTTP.
//
// Routes:
//
//	POST /v1/screenshot   capture a URL as an image
//	POST /v1/pdf          print a URL to PDF
//	POST /v1/run          run a step script
//	GET  /v1/sessions     list live sessions
//	GET  /healthz         liveness
//	GET  /metrics         Prometheus metrics, when a handler is configured
//
// Every capture request gets its own browser session.
package server

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/entrhq/browseract/pkg/browser"
	"github.com/entrhq/browseract/pkg/capture"
)

// URLChecker vets navigation targets.
type URLChecker interface {
	CheckURL(raw string) error
}

// Options configure a Server.
type Options struct {
	// MaxBodyBytes limits request bodies (default 1 MiB)
	MaxBodyBytes int64

	// RequestTimeout bounds each capture request (default 2m)
	RequestTimeout time.Duration

	// RateLimit is requests per second across all clients; zero disables limiting
	RateLimit float64
	Burst     int

	// Checker restricts navigation targets; nil allows everything
	Checker URLChecker

	// Metrics is served on /metrics when set
	Metrics http.Handler

	Logger *zap.Logger
}

// Server handles capture requests.
type Server struct {
	runner  *capture.Runner
	manager *browser.SessionManager
	opts    Options
	limiter *rate.Limiter
	logger  *zap.Logger
	started time.Time
}

const (
	defaultMaxBodyBytes   = 1 << 20
	defaultRequestTimeout = 2 * time.Minute
	shutdownTimeout       = 15 * time.Second
)

// New creates a server running jobs with r and listing sessions of m.
func New(r *capture.Runner, m *browser.SessionManager, opts Options) *Server {
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = defaultMaxBodyBytes
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = defaultRequestTimeout
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &Server{
		runner:  r,
		manager: m,
		opts:    opts,
		logger:  logger,
		started: time.Now(),
	}
	if opts.RateLimit > 0 {
		burst := opts.Burst
		if burst < 1 {
			burst = 1
		}
		s.limiter = rate.NewLimiter(rate.Limit(opts.RateLimit), burst)
	}
	return s
}

// Handler returns the HTTP routes.
func (s *Server) Handler() http.Handler {
	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(middleware.Recoverer)
	router.Use(s.logRequests)

	router.Get("/healthz", s.handleHealthz)
	if s.opts.Metrics != nil {
		router.Method(http.MethodGet, "/metrics", s.opts.Metrics)
	}

	router.Route("/v1", func(r chi.Router) {
		r.Get("/sessions", s.handleListSessions)
		r.Group(func(r chi.Router) {
			r.Use(s.rateLimit)
			r.Use(s.limitBody)
			r.Post("/screenshot", s.handleScreenshot)
			r.Post("/pdf", s.handlePDF)
			r.Post("/run", s.handleRun)
		})
	})
	return router
}

// ListenAndServe serves on addr until ctx is done, then shuts down
// gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("HTTP server listening", zap.String("addr", addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	s.logger.Info("Shutting down HTTP server")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.limiter != nil && !s.limiter.Allow() {
			w.Header().Set("Retry-After", strconv.Itoa(1))
			respondError(w, http.StatusTooManyRequests, errors.New("rate limit exceeded"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) limitBody(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, s.opts.MaxBodyBytes)
		next.ServeHTTP(w, r)
	})
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Debug("HTTP request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.String("remote", r.RemoteAddr),
			zap.Int("status", ww.Status()),
			zap.Int("bytes", ww.BytesWritten()),
			zap.String("request_id", middleware.GetReqID(r.Context())),
			zap.Duration("duration", time.Since(start)))
	})
}
