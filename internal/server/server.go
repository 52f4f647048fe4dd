// Package server exposes the HTTP surface: the signed webhook ingress plus
// read-only run inspection and operational endpoints.
package server

import (
	"context"
	"net"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/strongdm/drover/internal/coordinator"
	"github.com/strongdm/drover/internal/metrics"
	"github.com/strongdm/drover/internal/webhook"
)

// Config holds server configuration.
type Config struct {
	Addr string
}

type Options struct {
	Config  Config
	Coord   *coordinator.Coordinator
	Webhook *webhook.Handler
	Metrics *metrics.Metrics
	Logger  *zap.Logger

	// WebhookPath exempts the ingress from the cross-origin POST guard; it
	// is authenticated by signature instead.
	WebhookPath string
}

type Server struct {
	cfg     Config
	coord   *coordinator.Coordinator
	log     *zap.Logger
	httpSrv *http.Server
	cancel  context.CancelFunc
}

func New(opts Options) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		cfg:    opts.Config,
		coord:  opts.Coord,
		log:    opts.Logger,
		cancel: cancel,
	}
	if s.log == nil {
		s.log = zap.NewNop()
	}
	if s.cfg.Addr == "" {
		s.cfg.Addr = ":8080"
	}
	webhookPath := opts.WebhookPath
	if webhookPath == "" {
		webhookPath = webhook.DefaultPath
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(requestLogger(s.log))
	r.Use(csrfProtect(webhookPath))

	r.Get("/health", s.handleHealth)
	r.Get("/runs", s.handleListRuns)
	r.Get("/runs/{id}", s.handleGetRun)
	if opts.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(opts.Metrics.Registry, promhttp.HandlerOpts{}))
	}
	if opts.Webhook != nil {
		r.Handle(webhookPath, opts.Webhook)
	}

	s.httpSrv = &http.Server{
		Addr:         s.cfg.Addr,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
		BaseContext:  func(net.Listener) context.Context { return ctx },
	}
	return s
}

// Handler exposes the assembled router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.httpSrv.Handler
}

// ListenAndServe starts the server and blocks until SIGINT/SIGTERM or a
// listener error.
func (s *Server) ListenAndServe() error {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		s.log.Info("shutting down", zap.String("signal", sig.String()))
		s.Shutdown()
	}()

	s.log.Info("listening", zap.String("addr", s.cfg.Addr))
	err := s.httpSrv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown drains in-flight connections, then cancels the base context.
func (s *Server) Shutdown() {
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	_ = s.httpSrv.Shutdown(shutdownCtx)
	s.cancel()
}

func requestLogger(log *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			log.Debug("http request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Duration("elapsed", time.Since(start)))
		})
	}
}

// csrfProtect rejects cross-origin POSTs. Browsers set Origin on
// cross-origin requests, so requiring a localhost-family origin blocks
// CSRF from remote pages while allowing CLI callers. The webhook path is
// exempt: it is authenticated by its HMAC signature.
func csrfProtect(webhookPath string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method == http.MethodPost && r.URL.Path != webhookPath {
				if origin := r.Header.Get("Origin"); origin != "" {
					u, err := url.Parse(origin)
					if err != nil {
						http.Error(w, `{"error":"invalid Origin header"}`, http.StatusForbidden)
						return
					}
					host := u.Hostname()
					if host != "localhost" && host != "127.0.0.1" && host != "::1" {
						http.Error(w, `{"error":"cross-origin request blocked"}`, http.StatusForbidden)
						return
					}
				}
			}
			next.ServeHTTP(w, r)
		})
	}
}
