// Package server exposes correlation and registration over HTTP.
package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/legato/listen/internal/config"
	"github.com/legato/listen/internal/correlate"
	"github.com/legato/listen/internal/logger"
	"github.com/legato/listen/internal/metrics"
	"github.com/legato/listen/internal/registrar"
	"github.com/legato/listen/internal/signal"
)

const shutdownTimeout = 10 * time.Second

// Correlator ranks a query against the index.
type Correlator interface {
	Correlate(ctx context.Context, q signal.Query) (correlate.Result, error)
}

// Registerer indexes an artifact by path.
type Registerer interface {
	Register(ctx context.Context, path string) (registrar.Outcome, error)
}

// SignalReader looks up indexed signals.
type SignalReader interface {
	Get(ctx context.Context, id string) (*signal.Signal, error)
}

// Server is the HTTP surface of listen.
type Server struct {
	correlator Correlator
	registerer Registerer
	signals    SignalReader
	config     config.ServerConfig
	logger     *zap.Logger
}

func New(c Correlator, r Registerer, s SignalReader, cfg config.ServerConfig, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		correlator: c,
		registerer: r,
		signals:    s,
		config:     cfg,
		logger:     logger,
	}
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(metrics.Middleware())
	r.Use(s.withLogger)

	r.Post("/v1/correlate", s.handleCorrelate)
	r.Post("/v1/signals", s.handleRegister)
	r.Get("/v1/signals/{id}", s.handleGetSignal)
	r.Get("/healthz", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())
	return r
}

// Run serves until ctx is done, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:         s.config.Addr,
		Handler:      s.Handler(),
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("starting server", zap.String("addr", s.config.Addr))
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

	s.logger.Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func (s *Server) withLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		l := s.logger.With(zap.String("request_id", middleware.GetReqID(r.Context())))
		next.ServeHTTP(w, r.WithContext(logger.ContextWithLogger(r.Context(), l)))
	})
}
